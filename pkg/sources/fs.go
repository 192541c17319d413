package sources

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/openfroyo/confman/pkg/transports/ssh"
)

// FileSystem is the read-only view a Directory scans.
type FileSystem interface {
	// ReadDir lists the regular files and directories under dir.
	// A missing directory yields no entries and no error.
	ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error)

	// ReadFile returns the content of name.
	ReadFile(ctx context.Context, name string) ([]byte, error)

	// Join joins path elements using the file system's separator.
	Join(elem ...string) string
}

// LocalFS reads from the local disk.
type LocalFS struct{}

// ReadDir implements FileSystem.
func (LocalFS) ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed between listing and stat
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ReadFile implements FileSystem.
func (LocalFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

// Join implements FileSystem.
func (LocalFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// RemoteFS reads from a host over SFTP, connecting on demand.
type RemoteFS struct {
	transport ssh.Transport
}

// NewRemoteFS wraps an SSH transport.
func NewRemoteFS(transport ssh.Transport) *RemoteFS {
	return &RemoteFS{transport: transport}
}

// ReadDir implements FileSystem.
func (r *RemoteFS) ReadDir(ctx context.Context, dir string) ([]fs.FileInfo, error) {
	if err := r.transport.Connect(ctx); err != nil {
		return nil, err
	}

	infos, err := r.transport.ReadDir(ctx, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// ReadFile implements FileSystem.
func (r *RemoteFS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if err := r.transport.Connect(ctx); err != nil {
		return nil, err
	}
	return r.transport.ReadFile(ctx, name)
}

// Join implements FileSystem.
func (r *RemoteFS) Join(elem ...string) string {
	return path.Join(elem...)
}

// Close disconnects the underlying transport.
func (r *RemoteFS) Close() error {
	return r.transport.Disconnect()
}
