package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/openfroyo/confman/pkg/engine"
	"github.com/openfroyo/confman/pkg/telemetry"
)

// Sub-directories of a configuration root.
const (
	ServicesDir  = "services"
	FactoriesDir = "factories"
)

// DirectoryOptions configures a Directory source.
type DirectoryOptions struct {
	// Name identifies the source in logs and change sets. Defaults to "directory:<root>".
	Name string

	// FS is the file system scanned. Defaults to LocalFS.
	FS FileSystem

	// Chain resolves file content into properties. Required.
	Chain *engine.AdapterChain

	// Store, with Overwrite false, lets the source skip pids the store
	// held before the first scan that some other writer put there.
	Store engine.ConfigurationStore

	// Overwrite allows files to replace configurations another writer put in
	// Store. Configurations this source wrote itself, recognized by their
	// confman.source property, are always kept in sync.
	Overwrite bool

	// Logger defaults to a no-op logger.
	Logger *telemetry.Logger
}

// Directory is a Source over a configuration root laid out as
//
//	<root>/services/<pid>.<format>
//	<root>/factories/<factoryPid>-<instance>.<format>
//
// The factory file name is split on its first "-". A string service.pid
// property inside a services file overrides the pid taken from the file name.
type Directory struct {
	root   string
	name   string
	fs     FileSystem
	chain  *engine.AdapterChain
	store  engine.ConfigurationStore
	logger *telemetry.Logger

	skipMu sync.Mutex
	skip   map[string]bool // nil until loaded
}

var _ engine.Source = (*Directory)(nil)

// NewDirectory creates a Directory source rooted at root.
func NewDirectory(root string, opts DirectoryOptions) (*Directory, error) {
	if root == "" {
		return nil, engine.NewValidationError("directory root is required")
	}
	if opts.Chain == nil {
		return nil, engine.NewValidationError("adapter chain is required")
	}

	d := &Directory{
		root:  root,
		name:  opts.Name,
		fs:    opts.FS,
		chain: opts.Chain,
	}
	if d.name == "" {
		d.name = "directory:" + root
	}
	if d.fs == nil {
		d.fs = LocalFS{}
	}
	if !opts.Overwrite && opts.Store != nil {
		d.store = opts.Store
	} else {
		d.skip = map[string]bool{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	d.logger = logger.NewComponentLogger("directory").WithSource(d.name)

	return d, nil
}

// Name implements engine.Source.
func (d *Directory) Name() string { return d.name }

// Root returns the scanned root.
func (d *Directory) Root() string { return d.root }

// Scan implements engine.Source. I/O errors fail the whole scan so a flaky
// read never looks like a deletion; files no adapter can resolve become tombstones.
func (d *Directory) Scan(ctx context.Context) ([]engine.SnapshotEntity, error) {
	skip, err := d.skipped(ctx)
	if err != nil {
		return nil, err
	}

	var entities []engine.SnapshotEntity
	seen := make(map[string]string)

	for _, dir := range []string{ServicesDir, FactoriesDir} {
		found, err := d.scanDir(ctx, dir)
		if err != nil {
			return nil, err
		}

		for _, e := range found {
			key := e.Identity.Key()
			if !e.Identity.IsFactory() && skip[e.Identity.PID] {
				continue
			}
			if prev, dup := seen[key]; dup {
				d.logger.WithField("path", e.Identity.Location).
					Warnf("%s already defined by %s, ignoring", key, prev)
				continue
			}
			seen[key] = e.Identity.Location
			entities = append(entities, e)
		}
	}

	return entities, nil
}

func (d *Directory) scanDir(ctx context.Context, dir string) ([]engine.SnapshotEntity, error) {
	dirPath := d.fs.Join(d.root, dir)
	infos, err := d.fs.ReadDir(ctx, dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dirPath, err)
	}

	var entities []engine.SnapshotEntity
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		identity, format, ok := parseFileName(dir, name)
		if !ok {
			d.logger.WithField("file", name).Debug("file name does not match the layout, skipping")
			continue
		}

		filePath := d.fs.Join(dirPath, name)
		data, err := d.fs.ReadFile(ctx, filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
		}
		identity.Location = filePath

		entities = append(entities, d.resolve(identity, format, data))
	}
	return entities, nil
}

// resolve reduces file content to properties. Resolution failures yield a tombstone.
func (d *Directory) resolve(identity engine.Identity, format string, data []byte) engine.SnapshotEntity {
	sum := sha256.Sum256(data)
	metadata := engine.Dictionary{
		engine.SourceKey:       d.name,
		engine.SourcePathKey:   identity.Location,
		engine.SourceFormatKey: format,
	}

	props, err := d.chain.Reduce(metadata, data)
	if err != nil {
		d.logger.WithError(err).WithField("path", identity.Location).Info("unable to resolve configuration file")
		props = nil
	}

	if !identity.IsFactory() && props != nil {
		if pid, ok := props[engine.ServicePIDKey].(string); ok && pid != "" {
			identity.PID = pid
		}
	}

	return engine.SnapshotEntity{
		Identity:   identity,
		Signature:  hex.EncodeToString(sum[:]),
		Properties: props,
		Metadata:   metadata,
	}
}

// skipped returns the pids that must not be overwritten, loading them from the
// store on first use. Entries written from this source are not skipped. A failed load fails the scan and is retried next time.
func (d *Directory) skipped(ctx context.Context) (map[string]bool, error) {
	d.skipMu.Lock()
	defer d.skipMu.Unlock()

	if d.skip != nil {
		return d.skip, nil
	}

	entries, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list existing configurations: %w", err)
	}

	skip := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Identity().IsFactory() {
			continue
		}
		if owner, _ := e.Properties()[engine.SourceKey].(string); owner == d.name {
			continue
		}
		skip[e.Identity().PID] = true
	}
	d.logger.Debugf("%d existing configurations will not be overwritten", len(skip))
	d.skip = skip
	return skip, nil
}

// parseFileName derives the identity and format of a file in dir.
func parseFileName(dir, name string) (engine.Identity, string, bool) {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	format := strings.ToLower(strings.TrimPrefix(ext, "."))
	if base == "" || format == "" {
		return engine.Identity{}, "", false
	}

	if dir == ServicesDir {
		return engine.NewPIDIdentity(base, ""), format, true
	}

	factoryPID, instance, found := strings.Cut(base, "-")
	if !found || factoryPID == "" || instance == "" {
		return engine.Identity{}, "", false
	}
	return engine.NewFactoryIdentity(factoryPID, instance, ""), format, true
}
