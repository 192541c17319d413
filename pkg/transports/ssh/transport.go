// Package ssh provides read access to remote configuration trees over SSH and SFTP.
package ssh

import (
	"context"
	"os"
	"time"
)

// FileReader is the read-only file API remote sources are built on.
type FileReader interface {
	// ReadDir lists the entries of a remote directory.
	ReadDir(ctx context.Context, path string) ([]os.FileInfo, error)

	// ReadFile returns the content of a remote file.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Transport is a FileReader bound to a reconnectable SSH session.
type Transport interface {
	FileReader

	// Connect establishes the SSH connection and SFTP session.
	// It is a no-op while the connection is alive.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time

	// ViaProxy indicates the connection goes through a jump host
	ViaProxy bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "readdir", "readfile")
	Op string

	// Path is the remote path involved, if any
	Path string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
