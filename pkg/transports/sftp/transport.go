// Package sftp provides an SFTP transport used to manage staging directories on
// remote hosts.
package sftp

import (
	"context"
	"time"
)

// Transport is the subset of remote filesystem operations the connector needs.
type Transport interface {
	// Connect establishes the SSH connection and SFTP session. It is a no-op
	// when already connected.
	Connect(ctx context.Context) error

	// Close ends the session and the connection.
	Close() error

	// MkdirAll creates path and any missing parents.
	MkdirAll(ctx context.Context, path string) error

	// RemoveAll removes path and everything below it. A missing path is not an error.
	RemoveAll(ctx context.Context, path string) error

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Info returns details about the current connection.
	Info() ConnectionInfo
}

// ConnectionInfo contains details about an active connection.
type ConnectionInfo struct {
	Host        string
	Port        int
	User        string
	ConnectedAt time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "mkdir", "remove")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
