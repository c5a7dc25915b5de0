package sftp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over SSH.
type Client struct {
	config *Config

	mu          sync.Mutex
	ssh         *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
}

// NewClient creates an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// NewClientWithSession wraps an established SFTP session. Connect becomes a no-op.
func NewClientWithSession(session *sftp.Client) *Client {
	return &Client{
		config:      &Config{},
		sftp:        session,
		connectedAt: time.Now(),
	}
}

// Connect establishes the SSH connection and opens an SFTP session.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.sftp != nil {
		return nil
	}

	clientConfig, err := c.config.SSHConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client, err}
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{Op: "connect", Err: r.err, IsTemporary: !isAuthFailure(r.err), IsAuthError: isAuthFailure(r.err)}
		}
		sshClient = r.client
	}

	session, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}

	c.ssh = sshClient
	c.sftp = session
	c.connectedAt = time.Now()
	log.Info().Str("address", address).Msg("SFTP session established")
	return nil
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
		c.sftp = nil
	}
	if c.ssh != nil {
		errs = append(errs, c.ssh.Close())
		c.ssh = nil
	}
	return errors.Join(errs...)
}

// MkdirAll creates path and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, path string) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	if err := session.MkdirAll(path); err != nil {
		return c.wrap("mkdir", fmt.Errorf("failed to create %s: %w", path, err))
	}
	return nil
}

// RemoveAll removes path recursively. A missing path is not an error.
func (c *Client) RemoveAll(ctx context.Context, path string) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	if _, err := session.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return c.wrap("remove", fmt.Errorf("failed to stat %s: %w", path, err))
	}
	if err := session.RemoveAll(path); err != nil {
		return c.wrap("remove", fmt.Errorf("failed to remove %s: %w", path, err))
	}
	return nil
}

// Exists reports whether path exists.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	session, err := c.session(ctx)
	if err != nil {
		return false, err
	}
	if _, err := session.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, c.wrap("stat", err)
	}
	return true, nil
}

// Info returns details about the current connection.
func (c *Client) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		Host:        c.config.Host,
		Port:        c.config.Port,
		User:        c.config.User,
		ConnectedAt: c.connectedAt,
	}
}

func (c *Client) session(ctx context.Context) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.sftp, nil
}

// wrap classifies an SFTP error. A lost connection drops the session so the
// next call reconnects.
func (c *Client) wrap(op string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return &TransportError{Op: op, Err: err}
	}
	if errors.Is(err, os.ErrPermission) {
		return &TransportError{Op: op, Err: err}
	}

	c.mu.Lock()
	if c.ssh != nil {
		if c.sftp != nil {
			_ = c.sftp.Close()
		}
		_ = c.ssh.Close()
		c.sftp, c.ssh = nil, nil
	}
	c.mu.Unlock()
	return &TransportError{Op: op, Err: err, IsTemporary: true}
}

// isAuthFailure reports whether ssh.Dial gave up after exhausting auth methods.
func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
