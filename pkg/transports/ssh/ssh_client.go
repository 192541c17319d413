package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection carrying one SFTP session.
type SSHClient struct {
	config *Config

	connMu      sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	isConnected bool
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host and opens an SFTP session.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected {
		if _, err := c.sftp.Getwd(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		log.Debug().Str("address", address).Msg("establishing SSH connection")
		c.client, err = dial(ctx, nil, address, clientConfig)
	}
	if err != nil {
		return err
	}

	session, err := sftp.NewClient(c.client)
	if err != nil {
		c.closeLocked()
		return &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}

	c.sftp = session
	c.isConnected = true
	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt

	if c.config.KeepAliveInterval > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(c.client, c.stop)
	}

	log.Info().Str("address", address).Bool("proxy", c.config.IsProxyEnabled()).Msg("SSH connection established")
	return nil
}

// dial opens an SSH connection to address, through via when it is set.
func dial(ctx context.Context, via *ssh.Client, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		dialer := &net.Dialer{Timeout: config.Timeout}
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// Bound the handshake by ctx as well as the config timeout
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: isAuthError(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectViaProxy establishes an SSH connection through a proxy/jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := c.config.proxyConfig()

	proxyClientConfig, err := proxyConfig.BuildSSHClientConfig()
	if err != nil {
		return fmt.Errorf("failed to build proxy config: %w", err)
	}

	log.Debug().Str("proxy", proxyConfig.Address()).Msg("connecting to proxy host")

	proxyClient, err := dial(ctx, nil, proxyConfig.Address(), proxyClientConfig)
	if err != nil {
		return err
	}

	target, err := dial(ctx, proxyClient, c.config.Address(), targetConfig)
	if err != nil {
		_ = proxyClient.Close()
		return err
	}

	c.proxy = proxyClient
	c.client = target
	return nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// closeLocked tears the connection down. Must be called with connMu held.
func (c *SSHClient) closeLocked() error {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}

	var errs []error
	if c.sftp != nil {
		errs = append(errs, c.sftp.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.proxy != nil {
		errs = append(errs, c.proxy.Close())
	}

	c.sftp, c.client, c.proxy = nil, nil, nil
	c.isConnected = false

	for _, err := range errs {
		if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			return err
		}
	}
	return nil
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// ReadDir lists the entries of a remote directory.
func (c *SSHClient) ReadDir(ctx context.Context, path string) ([]os.FileInfo, error) {
	session, err := c.session(ctx, "readdir", path)
	if err != nil {
		return nil, err
	}

	entries, err := session.ReadDir(path)
	if err != nil {
		return nil, c.fileError("readdir", path, err)
	}
	return entries, nil
}

// ReadFile returns the content of a remote file, refusing files larger than MaxFileSize.
func (c *SSHClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	session, err := c.session(ctx, "readfile", path)
	if err != nil {
		return nil, err
	}

	f, err := session.Open(path)
	if err != nil {
		return nil, c.fileError("readfile", path, err)
	}
	defer f.Close()

	limit := c.config.maxFileSize()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, c.fileError("readfile", path, err)
	}
	if int64(len(data)) > limit {
		return nil, &TransportError{Op: "readfile", Path: path, Err: fmt.Errorf("file exceeds %d bytes", limit)}
	}
	return data, nil
}

// session returns the live SFTP session.
func (c *SSHClient) session(ctx context.Context, op, path string) (*sftp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: op, Path: path, Err: err, IsTemporary: true}
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.sftp == nil {
		return nil, &TransportError{Op: op, Path: path, Err: fmt.Errorf("not connected"), IsTemporary: true}
	}
	c.lastUsedAt = time.Now()
	return c.sftp, nil
}

// fileError classifies an SFTP failure. A lost connection marks the client
// disconnected so the next Connect dials again.
func (c *SSHClient) fileError(op, path string, err error) error {
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, io.EOF) {
		c.connMu.Lock()
		c.closeLocked()
		c.connMu.Unlock()
		return &TransportError{Op: op, Path: path, Err: err, IsTemporary: true}
	}
	return &TransportError{Op: op, Path: path, Err: err, IsTemporary: !errors.Is(err, os.ErrNotExist)}
}

// keepAlive sends periodic keep-alive requests and drops the connection once
// MaxKeepAliveRetries consecutive requests fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, dropping connection")
				c.connMu.Lock()
				if c.client == client {
					c.closeLocked()
				}
				c.connMu.Unlock()
				return
			}
			continue
		}

		retries = 0
		c.connMu.Lock()
		c.lastUsedAt = time.Now()
		c.connMu.Unlock()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.config.IsProxyEnabled(),
	}
}
