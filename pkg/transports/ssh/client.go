package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error that occurred during transport operations.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporaryError reports whether err is a transport error worth retrying.
func IsTemporaryError(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

// SSHClient holds a single connection to the executor host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	closeAuth   func() error
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewSSHClient creates a new SSH client. The connection is opened by Connect.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Calling Connect on a live
// connection is a no-op.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, closeAuth, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		_ = closeAuth()
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake itself ignores ctx, so bound it with a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		_ = closeAuth()
		return &TransportError{Op: "handshake", Err: err, IsAuthError: isAuthFailure(err)}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.closeAuth = closeAuth
	c.connectedAt = time.Now()

	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}

	c.logger.Info().Msg("SSH connection established")
	return nil
}

// Disconnect closes the SSH connection.
func (c *SSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *SSHClient) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	if c.closeAuth != nil {
		_ = c.closeAuth()
		c.closeAuth = nil
	}
	c.client = nil
	return err
}

// IsConnected reports whether a connection is open.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck sends a keepalive request over the connection.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "health_check", Err: fmt.Errorf("not connected")}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.ping() }()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "health_check", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		if err != nil {
			return &TransportError{Op: "health_check", Err: err, IsTemporary: true}
		}
		return nil
	}
}

// ConnectedAt returns when the current connection was opened.
func (c *SSHClient) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *SSHClient) ping() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *SSHClient) keepAlive(client *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Keep-alive failed")
				return
			}
		}
	}
}

// sshClient returns the live connection.
func (c *SSHClient) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
