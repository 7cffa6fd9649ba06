// Package client implements engine.Backend by talking to a remote executor
// over the JSON-lines protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/backend/protocol"
	"github.com/openfroyo/stagehand/pkg/engine"
)

// Transport defines the interface for uploading and executing the executor.
type Transport interface {
	// Upload copies the executor binary to the remote host
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the executor process and returns its stdin/stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup stops the executor and removes anything Upload left behind
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	RunnerPath     string // Path to local executor binary
	RemotePath     string // Path on remote host
	StartupTimeout time.Duration
	CommandTimeout time.Duration
	Logger         zerolog.Logger
}

type inbound struct {
	msg *protocol.Message
	err error
}

// Client manages communication with an executor instance.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	logger  zerolog.Logger

	msgs       chan inbound
	done       chan struct{}
	readerDone chan struct{}

	// exchange serializes command round trips
	exchange sync.Mutex

	mu     sync.Mutex
	closed bool
	failed error
}

var _ engine.Backend = (*Client)(nil)

// NewClient creates a new executor client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RunnerPath == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = cfg.RunnerPath
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}

	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "executor_client").Logger(),
		msgs:   make(chan inbound),
		done:   make(chan struct{}),
	}, nil
}

// Start uploads the executor binary, starts it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.readerDone != nil {
		return fmt.Errorf("client already started")
	}

	if err := c.cfg.Transport.Upload(ctx, c.cfg.RunnerPath, c.cfg.RemotePath); err != nil {
		return fmt.Errorf("failed to upload runner: %w", err)
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.readerDone = make(chan struct{})
	go c.read(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case in := <-c.msgs:
		if in.err != nil {
			return fmt.Errorf("failed to receive READY: %w", in.err)
		}
		if in.msg.Type != protocol.MessageTypeReady {
			return fmt.Errorf("expected READY, got %s", in.msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(in.msg.Data, &ready); err != nil {
			return fmt.Errorf("failed to parse READY: %w", err)
		}
		if ready.Version != protocol.Version {
			return fmt.Errorf("unsupported protocol version %q", ready.Version)
		}
		c.ready = &ready
		c.logger.Debug().Str("platform", ready.Platform).Int("pid", ready.PID).Msg("Executor ready")
		return nil
	}
}

// read forwards decoded messages until the stream fails or the client closes.
func (c *Client) read(dec *protocol.Decoder) {
	defer close(c.readerDone)
	for {
		msg, err := dec.Decode()
		select {
		case c.msgs <- inbound{msg: msg, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Submit implements engine.Backend.
func (c *Client) Submit(ctx context.Context, op engine.Operation) (*engine.OperationHandle, error) {
	var res protocol.SubmitResult
	if err := c.roundTrip(ctx, protocol.CommandTypeSubmit, &protocol.SubmitParams{Operation: op}, &res); err != nil {
		return nil, err
	}
	return &res.Handle, nil
}

// Await implements engine.Backend.
func (c *Client) Await(ctx context.Context, handle *engine.OperationHandle, confirmations int) (*engine.Receipt, error) {
	var res protocol.AwaitResult
	params := &protocol.AwaitParams{Handle: *handle, Confirmations: confirmations}
	if err := c.roundTrip(ctx, protocol.CommandTypeAwait, params, &res); err != nil {
		return nil, err
	}
	return &res.Receipt, nil
}

// Read implements engine.Backend.
func (c *Client) Read(ctx context.Context, target, query string, args ...any) (any, error) {
	var res protocol.ReadResult
	params := &protocol.ReadParams{Target: target, Query: query, Args: args}
	if err := c.roundTrip(ctx, protocol.CommandTypeRead, params, &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

// roundTrip sends one command and waits for its DONE or ERROR. Responses to
// earlier, abandoned commands are discarded.
func (c *Client) roundTrip(ctx context.Context, cmdType protocol.CommandType, params, result interface{}) error {
	c.exchange.Lock()
	defer c.exchange.Unlock()

	if err := c.usable(); err != nil {
		return err
	}

	cmd, err := protocol.NewCommand(cmdType, params, c.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if err := c.encoder.EncodeCommand(cmd); err != nil {
		return c.fail(fmt.Errorf("failed to send command: %w", err))
	}

	for {
		var in inbound
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("client is closed")
		case in = <-c.msgs:
		}
		if in.err != nil {
			return c.fail(fmt.Errorf("failed to read response: %w", in.err))
		}

		switch in.msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseParams(in.msg.Data, &event); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}
			c.logger.Debug().Str("command_id", event.CommandID).Str("level", event.Level).Msg(event.Message)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseParams(in.msg.Data, &done); err != nil {
				return fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				c.logger.Debug().Str("command_id", done.CommandID).Msg("Discarding stale response")
				continue
			}
			if err := protocol.ParseParams(done.Result, result); err != nil {
				return fmt.Errorf("failed to parse result: %w", err)
			}
			return nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseParams(in.msg.Data, &errMsg); err != nil {
				return fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				c.logger.Debug().Str("command_id", errMsg.CommandID).Msg("Discarding stale error")
				continue
			}
			return errMsg.RemoteError()

		case protocol.MessageTypeExit:
			return c.fail(fmt.Errorf("runner exited unexpectedly"))

		default:
			return fmt.Errorf("unexpected message type: %s", in.msg.Type)
		}
	}
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return fmt.Errorf("client is closed")
	case c.failed != nil:
		return c.failed
	case c.encoder == nil:
		return fmt.Errorf("client not started")
	}
	return nil
}

func (c *Client) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed == nil {
		c.failed = err
	}
	return err
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Close closes the streams, waits for the reader and cleans up the executor.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	var errs []error

	// Closing stdin lets the executor finish with EXIT.
	if c.stdin != nil {
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}

	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if c.readerDone != nil {
		<-c.readerDone
	}

	if err := c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath); err != nil {
		c.logger.Debug().Err(err).Msg("Executor cleanup failed")
	}

	return errors.Join(errs...)
}
