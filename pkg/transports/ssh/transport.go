// Package ssh runs the executor on a remote host: the binary is uploaded
// over SFTP and its stdin/stdout are carried by an SSH session.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/stagehand/pkg/backend/client"
)

// ExecutorTransport implements client.Transport over an SSH connection.
type ExecutorTransport struct {
	client *SSHClient
	logger zerolog.Logger

	// Args are appended to the executor command line.
	Args []string

	mu       sync.Mutex
	sessions map[string]*running
}

type running struct {
	session *ssh.Session
	stderr  *bytes.Buffer
}

var _ client.Transport = (*ExecutorTransport)(nil)

// NewExecutorTransport creates a transport on a connected or connectable client.
func NewExecutorTransport(c *SSHClient, logger zerolog.Logger, args ...string) *ExecutorTransport {
	return &ExecutorTransport{
		client:   c,
		logger:   logger.With().Str("component", "ssh_transport").Logger(),
		Args:     args,
		sessions: make(map[string]*running),
	}
}

// Upload copies the executor binary to remotePath and marks it executable.
func (t *ExecutorTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := t.client.Connect(ctx); err != nil {
		return err
	}
	conn, err := t.client.sshClient()
	if err != nil {
		return err
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	written, err := io.Copy(remote, &ctxReader{ctx: ctx, r: local})
	if closeErr := remote.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, 0o755); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}

	remoteInfo, err := sftpClient.Stat(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to verify upload: %w", err)}
	}
	if remoteInfo.Size() != info.Size() || written != info.Size() {
		return &TransportError{Op: "upload", Err: fmt.Errorf("size mismatch: local=%d remote=%d", info.Size(), remoteInfo.Size())}
	}

	t.logger.Debug().Str("remote", remotePath).Int64("bytes", written).Msg("Executor uploaded")
	return nil
}

// Execute starts the executor in a new session.
func (t *ExecutorTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	if err := t.client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := t.client.sshClient()
	if err != nil {
		return nil, nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	session.Stderr = stderr

	cmd := commandLine(remotePath, t.Args)
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, nil, &TransportError{Op: "execute", Err: fmt.Errorf("failed to start executor: %w", err)}
	}

	t.mu.Lock()
	t.sessions[remotePath] = &running{session: session, stderr: stderr}
	t.mu.Unlock()

	t.logger.Debug().Str("command", cmd).Msg("Executor started")
	return stdin, &sessionReader{Reader: stdout, session: session}, nil
}

// Cleanup waits for the executor session to end and removes the binary.
func (t *ExecutorTransport) Cleanup(ctx context.Context, remotePath string) error {
	t.mu.Lock()
	run := t.sessions[remotePath]
	delete(t.sessions, remotePath)
	t.mu.Unlock()

	var errs []error
	if run != nil {
		waitErr := make(chan error, 1)
		go func() { waitErr <- run.session.Wait() }()

		select {
		case <-ctx.Done():
			_ = run.session.Close()
			errs = append(errs, ctx.Err())
		case err := <-waitErr:
			var missing *ssh.ExitMissingError
			if err != nil && !errors.As(err, &missing) && !errors.Is(err, io.EOF) {
				errs = append(errs, fmt.Errorf("executor failed: %w: %s", err, strings.TrimSpace(run.stderr.String())))
			}
		}
	}

	conn, err := t.client.sshClient()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("failed to start sftp: %w", err))...)
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("failed to remove executor: %w", err))
	}
	return errors.Join(errs...)
}

// sessionReader closes the session together with its stdout.
type sessionReader struct {
	io.Reader
	session *ssh.Session
}

func (r *sessionReader) Close() error {
	err := r.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

func commandLine(remotePath string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(remotePath))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
