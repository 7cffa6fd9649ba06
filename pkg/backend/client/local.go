package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// LocalTransport runs the executor as a child process. Upload is a no-op;
// the binary is executed in place.
type LocalTransport struct {
	// Args are passed to the executor.
	Args []string

	// Stderr receives the executor's stderr. Defaults to os.Stderr.
	Stderr io.Writer

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Upload implements Transport.
func (t *LocalTransport) Upload(_ context.Context, localPath, _ string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("runner binary not found at %s: %w", localPath, err)
	}
	return nil
}

// Execute implements Transport. The process outlives ctx; Cleanup stops it.
func (t *LocalTransport) Execute(_ context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil, nil, fmt.Errorf("runner already started")
	}

	cmd := exec.Command(remotePath, t.Args...)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", remotePath, err)
	}

	t.cmd = cmd
	return stdin, stdout, nil
}

// Cleanup waits for the process to exit, killing it when ctx ends first.
func (t *LocalTransport) Cleanup(ctx context.Context, _ string) error {
	t.mu.Lock()
	cmd := t.cmd
	t.cmd = nil
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	select {
	case err := <-waited:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waited
		return ctx.Err()
	}
}
