package stores

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// FileStore keeps one JSON ledger file per environment under a directory.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir. A nil fs uses the OS filesystem.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = "."
	}
	return &FileStore{fs: fs, dir: dir}
}

// Path returns the ledger file for envID.
func (s *FileStore) Path(envID string) string {
	return filepath.Join(s.dir, "progress."+envID+".json")
}

// Load reads the ledger of envID. A missing file yields an empty ledger.
func (s *FileStore) Load(_ context.Context, envID string) (engine.Ledger, error) {
	if err := checkEnvID(envID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.Path(envID))
	if errors.Is(err, os.ErrNotExist) {
		return make(engine.Ledger), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger %s: %w", s.Path(envID), err)
	}

	ledger, err := engine.DecodeLedger(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger %s: %w", s.Path(envID), err)
	}
	return ledger, nil
}

// Save rewrites the ledger file of envID atomically.
func (s *FileStore) Save(_ context.Context, envID string, ledger engine.Ledger) error {
	if err := checkEnvID(envID); err != nil {
		return err
	}

	data, err := engine.EncodeLedger(ledger)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.fs, s.Path(envID), data)
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func checkEnvID(envID string) error {
	if envID == "" || strings.ContainsAny(envID, `/\`) || envID == "." || envID == ".." {
		return fmt.Errorf("invalid environment identifier %q", envID)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(fs, dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() { _ = fs.Remove(tmpPath) }()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}
