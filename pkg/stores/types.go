package stores

import (
	"context"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// RunStatus represents the status of a recorded run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one deploy or upgrade run as seen through its events.
type Run struct {
	ID          string     `json:"id" yaml:"id"`
	Environment string     `json:"environment" yaml:"environment"`
	Kind        string     `json:"kind" yaml:"kind"`
	Status      RunStatus  `json:"status" yaml:"status"`
	StartedAt   time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty" yaml:"error,omitempty"`
	Executed    int        `json:"executed" yaml:"executed"`
	Skipped     int        `json:"skipped" yaml:"skipped"`
}

// Event is a persisted telemetry event.
type Event struct {
	ID          int64     `json:"id" yaml:"id"`
	EventID     string    `json:"event_id" yaml:"event_id"`
	RunID       *string   `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Environment string    `json:"environment" yaml:"environment"`
	Entity      *string   `json:"entity,omitempty" yaml:"entity,omitempty"`
	Stage       *string   `json:"stage,omitempty" yaml:"stage,omitempty"`
	Type        string    `json:"type" yaml:"type"`
	Level       string    `json:"level" yaml:"level"`
	Message     string    `json:"message" yaml:"message"`
	Details     *string   `json:"details,omitempty" yaml:"details,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
}

// Store is a progress store that can be closed.
type Store interface {
	engine.ProgressStore

	// Close releases the underlying resources.
	Close() error
}

// HistoryStore records run history from the telemetry event stream.
type HistoryStore interface {
	Store

	// RecordEvent persists one telemetry event and updates the run it belongs to.
	RecordEvent(ctx context.Context, event telemetry.Event) error

	// GetRun returns one run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs for env, newest first. An empty env lists all.
	ListRuns(ctx context.Context, env string, limit, offset int) ([]*Run, error)

	// ListEvents returns the events of a run in publish order.
	ListEvents(ctx context.Context, runID string) ([]*Event, error)
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ Store        = (*FileStore)(nil)
	_ HistoryStore = (*SQLiteStore)(nil)
)
