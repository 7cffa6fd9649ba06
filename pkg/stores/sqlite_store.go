package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps ledgers and run history in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// SQLite serializes writers; one connection also keeps :memory: databases alive.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store in one call.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	return s.cfg.Path + "?" + strings.Join(params, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load returns the ledger of envID. A missing environment yields an empty ledger.
func (s *SQLiteStore) Load(ctx context.Context, envID string) (engine.Ledger, error) {
	query := `
		SELECT entity, stage, done, address, pointer_address, has_pointer, constructor_args, init_args, previous_address
		FROM stage_records
		WHERE environment = ?
	`
	rows, err := s.db.QueryContext(ctx, query, envID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	defer rows.Close()

	ledger := make(engine.Ledger)
	for rows.Next() {
		var (
			entity, stage      string
			rec                engine.ProgressRecord
			ctorArgs, initArgs sql.NullString
		)
		if err := rows.Scan(&entity, &stage, &rec.Done, &rec.Address, &rec.PointerAddress,
			&rec.HasPointer, &ctorArgs, &initArgs, &rec.PreviousAddress); err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		if rec.ConstructorArgs, err = decodeArgs(ctorArgs); err != nil {
			return nil, fmt.Errorf("failed to decode constructor args of %s/%s: %w", entity, stage, err)
		}
		if rec.InitArgs, err = decodeArgs(initArgs); err != nil {
			return nil, fmt.Errorf("failed to decode init args of %s/%s: %w", entity, stage, err)
		}
		ledger.Set(entity, stage, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage records: %w", err)
	}

	return ledger, nil
}

// Save replaces the ledger of envID in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, envID string, ledger engine.Ledger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_records WHERE environment = ?`, envID); err != nil {
		return fmt.Errorf("failed to clear ledger: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stage_records (environment, entity, stage, done, address, pointer_address, has_pointer, constructor_args, init_args, previous_address, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for entity, stages := range ledger {
		for stage, rec := range stages {
			ctorArgs, err := encodeArgs(rec.ConstructorArgs)
			if err != nil {
				return fmt.Errorf("failed to encode constructor args of %s/%s: %w", entity, stage, err)
			}
			initArgs, err := encodeArgs(rec.InitArgs)
			if err != nil {
				return fmt.Errorf("failed to encode init args of %s/%s: %w", entity, stage, err)
			}
			if _, err := stmt.ExecContext(ctx, envID, entity, stage, rec.Done, rec.Address,
				rec.PointerAddress, rec.HasPointer, ctorArgs, initArgs, rec.PreviousAddress, now); err != nil {
				return fmt.Errorf("failed to save %s/%s: %w", entity, stage, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	return nil
}

// Environments lists the environments that have a persisted ledger.
func (s *SQLiteStore) Environments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT environment FROM stage_records ORDER BY environment`)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []string
	for rows.Next() {
		var env string
		if err := rows.Scan(&env); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// RecordEvent appends the event and keeps the runs table in step with
// run.started, run.completed and run.failed events.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event telemetry.Event) error {
	var details *string
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		d := string(data)
		details = &d
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO events (event_id, run_id, environment, entity, stage, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, query, event.ID, nullable(event.RunID), event.Environment,
		nullable(event.Entity), nullable(event.Stage), event.Type, event.Level, event.Message,
		details, stamp); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	switch event.Type {
	case telemetry.EventTypeRunStarted:
		kind, _ := event.Data["kind"].(string)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, environment, kind, status, started_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, event.RunID, event.Environment, kind, string(RunStatusRunning), stamp); err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
	case telemetry.EventTypeRunCompleted:
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, completed_at = ?, executed = ?, skipped = ?
			WHERE id = ?
		`, string(RunStatusCompleted), stamp, intData(event.Data, "executed"), intData(event.Data, "skipped"), event.RunID); err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
	case telemetry.EventTypeRunFailed:
		reason, _ := event.Data["reason"].(string)
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, completed_at = ?, error = ?
			WHERE id = ?
		`, string(RunStatusFailed), stamp, reason, event.RunID); err != nil {
			return fmt.Errorf("failed to fail run: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// Subscriber adapts RecordEvent to the telemetry event stream. Write
// failures are logged; history is best effort.
func (s *SQLiteStore) Subscriber(ctx context.Context) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.RecordEvent(ctx, event); err != nil {
			log.Warn().Err(err).Str("event", event.Type).Msg("Failed to record event")
		}
	}
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, environment, kind, status, started_at, completed_at, error, executed, skipped
		FROM runs
		WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, env string, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, environment, kind, status, started_at, completed_at, error, executed, skipped
		FROM runs
		WHERE (? = '' OR environment = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, env, env, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListEvents retrieves the events of a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, environment, entity, stage, type, level, message, details, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e     Event
			stamp string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.RunID, &e.Environment, &e.Entity, &e.Stage,
			&e.Type, &e.Level, &e.Message, &e.Details, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, stamp); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		started   string
		completed sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Environment, &run.Kind, &run.Status, &started,
		&completed, &run.Error, &run.Executed, &run.Skipped); err != nil {
		return nil, err
	}

	var err error
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, err
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, err
		}
		run.CompletedAt = &t
	}
	return &run, nil
}

func encodeArgs(args []any) (*string, error) {
	if args == nil {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeArgs(v sql.NullString) ([]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var args []any
	if err := json.Unmarshal([]byte(v.String), &args); err != nil {
		return nil, err
	}
	return args, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intData(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
