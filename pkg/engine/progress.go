package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// Progress is the ledger of one environment. It reloads from the store
// before every check and rewrites the whole ledger on every transition.
// Ephemeral environments never touch the store.
//
// Progress is not safe for concurrent use: one orchestrator per environment.
type Progress struct {
	store   ProgressStore
	env     Environment
	ledger  Ledger
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewProgress creates a ledger view for env backed by store.
// store may be nil for ephemeral environments.
func NewProgress(store ProgressStore, env Environment, logger zerolog.Logger) *Progress {
	return &Progress{
		store:  store,
		env:    env,
		ledger: make(Ledger),
		logger: logger.With().Str("component", "progress").Str("env", env.ID).Logger(),
	}
}

// WithMetrics counts ledger writes in m.
func (p *Progress) WithMetrics(m *telemetry.Metrics) *Progress {
	p.metrics = m
	return p
}

// Environment returns the environment the ledger belongs to.
func (p *Progress) Environment() Environment {
	return p.env
}

func (p *Progress) persistent() bool {
	return !p.env.Ephemeral && p.store != nil
}

// Load refreshes the in-memory ledger from the store.
func (p *Progress) Load(ctx context.Context) (Ledger, error) {
	if !p.persistent() {
		return p.ledger.Clone(), nil
	}
	ledger, err := p.store.Load(ctx, p.env.ID)
	if err != nil {
		return nil, NewFatalError("failed to load ledger", err).WithCode(ErrCodeStore)
	}
	if ledger == nil {
		ledger = make(Ledger)
	}
	p.ledger = ledger
	return p.ledger.Clone(), nil
}

// IsDone reports whether (entity, stage) is marked done.
func (p *Progress) IsDone(ctx context.Context, entity, stage string) (bool, error) {
	if _, err := p.Load(ctx); err != nil {
		return false, err
	}
	rec, ok := p.ledger.Get(entity, stage)
	return ok && rec.Done, nil
}

// MarkStart records partial metadata with done=false and persists the ledger.
func (p *Progress) MarkStart(ctx context.Context, entity, stage string, partial ProgressRecord) error {
	partial.Done = false
	p.ledger.Set(entity, stage, partial)
	return p.persist(ctx, entity, stage, "start")
}

// MarkDone records the stage result with done=true and persists the ledger.
func (p *Progress) MarkDone(ctx context.Context, entity, stage string, result ProgressRecord) error {
	result.Done = true
	if err := result.Validate(); err != nil {
		return NewValidationError("invalid progress record", err).WithEntity(entity).WithStage(stage)
	}
	p.ledger.Set(entity, stage, result)
	return p.persist(ctx, entity, stage, "done")
}

// Record returns the in-memory record for (entity, stage).
func (p *Progress) Record(entity, stage string) (ProgressRecord, bool) {
	return p.ledger.Get(entity, stage)
}

// Repointed follows the done repoint records of entity, starting from the
// implementation at address, and returns the last implementation reached.
func (p *Progress) Repointed(entity, address string) string {
	if address == "" {
		return ""
	}
	seen := map[string]bool{address: true}
	for {
		next := ""
		for stage, rec := range p.ledger[entity] {
			if rec.Done && IsChangeAddressStage(stage) && rec.PreviousAddress == address && !seen[rec.Address] {
				next = rec.Address
				break
			}
		}
		if next == "" {
			return address
		}
		seen[next] = true
		address = next
	}
}

// Snapshot returns a copy of the in-memory ledger.
func (p *Progress) Snapshot() Ledger {
	return p.ledger.Clone()
}

// DoneAddressFor returns the pointer address of a wrapped record, else its
// address. It fails with ErrMissingAddress if the result is empty.
func (p *Progress) DoneAddressFor(entity, stage string) (string, error) {
	rec, ok := p.ledger.Get(entity, stage)
	addr := rec.ResolvedAddress()
	if !ok || !rec.Done || addr == "" {
		return "", &EngineError{
			Class:   ErrorClassFatal,
			Code:    ErrCodeMissingAddress,
			Message: fmt.Sprintf("no address recorded for %s/%s", entity, stage),
			Entity:  entity,
			Stage:   stage,
		}
	}
	return addr, nil
}

// Reset removes a stage record, or every record of the entity when stage is
// empty, so the next run executes it again.
func (p *Progress) Reset(ctx context.Context, entity, stage string) error {
	if _, err := p.Load(ctx); err != nil {
		return err
	}
	stages, ok := p.ledger[entity]
	if !ok {
		return nil
	}
	if stage == "" {
		delete(p.ledger, entity)
	} else {
		delete(stages, stage)
		if len(stages) == 0 {
			delete(p.ledger, entity)
		}
	}
	return p.persist(ctx, entity, stage, "reset")
}

func (p *Progress) persist(ctx context.Context, entity, stage, transition string) error {
	if !p.persistent() {
		p.logger.Debug().
			Str("entity", entity).
			Str("stage", stage).
			Str("transition", transition).
			Msg("ephemeral environment, ledger not persisted")
		return nil
	}
	if err := p.store.Save(ctx, p.env.ID, p.ledger); err != nil {
		return NewFatalError("failed to persist ledger", err).
			WithCode(ErrCodeStore).
			WithEntity(entity).
			WithStage(stage)
	}
	p.metrics.RecordLedgerWrite(p.env.ID, transition)
	return nil
}
