package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// StageFunc performs the remote work of a stage and returns the record to
// mark done.
type StageFunc func(ctx context.Context) (ProgressRecord, error)

// Step describes one (entity, stage) execution.
type Step struct {
	Entity string
	Stage  string

	// Partial is written with done=false before Execute runs.
	Partial ProgressRecord

	// Skip reports that the stage has nothing to submit. The partial record
	// is then marked done without calling Execute.
	Skip func() bool

	// Execute submits the stage's operations.
	Execute StageFunc

	// Recover is the compensating read for the already-done kinds listed in
	// RecoverKinds.
	Recover      func(ctx context.Context, kind FailureKind) (ProgressRecord, error)
	RecoverKinds []FailureKind

	// Reread re-reads remote state after a NotYetFinalized failure.
	Reread StageFunc
}

func (s Step) recovers(kind FailureKind) bool {
	for _, k := range s.RecoverKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// StageResult is the outcome of StageRunner.Run.
type StageResult struct {
	Record  ProgressRecord
	Outcome StageOutcome
}

// StageRunner executes steps idempotently against the ledger.
type StageRunner struct {
	progress *Progress
	retry    RetryPolicy
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	runID    string
}

// NewStageRunner creates a runner bound to progress.
func NewStageRunner(progress *Progress, retry RetryPolicy, tel *telemetry.Telemetry) *StageRunner {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &StageRunner{
		progress: progress,
		retry:    retry,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("stage_runner").Zerolog(),
	}
}

// Progress returns the ledger the runner writes to.
func (r *StageRunner) Progress() *Progress {
	return r.progress
}

func (r *StageRunner) bindRun(runID string) {
	r.runID = runID
}

// Run executes step unless the ledger already has it done.
//
// A done stage returns its recorded result without calling Execute. Otherwise
// the partial record is written, Execute runs, and the result is marked done.
// Failures are classified: already-done kinds are recovered through the
// step's compensating read, NotYetFinalized is reread a bounded number of
// times, everything else aborts with the stage left undone.
func (r *StageRunner) Run(ctx context.Context, step Step) (StageResult, error) {
	env := r.progress.Environment().ID
	log := r.logger.With().Str("run_id", r.runID).Str("entity", step.Entity).Str("stage", step.Stage).Logger()
	timer := telemetry.NewTimer()

	done, err := r.progress.IsDone(ctx, step.Entity, step.Stage)
	if err != nil {
		return StageResult{Outcome: OutcomeFailed}, err
	}
	if done {
		rec, _ := r.progress.Record(step.Entity, step.Stage)
		log.Debug().Msg("stage already done")
		r.tel.Metrics.RecordStage(step.Stage, string(OutcomeSkipped), 0)
		return StageResult{Record: rec, Outcome: OutcomeSkipped}, nil
	}

	ctx, span := r.tel.Tracer.StartStageSpan(ctx, step.Entity, step.Stage)
	defer span.End()

	if err := r.progress.MarkStart(ctx, step.Entity, step.Stage, step.Partial); err != nil {
		telemetry.RecordError(span, err)
		return StageResult{Outcome: OutcomeFailed}, err
	}

	var (
		rec     ProgressRecord
		outcome StageOutcome
	)
	if step.Skip != nil && step.Skip() {
		rec, outcome = step.Partial, OutcomeNoop
	} else {
		rec, err = step.Execute(ctx)
		outcome = OutcomeExecuted
		if err != nil {
			rec, outcome, err = r.handleFailure(ctx, step, err, log)
		}
		if err != nil {
			r.fail(span, step, env, err, timer, log)
			return StageResult{Outcome: OutcomeFailed}, err
		}
	}

	if err := r.progress.MarkDone(ctx, step.Entity, step.Stage, rec); err != nil {
		r.fail(span, step, env, err, timer, log)
		return StageResult{Outcome: OutcomeFailed}, err
	}

	final, _ := r.progress.Record(step.Entity, step.Stage)
	if addr := final.ResolvedAddress(); addr != "" {
		telemetry.SetAttributes(span, telemetry.AttrAddress.String(addr))
	}
	duration := timer.Duration()
	log.Info().Str("outcome", string(outcome)).Dur("duration", duration).Msg("stage done")
	r.tel.Metrics.RecordStage(step.Stage, string(outcome), duration)
	_ = r.tel.Events.PublishStageCompleted(r.runID, env, step.Entity, step.Stage, string(outcome), duration)
	telemetry.AddStageEvent(span, step.Entity, step.Stage, string(outcome))
	telemetry.RecordSuccess(span)
	return StageResult{Record: final, Outcome: outcome}, nil
}

func (r *StageRunner) handleFailure(ctx context.Context, step Step, cause error, log zerolog.Logger) (ProgressRecord, StageOutcome, error) {
	// Errors already classified by the engine keep their class.
	var ee *EngineError
	if errors.As(cause, &ee) {
		return ProgressRecord{}, OutcomeFailed, r.annotate(ee, step)
	}

	kind := Classify(cause)
	r.tel.Metrics.RecordRemoteFailure(string(kind))
	telemetry.AddEvent(telemetry.SpanFromContext(ctx), "remote.failure", telemetry.AttrFailureKind.String(string(kind)))

	switch kind {
	case FailureAlreadyRegistered, FailureAlreadyInitialized:
		if !step.recovers(kind) || step.Recover == nil {
			return ProgressRecord{}, OutcomeFailed, r.fatal(step, cause, kind)
		}
		rec, err := step.Recover(ctx, kind)
		if err != nil && Classify(err) == FailureNotYetFinalized {
			rec, err = Reread(ctx, r.retry, r.notify(log), func(ctx context.Context) (ProgressRecord, error) {
				return step.Recover(ctx, kind)
			})
		}
		if err != nil {
			return ProgressRecord{}, OutcomeFailed, r.wrap(step, err)
		}
		log.Info().
			Str("kind", string(kind)).
			Str("outcome", "already_satisfied").
			Str("address", rec.ResolvedAddress()).
			Msg("stage skipped, already satisfied")
		_ = r.tel.Events.PublishStageRecovered(r.runID, r.progress.Environment().ID, step.Entity, step.Stage, string(kind))
		return rec, OutcomeRecovered, nil

	case FailureNotYetFinalized:
		if step.Reread == nil {
			return ProgressRecord{}, OutcomeFailed, r.fatal(step, cause, kind)
		}
		log.Warn().Err(cause).Msg("remote state not finalized, rereading")
		rec, err := Reread(ctx, r.retry, r.notify(log), step.Reread)
		if err != nil {
			return ProgressRecord{}, OutcomeFailed, r.wrap(step, err)
		}
		return rec, OutcomeExecuted, nil

	case FailureVersionRejected:
		return ProgressRecord{}, OutcomeFailed, r.annotate(
			NewValidationError("registry rejected version change", cause).WithCode(ErrCodeIncompatibleUpgrade), step)

	case FailureUnknown:
		return ProgressRecord{}, OutcomeFailed, r.fatal(step, cause, kind)

	default:
		return ProgressRecord{}, OutcomeFailed, r.fatal(step, cause, kind)
	}
}

func (r *StageRunner) notify(log zerolog.Logger) func(RetryNotice) {
	return func(n RetryNotice) {
		r.tel.Metrics.RecordReread()
		log.Warn().Int("attempt", n.Attempt).Dur("wait", n.Wait).Err(n.Err).Msg("waiting before reread")
	}
}

func (r *StageRunner) wrap(step Step, err error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		return r.annotate(ee, step)
	}
	return r.fatal(step, err, Classify(err))
}

func (r *StageRunner) fatal(step Step, cause error, kind FailureKind) error {
	return NewFatalError(fmt.Sprintf("%s failed", step.Stage), cause).
		WithCode(ErrCodeRemoteFailure).
		WithEntity(step.Entity).
		WithStage(step.Stage).
		WithDetail("failure_kind", string(kind))
}

// annotate returns a copy of ee carrying the step context.
func (r *StageRunner) annotate(ee *EngineError, step Step) *EngineError {
	cp := *ee
	if cp.Entity == "" {
		cp.Entity = step.Entity
	}
	if cp.Stage == "" {
		cp.Stage = step.Stage
	}
	return &cp
}

func (r *StageRunner) fail(span trace.Span, step Step, env string, err error, timer *telemetry.Timer, log zerolog.Logger) {
	log.Error().Err(err).Msg("stage failed, left undone")
	r.tel.Metrics.RecordStage(step.Stage, string(OutcomeFailed), timer.Duration())
	var ee *EngineError
	if errors.As(err, &ee) {
		r.tel.Metrics.RecordError(string(ee.Class), ee.Code)
	}
	_ = r.tel.Events.PublishStageFailed(r.runID, env, step.Entity, step.Stage, err.Error())
	telemetry.RecordError(span, err)
}
