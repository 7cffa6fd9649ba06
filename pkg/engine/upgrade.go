package engine

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// UpgradeCoordinator replaces the implementation behind an already
// registered logical name. It shares the pipeline's ledger, backend and
// registry configuration.
type UpgradeCoordinator struct {
	pipeline *Pipeline
}

// NewUpgradeCoordinator creates a coordinator for the pipeline's environment.
func NewUpgradeCoordinator(p *Pipeline) *UpgradeCoordinator {
	return &UpgradeCoordinator{pipeline: p}
}

// Upgrade deploys a new implementation as DEPLOY_<version>, repoints the
// logical name as CHANGE_ADDRESS[_DANGEROUSLY]_<version> and runs the
// migration hook as MIGRATE_<version>. The previous implementation stays
// deployed. A version regression fails with IncompatibleUpgrade and leaves
// the repoint stage undone.
func (u *UpgradeCoordinator) Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	p := u.pipeline
	if req.Name == "" {
		return nil, NewValidationError("upgrade requires an entity name", nil)
	}
	if req.Version == "" {
		return nil, NewValidationError("upgrade requires a version", nil).WithEntity(req.Name)
	}
	for _, ref := range CollectReferences(req.ConstructorArgs) {
		if ref == req.Name {
			return nil, NewValidationError("upgrade arguments cannot reference the upgraded entity", nil).
				WithCode(ErrCodeUnresolvedReference).
				WithEntity(req.Name)
		}
	}

	if p.cfg.Policy != nil {
		result, err := p.cfg.Policy.EvaluateUpgrade(ctx, p.cfg.Environment, req)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policies: %w", err)
		}
		if err := p.checkPolicy(result); err != nil {
			return nil, err
		}
	}

	env := p.cfg.Environment.ID
	runID := ulid.Make().String()
	p.runner.bindRun(runID)
	log := p.logger.With().Str("run_id", runID).Str("entity", req.Name).Str("version", req.Version).Logger()

	ctx, span := p.tel.Tracer.StartRunSpan(ctx, runID, env, "upgrade")
	defer span.End()
	log = withTrace(ctx, log)
	timer := telemetry.NewTimer()
	p.tel.Metrics.RecordRunStarted(env, "upgrade")
	_ = p.tel.Events.PublishRunStarted(runID, env, "upgrade")

	if _, err := p.progress.Load(ctx); err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}

	registryAddr, ok := p.availableAddress(p.cfg.Registry)
	if !ok {
		return nil, p.failRun(span, runID, timer,
			NewValidationError("upgrade requires a deployed registry", nil).
				WithCode(ErrCodeNotRegistered).
				WithEntity(req.Name))
	}
	registry := p.registry(registryAddr)

	previous, err := u.currentAddress(ctx, registry, req.Name)
	if err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}
	changeStage := VersionedStage(ChangeAddressStage(req.Dangerous), req.Version)
	if rec, ok := p.progress.Record(req.Name, changeStage); ok && rec.PreviousAddress != "" {
		// Recorded before the repoint was submitted; the registry may already
		// point at the new implementation.
		previous = rec.PreviousAddress
	}

	artifact := req.Artifact
	if artifact == "" {
		artifact = req.Name
	}

	var executed, skipped int
	count := func(o StageOutcome) {
		if o == OutcomeSkipped {
			skipped++
		} else {
			executed++
		}
	}

	deployStage := VersionedStage(StageDeploy, req.Version)
	res, err := p.runner.Run(ctx, Step{
		Entity:  req.Name,
		Stage:   deployStage,
		Partial: ProgressRecord{ConstructorArgs: req.ConstructorArgs},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			args, err := ResolveArgs(req.ConstructorArgs, p.entityAddress)
			if err != nil {
				return ProgressRecord{}, err
			}
			addr, err := p.deploy(ctx, artifact, args)
			if err != nil {
				return ProgressRecord{}, err
			}
			return ProgressRecord{Address: addr, ConstructorArgs: args}, nil
		},
	})
	if err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}
	count(res.Outcome)

	newAddress, err := p.progress.DoneAddressFor(req.Name, deployStage)
	if err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}

	pointer, err := registry.PointerAddress(ctx, req.Name)
	if err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}
	handle := EntityHandle{
		Name:           req.Name,
		Address:        newAddress,
		DirectAddress:  newAddress,
		PointerAddress: pointer,
	}
	if pointer != "" {
		handle.Address = pointer
	}

	res, err = p.runner.Run(ctx, Step{
		Entity:  req.Name,
		Stage:   changeStage,
		Partial: ProgressRecord{Address: newAddress, PreviousAddress: previous},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			if err := registry.ChangeAddress(ctx, req.Name, newAddress, req.Dangerous); err != nil {
				return ProgressRecord{}, err
			}
			rec := addressRecord(handle)
			rec.PreviousAddress = previous
			return rec, nil
		},
	})
	if err != nil {
		return nil, p.failRun(span, runID, timer, err)
	}
	count(res.Outcome)

	if req.Migrate != nil {
		res, err = p.runner.Run(ctx, Step{
			Entity:  req.Name,
			Stage:   VersionedStage(StageMigrate, req.Version),
			Partial: addressRecord(handle),
			Execute: func(ctx context.Context) (ProgressRecord, error) {
				if err := req.Migrate(ctx, handle); err != nil {
					return ProgressRecord{}, NewFatalError("migration hook failed", err).WithCode(ErrCodeHookFailed)
				}
				return addressRecord(handle), nil
			},
		})
		if err != nil {
			return nil, p.failRun(span, runID, timer, err)
		}
		count(res.Outcome)
	}

	duration := timer.Duration()
	p.tel.Metrics.RecordRunCompleted(env, string(RunStatusSucceeded), duration)
	_ = p.tel.Events.PublishRunCompleted(runID, env, executed, skipped, duration)
	telemetry.RecordSuccess(span)
	log.Info().
		Str("previous", previous).
		Str("new", newAddress).
		Str("pointer", pointer).
		Bool("dangerous", req.Dangerous).
		Msg("upgrade completed")

	return &UpgradeResult{
		Name:            req.Name,
		Version:         req.Version,
		PreviousAddress: previous,
		NewAddress:      newAddress,
		PointerAddress:  pointer,
		Dangerous:       req.Dangerous,
	}, nil
}

// currentAddress returns the implementation the name points to before the
// upgrade. The name must be registered, in the ledger or in the registry.
func (u *UpgradeCoordinator) currentAddress(ctx context.Context, registry *RemoteRegistry, name string) (string, error) {
	p := u.pipeline
	direct, err := registry.DirectAddress(ctx, name)
	if err == nil {
		return direct, nil
	}
	if rec, ok := p.progress.Record(name, StageRegister); ok && rec.Done && rec.Address != "" {
		return rec.Address, nil
	}
	return "", NewValidationError(fmt.Sprintf("%s is not registered", name), err).
		WithCode(ErrCodeNotRegistered).
		WithEntity(name)
}
