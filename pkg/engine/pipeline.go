package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stagehand/pkg/telemetry"
)

// PipelineConfig configures a deployment pipeline for one environment.
type PipelineConfig struct {
	// Backend executes remote operations.
	Backend Backend

	// Store persists the ledger. Ignored for ephemeral environments.
	Store ProgressStore

	// Environment selects persistence and confirmation depth.
	Environment Environment

	// Retry bounds rereads of unfinalized remote state.
	Retry RetryPolicy

	// Telemetry receives logs, metrics, spans and events. Optional.
	Telemetry *telemetry.Telemetry

	// AdminIdentity administers pointers created during REGISTER.
	AdminIdentity string

	// Registry references the address registry ("@Entity" or an address).
	Registry string

	// Capability references the storage capability holder used by ALLOW.
	Capability string

	// RegistryMethods overrides the registry method names.
	RegistryMethods RegistryMethods

	// Hooks are run as POST_DEPLOY, keyed by entity name.
	Hooks map[string]PostDeployHook

	// Policy gates plans and upgrades before any remote call. Optional.
	Policy PolicyEvaluator
}

// Pipeline deploys a validated set of entities, one stage at a time.
type Pipeline struct {
	cfg      PipelineConfig
	backend  Backend
	progress *Progress
	runner   *StageRunner
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
}

// NewPipeline creates a pipeline. The confirmation depth defaults from the
// environment kind when unset.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Backend == nil {
		return nil, errors.New("pipeline requires a backend")
	}
	if cfg.Environment.ID == "" {
		return nil, errors.New("pipeline requires an environment id")
	}
	if !cfg.Environment.Ephemeral && cfg.Store == nil {
		return nil, fmt.Errorf("persistent environment %s requires a progress store", cfg.Environment.ID)
	}
	cfg.Environment.Confirmations = cfg.Environment.ConfirmationDepth()
	cfg.RegistryMethods = cfg.RegistryMethods.withDefaults()

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	logger := tel.Logger.NewComponentLogger("pipeline").Zerolog().
		With().Str("env", cfg.Environment.ID).Logger()

	progress := NewProgress(cfg.Store, cfg.Environment, logger).WithMetrics(tel.Metrics)
	return &Pipeline{
		cfg:      cfg,
		backend:  Instrument(cfg.Backend, tel),
		progress: progress,
		runner:   NewStageRunner(progress, cfg.Retry, tel),
		tel:      tel,
		logger:   logger,
	}, nil
}

// Environment returns the environment the pipeline deploys to.
func (p *Pipeline) Environment() Environment {
	return p.cfg.Environment
}

// Progress returns the pipeline's ledger.
func (p *Pipeline) Progress() *Progress {
	return p.progress
}

// Plan validates specs without any remote call and returns the execution order.
func (p *Pipeline) Plan(ctx context.Context, specs []EntitySpec) (*Plan, error) {
	plan, err := NewDAGBuilder().Build(specs)
	if err != nil {
		return nil, err
	}

	for _, name := range plan.Order {
		spec, _ := plan.Entity(name)
		if spec.WrapWithPointer {
			if p.cfg.AdminIdentity == "" {
				return nil, NewValidationError(
					fmt.Sprintf("entity %s is wrapped with a pointer but no admin identity is configured", name), nil,
				).WithEntity(name)
			}
			if ReferenceName(p.cfg.Registry) == name {
				return nil, NewValidationError(
					fmt.Sprintf("registry %s cannot be wrapped with a pointer", name), nil,
				).WithEntity(name)
			}
			if err := requireProvider(plan, name, p.cfg.Registry, "registry"); err != nil {
				return nil, err
			}
		}
		if spec.Allow {
			if err := requireProvider(plan, name, p.cfg.Capability, "capability holder"); err != nil {
				return nil, err
			}
		}
	}

	if p.cfg.Policy == nil {
		return plan, nil
	}
	result, err := p.cfg.Policy.EvaluatePlan(ctx, p.cfg.Environment, plan, p.cfg.AdminIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}
	if err := p.checkPolicy(result); err != nil {
		return nil, err
	}
	return plan, nil
}

// requireProvider checks that the registry or capability holder ref is
// configured and, for an "@Name" reference, deployed before entity.
func requireProvider(plan *Plan, entity, ref, role string) error {
	if ref == "" {
		return NewValidationError(fmt.Sprintf("%s needs a %s but none is configured", entity, role), nil).
			WithCode(ErrCodeUnresolvedReference).
			WithEntity(entity)
	}
	name := ReferenceName(ref)
	if name == "" || name == entity {
		return nil
	}
	if _, ok := plan.Entity(name); !ok {
		return NewValidationError(fmt.Sprintf("%s %s of %s is not declared", role, ref, entity), nil).
			WithCode(ErrCodeUnresolvedReference).
			WithEntity(entity)
	}
	if !plan.DependsOn(entity, name) {
		return NewValidationError(fmt.Sprintf("%s uses %s %s without depending on it", entity, role, ref), nil).
			WithCode(ErrCodeUnresolvedReference).
			WithEntity(entity)
	}
	return nil
}

func (p *Pipeline) checkPolicy(result *PolicyResult) error {
	for _, v := range result.Violations {
		_ = p.tel.Events.PublishPolicyViolation(p.cfg.Environment.ID, v.Entity, v.Policy, v.Message)
		p.logger.Warn().
			Str("policy", v.Policy).
			Str("entity", v.Entity).
			Str("severity", v.Severity).
			Msg(v.Message)
	}
	if result.Allowed {
		return nil
	}
	err := NewValidationError(fmt.Sprintf("denied by policy (%d violations)", len(result.Violations)), nil).
		WithCode(ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
	if len(result.Violations) > 0 {
		err.Entity = result.Violations[0].Entity
	}
	return err
}

// Run validates specs, then deploys every entity in order. A stage already
// done in the ledger is skipped without any remote call, so Run may be
// repeated after a crash or a partial failure. The first fatal error aborts
// the run; the returned result then covers the entities completed so far.
func (p *Pipeline) Run(ctx context.Context, specs []EntitySpec) (*RunResult, error) {
	plan, err := p.Plan(ctx, specs)
	if err != nil {
		return nil, err
	}

	env := p.cfg.Environment.ID
	runID := ulid.Make().String()
	p.runner.bindRun(runID)
	log := p.logger.With().Str("run_id", runID).Logger()

	result := &RunResult{
		RunID:       runID,
		Environment: env,
		Order:       plan.Order,
		Entities:    make(map[string]EntityHandle, len(plan.Order)),
		StartedAt:   time.Now().UTC(),
	}

	ctx, span := p.tel.Tracer.StartRunSpan(ctx, runID, env, "deploy")
	defer span.End()
	log = withTrace(ctx, log)
	timer := telemetry.NewTimer()
	p.tel.Metrics.RecordRunStarted(env, "deploy")
	_ = p.tel.Events.PublishRunStarted(runID, env, "deploy")
	log.Info().Strs("order", plan.Order).Int("confirmations", p.cfg.Environment.Confirmations).Msg("deployment started")

	if _, err := p.progress.Load(ctx); err != nil {
		return result, p.failRun(span, runID, timer, err)
	}

	for _, spec := range plan.Entities() {
		handle, err := p.deployEntity(ctx, spec, result)
		if err != nil {
			return result, p.failRun(span, runID, timer, err)
		}
		result.Entities[spec.Name] = handle
		p.tel.Metrics.SetEntitiesReady(env, float64(len(result.Entities)))
	}

	result.CompletedAt = time.Now().UTC()
	duration := timer.Duration()
	p.tel.Metrics.RecordRunCompleted(env, string(RunStatusSucceeded), duration)
	_ = p.tel.Events.PublishRunCompleted(runID, env, result.Executed, result.Skipped, duration)
	telemetry.RecordSuccess(span)
	log.Info().
		Int("executed", result.Executed).
		Int("skipped", result.Skipped).
		Int("recovered", result.Recovered).
		Dur("duration", duration).
		Msg("deployment completed")
	return result, nil
}

// withTrace adds the trace id of the active span, when there is one.
func withTrace(ctx context.Context, log zerolog.Logger) zerolog.Logger {
	if id := telemetry.TraceID(ctx); id != "" {
		return log.With().Str("trace_id", id).Logger()
	}
	return log
}

func (p *Pipeline) failRun(span trace.Span, runID string, timer *telemetry.Timer, err error) error {
	env := p.cfg.Environment.ID
	telemetry.RecordError(span, err)
	p.tel.Metrics.RecordRunCompleted(env, string(RunStatusFailed), timer.Duration())
	_ = p.tel.Events.PublishRunFailed(runID, env, err.Error())
	p.logger.Error().Str("run_id", runID).Err(err).Msg("run aborted")
	return err
}

// deployEntity runs the stage chain of one entity.
func (p *Pipeline) deployEntity(ctx context.Context, spec EntitySpec, result *RunResult) (EntityHandle, error) {
	for _, dep := range spec.Dependencies {
		done, err := p.progress.IsDone(ctx, dep, StageRegister)
		if err != nil {
			return EntityHandle{}, err
		}
		if !done {
			return EntityHandle{}, NewValidationError(
				fmt.Sprintf("dependency %s is not registered", dep), nil,
			).WithCode(ErrCodeDependencyPending).WithEntity(spec.Name)
		}
	}

	steps := []func(context.Context, EntitySpec) (StageResult, error){
		p.deployStage,
		p.registerStage,
		p.allowStage,
		p.initializeStage,
	}
	for _, step := range steps {
		res, err := step(ctx, spec)
		if err != nil {
			return EntityHandle{}, err
		}
		tally(result, res.Outcome)
	}

	for i, action := range spec.Actions {
		res, err := p.runner.Run(ctx, p.actionStep(spec, i, action))
		if err != nil {
			return EntityHandle{}, err
		}
		tally(result, res.Outcome)
	}

	handle, err := p.handleFor(spec.Name)
	if err != nil {
		return EntityHandle{}, err
	}

	if hook, ok := p.cfg.Hooks[spec.Name]; ok && hook != nil {
		res, err := p.runner.Run(ctx, Step{
			Entity:  spec.Name,
			Stage:   StagePostDeploy,
			Partial: addressRecord(handle),
			Execute: func(ctx context.Context) (ProgressRecord, error) {
				if err := hook(ctx, handle); err != nil {
					return ProgressRecord{}, NewFatalError("post-deploy hook failed", err).WithCode(ErrCodeHookFailed)
				}
				return addressRecord(handle), nil
			},
		})
		if err != nil {
			return EntityHandle{}, err
		}
		tally(result, res.Outcome)
	}
	return handle, nil
}

func (p *Pipeline) deployStage(ctx context.Context, spec EntitySpec) (StageResult, error) {
	return p.runner.Run(ctx, Step{
		Entity:  spec.Name,
		Stage:   StageDeploy,
		Partial: ProgressRecord{ConstructorArgs: spec.ConstructorArgs},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			args, err := ResolveArgs(spec.ConstructorArgs, p.entityAddress)
			if err != nil {
				return ProgressRecord{}, err
			}
			addr, err := p.deploy(ctx, spec.ArtifactName(), args)
			if err != nil {
				return ProgressRecord{}, err
			}
			return ProgressRecord{Address: addr, ConstructorArgs: args}, nil
		},
	})
}

func (p *Pipeline) registerStage(ctx context.Context, spec EntitySpec) (StageResult, error) {
	deployed, err := p.progress.DoneAddressFor(spec.Name, StageDeploy)
	if err != nil {
		return StageResult{}, err
	}
	registryAddr, available := p.availableAddress(p.cfg.Registry)
	isRegistry := ReferenceName(p.cfg.Registry) == spec.Name || p.cfg.Registry == deployed

	var registry *RemoteRegistry
	if available {
		registry = p.registry(registryAddr)
	}

	return p.runner.Run(ctx, Step{
		Entity:  spec.Name,
		Stage:   StageRegister,
		Partial: ProgressRecord{Address: deployed},
		Skip: func() bool {
			if spec.WrapWithPointer {
				return false
			}
			if !available && !isRegistry {
				p.logger.Warn().Str("entity", spec.Name).Msg("registry not deployed yet, registration skipped")
			}
			return !available || isRegistry
		},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			if registry == nil {
				return ProgressRecord{}, providerUnavailable("registry", p.cfg.Registry)
			}
			if !spec.WrapWithPointer {
				if err := registry.RegisterDirect(ctx, spec.Name, deployed); err != nil {
					return ProgressRecord{}, err
				}
				return ProgressRecord{Address: deployed}, nil
			}
			pointer, err := registry.RegisterWithPointer(ctx, spec.Name, deployed, p.cfg.AdminIdentity)
			if err != nil {
				return ProgressRecord{}, err
			}
			return ProgressRecord{Address: deployed, PointerAddress: pointer, HasPointer: true}, nil
		},
		RecoverKinds: []FailureKind{FailureAlreadyRegistered},
		Recover: func(ctx context.Context, _ FailureKind) (ProgressRecord, error) {
			return p.readRegistration(ctx, registry, spec)
		},
		Reread: func(ctx context.Context) (ProgressRecord, error) {
			return p.readRegistration(ctx, registry, spec)
		},
	})
}

// readRegistration reads back what the registry holds for spec.
func (p *Pipeline) readRegistration(ctx context.Context, registry *RemoteRegistry, spec EntitySpec) (ProgressRecord, error) {
	direct, err := registry.DirectAddress(ctx, spec.Name)
	if err != nil {
		return ProgressRecord{}, err
	}
	if !spec.WrapWithPointer {
		return ProgressRecord{Address: direct}, nil
	}
	pointer, err := registry.PointerAddress(ctx, spec.Name)
	if err != nil {
		return ProgressRecord{}, err
	}
	if pointer == "" {
		return ProgressRecord{}, NewRemoteError(FailureNotYetFinalized, "pointer for %s not finalized", spec.Name)
	}
	return ProgressRecord{Address: direct, PointerAddress: pointer, HasPointer: true}, nil
}

func (p *Pipeline) allowStage(ctx context.Context, spec EntitySpec) (StageResult, error) {
	handle, err := p.handleFor(spec.Name)
	if err != nil {
		return StageResult{}, err
	}
	holder, available := p.availableAddress(p.cfg.Capability)

	return p.runner.Run(ctx, Step{
		Entity:  spec.Name,
		Stage:   StageAllow,
		Partial: addressRecord(handle),
		Skip: func() bool {
			return !spec.Allow
		},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			if !available {
				return ProgressRecord{}, providerUnavailable("capability holder", p.cfg.Capability)
			}
			if err := p.call(ctx, holder, p.cfg.RegistryMethods.AllowCapability, handle.Address); err != nil {
				return ProgressRecord{}, err
			}
			return addressRecord(handle), nil
		},
	})
}

func (p *Pipeline) initializeStage(ctx context.Context, spec EntitySpec) (StageResult, error) {
	handle, err := p.handleFor(spec.Name)
	if err != nil {
		return StageResult{}, err
	}
	partial := addressRecord(handle)
	partial.InitArgs = spec.InitArgs

	var resolved []any
	finish := func() ProgressRecord {
		rec := addressRecord(handle)
		rec.InitArgs = resolved
		return rec
	}

	return p.runner.Run(ctx, Step{
		Entity:  spec.Name,
		Stage:   StageInitialize,
		Partial: partial,
		Skip: func() bool {
			return len(spec.InitArgs) == 0
		},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			args, err := ResolveArgs(spec.InitArgs, p.entityAddress)
			if err != nil {
				return ProgressRecord{}, err
			}
			resolved = args
			if err := p.call(ctx, handle.Address, p.cfg.RegistryMethods.Initialize, args...); err != nil {
				return ProgressRecord{}, err
			}
			return finish(), nil
		},
		RecoverKinds: []FailureKind{FailureAlreadyInitialized},
		Recover: func(context.Context, FailureKind) (ProgressRecord, error) {
			return finish(), nil
		},
	})
}

func (p *Pipeline) actionStep(spec EntitySpec, index int, action Action) Step {
	return Step{
		Entity:  spec.Name,
		Stage:   ActionStage(index, action.Command),
		Partial: ProgressRecord{},
		Execute: func(ctx context.Context) (ProgressRecord, error) {
			target, err := ResolveTarget(action.Target, p.entityAddress)
			if err != nil {
				return ProgressRecord{}, err
			}
			args, err := ResolveArgs(action.Args, p.entityAddress)
			if err != nil {
				return ProgressRecord{}, err
			}
			if err := p.call(ctx, target, action.Command, args...); err != nil {
				return ProgressRecord{}, err
			}
			return ProgressRecord{Address: target}, nil
		},
	}
}

// deploy submits a deploy operation and returns the created address.
func (p *Pipeline) deploy(ctx context.Context, artifact string, args []any) (string, error) {
	handle, err := p.backend.Submit(ctx, Operation{Kind: OperationDeploy, Target: artifact, Args: args})
	if err != nil {
		return "", err
	}
	receipt, err := p.backend.Await(ctx, handle, p.cfg.Environment.Confirmations)
	if err != nil {
		return "", err
	}
	return AddressValue(receipt.Address, "deployed "+artifact)
}

// call submits a call operation and waits for confirmation.
func (p *Pipeline) call(ctx context.Context, target, method string, args ...any) error {
	handle, err := p.backend.Submit(ctx, Operation{Kind: OperationCall, Target: target, Method: method, Args: args})
	if err != nil {
		return err
	}
	_, err = p.backend.Await(ctx, handle, p.cfg.Environment.Confirmations)
	return err
}

func (p *Pipeline) registry(address string) *RemoteRegistry {
	return NewRemoteRegistry(p.backend, address, p.cfg.Environment.Confirmations, p.cfg.RegistryMethods, p.logger)
}

// entityAddress resolves an "@Name" reference from the ledger: the
// registered address when REGISTER is done, else the deployed address.
// Unwrapped entities follow their done repoints to the current implementation.
func (p *Pipeline) entityAddress(name string) (string, error) {
	if rec, ok := p.progress.Record(name, StageRegister); ok && rec.Done && rec.ResolvedAddress() != "" {
		if rec.HasPointer {
			return rec.PointerAddress, nil
		}
		return p.progress.Repointed(name, rec.Address), nil
	}
	if addr, err := p.progress.DoneAddressFor(name, StageDeploy); err == nil {
		return addr, nil
	}
	return "", unresolvedReference(name)
}

// availableAddress resolves a registry or capability reference. It reports
// false when nothing is configured or the referenced entity is not deployed.
func (p *Pipeline) availableAddress(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	name := ReferenceName(ref)
	if name == "" {
		return ref, true
	}
	addr, err := p.entityAddress(name)
	if err != nil {
		return "", false
	}
	return addr, true
}

// handleFor builds the entity handle from its REGISTER record.
func (p *Pipeline) handleFor(name string) (EntityHandle, error) {
	addr, err := p.progress.DoneAddressFor(name, StageRegister)
	if err != nil {
		return EntityHandle{}, err
	}
	rec, _ := p.progress.Record(name, StageRegister)
	direct := p.progress.Repointed(name, rec.Address)
	if !rec.HasPointer {
		addr = direct
	}
	return EntityHandle{
		Name:           name,
		Address:        addr,
		DirectAddress:  direct,
		PointerAddress: rec.PointerAddress,
	}, nil
}

func providerUnavailable(role, ref string) *EngineError {
	return NewFatalError(fmt.Sprintf("%s %s is not deployed", role, ref), nil).
		WithCode(ErrCodeUnresolvedReference).
		WithDetail("reference", ref)
}

func addressRecord(h EntityHandle) ProgressRecord {
	return ProgressRecord{
		Address:        h.DirectAddress,
		PointerAddress: h.PointerAddress,
		HasPointer:     h.PointerAddress != "",
	}
}

func tally(result *RunResult, outcome StageOutcome) {
	switch outcome {
	case OutcomeExecuted, OutcomeNoop:
		result.Executed++
	case OutcomeSkipped:
		result.Skipped++
	case OutcomeRecovered:
		result.Recovered++
	}
}
