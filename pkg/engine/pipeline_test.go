package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/engine"
)

const admin = "0x00000000000000000000000000000000000000ad"

// snapshotStore keeps every saved ledger so tests can inspect the sequence
// of transitions.
type snapshotStore struct {
	mu        sync.Mutex
	ledgers   map[string]engine.Ledger
	snapshots []engine.Ledger
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{ledgers: make(map[string]engine.Ledger)}
}

func (s *snapshotStore) Load(_ context.Context, envID string) (engine.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[envID]; ok {
		return l.Clone(), nil
	}
	return make(engine.Ledger), nil
}

func (s *snapshotStore) Save(_ context.Context, envID string, l engine.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[envID] = l.Clone()
	s.snapshots = append(s.snapshots, l.Clone())
	return nil
}

func newSim() *sim.Backend {
	return sim.New().
		WithArtifact("AddressManager", sim.Artifact{Kind: sim.KindRegistry}).
		WithArtifact("Storage", sim.Artifact{Kind: sim.KindCapability}).
		WithArtifact("A", sim.Artifact{Version: "2.0.0"}).
		WithArtifact("ALegacy", sim.Artifact{Version: "1.0.0"}).
		WithArtifact("ANext", sim.Artifact{Version: "3.0.0"})
}

func baseSpecs() []engine.EntitySpec {
	return []engine.EntitySpec{
		{Name: "AddressManager"},
		{Name: "Storage", Dependencies: []string{"AddressManager"}},
		{
			Name:            "A",
			Dependencies:    []string{"Storage"},
			Allow:           true,
			WrapWithPointer: true,
			InitArgs:        []any{"@Storage"},
		},
		{
			Name:            "B",
			Dependencies:    []string{"A"},
			Allow:           true,
			WrapWithPointer: true,
			ConstructorArgs: []any{"@A"},
			InitArgs:        []any{"@A", "@AddressManager"},
		},
	}
}

func pipelineConfig(backend engine.Backend, env engine.Environment, store engine.ProgressStore) engine.PipelineConfig {
	return engine.PipelineConfig{
		Backend:       backend,
		Store:         store,
		Environment:   env,
		Retry:         engine.RetryPolicy{MaxAttempts: 5},
		AdminIdentity: admin,
		Registry:      "@AddressManager",
		Capability:    "@Storage",
	}
}

func newPipeline(t *testing.T, cfg engine.PipelineConfig) *engine.Pipeline {
	t.Helper()
	p, err := engine.NewPipeline(cfg)
	require.NoError(t, err)
	return p
}

func TestPipeline_FreshEnvironment(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))

	result, err := p.Run(ctx, baseSpecs())
	require.NoError(t, err)
	assert.Equal(t, []string{"AddressManager", "Storage", "A", "B"}, result.Order)

	ledger := p.Progress().Snapshot()
	for _, name := range []string{"A", "B"} {
		for _, stage := range []string{engine.StageDeploy, engine.StageRegister, engine.StageAllow, engine.StageInitialize} {
			rec, ok := ledger.Get(name, stage)
			require.True(t, ok, "%s/%s missing", name, stage)
			assert.True(t, rec.Done, "%s/%s not done", name, stage)
		}
	}

	deployB, _ := ledger.Get("B", engine.StageDeploy)
	registerB, _ := ledger.Get("B", engine.StageRegister)
	assert.True(t, registerB.HasPointer)
	assert.NotEmpty(t, registerB.PointerAddress)
	assert.NotEqual(t, deployB.Address, registerB.PointerAddress)

	impl, ok := backend.Implementation(registerB.PointerAddress)
	require.True(t, ok)
	assert.Equal(t, deployB.Address, impl)

	// B was constructed with A's pointer, not A's implementation.
	registerA, _ := ledger.Get("A", engine.StageRegister)
	assert.Equal(t, []any{registerA.PointerAddress}, deployB.ConstructorArgs)

	handle := result.Entities["B"]
	assert.Equal(t, registerB.PointerAddress, handle.Address)
	assert.Equal(t, deployB.Address, handle.DirectAddress)
}

func TestPipeline_RerunSubmitsNothing(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))

	first, err := p.Run(ctx, baseSpecs())
	require.NoError(t, err)
	submitted := backend.SubmitCount()
	registry := engine.NewRemoteRegistry(backend, first.Entities["AddressManager"].Address, 1, engine.RegistryMethods{}, zerolog.Nop())
	before, err := registry.Resolve(ctx, "B")
	require.NoError(t, err)

	second, err := p.Run(ctx, baseSpecs())
	require.NoError(t, err)

	assert.Equal(t, submitted, backend.SubmitCount(), "rerun must not submit operations")
	assert.Zero(t, second.Executed)
	assert.Equal(t, first.Executed+first.Recovered, second.Skipped)
	assert.Equal(t, first.Entities, second.Entities)

	after, err := registry.Resolve(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPipeline_ResumesAfterUnknownFailure(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	store := newSnapshotStore()
	env := engine.NewEnvironment("polygon", false)

	p := newPipeline(t, pipelineConfig(backend, env, store))
	first, err := p.Run(ctx, baseSpecs()[:3])
	require.NoError(t, err)
	registerA := first.Entities["A"]

	// A is initialized already, so the next initialize is B's.
	backend.Inject(sim.Fault{Kind: engine.FailureUnknown, Op: engine.OperationCall, Method: "initialize"})
	_, err = p.Run(ctx, baseSpecs())
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "B", ee.Entity)
	assert.Equal(t, engine.StageInitialize, ee.Stage)

	rec, ok := store.ledgers["polygon"].Get("B", engine.StageInitialize)
	require.True(t, ok)
	assert.False(t, rec.Done, "failed stage must stay undone")
	assert.Equal(t, []any{"@A", "@AddressManager"}, rec.InitArgs, "partial metadata recorded at start")

	// A new process resumes from B's INITIALIZE.
	before := len(backend.Submitted())
	resumed := newPipeline(t, pipelineConfig(backend, env, store))
	result, err := resumed.Run(ctx, baseSpecs())
	require.NoError(t, err)

	ops := backend.Submitted()[before:]
	require.Len(t, ops, 1)
	assert.Equal(t, "initialize", ops[0].Method)
	assert.Equal(t, []any{registerA.Address, first.Entities["AddressManager"].Address}, ops[0].Args)
	assert.Equal(t, 1, result.Executed)
}

func TestPipeline_DependencyRegisteredBeforeDeploy(t *testing.T) {
	ctx := context.Background()
	store := newSnapshotStore()
	p := newPipeline(t, pipelineConfig(newSim(), engine.NewEnvironment("polygon", false), store))

	specs := baseSpecs()
	_, err := p.Run(ctx, specs)
	require.NoError(t, err)
	require.NotEmpty(t, store.snapshots)

	for i, snap := range store.snapshots {
		for _, spec := range specs {
			if _, started := snap.Get(spec.Name, engine.StageDeploy); !started {
				continue
			}
			for _, dep := range spec.Dependencies {
				rec, ok := snap.Get(dep, engine.StageRegister)
				assert.True(t, ok && rec.Done, "snapshot %d: %s started DEPLOY before %s was registered", i, spec.Name, dep)
			}
		}
	}
}

func TestPipeline_AlreadyRegisteredReadsBack(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	specs := []engine.EntitySpec{
		{Name: "AddressManager"},
		{Name: "C", Dependencies: []string{"AddressManager"}, InitArgs: []any{"@AddressManager"}},
	}

	seed := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))
	seeded, err := seed.Run(ctx, specs)
	require.NoError(t, err)
	registryAddr := seeded.Entities["AddressManager"].Address
	existing := seeded.Entities["C"].Address

	// A fresh ledger against the same remote state: C is deployed again and
	// its registration is refused as already done.
	cfg := pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
	cfg.Registry = registryAddr
	cfg.Capability = ""
	p := newPipeline(t, cfg)

	result, err := p.Run(ctx, []engine.EntitySpec{{Name: "C", InitArgs: []any{registryAddr}}})
	require.NoError(t, err)

	ledger := p.Progress().Snapshot()
	deployed, _ := ledger.Get("C", engine.StageDeploy)
	registered, _ := ledger.Get("C", engine.StageRegister)
	assert.NotEqual(t, existing, deployed.Address)
	assert.Equal(t, existing, registered.Address, "address read back from the registry")
	assert.True(t, registered.Done)

	initialized, _ := ledger.Get("C", engine.StageInitialize)
	assert.True(t, initialized.Done, "pipeline continued after recovery")
	assert.Equal(t, 2, result.Recovered, "REGISTER and INITIALIZE recovered")
}

func TestPipeline_RereadsUnfinalizedPointer(t *testing.T) {
	ctx := context.Background()
	backend := newSim().WithFinalizationLag(2)
	p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))

	result, err := p.Run(ctx, baseSpecs()[:3])
	require.NoError(t, err)

	rec, ok := p.Progress().Record("A", engine.StageRegister)
	require.True(t, ok)
	assert.True(t, rec.HasPointer)
	assert.Equal(t, rec.PointerAddress, result.Entities["A"].Address)
}

func TestPipeline_UnfinalizedPointerExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	backend := newSim().WithFinalizationLag(10)
	cfg := pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
	cfg.Retry = engine.RetryPolicy{MaxAttempts: 2}
	p := newPipeline(t, cfg)

	_, err := p.Run(ctx, baseSpecs()[:3])
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))

	done, _ := p.Progress().IsDone(ctx, "A", engine.StageRegister)
	assert.False(t, done)
}

func TestPipeline_ConfirmationDepth(t *testing.T) {
	tests := []struct {
		env  engine.Environment
		want int
	}{
		{env: engine.NewEnvironment(engine.LocalEnvironmentID, true), want: 1},
		{env: engine.NewEnvironment("polygon", false), want: 3},
		{env: engine.Environment{ID: "mumbai", Confirmations: 5}, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.env.ID, func(t *testing.T) {
			backend := newSim()
			p := newPipeline(t, pipelineConfig(backend, tt.env, newSnapshotStore()))
			_, err := p.Run(context.Background(), baseSpecs())
			require.NoError(t, err)

			confirmations := backend.Confirmations()
			require.NotEmpty(t, confirmations)
			for _, c := range confirmations {
				assert.Equal(t, tt.want, c)
			}
		})
	}
}

func TestPipeline_ValidationMakesNoRemoteCalls(t *testing.T) {
	tests := []struct {
		name  string
		specs []engine.EntitySpec
		is    error
	}{
		{
			name:  "cycle",
			specs: []engine.EntitySpec{{Name: "A", Dependencies: []string{"B"}}, {Name: "B", Dependencies: []string{"A"}}},
			is:    engine.ErrCyclicDependency,
		},
		{
			name:  "unknown dependency",
			specs: []engine.EntitySpec{{Name: "A", Dependencies: []string{"Missing"}}},
			is:    engine.ErrUnknownDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newSim()
			p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))
			_, err := p.Run(context.Background(), tt.specs)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			assert.Zero(t, backend.SubmitCount())
		})
	}
}

func TestPipeline_PointerRequiresAdmin(t *testing.T) {
	cfg := pipelineConfig(newSim(), engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
	cfg.AdminIdentity = ""
	p := newPipeline(t, cfg)

	_, err := p.Plan(context.Background(), baseSpecs())
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestPipeline_ActionsAndHooks(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	specs := baseSpecs()
	specs[3].Actions = []engine.Action{
		{Target: "@Storage", Command: "setOwner", Args: []any{"@B"}},
		{Target: "@A", Command: "addMinter", Args: []any{"@B", 10}},
	}

	var hooked []engine.EntityHandle
	cfg := pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
	cfg.Hooks = map[string]engine.PostDeployHook{
		"B": func(_ context.Context, h engine.EntityHandle) error {
			hooked = append(hooked, h)
			return nil
		},
	}
	p := newPipeline(t, cfg)

	result, err := p.Run(ctx, specs)
	require.NoError(t, err)

	require.Len(t, hooked, 1)
	assert.Equal(t, result.Entities["B"], hooked[0])

	var commands []string
	for _, c := range backend.Calls() {
		if c.Method == "setOwner" || c.Method == "addMinter" {
			commands = append(commands, fmt.Sprintf("%s->%s", c.Method, c.Target))
			assert.Equal(t, result.Entities["B"].Address, c.Args[0])
		}
	}
	assert.Equal(t, []string{
		"setOwner->" + result.Entities["Storage"].Address,
		"addMinter->" + result.Entities["A"].Address,
	}, commands)

	done, _ := p.Progress().IsDone(ctx, "B", engine.ActionStage(1, "addMinter"))
	assert.True(t, done)
	done, _ = p.Progress().IsDone(ctx, "B", engine.StagePostDeploy)
	assert.True(t, done)
}

func TestPipeline_HookFailureLeavesStageUndone(t *testing.T) {
	ctx := context.Background()
	cfg := pipelineConfig(newSim(), engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
	cfg.Hooks = map[string]engine.PostDeployHook{
		"A": func(context.Context, engine.EntityHandle) error { return errors.New("verification failed") },
	}
	p := newPipeline(t, cfg)

	_, err := p.Run(ctx, baseSpecs())
	require.Error(t, err)
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeHookFailed, ee.Code)
	assert.Equal(t, engine.StagePostDeploy, ee.Stage)

	done, _ := p.Progress().IsDone(ctx, "A", engine.StagePostDeploy)
	assert.False(t, done)
	done, _ = p.Progress().IsDone(ctx, "B", engine.StageDeploy)
	assert.False(t, done, "run aborted before B")
}

func TestPipeline_AllowGrantsCapability(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))

	result, err := p.Run(ctx, baseSpecs())
	require.NoError(t, err)

	for _, name := range []string{"A", "B"} {
		allowed, err := backend.Read(ctx, result.Entities["Storage"].Address, "isAllowed", result.Entities[name].Address)
		require.NoError(t, err)
		assert.Equal(t, true, allowed, "%s was not granted the capability", name)
	}
}

func TestPipeline_ProviderValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*engine.PipelineConfig)
		specs  []engine.EntitySpec
	}{
		{
			name:   "allow without capability holder",
			mutate: func(c *engine.PipelineConfig) { c.Capability = "" },
			specs:  []engine.EntitySpec{{Name: "AddressManager"}, {Name: "X", Dependencies: []string{"AddressManager"}, Allow: true}},
		},
		{
			name: "allow before capability holder",
			specs: []engine.EntitySpec{
				{Name: "AddressManager"},
				{Name: "A", Dependencies: []string{"AddressManager"}, Allow: true},
				{Name: "Storage", Dependencies: []string{"AddressManager"}},
			},
		},
		{
			name:   "allow with undeclared capability holder",
			mutate: func(c *engine.PipelineConfig) { c.Capability = "@Vault" },
			specs:  []engine.EntitySpec{{Name: "AddressManager"}, {Name: "X", Dependencies: []string{"AddressManager"}, Allow: true}},
		},
		{
			name:   "pointer without registry",
			mutate: func(c *engine.PipelineConfig) { c.Registry = "" },
			specs:  []engine.EntitySpec{{Name: "B", WrapWithPointer: true}},
		},
		{
			name: "pointer before registry",
			specs: []engine.EntitySpec{
				{Name: "B", WrapWithPointer: true},
				{Name: "AddressManager"},
			},
		},
		{
			name:  "wrapped registry",
			specs: []engine.EntitySpec{{Name: "AddressManager", WrapWithPointer: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newSim()
			cfg := pipelineConfig(backend, engine.NewEnvironment(engine.LocalEnvironmentID, true), nil)
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			p := newPipeline(t, cfg)

			_, err := p.Run(context.Background(), tt.specs)
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err))
			assert.Zero(t, backend.SubmitCount())
			assert.Empty(t, p.Progress().Snapshot(), "no stage may be recorded")
		})
	}
}

func TestPipeline_UnwrappedBeforeRegistryIsNotRegistered(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, pipelineConfig(newSim(), engine.NewEnvironment(engine.LocalEnvironmentID, true), nil))

	_, err := p.Run(ctx, []engine.EntitySpec{{Name: "Faucet"}, {Name: "AddressManager"}})
	require.NoError(t, err)

	rec, ok := p.Progress().Record("Faucet", engine.StageRegister)
	require.True(t, ok)
	assert.True(t, rec.Done)
	assert.False(t, rec.HasPointer)
}

func TestPipeline_ReferencesFollowUpgrade(t *testing.T) {
	ctx := context.Background()
	backend := newSim()
	env := engine.NewEnvironment("polygon", false)
	store := newSnapshotStore()
	specs := []engine.EntitySpec{
		{Name: "AddressManager"},
		{Name: "Storage", Dependencies: []string{"AddressManager"}},
		{Name: "A", Dependencies: []string{"Storage"}},
	}

	p := newPipeline(t, pipelineConfig(backend, env, store))
	first, err := p.Run(ctx, specs)
	require.NoError(t, err)

	up, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, engine.UpgradeRequest{Name: "A", Artifact: "ANext", Version: "3.0.0"})
	require.NoError(t, err)
	assert.Equal(t, first.Entities["A"].Address, up.PreviousAddress)

	specs = append(specs, engine.EntitySpec{Name: "C", Dependencies: []string{"A"}, ConstructorArgs: []any{"@A"}})
	second, err := newPipeline(t, pipelineConfig(backend, env, store)).Run(ctx, specs)
	require.NoError(t, err)

	assert.Equal(t, up.NewAddress, second.Entities["A"].Address)
	deployC, ok := store.ledgers["polygon"].Get("C", engine.StageDeploy)
	require.True(t, ok)
	assert.Equal(t, []any{up.NewAddress}, deployC.ConstructorArgs, "@A resolves to the upgraded implementation")
}
