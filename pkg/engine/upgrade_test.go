package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/stagehand/pkg/backend/sim"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func deployed(t *testing.T) (*sim.Backend, *engine.Pipeline, *engine.RunResult) {
	t.Helper()
	backend := newSim()
	p := newPipeline(t, pipelineConfig(backend, engine.NewEnvironment("polygon", false), newSnapshotStore()))
	result, err := p.Run(context.Background(), baseSpecs())
	require.NoError(t, err)
	return backend, p, result
}

func TestUpgrade_VersionRegressionIsRejected(t *testing.T) {
	ctx := context.Background()
	backend, p, result := deployed(t)
	pointer := result.Entities["A"].PointerAddress
	original := result.Entities["A"].DirectAddress

	_, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, engine.UpgradeRequest{
		Name:     "A",
		Artifact: "ALegacy",
		Version:  "1.0.0",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrIncompatibleUpgrade)

	impl, ok := backend.Implementation(pointer)
	require.True(t, ok)
	assert.Equal(t, original, impl, "pointer must still forward to the original implementation")

	rec, ok := p.Progress().Record("A", engine.VersionedStage(engine.StageChangeAddress, "1.0.0"))
	require.True(t, ok)
	assert.False(t, rec.Done)

	done, _ := p.Progress().IsDone(ctx, "A", engine.VersionedStage(engine.StageDeploy, "1.0.0"))
	assert.True(t, done, "new implementation stays deployed")

	for _, c := range backend.Calls() {
		assert.NotEqual(t, "changeContractAddressVersioned", c.Method, "nothing submitted after the version check")
	}
}

func TestUpgrade_PointerStability(t *testing.T) {
	ctx := context.Background()
	backend, p, result := deployed(t)
	pointer := result.Entities["A"].PointerAddress
	registry := engine.NewRemoteRegistry(backend, result.Entities["AddressManager"].Address, 1, engine.RegistryMethods{}, zerolog.Nop())

	var migrated engine.EntityHandle
	res, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, engine.UpgradeRequest{
		Name:     "A",
		Artifact: "ANext",
		Version:  "3.0.0",
		Migrate: func(_ context.Context, h engine.EntityHandle) error {
			migrated = h
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, result.Entities["A"].DirectAddress, res.PreviousAddress)
	assert.NotEqual(t, res.PreviousAddress, res.NewAddress)
	assert.Equal(t, pointer, res.PointerAddress)

	resolved, err := registry.Resolve(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, pointer, resolved, "resolve returns the same pointer")

	direct, err := registry.DirectAddress(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, res.NewAddress, direct)

	impl, _ := backend.Implementation(pointer)
	assert.Equal(t, res.NewAddress, impl)

	assert.Equal(t, pointer, migrated.Address)
	assert.Equal(t, res.NewAddress, migrated.DirectAddress)

	for _, stage := range []string{"DEPLOY_3.0.0", "CHANGE_ADDRESS_3.0.0", "MIGRATE_3.0.0"} {
		done, _ := p.Progress().IsDone(ctx, "A", stage)
		assert.True(t, done, stage)
	}
}

func TestUpgrade_IsResumable(t *testing.T) {
	ctx := context.Background()
	backend, p, _ := deployed(t)
	req := engine.UpgradeRequest{Name: "A", Artifact: "ANext", Version: "3.0.0"}

	backend.Inject(sim.Fault{Method: "changeContractAddressVersioned"})
	_, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, req)
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))

	before := backend.SubmitCount()
	res, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, req)
	require.NoError(t, err)

	ops := backend.Submitted()[before:]
	require.Len(t, ops, 1, "the new implementation is not deployed twice")
	assert.Equal(t, "changeContractAddressVersioned", ops[0].Method)
	assert.Equal(t, res.NewAddress, ops[0].Args[1])
}

func TestUpgrade_DangerousSkipsVersionCheck(t *testing.T) {
	ctx := context.Background()
	backend, p, result := deployed(t)

	res, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, engine.UpgradeRequest{
		Name:      "A",
		Artifact:  "ALegacy",
		Version:   "1.0.0",
		Dangerous: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Dangerous)

	impl, _ := backend.Implementation(result.Entities["A"].PointerAddress)
	assert.Equal(t, res.NewAddress, impl)

	done, _ := p.Progress().IsDone(ctx, "A", engine.VersionedStage(engine.StageChangeAddressDangerous, "1.0.0"))
	assert.True(t, done)
}

func TestUpgrade_RequiresRegisteredName(t *testing.T) {
	_, p, _ := deployed(t)

	_, err := engine.NewUpgradeCoordinator(p).Upgrade(context.Background(), engine.UpgradeRequest{
		Name:    "Unknown",
		Version: "1.0.0",
	})
	require.Error(t, err)

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodeNotRegistered, ee.Code)
}

func TestUpgrade_RerunReportsRecordedPrevious(t *testing.T) {
	ctx := context.Background()
	backend, p, result := deployed(t)
	req := engine.UpgradeRequest{Name: "A", Artifact: "ANext", Version: "3.0.0"}

	first, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, req)
	require.NoError(t, err)

	before := backend.SubmitCount()
	again, err := engine.NewUpgradeCoordinator(p).Upgrade(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, before, backend.SubmitCount(), "completed upgrade submits nothing")
	assert.Equal(t, result.Entities["A"].DirectAddress, again.PreviousAddress)
	assert.Equal(t, first, again)

	rec, ok := p.Progress().Record("A", engine.VersionedStage(engine.StageChangeAddress, "3.0.0"))
	require.True(t, ok)
	assert.Equal(t, result.Entities["A"].DirectAddress, rec.PreviousAddress)
}
