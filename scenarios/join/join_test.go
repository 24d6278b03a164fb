package join

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/registry"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Workload.Writes = 60
	cfg.Workload.Columns = 3
	cfg.Workload.MaxPartitionSize = 8
	cfg.Timeouts = config.Timeouts{
		Barrier:    config.Duration(10 * time.Second),
		Commit:     config.Duration(10 * time.Second),
		Quiescence: config.Duration(10 * time.Second),
		Join:       config.Duration(10 * time.Second),
		Poll:       config.Duration(time.Millisecond),
	}
	cfg.WorkingDir = t.TempDir()

	return cfg
}

func testEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	e, err := newEnv(cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	require.NoError(t, e.setupSchema(context.Background()))
	return e
}

func TestBootstrapFuzz(t *testing.T) {
	var out bytes.Buffer
	err := BootstrapFuzz(testConfig(t)).WithOutput(&out).Run(context.Background())

	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "Writes During Frozen Join Are Consistent")
	assert.Contains(t, out.String(), "PASSED")
}

func TestCoordinatorBehind(t *testing.T) {
	var out bytes.Buffer
	err := CoordinatorBehind(testConfig(t)).WithOutput(&out).Run(context.Background())

	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "Replicas Flag The Stale Coordinator")
	assert.Contains(t, out.String(), "PASSED")
}

func TestGroupRegistered(t *testing.T) {
	group, err := registry.GetGroup("join")
	require.NoError(t, err)

	assert.Equal(t, []string{"bootstrap-fuzz", "coordinator-behind"}, group.ScenarioOrder)
	for _, key := range group.ScenarioOrder {
		scenario, err := group.GetScenario(key)
		require.NoError(t, err)
		assert.Positive(t, scenario.Fn(config.Default()).Len())
	}
}

func TestOrchestratorOrder(t *testing.T) {
	ctx := context.Background()
	o := newOrchestrator(testEnv(t, testConfig(t)), pipeline.FinishJoin)

	assert.Error(t, o.Drain(ctx))
	assert.Error(t, o.FinalCheck(ctx))
	assert.Equal(t, WarmUp, o.State())

	require.NoError(t, o.WarmUp(ctx))
	assert.Equal(t, FrozenAtPhase, o.State())
	assert.Error(t, o.WarmUp(ctx), "warm-up runs once")
	assert.Error(t, o.SkipWarmUp())
}

func TestConcurrentFailureReleases(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, testConfig(t))
	o := newOrchestrator(e, pipeline.MidJoin)
	require.NoError(t, o.SkipWarmUp())

	inst, err := e.bootstrap(sut.Quorum)
	require.NoError(t, err)
	require.NoError(t, o.Freeze(ctx, inst))
	assert.Equal(t, pipeline.StartJoin, e.cluster.Metadata().Phase[inst.ID()])

	violation := errors.Mark(errors.New("partition 7 differs"), model.ErrConsistencyViolation)
	err = o.Concurrent(ctx, func(context.Context) error { return violation })
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConsistencyViolation))
	assert.Equal(t, "consistency violation", classify(err))

	assert.Equal(t, pipeline.Released, o.Barrier().State())
	assert.Equal(t, Concurrent, o.State())
	assert.NoError(t, o.join.Wait(ctx), "the join runs to completion once released")
}

func TestDrainSettlesFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Timeouts.Quiescence = config.Duration(50 * time.Millisecond)

	e := testEnv(t, cfg)
	o := newOrchestrator(e, pipeline.FinishJoin)
	require.NoError(t, o.SkipWarmUp())

	// Node 2 never hears about the join, so the cluster cannot settle.
	e.ctrl.DropMessages(staleNode, cluster.MetadataVerbs...)

	inst, err := e.bootstrap(sut.Quorum)
	require.NoError(t, err)
	require.NoError(t, o.Freeze(ctx, inst))
	require.NoError(t, o.Concurrent(ctx, func(context.Context) error { return nil }))

	err = o.Drain(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrTimeout))
	assert.Contains(t, err.Error(), "[2]")
	assert.Equal(t, Draining, o.State())
	assert.Equal(t, pipeline.Released, o.Barrier().State())
}

func TestDrainWithoutSettling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Timeouts.Quiescence = config.Duration(50 * time.Millisecond)

	e := testEnv(t, cfg)
	o := newOrchestrator(e, pipeline.FinishJoin).skipSettle()
	require.NoError(t, o.SkipWarmUp())

	e.ctrl.DropMessages(staleNode, cluster.MetadataVerbs...)

	inst, err := e.bootstrap(sut.Quorum)
	require.NoError(t, err)
	require.NoError(t, o.Freeze(ctx, inst))
	require.NoError(t, o.Concurrent(ctx, func(context.Context) error { return nil }))

	require.NoError(t, o.Drain(ctx))
	assert.Equal(t, Quiesced, o.State())
}

func TestStaleRoutingMissingSignal(t *testing.T) {
	e := testEnv(t, testConfig(t))

	before, err := e.ctrl.SnapshotCounter(cluster.CoordinatorBehindPlacements)
	require.NoError(t, err)

	// Nobody is stale, so nobody complains.
	_, err = awaitStaleRouting(context.Background(), e, staleNode, 3, before)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingSignal))
	assert.Equal(t, "missing signal", classify(err))
	assert.Equal(t, 3, e.run.History.Len())
	assert.Zero(t, e.run.History.Unknown())
}

func TestStaleRoutingFound(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t, testConfig(t))

	e.ctrl.DropMessages(staleNode, cluster.MetadataVerbs...)
	before, err := e.ctrl.SnapshotCounter(cluster.CoordinatorBehindPlacements)
	require.NoError(t, err)

	inst, err := e.bootstrap(sut.NodeLocal)
	require.NoError(t, err)
	require.NoError(t, e.ctrl.StartJoin(ctx, inst).Wait(ctx))

	found, err := awaitStaleRouting(ctx, e, staleNode, routingAttempts, before)
	require.NoError(t, err)
	assert.Equal(t, 1, found.Attempts)
	assert.NotEqual(t, staleNode, found.Node)
	assert.Contains(t, found.Line, catchUpSignal)
	assert.NotEmpty(t, found.Grown)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.Mark(errors.New("x"), model.ErrConsistencyViolation), "consistency violation"},
		{errors.Wrap(errors.Mark(errors.New("x"), pipeline.ErrTimeout), "waiting"), "timed out"},
		{errors.Wrap(ErrMissingSignal, "node 3"), "missing signal"},
		{errors.Mark(errors.New("x"), workload.ErrTransientWrite), "write failed"},
		{errors.New("x"), "failed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}
