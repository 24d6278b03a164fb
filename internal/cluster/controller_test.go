package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sim"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, joinTimeout time.Duration) (*cluster.Controller, *workload.Run, *pipeline.EpochWaiter) {
	t.Helper()

	cfg := sim.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	c, err := sim.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctrl := cluster.NewController(c, joinTimeout)
	waiter := pipeline.NewEpochWaiter(c, pipeline.Timeouts{
		Commit:     time.Second,
		Quiescence: time.Second,
		Poll:       time.Millisecond,
	})

	run := workload.NewRun(workload.Options{Seed: 3, Columns: 2, Window: 1, Slide: 1, MaxPartitionSize: 10})
	err = ctrl.Setup(context.Background(), waiter, run.Schema.CreateKeyspace(3), run.Schema.CreateTable())
	require.NoError(t, err)

	return ctrl, run, waiter
}

func TestSetup(t *testing.T) {
	ctrl, run, _ := setup(t, time.Second)

	replicas, err := ctrl.Cluster().ReadReplicas(run.Schema.QualifiedTable(), 42)
	require.NoError(t, err)
	assert.Len(t, replicas, 3)

	for _, n := range ctrl.Cluster().LiveNodes() {
		epoch, err := ctrl.Cluster().AppliedEpoch(n)
		require.NoError(t, err)
		assert.Equal(t, pipeline.Epoch(3), epoch, "node %d", n)
	}

	err = ctrl.Setup(context.Background(), nil, run.Schema.CreateTable())
	assert.Error(t, err, "tables are created once")
}

func TestJoinTask(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := setup(t, 50*time.Millisecond)
	c := ctrl.Cluster()

	triggered, err := c.PauseBeforeCommit(1, pipeline.IsKind(pipeline.FinishJoin))
	require.NoError(t, err)

	inst, err := ctrl.Bootstrap(cluster.InstanceConfig{AutoBootstrap: true, ProgressBarrierCL: sut.Quorum})
	require.NoError(t, err)

	task := ctrl.StartJoin(ctx, inst)
	assert.Equal(t, 4, task.Node())
	<-triggered

	err = task.Wait(ctx)
	assert.True(t, errors.Is(err, pipeline.ErrTimeout), "join is parked: %v", err)

	c.UnpauseCommits(1)
	<-task.Done()
	assert.NoError(t, task.Wait(ctx))
	assert.Equal(t, []int{1, 2, 3, 4}, c.LiveNodes())
}

func TestDiagnostics(t *testing.T) {
	ctx := context.Background()
	ctrl, run, _ := setup(t, 5*time.Second)
	c := ctrl.Cluster()

	ctrl.DropMessages(2, cluster.MetadataVerbs...)

	snapshot, err := ctrl.SnapshotCounter(cluster.CoordinatorBehindPlacements)
	require.NoError(t, err)
	assert.Len(t, snapshot.Values, 3)

	inst, err := ctrl.Bootstrap(cluster.InstanceConfig{AutoBootstrap: true, ProgressBarrierCL: sut.NodeLocal})
	require.NoError(t, err)
	require.NoError(t, ctrl.StartJoin(ctx, inst).Wait(ctx))

	markers, err := ctrl.MarkAll()
	require.NoError(t, err)
	assert.Len(t, markers, 4)

	exec := sut.NewAdapter(c, sut.FixedCoordinator(2))
	visitor := workload.NewMutatingVisitor(run, exec)
	require.NoError(t, visitor.VisitN(ctx, 5))

	const signal = "Routing is correct, but coordinator needs to catch-up"
	matches, err := ctrl.GrepSince(markers, signal, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
	assert.NotContains(t, matches, 2)

	excluded, err := ctrl.GrepSince(markers, signal, 1, 2, 3, 4)
	require.NoError(t, err)
	assert.Empty(t, excluded)

	grown, err := snapshot.Increased()
	require.NoError(t, err)
	assert.NotEmpty(t, grown)
	for n, delta := range grown {
		assert.GreaterOrEqual(t, delta, 1.0, "node %d", n)
	}

	ctrl.ResetFilters()

	// The next write node 2 coordinates lets it catch up.
	require.NoError(t, visitor.Visit(ctx))

	markers, err = ctrl.MarkAll()
	require.NoError(t, err)
	require.NoError(t, visitor.VisitN(ctx, 3))
	matches, err = ctrl.GrepSince(markers, signal)
	require.NoError(t, err)
	assert.Empty(t, matches)

	epoch, err := c.AppliedEpoch(2)
	require.NoError(t, err)
	latest, err := c.AppliedEpoch(1)
	require.NoError(t, err)
	assert.Equal(t, latest, epoch)
}
