package join

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sim"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// authority is the node running the metadata service. Every commit happens
// there, so every barrier is armed there.
const authority = 1

// env is everything one scenario run drives.
type env struct {
	cfg *config.Config
	log *zap.Logger

	cluster  *sim.Cluster
	ctrl     *cluster.Controller
	barriers *pipeline.Barriers
	waiter   *pipeline.EpochWaiter

	run     *workload.Run
	exec    *sut.Adapter
	visitor *workload.Visitor
	model   *model.Model
	checker *model.Checker
}

func newEnv(cfg *config.Config, dir string) (*env, error) {
	cl, err := cfg.Consistency()
	if err != nil {
		return nil, err
	}
	unknown, err := cfg.UnknownOutcomes()
	if err != nil {
		return nil, err
	}

	log, err := newHarnessLogger(dir)
	if err != nil {
		return nil, err
	}

	c, err := sim.New(sim.Config{
		Nodes:                  cfg.Cluster.Nodes,
		Tokens:                 cfg.Cluster.Tokens,
		SnapshotFrequency:      cfg.Cluster.MetadataSnapshotFrequency,
		LogDir:                 dir,
		ProgressBarrierTimeout: cfg.Timeouts.Barrier.Std(),
		PollInterval:           cfg.Timeouts.Poll.Std(),
	})
	if err != nil {
		_ = log.Sync()
		return nil, errors.Wrap(err, "starting cluster")
	}

	timeouts := pipeline.Timeouts{
		Trigger:    cfg.Timeouts.Barrier.Std(),
		Commit:     cfg.Timeouts.Commit.Std(),
		Quiescence: cfg.Timeouts.Quiescence.Std(),
		Poll:       cfg.Timeouts.Poll.Std(),
	}

	coordinator := sut.RoundRobin(cfg.Cluster.Nodes)
	if n := cfg.Workload.Coordinator; n > 0 {
		coordinator = sut.FixedCoordinator(n)
	}

	run := workload.NewRun(workload.Options{
		Seed:             cfg.Workload.Seed,
		Columns:          cfg.Workload.Columns,
		Window:           cfg.Workload.PDSelector.Window,
		Slide:            cfg.Workload.PDSelector.Slide,
		MaxPartitionSize: cfg.Workload.MaxPartitionSize,
		OpsPerStep:       cfg.Workload.OpsPerStep,
	})
	exec := sut.NewAdapter(c, coordinator)
	m := model.New(run, unknown)

	e := &env{
		cfg:      cfg,
		log:      log.With(zap.String("run", run.ID)),
		cluster:  c,
		ctrl:     cluster.NewController(c, cfg.Timeouts.Join.Std()),
		barriers: pipeline.NewBarriers(c, timeouts.Trigger),
		waiter:   pipeline.NewEpochWaiter(c, timeouts),
		run:      run,
		exec:     exec,
		visitor: workload.NewLoggingVisitor(run, exec, log, cfg.Workload.Retries,
			workload.WithConsistency(cl)),
		model:   m,
		checker: model.NewChecker(m, exec, model.WithLocalReads(c)),
	}

	e.log.Info("Cluster started",
		zap.Int("nodes", cfg.Cluster.Nodes),
		zap.Int("tokens", cfg.Cluster.Tokens),
		zap.Stringer("consistency", cl),
		zap.Stringer("unknown_outcomes", unknown))

	return e, nil
}

// setupSchema creates the run's keyspace and table on every node.
func (e *env) setupSchema(ctx context.Context) error {
	return e.ctrl.Setup(ctx, e.waiter,
		e.run.Schema.CreateKeyspace(e.cfg.Cluster.ReplicationFactor),
		e.run.Schema.CreateTable())
}

// bootstrap adds the node that will join.
func (e *env) bootstrap(barrierCL sut.ConsistencyLevel) (cluster.Instance, error) {
	return e.ctrl.Bootstrap(cluster.InstanceConfig{
		AutoBootstrap:     true,
		ProgressBarrierCL: barrierCL,
	})
}

// Close releases every held commit and stops the cluster.
func (e *env) Close() error {
	e.barriers.ReleaseAll()
	err := e.cluster.Close()
	e.log.Info("Cluster stopped")

	return errors.CombineErrors(err, e.log.Sync())
}

// newHarnessLogger writes JSON lines to harness.log in dir.
func newHarnessLogger(dir string) (*zap.Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating log directory")
	}

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	zc.Sampling = nil
	zc.OutputPaths = []string{filepath.Join(dir, "harness.log")}
	zc.ErrorOutputPaths = []string{filepath.Join(dir, "harness.log")}

	log, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building harness logger")
	}

	return log, nil
}

// stabilityPolls is how many poll intervals a condition must keep holding
// to count as stable.
const stabilityPolls = 10

// attestConfig maps the run configuration onto the step runner.
func attestConfig(cfg *config.Config) *attest.Config {
	return &attest.Config{
		WorkingDir:          cfg.WorkingDir,
		Verbose:             cfg.Verbose,
		DefaultRetryTimeout: cfg.Timeouts.Quiescence.Std(),
		RetryPollInterval:   cfg.Timeouts.Poll.Std(),
		StabilityWindow:     stabilityPolls * cfg.Timeouts.Poll.Std(),
	}
}
