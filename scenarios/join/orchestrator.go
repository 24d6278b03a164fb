package join

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"go.uber.org/zap"
)

// State is a stage of a frozen join run.
type State int

const (
	WarmUp State = iota
	FrozenAtPhase
	Concurrent
	Draining
	Quiesced
	FinalCheck
	Done
)

func (s State) String() string {
	switch s {
	case WarmUp:
		return "warm-up"
	case FrozenAtPhase:
		return "frozen-at-phase"
	case Concurrent:
		return "concurrent"
	case Draining:
		return "draining"
	case Quiesced:
		return "quiesced"
	case FinalCheck:
		return "final-check"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// reverseChecks is how many partitions the final check also reads in
// reverse clustering order.
const reverseChecks = 10

// Orchestrator walks a join through WarmUp, FrozenAtPhase, Concurrent,
// Draining, Quiesced and FinalCheck. Each method runs one state and moves
// to the next; calling one out of order is an error.
type Orchestrator struct {
	env   *env
	phase pipeline.Kind
	state State

	// settle makes Drain wait for every live node to catch up with the
	// metadata service before releasing the phase.
	settle bool

	barrier *pipeline.CommitBarrier
	handle  *pipeline.EpochHandle
	join    *cluster.JoinTask
	epoch   pipeline.Epoch
}

// newOrchestrator freezes joins right before phase commits.
func newOrchestrator(e *env, phase pipeline.Kind) *Orchestrator {
	return &Orchestrator{env: e, phase: phase, state: WarmUp, settle: true}
}

// skipSettle makes Drain release the phase without waiting for lagging
// nodes, for runs that keep a node behind on purpose.
func (o *Orchestrator) skipSettle() *Orchestrator {
	o.settle = false
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Epoch returns the epoch the frozen phase committed at, once quiesced.
func (o *Orchestrator) Epoch() pipeline.Epoch {
	return o.epoch
}

// Barrier returns the barrier holding the phase, if armed.
func (o *Orchestrator) Barrier() *pipeline.CommitBarrier {
	return o.barrier
}

func (o *Orchestrator) expect(s State) error {
	if o.state != s {
		return errors.Newf("cannot run %s while in %s", s, o.state)
	}

	return nil
}

func (o *Orchestrator) advance(to State) {
	o.env.log.Info("Entering state", zap.Stringer("state", to), zap.Stringer("phase", o.phase))
	o.state = to
}

// writeAndValidate issues the configured number of writes, then checks
// every partition touched so far.
func (o *Orchestrator) writeAndValidate(ctx context.Context) error {
	if err := o.env.visitor.VisitN(ctx, o.env.cfg.Workload.Writes); err != nil {
		return err
	}

	o.env.log.Info("Writes issued",
		zap.Stringer("state", o.state),
		zap.Int("total", o.env.run.History.Len()),
		zap.Int("unknown", o.env.run.History.Unknown()))

	return o.env.checker.ValidateAll(ctx)
}

// WarmUp writes and validates a baseline before any topology change.
func (o *Orchestrator) WarmUp(ctx context.Context) error {
	if err := o.expect(WarmUp); err != nil {
		return err
	}

	if err := o.writeAndValidate(ctx); err != nil {
		return errors.Wrap(err, "warm-up")
	}

	o.advance(FrozenAtPhase)
	return nil
}

// SkipWarmUp moves on without a baseline, for runs that only look for
// diagnostics.
func (o *Orchestrator) SkipWarmUp() error {
	if err := o.expect(WarmUp); err != nil {
		return err
	}

	o.advance(FrozenAtPhase)
	return nil
}

// Freeze starts inst's join and returns once its phase commit is held.
func (o *Orchestrator) Freeze(ctx context.Context, inst cluster.Instance) error {
	if err := o.expect(FrozenAtPhase); err != nil {
		return err
	}

	b, err := o.env.barriers.Arm(authority, pipeline.IsKind(o.phase))
	if err != nil {
		return err
	}
	o.barrier = b

	o.join = o.env.ctrl.StartJoin(ctx, inst)
	if err := b.AwaitTrigger(ctx); err != nil {
		b.Release()
		return errors.Wrapf(err, "node %d never reached %s", inst.ID(), o.phase)
	}

	o.env.log.Info("Join frozen", zap.Int("node", inst.ID()), zap.Stringer("phase", o.phase))
	o.advance(Concurrent)
	return nil
}

// Concurrent runs body while the phase commit is held. The barrier is
// released before any failure is returned.
func (o *Orchestrator) Concurrent(ctx context.Context, body func(ctx context.Context) error) error {
	if err := o.expect(Concurrent); err != nil {
		return err
	}

	if err := body(ctx); err != nil {
		o.barrier.Release()
		return errors.Wrapf(err, "while %s is held", o.phase)
	}

	o.advance(Draining)
	return nil
}

// WriteAndValidate is the default Concurrent body.
func (o *Orchestrator) WriteAndValidate(ctx context.Context) error {
	return o.writeAndValidate(ctx)
}

// Drain waits for the cluster to settle on the epoch the metadata service
// has applied, so only the held commit is in flight, then watches for the
// phase to commit and lets it through.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if err := o.expect(Draining); err != nil {
		return err
	}

	if o.settle {
		if _, err := o.env.waiter.AwaitQuiescenceOf(ctx, authority); err != nil {
			o.barrier.Release()
			return errors.Wrap(err, "settling before release")
		}
	}

	h, err := o.env.waiter.AwaitCommit(authority, pipeline.Committed(o.phase))
	if err != nil {
		o.barrier.Release()
		return err
	}
	o.handle = h

	o.barrier.Release()
	o.advance(Quiesced)
	return nil
}

// Quiesce waits for the phase to commit and for every live node to apply
// it.
func (o *Orchestrator) Quiesce(ctx context.Context) error {
	if err := o.expect(Quiesced); err != nil {
		return err
	}

	epoch, err := o.handle.Await(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s did not commit", o.phase)
	}

	if err := o.env.waiter.AwaitQuiescence(ctx, epoch); err != nil {
		return err
	}

	o.epoch = epoch
	o.env.log.Info("Quiesced", zap.Uint64("epoch", uint64(epoch)))
	o.advance(FinalCheck)
	return nil
}

// FinalCheck writes once more, validates every partition, reads the first
// few back in reverse clustering order and waits for the join to finish.
func (o *Orchestrator) FinalCheck(ctx context.Context) error {
	if err := o.expect(FinalCheck); err != nil {
		return err
	}

	if err := o.writeAndValidate(ctx); err != nil {
		return errors.Wrap(err, "final check")
	}

	bound := o.env.run.Clock.Peek()
	pds := o.env.run.Partitions(bound)
	for _, pd := range pds[:min(len(pds), reverseChecks)] {
		if err := o.env.checker.ValidateAt(ctx, model.SelectPartition(pd, true), bound); err != nil {
			return errors.Wrap(err, "final check, reversed")
		}
	}

	return o.Finish(ctx)
}

// Finish waits for the join to complete.
func (o *Orchestrator) Finish(ctx context.Context) error {
	if err := o.expect(FinalCheck); err != nil {
		return err
	}

	if err := o.join.Wait(ctx); err != nil {
		return errors.Wrap(err, "join did not complete")
	}

	o.advance(Done)
	return nil
}

// Close releases the barrier, if still held, and stops the cluster.
func (o *Orchestrator) Close() error {
	if o.barrier != nil {
		o.barrier.Release()
	}

	return o.env.Close()
}
