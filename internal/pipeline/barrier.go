package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/pkg/threadsafe"
)

var (
	// ErrTimeout marks a bounded wait that expired: the expected pipeline
	// transition never happened.
	ErrTimeout = errors.New("pipeline wait timed out")
	// ErrBarrierActive is returned when arming a node that already has an
	// unreleased barrier.
	ErrBarrierActive = errors.New("commit barrier already armed on node")
	// ErrReleased is returned by AwaitTrigger on a barrier released before
	// it triggered.
	ErrReleased = errors.New("commit barrier released before it triggered")
)

// BarrierState is the lifecycle state of a CommitBarrier.
type BarrierState int

const (
	Armed BarrierState = iota
	Triggered
	Released
)

func (s BarrierState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommitBarrier holds one matching commit on a node right before it is
// applied, until released.
type CommitBarrier struct {
	node      int
	icpt      Interceptor
	timeout   time.Duration
	triggered <-chan struct{}
	released  chan struct{}
	onRelease func(*CommitBarrier)

	mu    sync.Mutex
	state BarrierState
}

// Node returns the node the barrier is armed on.
func (b *CommitBarrier) Node() int {
	return b.node
}

// State returns the current state.
func (b *CommitBarrier) State() BarrierState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// AwaitTrigger blocks until a matching commit is held at the barrier.
func (b *CommitBarrier) AwaitTrigger(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	select {
	case <-b.triggered:
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.state == Released {
			return errors.Wrapf(ErrReleased, "node %d", b.node)
		}

		b.state = Triggered
		return nil
	case <-b.released:
		return errors.Wrapf(ErrReleased, "node %d", b.node)
	case <-ctx.Done():
		return errors.Mark(
			errors.Wrapf(ctx.Err(), "awaiting pre-commit trigger on node %d after %s", b.node, b.timeout),
			ErrTimeout)
	}
}

// Release resumes the held commit, if any. Releasing twice, or releasing a
// barrier that never triggered, is a no-op.
func (b *CommitBarrier) Release() {
	b.mu.Lock()
	if b.state == Released {
		b.mu.Unlock()
		return
	}

	b.state = Released
	close(b.released)
	b.mu.Unlock()

	b.icpt.UnpauseCommits(b.node)
	if b.onRelease != nil {
		b.onRelease(b)
	}
}

// Barriers arms commit barriers, at most one unreleased barrier per node.
type Barriers struct {
	icpt    Interceptor
	timeout time.Duration
	active  *threadsafe.Map[int, *CommitBarrier]
}

// NewBarriers creates a barrier table whose AwaitTrigger calls are bounded
// by timeout.
func NewBarriers(icpt Interceptor, timeout time.Duration) *Barriers {
	return &Barriers{
		icpt:    icpt,
		timeout: timeout,
		active:  threadsafe.NewMap[int, *CommitBarrier](),
	}
}

// Arm installs a barrier for commits matching pred on node. It does not
// block.
func (bs *Barriers) Arm(node int, pred Predicate) (*CommitBarrier, error) {
	b := &CommitBarrier{
		node:     node,
		icpt:     bs.icpt,
		timeout:  bs.timeout,
		released: make(chan struct{}),
		onRelease: func(b *CommitBarrier) {
			bs.active.CompareAndDelete(b.node, func(v *CommitBarrier) bool { return v == b })
		},
	}

	if _, stored := bs.active.SetIfAbsent(node, b); !stored {
		return nil, errors.Wrapf(ErrBarrierActive, "node %d", node)
	}

	triggered, err := bs.icpt.PauseBeforeCommit(node, pred)
	if err != nil {
		bs.active.Delete(node)
		return nil, errors.Wrapf(err, "arming commit barrier on node %d", node)
	}

	b.triggered = triggered
	return b, nil
}

// Release releases the barrier on node. With no barrier armed it still asks
// the node to resume commits, which is a no-op when nothing is held.
func (bs *Barriers) Release(node int) {
	if b, ok := bs.active.Get(node); ok {
		b.Release()
		return
	}

	bs.icpt.UnpauseCommits(node)
}

// ReleaseAll releases every armed barrier.
func (bs *Barriers) ReleaseAll() {
	var held []*CommitBarrier
	bs.active.Range(func(_ int, b *CommitBarrier) bool {
		held = append(held, b)
		return true
	})

	for _, b := range held {
		b.Release()
	}
}
