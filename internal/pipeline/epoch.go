package pipeline

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/pkg/poll"
	"github.com/st3v3nmw/bootfuzz/pkg/threadsafe"
)

// ErrEpochRegression is returned when a node reports a committed epoch that
// is not above one already resolved before the handle was armed.
var ErrEpochRegression = errors.New("epoch did not advance")

// EpochHandle resolves once, with the epoch of the first matching commit
// after it was created.
type EpochHandle struct {
	node   int
	ch     <-chan Epoch
	waiter *EpochWaiter

	// floor is the highest epoch resolved on node when the handle was armed.
	floor    Epoch
	hasFloor bool

	once  sync.Once
	epoch Epoch
	err   error
}

// Await blocks until the matching commit happens. Later calls return the
// first result.
func (h *EpochHandle) Await(ctx context.Context) (Epoch, error) {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, h.waiter.timeouts.Commit)
		defer cancel()

		select {
		case epoch := <-h.ch:
			h.epoch = epoch
			h.err = h.waiter.observe(h, epoch)
		case <-ctx.Done():
			h.err = errors.Mark(
				errors.Wrapf(ctx.Err(), "awaiting commit on node %d after %s", h.node, h.waiter.timeouts.Commit),
				ErrTimeout)
		}
	})

	return h.epoch, h.err
}

// EpochWaiter observes commits without pausing anything, and waits for the
// cluster to catch up with an epoch.
type EpochWaiter struct {
	icpt     Interceptor
	timeouts Timeouts
	last     *threadsafe.Map[int, Epoch]
}

// NewEpochWaiter creates a waiter.
func NewEpochWaiter(icpt Interceptor, timeouts Timeouts) *EpochWaiter {
	return &EpochWaiter{
		icpt:     icpt,
		timeouts: timeouts,
		last:     threadsafe.NewMap[int, Epoch](),
	}
}

// AwaitCommit arms a handle for the first commit on node matching pred.
func (w *EpochWaiter) AwaitCommit(node int, pred CommitPredicate) (*EpochHandle, error) {
	ch, err := w.icpt.SequenceAfterCommit(node, pred)
	if err != nil {
		return nil, errors.Wrapf(err, "observing commits on node %d", node)
	}

	floor, hasFloor := w.last.Get(node)
	return &EpochHandle{node: node, ch: ch, waiter: w, floor: floor, hasFloor: hasFloor}, nil
}

// observe compares epoch against what was resolved before h was armed, so
// handles armed together may be awaited in any order.
func (w *EpochWaiter) observe(h *EpochHandle, epoch Epoch) error {
	w.last.Update(h.node, func(prev Epoch, ok bool) Epoch {
		if ok && prev > epoch {
			return prev
		}
		return epoch
	})

	if h.hasFloor && epoch <= h.floor {
		return errors.Wrapf(ErrEpochRegression, "node %d committed epoch %d after %d", h.node, epoch, h.floor)
	}

	return nil
}

// AwaitQuiescence blocks until every live node has applied at least epoch.
func (w *EpochWaiter) AwaitQuiescence(ctx context.Context, epoch Epoch) error {
	var lagging []int
	var lastErr error

	caughtUp := poll.Eventually(ctx, func() bool {
		lagging, lastErr = lagging[:0], nil
		for _, node := range w.icpt.LiveNodes() {
			applied, err := w.icpt.AppliedEpoch(node)
			if err != nil {
				lastErr = err
				lagging = append(lagging, node)
				continue
			}

			if applied < epoch {
				lagging = append(lagging, node)
			}
		}

		return len(lagging) == 0
	}, w.timeouts.Quiescence, w.timeouts.Poll)

	if caughtUp {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "awaiting quiescence at epoch %d", epoch)
	}

	slices.Sort(lagging)
	err := errors.Newf("nodes %v did not apply epoch %d within %s", lagging, epoch, w.timeouts.Quiescence)
	if lastErr != nil {
		err = errors.WithSecondaryError(err, lastErr)
	}

	return errors.Mark(err, ErrTimeout)
}

// AwaitQuiescenceOf waits for every live node to catch up with the epoch
// node has applied.
func (w *EpochWaiter) AwaitQuiescenceOf(ctx context.Context, node int) (Epoch, error) {
	epoch, err := w.icpt.AppliedEpoch(node)
	if err != nil {
		return 0, errors.Wrapf(err, "reading applied epoch of node %d", node)
	}

	return epoch, w.AwaitQuiescence(ctx, epoch)
}
