package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event pipeline.Kind

func (e event) Kind() pipeline.Kind { return pipeline.Kind(e) }

type hook struct {
	pred      pipeline.Predicate
	triggered chan struct{}
	release   chan struct{}
	held      bool
}

// fakeLog is a single-writer commit log with the same pause and observe
// semantics as a cluster node's pipeline.
type fakeLog struct {
	mu        sync.Mutex
	epoch     map[int]pipeline.Epoch
	live      []int
	hooks     map[int]*hook
	observers map[int][]observer
}

type observer struct {
	pred pipeline.CommitPredicate
	ch   chan pipeline.Epoch
}

func newFakeLog(nodes ...int) *fakeLog {
	f := &fakeLog{
		epoch:     map[int]pipeline.Epoch{},
		live:      nodes,
		hooks:     map[int]*hook{},
		observers: map[int][]observer{},
	}
	for _, n := range nodes {
		f.epoch[n] = 1
	}

	return f
}

func (f *fakeLog) PauseBeforeCommit(node int, pred pipeline.Predicate) (<-chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := &hook{pred: pred, triggered: make(chan struct{}), release: make(chan struct{})}
	f.hooks[node] = h
	return h.triggered, nil
}

func (f *fakeLog) UnpauseCommits(node int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.hooks[node]; ok {
		delete(f.hooks, node)
		if h.held {
			close(h.release)
		}
	}
}

func (f *fakeLog) SequenceAfterCommit(node int, pred pipeline.CommitPredicate) (<-chan pipeline.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan pipeline.Epoch, 1)
	f.observers[node] = append(f.observers[node], observer{pred: pred, ch: ch})
	return ch, nil
}

func (f *fakeLog) AppliedEpoch(node int) (pipeline.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.epoch[node], nil
}

func (f *fakeLog) LiveNodes() []int {
	return f.live
}

// commit runs e through node's pipeline, blocking at an installed hook.
func (f *fakeLog) commit(node int, e pipeline.Event) pipeline.Epoch {
	f.mu.Lock()
	if h, ok := f.hooks[node]; ok && !h.held && h.pred(e) {
		h.held = true
		close(h.triggered)
		f.mu.Unlock()
		<-h.release
		f.mu.Lock()
	}

	f.epoch[node]++
	epoch := f.epoch[node]
	result := pipeline.Result{Epoch: epoch}

	var keep []observer
	for _, o := range f.observers[node] {
		if o.pred(e, result) {
			o.ch <- epoch
			continue
		}
		keep = append(keep, o)
	}
	f.observers[node] = keep
	f.mu.Unlock()

	return epoch
}

func (f *fakeLog) setEpoch(node int, epoch pipeline.Epoch) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.epoch[node] = epoch
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name   string
		pred   pipeline.Predicate
		event  pipeline.Kind
		expect bool
	}{
		{"Same Kind", pipeline.IsKind(pipeline.MidJoin), pipeline.MidJoin, true},
		{"Different Kind", pipeline.IsKind(pipeline.MidJoin), pipeline.StartJoin, false},
		{"Any Of", pipeline.IsKind(pipeline.StartJoin, pipeline.FinishJoin), pipeline.FinishJoin, true},
		{"None", pipeline.IsKind(), pipeline.Register, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.pred(event(tt.event)))
		})
	}

	committed := pipeline.Committed(pipeline.FinishJoin)
	assert.True(t, committed(event(pipeline.FinishJoin), pipeline.Result{Epoch: 3}))
	assert.False(t, committed(event(pipeline.FinishJoin), pipeline.Result{Err: errors.New("rejected")}))
	assert.False(t, committed(event(pipeline.MidJoin), pipeline.Result{Epoch: 3}))
}

func TestBarrierFreezesCommit(t *testing.T) {
	log := newFakeLog(1, 2)
	barriers := pipeline.NewBarriers(log, time.Second)

	barrier, err := barriers.Arm(1, pipeline.IsKind(pipeline.FinishJoin))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Armed, barrier.State())

	// Non-matching commits pass through.
	assert.Equal(t, pipeline.Epoch(2), log.commit(1, event(pipeline.MidJoin)))

	done := make(chan pipeline.Epoch)
	go func() { done <- log.commit(1, event(pipeline.FinishJoin)) }()

	require.NoError(t, barrier.AwaitTrigger(context.Background()))
	assert.Equal(t, pipeline.Triggered, barrier.State())

	epoch, _ := log.AppliedEpoch(1)
	assert.Equal(t, pipeline.Epoch(2), epoch, "held commit must not be applied")

	barrier.Release()
	barrier.Release()
	assert.Equal(t, pipeline.Released, barrier.State())

	select {
	case epoch := <-done:
		assert.Equal(t, pipeline.Epoch(3), epoch)
	case <-time.After(time.Second):
		t.Fatal("commit still held after release")
	}
}

func TestBarrierOnePerNode(t *testing.T) {
	log := newFakeLog(1, 2)
	barriers := pipeline.NewBarriers(log, time.Second)

	first, err := barriers.Arm(1, pipeline.IsKind(pipeline.MidJoin))
	require.NoError(t, err)

	_, err = barriers.Arm(1, pipeline.IsKind(pipeline.FinishJoin))
	assert.True(t, errors.Is(err, pipeline.ErrBarrierActive))

	_, err = barriers.Arm(2, pipeline.IsKind(pipeline.FinishJoin))
	assert.NoError(t, err)

	first.Release()
	_, err = barriers.Arm(1, pipeline.IsKind(pipeline.FinishJoin))
	assert.NoError(t, err)

	barriers.ReleaseAll()
	barriers.Release(1)
}

func TestBarrierTimeouts(t *testing.T) {
	log := newFakeLog(1)
	barriers := pipeline.NewBarriers(log, 20*time.Millisecond)

	barrier, err := barriers.Arm(1, pipeline.IsKind(pipeline.FinishJoin))
	require.NoError(t, err)

	err = barrier.AwaitTrigger(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrTimeout))

	barrier.Release()
	err = barrier.AwaitTrigger(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrReleased))
}

func TestEpochHandle(t *testing.T) {
	log := newFakeLog(1)
	timeouts := pipeline.DefaultTimeouts()
	timeouts.Commit = time.Second
	waiter := pipeline.NewEpochWaiter(log, timeouts)

	handle, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.StartJoin))
	require.NoError(t, err)

	log.commit(1, event(pipeline.Register))
	log.commit(1, event(pipeline.StartJoin))
	log.commit(1, event(pipeline.StartJoin))

	epoch, err := handle.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.Epoch(3), epoch)

	again, err := handle.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, epoch, again)

	// A node reporting an older epoch later is a regression.
	stale, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.MidJoin))
	require.NoError(t, err)
	log.setEpoch(1, 1)
	log.commit(1, event(pipeline.MidJoin))

	_, err = stale.Await(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrEpochRegression))
}

func TestEpochHandlesAwaitedOutOfOrder(t *testing.T) {
	log := newFakeLog(1)
	timeouts := pipeline.DefaultTimeouts()
	timeouts.Commit = time.Second
	waiter := pipeline.NewEpochWaiter(log, timeouts)

	mid, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.MidJoin))
	require.NoError(t, err)
	finish, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.FinishJoin))
	require.NoError(t, err)

	log.commit(1, event(pipeline.MidJoin))
	log.commit(1, event(pipeline.FinishJoin))

	finishEpoch, err := finish.Await(context.Background())
	require.NoError(t, err)
	midEpoch, err := mid.Await(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pipeline.Epoch(2), midEpoch)
	assert.Equal(t, pipeline.Epoch(3), finishEpoch)

	// Handles armed after both resolved still see the highest epoch as floor.
	next, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.StartJoin))
	require.NoError(t, err)
	log.setEpoch(1, 2)
	log.commit(1, event(pipeline.StartJoin))

	_, err = next.Await(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrEpochRegression))
}

func TestEpochHandleTimeout(t *testing.T) {
	log := newFakeLog(1)
	timeouts := pipeline.DefaultTimeouts()
	timeouts.Commit = 20 * time.Millisecond
	waiter := pipeline.NewEpochWaiter(log, timeouts)

	handle, err := waiter.AwaitCommit(1, pipeline.Committed(pipeline.FinishJoin))
	require.NoError(t, err)

	_, err = handle.Await(context.Background())
	assert.True(t, errors.Is(err, pipeline.ErrTimeout))
}

func TestAwaitQuiescence(t *testing.T) {
	tests := []struct {
		name    string
		epochs  map[int]pipeline.Epoch
		target  pipeline.Epoch
		timeout bool
	}{
		{"All Caught Up", map[int]pipeline.Epoch{1: 5, 2: 5, 3: 6}, 5, false},
		{"One Behind", map[int]pipeline.Epoch{1: 5, 2: 4, 3: 5}, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := newFakeLog(1, 2, 3)
			for n, e := range tt.epochs {
				log.setEpoch(n, e)
			}

			waiter := pipeline.NewEpochWaiter(log, pipeline.Timeouts{
				Commit:     time.Second,
				Quiescence: 50 * time.Millisecond,
				Poll:       5 * time.Millisecond,
			})

			err := waiter.AwaitQuiescence(context.Background(), tt.target)
			if tt.timeout {
				require.Error(t, err)
				assert.True(t, errors.Is(err, pipeline.ErrTimeout))
				assert.Contains(t, err.Error(), "[2]")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAwaitQuiescenceCatchesUp(t *testing.T) {
	log := newFakeLog(1, 2)
	log.setEpoch(1, 4)

	waiter := pipeline.NewEpochWaiter(log, pipeline.Timeouts{
		Quiescence: time.Second,
		Poll:       5 * time.Millisecond,
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.setEpoch(2, 4)
	}()

	epoch, err := waiter.AwaitQuiescenceOf(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Epoch(4), epoch)
}
