package sim

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"go.uber.org/zap"
)

// entry is one committed transformation with the metadata it produced.
type entry struct {
	event event
	meta  *Metadata
}

type hook struct {
	pred      pipeline.Predicate
	triggered chan struct{}
	release   chan struct{}
	held      bool
}

// cms is the metadata service. It runs on a single node, serializes every
// commit and pushes committed entries to the other nodes.
type cms struct {
	c    *Cluster
	node *node

	commitMu sync.Mutex

	mu   sync.Mutex
	log  []entry
	hook *hook
}

func newCMS(c *Cluster, n *node, founding *Metadata) *cms {
	return &cms{
		c:    c,
		node: n,
		log:  []entry{{event: event{kind: initialize}, meta: founding}},
	}
}

func (m *cms) current() *Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.log[len(m.log)-1].meta
}

// since returns the entries after epoch, in order.
func (m *cms) since(epoch pipeline.Epoch) []entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []entry
	for _, e := range m.log {
		if e.meta.Epoch > epoch {
			entries = append(entries, e)
		}
	}

	return entries
}

// commit appends e to the log and replicates it. It first waits at the
// pause hook if e matches it.
func (m *cms) commit(ctx context.Context, e event) (pipeline.Epoch, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := m.pause(ctx, e); err != nil {
		return 0, errors.Wrapf(err, "committing %s", e)
	}

	// No request may be in flight on the previous placements while the new
	// ones are published.
	m.c.placementMu.Lock()
	defer m.c.placementMu.Unlock()

	next, err := m.current().apply(e)
	if err != nil {
		m.node.log.Warn("Rejected transformation", zap.Stringer("event", e), zap.Error(err))
		m.node.notify(e, pipeline.Result{Err: err})
		return 0, errors.Wrapf(err, "committing %s", e)
	}

	ent := entry{event: e, meta: next}
	m.mu.Lock()
	m.log = append(m.log, ent)
	m.mu.Unlock()

	m.node.log.Info("Committed transformation",
		zap.Stringer("event", e), zap.Uint64("epoch", uint64(next.Epoch)))

	if f := m.c.cfg.SnapshotFrequency; f > 0 && next.Epoch%pipeline.Epoch(f) == 0 {
		m.node.metrics.snapshots.Inc()
		m.node.log.Info("Sealed period, snapshot taken", zap.Uint64("epoch", uint64(next.Epoch)))
	}

	m.c.replicate(ent)
	return next.Epoch, nil
}

func (m *cms) pause(ctx context.Context, e event) error {
	m.mu.Lock()
	h := m.hook
	if h == nil || h.held || !h.pred(e) {
		m.mu.Unlock()
		return nil
	}

	h.held = true
	close(h.triggered)
	m.mu.Unlock()

	m.node.log.Info("Paused before commit", zap.Stringer("event", e))
	select {
	case <-h.release:
		m.node.log.Info("Resumed commit", zap.Stringer("event", e))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *cms) pauseBefore(pred pipeline.Predicate) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hook != nil && m.hook.held {
		return nil, errors.New("a commit is already held before commit")
	}

	m.hook = &hook{pred: pred, triggered: make(chan struct{}), release: make(chan struct{})}
	return m.hook.triggered, nil
}

func (m *cms) unpause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hook != nil && m.hook.held {
		close(m.hook.release)
	}
	m.hook = nil
}
