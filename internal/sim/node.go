package sim

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"go.uber.org/zap"
)

var errInvalidRouting = errors.New("invalid routing")

type observer struct {
	pred pipeline.CommitPredicate
	ch   chan pipeline.Epoch
}

type node struct {
	id   int
	host uuid.UUID
	c    *Cluster
	cfg  cluster.InstanceConfig

	log     *zap.Logger
	logs    *logBuffer
	metrics *metrics
	store   *store
	started atomic.Bool

	mu        sync.RWMutex
	applied   entry
	observers []observer
}

func (n *node) ID() int {
	return n.id
}

func (n *node) Live() bool {
	return n.started.Load()
}

func (n *node) Logs() cluster.LogReader {
	return n.logs
}

func (n *node) Counter(name string) (float64, error) {
	return n.metrics.value(name)
}

// Metadata returns the metadata this node has applied.
func (n *node) Metadata() *Metadata {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.applied.meta
}

func (n *node) latest() entry {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.applied
}

// receive handles a pushed log entry.
func (n *node) receive(ent entry) {
	have := n.Metadata().Epoch
	switch {
	case ent.meta.Epoch <= have:
	case ent.meta.Epoch == have+1:
		n.enact(ent, false)
	default:
		n.log.Info("Detected gap in metadata log, catching up",
			zap.Uint64("epoch", uint64(have)), zap.Uint64("received", uint64(ent.meta.Epoch)))
		if err := n.catchUp(); err != nil {
			n.log.Warn("Unable to catch up", zap.Error(err))
		}
	}
}

// enact applies ent if it directly follows the applied epoch, or, with
// jump, if it is any later epoch.
func (n *node) enact(ent entry, jump bool) {
	n.mu.Lock()
	have := n.applied.meta.Epoch
	if ent.meta.Epoch <= have || (!jump && ent.meta.Epoch != have+1) {
		n.mu.Unlock()
		return
	}
	n.applied = ent
	n.mu.Unlock()

	n.log.Debug("Enacted", zap.Stringer("event", ent.event), zap.Uint64("epoch", uint64(ent.meta.Epoch)))
	n.notify(ent.event, pipeline.Result{Epoch: ent.meta.Epoch})
}

func (n *node) observe(pred pipeline.CommitPredicate) <-chan pipeline.Epoch {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan pipeline.Epoch, 1)
	n.observers = append(n.observers, observer{pred: pred, ch: ch})
	return ch
}

// notify fires, once each, the observers matching e.
func (n *node) notify(e event, r pipeline.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.observers = slices.DeleteFunc(n.observers, func(o observer) bool {
		if !o.pred(e, r) {
			return false
		}
		o.ch <- r.Epoch
		return true
	})
}

// catchUp fetches the entries this node is missing from the metadata
// service, or failing that the latest metadata of any peer.
func (n *node) catchUp() error {
	n.metrics.catchUps.Inc()

	net := n.c.net
	cms := n.c.cms
	have := n.Metadata().Epoch

	if net.delivered(cluster.TCMFetchCMSLogReq, n.id, cms.node.id) &&
		net.delivered(cluster.TCMFetchCMSLogRsp, cms.node.id, n.id) {
		for _, ent := range cms.since(have) {
			n.enact(ent, false)
		}

		n.log.Info("Caught up with the metadata service",
			zap.Uint64("from", uint64(have)), zap.Uint64("to", uint64(n.Metadata().Epoch)))
		return nil
	}

	for _, peer := range n.c.started() {
		if peer.id == n.id || peer.id == cms.node.id {
			continue
		}
		if !net.delivered(cluster.TCMFetchPeerLogReq, n.id, peer.id) ||
			!net.delivered(cluster.TCMFetchPeerLogRsp, peer.id, n.id) {
			continue
		}

		if ent := peer.latest(); ent.meta.Epoch > have {
			n.enact(ent, true)
			n.log.Info("Caught up from peer", zap.Int("peer", peer.id),
				zap.Uint64("from", uint64(have)), zap.Uint64("to", uint64(ent.meta.Epoch)))
			return nil
		}
	}

	return errors.Newf("node %d could not fetch the metadata log past epoch %d", n.id, have)
}

// checkRouting validates a request from a coordinator at epoch. It reports
// whether the coordinator is behind.
func (n *node) checkRouting(coordinator int, epoch pipeline.Epoch, replicasOf func(*Metadata) ([]int, error)) (bool, error) {
	meta := n.Metadata()
	if epoch > meta.Epoch {
		if err := n.catchUp(); err != nil {
			n.log.Warn("Unable to catch up with coordinator", zap.Int("coordinator", coordinator), zap.Error(err))
		}
		meta = n.Metadata()
	}

	if epoch >= meta.Epoch {
		return false, nil
	}

	replicas, err := replicasOf(meta)
	if err != nil {
		return false, err
	}

	if !slices.Contains(replicas, n.id) {
		n.metrics.invalidRouting.Inc()
		n.log.Warn("Rejected request routed with stale placements",
			zap.Int("coordinator", coordinator),
			zap.Uint64("coordinator_epoch", uint64(epoch)),
			zap.Uint64("epoch", uint64(meta.Epoch)))
		return false, errors.Mark(
			errors.Newf("node %d does not replicate the partition at epoch %d (coordinator %d is at epoch %d)",
				n.id, meta.Epoch, coordinator, epoch),
			errInvalidRouting)
	}

	n.metrics.coordinatorBehind.Inc()
	n.log.Info("Routing is correct, but coordinator needs to catch-up",
		zap.Int("coordinator", coordinator),
		zap.Uint64("coordinator_epoch", uint64(epoch)),
		zap.Uint64("epoch", uint64(meta.Epoch)))
	return true, nil
}

// write coordinates stmt.
func (n *node) write(ctx context.Context, stmt sut.Statement, cl sut.ConsistencyLevel) error {
	n.c.placementMu.RLock()
	defer n.c.placementMu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	meta := n.Metadata()
	replicas, err := meta.WriteReplicas(stmt.Table, stmt.PD)
	if err != nil {
		return err
	}

	required := cl.BlockFor(len(replicas))
	acks, behind := 0, false
	var failures error
	for _, r := range replicas {
		b, err := n.c.mutate(n.id, r, meta.Epoch, stmt)
		if err != nil {
			failures = errors.CombineErrors(failures, err)
			continue
		}

		acks++
		behind = behind || b
	}

	if behind {
		n.catchUpQuietly()
	}

	if acks < required {
		err := errors.Newf("write timeout on partition %d at %s: %d of %d required replicas acknowledged",
			stmt.PD, cl, acks, required)
		if failures != nil {
			err = errors.WithSecondaryError(err, failures)
		}
		return err
	}

	return nil
}

// read coordinates stmt, merging the responses of as many replicas as cl
// requires.
func (n *node) read(ctx context.Context, stmt sut.Statement, cl sut.ConsistencyLevel) ([]sut.Row, error) {
	n.c.placementMu.RLock()
	defer n.c.placementMu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := n.Metadata()
	replicas, err := meta.ReadReplicas(stmt.Table, stmt.PD)
	if err != nil {
		return nil, err
	}

	required := cl.BlockFor(len(replicas))
	merged := make(partition)
	responses, behind := 0, false
	var failures error
	for _, r := range replicas {
		if responses == required {
			break
		}

		p, b, err := n.c.fetch(n.id, r, meta.Epoch, stmt)
		if err != nil {
			failures = errors.CombineErrors(failures, err)
			continue
		}

		merged.merge(p)
		responses++
		behind = behind || b
	}

	if behind {
		n.catchUpQuietly()
	}

	if responses < required {
		err := errors.Newf("read timeout on partition %d at %s: %d of %d required replicas responded",
			stmt.PD, cl, responses, required)
		if failures != nil {
			err = errors.WithSecondaryError(err, failures)
		}
		return nil, err
	}

	return merged.rows(stmt.Reverse), nil
}

func (n *node) catchUpQuietly() {
	if err := n.catchUp(); err != nil {
		n.log.Debug("Coordinator is still behind", zap.Error(err))
	}
}
