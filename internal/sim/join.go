package sim

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/pkg/poll"
	"go.uber.org/zap"
)

// Startup starts the node, catches up with the metadata log and, with auto
// bootstrap, joins the ring.
func (n *node) Startup(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.Newf("node %d is already running", n.id)
	}

	n.log.Info("Starting", zap.Stringer("host", n.host))
	if err := n.catchUp(); err != nil {
		return errors.Wrapf(err, "node %d startup", n.id)
	}

	if n.Metadata().Joined[n.id] || !n.cfg.AutoBootstrap {
		return nil
	}

	return n.join(ctx)
}

func (n *node) join(ctx context.Context) error {
	token := evenToken(n.id-1, n.c.cfg.Tokens)

	if _, err := n.commit(ctx, event{kind: pipeline.Register, node: n.id, host: n.host}); err != nil {
		return err
	}
	if _, err := n.commit(ctx, event{kind: pipeline.PrepareJoin, node: n.id, token: token}); err != nil {
		return err
	}

	if err := n.commitAndWait(ctx, pipeline.StartJoin); err != nil {
		return err
	}
	if err := n.stream(); err != nil {
		return err
	}

	if err := n.commitAndWait(ctx, pipeline.MidJoin); err != nil {
		return err
	}
	if err := n.commitAndWait(ctx, pipeline.FinishJoin); err != nil {
		return err
	}

	n.log.Info("Bootstrap complete", zap.Uint64("epoch", uint64(n.Metadata().Epoch)))
	return nil
}

func (n *node) commit(ctx context.Context, e event) (pipeline.Epoch, error) {
	epoch, err := n.c.cms.commit(ctx, e)
	if err != nil {
		return 0, errors.Wrapf(err, "node %d join", n.id)
	}

	n.log.Info("Join step committed", zap.Stringer("event", e), zap.Uint64("epoch", uint64(epoch)))
	return epoch, nil
}

// commitAndWait commits a placement change and waits at the progress
// barrier for it.
func (n *node) commitAndWait(ctx context.Context, kind pipeline.Kind) error {
	epoch, err := n.commit(ctx, event{kind: kind, node: n.id})
	if err != nil {
		return err
	}

	return n.progressBarrier(ctx, epoch)
}

// progressBarrier waits until enough live nodes, per the configured
// consistency level, have applied epoch. NODE_LOCAL only waits for this
// node.
func (n *node) progressBarrier(ctx context.Context, epoch pipeline.Epoch) error {
	cl := n.cfg.ProgressBarrierCL
	net := n.c.net

	var acks, required int
	passed := poll.Eventually(ctx, func() bool {
		if cl == sut.NodeLocal {
			if n.Metadata().Epoch < epoch {
				_ = n.catchUp()
			}
			acks, required = 0, 1
			if n.Metadata().Epoch >= epoch {
				acks = 1
			}
			return acks == required
		}

		live := n.c.started()
		acks, required = 0, cl.BlockFor(len(live))
		for _, peer := range live {
			if !net.delivered(cluster.TCMCurrentEpochReq, n.id, peer.id) ||
				!net.delivered(cluster.TCMCurrentEpochRsp, peer.id, n.id) {
				continue
			}

			if peer.Metadata().Epoch < epoch {
				_ = peer.catchUp()
			}
			if peer.Metadata().Epoch >= epoch {
				acks++
			}
		}

		return acks >= required
	}, n.c.cfg.ProgressBarrierTimeout, n.c.cfg.PollInterval)

	if !passed {
		return errors.Newf("progress barrier at epoch %d (%s): %d of %d nodes caught up within %s",
			epoch, cl, acks, required, n.c.cfg.ProgressBarrierTimeout)
	}

	n.log.Debug("Progress barrier passed", zap.Uint64("epoch", uint64(epoch)), zap.Stringer("cl", cl))
	return nil
}

// stream copies from the current owners every partition this node is
// about to replicate.
func (n *node) stream() error {
	meta := n.Metadata()
	streamed := 0

	for table := range meta.Tables {
		for _, src := range n.c.started() {
			if src.id == n.id || !meta.Joined[src.id] {
				continue
			}
			if !n.c.net.delivered(cluster.StreamReq, n.id, src.id) {
				return errors.Newf("node %d: stream request to node %d timed out", n.id, src.id)
			}

			for _, pd := range src.store.partitions(table) {
				replicas, err := meta.WriteReplicas(table, pd)
				if err != nil {
					return err
				}
				if !slices.Contains(replicas, n.id) {
					continue
				}

				n.store.merge(table, pd, src.store.read(table, pd))
				streamed++
			}
		}
	}

	n.log.Info("Streaming complete", zap.Int("partitions", streamed))
	return nil
}
