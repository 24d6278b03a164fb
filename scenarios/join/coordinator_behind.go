package join

// Notes:
//
// Node 2 stops receiving metadata: pushes from the metadata service, log
// fetch responses and epoch queries are all dropped, so it keeps routing
// with the placements it had before the join started. The joining node
// uses a NODE_LOCAL progress barrier so the join does not wait for node 2.
//
// With the join held at MidJoin, writes coordinated by node 2 reach replicas
// that are ahead of it. They are still valid write replicas, so they accept
// the write, log that the coordinator needs to catch up and bump
// coordinator_behind_placements.

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	. "github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
)

const (
	staleNode       = 2
	routingAttempts = 20
	catchUpSignal   = "Routing is correct, but coordinator needs to catch-up"
)

// staleRouting is what the replicas reported about a stale coordinator.
type staleRouting struct {
	Node     int
	Line     string
	Attempts int
	Grown    map[int]float64
}

// awaitStaleRouting writes through the stale node, without retries, until a
// replica logs the catch-up signal or attempts run out. Write failures are
// expected and ignored.
func awaitStaleRouting(ctx context.Context, e *env, stale, attempts int, before *cluster.CounterSnapshot) (*staleRouting, error) {
	exec := sut.NewAdapter(e.cluster, sut.FixedCoordinator(stale), sut.NoRetry())
	visitor := workload.NewMutatingVisitor(e.run, exec, workload.WithLogger(e.log))

	for attempt := 1; attempt <= attempts; attempt++ {
		markers, err := e.ctrl.MarkAll()
		if err != nil {
			return nil, err
		}

		if err := visitor.Visit(ctx); err != nil {
			return nil, err
		}

		matches, err := e.ctrl.GrepSince(markers, catchUpSignal, stale)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}

		found := &staleRouting{Attempts: attempt}
		for n := 1; n <= e.cluster.Size(); n++ {
			if lines, ok := matches[n]; ok {
				found.Node, found.Line = n, lines[0]
				break
			}
		}

		found.Grown, err = before.Increased()
		if err != nil {
			return nil, err
		}
		if len(found.Grown) == 0 {
			return found, errors.Mark(
				errors.Newf("node %d logged %q but no node's %s counter grew", found.Node, catchUpSignal, before.Name),
				ErrMissingSignal)
		}

		return found, nil
	}

	return nil, errors.Mark(
		errors.Newf("no replica logged %q after %d writes through node %d", catchUpSignal, attempts, stale),
		ErrMissingSignal)
}

func CoordinatorBehind(cfg *config.Config) *Suite {
	var before *cluster.CounterSnapshot

	return New().WithConfig(attestConfig(cfg)).
		// 0
		Setup(func(do *Do) {
			// Node 2 only catches up once the held phase commits.
			o := start(do, cfg, "coordinator-behind", pipeline.MidJoin).skipSettle()

			// Leave every link up for teardown.
			do.Defer(func(context.Context) { o.env.ctrl.ResetFilters() })
		}).

		// 1
		Test("Stale Node Misses The Join", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)
			ctrl := o.env.ctrl

			do.Must(o.SkipWarmUp(), "")

			ctrl.DropMessages(staleNode, cluster.MetadataVerbs...)

			var err error
			before, err = ctrl.SnapshotCounter(cluster.CoordinatorBehindPlacements)
			do.Must(err, "Every node should expose the coordinator_behind_placements counter.")

			inst, err := o.env.bootstrap(sut.NodeLocal)
			do.Must(err, "The cluster should have a free token slot for the new node.")

			must(do, o.Freeze(do.Context(), inst),
				"The join should reach MidJoin even though node 2 is cut off.\n"+
					"The NODE_LOCAL progress barrier only waits for the joining node.")

			stale, err := o.env.cluster.AppliedEpoch(staleNode)
			do.Must(err, "")
			latest, err := o.env.cluster.AppliedEpoch(authority)
			do.Must(err, "")

			Check(int64(stale), "Node 2 should not have seen the join.",
				Not[int64](Is(int64(latest))))

			do.Consistently(func() bool {
				applied, err := o.env.cluster.AppliedEpoch(staleNode)
				return err == nil && applied < latest
			}, "Node 2 should stay behind while metadata messages to it are dropped.")
		}).

		// 2
		Test("Replicas Flag The Stale Coordinator", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			var found *staleRouting
			must(do, o.Concurrent(do.Context(), func(ctx context.Context) error {
				var err error
				found, err = awaitStaleRouting(ctx, o.env, staleNode, routingAttempts, before)
				return err
			}), "Replicas that are ahead of a coordinator should accept its writes while they still own the partition,\n"+
				"log that the coordinator needs to catch up and count it in coordinator_behind_placements.")

			do.Progressf("Node %d flagged node %d after %d writes (%d with unknown outcome)",
				found.Node, staleNode, found.Attempts, o.env.run.History.Unknown())

			var replicas []string
			for n := 1; n <= o.env.cluster.Size(); n++ {
				if n != staleNode {
					replicas = append(replicas, strconv.Itoa(n))
				}
			}

			CheckJSON(found.Line, "The signal should name the stale coordinator and the epochs on both sides.",
				JSONFieldChecker{Path: "msg", Checker: Contains("coordinator", "catch-up")},
				JSONFieldChecker{Path: "coordinator", Checker: Is(strconv.Itoa(staleNode))},
				JSONFieldChecker{Path: "node", Checker: OneOf(replicas...)},
				JSONFieldChecker{Path: "coordinator_epoch", Checker: Matches(`^[1-9][0-9]*$`)},
				JSONFieldChecker{Path: "epoch", Checker: Matches(`^[1-9][0-9]*$`)},
				JSONFieldChecker{Path: "error", Checker: Absent()})

			var grown float64
			for _, delta := range found.Grown {
				grown = max(grown, delta)
			}
			Check(grown, "At least one node should count the stale coordinator.", AtLeast(1.0))
		}).

		// 3
		Test("Join Completes After Healing", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			o.env.ctrl.ResetFilters()

			must(do, o.Drain(do.Context()), "")
			must(do, o.Quiesce(do.Context()),
				"Node 2 should catch up with the metadata log once messages flow again.")
			must(do, o.Finish(do.Context()),
				"The join should complete once MidJoin is released.")

			do.Eventually(func() bool {
				stale, err := o.env.cluster.AppliedEpoch(staleNode)
				return err == nil && stale >= o.Epoch()
			}, "Node 2 should catch up with the join once metadata messages reach it again.")
		})
}
