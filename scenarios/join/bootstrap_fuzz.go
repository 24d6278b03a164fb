package join

// Notes:
//
// The joining node takes the last free token slot. With replication factor
// 3 on 3 nodes every node replicates everything until the join starts; once
// it finishes, every partition has exactly one node that stopped owning it.
//
// Freezing FinishJoin holds the cluster in its widest state: writes go to
// the old and new owners, reads already go to the new ones. Writes issued
// while it is held must be readable from every new owner, and must stay
// readable once FinishJoin narrows the write placements.

import (
	"fmt"
	"path/filepath"

	. "github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/config"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
)

const orchestratorKey = "orchestrator"

// start brings up the cluster and the schema, and tracks the orchestrator
// for the rest of the suite.
func start(do *Do, cfg *config.Config, name string, phase pipeline.Kind) *Orchestrator {
	e, err := newEnv(cfg, filepath.Join(do.WorkingDir(), name))
	do.Must(err, "The simulated cluster could not start.\n"+
		"Check the cluster and workload sections of bootfuzz.yaml.")

	o := newOrchestrator(e, phase)
	do.Track(orchestratorKey, o)

	must(do, e.setupSchema(do.Context()),
		"Schema changes should reach every node.\n"+
			"Check harness.log and the node logs in the working directory.")

	do.Progressf("Logs: %s", filepath.Join(do.WorkingDir(), name))
	return o
}

func BootstrapFuzz(cfg *config.Config) *Suite {
	return New().WithConfig(attestConfig(cfg)).
		// 0
		Setup(func(do *Do) {
			start(do, cfg, "bootstrap-fuzz", pipeline.FinishJoin)
		}).

		// 1
		Test("Baseline Writes Are Consistent", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			do.Progressf("Issuing %d writes...", cfg.Workload.Writes)
			must(do, o.WarmUp(do.Context()),
				"Every partition should match the model before any topology change.\n"+
					"A mismatch here means the write or read path loses data on its own.")
		}).

		// 2
		Test("Join Parks Before FinishJoin", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			barrierCL, err := cfg.ProgressBarrierConsistency()
			do.Must(err, "")

			inst, err := o.env.bootstrap(barrierCL)
			do.Must(err, "The cluster should have a free token slot for the new node.")

			must(do, o.Freeze(do.Context(), inst),
				"The join should reach FinishJoin and stop right before committing it.\n"+
					"Check the joining node's log for the phase it stopped at.")

			Check(o.Barrier().State(), "The FinishJoin commit should be held.",
				Is(pipeline.Triggered))
			Check(o.env.cluster.Metadata().Phase[inst.ID()],
				"The joining node should still be in MidJoin while FinishJoin is held.",
				Is(pipeline.MidJoin))
		}).

		// 3
		Test("Writes During Frozen Join Are Consistent", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			do.Progressf("Issuing %d writes while FinishJoin is held...", cfg.Workload.Writes)
			must(do, o.Concurrent(do.Context(), o.WriteAndValidate),
				"Writes issued during the join should reach every replica reads are served from.\n"+
					"Write placements must include both the old and the new owners until FinishJoin.")
		}).

		// 4
		Test("Join Becomes Visible Cluster-Wide", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			must(do, o.Drain(do.Context()), "")
			must(do, o.Quiesce(do.Context()),
				"Every live node should apply FinishJoin once it is released.\n"+
					"Check which nodes lag in the error above and their logs.")

			live := o.env.cluster.LiveNodes()
			Check(len(live), "The new node should be live.", Is(cfg.Cluster.Nodes+1))

			var views []func()
			for _, node := range live {
				views = append(views, func() {
					applied, err := o.env.cluster.AppliedEpoch(node)
					do.Must(err, "")
					Check(int64(applied), fmt.Sprintf("Node %d should have applied FinishJoin.", node),
						AtLeast(int64(o.Epoch())))
				})
			}
			do.Concurrently(views...)
		}).

		// 5
		Test("Writes After Join Are Consistent", func(do *Do) {
			o := Resource[*Orchestrator](do, orchestratorKey)

			do.Progressf("Issuing %d writes after the join...", cfg.Workload.Writes)
			must(do, o.FinalCheck(do.Context()),
				"No write issued before, during or after the join may be lost.\n"+
					"Streaming must copy every partition the new node takes over.")

			joined := o.env.cluster.Metadata().Joined[cfg.Cluster.Nodes+1]
			Check(joined, "The new node should own its token after the join.", Is(true))
		})
}
