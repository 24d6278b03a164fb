package join

import "github.com/st3v3nmw/bootfuzz/internal/registry"

func init() {
	group := &registry.Group{
		Name:     "Node Join",
		Concepts: []string{"Token Ring", "Metadata Log", "Commit Barriers", "Placements", "Streaming"},
		Summary: `A fourth node joins a three node cluster while a fuzz workload keeps writing.
The join is frozen right before one of its phases commits, so the writes land
in a known intermediate topology, and every partition is checked against a
model of the history once the join is let through.`,
	}

	group.AddScenario("bootstrap-fuzz", "Writes Survive a Join Frozen Before FinishJoin", BootstrapFuzz)
	group.AddScenario("coordinator-behind", "Replicas Flag a Coordinator With Stale Placements", CoordinatorBehind)

	registry.RegisterGroup("join", group)
}
