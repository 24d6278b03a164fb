package sim

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
)

// metrics are one node's counters, in a registry of its own.
type metrics struct {
	registry          *prometheus.Registry
	coordinatorBehind prometheus.Counter
	invalidRouting    prometheus.Counter
	catchUps          prometheus.Counter
	snapshots         prometheus.Counter
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	m := &metrics{
		registry: prometheus.NewRegistry(),
		coordinatorBehind: counter(cluster.CoordinatorBehindPlacements,
			"Writes and reads accepted from a coordinator with stale placements."),
		invalidRouting: counter(cluster.InvalidRoutingRejections,
			"Requests rejected because this node does not replicate the partition."),
		catchUps: counter(cluster.LogCatchUps,
			"Times this node fetched missing metadata log entries."),
		snapshots: counter(cluster.MetadataSnapshots,
			"Metadata snapshots taken by the metadata service."),
	}
	m.registry.MustRegister(m.coordinatorBehind, m.invalidRouting, m.catchUps, m.snapshots)

	return m
}

// value reads a counter by name.
func (m *metrics) value(name string) (float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, errors.Wrap(err, "gathering metrics")
	}

	for _, family := range families {
		if family.GetName() == name {
			return counterSum(family), nil
		}
	}

	return 0, errors.Newf("unknown counter %q", name)
}

func counterSum(family *dto.MetricFamily) float64 {
	var sum float64
	for _, m := range family.GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}
