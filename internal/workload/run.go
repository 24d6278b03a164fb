package workload

import (
	"strings"

	"github.com/google/uuid"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

// Options configures a Run.
type Options struct {
	Seed             uint64
	Keyspace         string
	Columns          int
	Window           int64
	Slide            int64
	MaxPartitionSize int
	OpsPerStep       int
}

// Run bundles everything one scenario shares: the clock, schema, selectors
// and the history of issued steps.
type Run struct {
	ID         string
	Clock      *Clock
	Schema     Schema
	PDs        PDSelector
	CDs        CDSelector
	History    *History
	OpsPerStep int

	seed uint64
}

// NewRun creates a run. An empty keyspace gets a name unique to the run.
func NewRun(opts Options) *Run {
	id := uuid.NewString()

	keyspace := opts.Keyspace
	if keyspace == "" {
		keyspace = "harness_" + strings.ReplaceAll(id, "-", "")[:12]
	}

	return &Run{
		ID:    id,
		Clock: &Clock{},
		Schema: Schema{
			Keyspace: keyspace,
			Table:    "table0",
			Columns:  max(opts.Columns, 1),
		},
		PDs:        PDSelector{Seed: opts.Seed, Window: opts.Window, Slide: opts.Slide},
		CDs:        CDSelector{Seed: opts.Seed, MaxPartitionSize: opts.MaxPartitionSize},
		History:    NewHistory(),
		OpsPerStep: max(opts.OpsPerStep, 1),
		seed:       opts.Seed,
	}
}

// PD returns the partition visited at lts.
func (r *Run) PD(lts LTS) uint64 {
	return r.PDs.PD(lts)
}

// Partitions returns every distinct partition visited by a timestamp below
// bound, in first-visit order.
func (r *Run) Partitions(bound LTS) []uint64 {
	seen := make(map[uint64]bool)
	var pds []uint64
	for lts := LTS(0); lts < bound; lts++ {
		pd := r.PD(lts)
		if !seen[pd] {
			seen[pd] = true
			pds = append(pds, pd)
		}
	}

	return pds
}

// Generate returns the operations of the step at lts on pd. The result
// depends only on (seed, lts, pd).
func (r *Run) Generate(lts LTS, pd uint64) []sut.Op {
	cds := r.CDs.CDs(lts, pd, r.OpsPerStep)
	ops := make([]sut.Op, 0, len(cds))

	for _, cd := range cds {
		op := sut.Op{CD: cd, Timestamp: int64(lts)}

		switch roll := mix(r.seed, saltKind, pd, cd, uint64(lts)) % 10; {
		case roll == 0:
			op.Kind = sut.DeleteRow
		case roll <= 3:
			op.Kind = sut.Update
			bits := mix(r.seed, saltColumns, pd, cd, uint64(lts))
			for c := range r.Schema.Columns {
				if bits&(1<<c) != 0 {
					op.Columns = append(op.Columns, c)
				}
			}
			if len(op.Columns) == 0 {
				op.Columns = []int{int(bits % uint64(r.Schema.Columns))}
			}
		default:
			op.Kind = sut.Insert
			for c := range r.Schema.Columns {
				op.Columns = append(op.Columns, c)
			}
		}

		for _, c := range op.Columns {
			op.Values = append(op.Values, int64(mix(r.seed, saltValue, pd, cd, uint64(lts), uint64(c))))
		}

		ops = append(ops, op)
	}

	return ops
}
