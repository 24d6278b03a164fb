// Package model replays the history of issued writes into the state every
// replica is expected to hold, and checks live reads against it.
package model

import (
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
)

// UnknownPolicy decides how steps with an unknown outcome are replayed.
type UnknownPolicy int

const (
	// Tolerate accepts either the last known value of a cell or any value
	// written to it later by a step with an unknown outcome.
	Tolerate UnknownPolicy = iota
	// AssumeApplied replays unknown steps as if they were acknowledged.
	AssumeApplied
	// Skip leaves unknown steps out of the replay.
	Skip
)

func (p UnknownPolicy) String() string {
	switch p {
	case AssumeApplied:
		return "applied"
	case Skip:
		return "skip"
	default:
		return "tolerate"
	}
}

// ParseUnknownPolicy parses "tolerate", "applied" or "skip".
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tolerate":
		return Tolerate, nil
	case "applied":
		return AssumeApplied, nil
	case "skip":
		return Skip, nil
	}

	return 0, errors.Newf("unknown outcome policy %q", s)
}

// Cell is the expected content of one column of one row: Value, or, when
// unknown-outcome steps touched it, any of Alternatives.
type Cell struct {
	Value        *int64
	Alternatives []*int64
}

func (c Cell) accepts(v *int64) bool {
	if equalValue(c.Value, v) {
		return true
	}

	for _, alt := range c.Alternatives {
		if equalValue(alt, v) {
			return true
		}
	}

	return false
}

func (c Cell) mayBeNull() bool {
	return c.accepts(nil)
}

func equalValue(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	return *a == *b
}

// Partition is the expected state of one partition.
type Partition struct {
	PD        uint64
	Bound     workload.LTS
	Cells     map[uint64][]Cell
	Ambiguous bool
}

// Rows returns the rows the partition holds when every unknown step is
// taken not to have landed, ordered by clustering descriptor.
func (p Partition) Rows(reverse bool) []sut.Row {
	cds := make([]uint64, 0, len(p.Cells))
	for cd := range p.Cells {
		cds = append(cds, cd)
	}
	slices.Sort(cds)
	if reverse {
		slices.Reverse(cds)
	}

	rows := []sut.Row{}
	for _, cd := range cds {
		row := sut.Row{CD: cd, Values: make([]*int64, len(p.Cells[cd]))}
		present := false
		for i, c := range p.Cells[cd] {
			row.Values[i] = c.Value
			present = present || c.Value != nil
		}

		if present {
			rows = append(rows, row)
		}
	}

	return rows
}

// Accepts reports whether actual is a state the partition may be in.
func (p Partition) Accepts(actual []sut.Row) bool {
	seen := make(map[uint64]bool, len(actual))
	for _, row := range actual {
		seen[row.CD] = true

		cells, ok := p.Cells[row.CD]
		if !ok || len(row.Values) != len(cells) {
			return false
		}

		for i, c := range cells {
			if !c.accepts(row.Values[i]) {
				return false
			}
		}
	}

	for cd, cells := range p.Cells {
		if seen[cd] {
			continue
		}

		for _, c := range cells {
			if !c.mayBeNull() {
				return false
			}
		}
	}

	return true
}

// Model is the partition model: it folds the history of a run into expected
// partition states.
type Model struct {
	run     *workload.Run
	unknown UnknownPolicy
}

// New creates a model over run.
func New(run *workload.Run, unknown UnknownPolicy) *Model {
	return &Model{run: run, unknown: unknown}
}

// Run returns the run the model replays.
func (m *Model) Run() *workload.Run {
	return m.run
}

// Expected folds every step on pd with LTS < bound, last write wins per
// cell.
func (m *Model) Expected(pd uint64, bound workload.LTS) Partition {
	columns := m.run.Schema.Columns
	p := Partition{PD: pd, Bound: bound, Cells: make(map[uint64][]Cell)}

	for _, r := range m.run.History.Partition(pd, bound) {
		certain := r.Outcome == workload.Applied || m.unknown == AssumeApplied
		if !certain && m.unknown == Skip {
			continue
		}

		for _, op := range r.Ops {
			cells, ok := p.Cells[op.CD]
			if !ok {
				cells = make([]Cell, columns)
				p.Cells[op.CD] = cells
			}

			switch {
			case op.Kind == sut.DeleteRow && certain:
				for i := range cells {
					cells[i] = Cell{}
				}
			case op.Kind == sut.DeleteRow:
				for i := range cells {
					cells[i].Alternatives = append(cells[i].Alternatives, nil)
				}
			case certain:
				for i, c := range op.Columns {
					cells[c] = Cell{Value: sut.Value(op.Values[i])}
				}
			default:
				for i, c := range op.Columns {
					cells[c].Alternatives = append(cells[c].Alternatives, sut.Value(op.Values[i]))
				}
			}

			if !certain {
				p.Ambiguous = true
			}
		}
	}

	return p
}
