package sim

import (
	"maps"
	"math"
	"slices"
	"sync"

	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

type cell struct {
	val int64
	ts  int64
	set bool
}

type row struct {
	cells     []cell
	deletedAt int64
}

func newRow(columns int) *row {
	return &row{cells: make([]cell, columns), deletedAt: math.MinInt64}
}

func (r *row) clone() *row {
	return &row{cells: slices.Clone(r.cells), deletedAt: r.deletedAt}
}

// merge folds o into r, newest timestamp first.
func (r *row) merge(o *row) {
	r.deletedAt = max(r.deletedAt, o.deletedAt)
	for i, c := range o.cells {
		if i >= len(r.cells) {
			r.cells = append(r.cells, c)
			continue
		}
		if c.set && (!r.cells[i].set || c.ts > r.cells[i].ts) {
			r.cells[i] = c
		}
	}
}

func (r *row) visible() ([]*int64, bool) {
	values := make([]*int64, len(r.cells))
	live := false
	for i, c := range r.cells {
		if c.set && c.ts > r.deletedAt {
			values[i] = sut.Value(c.val)
			live = true
		}
	}

	return values, live
}

// partition maps clustering descriptors to rows.
type partition map[uint64]*row

func (p partition) clone() partition {
	out := make(partition, len(p))
	for cd, r := range p {
		out[cd] = r.clone()
	}
	return out
}

func (p partition) merge(o partition) {
	for cd, r := range o {
		if mine, ok := p[cd]; ok {
			mine.merge(r)
		} else {
			p[cd] = r.clone()
		}
	}
}

func (p partition) rows(reverse bool) []sut.Row {
	cds := slices.Sorted(maps.Keys(p))
	if reverse {
		slices.Reverse(cds)
	}

	rows := []sut.Row{}
	for _, cd := range cds {
		if values, live := p[cd].visible(); live {
			rows = append(rows, sut.Row{CD: cd, Values: values})
		}
	}

	return rows
}

// store is one node's local data.
type store struct {
	mu     sync.RWMutex
	tables map[string]map[uint64]partition
}

func newStore() *store {
	return &store{tables: make(map[string]map[uint64]partition)}
}

func (s *store) apply(table string, columns int, pd uint64, ops []sut.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.partitionLocked(table, pd)
	for _, op := range ops {
		r, ok := p[op.CD]
		if !ok {
			r = newRow(columns)
			p[op.CD] = r
		}

		if op.Kind == sut.DeleteRow {
			r.deletedAt = max(r.deletedAt, op.Timestamp)
			continue
		}

		update := newRow(columns)
		for i, c := range op.Columns {
			update.cells[c] = cell{val: op.Values[i], ts: op.Timestamp, set: true}
		}
		r.merge(update)
	}
}

func (s *store) partitionLocked(table string, pd uint64) partition {
	parts, ok := s.tables[table]
	if !ok {
		parts = make(map[uint64]partition)
		s.tables[table] = parts
	}

	p, ok := parts[pd]
	if !ok {
		p = make(partition)
		parts[pd] = p
	}

	return p
}

// read returns a copy of pd.
func (s *store) read(table string, pd uint64) partition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tables[table][pd].clone()
}

func (s *store) merge(table string, pd uint64, o partition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partitionLocked(table, pd).merge(o)
}

func (s *store) partitions(table string) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Collect(maps.Keys(s.tables[table]))
}
