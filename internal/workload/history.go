package workload

import (
	"sync"

	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

// Outcome is what the Visitor knows about whether a step reached the
// cluster.
type Outcome int

const (
	// Applied steps were acknowledged by the cluster.
	Applied Outcome = iota
	// Unknown steps failed to execute; they may or may not have been applied.
	Unknown
)

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}

	return "unknown"
}

// Record is one issued step. Records are immutable once appended.
type Record struct {
	LTS     LTS
	PD      uint64
	Ops     []sut.Op
	Outcome Outcome
}

// History is the append-only log of issued steps, ordered by LTS.
type History struct {
	mu      sync.RWMutex
	records []Record
	byPD    map[uint64][]int
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{byPD: make(map[uint64][]int)}
}

// Append adds r. Records must be appended in LTS order.
func (h *History) Append(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.byPD[r.PD] = append(h.byPD[r.PD], len(h.records))
	h.records = append(h.records, r)
}

// Partition returns the records for pd with LTS < bound, in LTS order.
func (h *History) Partition(pd uint64, bound LTS) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Record
	for _, i := range h.byPD[pd] {
		r := h.records[i]
		if r.LTS >= bound {
			break
		}
		out = append(out, r)
	}

	return out
}

// Len returns the number of records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.records)
}

// Unknown returns how many records have an unknown outcome.
func (h *History) Unknown() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, r := range h.records {
		if r.Outcome == Unknown {
			n++
		}
	}

	return n
}
