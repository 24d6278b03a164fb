package sim

import (
	"sync"
	"sync/atomic"

	"github.com/st3v3nmw/bootfuzz/internal/cluster"
)

type filter struct {
	rule cluster.Rule
	on   atomic.Bool
}

func (f *filter) On()  { f.on.Store(true) }
func (f *filter) Off() { f.on.Store(false) }

// network decides which messages between nodes are delivered.
type network struct {
	mu      sync.RWMutex
	filters []*filter
}

func (n *network) Install(rule cluster.Rule) cluster.Filter {
	n.mu.Lock()
	defer n.mu.Unlock()

	f := &filter{rule: rule}
	n.filters = append(n.filters, f)
	return f
}

func (n *network) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, f := range n.filters {
		f.Off()
	}
	n.filters = nil
}

// delivered reports whether a message of verb from one node to another gets
// through. Messages a node sends itself always do.
func (n *network) delivered(verb cluster.Verb, from, to int) bool {
	if from == to {
		return true
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, f := range n.filters {
		if f.on.Load() && f.rule.Matches(verb, from, to) {
			return false
		}
	}

	return true
}
