package workload

import "sync/atomic"

// LTS is a logical timestamp: the sequence number of one workload step.
type LTS int64

// Clock hands out logical timestamps. It has a single writer, the Visitor;
// Peek never blocks.
type Clock struct {
	next atomic.Int64
}

// Next consumes and returns a fresh timestamp.
func (c *Clock) Next() LTS {
	return LTS(c.next.Add(1) - 1)
}

// Peek returns the timestamp Next would return, without consuming it. It is
// the exclusive upper bound of every timestamp issued so far.
func (c *Clock) Peek() LTS {
	return LTS(c.next.Load())
}
