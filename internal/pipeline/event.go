// Package pipeline observes and freezes the cluster's metadata commit
// pipeline from the outside. It pauses a chosen commit right before it is
// applied, resumes it, and waits for epochs to become visible cluster-wide.
package pipeline

import (
	"slices"
	"time"
)

// Epoch is the version stamped on every committed metadata transformation.
type Epoch uint64

// Kind tags a metadata transformation.
type Kind string

// Transformations of the node-join protocol, in commit order, and schema
// changes.
const (
	Register     Kind = "Register"
	PrepareJoin  Kind = "PrepareJoin"
	StartJoin    Kind = "StartJoin"
	MidJoin      Kind = "MidJoin"
	FinishJoin   Kind = "FinishJoin"
	SchemaChange Kind = "SchemaChange"
)

// Event is a transformation flowing through the commit pipeline. The harness
// only ever looks at its kind.
type Event interface {
	Kind() Kind
}

// Result is the outcome of committing an event.
type Result struct {
	Epoch Epoch
	Err   error
}

// Success reports whether the event was committed.
func (r Result) Success() bool {
	return r.Err == nil
}

// Predicate selects events about to be committed.
type Predicate func(Event) bool

// CommitPredicate selects events together with their commit result.
type CommitPredicate func(Event, Result) bool

// IsKind matches events of any of kinds.
func IsKind(kinds ...Kind) Predicate {
	return func(e Event) bool {
		return slices.Contains(kinds, e.Kind())
	}
}

// Committed matches successful commits of events of any of kinds.
func Committed(kinds ...Kind) CommitPredicate {
	match := IsKind(kinds...)
	return func(e Event, r Result) bool {
		return r.Success() && match(e)
	}
}

// Interceptor is the interception surface the cluster under test exposes on
// each node's metadata pipeline.
type Interceptor interface {
	// PauseBeforeCommit installs a hook that suspends the first matching
	// commit on node. The returned channel is closed once a commit is held.
	PauseBeforeCommit(node int, pred Predicate) (<-chan struct{}, error)
	// UnpauseCommits removes the hook on node and resumes the held commit,
	// if any. It is idempotent.
	UnpauseCommits(node int)
	// SequenceAfterCommit delivers the epoch of the first matching commit on
	// node after the call.
	SequenceAfterCommit(node int, pred CommitPredicate) (<-chan Epoch, error)
	// AppliedEpoch returns the highest epoch node has applied.
	AppliedEpoch(node int) (Epoch, error)
	// LiveNodes returns the nodes currently running.
	LiveNodes() []int
}

// Timeouts bounds every blocking wait in this package.
type Timeouts struct {
	Trigger    time.Duration
	Commit     time.Duration
	Quiescence time.Duration
	Poll       time.Duration
}

// DefaultTimeouts returns generous bounds for in-process clusters.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Trigger:    2 * time.Minute,
		Commit:     2 * time.Minute,
		Quiescence: 2 * time.Minute,
		Poll:       50 * time.Millisecond,
	}
}
