package sut

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Executor is a statement executor that picks its coordinator itself.
type Executor interface {
	Execute(ctx context.Context, stmt Statement, cl ConsistencyLevel) ([]Row, error)
}

// Adapter turns a SUT into an Executor by choosing a coordinator per
// statement and retrying failed statements while the retry predicate allows.
type Adapter struct {
	target      SUT
	coordinator func() int
	retry       func(error) bool
	attempts    int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCoordinator routes every statement through the node returned by fn.
func WithCoordinator(fn func() int) Option {
	return func(a *Adapter) { a.coordinator = fn }
}

// FixedCoordinator routes every statement through node.
func FixedCoordinator(node int) Option {
	return WithCoordinator(func() int { return node })
}

// RoundRobin cycles through nodes 1..n.
func RoundRobin(n int) Option {
	var next atomic.Uint64
	return WithCoordinator(func() int {
		return int(next.Add(1)-1)%n + 1
	})
}

// WithRetry retries a failed statement up to attempts times in total while
// retry reports true for its error.
func WithRetry(retry func(error) bool, attempts int) Option {
	return func(a *Adapter) {
		a.retry = retry
		a.attempts = max(attempts, 1)
	}
}

// NoRetry disables retries.
func NoRetry() Option {
	return WithRetry(func(error) bool { return false }, 1)
}

// NewAdapter wraps target. By default statements go to node 1 and are not
// retried.
func NewAdapter(target SUT, opts ...Option) *Adapter {
	a := &Adapter{
		target:      target,
		coordinator: func() int { return 1 },
		retry:       func(error) bool { return false },
		attempts:    1,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Execute runs stmt at cl.
func (a *Adapter) Execute(ctx context.Context, stmt Statement, cl ConsistencyLevel) ([]Row, error) {
	var err error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		coordinator := a.coordinator()

		var rows []Row
		rows, err = a.target.Execute(ctx, stmt, cl, coordinator)
		if err == nil {
			return rows, nil
		}

		err = errors.Wrapf(err, "coordinator %d, attempt %d", coordinator, attempt)
		if ctx.Err() != nil || !a.retry(err) {
			break
		}
	}

	return nil, err
}
