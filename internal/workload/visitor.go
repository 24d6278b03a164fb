package workload

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"go.uber.org/zap"
)

// ErrTransientWrite marks a step whose execution failed under the Propagate
// policy. The step is still recorded, with an Unknown outcome.
var ErrTransientWrite = errors.New("transient write failure")

// Policy decides what the Visitor does with an execution failure.
type Policy int

const (
	// Propagate retries up to the configured budget, then returns the error.
	Propagate Policy = iota
	// Suppress swallows the failure without retrying.
	Suppress
)

func (p Policy) String() string {
	if p == Suppress {
		return "suppress"
	}

	return "propagate"
}

// Visitor issues one logically timestamped batch per Visit.
type Visitor struct {
	run     *Run
	exec    sut.Executor
	cl      sut.ConsistencyLevel
	policy  Policy
	retries int
	log     *zap.Logger
}

// VisitorOption configures a Visitor.
type VisitorOption func(*Visitor)

// WithPolicy sets the failure policy.
func WithPolicy(p Policy) VisitorOption {
	return func(v *Visitor) { v.policy = p }
}

// WithRetries sets how many times a failed step is retried under Propagate.
func WithRetries(n int) VisitorOption {
	return func(v *Visitor) { v.retries = max(n, 0) }
}

// WithConsistency sets the consistency level of every write.
func WithConsistency(cl sut.ConsistencyLevel) VisitorOption {
	return func(v *Visitor) { v.cl = cl }
}

// WithLogger logs every issued step at debug level and every failed attempt
// at warn level.
func WithLogger(log *zap.Logger) VisitorOption {
	return func(v *Visitor) { v.log = log }
}

// NewVisitor creates a Visitor writing at QUORUM with the Propagate policy.
func NewVisitor(run *Run, exec sut.Executor, opts ...VisitorOption) *Visitor {
	v := &Visitor{
		run:    run,
		exec:   exec,
		cl:     sut.Quorum,
		policy: Propagate,
		log:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// NewLoggingVisitor creates a Propagate visitor that logs every step and
// retries failed steps.
func NewLoggingVisitor(run *Run, exec sut.Executor, log *zap.Logger, retries int, opts ...VisitorOption) *Visitor {
	opts = append([]VisitorOption{WithLogger(log), WithRetries(retries)}, opts...)
	return NewVisitor(run, exec, opts...)
}

// NewMutatingVisitor creates a fire-and-forget visitor.
func NewMutatingVisitor(run *Run, exec sut.Executor, opts ...VisitorOption) *Visitor {
	opts = append([]VisitorOption{WithPolicy(Suppress)}, opts...)
	return NewVisitor(run, exec, opts...)
}

// Visit issues the next step.
func (v *Visitor) Visit(ctx context.Context) error {
	lts := v.run.Clock.Next()
	pd := v.run.PD(lts)
	ops := v.run.Generate(lts, pd)
	stmt := v.run.Schema.WriteStatement(pd, ops)

	attempts := 1
	if v.policy == Propagate {
		attempts += v.retries
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err = v.exec.Execute(ctx, stmt, v.cl)
		if err == nil {
			break
		}

		v.log.Warn("write failed",
			zap.Int64("lts", int64(lts)),
			zap.Uint64("pd", pd),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	outcome := Applied
	if err != nil {
		outcome = Unknown
	}

	v.run.History.Append(Record{LTS: lts, PD: pd, Ops: ops, Outcome: outcome})
	v.log.Debug("visited",
		zap.Int64("lts", int64(lts)),
		zap.Uint64("pd", pd),
		zap.Int("ops", len(ops)),
		zap.Stringer("outcome", outcome))

	if err == nil || v.policy == Suppress {
		return nil
	}

	return errors.Mark(errors.Wrapf(err, "lts %d on partition %d", lts, pd), ErrTransientWrite)
}

// VisitN issues n steps, stopping at the first error.
func (v *Visitor) VisitN(ctx context.Context, n int) error {
	for range n {
		if err := v.Visit(ctx); err != nil {
			return err
		}
	}

	return nil
}
