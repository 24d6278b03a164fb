package model

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
)

// ErrConsistencyViolation marks live state that disagrees with the model.
var ErrConsistencyViolation = errors.New("consistency violation")

// Query selects one partition.
type Query struct {
	PD      uint64
	Reverse bool
}

// SelectPartition returns the query reading all of pd.
func SelectPartition(pd uint64, reverse bool) Query {
	return Query{PD: pd, Reverse: reverse}
}

// Checker reads partitions from the cluster and compares them with the
// model. With a LocalReader it checks every read replica's local state;
// otherwise it reads through a coordinator at ALL.
type Checker struct {
	model *Model
	exec  sut.Executor
	local sut.LocalReader
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithLocalReads checks each read replica's local state.
func WithLocalReads(local sut.LocalReader) CheckerOption {
	return func(c *Checker) { c.local = local }
}

// NewChecker creates a checker.
func NewChecker(model *Model, exec sut.Executor, opts ...CheckerOption) *Checker {
	c := &Checker{model: model, exec: exec}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Validate checks one partition against every step issued so far.
func (c *Checker) Validate(ctx context.Context, q Query) error {
	return c.ValidateAt(ctx, q, c.model.run.Clock.Peek())
}

// ValidateAt checks one partition against the steps with LTS < bound.
func (c *Checker) ValidateAt(ctx context.Context, q Query, bound workload.LTS) error {
	schema := c.model.run.Schema
	stmt := schema.SelectPartition(q.PD, q.Reverse)
	expected := c.model.Expected(q.PD, bound)

	if c.local == nil {
		actual, err := c.exec.Execute(ctx, stmt, sut.All)
		if err != nil {
			return errors.Wrapf(err, "reading partition %d", q.PD)
		}

		return compare(expected, actual, q, "coordinator")
	}

	replicas, err := c.local.ReadReplicas(schema.QualifiedTable(), q.PD)
	if err != nil {
		return errors.Wrapf(err, "resolving replicas of partition %d", q.PD)
	}

	for _, node := range replicas {
		actual, err := c.local.ExecuteLocal(ctx, node, stmt)
		if err != nil {
			return errors.Wrapf(err, "reading partition %d on node %d", q.PD, node)
		}

		if err := compare(expected, actual, q, fmt.Sprintf("node %d", node)); err != nil {
			return err
		}
	}

	return nil
}

// ValidateAll checks every partition visited by a step issued so far. It
// fails fast on the first violation.
func (c *Checker) ValidateAll(ctx context.Context) error {
	bound := c.model.run.Clock.Peek()
	for _, pd := range c.model.run.Partitions(bound) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.ValidateAt(ctx, SelectPartition(pd, false), bound); err != nil {
			return err
		}
	}

	return nil
}

func compare(expected Partition, actual []sut.Row, q Query, source string) error {
	want := expected.Rows(q.Reverse)
	diff := cmp.Diff(want, actual, cmpopts.EquateEmpty())
	if diff == "" {
		return nil
	}

	if expected.Ambiguous && expected.Accepts(actual) {
		return nil
	}

	return errors.Mark(
		errors.Newf("partition %d read from %s below lts %d differs from the model (-expected +actual):\n%s",
			q.PD, source, expected.Bound, diff),
		ErrConsistencyViolation)
}
