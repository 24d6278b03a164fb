package cluster

import (
	"context"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"golang.org/x/sync/errgroup"
)

// Controller drives topology changes and reads node-local diagnostics.
type Controller struct {
	cluster     Cluster
	joinTimeout time.Duration
}

// NewController wraps c. Waiting on a join gives up after joinTimeout.
func NewController(c Cluster, joinTimeout time.Duration) *Controller {
	return &Controller{cluster: c, joinTimeout: joinTimeout}
}

// Cluster returns the controlled cluster.
func (c *Controller) Cluster() Cluster {
	return c.cluster
}

// Bootstrap adds a node without starting it.
func (c *Controller) Bootstrap(cfg InstanceConfig) (Instance, error) {
	inst, err := c.cluster.Bootstrap(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "bootstrapping node")
	}

	return inst, nil
}

// JoinTask is a node startup running on its own goroutine.
type JoinTask struct {
	node    int
	g       *errgroup.Group
	done    chan struct{}
	timeout time.Duration
	err     error
}

// Node returns the joining node.
func (t *JoinTask) Node() int {
	return t.node
}

// Done is closed when the join finishes.
func (t *JoinTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the join finishes and returns its error.
func (t *JoinTask) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return errors.Mark(
			errors.Wrapf(ctx.Err(), "waiting for node %d to join after %s", t.node, t.timeout),
			pipeline.ErrTimeout)
	}
}

// StartJoin starts inst in the background. The join usually blocks on a
// commit barrier the caller armed, so the caller must not wait on it first.
func (c *Controller) StartJoin(ctx context.Context, inst Instance) *JoinTask {
	t := &JoinTask{
		node:    inst.ID(),
		g:       &errgroup.Group{},
		done:    make(chan struct{}),
		timeout: c.joinTimeout,
	}

	t.g.Go(func() error {
		if err := inst.Startup(ctx); err != nil {
			return errors.Wrapf(err, "node %d startup", inst.ID())
		}
		return nil
	})

	go func() {
		t.err = t.g.Wait()
		close(t.done)
	}()

	return t
}

// Messages starts a message drop rule.
func (c *Controller) Messages() *FilterBuilder {
	return &FilterBuilder{filters: c.cluster.Filters()}
}

// DropMessages drops verbs sent to node until filters are reset.
func (c *Controller) DropMessages(node int, verbs ...Verb) Filter {
	f := c.Messages().Verbs(verbs...).To(node).Drop()
	f.On()
	return f
}

// ResetFilters removes every drop rule.
func (c *Controller) ResetFilters() {
	c.cluster.Filters().Reset()
}

// Markers holds one log marker per node.
type Markers map[int]LogMarker

// MarkAll marks the log of every node.
func (c *Controller) MarkAll() (Markers, error) {
	markers := make(Markers, c.cluster.Size())
	for n := 1; n <= c.cluster.Size(); n++ {
		inst, err := c.cluster.Get(n)
		if err != nil {
			return nil, err
		}

		markers[n] = inst.Logs().Mark()
	}

	return markers, nil
}

// GrepSince returns, per node outside exclude, the lines logged after the
// node's marker whose message contains text. Nodes without matches are left
// out.
func (c *Controller) GrepSince(markers Markers, text string, exclude ...int) (map[int][]string, error) {
	matches := make(map[int][]string)
	for n := 1; n <= c.cluster.Size(); n++ {
		if slices.Contains(exclude, n) {
			continue
		}

		inst, err := c.cluster.Get(n)
		if err != nil {
			return nil, err
		}

		if lines := inst.Logs().Grep(markers[n], text); len(lines) > 0 {
			matches[n] = lines
		}
	}

	return matches, nil
}

// CounterSnapshot holds the value of one counter on every node at one point
// in time.
type CounterSnapshot struct {
	Name   string
	Values map[int]float64

	cluster Cluster
}

// SnapshotCounter reads name on every node.
func (c *Controller) SnapshotCounter(name string) (*CounterSnapshot, error) {
	values, err := readCounter(c.cluster, name)
	if err != nil {
		return nil, err
	}

	return &CounterSnapshot{Name: name, Values: values, cluster: c.cluster}, nil
}

// Increased returns the nodes whose counter grew since the snapshot, with
// how much it grew by.
func (s *CounterSnapshot) Increased() (map[int]float64, error) {
	now, err := readCounter(s.cluster, s.Name)
	if err != nil {
		return nil, err
	}

	grown := make(map[int]float64)
	for n, v := range now {
		if delta := v - s.Values[n]; delta > 0 {
			grown[n] = delta
		}
	}

	return grown, nil
}

func readCounter(c Cluster, name string) (map[int]float64, error) {
	values := make(map[int]float64, c.Size())
	for n := 1; n <= c.Size(); n++ {
		inst, err := c.Get(n)
		if err != nil {
			return nil, err
		}

		v, err := inst.Counter(name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s on node %d", name, n)
		}
		values[n] = v
	}

	return values, nil
}

// Setup executes DDL at ALL through coordinator 1 and waits until every
// live node has applied the resulting metadata.
func (c *Controller) Setup(ctx context.Context, waiter *pipeline.EpochWaiter, stmts ...sut.Statement) error {
	for _, stmt := range stmts {
		if _, err := c.cluster.Execute(ctx, stmt, sut.All, 1); err != nil {
			return errors.Wrapf(err, "executing %q", stmt.Query)
		}
	}

	if _, err := waiter.AwaitQuiescenceOf(ctx, 1); err != nil {
		return errors.Wrap(err, "waiting for schema to settle")
	}

	return nil
}
