// Package sim is an in-process cluster: token ring, metadata log with a
// single metadata service node, join protocol, message filters and per-node
// logs and counters. It implements every collaborator the harness drives.
package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/st3v3nmw/bootfuzz/internal/cluster"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"go.uber.org/zap"
)

// Config configures a simulated cluster.
type Config struct {
	// Nodes started up front, all joined.
	Nodes int
	// Tokens is the number of evenly spread token slots; node n owns slot
	// n-1, so it bounds how many nodes the cluster can grow to.
	Tokens int
	// SnapshotFrequency seals a metadata period every that many epochs.
	SnapshotFrequency int
	// LogDir receives node-<n>.log files when set.
	LogDir string

	ProgressBarrierTimeout time.Duration
	PollInterval           time.Duration
}

// DefaultConfig returns a three node cluster with room for a fourth.
func DefaultConfig() Config {
	return Config{
		Nodes:                  3,
		Tokens:                 4,
		SnapshotFrequency:      5,
		ProgressBarrierTimeout: 30 * time.Second,
		PollInterval:           10 * time.Millisecond,
	}
}

// Cluster is a simulated cluster.
type Cluster struct {
	cfg Config
	net *network
	cms *cms

	// Held shared by every coordinated request, exclusively by commits.
	placementMu sync.RWMutex

	mu    sync.RWMutex
	nodes []*node
}

var _ cluster.Cluster = (*Cluster)(nil)

// New starts a cluster of cfg.Nodes joined nodes. Node 1 runs the metadata
// service.
func New(cfg Config) (*Cluster, error) {
	if cfg.Nodes < 1 {
		return nil, errors.Newf("a cluster needs at least one node, got %d", cfg.Nodes)
	}
	if cfg.Tokens < cfg.Nodes {
		return nil, errors.Newf("%d token slots cannot hold %d nodes", cfg.Tokens, cfg.Nodes)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ProgressBarrierTimeout <= 0 {
		cfg.ProgressBarrierTimeout = DefaultConfig().ProgressBarrierTimeout
	}

	c := &Cluster{cfg: cfg, net: &network{}}

	tokens := make(map[int]uint64, cfg.Nodes)
	hosts := make(map[int]uuid.UUID, cfg.Nodes)
	for id := 1; id <= cfg.Nodes; id++ {
		n, err := c.newNode(id, cluster.InstanceConfig{})
		if err != nil {
			c.Close()
			return nil, err
		}

		tokens[id] = evenToken(id-1, cfg.Tokens)
		hosts[id] = n.host
	}

	meta := founding(tokens, hosts)
	c.cms = newCMS(c, c.nodes[0], meta)
	for _, n := range c.nodes {
		n.applied = c.cms.log[0]
		n.started.Store(true)
		n.log.Info("Started", zap.Stringer("host", n.host), zap.Uint64("epoch", uint64(meta.Epoch)))
	}

	return c, nil
}

func (c *Cluster) newNode(id int, cfg cluster.InstanceConfig) (*node, error) {
	buf := &logBuffer{}
	if c.cfg.LogDir != "" {
		if err := os.MkdirAll(c.cfg.LogDir, 0755); err != nil {
			return nil, errors.Wrap(err, "creating log directory")
		}

		path := filepath.Join(c.cfg.LogDir, fmt.Sprintf("node-%d.log", id))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "creating log file for node %d", id)
		}
		buf.file = f
	}

	n := &node{
		id:      id,
		host:    uuid.New(),
		c:       c,
		cfg:     cfg,
		logs:    buf,
		log:     newNodeLogger(id, buf),
		metrics: newMetrics(),
		store:   newStore(),
		applied: entry{event: event{kind: initialize}, meta: &Metadata{}},
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.mu.Unlock()

	return n, nil
}

func (c *Cluster) node(id int) (*node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if id < 1 || id > len(c.nodes) {
		return nil, errors.Newf("no node %d in a cluster of %d", id, len(c.nodes))
	}

	return c.nodes[id-1], nil
}

func (c *Cluster) started() []*node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var nodes []*node
	for _, n := range c.nodes {
		if n.Live() {
			nodes = append(nodes, n)
		}
	}

	return nodes
}

// Get returns node id.
func (c *Cluster) Get(id int) (cluster.Instance, error) {
	return c.node(id)
}

// Size counts every node, started or not.
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.nodes)
}

// Bootstrap adds a node that takes the next free token slot once started.
func (c *Cluster) Bootstrap(cfg cluster.InstanceConfig) (cluster.Instance, error) {
	id := c.Size() + 1
	if id > c.cfg.Tokens {
		return nil, errors.Newf("no free token slot for node %d", id)
	}

	return c.newNode(id, cfg)
}

// Filters returns the message filters.
func (c *Cluster) Filters() cluster.Filters {
	return c.net
}

// Metadata returns the latest committed metadata.
func (c *Cluster) Metadata() *Metadata {
	return c.cms.current()
}

// Close resumes any held commit and closes log files.
func (c *Cluster) Close() error {
	if c.cms != nil {
		c.cms.unpause()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var err error
	for _, n := range c.nodes {
		_ = n.log.Sync()
		err = errors.CombineErrors(err, n.logs.Close())
	}

	return err
}

// Execute runs stmt through coordinator.
func (c *Cluster) Execute(ctx context.Context, stmt sut.Statement, cl sut.ConsistencyLevel, coordinator int) ([]sut.Row, error) {
	n, err := c.node(coordinator)
	if err != nil {
		return nil, err
	}
	if !n.Live() {
		return nil, errors.Newf("coordinator %d is not running", coordinator)
	}

	switch stmt.Kind {
	case sut.DDL:
		_, err := c.cms.commit(ctx, event{
			kind:     pipeline.SchemaChange,
			keyspace: stmt.Keyspace,
			rf:       stmt.Replication,
			table:    stmt.Table,
			columns:  stmt.Columns,
		})
		return nil, err
	case sut.Write:
		return nil, n.write(ctx, stmt, cl)
	case sut.Read:
		return n.read(ctx, stmt, cl)
	}

	return nil, errors.Newf("unsupported statement kind %d", stmt.Kind)
}

// ReadReplicas returns the nodes the latest metadata reads pd from.
func (c *Cluster) ReadReplicas(table string, pd uint64) ([]int, error) {
	return c.cms.current().ReadReplicas(table, pd)
}

// ExecuteLocal reads stmt from node's own storage.
func (c *Cluster) ExecuteLocal(ctx context.Context, id int, stmt sut.Statement) ([]sut.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if stmt.Kind != sut.Read {
		return nil, errors.New("only reads can run locally")
	}

	n, err := c.node(id)
	if err != nil {
		return nil, err
	}

	return n.store.read(stmt.Table, stmt.PD).rows(stmt.Reverse), nil
}

func (c *Cluster) replicate(ent entry) {
	from := c.cms.node.id
	for _, n := range c.started() {
		if !c.net.delivered(cluster.TCMReplication, from, n.id) {
			continue
		}
		n.receive(ent)
	}
}

// mutate delivers a write to replica to.
func (c *Cluster) mutate(from, to int, epoch pipeline.Epoch, stmt sut.Statement) (bool, error) {
	replica, err := c.reach(cluster.MutationReq, from, to)
	if err != nil {
		return false, err
	}

	behind, err := replica.checkRouting(from, epoch, func(m *Metadata) ([]int, error) {
		return m.WriteReplicas(stmt.Table, stmt.PD)
	})
	if err != nil {
		return false, err
	}

	replica.store.apply(stmt.Table, stmt.Columns, stmt.PD, stmt.Ops)
	return behind, nil
}

// fetch reads a partition from replica to.
func (c *Cluster) fetch(from, to int, epoch pipeline.Epoch, stmt sut.Statement) (partition, bool, error) {
	replica, err := c.reach(cluster.ReadReq, from, to)
	if err != nil {
		return nil, false, err
	}

	behind, err := replica.checkRouting(from, epoch, func(m *Metadata) ([]int, error) {
		return m.ReadReplicas(stmt.Table, stmt.PD)
	})
	if err != nil {
		return nil, false, err
	}

	return replica.store.read(stmt.Table, stmt.PD), behind, nil
}

func (c *Cluster) reach(verb cluster.Verb, from, to int) (*node, error) {
	if !c.net.delivered(verb, from, to) {
		return nil, errors.Newf("node %d timed out waiting for node %d", from, to)
	}

	n, err := c.node(to)
	if err != nil {
		return nil, err
	}
	if !n.Live() {
		return nil, errors.Newf("node %d is down", to)
	}

	return n, nil
}

// PauseBeforeCommit holds the next commit matching pred. Only the metadata
// service node commits.
func (c *Cluster) PauseBeforeCommit(id int, pred pipeline.Predicate) (<-chan struct{}, error) {
	if id != c.cms.node.id {
		return nil, errors.Newf("node %d does not run the metadata service", id)
	}

	return c.cms.pauseBefore(pred)
}

// UnpauseCommits resumes a held commit.
func (c *Cluster) UnpauseCommits(id int) {
	if id == c.cms.node.id {
		c.cms.unpause()
	}
}

// SequenceAfterCommit reports the epoch of the first matching entry node
// applies.
func (c *Cluster) SequenceAfterCommit(id int, pred pipeline.CommitPredicate) (<-chan pipeline.Epoch, error) {
	n, err := c.node(id)
	if err != nil {
		return nil, err
	}

	return n.observe(pred), nil
}

// AppliedEpoch returns the epoch node has applied.
func (c *Cluster) AppliedEpoch(id int) (pipeline.Epoch, error) {
	n, err := c.node(id)
	if err != nil {
		return 0, err
	}

	return n.Metadata().Epoch, nil
}

// LiveNodes returns the started nodes.
func (c *Cluster) LiveNodes() []int {
	var ids []int
	for _, n := range c.started() {
		ids = append(ids, n.id)
	}
	return ids
}
