package sim

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
)

// initialize is the kind of the first log entry, holding the founding
// members.
const initialize pipeline.Kind = "Initialize"

// event is a metadata transformation.
type event struct {
	kind     pipeline.Kind
	node     int
	host     uuid.UUID
	token    uint64
	keyspace string
	rf       int
	table    string
	columns  int
}

func (e event) Kind() pipeline.Kind {
	return e.kind
}

func (e event) String() string {
	switch e.kind {
	case pipeline.SchemaChange:
		if e.table != "" {
			return fmt.Sprintf("%s(table %s)", e.kind, e.table)
		}
		return fmt.Sprintf("%s(keyspace %s)", e.kind, e.keyspace)
	default:
		return fmt.Sprintf("%s(node %d)", e.kind, e.node)
	}
}

// Metadata is an immutable view of the cluster at one epoch.
type Metadata struct {
	Epoch pipeline.Epoch
	// Hosts holds every registered node.
	Hosts map[int]uuid.UUID
	// Tokens holds the token of every node past PrepareJoin.
	Tokens map[int]uint64
	// Joined nodes own their ranges; the others are in Phase.
	Joined map[int]bool
	Phase  map[int]pipeline.Kind
	// Keyspaces maps keyspaces to their replication factor.
	Keyspaces map[string]int
	// Tables maps qualified tables to their number of regular columns.
	Tables map[string]int
}

func (m *Metadata) clone() *Metadata {
	return &Metadata{
		Epoch:     m.Epoch,
		Hosts:     maps.Clone(m.Hosts),
		Tokens:    maps.Clone(m.Tokens),
		Joined:    maps.Clone(m.Joined),
		Phase:     maps.Clone(m.Phase),
		Keyspaces: maps.Clone(m.Keyspaces),
		Tables:    maps.Clone(m.Tables),
	}
}

func founding(tokens map[int]uint64, hosts map[int]uuid.UUID) *Metadata {
	m := &Metadata{
		Epoch:     1,
		Hosts:     hosts,
		Tokens:    tokens,
		Joined:    make(map[int]bool),
		Phase:     make(map[int]pipeline.Kind),
		Keyspaces: make(map[string]int),
		Tables:    make(map[string]int),
	}
	for node := range tokens {
		m.Joined[node] = true
	}

	return m
}

var phaseOrder = []pipeline.Kind{
	pipeline.Register,
	pipeline.PrepareJoin,
	pipeline.StartJoin,
	pipeline.MidJoin,
	pipeline.FinishJoin,
}

func reached(phase, target pipeline.Kind) bool {
	return slices.Index(phaseOrder, phase) >= slices.Index(phaseOrder, target)
}

// apply returns the metadata after e, at the next epoch.
func (m *Metadata) apply(e event) (*Metadata, error) {
	next := m.clone()
	next.Epoch++

	switch e.kind {
	case pipeline.SchemaChange:
		if e.table == "" {
			if _, ok := m.Keyspaces[e.keyspace]; ok {
				return nil, errors.Newf("keyspace %s already exists", e.keyspace)
			}
			next.Keyspaces[e.keyspace] = e.rf
			return next, nil
		}

		if _, ok := m.Keyspaces[keyspaceOf(e.table)]; !ok {
			return nil, errors.Newf("keyspace of table %s does not exist", e.table)
		}
		if _, ok := m.Tables[e.table]; ok {
			return nil, errors.Newf("table %s already exists", e.table)
		}
		next.Tables[e.table] = e.columns
		return next, nil
	case pipeline.Register:
		if _, ok := m.Hosts[e.node]; ok {
			return nil, errors.Newf("node %d is already registered", e.node)
		}
		next.Hosts[e.node] = e.host
		next.Phase[e.node] = pipeline.Register
		return next, nil
	}

	idx := slices.Index(phaseOrder, e.kind)
	if idx < 1 {
		return nil, errors.Newf("unknown transformation %s", e.kind)
	}

	// join phases must follow each other
	want := phaseOrder[idx-1]
	if got := m.Phase[e.node]; got != want {
		return nil, errors.Newf("cannot apply %s to node %d in phase %q", e.kind, e.node, got)
	}

	switch e.kind {
	case pipeline.PrepareJoin:
		for node, token := range m.Tokens {
			if token == e.token {
				return nil, errors.Newf("token %d is already owned by node %d", e.token, node)
			}
		}
		next.Tokens[e.node] = e.token
		next.Phase[e.node] = e.kind
	case pipeline.StartJoin, pipeline.MidJoin:
		next.Phase[e.node] = e.kind
	case pipeline.FinishJoin:
		delete(next.Phase, e.node)
		next.Joined[e.node] = true
	}

	return next, nil
}

func keyspaceOf(table string) string {
	keyspace, _, _ := strings.Cut(table, ".")
	return keyspace
}

func (m *Metadata) replicationOf(table string) (int, error) {
	if _, ok := m.Tables[table]; !ok {
		return 0, errors.Newf("unknown table %s at epoch %d", table, m.Epoch)
	}

	return m.Keyspaces[keyspaceOf(table)], nil
}

func (m *Metadata) ring(include func(node int) bool) ring {
	return newRing(m.Tokens, include)
}

// ReadReplicas returns the nodes reads of pd go to.
func (m *Metadata) ReadReplicas(table string, pd uint64) ([]int, error) {
	rf, err := m.replicationOf(table)
	if err != nil {
		return nil, err
	}

	r := m.ring(func(node int) bool {
		return m.Joined[node] || reached(m.Phase[node], pipeline.MidJoin)
	})
	return r.replicas(partitionToken(pd), rf), nil
}

// WriteReplicas returns the nodes writes of pd go to: the owners before and
// after every join in progress.
func (m *Metadata) WriteReplicas(table string, pd uint64) ([]int, error) {
	rf, err := m.replicationOf(table)
	if err != nil {
		return nil, err
	}

	token := partitionToken(pd)
	current := m.ring(func(node int) bool { return m.Joined[node] }).replicas(token, rf)
	pending := m.ring(func(node int) bool {
		return m.Joined[node] || reached(m.Phase[node], pipeline.StartJoin)
	}).replicas(token, rf)

	replicas := slices.Clone(current)
	for _, node := range pending {
		if !slices.Contains(replicas, node) {
			replicas = append(replicas, node)
		}
	}

	return replicas, nil
}
