// Package sut describes the narrow execute interface the harness drives the
// cluster under test through.
package sut

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// ConsistencyLevel is the number of replica acknowledgements a statement
// waits for.
type ConsistencyLevel int

const (
	One ConsistencyLevel = iota
	Quorum
	All
	NodeLocal
)

func (cl ConsistencyLevel) String() string {
	switch cl {
	case One:
		return "ONE"
	case Quorum:
		return "QUORUM"
	case All:
		return "ALL"
	case NodeLocal:
		return "NODE_LOCAL"
	default:
		return fmt.Sprintf("CL(%d)", int(cl))
	}
}

// ParseConsistencyLevel parses names like "QUORUM" or "node_local".
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONE":
		return One, nil
	case "QUORUM":
		return Quorum, nil
	case "ALL":
		return All, nil
	case "NODE_LOCAL":
		return NodeLocal, nil
	}

	return 0, errors.Newf("unknown consistency level %q", s)
}

// BlockFor returns how many of replicas acknowledgements cl requires.
func (cl ConsistencyLevel) BlockFor(replicas int) int {
	switch cl {
	case One, NodeLocal:
		return min(1, replicas)
	case Quorum:
		return replicas/2 + 1
	default:
		return replicas
	}
}

// StatementKind tells the executor how to interpret a Statement.
type StatementKind int

const (
	DDL StatementKind = iota
	Write
	Read
)

// OpKind is the kind of a single row operation inside a write.
type OpKind int

const (
	Insert OpKind = iota
	Update
	DeleteRow
)

func (k OpKind) String() string {
	switch k {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case DeleteRow:
		return "DELETE"
	default:
		return fmt.Sprintf("OP(%d)", int(k))
	}
}

// Op is one row operation. Columns lists the regular columns it writes, in
// the same order as Values. Timestamp orders ops for last-write-wins.
type Op struct {
	Kind      OpKind
	CD        uint64
	Columns   []int
	Values    []int64
	Timestamp int64
}

// Statement is a structured statement. Query carries the CQL rendering for
// logs and DDL; the remaining fields are the bindings.
type Statement struct {
	Kind        StatementKind
	Query       string
	Keyspace    string
	Replication int
	Table       string
	Columns     int
	PD          uint64
	Ops         []Op
	Reverse     bool
}

func (s Statement) String() string {
	return s.Query
}

// Row is one clustering row of a partition. A nil value is an unset cell.
type Row struct {
	CD     uint64
	Values []*int64
}

// Value returns a pointer to v, for building expected rows.
func Value(v int64) *int64 {
	return &v
}

// SUT executes statements against the cluster under test.
type SUT interface {
	Execute(ctx context.Context, stmt Statement, cl ConsistencyLevel, coordinator int) ([]Row, error)
}

// LocalReader is implemented by clusters that allow reading a single node's
// local state and report which replicas currently serve reads for a
// partition.
type LocalReader interface {
	ReadReplicas(table string, pd uint64) ([]int, error)
	ExecuteLocal(ctx context.Context, node int, stmt Statement) ([]Row, error)
}
