// Package cluster declares what the harness needs from the cluster under
// test and drives topology changes through it.
package cluster

import (
	"context"
	"slices"

	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

// Verb identifies an inter-node message type.
type Verb string

const (
	MutationReq        Verb = "MUTATION_REQ"
	ReadReq            Verb = "READ_REQ"
	TCMReplication     Verb = "TCM_REPLICATION"
	TCMFetchCMSLogReq  Verb = "TCM_FETCH_CMS_LOG_REQ"
	TCMFetchCMSLogRsp  Verb = "TCM_FETCH_CMS_LOG_RSP"
	TCMFetchPeerLogReq Verb = "TCM_FETCH_PEER_LOG_REQ"
	TCMFetchPeerLogRsp Verb = "TCM_FETCH_PEER_LOG_RSP"
	TCMCurrentEpochReq Verb = "TCM_CURRENT_EPOCH_REQ"
	TCMCurrentEpochRsp Verb = "TCM_CURRENT_EPOCH_RSP"
	StreamReq          Verb = "STREAM_REQ"
)

// MetadataVerbs are the messages a node learns about new epochs through.
var MetadataVerbs = []Verb{TCMReplication, TCMFetchCMSLogRsp, TCMFetchPeerLogRsp, TCMCurrentEpochReq}

// Counters every node exposes.
const (
	CoordinatorBehindPlacements = "coordinator_behind_placements"
	InvalidRoutingRejections    = "invalid_routing_rejections"
	LogCatchUps                 = "log_catch_ups"
	MetadataSnapshots           = "metadata_snapshots"
)

// LogMarker is a position in a node's operational log.
type LogMarker int64

// LogReader inspects a node's operational log.
type LogReader interface {
	Mark() LogMarker
	// Grep returns the lines logged after m whose message contains text.
	Grep(m LogMarker, text string) []string
}

// InstanceConfig configures a node added with Bootstrap.
type InstanceConfig struct {
	AutoBootstrap     bool
	ProgressBarrierCL sut.ConsistencyLevel
}

// Instance is one node.
type Instance interface {
	ID() int
	// Startup starts the node and, with auto bootstrap, joins it to the
	// ring. It blocks until the join completes or fails.
	Startup(ctx context.Context) error
	Live() bool
	Logs() LogReader
	// Counter reads a node-local counter.
	Counter(name string) (float64, error)
}

// Rule selects messages by verb, sender and receiver. Empty fields match
// everything.
type Rule struct {
	Verbs []Verb
	From  []int
	To    []int
}

// Matches reports whether a message of verb from one node to another is
// selected.
func (r Rule) Matches(verb Verb, from, to int) bool {
	return (len(r.Verbs) == 0 || slices.Contains(r.Verbs, verb)) &&
		(len(r.From) == 0 || slices.Contains(r.From, from)) &&
		(len(r.To) == 0 || slices.Contains(r.To, to))
}

// Filter is an installed message drop rule.
type Filter interface {
	On()
	Off()
}

// Filters is the cluster's message fault injection surface.
type Filters interface {
	// Install adds a drop rule, switched off.
	Install(Rule) Filter
	// Reset removes every rule.
	Reset()
}

// FilterBuilder builds a drop rule fluently.
type FilterBuilder struct {
	filters Filters
	rule    Rule
}

// Verbs selects message types.
func (b *FilterBuilder) Verbs(verbs ...Verb) *FilterBuilder {
	b.rule.Verbs = append(b.rule.Verbs, verbs...)
	return b
}

// From selects senders.
func (b *FilterBuilder) From(nodes ...int) *FilterBuilder {
	b.rule.From = append(b.rule.From, nodes...)
	return b
}

// To selects receivers.
func (b *FilterBuilder) To(nodes ...int) *FilterBuilder {
	b.rule.To = append(b.rule.To, nodes...)
	return b
}

// Drop installs the rule. It takes effect once switched on.
func (b *FilterBuilder) Drop() Filter {
	return b.filters.Install(b.rule)
}

// Cluster is the cluster under test.
type Cluster interface {
	sut.SUT
	sut.LocalReader
	pipeline.Interceptor

	// Get returns node n, counting from 1.
	Get(n int) (Instance, error)
	// Size counts every node, including bootstrapped ones not started yet.
	Size() int
	// Bootstrap adds a node without starting it.
	Bootstrap(cfg InstanceConfig) (Instance, error)
	Filters() Filters
	Close() error
}
