// Package scenario defines the static, validated description of a simulation
// graph: typed node configurations and the edges between them.
//
// A Scenario is immutable for the duration of a run. The engine replaces it
// only through an explicit, logged model upgrade; prior versions are retained
// by History for undo/redo.
package scenario

import "fmt"

// NodeKind tags the four node archetypes. Each NodeConfig carries exactly one
// matching variant pointer - the tagged-union replacement for
// switch-on-string dispatch.
type NodeKind string

const (
	KindSource  NodeKind = "source"
	KindQueue   NodeKind = "queue"
	KindProcess NodeKind = "process"
	KindSink    NodeKind = "sink"
)

// AggregationMethod selects how a queue reduces its window batch.
type AggregationMethod string

const (
	AggregateSum     AggregationMethod = "sum"
	AggregateAverage AggregationMethod = "average"
	AggregateCount   AggregationMethod = "count"
	AggregateFirst   AggregationMethod = "first"
	AggregateLast    AggregationMethod = "last"
)

// ValidMethod reports whether m is a supported aggregation method.
func ValidMethod(m AggregationMethod) bool {
	switch m {
	case AggregateSum, AggregateAverage, AggregateCount, AggregateFirst, AggregateLast:
		return true
	}
	return false
}

// Edge declares a routing destination: the receiving node and, for process
// destinations, the name of the input being fed.
type Edge struct {
	To    string `yaml:"to" json:"to"`
	Input string `yaml:"input,omitempty" json:"input,omitempty"`
}

// SourceConfig configures a data source: emit a uniform random integer in
// [ValueMin, ValueMax] every Interval ticks.
type SourceConfig struct {
	Interval int64 `yaml:"interval" json:"interval"`
	ValueMin int   `yaml:"valueMin" json:"valueMin"`
	ValueMax int   `yaml:"valueMax" json:"valueMax"`
}

// QueueConfig configures a capacity-bounded aggregating queue.
type QueueConfig struct {
	Capacity int               `yaml:"capacity" json:"capacity"`
	Method   AggregationMethod `yaml:"method" json:"method"`
	Window   int64             `yaml:"window" json:"window"`
}

// InputBinding names one process input and the node that feeds it. Alias is
// the identifier formulas use; it defaults to Name when empty.
type InputBinding struct {
	Name   string `yaml:"name" json:"name"`
	Source string `yaml:"source" json:"source"`
	Alias  string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// FormulaAlias returns the identifier this input exposes to formulas.
func (b InputBinding) FormulaAlias() string {
	if b.Alias != "" {
		return b.Alias
	}
	return b.Name
}

// OutputSpec declares one process output: a formula over the input aliases
// and the destination for the resulting token.
type OutputSpec struct {
	Name    string `yaml:"name" json:"name"`
	Formula string `yaml:"formula" json:"formula"`
	To      string `yaml:"to" json:"to"`
	Input   string `yaml:"input,omitempty" json:"input,omitempty"`
}

// Destination returns the output's routing edge.
func (o OutputSpec) Destination() Edge {
	return Edge{To: o.To, Input: o.Input}
}

// ProcessConfig configures a transform node with named inputs and formula
// outputs.
type ProcessConfig struct {
	Inputs  []InputBinding `yaml:"inputs" json:"inputs"`
	Outputs []OutputSpec   `yaml:"outputs" json:"outputs"`
}

// SinkConfig configures a terminal consumer. Sinks declare no outputs.
type SinkConfig struct{}

// NodeConfig is one vertex of the graph. Kind selects which variant pointer
// is populated; Outputs carries routing for source and queue nodes (process
// routing lives on each OutputSpec, sinks have none).
type NodeConfig struct {
	NodeID      string   `yaml:"nodeId" json:"nodeId"`
	DisplayName string   `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Kind        NodeKind `yaml:"kind" json:"kind"`
	Outputs     []Edge   `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	Source  *SourceConfig  `yaml:"source,omitempty" json:"source,omitempty"`
	Queue   *QueueConfig   `yaml:"queue,omitempty" json:"queue,omitempty"`
	Process *ProcessConfig `yaml:"process,omitempty" json:"process,omitempty"`
	Sink    *SinkConfig    `yaml:"sink,omitempty" json:"sink,omitempty"`
}

// Scenario is the full graph definition. Node order is declaration order and
// is load-bearing: the scheduler iterates nodes in this order, which is what
// makes ticks deterministic.
type Scenario struct {
	SchemaVersion int                 `yaml:"schemaVersion" json:"schemaVersion"`
	Name          string              `yaml:"name,omitempty" json:"name,omitempty"`
	Nodes         []NodeConfig        `yaml:"nodes" json:"nodes"`
	Groups        map[string][]string `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Node returns the config for the given id.
func (s *Scenario) Node(id string) (*NodeConfig, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].NodeID == id {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// variant returns the populated variant pointer, or an error when the Kind
// tag and variant disagree.
func (n *NodeConfig) variant() (any, error) {
	set := 0
	var v any
	if n.Source != nil {
		set++
		v = n.Source
	}
	if n.Queue != nil {
		set++
		v = n.Queue
	}
	if n.Process != nil {
		set++
		v = n.Process
	}
	if n.Sink != nil {
		set++
		v = n.Sink
	}
	if set != 1 {
		return nil, fmt.Errorf("node %s: expected exactly one config variant, found %d", n.NodeID, set)
	}
	switch n.Kind {
	case KindSource:
		if n.Source == nil {
			return nil, fmt.Errorf("node %s: kind source without source config", n.NodeID)
		}
	case KindQueue:
		if n.Queue == nil {
			return nil, fmt.Errorf("node %s: kind queue without queue config", n.NodeID)
		}
	case KindProcess:
		if n.Process == nil {
			return nil, fmt.Errorf("node %s: kind process without process config", n.NodeID)
		}
	case KindSink:
		if n.Sink == nil {
			return nil, fmt.Errorf("node %s: kind sink without sink config", n.NodeID)
		}
	default:
		return nil, fmt.Errorf("node %s: unknown kind %q", n.NodeID, n.Kind)
	}
	return v, nil
}
