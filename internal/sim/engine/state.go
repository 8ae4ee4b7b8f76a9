package engine

import (
	"fmt"

	"github.com/ripple-sim/ripple/internal/sim/fsm"
	"github.com/ripple-sim/ripple/internal/sim/journal"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/sim/token"
)

// unsetTime marks a timer that has never fired. An unset timer is
// immediately eligible regardless of the configured interval or window.
const unsetTime = int64(-1)

// SourceState is the runtime state of a data source node.
type SourceState struct {
	LastEmissionTime int64 `json:"last_emission_time"`
}

// QueueState is the runtime state of an aggregating queue node. Buffer order
// is FIFO: tokens are always consumed from the head.
type QueueState struct {
	InputBuffer         []*token.Token `json:"input_buffer"`
	OutputBuffer        []*token.Token `json:"output_buffer"`
	LastAggregationTime int64          `json:"last_aggregation_time"`
}

// ProcessState is the runtime state of a transform node. Input buffers are
// keyed by source node id.
type ProcessState struct {
	InputBuffers  map[string][]*token.Token `json:"input_buffers"`
	LastFiredTime int64                     `json:"last_fired_time"`
}

// SinkState is the runtime state of a terminal consumer. Consumed retains
// only the most recent tokens (ring-buffer retention).
type SinkState struct {
	ConsumedCount    int64          `json:"consumed_token_count"`
	LastConsumedTime int64          `json:"last_consumed_time"`
	Consumed         []*token.Token `json:"consumed_tokens"`
}

// NodeState is the per-node runtime state: a kind tag, the node's state
// machine, and exactly one populated variant.
type NodeState struct {
	Kind    scenario.NodeKind `json:"kind"`
	Machine *fsm.Machine      `json:"state_machine"`

	Source  *SourceState  `json:"source,omitempty"`
	Queue   *QueueState   `json:"queue,omitempty"`
	Process *ProcessState `json:"process,omitempty"`
	Sink    *SinkState    `json:"sink,omitempty"`
}

var archetypes = map[scenario.NodeKind]fsm.Archetype{
	scenario.KindSource:  fsm.ArchetypeSource,
	scenario.KindQueue:   fsm.ArchetypeQueue,
	scenario.KindProcess: fsm.ArchetypeProcess,
	scenario.KindSink:    fsm.ArchetypeSink,
}

// newNodeState derives fresh runtime state from a node config.
func newNodeState(cfg *scenario.NodeConfig) (*NodeState, error) {
	arch, ok := archetypes[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("node %s: unknown kind %q", cfg.NodeID, cfg.Kind)
	}
	m, err := fsm.New(arch)
	if err != nil {
		return nil, err
	}
	st := &NodeState{Kind: cfg.Kind, Machine: m}
	switch cfg.Kind {
	case scenario.KindSource:
		st.Source = &SourceState{LastEmissionTime: unsetTime}
	case scenario.KindQueue:
		st.Queue = &QueueState{LastAggregationTime: unsetTime}
	case scenario.KindProcess:
		st.Process = &ProcessState{
			InputBuffers:  make(map[string][]*token.Token),
			LastFiredTime: unsetTime,
		}
	case scenario.KindSink:
		st.Sink = &SinkState{LastConsumedTime: unsetTime}
	}
	return st, nil
}

// PersistedState is the full serializable capture of engine state used for
// replay snapshots and undo. Tokens carries every token the run created so
// the lineage index can be rebuilt verbatim on restore.
type PersistedState struct {
	CurrentTime int64                 `json:"current_time"`
	Nodes       map[string]*NodeState `json:"nodes"`
	Journal     journal.State         `json:"journal"`
	Tokens      []*token.Token        `json:"tokens"`
	Errors      []string              `json:"errors,omitempty"`
}

// View is the read-only projection handed to rendering and inspection
// layers. Buffers are copied; the tokens inside them are immutable.
type View struct {
	Scenario          *scenario.Scenario    `json:"scenario"`
	NodeStates        map[string]*NodeState `json:"node_states"`
	CurrentTime       int64                 `json:"current_time"`
	GlobalActivityLog []journal.Entry       `json:"global_activity_log"`
	EventCounter      int64                 `json:"event_counter"`
}

func copyTokens(ts []*token.Token) []*token.Token {
	if ts == nil {
		return nil
	}
	out := make([]*token.Token, len(ts))
	copy(out, ts)
	return out
}

// clone copies a NodeState with fresh buffer slices. Machine history and the
// tokens themselves are shared; tokens are immutable and the machine copy is
// by value.
func (st *NodeState) clone() *NodeState {
	m := *st.Machine
	m.History = append([]fsm.Transition(nil), st.Machine.History...)
	out := &NodeState{Kind: st.Kind, Machine: &m}
	switch {
	case st.Source != nil:
		c := *st.Source
		out.Source = &c
	case st.Queue != nil:
		out.Queue = &QueueState{
			InputBuffer:         copyTokens(st.Queue.InputBuffer),
			OutputBuffer:        copyTokens(st.Queue.OutputBuffer),
			LastAggregationTime: st.Queue.LastAggregationTime,
		}
	case st.Process != nil:
		bufs := make(map[string][]*token.Token, len(st.Process.InputBuffers))
		for k, v := range st.Process.InputBuffers {
			bufs[k] = copyTokens(v)
		}
		out.Process = &ProcessState{InputBuffers: bufs, LastFiredTime: st.Process.LastFiredTime}
	case st.Sink != nil:
		out.Sink = &SinkState{
			ConsumedCount:    st.Sink.ConsumedCount,
			LastConsumedTime: st.Sink.LastConsumedTime,
			Consumed:         copyTokens(st.Sink.Consumed),
		}
	}
	return out
}
