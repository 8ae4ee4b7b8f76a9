// Package fsm provides the small fixed state machines that annotate each
// node's lifecycle within a tick.
//
// The state sets are hard-coded per node archetype and are not user
// configurable. Transitions are observational bookkeeping: behavior handlers
// decide whether to fire from buffer contents and timers, then record what
// happened (act-then-record, applied uniformly). A transition never gates
// behavior, so replaying a tick re-derives the identical transition sequence.
package fsm

import "fmt"

// Archetype identifies one of the four node kinds.
type Archetype string

const (
	ArchetypeSource  Archetype = "source"
	ArchetypeQueue   Archetype = "queue"
	ArchetypeProcess Archetype = "process"
	ArchetypeSink    Archetype = "sink"
)

// State is a tag drawn from one archetype's fixed state set.
type State string

const (
	SourceIdle       State = "source_idle"
	SourceGenerating State = "source_generating"
	SourceEmitting   State = "source_emitting"
	SourceWaiting    State = "source_waiting"

	QueueIdle         State = "queue_idle"
	QueueAccumulating State = "queue_accumulating"
	QueueProcessing   State = "queue_processing"
	QueueEmitting     State = "queue_emitting"

	ProcessIdle        State = "process_idle"
	ProcessCollecting  State = "process_collecting"
	ProcessCalculating State = "process_calculating"
	ProcessEmitting    State = "process_emitting"

	SinkIdle       State = "sink_idle"
	SinkProcessing State = "sink_processing"
)

// HistoryCap bounds each machine's transition ring; oldest entries are
// evicted first.
const HistoryCap = 50

var stateSets = map[Archetype][]State{
	ArchetypeSource:  {SourceIdle, SourceGenerating, SourceEmitting, SourceWaiting},
	ArchetypeQueue:   {QueueIdle, QueueAccumulating, QueueProcessing, QueueEmitting},
	ArchetypeProcess: {ProcessIdle, ProcessCollecting, ProcessCalculating, ProcessEmitting},
	ArchetypeSink:    {SinkIdle, SinkProcessing},
}

var idleStates = map[Archetype]State{
	ArchetypeSource:  SourceIdle,
	ArchetypeQueue:   QueueIdle,
	ArchetypeProcess: ProcessIdle,
	ArchetypeSink:    SinkIdle,
}

// Transition records one observed state change.
type Transition struct {
	From      State  `json:"from"`
	To        State  `json:"to"`
	Timestamp int64  `json:"timestamp"`
	Trigger   string `json:"trigger"`
}

// Machine tracks one node's current and previous state plus a bounded
// transition history. The zero value is not usable; construct with New.
type Machine struct {
	Archetype Archetype    `json:"archetype"`
	Current   State        `json:"current_state"`
	Previous  State        `json:"previous_state"`
	ChangedAt int64        `json:"state_changed_at"`
	History   []Transition `json:"transition_history"`
}

// New creates a machine in the archetype's idle state.
func New(a Archetype) (*Machine, error) {
	idle, ok := idleStates[a]
	if !ok {
		return nil, fmt.Errorf("unknown archetype %q", a)
	}
	return &Machine{Archetype: a, Current: idle}, nil
}

// Transition records a state change with its trigger. The target state must
// belong to the machine's archetype; an unknown state is rejected without
// recording anything.
func (m *Machine) Transition(to State, ts int64, trigger string) error {
	if !m.valid(to) {
		return fmt.Errorf("state %q not in %s state set", to, m.Archetype)
	}
	m.History = append(m.History, Transition{
		From:      m.Current,
		To:        to,
		Timestamp: ts,
		Trigger:   trigger,
	})
	if len(m.History) > HistoryCap {
		m.History = m.History[len(m.History)-HistoryCap:]
	}
	m.Previous = m.Current
	m.Current = to
	m.ChangedAt = ts
	return nil
}

func (m *Machine) valid(s State) bool {
	for _, st := range stateSets[m.Archetype] {
		if st == s {
			return true
		}
	}
	return false
}

// Idle returns the archetype's resting state.
func (m *Machine) Idle() State {
	return idleStates[m.Archetype]
}
