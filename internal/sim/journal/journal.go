// Package journal implements the append-only, capacity-bounded activity logs
// that record every state transition and token movement in a run.
//
// Two scopes exist: one global log and one log per node, each independently
// bounded with oldest-first eviction so an unboundedly long simulation keeps
// flat memory. Entries are stamped from a single monotonic Clock; the global
// seq is the engine's event counter.
package journal

import (
	"fmt"
	"sort"
	"time"
)

// Default capacity bounds.
const (
	DefaultGlobalCap = 500
	DefaultNodeCap   = 100
)

// Log is a bounded append-only entry ring. Oldest entries are evicted first.
type Log struct {
	cap     int
	entries []Entry
}

// NewLog creates a log bounded to the given capacity.
func NewLog(capacity int) *Log {
	return &Log{cap: capacity}
}

// Append adds an entry, evicting the oldest when over capacity.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
	if l.cap > 0 && len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// Journal owns the global log, the per-node logs, and the sequence clock.
// Single-writer: only the scheduler appends.
type Journal struct {
	clock     *Clock
	global    *Log
	perNode   map[string]*Log
	nodeOrder []string
	nodeCap   int
	now       func() time.Time
}

// New creates a journal with the given capacity bounds. A now function may
// be injected for tests; nil means time.Now.
func New(globalCap, nodeCap int, now func() time.Time) *Journal {
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	if nodeCap <= 0 {
		nodeCap = DefaultNodeCap
	}
	if now == nil {
		now = time.Now
	}
	return &Journal{
		clock:   NewClock(),
		global:  NewLog(globalCap),
		perNode: make(map[string]*Log),
		nodeCap: nodeCap,
		now:     now,
	}
}

// Append stamps the entry with the next sequence number and the wall clock,
// then writes it to the global log and the node's log.
//
// An entry without a NodeID violates the logging contract: it is NOT written
// anywhere (writing under an invalid key would corrupt the per-node logs)
// and an error is returned for the engine's error list.
func (j *Journal) Append(e Entry) (Entry, error) {
	if e.NodeID == "" {
		return Entry{}, fmt.Errorf("journal entry with action %q has no nodeId", e.Action)
	}
	e.Seq = j.clock.Next()
	e.Epoch = j.now()
	j.global.Append(e)
	j.nodeLog(e.NodeID).Append(e)
	return e, nil
}

func (j *Journal) nodeLog(nodeID string) *Log {
	l, ok := j.perNode[nodeID]
	if !ok {
		l = NewLog(j.nodeCap)
		j.perNode[nodeID] = l
		j.nodeOrder = append(j.nodeOrder, nodeID)
	}
	return l
}

// Global returns the retained global entries, oldest first.
func (j *Journal) Global() []Entry {
	return j.global.Entries()
}

// Node returns the retained entries for one node, oldest first.
func (j *Journal) Node(nodeID string) []Entry {
	if l, ok := j.perNode[nodeID]; ok {
		return l.Entries()
	}
	return nil
}

// Seq returns the current global sequence counter.
func (j *Journal) Seq() int64 {
	return j.clock.Current()
}

// State is the serializable capture of a journal for snapshots.
type State struct {
	Seq     int64              `json:"seq"`
	Global  []Entry            `json:"global"`
	PerNode map[string][]Entry `json:"per_node"`
}

// Snapshot captures the journal for persistence.
func (j *Journal) Snapshot() State {
	per := make(map[string][]Entry, len(j.perNode))
	for id, l := range j.perNode {
		per[id] = l.Entries()
	}
	return State{Seq: j.clock.Current(), Global: j.global.Entries(), PerNode: per}
}

// Restore rebuilds a journal from a snapshot, resuming the clock at the
// captured position. Capacity bounds are those of the receiver.
func (j *Journal) Restore(s State) {
	j.clock = NewClockAt(s.Seq)
	j.global = NewLog(j.global.cap)
	for _, e := range s.Global {
		j.global.Append(e)
	}
	j.perNode = make(map[string]*Log, len(s.PerNode))
	j.nodeOrder = nil
	ids := make([]string, 0, len(s.PerNode))
	for id := range s.PerNode {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l := NewLog(j.nodeCap)
		for _, e := range s.PerNode[id] {
			l.Append(e)
		}
		j.perNode[id] = l
		j.nodeOrder = append(j.nodeOrder, id)
	}
}
