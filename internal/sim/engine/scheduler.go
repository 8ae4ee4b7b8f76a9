package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ripple-sim/ripple/internal/observability"
	"github.com/ripple-sim/ripple/internal/sim/formula"
	"github.com/ripple-sim/ripple/internal/sim/journal"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/sim/token"
)

// Defaults for scheduler options.
const (
	DefaultSpeed         = 1.0
	DefaultSinkRetention = 50
)

// Scheduler advances global discrete time and fires node behaviors in a
// fixed dependency-respecting order.
//
// Thread-safety model: the entire engine state is one exclusively-owned unit
// behind a single mutex. Tick, StepForward, InjectToken, and all read
// projections serialize on it; the Play loop is the only source of
// asynchronous suspension and never overlaps ticks.
type Scheduler struct {
	mu sync.Mutex

	scen    *scenario.Scenario
	states  map[string]*NodeState
	order   []string // node declaration order
	now     int64
	journal *journal.Journal
	index   *token.Index
	eval    *formula.Evaluator
	ids     token.Generator
	errs    []string
	history scenario.History

	speed         float64
	seed          int64
	sinkRetention int
	globalLogCap  int
	nodeLogCap    int
	nowFn         func() time.Time
	metrics       *observability.EngineCollector

	running bool
	stop    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSpeed sets the play-loop speed multiplier: ticks run every
// 1000/speed milliseconds.
func WithSpeed(speed float64) Option {
	return func(s *Scheduler) {
		if speed > 0 {
			s.speed = speed
		}
	}
}

// WithSeed sets the seed for source value generation. Values derive from
// (seed, tick, nodeID), so the same seed reproduces the same emissions.
func WithSeed(seed int64) Option {
	return func(s *Scheduler) { s.seed = seed }
}

// WithIDGenerator replaces the token id generator. The default sequential
// generator keeps runs byte-comparable; see token.RandomGenerator for
// cross-process uniqueness.
func WithIDGenerator(g token.Generator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithSinkRetention bounds how many recent tokens each sink retains.
func WithSinkRetention(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.sinkRetention = n
		}
	}
}

// WithGlobalLogCap bounds the global activity log.
func WithGlobalLogCap(n int) Option {
	return func(s *Scheduler) { s.globalLogCap = n }
}

// WithNodeLogCap bounds each per-node activity log.
func WithNodeLogCap(n int) Option {
	return func(s *Scheduler) { s.nodeLogCap = n }
}

// WithNowFunc injects the wall-clock source for journal epochs. Tests pin it
// for reproducible fixtures; it never participates in engine logic.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = now }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *observability.EngineCollector) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler with no scenario loaded.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		speed:         DefaultSpeed,
		sinkRetention: DefaultSinkRetention,
		globalLogCap:  journal.DefaultGlobalCap,
		nodeLogCap:    journal.DefaultNodeCap,
		eval:          formula.NewEvaluator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		s.ids = token.NewSequentialGenerator("tok")
	}
	s.journal = journal.New(s.globalLogCap, s.nodeLogCap, s.nowFn)
	s.index = token.NewIndex()
	return s
}

// LoadScenario installs a validated scenario and derives fresh runtime state
// for every node. Time, journal, token index, and error list all reset: a
// load is the start of a new run.
//
// The scenario is assumed well-formed (scenario.Load enforces this); only
// kind/variant coherence is re-checked because state derivation depends on
// it. On error the scheduler is left without a runnable model.
func (s *Scheduler) LoadScenario(scen *scenario.Scenario) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scen == nil {
		return errNoScenario()
	}
	states := make(map[string]*NodeState, len(scen.Nodes))
	order := make([]string, 0, len(scen.Nodes))
	for i := range scen.Nodes {
		cfg := &scen.Nodes[i]
		st, err := newNodeState(cfg)
		if err != nil {
			s.scen = nil
			return fmt.Errorf("derive state: %w", err)
		}
		states[cfg.NodeID] = st
		order = append(order, cfg.NodeID)
	}

	s.scen = scen
	s.states = states
	s.order = order
	s.now = 0
	s.journal = journal.New(s.globalLogCap, s.nodeLogCap, s.nowFn)
	s.index = token.NewIndex()
	s.errs = nil
	s.history = scenario.History{}

	slog.Info("scenario loaded", "name", scen.Name, "nodes", len(scen.Nodes), "schema_version", scen.SchemaVersion)
	return nil
}

// UpgradeModel replaces the scenario mid-run, preserving time, journal, and
// token index. Runtime state carries over for nodes whose id and kind are
// unchanged; new or re-kinded nodes start fresh. The outgoing scenario is
// retained on the undo ring and the swap is journaled.
func (s *Scheduler) UpgradeModel(scen *scenario.Scenario, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scen == nil {
		return errNoScenario()
	}
	if scen == nil {
		return &RuntimeError{Code: ErrCodeNoScenario, Message: "upgrade with nil scenario"}
	}

	states := make(map[string]*NodeState, len(scen.Nodes))
	order := make([]string, 0, len(scen.Nodes))
	for i := range scen.Nodes {
		cfg := &scen.Nodes[i]
		if prev, ok := s.states[cfg.NodeID]; ok && prev.Kind == cfg.Kind {
			states[cfg.NodeID] = prev
		} else {
			st, err := newNodeState(cfg)
			if err != nil {
				return fmt.Errorf("derive state: %w", err)
			}
			states[cfg.NodeID] = st
		}
		order = append(order, cfg.NodeID)
	}

	s.history.Push(s.scen)
	s.scen = scen
	s.states = states
	s.order = order

	s.log(journal.Entry{
		Timestamp: s.now,
		NodeID:    "engine",
		Action:    journal.ActionModelUpgrade,
		Details:   fmt.Sprintf("model upgraded: %s", reason),
	})
	slog.Info("model upgraded", "name", scen.Name, "reason", reason, "time", s.now)
	return nil
}

// UndoModel reverts to the previous scenario version, if any.
func (s *Scheduler) UndoModel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.history.Undo(s.scen)
	if !ok {
		return false
	}
	s.swapModelLocked(prev, "undo")
	return true
}

// RedoModel re-applies an undone scenario version, if any.
func (s *Scheduler) RedoModel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.history.Redo(s.scen)
	if !ok {
		return false
	}
	s.swapModelLocked(next, "redo")
	return true
}

func (s *Scheduler) swapModelLocked(scen *scenario.Scenario, reason string) {
	states := make(map[string]*NodeState, len(scen.Nodes))
	order := make([]string, 0, len(scen.Nodes))
	for i := range scen.Nodes {
		cfg := &scen.Nodes[i]
		if prev, ok := s.states[cfg.NodeID]; ok && prev.Kind == cfg.Kind {
			states[cfg.NodeID] = prev
		} else {
			st, _ := newNodeState(cfg)
			states[cfg.NodeID] = st
		}
		order = append(order, cfg.NodeID)
	}
	s.scen = scen
	s.states = states
	s.order = order
	s.log(journal.Entry{
		Timestamp: s.now,
		NodeID:    "engine",
		Action:    journal.ActionModelUpgrade,
		Details:   "model swapped: " + reason,
	})
}

// Tick advances global time by exactly one unit and runs the four behavior
// passes. Safe to call repeatedly; deterministic given identical state.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scen == nil {
		return errNoScenario()
	}
	s.tickLocked()
	return nil
}

// StepForward advances exactly n ticks. Stepping is rejected while the play
// loop is running - an enforced precondition, not an internal detail.
func (s *Scheduler) StepForward(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &RuntimeError{Code: ErrCodeStepWhileRunning, Message: "cannot step while simulation is running"}
	}
	if s.scen == nil {
		return errNoScenario()
	}
	for i := 0; i < n; i++ {
		s.tickLocked()
	}
	return nil
}

// Play runs the tick loop at the configured speed until Pause is called or
// the context is cancelled. An in-flight tick always completes; Pause only
// suppresses the next scheduled tick.
func (s *Scheduler) Play(ctx context.Context) error {
	s.mu.Lock()
	if s.scen == nil {
		s.mu.Unlock()
		return errNoScenario()
	}
	if s.running {
		s.mu.Unlock()
		return &RuntimeError{Code: ErrCodeAlreadyRunning, Message: "simulation already running"}
	}
	s.running = true
	stop := make(chan struct{})
	s.stop = stop
	interval := time.Duration(float64(time.Second) / s.speed)
	s.mu.Unlock()

	slog.Info("simulation playing", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("simulation stopping: context cancelled")
			return ctx.Err()
		case <-stop:
			slog.Info("simulation paused")
			return nil
		case <-ticker.C:
			if err := s.Tick(); err != nil {
				return err
			}
		}
	}
}

// Pause stops the play loop before its next tick. Idempotent.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stop != nil {
		close(s.stop)
		s.stop = nil
		s.running = false
	}
}

// Running reports whether the play loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CurrentTime returns the global simulation tick.
func (s *Scheduler) CurrentTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// InjectToken creates an externally-sourced token and delivers it to the
// target node, as if it had arrived over an edge. Queue targets are
// capacity-checked; sink targets consume immediately; process targets buffer
// under their first declared input's source key so the token participates in
// the next firing.
func (s *Scheduler) InjectToken(nodeID string, value any) (*token.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scen == nil {
		return nil, errNoScenario()
	}
	cfg, ok := s.scen.Node(nodeID)
	if !ok {
		return nil, &RuntimeError{Code: ErrCodeUnknownNode, Message: "injection target not in scenario", NodeID: nodeID}
	}
	if cfg.Kind == scenario.KindSource {
		return nil, &RuntimeError{Code: ErrCodeBadInjection, Message: "cannot inject into a source node", NodeID: nodeID}
	}

	tok := token.New(s.ids.NextID(), nodeID, value, s.now, token.OpCreation, nil)
	s.index.Add(tok)
	s.countCreated(token.OpCreation)
	s.log(journal.Entry{
		Timestamp: s.now,
		NodeID:    nodeID,
		Action:    journal.ActionInjected,
		TokenID:   tok.ID,
		Value:     tok.Value,
		EventType: journal.EventTypeExternal,
		Operation: token.OpCreation,
		Details:   fmt.Sprintf("token %s injected with value %v", tok.ID, value),
	})

	switch cfg.Kind {
	case scenario.KindProcess:
		key := cfg.Process.Inputs[0].Source
		st := s.states[nodeID].Process
		st.InputBuffers[key] = append(st.InputBuffers[key], tok)
		tok.Append(token.Record{Timestamp: s.now, Action: "ARRIVED", Details: "injected into " + nodeID})
	default:
		s.deliver(tok, nodeID, scenario.Edge{To: nodeID})
	}
	return tok, nil
}

// Errors returns the accumulated human-readable error list.
func (s *Scheduler) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errs))
	copy(out, s.errs)
	return out
}

// ClearErrors empties the error list.
func (s *Scheduler) ClearErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = nil
}

// Snapshot returns a read-only projection for rendering layers.
func (s *Scheduler) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]*NodeState, len(s.states))
	for id, st := range s.states {
		states[id] = st.clone()
	}
	return View{
		Scenario:          s.scen,
		NodeStates:        states,
		CurrentTime:       s.now,
		GlobalActivityLog: s.journal.Global(),
		EventCounter:      s.journal.Seq(),
	}
}

// NodeLog returns the bounded activity log of one node.
func (s *Scheduler) NodeLog(nodeID string) []journal.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal.Node(nodeID)
}

// TokenIndex exposes the lineage index for read-only queries.
func (s *Scheduler) TokenIndex() *token.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Scenario returns the loaded scenario (read-only by convention).
func (s *Scheduler) Scenario() *scenario.Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scen
}

// Persist captures the full engine state for a replay snapshot.
func (s *Scheduler) Persist() *PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[string]*NodeState, len(s.states))
	for id, st := range s.states {
		states[id] = st.clone()
	}
	return &PersistedState{
		CurrentTime: s.now,
		Nodes:       states,
		Journal:     s.journal.Snapshot(),
		Tokens:      s.index.All(),
		Errors:      append([]string(nil), s.errs...),
	}
}

// Restore applies a persisted state verbatim. The receiver must already have
// the corresponding scenario loaded; node states, journal, token index, and
// the id generator all resume from the snapshot.
func (s *Scheduler) Restore(ps *PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scen == nil {
		return errNoScenario()
	}

	index := token.NewIndex()
	for _, t := range ps.Tokens {
		index.Add(t)
	}

	states := make(map[string]*NodeState, len(ps.Nodes))
	for id, st := range ps.Nodes {
		relink(st, index)
		states[id] = st
	}
	for _, id := range s.order {
		if _, ok := states[id]; !ok {
			return fmt.Errorf("snapshot missing state for node %s", id)
		}
	}

	s.states = states
	s.now = ps.CurrentTime
	s.index = index
	s.journal.Restore(ps.Journal)
	s.errs = append([]string(nil), ps.Errors...)
	s.resumeIDs(ps.Tokens)
	return nil
}

// relink replaces buffer tokens with their index instances so a token's
// history stays one object however many buffers referenced it before the
// snapshot was taken.
func relink(st *NodeState, ix *token.Index) {
	swap := func(ts []*token.Token) {
		for i, t := range ts {
			if canonical, ok := ix.Get(t.ID); ok {
				ts[i] = canonical
			}
		}
	}
	switch {
	case st.Queue != nil:
		swap(st.Queue.InputBuffer)
		swap(st.Queue.OutputBuffer)
	case st.Process != nil:
		for _, buf := range st.Process.InputBuffers {
			swap(buf)
		}
	case st.Sink != nil:
		swap(st.Sink.Consumed)
	}
}

// resumeIDs advances a sequential id generator past every restored token so
// new allocations cannot collide.
func (s *Scheduler) resumeIDs(tokens []*token.Token) {
	gen, ok := s.ids.(*token.SequentialGenerator)
	if !ok {
		return
	}
	var max int64
	for _, t := range tokens {
		if i := strings.LastIndexByte(t.ID, '-'); i >= 0 {
			if n, err := strconv.ParseInt(t.ID[i+1:], 10, 64); err == nil && n > max {
				max = n
			}
		}
	}
	gen.Advance(max)
}

// log appends a journal entry, stamping it with the current tick. A rejected
// entry (logging invariant violation) is prepended to the error list and not
// written - failing safe rather than corrupting a keyed log.
func (s *Scheduler) log(e journal.Entry) {
	if _, err := s.journal.Append(e); err != nil {
		s.errs = append([]string{"logging error: " + err.Error()}, s.errs...)
	}
}

func (s *Scheduler) addError(msg string) {
	s.errs = append(s.errs, msg)
}

func (s *Scheduler) countCreated(op token.Operation) {
	if s.metrics != nil {
		s.metrics.TokensCreated.WithLabelValues(string(op)).Inc()
	}
}
