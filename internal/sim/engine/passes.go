package engine

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/ripple-sim/ripple/internal/sim/formula"
	"github.com/ripple-sim/ripple/internal/sim/fsm"
	"github.com/ripple-sim/ripple/internal/sim/journal"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/sim/token"
)

// tickLocked advances time by one unit and runs the four passes. Each pass
// is a full sweep in node declaration order before the next pass starts.
// Caller holds s.mu.
func (s *Scheduler) tickLocked() {
	s.now++

	for _, id := range s.order {
		if s.states[id].Kind == scenario.KindSource {
			s.emitPass(id)
		}
	}
	for _, id := range s.order {
		if s.states[id].Kind == scenario.KindProcess {
			s.firePass(id)
		}
	}
	for _, id := range s.order {
		if s.states[id].Kind == scenario.KindQueue {
			s.aggregatePass(id)
		}
	}
	for _, id := range s.order {
		if s.states[id].Kind == scenario.KindQueue {
			s.forwardPass(id)
		}
	}

	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
		s.metrics.SimTime.Set(float64(s.now))
	}
	slog.Debug("tick complete", "time", s.now, "events", s.journal.Seq())
}

// transition records an FSM state change; an invalid target state is an
// internal error surfaced on the error list, never a tick abort.
func (s *Scheduler) transition(nodeID string, m *fsm.Machine, to fsm.State, trigger string) {
	if err := m.Transition(to, s.now, trigger); err != nil {
		s.addError(fmt.Sprintf("node %s: %v", nodeID, err))
	}
}

// emitPass runs source emission for one node: on interval elapse, generate a
// value, create a root token, and route it to every declared output.
func (s *Scheduler) emitPass(nodeID string) {
	cfg, _ := s.scen.Node(nodeID)
	st := s.states[nodeID]
	src := st.Source

	eligible := src.LastEmissionTime == unsetTime || s.now-src.LastEmissionTime >= cfg.Source.Interval
	if !eligible {
		if st.Machine.Current != fsm.SourceWaiting {
			s.transition(nodeID, st.Machine, fsm.SourceWaiting, "interval_pending")
		}
		return
	}

	value := s.sourceValue(nodeID, cfg.Source.ValueMin, cfg.Source.ValueMax)
	tok := token.New(s.ids.NextID(), nodeID, value, s.now, token.OpCreation, nil)
	s.index.Add(tok)
	s.countCreated(token.OpCreation)
	src.LastEmissionTime = s.now

	s.transition(nodeID, st.Machine, fsm.SourceGenerating, "interval_elapsed")
	s.transition(nodeID, st.Machine, fsm.SourceEmitting, "token_created")

	s.log(journal.Entry{
		Timestamp: s.now,
		NodeID:    nodeID,
		Action:    journal.ActionEmit,
		TokenID:   tok.ID,
		Value:     tok.Value,
		Operation: token.OpCreation,
		Lineage:   &tok.Lineage,
		Details:   fmt.Sprintf("emitted token %s with value %v", tok.ID, value),
	})

	for _, edge := range cfg.Outputs {
		s.deliver(tok, nodeID, edge)
	}
	s.transition(nodeID, st.Machine, fsm.SourceIdle, "emission_complete")
}

// sourceValue generates a uniform integer in [min, max], derived from
// (seed, tick, nodeID) rather than a shared RNG stream so that replay from a
// snapshot reproduces the exact values of an uninterrupted run.
func (s *Scheduler) sourceValue(nodeID string, min, max int) int {
	if max <= min {
		return min
	}
	h := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(s.seed))
	binary.BigEndian.PutUint64(buf[8:], uint64(s.now))
	h.Write(buf[:])
	h.Write([]byte(nodeID))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	return min + r.Intn(max-min+1)
}

// firePass runs process firing for one node. All-or-nothing: unless every
// declared input has a token available, nothing is consumed this tick.
// Queue-sourced inputs read the queue's output buffer directly (the firing
// pass runs before the forwarding pass, so aggregates produced this tick are
// not yet visible).
func (s *Scheduler) firePass(nodeID string) {
	cfg, _ := s.scen.Node(nodeID)
	st := s.states[nodeID]
	proc := st.Process

	// Readiness is counted per feeding buffer: two bindings on the same
	// source need two buffered tokens, not one token counted twice.
	needed := make(map[string]int, len(cfg.Process.Inputs))
	for _, in := range cfg.Process.Inputs {
		needed[in.Source]++
	}
	satisfied := 0
	for src, want := range needed {
		have := s.availableFrom(proc, src)
		if have > want {
			have = want
		}
		satisfied += have
	}
	if satisfied < len(cfg.Process.Inputs) {
		if satisfied > 0 && st.Machine.Current != fsm.ProcessCollecting {
			s.transition(nodeID, st.Machine, fsm.ProcessCollecting, "partial_inputs")
		}
		return
	}

	// Consume exactly one token per input, head of buffer, in declaration
	// order.
	consumed := make([]*token.Token, 0, len(cfg.Process.Inputs))
	byAlias := make(map[string]*token.Token, len(cfg.Process.Inputs))
	for _, in := range cfg.Process.Inputs {
		tok := s.consumeInput(proc, in)
		consumed = append(consumed, tok)
		byAlias[in.FormulaAlias()] = tok
		s.log(journal.Entry{
			Timestamp: s.now,
			NodeID:    nodeID,
			Action:    journal.ActionConsume,
			TokenID:   tok.ID,
			Value:     tok.Value,
			Operation: token.OpConsumption,
			Details:   fmt.Sprintf("consumed token %s from input %q", tok.ID, in.Name),
		})
	}
	proc.LastFiredTime = s.now

	s.transition(nodeID, st.Machine, fsm.ProcessCollecting, "inputs_ready")
	s.transition(nodeID, st.Machine, fsm.ProcessCalculating, "inputs_consumed")

	inputs := make(map[string]formula.Input, len(byAlias))
	inputValues := make(map[string]any, len(byAlias))
	for alias, tok := range byAlias {
		inputs[alias] = formula.Input{Value: tok.Value}
		inputValues[alias] = tok.Value
	}

	s.transition(nodeID, st.Machine, fsm.ProcessEmitting, "outputs_ready")
	for _, out := range cfg.Process.Outputs {
		res := s.eval.Evaluate(out.Formula, inputs)
		if !res.OK() {
			// Only this output slot is skipped; the other outputs of the
			// same firing proceed.
			if s.metrics != nil {
				s.metrics.FormulaErrors.Inc()
			}
			s.log(journal.Entry{
				Timestamp: s.now,
				NodeID:    nodeID,
				Action:    journal.ActionFormulaError,
				Details:   fmt.Sprintf("output %q: %s", out.Name, res.Err),
			})
			s.addError(fmt.Sprintf("node %s output %q: %s", nodeID, out.Name, res.Err))
			continue
		}

		// Parent set is all consumed inputs this firing, not only the
		// inputs the formula referenced.
		derived := token.New(s.ids.NextID(), nodeID, res.Value, s.now, token.OpTransformation, consumed)
		s.index.Add(derived)
		s.countCreated(token.OpTransformation)
		s.log(journal.Entry{
			Timestamp:            s.now,
			NodeID:               nodeID,
			Action:               journal.ActionTransform,
			TokenID:              derived.ID,
			Value:                derived.Value,
			Operation:            token.OpTransformation,
			SourceTokenIDs:       derived.Lineage.ParentIDs,
			SourceTokenSummaries: derived.Parents,
			Lineage:              &derived.Lineage,
			Transformation: &journal.TransformationDetails{
				Formula: out.Formula,
				Inputs:  inputValues,
				Result:  res.Value,
			},
			Details: fmt.Sprintf("output %q computed %v via %q", out.Name, res.Value, out.Formula),
		})
		s.deliver(derived, nodeID, out.Destination())
	}
	s.transition(nodeID, st.Machine, fsm.ProcessIdle, "firing_complete")
}

// availableFrom reports how many tokens the named feeding node has buffered
// for this process. Queue sources are read from their output buffer.
func (s *Scheduler) availableFrom(proc *ProcessState, source string) int {
	if src := s.states[source]; src != nil && src.Kind == scenario.KindQueue {
		return len(src.Queue.OutputBuffer)
	}
	return len(proc.InputBuffers[source])
}

func (s *Scheduler) consumeInput(proc *ProcessState, in scenario.InputBinding) *token.Token {
	if src := s.states[in.Source]; src != nil && src.Kind == scenario.KindQueue {
		tok := src.Queue.OutputBuffer[0]
		src.Queue.OutputBuffer = src.Queue.OutputBuffer[1:]
		return tok
	}
	buf := proc.InputBuffers[in.Source]
	tok := buf[0]
	proc.InputBuffers[in.Source] = buf[1:]
	return tok
}

// aggregatePass runs queue aggregation for one node: on window elapse,
// reduce the entire input buffer into one derived token and push it onto the
// output buffer. An empty buffer at window elapse logs a marker and advances
// the window without producing a token.
func (s *Scheduler) aggregatePass(nodeID string) {
	cfg, _ := s.scen.Node(nodeID)
	st := s.states[nodeID]
	q := st.Queue

	eligible := q.LastAggregationTime == unsetTime || s.now-q.LastAggregationTime >= cfg.Queue.Window
	if !eligible {
		return
	}

	if len(q.InputBuffer) == 0 {
		q.LastAggregationTime = s.now
		s.log(journal.Entry{
			Timestamp: s.now,
			NodeID:    nodeID,
			Action:    journal.ActionAggregationEmpty,
			Details:   "window elapsed with empty input buffer",
		})
		return
	}

	batch := q.InputBuffer
	q.InputBuffer = nil

	value, desc := aggregate(cfg.Queue.Method, batch)
	agg := token.New(s.ids.NextID(), nodeID, value, s.now, token.OpAggregation, batch)
	s.index.Add(agg)
	s.countCreated(token.OpAggregation)
	q.OutputBuffer = append(q.OutputBuffer, agg)
	q.LastAggregationTime = s.now

	s.transition(nodeID, st.Machine, fsm.QueueProcessing, "window_elapsed")
	s.transition(nodeID, st.Machine, fsm.QueueEmitting, "aggregate_created")

	s.log(journal.Entry{
		Timestamp:            s.now,
		NodeID:               nodeID,
		Action:               journal.AggregatedAction(string(cfg.Queue.Method)),
		TokenID:              agg.ID,
		Value:                agg.Value,
		Operation:            token.OpAggregation,
		SourceTokenIDs:       agg.Lineage.ParentIDs,
		SourceTokenSummaries: agg.Parents,
		Lineage:              &agg.Lineage,
		Aggregation: &journal.AggregationDetails{
			Method:      string(cfg.Queue.Method),
			Inputs:      agg.Parents,
			Description: desc,
			Result:      value,
		},
		Details: fmt.Sprintf("aggregated %d tokens: %s", len(batch), desc),
	})
	s.transition(nodeID, st.Machine, fsm.QueueIdle, "aggregation_complete")
}

// aggregate reduces a non-empty batch per the configured method. Sum and
// average coerce token values to numbers; first/last take buffer order.
func aggregate(method scenario.AggregationMethod, batch []*token.Token) (any, string) {
	values := make([]string, len(batch))
	for i, t := range batch {
		values[i] = fmt.Sprintf("%v", t.Value)
	}
	joined := strings.Join(values, ", ")

	switch method {
	case scenario.AggregateSum:
		sum := 0.0
		for _, t := range batch {
			sum += toNumber(t.Value)
		}
		return sum, fmt.Sprintf("sum(%s) = %v", joined, sum)
	case scenario.AggregateAverage:
		// Guarded non-empty by the caller, so count >= 1.
		sum := 0.0
		for _, t := range batch {
			sum += toNumber(t.Value)
		}
		avg := sum / float64(len(batch))
		return avg, fmt.Sprintf("average(%s) = %v", joined, avg)
	case scenario.AggregateCount:
		return len(batch), fmt.Sprintf("count(%s) = %d", joined, len(batch))
	case scenario.AggregateFirst:
		return batch[0].Value, fmt.Sprintf("first(%s) = %v", joined, batch[0].Value)
	case scenario.AggregateLast:
		last := batch[len(batch)-1].Value
		return last, fmt.Sprintf("last(%s) = %v", joined, last)
	default:
		// Unreachable for validated scenarios.
		return nil, fmt.Sprintf("unknown method %q", method)
	}
}

func toNumber(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

// forwardPass drains one output-buffer head per declared output for one
// queue. Edges feeding a process that declares this queue as an input are
// skipped: those tokens are pulled by the process firing pass directly, and
// forwarding them as well would deliver them twice.
func (s *Scheduler) forwardPass(nodeID string) {
	cfg, _ := s.scen.Node(nodeID)
	st := s.states[nodeID]
	q := st.Queue

	for _, edge := range cfg.Outputs {
		if len(q.OutputBuffer) == 0 {
			return
		}
		if s.processPullsFrom(edge.To, nodeID) {
			continue
		}
		tok := q.OutputBuffer[0]
		q.OutputBuffer = q.OutputBuffer[1:]
		s.log(journal.Entry{
			Timestamp: s.now,
			NodeID:    nodeID,
			Action:    journal.ActionForward,
			TokenID:   tok.ID,
			Value:     tok.Value,
			Details:   fmt.Sprintf("forwarded token %s to %s", tok.ID, edge.To),
		})
		s.deliver(tok, nodeID, edge)
	}
}

func (s *Scheduler) processPullsFrom(destID, queueID string) bool {
	cfg, ok := s.scen.Node(destID)
	if !ok || cfg.Kind != scenario.KindProcess {
		return false
	}
	for _, in := range cfg.Process.Inputs {
		if in.Source == queueID {
			return true
		}
	}
	return false
}

// deliver routes a token to a destination node. Shared by every pass and by
// injection: queue destinations are capacity-checked (drop on full), sinks
// consume immediately with ring retention, processes buffer under the
// emitting node's id.
//
// Capacity is checked at arrival time; the single-writer tick makes
// same-tick arrivals from multiple sources a serialized sequence, ordered by
// pass order then node declaration order.
func (s *Scheduler) deliver(tok *token.Token, from string, edge scenario.Edge) {
	dest := s.states[edge.To]
	if dest == nil {
		s.addError(fmt.Sprintf("route from %s: unknown destination %q", from, edge.To))
		return
	}

	switch dest.Kind {
	case scenario.KindQueue:
		cfg, _ := s.scen.Node(edge.To)
		q := dest.Queue
		if len(q.InputBuffer) >= cfg.Queue.Capacity {
			// Intentional backpressure, not an error: the token is
			// abandoned, its own history records the termination.
			if s.metrics != nil {
				s.metrics.TokensDropped.Inc()
			}
			tok.Append(token.Record{
				Timestamp: s.now,
				Action:    "DROPPED",
				Details:   fmt.Sprintf("DROPPED_AT_QUEUE_INPUT_FULL: queue %s at capacity %d", edge.To, cfg.Queue.Capacity),
			})
			s.log(journal.Entry{
				Timestamp: s.now,
				NodeID:    edge.To,
				Action:    journal.ActionDrop,
				TokenID:   tok.ID,
				Value:     tok.Value,
				Details:   fmt.Sprintf("DROPPED_AT_QUEUE_INPUT_FULL: token %s from %s", tok.ID, from),
			})
			return
		}
		q.InputBuffer = append(q.InputBuffer, tok)
		tok.Append(token.Record{Timestamp: s.now, Action: "ARRIVED", Details: "buffered at queue " + edge.To})
		s.log(journal.Entry{
			Timestamp: s.now,
			NodeID:    edge.To,
			Action:    journal.ActionArrive,
			TokenID:   tok.ID,
			Value:     tok.Value,
			Details:   fmt.Sprintf("token %s arrived from %s", tok.ID, from),
		})
		if dest.Machine.Current == fsm.QueueIdle {
			s.transition(edge.To, dest.Machine, fsm.QueueAccumulating, "token_arrived")
		}

	case scenario.KindSink:
		s.consumeAtSink(edge.To, dest, tok, from)

	case scenario.KindProcess:
		p := dest.Process
		p.InputBuffers[from] = append(p.InputBuffers[from], tok)
		tok.Append(token.Record{Timestamp: s.now, Action: "ARRIVED", Details: "buffered at process " + edge.To})
		s.log(journal.Entry{
			Timestamp: s.now,
			NodeID:    edge.To,
			Action:    journal.ActionArrive,
			TokenID:   tok.ID,
			Value:     tok.Value,
			Details:   fmt.Sprintf("token %s arrived from %s for input %q", tok.ID, from, edge.Input),
		})
		if dest.Machine.Current == fsm.ProcessIdle {
			s.transition(edge.To, dest.Machine, fsm.ProcessCollecting, "input_received")
		}

	default:
		s.addError(fmt.Sprintf("route from %s: cannot deliver into %s node %q", from, dest.Kind, edge.To))
	}
}

func (s *Scheduler) consumeAtSink(nodeID string, dest *NodeState, tok *token.Token, from string) {
	sink := dest.Sink
	sink.ConsumedCount++
	sink.LastConsumedTime = s.now
	sink.Consumed = append(sink.Consumed, tok)
	if len(sink.Consumed) > s.sinkRetention {
		sink.Consumed = sink.Consumed[len(sink.Consumed)-s.sinkRetention:]
	}
	if s.metrics != nil {
		s.metrics.TokensConsumed.Inc()
	}

	s.transition(nodeID, dest.Machine, fsm.SinkProcessing, "token_received")
	tok.Append(token.Record{Timestamp: s.now, Action: "CONSUMED", Details: "consumed by sink " + nodeID})
	s.log(journal.Entry{
		Timestamp: s.now,
		NodeID:    nodeID,
		Action:    journal.ActionConsume,
		TokenID:   tok.ID,
		Value:     tok.Value,
		Operation: token.OpConsumption,
		Details:   fmt.Sprintf("sink consumed token %s from %s", tok.ID, from),
	})
	s.transition(nodeID, dest.Machine, fsm.SinkIdle, "consumption_complete")
}
