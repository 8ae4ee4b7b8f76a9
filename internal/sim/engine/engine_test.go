package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripple-sim/ripple/internal/sim/fsm"
	"github.com/ripple-sim/ripple/internal/sim/journal"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

// sourceSinkScenario is the smallest runnable graph: one source straight into
// one sink, fixed emission value.
func sourceSinkScenario(interval int64, value int) *scenario.Scenario {
	return &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "source-sink",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: interval, ValueMin: value, ValueMax: value},
				Outputs: []scenario.Edge{{To: "k1"}},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
}

func queueSinkScenario(capacity int, method scenario.AggregationMethod, window int64) *scenario.Scenario {
	return &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "queue-sink",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "q1", Kind: scenario.KindQueue,
				Queue:   &scenario.QueueConfig{Capacity: capacity, Method: method, Window: window},
				Outputs: []scenario.Edge{{To: "k1"}},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
}

func newTestScheduler(t *testing.T, scen *scenario.Scenario, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithNowFunc(fixedNow)}, opts...)
	s := New(opts...)
	require.NoError(t, s.LoadScenario(scen))
	return s
}

func TestScheduler_SourceEmissionInterval(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(3, 5))
	require.NoError(t, s.StepForward(7))

	// An unset timer is immediately eligible, then every third tick.
	var emitTimes []int64
	for _, e := range s.NodeLog("s1") {
		if e.Action == journal.ActionEmit {
			emitTimes = append(emitTimes, e.Timestamp)
		}
	}
	assert.Equal(t, []int64{1, 4, 7}, emitTimes)

	view := s.Snapshot()
	assert.Equal(t, int64(3), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Equal(t, int64(7), view.CurrentTime)
}

func TestScheduler_QueueAggregatesWholeBatch(t *testing.T) {
	s := newTestScheduler(t, queueSinkScenario(10, scenario.AggregateSum, 1))

	for _, v := range []int{3, 4, 5} {
		_, err := s.InjectToken("q1", v)
		require.NoError(t, err)
	}
	require.NoError(t, s.Tick())

	view := s.Snapshot()
	sink := view.NodeStates["k1"].Sink
	require.Equal(t, int64(1), sink.ConsumedCount)

	agg := sink.Consumed[0]
	assert.Equal(t, 12.0, agg.Value)
	assert.Len(t, agg.Lineage.ParentIDs, 3)
	assert.Len(t, agg.Parents, 3)

	// The queue drained completely: whole-buffer batch semantics.
	assert.Empty(t, view.NodeStates["q1"].Queue.InputBuffer)
	assert.Empty(t, view.NodeStates["q1"].Queue.OutputBuffer)
}

func TestScheduler_QueueAverageSingleToken(t *testing.T) {
	s := newTestScheduler(t, queueSinkScenario(10, scenario.AggregateAverage, 1))

	_, err := s.InjectToken("q1", 7)
	require.NoError(t, err)
	require.NoError(t, s.Tick())

	sink := s.Snapshot().NodeStates["k1"].Sink
	require.Equal(t, int64(1), sink.ConsumedCount)
	assert.Equal(t, 7.0, sink.Consumed[0].Value)
}

func TestScheduler_QueueEmptyWindow(t *testing.T) {
	s := newTestScheduler(t, queueSinkScenario(10, scenario.AggregateSum, 2))
	require.NoError(t, s.StepForward(3))

	// Window elapses on an empty buffer: marker entry, no token.
	var emptyCount int
	for _, e := range s.NodeLog("q1") {
		if e.Action == journal.ActionAggregationEmpty {
			emptyCount++
		}
	}
	assert.Equal(t, 2, emptyCount) // ticks 1 and 3
	assert.Equal(t, 0, s.TokenIndex().Len())
}

func TestScheduler_QueueCapacityDropsAtArrival(t *testing.T) {
	s := newTestScheduler(t, queueSinkScenario(2, scenario.AggregateSum, 1))

	for _, v := range []int{1, 2, 3} {
		_, err := s.InjectToken("q1", v)
		require.NoError(t, err)
	}

	view := s.Snapshot()
	q := view.NodeStates["q1"].Queue
	assert.Len(t, q.InputBuffer, 2, "capacity bound holds")

	// The dropped token still exists in the index with a terminal record.
	assert.Equal(t, 3, s.TokenIndex().Len())

	var dropEntries []journal.Entry
	for _, e := range s.NodeLog("q1") {
		if e.Action == journal.ActionDrop {
			dropEntries = append(dropEntries, e)
		}
	}
	require.Len(t, dropEntries, 1)
	assert.Contains(t, dropEntries[0].Details, "DROPPED_AT_QUEUE_INPUT_FULL")

	droppedTok, ok := s.TokenIndex().Get(dropEntries[0].TokenID)
	require.True(t, ok)
	last := droppedTok.History[len(droppedTok.History)-1]
	assert.Equal(t, "DROPPED", last.Action)
}

// twoSourceProcessScenario feeds a process from two sources with different
// intervals so one input is regularly starved.
func twoSourceProcessScenario(formulaOutputs []scenario.OutputSpec) *scenario.Scenario {
	return &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "two-source-process",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 2, ValueMax: 2},
				Outputs: []scenario.Edge{{To: "p1", Input: "x"}},
			},
			{
				NodeID: "s2", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 2, ValueMin: 10, ValueMax: 10},
				Outputs: []scenario.Edge{{To: "p1", Input: "y"}},
			},
			{
				NodeID: "p1", Kind: scenario.KindProcess,
				Process: &scenario.ProcessConfig{
					Inputs: []scenario.InputBinding{
						{Name: "x", Source: "s1", Alias: "A"},
						{Name: "y", Source: "s2", Alias: "B"},
					},
					Outputs: formulaOutputs,
				},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
			{NodeID: "k2", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
}

func TestScheduler_ProcessAllOrNothing(t *testing.T) {
	scen := twoSourceProcessScenario([]scenario.OutputSpec{
		{Name: "out", Formula: "A.value + B.value", To: "k1"},
	})
	s := newTestScheduler(t, scen)

	// Tick 1: both sources emit (unset timers), the process fires.
	require.NoError(t, s.Tick())
	view := s.Snapshot()
	assert.Equal(t, int64(1), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Equal(t, 12.0, view.NodeStates["k1"].Sink.Consumed[0].Value)

	// Tick 2: only s1 emits; nothing is consumed while an input is starved.
	require.NoError(t, s.Tick())
	view = s.Snapshot()
	assert.Equal(t, int64(1), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Len(t, view.NodeStates["p1"].Process.InputBuffers["s1"], 1)

	// Tick 3: s2 emits again and the buffered tick-2 token is consumed FIFO.
	require.NoError(t, s.Tick())
	view = s.Snapshot()
	assert.Equal(t, int64(2), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Len(t, view.NodeStates["p1"].Process.InputBuffers["s1"], 1, "tick-3 emission remains buffered")
}

func TestScheduler_ProcessFanOutSharesParents(t *testing.T) {
	scen := twoSourceProcessScenario([]scenario.OutputSpec{
		{Name: "left", Formula: "A.value", To: "k1"},
		{Name: "right", Formula: "B.value", To: "k2"},
	})
	s := newTestScheduler(t, scen)
	require.NoError(t, s.Tick())

	view := s.Snapshot()
	left := view.NodeStates["k1"].Sink.Consumed[0]
	right := view.NodeStates["k2"].Sink.Consumed[0]

	assert.Equal(t, 2.0, left.Value)
	assert.Equal(t, 10.0, right.Value)

	// One firing, two outputs: each derived token lists every consumed input
	// as a parent, not only the input its formula referenced.
	assert.Len(t, left.Lineage.ParentIDs, 2)
	assert.Equal(t, left.Lineage.ParentIDs, right.Lineage.ParentIDs)
}

func TestScheduler_FormulaErrorSkipsOnlyThatOutput(t *testing.T) {
	scen := twoSourceProcessScenario([]scenario.OutputSpec{
		{Name: "bad", Formula: "C.value + 1", To: "k1"},
		{Name: "good", Formula: "A.value * B.value", To: "k2"},
	})
	s := newTestScheduler(t, scen)
	require.NoError(t, s.Tick())

	view := s.Snapshot()
	assert.Equal(t, int64(0), view.NodeStates["k1"].Sink.ConsumedCount)
	require.Equal(t, int64(1), view.NodeStates["k2"].Sink.ConsumedCount)
	assert.Equal(t, 20.0, view.NodeStates["k2"].Sink.Consumed[0].Value)

	require.Len(t, s.Errors(), 1)
	assert.Contains(t, s.Errors()[0], `output "bad"`)

	var formulaErrors int
	for _, e := range s.NodeLog("p1") {
		if e.Action == journal.ActionFormulaError {
			formulaErrors++
		}
	}
	assert.Equal(t, 1, formulaErrors)
}

func TestScheduler_ProcessTwoInputsSameSource(t *testing.T) {
	scen := &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "shared-source-process",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 3, ValueMax: 3},
				Outputs: []scenario.Edge{{To: "p1", Input: "x"}},
			},
			{
				NodeID: "p1", Kind: scenario.KindProcess,
				Process: &scenario.ProcessConfig{
					Inputs: []scenario.InputBinding{
						{Name: "x", Source: "s1", Alias: "A"},
						{Name: "y", Source: "s1", Alias: "B"},
					},
					Outputs: []scenario.OutputSpec{
						{Name: "out", Formula: "A.value + B.value", To: "k1"},
					},
				},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
	require.Empty(t, scenario.Validate(scen), "two bindings on one source is a legal config")
	s := newTestScheduler(t, scen)

	// Tick 1: one buffered token cannot satisfy two bindings drawing from the
	// same source; the firing waits instead of consuming past the buffer.
	require.NoError(t, s.Tick())
	view := s.Snapshot()
	assert.Equal(t, int64(0), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Len(t, view.NodeStates["p1"].Process.InputBuffers["s1"], 1)

	// Tick 2: two tokens buffered, each binding consumes one.
	require.NoError(t, s.Tick())
	view = s.Snapshot()
	require.Equal(t, int64(1), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Equal(t, 6.0, view.NodeStates["k1"].Sink.Consumed[0].Value)
	assert.Empty(t, view.NodeStates["p1"].Process.InputBuffers["s1"])
}

// queueProcessScenario chains a source through an aggregating queue into a
// process that pulls the aggregates, then a sink.
func queueProcessScenario() *scenario.Scenario {
	return &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "queue-process",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 2, ValueMax: 2},
				Outputs: []scenario.Edge{{To: "q1"}},
			},
			{
				NodeID: "q1", Kind: scenario.KindQueue,
				Queue:   &scenario.QueueConfig{Capacity: 10, Method: scenario.AggregateSum, Window: 2},
				Outputs: []scenario.Edge{{To: "p1", Input: "agg"}},
			},
			{
				NodeID: "p1", Kind: scenario.KindProcess,
				Process: &scenario.ProcessConfig{
					Inputs:  []scenario.InputBinding{{Name: "agg", Source: "q1", Alias: "A"}},
					Outputs: []scenario.OutputSpec{{Name: "out", Formula: "A.value * 10", To: "k1"}},
				},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}
}

func TestScheduler_ProcessPullsFromQueue(t *testing.T) {
	s := newTestScheduler(t, queueProcessScenario())

	// Tick 1: emission, then the unset window elapses and aggregates it. The
	// firing pass ran before aggregation, so the aggregate stays in the output
	// buffer, and the forwarding pass leaves the pull edge alone.
	require.NoError(t, s.Tick())
	view := s.Snapshot()
	assert.Len(t, view.NodeStates["q1"].Queue.OutputBuffer, 1)
	assert.Equal(t, int64(0), view.NodeStates["k1"].Sink.ConsumedCount)

	// Tick 2: the process pulls the tick-1 aggregate directly off the queue.
	require.NoError(t, s.Tick())
	view = s.Snapshot()
	assert.Empty(t, view.NodeStates["q1"].Queue.OutputBuffer)
	require.Equal(t, int64(1), view.NodeStates["k1"].Sink.ConsumedCount)
	got := view.NodeStates["k1"].Sink.Consumed[0]
	assert.Equal(t, 20.0, got.Value)
	assert.Len(t, got.Lineage.ParentIDs, 1)

	// Ticks 3-4: the tick-3 aggregate (tick-2 and tick-3 emissions, sum 4)
	// reaches the sink exactly once.
	require.NoError(t, s.StepForward(2))
	view = s.Snapshot()
	require.Equal(t, int64(2), view.NodeStates["k1"].Sink.ConsumedCount)
	assert.Equal(t, 40.0, view.NodeStates["k1"].Sink.Consumed[1].Value)

	var forwards int
	for _, e := range s.NodeLog("q1") {
		if e.Action == journal.ActionForward {
			forwards++
		}
	}
	assert.Zero(t, forwards, "pull edges are not forwarded")
}

func TestScheduler_Determinism(t *testing.T) {
	scen := &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "random-pipeline",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 1, ValueMax: 100},
				Outputs: []scenario.Edge{{To: "q1"}},
			},
			{
				NodeID: "q1", Kind: scenario.KindQueue,
				Queue:   &scenario.QueueConfig{Capacity: 10, Method: scenario.AggregateSum, Window: 2},
				Outputs: []scenario.Edge{{To: "k1"}},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}

	run := func() []byte {
		s := newTestScheduler(t, scen, WithSeed(42))
		require.NoError(t, s.StepForward(20))
		data, err := json.Marshal(s.Persist())
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(run()), string(run()), "same seed and inputs must be byte-identical")
}

func TestScheduler_SourceValuesWithinRange(t *testing.T) {
	scen := sourceSinkScenario(1, 0)
	scen.Nodes[0].Source.ValueMin = 5
	scen.Nodes[0].Source.ValueMax = 9
	s := newTestScheduler(t, scen, WithSeed(7))
	require.NoError(t, s.StepForward(50))

	for _, tok := range s.Snapshot().NodeStates["k1"].Sink.Consumed {
		v, ok := tok.Value.(int)
		require.True(t, ok)
		assert.GreaterOrEqual(t, v, 5)
		assert.LessOrEqual(t, v, 9)
	}
}

func TestScheduler_BoundedLogs(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5), WithGlobalLogCap(5), WithNodeLogCap(3))
	require.NoError(t, s.StepForward(10))

	view := s.Snapshot()
	assert.Len(t, view.GlobalActivityLog, 5)
	assert.Len(t, s.NodeLog("s1"), 3)
	assert.Len(t, s.NodeLog("k1"), 3)

	// The counter keeps the true total; only retention is bounded.
	assert.Equal(t, int64(20), view.EventCounter)
}

func TestScheduler_SinkRetention(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5), WithSinkRetention(4))
	require.NoError(t, s.StepForward(10))

	sink := s.Snapshot().NodeStates["k1"].Sink
	assert.Equal(t, int64(10), sink.ConsumedCount)
	assert.Len(t, sink.Consumed, 4)
	assert.Equal(t, int64(10), sink.LastConsumedTime)
}

func TestScheduler_StepWhileRunning(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5), WithSpeed(100))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Play(ctx) }()

	require.Eventually(t, s.Running, time.Second, time.Millisecond)

	err := s.StepForward(1)
	require.Error(t, err)
	assert.True(t, IsStepWhileRunning(err))

	s.Pause()
	require.NoError(t, <-done)
	assert.False(t, s.Running())

	// Stepping works again once paused.
	assert.NoError(t, s.StepForward(1))
}

func TestScheduler_PauseIdempotent(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5))
	s.Pause()
	s.Pause()
	assert.False(t, s.Running())
}

func TestScheduler_InjectToken(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5))

	tok, err := s.InjectToken("k1", 99)
	require.NoError(t, err)
	assert.True(t, tok.IsRoot())

	sink := s.Snapshot().NodeStates["k1"].Sink
	assert.Equal(t, int64(1), sink.ConsumedCount)

	var injected []journal.Entry
	for _, e := range s.NodeLog("k1") {
		if e.Action == journal.ActionInjected {
			injected = append(injected, e)
		}
	}
	require.Len(t, injected, 1)
	assert.Equal(t, journal.EventTypeExternal, injected[0].EventType)
}

func TestScheduler_InjectToken_Rejections(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5))

	_, err := s.InjectToken("s1", 1)
	require.Error(t, err)
	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeBadInjection, re.Code)

	_, err = s.InjectToken("ghost", 1)
	require.Error(t, err)
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownNode, re.Code)
}

func TestScheduler_InjectToken_ProcessBuffersUnderFirstInput(t *testing.T) {
	scen := twoSourceProcessScenario([]scenario.OutputSpec{
		{Name: "out", Formula: "A.value + B.value", To: "k1"},
	})
	s := newTestScheduler(t, scen)

	_, err := s.InjectToken("p1", 1)
	require.NoError(t, err)

	view := s.Snapshot()
	assert.Len(t, view.NodeStates["p1"].Process.InputBuffers["s1"], 1)
}

func TestScheduler_NoScenario(t *testing.T) {
	s := New(WithNowFunc(fixedNow))

	assert.Error(t, s.Tick())
	assert.Error(t, s.StepForward(1))
	assert.Error(t, s.Play(context.Background()))
	_, err := s.InjectToken("n", 1)
	assert.Error(t, err)
}

func TestScheduler_LoadScenarioResetsState(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(1, 5))
	require.NoError(t, s.StepForward(3))
	require.NoError(t, s.LoadScenario(sourceSinkScenario(1, 6)))

	view := s.Snapshot()
	assert.Equal(t, int64(0), view.CurrentTime)
	assert.Equal(t, int64(0), view.EventCounter)
	assert.Equal(t, 0, s.TokenIndex().Len())
}

func TestScheduler_UpgradeModelPreservesRun(t *testing.T) {
	v1 := sourceSinkScenario(1, 5)
	s := newTestScheduler(t, v1)
	require.NoError(t, s.StepForward(2))

	v2 := sourceSinkScenario(2, 5)
	v2.Name = "source-sink-v2"
	require.NoError(t, s.UpgradeModel(v2, "slow the source down"))

	view := s.Snapshot()
	assert.Equal(t, int64(2), view.CurrentTime, "time continues across the upgrade")
	assert.Same(t, v2, view.Scenario)
	// k1 kept its runtime state: same id and kind.
	assert.Equal(t, int64(2), view.NodeStates["k1"].Sink.ConsumedCount)

	var upgrades int
	for _, e := range view.GlobalActivityLog {
		if e.Action == journal.ActionModelUpgrade {
			upgrades++
			assert.Equal(t, "engine", e.NodeID)
		}
	}
	assert.Equal(t, 1, upgrades)

	// The preserved emission timer honors the new interval: of ticks 3..5
	// only tick 4 emits.
	require.NoError(t, s.StepForward(3))
	assert.Equal(t, int64(3), s.Snapshot().NodeStates["k1"].Sink.ConsumedCount)
}

func TestScheduler_UndoRedoModel(t *testing.T) {
	v1 := sourceSinkScenario(1, 5)
	s := newTestScheduler(t, v1)
	require.NoError(t, s.StepForward(1))

	v2 := sourceSinkScenario(2, 5)
	require.NoError(t, s.UpgradeModel(v2, "try a slower interval"))
	require.Same(t, v2, s.Scenario())

	require.True(t, s.UndoModel())
	assert.Same(t, v1, s.Scenario())

	require.True(t, s.RedoModel())
	assert.Same(t, v2, s.Scenario())

	// Nothing left to redo.
	assert.False(t, s.RedoModel())
}

func TestScheduler_PersistRestoreResumesDeterministically(t *testing.T) {
	scen := &scenario.Scenario{
		SchemaVersion: 1,
		Name:          "resume",
		Nodes: []scenario.NodeConfig{
			{
				NodeID: "s1", Kind: scenario.KindSource,
				Source:  &scenario.SourceConfig{Interval: 1, ValueMin: 1, ValueMax: 50},
				Outputs: []scenario.Edge{{To: "q1"}},
			},
			{
				NodeID: "q1", Kind: scenario.KindQueue,
				Queue:   &scenario.QueueConfig{Capacity: 10, Method: scenario.AggregateSum, Window: 3},
				Outputs: []scenario.Edge{{To: "k1"}},
			},
			{NodeID: "k1", Kind: scenario.KindSink, Sink: &scenario.SinkConfig{}},
		},
	}

	// Uninterrupted reference run.
	ref := newTestScheduler(t, scen, WithSeed(9))
	require.NoError(t, ref.StepForward(10))
	refState, err := json.Marshal(ref.Persist())
	require.NoError(t, err)

	// Interrupted run: snapshot at tick 5, restore into a fresh scheduler,
	// run the remaining ticks.
	first := newTestScheduler(t, scen, WithSeed(9))
	require.NoError(t, first.StepForward(5))
	mid, err := json.Marshal(first.Persist())
	require.NoError(t, err)

	var ps PersistedState
	require.NoError(t, json.Unmarshal(mid, &ps))

	resumed := newTestScheduler(t, scen, WithSeed(9))
	require.NoError(t, resumed.Restore(&ps))
	require.NoError(t, resumed.StepForward(5))
	resumedState, err := json.Marshal(resumed.Persist())
	require.NoError(t, err)

	assert.Equal(t, string(refState), string(resumedState))
}

func TestScheduler_RestoreRelinksBufferTokens(t *testing.T) {
	s := newTestScheduler(t, queueSinkScenario(10, scenario.AggregateSum, 5))
	_, err := s.InjectToken("q1", 3)
	require.NoError(t, err)

	data, err := json.Marshal(s.Persist())
	require.NoError(t, err)
	var ps PersistedState
	require.NoError(t, json.Unmarshal(data, &ps))

	restored := newTestScheduler(t, queueSinkScenario(10, scenario.AggregateSum, 5))
	require.NoError(t, restored.Restore(&ps))

	// The buffered token and the indexed token are the same object again.
	view := restored.Snapshot()
	buffered := view.NodeStates["q1"].Queue.InputBuffer[0]
	indexed, ok := restored.TokenIndex().Get(buffered.ID)
	require.True(t, ok)
	assert.Same(t, indexed, buffered)
}

func TestScheduler_ClearErrors(t *testing.T) {
	scen := twoSourceProcessScenario([]scenario.OutputSpec{
		{Name: "bad", Formula: "C.value", To: "k1"},
	})
	s := newTestScheduler(t, scen)
	require.NoError(t, s.Tick())
	require.NotEmpty(t, s.Errors())

	s.ClearErrors()
	assert.Empty(t, s.Errors())
}

func TestScheduler_FSMStateAfterTick(t *testing.T) {
	s := newTestScheduler(t, sourceSinkScenario(2, 5))
	require.NoError(t, s.Tick())

	view := s.Snapshot()
	// Every handler returns its node to idle within the tick.
	assert.Equal(t, fsm.SourceIdle, view.NodeStates["s1"].Machine.Current)
	assert.Equal(t, fsm.SinkIdle, view.NodeStates["k1"].Machine.Current)

	// Tick 2 is not an emission tick; the source parks in waiting.
	require.NoError(t, s.Tick())
	assert.Equal(t, fsm.SourceWaiting, s.Snapshot().NodeStates["s1"].Machine.Current)
}
