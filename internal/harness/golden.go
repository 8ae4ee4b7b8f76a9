package harness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/ripple-sim/ripple/internal/sim/journal"
)

// Trace is the golden-file projection of a finished run: final time, the
// global activity log, and per-node consumption totals. Epochs are zeroed so
// the trace is byte-stable across machines.
type Trace struct {
	FinalTime    int64           `json:"final_time"`
	EventCounter int64           `json:"event_counter"`
	TokensTotal  int             `json:"tokens_total"`
	SinkCounts   map[string]int64 `json:"sink_counts,omitempty"`
	Events       []journal.Entry `json:"events"`
}

// BuildTrace projects a result into its golden-comparable trace.
func BuildTrace(res *Result) Trace {
	events := make([]journal.Entry, len(res.View.GlobalActivityLog))
	copy(events, res.View.GlobalActivityLog)
	for i := range events {
		events[i].Epoch = time.Time{}
	}

	var sinks map[string]int64
	for id, st := range res.View.NodeStates {
		if st.Sink != nil {
			if sinks == nil {
				sinks = make(map[string]int64)
			}
			sinks[id] = st.Sink.ConsumedCount
		}
	}

	return Trace{
		FinalTime:    res.View.CurrentTime,
		EventCounter: res.View.EventCounter,
		TokensTotal:  res.Scheduler.TokenIndex().Len(),
		SinkCounts:   sinks,
		Events:       events,
	}
}

// AssertGolden runs a scenario file, evaluates its assertions, and compares
// the run's trace against the golden fixture named after the scenario.
// Fixtures regenerate with `go test -update`.
func AssertGolden(t *testing.T, path string) {
	t.Helper()

	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	res, err := sc.Run()
	if err != nil {
		t.Fatalf("run scenario %s: %v", sc.Name, err)
	}
	for _, err := range sc.Check(res) {
		t.Errorf("scenario %s: %v", sc.Name, err)
	}

	data, err := json.MarshalIndent(BuildTrace(res), "", "  ")
	if err != nil {
		t.Fatalf("marshal trace: %v", err)
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, sc.Name, append(data, '\n'))
}
