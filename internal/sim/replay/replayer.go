package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ripple-sim/ripple/internal/sim/engine"
	"github.com/ripple-sim/ripple/internal/sim/journal"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/store"
)

// Report collects replay validation results. Divergence is returned, not
// thrown: the caller decides whether it is acceptable (an intentional model
// upgrade) or a defect.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Identical reports whether the replayed final state matched the recording.
func (r *Report) Identical() bool {
	return len(r.Errors) == 0
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Options tunes a replay.
type Options struct {
	// Model replaces the recorded starting model (A/B comparison). Nil
	// replays against the original.
	Model *scenario.Scenario

	// ResumeAt enables snapshot resume: replay starts from the nearest
	// snapshot at or before this sim time instead of t=0. Only valid when
	// Model is nil - a snapshot captures the original model's state.
	ResumeAt int64

	// EngineOptions are applied to the replay scheduler in addition to the
	// recorded seed.
	EngineOptions []engine.Option
}

// Replayer re-executes recordings.
type Replayer struct {
	st *store.Store
}

// NewReplayer creates a replayer over the given store.
func NewReplayer(st *store.Store) *Replayer {
	return &Replayer{st: st}
}

// Replay loads a recording, re-executes its core events in order, and
// validates the final state against the recording's terminal snapshot.
//
// Against the original model the replayed state reproduces the recording
// exactly (zero errors). Against an upgraded model the report carries the
// measured divergence.
func (r *Replayer) Replay(ctx context.Context, recording string, opts Options) (*engine.Scheduler, *Report, error) {
	events, err := r.st.Events(ctx, recording)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, fmt.Errorf("recording %q has no events", recording)
	}
	if events[0].Type != store.EventSimulationStart {
		return nil, nil, fmt.Errorf("recording %q does not begin with %s", recording, store.EventSimulationStart)
	}

	var start StartPayload
	if err := json.Unmarshal(events[0].Payload, &start); err != nil {
		return nil, nil, fmt.Errorf("decode start payload: %w", err)
	}

	report := &Report{}
	model := start.Scenario
	if opts.Model != nil {
		model = opts.Model
		report.warnf("replaying against a substituted model; divergence is expected and measured")
	}

	engineOpts := append([]engine.Option{engine.WithSeed(start.Seed)}, opts.EngineOptions...)
	sched := engine.New(engineOpts...)
	if err := sched.LoadScenario(model); err != nil {
		return nil, nil, fmt.Errorf("load model: %w", err)
	}

	remaining := events[1:]
	if opts.ResumeAt > 0 {
		if opts.Model != nil {
			return nil, nil, fmt.Errorf("snapshot resume is only valid against the original model")
		}
		snap, err := r.st.SnapshotAtOrBefore(ctx, recording, opts.ResumeAt)
		if err != nil {
			return nil, nil, err
		}
		if snap != nil {
			var ps engine.PersistedState
			if err := json.Unmarshal(snap.State, &ps); err != nil {
				return nil, nil, fmt.Errorf("decode snapshot state: %w", err)
			}
			if err := sched.Restore(&ps); err != nil {
				return nil, nil, fmt.Errorf("restore snapshot: %w", err)
			}
			remaining = eventsAfter(events, snap.Seq)
			slog.Info("resuming from snapshot", "recording", recording, "sim_time", snap.SimTime, "seq", snap.Seq)
		}
	}

	for _, ev := range remaining {
		if err := r.apply(sched, ev, report); err != nil {
			return nil, nil, fmt.Errorf("apply event seq=%d type=%s: %w", ev.Seq, ev.Type, err)
		}
	}

	r.validate(ctx, recording, sched, report)
	return sched, report, nil
}

func eventsAfter(events []store.CoreEvent, seq int64) []store.CoreEvent {
	i := sort.Search(len(events), func(i int) bool { return events[i].Seq > seq })
	return events[i:]
}

func (r *Replayer) apply(sched *engine.Scheduler, ev store.CoreEvent, report *Report) error {
	switch ev.Type {
	case store.EventTimerTick:
		return sched.Tick()

	case store.EventManualInput:
		var p ManualInputPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		_, err := sched.InjectToken(p.NodeID, p.Value)
		return err

	case store.EventUserInteraction:
		var p InteractionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		switch p.Command {
		case ControlStep:
			return sched.StepForward(p.Steps)
		case ControlPlay, ControlPause:
			// Markers: the ticks they caused were recorded individually.
			return nil
		case ControlReset:
			return sched.LoadScenario(sched.Scenario())
		default:
			report.warnf("unknown interaction %q at seq %d ignored", p.Command, ev.Seq)
			return nil
		}

	case store.EventModelUpgrade:
		var p UpgradePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		return sched.UpgradeModel(p.Scenario, p.Reason)

	case store.EventSimulationStart:
		return fmt.Errorf("unexpected %s mid-recording", ev.Type)

	default:
		report.warnf("unknown event type %q at seq %d ignored", ev.Type, ev.Seq)
		return nil
	}
}

// validate compares the replayed final state against the recording's
// terminal snapshot, field by coarse field, with wall-clock epochs excluded.
func (r *Replayer) validate(ctx context.Context, recording string, sched *engine.Scheduler, report *Report) {
	snap, err := r.st.LatestSnapshot(ctx, recording)
	if err != nil {
		report.errorf("load final snapshot: %v", err)
		return
	}
	if snap == nil {
		report.warnf("recording %q has no final snapshot; divergence not checked", recording)
		return
	}

	var recorded engine.PersistedState
	if err := json.Unmarshal(snap.State, &recorded); err != nil {
		report.errorf("decode final snapshot: %v", err)
		return
	}
	replayed := sched.Persist()
	normalize(&recorded)
	normalize(replayed)

	if recorded.CurrentTime != replayed.CurrentTime {
		report.errorf("final time diverged: recorded %d, replayed %d", recorded.CurrentTime, replayed.CurrentTime)
	}
	if recorded.Journal.Seq != replayed.Journal.Seq {
		report.errorf("event counter diverged: recorded %d, replayed %d", recorded.Journal.Seq, replayed.Journal.Seq)
	}
	if len(recorded.Tokens) != len(replayed.Tokens) {
		report.errorf("token count diverged: recorded %d, replayed %d", len(recorded.Tokens), len(replayed.Tokens))
	}

	for id, rec := range recorded.Nodes {
		rep, ok := replayed.Nodes[id]
		if !ok {
			report.errorf("node %s present in recording, absent in replay", id)
			continue
		}
		if !jsonEqual(rec, rep) {
			report.errorf("node %s state diverged", id)
		}
	}
	for id := range replayed.Nodes {
		if _, ok := recorded.Nodes[id]; !ok {
			report.errorf("node %s present in replay, absent in recording", id)
		}
	}

	if !jsonEqual(recorded.Journal, replayed.Journal) {
		report.errorf("activity journal diverged")
	}
}

// normalize zeroes wall-clock fields; determinism is defined modulo epochs.
func normalize(ps *engine.PersistedState) {
	zero := func(entries []journal.Entry) {
		for i := range entries {
			entries[i].Epoch = time.Time{}
		}
	}
	zero(ps.Journal.Global)
	for _, entries := range ps.Journal.PerNode {
		zero(entries)
	}
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
