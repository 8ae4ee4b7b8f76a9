// Package replay implements event-sourcing for the simulation engine:
// capturing externally generated core events into named recordings, and
// deterministically re-executing a recording against the original or an
// upgraded model.
//
// Replay exists for A/B comparison: the same external events applied to
// model A and model B, with divergence collected into a diffable report
// rather than thrown. Against the original model, replay reproduces the
// final state exactly; the engine's tick determinism is what makes that
// contract hold.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ripple-sim/ripple/internal/sim/engine"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
	"github.com/ripple-sim/ripple/internal/store"
)

// Control commands recordable as user interactions.
const (
	ControlPlay  = "play"
	ControlPause = "pause"
	ControlStep  = "step"
	ControlReset = "reset"
)

// StartPayload opens every recording: the model the run began with and the
// seed its source values derive from.
type StartPayload struct {
	Scenario *scenario.Scenario `json:"scenario"`
	Seed     int64              `json:"seed"`
}

// ManualInputPayload records an external token injection.
type ManualInputPayload struct {
	NodeID string `json:"node_id"`
	Value  any    `json:"value"`
}

// InteractionPayload records a control command.
type InteractionPayload struct {
	Command string `json:"command"`
	Steps   int    `json:"steps,omitempty"`
}

// UpgradePayload records a mid-run model replacement.
type UpgradePayload struct {
	Scenario *scenario.Scenario `json:"scenario"`
	Reason   string             `json:"reason"`
}

// Recorder wraps a scheduler so that every external input is appended to a
// recording before it is applied. Events the deterministic tick computation
// generates itself are never recorded - they are reproduced by replay.
type Recorder struct {
	st    *store.Store
	name  string
	sched *engine.Scheduler
	seq   int64
}

// NewRecorder creates a recording and captures the simulation_start event
// with the scheduler's loaded scenario and seed.
func NewRecorder(ctx context.Context, st *store.Store, name string, sched *engine.Scheduler, seed int64) (*Recorder, error) {
	scen := sched.Scenario()
	if scen == nil {
		return nil, fmt.Errorf("recorder: no scenario loaded")
	}
	if err := st.CreateRecording(ctx, name, scen.SchemaVersion); err != nil {
		return nil, err
	}
	r := &Recorder{st: st, name: name, sched: sched}
	if err := r.append(ctx, store.EventSimulationStart, StartPayload{Scenario: scen, Seed: seed}); err != nil {
		return nil, err
	}
	slog.Info("recording started", "name", name)
	return r, nil
}

// Scheduler returns the wrapped scheduler.
func (r *Recorder) Scheduler() *engine.Scheduler {
	return r.sched
}

// Tick records a timer_tick and advances the engine by one tick.
func (r *Recorder) Tick(ctx context.Context) error {
	if err := r.append(ctx, store.EventTimerTick, nil); err != nil {
		return err
	}
	return r.sched.Tick()
}

// Inject records a manual_input and applies the injection.
func (r *Recorder) Inject(ctx context.Context, nodeID string, value any) error {
	if err := r.append(ctx, store.EventManualInput, ManualInputPayload{NodeID: nodeID, Value: value}); err != nil {
		return err
	}
	_, err := r.sched.InjectToken(nodeID, value)
	return err
}

// Step records a step interaction and advances n ticks.
func (r *Recorder) Step(ctx context.Context, n int) error {
	if err := r.append(ctx, store.EventUserInteraction, InteractionPayload{Command: ControlStep, Steps: n}); err != nil {
		return err
	}
	return r.sched.StepForward(n)
}

// Mark records a play/pause/reset interaction without applying it; the
// caller drives the actual control flow. Recorded markers keep the event
// log a faithful account of what the user did.
func (r *Recorder) Mark(ctx context.Context, command string) error {
	return r.append(ctx, store.EventUserInteraction, InteractionPayload{Command: command})
}

// UpgradeModel records a model_upgrade and applies the replacement.
func (r *Recorder) UpgradeModel(ctx context.Context, scen *scenario.Scenario, reason string) error {
	if err := r.append(ctx, store.EventModelUpgrade, UpgradePayload{Scenario: scen, Reason: reason}); err != nil {
		return err
	}
	return r.sched.UpgradeModel(scen, reason)
}

// Snapshot persists a full engine-state capture tagged with a description.
// Periodic snapshots bound the cost of partial replay.
func (r *Recorder) Snapshot(ctx context.Context, description string) error {
	state, err := json.Marshal(r.sched.Persist())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return r.st.AppendSnapshot(ctx, r.name, store.Snapshot{
		Seq:         r.seq,
		SimTime:     r.sched.CurrentTime(),
		Description: description,
		State:       state,
	})
}

// Finalize writes the terminal snapshot replay validation compares against.
func (r *Recorder) Finalize(ctx context.Context) error {
	return r.Snapshot(ctx, "final")
}

func (r *Recorder) append(ctx context.Context, typ store.EventType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	r.seq++
	return r.st.AppendEvent(ctx, r.name, store.CoreEvent{
		Seq:     r.seq,
		Type:    typ,
		SimTime: r.sched.CurrentTime(),
		Payload: raw,
	})
}
