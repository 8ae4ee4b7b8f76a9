// Package harness runs YAML-defined simulation scenarios for conformance
// testing: a model, a flow of ticks and injections, and assertions over the
// resulting activity journal and final state, with optional golden-trace
// comparison.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ripple-sim/ripple/internal/sim/engine"
	"github.com/ripple-sim/ripple/internal/sim/scenario"
)

// Scenario defines one conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description,omitempty"`

	// Model is the path to the scenario model, relative to this file.
	Model string `yaml:"model"`

	// Seed pins source value generation. Defaults to 0.
	Seed int64 `yaml:"seed,omitempty"`

	// Flow is the ordered list of steps to execute.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final journal and state.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	dir string
}

// FlowStep is either a tick advance or a manual injection. Exactly one field
// is set per step.
type FlowStep struct {
	Ticks  int     `yaml:"ticks,omitempty"`
	Inject *Inject `yaml:"inject,omitempty"`
}

// Inject names a manual token injection.
type Inject struct {
	Node  string `yaml:"node"`
	Value any    `yaml:"value"`
}

// Result is the outcome of running a scenario.
type Result struct {
	Scheduler *engine.Scheduler
	View      engine.View
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario %s has no name", path)
	}
	sc.dir = filepath.Dir(path)
	return &sc, nil
}

// fixedEpoch pins journal wall clocks so harness traces are reproducible.
var fixedEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run executes the scenario's flow against a fresh engine and returns the
// final state. Assertion evaluation is separate (see Check) so golden tests
// can reuse the raw result.
func (sc *Scenario) Run() (*Result, error) {
	model, errs := scenario.LoadFile(filepath.Join(sc.dir, sc.Model))
	if len(errs) > 0 {
		return nil, fmt.Errorf("load model %s: %v", sc.Model, errs[0])
	}

	sched := engine.New(
		engine.WithSeed(sc.Seed),
		engine.WithNowFunc(func() time.Time { return fixedEpoch }),
	)
	if err := sched.LoadScenario(model); err != nil {
		return nil, err
	}

	for i, step := range sc.Flow {
		switch {
		case step.Ticks > 0 && step.Inject == nil:
			if err := sched.StepForward(step.Ticks); err != nil {
				return nil, fmt.Errorf("flow step %d: %w", i, err)
			}
		case step.Inject != nil && step.Ticks == 0:
			if _, err := sched.InjectToken(step.Inject.Node, step.Inject.Value); err != nil {
				return nil, fmt.Errorf("flow step %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("flow step %d: exactly one of ticks/inject must be set", i)
		}
	}
	return &Result{Scheduler: sched, View: sched.Snapshot()}, nil
}

// Check evaluates every assertion against a result, collecting all failures.
func (sc *Scenario) Check(res *Result) []error {
	var errs []error
	for i, a := range sc.Assertions {
		if err := a.check(res); err != nil {
			errs = append(errs, fmt.Errorf("assertion %d (%s): %w", i, a.Type, err))
		}
	}
	return errs
}
