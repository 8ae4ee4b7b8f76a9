// Package formula evaluates transformation formulas against named input
// aliases.
//
// Formulas originate from scenario configuration and are treated as
// untrusted: evaluation is delegated to expr-lang's sandboxed expression VM,
// which interprets a restricted expression grammar and cannot reach I/O,
// reflection, or arbitrary code. Evaluation is pure and never panics across
// the package boundary - every failure mode is folded into Result.Err.
package formula

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Input is one named input's view exposed to a formula.
type Input struct {
	Value any `json:"value"`
}

// Result is the outcome of one evaluation. Exactly one of Value and Err is
// meaningful: a non-empty Err means no value was produced.
type Result struct {
	Value any    `json:"value,omitempty"`
	Err   string `json:"error,omitempty"`
}

// OK reports whether the evaluation produced a value.
func (r Result) OK() bool {
	return r.Err == ""
}

// Evaluator compiles and runs formulas. Compiled programs are cached by
// formula text; a scenario's formula set is finite, so the cache never needs
// eviction. Not safe for concurrent use - the scheduler is the only caller.
type Evaluator struct {
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator with an empty compile cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// Evaluate runs a formula against the given inputs.
//
// Each input alias is visible two ways: `inputs.A.value` and the shorthand
// `A.value`. Numeric input values are widened to float64 so that mixed
// int/float arithmetic behaves uniformly.
//
// Evaluate never returns an error through panic or a second return value;
// unknown identifiers, type mismatches, and non-finite arithmetic results
// (division by zero yields +Inf under float semantics) all come back as
// Result.Err.
func (e *Evaluator) Evaluate(src string, inputs map[string]Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Sprintf("formula panic: %v", r)}
		}
	}()

	if src == "" {
		return Result{Err: "empty formula"}
	}

	prog, ok := e.programs[src]
	if !ok {
		var err error
		prog, err = expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return Result{Err: fmt.Sprintf("compile %q: %v", src, err)}
		}
		e.programs[src] = prog
	}

	env := buildEnv(inputs)
	out, err := expr.Run(prog, env)
	if err != nil {
		return Result{Err: fmt.Sprintf("evaluate %q: %v", src, err)}
	}
	if out == nil {
		return Result{Err: fmt.Sprintf("evaluate %q: nil result (unknown identifier?)", src)}
	}
	if f, isFloat := out.(float64); isFloat {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Result{Err: fmt.Sprintf("evaluate %q: non-finite result", src)}
		}
	}
	return Result{Value: out}
}

func buildEnv(inputs map[string]Input) map[string]any {
	byAlias := make(map[string]any, len(inputs))
	env := make(map[string]any, len(inputs)+1)
	for alias, in := range inputs {
		view := map[string]any{"value": widen(in.Value)}
		byAlias[alias] = view
		env[alias] = view
	}
	env["inputs"] = byAlias
	return env
}

// widen lifts integer values to float64 so arithmetic across inputs of mixed
// numeric kinds does not trip expr's strict operand typing.
func widen(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
