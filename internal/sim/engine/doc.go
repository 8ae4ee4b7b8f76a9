// Package engine implements the discrete-event token-flow scheduler.
//
// The Scheduler owns an immutable Scenario (shared, read-only) and the
// mutable engine state: per-node runtime state, the activity journal, the
// token index, and the error list. Tick, Play/Pause, StepForward, and
// InjectToken are the only mutation entry points; everything else is a
// read-only projection.
//
// ARCHITECTURE:
//
// Single-Writer Tick Loop:
// All mutation within one Tick happens synchronously under one mutex. This
// ensures:
//   - FIFO buffer order and monotonic sequence counters hold without
//     per-structure locks
//   - One fire per tick per node
//   - Reproducible activity log on replay
//
// Tick Processing Flow:
//  1. Global time advances by exactly 1
//  2. Source emission pass: every source checks its interval, emits, routes
//  3. Process firing pass: all-or-nothing input consumption, formula
//     evaluation per output, derived-token routing
//  4. Queue aggregation pass: whole-buffer batch reduction on window elapse
//  5. Queue forwarding pass: one output-buffer head per declared output
//
// Each pass is a full sweep over every node of the relevant kind, in node
// declaration order, before the next pass starts. A token emitted by a
// source at tick T is therefore visible to a process firing at tick T, but a
// token aggregated by a queue at tick T reaches downstream buffers only in
// the forwarding pass later in the same tick.
//
// CRITICAL PATTERNS:
//
// Deterministic Scheduling:
// Nodes iterate in declaration order. Source values derive from
// (seed, tick, nodeID), never from shared RNG stream position, so a run
// resumed from a snapshot produces the same values as an uninterrupted run.
// Journal entries are stamped from a monotonic logical clock; wall-clock
// epochs are recorded for humans and excluded from comparisons.
//
// Error Recovery:
// Nothing inside a tick aborts the tick. Formula failures skip one output
// slot, logging violations skip one entry, capacity drops retire one token -
// each with a journal record and, where relevant, an entry on the engine
// error list.
package engine
