// Package token implements the immutable value carriers that flow through a
// simulation graph, together with their provenance model.
//
// A Token is created exactly once, by a node behavior (source emission, queue
// aggregation, process transformation) or by external injection. After
// creation the only permitted mutation is appending entries to its History
// log. Everything else - value, origin, creation time, parent summaries - is
// fixed for the lifetime of the run.
//
// Lineage is a DAG, not a tree: the same ancestor may reach a token along
// multiple paths (a source token feeding two aggregations whose outputs later
// merge). Traversals therefore deduplicate by token id, and generation levels
// report the MAXIMUM hop count over all paths so that the displayed causal
// depth is stable regardless of traversal order.
package token
