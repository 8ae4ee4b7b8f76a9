package token

import (
	"fmt"
	"sort"
)

// Index is the engine-owned registry of every token created during a run.
// It maintains the reverse (parent -> children) edges that tokens themselves
// do not carry, so descendant and sibling queries stay O(edges).
//
// The Index is mutated only by the scheduler and is safe under the engine's
// single-writer model.
type Index struct {
	byID     map[string]*Token
	children map[string][]string // parent id -> child ids, insertion order
	order    []string            // registration order, for deterministic dumps
}

// NewIndex creates an empty token index.
func NewIndex() *Index {
	return &Index{
		byID:     make(map[string]*Token),
		children: make(map[string][]string),
	}
}

// Add registers a token and records reverse edges to its parents.
// Re-adding an existing id is a no-op (replay restores may re-register).
func (ix *Index) Add(t *Token) {
	if _, ok := ix.byID[t.ID]; ok {
		return
	}
	ix.byID[t.ID] = t
	ix.order = append(ix.order, t.ID)
	for _, pid := range t.Lineage.ParentIDs {
		ix.children[pid] = append(ix.children[pid], t.ID)
	}
}

// Get returns the token with the given id.
func (ix *Index) Get(id string) (*Token, bool) {
	t, ok := ix.byID[id]
	return t, ok
}

// Len returns the number of registered tokens.
func (ix *Index) Len() int {
	return len(ix.byID)
}

// All returns every registered token in registration order.
func (ix *Index) All() []*Token {
	out := make([]*Token, 0, len(ix.order))
	for _, id := range ix.order {
		out = append(out, ix.byID[id])
	}
	return out
}

// Ancestor is one entry in a token's transitive ancestor set.
// Generation is the hop count from the queried token, taking the maximum
// over all paths (documented policy: furthest-distance causal depth).
type Ancestor struct {
	Summary    Summary `json:"summary"`
	Generation int     `json:"generation"`
	Root       bool    `json:"root"`
}

// Ancestors reconstructs the deduplicated transitive ancestor set of a token.
// Lineage is a DAG; an ancestor reachable at depth 1 via one path and depth 3
// via another is reported at depth 3.
func (ix *Index) Ancestors(id string) ([]Ancestor, error) {
	start, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("token %s not found", id)
	}

	// Worklist relaxation: revisit an ancestor whenever a longer path is
	// found. Lineage closure guarantees termination (no cycles).
	level := make(map[string]int)
	queue := []string{start.ID}
	level[start.ID] = 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		t, ok := ix.byID[cur]
		if !ok {
			continue
		}
		for _, pid := range t.Lineage.ParentIDs {
			if lv, seen := level[pid]; !seen || level[cur]+1 > lv {
				level[pid] = level[cur] + 1
				queue = append(queue, pid)
			}
		}
	}
	delete(level, start.ID)

	out := make([]Ancestor, 0, len(level))
	for pid, gen := range level {
		anc := Ancestor{Generation: gen}
		if t, ok := ix.byID[pid]; ok {
			anc.Summary = t.Summarize()
			anc.Root = t.IsRoot()
		} else if s, ok := ix.summaryFor(start, pid); ok {
			// Parent token not registered (restored from a partial
			// snapshot) - fall back to the recorded summary.
			anc.Summary = s
			anc.Root = true
		} else {
			anc.Summary = Summary{TokenID: pid}
			anc.Root = true
		}
		out = append(out, anc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Summary.TokenID < out[j].Summary.TokenID
	})
	return out, nil
}

func (ix *Index) summaryFor(t *Token, parentID string) (Summary, bool) {
	for _, s := range t.Parents {
		if s.TokenID == parentID {
			return s, true
		}
	}
	return Summary{}, false
}

// Roots returns the ultimate sources of a token: ancestors created with zero
// source tokens. For a root token the result is empty.
func (ix *Index) Roots(id string) ([]Ancestor, error) {
	ancs, err := ix.Ancestors(id)
	if err != nil {
		return nil, err
	}
	roots := ancs[:0:0]
	for _, a := range ancs {
		if a.Root {
			roots = append(roots, a)
		}
	}
	return roots, nil
}

// Descendants returns ids of every token transitively derived from the given
// token, in breadth-first discovery order, deduplicated.
func (ix *Index) Descendants(id string) ([]string, error) {
	if _, ok := ix.byID[id]; !ok {
		return nil, fmt.Errorf("token %s not found", id)
	}
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, cid := range ix.children[cur] {
			if seen[cid] {
				continue
			}
			seen[cid] = true
			out = append(out, cid)
			queue = append(queue, cid)
		}
	}
	return out, nil
}

// Siblings returns ids of tokens that share at least one immediate parent
// with the given token, excluding the token itself.
func (ix *Index) Siblings(id string) ([]string, error) {
	t, ok := ix.byID[id]
	if !ok {
		return nil, fmt.Errorf("token %s not found", id)
	}
	var out []string
	seen := map[string]bool{id: true}
	for _, pid := range t.Lineage.ParentIDs {
		for _, cid := range ix.children[pid] {
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
	}
	return out, nil
}

// Paths enumerates every root-to-token chain through the lineage DAG.
// Each path is ordered root first, queried token last. A root token yields a
// single one-element path.
func (ix *Index) Paths(id string) ([][]string, error) {
	if _, ok := ix.byID[id]; !ok {
		return nil, fmt.Errorf("token %s not found", id)
	}
	var paths [][]string
	var walk func(cur string, suffix []string)
	walk = func(cur string, suffix []string) {
		chain := append([]string{cur}, suffix...)
		t, ok := ix.byID[cur]
		if !ok || t.IsRoot() {
			paths = append(paths, chain)
			return
		}
		for _, pid := range t.Lineage.ParentIDs {
			walk(pid, chain)
		}
	}
	walk(id, nil)
	return paths, nil
}
