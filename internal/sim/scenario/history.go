package scenario

// SnapshotCap bounds the undo ring to the most recent scenario versions.
const SnapshotCap = 20

// History is the undo/redo ring of scenario versions. Scenarios are
// immutable, so entries are shared pointers rather than deep clones - the
// structural-sharing form of snapshot retention.
//
// Push is called with the outgoing version whenever the engine replaces its
// model; Undo/Redo move along the retained chain.
type History struct {
	past   []*Scenario
	future []*Scenario
}

// Push retains a version on the undo stack and clears any redo tail.
// The oldest version is evicted once SnapshotCap is exceeded.
func (h *History) Push(s *Scenario) {
	if s == nil {
		return
	}
	h.past = append(h.past, s)
	if len(h.past) > SnapshotCap {
		h.past = h.past[len(h.past)-SnapshotCap:]
	}
	h.future = nil
}

// Undo exchanges the current version for the most recently pushed one.
// Returns false when there is nothing to undo.
func (h *History) Undo(current *Scenario) (*Scenario, bool) {
	if len(h.past) == 0 {
		return nil, false
	}
	prev := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	if current != nil {
		h.future = append(h.future, current)
	}
	return prev, true
}

// Redo re-applies the most recently undone version.
func (h *History) Redo(current *Scenario) (*Scenario, bool) {
	if len(h.future) == 0 {
		return nil, false
	}
	next := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	if current != nil {
		h.past = append(h.past, current)
	}
	return next, true
}

// Depth returns the number of undoable versions retained.
func (h *History) Depth() int {
	return len(h.past)
}
