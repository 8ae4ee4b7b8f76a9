package scenario

import "fmt"

// Validate performs structural validation of a scenario: unique node ids,
// resolvable destination references, tag/variant consistency, and per-kind
// parameter sanity. All errors are collected (no fail-fast) so a user can fix
// a scenario in one pass.
//
// A scenario that fails validation must not be handed to the engine; the
// loader enforces this by returning a nil scenario alongside the errors.
func Validate(s *Scenario) []error {
	var errs []error
	if s == nil {
		return []error{fmt.Errorf("scenario is nil")}
	}
	if s.SchemaVersion < 1 {
		errs = append(errs, fmt.Errorf("schemaVersion must be >= 1, got %d", s.SchemaVersion))
	}
	if len(s.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("scenario has no nodes"))
	}

	ids := make(map[string]NodeKind, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.NodeID == "" {
			errs = append(errs, fmt.Errorf("node at index %d: empty nodeId", i))
			continue
		}
		if _, dup := ids[n.NodeID]; dup {
			errs = append(errs, fmt.Errorf("duplicate nodeId %q", n.NodeID))
			continue
		}
		ids[n.NodeID] = n.Kind
	}

	for i := range s.Nodes {
		n := &s.Nodes[i]
		if _, err := n.variant(); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, validateNode(n, ids)...)
	}

	for group, members := range s.Groups {
		for _, id := range members {
			if _, ok := ids[id]; !ok {
				errs = append(errs, fmt.Errorf("group %q references unknown node %q", group, id))
			}
		}
	}
	return errs
}

func validateNode(n *NodeConfig, ids map[string]NodeKind) []error {
	var errs []error

	checkEdge := func(e Edge, what string) {
		if e.To == "" {
			errs = append(errs, fmt.Errorf("node %s: %s has empty destination", n.NodeID, what))
			return
		}
		kind, ok := ids[e.To]
		if !ok {
			errs = append(errs, fmt.Errorf("node %s: %s references unknown node %q", n.NodeID, what, e.To))
			return
		}
		if kind == KindSource {
			errs = append(errs, fmt.Errorf("node %s: %s routes into source node %q", n.NodeID, what, e.To))
		}
	}

	switch n.Kind {
	case KindSource:
		c := n.Source
		if c.Interval < 1 {
			errs = append(errs, fmt.Errorf("node %s: interval must be >= 1, got %d", n.NodeID, c.Interval))
		}
		if c.ValueMin > c.ValueMax {
			errs = append(errs, fmt.Errorf("node %s: valueMin %d > valueMax %d", n.NodeID, c.ValueMin, c.ValueMax))
		}
		for j, e := range n.Outputs {
			checkEdge(e, fmt.Sprintf("output %d", j))
		}

	case KindQueue:
		c := n.Queue
		if c.Capacity < 1 {
			errs = append(errs, fmt.Errorf("node %s: capacity must be >= 1, got %d", n.NodeID, c.Capacity))
		}
		if c.Window < 1 {
			errs = append(errs, fmt.Errorf("node %s: window must be >= 1, got %d", n.NodeID, c.Window))
		}
		if !ValidMethod(c.Method) {
			errs = append(errs, fmt.Errorf("node %s: unknown aggregation method %q", n.NodeID, c.Method))
		}
		for j, e := range n.Outputs {
			checkEdge(e, fmt.Sprintf("output %d", j))
		}

	case KindProcess:
		c := n.Process
		if len(c.Inputs) == 0 {
			errs = append(errs, fmt.Errorf("node %s: process has no inputs", n.NodeID))
		}
		seenInputs := make(map[string]bool, len(c.Inputs))
		seenAliases := make(map[string]bool, len(c.Inputs))
		for _, in := range c.Inputs {
			if in.Name == "" {
				errs = append(errs, fmt.Errorf("node %s: input with empty name", n.NodeID))
			} else if seenInputs[in.Name] {
				errs = append(errs, fmt.Errorf("node %s: duplicate input name %q", n.NodeID, in.Name))
			}
			seenInputs[in.Name] = true
			alias := in.FormulaAlias()
			if seenAliases[alias] {
				errs = append(errs, fmt.Errorf("node %s: duplicate input alias %q", n.NodeID, alias))
			}
			seenAliases[alias] = true
			if _, ok := ids[in.Source]; !ok {
				errs = append(errs, fmt.Errorf("node %s: input %q sourced from unknown node %q", n.NodeID, in.Name, in.Source))
			}
		}
		if len(c.Outputs) == 0 {
			errs = append(errs, fmt.Errorf("node %s: process has no outputs", n.NodeID))
		}
		for _, out := range c.Outputs {
			if out.Formula == "" {
				errs = append(errs, fmt.Errorf("node %s: output %q has empty formula", n.NodeID, out.Name))
			}
			checkEdge(out.Destination(), fmt.Sprintf("output %q", out.Name))
		}
		if len(n.Outputs) > 0 {
			errs = append(errs, fmt.Errorf("node %s: process routing belongs on outputs[].to, not node outputs", n.NodeID))
		}

	case KindSink:
		if len(n.Outputs) > 0 {
			errs = append(errs, fmt.Errorf("node %s: sink declares outputs", n.NodeID))
		}
	}
	return errs
}
