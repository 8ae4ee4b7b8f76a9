package harness

import (
	"fmt"

	"github.com/ripple-sim/ripple/internal/sim/journal"
)

// Assertion is one declarative check over a finished run. Type selects the
// check; the remaining fields parameterize it.
type Assertion struct {
	Type string `yaml:"type"`

	// Node scopes the check to one node where applicable.
	Node string `yaml:"node,omitempty"`

	// Action filters journal entries for journal_count / journal_contains.
	Action string `yaml:"action,omitempty"`

	// Count is the expected count for counting assertions.
	Count int64 `yaml:"count,omitempty"`

	// Equals is the expected value for final_time.
	Equals int64 `yaml:"equals,omitempty"`

	// Buffer selects "input" or "output" for queue_len.
	Buffer string `yaml:"buffer,omitempty"`

	// Len is the expected length for queue_len.
	Len int `yaml:"len,omitempty"`
}

func (a Assertion) check(res *Result) error {
	switch a.Type {
	case "final_time":
		if got := res.View.CurrentTime; got != a.Equals {
			return fmt.Errorf("final time = %d, want %d", got, a.Equals)
		}
		return nil

	case "journal_count":
		got := countEntries(a.entries(res), a.Action)
		if got != a.Count {
			return fmt.Errorf("%d entries with action %q, want %d", got, a.Action, a.Count)
		}
		return nil

	case "journal_contains":
		if countEntries(a.entries(res), a.Action) == 0 {
			return fmt.Errorf("no entry with action %q", a.Action)
		}
		return nil

	case "sink_count":
		st, ok := res.View.NodeStates[a.Node]
		if !ok || st.Sink == nil {
			return fmt.Errorf("node %q is not a sink", a.Node)
		}
		if st.Sink.ConsumedCount != a.Count {
			return fmt.Errorf("sink %s consumed %d tokens, want %d", a.Node, st.Sink.ConsumedCount, a.Count)
		}
		return nil

	case "queue_len":
		st, ok := res.View.NodeStates[a.Node]
		if !ok || st.Queue == nil {
			return fmt.Errorf("node %q is not a queue", a.Node)
		}
		buf := st.Queue.InputBuffer
		if a.Buffer == "output" {
			buf = st.Queue.OutputBuffer
		}
		if len(buf) != a.Len {
			return fmt.Errorf("queue %s %s buffer has %d tokens, want %d", a.Node, a.Buffer, len(buf), a.Len)
		}
		return nil

	case "token_count":
		if got := int64(res.Scheduler.TokenIndex().Len()); got != a.Count {
			return fmt.Errorf("%d tokens created, want %d", got, a.Count)
		}
		return nil

	case "no_errors":
		if errs := res.Scheduler.Errors(); len(errs) > 0 {
			return fmt.Errorf("%d runtime errors, first: %s", len(errs), errs[0])
		}
		return nil

	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// entries returns the journal scope: the node's log when Node is set,
// otherwise the global log.
func (a Assertion) entries(res *Result) []journal.Entry {
	if a.Node != "" {
		return res.Scheduler.NodeLog(a.Node)
	}
	return res.View.GlobalActivityLog
}

func countEntries(entries []journal.Entry, action string) int64 {
	var n int64
	for _, e := range entries {
		if string(e.Action) == action {
			n++
		}
	}
	return n
}
