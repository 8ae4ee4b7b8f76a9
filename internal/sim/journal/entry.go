package journal

import (
	"time"

	"github.com/ripple-sim/ripple/internal/sim/token"
)

// Action tags what a journal entry records.
type Action string

const (
	ActionEmit             Action = "EMIT_TOKEN"
	ActionDrop             Action = "DROP_TOKEN"
	ActionArrive           Action = "TOKEN_ARRIVED"
	ActionConsume          Action = "CONSUME_TOKEN"
	ActionForward          Action = "FORWARD_TOKEN"
	ActionFormulaError     Action = "FORMULA_ERROR"
	ActionAggregationEmpty Action = "AGGREGATION_EMPTY"
	ActionTransform        Action = "TRANSFORM_TOKEN"
	ActionInjected         Action = "token_injected"
	ActionModelUpgrade     Action = "MODEL_UPGRADE"
)

// AggregatedAction builds the AGGREGATED_<METHOD> action tag.
func AggregatedAction(method string) Action {
	return Action("AGGREGATED_" + upper(method))
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// EventTypeExternal marks entries caused by inputs outside the deterministic
// tick computation (manual injection).
const EventTypeExternal = "external_event"

// AggregationDetails is the structured breakdown attached to an
// AGGREGATED_* entry.
type AggregationDetails struct {
	Method      string          `json:"method"`
	Inputs      []token.Summary `json:"inputs"`
	Description string          `json:"description"`
	Result      any             `json:"result"`
}

// TransformationDetails is the structured breakdown attached to a
// TRANSFORM_TOKEN entry.
type TransformationDetails struct {
	Formula string         `json:"formula"`
	Inputs  map[string]any `json:"inputs"`
	Result  any            `json:"result"`
}

// Entry is one activity-log line. The Operation tag selects which of the
// optional detail variants is populated; an entry never carries more than
// one of Aggregation and Transformation.
type Entry struct {
	Timestamp int64     `json:"timestamp"`
	Epoch     time.Time `json:"epoch_timestamp"`
	Seq       int64     `json:"sequence"`
	NodeID    string    `json:"node_id"`
	Action    Action    `json:"action"`
	Details   string    `json:"details,omitempty"`

	TokenID   string `json:"token_id,omitempty"`
	Value     any    `json:"value,omitempty"`
	EventType string `json:"event_type,omitempty"`

	Operation            token.Operation        `json:"operation_type,omitempty"`
	SourceTokenIDs       []string               `json:"source_token_ids,omitempty"`
	SourceTokenSummaries []token.Summary        `json:"source_token_summaries,omitempty"`
	Lineage              *token.LineageMetadata `json:"lineage_metadata,omitempty"`

	Aggregation    *AggregationDetails    `json:"aggregation_details,omitempty"`
	Transformation *TransformationDetails `json:"transformation_details,omitempty"`
}
