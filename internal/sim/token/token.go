package token

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Operation classifies how a token came to exist (or stopped moving).
type Operation string

const (
	OpCreation       Operation = "creation"
	OpAggregation    Operation = "aggregation"
	OpTransformation Operation = "transformation"
	OpConsumption    Operation = "consumption"
)

// Summary is a compact capture of a consumed input token, recorded on the
// tokens it helped create. Summaries are what make lineage reconstructible
// after the source token itself has been retired from every buffer.
type Summary struct {
	TokenID      string `json:"token_id"`
	OriginNodeID string `json:"origin_node_id"`
	Value        any    `json:"value"`
	CreatedAt    int64  `json:"created_at"`
}

// LineageMetadata classifies the operation that produced a token and names
// its immediate parents.
type LineageMetadata struct {
	Operation Operation `json:"operation"`
	ParentIDs []string  `json:"parent_ids,omitempty"`
}

// Record is one line of a token's private history log: where it went, what
// consumed it, whether it was dropped. The engine mirrors these into the
// activity journal; the token keeps its own copy so a lineage trace can show
// a token's full life without scanning the global log.
type Record struct {
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
	Details   string `json:"details,omitempty"`
}

// Token is an immutable unit of value with identity and provenance.
//
// INVARIANTS:
//   - ID is unique for the lifetime of a scenario run
//   - CreatedAt <= every Record.Timestamp in History
//   - only History is ever appended to after creation
type Token struct {
	ID           string          `json:"id"`
	Value        any             `json:"value"`
	CreatedAt    int64           `json:"created_at"`
	OriginNodeID string          `json:"origin_node_id"`
	Lineage      LineageMetadata `json:"lineage"`
	Parents      []Summary       `json:"parents,omitempty"`
	History      []Record        `json:"history"`
}

// New creates a token at the given simulation time with zero or more source
// tokens as lineage parents.
//
// The new token's history begins with exactly one CREATED record. The only
// side effect on the source tokens is an appended history record noting
// their consumption by this operation.
func New(id, originNodeID string, value any, ts int64, op Operation, sources []*Token) *Token {
	t := &Token{
		ID:           id,
		Value:        value,
		CreatedAt:    ts,
		OriginNodeID: originNodeID,
		Lineage:      LineageMetadata{Operation: op},
	}
	if len(sources) > 0 {
		t.Parents = make([]Summary, len(sources))
		t.Lineage.ParentIDs = make([]string, len(sources))
		for i, src := range sources {
			t.Parents[i] = src.Summarize()
			t.Lineage.ParentIDs[i] = src.ID
			src.Append(Record{
				Timestamp: ts,
				Action:    "CONSUMED",
				Details:   fmt.Sprintf("consumed by %s at node %s into token %s", op, originNodeID, id),
			})
		}
	}
	t.History = []Record{{
		Timestamp: ts,
		Action:    "CREATED",
		Details:   createdDetails(op, originNodeID, t.Lineage.ParentIDs),
	}}
	return t
}

func createdDetails(op Operation, origin string, parents []string) string {
	if len(parents) == 0 {
		return fmt.Sprintf("created by %s at node %s", op, origin)
	}
	return fmt.Sprintf("created by %s at node %s from [%s]", op, origin, strings.Join(parents, ", "))
}

// Summarize captures the token's identity and original value for lineage
// records.
func (t *Token) Summarize() Summary {
	return Summary{
		TokenID:      t.ID,
		OriginNodeID: t.OriginNodeID,
		Value:        t.Value,
		CreatedAt:    t.CreatedAt,
	}
}

// Append adds a history record. Appending is the single permitted mutation
// on a token after creation.
func (t *Token) Append(r Record) {
	t.History = append(t.History, r)
}

// IsRoot reports whether the token was created with no source tokens.
func (t *Token) IsRoot() bool {
	return len(t.Lineage.ParentIDs) == 0
}

// Generator produces unique token ids.
// Implemented by SequentialGenerator (production: deterministic logs) and
// RandomGenerator (when runs need globally unique ids across processes).
type Generator interface {
	NextID() string
}

// SequentialGenerator allocates ids of the form "tok-000001" from an atomic
// counter. Sequential ids keep two runs of the same scenario byte-identical,
// which the replay engine depends on.
type SequentialGenerator struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialGenerator creates a generator with the given id prefix.
// An empty prefix defaults to "tok".
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	if prefix == "" {
		prefix = "tok"
	}
	return &SequentialGenerator{prefix: prefix}
}

// NextID returns the next id in sequence.
func (g *SequentialGenerator) NextID() string {
	return fmt.Sprintf("%s-%06d", g.prefix, g.n.Add(1))
}

// Advance moves the counter forward to at least n. Used when resuming from a
// snapshot so fresh ids cannot collide with restored ones.
func (g *SequentialGenerator) Advance(n int64) {
	for {
		cur := g.n.Load()
		if cur >= n || g.n.CompareAndSwap(cur, n) {
			return
		}
	}
}

// RandomGenerator allocates short ids from random UUIDv4 entropy. A
// time-ordered UUID would not work here: its leading bytes are timestamp, so
// an 8-character prefix collides for ids minted close together. Not suitable
// for golden-trace comparison; useful when several engines share one token
// namespace.
type RandomGenerator struct{}

// NextID returns an 8-character id derived from a fresh UUID.
func (RandomGenerator) NextID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:8]
}
