// Package variant implements the three agent policies that share the four
// memory tiers and the unified LLM client, grounded on the reference
// implementation's src/agents/{memory_agent,rag_agent,full_context_agent}.py
// and src/agents/models.py (RunTurnRequest/RunTurnResponse).
package variant

import (
	"context"
	"time"

	"github.com/intelligencedev/memoryd/internal/llm"
)

// Kind identifies one of the three closed agent variants (spec.md §9: model
// variants as a closed sum rather than a class hierarchy).
type Kind string

const (
	KindMemory      Kind = "memory"
	KindRAG         Kind = "rag"
	KindFullContext Kind = "full_context"
)

// TurnRequest is one inbound conversational turn, independent of HTTP
// framing.
type TurnRequest struct {
	SessionID string
	Role      string
	Content   string
	TurnID    int
	Metadata  map[string]any
	Timestamp time.Time
	History   []HistoryMessage
}

// HistoryMessage is one prior message in the request's own message list, as
// supplied by an OpenAI-compatible caller (distinct from L1's stored turns).
type HistoryMessage struct {
	Role    string
	Content string
}

// TurnResponse is the variant's answer to one TurnRequest.
type TurnResponse struct {
	SessionID string
	Role      string
	Content   string
	TurnID    int
	Metadata  map[string]any
	Timestamp time.Time

	// Usage, Provider, and Model come straight from the LLM call the
	// variant made, so the wall can surface them in its OpenAI-compatible
	// response without re-deriving them (spec.md §4.12(c)).
	Usage    llm.Usage
	Provider llm.Name
	Model    string

	// Timings let the wall report a storage/LLM split in its response
	// metadata (spec.md §4.13) without re-instrumenting pipeline internals.
	StorageMsPre  int64
	LLMMs         int64
	StorageMsPost int64
}

// Variant is the capability every agent policy offers: run one turn, report
// health. The wall is written against this interface only, never against a
// concrete policy (spec.md §9: capability sets, not inheritance).
type Variant interface {
	Kind() Kind
	RunTurn(ctx context.Context, req TurnRequest) (TurnResponse, error)
	HealthCheck(ctx context.Context) error
}
