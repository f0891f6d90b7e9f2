// Package llm defines the provider-agnostic chat and embedding surface the
// memory engines (promotion, consolidation, distillation) and the session
// wall depend on, grounded on the teacher's internal/llm/provider.go.
// Concrete backends live in anthropic/ and openai/; providers/factory.go
// picks and chains them with fallback.
package llm

import "context"

// Message is one chat turn in provider-agnostic form. Usage and Provider are
// only populated on a provider's response message, never on an input
// message, so the wall can report prompt/completion token counts and the
// serving provider name per spec.md §4.12(c).
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string

	Usage    Usage
	Provider Name
	Model    string
}

// Usage reports token accounting for one Chat/ChatJSON call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is the minimum capability a chat backend must offer.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string) (Message, error)
}

// StructuredProvider is implemented by providers that can constrain output
// to a JSON schema, used by the promotion engine's fact extraction and the
// distillation engine's synthesis pass.
type StructuredProvider interface {
	Provider
	ChatJSON(ctx context.Context, msgs []Message, model string, schema map[string]any) (string, error)
}

// Embedder is the minimum capability an embedding backend must offer.
type Embedder interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Name identifies a configured provider for logging, fallback ordering, and
// circuit breaker bookkeeping.
type Name string
