package variant

import (
	"context"
	"time"

	"github.com/intelligencedev/memoryd/internal/contextblock"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
)

// Defaults grounded on src/agents/full_context_agent.py's class constants.
const (
	defaultFullContextTokenBudget = 120_000
	defaultFullContextMaxTurns    = 100
	defaultFullContextMaxFacts    = 20
	defaultFullContextMinCIAR     = 0.4
)

// FullContextAgent pulls the largest context block the model allows and
// truncates oldest turns while preserving a minimum, answering with no
// promotion scheduling (spec.md §4.12: a baseline variant, not a writer).
type FullContextAgent struct {
	assembler   *contextblock.Assembler
	llmClient   llm.Provider
	model       string
	tokenBudget int
	maxTurns    int
	maxFacts    int
	minCIAR     float64
}

// NewFullContextAgent constructs a FullContextAgent. Zero-valued tuning
// parameters fall back to the reference defaults.
func NewFullContextAgent(assembler *contextblock.Assembler, llmClient llm.Provider, model string, tokenBudget, maxTurns, maxFacts int, minCIAR float64) *FullContextAgent {
	a := &FullContextAgent{assembler: assembler, llmClient: llmClient, model: model,
		tokenBudget: tokenBudget, maxTurns: maxTurns, maxFacts: maxFacts, minCIAR: minCIAR}
	if a.tokenBudget <= 0 {
		a.tokenBudget = defaultFullContextTokenBudget
	}
	if a.maxTurns <= 0 {
		a.maxTurns = defaultFullContextMaxTurns
	}
	if a.maxFacts <= 0 {
		a.maxFacts = defaultFullContextMaxFacts
	}
	if a.minCIAR <= 0 {
		a.minCIAR = defaultFullContextMinCIAR
	}
	return a
}

func (a *FullContextAgent) Kind() Kind { return KindFullContext }

// RunTurn assembles the widest context block configured and answers without
// writing anything back to L1/L2/L3/L4.
func (a *FullContextAgent) RunTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	pre := time.Now()
	block, err := a.assembler.Assemble(ctx, contextblock.Input{
		SessionID:   req.SessionID,
		Query:       req.Content,
		MinCIAR:     a.minCIAR,
		MaxTurns:    a.maxTurns,
		MaxFacts:    a.maxFacts,
		TokenBudget: a.tokenBudget,
	})
	if err != nil {
		return TurnResponse{}, err
	}
	storageMsPre := time.Since(pre).Milliseconds()

	msgs := buildPromptMessages(block)
	for _, h := range req.History {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Content})

	llmStart := time.Now()
	resp, err := a.llmClient.Chat(ctx, msgs, a.model)
	llmMs := time.Since(llmStart).Milliseconds()
	if err != nil {
		return TurnResponse{}, err
	}

	return TurnResponse{
		SessionID:    req.SessionID,
		Role:         string(model.RoleAssistant),
		Content:      resp.Content,
		TurnID:       req.TurnID,
		Timestamp:    time.Now().UTC(),
		Usage:        resp.Usage,
		Provider:     resp.Provider,
		Model:        resp.Model,
		StorageMsPre: storageMsPre,
		LLMMs:        llmMs,
	}, nil
}

// HealthCheck always succeeds; the assembler's own tier health is surfaced
// by the wall directly.
func (a *FullContextAgent) HealthCheck(ctx context.Context) error {
	return nil
}
