package variant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intelligencedev/memoryd/internal/contextblock"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/promotion"
	"github.com/intelligencedev/memoryd/internal/tiers/l1"
)

// turnState is the per-turn object the five-node pipeline threads through,
// grounded on src/agents/memory_agent.py's step state (messages, session_id,
// turn_id, metadata, active_context, working_facts, episodic_chunks,
// semantic_knowledge, response).
type turnState struct {
	req          TurnRequest
	block        model.ContextBlock
	responseText string
	resp         llm.Message

	storageMsPre  int64
	llmMs         int64
	storageMsPost int64
}

// MemoryAgent is the memory-variant pipeline: perceive -> retrieve -> reason
// -> update -> respond. It is the only variant that writes turns back to L1
// and schedules promotion (spec.md §4.12).
type MemoryAgent struct {
	l1         *l1.Tier
	assembler  *contextblock.Assembler
	llmClient  llm.StructuredProvider
	embedder   llm.Embedder
	promoter   *promotion.Engine
	model      string
	minCIAR    float64
	maxTurns   int
	maxFacts   int
	tokenBudget int
	batchMinTurns int
}

// NewMemoryAgent constructs a MemoryAgent.
func NewMemoryAgent(
	l1Tier *l1.Tier,
	assembler *contextblock.Assembler,
	llmClient llm.StructuredProvider,
	embedder llm.Embedder,
	promoter *promotion.Engine,
	model string,
	minCIAR float64,
	maxTurns, maxFacts, tokenBudget, batchMinTurns int,
) *MemoryAgent {
	return &MemoryAgent{
		l1: l1Tier, assembler: assembler, llmClient: llmClient, embedder: embedder,
		promoter: promoter, model: model, minCIAR: minCIAR,
		maxTurns: maxTurns, maxFacts: maxFacts, tokenBudget: tokenBudget,
		batchMinTurns: batchMinTurns,
	}
}

func (a *MemoryAgent) Kind() Kind { return KindMemory }

// RunTurn executes the five-node pipeline for one turn.
func (a *MemoryAgent) RunTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	state := &turnState{req: req}

	pre := time.Now()
	if err := a.perceive(ctx, state); err != nil {
		return TurnResponse{}, fmt.Errorf("perceive: %w", err)
	}
	if err := a.retrieve(ctx, state); err != nil {
		return TurnResponse{}, fmt.Errorf("retrieve: %w", err)
	}
	state.storageMsPre = time.Since(pre).Milliseconds()

	llmStart := time.Now()
	if err := a.reason(ctx, state); err != nil {
		return TurnResponse{}, fmt.Errorf("reason: %w", err)
	}
	state.llmMs = time.Since(llmStart).Milliseconds()

	post := time.Now()
	a.update(ctx, state)
	state.storageMsPost = time.Since(post).Milliseconds()

	return a.respond(state), nil
}

func (a *MemoryAgent) perceive(ctx context.Context, s *turnState) error {
	turn := model.Turn{
		SessionID: s.req.SessionID,
		TurnID:    turnID(s.req),
		Role:      model.Role(s.req.Role),
		Content:   s.req.Content,
		Timestamp: turnTimestamp(s.req),
		Metadata:  s.req.Metadata,
	}
	return a.l1.Store(ctx, turn)
}

func (a *MemoryAgent) retrieve(ctx context.Context, s *turnState) error {
	var queryVector []float32
	if a.embedder != nil {
		vecs, err := a.embedder.Embed(ctx, []string{s.req.Content}, "")
		if err == nil && len(vecs) == 1 {
			queryVector = vecs[0]
		}
	}
	block, err := a.assembler.Assemble(ctx, contextblock.Input{
		SessionID:   s.req.SessionID,
		Query:       s.req.Content,
		QueryVector: queryVector,
		MinCIAR:     a.minCIAR,
		MaxTurns:    a.maxTurns,
		MaxFacts:    a.maxFacts,
		TokenBudget: a.tokenBudget,
	})
	if err != nil {
		return err
	}
	s.block = block
	return nil
}

func (a *MemoryAgent) reason(ctx context.Context, s *turnState) error {
	msgs := buildPromptMessages(s.block)
	resp, err := a.llmClient.Chat(ctx, msgs, a.model)
	if err != nil {
		return err
	}
	s.responseText = resp.Content
	s.resp = resp
	return nil
}

func (a *MemoryAgent) update(ctx context.Context, s *turnState) {
	assistantTurn := model.Turn{
		SessionID: s.req.SessionID,
		TurnID:    turnID(s.req) + ":assistant",
		Role:      model.RoleAssistant,
		Content:   s.responseText,
		Timestamp: time.Now().UTC(),
	}
	log := observability.WithSession(ctx, s.req.SessionID)
	if err := a.l1.Store(ctx, assistantTurn); err != nil {
		log.Warn().Err(err).Msg("failed to store assistant turn in l1")
	}

	if a.promoter == nil {
		return
	}
	n, err := a.l1.Len(ctx, s.req.SessionID)
	if err != nil || int(n) < a.batchMinTurns {
		return
	}
	// Fire-and-forget: promotion runs in its own bounded background task,
	// serialized per session by the engine's own lease (spec.md §4.8).
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := a.promoter.Run(bgCtx, s.req.SessionID); err != nil {
			observability.LoggerWithTrace(bgCtx).Warn().Err(err).Str("session_id", s.req.SessionID).Msg("promotion run failed")
		}
	}()
}

func (a *MemoryAgent) respond(s *turnState) TurnResponse {
	return TurnResponse{
		SessionID:     s.req.SessionID,
		Role:          string(model.RoleAssistant),
		Content:       s.responseText,
		TurnID:        s.req.TurnID,
		Timestamp:     time.Now().UTC(),
		Usage:         s.resp.Usage,
		Provider:      s.resp.Provider,
		Model:         s.resp.Model,
		StorageMsPre:  s.storageMsPre,
		LLMMs:         s.llmMs,
		StorageMsPost: s.storageMsPost,
	}
}

// HealthCheck reports whether L1 is reachable.
func (a *MemoryAgent) HealthCheck(ctx context.Context) error {
	return a.l1.HealthCheck(ctx)
}

// buildPromptMessages renders a ContextBlock into chat messages, placing
// standing orders first (highest priority), then the conversation, then
// significant facts and knowledge snippets last so the model treats them as
// standing context rather than part of the live exchange (spec.md §4.11).
func buildPromptMessages(block model.ContextBlock) []llm.Message {
	msgs := make([]llm.Message, 0, len(block.RecentTurns)+4)

	if len(block.StandingOrders) > 0 {
		content := "Standing instructions from the user, always in effect:\n"
		for _, f := range block.StandingOrders {
			content += "- " + f.Content + "\n"
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: content})
	}

	for _, t := range block.RecentTurns {
		role := string(t.Role)
		if role == string(model.RoleSystem) {
			role = "system"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	if len(block.SignificantFacts) > 0 {
		content := "Known facts about this session:\n"
		for _, f := range block.SignificantFacts {
			content += "- " + f.Content + "\n"
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: content})
	}
	if len(block.EpisodeSummaries) > 0 {
		content := "Relevant past episodes:\n"
		for _, e := range block.EpisodeSummaries {
			content += "- " + e + "\n"
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: content})
	}
	if len(block.KnowledgeSnippets) > 0 {
		content := "Relevant distilled knowledge:\n"
		for _, k := range block.KnowledgeSnippets {
			content += "- " + k + "\n"
		}
		msgs = append(msgs, llm.Message{Role: "system", Content: content})
	}
	return msgs
}

// turnID gives the stored L1 row a unique id: the request's turn index plus
// a random suffix, since two requests can share a turn index across retries
// but L1 rows must not collide.
func turnID(req TurnRequest) string {
	return fmt.Sprintf("%d-%s", req.TurnID, uuid.NewString())
}

func turnTimestamp(req TurnRequest) time.Time {
	if !req.Timestamp.IsZero() {
		return req.Timestamp
	}
	return time.Now().UTC()
}
