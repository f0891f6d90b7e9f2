package variant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/storage"
)

// RAGAgent indexes every incoming turn directly into the vector store and
// retrieves similar prior turns to build the prompt, with no L2/L3/L4
// write-back (spec.md §4.12), grounded on
// src/agents/rag_agent.py's index-then-query-then-generate shape.
type RAGAgent struct {
	vectors   storage.VectorIndex
	embedder  llm.Embedder
	llmClient llm.Provider
	model     string
	topK      int
}

// NewRAGAgent constructs a RAGAgent.
func NewRAGAgent(vectors storage.VectorIndex, embedder llm.Embedder, llmClient llm.Provider, model string, topK int) *RAGAgent {
	if topK <= 0 {
		topK = 8
	}
	return &RAGAgent{vectors: vectors, embedder: embedder, llmClient: llmClient, model: model, topK: topK}
}

func (a *RAGAgent) Kind() Kind { return KindRAG }

// RunTurn indexes req.Content, retrieves similar turns, and answers from the
// retrieved context plus the caller-supplied message history.
func (a *RAGAgent) RunTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	log := observability.WithSession(ctx, req.SessionID)

	var vector []float32
	if a.embedder != nil {
		vecs, err := a.embedder.Embed(ctx, []string{req.Content}, "")
		if err != nil {
			log.Warn().Err(err).Msg("rag embed failed, proceeding without retrieval")
		} else if len(vecs) == 1 {
			vector = vecs[0]
		}
	}

	docID := fmt.Sprintf("%s:%d:%s", req.SessionID, req.TurnID, turnID(req))
	if len(vector) > 0 {
		meta := map[string]string{
			"session_id": req.SessionID,
			"role":       req.Role,
			"content":    req.Content,
		}
		if err := a.vectors.Upsert(ctx, docID, vector, meta); err != nil {
			log.Warn().Err(err).Msg("rag index turn failed")
		}
	}

	var retrieved []string
	if len(vector) > 0 {
		hits, err := a.vectors.SimilaritySearch(ctx, vector, a.topK, map[string]string{"session_id": req.SessionID})
		if err != nil {
			log.Warn().Err(err).Msg("rag similarity search failed")
		} else {
			for _, h := range hits {
				if c, ok := h.Metadata["content"]; ok {
					retrieved = append(retrieved, c)
				}
			}
		}
	}

	msgs := []llm.Message{
		{Role: "system", Content: "You are a retrieval-augmented assistant. Use the retrieved memory snippets to answer the user."},
	}
	if len(retrieved) > 0 {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Retrieved memory:\n" + strings.Join(prefixEach(retrieved), "\n")})
	}
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
		SessionID: req.SessionID,
		Role:      string(model.RoleAssistant),
		Content:   resp.Content,
		TurnID:    req.TurnID,
		Timestamp: time.Now().UTC(),
		Usage:     resp.Usage,
		Provider:  resp.Provider,
		Model:     resp.Model,
		LLMMs:     llmMs,
	}, nil
}

// HealthCheck reports true unconditionally; it does not probe the vector
// backend, and the wall's /health does not check it either.
func (a *RAGAgent) HealthCheck(ctx context.Context) error {
	return nil
}

func prefixEach(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "- " + s
	}
	return out
}
