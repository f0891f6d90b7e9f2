// Package distillation implements the L3 to L4 distillation engine: it
// clusters similar episodes by vector similarity, synthesizes a knowledge
// document via the LLM, checks it against existing L4 documents by title
// overlap, and records the new document, marking as stale any overlapping
// document whose confidence the new one exceeds by more than 0.1. The
// confidence scores of existing documents are not adjusted.
package distillation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/tiers/l3"
	"github.com/intelligencedev/memoryd/internal/tiers/l4"
)

// distillSchema constrains the LLM's knowledge-synthesis output.
var distillSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":           map[string]any{"type": "string"},
		"content":         map[string]any{"type": "string"},
		"knowledge_type":  map[string]any{"type": "string"},
		"confidence":      map[string]any{"type": "number"},
	},
	"required": []string{"title", "content", "knowledge_type", "confidence"},
}

type distillResult struct {
	Title         string  `json:"title"`
	Content       string  `json:"content"`
	KnowledgeType string  `json:"knowledge_type"`
	Confidence    float64 `json:"confidence"`
}

// conflictAgreementThreshold is how much the new distillation's confidence
// must exceed an existing conflicting document's before the existing one is
// marked stale rather than kept alongside the new one.
const conflictAgreementThreshold = 0.1

// Engine runs the L3->L4 distillation pass.
type Engine struct {
	l3        *l3.Tier
	l4        *l4.Tier
	llmClient llm.StructuredProvider
	publisher *eventbus.Publisher
	minEpisodes int
}

// New returns a distillation Engine. Distillation only runs once at least
// minEpisodes similar episodes are clustered together.
func New(l3Tier *l3.Tier, l4Tier *l4.Tier, llmClient llm.StructuredProvider, publisher *eventbus.Publisher, minEpisodes int) *Engine {
	return &Engine{l3: l3Tier, l4: l4Tier, llmClient: llmClient, publisher: publisher, minEpisodes: minEpisodes}
}

// Run distills the episodes most similar to seedVector (typically a recent
// episode's own embedding) into a knowledge document. It returns the
// resulting knowledge_id, or "" if the cluster was too small.
func (e *Engine) Run(ctx context.Context, seedVector []float32, sessionID string) (string, error) {
	cluster, err := e.l3.SearchSimilar(ctx, seedVector, e.minEpisodes*2, sessionID)
	if err != nil {
		return "", err
	}
	if len(cluster) < e.minEpisodes {
		return "", nil
	}

	var episodeText string
	for _, hit := range cluster {
		if summary, ok := hit.Metadata["summary"]; ok {
			episodeText += "- " + summary + "\n"
		}
	}
	raw, err := e.llmClient.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: distillPrompt},
		{Role: "user", Content: episodeText},
	}, "", distillSchema)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "distillation", err)
	}
	var result distillResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", apperr.New(apperr.KindInternal, "distillation", err)
	}

	knowledgeType := model.KnowledgeType(result.KnowledgeType)
	existing, err := e.l4.FindByTitleOverlap(ctx, result.Title, knowledgeType, 3)
	if err != nil {
		return "", err
	}
	for _, ex := range existing {
		if result.Confidence > ex.ConfidenceScore+conflictAgreementThreshold {
			if err := e.l4.MarkStale(ctx, ex.KnowledgeID); err != nil {
				return "", err
			}
		}
	}

	knowledgeID := knowledgeIDFor(result.Title, knowledgeType)
	now := time.Now().UTC()
	doc := model.KnowledgeDocument{
		KnowledgeID:     knowledgeID,
		Title:           result.Title,
		Content:         result.Content,
		KnowledgeType:   knowledgeType,
		ConfidenceScore: result.Confidence,
		EpisodeCount:    len(cluster),
		DistilledAt:     now,
	}
	if err := e.l4.Store(ctx, doc); err != nil {
		return "", err
	}
	if e.publisher != nil {
		e.publisher.Publish(ctx, eventbus.Event{
			Type: eventbus.EventConsolidation, SessionID: sessionID, Timestamp: now,
			Data: map[string]any{"knowledge_id": knowledgeID, "episode_count": len(cluster)},
		})
	}
	return knowledgeID, nil
}

func knowledgeIDFor(title string, knowledgeType model.KnowledgeType) string {
	h := sha1.Sum([]byte(string(knowledgeType) + "|" + title))
	return "knowledge:" + hex.EncodeToString(h[:])
}

const distillPrompt = `The episode summaries below were clustered as similar. Synthesize them into
one general, reusable piece of knowledge: a pattern, rule, procedure, or
summary that would help handle future situations like these. Classify
knowledge_type as one of: pattern, rule, summary, procedure. Score confidence
in [0, 1] for how well-supported this knowledge is by the evidence.`
