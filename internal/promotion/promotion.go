// Package promotion implements the L1 to L2 promotion engine: it calls the
// atomic-promotion script to pull candidate turns over the CIAR threshold,
// extracts structured facts from them via the LLM, scores and dedups the
// result, writes to L2, and emits lifecycle events for the outcome.
package promotion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/ciar"
	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/namespace"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/scripts"
	"github.com/intelligencedev/memoryd/internal/tiers/l2"
)

// extractionSchema constrains the LLM's fact-extraction output.
var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"facts": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content":    map[string]any{"type": "string"},
					"fact_type":  map[string]any{"type": "string"},
					"category":   map[string]any{"type": "string"},
					"certainty":  map[string]any{"type": "number"},
					"impact":     map[string]any{"type": "number"},
					"justification": map[string]any{"type": "string"},
				},
				"required": []string{"content", "fact_type", "category", "certainty", "impact"},
			},
		},
	},
	"required": []string{"facts"},
}

type extractedFact struct {
	Content       string  `json:"content"`
	FactType      string  `json:"fact_type"`
	Category      string  `json:"category"`
	Certainty     float64 `json:"certainty"`
	Impact        float64 `json:"impact"`
	Justification string  `json:"justification"`
}

type extractionResult struct {
	Facts []extractedFact `json:"facts"`
}

// Engine runs the L1->L2 promotion pass for one session at a time.
type Engine struct {
	scriptMgr *scripts.Manager
	l2        *l2.Tier
	llmClient llm.StructuredProvider
	publisher *eventbus.Publisher
	rdb       redis.UniversalClient
	threshold float64
	batchSize int
}

// New returns a promotion Engine.
func New(scriptMgr *scripts.Manager, l2Tier *l2.Tier, llmClient llm.StructuredProvider, publisher *eventbus.Publisher, rdb redis.UniversalClient, threshold float64, batchSize int) *Engine {
	return &Engine{scriptMgr: scriptMgr, l2: l2Tier, llmClient: llmClient, publisher: publisher, rdb: rdb, threshold: threshold, batchSize: batchSize}
}

// leaseKey serializes promotion runs per session so two concurrent triggers
// never double-extract the same candidate window.
func leaseKey(sessionID string) string {
	return fmt.Sprintf("{session:%s}:promotion:lease", sessionID)
}

// Run executes one promotion pass for sessionID: pull candidates, extract,
// score, dedup, persist, and publish lifecycle events. It returns the
// number of facts promoted.
func (e *Engine) Run(ctx context.Context, sessionID string) (int, error) {
	acquired, err := e.rdb.SetNX(ctx, leaseKey(sessionID), "1", 2*time.Minute).Result()
	if err != nil {
		return 0, apperr.Unavailable("promotion", err)
	}
	if !acquired {
		return 0, nil
	}
	defer e.rdb.Del(ctx, leaseKey(sessionID))

	l1Key := namespace.L1Turns(sessionID)
	l2IndexKey := namespace.FactsIndex(sessionID)
	candidates, err := e.scriptMgr.ExecuteAtomicPromotion(ctx, l1Key, l2IndexKey, e.threshold, e.batchSize)
	if err != nil {
		return 0, apperr.New(apperr.KindInternal, "promotion", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	log := observability.WithSession(ctx, sessionID)

	var turnsText string
	for _, c := range candidates {
		turnsText += fmt.Sprintf("%s: %s\n", c.Role, c.Content)
	}
	raw, err := e.llmClient.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: extractionPrompt},
		{Role: "user", Content: turnsText},
	}, "", extractionSchema)
	if err != nil {
		e.publish(ctx, eventbus.EventPromotionFailed, sessionID, map[string]any{"error": err.Error()})
		return 0, apperr.New(apperr.KindInternal, "promotion", err)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		e.publish(ctx, eventbus.EventPromotionFailed, sessionID, map[string]any{"error": err.Error()})
		return 0, apperr.New(apperr.KindInternal, "promotion", err)
	}

	promoted := 0
	now := time.Now().UTC()
	for _, ef := range result.Facts {
		factID := deterministicFactID(sessionID, ef.Content, ef.FactType)
		known, err := e.l2.IsKnownFactID(ctx, sessionID, factID)
		if err != nil {
			return promoted, err
		}
		if known {
			continue
		}
		score := ciar.Score(ciar.Inputs{Certainty: ef.Certainty, Impact: ef.Impact})
		e.publish(ctx, eventbus.EventSignificanceScore, sessionID, map[string]any{
			"fact_id": factID, "ciar_score": score,
		})
		if score < e.threshold {
			continue
		}
		fact := model.Fact{
			FactID:        factID,
			SessionID:     sessionID,
			Content:       ef.Content,
			FactType:      model.FactType(ef.FactType),
			Category:      model.FactCategory(ef.Category),
			ExtractedAt:   now,
			Certainty:     ef.Certainty,
			Impact:        ef.Impact,
			CIARScore:     score,
			LastAccessed:  now,
			Justification: ef.Justification,
		}
		if err := e.l2.Store(ctx, fact); err != nil {
			log.Error().Err(err).Str("fact_id", factID).Msg("promotion store failed")
			continue
		}
		e.publish(ctx, eventbus.EventFactPromoted, sessionID, map[string]any{"fact_id": factID})
		promoted++
	}
	// Record the processed turns' provisional ids in the index set so the
	// atomic script skips them on the next run.
	for _, c := range candidates {
		if c.FactID == "" {
			continue
		}
		if err := e.rdb.SAdd(ctx, l2IndexKey, c.FactID).Err(); err != nil {
			log.Warn().Err(err).Str("fact_id", c.FactID).Msg("promotion turn mark failed")
		}
	}
	return promoted, nil
}

func (e *Engine) publish(ctx context.Context, eventType eventbus.EventType, sessionID string, data map[string]any) {
	if _, err := e.publisher.Publish(ctx, eventbus.Event{
		Type: eventType, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data,
	}); err != nil {
		observability.WithSession(ctx, sessionID).Warn().Err(err).Str("event_type", string(eventType)).Msg("lifecycle publish failed")
	}
}

// deterministicFactID derives a stable id from (session, fact_type, content)
// so re-extracting the same fact from overlapping candidate windows is
// idempotent: fact_id = "fact:" + hex(sha256(session_id + "\x1f" + fact_type
// + "\x1f" + normalize(content)))[:32].
func deterministicFactID(sessionID, content, factType string) string {
	h := sha256.Sum256([]byte(sessionID + "\x1f" + factType + "\x1f" + normalizeContent(content)))
	return "fact:" + hex.EncodeToString(h[:])[:32]
}

// normalizeContent lower-cases content and collapses runs of whitespace to a
// single space, so cosmetic differences between re-extractions of the same
// fact (extra spaces, capitalization) don't produce distinct fact IDs.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

const extractionPrompt = `Extract durable facts worth remembering from the conversation turns below.
For each fact, estimate certainty (how sure the speaker was) and impact
(how consequential the fact is to future interactions), both in [0, 1].
Classify fact_type as one of: preference, constraint, entity, mention,
relationship, event, instruction, observation. Return only facts that would
still matter days from now; skip small talk and transient state.`
