// Package consolidation implements the L2 to L3 consolidation engine: it
// clusters a session's facts by extraction time, synthesizes an episode
// summary via the LLM, embeds it, extracts entities and relationships, and
// dual-writes the result to L3. A partial dual-write failure is handled by
// l3's own repair queue rather than here.
package consolidation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/llm"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/tiers/l2"
	"github.com/intelligencedev/memoryd/internal/tiers/l3"
)

// synthesisSchema constrains the LLM's episode-synthesis output.
var synthesisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary":  map[string]any{"type": "string"},
		"entities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"relationships": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"subject":   map[string]any{"type": "string"},
					"predicate": map[string]any{"type": "string"},
					"object":    map[string]any{"type": "string"},
				},
				"required": []string{"subject", "predicate", "object"},
			},
		},
		"importance_score": map[string]any{"type": "number"},
	},
	"required": []string{"summary", "entities", "relationships", "importance_score"},
}

type synthesisResult struct {
	Summary      string `json:"summary"`
	Entities     []string `json:"entities"`
	Relationships []struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
	} `json:"relationships"`
	ImportanceScore float64 `json:"importance_score"`
}

// Engine runs the L2->L3 consolidation pass.
type Engine struct {
	l2        *l2.Tier
	l3        *l3.Tier
	llmClient llm.StructuredProvider
	embedder  llm.Embedder
	publisher *eventbus.Publisher
	minFacts  int
}

// New returns a consolidation Engine. Episodes are only synthesized once a
// session has at least minFacts L2 facts accumulated.
func New(l2Tier *l2.Tier, l3Tier *l3.Tier, llmClient llm.StructuredProvider, embedder llm.Embedder, publisher *eventbus.Publisher, minFacts int) *Engine {
	return &Engine{l2: l2Tier, l3: l3Tier, llmClient: llmClient, embedder: embedder, publisher: publisher, minFacts: minFacts}
}

// Run consolidates sessionID's accumulated facts into one episode. It
// returns the new episode's ID, or "" if there were too few facts to
// consolidate yet.
func (e *Engine) Run(ctx context.Context, sessionID string) (string, error) {
	facts, err := e.l2.QueryBySession(ctx, sessionID, 500)
	if err != nil {
		return "", err
	}
	if len(facts) < e.minFacts {
		return "", nil
	}
	sort.Slice(facts, func(i, j int) bool { return facts[i].ExtractedAt.Before(facts[j].ExtractedAt) })

	var factText string
	for _, f := range facts {
		factText += fmt.Sprintf("- (%s) %s\n", f.FactType, f.Content)
	}
	raw, err := e.llmClient.ChatJSON(ctx, []llm.Message{
		{Role: "system", Content: synthesisPrompt},
		{Role: "user", Content: factText},
	}, "", synthesisSchema)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "consolidation", err)
	}
	var result synthesisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", apperr.New(apperr.KindInternal, "consolidation", err)
	}

	var embedding []float32
	if e.embedder != nil {
		vecs, err := e.embedder.Embed(ctx, []string{result.Summary}, "")
		if err != nil {
			observability.WithSession(ctx, sessionID).Warn().Err(err).Msg("consolidation embed failed, storing without vector")
		} else if len(vecs) > 0 {
			embedding = vecs[0]
		}
	}

	episodeID := episodeIDFor(sessionID, facts[0].ExtractedAt, facts[len(facts)-1].ExtractedAt)
	now := time.Now().UTC()
	episode := model.Episode{
		EpisodeID:                  episodeID,
		SessionID:                  sessionID,
		Summary:                    result.Summary,
		TimeWindowStart:            facts[0].ExtractedAt,
		TimeWindowEnd:              facts[len(facts)-1].ExtractedAt,
		FactValidFrom:              now,
		SourceObservationTimestamp: now,
		ImportanceScore:            result.ImportanceScore,
		Embedding:                  embedding,
		Entities:                   result.Entities,
	}
	for _, rel := range result.Relationships {
		episode.Relationships = append(episode.Relationships, model.Relationship{
			Subject: rel.Subject, Predicate: rel.Predicate, Object: rel.Object, FactValidFrom: now,
		})
	}

	if err := e.l3.Store(ctx, episode); err != nil {
		return "", err
	}
	if e.publisher != nil {
		e.publisher.Publish(ctx, eventbus.Event{
			Type: eventbus.EventConsolidation, SessionID: sessionID, Timestamp: now,
			Data: map[string]any{"episode_id": episodeID, "fact_count": len(facts)},
		})
	}
	return episodeID, nil
}

func episodeIDFor(sessionID string, start, end time.Time) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%d", sessionID, start.Unix(), end.Unix())))
	return "episode:" + hex.EncodeToString(h[:])
}

const synthesisPrompt = `Synthesize the facts below, accumulated over one conversation session, into
a single coherent episode summary. List the distinct named entities involved
and the relationships between them as (subject, predicate, object) triples.
Score overall importance_score in [0, 1] for how consequential this episode
is likely to be to future interactions.`
