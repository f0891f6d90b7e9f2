// Package l1 implements the Active Context tier: a session-scoped ring of
// recent turns with a TTL, backed by the smart-append atomic script so
// concurrent writers can never leave the list over its window or without a
// refreshed TTL (spec.md §4.4).
package l1

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/ciar"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/namespace"
	"github.com/intelligencedev/memoryd/internal/scripts"
)

// Tier is the L1 Active Context store.
type Tier struct {
	rdb        redis.UniversalClient
	scriptMgr  *scripts.Manager
	windowSize int
	ttl        time.Duration
}

// New returns an L1 tier bound to rdb, using scriptMgr for the atomic
// append.
func New(rdb redis.UniversalClient, scriptMgr *scripts.Manager, windowSize int, ttl time.Duration) *Tier {
	return &Tier{rdb: rdb, scriptMgr: scriptMgr, windowSize: windowSize, ttl: ttl}
}

// turnPayload is the JSON shape persisted in the Redis list. It is a
// superset of model.Turn carrying the precomputed fields the atomic
// promotion script filters on.
type turnPayload struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	Role      model.Role     `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CIARScore float64        `json:"ciar_score"`
	FactID    string         `json:"fact_id,omitempty"`
}

// turnDeterministicFactID gives each turn a provisional dedup key for the
// first-pass promotion filter; the authoritative fact_id is computed after
// LLM extraction from the extracted fact's own content and type.
func turnDeterministicFactID(sessionID, turnID string) string {
	return fmt.Sprintf("turn:%s:%s", sessionID, turnID)
}

// heuristicImpact gives a rough significance proxy from raw content length,
// used only to seed the ciar_score the atomic-promotion script filters
// against before LLM extraction assigns a real certainty/impact.
func heuristicImpact(content string) float64 {
	n := len(content)
	switch {
	case n == 0:
		return 0
	case n < 20:
		return 0.3
	case n < 80:
		return 0.6
	default:
		return 0.9
	}
}

// Store appends turn via the smart-append script: push, trim to window,
// refresh TTL.
func (t *Tier) Store(ctx context.Context, turn model.Turn) error {
	payload := turnPayload{
		SessionID: turn.SessionID,
		TurnID:    turn.TurnID,
		Role:      turn.Role,
		Content:   turn.Content,
		Timestamp: turn.Timestamp,
		Metadata:  turn.Metadata,
		FactID:    turnDeterministicFactID(turn.SessionID, turn.TurnID),
	}
	payload.CIARScore = ciar.Score(ciar.Inputs{
		Certainty: 1.0,
		Impact:    heuristicImpact(turn.Content),
	})

	key := namespace.L1Turns(turn.SessionID)
	ttlSeconds := int64(t.ttl / time.Second)
	if _, err := t.scriptMgr.ExecuteSmartAppend(ctx, key, payload, t.windowSize, ttlSeconds); err != nil {
		return apperr.Unavailable("l1", err)
	}
	return nil
}

// Order selects the iteration direction for RetrieveSession.
type Order int

const (
	// OldestFirst returns turns in the order they occurred.
	OldestFirst Order = iota
	// NewestFirst returns the most recent turn first.
	NewestFirst
)

// RetrieveSession reads the current window for sessionID.
func (t *Tier) RetrieveSession(ctx context.Context, sessionID string, order Order) ([]model.Turn, error) {
	key := namespace.L1Turns(sessionID)
	raw, err := t.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, apperr.Unavailable("l1", err)
	}
	// LRANGE returns newest-first (LPUSH semantics); reverse for oldest-first.
	turns := make([]model.Turn, 0, len(raw))
	for _, r := range raw {
		var p turnPayload
		if err := json.Unmarshal([]byte(r), &p); err != nil {
			continue
		}
		turns = append(turns, model.Turn{
			SessionID: p.SessionID,
			TurnID:    p.TurnID,
			Role:      p.Role,
			Content:   p.Content,
			Timestamp: p.Timestamp,
			Metadata:  p.Metadata,
			CIARScore: p.CIARScore,
			FactID:    p.FactID,
		})
	}
	if order == OldestFirst {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}
	return turns, nil
}

// Delete drops all L1 state for sessionID.
func (t *Tier) Delete(ctx context.Context, sessionID string) (int64, error) {
	key := namespace.L1Turns(sessionID)
	n, err := t.rdb.Del(ctx, key).Result()
	if err != nil {
		return 0, apperr.Unavailable("l1", err)
	}
	return n, nil
}

// HealthCheck pings the backing store.
func (t *Tier) HealthCheck(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return apperr.Unavailable("l1", err)
	}
	return nil
}

// Len returns the current window length for sessionID, used by
// /memory_state.
func (t *Tier) Len(ctx context.Context, sessionID string) (int64, error) {
	n, err := t.rdb.LLen(ctx, namespace.L1Turns(sessionID)).Result()
	if err != nil {
		return 0, apperr.Unavailable("l1", err)
	}
	return n, nil
}
