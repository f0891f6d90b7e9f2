// Package l3 implements the Episodic tier: consolidated episodes dual-written
// to a vector index (for similarity search) and a property-graph engine (for
// relationship queries), with a Redis-backed repair queue covering the
// window between the two writes so a failed graph write after a successful
// vector write is recoverable rather than silently inconsistent.
package l3

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/graphstore"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/namespace"
	"github.com/intelligencedev/memoryd/internal/observability"
	"github.com/intelligencedev/memoryd/internal/storage"
)

// Tier is the L3 Episodic store.
type Tier struct {
	vectors storage.VectorIndex
	graph   *graphstore.Postgres
	rdb     redis.UniversalClient
}

// New returns an L3 tier dual-writing to vectors and graph.
func New(vectors storage.VectorIndex, graph *graphstore.Postgres, rdb redis.UniversalClient) *Tier {
	return &Tier{vectors: vectors, graph: graph, rdb: rdb}
}

// repairEntry is queued in Redis when the vector write of an episode
// succeeds but the graph write fails, so a background sweep can finish the
// episode's dual write later.
type repairEntry struct {
	EpisodeID string    `json:"episode_id"`
	SessionID string    `json:"session_id"`
	Stage     string    `json:"stage"` // side that still needs the write; Store only queues "graph"
	QueuedAt  time.Time `json:"queued_at"`
}

// Store dual-writes episode: its embedding to the vector index, then its
// entities and relationships to the graph engine. If the graph half fails
// after the vector half succeeded, the episode is queued for repair rather
// than returning a hard error, since the embedding is already durable and a
// sweep can complete the graph side later.
func (t *Tier) Store(ctx context.Context, episode model.Episode) error {
	metadata := map[string]string{
		"session_id": episode.SessionID,
		"episode_id": episode.EpisodeID,
		"summary":    episode.Summary,
	}
	if err := t.vectors.Upsert(ctx, episode.EpisodeID, episode.Embedding, metadata); err != nil {
		return apperr.Unavailable("l3", err)
	}
	if err := t.graph.RecordEpisode(ctx, episode); err != nil {
		return apperr.Unavailable("l3", err)
	}

	if err := t.writeGraph(ctx, episode); err != nil {
		observability.LoggerWithTrace(ctx).Error().
			Err(err).Str("episode_id", episode.EpisodeID).
			Msg("l3 graph write failed, queuing repair")
		if qerr := t.queueRepair(ctx, repairEntry{
			EpisodeID: episode.EpisodeID, SessionID: episode.SessionID,
			Stage: "graph", QueuedAt: time.Now().UTC(),
		}); qerr != nil {
			return apperr.New(apperr.KindInternal, "l3", qerr)
		}
		return nil
	}
	return nil
}

func (t *Tier) writeGraph(ctx context.Context, episode model.Episode) error {
	observedAt := episode.FactValidFrom.Unix()
	for _, entity := range episode.Entities {
		if err := t.graph.RecordEntityMention(ctx, episode.EpisodeID, entity, episode.FactValidFrom); err != nil {
			return err
		}
	}
	for _, rel := range episode.Relationships {
		if err := t.graph.Supersede(ctx, rel.Subject, rel.Predicate, rel.Object, observedAt, episode.EpisodeID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tier) queueRepair(ctx context.Context, entry repairEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return t.rdb.RPush(ctx, namespace.PendingRepair(entry.SessionID), payload).Err()
}

// RepairPending drains up to limit queued repair entries for sessionID,
// replaying the graph write for each. A handler that errors is pushed back
// onto the queue for the next sweep.
func (t *Tier) RepairPending(ctx context.Context, sessionID string, limit int64, fetch func(ctx context.Context, episodeID string) (model.Episode, bool, error)) (int, error) {
	key := namespace.PendingRepair(sessionID)
	repaired := 0
	for i := int64(0); i < limit; i++ {
		raw, err := t.rdb.LPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return repaired, apperr.Unavailable("l3", err)
		}
		var entry repairEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		episode, ok, err := fetch(ctx, entry.EpisodeID)
		if err != nil || !ok {
			continue
		}
		if err := t.writeGraph(ctx, episode); err != nil {
			t.rdb.RPush(ctx, key, raw)
			continue
		}
		repaired++
	}
	return repaired, nil
}

// SearchSimilar finds the k episodes most similar to queryVector, optionally
// restricted to sessionID.
func (t *Tier) SearchSimilar(ctx context.Context, queryVector []float32, k int, sessionID string) ([]storage.VectorResult, error) {
	filter := map[string]string{}
	if sessionID != "" {
		filter["session_id"] = sessionID
	}
	results, err := t.vectors.SimilaritySearch(ctx, queryVector, k, filter)
	if err != nil {
		return nil, apperr.Unavailable("l3", err)
	}
	return results, nil
}

// QueryGraph runs a registered template against the graph engine.
func (t *Tier) QueryGraph(ctx context.Context, templateName string, params map[string]any) ([]storage.GraphRow, error) {
	tmpl, ok := graphstore.Lookup(templateName)
	if !ok {
		return nil, apperr.Validation("unknown graph template: " + templateName)
	}
	rows, err := t.graph.Query(ctx, tmpl, params)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Delete removes episode's vector entry. The graph's historical rows are
// intentionally retained (bi-temporal history is append-only): the episode's
// metadata row and its relation rows stay in the graph, including relations
// that are still current.
func (t *Tier) Delete(ctx context.Context, episodeID string) error {
	if err := t.vectors.Delete(ctx, episodeID); err != nil {
		return apperr.Unavailable("l3", err)
	}
	return nil
}

// Retrieve fetches one episode's metadata by ID. The embedding is not
// returned, since the vector index is its source of truth and retrieval
// callers (the assembler, the distillation engine) only need the episode's
// descriptive fields.
func (t *Tier) Retrieve(ctx context.Context, episodeID string) (model.Episode, bool, error) {
	return t.graph.GetEpisode(ctx, episodeID)
}

// CountBySession reports how many episodes exist for sessionID, used by the
// wall's /memory_state endpoint.
func (t *Tier) CountBySession(ctx context.Context, sessionID string) (int, error) {
	return t.graph.CountEpisodesBySession(ctx, sessionID)
}

// DeleteSession removes every episode metadata row and vector entry for
// sessionID (spec.md §4.6 delete(session_id)). Graph relation history is
// append-only and is not touched here, matching Delete's single-episode
// behavior.
func (t *Tier) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	ids, err := t.graph.DeleteEpisodesBySession(ctx, sessionID)
	if err != nil {
		return 0, apperr.Unavailable("l3", err)
	}
	for _, id := range ids {
		if err := t.vectors.Delete(ctx, id); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("episode_id", id).Msg("l3 vector delete failed during session cleanup")
		}
	}
	return len(ids), nil
}
