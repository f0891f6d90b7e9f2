package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/storage"
)

// Postgres is a storage.GraphEngine backed by a plain relations table with
// bi-temporal validity columns, the same nodes/edges-as-tables approach the
// teacher uses for postgres_graph.go, generalized with fact_valid_from/to so
// at most one row per (subject, predicate, object) is ever current.
type Postgres struct {
	pool *pgxpool.Pool
}

// New bootstraps the relations table and returns a bound Postgres engine.
func New(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relations (
			id BIGSERIAL PRIMARY KEY,
			episode_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			predicate TEXT NOT NULL,
			object TEXT NOT NULL,
			fact_valid_from TIMESTAMPTZ NOT NULL,
			fact_valid_to TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS relations_current_idx ON relations(subject, predicate, object) WHERE fact_valid_to IS NULL`,
		`CREATE INDEX IF NOT EXISTS relations_subject_idx ON relations(subject)`,
		`CREATE TABLE IF NOT EXISTS episode_entities (
			episode_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS episode_entities_entity_idx ON episode_entities(entity)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			episode_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			time_window_start TIMESTAMPTZ NOT NULL,
			time_window_end TIMESTAMPTZ NOT NULL,
			fact_valid_from TIMESTAMPTZ NOT NULL,
			fact_valid_to TIMESTAMPTZ,
			source_observation_timestamp TIMESTAMPTZ NOT NULL,
			importance_score DOUBLE PRECISION NOT NULL,
			entities JSONB NOT NULL DEFAULT '[]',
			relationships JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS episodes_session_idx ON episodes(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", fmt.Errorf("bootstrap relations table: %w", err))
		}
	}
	return &Postgres{pool: pool}, nil
}

// Supersede implements storage.GraphEngine: it closes any currently-valid
// row for (subject, predicate, object) and inserts the new one, atomically,
// so there is never more than one current row for that triple.
func (p *Postgres) Supersede(ctx context.Context, subject, predicate, object string, observedAt int64, episodeID string) error {
	observed := time.Unix(observedAt, 0).UTC()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
UPDATE relations SET fact_valid_to = $1
WHERE subject = $2 AND predicate = $3 AND object = $4 AND fact_valid_to IS NULL
`, observed, subject, predicate, object); err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO relations(episode_id, subject, predicate, object, fact_valid_from, fact_valid_to)
VALUES($1,$2,$3,$4,$5,NULL)
`, episodeID, subject, predicate, object, observed); err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	return nil
}

// CurrentRelations implements storage.GraphEngine.
func (p *Postgres) CurrentRelations(ctx context.Context, subject string) ([]storage.GraphRow, error) {
	var rows interface {
		Next() bool
		Scan(...any) error
		Err() error
		Close()
	}
	var err error
	if subject == "" {
		rows, err = p.pool.Query(ctx, `
SELECT episode_id, subject, predicate, object, fact_valid_from
FROM relations WHERE fact_valid_to IS NULL ORDER BY fact_valid_from DESC`)
	} else {
		rows, err = p.pool.Query(ctx, `
SELECT episode_id, subject, predicate, object, fact_valid_from
FROM relations WHERE subject = $1 AND fact_valid_to IS NULL ORDER BY fact_valid_from DESC`, subject)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l3", err)
	}
	defer rows.Close()
	out := []storage.GraphRow{}
	for rows.Next() {
		var episodeID, subj, pred, obj string
		var validFrom time.Time
		if err := rows.Scan(&episodeID, &subj, &pred, &obj, &validFrom); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		out = append(out, storage.GraphRow{
			"episode_id": episodeID, "subject": subj, "predicate": pred, "object": obj,
			"fact_valid_from": validFrom,
		})
	}
	return out, rows.Err()
}

// Query implements storage.GraphEngine by dispatching to one of the fixed
// templates in Templates. params are checked against tmpl with
// storage.GraphTemplate.Validate first; a failure is a Validation error.
func (p *Postgres) Query(ctx context.Context, tmpl storage.GraphTemplate, params map[string]any) ([]storage.GraphRow, error) {
	if err := tmpl.Validate(params); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	merged := MergeParams(tmpl, params)
	switch tmpl.Name {
	case "entity_current_relations":
		return p.CurrentRelations(ctx, merged["subject"].(string))
	case "entity_mentions":
		return p.entityMentions(ctx, merged)
	case "causal_chain":
		return p.causalChain(ctx, merged)
	case "document_provenance":
		return p.documentProvenance(ctx, merged)
	case "relation_history":
		return p.relationHistory(ctx, merged)
	default:
		return nil, apperr.Validation("unknown graph template: " + tmpl.Name)
	}
}

func (p *Postgres) entityMentions(ctx context.Context, params map[string]any) ([]storage.GraphRow, error) {
	entity := params["entity"].(string)
	limit := intParam(params["limit"], 20)
	rows, err := p.pool.Query(ctx, `
SELECT episode_id, entity, observed_at
FROM episode_entities WHERE entity = $1 ORDER BY observed_at DESC LIMIT $2`, entity, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l3", err)
	}
	defer rows.Close()
	out := []storage.GraphRow{}
	for rows.Next() {
		var episodeID, ent string
		var observedAt time.Time
		if err := rows.Scan(&episodeID, &ent, &observedAt); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		out = append(out, storage.GraphRow{"episode_id": episodeID, "entity": ent, "observed_at": observedAt})
	}
	return out, rows.Err()
}

func (p *Postgres) causalChain(ctx context.Context, params map[string]any) ([]storage.GraphRow, error) {
	subject := params["subject"].(string)
	depth := intParam(params["depth"], 3)
	out := []storage.GraphRow{}
	frontier := []string{subject}
	seen := map[string]bool{subject: true}
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		rows, err := p.pool.Query(ctx, `
SELECT episode_id, subject, predicate, object, fact_valid_from
FROM relations
WHERE subject = ANY($1) AND predicate IN ('caused_by', 'led_to') AND fact_valid_to IS NULL`, frontier)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		next := []string{}
		for rows.Next() {
			var episodeID, subj, pred, obj string
			var validFrom time.Time
			if err := rows.Scan(&episodeID, &subj, &pred, &obj, &validFrom); err != nil {
				rows.Close()
				return nil, apperr.New(apperr.KindInternal, "l3", err)
			}
			out = append(out, storage.GraphRow{
				"episode_id": episodeID, "subject": subj, "predicate": pred, "object": obj,
				"fact_valid_from": validFrom, "hop": hop,
			})
			if !seen[obj] {
				seen[obj] = true
				next = append(next, obj)
			}
		}
		rows.Close()
		frontier = next
	}
	return out, nil
}

func (p *Postgres) documentProvenance(ctx context.Context, params map[string]any) ([]storage.GraphRow, error) {
	knowledgeID := params["knowledge_id"].(string)
	rows, err := p.pool.Query(ctx, `
SELECT episode_id, entity, observed_at
FROM episode_entities WHERE entity = $1 ORDER BY observed_at DESC`, knowledgeID)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l3", err)
	}
	defer rows.Close()
	out := []storage.GraphRow{}
	for rows.Next() {
		var episodeID, ent string
		var observedAt time.Time
		if err := rows.Scan(&episodeID, &ent, &observedAt); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		out = append(out, storage.GraphRow{"episode_id": episodeID, "knowledge_id": ent, "observed_at": observedAt})
	}
	return out, rows.Err()
}

func (p *Postgres) relationHistory(ctx context.Context, params map[string]any) ([]storage.GraphRow, error) {
	subject := params["subject"].(string)
	predicate := params["predicate"].(string)
	object := params["object"].(string)
	rows, err := p.pool.Query(ctx, `
SELECT episode_id, fact_valid_from, fact_valid_to
FROM relations
WHERE subject = $1 AND predicate = $2 AND object = $3
ORDER BY fact_valid_from ASC`, subject, predicate, object)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l3", err)
	}
	defer rows.Close()
	out := []storage.GraphRow{}
	for rows.Next() {
		var episodeID string
		var validFrom time.Time
		var validTo *time.Time
		if err := rows.Scan(&episodeID, &validFrom, &validTo); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		out = append(out, storage.GraphRow{
			"episode_id": episodeID, "fact_valid_from": validFrom, "fact_valid_to": validTo,
			"subject": subject, "predicate": predicate, "object": object,
		})
	}
	return out, rows.Err()
}

// RecordEntityMention links entity to episodeID for the entity_mentions and
// document_provenance templates.
func (p *Postgres) RecordEntityMention(ctx context.Context, episodeID, entity string, observedAt time.Time) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO episode_entities(episode_id, entity, observed_at) VALUES($1,$2,$3)`,
		episodeID, entity, observedAt)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	return nil
}

// RecordEpisode upserts episode's metadata row, used by L3.Store alongside
// the vector and relation writes so episode_id, session_id, and the summary
// text survive independently of the vector backend's own payload limits.
func (p *Postgres) RecordEpisode(ctx context.Context, episode model.Episode) error {
	entitiesJSON, err := json.Marshal(episode.Entities)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	relsJSON, err := json.Marshal(episode.Relationships)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	_, err = p.pool.Exec(ctx, `
INSERT INTO episodes(episode_id, session_id, summary, time_window_start, time_window_end,
                      fact_valid_from, fact_valid_to, source_observation_timestamp,
                      importance_score, entities, relationships)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (episode_id) DO UPDATE SET
  summary=EXCLUDED.summary, fact_valid_to=EXCLUDED.fact_valid_to,
  importance_score=EXCLUDED.importance_score, entities=EXCLUDED.entities,
  relationships=EXCLUDED.relationships
`,
		episode.EpisodeID, episode.SessionID, episode.Summary, episode.TimeWindowStart, episode.TimeWindowEnd,
		episode.FactValidFrom, episode.FactValidTo, episode.SourceObservationTimestamp,
		episode.ImportanceScore, entitiesJSON, relsJSON,
	)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l3", err)
	}
	return nil
}

// GetEpisode fetches episode's metadata row by ID (embedding excluded; the
// vector index is the source of truth for that field).
func (p *Postgres) GetEpisode(ctx context.Context, episodeID string) (model.Episode, bool, error) {
	var e model.Episode
	var entitiesJSON, relsJSON []byte
	row := p.pool.QueryRow(ctx, `
SELECT episode_id, session_id, summary, time_window_start, time_window_end,
       fact_valid_from, fact_valid_to, source_observation_timestamp,
       importance_score, entities, relationships
FROM episodes WHERE episode_id = $1
`, episodeID)
	err := row.Scan(&e.EpisodeID, &e.SessionID, &e.Summary, &e.TimeWindowStart, &e.TimeWindowEnd,
		&e.FactValidFrom, &e.FactValidTo, &e.SourceObservationTimestamp,
		&e.ImportanceScore, &entitiesJSON, &relsJSON)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return model.Episode{}, false, nil
		}
		return model.Episode{}, false, apperr.New(apperr.KindInternal, "l3", err)
	}
	_ = json.Unmarshal(entitiesJSON, &e.Entities)
	_ = json.Unmarshal(relsJSON, &e.Relationships)
	return e, true, nil
}

// CountEpisodesBySession reports how many episode metadata rows exist for
// sessionID, used by the wall's /memory_state endpoint.
func (p *Postgres) CountEpisodesBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM episodes WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, apperr.New(apperr.KindInternal, "l3", err)
	}
	return n, nil
}

// DeleteEpisodesBySession returns the IDs of, then deletes, every episode
// metadata row for sessionID, so the caller can also remove the matching
// vector-index entries.
func (p *Postgres) DeleteEpisodesBySession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `DELETE FROM episodes WHERE session_id = $1 RETURNING episode_id`, sessionID)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l3", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l3", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func intParam(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return fallback
	}
}
