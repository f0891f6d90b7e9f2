// Package l4 implements the Semantic tier: distilled knowledge documents,
// full-text indexed the same way L2 indexes facts, with confidence and
// usefulness scoring and a stale flag for superseded documents.
package l4

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/model"
)

// Tier is the L4 Semantic store.
type Tier struct {
	pool *pgxpool.Pool
}

// New bootstraps the knowledge table and returns a bound Tier.
func New(ctx context.Context, pool *pgxpool.Pool) (*Tier, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_documents (
			knowledge_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			knowledge_type TEXT NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL,
			episode_count INTEGER NOT NULL DEFAULT 0,
			distilled_at TIMESTAMPTZ NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			usefulness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			validation_count INTEGER NOT NULL DEFAULT 0,
			stale BOOLEAN NOT NULL DEFAULT FALSE,
			ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(title,'') || ' ' || coalesce(content,''))) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_ts_idx ON knowledge_documents USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS knowledge_type_idx ON knowledge_documents(knowledge_type) WHERE NOT stale`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l4", fmt.Errorf("bootstrap knowledge_documents table: %w", err))
		}
	}
	return &Tier{pool: pool}, nil
}

// Store inserts doc, or updates it in place when knowledge_id already
// exists.
func (t *Tier) Store(ctx context.Context, doc model.KnowledgeDocument) error {
	_, err := t.pool.Exec(ctx, `
INSERT INTO knowledge_documents(knowledge_id, title, content, knowledge_type, confidence_score,
                                 episode_count, distilled_at, access_count, usefulness_score,
                                 validation_count, stale)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (knowledge_id) DO UPDATE SET
  title=EXCLUDED.title, content=EXCLUDED.content, confidence_score=EXCLUDED.confidence_score,
  episode_count=EXCLUDED.episode_count, stale=EXCLUDED.stale
`,
		doc.KnowledgeID, doc.Title, doc.Content, string(doc.KnowledgeType), doc.ConfidenceScore,
		doc.EpisodeCount, doc.DistilledAt, doc.AccessCount, doc.UsefulnessScore,
		doc.ValidationCount, doc.Stale,
	)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l4", err)
	}
	return nil
}

// Retrieve fetches doc by ID, incrementing its access_count.
func (t *Tier) Retrieve(ctx context.Context, knowledgeID string) (model.KnowledgeDocument, bool, error) {
	row := t.pool.QueryRow(ctx, `
UPDATE knowledge_documents SET access_count = access_count + 1
WHERE knowledge_id = $1
RETURNING knowledge_id, title, content, knowledge_type, confidence_score, episode_count,
          distilled_at, access_count, usefulness_score, validation_count, stale
`, knowledgeID)
	doc, err := scanDoc(row)
	if err != nil {
		if isNoRows(err) {
			return model.KnowledgeDocument{}, false, nil
		}
		return model.KnowledgeDocument{}, false, apperr.New(apperr.KindInternal, "l4", err)
	}
	return doc, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (model.KnowledgeDocument, error) {
	var d model.KnowledgeDocument
	var knowledgeType string
	err := row.Scan(&d.KnowledgeID, &d.Title, &d.Content, &knowledgeType, &d.ConfidenceScore,
		&d.EpisodeCount, &d.DistilledAt, &d.AccessCount, &d.UsefulnessScore, &d.ValidationCount, &d.Stale)
	d.KnowledgeType = model.KnowledgeType(knowledgeType)
	return d, err
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}

// Search runs a full-text search over title+content, optionally restricted
// to knowledgeType (empty string searches every type) and excluding stale
// documents unless includeStale is set.
func (t *Tier) Search(ctx context.Context, query string, knowledgeType model.KnowledgeType, includeStale bool, limit int) ([]model.KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 10
	}
	where := "ts @@ plainto_tsquery('simple', $1)"
	args := []any{query, limit}
	if knowledgeType != "" {
		where += " AND knowledge_type = $3"
		args = append(args, string(knowledgeType))
	}
	if !includeStale {
		where += " AND NOT stale"
	}
	rows, err := t.pool.Query(ctx, fmt.Sprintf(`
SELECT knowledge_id, title, content, knowledge_type, confidence_score, episode_count,
       distilled_at, access_count, usefulness_score, validation_count, stale
FROM knowledge_documents
WHERE %s
ORDER BY ts_rank(ts, plainto_tsquery('simple', $1)) DESC, confidence_score DESC
LIMIT $2
`, where), args...)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l4", err)
	}
	defer rows.Close()
	out := make([]model.KnowledgeDocument, 0, limit)
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "l4", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindByTitleOverlap returns non-stale documents of the same type whose
// title matches query via full-text search, used by the distillation
// engine's conflict-detection pass before writing a new document.
func (t *Tier) FindByTitleOverlap(ctx context.Context, title string, knowledgeType model.KnowledgeType, limit int) ([]model.KnowledgeDocument, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := t.pool.Query(ctx, `
SELECT knowledge_id, title, content, knowledge_type, confidence_score, episode_count,
       distilled_at, access_count, usefulness_score, validation_count, stale
FROM knowledge_documents
WHERE knowledge_type = $1 AND NOT stale
  AND to_tsvector('simple', title) @@ plainto_tsquery('simple', $2)
ORDER BY confidence_score DESC
LIMIT $3
`, string(knowledgeType), title, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l4", err)
	}
	defer rows.Close()
	out := make([]model.KnowledgeDocument, 0, limit)
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "l4", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkStale flags knowledgeID as superseded, keeping it retrievable by ID
// but excluded from default search results.
func (t *Tier) MarkStale(ctx context.Context, knowledgeID string) error {
	_, err := t.pool.Exec(ctx, `UPDATE knowledge_documents SET stale = TRUE WHERE knowledge_id = $1`, knowledgeID)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l4", err)
	}
	return nil
}

// RecordValidation bumps validation_count and nudges usefulness_score
// toward 1 (validated) or toward 0 (refuted) based on wasUseful.
func (t *Tier) RecordValidation(ctx context.Context, knowledgeID string, wasUseful bool) error {
	delta := -0.1
	if wasUseful {
		delta = 0.1
	}
	_, err := t.pool.Exec(ctx, `
UPDATE knowledge_documents
SET validation_count = validation_count + 1,
    usefulness_score = GREATEST(0, LEAST(1, usefulness_score + $2))
WHERE knowledge_id = $1
`, knowledgeID, delta)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l4", err)
	}
	return nil
}

// HealthCheck pings the backing pool.
func (t *Tier) HealthCheck(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return apperr.Unavailable("l4", err)
	}
	return nil
}

// Count reports the total number of knowledge documents, used by the wall's
// /memory_state endpoint. Documents are not session-scoped (spec.md §3), so
// this is a global count rather than a per-session one.
func (t *Tier) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.pool.QueryRow(ctx, `SELECT count(*) FROM knowledge_documents`).Scan(&n); err != nil {
		return 0, apperr.New(apperr.KindInternal, "l4", err)
	}
	return n, nil
}
