// Package l2 implements the Working Memory tier: durable, promoted facts
// backed by Postgres, indexed for full-text search via a generated tsvector
// column the way the teacher's internal/persistence/databases indexes
// documents, and ranked by CIAR for context assembly.
package l2

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/ciar"
	"github.com/intelligencedev/memoryd/internal/model"
	"github.com/intelligencedev/memoryd/internal/namespace"
)

// Tier is the L2 Working Memory store.
type Tier struct {
	pool *pgxpool.Pool
	rdb  redis.UniversalClient
}

// New bootstraps the facts table (idempotent) and returns a bound Tier.
// rdb is used only to maintain the per-session fact-id index set that lets
// the atomic promotion script dedup without a round trip to Postgres.
func New(ctx context.Context, pool *pgxpool.Pool, rdb redis.UniversalClient) (*Tier, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS facts (
			fact_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL,
			fact_type TEXT NOT NULL,
			category TEXT NOT NULL,
			extracted_at TIMESTAMPTZ NOT NULL,
			certainty DOUBLE PRECISION NOT NULL,
			impact DOUBLE PRECISION NOT NULL,
			ciar_score DOUBLE PRECISION NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TIMESTAMPTZ NOT NULL,
			source_turn_ids TEXT[] NOT NULL DEFAULT '{}',
			justification TEXT NOT NULL DEFAULT '',
			prior_fact_id TEXT,
			ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(content,''))) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS facts_ts_idx ON facts USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS facts_session_idx ON facts(session_id)`,
		`CREATE INDEX IF NOT EXISTS facts_ciar_idx ON facts(session_id, ciar_score DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l2", fmt.Errorf("bootstrap facts table: %w", err))
		}
	}
	return &Tier{pool: pool, rdb: rdb}, nil
}

// Store inserts fact, or updates it in place when fact_id already exists
// (used when a fact is revised rather than superseded). It also adds
// fact_id to the session's Redis facts-index set, in the same cluster slot
// as that session's other keys.
func (t *Tier) Store(ctx context.Context, fact model.Fact) error {
	_, err := t.pool.Exec(ctx, `
INSERT INTO facts(fact_id, session_id, content, fact_type, category, extracted_at,
                   certainty, impact, ciar_score, access_count, last_accessed,
                   source_turn_ids, justification, prior_fact_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (fact_id) DO UPDATE SET
  content=EXCLUDED.content, fact_type=EXCLUDED.fact_type, category=EXCLUDED.category,
  certainty=EXCLUDED.certainty, impact=EXCLUDED.impact, ciar_score=EXCLUDED.ciar_score,
  justification=EXCLUDED.justification, prior_fact_id=EXCLUDED.prior_fact_id
`,
		fact.FactID, fact.SessionID, fact.Content, string(fact.FactType), string(fact.Category),
		fact.ExtractedAt, fact.Certainty, fact.Impact, fact.CIARScore, fact.AccessCount,
		fact.LastAccessed, fact.SourceTurnID, fact.Justification, nullableString(fact.PriorFactID),
	)
	if err != nil {
		return apperr.New(apperr.KindInternal, "l2", err)
	}
	if err := t.rdb.SAdd(ctx, namespace.FactsIndex(fact.SessionID), fact.FactID).Err(); err != nil {
		return apperr.Unavailable("l2", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Retrieve fetches a single fact by ID, incrementing its access_count and
// refreshing last_accessed (the recency_boost input).
func (t *Tier) Retrieve(ctx context.Context, factID string) (model.Fact, bool, error) {
	row := t.pool.QueryRow(ctx, `
UPDATE facts SET access_count = access_count + 1, last_accessed = now()
WHERE fact_id = $1
RETURNING fact_id, session_id, content, fact_type, category, extracted_at,
          certainty, impact, ciar_score, access_count, last_accessed,
          source_turn_ids, justification, coalesce(prior_fact_id, '')
`, factID)
	fact, err := scanFact(row)
	if err != nil {
		if isNoRows(err) {
			return model.Fact{}, false, nil
		}
		return model.Fact{}, false, apperr.New(apperr.KindInternal, "l2", err)
	}
	return fact, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (model.Fact, error) {
	var f model.Fact
	var factType, category string
	err := row.Scan(&f.FactID, &f.SessionID, &f.Content, &factType, &category, &f.ExtractedAt,
		&f.Certainty, &f.Impact, &f.CIARScore, &f.AccessCount, &f.LastAccessed,
		&f.SourceTurnID, &f.Justification, &f.PriorFactID)
	f.FactType = model.FactType(factType)
	f.Category = model.FactCategory(category)
	return f, err
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}

// QueryBySession returns up to limit facts for sessionID, ordered by CIAR
// score descending, ties broken by extracted_at descending — the ranking the
// context assembler depends on.
func (t *Tier) QueryBySession(ctx context.Context, sessionID string, limit int) ([]model.Fact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.pool.Query(ctx, `
SELECT fact_id, session_id, content, fact_type, category, extracted_at,
       certainty, impact, ciar_score, access_count, last_accessed,
       source_turn_ids, justification, coalesce(prior_fact_id, '')
FROM facts
WHERE session_id = $1
ORDER BY ciar_score DESC, extracted_at DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l2", err)
	}
	defer rows.Close()
	out := make([]model.Fact, 0, limit)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "l2", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchResult is one full-text hit over facts content.
type SearchResult struct {
	Fact  model.Fact
	Score float64
}

// Search runs a plainto_tsquery full-text search over fact content,
// optionally restricted to sessionID (empty string searches globally).
func (t *Tier) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{query, limit}
	where := "ts @@ plainto_tsquery('simple', $1)"
	if sessionID != "" {
		where += " AND session_id = $3"
		args = append(args, sessionID)
	}
	rows, err := t.pool.Query(ctx, fmt.Sprintf(`
SELECT fact_id, session_id, content, fact_type, category, extracted_at,
       certainty, impact, ciar_score, access_count, last_accessed,
       source_turn_ids, justification, coalesce(prior_fact_id, ''),
       ts_rank(ts, plainto_tsquery('simple', $1)) AS rank
FROM facts
WHERE %s
ORDER BY rank DESC
LIMIT $2
`, where), args...)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "l2", err)
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var f model.Fact
		var factType, category string
		var rank float64
		if err := rows.Scan(&f.FactID, &f.SessionID, &f.Content, &factType, &category, &f.ExtractedAt,
			&f.Certainty, &f.Impact, &f.CIARScore, &f.AccessCount, &f.LastAccessed,
			&f.SourceTurnID, &f.Justification, &f.PriorFactID, &rank); err != nil {
			return nil, apperr.New(apperr.KindInternal, "l2", err)
		}
		f.FactType = model.FactType(factType)
		f.Category = model.FactCategory(category)
		out = append(out, SearchResult{Fact: f, Score: rank})
	}
	return out, rows.Err()
}

// Delete removes fact and its facts-index membership.
func (t *Tier) Delete(ctx context.Context, sessionID, factID string) error {
	if _, err := t.pool.Exec(ctx, `DELETE FROM facts WHERE fact_id = $1`, factID); err != nil {
		return apperr.New(apperr.KindInternal, "l2", err)
	}
	if err := t.rdb.SRem(ctx, namespace.FactsIndex(sessionID), factID).Err(); err != nil {
		return apperr.Unavailable("l2", err)
	}
	return nil
}

// DeleteSession removes every fact for sessionID and clears its facts-index
// set, returning the number of facts removed (spec.md §4.5 delete(session_id)).
func (t *Tier) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	tag, err := t.pool.Exec(ctx, `DELETE FROM facts WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, apperr.New(apperr.KindInternal, "l2", err)
	}
	if err := t.rdb.Del(ctx, namespace.FactsIndex(sessionID)).Err(); err != nil {
		return 0, apperr.Unavailable("l2", err)
	}
	return int(tag.RowsAffected()), nil
}

// IsKnownFactID reports whether factID is already present in sessionID's
// index set, letting the promotion engine dedup before touching Postgres.
func (t *Tier) IsKnownFactID(ctx context.Context, sessionID, factID string) (bool, error) {
	ok, err := t.rdb.SIsMember(ctx, namespace.FactsIndex(sessionID), factID).Result()
	if err != nil {
		return false, apperr.Unavailable("l2", err)
	}
	return ok, nil
}

// RescoreAge recomputes ciar_score for every fact in sessionID against the
// current time, applied periodically so age_decay actually decays scores
// that were computed at extraction time.
func (t *Tier) RescoreAge(ctx context.Context, sessionID string, now time.Time) (int, error) {
	facts, err := t.QueryBySession(ctx, sessionID, 10000)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, f := range facts {
		days := now.Sub(f.ExtractedAt).Hours() / 24
		score := ciar.Score(ciar.Inputs{
			Certainty:   f.Certainty,
			Impact:      f.Impact,
			DaysOld:     days,
			AccessCount: f.AccessCount,
		})
		if _, err := t.pool.Exec(ctx, `UPDATE facts SET ciar_score = $1 WHERE fact_id = $2`, score, f.FactID); err != nil {
			return updated, apperr.New(apperr.KindInternal, "l2", err)
		}
		updated++
	}
	return updated, nil
}

// HealthCheck pings the backing pool.
func (t *Tier) HealthCheck(ctx context.Context) error {
	if err := t.pool.Ping(ctx); err != nil {
		return apperr.Unavailable("l2", err)
	}
	return nil
}

// CountBySession reports how many facts are stored for sessionID, used by
// the wall's /memory_state endpoint.
func (t *Tier) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := t.pool.QueryRow(ctx, `SELECT count(*) FROM facts WHERE session_id = $1`, sessionID).Scan(&n); err != nil {
		return 0, apperr.New(apperr.KindInternal, "l2", err)
	}
	return n, nil
}
