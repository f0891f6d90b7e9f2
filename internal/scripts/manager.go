// Package scripts loads, caches by hash, and executes the three atomic
// server-side scripts (promotion, workspace CAS, smart append) that back the
// memory tiers' concurrency guarantees. Grounded on the reference
// implementation's src/memory/lua_manager.py: SCRIPT LOAD once at startup,
// EVALSHA thereafter, transparent reload on a cache miss.
package scripts

import (
	_ "embed"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/atomic_promotion.lua
var atomicPromotionSrc string

//go:embed lua/workspace_update.lua
var workspaceUpdateSrc string

//go:embed lua/smart_append.lua
var smartAppendSrc string

// Name identifies one of the three managed scripts.
type Name string

const (
	AtomicPromotion Name = "atomic_promotion"
	WorkspaceUpdate Name = "workspace_update"
	SmartAppend     Name = "smart_append"
)

var sources = map[Name]string{
	AtomicPromotion: atomicPromotionSrc,
	WorkspaceUpdate: workspaceUpdateSrc,
	SmartAppend:     smartAppendSrc,
}

// Manager loads the three scripts and executes them by cached SHA, falling
// back to full source on a cache miss (e.g. after a FLUSHALL or server
// restart loses the script cache) and retrying once.
type Manager struct {
	rdb redis.UniversalClient

	mu      sync.RWMutex
	shas    map[Name]string
	loaded  bool
}

// NewManager returns a script manager bound to rdb. Call Load before first
// use.
func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb, shas: make(map[Name]string)}
}

// Load performs SCRIPT LOAD for all three scripts and caches their SHA1
// hashes. Safe to call again to force a reload.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, src := range sources {
		sha, err := m.rdb.ScriptLoad(ctx, src).Result()
		if err != nil {
			return fmt.Errorf("load script %s: %w", name, err)
		}
		m.shas[name] = sha
	}
	m.loaded = true
	return nil
}

// HealthCheck reports whether each script's cached hash is still recognized
// by the server. The wall's /health endpoint does not call it.
func (m *Manager) HealthCheck(ctx context.Context) (map[Name]bool, error) {
	m.mu.RLock()
	shas := make(map[Name]string, len(m.shas))
	for k, v := range m.shas {
		shas[k] = v
	}
	loaded := m.loaded
	m.mu.RUnlock()

	status := make(map[Name]bool, len(shas))
	if !loaded {
		for name := range sources {
			status[name] = false
		}
		return status, nil
	}
	for name, sha := range shas {
		exists, err := m.rdb.ScriptExists(ctx, sha).Result()
		if err != nil {
			return nil, err
		}
		status[name] = len(exists) > 0 && exists[0]
	}
	return status, nil
}

// execute runs a script by cached SHA via EVALSHA, reloading all scripts and
// retrying once on a NOSCRIPT cache miss.
func (m *Manager) execute(ctx context.Context, name Name, keys []string, args []any) (any, error) {
	m.mu.RLock()
	sha, ok := m.shas[name]
	m.mu.RUnlock()
	if !ok {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		m.mu.RLock()
		sha = m.shas[name]
		m.mu.RUnlock()
	}

	res, err := m.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		if err := m.Load(ctx); err != nil {
			return nil, err
		}
		m.mu.RLock()
		sha = m.shas[name]
		m.mu.RUnlock()
		res, err = m.rdb.EvalSha(ctx, sha, keys, args...).Result()
	}
	return res, err
}

// PromotableTurn is one JSON-decoded element returned by ExecuteAtomicPromotion.
type PromotableTurn struct {
	TurnID    string  `json:"turn_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp string  `json:"timestamp"`
	FactID    string  `json:"fact_id,omitempty"`
	CIARScore float64 `json:"ciar_score"`
}

// ExecuteAtomicPromotion runs the atomic-promotion script and returns the
// turns eligible for fact extraction.
func (m *Manager) ExecuteAtomicPromotion(ctx context.Context, l1TurnsKey, l2IndexKey string, ciarThreshold float64, batchSize int) ([]PromotableTurn, error) {
	res, err := m.execute(ctx, AtomicPromotion, []string{l1TurnsKey, l2IndexKey}, []any{
		strconv.FormatFloat(ciarThreshold, 'f', -1, 64),
		strconv.Itoa(batchSize),
	})
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected atomic_promotion result type %T", res)
	}
	var out []PromotableTurn
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode atomic_promotion result: %w", err)
	}
	return out, nil
}

// WorkspaceMode selects overwrite vs shallow-merge semantics for
// ExecuteWorkspaceUpdate.
type WorkspaceMode string

const (
	WorkspaceReplace WorkspaceMode = "replace"
	WorkspaceMerge   WorkspaceMode = "merge"
)

// ExecuteWorkspaceUpdate performs a compare-and-swap workspace write.
// Returns the new version, or -1 on a version mismatch.
func (m *Manager) ExecuteWorkspaceUpdate(ctx context.Context, workspaceKey string, expectedVersion int64, newData map[string]any, mode WorkspaceMode) (int64, error) {
	payload, err := json.Marshal(newData)
	if err != nil {
		return 0, fmt.Errorf("encode workspace data: %w", err)
	}
	res, err := m.execute(ctx, WorkspaceUpdate, []string{workspaceKey}, []any{
		strconv.FormatInt(expectedVersion, 10),
		string(payload),
		string(mode),
	})
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

// ExecuteSmartAppend pushes item to the head of list_key, trims it to
// windowSize, refreshes its TTL, and returns the resulting length.
func (m *Manager) ExecuteSmartAppend(ctx context.Context, listKey string, item any, windowSize int, ttlSeconds int64) (int64, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("encode append item: %w", err)
	}
	res, err := m.execute(ctx, SmartAppend, []string{listKey}, []any{
		string(payload),
		strconv.Itoa(windowSize),
		strconv.FormatInt(ttlSeconds, 10),
	})
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

// isNoScript reports whether err is a Redis NOSCRIPT error, meaning the
// script cache was evicted server-side (e.g. after a restart or FLUSHALL)
// and must be reloaded before EVALSHA will succeed again.
func isNoScript(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected result type %T", v)
	}
}
