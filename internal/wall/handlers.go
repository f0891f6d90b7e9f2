package wall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/intelligencedev/memoryd/internal/apperr"
	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/namespace"
	"github.com/intelligencedev/memoryd/internal/variant"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID       string                 `json:"id"`
	Object   string                 `json:"object"`
	Created  int64                  `json:"created"`
	Model    string                 `json:"model"`
	Choices  []chatChoice           `json:"choices"`
	Usage    chatUsage              `json:"usage"`
	Metadata map[string]any         `json:"metadata"`
}

// handleChatCompletions implements POST /v1/chat/completions (spec.md
// §4.13): it is the single entry point that transitions a session from
// Absent to Active and runs one turn of the wall's configured agent
// variant.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rawSessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if rawSessionID == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("X-Session-Id header is required"))
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperr.Validation("malformed request body: "+err.Error()))
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, apperr.Validation("streaming is not supported"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, apperr.Validation("messages must not be empty"))
		return
	}

	sessionID := namespace.ApplyPrefix(s.prefix(), rawSessionID)

	turnID := -1
	for _, m := range req.Messages {
		if m.Role == "user" {
			turnID++
		}
	}

	last := req.Messages[len(req.Messages)-1]
	history := make([]variant.HistoryMessage, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, variant.HistoryMessage{Role: m.Role, Content: m.Content})
	}

	now := time.Now().UTC()
	if mt, ok := parseMockTime(r.Header.Get("X-Mock-Time")); ok {
		now = mt
	}

	reservation, err := s.acquireBudget(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, apperr.Unavailable("ratelimit", err))
		return
	}

	resp, err := s.agent.RunTurn(ctx, variant.TurnRequest{
		SessionID: sessionID,
		Role:      last.Role,
		Content:   last.Content,
		TurnID:    turnID,
		Timestamp: now,
		History:   history,
	})
	if err != nil {
		reservation.Cancel()
		writeAppError(w, err)
		return
	}

	s.trackSession(sessionID)
	if s.watchdog != nil {
		s.watchdog.Touch()
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	storageMs := resp.StorageMsPre + resp.StorageMsPost

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("chatcmpl-%s-%d", sessionID, turnID),
		Object:  "chat.completion",
		Created: now.Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Metadata: map[string]any{
			"storage_ms_pre":  resp.StorageMsPre,
			"llm_ms":          resp.LLMMs,
			"storage_ms_post": resp.StorageMsPost,
			"storage_ms":      storageMs,
			"turn_id":         turnID,
			"provider":        string(resp.Provider),
			"agent_type":      string(s.agent.Kind()),
		},
	})
}

// handleSessionReset implements POST /control/session/reset.
func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	rawSessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if rawSessionID == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("X-Session-Id header is required"))
		return
	}
	sessionID := namespace.ApplyPrefix(s.prefix(), rawSessionID)

	l1Count, l2Count, err := s.resetSession(r.Context(), sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"l1_turns":   l1Count,
		"l2_facts":   l2Count,
	})
}

// handleCleanupForce implements POST /cleanup_force?session_id=<id|all>.
func (s *Server) handleCleanupForce(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if target == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("session_id query parameter is required"))
		return
	}

	var ids []string
	if target == "all" {
		ids = s.trackedSessions()
	} else {
		ids = []string{namespace.ApplyPrefix(s.prefix(), target)}
	}

	results := make(map[string]any, len(ids))
	var totalL1, totalL2 int64
	for _, id := range ids {
		l1Count, l2Count, err := s.resetSession(r.Context(), id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		results[id] = map[string]any{"l1_turns": l1Count, "l2_facts": l2Count}
		totalL1 += l1Count
		totalL2 += int64(l2Count)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":        results,
		"l1_turns_total":  totalL1,
		"l2_facts_total":  totalL2,
	})
}

// resetSession clears L1 and L2 for sessionID, untracks it, and publishes
// session_end synchronously before returning — the one lifecycle event the
// wall awaits rather than fires-and-forgets (spec.md resolved Open
// Question: session_end is published synchronously with reset/cleanup).
func (s *Server) resetSession(ctx context.Context, sessionID string) (int64, int, error) {
	l1Count, err := s.l1.Delete(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	l2Count, err := s.l2.DeleteSession(ctx, sessionID)
	if err != nil {
		return l1Count, 0, err
	}
	s.untrackSession(sessionID)

	if s.publisher != nil {
		if _, err := s.publisher.Publish(ctx, eventbus.Event{
			Type:      eventbus.EventSessionEnd,
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Data: map[string]any{
				"l1_turns": l1Count,
				"l2_facts": l2Count,
			},
		}); err != nil {
			return l1Count, l2Count, apperr.Unavailable("eventbus", err)
		}
	}
	return l1Count, l2Count, nil
}

// handleListSessions implements GET /sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.trackedSessions()})
}

// handleMemoryState implements GET /memory_state?session_id=<id>.
func (s *Server) handleMemoryState(w http.ResponseWriter, r *http.Request) {
	rawSessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if rawSessionID == "" {
		writeError(w, http.StatusBadRequest, apperr.Validation("session_id query parameter is required"))
		return
	}
	sessionID := namespace.ApplyPrefix(s.prefix(), rawSessionID)
	ctx := r.Context()

	l1Turns, err := s.l1.Len(ctx, sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	l2Facts, err := s.l2.CountBySession(ctx, sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	l3Episodes, err := s.l3.CountBySession(ctx, sessionID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	l4Docs, err := s.l4.Count(ctx)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"l1_turns":    l1Turns,
		"l2_facts":    l2Facts,
		"l3_episodes": l3Episodes,
		"l4_docs":     l4Docs,
	})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "ok"
	redisOK := s.rdb.Ping(ctx).Err() == nil
	l1OK := s.l1.HealthCheck(ctx) == nil
	l2OK := s.l2.HealthCheck(ctx) == nil
	agentOK := s.agent.HealthCheck(ctx) == nil

	if !redisOK || !l1OK || !l2OK || !agentOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"redis":        redisOK,
		"l1":           l1OK,
		"l2":           l2OK,
		"agent":        agentOK,
		"agent_type":   string(s.agent.Kind()),
		"agent_variant": string(s.agent.Kind()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeAppError maps a classified apperr.Error to an HTTP status and a
// structured body carrying enough to attribute the failure (spec.md §4.13:
// "Storage errors → 500 with structured detail; model-provider errors → 500
// with provider name; client input errors → 400").
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch appErr.Kind {
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, err)
	case apperr.KindUnavailable:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
			"tier":  appErr.Tier,
		})
	case apperr.KindRateLimited:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    err.Error(),
			"provider": appErr.Provider,
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
