// Package wall implements the session wall: the OpenAI-compatible HTTP
// surface one variant process exposes (spec.md §4.13), grounded on the
// teacher's internal/httpapi.Server (ServeMux + registerRoutes) and
// cmd/agentd/main.go's handler wiring.
package wall

import (
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/intelligencedev/memoryd/internal/eventbus"
	"github.com/intelligencedev/memoryd/internal/tiers/l1"
	"github.com/intelligencedev/memoryd/internal/tiers/l2"
	"github.com/intelligencedev/memoryd/internal/tiers/l3"
	"github.com/intelligencedev/memoryd/internal/tiers/l4"
	"github.com/intelligencedev/memoryd/internal/variant"
	"github.com/intelligencedev/memoryd/internal/watchdog"
)

// Server is one variant process's HTTP surface: the OpenAI-compatible chat
// endpoint plus the control/introspection endpoints (spec.md §6).
type Server struct {
	agent     variant.Variant
	l1        *l1.Tier
	l2        *l2.Tier
	l3        *l3.Tier
	l4        *l4.Tier
	rdb       redis.UniversalClient
	publisher *eventbus.Publisher
	limiter   *rate.Limiter
	watchdog  *watchdog.Watchdog

	mux *http.ServeMux

	mu       sync.Mutex
	sessions map[string]struct{}
}

// Tiers bundles the four memory tiers a Server needs for introspection and
// session teardown (spec.md §4.13's /memory_state and /control endpoints).
type Tiers struct {
	L1 *l1.Tier
	L2 *l2.Tier
	L3 *l3.Tier
	L4 *l4.Tier
}

// New constructs a Server for agent, wired to t for session state and
// publisher for the synchronous session_end lifecycle event. rps/burst
// configure the shared per-process token-bucket rate limiter; each chat
// request takes one unit of it, whatever its token cost.
func New(agent variant.Variant, t Tiers, rdb redis.UniversalClient, publisher *eventbus.Publisher, rps float64, burst int, wd *watchdog.Watchdog) *Server {
	s := &Server{
		agent:     agent,
		l1:        t.L1,
		l2:        t.L2,
		l3:        t.L3,
		l4:        t.L4,
		rdb:       rdb,
		publisher: publisher,
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		watchdog:  wd,
		mux:       http.NewServeMux(),
		sessions:  make(map[string]struct{}),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("POST /control/session/reset", s.handleSessionReset)
	s.mux.HandleFunc("POST /cleanup_force", s.handleCleanupForce)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /memory_state", s.handleMemoryState)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// prefix namespaces every session id the wall tracks under the agent's own
// kind, so two variant processes sharing a backend never collide on a raw
// caller-supplied id (spec.md §4.13: idempotent per-session prefixing).
func (s *Server) prefix() string {
	return string(s.agent.Kind())
}

func (s *Server) trackSession(id string) {
	s.mu.Lock()
	s.sessions[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// TrackedSessions returns the prefixed session ids this process currently
// tracks, used by cmd/memoryd's background rescore sweep.
func (s *Server) TrackedSessions() []string {
	return s.trackedSessions()
}

func (s *Server) trackedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// parseMockTime parses the optional X-Mock-Time header (ISO-8601), used by
// deterministic tests to pin the wall clock (spec.md §4.13).
func parseMockTime(header string) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, header)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
