// Package watchdog tracks liveness of a running session wall and raises a
// fatal error when no turn has completed within a configured window,
// grounded on the reference benchmark's runner/stuck_watchdog.py (tracks
// last-event time, writes a structured artifact, then raises).
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact is the structured error payload written to ArtifactPath when the
// watchdog fires.
type Artifact struct {
	Timestamp      time.Time      `json:"timestamp"`
	LastEvent      time.Time      `json:"last_event"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Context        map[string]any `json:"context"`
}

// Watchdog fires Fatal when Touch has not been called within Timeout. A
// Timeout of zero or less disables the watchdog entirely.
type Watchdog struct {
	Timeout      time.Duration
	ArtifactPath string
	Fatal        func(artifact Artifact)

	mu        sync.Mutex
	lastEvent time.Time

	stop chan struct{}
	once sync.Once
}

// New constructs a Watchdog. fatal is invoked (after the artifact is
// written) the first time the window elapses without a Touch; it is
// expected to terminate the process (spec.md §5: "raises a fatal error that
// stops the process").
func New(timeout time.Duration, artifactPath string, fatal func(artifact Artifact)) *Watchdog {
	return &Watchdog{
		Timeout:      timeout,
		ArtifactPath: artifactPath,
		Fatal:        fatal,
		lastEvent:    time.Now(),
		stop:         make(chan struct{}),
	}
}

// Touch records activity, resetting the stall clock.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// CheckOrFire compares elapsed time since the last Touch against Timeout. If
// the window has elapsed it writes the artifact and invokes Fatal, returning
// true. Safe to call repeatedly; Fatal fires at most once per Watchdog.
func (w *Watchdog) CheckOrFire(ctx map[string]any) bool {
	if w.Timeout <= 0 {
		return false
	}
	w.mu.Lock()
	last := w.lastEvent
	w.mu.Unlock()

	now := time.Now()
	if now.Sub(last) < w.Timeout {
		return false
	}

	fired := false
	w.once.Do(func() {
		fired = true
		artifact := Artifact{
			Timestamp:      now,
			LastEvent:      last,
			TimeoutSeconds: int(w.Timeout.Seconds()),
			Context:        ctx,
		}
		if w.ArtifactPath != "" {
			if err := writeArtifact(w.ArtifactPath, artifact); err != nil {
				artifact.Context = mergeErr(artifact.Context, err)
			}
		}
		if w.Fatal != nil {
			w.Fatal(artifact)
		}
	})
	return fired
}

// Run polls CheckOrFire every interval until ctx is cancelled or the
// watchdog fires. Intended to be launched as a background goroutine from
// cmd/memoryd.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration, context_ map[string]any) {
	if w.Timeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if w.CheckOrFire(context_) {
				return
			}
		}
	}
}

// Stop halts a running Run loop without firing.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func writeArtifact(path string, a Artifact) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact dir: %w", err)
		}
	}
	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode watchdog artifact: %w", err)
	}
	return os.WriteFile(path, payload, 0o644)
}

func mergeErr(ctx map[string]any, err error) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	out["artifact_write_error"] = err.Error()
	return out
}
