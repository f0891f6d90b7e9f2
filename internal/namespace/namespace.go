// Package namespace generates Redis keys for the memory tiers with Hash Tag
// patterns so that every key belonging to one session colocates on a single
// cluster slot, enabling atomic multi-key Lua scripts and MULTI/EXEC without
// CROSSSLOT errors.
//
// Key shapes:
//   - Session-scoped: {session:<id>}:<resource>
//   - Global:          {mas}:<resource>
package namespace

import (
	"fmt"
	"strings"
)

// L1Turns returns the key for a session's L1 turn list.
func L1Turns(sessionID string) string {
	return fmt.Sprintf("{session:%s}:turns", sessionID)
}

// AgentState returns the key for one agent's personal scratchpad within a
// session.
func AgentState(sessionID, agentID string) string {
	return fmt.Sprintf("{session:%s}:agent:%s:state", sessionID, agentID)
}

// Workspace returns the key for a session's shared multi-agent workspace.
func Workspace(sessionID string) string {
	return fmt.Sprintf("{session:%s}:workspace", sessionID)
}

// FactsIndex returns the key for a session's L2 fact-id set, used for
// idempotent promotion membership checks.
func FactsIndex(sessionID string) string {
	return fmt.Sprintf("{session:%s}:facts:index", sessionID)
}

// PendingRepair returns the key for a session's L3 dual-write repair queue.
func PendingRepair(sessionID string) string {
	return fmt.Sprintf("{session:%s}:repair", sessionID)
}

// ApplyPrefix namespaces id under prefix exactly once: if id is already
// prefixed (starts with "prefix:"), it is returned unchanged, so repeated
// application is idempotent — apply_prefix(apply_prefix(id)) == apply_prefix(id)
// (spec.md §4.13). The wall uses this to derive a stable internal session
// key from the caller-supplied X-Session-Id without ever double-prefixing a
// session ID that a client passes back in on a later request.
func ApplyPrefix(prefix, id string) string {
	want := prefix + ":"
	if strings.HasPrefix(id, want) {
		return id
	}
	return want + id
}

// LifecycleStream returns the single global lifecycle event stream key. It
// carries the {mas} hash tag so it pins to a deterministic slot independent
// of any session.
func LifecycleStream() string {
	return "{mas}:lifecycle"
}
