// Package apperr defines the error taxonomy shared across the wall and the
// lifecycle engines. Request-path errors map to HTTP status codes; background
// engines log and emit events instead of propagating these.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy purposes.
type Kind int

const (
	// KindInternal is an unclassified failure.
	KindInternal Kind = iota
	// KindValidation is a bad request: missing header, malformed body, empty
	// messages. Reported at the boundary, never retried.
	KindValidation
	// KindUnavailable is a transient storage/backend failure eligible for
	// bounded exponential backoff.
	KindUnavailable
	// KindRateLimited is a provider-side rate limit; callers fail over in
	// provider order.
	KindRateLimited
	// KindConflict is a version mismatch on a CAS write.
	KindConflict
)

// Error is a classified application error that carries enough context to
// attribute failures back to callers (tier, provider).
type Error struct {
	Kind     Kind
	Tier     string
	Provider string
	Err      error
}

func (e *Error) Error() string {
	if e.Tier != "" {
		return fmt.Sprintf("%s: %v", e.Tier, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, tier string, err error) *Error {
	return &Error{Kind: kind, Tier: tier, Err: err}
}

// Validation wraps err as a validation failure.
func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Err: errors.New(msg)}
}

// Unavailable wraps err as a transient storage failure for the named tier.
func Unavailable(tier string, err error) *Error {
	return &Error{Kind: KindUnavailable, Tier: tier, Err: err}
}

// RateLimited wraps err as a provider rate-limit failure.
func RateLimited(provider string, err error) *Error {
	return &Error{Kind: KindRateLimited, Provider: provider, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
