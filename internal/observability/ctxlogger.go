package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a zerolog.Logger enriched with trace_id/span_id
// from the context, if it carries a span context with a trace ID (sampled
// or not).
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With().Str("trace_id", sc.TraceID().String()).Logger()
		if sc.HasSpanID() {
			l = l.With().Str("span_id", sc.SpanID().String()).Logger()
		}
	}
	return &l
}

// WithSession returns a logger enriched with session_id, handy at the top of
// a tier or engine method.
func WithSession(ctx context.Context, sessionID string) *zerolog.Logger {
	l := LoggerWithTrace(ctx).With().Str("session_id", sessionID).Logger()
	return &l
}
