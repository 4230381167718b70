package cqrs

import (
	"context"
)

type ctxKey string

const (
	coverKey    ctxKey = "cover"
	handlerKey  ctxKey = "handler"
	sequenceKey ctxKey = "sequence"
)

// WithCover adds the stream being worked on to the context.
func WithCover(ctx context.Context, cover Cover) context.Context {
	return context.WithValue(ctx, coverKey, cover)
}

// CoverFromContext returns the Cover, or the zero Cover if not present.
func CoverFromContext(ctx context.Context) Cover {
	if v := ctx.Value(coverKey); v != nil {
		if c, ok := v.(Cover); ok {
			return c
		}
	}
	return Cover{}
}

// StreamIDFromContext returns the stream id of the Cover, or "" if not present.
func StreamIDFromContext(ctx context.Context) string {
	c := CoverFromContext(ctx)
	if c.Domain == "" {
		return ""
	}
	return c.StreamID()
}

// CorrelationIDFromContext returns the correlation id of the Cover, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	return CoverFromContext(ctx).CorrelationID
}

// WithHandler names the saga or projector processing the context.
func WithHandler(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, handlerKey, name)
}

// HandlerFromContext returns the handler name or "" if not present.
func HandlerFromContext(ctx context.Context) string {
	if v := ctx.Value(handlerKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithSequence records the sequence being processed.
func WithSequence(ctx context.Context, sequence uint32) context.Context {
	return context.WithValue(ctx, sequenceKey, sequence)
}

// SequenceFromContext returns the sequence and whether it was set.
func SequenceFromContext(ctx context.Context) (uint32, bool) {
	if v := ctx.Value(sequenceKey); v != nil {
		if s, ok := v.(uint32); ok {
			return s, true
		}
	}
	return 0, false
}
