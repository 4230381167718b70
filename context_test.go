package cqrs

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestContextGetters(t *testing.T) {
	root := uuid.MustParse("6f1e0c52-3d6a-4f0e-9a39-3c1f3d0b2a11")
	cover := Cover{Domain: "order", Root: root, Edition: "v1", CorrelationID: "corr-1"}

	ctxWithValues := WithSequence(WithHandler(WithCover(t.Context(), cover), "fulfillment-saga"), 7)
	emptyCtx := t.Context()

	tests := []struct {
		name string
		ctx  context.Context
		fn   func(context.Context) any
		want any
	}{
		{
			name: "StreamIDFromContext with value",
			ctx:  ctxWithValues,
			fn:   func(ctx context.Context) any { return StreamIDFromContext(ctx) },
			want: "order/v1/" + root.String(),
		},
		{
			name: "StreamIDFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return StreamIDFromContext(ctx) },
			want: "",
		},
		{
			name: "CorrelationIDFromContext with value",
			ctx:  ctxWithValues,
			fn:   func(ctx context.Context) any { return CorrelationIDFromContext(ctx) },
			want: "corr-1",
		},
		{
			name: "HandlerFromContext with value",
			ctx:  ctxWithValues,
			fn:   func(ctx context.Context) any { return HandlerFromContext(ctx) },
			want: "fulfillment-saga",
		},
		{
			name: "HandlerFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return HandlerFromContext(ctx) },
			want: "",
		},
		{
			name: "SequenceFromContext with value",
			ctx:  ctxWithValues,
			fn: func(ctx context.Context) any {
				seq, _ := SequenceFromContext(ctx)
				return seq
			},
			want: uint32(7),
		},
		{
			name: "CoverFromContext without value",
			ctx:  emptyCtx,
			fn:   func(ctx context.Context) any { return CoverFromContext(ctx) },
			want: Cover{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.ctx)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
