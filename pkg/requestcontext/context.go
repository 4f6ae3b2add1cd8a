// Package requestcontext provides HTTP-independent context accessors for request-scoped values.
//
// Middleware sets these values; services read them without importing net/http.
//
//	caller := requestcontext.Caller(ctx)
//	now := requestcontext.Now(ctx)
//
// Tests inject values directly:
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
//	ctx = requestcontext.WithCaller(ctx, wallet)
package requestcontext

import (
	"context"
	"time"

	id "trustledger/pkg/domain"
)

type (
	callerKey      struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
)

// Exported context keys for direct use in tests that need context.WithValue.
var (
	ContextKeyCaller      = callerKey{}
	ContextKeyRequestID   = requestIDKey{}
	ContextKeyRequestTime = requestTimeKey{}
)

// Caller retrieves the authenticated wallet from the context.
// Returns the zero address if not set.
func Caller(ctx context.Context) id.WalletAddress {
	if caller, ok := ctx.Value(ContextKeyCaller).(id.WalletAddress); ok {
		return caller
	}
	return id.WalletAddress{}
}

// WithCaller injects the authenticated wallet into the context.
func WithCaller(ctx context.Context, caller id.WalletAddress) context.Context {
	return context.WithValue(ctx, ContextKeyCaller, caller)
}

// RequestID retrieves the request ID from the context.
func RequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// Now retrieves the request-scoped time from context.
// Falls back to time.Now() if not set (workers, CLI, tests).
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(ContextKeyRequestTime).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime injects a specific time into a context. Every ledger timestamp
// (lastUpdated, loan start, audit events) within one call uses this value.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyRequestTime, t)
}
