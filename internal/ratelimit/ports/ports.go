// Package ports defines shared interfaces for the ratelimit module.
package ports

import (
	"context"
	"log/slog"

	accessmodels "trustledger/internal/access/models"
	"trustledger/internal/ratelimit/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/requestcontext"
)

// AuditPublisher emits audit events for configuration changes.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Authorizer checks capability membership.
type Authorizer interface {
	Require(ctx context.Context, capability accessmodels.Capability, caller id.WalletAddress) error
}

// WindowStore holds per-(surface, key) window counters.
//
// Execute loads the current state (zero value if absent), passes it to fn and
// persists the mutated state only when fn returns nil. Implementations must
// make Execute atomic per key and register an undo with tx.OnRollback so the
// write is reverted if the enclosing unit of work fails.
type WindowStore interface {
	Execute(ctx context.Context, surface models.Surface, key string, fn func(state *models.WindowState) error) error

	// Get returns the stored state, or the zero state if none exists.
	Get(ctx context.Context, surface models.Surface, key string) (*models.WindowState, error)

	// Reset deletes the state for a key.
	Reset(ctx context.Context, surface models.Surface, key string) error
}

// ConfigStore holds one circuit breaker config per surface.
type ConfigStore interface {
	// Get returns sentinel.ErrNotFound when the surface has no config.
	Get(ctx context.Context, surface models.Surface) (*models.Config, error)

	// Put replaces the config for a surface.
	Put(ctx context.Context, surface models.Surface, cfg *models.Config) error
}

// LogAudit writes a security-relevant log line in the audit log format.
// Used for signals that must survive a rolled-back unit of work, such as
// rate-limit trips, which the audit store would discard along with the unit.
func LogAudit(ctx context.Context, logger *slog.Logger, event string, attrs ...any) {
	if logger == nil {
		return
	}
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	args := append(attrs, "event", event, "log_type", "audit")
	logger.InfoContext(ctx, event, args...)
}
