// Package publisher emits audit events synchronously into the caller's unit of work.
//
// Emission is fail-closed: if the event cannot be appended, the error is
// returned and the calling operation must abort. Events appended inside a
// unit that later fails are rolled back with it, so history only ever shows
// committed state changes.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	audit "trustledger/pkg/platform/audit"
	"trustledger/pkg/requestcontext"
)

type Publisher struct {
	store  audit.Store
	logger *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit fills ID, timestamp, category and request id, then appends the event.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Action == "" {
		return fmt.Errorf("audit event requires Action")
	}
	if event.EntityType == "" || event.EntityID == "" {
		return fmt.Errorf("audit event requires an entity")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	event.Category = audit.AuditEvent(event.Action).Category()
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}

	if err := p.store.Append(ctx, event); err != nil {
		if p.logger != nil {
			p.logger.ErrorContext(ctx, "failed to append audit event",
				"action", event.Action,
				"entity_type", event.EntityType,
				"entity_id", event.EntityID,
				"error", err,
			)
		}
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// History returns every event recorded for an entity in append order.
func (p *Publisher) History(ctx context.Context, entityType audit.EntityType, entityID string) ([]audit.Event, error) {
	return p.store.ListByEntity(ctx, entityType, entityID)
}
