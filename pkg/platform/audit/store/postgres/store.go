package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	audit "trustledger/pkg/platform/audit"
	txcontext "trustledger/pkg/platform/tx"
)

// Store implements audit.Store with the transactional outbox pattern.
// Append writes the queryable audit row and an outbox row in the caller's
// transaction; the relay later publishes outbox rows to Kafka.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// outboxPayload is the JSON structure published to Kafka.
type outboxPayload struct {
	ID         string            `json:"id"`
	Category   string            `json:"category"`
	Timestamp  string            `json:"timestamp"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	ActorID    string            `json:"actor_id,omitempty"`
	Before     map[string]string `json:"before,omitempty"`
	After      map[string]string `json:"after,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
}

// Append writes an audit event and its outbox entry.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	before, err := marshalFields(event.Before)
	if err != nil {
		return err
	}
	after, err := marshalFields(event.After)
	if err != nil {
		return err
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_events (
			id, category, timestamp, action, entity_type, entity_id,
			actor_id, before_state, after_state, reason, request_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		event.ID,
		string(event.Category),
		event.Timestamp,
		event.Action,
		string(event.EntityType),
		event.EntityID,
		event.ActorID,
		before,
		after,
		event.Reason,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	payload, err := json.Marshal(outboxPayload{
		ID:         event.ID.String(),
		Category:   string(event.Category),
		Timestamp:  event.Timestamp.Format(time.RFC3339Nano),
		Action:     event.Action,
		EntityType: string(event.EntityType),
		EntityID:   event.EntityID,
		ActorID:    event.ActorID,
		Before:     event.Before,
		After:      event.After,
		Reason:     event.Reason,
		RequestID:  event.RequestID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		uuid.New(),
		string(event.EntityType),
		event.EntityID,
		event.Action,
		payload,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

const selectEvents = `
	SELECT id, category, timestamp, action, entity_type, entity_id,
		   actor_id, before_state, after_state, reason, request_id
	FROM audit_events
`

// ListByEntity returns events for one entity in append order.
func (s *Store) ListByEntity(ctx context.Context, entityType audit.EntityType, entityID string) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq ASC
	`, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListRecent returns the N most recent events, oldest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+`
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)
	return events, nil
}

// OutboxEntry is an unpublished audit payload.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
}

// FetchUnpublished returns up to limit outbox rows in creation order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// MarkPublished stamps outbox rows as delivered.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET published_at = $2
		WHERE id = ANY($1::uuid[])
	`, pq.Array(raw), time.Now())
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func marshalFields(fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal audit fields: %w", err)
	}
	return b, nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		var (
			event               audit.Event
			category            string
			entityType          string
			beforeRaw, afterRaw []byte
		)
		err := rows.Scan(
			&event.ID,
			&category,
			&event.Timestamp,
			&event.Action,
			&entityType,
			&event.EntityID,
			&event.ActorID,
			&beforeRaw,
			&afterRaw,
			&event.Reason,
			&event.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Category = audit.EventCategory(category)
		event.EntityType = audit.EntityType(entityType)
		if err := json.Unmarshal(beforeRaw, &event.Before); err != nil {
			return nil, fmt.Errorf("decode audit before state: %w", err)
		}
		if err := json.Unmarshal(afterRaw, &event.After); err != nil {
			return nil, fmt.Errorf("decode audit after state: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
