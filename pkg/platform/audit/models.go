package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryLedger covers state transitions of identities and loans.
	// These are the replayable history of the ledger and are never sampled.
	CategoryLedger EventCategory = "ledger"

	// CategorySecurity covers trust-boundary changes: capability grants,
	// pause switches, circuit breaker overrides, rejected reassignments.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers everything else.
	CategoryOperations EventCategory = "operations"
)

// EntityType names the kind of entity an event is keyed by.
type EntityType string

const (
	EntityIdentity       EntityType = "identity"
	EntityLoan           EntityType = "loan"
	EntityCapability     EntityType = "capability"
	EntityLedger         EntityType = "ledger"
	EntityCircuitBreaker EntityType = "circuit_breaker"
)

// Event is an append-only record of one state change. Before and After carry
// the changed fields so history can be replayed without the live record.
type Event struct {
	ID         uuid.UUID
	Category   EventCategory
	Timestamp  time.Time
	Action     string
	EntityType EntityType
	EntityID   string
	// ActorID is the wallet that invoked the operation.
	ActorID   string
	Before    map[string]string
	After     map[string]string
	Reason    string
	RequestID string
}

type AuditEvent string

const (
	// Identity events
	EventIdentityCreated          AuditEvent = "identity_created"
	EventIdentityUpdated          AuditEvent = "identity_updated"
	EventIdentityRemoved          AuditEvent = "identity_removed"
	EventIdentityTransferRejected AuditEvent = "identity_transfer_rejected"

	// Loan events
	EventLoanCreated AuditEvent = "loan_created"
	EventLoanRepaid  AuditEvent = "loan_repaid"

	// Access events
	EventCapabilityGranted AuditEvent = "capability_granted"
	EventCapabilityRevoked AuditEvent = "capability_revoked"
	EventLedgerPaused      AuditEvent = "ledger_paused"
	EventLedgerUnpaused    AuditEvent = "ledger_unpaused"

	// Circuit breaker events
	EventCircuitBreakerConfigured AuditEvent = "circuit_breaker_configured"
	EventCircuitBreakerDisabled   AuditEvent = "circuit_breaker_disabled"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventIdentityCreated: CategoryLedger,
	EventIdentityUpdated: CategoryLedger,
	EventIdentityRemoved: CategoryLedger,
	EventLoanCreated:     CategoryLedger,
	EventLoanRepaid:      CategoryLedger,

	EventIdentityTransferRejected: CategorySecurity,
	EventCapabilityGranted:        CategorySecurity,
	EventCapabilityRevoked:        CategorySecurity,
	EventLedgerPaused:             CategorySecurity,
	EventLedgerUnpaused:           CategorySecurity,
	EventCircuitBreakerConfigured: CategorySecurity,
	EventCircuitBreakerDisabled:   CategorySecurity,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations must never update or delete
// an appended event; the only removal path is rollback of the unit of work
// that appended it.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByEntity(ctx context.Context, entityType EntityType, entityID string) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
