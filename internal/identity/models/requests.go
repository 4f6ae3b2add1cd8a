package models

import (
	"strings"
	"time"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
)

// ScoreRequest is the body of PUT /identities/{wallet}.
type ScoreRequest struct {
	Score     *int `json:"score"`
	RiskClass *int `json:"risk_class"`
}

// Follows validation order: Required -> Range.
func (r *ScoreRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Score == nil {
		return dErrors.New(dErrors.CodeValidation, "score is required")
	}
	if r.RiskClass == nil {
		return dErrors.New(dErrors.CodeValidation, "risk_class is required")
	}
	return ValidateScore(*r.Score, *r.RiskClass)
}

// TransferRequest is the body of POST /records/{id}/transfer.
type TransferRequest struct {
	To string `json:"to"`
}

func (r *TransferRequest) Normalize() {
	if r != nil {
		r.To = strings.TrimSpace(r.To)
	}
}

func (r *TransferRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.To == "" {
		return dErrors.New(dErrors.CodeValidation, "to is required")
	}
	if _, err := id.ParseWalletAddress(r.To); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid destination wallet")
	}
	return nil
}

type IdentityResponse struct {
	Wallet      id.WalletAddress `json:"wallet"`
	RecordID    id.RecordID      `json:"record_id"`
	Score       int              `json:"score"`
	RiskClass   RiskClass        `json:"risk_class"`
	LastUpdated *time.Time       `json:"last_updated,omitempty"`
}

// ToIdentityResponse renders a record. wallet is used for zero records,
// which carry no owner.
func ToIdentityResponse(wallet id.WalletAddress, identity *Identity) *IdentityResponse {
	resp := &IdentityResponse{Wallet: wallet}
	if identity == nil {
		return resp
	}
	resp.RecordID = identity.RecordID
	resp.Score = identity.Score
	resp.RiskClass = identity.RiskClass
	if !identity.LastUpdated.IsZero() {
		t := identity.LastUpdated.UTC()
		resp.LastUpdated = &t
	}
	return resp
}

type OwnerResponse struct {
	RecordID id.RecordID      `json:"record_id"`
	Owner    id.WalletAddress `json:"owner"`
}

type HistoryEvent struct {
	Action    string            `json:"action"`
	Timestamp time.Time         `json:"timestamp"`
	ActorID   string            `json:"actor_id"`
	Before    map[string]string `json:"before,omitempty"`
	After     map[string]string `json:"after,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

type HistoryResponse struct {
	Wallet id.WalletAddress `json:"wallet"`
	Events []HistoryEvent   `json:"events"`
}

func ToHistoryResponse(wallet id.WalletAddress, events []audit.Event) *HistoryResponse {
	resp := &HistoryResponse{Wallet: wallet, Events: make([]HistoryEvent, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, HistoryEvent{
			Action:    e.Action,
			Timestamp: e.Timestamp.UTC(),
			ActorID:   e.ActorID,
			Before:    e.Before,
			After:     e.After,
			Reason:    e.Reason,
		})
	}
	return resp
}
