package models

import (
	"strings"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

// Capability is a flat permission. Holding one implies nothing about any other.
type Capability string

const (
	CapabilityAdmin               Capability = "admin"
	CapabilityScoreWriter         Capability = "score_writer"
	CapabilityPauser              Capability = "pauser"
	CapabilityUpgrader            Capability = "upgrader"
	CapabilityCircuitBreakerAdmin Capability = "circuit_breaker_admin"
	CapabilityOfferSigner         Capability = "offer_signer"
)

// Capabilities lists every known capability.
var Capabilities = []Capability{
	CapabilityAdmin,
	CapabilityScoreWriter,
	CapabilityPauser,
	CapabilityUpgrader,
	CapabilityCircuitBreakerAdmin,
	CapabilityOfferSigner,
}

func (c Capability) IsValid() bool {
	switch c {
	case CapabilityAdmin, CapabilityScoreWriter, CapabilityPauser, CapabilityUpgrader,
		CapabilityCircuitBreakerAdmin, CapabilityOfferSigner:
		return true
	}
	return false
}

func (c Capability) String() string {
	return string(c)
}

// ParseCapability normalizes and validates a capability name.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "capability cannot be empty")
	}
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown capability: "+string(c))
	}
	return c, nil
}

// Grant is one (capability, holder) membership.
type Grant struct {
	Capability Capability
	Holder     id.WalletAddress
}

// GrantRequest is the body of POST/DELETE /admin/capabilities.
type GrantRequest struct {
	Capability string `json:"capability"`
	Address    string `json:"address"`
}

func (r *GrantRequest) Normalize() {
	if r == nil {
		return
	}
	r.Capability = strings.ToLower(strings.TrimSpace(r.Capability))
	r.Address = strings.TrimSpace(r.Address)
}

// Follows validation order: Size -> Required -> Syntax.
func (r *GrantRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if len(r.Capability) > 64 || len(r.Address) > 64 {
		return dErrors.New(dErrors.CodeValidation, "field too long")
	}
	if r.Capability == "" {
		return dErrors.New(dErrors.CodeValidation, "capability is required")
	}
	if r.Address == "" {
		return dErrors.New(dErrors.CodeValidation, "address is required")
	}
	if _, err := ParseCapability(r.Capability); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid capability")
	}
	if _, err := id.ParseWalletAddress(r.Address); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid address")
	}
	return nil
}

// Parsed returns the typed grant. Call after Validate.
func (r *GrantRequest) Parsed() Grant {
	c, _ := ParseCapability(r.Capability)
	addr, _ := id.ParseWalletAddress(r.Address)
	return Grant{Capability: c, Holder: addr}
}

// GateStatus is the API view of the pause switch.
type GateStatus struct {
	Paused bool `json:"paused"`
}

// HoldersResponse lists holders of one capability.
type HoldersResponse struct {
	Capability Capability         `json:"capability"`
	Holders    []id.WalletAddress `json:"holders"`
}
