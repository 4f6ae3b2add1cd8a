// Package service implements the access gate: flat capability membership plus
// one global pause switch.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"trustledger/internal/access/metrics"
	"trustledger/internal/access/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/tx"
)

// ledgerEntityID keys pause/unpause events.
const ledgerEntityID = "ledger"

// bootstrapActor is recorded as the actor of the initial admin grant.
const bootstrapActor = "bootstrap"

type Store interface {
	Has(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error)
	Add(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error)
	Remove(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error)
	Holders(ctx context.Context, capability models.Capability) ([]id.WalletAddress, error)
	CapabilitiesOf(ctx context.Context, holder id.WalletAddress) ([]models.Capability, error)
	Paused(ctx context.Context) (bool, error)
	SetPaused(ctx context.Context, paused bool) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Gate answers "may this caller do this" and "is the ledger paused".
type Gate struct {
	store          Store
	tx             tx.Runner
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(g *Gate) {
		g.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func WithTxRunner(runner tx.Runner) Option {
	return func(g *Gate) {
		g.tx = runner
	}
}

func New(store Store, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, errors.New("grant store is required")
	}
	g := &Gate{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	if g.auditPublisher == nil {
		return nil, errors.New("audit publisher is required")
	}
	if g.tx == nil {
		g.tx = tx.NewSerial()
	}
	return g, nil
}

// Bootstrap grants admin to the initial administrator when no admin exists.
// Safe to call on every start.
func (g *Gate) Bootstrap(ctx context.Context, admin id.WalletAddress) error {
	if admin.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "initial admin address is required")
	}
	return g.tx.RunInTx(ctx, func(ctx context.Context) error {
		admins, err := g.store.Holders(ctx, models.CapabilityAdmin)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list admins")
		}
		if len(admins) > 0 {
			return nil
		}
		if _, err := g.store.Add(ctx, models.CapabilityAdmin, admin); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to seed admin")
		}
		return g.emitGrantChange(ctx, audit.EventCapabilityGranted, bootstrapActor, models.CapabilityAdmin, admin, false)
	})
}

// Require fails with CodeUnauthorized unless caller holds capability.
func (g *Gate) Require(ctx context.Context, capability models.Capability, caller id.WalletAddress) error {
	if !capability.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown capability")
	}
	if caller.IsZero() {
		g.incrementDenial(capability)
		return dErrors.New(dErrors.CodeUnauthorized, "caller is required")
	}
	ok, err := g.has(ctx, capability, caller)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check capability")
	}
	if !ok {
		g.incrementDenial(capability)
		return dErrors.New(dErrors.CodeUnauthorized, "caller lacks capability "+string(capability))
	}
	return nil
}

// RequireNotPaused fails with CodeUnauthorized while the ledger is paused.
func (g *Gate) RequireNotPaused(ctx context.Context) error {
	paused, err := g.paused(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pause switch")
	}
	if paused {
		return dErrors.New(dErrors.CodeUnauthorized, "ledger is paused")
	}
	return nil
}

func (g *Gate) Has(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	if !capability.IsValid() {
		return false, dErrors.New(dErrors.CodeValidation, "unknown capability")
	}
	ok, err := g.has(ctx, capability, holder)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check capability")
	}
	return ok, nil
}

func (g *Gate) Paused(ctx context.Context) (bool, error) {
	paused, err := g.paused(ctx)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pause switch")
	}
	return paused, nil
}

func (g *Gate) Holders(ctx context.Context, capability models.Capability) ([]id.WalletAddress, error) {
	if !capability.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown capability")
	}
	var holders []id.WalletAddress
	err := g.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		holders, err = g.store.Holders(ctx, capability)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list holders")
	}
	return holders, nil
}

func (g *Gate) CapabilitiesOf(ctx context.Context, holder id.WalletAddress) ([]models.Capability, error) {
	var caps []models.Capability
	err := g.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		caps, err = g.store.CapabilitiesOf(ctx, holder)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list capabilities")
	}
	return caps, nil
}

func (g *Gate) has(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	var ok bool
	err := g.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		ok, err = g.store.Has(ctx, capability, holder)
		return err
	})
	return ok, err
}

func (g *Gate) paused(ctx context.Context) (bool, error) {
	var paused bool
	err := g.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		paused, err = g.store.Paused(ctx)
		return err
	})
	return paused, err
}

// Grant gives holder a capability. Granting a held capability is a no-op
// and emits nothing.
func (g *Gate) Grant(ctx context.Context, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) error {
	if err := validateGrant(capability, holder); err != nil {
		return err
	}
	var changed bool
	err := g.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := g.Require(ctx, models.CapabilityAdmin, caller); err != nil {
			return err
		}
		added, err := g.store.Add(ctx, capability, holder)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to grant capability")
		}
		if !added {
			return nil
		}
		changed = true
		return g.emitGrantChange(ctx, audit.EventCapabilityGranted, caller.String(), capability, holder, false)
	})
	if err != nil {
		return err
	}
	if changed {
		g.recordGrantChange(ctx, "granted", caller, capability, holder)
	}
	return nil
}

// Revoke removes a capability. Admins may revoke their own admin grant,
// including the last one.
func (g *Gate) Revoke(ctx context.Context, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) error {
	if err := validateGrant(capability, holder); err != nil {
		return err
	}
	var changed bool
	err := g.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := g.Require(ctx, models.CapabilityAdmin, caller); err != nil {
			return err
		}
		removed, err := g.store.Remove(ctx, capability, holder)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke capability")
		}
		if !removed {
			return nil
		}
		changed = true
		return g.emitGrantChange(ctx, audit.EventCapabilityRevoked, caller.String(), capability, holder, true)
	})
	if err != nil {
		return err
	}
	if changed {
		g.recordGrantChange(ctx, "revoked", caller, capability, holder)
	}
	return nil
}

// Pause stops score writes and loan creation. Repayment stays open. Pausing an
// already paused ledger is a state error.
func (g *Gate) Pause(ctx context.Context, caller id.WalletAddress) error {
	return g.setPaused(ctx, caller, true)
}

func (g *Gate) Unpause(ctx context.Context, caller id.WalletAddress) error {
	return g.setPaused(ctx, caller, false)
}

func (g *Gate) setPaused(ctx context.Context, caller id.WalletAddress, paused bool) error {
	err := g.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := g.Require(ctx, models.CapabilityPauser, caller); err != nil {
			return err
		}
		current, err := g.store.Paused(ctx)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read pause switch")
		}
		if current == paused {
			if paused {
				return dErrors.New(dErrors.CodeInvalidState, "ledger is already paused")
			}
			return dErrors.New(dErrors.CodeInvalidState, "ledger is not paused")
		}
		if err := g.store.SetPaused(ctx, paused); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to set pause switch")
		}

		action := audit.EventLedgerUnpaused
		if paused {
			action = audit.EventLedgerPaused
		}
		if err := g.auditPublisher.Emit(ctx, audit.Event{
			Action:     string(action),
			EntityType: audit.EntityLedger,
			EntityID:   ledgerEntityID,
			ActorID:    caller.String(),
			Before:     map[string]string{"paused": strconv.FormatBool(current)},
			After:      map[string]string{"paused": strconv.FormatBool(paused)},
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record pause change")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if g.metrics != nil {
		g.metrics.SetPaused(paused)
	}
	g.logger.InfoContext(ctx, "ledger pause switch changed",
		"paused", paused,
		"caller", caller.String(),
	)
	return nil
}

func (g *Gate) emitGrantChange(ctx context.Context, action audit.AuditEvent, actor string, capability models.Capability, holder id.WalletAddress, held bool) error {
	err := g.auditPublisher.Emit(ctx, audit.Event{
		Action:     string(action),
		EntityType: audit.EntityCapability,
		EntityID:   holder.Key(),
		ActorID:    actor,
		Before:     map[string]string{"capability": string(capability), "held": strconv.FormatBool(held)},
		After:      map[string]string{"capability": string(capability), "held": strconv.FormatBool(!held)},
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record capability change")
	}
	return nil
}

func (g *Gate) recordGrantChange(ctx context.Context, change string, caller id.WalletAddress, capability models.Capability, holder id.WalletAddress) {
	if g.metrics != nil {
		g.metrics.IncrementGrantChange(string(capability), change)
	}
	g.logger.InfoContext(ctx, "capability "+change,
		"capability", capability,
		"holder", holder.String(),
		"caller", caller.String(),
	)
}

func (g *Gate) incrementDenial(capability models.Capability) {
	if g.metrics != nil {
		g.metrics.IncrementDenial(string(capability))
	}
}

func validateGrant(capability models.Capability, holder id.WalletAddress) error {
	if !capability.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown capability")
	}
	if holder.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "holder address is required")
	}
	return nil
}
