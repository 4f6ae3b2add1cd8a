// Package service implements the soulbound identity ledger.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	accessmodels "trustledger/internal/access/models"
	"trustledger/internal/identity/metrics"
	"trustledger/internal/identity/models"
	ratelimitmodels "trustledger/internal/ratelimit/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
	"trustledger/pkg/requestcontext"
)

type Store interface {
	NextRecordID(ctx context.Context) (id.RecordID, error)
	FindByWallet(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error)
	FindByRecordID(ctx context.Context, recordID id.RecordID) (*models.Identity, error)
	Create(ctx context.Context, identity *models.Identity) error
	Update(ctx context.Context, identity *models.Identity) error
	Remove(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error)
}

type Gate interface {
	Require(ctx context.Context, capability accessmodels.Capability, caller id.WalletAddress) error
	RequireNotPaused(ctx context.Context) error
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, surface ratelimitmodels.Surface, key string, amount *decimal.Decimal) error
}

// AuditPublisher emits events and reads an entity's history back.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
	History(ctx context.Context, entityType audit.EntityType, entityID string) ([]audit.Event, error)
}

type Service struct {
	store          Store
	gate           Gate
	limiter        Limiter
	tx             tx.Runner
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func New(store Store, gate Gate, limiter Limiter, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if gate == nil {
		return nil, errors.New("access gate is required")
	}
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}

	svc := &Service{
		store:   store,
		gate:    gate,
		limiter: limiter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.auditPublisher == nil {
		return nil, errors.New("audit publisher is required")
	}
	if svc.tx == nil {
		svc.tx = tx.NewSerial()
	}
	return svc, nil
}

// MintOrUpdate writes score and riskClass for wallet, creating the record on
// first write. The limiter is keyed by wallet; for an existing record the
// amount is the absolute score change. Any failure leaves no trace.
func (s *Service) MintOrUpdate(ctx context.Context, caller id.WalletAddress, wallet id.WalletAddress, score, riskClass int) (*models.Identity, error) {
	var (
		result  *models.Identity
		created bool
		delta   int
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.gate.Require(ctx, accessmodels.CapabilityScoreWriter, caller); err != nil {
			return err
		}
		if err := s.gate.RequireNotPaused(ctx); err != nil {
			return err
		}
		if err := models.ValidateScore(score, riskClass); err != nil {
			return err
		}
		if wallet.IsZero() {
			return dErrors.New(dErrors.CodeValidation, "wallet is required")
		}

		prev, err := s.store.FindByWallet(ctx, wallet)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			prev = nil
		}

		var amount *decimal.Decimal
		if prev.Exists() {
			delta = models.ScoreDelta(prev, score)
			d := decimal.NewFromInt(int64(delta))
			amount = &d
		}
		if err := s.limiter.CheckAndConsume(ctx, ratelimitmodels.SurfaceIdentity, wallet.Key(), amount); err != nil {
			return err
		}

		now := requestcontext.Now(ctx)
		next := &models.Identity{
			Owner:       wallet,
			Score:       score,
			RiskClass:   models.RiskClass(riskClass),
			LastUpdated: now,
		}

		if prev.Exists() {
			next.RecordID = prev.RecordID
			if err := s.store.Update(ctx, next); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update identity")
			}
		} else {
			recordID, err := s.store.NextRecordID(ctx)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to allocate record id")
			}
			next.RecordID = recordID
			if err := s.store.Create(ctx, next); err != nil {
				if errors.Is(err, sentinel.ErrConflict) {
					return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "wallet already holds an identity")
				}
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create identity")
			}
			created = true
			if err := s.emit(ctx, audit.EventIdentityCreated, caller, wallet, nil, map[string]string{
				"record_id": recordID.String(),
				"owner":     wallet.String(),
			}); err != nil {
				return err
			}
		}

		if err := s.emit(ctx, audit.EventIdentityUpdated, caller, wallet, prev.Fields(), next.Fields()); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if created {
			s.metrics.IncrementWrite("created")
		} else {
			s.metrics.ObserveScoreDelta(delta)
		}
		s.metrics.IncrementWrite("updated")
	}
	s.logger.InfoContext(ctx, "identity written",
		"wallet", wallet.String(),
		"record_id", result.RecordID.String(),
		"score", score,
		"risk_class", riskClass,
		"created", created,
	)
	return result, nil
}

// GetScore returns the record for wallet, or a zero record when none exists.
func (s *Service) GetScore(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error) {
	var identity *models.Identity
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		identity, err = s.store.FindByWallet(ctx, wallet)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return &models.Identity{}, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity, nil
}

// Remove clears the wallet binding. The record id is retired and a later
// write for the wallet gets a new one. History is kept.
func (s *Service) Remove(ctx context.Context, caller id.WalletAddress, wallet id.WalletAddress) error {
	var removed *models.Identity
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.gate.Require(ctx, accessmodels.CapabilityAdmin, caller); err != nil {
			return err
		}
		if wallet.IsZero() {
			return dErrors.New(dErrors.CodeValidation, "wallet is required")
		}
		var err error
		removed, err = s.store.Remove(ctx, wallet)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeInvalidState, "wallet has no identity")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to remove identity")
		}
		return s.emit(ctx, audit.EventIdentityRemoved, caller, wallet, removed.Fields(), (*models.Identity)(nil).Fields())
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.IncrementRemoval()
	}
	s.logger.InfoContext(ctx, "identity removed",
		"wallet", wallet.String(),
		"record_id", removed.RecordID.String(),
		"caller", caller.String(),
	)
	return nil
}

// Transfer always fails: records are bound to the wallet they were issued
// to. The attempt is recorded in its own unit so it survives the rejection.
func (s *Service) Transfer(ctx context.Context, caller id.WalletAddress, recordID id.RecordID, to id.WalletAddress) error {
	if recordID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidState, "record does not exist")
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		identity, err := s.store.FindByRecordID(ctx, recordID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeInvalidState, "record does not exist")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
		}
		err = s.auditPublisher.Emit(ctx, audit.Event{
			Action:     string(audit.EventIdentityTransferRejected),
			EntityType: audit.EntityIdentity,
			EntityID:   identity.Owner.Key(),
			ActorID:    caller.String(),
			Before:     map[string]string{"record_id": recordID.String(), "owner": identity.Owner.String()},
			After:      map[string]string{"record_id": recordID.String(), "owner": identity.Owner.String()},
			Reason:     "soulbound record cannot be transferred to " + to.String(),
		})
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record transfer attempt")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.IncrementTransferRejected()
	}
	s.logger.WarnContext(ctx, "soulbound transfer rejected",
		"record_id", recordID.String(),
		"to", to.String(),
		"caller", caller.String(),
	)
	return dErrors.New(dErrors.CodeInvalidState, "identity records are soulbound and cannot be transferred")
}

// OwnerOf returns the wallet bound to recordID.
func (s *Service) OwnerOf(ctx context.Context, recordID id.RecordID) (id.WalletAddress, error) {
	var identity *models.Identity
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		identity, err = s.store.FindByRecordID(ctx, recordID)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return id.WalletAddress{}, dErrors.New(dErrors.CodeNotFound, "record not found")
		}
		return id.WalletAddress{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	return identity.Owner, nil
}

// History returns every committed event for wallet in append order,
// including events from records that were since removed.
func (s *Service) History(ctx context.Context, wallet id.WalletAddress) ([]audit.Event, error) {
	var events []audit.Event
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		events, err = s.auditPublisher.History(ctx, audit.EntityIdentity, wallet.Key())
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity history")
	}
	return events, nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, caller, wallet id.WalletAddress, before, after map[string]string) error {
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:     string(action),
		EntityType: audit.EntityIdentity,
		EntityID:   wallet.Key(),
		ActorID:    caller.String(),
		Before:     before,
		After:      after,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record identity change")
	}
	return nil
}
