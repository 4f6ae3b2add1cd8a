// Package limiter implements the per-key rate-and-amount circuit breaker that
// guards every state-mutating ledger entry point.
package limiter

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	accessmodels "trustledger/internal/access/models"
	"trustledger/internal/ratelimit/metrics"
	"trustledger/internal/ratelimit/models"
	"trustledger/internal/ratelimit/ports"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
	"trustledger/pkg/requestcontext"
)

type (
	WindowStore    = ports.WindowStore
	ConfigStore    = ports.ConfigStore
	AuditPublisher = ports.AuditPublisher
	Authorizer     = ports.Authorizer
)

type Service struct {
	windows        WindowStore
	configs        ConfigStore
	gate           Authorizer
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

// WithTxRunner sets the unit-of-work runner. Standalone calls run in their
// own unit; calls made inside another unit join it.
func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func New(windows WindowStore, configs ConfigStore, gate Authorizer, opts ...Option) (*Service, error) {
	if windows == nil {
		return nil, errors.New("window store is required")
	}
	if configs == nil {
		return nil, errors.New("config store is required")
	}
	if gate == nil {
		return nil, errors.New("authorizer is required")
	}

	svc := &Service{
		windows: windows,
		configs: configs,
		gate:    gate,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.tx == nil {
		svc.tx = tx.NewSerial()
	}
	if svc.auditPublisher == nil {
		return nil, errors.New("audit publisher is required")
	}
	return svc, nil
}

// CheckAndConsume applies one operation for key on surface. A nil amount
// skips the per-operation cap. Every allowed call uses one slot, so callers
// must run it only after their own precondition checks have passed.
func (s *Service) CheckAndConsume(ctx context.Context, surface models.Surface, key string, amount *decimal.Decimal) error {
	cfg, err := s.GetConfig(ctx, surface)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		s.incrementBypassed(surface)
		return nil
	}

	now := requestcontext.Now(ctx)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		return s.windows.Execute(ctx, surface, key, func(state *models.WindowState) error {
			return state.Consume(cfg, now, amount)
		})
	})
	switch {
	case err == nil:
		s.incrementCheck(surface, "allowed")
		return nil
	case dErrors.HasCode(err, dErrors.CodeRateLimitExceeded):
		s.incrementCheck(surface, "rate_limited")
		ports.LogAudit(ctx, s.logger, "rate_limit_exceeded",
			"surface", surface,
			"key", key,
			"limit", cfg.MaxOperationsPerWindow,
			"window", cfg.WindowDuration.String(),
		)
		return err
	case dErrors.HasCode(err, dErrors.CodeAmountLimitExceeded):
		s.incrementCheck(surface, "amount_limited")
		ports.LogAudit(ctx, s.logger, "amount_limit_exceeded",
			"surface", surface,
			"key", key,
			"amount", amount.String(),
			"max_amount", cfg.MaxAmountPerOperation.String(),
		)
		return err
	case dErrors.HasCode(err, dErrors.CodeTimeout):
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume rate limit slot")
	}
}

// SetConfig replaces the config for surface. The caller must hold
// circuit_breaker_admin. Disabling the breaker is audited as its own action.
func (s *Service) SetConfig(ctx context.Context, caller id.WalletAddress, surface models.Surface, cfg *models.Config) error {
	if !surface.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid surface")
	}
	if cfg == nil {
		return dErrors.New(dErrors.CodeValidation, "config is required")
	}
	if _, err := models.NewConfig(cfg.MaxOperationsPerWindow, cfg.WindowDuration, cfg.MaxAmountPerOperation, cfg.Enabled); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid circuit breaker config")
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.gate.Require(ctx, accessmodels.CapabilityCircuitBreakerAdmin, caller); err != nil {
			return err
		}

		prev, err := s.configs.Get(ctx, surface)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load circuit breaker config")
		}
		if err := s.configs.Put(ctx, surface, cfg); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save circuit breaker config")
		}

		action := audit.EventCircuitBreakerConfigured
		if !cfg.Enabled {
			action = audit.EventCircuitBreakerDisabled
		}
		if err := s.auditPublisher.Emit(ctx, audit.Event{
			Action:     string(action),
			EntityType: audit.EntityCircuitBreaker,
			EntityID:   string(surface),
			ActorID:    caller.String(),
			Before:     prev.Fields(),
			After:      cfg.Fields(),
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record circuit breaker change")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordConfigChange(string(surface), cfg.Enabled)
	}
	s.logger.InfoContext(ctx, "circuit breaker configured",
		"surface", surface,
		"enabled", cfg.Enabled,
		"max_operations_per_window", cfg.MaxOperationsPerWindow,
		"window", cfg.WindowDuration.String(),
		"caller", caller.String(),
	)
	return nil
}

// GetConfig returns the config for surface. A surface without a config
// fails closed.
func (s *Service) GetConfig(ctx context.Context, surface models.Surface) (*models.Config, error) {
	if !surface.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid surface")
	}
	var cfg *models.Config
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		cfg, err = s.configs.Get(ctx, surface)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			ports.LogAudit(ctx, s.logger, "rate_limit_config_missing", "surface", surface)
			return nil, dErrors.New(dErrors.CodeInvalidState, "circuit breaker not configured for surface")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load circuit breaker config")
	}
	return cfg, nil
}

// State returns the stored window for key. Read-only.
func (s *Service) State(ctx context.Context, surface models.Surface, key string) (*models.WindowState, error) {
	if !surface.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid surface")
	}
	var state *models.WindowState
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		state, err = s.windows.Get(ctx, surface, key)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load rate limit window")
	}
	return state, nil
}

func (s *Service) incrementCheck(surface models.Surface, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementCheck(string(surface), outcome)
	}
}

func (s *Service) incrementBypassed(surface models.Surface) {
	if s.metrics != nil {
		s.metrics.IncrementBypassed(string(surface))
	}
}
