package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trustledger/internal/ratelimit/models"
	"trustledger/pkg/platform/sentinel"
	txcontext "trustledger/pkg/platform/tx"
)

// PostgresStore persists circuit breaker configs in circuit_breaker_configs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) dbtx {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, surface models.Surface) (*models.Config, error) {
	var (
		cfg      models.Config
		windowMs int64
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT max_operations_per_window, window_ms, max_amount_per_operation, enabled
		FROM circuit_breaker_configs
		WHERE surface = $1
	`, string(surface)).Scan(&cfg.MaxOperationsPerWindow, &windowMs, &cfg.MaxAmountPerOperation, &cfg.Enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get circuit breaker config: %w", err)
	}
	cfg.WindowDuration = time.Duration(windowMs) * time.Millisecond
	return &cfg, nil
}

func (s *PostgresStore) Put(ctx context.Context, surface models.Surface, cfg *models.Config) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO circuit_breaker_configs (surface, max_operations_per_window, window_ms, max_amount_per_operation, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (surface) DO UPDATE
		SET max_operations_per_window = EXCLUDED.max_operations_per_window,
			window_ms = EXCLUDED.window_ms,
			max_amount_per_operation = EXCLUDED.max_amount_per_operation,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
	`, string(surface), cfg.MaxOperationsPerWindow, cfg.WindowDuration.Milliseconds(), cfg.MaxAmountPerOperation, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("put circuit breaker config: %w", err)
	}
	return nil
}

// Seed inserts defaults for surfaces that have no config yet. Existing
// configs, including ones changed by an administrator, are left alone.
func (s *PostgresStore) Seed(ctx context.Context, defaults map[models.Surface]*models.Config) error {
	for surface, cfg := range defaults {
		if cfg == nil {
			continue
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO circuit_breaker_configs (surface, max_operations_per_window, window_ms, max_amount_per_operation, enabled, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (surface) DO NOTHING
		`, string(surface), cfg.MaxOperationsPerWindow, cfg.WindowDuration.Milliseconds(), cfg.MaxAmountPerOperation, cfg.Enabled)
		if err != nil {
			return fmt.Errorf("seed circuit breaker config %s: %w", surface, err)
		}
	}
	return nil
}
