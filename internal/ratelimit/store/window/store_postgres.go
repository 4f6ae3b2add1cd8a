package window

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trustledger/internal/ratelimit/models"
	txcontext "trustledger/pkg/platform/tx"
)

// PostgresStore persists window counters in rate_limit_windows. Execute
// locks the row with SELECT ... FOR UPDATE inside the caller's transaction
// when one is present, otherwise inside its own.
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

func (s *PostgresStore) Execute(ctx context.Context, surface models.Surface, key string, fn func(state *models.WindowState) error) error {
	if tx, ok := txcontext.From(ctx); ok {
		return s.execute(ctx, tx, surface, key, fn)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := s.execute(ctx, tx, surface, key, fn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rate limit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) execute(ctx context.Context, q dbtx, surface models.Surface, key string, fn func(state *models.WindowState) error) error {
	key = models.SanitizeKeySegment(key)

	// Seed an expired window so the row exists to lock on first use.
	_, err := q.ExecContext(ctx, `
		INSERT INTO rate_limit_windows (surface, key, window_start, operation_count)
		VALUES ($1, $2, to_timestamp(0), 0)
		ON CONFLICT (surface, key) DO NOTHING
	`, string(surface), key)
	if err != nil {
		return fmt.Errorf("seed rate limit window: %w", err)
	}

	var state models.WindowState
	err = q.QueryRowContext(ctx, `
		SELECT window_start, operation_count
		FROM rate_limit_windows
		WHERE surface = $1 AND key = $2
		FOR UPDATE
	`, string(surface), key).Scan(&state.WindowStart, &state.OperationCount)
	if err != nil {
		return fmt.Errorf("load rate limit window: %w", err)
	}

	if err := fn(&state); err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		UPDATE rate_limit_windows
		SET window_start = $3, operation_count = $4
		WHERE surface = $1 AND key = $2
	`, string(surface), key, state.WindowStart, state.OperationCount)
	if err != nil {
		return fmt.Errorf("save rate limit window: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, surface models.Surface, key string) (*models.WindowState, error) {
	var state models.WindowState
	err := s.db.QueryRowContext(ctx, `
		SELECT window_start, operation_count
		FROM rate_limit_windows
		WHERE surface = $1 AND key = $2
	`, string(surface), models.SanitizeKeySegment(key)).Scan(&state.WindowStart, &state.OperationCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get rate limit window: %w", err)
	}
	return &state, nil
}

func (s *PostgresStore) Reset(ctx context.Context, surface models.Surface, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_windows WHERE surface = $1 AND key = $2
	`, string(surface), models.SanitizeKeySegment(key))
	if err != nil {
		return fmt.Errorf("reset rate limit window: %w", err)
	}
	return nil
}
