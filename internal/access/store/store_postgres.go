package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"trustledger/internal/access/models"
	id "trustledger/pkg/domain"
	txcontext "trustledger/pkg/platform/tx"
)

// PostgresStore persists grants in capability_grants and the pause switch in
// the single-row ledger_state table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) dbtx {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Has(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM capability_grants WHERE capability = $1 AND holder = $2
		)
	`, string(capability), holder.Key()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check capability grant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Add(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO capability_grants (capability, holder, granted_at)
		VALUES ($1, $2, now())
		ON CONFLICT (capability, holder) DO NOTHING
	`, string(capability), holder.Key())
	if err != nil {
		return false, fmt.Errorf("add capability grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add capability grant: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Remove(ctx context.Context, capability models.Capability, holder id.WalletAddress) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		DELETE FROM capability_grants WHERE capability = $1 AND holder = $2
	`, string(capability), holder.Key())
	if err != nil {
		return false, fmt.Errorf("remove capability grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove capability grant: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Holders(ctx context.Context, capability models.Capability) ([]id.WalletAddress, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT holder FROM capability_grants
		WHERE capability = $1
		ORDER BY holder ASC
	`, string(capability))
	if err != nil {
		return nil, fmt.Errorf("list capability holders: %w", err)
	}
	defer rows.Close()

	var holders []id.WalletAddress
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan capability holder: %w", err)
		}
		holder, err := id.ParseWalletAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("parse capability holder %q: %w", raw, err)
		}
		holders = append(holders, holder)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capability holders: %w", err)
	}
	return holders, nil
}

func (s *PostgresStore) CapabilitiesOf(ctx context.Context, holder id.WalletAddress) ([]models.Capability, error) {
	var raw pq.StringArray
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(capability ORDER BY capability), '{}')
		FROM capability_grants
		WHERE holder = $1
	`, holder.Key()).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	caps := make([]models.Capability, 0, len(raw))
	for _, c := range raw {
		caps = append(caps, models.Capability(c))
	}
	return caps, nil
}

func (s *PostgresStore) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := s.q(ctx).QueryRowContext(ctx, `SELECT paused FROM ledger_state WHERE id = 1`).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("read pause switch: %w", err)
	}
	return paused, nil
}

func (s *PostgresStore) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE ledger_state SET paused = $1 WHERE id = 1`, paused)
	if err != nil {
		return fmt.Errorf("set pause switch: %w", err)
	}
	return nil
}
