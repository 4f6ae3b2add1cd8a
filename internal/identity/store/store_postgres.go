package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"trustledger/internal/identity/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
	txcontext "trustledger/pkg/platform/tx"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore persists records in identities. Record ids come from
// identity_record_id_seq; sequences never hand out a value twice, so removed
// and rolled-back ids are never reused.
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

func (s *PostgresStore) NextRecordID(ctx context.Context) (id.RecordID, error) {
	var next int64
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT nextval('identity_record_id_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocate record id: %w", err)
	}
	return id.RecordID(next), nil
}

func (s *PostgresStore) FindByWallet(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT record_id, owner, score, risk_class, last_updated
		FROM identities
		WHERE owner = $1
	`, wallet.Key())
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("find identity by wallet: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) FindByRecordID(ctx context.Context, recordID id.RecordID) (*models.Identity, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT record_id, owner, score, risk_class, last_updated
		FROM identities
		WHERE record_id = $1
	`, int64(recordID))
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("find identity by record id: %w", err)
	}
	return identity, nil
}

func (s *PostgresStore) Create(ctx context.Context, identity *models.Identity) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO identities (record_id, owner, score, risk_class, last_updated)
		VALUES ($1, $2, $3, $4, $5)
	`, int64(identity.RecordID), identity.Owner.Key(), identity.Score, int(identity.RiskClass), identity.LastUpdated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create identity: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, identity *models.Identity) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE identities
		SET score = $3, risk_class = $4, last_updated = $5
		WHERE owner = $1 AND record_id = $2
	`, identity.Owner.Key(), int64(identity.RecordID), identity.Score, int(identity.RiskClass), identity.LastUpdated)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update identity: %w", sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Remove(ctx context.Context, wallet id.WalletAddress) (*models.Identity, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		DELETE FROM identities
		WHERE owner = $1
		RETURNING record_id, owner, score, risk_class, last_updated
	`, wallet.Key())
	identity, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("remove identity: %w", err)
	}
	return identity, nil
}

func scanIdentity(row *sql.Row) (*models.Identity, error) {
	var (
		recordID  int64
		owner     string
		score     int
		riskClass int
		identity  models.Identity
	)
	if err := row.Scan(&recordID, &owner, &score, &riskClass, &identity.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, err
	}
	wallet, err := id.ParseWalletAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("stored owner %q: %w", owner, err)
	}
	identity.Owner = wallet
	identity.RecordID = id.RecordID(recordID)
	identity.Score = score
	identity.RiskClass = models.RiskClass(riskClass)
	identity.LastUpdated = identity.LastUpdated.UTC()
	return &identity, nil
}
