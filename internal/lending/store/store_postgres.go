package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"

	"trustledger/internal/lending/models"
	id "trustledger/pkg/domain"
	"trustledger/pkg/platform/sentinel"
	txcontext "trustledger/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore persists loans in loans and consumed nonces in
// used_offer_nonces. Nonces are numeric(20,0) so the full uint64 range fits.
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

func (s *PostgresStore) NonceUsed(ctx context.Context, borrower id.WalletAddress, nonce uint64) (bool, error) {
	var used bool
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM used_offer_nonces WHERE borrower = $1 AND nonce = $2::numeric
		)
	`, borrower.Key(), strconv.FormatUint(nonce, 10)).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("check offer nonce: %w", err)
	}
	return used, nil
}

func (s *PostgresStore) UseNonce(ctx context.Context, borrower id.WalletAddress, nonce uint64) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO used_offer_nonces (borrower, nonce, used_at)
		VALUES ($1, $2::numeric, now())
	`, borrower.Key(), strconv.FormatUint(nonce, 10))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("use offer nonce: %w", sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("use offer nonce: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextLoanID(ctx context.Context) (id.LoanID, error) {
	var next int64
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT nextval('loan_id_seq')`).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocate loan id: %w", err)
	}
	return id.LoanID(next), nil
}

func (s *PostgresStore) Create(ctx context.Context, loan *models.Loan) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO loans (
			id, borrower, principal, collateral_amount, interest_rate_bps,
			start_time, duration_seconds, repaid, liquidated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		int64(loan.ID),
		loan.Borrower.Key(),
		loan.Principal,
		loan.CollateralAmount,
		strconv.FormatUint(loan.InterestRateBps, 10),
		loan.StartTime,
		strconv.FormatUint(loan.DurationSeconds, 10),
		loan.Repaid,
		loan.Liquidated,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create loan: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, loanID id.LoanID) (*models.Loan, error) {
	var (
		loan     models.Loan
		rawID    int64
		borrower string
		bps      string
		duration string
	)
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, borrower, principal, collateral_amount, interest_rate_bps::text,
		       start_time, duration_seconds::text, repaid, liquidated
		FROM loans
		WHERE id = $1
	`, int64(loanID)).Scan(
		&rawID, &borrower, &loan.Principal, &loan.CollateralAmount, &bps,
		&loan.StartTime, &duration, &loan.Repaid, &loan.Liquidated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find loan: %w", err)
	}
	loan.ID = id.LoanID(rawID)
	if loan.Borrower, err = id.ParseWalletAddress(borrower); err != nil {
		return nil, fmt.Errorf("stored borrower %q: %w", borrower, err)
	}
	if loan.InterestRateBps, err = strconv.ParseUint(bps, 10, 64); err != nil {
		return nil, fmt.Errorf("stored interest rate: %w", err)
	}
	if loan.DurationSeconds, err = strconv.ParseUint(duration, 10, 64); err != nil {
		return nil, fmt.Errorf("stored duration: %w", err)
	}
	loan.StartTime = loan.StartTime.UTC()
	return &loan, nil
}

func (s *PostgresStore) MarkRepaid(ctx context.Context, loanID id.LoanID) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE loans SET repaid = true
		WHERE id = $1 AND NOT repaid AND NOT liquidated
	`, int64(loanID))
	if err != nil {
		return fmt.Errorf("mark loan repaid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark loan repaid: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Find(ctx, loanID); err != nil {
		return err
	}
	return sentinel.ErrInvalidState
}

func (s *PostgresStore) OpenByBorrower(ctx context.Context, borrower id.WalletAddress) ([]id.LoanID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id FROM loans
		WHERE borrower = $1 AND NOT repaid AND NOT liquidated
		ORDER BY id ASC
	`, borrower.Key())
	if err != nil {
		return nil, fmt.Errorf("list borrower loans: %w", err)
	}
	defer rows.Close()

	var ids []id.LoanID
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan loan id: %w", err)
		}
		ids = append(ids, id.LoanID(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loan ids: %w", err)
	}
	return ids, nil
}
