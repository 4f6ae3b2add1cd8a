// Package service implements the loan ledger: signed offer acceptance with
// nonce replay protection, and repayment with linear interest.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	accessmodels "trustledger/internal/access/models"
	"trustledger/internal/lending/metrics"
	"trustledger/internal/lending/models"
	"trustledger/internal/lending/offer"
	ratelimitmodels "trustledger/internal/ratelimit/models"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/sentinel"
	"trustledger/pkg/platform/tx"
	"trustledger/pkg/requestcontext"
)

const tracerName = "trustledger/internal/lending"

type Store interface {
	NonceUsed(ctx context.Context, borrower id.WalletAddress, nonce uint64) (bool, error)
	UseNonce(ctx context.Context, borrower id.WalletAddress, nonce uint64) error
	NextLoanID(ctx context.Context) (id.LoanID, error)
	Create(ctx context.Context, loan *models.Loan) error
	Find(ctx context.Context, loanID id.LoanID) (*models.Loan, error)
	MarkRepaid(ctx context.Context, loanID id.LoanID) error
	OpenByBorrower(ctx context.Context, borrower id.WalletAddress) ([]id.LoanID, error)
}

// Settlement moves value. Implementations join the caller's unit of work and
// must not call back into the ledger.
type Settlement interface {
	Collect(ctx context.Context, from id.WalletAddress, amount decimal.Decimal) error
	Pay(ctx context.Context, to id.WalletAddress, amount decimal.Decimal) error
}

type Gate interface {
	Has(ctx context.Context, capability accessmodels.Capability, holder id.WalletAddress) (bool, error)
	RequireNotPaused(ctx context.Context) error
}

type Limiter interface {
	CheckAndConsume(ctx context.Context, surface ratelimitmodels.Surface, key string, amount *decimal.Decimal) error
}

type SignerRecoverer interface {
	Recover(o offer.Offer, signature []byte) (id.WalletAddress, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	store          Store
	settlement     Settlement
	gate           Gate
	limiter        Limiter
	verifier       SignerRecoverer
	tx             tx.Runner
	auditPublisher AuditPublisher
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
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

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

func New(store Store, settlement Settlement, gate Gate, limiter Limiter, verifier SignerRecoverer, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("loan store is required")
	}
	if settlement == nil {
		return nil, errors.New("settlement is required")
	}
	if gate == nil {
		return nil, errors.New("access gate is required")
	}
	if limiter == nil {
		return nil, errors.New("limiter is required")
	}
	if verifier == nil {
		return nil, errors.New("offer verifier is required")
	}

	svc := &Service{
		store:      store,
		settlement: settlement,
		gate:       gate,
		limiter:    limiter,
		verifier:   verifier,
		logger:     slog.Default(),
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
	if svc.tracer == nil {
		svc.tracer = otel.Tracer(tracerName)
	}
	return svc, nil
}

// CreateLoan accepts a signed offer. collateral is what the borrower
// supplies with the call; anything above the offered collateral is refunded.
// All state is written before any value moves.
func (s *Service) CreateLoan(ctx context.Context, caller id.WalletAddress, o offer.Offer, signature []byte, collateral decimal.Decimal) (loanID id.LoanID, err error) {
	ctx, span := s.tracer.Start(ctx, "lending.CreateLoan", trace.WithAttributes(
		attribute.String("borrower", o.Borrower.String()),
		attribute.Int64("nonce", int64(o.Nonce)),
	))
	start := time.Now()
	defer func() { s.finish(span, "create_loan", start, err) }()

	var loan *models.Loan
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if caller.IsZero() || caller != o.Borrower {
			return dErrors.New(dErrors.CodeUnauthorized, "caller is not the offer borrower")
		}
		if err := s.gate.RequireNotPaused(ctx); err != nil {
			return err
		}

		now := requestcontext.Now(ctx)
		if now.Unix() < 0 || uint64(now.Unix()) >= o.Expiry {
			return dErrors.New(dErrors.CodeReplay, "offer expired")
		}
		used, err := s.store.NonceUsed(ctx, o.Borrower, o.Nonce)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check offer nonce")
		}
		if used {
			return dErrors.New(dErrors.CodeReplay, "nonce reused")
		}
		if !o.Amount.IsPositive() || !o.CollateralAmount.IsPositive() {
			return dErrors.New(dErrors.CodeValidation, "offer amount and collateral must be positive")
		}

		signer, err := s.verifier.Recover(o, signature)
		if err != nil {
			return err
		}
		authorized, err := s.gate.Has(ctx, accessmodels.CapabilityOfferSigner, signer)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to check offer signer")
		}
		if !authorized {
			return dErrors.New(dErrors.CodeSignature, "offer is not signed by an authorized offer signer")
		}

		if collateral.LessThan(o.CollateralAmount) {
			return dErrors.New(dErrors.CodeInsufficientFunds, "supplied collateral is below the offered collateral")
		}
		amount := o.Amount
		if err := s.limiter.CheckAndConsume(ctx, ratelimitmodels.SurfaceLending, o.Borrower.Key(), &amount); err != nil {
			return err
		}

		if err := s.store.UseNonce(ctx, o.Borrower, o.Nonce); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.Wrap(err, dErrors.CodeReplay, "nonce reused")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume offer nonce")
		}
		newID, err := s.store.NextLoanID(ctx)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to allocate loan id")
		}
		loan = &models.Loan{
			ID:               newID,
			Borrower:         o.Borrower,
			Principal:        o.Amount,
			CollateralAmount: o.CollateralAmount,
			InterestRateBps:  o.InterestRateBps,
			StartTime:        now,
			DurationSeconds:  o.DurationSeconds,
		}
		if err := s.store.Create(ctx, loan); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record loan")
		}
		after := loan.Fields()
		after["nonce"] = strconv.FormatUint(o.Nonce, 10)
		after["signer"] = signer.String()
		if err := s.emit(ctx, audit.EventLoanCreated, caller, newID, nil, after); err != nil {
			return err
		}

		// Value moves last.
		if err := s.settlement.Collect(ctx, o.Borrower, collateral); err != nil {
			return settlementError(err)
		}
		if err := s.settlement.Pay(ctx, o.Borrower, o.Amount); err != nil {
			return settlementError(err)
		}
		if excess := collateral.Sub(o.CollateralAmount); excess.IsPositive() {
			if err := s.settlement.Pay(ctx, o.Borrower, excess); err != nil {
				return settlementError(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.String("loan_id", loan.ID.String()))
	if s.metrics != nil {
		s.metrics.RecordLoanCreated(loan.Principal.InexactFloat64())
	}
	s.logger.InfoContext(ctx, "loan created",
		"loan_id", loan.ID.String(),
		"borrower", loan.Borrower.String(),
		"principal", loan.Principal.String(),
		"collateral", loan.CollateralAmount.String(),
		"interest_rate_bps", loan.InterestRateBps,
	)
	return loan.ID, nil
}

// RepayLoan closes a loan. payment must cover Owed at the current time;
// the excess is refunded and the collateral returned after the loan is
// marked repaid.
func (s *Service) RepayLoan(ctx context.Context, caller id.WalletAddress, loanID id.LoanID, payment decimal.Decimal) (repayment *models.Repayment, err error) {
	ctx, span := s.tracer.Start(ctx, "lending.RepayLoan", trace.WithAttributes(
		attribute.String("loan_id", loanID.String()),
	))
	start := time.Now()
	defer func() { s.finish(span, "repay_loan", start, err) }()

	var interest decimal.Decimal
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		loan, err := s.store.Find(ctx, loanID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeInvalidState, "loan does not exist")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load loan")
		}
		if caller.IsZero() || caller != loan.Borrower {
			return dErrors.New(dErrors.CodeUnauthorized, "caller is not the loan borrower")
		}
		if loan.IsTerminal() {
			return dErrors.New(dErrors.CodeInvalidState, "loan is already repaid")
		}
		if payment.IsNegative() {
			return dErrors.New(dErrors.CodeValidation, "payment must not be negative")
		}
		owed := loan.Owed(requestcontext.Now(ctx))
		if payment.LessThan(owed) {
			return dErrors.New(dErrors.CodeInsufficientFunds, "payment is below the amount owed")
		}
		interest = owed.Sub(loan.Principal)

		if err := s.store.MarkRepaid(ctx, loanID); err != nil {
			if errors.Is(err, sentinel.ErrInvalidState) {
				return dErrors.Wrap(err, dErrors.CodeInvalidState, "loan is already repaid")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to close loan")
		}
		before := loan.Fields()
		loan.Repaid = true
		after := loan.Fields()
		after["owed"] = owed.String()
		after["paid"] = payment.String()
		if err := s.emit(ctx, audit.EventLoanRepaid, caller, loanID, before, after); err != nil {
			return err
		}

		repayment = &models.Repayment{
			LoanID:             loanID,
			Owed:               owed,
			Paid:               payment,
			Refund:             payment.Sub(owed),
			CollateralReturned: loan.CollateralAmount,
		}

		// Value moves last.
		if err := s.settlement.Collect(ctx, loan.Borrower, payment); err != nil {
			return settlementError(err)
		}
		if err := s.settlement.Pay(ctx, loan.Borrower, loan.CollateralAmount); err != nil {
			return settlementError(err)
		}
		if repayment.Refund.IsPositive() {
			if err := s.settlement.Pay(ctx, loan.Borrower, repayment.Refund); err != nil {
				return settlementError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordLoanRepaid(interest.InexactFloat64())
	}
	s.logger.InfoContext(ctx, "loan repaid",
		"loan_id", loanID.String(),
		"owed", repayment.Owed.String(),
		"refund", repayment.Refund.String(),
	)
	return repayment, nil
}

// GetLoan returns a loan by id.
func (s *Service) GetLoan(ctx context.Context, loanID id.LoanID) (*models.Loan, error) {
	var loan *models.Loan
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		loan, err = s.store.Find(ctx, loanID)
		return err
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "loan not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load loan")
	}
	return loan, nil
}

// Owed returns principal plus interest accrued to now.
func (s *Service) Owed(ctx context.Context, loanID id.LoanID) (decimal.Decimal, error) {
	loan, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return loan.Owed(requestcontext.Now(ctx)), nil
}

// GetBorrowerLoans returns the borrower's open loan ids in ascending order.
func (s *Service) GetBorrowerLoans(ctx context.Context, borrower id.WalletAddress) ([]id.LoanID, error) {
	var ids []id.LoanID
	err := s.tx.Read(ctx, func(ctx context.Context) error {
		var err error
		ids, err = s.store.OpenByBorrower(ctx, borrower)
		return err
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list borrower loans")
	}
	return ids, nil
}

// settlementError keeps the code of a domain failure such as insufficient
// funds and marks anything else internal.
func settlementError(err error) error {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "settlement failed")
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, caller id.WalletAddress, loanID id.LoanID, before, after map[string]string) error {
	err := s.auditPublisher.Emit(ctx, audit.Event{
		Action:     string(action),
		EntityType: audit.EntityLoan,
		EntityID:   loanID.String(),
		ActorID:    caller.String(),
		Before:     before,
		After:      after,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record loan change")
	}
	return nil
}

func (s *Service) finish(span trace.Span, operation string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
		if s.metrics != nil {
			s.metrics.IncrementRejection(operation, string(dErrors.CodeOf(err)))
		}
	}
	if s.metrics != nil {
		s.metrics.ObserveDuration(operation, time.Since(start).Seconds())
	}
	span.End()
}
