package models

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"trustledger/internal/lending/offer"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

// OfferPayload is the wire form of a signed offer. Amounts are decimal
// strings of integer base units.
type OfferPayload struct {
	Borrower         string `json:"borrower"`
	Amount           string `json:"amount"`
	CollateralAmount string `json:"collateral_amount"`
	InterestRateBps  uint64 `json:"interest_rate_bps"`
	DurationSeconds  uint64 `json:"duration_seconds"`
	Nonce            uint64 `json:"nonce"`
	Expiry           uint64 `json:"expiry"`
}

// CreateLoanRequest is the body of POST /loans. Collateral is the amount
// the borrower supplies with the call.
type CreateLoanRequest struct {
	Offer      OfferPayload `json:"offer"`
	Signature  string       `json:"signature"`
	Collateral string       `json:"collateral"`
}

func (r *CreateLoanRequest) Normalize() {
	if r == nil {
		return
	}
	r.Offer.Borrower = strings.TrimSpace(r.Offer.Borrower)
	r.Offer.Amount = strings.TrimSpace(r.Offer.Amount)
	r.Offer.CollateralAmount = strings.TrimSpace(r.Offer.CollateralAmount)
	r.Signature = strings.TrimSpace(r.Signature)
	if r.Signature != "" && !strings.HasPrefix(r.Signature, "0x") {
		r.Signature = "0x" + r.Signature
	}
	r.Collateral = strings.TrimSpace(r.Collateral)
}

// Validate checks shape only. Range and business checks run in the service
// in their defined order.
func (r *CreateLoanRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if r.Offer.Borrower == "" {
		return dErrors.New(dErrors.CodeValidation, "offer.borrower is required")
	}
	if _, err := id.ParseWalletAddress(r.Offer.Borrower); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid offer.borrower")
	}
	if _, err := ParseAmount(r.Offer.Amount, "offer.amount"); err != nil {
		return err
	}
	if _, err := ParseAmount(r.Offer.CollateralAmount, "offer.collateral_amount"); err != nil {
		return err
	}
	if _, err := ParseAmount(r.Collateral, "collateral"); err != nil {
		return err
	}
	if r.Signature == "" {
		return dErrors.New(dErrors.CodeValidation, "signature is required")
	}
	if _, err := hexutil.Decode(r.Signature); err != nil {
		return dErrors.New(dErrors.CodeValidation, "signature must be hex encoded")
	}
	return nil
}

// Parsed returns the typed offer, signature and collateral. Call after Validate.
func (r *CreateLoanRequest) Parsed() (offer.Offer, []byte, decimal.Decimal) {
	borrower, _ := id.ParseWalletAddress(r.Offer.Borrower)
	amount, _ := ParseAmount(r.Offer.Amount, "")
	collateralAmount, _ := ParseAmount(r.Offer.CollateralAmount, "")
	collateral, _ := ParseAmount(r.Collateral, "")
	sig, _ := hexutil.Decode(r.Signature)
	return offer.Offer{
		Borrower:         borrower,
		Amount:           amount,
		CollateralAmount: collateralAmount,
		InterestRateBps:  r.Offer.InterestRateBps,
		DurationSeconds:  r.Offer.DurationSeconds,
		Nonce:            r.Offer.Nonce,
		Expiry:           r.Offer.Expiry,
	}, sig, collateral
}

// RepayRequest is the body of POST /loans/{id}/repay.
type RepayRequest struct {
	Payment string `json:"payment"`
}

func (r *RepayRequest) Normalize() {
	if r != nil {
		r.Payment = strings.TrimSpace(r.Payment)
	}
}

func (r *RepayRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	_, err := ParseAmount(r.Payment, "payment")
	return err
}

// ParseAmount parses a non-negative integer amount of base units.
func ParseAmount(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, field+" is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, field+" must be a decimal integer")
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, field+" must be a non-negative whole number")
	}
	return d, nil
}

type CreateLoanResponse struct {
	LoanID id.LoanID `json:"loan_id"`
}

type LoanResponse struct {
	ID               id.LoanID        `json:"id"`
	Borrower         id.WalletAddress `json:"borrower"`
	Principal        string           `json:"principal"`
	CollateralAmount string           `json:"collateral_amount"`
	InterestRateBps  uint64           `json:"interest_rate_bps"`
	StartTime        time.Time        `json:"start_time"`
	DurationSeconds  uint64           `json:"duration_seconds"`
	DueAt            time.Time        `json:"due_at"`
	Repaid           bool             `json:"repaid"`
	Owed             string           `json:"owed"`
}

// ToLoanResponse renders loan with owed evaluated at now. Repaid loans owe nothing.
func ToLoanResponse(loan *Loan, now time.Time) *LoanResponse {
	owed := decimal.Zero
	if !loan.IsTerminal() {
		owed = loan.Owed(now)
	}
	return &LoanResponse{
		ID:               loan.ID,
		Borrower:         loan.Borrower,
		Principal:        loan.Principal.String(),
		CollateralAmount: loan.CollateralAmount.String(),
		InterestRateBps:  loan.InterestRateBps,
		StartTime:        loan.StartTime.UTC(),
		DurationSeconds:  loan.DurationSeconds,
		DueAt:            loan.DueAt().UTC(),
		Repaid:           loan.Repaid,
		Owed:             owed.String(),
	}
}

type RepaymentResponse struct {
	LoanID             id.LoanID `json:"loan_id"`
	Owed               string    `json:"owed"`
	Paid               string    `json:"paid"`
	Refund             string    `json:"refund"`
	CollateralReturned string    `json:"collateral_returned"`
}

func ToRepaymentResponse(r *Repayment) *RepaymentResponse {
	return &RepaymentResponse{
		LoanID:             r.LoanID,
		Owed:               r.Owed.String(),
		Paid:               r.Paid.String(),
		Refund:             r.Refund.String(),
		CollateralReturned: r.CollateralReturned.String(),
	}
}

type BorrowerLoansResponse struct {
	Borrower id.WalletAddress `json:"borrower"`
	LoanIDs  []id.LoanID      `json:"loan_ids"`
}
