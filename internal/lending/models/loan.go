package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	id "trustledger/pkg/domain"
)

const (
	SecondsPerYear = 31_536_000
	BpsDenominator = 10_000
)

var interestDivisor = decimal.NewFromInt(BpsDenominator * SecondsPerYear)

// Loan is one accepted offer. Repaid is terminal. Liquidated is reserved:
// no transition sets it.
type Loan struct {
	ID               id.LoanID
	Borrower         id.WalletAddress
	Principal        decimal.Decimal
	CollateralAmount decimal.Decimal
	InterestRateBps  uint64
	StartTime        time.Time
	DurationSeconds  uint64
	Repaid           bool
	Liquidated       bool
}

// IsTerminal reports whether the loan accepts no further transitions.
func (l *Loan) IsTerminal() bool {
	return l.Repaid || l.Liquidated
}

// Owed is principal plus simple interest accrued from StartTime to now,
// rounded down to a whole base unit. Time before StartTime counts as zero.
func (l *Loan) Owed(now time.Time) decimal.Decimal {
	elapsed := int64(now.Sub(l.StartTime) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	accrued := l.Principal.
		Mul(decimal.NewFromInt(int64(l.InterestRateBps))).
		Mul(decimal.NewFromInt(elapsed))
	interest, _ := accrued.QuoRem(interestDivisor, 0)
	return l.Principal.Add(interest)
}

// DueAt is StartTime plus the offered duration. Informational only.
func (l *Loan) DueAt() time.Time {
	return l.StartTime.Add(time.Duration(l.DurationSeconds) * time.Second)
}

func (l *Loan) Fields() map[string]string {
	return map[string]string{
		"borrower":          l.Borrower.String(),
		"principal":         l.Principal.String(),
		"collateral_amount": l.CollateralAmount.String(),
		"interest_rate_bps": strconv.FormatUint(l.InterestRateBps, 10),
		"start_time":        l.StartTime.UTC().Format(time.RFC3339),
		"duration_seconds":  strconv.FormatUint(l.DurationSeconds, 10),
		"repaid":            strconv.FormatBool(l.Repaid),
	}
}

// Repayment is the settlement breakdown of a successful repay.
type Repayment struct {
	LoanID             id.LoanID
	Owed               decimal.Decimal
	Paid               decimal.Decimal
	Refund             decimal.Decimal
	CollateralReturned decimal.Decimal
}
