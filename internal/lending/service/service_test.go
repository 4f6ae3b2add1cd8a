package service

//go:generate mockgen -destination=mocks/mocks.go -package=mocks trustledger/internal/lending/service Settlement,AuditPublisher

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"

	accessmodels "trustledger/internal/access/models"
	accessservice "trustledger/internal/access/service"
	accessstore "trustledger/internal/access/store"
	"trustledger/internal/lending/offer"
	"trustledger/internal/lending/service/mocks"
	"trustledger/internal/lending/settlement"
	"trustledger/internal/lending/store"
	ratelimitmodels "trustledger/internal/ratelimit/models"
	"trustledger/internal/ratelimit/service/limiter"
	configstore "trustledger/internal/ratelimit/store/config"
	"trustledger/internal/ratelimit/store/window"
	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/audit"
	"trustledger/pkg/platform/audit/publisher"
	auditmemory "trustledger/pkg/platform/audit/store/memory"
	"trustledger/pkg/platform/tx"
	"trustledger/pkg/requestcontext"
)

var (
	admin    = id.MustWalletAddress("0x00000000000000000000000000000000000000a1")
	pauser   = id.MustWalletAddress("0x00000000000000000000000000000000000000a2")
	borrower = id.MustWalletAddress("0x00000000000000000000000000000000000000b1")
	stranger = id.MustWalletAddress("0x00000000000000000000000000000000000000b2")

	testDomain = offer.Domain{
		Name:              "TrustLedger",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
)

// fixture wires the ledger on in-memory components shared by both suites.
type fixture struct {
	runner    *tx.Serial
	gate      *accessservice.Gate
	limiter   *limiter.Service
	loans     *store.InMemoryStore
	audits    *auditmemory.InMemoryStore
	publisher *publisher.Publisher
	signerKey *ecdsa.PrivateKey
	t0        time.Time
}

func newFixture(s *suite.Suite) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		runner: tx.NewSerial(),
		loans:  store.NewInMemoryStore(),
		audits: auditmemory.NewInMemoryStore(),
		t0:     time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	f.publisher = publisher.NewPublisher(f.audits)

	gate, err := accessservice.New(accessstore.NewInMemoryStore(),
		accessservice.WithAuditPublisher(f.publisher),
		accessservice.WithTxRunner(f.runner),
		accessservice.WithLogger(logger),
	)
	s.Require().NoError(err)
	f.gate = gate

	key, err := crypto.GenerateKey()
	s.Require().NoError(err)
	f.signerKey = key

	ctx := context.Background()
	s.Require().NoError(gate.Bootstrap(ctx, admin))
	s.Require().NoError(gate.Grant(ctx, admin, accessmodels.CapabilityOfferSigner, id.WalletAddress(crypto.PubkeyToAddress(key.PublicKey))))
	s.Require().NoError(gate.Grant(ctx, admin, accessmodels.CapabilityPauser, pauser))

	configs := configstore.NewInMemoryStore(map[ratelimitmodels.Surface]*ratelimitmodels.Config{
		ratelimitmodels.SurfaceLending: {
			MaxOperationsPerWindow: 10,
			WindowDuration:         time.Hour,
			MaxAmountPerOperation:  decimal.NewFromInt(50_000),
			Enabled:                true,
		},
	})
	lim, err := limiter.New(window.NewInMemoryStore(), configs, gate,
		limiter.WithAuditPublisher(f.publisher),
		limiter.WithTxRunner(f.runner),
		limiter.WithLogger(logger),
	)
	s.Require().NoError(err)
	f.limiter = lim
	return f
}

func (f *fixture) offer(nonce uint64) offer.Offer {
	return offer.Offer{
		Borrower:         borrower,
		Amount:           decimal.NewFromInt(1000),
		CollateralAmount: decimal.NewFromInt(2000),
		InterestRateBps:  500,
		DurationSeconds:  30 * 24 * 3600,
		Nonce:            nonce,
		Expiry:           uint64(f.t0.Add(24 * time.Hour).Unix()),
	}
}

func (f *fixture) sign(s *suite.Suite, o offer.Offer, key *ecdsa.PrivateKey) []byte {
	sig, err := offer.Sign(testDomain, o, key)
	s.Require().NoError(err)
	return sig
}

func (f *fixture) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

// =============================================================================
// Ledger Suite
// =============================================================================
// Runs the full create/repay lifecycle against the in-memory vault so that
// balances, nonces and audit history can be checked together.

type LedgerSuite struct {
	suite.Suite
	f       *fixture
	vault   *settlement.Vault
	service *Service
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.f = newFixture(&s.Suite)
	s.vault = settlement.NewVault(decimal.NewFromInt(100_000))
	s.Require().NoError(s.vault.Deposit(context.Background(), borrower, decimal.NewFromInt(5_000)))

	svc, err := New(s.f.loans, s.vault, s.f.gate, s.f.limiter, offer.NewVerifier(testDomain),
		WithAuditPublisher(s.f.publisher),
		WithTxRunner(s.f.runner),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracer(noop.NewTracerProvider().Tracer("test")),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *LedgerSuite) balance() decimal.Decimal {
	b, err := s.vault.Balance(context.Background(), borrower)
	s.Require().NoError(err)
	return b
}

func (s *LedgerSuite) TestCreateLoanAndReplay() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(7)
	sig := s.f.sign(&s.Suite, o, s.f.signerKey)

	loanID, err := s.service.CreateLoan(ctx, borrower, o, sig, decimal.NewFromInt(2000))
	s.Require().NoError(err)
	s.Equal(id.LoanID(1), loanID)

	ids, err := s.service.GetBorrowerLoans(ctx, borrower)
	s.Require().NoError(err)
	s.Equal([]id.LoanID{loanID}, ids)

	// 5000 - 2000 collateral + 1000 principal
	s.True(s.balance().Equal(decimal.NewFromInt(4_000)))

	_, err = s.service.CreateLoan(ctx, borrower, o, sig, decimal.NewFromInt(2000))
	s.True(dErrors.HasCode(err, dErrors.CodeReplay))

	s.Run("same nonce with other fields still replays", func() {
		other := o
		other.Amount = decimal.NewFromInt(10)
		_, err := s.service.CreateLoan(ctx, borrower, other, s.f.sign(&s.Suite, other, s.f.signerKey), decimal.NewFromInt(2000))
		s.True(dErrors.HasCode(err, dErrors.CodeReplay))
	})

	events, err := s.f.audits.ListByEntity(ctx, audit.EntityLoan, loanID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventLoanCreated), events[0].Action)
	s.Equal("7", events[0].After["nonce"])
}

func (s *LedgerSuite) TestCreateLoanRejections() {
	ctx := s.f.at(s.f.t0)

	cases := []struct {
		name       string
		caller     id.WalletAddress
		mutate     func(o *offer.Offer)
		key        func() *ecdsa.PrivateKey
		collateral int64
		at         time.Time
		code       dErrors.Code
	}{
		{name: "caller is not borrower", caller: stranger, code: dErrors.CodeUnauthorized},
		{name: "expired offer", at: s.f.t0.Add(24 * time.Hour), code: dErrors.CodeReplay},
		{name: "zero amount", mutate: func(o *offer.Offer) { o.Amount = decimal.Zero }, code: dErrors.CodeValidation},
		{name: "zero collateral", mutate: func(o *offer.Offer) { o.CollateralAmount = decimal.Zero }, code: dErrors.CodeValidation},
		{
			name: "unauthorized signer",
			key: func() *ecdsa.PrivateKey {
				k, err := crypto.GenerateKey()
				s.Require().NoError(err)
				return k
			},
			code: dErrors.CodeSignature,
		},
		{name: "collateral below offer", collateral: 1999, code: dErrors.CodeInsufficientFunds},
		{name: "amount above breaker cap", mutate: func(o *offer.Offer) { o.Amount = decimal.NewFromInt(50_001) }, code: dErrors.CodeAmountLimitExceeded},
	}

	for i, tc := range cases {
		s.Run(tc.name, func() {
			o := s.f.offer(uint64(100 + i))
			if tc.mutate != nil {
				tc.mutate(&o)
			}
			key := s.f.signerKey
			if tc.key != nil {
				key = tc.key()
			}
			caller := borrower
			if !tc.caller.IsZero() {
				caller = tc.caller
			}
			collateral := int64(2000)
			if tc.collateral != 0 {
				collateral = tc.collateral
			}
			callCtx := ctx
			if !tc.at.IsZero() {
				callCtx = s.f.at(tc.at)
			}

			_, err := s.service.CreateLoan(callCtx, caller, o, s.f.sign(&s.Suite, o, key), decimal.NewFromInt(collateral))
			s.True(dErrors.HasCode(err, tc.code), "got %v", err)
		})
	}

	ids, err := s.service.GetBorrowerLoans(ctx, borrower)
	s.Require().NoError(err)
	s.Empty(ids)
	s.True(s.balance().Equal(decimal.NewFromInt(5_000)))

	s.Run("malformed signature", func() {
		_, err := s.service.CreateLoan(ctx, borrower, s.f.offer(200), []byte{0x01}, decimal.NewFromInt(2000))
		s.True(dErrors.HasCode(err, dErrors.CodeSignature))
	})

	s.Run("paused ledger", func() {
		s.Require().NoError(s.f.gate.Pause(ctx, pauser))
		o := s.f.offer(201)
		_, err := s.service.CreateLoan(ctx, borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2000))
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		s.Require().NoError(s.f.gate.Unpause(ctx, pauser))
	})

	s.Run("rejected nonce stays usable", func() {
		o := s.f.offer(100 + uint64(len(cases)) - 2)
		_, err := s.service.CreateLoan(ctx, borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2000))
		s.Require().NoError(err)
	})
}

func (s *LedgerSuite) TestExcessCollateralIsRefunded() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(1)
	loanID, err := s.service.CreateLoan(ctx, borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2500))
	s.Require().NoError(err)

	s.True(s.balance().Equal(decimal.NewFromInt(4_000)))
	loan, err := s.service.GetLoan(ctx, loanID)
	s.Require().NoError(err)
	s.True(loan.CollateralAmount.Equal(decimal.NewFromInt(2000)))
}

func (s *LedgerSuite) TestRepayLoan() {
	o := s.f.offer(1)
	loanID, err := s.service.CreateLoan(s.f.at(s.f.t0), borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2000))
	s.Require().NoError(err)

	later := s.f.at(s.f.t0.Add(30 * 24 * time.Hour))
	owed, err := s.service.Owed(later, loanID)
	s.Require().NoError(err)
	s.True(owed.Equal(decimal.NewFromInt(1004)))

	s.Run("only the borrower may repay", func() {
		_, err := s.service.RepayLoan(later, stranger, loanID, decimal.NewFromInt(2000))
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("payment below owed", func() {
		_, err := s.service.RepayLoan(later, borrower, loanID, decimal.NewFromInt(1003))
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds))
	})

	s.Run("unknown loan", func() {
		_, err := s.service.RepayLoan(later, borrower, id.LoanID(99), decimal.NewFromInt(2000))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	repayment, err := s.service.RepayLoan(later, borrower, loanID, decimal.NewFromInt(1100))
	s.Require().NoError(err)
	s.True(repayment.Refund.Equal(decimal.NewFromInt(96)))
	s.True(repayment.CollateralReturned.Equal(decimal.NewFromInt(2000)))

	// 4000 - 1100 + 2000 + 96
	s.True(s.balance().Equal(decimal.NewFromInt(4_996)))

	ids, err := s.service.GetBorrowerLoans(later, borrower)
	s.Require().NoError(err)
	s.Empty(ids)

	_, err = s.service.RepayLoan(later, borrower, loanID, decimal.NewFromInt(1100))
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.True(s.balance().Equal(decimal.NewFromInt(4_996)), "second repay changes nothing")

	events, err := s.f.audits.ListByEntity(later, audit.EntityLoan, loanID.String())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(string(audit.EventLoanRepaid), events[1].Action)
	s.Equal("false", events[1].Before["repaid"])
	s.Equal("true", events[1].After["repaid"])
}

func (s *LedgerSuite) TestRepayWithoutFundsRollsBack() {
	o := s.f.offer(1)
	loanID, err := s.service.CreateLoan(s.f.at(s.f.t0), borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2000))
	s.Require().NoError(err)

	_, err = s.service.RepayLoan(s.f.at(s.f.t0), borrower, loanID, decimal.NewFromInt(10_000))
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds))

	loan, err := s.service.GetLoan(context.Background(), loanID)
	s.Require().NoError(err)
	s.False(loan.Repaid)
}

// amountMatcher compares decimals by value rather than representation.
type amountMatcher struct {
	want decimal.Decimal
}

func amountEq(v int64) gomock.Matcher {
	return amountMatcher{want: decimal.NewFromInt(v)}
}

func (m amountMatcher) Matches(x any) bool {
	d, ok := x.(decimal.Decimal)
	return ok && d.Equal(m.want)
}

func (m amountMatcher) String() string {
	return "amount " + m.want.String()
}

// =============================================================================
// Settlement Ordering Suite
// =============================================================================
// Justification: value transfers must follow every state write, and a failed
// transfer must undo the loan and the nonce. A mock settlement makes the
// order observable.

type SettlementOrderingSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	settlement *mocks.MockSettlement
	f          *fixture
	service    *Service
}

func TestSettlementOrderingSuite(t *testing.T) {
	suite.Run(t, new(SettlementOrderingSuite))
}

func (s *SettlementOrderingSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.settlement = mocks.NewMockSettlement(s.ctrl)
	s.f = newFixture(&s.Suite)

	svc, err := New(s.f.loans, s.settlement, s.f.gate, s.f.limiter, offer.NewVerifier(testDomain),
		WithAuditPublisher(s.f.publisher),
		WithTxRunner(s.f.runner),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *SettlementOrderingSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SettlementOrderingSuite) TestCreateLoanTransfersAfterWrites() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(3)

	loanWritten := func(context.Context, id.WalletAddress, decimal.Decimal) error {
		ids, err := s.f.loans.OpenByBorrower(context.Background(), borrower)
		s.Require().NoError(err)
		s.Len(ids, 1, "loan must exist before value moves")
		return nil
	}
	gomock.InOrder(
		s.settlement.EXPECT().Collect(gomock.Any(), borrower, amountEq(2600)).DoAndReturn(loanWritten),
		s.settlement.EXPECT().Pay(gomock.Any(), borrower, amountEq(1000)).Return(nil),
		s.settlement.EXPECT().Pay(gomock.Any(), borrower, amountEq(600)).Return(nil),
	)

	_, err := s.service.CreateLoan(ctx, borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2600))
	s.Require().NoError(err)
}

func (s *SettlementOrderingSuite) TestFailedDisbursementRollsBack() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(4)
	sig := s.f.sign(&s.Suite, o, s.f.signerKey)

	s.settlement.EXPECT().Collect(gomock.Any(), borrower, gomock.Any()).Return(nil)
	s.settlement.EXPECT().Pay(gomock.Any(), borrower, gomock.Any()).Return(errors.New("transfer reverted"))

	_, err := s.service.CreateLoan(ctx, borrower, o, sig, decimal.NewFromInt(2000))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal), "uncoded transfer failures are internal, got %v", err)

	ids, err := s.f.loans.OpenByBorrower(ctx, borrower)
	s.Require().NoError(err)
	s.Empty(ids)
	used, err := s.f.loans.NonceUsed(ctx, borrower, o.Nonce)
	s.Require().NoError(err)
	s.False(used)
	events, err := s.f.audits.ListRecent(ctx, 10)
	s.Require().NoError(err)
	for _, e := range events {
		s.NotEqual(string(audit.EventLoanCreated), e.Action)
	}

	s.Run("retry with the same nonce succeeds", func() {
		s.settlement.EXPECT().Collect(gomock.Any(), borrower, gomock.Any()).Return(nil)
		s.settlement.EXPECT().Pay(gomock.Any(), borrower, gomock.Any()).Return(nil)
		_, err := s.service.CreateLoan(ctx, borrower, o, sig, decimal.NewFromInt(2000))
		s.Require().NoError(err)
	})
}

func (s *SettlementOrderingSuite) TestSettlementCodesSurvive() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(5)

	s.settlement.EXPECT().Collect(gomock.Any(), borrower, gomock.Any()).
		Return(dErrors.New(dErrors.CodeInsufficientFunds, "insufficient balance"))

	_, err := s.service.CreateLoan(ctx, borrower, o, s.f.sign(&s.Suite, o, s.f.signerKey), decimal.NewFromInt(2000))
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds), "got %v", err)
}

func (s *SettlementOrderingSuite) TestReadersWaitForTheUnitToSettle() {
	ctx := s.f.at(s.f.t0)
	o := s.f.offer(6)
	sig := s.f.sign(&s.Suite, o, s.f.signerKey)
	collecting := make(chan struct{})
	release := make(chan struct{})

	s.settlement.EXPECT().Collect(gomock.Any(), borrower, gomock.Any()).
		DoAndReturn(func(context.Context, id.WalletAddress, decimal.Decimal) error {
			close(collecting)
			<-release
			return errors.New("transfer reverted")
		})

	created := make(chan error, 1)
	go func() {
		_, err := s.service.CreateLoan(ctx, borrower, o, sig, decimal.NewFromInt(2000))
		created <- err
	}()
	<-collecting

	type observed struct {
		open   []id.LoanID
		getErr error
	}
	reads := make(chan observed, 1)
	go func() {
		open, _ := s.service.GetBorrowerLoans(context.Background(), borrower)
		_, getErr := s.service.GetLoan(context.Background(), id.LoanID(1))
		reads <- observed{open: open, getErr: getErr}
	}()

	select {
	case got := <-reads:
		s.FailNow("read completed while the loan was unsettled", "open loans %v", got.open)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	s.Require().Error(<-created)

	got := <-reads
	s.Empty(got.open)
	s.True(dErrors.HasCode(got.getErr, dErrors.CodeNotFound), "got %v", got.getErr)
}
