package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/tx"
)

var borrower = id.MustWalletAddress("0x00000000000000000000000000000000000000b1")

type VaultSuite struct {
	suite.Suite
	vault *Vault
	ctx   context.Context
}

func TestVaultSuite(t *testing.T) {
	suite.Run(t, new(VaultSuite))
}

func (s *VaultSuite) SetupTest() {
	s.ctx = context.Background()
	s.vault = NewVault(decimal.NewFromInt(10_000))
	s.Require().NoError(s.vault.Deposit(s.ctx, borrower, decimal.NewFromInt(500)))
}

func (s *VaultSuite) balance() decimal.Decimal {
	b, err := s.vault.Balance(s.ctx, borrower)
	s.Require().NoError(err)
	return b
}

func (s *VaultSuite) pool() decimal.Decimal {
	p, err := s.vault.Pool(s.ctx)
	s.Require().NoError(err)
	return p
}

func (s *VaultSuite) TestCollectAndPay() {
	s.Require().NoError(s.vault.Collect(s.ctx, borrower, decimal.NewFromInt(200)))
	s.True(s.balance().Equal(decimal.NewFromInt(300)))
	s.True(s.pool().Equal(decimal.NewFromInt(10_200)))

	s.Require().NoError(s.vault.Pay(s.ctx, borrower, decimal.NewFromInt(1000)))
	s.True(s.balance().Equal(decimal.NewFromInt(1300)))
	s.True(s.pool().Equal(decimal.NewFromInt(9_200)))
}

func (s *VaultSuite) TestInsufficientFunds() {
	s.Run("wallet", func() {
		err := s.vault.Collect(s.ctx, borrower, decimal.NewFromInt(501))
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds))
	})
	s.Run("pool", func() {
		err := s.vault.Pay(s.ctx, borrower, decimal.NewFromInt(10_001))
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds))
	})
	s.True(s.balance().Equal(decimal.NewFromInt(500)))
}

func (s *VaultSuite) TestRollbackUndoesTransfers() {
	err := tx.NewSerial().RunInTx(s.ctx, func(ctx context.Context) error {
		s.Require().NoError(s.vault.Collect(ctx, borrower, decimal.NewFromInt(100)))
		s.Require().NoError(s.vault.Pay(ctx, borrower, decimal.NewFromInt(700)))
		return errors.New("abort")
	})
	s.Require().Error(err)
	s.True(s.balance().Equal(decimal.NewFromInt(500)))
	s.True(s.pool().Equal(decimal.NewFromInt(10_000)))
}
