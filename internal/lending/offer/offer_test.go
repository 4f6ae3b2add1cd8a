package offer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

var testDomain = Domain{
	Name:              "TrustLedger",
	Version:           "1",
	ChainID:           big.NewInt(31337),
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

func testOffer() Offer {
	return Offer{
		Borrower:         id.MustWalletAddress("0x00000000000000000000000000000000000000b1"),
		Amount:           decimal.NewFromInt(1000),
		CollateralAmount: decimal.NewFromInt(2000),
		InterestRateBps:  500,
		DurationSeconds:  30 * 24 * 3600,
		Nonce:            7,
		Expiry:           1_900_000_000,
	}
}

func TestTypeHashesMatchGoEthereum(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte(offerType)), common.Hash(offerTypeHash))
	assert.Equal(t, crypto.Keccak256Hash([]byte(domainType)), common.Hash(domainTypeHash))
}

// The digest must match what a typed-data wallet signs.
func TestDigestMatchesTypedData(t *testing.T) {
	o := testOffer()
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"LoanOffer": {
				{Name: "borrower", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "collateralAmount", Type: "uint256"},
				{Name: "interestRateBps", Type: "uint256"},
				{Name: "duration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "expiry", Type: "uint256"},
			},
		},
		PrimaryType: "LoanOffer",
		Domain: apitypes.TypedDataDomain{
			Name:              testDomain.Name,
			Version:           testDomain.Version,
			ChainId:           (*math.HexOrDecimal256)(testDomain.ChainID),
			VerifyingContract: testDomain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"borrower":         o.Borrower.String(),
			"amount":           "1000",
			"collateralAmount": "2000",
			"interestRateBps":  "500",
			"duration":         "2592000",
			"nonce":            "7",
			"expiry":           "1900000000",
		},
	}
	want, _, err := apitypes.TypedDataAndHash(typed)
	require.NoError(t, err)

	got, err := Digest(testDomain, o)
	require.NoError(t, err)
	assert.Equal(t, want, got[:])
}

func TestRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := id.WalletAddress(crypto.PubkeyToAddress(key.PublicKey))
	verifier := NewVerifier(testDomain)
	o := testOffer()

	sig, err := Sign(testDomain, o, key)
	require.NoError(t, err)

	t.Run("recovers the signer", func(t *testing.T) {
		got, err := verifier.Recover(o, sig)
		require.NoError(t, err)
		assert.Equal(t, signer, got)
	})

	t.Run("accepts v in 0/1 form", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] -= 27
		got, err := verifier.Recover(o, raw)
		require.NoError(t, err)
		assert.Equal(t, signer, got)
	})

	t.Run("tampered offer recovers someone else", func(t *testing.T) {
		tampered := o
		tampered.Amount = decimal.NewFromInt(1_000_000)
		got, err := verifier.Recover(tampered, sig)
		if err == nil {
			assert.NotEqual(t, signer, got)
		}
	})

	t.Run("other domain recovers someone else", func(t *testing.T) {
		other := testDomain
		other.ChainID = big.NewInt(1)
		got, err := NewVerifier(other).Recover(o, sig)
		if err == nil {
			assert.NotEqual(t, signer, got)
		}
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := verifier.Recover(o, sig[:64])
		assert.True(t, dErrors.HasCode(err, dErrors.CodeSignature))
	})

	t.Run("bad recovery id", func(t *testing.T) {
		raw := append([]byte(nil), sig...)
		raw[64] = 29
		_, err := verifier.Recover(o, raw)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeSignature))
	})

	t.Run("zero r and s", func(t *testing.T) {
		raw := make([]byte, SignatureLength)
		raw[64] = 27
		_, err := verifier.Recover(o, raw)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeSignature))
	})
}

func TestHashRejectsNonIntegerAmounts(t *testing.T) {
	o := testOffer()
	o.Amount = decimal.RequireFromString("10.5")
	_, err := o.Hash()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	o = testOffer()
	o.CollateralAmount = decimal.NewFromInt(-1)
	_, err = o.Hash()
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}
