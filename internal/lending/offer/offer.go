// Package offer hashes and verifies signed loan offers.
//
// Offers are signed off-ledger over an EIP-712 typed-data digest:
//
//	keccak256(0x19 0x01 ‖ domainSeparator ‖ hashStruct(offer))
//
// so any wallet or library that speaks typed data can produce a signature
// the ledger accepts.
package offer

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

const (
	domainType = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	offerType  = "LoanOffer(address borrower,uint256 amount,uint256 collateralAmount,uint256 interestRateBps,uint256 duration,uint256 nonce,uint256 expiry)"

	// SignatureLength is r ‖ s ‖ v.
	SignatureLength = 65

	DomainName    = "TrustLedger"
	DomainVersion = "1"
)

var (
	domainTypeHash = keccak([]byte(domainType))
	offerTypeHash  = keccak([]byte(offerType))

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// Offer is an off-ledger loan offer. It is never persisted; only its
// (Borrower, Nonce) pair is remembered once consumed.
type Offer struct {
	Borrower         id.WalletAddress
	Amount           decimal.Decimal
	CollateralAmount decimal.Decimal
	InterestRateBps  uint64
	DurationSeconds  uint64
	Nonce            uint64
	// Expiry is a unix timestamp in seconds.
	Expiry uint64
}

// Domain binds signatures to one deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator returns hashStruct(domain).
func (d Domain) Separator() [32]byte {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return keccak(
		domainTypeHash[:],
		hashString(d.Name),
		hashString(d.Version),
		word(chainID),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// Hash returns hashStruct(offer). Amounts must be non-negative integers
// that fit in uint256.
func (o Offer) Hash() ([32]byte, error) {
	amount, err := uint256(o.Amount, "amount")
	if err != nil {
		return [32]byte{}, err
	}
	collateral, err := uint256(o.CollateralAmount, "collateral amount")
	if err != nil {
		return [32]byte{}, err
	}
	return keccak(
		offerTypeHash[:],
		common.LeftPadBytes(common.Address(o.Borrower).Bytes(), 32),
		word(amount),
		word(collateral),
		word(new(big.Int).SetUint64(o.InterestRateBps)),
		word(new(big.Int).SetUint64(o.DurationSeconds)),
		word(new(big.Int).SetUint64(o.Nonce)),
		word(new(big.Int).SetUint64(o.Expiry)),
	), nil
}

// Digest returns the typed-data digest that is signed.
func Digest(domain Domain, o Offer) ([32]byte, error) {
	structHash, err := o.Hash()
	if err != nil {
		return [32]byte{}, err
	}
	sep := domain.Separator()
	return keccak([]byte{0x19, 0x01}, sep[:], structHash[:]), nil
}

// Verifier recovers offer signers for one domain.
type Verifier struct {
	domain Domain
}

func NewVerifier(domain Domain) *Verifier {
	return &Verifier{domain: domain}
}

func (v *Verifier) Domain() Domain {
	return v.domain
}

// Recover returns the address that signed o. Signatures are 65-byte
// r ‖ s ‖ v with v in {0, 1, 27, 28}; high-s signatures are rejected.
func (v *Verifier) Recover(o Offer, signature []byte) (id.WalletAddress, error) {
	if len(signature) != SignatureLength {
		return id.WalletAddress{}, dErrors.New(dErrors.CodeSignature, "signature must be 65 bytes")
	}
	recID := signature[64]
	if recID >= 27 {
		recID -= 27
	}
	if recID > 1 {
		return id.WalletAddress{}, dErrors.New(dErrors.CodeSignature, "invalid signature recovery id")
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])
	if !crypto.ValidateSignatureValues(recID, r, s, true) {
		return id.WalletAddress{}, dErrors.New(dErrors.CodeSignature, "invalid signature values")
	}

	digest, err := Digest(v.domain, o)
	if err != nil {
		return id.WalletAddress{}, err
	}
	sig := make([]byte, SignatureLength)
	copy(sig, signature[:64])
	sig[64] = recID

	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return id.WalletAddress{}, dErrors.Wrap(err, dErrors.CodeSignature, "failed to recover signer")
	}
	return id.WalletAddress(crypto.PubkeyToAddress(*pub)), nil
}

// Sign produces a 65-byte signature with v in {27, 28}, the form wallets
// return from eth_signTypedData.
func Sign(domain Domain, o Offer, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(domain, o)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSignature, "failed to sign offer")
	}
	sig[64] += 27
	return sig, nil
}

func uint256(d decimal.Decimal, name string) (*big.Int, error) {
	if d.IsNegative() {
		return nil, dErrors.New(dErrors.CodeValidation, name+" must not be negative")
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, dErrors.New(dErrors.CodeValidation, name+" must be a whole number of base units")
	}
	v := d.BigInt()
	if v.Cmp(maxUint256) > 0 {
		return nil, dErrors.New(dErrors.CodeValidation, name+" exceeds uint256")
	}
	return v, nil
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func hashString(s string) []byte {
	return crypto.Keccak256([]byte(s))
}

func keccak(parts ...[]byte) [32]byte {
	return crypto.Keccak256Hash(parts...)
}
