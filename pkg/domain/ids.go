// Package domain holds the typed identifiers shared across ledger packages.
//
// Wallet addresses, identity record ids and loan ids are distinct types so the
// compiler rejects passing a loan id where a record id is expected.
package domain

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	dErrors "trustledger/pkg/domain-errors"
)

// WalletAddress is a 20-byte account address.
type WalletAddress common.Address

// RecordID identifies a soulbound identity record. Zero means "no identity".
type RecordID uint64

// LoanID identifies a loan. Ids are allocated monotonically starting at 1.
type LoanID uint64

// ParseWalletAddress parses a 0x-prefixed hex address. The zero address is rejected.
func ParseWalletAddress(s string) (WalletAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return WalletAddress{}, dErrors.New(dErrors.CodeInvalidInput, "wallet address is required")
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return WalletAddress{}, dErrors.New(dErrors.CodeInvalidInput, "wallet address must be 0x-prefixed")
	}
	if !common.IsHexAddress(s) {
		return WalletAddress{}, dErrors.New(dErrors.CodeInvalidInput, "invalid wallet address")
	}
	addr := WalletAddress(common.HexToAddress(s))
	if addr.IsZero() {
		return WalletAddress{}, dErrors.New(dErrors.CodeInvalidInput, "wallet address cannot be the zero address")
	}
	return addr, nil
}

// MustWalletAddress parses s and panics on failure. Intended for tests and constants.
func MustWalletAddress(s string) WalletAddress {
	addr, err := ParseWalletAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// IsZero reports whether a is the zero address.
func (a WalletAddress) IsZero() bool {
	return a == WalletAddress{}
}

// String returns the EIP-55 checksummed form.
func (a WalletAddress) String() string {
	return common.Address(a).Hex()
}

// Key returns the lowercase hex form used for map and storage keys.
func (a WalletAddress) Key() string {
	return strings.ToLower(common.Address(a).Hex())
}

func (a WalletAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *WalletAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseWalletAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseRecordID parses a positive decimal record id.
func ParseRecordID(s string) (RecordID, error) {
	v, err := parsePositive(s, "record id")
	return RecordID(v), err
}

func (id RecordID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsNil reports whether id is the "no identity" value.
func (id RecordID) IsNil() bool {
	return id == 0
}

// ParseLoanID parses a positive decimal loan id.
func ParseLoanID(s string) (LoanID, error) {
	v, err := parsePositive(s, "loan id")
	return LoanID(v), err
}

func (id LoanID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func parsePositive(s, name string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, dErrors.New(dErrors.CodeInvalidInput, name+" is required")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "invalid "+name)
	}
	if v == 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, name+" must be positive")
	}
	return v, nil
}
