package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (optionally wrapped)
// and services translate them into coded domain errors:
//   - ErrNotFound: no record for the key (identity binding, loan id, grant)
//   - ErrConflict: a unique binding already exists (wallet already has a record)
//   - ErrAlreadyUsed: a one-time token was consumed (loan offer nonce)
//   - ErrInvalidState: the record cannot accept the write (owner mismatch)
//   - ErrUnavailable: a backing service is unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
