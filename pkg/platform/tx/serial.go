package tx

import (
	"context"
	"sync"
	"time"

	dErrors "trustledger/pkg/domain-errors"
)

// defaultUnitTimeout is the maximum duration for a unit of work.
const defaultUnitTimeout = 5 * time.Second

// Serial is the in-memory Runner: one lock serialises every unit, and
// failed units are undone through the journal. Memory stores apply writes
// in place, so readers share the lock and wait for an open unit to finish.
type Serial struct {
	mu      sync.RWMutex
	timeout time.Duration
}

// SerialOption configures a Serial runner.
type SerialOption func(*Serial)

// WithTimeout overrides the default unit timeout.
func WithTimeout(d time.Duration) SerialOption {
	return func(s *Serial) {
		s.timeout = d
	}
}

func NewSerial(opts ...SerialOption) *Serial {
	s := &Serial{timeout: defaultUnitTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx runs fn while holding the ledger lock. Nested calls join the outer unit.
func (s *Serial) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	ctx, j := withJournal(ctx)
	committed := false
	defer func() {
		if !committed {
			j.rollback()
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Read runs fn under the shared lock. Inside a unit it joins the unit, which
// already holds the lock exclusively.
func (s *Serial) Read(ctx context.Context, fn func(ctx context.Context) error) error {
	if InUnit(ctx) {
		return fn(ctx)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx)
}
