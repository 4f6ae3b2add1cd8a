package models

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	dErrors "trustledger/pkg/domain-errors"
)

// Surface names a protected entry point family. Each surface has its own
// circuit breaker configuration and its own per-key windows.
type Surface string

const (
	SurfaceIdentity Surface = "identity"
	SurfaceLending  Surface = "lending"
)

// Surfaces lists every protected surface.
var Surfaces = []Surface{SurfaceIdentity, SurfaceLending}

// IsValid checks if the surface is one of the supported values.
func (s Surface) IsValid() bool {
	switch s {
	case SurfaceIdentity, SurfaceLending:
		return true
	}
	return false
}

func (s Surface) String() string {
	return string(s)
}

// ParseSurface validates a surface name.
func ParseSurface(s string) (Surface, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "surface cannot be empty")
	}
	surface := Surface(s)
	if !surface.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid surface: must be 'identity' or 'lending'")
	}
	return surface, nil
}

// Config is the circuit breaker configuration for one surface.
// A disabled config bypasses the limiter entirely.
type Config struct {
	MaxOperationsPerWindow int
	WindowDuration         time.Duration
	MaxAmountPerOperation  decimal.Decimal
	Enabled                bool
}

// NewConfig creates a Config with domain invariant validation.
func NewConfig(maxOps int, window time.Duration, maxAmount decimal.Decimal, enabled bool) (*Config, error) {
	if maxOps <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max operations per window must be positive")
	}
	if window <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "window duration must be positive")
	}
	if maxAmount.IsNegative() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max amount per operation cannot be negative")
	}
	if !maxAmount.IsInteger() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max amount per operation must be a whole number of base units")
	}
	return &Config{
		MaxOperationsPerWindow: maxOps,
		WindowDuration:         window,
		MaxAmountPerOperation:  maxAmount,
		Enabled:                enabled,
	}, nil
}

// Fields renders the config for audit before/after snapshots.
func (c *Config) Fields() map[string]string {
	if c == nil {
		return nil
	}
	return map[string]string{
		"max_operations_per_window": strconv.Itoa(c.MaxOperationsPerWindow),
		"window_duration":           c.WindowDuration.String(),
		"max_amount_per_operation":  c.MaxAmountPerOperation.String(),
		"enabled":                   strconv.FormatBool(c.Enabled),
	}
}

// WindowState is the fixed-window counter for one (surface, key).
// The zero value is a fresh key with no operations recorded.
type WindowState struct {
	WindowStart    time.Time
	OperationCount int
}

// Consume applies one operation at now. The window resets once it has
// elapsed since WindowStart. An amount over the cap fails without using a
// slot; a nil amount skips the amount check.
func (w *WindowState) Consume(cfg *Config, now time.Time, amount *decimal.Decimal) error {
	if now.Sub(w.WindowStart) >= cfg.WindowDuration {
		w.WindowStart = now
		w.OperationCount = 0
	}
	if w.OperationCount >= cfg.MaxOperationsPerWindow {
		return dErrors.New(dErrors.CodeRateLimitExceeded, "rate limit exceeded")
	}
	if amount != nil && amount.GreaterThan(cfg.MaxAmountPerOperation) {
		return dErrors.New(dErrors.CodeAmountLimitExceeded, "amount limit exceeded")
	}
	w.OperationCount++
	return nil
}

// Remaining reports how many operations are left in the window as of now.
func (w WindowState) Remaining(cfg *Config, now time.Time) int {
	if now.Sub(w.WindowStart) >= cfg.WindowDuration {
		return cfg.MaxOperationsPerWindow
	}
	return max(cfg.MaxOperationsPerWindow-w.OperationCount, 0)
}

// ResetAt is when the current window ends.
func (w WindowState) ResetAt(cfg *Config) time.Time {
	return w.WindowStart.Add(cfg.WindowDuration)
}
