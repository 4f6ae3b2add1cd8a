package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "trustledger/pkg/domain-errors"
)

func mustConfig(t *testing.T, maxOps int, window time.Duration, maxAmount int64) *Config {
	t.Helper()
	cfg, err := NewConfig(maxOps, window, decimal.NewFromInt(maxAmount), true)
	require.NoError(t, err)
	return cfg
}

func TestNewConfig(t *testing.T) {
	t.Run("rejects non-positive max operations", func(t *testing.T) {
		_, err := NewConfig(0, time.Minute, decimal.Zero, true)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
	t.Run("rejects non-positive window", func(t *testing.T) {
		_, err := NewConfig(1, 0, decimal.Zero, true)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
	t.Run("rejects negative amount cap", func(t *testing.T) {
		_, err := NewConfig(1, time.Minute, decimal.NewFromInt(-1), true)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
	t.Run("rejects fractional amount cap", func(t *testing.T) {
		_, err := NewConfig(1, time.Minute, decimal.RequireFromString("1.5"), true)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestWindowStateConsume(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := mustConfig(t, 2, time.Hour, 100)

	t.Run("fresh key opens a window at now", func(t *testing.T) {
		var w WindowState
		require.NoError(t, w.Consume(cfg, start, nil))
		assert.Equal(t, start, w.WindowStart)
		assert.Equal(t, 1, w.OperationCount)
	})

	t.Run("count at max fails rate limit", func(t *testing.T) {
		w := WindowState{WindowStart: start, OperationCount: 2}
		err := w.Consume(cfg, start.Add(time.Minute), nil)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimitExceeded))
	})

	t.Run("window elapsed resets count", func(t *testing.T) {
		w := WindowState{WindowStart: start, OperationCount: 2}
		now := start.Add(time.Hour)
		require.NoError(t, w.Consume(cfg, now, nil))
		assert.Equal(t, now, w.WindowStart)
		assert.Equal(t, 1, w.OperationCount)
	})

	t.Run("amount over cap fails without using a slot", func(t *testing.T) {
		w := WindowState{WindowStart: start, OperationCount: 1}
		amount := decimal.NewFromInt(101)
		err := w.Consume(cfg, start, &amount)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeAmountLimitExceeded))
		assert.Equal(t, 1, w.OperationCount)
	})

	t.Run("amount equal to cap is allowed", func(t *testing.T) {
		var w WindowState
		amount := decimal.NewFromInt(100)
		require.NoError(t, w.Consume(cfg, start, &amount))
	})

	t.Run("rate limit is checked before amount", func(t *testing.T) {
		w := WindowState{WindowStart: start, OperationCount: 2}
		amount := decimal.NewFromInt(1000)
		err := w.Consume(cfg, start, &amount)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeRateLimitExceeded))
	})
}

func TestWindowStateRemaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := mustConfig(t, 3, time.Minute, 0)
	w := WindowState{WindowStart: start, OperationCount: 2}

	assert.Equal(t, 1, w.Remaining(cfg, start.Add(time.Second)))
	assert.Equal(t, 3, w.Remaining(cfg, start.Add(time.Minute)))
	assert.Equal(t, start.Add(time.Minute), w.ResetAt(cfg))
}

func TestWindowKey(t *testing.T) {
	assert.Equal(t, "ratelimit:identity:0xabc", WindowKey(SurfaceIdentity, "0xabc"))
	assert.Equal(t, "ratelimit:lending:a_b", WindowKey(SurfaceLending, "a:b"))
}

func TestSetConfigRequest(t *testing.T) {
	enabled := true
	t.Run("valid request converts", func(t *testing.T) {
		req := &SetConfigRequest{
			MaxOperationsPerWindow: 5,
			WindowDuration:         " 1h ",
			MaxAmountPerOperation:  "1000",
			Enabled:                &enabled,
		}
		req.Normalize()
		require.NoError(t, req.Validate())
		cfg, err := req.ToConfig()
		require.NoError(t, err)
		assert.Equal(t, time.Hour, cfg.WindowDuration)
		assert.True(t, cfg.MaxAmountPerOperation.Equal(decimal.NewFromInt(1000)))
	})

	t.Run("missing enabled", func(t *testing.T) {
		req := &SetConfigRequest{MaxOperationsPerWindow: 5, WindowDuration: "1h", MaxAmountPerOperation: "1"}
		assert.True(t, dErrors.HasCode(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("bad duration", func(t *testing.T) {
		req := &SetConfigRequest{MaxOperationsPerWindow: 5, WindowDuration: "soon", MaxAmountPerOperation: "1", Enabled: &enabled}
		assert.True(t, dErrors.HasCode(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("fractional cap rejected on conversion", func(t *testing.T) {
		req := &SetConfigRequest{MaxOperationsPerWindow: 5, WindowDuration: "1h", MaxAmountPerOperation: "0.5", Enabled: &enabled}
		require.NoError(t, req.Validate())
		_, err := req.ToConfig()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}
