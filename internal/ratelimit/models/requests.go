package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "trustledger/pkg/domain-errors"
)

// SetConfigRequest is the body of PUT /admin/circuit-breakers/{surface}.
type SetConfigRequest struct {
	MaxOperationsPerWindow int    `json:"max_operations_per_window"`
	WindowDuration         string `json:"window_duration"`
	MaxAmountPerOperation  string `json:"max_amount_per_operation"`
	Enabled                *bool  `json:"enabled"`
}

func (r *SetConfigRequest) Normalize() {
	if r == nil {
		return
	}
	r.WindowDuration = strings.TrimSpace(r.WindowDuration)
	r.MaxAmountPerOperation = strings.TrimSpace(r.MaxAmountPerOperation)
}

// Follows validation order: Size -> Required -> Syntax -> Semantic.
func (r *SetConfigRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}

	if len(r.WindowDuration) > 32 || len(r.MaxAmountPerOperation) > 80 {
		return dErrors.New(dErrors.CodeValidation, "field too long")
	}

	if r.WindowDuration == "" {
		return dErrors.New(dErrors.CodeValidation, "window_duration is required")
	}
	if r.MaxAmountPerOperation == "" {
		return dErrors.New(dErrors.CodeValidation, "max_amount_per_operation is required")
	}
	if r.Enabled == nil {
		return dErrors.New(dErrors.CodeValidation, "enabled is required")
	}

	if _, err := time.ParseDuration(r.WindowDuration); err != nil {
		return dErrors.New(dErrors.CodeValidation, "window_duration must be a duration like 1h or 30s")
	}
	if _, err := decimal.NewFromString(r.MaxAmountPerOperation); err != nil {
		return dErrors.New(dErrors.CodeValidation, "max_amount_per_operation must be a decimal integer")
	}

	if r.MaxOperationsPerWindow <= 0 {
		return dErrors.New(dErrors.CodeValidation, "max_operations_per_window must be positive")
	}
	return nil
}

// ToConfig converts a validated request.
func (r *SetConfigRequest) ToConfig() (*Config, error) {
	window, err := time.ParseDuration(r.WindowDuration)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid window_duration")
	}
	maxAmount, err := decimal.NewFromString(r.MaxAmountPerOperation)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid max_amount_per_operation")
	}
	cfg, err := NewConfig(r.MaxOperationsPerWindow, window, maxAmount, *r.Enabled)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid circuit breaker config")
	}
	return cfg, nil
}

// ConfigResponse is the API view of a Config.
type ConfigResponse struct {
	Surface                Surface `json:"surface"`
	MaxOperationsPerWindow int     `json:"max_operations_per_window"`
	WindowDuration         string  `json:"window_duration"`
	MaxAmountPerOperation  string  `json:"max_amount_per_operation"`
	Enabled                bool    `json:"enabled"`
}

func ToConfigResponse(surface Surface, cfg *Config) ConfigResponse {
	return ConfigResponse{
		Surface:                surface,
		MaxOperationsPerWindow: cfg.MaxOperationsPerWindow,
		WindowDuration:         cfg.WindowDuration.String(),
		MaxAmountPerOperation:  cfg.MaxAmountPerOperation.String(),
		Enabled:                cfg.Enabled,
	}
}

// WindowStateResponse is the API view of a key's window.
type WindowStateResponse struct {
	Surface        Surface    `json:"surface"`
	Key            string     `json:"key"`
	OperationCount int        `json:"operation_count"`
	Remaining      int        `json:"remaining"`
	WindowStart    *time.Time `json:"window_start,omitempty"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
}

func ToWindowStateResponse(surface Surface, key string, state *WindowState, cfg *Config, now time.Time) WindowStateResponse {
	resp := WindowStateResponse{
		Surface:        surface,
		Key:            key,
		OperationCount: state.OperationCount,
		Remaining:      state.Remaining(cfg, now),
	}
	if now.Sub(state.WindowStart) >= cfg.WindowDuration {
		resp.OperationCount = 0
		return resp
	}
	if !state.WindowStart.IsZero() {
		start := state.WindowStart
		reset := state.ResetAt(cfg)
		resp.WindowStart = &start
		resp.ResetAt = &reset
	}
	return resp
}
