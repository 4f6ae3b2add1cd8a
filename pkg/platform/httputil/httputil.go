// Package httputil holds the JSON plumbing shared by every handler.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	dErrors "trustledger/pkg/domain-errors"
)

const maxBodyBytes = 1 << 20

// Validatable is implemented by request bodies.
type Validatable interface {
	Validate() error
}

// Normalizable request bodies are trimmed/canonicalized before validation.
type Normalizable interface {
	Normalize()
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to an HTTP status. Internal errors never
// leak their message.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: string(code)}
	if code != dErrors.CodeInternal {
		var de *dErrors.Error
		if errors.As(err, &de) {
			resp.ErrorDescription = de.Message
		}
	}
	WriteJSON(w, StatusFor(code), resp)
}

// StatusFor returns the HTTP status for a domain error code.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeBadRequest, dErrors.CodeValidation, dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusForbidden
	case dErrors.CodeSignature:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeInvalidState, dErrors.CodeReplay, dErrors.CodeInvariantViolation:
		return http.StatusConflict
	case dErrors.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case dErrors.CodeRateLimitExceeded, dErrors.CodeAmountLimitExceeded:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeAndPrepare decodes a JSON body into T, normalizes and validates it.
// On failure it writes the error response and returns false.
func DecodeAndPrepare[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger, ctx context.Context, requestID string) (*T, bool) {
	var req T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		logger.WarnContext(ctx, "failed to decode request body",
			"request_id", requestID,
			"error", err,
		)
		WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid json request body"))
		return nil, false
	}

	if n, ok := any(&req).(Normalizable); ok {
		n.Normalize()
	}
	if v, ok := any(&req).(Validatable); ok {
		if err := v.Validate(); err != nil {
			logger.WarnContext(ctx, "invalid request",
				"request_id", requestID,
				"error", err,
			)
			WriteError(w, err)
			return nil, false
		}
	}
	return &req, true
}
