package auth

import (
	"log/slog"
	"net/http"
	"strings"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
	"trustledger/pkg/platform/httputil"
	"trustledger/pkg/requestcontext"
)

// CallerValidator resolves a bearer token to the calling wallet.
type CallerValidator interface {
	ValidateToken(tokenString string) (id.WalletAddress, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// authenticated wallet as the request caller.
func RequireAuth(validator CallerValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", requestID,
				)
				writeUnauthorized(w, "missing or invalid Authorization header")
				return
			}

			caller, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", requestID,
				)
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(requestcontext.WithCaller(ctx, caller)))
		})
	}
}

// Missing credentials are 401; the 403 mapping of CodeUnauthorized is kept
// for capability failures once the caller is known.
func writeUnauthorized(w http.ResponseWriter, desc string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             string(dErrors.CodeUnauthorized),
		"error_description": desc,
	})
}
