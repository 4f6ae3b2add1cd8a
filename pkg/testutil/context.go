package testutil

import (
	"net/http"
	"time"

	id "trustledger/pkg/domain"
	"trustledger/pkg/requestcontext"
)

// WithCaller simulates the auth middleware for handler tests.
func WithCaller(req *http.Request, wallet id.WalletAddress) *http.Request {
	return req.WithContext(requestcontext.WithCaller(req.Context(), wallet))
}

// WithRequestTime pins the request-scoped clock.
func WithRequestTime(req *http.Request, now time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), now))
}
