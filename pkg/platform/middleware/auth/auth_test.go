package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	id "trustledger/pkg/domain"
	"trustledger/pkg/requestcontext"
)

type stubValidator struct {
	wallet id.WalletAddress
	err    error
}

func (s stubValidator) ValidateToken(string) (id.WalletAddress, error) {
	return s.wallet, s.err
}

func TestRequireAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet := id.MustWalletAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	var seen id.WalletAddress
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestcontext.Caller(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("valid token sets caller", func(t *testing.T) {
		seen = id.WalletAddress{}
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()

		RequireAuth(stubValidator{wallet: wallet}, logger)(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, wallet, seen)
	})

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()

		RequireAuth(stubValidator{wallet: wallet}, logger)(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer bad")
		w := httptest.NewRecorder()

		RequireAuth(stubValidator{err: errors.New("nope")}, logger)(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
