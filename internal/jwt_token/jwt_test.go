package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

var (
	service   = NewService("test-signing-key", "test-issuer", "test-audience")
	wallet    = id.MustWalletAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	expiresIn = time.Hour
)

func Test_GenerateCallerToken(t *testing.T) {
	token, err := service.GenerateCallerToken(wallet, expiresIn)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	caller, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, wallet, caller)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := service.ValidateToken("invalid-token-string")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, err := service.GenerateCallerToken(wallet, -time.Hour)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	require.Error(t, err)
	assert.Equal(t, "token has expired", err.Error())
}

func Test_ValidateToken_WrongAudience(t *testing.T) {
	other := NewService("test-signing-key", "test-issuer", "someone-else")
	token, err := other.GenerateCallerToken(wallet, expiresIn)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func Test_ValidateToken_SubjectNotWallet(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			Issuer:    "test-issuer",
			Audience:  []string{"test-audience"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	_, err = service.ValidateToken(signed)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
