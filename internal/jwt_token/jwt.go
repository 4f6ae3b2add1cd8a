package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "trustledger/pkg/domain"
	dErrors "trustledger/pkg/domain-errors"
)

// Claims carries the caller wallet in the standard subject claim.
type Claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates HS256 caller tokens.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
}

func NewService(signingKey string, issuer string, audience string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// GenerateCallerToken signs a token whose subject is the wallet address.
func (s *Service) GenerateCallerToken(wallet id.WalletAddress, expiresIn time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   wallet.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})

	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// ValidateToken verifies signature, expiry, issuer and audience and returns
// the caller wallet.
func (s *Service) ValidateToken(tokenString string) (id.WalletAddress, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return id.WalletAddress{}, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return id.WalletAddress{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return id.WalletAddress{}, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}

	wallet, err := id.ParseWalletAddress(claims.Subject)
	if err != nil {
		return id.WalletAddress{}, dErrors.New(dErrors.CodeUnauthorized, "token subject is not a wallet address")
	}
	return wallet, nil
}
