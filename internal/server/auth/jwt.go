// Package auth verifies the bearer tokens issued by the upstream identity
// service. Tokens are HS256 JWTs carrying the caller's user and organization.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/proveniq/inspectvault/internal/common"
)

// Claims are the registered claims plus the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID string
	OrgID  string
}

// GenerateToken mints a token; the engine itself only verifies, so this is
// used by tests and local tooling.
func GenerateToken(userID, orgID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
			Subject:   userID,
		},
		UserID: userID,
		OrgID:  orgID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// ParseToken verifies the signature and expiry and returns the caller.
// Both user and organization must be present.
func ParseToken(tokenString string, secretKey []byte) (*Principal, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" || claims.OrgID == "" {
		return nil, common.ErrInvalidToken
	}

	return &Principal{UserID: claims.UserID, OrgID: claims.OrgID}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by WithPrincipal, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
