// Package auth maps a connection's bearer token to a user id. Verified
// tokens are HS256 JWTs whose "sub" claim is the user id; connections
// without a token get a fresh anonymous id.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/user/turnstile/internal/types"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrAnonymousOnly = errors.New("token authentication is not configured")
)

// Identifier resolves a token to a user id.
type Identifier interface {
	Identify(token string) (userID string, err error)
}

// JWTIdentifier verifies HS256 tokens. With no secret it only admits
// anonymous connections.
type JWTIdentifier struct {
	secret         []byte
	allowAnonymous bool
	now            func() time.Time
}

// NewJWTIdentifier creates an identifier. allowAnonymous admits requests
// without a token.
func NewJWTIdentifier(secret []byte, allowAnonymous bool) *JWTIdentifier {
	return &JWTIdentifier{secret: secret, allowAnonymous: allowAnonymous, now: time.Now}
}

// Identify implements Identifier.
func (v *JWTIdentifier) Identify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		if !v.allowAnonymous {
			return "", fmt.Errorf("%w: token required", ErrInvalidToken)
		}
		return types.AnonymousUser(), nil
	}
	if len(v.secret) == 0 {
		return "", ErrAnonymousOnly
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if types.IsAnonymous(sub) {
		return "", fmt.Errorf("%w: reserved subject", ErrInvalidToken)
	}
	return sub, nil
}

// Generate signs a token for userID valid for expiresIn.
func (v *JWTIdentifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrAnonymousOnly
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
