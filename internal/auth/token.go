// ABOUTME: Access token verification for hosted relay deployments
// ABOUTME: HS256 JWTs carrying the tenant subject, with optional issuer and audience pinning

package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier turns a bearer token into a tenant subject.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, err error)
}

// VerifierConfig configures which tokens the relay accepts. Issuer and
// Audience are enforced only when set, so single-purpose deployments can run
// on a shared secret alone.
type VerifierConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// JWTVerifier validates HS256 signed relay access tokens. Tokens must carry
// an expiry; unexpiring tokens are rejected outright.
type JWTVerifier struct {
	secret  []byte
	options []jwt.ParserOption
}

// NewJWTVerifier creates a verifier from the deployment's token policy.
func NewJWTVerifier(cfg VerifierConfig) *JWTVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{secret: cfg.Secret, options: opts}
}

// Verify validates the token and returns the tenant subject from "sub".
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}
