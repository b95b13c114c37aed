// ABOUTME: Tests for relay access token verification
// ABOUTME: Covers signing, expiry, subject, and issuer/audience pinning

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mintToken signs a token with sane claims, letting tests bend them.
func mintToken(t *testing.T, secret []byte, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "user-123",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	if mutate != nil {
		mutate(&claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestJWTVerifier_Verify(t *testing.T) {
	secret := []byte("relay-test-secret")
	plain := NewJWTVerifier(VerifierConfig{Secret: secret})

	tests := []struct {
		name     string
		verifier *JWTVerifier
		token    string
		want     string
		wantErr  error
	}{
		{
			name:     "valid token",
			verifier: plain,
			token:    mintToken(t, secret, nil),
			want:     "user-123",
		},
		{
			name:     "empty token",
			verifier: plain,
			token:    "",
			wantErr:  ErrInvalidToken,
		},
		{
			name:     "garbage token",
			verifier: plain,
			token:    "not-a-jwt-token",
			wantErr:  ErrInvalidToken,
		},
		{
			name:     "wrong secret",
			verifier: plain,
			token:    mintToken(t, []byte("different-secret"), nil),
			wantErr:  ErrInvalidToken,
		},
		{
			name:     "expired token",
			verifier: plain,
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			}),
			wantErr: ErrExpiredToken,
		},
		{
			name:     "token without expiry",
			verifier: plain,
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.ExpiresAt = nil
			}),
			wantErr: ErrInvalidToken,
		},
		{
			name:     "missing subject",
			verifier: plain,
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.Subject = ""
			}),
			wantErr: ErrMissingClaim,
		},
		{
			name:     "issuer required but absent",
			verifier: NewJWTVerifier(VerifierConfig{Secret: secret, Issuer: "https://relay.fernwood.dev"}),
			token:    mintToken(t, secret, nil),
			wantErr:  ErrInvalidToken,
		},
		{
			name:     "issuer matches",
			verifier: NewJWTVerifier(VerifierConfig{Secret: secret, Issuer: "https://relay.fernwood.dev"}),
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.Issuer = "https://relay.fernwood.dev"
			}),
			want: "user-123",
		},
		{
			name:     "audience mismatch",
			verifier: NewJWTVerifier(VerifierConfig{Secret: secret, Audience: "mcp-relay"}),
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.Audience = jwt.ClaimStrings{"some-other-service"}
			}),
			wantErr: ErrInvalidToken,
		},
		{
			name:     "audience matches",
			verifier: NewJWTVerifier(VerifierConfig{Secret: secret, Audience: "mcp-relay"}),
			token: mintToken(t, secret, func(c *jwt.RegisteredClaims) {
				c.Audience = jwt.ClaimStrings{"mcp-relay", "billing"}
			}),
			want: "user-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.verifier.Verify(tt.token)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTVerifier_RejectsUnsignedAlg(t *testing.T) {
	secret := []byte("relay-test-secret")
	verifier := NewJWTVerifier(VerifierConfig{Secret: secret})

	now := time.Now()
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = verifier.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
