// ABOUTME: Tests for HTTP identity resolution
// ABOUTME: Covers bearer token, header, cookie, and minted-cookie resolution order

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_BearerTokenWins(t *testing.T) {
	secret := []byte("test-secret-key-for-jwt-signing")
	verifier := NewJWTVerifier(VerifierConfig{Secret: secret})
	token := mintToken(t, secret, func(c *jwt.RegisteredClaims) {
		c.Subject = "user-from-token"
	})

	rv := NewResolver(verifier, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set(IdentityHeader, "user-from-header")
	r.AddCookie(&http.Cookie{Name: identityCookie, Value: "user-from-cookie"})
	w := httptest.NewRecorder()

	id := rv.Resolve(w, r)
	assert.Equal(t, "user-from-token", id.UserID)
	assert.Equal(t, SourceToken, id.Source)
}

func TestResolve_InvalidTokenFallsThrough(t *testing.T) {
	verifier := NewJWTVerifier(VerifierConfig{Secret: []byte("test-secret-key-for-jwt-signing")})
	rv := NewResolver(verifier, nil)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	r.Header.Set(IdentityHeader, "user-from-header")
	w := httptest.NewRecorder()

	id := rv.Resolve(w, r)
	assert.Equal(t, "user-from-header", id.UserID)
	assert.Equal(t, SourceHeader, id.Source)
}

func TestResolve_HeaderBeatsCookie(t *testing.T) {
	rv := NewResolver(nil, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(IdentityHeader, "user-from-header")
	r.AddCookie(&http.Cookie{Name: identityCookie, Value: "user-from-cookie"})
	w := httptest.NewRecorder()

	id := rv.Resolve(w, r)
	assert.Equal(t, "user-from-header", id.UserID)
	assert.Equal(t, SourceHeader, id.Source)
}

func TestResolve_Cookie(t *testing.T) {
	rv := NewResolver(nil, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: identityCookie, Value: "user-from-cookie"})
	w := httptest.NewRecorder()

	id := rv.Resolve(w, r)
	assert.Equal(t, "user-from-cookie", id.UserID)
	assert.Equal(t, SourceCookie, id.Source)
	assert.Empty(t, w.Result().Cookies(), "no cookie should be minted")
}

func TestResolve_MintsCookie(t *testing.T) {
	rv := NewResolver(nil, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	id := rv.Resolve(w, r)
	require.NotEmpty(t, id.UserID)
	assert.Equal(t, SourceMinted, id.Source)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, identityCookie, cookies[0].Name)
	assert.Equal(t, id.UserID, cookies[0].Value)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "/", cookies[0].Path)
}

func TestMiddleware_AttachesIdentity(t *testing.T) {
	rv := NewResolver(nil, nil)

	var got Identity
	var ok bool
	handler := rv.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(IdentityHeader, "user-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	require.True(t, ok)
	assert.Equal(t, "user-42", got.UserID)
	assert.Equal(t, SourceHeader, got.Source)
}

func TestFromContext_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := FromContext(r.Context())
	assert.False(t, ok)
}
