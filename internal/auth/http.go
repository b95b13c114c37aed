// ABOUTME: HTTP identity resolution for relay endpoints
// ABOUTME: Resolves bearer token, then trusted header, then cookie, minting one if absent

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// IdentityHeader carries a user id asserted by a trusted fronting proxy.
	IdentityHeader = "X-Relay-User"
	// identityCookie persists a minted user id across browser requests.
	identityCookie = "relay_user"
	// cookieMaxAge keeps minted identities stable for roughly six months.
	cookieMaxAge = 180 * 24 * 60 * 60
)

// Resolver determines who the caller is. Resolution order is bearer token,
// then the trusted proxy header, then the identity cookie. A request with
// none of these gets a fresh UUID minted into an HttpOnly cookie, so every
// caller leaves with a stable identity.
type Resolver struct {
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewResolver creates a Resolver. verifier may be nil, which disables bearer
// token resolution.
func NewResolver(verifier TokenVerifier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{verifier: verifier, logger: logger.With("component", "auth")}
}

// Resolve identifies the caller, minting a cookie when no identity exists.
// An invalid bearer token does not fail the request; resolution falls
// through to the weaker mechanisms.
func (rv *Resolver) Resolve(w http.ResponseWriter, r *http.Request) Identity {
	if rv.verifier != nil {
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if sub, err := rv.verifier.Verify(token); err == nil {
				return Identity{UserID: sub, Source: SourceToken}
			} else {
				rv.logger.Debug("bearer token rejected", "error", err)
			}
		}
	}

	if v := r.Header.Get(IdentityHeader); v != "" {
		return Identity{UserID: v, Source: SourceHeader}
	}

	if c, err := r.Cookie(identityCookie); err == nil && c.Value != "" {
		return Identity{UserID: c.Value, Source: SourceCookie}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     identityCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	rv.logger.Debug("minted identity cookie", "user_id", id)
	return Identity{UserID: id, Source: SourceMinted}
}

// Middleware resolves the caller identity and attaches it to the request
// context for downstream handlers.
func (rv *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := rv.Resolve(w, r)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
