// ABOUTME: Identity context for tracking the caller through request handlers
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity holds the resolved caller identity for a request. Source records
// which mechanism produced the user id.
type Identity struct {
	UserID string
	Source IdentitySource
}

// IdentitySource names the mechanism that identified the caller.
type IdentitySource string

const (
	SourceToken  IdentitySource = "token"  // verified bearer token
	SourceHeader IdentitySource = "header" // trusted proxy header
	SourceCookie IdentitySource = "cookie" // previously minted cookie
	SourceMinted IdentitySource = "minted" // fresh cookie minted this request
)

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context. The second return is
// false if no identity was resolved for this request.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
