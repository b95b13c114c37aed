// Package auth resolves caller identity for mcp-relay endpoints.
//
// # Identity Resolution
//
// Every request gets an identity, resolved in priority order:
//
//   - Bearer token: JWT signed with HS256 using the configured jwt_secret.
//     The "sub" claim becomes the user id. Invalid tokens fall through
//     rather than failing the request.
//
//   - Trusted header: X-Relay-User, set by a fronting proxy that has
//     already authenticated the caller.
//
//   - Cookie: relay_user, minted by a previous visit.
//
// A request carrying none of these gets a fresh UUID minted into an
// HttpOnly cookie, so anonymous browser clients keep a stable identity
// across requests without any login flow.
//
// # Context Propagation
//
// The Middleware attaches the resolved Identity to the request context;
// handlers retrieve it with FromContext. The Source field records which
// mechanism produced the id, which matters when deciding whether to trust
// it for anything beyond session affinity.
//
// # Token Verification
//
// Tokens are minted by whatever issues access to the hosted deployment;
// this package only verifies them. Expiry is mandatory, and issuer and
// audience are pinned when the deployment configures them:
//
//	verifier := auth.NewJWTVerifier(auth.VerifierConfig{
//		Secret:   secret,
//		Issuer:   "https://sso.example.com",
//		Audience: "mcp-relay",
//	})
//	sub, err := verifier.Verify(token)
package auth
