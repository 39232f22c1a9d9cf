// Package auth authenticates callers of the gateway.
//
// Clients present an HS256 JWT as a bearer token. The token's "sub" claim is
// the user the caller acts as; a token carrying the "admin" role may act as
// any user.
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	handler = auth.HTTPAuthMiddleware(verifier, logger)(handler)
//
// The same verifier guards gRPC runtimes through StreamInterceptor, and
// BearerCredentials attaches a token to outbound runtime calls.
package auth
