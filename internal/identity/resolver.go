package identity

import (
	"context"
	"net/http"
	"strings"
)

// DefaultSessionCookie is the cookie that carries session artifacts.
const DefaultSessionCookie = "__session"

// Credentials is the credential material lifted off an inbound request.
type Credentials struct {
	BearerToken   string
	SessionCookie string
}

// CredentialsFromRequest extracts the bearer token from the Authorization
// header and the session artifact from the named cookie.
func CredentialsFromRequest(r *http.Request, cookieName string) Credentials {
	var creds Credentials
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		creds.BearerToken = strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	if c, err := r.Cookie(cookieName); err == nil {
		creds.SessionCookie = c.Value
	}
	return creds
}

// Resolver decides who is calling. A bearer token, when present, is the only
// credential considered; otherwise the session artifact is.
type Resolver struct {
	verifier           Verifier
	checkBearerRevoked bool
}

// NewResolver returns a Resolver. checkBearerRevoked adds a revocation
// lookup to bearer verification; session artifacts are always checked
// because they live longer.
func NewResolver(verifier Verifier, checkBearerRevoked bool) *Resolver {
	return &Resolver{verifier: verifier, checkBearerRevoked: checkBearerRevoked}
}

// Resolve returns the principal identifier for creds, or ErrUnauthenticated.
// Verification failures are not distinguished from absent credentials.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	switch {
	case creds.BearerToken != "":
		c, err := r.verifier.VerifyIDToken(ctx, creds.BearerToken, r.checkBearerRevoked)
		if err != nil {
			return "", ErrUnauthenticated
		}
		return c.Subject, nil
	case creds.SessionCookie != "":
		c, err := r.verifier.VerifySessionCookie(ctx, creds.SessionCookie, true)
		if err != nil {
			return "", ErrUnauthenticated
		}
		return c.Subject, nil
	default:
		return "", ErrUnauthenticated
	}
}
