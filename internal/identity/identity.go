// Package identity turns inbound credential material into a verified
// principal. It is the only place a principal enters the system: identity
// tokens and session artifacts are verified here, and nothing downstream
// accepts an owner id from the caller.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated is returned when no credential is present or the
	// presented credential cannot be verified.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidToken means a token failed signature, issuer, audience or
	// expiry checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRevoked means a token was issued before its subject's sessions
	// were revoked.
	ErrRevoked = errors.New("token revoked")
)

// Claims are the verified facts extracted from a token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// AuthTime is when the user actually signed in. Session artifacts carry
	// the auth time of the identity token they were minted from.
	AuthTime time.Time
}

// authTime falls back to IssuedAt when the token carries no auth_time.
func (c *Claims) authTime() time.Time {
	if !c.AuthTime.IsZero() {
		return c.AuthTime
	}
	return c.IssuedAt
}

// TokenVerifier checks a raw identity token.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*Claims, error)
}

// Verifier is the identity-provider capability the resolver depends on.
type Verifier interface {
	VerifyIDToken(ctx context.Context, token string, checkRevoked bool) (*Claims, error)
	VerifySessionCookie(ctx context.Context, cookie string, checkRevoked bool) (*Claims, error)
}

// Provider assembles a Verifier from an identity-token strategy, the session
// signer, and the revocation registry.
type Provider struct {
	idTokens    TokenVerifier
	sessions    *SessionSigner
	revocations RevocationStore
	now         func() time.Time
}

// NewProvider returns a Provider. revocations may be nil, in which case
// revocation checks always pass.
func NewProvider(idTokens TokenVerifier, sessions *SessionSigner, revocations RevocationStore) *Provider {
	return &Provider{
		idTokens:    idTokens,
		sessions:    sessions,
		revocations: revocations,
		now:         time.Now,
	}
}

// VerifyIDToken verifies a short-lived identity token.
func (p *Provider) VerifyIDToken(ctx context.Context, token string, checkRevoked bool) (*Claims, error) {
	c, err := p.idTokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if checkRevoked {
		if err := p.checkRevoked(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// VerifySessionCookie verifies a session artifact minted by
// CreateSessionCookie.
func (p *Provider) VerifySessionCookie(ctx context.Context, cookie string, checkRevoked bool) (*Claims, error) {
	c, err := p.sessions.Verify(cookie)
	if err != nil {
		return nil, err
	}
	if checkRevoked {
		if err := p.checkRevoked(ctx, c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CreateSessionCookie exchanges a verified, unrevoked identity token for a
// longer-lived session artifact.
func (p *Provider) CreateSessionCookie(ctx context.Context, idToken string, ttl time.Duration) (string, *Claims, error) {
	c, err := p.VerifyIDToken(ctx, idToken, true)
	if err != nil {
		return "", nil, err
	}
	cookie, err := p.sessions.Sign(c.Subject, c.authTime(), ttl)
	if err != nil {
		return "", nil, err
	}
	return cookie, c, nil
}

// RevokeSessions invalidates every token and session artifact issued to
// subject up to now.
func (p *Provider) RevokeSessions(ctx context.Context, subject string) error {
	if p.revocations == nil {
		return errors.New("no revocation store configured")
	}
	return p.revocations.RevokeSubject(ctx, subject, p.now())
}

func (p *Provider) checkRevoked(ctx context.Context, c *Claims) error {
	if p.revocations == nil {
		return nil
	}
	validAfter, err := p.revocations.ValidAfter(ctx, c.Subject)
	if err != nil {
		return fmt.Errorf("check revocation: %w", err)
	}
	if validAfter.IsZero() {
		return nil
	}
	if c.authTime().Unix() < validAfter.Unix() {
		return ErrRevoked
	}
	return nil
}
