package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/audit"
	"github.com/ezkeys/ezkeys/internal/hasher"
	"github.com/ezkeys/ezkeys/internal/keygen"
	"github.com/ezkeys/ezkeys/internal/model"
)

var (
	ErrInvalidKey = errors.New("invalid api key")
	ErrKeyRevoked = errors.New("api key revoked")
)

// KeyPrincipal is what a verified API key grants.
type KeyPrincipal struct {
	KeyID   string
	OwnerID string
	Scopes  []string
}

// Authenticate checks a raw API key presented by a downstream caller. Keys
// with a bad checksum are rejected without touching storage.
func (s *KeyService) Authenticate(ctx context.Context, rawKey string) (_ *KeyPrincipal, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.Authenticate")
	defer func() { s.finish(ctx, span, "authenticate", err) }()

	p, err := s.authenticate(ctx, rawKey)
	if err != nil {
		s.metrics.AuthFailure("api_key")
		return nil, err
	}
	span.SetAttributes(attribute.String("ezkeys.key_id", p.KeyID))
	return p, nil
}

func (s *KeyService) authenticate(ctx context.Context, rawKey string) (*KeyPrincipal, error) {
	parsed, err := keygen.Parse(rawKey)
	if err != nil {
		return nil, wrapError(CodeUnauthenticated, "invalid api key", ErrInvalidKey)
	}

	candidates, err := s.store.ListAPIKeysByLookup(ctx, parsed.Lookup)
	if err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}

	for i := range candidates {
		key := &candidates[i]
		if key.KeyPrefix != parsed.Prefix {
			continue
		}
		ok, err := s.verify(ctx, rawKey, key)
		if err != nil {
			return nil, hashError(err)
		}
		if !ok {
			continue
		}
		if !key.IsActive() {
			s.record(ctx, audit.Event{Type: audit.KeyRejected, OwnerID: key.OwnerID, KeyID: key.ID, KeyPrefix: key.KeyPrefix, Reason: "revoked"})
			return nil, wrapError(CodeUnauthenticated, "api key revoked", ErrKeyRevoked)
		}

		now := s.now().UTC()
		if err := s.store.TouchLastUsed(ctx, key.ID, now); err != nil {
			s.logger.Warn("update last used", zap.String("key_id", key.ID), zap.Error(err))
		}
		s.record(ctx, audit.Event{Type: audit.KeyVerified, OwnerID: key.OwnerID, KeyID: key.ID, KeyPrefix: key.KeyPrefix})
		return &KeyPrincipal{KeyID: key.ID, OwnerID: key.OwnerID, Scopes: key.Scopes}, nil
	}
	return nil, wrapError(CodeUnauthenticated, "invalid api key", ErrInvalidKey)
}

func (s *KeyService) verify(ctx context.Context, rawKey string, key *model.APIKey) (bool, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveHash("verify", time.Since(start)) }()
	return s.hasher.Verify(ctx, rawKey, hasher.Hashed{
		Hash:      key.HashedSecret,
		Salt:      key.Salt,
		Algorithm: key.Algorithm,
		Params: hasher.Params{
			Memory:      key.Params.Memory,
			Time:        key.Params.Time,
			Parallelism: key.Params.Parallelism,
			KeyLength:   key.Params.KeyLength,
		},
	})
}
