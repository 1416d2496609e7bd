// Package service implements the API key lifecycle: creation, listing,
// revocation, the optional demo call and key verification. It is the
// contract the HTTP layer calls; every operation resolves its own principal.
package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/audit"
	"github.com/ezkeys/ezkeys/internal/hasher"
	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/keygen"
	"github.com/ezkeys/ezkeys/internal/kms"
	"github.com/ezkeys/ezkeys/internal/metrics"
	"github.com/ezkeys/ezkeys/internal/model"
	"github.com/ezkeys/ezkeys/internal/store"
)

const tracerName = "github.com/ezkeys/ezkeys/internal/service"

// Store is the persistence the service needs.
type Store interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerID string, limit int) ([]model.APIKey, error)
	ListAPIKeysByLookup(ctx context.Context, lookup string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id, ownerID string) (*model.APIKey, error)
	SetDefaultAPIKey(ctx context.Context, id, ownerID string) (*model.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Resolver yields the verified principal behind a set of credentials.
type Resolver interface {
	Resolve(ctx context.Context, creds identity.Credentials) (string, error)
}

// Options wires a KeyService. Encrypter, Audit, Metrics, Logger and
// TracerProvider are optional.
type Options struct {
	Generator *keygen.Generator
	Hasher    *hasher.Hasher
	Store     Store
	Resolver  Resolver

	// Demo encryption happens only when DemoEnabled is set, an Encrypter is
	// configured and the individual request asks for it.
	Encrypter   kms.Encrypter
	DemoEnabled bool

	Audit          audit.Sink
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

// KeyService orchestrates the key lifecycle.
type KeyService struct {
	gen         *keygen.Generator
	hasher      *hasher.Hasher
	store       Store
	resolver    Resolver
	enc         kms.Encrypter
	demoEnabled bool
	audit       audit.Sink
	metrics     *metrics.Metrics
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// New validates opts and returns a KeyService.
func New(opts Options) (*KeyService, error) {
	switch {
	case opts.Generator == nil:
		return nil, errors.New("service: key generator is required")
	case opts.Hasher == nil:
		return nil, errors.New("service: hasher is required")
	case opts.Store == nil:
		return nil, errors.New("service: store is required")
	case opts.Resolver == nil:
		return nil, errors.New("service: resolver is required")
	}
	s := &KeyService{
		gen:         opts.Generator,
		hasher:      opts.Hasher,
		store:       opts.Store,
		resolver:    opts.Resolver,
		enc:         opts.Encrypter,
		demoEnabled: opts.DemoEnabled,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	s.tracer = tp.Tracer(tracerName)
	return s, nil
}

// DemoAvailable reports whether the deployment allows demo key material.
func (s *KeyService) DemoAvailable() bool {
	return s.demoEnabled && s.enc != nil
}

// CreateInput is the caller-controlled part of a create request.
type CreateInput struct {
	Name   *string
	Scopes []string
	Demo   bool
}

// Create issues a new key for the calling principal. The plaintext is in
// the result and is not retrievable through any other operation.
func (s *KeyService) Create(ctx context.Context, creds identity.Credentials, in CreateInput) (_ *model.CreatedKey, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.Create")
	defer func() { s.finish(ctx, span, "create", err) }()

	owner, err := s.principal(ctx, creds)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("ezkeys.owner_id", owner))

	key, err := s.gen.Generate()
	if err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}

	start := time.Now()
	hashed, err := s.hasher.Hash(ctx, key.Plaintext)
	s.metrics.ObserveHash("hash", time.Since(start))
	if err != nil {
		return nil, hashError(err)
	}

	rec := &model.APIKey{
		OwnerID:      owner,
		Name:         normalizeName(in.Name),
		KeyPrefix:    key.Prefix,
		KeyLookup:    key.Lookup,
		HashedSecret: hashed.Hash,
		Salt:         hashed.Salt,
		Algorithm:    hashed.Algorithm,
		Params: model.HashParams{
			Memory:      hashed.Params.Memory,
			Time:        hashed.Params.Time,
			Parallelism: hashed.Params.Parallelism,
			KeyLength:   hashed.Params.KeyLength,
		},
		Scopes: normalizeScopes(in.Scopes),
	}

	if in.Demo && s.DemoAvailable() {
		ct, err := s.enc.Encrypt(ctx, []byte(key.Plaintext))
		s.metrics.KMS("encrypt", err)
		if err != nil {
			return nil, wrapError(CodeInternal, "internal error", err)
		}
		rec.KeyMaterialEnc = ct
	}

	if err := s.store.CreateAPIKey(ctx, rec); err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}

	s.record(ctx, audit.Event{Type: audit.KeyCreated, OwnerID: owner, KeyID: rec.ID, KeyPrefix: rec.KeyPrefix})

	summary := rec.Summary()
	return &model.CreatedKey{
		ID:         rec.ID,
		Key:        key.Plaintext,
		KeyPrefix:  rec.KeyPrefix,
		Name:       summary.Name,
		CreatedAt:  rec.CreatedAt,
		LastUsedAt: rec.LastUsedAt,
	}, nil
}

// List returns the caller's keys, newest first.
func (s *KeyService) List(ctx context.Context, creds identity.Credentials) (_ []model.KeySummary, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.List")
	defer func() { s.finish(ctx, span, "list", err) }()

	owner, err := s.principal(ctx, creds)
	if err != nil {
		return nil, err
	}

	keys, err := s.store.ListAPIKeysByOwner(ctx, owner, model.MaxListResults)
	if err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}
	out := make([]model.KeySummary, 0, len(keys))
	for i := range keys {
		out = append(out, keys[i].Summary())
	}
	span.SetAttributes(attribute.Int("ezkeys.results", len(out)))
	return out, nil
}

// Revoke tombstones a key owned by the caller. Revoking an already revoked
// key succeeds.
func (s *KeyService) Revoke(ctx context.Context, creds identity.Credentials, id string) (_ *model.RevokeResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.Revoke")
	defer func() { s.finish(ctx, span, "revoke", err) }()

	owner, err := s.principal(ctx, creds)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(CodeInvalidArgument, "missing id")
	}
	span.SetAttributes(attribute.String("ezkeys.key_id", id))

	rec, err := s.store.RevokeAPIKey(ctx, id, owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(CodeNotFound, "key not found")
	case errors.Is(err, store.ErrForbidden):
		return nil, newError(CodePermissionDenied, "forbidden")
	case err != nil:
		return nil, wrapError(CodeInternal, "internal error", err)
	}

	s.record(ctx, audit.Event{Type: audit.KeyRevoked, OwnerID: owner, KeyID: rec.ID, KeyPrefix: rec.KeyPrefix})
	return &model.RevokeResponse{OK: true, Deleted: true}, nil
}

// SetDefault marks a key owned by the caller as their default key. Any
// other key the caller holds loses the flag. Revoked keys cannot become the
// default.
func (s *KeyService) SetDefault(ctx context.Context, creds identity.Credentials, id string) (_ *model.SetDefaultResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.SetDefault")
	defer func() { s.finish(ctx, span, "set_default", err) }()

	owner, err := s.principal(ctx, creds)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(CodeInvalidArgument, "missing id")
	}
	span.SetAttributes(attribute.String("ezkeys.key_id", id))

	rec, err := s.store.SetDefaultAPIKey(ctx, id, owner)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(CodeNotFound, "key not found")
	case errors.Is(err, store.ErrForbidden):
		return nil, newError(CodePermissionDenied, "forbidden")
	case errors.Is(err, store.ErrRevoked):
		return nil, newError(CodeFailedPrecondition, "key is revoked")
	case err != nil:
		return nil, wrapError(CodeInternal, "internal error", err)
	}

	s.record(ctx, audit.Event{Type: audit.KeyDefaultSet, OwnerID: owner, KeyID: rec.ID, KeyPrefix: rec.KeyPrefix})
	return &model.SetDefaultResponse{OK: true}, nil
}

// DemoCall decrypts a demo key's stored material and exercises it against
// the verification path. The plaintext is never returned.
func (s *KeyService) DemoCall(ctx context.Context, creds identity.Credentials, id string) (_ *model.DemoCallResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "KeyService.DemoCall")
	defer func() { s.finish(ctx, span, "demo_call", err) }()

	owner, err := s.principal(ctx, creds)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(CodeInvalidArgument, "missing id")
	}
	if !s.DemoAvailable() {
		return nil, newError(CodeFailedPrecondition, "demo mode is not enabled")
	}

	rec, err := s.store.GetAPIKey(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(CodeNotFound, "key not found")
	case err != nil:
		return nil, wrapError(CodeInternal, "internal error", err)
	}
	if rec.OwnerID != owner {
		return nil, newError(CodePermissionDenied, "forbidden")
	}
	if rec.KeyMaterialEnc == "" {
		return nil, newError(CodeFailedPrecondition, "not a demo key")
	}
	if !rec.IsActive() {
		return nil, newError(CodeFailedPrecondition, "key is revoked")
	}

	plaintext, err := s.enc.Decrypt(ctx, rec.KeyMaterialEnc)
	s.metrics.KMS("decrypt", err)
	if err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}
	p, err := s.authenticate(ctx, string(plaintext))
	if err != nil {
		return nil, wrapError(CodeInternal, "internal error", err)
	}
	if p.KeyID != rec.ID {
		return nil, wrapError(CodeInternal, "internal error", errors.New("demo key material does not match record"))
	}

	s.record(ctx, audit.Event{Type: audit.KeyRevealed, OwnerID: owner, KeyID: rec.ID, KeyPrefix: rec.KeyPrefix})
	return &model.DemoCallResponse{OK: true, Demo: true}, nil
}

// Principal resolves the caller behind creds. The HTTP layer uses it to
// report missing credentials ahead of malformed input.
func (s *KeyService) Principal(ctx context.Context, creds identity.Credentials) (string, error) {
	return s.principal(ctx, creds)
}

func (s *KeyService) principal(ctx context.Context, creds identity.Credentials) (string, error) {
	owner, err := s.resolver.Resolve(ctx, creds)
	if err != nil || owner == "" {
		s.metrics.AuthFailure("principal")
		return "", wrapError(CodeUnauthenticated, "authentication required", err)
	}
	return owner, nil
}

func (s *KeyService) record(ctx context.Context, ev audit.Event) {
	ev.Time = s.now().UTC()
	ev.RequestID = audit.RequestID(ctx)
	s.audit.Record(ctx, ev)
	s.metrics.AuditEvent()
}

// finish closes the span, counts the outcome and logs unexpected failures.
func (s *KeyService) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		s.metrics.KeyOperation(op, "")
		return
	}
	code := CodeOf(err)
	s.metrics.KeyOperation(op, string(code))
	span.SetStatus(codes.Error, string(code))
	switch code {
	case CodeInternal, CodeConfiguration:
		span.RecordError(err)
		s.logger.Error("key operation failed",
			zap.String("operation", op),
			zap.String("code", string(code)),
			zap.String("request_id", audit.RequestID(ctx)),
			zap.Error(err),
		)
	}
}

func hashError(err error) error {
	if errors.Is(err, hasher.ErrPepperMissing) {
		return wrapError(CodeConfiguration, "server is not configured to issue keys", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapError(CodeInternal, "request cancelled", err)
	}
	return wrapError(CodeInternal, "internal error", err)
}

// normalizeName trims name and caps it at model.MaxNameLength runes. An
// empty result means the key has no name.
func normalizeName(name *string) string {
	if name == nil {
		return ""
	}
	n := strings.TrimSpace(*name)
	if utf8.RuneCountInString(n) > model.MaxNameLength {
		n = strings.TrimSpace(string([]rune(n)[:model.MaxNameLength]))
	}
	return n
}

// normalizeScopes trims each scope, drops empties and keeps at most
// model.MaxScopes entries.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, min(len(scopes), model.MaxScopes))
	for _, sc := range scopes {
		sc = strings.TrimSpace(sc)
		if sc == "" {
			continue
		}
		out = append(out, sc)
		if len(out) == model.MaxScopes {
			break
		}
	}
	return out
}
