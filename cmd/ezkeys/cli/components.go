package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ezkeys/ezkeys/internal/audit"
	"github.com/ezkeys/ezkeys/internal/config"
	"github.com/ezkeys/ezkeys/internal/hasher"
	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/kms"
	"github.com/ezkeys/ezkeys/internal/store"
)

// openStore connects to the configured key database and applies migrations.
func openStore(ctx context.Context, s *config.Settings) (*store.SQLStore, error) {
	return store.Open(ctx, store.Options{
		Driver:       s.Store.Driver,
		DSN:          s.Store.DSN,
		DataDir:      s.Store.DataDir,
		MaxOpenConns: s.Store.MaxOpenConns,
	})
}

// newHasher builds the Argon2id hasher. The pepper is read from the live
// configuration on first use, so a pepper supplied after startup through
// the environment is still picked up.
func newHasher(s *config.Settings, pepper func() string) (*hasher.Hasher, error) {
	return hasher.New(hashParams(s), hasher.NewLazyPepper(func() (string, error) {
		return pepper(), nil
	}), s.Hashing.Concurrency)
}

// hashParams is the runtime profile with any configured overrides applied.
func hashParams(s *config.Settings) hasher.Params {
	params := hasher.ParamsFor(s.RuntimeEnv)
	if s.Hashing.Memory > 0 {
		params.Memory = s.Hashing.Memory
	}
	if s.Hashing.Time > 0 {
		params.Time = s.Hashing.Time
	}
	if s.Hashing.Parallelism > 0 {
		params.Parallelism = s.Hashing.Parallelism
	}
	return params
}

// identityStack is everything derived from the identity settings.
type identityStack struct {
	provider *identity.Provider
	resolver *identity.Resolver
	hmac     *identity.HMACTokenVerifier // nil in jwks mode
	redis    *redis.Client               // nil when revocations live in memory
}

func (i *identityStack) Close() error {
	if i.redis != nil {
		return i.redis.Close()
	}
	return nil
}

func newIdentity(ctx context.Context, s *config.Settings, logger *zap.Logger) (*identityStack, error) {
	stack := &identityStack{}

	var tokens identity.TokenVerifier
	switch s.Identity.Mode {
	case "jwks":
		v, err := identity.NewJWKSTokenVerifier(ctx, s.Identity.JWKSURL, s.Identity.JWKSRefresh, s.Identity.Issuer, s.Identity.Audience)
		if err != nil {
			return nil, fmt.Errorf("init jwks verifier: %w", err)
		}
		tokens = v
		logger.Info("identity tokens verified against jwks", zap.String("url", s.Identity.JWKSURL))
	default:
		stack.hmac = identity.NewHMACTokenVerifier(s.Identity.HMACSecret, s.Identity.Issuer)
		tokens = stack.hmac
		logger.Info("identity tokens verified with shared secret")
	}

	var revocations identity.RevocationStore
	if s.Revocation.RedisAddr != "" {
		stack.redis = redis.NewClient(&redis.Options{
			Addr:         s.Revocation.RedisAddr,
			Password:     s.Revocation.RedisPassword,
			DB:           s.Revocation.RedisDB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		revocations = identity.NewRedisRevocations(stack.redis, s.Revocation.TTL)
		logger.Info("session revocations stored in redis", zap.String("addr", s.Revocation.RedisAddr))
	} else {
		revocations = identity.NewMemoryRevocations(s.Revocation.TTL)
		logger.Warn("session revocations kept in memory; they are lost on restart and not shared between replicas")
	}

	signer := identity.NewSessionSigner(s.SessionSecret(), s.Identity.Issuer)
	stack.provider = identity.NewProvider(tokens, signer, revocations)
	stack.resolver = identity.NewResolver(stack.provider, s.Identity.CheckRevoked)
	return stack, nil
}

// newEncrypter returns the demo key encrypter, or nil when demo material is
// not configured for this deployment.
func newEncrypter(s *config.Settings, logger *zap.Logger) (kms.Encrypter, error) {
	if !s.DemoAvailable() {
		return nil, nil
	}
	t, err := kms.NewTransit(kms.TransitConfig{
		Address:    s.KMS.Address,
		Token:      s.KMS.Token,
		Mount:      s.KMS.Mount,
		KeyName:    s.KMS.KeyName,
		Timeout:    s.KMS.Timeout,
		MaxRetries: 1,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init kms: %w", err)
	}
	return t, nil
}

func newAuditSink(s *config.Settings, logger *zap.Logger) audit.Sink {
	switch s.Audit.Sink {
	case "kafka":
		logger.Info("audit events published to kafka", zap.Strings("brokers", s.Audit.Brokers), zap.String("topic", s.Audit.Topic))
		return audit.NewKafkaSink(audit.KafkaConfig{
			Brokers: s.Audit.Brokers,
			Topic:   s.Audit.Topic,
		}, logger)
	case "none":
		return audit.Nop{}
	default:
		return audit.NewLogSink(logger)
	}
}
