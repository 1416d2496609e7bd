// Package kms encrypts key material for the demo reveal path.
package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the circuit breaker is open.
var ErrUnavailable = errors.New("kms unavailable")

// Encrypter is the envelope-encryption capability the lifecycle service uses.
type Encrypter interface {
	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, ciphertext string) ([]byte, error)
}

// TransitConfig configures a Vault Transit backed Encrypter.
type TransitConfig struct {
	Address string
	Token   string
	Mount   string
	KeyName string
	Timeout time.Duration
	// MaxRetries is handed to the Vault client; failures beyond it count
	// against the circuit breaker.
	MaxRetries int
}

// Transit encrypts with a named key in Vault's Transit secrets engine.
type Transit struct {
	logical *vaultapi.Logical
	mount   string
	keyName string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewTransit builds a Transit encrypter. The Vault client is created eagerly
// but no request is made until the first Encrypt or Decrypt.
func NewTransit(cfg TransitConfig, logger *zap.Logger) (*Transit, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("kms key name is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "transit"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	vc := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	vc.Timeout = cfg.Timeout
	vc.MaxRetries = cfg.MaxRetries
	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	t := &Transit{
		logical: client.Logical(),
		mount:   cfg.Mount,
		keyName: cfg.KeyName,
		timeout: cfg.Timeout,
		logger:  logger,
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kms-transit",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return t, nil
}

// Encrypt implements Encrypter. The result is Vault's "vault:vN:..." string.
func (t *Transit) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("plaintext is required")
	}
	secret, err := t.write(ctx, "encrypt", map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok || ciphertext == "" {
		return "", errors.New("kms encrypt: ciphertext not found in response")
	}
	return ciphertext, nil
}

// Decrypt implements Encrypter.
func (t *Transit) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	if ciphertext == "" {
		return nil, errors.New("ciphertext is required")
	}
	secret, err := t.write(ctx, "decrypt", map[string]interface{}{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return nil, err
	}
	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("kms decrypt: plaintext not found in response")
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: decode plaintext: %w", err)
	}
	return plaintext, nil
}

func (t *Transit) write(ctx context.Context, op string, data map[string]interface{}) (*vaultapi.Secret, error) {
	path := fmt.Sprintf("%s/%s/%s", t.mount, op, t.keyName)

	out, err := t.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		return t.logical.WriteWithContext(ctx, path, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("kms %s: %w", op, err)
	}
	secret, _ := out.(*vaultapi.Secret)
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("kms %s: no data in response", op)
	}
	return secret, nil
}
