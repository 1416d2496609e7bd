// Package hasher turns plaintext API keys into salted, peppered Argon2id
// hashes suitable for storage, and verifies candidates against them.
package hasher

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// Algorithm is the identifier recorded next to every hash.
const Algorithm = "argon2id"

const saltLength = 16

// Params are the Argon2id cost parameters. They are persisted with each
// record so that verification survives later cost changes.
type Params struct {
	Memory      uint32 `json:"memoryCost"` // KiB
	Time        uint32 `json:"timeCost"`
	Parallelism uint8  `json:"parallelism"`
	KeyLength   uint32 `json:"keyLength"`
}

var (
	// Production is used when the runtime environment is "prod".
	Production = Params{Memory: 19456, Time: 2, Parallelism: 1, KeyLength: 32}
	// Reduced keeps lower environments and tests fast.
	Reduced = Params{Memory: 1024, Time: 2, Parallelism: 1, KeyLength: 32}
)

// ParamsFor returns the cost profile for a runtime environment.
func ParamsFor(env string) Params {
	if env == "prod" {
		return Production
	}
	return Reduced
}

// Validate reports whether p can be handed to Argon2id.
func (p Params) Validate() error {
	switch {
	case p.Time < 1:
		return errors.New("time cost must be at least 1")
	case p.Parallelism < 1:
		return errors.New("parallelism must be at least 1")
	case p.Memory < 8*uint32(p.Parallelism):
		return errors.New("memory cost must be at least 8 KiB per lane")
	case p.KeyLength < 16:
		return errors.New("key length must be at least 16 bytes")
	}
	return nil
}

// Hashed is the storable output of Hash. Plaintext and pepper are not part
// of it.
type Hashed struct {
	Hash      string
	Salt      string
	Algorithm string
	Params    Params
}

// Hasher derives Argon2id hashes over pepper||plaintext. Work is bounded
// by a weighted semaphore so memory-hard hashing cannot crowd out I/O.
type Hasher struct {
	params Params
	pepper PepperSource
	sem    *semaphore.Weighted
}

// New returns a Hasher. concurrency <= 0 defaults to GOMAXPROCS.
func New(params Params, pepper PepperSource, concurrency int) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hashing params: %w", err)
	}
	if pepper == nil {
		return nil, ErrPepperMissing
	}
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	return &Hasher{
		params: params,
		pepper: pepper,
		sem:    semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// Params returns the cost profile new hashes are produced with.
func (h *Hasher) Params() Params { return h.params }

// Hash salts and hashes plaintext. A missing pepper yields ErrPepperMissing.
func (h *Hasher) Hash(ctx context.Context, plaintext string) (*Hashed, error) {
	pepper, err := h.pepper.Pepper()
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	dk, err := h.derive(ctx, pepper, plaintext, salt, h.params)
	if err != nil {
		return nil, err
	}

	return &Hashed{
		Hash:      base64.StdEncoding.EncodeToString(dk),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Algorithm: Algorithm,
		Params:    h.params,
	}, nil
}

// Verify re-derives the hash of plaintext with the stored salt and params
// and compares it in constant time.
func (h *Hasher) Verify(ctx context.Context, plaintext string, stored Hashed) (bool, error) {
	if stored.Algorithm != Algorithm {
		return false, fmt.Errorf("unsupported hash algorithm %q", stored.Algorithm)
	}
	if err := stored.Params.Validate(); err != nil {
		return false, fmt.Errorf("invalid stored params: %w", err)
	}
	pepper, err := h.pepper.Pepper()
	if err != nil {
		return false, err
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	params := stored.Params
	params.KeyLength = uint32(len(want))
	got, err := h.derive(ctx, pepper, plaintext, salt, params)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (h *Hasher) derive(ctx context.Context, pepper []byte, plaintext string, salt []byte, p Params) ([]byte, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire hashing slot: %w", err)
	}
	defer h.sem.Release(1)

	input := make([]byte, 0, len(pepper)+len(plaintext))
	input = append(input, pepper...)
	input = append(input, plaintext...)
	defer clear(input)

	return argon2.IDKey(input, salt, p.Time, p.Memory, p.Parallelism, p.KeyLength), nil
}
