// Package keygen produces API key plaintexts of the form
//
//	ezk_<env>_<body>_<checksum>
//
// The body is 26 symbols of random base32 and the checksum is 8 symbols
// derived from a SHA-256 digest of everything before it. Symbols that are
// easily confused when read or typed (0/O/o, 1/I/l) never appear.
package keygen

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// Tag is the fixed leading segment of every key.
	Tag = "ezk"

	// Alphabet is the base32 symbol set keys are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

	// BodyLength is the number of random symbols in a key.
	BodyLength = 26

	// ChecksumLength is the number of checksum symbols appended to a key.
	ChecksumLength = 8

	// PrefixLength is how many leading characters are kept in clear for
	// display.
	PrefixLength = 12

	// LookupLength is how many leading body symbols index a key in storage.
	LookupLength = 10

	// MaxEnvLength bounds the environment tag.
	MaxEnvLength = 8

	separator = "_"
)

// ambiguous holds characters that are never emitted.
const ambiguous = "0Oo1Il"

var envPattern = regexp.MustCompile(`^[a-z0-9]+$`)

var (
	// ErrMalformed is returned by Parse when a string is not shaped like a key.
	ErrMalformed = errors.New("malformed api key")
	// ErrChecksum is returned by Parse when the checksum does not match.
	ErrChecksum = errors.New("api key checksum mismatch")
)

// Key is a freshly generated plaintext key, its display prefix and its
// storage lookup segment.
type Key struct {
	Plaintext string
	Prefix    string
	Lookup    string
}

// Generator builds keys for one environment tag.
type Generator struct {
	env    string
	random io.Reader
}

// NewGenerator returns a Generator for env. The tag must be lowercase
// alphanumeric so that it cannot collide with the separator, and at most
// MaxEnvLength characters.
func NewGenerator(env string) (*Generator, error) {
	if err := ValidateEnv(env); err != nil {
		return nil, err
	}
	return &Generator{env: env, random: rand.Reader}, nil
}

// Env returns the environment tag keys are stamped with.
func (g *Generator) Env() string { return g.env }

// Generate draws a new key.
func (g *Generator) Generate() (Key, error) {
	body, err := randomSymbols(g.random, BodyLength)
	if err != nil {
		return Key{}, err
	}
	core := Tag + separator + g.env + separator + body
	plaintext := core + separator + Checksum(core)
	return Key{Plaintext: plaintext, Prefix: plaintext[:PrefixLength], Lookup: body[:LookupLength]}, nil
}

// ValidateEnv reports whether env can be used as an environment tag.
func ValidateEnv(env string) error {
	if !envPattern.MatchString(env) || len(env) > MaxEnvLength {
		return fmt.Errorf("invalid environment tag %q: want 1-%d characters of [a-z0-9]", env, MaxEnvLength)
	}
	return nil
}

// Checksum returns the 8-symbol checksum for core. It is a pure function of
// its input and exists to catch transcription mistakes, not as a security
// boundary.
func Checksum(core string) string {
	digest := sha256.Sum256([]byte(core))
	buf := digest[:]
	out := make([]byte, 0, ChecksumLength)
	for len(out) < ChecksumLength {
		for _, b := range buf {
			if ch, ok := symbol(b); ok {
				out = append(out, ch)
				if len(out) == ChecksumLength {
					break
				}
			}
		}
		next := sha256.Sum256(buf)
		buf = next[:]
	}
	return string(out)
}

// Parsed is the decomposition of a key string.
type Parsed struct {
	Env      string
	Body     string
	Checksum string
	Prefix   string
	Lookup   string
}

// Parse splits key into its segments and verifies the checksum. It never
// touches storage, so callers can reject typos cheaply.
func Parse(key string) (Parsed, error) {
	parts := strings.Split(key, separator)
	if len(parts) != 4 || parts[0] != Tag {
		return Parsed{}, ErrMalformed
	}
	env, body, sum := parts[1], parts[2], parts[3]
	if ValidateEnv(env) != nil || len(body) != BodyLength || len(sum) != ChecksumLength {
		return Parsed{}, ErrMalformed
	}
	if !allowed(body) || !allowed(sum) {
		return Parsed{}, ErrMalformed
	}
	core := Tag + separator + env + separator + body
	if Checksum(core) != sum {
		return Parsed{}, ErrChecksum
	}
	return Parsed{Env: env, Body: body, Checksum: sum, Prefix: key[:PrefixLength], Lookup: body[:LookupLength]}, nil
}

// randomSymbols oversamples random bytes and keeps only unambiguous symbols
// until n have been collected.
func randomSymbols(r io.Reader, n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if ch, ok := symbol(b); ok {
				out = append(out, ch)
				if len(out) == n {
					break
				}
			}
		}
	}
	return string(out), nil
}

func symbol(b byte) (byte, bool) {
	ch := Alphabet[int(b)%len(Alphabet)]
	if strings.IndexByte(ambiguous, ch) >= 0 {
		return 0, false
	}
	return ch, true
}

func allowed(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 || strings.IndexByte(ambiguous, s[i]) >= 0 {
			return false
		}
	}
	return true
}
