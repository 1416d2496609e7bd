package keygen

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateShape(t *testing.T) {
	g, err := NewGenerator("dev")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^ezk_dev_[A-Z2-7]{26}_[A-Z2-7]{8}$`)
	for i := 0; i < 500; i++ {
		k, err := g.Generate()
		require.NoError(t, err)

		assert.Regexp(t, pattern, k.Plaintext)
		assert.Len(t, k.Prefix, PrefixLength)
		assert.True(t, strings.HasPrefix(k.Plaintext, k.Prefix))
		assert.Len(t, k.Lookup, LookupLength)

		parts := strings.Split(k.Plaintext, "_")
		require.Len(t, parts, 4)
		for _, seg := range parts[2:] {
			assert.False(t, strings.ContainsAny(seg, ambiguous), "ambiguous symbol in %q", seg)
		}
	}
}

func TestGenerateIsRandom(t *testing.T) {
	g, err := NewGenerator("prod")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		k, err := g.Generate()
		require.NoError(t, err)
		require.False(t, seen[k.Plaintext], "duplicate key generated")
		seen[k.Plaintext] = true
	}
}

func TestNewGeneratorRejectsBadEnv(t *testing.T) {
	for _, env := range []string{"", "Prod", "dev_1", "a-b", "st age", "production"} {
		_, err := NewGenerator(env)
		assert.Error(t, err, "env %q", env)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	core := "ezk_dev_ABCDEFGHJKMNPQRSTUVWXYZ234"
	assert.Equal(t, Checksum(core), Checksum(core))
	assert.Len(t, Checksum(core), ChecksumLength)
	assert.NotEqual(t, Checksum(core), Checksum(core+"A"))
	assert.NotEqual(t, Checksum("ezk_dev_A"), Checksum("ezk_prod_A"))
	assert.False(t, strings.ContainsAny(Checksum(core), ambiguous))
}

func TestParse(t *testing.T) {
	g, err := NewGenerator("staging")
	require.NoError(t, err)
	k, err := g.Generate()
	require.NoError(t, err)

	p, err := Parse(k.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, "staging", p.Env)
	assert.Len(t, p.Body, BodyLength)
	assert.Equal(t, k.Prefix, p.Prefix)
	assert.Equal(t, k.Lookup, p.Lookup)
	assert.Equal(t, p.Body[:LookupLength], p.Lookup)
}

func TestLookupIsDistinctForLongEnvTags(t *testing.T) {
	// With an 8-character tag the display prefix holds no random symbols at
	// all; the lookup segment must still separate keys.
	g, err := NewGenerator("prodeu01")
	require.NoError(t, err)

	prefixes := make(map[string]bool)
	lookups := make(map[string]bool)
	for i := 0; i < 200; i++ {
		k, err := g.Generate()
		require.NoError(t, err)
		prefixes[k.Prefix] = true
		lookups[k.Lookup] = true
	}
	assert.Len(t, prefixes, 1)
	assert.Len(t, lookups, 200)
}

func TestParseDetectsTypo(t *testing.T) {
	g, err := NewGenerator("dev")
	require.NoError(t, err)
	k, err := g.Generate()
	require.NoError(t, err)

	// Swap one body symbol for a different allowed one.
	b := []byte(k.Plaintext)
	i := len("ezk_dev_") + 3
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	_, err = Parse(string(b))
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"sk_live_abc",
		"ezk_dev_SHORT_AAAAAAAA",
		"ezk_dev_ABCDEFGHJKMNPQRSTUVWXYZ234_AAAA",
		"ezk_dev_ABCDEFGHJKMNPQRSTUVWXYZ230_AAAAAAAA",
		"xyz_dev_ABCDEFGHJKMNPQRSTUVWXYZ234_AAAAAAAA",
		"ezk_production_ABCDEFGHJKMNPQRSTUVWXYZ234_AAAAAAAA",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", c)
	}
}
