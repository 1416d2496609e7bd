package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezkeys/ezkeys/internal/config"
	"github.com/ezkeys/ezkeys/internal/identity"
	"github.com/ezkeys/ezkeys/internal/keygen"
)

func withSettings(t *testing.T, kv map[string]interface{}) {
	t.Helper()
	viper.Reset()
	config.SetDefaults(viper.GetViper())
	for k, v := range kv {
		viper.Set(k, v)
	}
	t.Cleanup(viper.Reset)
}

func TestKeyCheck(t *testing.T) {
	gen, err := keygen.NewGenerator("dev")
	require.NoError(t, err)
	k, err := gen.Generate()
	require.NoError(t, err)

	assert.NoError(t, runKeyCheck(k.Plaintext))

	// Flip one checksum symbol.
	last := k.Plaintext[len(k.Plaintext)-1]
	swap := byte('A')
	if last == 'A' {
		swap = 'B'
	}
	typo := k.Plaintext[:len(k.Plaintext)-1] + string(swap)
	err = runKeyCheck(typo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")

	err = runKeyCheck("not-a-key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an ezkeys API key")
}

func TestTokenIssue(t *testing.T) {
	withSettings(t, map[string]interface{}{"identity.hmac_secret": "cli-secret"})

	cmd := newTokenIssueCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "user-123", "--ttl", "5m"})
	require.NoError(t, cmd.Execute())

	tok := strings.TrimSpace(out.String())
	claims, err := identity.NewHMACTokenVerifier("cli-secret", "ezkeys").Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
}

func TestTokenIssueRequiresHMACMode(t *testing.T) {
	withSettings(t, map[string]interface{}{
		"identity.mode":           "jwks",
		"identity.jwks_url":       "https://idp.example.com/jwks.json",
		"identity.session_secret": "cookie-secret",
	})

	cmd := newTokenIssueCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--subject", "user-123"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.mode=hmac")
}

func TestKeyListAgainstSQLite(t *testing.T) {
	withSettings(t, map[string]interface{}{
		"identity.hmac_secret": "cli-secret",
		"store.data_dir":       t.TempDir(),
	})

	assert.NoError(t, runMigrate())
	assert.NoError(t, runKeyList("nobody", true))
}

func TestNewHasherOverrides(t *testing.T) {
	s := config.Defaults()
	s.Hashing.Memory = 2048
	s.Hashing.Time = 3

	h, err := newHasher(&s, func() string { return "" })
	require.NoError(t, err)
	assert.EqualValues(t, 2048, h.Params().Memory)
	assert.EqualValues(t, 3, h.Params().Time)
	assert.EqualValues(t, 1, h.Params().Parallelism)
}

func TestVersionReportsKeyProfile(t *testing.T) {
	withSettings(t, map[string]interface{}{
		"runtime_env":   "prod",
		"apikey.pepper": "pepper",
	})

	var out bytes.Buffer
	cmd := newVersionCmd("1.2.3", "abc", "today")
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "prod", info["key_env"])
	assert.True(t, strings.HasPrefix(info["key_format"], "ezk_prod_"))
	assert.Equal(t, "argon2id", info["hash_algorithm"])
	assert.Equal(t, "19456", info["hash_memory_kib"])
	assert.Equal(t, "2", info["hash_time"])
	assert.Equal(t, "true", info["pepper_configured"])
	assert.NotContains(t, out.String(), "\"pepper\"")
}

func TestVersionHonoursHashingOverrides(t *testing.T) {
	withSettings(t, map[string]interface{}{
		"runtime_env":    "dev",
		"hashing.memory": 4096,
	})

	var out bytes.Buffer
	cmd := newVersionCmd("dev", "none", "unknown")
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	text := out.String()
	assert.Contains(t, text, "env dev")
	assert.Contains(t, text, "argon2id m=4096 t=2 p=1")
	assert.Contains(t, text, "pepper:  false")
}

func TestVersionWithBadEnvTag(t *testing.T) {
	withSettings(t, map[string]interface{}{"runtime_env": "production"})

	var out bytes.Buffer
	cmd := newVersionCmd("dev", "none", "unknown")
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "keys:    unavailable")
}
