package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezkeys/ezkeys/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), Options{Driver: "sqlite"}) // in-memory
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newKey(owner, prefix string) *model.APIKey {
	return &model.APIKey{
		OwnerID:      owner,
		Name:         "ci",
		KeyPrefix:    prefix,
		KeyLookup:    uuid.NewString()[:10],
		HashedSecret: "aGFzaA==",
		Salt:         "c2FsdA==",
		Algorithm:    "argon2id",
		Params:       model.HashParams{Memory: 1024, Time: 2, Parallelism: 1, KeyLength: 32},
		Scopes:       []string{"read", "write"},
	}
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newKey("u1", "ezk_dev_AAAA")
	key.ID = "caller-chosen"
	key.CreatedAt = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateAPIKey(ctx, key))

	assert.NotEqual(t, "caller-chosen", key.ID)
	assert.Len(t, key.ID, 36)
	assert.WithinDuration(t, time.Now(), key.CreatedAt, time.Minute)

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerID)
	assert.Equal(t, "ci", got.Name)
	assert.Equal(t, "ezk_dev_AAAA", got.KeyPrefix)
	assert.Equal(t, key.KeyLookup, got.KeyLookup)
	assert.False(t, got.IsDefault)
	assert.Equal(t, key.HashedSecret, got.HashedSecret)
	assert.Equal(t, key.Salt, got.Salt)
	assert.Equal(t, key.Params, got.Params)
	assert.Equal(t, []string{"read", "write"}, got.Scopes)
	assert.Nil(t, got.LastUsedAt)
	assert.Nil(t, got.RevokedAt)
	assert.True(t, got.IsActive())

	_, err = s.GetAPIKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByOwnerScopesAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		k := newKey("u1", "ezk_dev_AAAA")
		require.NoError(t, s.CreateAPIKey(ctx, k))
		ids = append(ids, k.ID)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, s.CreateAPIKey(ctx, newKey("u2", "ezk_dev_BBBB")))

	keys, err := s.ListAPIKeysByOwner(ctx, "u1", 100)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.Equal(t, "u1", k.OwnerID)
	}
	assert.Equal(t, ids[2], keys[0].ID)
	assert.Equal(t, ids[0], keys[2].ID)

	limited, err := s.ListAPIKeysByOwner(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := s.ListAPIKeysByOwner(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListByOwnerClampsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < model.MaxListResults+5; i++ {
		require.NoError(t, s.CreateAPIKey(ctx, newKey("u1", "ezk_dev_AAAA")))
	}

	keys, err := s.ListAPIKeysByOwner(ctx, "u1", 1000)
	require.NoError(t, err)
	assert.Len(t, keys, model.MaxListResults)

	keys, err = s.ListAPIKeysByOwner(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRevokeOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newKey("u1", "ezk_dev_AAAA")
	require.NoError(t, s.CreateAPIKey(ctx, key))

	_, err := s.RevokeAPIKey(ctx, key.ID, "u2")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RevokedAt, "foreign revoke must not change the record")

	_, err = s.RevokeAPIKey(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	revoked, err := s.RevokeAPIKey(ctx, key.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, revoked.RevokedAt)

	again, err := s.RevokeAPIKey(ctx, key.ID, "u1")
	require.NoError(t, err)
	assert.True(t, revoked.RevokedAt.Equal(*again.RevokedAt), "revocation time must not move")

	got, err = s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive())
}

func TestConcurrentRevokeIsConsistent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newKey("u1", "ezk_dev_AAAA")
	require.NoError(t, s.CreateAPIKey(ctx, key))

	var wg sync.WaitGroup
	results := make([]*model.APIKey, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := s.RevokeAPIKey(ctx, key.ID, "u1")
			assert.NoError(t, err)
			results[i] = k
		}(i)
	}
	wg.Wait()

	stored, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.RevokedAt)
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, stored.RevokedAt.Equal(*r.RevokedAt))
	}
}

func TestListByLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same display prefix, different lookup segments.
	for _, lookup := range []string{"ABCDEFGHJK", "BCDEFGHJKL", "CDEFGHJKLM"} {
		k := newKey("u1", "ezk_prodeu01")
		k.KeyLookup = lookup
		require.NoError(t, s.CreateAPIKey(ctx, k))
	}

	keys, err := s.ListAPIKeysByLookup(ctx, "BCDEFGHJKL")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "BCDEFGHJKL", keys[0].KeyLookup)

	keys, err = s.ListAPIKeysByLookup(ctx, "ZZZZZZZZZZ")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.ListAPIKeysByLookup(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func defaults(t *testing.T, s *SQLStore, owner string) []string {
	t.Helper()
	keys, err := s.ListAPIKeysByOwner(context.Background(), owner, model.MaxListResults)
	require.NoError(t, err)
	var ids []string
	for _, k := range keys {
		if k.IsDefault {
			ids = append(ids, k.ID)
		}
	}
	return ids
}

func TestSetDefaultKeepsOnePerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newKey("u1", "ezk_dev_AAAA")
	b := newKey("u1", "ezk_dev_BBBB")
	other := newKey("u2", "ezk_dev_CCCC")
	for _, k := range []*model.APIKey{a, b, other} {
		require.NoError(t, s.CreateAPIKey(ctx, k))
	}
	_, err := s.SetDefaultAPIKey(ctx, other.ID, "u2")
	require.NoError(t, err)

	got, err := s.SetDefaultAPIKey(ctx, a.ID, "u1")
	require.NoError(t, err)
	assert.True(t, got.IsDefault)
	assert.Equal(t, []string{a.ID}, defaults(t, s, "u1"))

	_, err = s.SetDefaultAPIKey(ctx, b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, defaults(t, s, "u1"))

	// Setting the current default again is a no-op.
	_, err = s.SetDefaultAPIKey(ctx, b.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, defaults(t, s, "u1"))

	// Other owners are untouched.
	assert.Equal(t, []string{other.ID}, defaults(t, s, "u2"))
}

func TestSetDefaultChecksOwnershipAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newKey("u1", "ezk_dev_AAAA")
	b := newKey("u1", "ezk_dev_BBBB")
	require.NoError(t, s.CreateAPIKey(ctx, a))
	require.NoError(t, s.CreateAPIKey(ctx, b))
	_, err := s.SetDefaultAPIKey(ctx, a.ID, "u1")
	require.NoError(t, err)

	_, err = s.SetDefaultAPIKey(ctx, b.ID, "u2")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = s.SetDefaultAPIKey(ctx, "missing", "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{a.ID}, defaults(t, s, "u1"), "failed calls must not move the default")

	_, err = s.RevokeAPIKey(ctx, b.ID, "u1")
	require.NoError(t, err)
	_, err = s.SetDefaultAPIKey(ctx, b.ID, "u1")
	assert.ErrorIs(t, err, ErrRevoked)
	assert.Equal(t, []string{a.ID}, defaults(t, s, "u1"))
}

func TestRevokeClearsDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newKey("u1", "ezk_dev_AAAA")
	require.NoError(t, s.CreateAPIKey(ctx, key))
	_, err := s.SetDefaultAPIKey(ctx, key.ID, "u1")
	require.NoError(t, err)

	revoked, err := s.RevokeAPIKey(ctx, key.ID, "u1")
	require.NoError(t, err)
	assert.False(t, revoked.IsDefault)

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDefault)
	assert.Empty(t, defaults(t, s, "u1"))
}

func TestTouchLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := newKey("u1", "ezk_dev_AAAA")
	require.NoError(t, s.CreateAPIKey(ctx, key))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TouchLastUsed(ctx, key.ID, at))

	got, err := s.GetAPIKey(ctx, key.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, at.Equal(*got.LastUsedAt))

	assert.ErrorIs(t, s.TouchLastUsed(ctx, "missing", at), ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "oracle"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: "postgres"})
	assert.Error(t, err, "postgres without dsn")
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()))
}

func TestOpenWithDataDir(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{Driver: "sqlite", DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	// Reopening runs migrations against the existing schema.
	s, err = Open(context.Background(), Options{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
