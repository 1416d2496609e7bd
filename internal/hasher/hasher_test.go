package hasher

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testParams = Params{Memory: 64, Time: 1, Parallelism: 1, KeyLength: 32}

func newTestHasher(t *testing.T, pepper string) *Hasher {
	t.Helper()
	h, err := New(testParams, StaticPepper(pepper), 2)
	require.NoError(t, err)
	return h
}

func TestHashRoundTrip(t *testing.T) {
	h := newTestHasher(t, "pepper-one")
	ctx := context.Background()
	key := "ezk_dev_ABCDEFGHJKMNPQRSTUVWXYZ234_ABCDEFGH"

	first, err := h.Hash(ctx, key)
	require.NoError(t, err)
	second, err := h.Hash(ctx, key)
	require.NoError(t, err)

	assert.NotEqual(t, first.Salt, second.Salt)
	assert.NotEqual(t, first.Hash, second.Hash)
	assert.Equal(t, Algorithm, first.Algorithm)
	assert.Equal(t, testParams, first.Params)

	raw, err := base64.StdEncoding.DecodeString(first.Hash)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	salt, err := base64.StdEncoding.DecodeString(first.Salt)
	require.NoError(t, err)
	assert.Len(t, salt, saltLength)

	for _, stored := range []*Hashed{first, second} {
		ok, err := h.Verify(ctx, key, *stored)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := h.Verify(ctx, key+"X", *first)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyNeedsSamePepper(t *testing.T) {
	ctx := context.Background()
	stored, err := newTestHasher(t, "pepper-one").Hash(ctx, "secret")
	require.NoError(t, err)

	ok, err := newTestHasher(t, "pepper-two").Verify(ctx, "secret", *stored)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyUsesStoredParams(t *testing.T) {
	ctx := context.Background()
	old := newTestHasher(t, "p")
	stored, err := old.Hash(ctx, "secret")
	require.NoError(t, err)

	upgraded, err := New(Params{Memory: 128, Time: 2, Parallelism: 1, KeyLength: 32}, StaticPepper("p"), 1)
	require.NoError(t, err)
	ok, err := upgraded.Verify(ctx, "secret", *stored)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHashFailsClosedWithoutPepper(t *testing.T) {
	h, err := New(testParams, StaticPepper(""), 1)
	require.NoError(t, err)

	_, err = h.Hash(context.Background(), "secret")
	assert.ErrorIs(t, err, ErrPepperMissing)
}

func TestLazyPepperLoadsOnce(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	p := NewLazyPepper(func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "value", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Pepper()
			assert.NoError(t, err)
			assert.Equal(t, "value", string(v))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, calls)
}

func TestLazyPepperRetriesAfterError(t *testing.T) {
	fail := true
	p := NewLazyPepper(func() (string, error) {
		if fail {
			return "", errors.New("secret manager down")
		}
		return "value", nil
	})

	_, err := p.Pepper()
	require.Error(t, err)

	fail = false
	v, err := p.Pepper()
	require.NoError(t, err)
	assert.Equal(t, "value", string(v))
}

func TestHashHonoursCancelledContext(t *testing.T) {
	h, err := New(testParams, StaticPepper("p"), 1)
	require.NoError(t, err)

	// Hold the only slot so the next call has to wait.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Hash(ctx, "secret")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParamsFor(t *testing.T) {
	assert.Equal(t, Production, ParamsFor("prod"))
	assert.Equal(t, Reduced, ParamsFor("dev"))
	assert.NoError(t, Production.Validate())
	assert.NoError(t, Reduced.Validate())
	assert.Error(t, Params{Memory: 1024, Time: 0, Parallelism: 1, KeyLength: 32}.Validate())
}
