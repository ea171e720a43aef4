package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2ee-gateway/internal/security/cryptoerr"
	"e2ee-gateway/internal/security/encryption"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time         { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCache_TTL(t *testing.T) {
	clock := newClock()
	c := NewCache[string](time.Hour, 10)
	c.SetClock(clock.now)

	require.NoError(t, c.Put("bundle:bob", "v1", time.Second))
	v, ok := c.Get("bundle:bob")
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	clock.advance(1100 * time.Millisecond)
	_, ok = c.Get("bundle:bob")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_TTLClampedToMaximum(t *testing.T) {
	clock := newClock()
	c := NewCache[int](time.Minute, 10)
	c.SetClock(clock.now)

	require.NoError(t, c.Put("a", 1, 24*time.Hour))
	clock.advance(61 * time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok)

	require.NoError(t, c.Put("b", 2, 0))
	c.SetTTL(10 * time.Second)
	clock.advance(11 * time.Second)
	assert.Equal(t, 1, c.Cleanup(clock.now()))
}

func TestCache_LRUEviction(t *testing.T) {
	c := NewCache[int](time.Hour, 2)
	require.NoError(t, c.Put("a", 1, 0))
	require.NoError(t, c.Put("b", 2, 0))
	_, _ = c.Get("a")
	require.NoError(t, c.Put("c", 3, 0))

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)

	c.SetMaxSize(1)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "a", c.Entries()[0].Key)
}

func TestCache_Invalidate(t *testing.T) {
	c := NewCache[int](time.Hour, 10)
	require.NoError(t, c.Put("identity:bob:laptop", 1, 0))
	require.NoError(t, c.Put("identity:bob:phone", 2, 0))
	require.NoError(t, c.Put("identity:carol:phone", 3, 0))

	assert.True(t, c.Invalidate("identity:carol:phone"))
	assert.False(t, c.Invalidate("identity:carol:phone"))
	assert.Equal(t, 2, c.InvalidatePrefix("identity:bob:"))
	assert.Equal(t, 0, c.Len())
}

func TestKeyCache_RejectsPrivateMaterial(t *testing.T) {
	c := NewKeyCache(time.Hour, 10)
	kp, err := encryption.GenerateX25519KeyPair()
	require.NoError(t, err)

	require.NoError(t, c.Put("pub", kp.Public(), 0))
	priv := encryption.CryptoKey{Algorithm: encryption.AlgorithmX25519, Material: kp.PrivateKey, IsPrivate: true}
	assert.ErrorIs(t, c.Put("priv", priv, 0), cryptoerr.ErrValidation)
	assert.Equal(t, 1, c.Len())
}
