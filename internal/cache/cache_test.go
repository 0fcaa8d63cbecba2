package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/iocforge/internal/entity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "virustotal:domain:evil.com", Key("virustotal", entity.IOCTypeDomain, " Evil.COM "))
	assert.Equal(t, "urlscan:url:http://x.test/Path", Key("urlscan", entity.IOCTypeURL, "http://x.test/Path"))
	assert.NotEqual(t, Key("a", entity.IOCTypeMD5, "x"), Key("b", entity.IOCTypeMD5, "x"))
}

func TestTTLSettings_Validate(t *testing.T) {
	assert.NoError(t, TTLSettings{Positive: time.Second, Negative: time.Second}.Validate())
	assert.ErrorIs(t, TTLSettings{Positive: 0, Negative: time.Second}.Validate(), ErrInvalidTTL)
}

// ============================================================================
// Memory backend
// ============================================================================

func newMemory(t *testing.T, clock *fakeClock, ttl TTLSettings) *Memory {
	t.Helper()
	m, err := NewMemory(100, ttl, WithMemoryClock(clock.Now))
	require.NoError(t, err)
	return m
}

func TestMemory_PolarityTTLs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMemory(t, clock, TTLSettings{Positive: time.Hour, Negative: time.Second})

	require.NoError(t, m.Put(ctx, "pos", []byte(`{"v":1}`), Positive))
	require.NoError(t, m.Put(ctx, "neg", []byte(`{}`), Negative))

	clock.Advance(1100 * time.Millisecond)

	e, ok, err := m.Get(ctx, "pos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Positive, e.Polarity)
	assert.JSONEq(t, `{"v":1}`, string(e.Payload))

	_, ok, err = m.Get(ctx, "neg")
	require.NoError(t, err)
	assert.False(t, ok, "negative entry must be a miss after its TTL")
	assert.Equal(t, 1, m.Len(), "expired entry is evicted on read")

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Writes)
}

func TestMemory_ExpiryBoundaryIsExclusive(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMemory(t, clock, TTLSettings{Positive: time.Minute, Negative: time.Minute})

	require.NoError(t, m.Put(ctx, "k", nil, Positive))
	clock.Advance(time.Minute)
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_ExpiredRemovalSparesFreshPut(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMemory(t, clock, TTLSettings{Positive: time.Hour, Negative: time.Second})

	require.NoError(t, m.Put(ctx, "k", []byte("old"), Negative))
	clock.Advance(2 * time.Second)
	stale, ok := m.entries.Peek("k")
	require.True(t, ok)
	require.True(t, stale.Expired(clock.Now()))

	// A writer replaces the entry after a reader saw it expired.
	require.NoError(t, m.Put(ctx, "k", []byte("new"), Positive))
	m.removeIfSame("k", stale)

	e, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "fresh entry must survive the stale removal")
	assert.Equal(t, "new", string(e.Payload))

	m.removeIfSame("k", stale)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_ClearAndSetTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newMemory(t, clock, TTLSettings{Positive: time.Hour, Negative: time.Hour})

	require.NoError(t, m.Put(ctx, "k", []byte("x"), Positive))
	require.NoError(t, m.Clear(ctx))
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)

	assert.ErrorIs(t, m.SetTTL(ctx, -time.Second, time.Second), ErrInvalidTTL)
	require.NoError(t, m.SetTTL(ctx, 2*time.Second, time.Second))
	assert.Equal(t, TTLSettings{Positive: 2 * time.Second, Negative: time.Second}, m.TTL())

	require.NoError(t, m.Put(ctx, "k", []byte("x"), Positive))
	clock.Advance(3 * time.Second)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_ReturnedEntryIsACopy(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, newFakeClock(), TTLSettings{Positive: time.Hour, Negative: time.Hour})
	payload := []byte("abc")
	require.NoError(t, m.Put(ctx, "k", payload, Positive))
	payload[0] = 'z'

	e, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(e.Payload))
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t, newFakeClock(), TTLSettings{Positive: time.Hour, Negative: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := Key("p", entity.IOCTypeDomain, string(rune('a'+j%26)))
				_ = m.Put(ctx, key, []byte{byte(i)}, Positive)
				_, _, _ = m.Get(ctx, key)
				if j%50 == 0 {
					_ = m.Clear(ctx)
				}
			}
		}(i)
	}
	wg.Wait()
}

// ============================================================================
// Redis backend
// ============================================================================

func newRedis(t *testing.T, ttl TTLSettings) (*Redis, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r, err := NewRedis(context.Background(), client, "test:cache", ttl, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r, mr, client
}

func TestRedis_PolarityTTLs(t *testing.T) {
	ctx := context.Background()
	r, mr, _ := newRedis(t, TTLSettings{Positive: time.Hour, Negative: time.Second})

	require.NoError(t, r.Put(ctx, "pos", []byte("found"), Positive))
	require.NoError(t, r.Put(ctx, "neg", []byte("absent"), Negative))

	mr.FastForward(1100 * time.Millisecond)

	e, ok, err := r.Get(ctx, "pos")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "found", string(e.Payload))
	assert.Equal(t, Positive, e.Polarity)

	_, ok, err = r.Get(ctx, "neg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ExpiresAtCheckedOnRead(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRedis(t, TTLSettings{Positive: time.Hour, Negative: time.Hour})

	require.NoError(t, r.Put(ctx, "k", []byte("v"), Positive))
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ClearBumpsGeneration(t *testing.T) {
	ctx := context.Background()
	r, mr, _ := newRedis(t, TTLSettings{Positive: time.Hour, Negative: time.Hour})

	require.NoError(t, r.Put(ctx, "k", []byte("v1"), Positive))
	require.NoError(t, r.Clear(ctx))

	_, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	gen, err := mr.Get("test:cache:generation")
	require.NoError(t, err)
	assert.Equal(t, "1", gen)

	require.NoError(t, r.Put(ctx, "k", []byte("v2"), Positive))
	e, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(e.Payload))
}

func TestRedis_TTLSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	r, _, client := newRedis(t, TTLSettings{Positive: time.Hour, Negative: time.Minute})

	require.NoError(t, r.SetTTL(ctx, 2*time.Hour, 30*time.Minute))

	other, err := NewRedis(ctx, client, "test:cache", TTLSettings{Positive: time.Second, Negative: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, TTLSettings{Positive: 2 * time.Hour, Negative: 30 * time.Minute}, other.TTL())

	assert.ErrorIs(t, r.SetTTL(ctx, time.Hour, 0), ErrInvalidTTL)
}

func TestRedis_GetErrorsWhenServerDown(t *testing.T) {
	ctx := context.Background()
	r, mr, _ := newRedis(t, TTLSettings{Positive: time.Hour, Negative: time.Hour})
	mr.Close()

	_, _, err := r.Get(ctx, "k")
	assert.Error(t, err)
}
