// ABOUTME: Tests for the delivered-id cache.
// ABOUTME: Validates TTL expiry, size bound, eviction order, claim atomicity and sweeping.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, ttl time.Duration, size int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, size)
	c.now = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_DeliveredUnknown(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)
	assert.False(t, c.Delivered("op-1"))
}

func TestCache_MarkDelivered(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.MarkDelivered("op-1")
	assert.True(t, c.Delivered("op-1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.MarkDelivered("op-1")
	clock.Advance(59 * time.Second)
	assert.True(t, c.Delivered("op-1"))

	clock.Advance(2 * time.Second)
	assert.False(t, c.Delivered("op-1"))
}

func TestCache_RemarkRefreshes(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.MarkDelivered("op-1")
	clock.Advance(50 * time.Second)
	c.MarkDelivered("op-1")
	clock.Advance(50 * time.Second)

	assert.True(t, c.Delivered("op-1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_EvictsOldestWhenFull(t *testing.T) {
	c, _ := newTestCache(t, time.Hour, 3)

	c.MarkDelivered("a")
	c.MarkDelivered("b")
	c.MarkDelivered("c")
	c.MarkDelivered("a") // a becomes newest
	c.MarkDelivered("d") // evicts b

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Delivered("a"))
	assert.False(t, c.Delivered("b"))
	assert.True(t, c.Delivered("c"))
	assert.True(t, c.Delivered("d"))
}

func TestCache_Claim(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Claim("op-1"), "first claim is new")
	assert.True(t, c.Claim("op-1"), "second claim is a duplicate")

	clock.Advance(2 * time.Minute)
	assert.False(t, c.Claim("op-1"), "expired id may be claimed again")
}

func TestCache_ClaimConcurrent(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Claim("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	assert.True(t, c.Delivered("same"))
}

func TestCache_Forget(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.MarkDelivered("op-1")
	c.Forget("op-1")
	c.Forget("never-marked")

	assert.False(t, c.Delivered("op-1"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_RemoveExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.MarkDelivered("old-1")
	c.MarkDelivered("old-2")
	clock.Advance(45 * time.Second)
	c.MarkDelivered("new")
	clock.Advance(30 * time.Second)

	c.removeExpired()

	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Delivered("new"))
}

func TestCache_ConcurrentMarks(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := fmt.Sprintf("op-%d-%d", n, j)
				c.MarkDelivered(id)
				_ = c.Delivered(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 500, c.Len())
}

func TestCache_Defaults(t *testing.T) {
	c := New(0, 0)
	defer c.Close()

	assert.Equal(t, DefaultTTL, c.ttl)
	assert.Equal(t, DefaultMaxSize, c.maxSize)
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	require.NotPanics(t, c.Close)
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, sweepInterval(10*time.Second))
	assert.Equal(t, time.Minute, sweepInterval(time.Hour))
}
