package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := newClock()
	c := New[string](Config{Name: "store", TTL: 5 * time.Minute}, WithClock(clock.Now))

	c.Set("GET /objects", "payload")

	clock.Advance(4 * time.Minute)
	v, ok := c.Get("GET /objects")
	require.True(t, ok)
	assert.Equal(t, "payload", v)

	clock.Advance(time.Minute)
	_, ok = c.Get("GET /objects")
	assert.False(t, ok, "entry at exactly TTL must not be reused")
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestCache_EvictsOldestFifth(t *testing.T) {
	clock := newClock()
	c := New[int](Config{TTL: time.Hour, MaxEntries: 10}, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%02d", i), i)
		clock.Advance(time.Second)
	}
	require.Equal(t, 10, c.Len())

	c.Set("k10", 10)

	// 11 entries > 10: the oldest 11/5 = 2 are evicted
	assert.Equal(t, 9, c.Len())
	_, ok := c.Get("k00")
	assert.False(t, ok)
	_, ok = c.Get("k01")
	assert.False(t, ok)
	_, ok = c.Get("k02")
	assert.True(t, ok)
	_, ok = c.Get("k10")
	assert.True(t, ok)
}

func TestCache_DeletePrefix(t *testing.T) {
	c := New[string](Config{TTL: time.Hour})
	c.Set("query:companies:a", "1")
	c.Set("query:companies:b", "2")
	c.Set("query:people:a", "3")

	assert.Equal(t, 2, c.DeletePrefix("query:companies:"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_RangeSkipsExpiredAndKeepsOrder(t *testing.T) {
	clock := newClock()
	c := New[string](Config{TTL: time.Minute}, WithClock(clock.Now))

	c.Set("companies:old", "1")
	clock.Advance(45 * time.Second)
	c.Set("companies:acme", "2")
	c.Set("people:jane", "3")
	clock.Advance(30 * time.Second)

	var keys []string
	c.Range(func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"companies:acme", "people:jane"}, keys)
}

func TestHashKey_Deterministic(t *testing.T) {
	a := HashKey("POST", "/objects/companies/records/query", `{"limit":100}`)
	b := HashKey("POST", "/objects/companies/records/query", `{"limit":100}`)
	c := HashKey("POST", "/objects/companies/records/query", `{"limit":50}`)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// part boundaries matter
	assert.NotEqual(t, HashKey("ab", "c"), HashKey("a", "bc"))
}
