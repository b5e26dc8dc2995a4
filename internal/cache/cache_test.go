package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powa-team/querypool/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration, maxEntries int) (*ResultCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(ttl, maxEntries, WithClock(clock.now)), clock
}

func result(n int) *model.QueryResult {
	return &model.QueryResult{
		Columns: []string{"id"},
		Rows:    []map[string]any{{"id": int64(n)}},
		Source:  model.SourceDatabase,
	}
}

func TestResultCache_GetWithinTTL(t *testing.T) {
	c, clock := newTestCache(300*time.Second, 10)

	c.Set("k", result(1))
	clock.advance(time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, result(1), got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestResultCache_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Set("k", result(1))
	clock.advance(time.Minute)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expired)
}

func TestResultCache_FIFOEviction(t *testing.T) {
	c, _ := newTestCache(time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), result(i))
	}
	// Reading k1 does not protect it: eviction is by insertion order.
	_, ok := c.Get("k1")
	require.True(t, ok)

	c.Set("k4", result(4))

	_, ok = c.Get("k1")
	assert.False(t, ok)
	for _, k := range []string{"k2", "k3", "k4"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestResultCache_ResetCountsAsNewInsertion(t *testing.T) {
	c, clock := newTestCache(time.Minute, 2)

	c.Set("a", result(1))
	c.Set("b", result(2))
	clock.advance(40 * time.Second)
	c.Set("a", result(3))
	c.Set("c", result(4))

	_, ok := c.Get("b")
	assert.False(t, ok, "b was the oldest insertion")

	clock.advance(30 * time.Second)
	got, ok := c.Get("a")
	require.True(t, ok, "re-set refreshes insertion time")
	assert.Equal(t, result(3), got)
}

func TestResultCache_Sweep(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.Set("old1", result(1))
	c.Set("old2", result(2))
	clock.advance(45 * time.Second)
	c.Set("fresh", result(3))
	clock.advance(30 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	base, err := Key("SELECT * FROM t WHERE id = ?", []any{1}, model.Options{})
	require.NoError(t, err)

	same, err := Key("select *\n  from t where id=?;", []any{1}, model.Options{})
	require.NoError(t, err)
	assert.Equal(t, base, same)

	otherParam, err := Key("SELECT * FROM t WHERE id = ?", []any{2}, model.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, base, otherParam)

	timed, err := Key("SELECT * FROM t WHERE id = ?", []any{1}, model.Options{IncludeTiming: true})
	require.NoError(t, err)
	assert.NotEqual(t, base, timed)

	_, err = Key("SELECT ?", []any{make(chan int)}, model.Options{})
	assert.Error(t, err)
}

func TestKey_DistinguishesParamTypes(t *testing.T) {
	query := "SELECT * FROM t WHERE id = ?"
	keyOf := func(params ...any) string {
		k, err := Key(query, params, model.Options{})
		require.NoError(t, err)
		return k
	}

	assert.NotEqual(t, keyOf(1), keyOf(1.0))
	assert.NotEqual(t, keyOf(int64(1)), keyOf(1))
	assert.NotEqual(t, keyOf([]byte("hi")), keyOf("aGk="))
	assert.Equal(t, keyOf("hi"), keyOf("hi"))
}
