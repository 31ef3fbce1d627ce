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

	"AgentForge/internal/blueprint"
	"AgentForge/internal/unit"
)

type countingObserver struct {
	mu           sync.Mutex
	hits, misses int
}

func (o *countingObserver) ObserveCacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := New(context.Background(), client, opts...)
	require.True(t, c.Enabled())
	return c, mr
}

func samplePlan() *unit.Plan {
	return &unit.Plan{
		DescriptionID: "desc-1",
		Version:       3,
		Kind:          blueprint.ModeTeam,
		Provider:      "openai",
		Model:         blueprint.ModelSpec{Name: "gpt-4o", Temperature: 0.2, MaxTokens: 512},
		Members: []unit.Plan{
			{
				Kind:  blueprint.ModeSingleAgent,
				Model: blueprint.ModelSpec{Name: "gpt-4o"},
				Tools: []blueprint.ToolSpec{{
					Name: "search", Type: blueprint.ToolWebSearch, Endpoint: "https://search.local",
					Parameters: map[string]string{"q": "query"},
				}},
				MaxIterations: 8,
			},
		},
		CompiledAt: 1700000000,
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	obs := &countingObserver{}
	c, mr := newTestCache(t, WithObserver(obs))
	ctx := context.Background()
	key := Key{DescriptionID: "desc-1", Version: 3}

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, samplePlan(), 0))
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, samplePlan(), got)

	assert.Equal(t, DefaultTTL, mr.TTL("agent_cache:ZGVzYy0x:v3"))
	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
}

func TestSetHonoursTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{DescriptionID: "d", Version: 1}
	require.NoError(t, c.Set(ctx, key, samplePlan(), time.Minute))

	mr.FastForward(61 * time.Second)
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestCorruptedEntryIsMissAndDeleted(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("agent_cache:YmFk:v1", "\xff\x00not cbor"))

	_, ok := c.Get(context.Background(), Key{DescriptionID: "bad", Version: 1})
	assert.False(t, ok)
	assert.False(t, mr.Exists("agent_cache:YmFk:v1"))
}

func TestInvalidateAll(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	for v := 1; v <= 3; v++ {
		require.NoError(t, c.Set(ctx, Key{DescriptionID: "desc-1", Version: v}, samplePlan(), 0))
	}
	require.NoError(t, c.Set(ctx, Key{DescriptionID: "desc-10", Version: 1}, samplePlan(), 0))

	n, err := c.InvalidateAll(ctx, "desc-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for v := 1; v <= 3; v++ {
		_, ok := c.Get(ctx, Key{DescriptionID: "desc-1", Version: v})
		assert.False(t, ok)
	}
	assert.True(t, mr.Exists("agent_cache:ZGVzYy0xMA:v1"))

	n, err = c.InvalidateAll(ctx, "desc-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidateAllEscapesPattern(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Key{DescriptionID: "abc", Version: 1}, samplePlan(), 0))

	n, err := c.InvalidateAll(ctx, "*")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, mr.Exists("agent_cache:YWJj:v1"))
}

func TestInvalidateAllMatchesExactID(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Key{DescriptionID: "foo", Version: 1}, samplePlan(), 0))
	require.NoError(t, c.Set(ctx, Key{DescriptionID: "foo:vbar", Version: 1}, samplePlan(), 0))

	n, err := c.InvalidateAll(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := c.Get(ctx, Key{DescriptionID: "foo:vbar", Version: 1})
	assert.True(t, ok)

	n, err = c.InvalidateAll(ctx, "foo:vbar")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnavailableStoreDegrades(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	c := New(context.Background(), client)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	key := Key{DescriptionID: "d", Version: 1}
	assert.NoError(t, c.Set(ctx, key, samplePlan(), 0))
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	n, err := c.InvalidateAll(ctx, "d")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestDisabledCache(t *testing.T) {
	c := Disabled()
	assert.False(t, c.Enabled())
	var nilCache *Cache
	assert.False(t, nilCache.Enabled())
}

func TestRuntimeErrorIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	mr.SetError("LOADING")
	_, ok := c.Get(context.Background(), Key{DescriptionID: "d", Version: 1})
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{DescriptionID: "shared", Version: i%2 + 1}
			_ = c.Set(ctx, key, samplePlan(), 0)
			c.Get(ctx, key)
			if i%3 == 0 {
				_, _ = c.InvalidateAll(ctx, "shared")
			}
		}(i)
	}
	wg.Wait()
}
