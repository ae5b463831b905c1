package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermux/browsermux/api/schemas"
)

func extractCmd(session, selector string) *schemas.ExtractCommand {
	return &schemas.ExtractCommand{
		BaseCommand: schemas.BaseCommand{
			ID:        "c1",
			Method:    schemas.MethodExtract,
			SessionID: session,
			TimeoutMs: 30000,
		},
		Selector:       selector,
		ExtractType:    schemas.ExtractText,
		TrimWhitespace: true,
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("stable across identical commands", func(t *testing.T) {
		k1, ok1 := Fingerprint(extractCmd("s1", "h1"))
		k2, ok2 := Fingerprint(extractCmd("s1", "h1"))
		require.True(t, ok1)
		require.True(t, ok2)
		assert.Equal(t, k1, k2)
	})

	t.Run("command id and timeout do not affect the key", func(t *testing.T) {
		a := extractCmd("s1", "h1")
		b := extractCmd("s1", "h1")
		b.ID = "c999"
		b.TimeoutMs = 60000
		k1, _ := Fingerprint(a)
		k2, _ := Fingerprint(b)
		assert.Equal(t, k1, k2)
	})

	t.Run("parameters change the key", func(t *testing.T) {
		k1, _ := Fingerprint(extractCmd("s1", "h1"))

		b := extractCmd("s1", "h1")
		b.Multiple = true
		k2, _ := Fingerprint(b)
		assert.NotEqual(t, k1, k2)

		c := extractCmd("s1", "h2")
		k3, _ := Fingerprint(c)
		assert.NotEqual(t, k1, k3)
	})

	t.Run("session scopes the key", func(t *testing.T) {
		k1, _ := Fingerprint(extractCmd("s1", "h1"))
		k2, _ := Fingerprint(extractCmd("s2", "h1"))
		assert.NotEqual(t, k1, k2)
		assert.True(t, strings.HasPrefix(k1, "s1:"))
		assert.True(t, strings.HasPrefix(k2, "s2:"))
	})

	t.Run("only extract is cacheable", func(t *testing.T) {
		_, ok := Fingerprint(&schemas.NavigateCommand{})
		assert.False(t, ok)
		_, ok = Fingerprint(&schemas.WaitCommand{})
		assert.False(t, ok)
		_, ok = Fingerprint(&schemas.ClickCommand{})
		assert.False(t, ok)
	})
}

func respWith(data string) *schemas.ExtractResponse {
	return &schemas.ExtractResponse{ElementsFound: 1, Data: data}
}

func TestResultCache_HitMiss(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	calls := 0
	compute := func() (*schemas.ExtractResponse, error) {
		calls++
		return respWith("v1"), nil
	}

	got, fromCache, err := c.GetOrCompute("s1:abc", "s1", compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "v1", got.Data)
	assert.Equal(t, 1, calls)

	got, fromCache, err = c.GetOrCompute("s1:abc", "s1", compute)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "v1", got.Data)
	assert.Equal(t, 1, calls, "second call must be served from cache")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestResultCache_TTLExpiry(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	c.now = func() time.Time { return base }

	calls := 0
	compute := func() (*schemas.ExtractResponse, error) {
		calls++
		return respWith("v"), nil
	}

	_, _, err = c.GetOrCompute("k", "s1", compute)
	require.NoError(t, err)

	// Inside the TTL: hit.
	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, fromCache, _ := c.GetOrCompute("k", "s1", compute)
	assert.True(t, fromCache)

	// Past the TTL: recompute.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, fromCache, _ = c.GetOrCompute("k", "s1", compute)
	assert.False(t, fromCache)
	assert.Equal(t, 2, calls)
}

func TestResultCache_InvalidateSession(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	fill := func(key, session string) {
		_, _, err := c.GetOrCompute(key, session, func() (*schemas.ExtractResponse, error) {
			return respWith(key), nil
		})
		require.NoError(t, err)
	}

	fill("s1:a", "s1")
	fill("s1:b", "s1")
	fill("s2:a", "s2")
	assert.Equal(t, 3, c.Len())

	removed := c.InvalidateSession("s1")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len(), "other sessions keep their entries")

	// s1 entries are gone; a new compute runs.
	calls := 0
	_, fromCache, _ := c.GetOrCompute("s1:a", "s1", func() (*schemas.ExtractResponse, error) {
		calls++
		return respWith("fresh"), nil
	})
	assert.False(t, fromCache)
	assert.Equal(t, 1, calls)

	assert.Equal(t, 0, c.InvalidateSession("unknown"))
}

func TestResultCache_CapacityEviction(t *testing.T) {
	c, err := New(2, time.Minute)
	require.NoError(t, err)

	fill := func(key string) {
		_, _, err := c.GetOrCompute(key, "s1", func() (*schemas.ExtractResponse, error) {
			return respWith(key), nil
		})
		require.NoError(t, err)
	}

	fill("s1:a")
	fill("s1:b")
	fill("s1:c")
	assert.Equal(t, 2, c.Len())
	assert.GreaterOrEqual(t, c.Stats().Evictions, int64(1))

	// The evicted key must have left the session index too: invalidation
	// removes exactly the live entries.
	assert.Equal(t, 2, c.InvalidateSession("s1"))
}

func TestResultCache_SingleflightCollapses(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	var calls atomic.Int32
	gate := make(chan struct{})

	compute := func() (*schemas.ExtractResponse, error) {
		calls.Add(1)
		<-gate
		return respWith("shared"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*schemas.ExtractResponse, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := c.GetOrCompute("k", "s1", compute)
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}

	// Let the racers pile onto the flight group, then release the compute.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent computes must collapse to one")
	for _, r := range results {
		assert.Equal(t, "shared", r.Data)
	}
}
