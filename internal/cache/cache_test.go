package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_StableAndDistinct(t *testing.T) {
	k1 := Key("subject", "body", "a@b.com")
	k2 := Key("subject", "body", "a@b.com")
	assert.Equal(t, k1, k2)

	assert.NotEqual(t, k1, Key("subject", "body", "c@d.com"))
	assert.NotEqual(t, k1, Key("subjectbody", "", "a@b.com"), "field boundaries must be preserved")
}

func TestGetOrCompute_MissThenHit(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBacking(), time.Hour)

	calls := 0
	compute := func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{Decision: true, Confidence: 0.8, ModelID: "m1"}, nil
	}

	e, hit, err := c.GetOrCompute(ctx, "relevance", "k1", compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, e.Decision)
	assert.Equal(t, 1, calls)

	e, hit, err = c.GetOrCompute(ctx, "relevance", "k1", compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.InDelta(t, 0.8, e.Confidence, 0.001)
	assert.Equal(t, 1, calls, "cached result must not recompute")
}

func TestGetOrCompute_StageKeyedSeparately(t *testing.T) {
	// A relevance hit must not satisfy an extraction request for the same
	// content hash.
	ctx := context.Background()
	c := New(NewMemoryBacking(), time.Hour)

	calls := 0
	compute := func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{Decision: true, Confidence: 0.9}, nil
	}

	_, _, err := c.GetOrCompute(ctx, "relevance", "k1", compute)
	require.NoError(t, err)
	_, hit, err := c.GetOrCompute(ctx, "extraction", "k1", compute)
	require.NoError(t, err)

	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_SingleFlight(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBacking(), time.Hour)

	var calls atomic.Int32
	gate := make(chan struct{})
	compute := func(ctx context.Context) (Entry, error) {
		calls.Add(1)
		<-gate // hold the flight open until all callers have joined
		return Entry{Decision: true, Confidence: 0.7}, nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, _, err := c.GetOrCompute(ctx, "relevance", "shared", compute)
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}

	// Give the goroutines time to pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "N concurrent identical requests must trigger exactly one compute")
	for _, e := range results {
		assert.True(t, e.Decision)
	}
}

func TestGet_ExpiredEntryIsAbsent(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()

	err := backing.Set(ctx, Entry{
		Key:       "k1",
		Stage:     "relevance",
		Decision:  true,
		CachedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	c := New(backing, time.Hour)
	e, err := c.Get(ctx, "relevance", "k1")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestGetOrCompute_ExpiredEntryRefreshedLazily(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryBacking()
	require.NoError(t, backing.Set(ctx, Entry{
		Key:       "k1",
		Stage:     "relevance",
		Decision:  false,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	c := New(backing, time.Hour)
	calls := 0
	e, hit, err := c.GetOrCompute(ctx, "relevance", "k1", func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{Decision: true, Confidence: 0.9}, nil
	})
	require.NoError(t, err)

	assert.False(t, hit)
	assert.True(t, e.Decision)
	assert.Equal(t, 1, calls)
	assert.True(t, e.ExpiresAt.After(time.Now()))
}

func TestGetOrCompute_ComputeErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(NewMemoryBacking(), time.Hour)

	calls := 0
	_, _, err := c.GetOrCompute(ctx, "relevance", "k1", func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{}, assert.AnError
	})
	assert.Error(t, err)

	// Next call recomputes instead of serving a poisoned entry.
	e, hit, err := c.GetOrCompute(ctx, "relevance", "k1", func(ctx context.Context) (Entry, error) {
		calls++
		return Entry{Decision: true}, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, e.Decision)
	assert.Equal(t, 2, calls)
}
