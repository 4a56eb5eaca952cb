package tripcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func TestGetOrFetchCachesUntilExpiry(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	c := New(func(_ context.Context, id string) (string, error) {
		calls.Add(1)
		return "stops-" + id, nil
	}, WithClock(clock.Now), WithTTL(time.Minute))

	ctx := context.Background()
	v, err := c.GetOrFetch(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "stops-trip-1", v)

	v, err = c.GetOrFetch(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "stops-trip-1", v)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Minute)
	_, err = c.GetOrFetch(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.Size)
}

func TestGetOrFetchDeduplicatesInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	c := New(func(_ context.Context, id string) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	})

	type result struct {
		v   int
		err error
	}
	first := make(chan result, 1)
	go func() {
		v, err := c.GetOrFetch(context.Background(), "trip-1")
		first <- result{v, err}
	}()
	<-started

	// Callers that give up still join the running fetch rather than starting
	// their own.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 4; i++ {
		_, err := c.GetOrFetch(cancelled, "trip-1")
		assert.ErrorIs(t, err, context.Canceled)
	}
	c.Prefetch(context.Background(), "trip-1")

	close(release)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 42, res.v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAbandonedFetchStillPopulatesCache(t *testing.T) {
	release := make(chan struct{})
	c := New(func(ctx context.Context, id string) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "value", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.GetOrFetch(ctx, "trip-9")
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		v, ok := c.Peek("trip-9")
		return ok && v == "value"
	}, time.Second, 5*time.Millisecond)
}

func TestFetchErrorIsReturnedAndNotCached(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	c := New(func(_ context.Context, id string) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	})

	_, err := c.GetOrFetch(context.Background(), "trip-1")
	require.ErrorIs(t, err, boom)
	_, ok := c.Peek("trip-1")
	assert.False(t, ok)

	v, err := c.GetOrFetch(context.Background(), "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestEvictsOldestFetched(t *testing.T) {
	clock := newClock()
	c := New(func(_ context.Context, id string) (string, error) {
		return id, nil
	}, WithClock(clock.Now), WithCapacity(3))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.GetOrFetch(ctx, fmt.Sprintf("trip-%d", i))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Reading trip-0 does not refresh its fetch time.
	_, err := c.GetOrFetch(ctx, "trip-0")
	require.NoError(t, err)

	_, err = c.GetOrFetch(ctx, "trip-3")
	require.NoError(t, err)

	assert.Equal(t, 3, c.Stats().Size)
	_, ok := c.Peek("trip-0")
	assert.False(t, ok)
	for _, id := range []string{"trip-1", "trip-2", "trip-3"} {
		_, ok := c.Peek(id)
		assert.True(t, ok, id)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(func(_ context.Context, id string) (string, error) { return id, nil })
	_, err := c.GetOrFetch(context.Background(), "trip-1")
	require.NoError(t, err)

	c.Invalidate("trip-1")
	_, ok := c.Peek("trip-1")
	assert.False(t, ok)
	assert.Equal(t, Stats{Misses: 1}, c.Stats())
}
