package cache

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"
)

var logger *slog.Logger

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	os.Exit(m.Run())
}

type testKey struct {
	name string
}

func (k testKey) CacheKey() string { return k.name }

func newTestCache(t *testing.T, clock clockwork.Clock) *Cache[testKey, string] {
	t.Helper()
	c, err := New[testKey, string](Config{
		Logger: logger,
		Clock:  clock,
		Name:   t.Name(),
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestJobUsage_Cache_Config(t *testing.T) {
	t.Parallel()

	_, err := New[testKey, string](Config{})
	require.EqualError(t, err, "logger is required")

	cfg := Config{Logger: logger}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultTTL, cfg.TTL)
	require.Equal(t, uint64(defaultCapacity), cfg.Capacity)
	require.NotNil(t, cfg.Clock)
}

func TestJobUsage_Cache_Get(t *testing.T) {
	t.Parallel()

	t.Run("miss loads once and caches", func(t *testing.T) {
		t.Parallel()
		c := newTestCache(t, clockwork.NewFakeClock())
		var calls atomic.Int32
		load := func(context.Context) (string, error) {
			calls.Add(1)
			return "v1", nil
		}

		for range 3 {
			v, err := c.Get(t.Context(), testKey{"a"}, load)
			require.NoError(t, err)
			require.Equal(t, "v1", v)
		}
		require.Equal(t, int32(1), calls.Load())
		require.Equal(t, 1, c.Len())
	})

	t.Run("concurrent misses share one load", func(t *testing.T) {
		t.Parallel()
		c := newTestCache(t, clockwork.NewFakeClock())
		var calls atomic.Int32
		release := make(chan struct{})
		load := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "v1", nil
		}

		var wg sync.WaitGroup
		results := make([]string, 10)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := c.Get(t.Context(), testKey{"a"}, load)
				if err == nil {
					results[i] = v
				}
			}()
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		require.Equal(t, int32(1), calls.Load())
		for _, v := range results {
			require.Equal(t, "v1", v)
		}
	})

	t.Run("load error is returned and not cached", func(t *testing.T) {
		t.Parallel()
		c := newTestCache(t, clockwork.NewFakeClock())
		var calls atomic.Int32
		boom := errors.New("boom")
		load := func(context.Context) (string, error) {
			calls.Add(1)
			return "", boom
		}

		_, err := c.Get(t.Context(), testKey{"a"}, load)
		require.ErrorIs(t, err, boom)
		_, err = c.Get(t.Context(), testKey{"a"}, load)
		require.ErrorIs(t, err, boom)
		require.Equal(t, int32(2), calls.Load())
		require.Equal(t, 0, c.Len())
	})

	t.Run("cancelled caller returns context error", func(t *testing.T) {
		t.Parallel()
		c := newTestCache(t, clockwork.NewFakeClock())
		release := make(chan struct{})
		defer close(release)
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := c.Get(ctx, testKey{"a"}, func(context.Context) (string, error) {
			<-release
			return "v1", nil
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestJobUsage_Cache_RefreshAhead(t *testing.T) {
	t.Parallel()

	t.Run("stale hit returns old value and refreshes once", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		c := newTestCache(t, clock)

		_, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) { return "v1", nil })
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)

		var calls atomic.Int32
		release := make(chan struct{})
		refresh := func(context.Context) (string, error) {
			calls.Add(1)
			<-release
			return "v2", nil
		}
		for range 5 {
			v, err := c.Get(t.Context(), testKey{"a"}, refresh)
			require.NoError(t, err)
			require.Equal(t, "v1", v)
		}
		close(release)

		require.Eventually(t, func() bool {
			v, err := c.Get(t.Context(), testKey{"a"}, refresh)
			return err == nil && v == "v2"
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("failed refresh keeps stale value", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		c := newTestCache(t, clock)

		_, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) { return "v1", nil })
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		var calls atomic.Int32
		failing := func(context.Context) (string, error) {
			calls.Add(1)
			return "", errors.New("backend down")
		}
		v, err := c.Get(t.Context(), testKey{"a"}, failing)
		require.NoError(t, err)
		require.Equal(t, "v1", v)

		require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
		v, err = c.Get(t.Context(), testKey{"a"}, failing)
		require.NoError(t, err)
		require.Equal(t, "v1", v)
	})
}

func TestJobUsage_Cache_InvalidateAll(t *testing.T) {
	t.Parallel()

	t.Run("drops entries", func(t *testing.T) {
		t.Parallel()
		c := newTestCache(t, clockwork.NewFakeClock())
		_, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) { return "v1", nil })
		require.NoError(t, err)

		c.InvalidateAll()
		require.Equal(t, 0, c.Len())

		v, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) { return "v2", nil })
		require.NoError(t, err)
		require.Equal(t, "v2", v)
	})

	t.Run("in-flight refresh does not store after invalidation", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClock()
		c := newTestCache(t, clock)
		_, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) { return "v1", nil })
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		v, err := c.Get(t.Context(), testKey{"a"}, func(context.Context) (string, error) {
			close(started)
			<-release
			defer close(done)
			return "stale-v2", nil
		})
		require.NoError(t, err)
		require.Equal(t, "v1", v)

		<-started
		c.InvalidateAll()
		close(release)
		<-done
		time.Sleep(50 * time.Millisecond)

		require.Equal(t, 0, c.Len())
	})
}
