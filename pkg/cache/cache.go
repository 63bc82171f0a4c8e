// Package cache provides a refresh-ahead cache: entries older than the TTL are
// still served while a single background load replaces them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/jobusage/pkg/metrics"
)

const (
	defaultTTL         = 5 * time.Minute
	defaultIdleTTL     = 24 * time.Hour
	defaultCapacity    = 1024
	defaultLoadTimeout = 5 * time.Minute
)

// Key is a typed cache key. CacheKey must return a canonical string that is
// equal for equal keys.
type Key interface {
	comparable
	CacheKey() string
}

// LoadFunc computes the value for a key.
type LoadFunc[V any] func(ctx context.Context) (V, error)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Name   string

	// TTL is how long a loaded value is considered fresh.
	TTL time.Duration
	// IdleTTL evicts entries that have not been read for this long.
	IdleTTL time.Duration
	// Capacity bounds the number of entries; least recently used go first.
	Capacity uint64
	// LoadTimeout bounds every load, sync or background.
	LoadTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = defaultLoadTimeout
	}
	return nil
}

type entry[V any] struct {
	value    V
	loadedAt time.Time
}

type Cache[K Key, V any] struct {
	log *slog.Logger
	cfg Config

	items *ttlcache.Cache[K, *entry[V]]

	loads     singleflight.Group
	refreshes singleflight.Group

	// gen is bumped by InvalidateAll; loads started under an older
	// generation never store their result.
	mu  sync.Mutex
	gen atomic.Uint64
}

func New[K Key, V any](cfg Config) (*Cache[K, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	items := ttlcache.New(
		ttlcache.WithTTL[K, *entry[V]](cfg.IdleTTL),
		ttlcache.WithCapacity[K, *entry[V]](cfg.Capacity),
	)
	go items.Start()
	return &Cache[K, V]{
		log:   cfg.Logger,
		cfg:   cfg,
		items: items,
	}, nil
}

// Close stops the expiry loop.
func (c *Cache[K, V]) Close() {
	c.items.Stop()
}

// Get returns the cached value for key, loading it with load on a miss.
// Concurrent misses for the same key share one load. A value older than the
// TTL is returned as is and one background refresh is started for it.
func (c *Cache[K, V]) Get(ctx context.Context, key K, load LoadFunc[V]) (V, error) {
	if item := c.items.Get(key); item != nil {
		e := item.Value()
		if c.cfg.Clock.Since(e.loadedAt) < c.cfg.TTL {
			metrics.CacheRequests.WithLabelValues(c.cfg.Name, "hit").Inc()
			return e.value, nil
		}
		metrics.CacheRequests.WithLabelValues(c.cfg.Name, "stale").Inc()
		c.refresh(key, load)
		return e.value, nil
	}
	metrics.CacheRequests.WithLabelValues(c.cfg.Name, "miss").Inc()

	gen := c.gen.Load()
	ch := c.loads.DoChan(flightKey(gen, key), func() (any, error) {
		if item := c.items.Get(key); item != nil {
			return item.Value().value, nil
		}
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()
		v, err := load(lctx)
		if err != nil {
			metrics.CacheLoads.WithLabelValues(c.cfg.Name, "sync", "error").Inc()
			return nil, err
		}
		metrics.CacheLoads.WithLabelValues(c.cfg.Name, "sync", "ok").Inc()
		c.store(key, v, gen)
		return v, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (c *Cache[K, V]) refresh(key K, load LoadFunc[V]) {
	gen := c.gen.Load()
	c.refreshes.DoChan(flightKey(gen, key), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LoadTimeout)
		defer cancel()
		start := c.cfg.Clock.Now()
		v, err := load(ctx)
		if err != nil {
			metrics.CacheLoads.WithLabelValues(c.cfg.Name, "refresh", "error").Inc()
			c.log.Warn("cache: background refresh failed, keeping stale value", "cache", c.cfg.Name, "key", key.CacheKey(), "error", err)
			return nil, err
		}
		metrics.CacheLoads.WithLabelValues(c.cfg.Name, "refresh", "ok").Inc()
		c.store(key, v, gen)
		c.log.Debug("cache: refreshed", "cache", c.cfg.Name, "key", key.CacheKey(), "duration", c.cfg.Clock.Since(start).String())
		return nil, nil
	})
}

func (c *Cache[K, V]) store(key K, v V, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	c.items.Set(key, &entry[V]{value: v, loadedAt: c.cfg.Clock.Now()}, ttlcache.DefaultTTL)
}

// InvalidateAll drops every entry. Loads already in flight finish but do not
// store their results.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.items.DeleteAll()
	metrics.CacheInvalidations.WithLabelValues(c.cfg.Name).Inc()
	c.log.Debug("cache: invalidated", "cache", c.cfg.Name)
}

// Len returns the number of cached entries, fresh or stale.
func (c *Cache[K, V]) Len() int {
	return c.items.Len()
}

func flightKey[K Key](gen uint64, key K) string {
	return fmt.Sprintf("%d/%s", gen, key.CacheKey())
}
