package cache

import (
	"context"
	"sync"
	"time"

	internalcache "github.com/soumantrivedi/ideaforge/internal/cache"
	"github.com/soumantrivedi/ideaforge/types"
	"go.uber.org/zap"
)

// ResponseCache is the C2 component: a content-addressed cache of agent
// outputs keyed by CacheKey. It prefers a shared Redis-backed store so that
// multiple process instances share hits, but degrades to a process-local
// in-memory store when Redis cannot be reached at construction time —
// callers never need to special-case either mode.
type ResponseCache struct {
	manager *internalcache.Manager // nil when running in memory-only mode
	mem     sync.Map               // types.CacheKey -> types.CachedResponse, memory-only mode
	logger  *zap.Logger
}

// Config mirrors internal/cache.Config; it is re-declared here so that
// callers configuring the orchestrator never need to import the internal
// package directly.
type Config struct {
	Addr                string
	Password            string
	DB                  int
	DefaultTTL          time.Duration
	MaxRetries          int
	PoolSize            int
	MinIdleConns        int
	HealthCheckInterval time.Duration
}

// New builds a ResponseCache. If Redis cannot be reached, it logs a warning
// and returns a cache running purely in memory for the life of this process.
func New(cfg Config, logger *zap.Logger) *ResponseCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "response_cache"))

	manager, err := internalcache.NewManager(internalcache.Config{
		Addr:                cfg.Addr,
		Password:            cfg.Password,
		DB:                  cfg.DB,
		DefaultTTL:          cfg.DefaultTTL,
		MaxRetries:          cfg.MaxRetries,
		PoolSize:            cfg.PoolSize,
		MinIdleConns:        cfg.MinIdleConns,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("redis unreachable, falling back to in-memory response cache", zap.Error(err))
		return &ResponseCache{logger: logger}
	}

	return &ResponseCache{manager: manager, logger: logger}
}

// Get returns the cached response for key, or ok=false on a miss or expiry.
func (c *ResponseCache) Get(ctx context.Context, key types.CacheKey) (types.CachedResponse, bool) {
	if c.manager == nil {
		return c.memGet(key)
	}

	var stored types.CachedResponse
	if err := c.manager.GetJSON(ctx, key.String(), &stored); err != nil {
		if !internalcache.IsCacheMiss(err) {
			c.logger.Warn("response cache get failed", zap.String("key", key.String()), zap.Error(err))
		}
		return types.CachedResponse{}, false
	}
	if !stored.Live(time.Now()) {
		return types.CachedResponse{}, false
	}
	return stored, true
}

// Set stores resp under key with the given TTL, overwriting any prior entry.
func (c *ResponseCache) Set(ctx context.Context, key types.CacheKey, resp types.CachedResponse, ttl time.Duration) {
	resp.Key = key
	resp.StoredAt = time.Now()
	resp.Ttl = ttl

	if c.manager == nil {
		c.mem.Store(key, resp)
		return
	}

	if err := c.manager.SetJSON(ctx, key.String(), resp, ttl); err != nil {
		c.logger.Warn("response cache set failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *ResponseCache) memGet(key types.CacheKey) (types.CachedResponse, bool) {
	v, ok := c.mem.Load(key)
	if !ok {
		return types.CachedResponse{}, false
	}
	resp := v.(types.CachedResponse)
	if !resp.Live(time.Now()) {
		c.mem.Delete(key)
		return types.CachedResponse{}, false
	}
	return resp, true
}

// Available reports whether the cache is backed by Redis rather than
// running in the in-memory fallback. Used by health checks and metrics.
func (c *ResponseCache) Available(ctx context.Context) bool {
	if c.manager == nil {
		return false
	}
	return c.manager.Ping(ctx) == nil
}

// Close releases the underlying Redis connection, if any.
func (c *ResponseCache) Close() error {
	if c.manager == nil {
		return nil
	}
	return c.manager.Close()
}
