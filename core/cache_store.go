package core

import (
	"context"
	"sync"
	"time"
)

// CleanupPolicy controls CacheStore.Cleanup's behavior, recovered from
// original_source/resources/base.py (SPEC_FULL.md §12.4).
type CleanupPolicy int

const (
	CleanupLazy CleanupPolicy = iota
	CleanupAggressive
	CleanupScheduled
)

type cacheEntryMeta struct {
	sizeMB      float64
	invalidated bool
}

// CacheStore is a thin layer over StateStore (C4) adding size accounting,
// invalidation, and bounded retry for transient failures.
type CacheStore struct {
	states *StateStore
	cfg    CacheConfig
	logger Logger

	mu      sync.Mutex
	entries map[string]*cacheEntryMeta

	policy CleanupPolicy
}

// NewCacheStore constructs a CacheStore backed by states, governed by cfg.
func NewCacheStore(states *StateStore, cfg CacheConfig, logger Logger) *CacheStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/cache")
	}
	return &CacheStore{
		states:  states,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*cacheEntryMeta),
		policy:  CleanupLazy,
	}
}

// SetCleanupPolicy configures the policy Cleanup follows.
func (c *CacheStore) SetCleanupPolicy(p CleanupPolicy) {
	c.policy = p
}

func cacheKey(key string) string {
	return "cache:" + key
}

// SetCache stores value under key, refusing anything strictly larger than
// CacheConfig.MaxAllowedMB (spec §9.2's strict/lax resolution) and retrying
// up to RetryMaxAttempts times on transient StateStore failures.
func (c *CacheStore) SetCache(ctx context.Context, key string, value interface{}, sizeMB float64, metadata map[string]interface{}) error {
	if sizeMB > c.cfg.MaxAllowedMB {
		c.emitAlert(ctx, key, "WARNING", "cache value exceeds max_allowed_mb")
		if c.cfg.AllowOversizeDegraded {
			c.logger.WarnWithContext(ctx, "oversize cache write degraded (lax mode)", map[string]interface{}{
				"key": key, "size_mb": sizeMB, "max_allowed_mb": c.cfg.MaxAllowedMB,
			})
			return nil
		}
		return &FrameworkError{
			Op: "CacheStore.SetCache", Kind: string(KindResourceExhausted), ID: key,
			Err: ErrResourceExhausted,
		}
	}

	maxAttempts := c.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	err := Retry(ctx, maxAttempts, 100*time.Millisecond, 5*time.Second, func(ctx context.Context, attempt int) error {
		_, err := c.states.SetState(ctx, cacheKey(key), value, ResourceCache, metadata)
		return err
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntryMeta{sizeMB: sizeMB}
	c.mu.Unlock()

	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("cache.operations", "operation", "set")
	}
	return nil
}

// GetCache retrieves a value, recording hit/miss/duration metrics.
func (c *CacheStore) GetCache(key string) (interface{}, bool) {
	start := time.Now()
	entry, ok := c.states.GetStateEntry(cacheKey(key))
	duration := time.Since(start)

	c.mu.Lock()
	meta, tracked := c.entries[key]
	invalidated := tracked && meta.invalidated
	c.mu.Unlock()

	hit := ok && !invalidated
	result := "miss"
	if hit {
		result = "hit"
	}
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("cache.operations", "operation", "get", "result", result)
		registry.Histogram("cache.get.duration_ms", float64(duration.Microseconds())/1000.0)
	}

	if !hit {
		return nil, false
	}
	return entry.Value, true
}

// Invalidate tombstones key; a subsequent GetCache returns (nil, false).
func (c *CacheStore) Invalidate(ctx context.Context, key string) error {
	_, err := c.states.SetState(ctx, cacheKey(key), nil, ResourceCache, map[string]interface{}{"invalidated": true})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if meta, ok := c.entries[key]; ok {
		meta.invalidated = true
	} else {
		c.entries[key] = &cacheEntryMeta{invalidated: true}
	}
	c.mu.Unlock()
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter("cache.operations", "operation", "invalidate")
	}
	return nil
}

// Cleanup evicts entries per the configured CleanupPolicy. force=true always
// performs an aggressive sweep regardless of policy; force=false is a no-op
// under CleanupLazy (the default) and an aggressive sweep under
// CleanupAggressive/CleanupScheduled.
func (c *CacheStore) Cleanup(ctx context.Context, force bool) int {
	if !force && c.policy == CleanupLazy {
		return 0
	}
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k, meta := range c.entries {
		if !meta.invalidated {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		_ = c.Invalidate(ctx, k)
	}
	return len(keys)
}

func (c *CacheStore) emitAlert(ctx context.Context, key, severity, message string) {
	if c.states.bus == nil {
		return
	}
	_ = c.states.bus.Emit(ctx, EventResourceAlertCreated, map[string]interface{}{
		"source":   "CacheStore",
		"key":      key,
		"severity": severity,
		"message":  message,
	}, PriorityHigh)
}
