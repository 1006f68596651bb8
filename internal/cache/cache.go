// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the write-through L1/L2 cache shared by the
// session core and the job service: a bounded, per-entry-TTL in-memory LRU
// in front of a kv.Store. It generalizes the teacher's single-tier,
// content-addressed WorkflowCache (internal/controller/cache) into the
// spec's two-tier design.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tombee/deploygraph/internal/kv"
)

const keySeparator = "\x1f"

// Config configures a Cache.
type Config struct {
	// Store is the L2 backend. Required.
	Store kv.Store

	// KeyPrefix namespaces every key this cache writes, e.g. "session" or
	// "job".
	KeyPrefix string

	// LRUMax bounds the number of entries held in L1. Zero disables L1
	// (every Get falls through to the store).
	LRUMax int

	// LRUTTL caps how long an entry may live in L1 independent of the L2
	// expiry. Zero means no additional L1-specific cap.
	LRUTTL time.Duration

	// Logger receives warnings for best-effort cleanup failures.
	Logger *slog.Logger
}

// Cache is a write-through cache: Get and Set always keep L1 and L2 in
// sync, so a Get on the same process observes a prior Set until expiry or
// Remove (spec.md 4.B invariant).
type Cache struct {
	store     kv.Store
	keyPrefix string
	lruMax    int
	lruTTL    time.Duration
	logger    *slog.Logger

	mu  sync.Mutex
	lru *lru
}

// New constructs a Cache from cfg.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:     cfg.Store,
		keyPrefix: cfg.KeyPrefix,
		lruMax:    cfg.LRUMax,
		lruTTL:    cfg.LRUTTL,
		logger:    logger,
		lru:       newLRU(cfg.LRUMax),
	}
}

// storageKey joins a logical key vector under this cache's prefix.
func (c *Cache) storageKey(key []string) string {
	return c.keyPrefix + keySeparator + strings.Join(key, keySeparator)
}

// Get consults L1 first; on an L1 miss it falls through to L2, populating
// L1 on a hit. Expired entries are evicted from both tiers before
// reporting a miss.
func (c *Cache) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	storageKey := c.storageKey(key)

	if c.lruMax > 0 {
		c.mu.Lock()
		entry, ok := c.lru.get(storageKey)
		c.mu.Unlock()
		if ok {
			if entry.expired(time.Now()) {
				c.evictBestEffort(ctx, storageKey)
				return nil, false, nil
			}
			return entry.value, true, nil
		}
	}

	raw, err := c.store.Get(ctx, storageKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: l2 get %q: %w", storageKey, err)
	}

	if c.lruMax > 0 {
		c.mu.Lock()
		c.lru.set(storageKey, cacheEntry{value: raw}, c.lruTTL)
		c.mu.Unlock()
	}
	return raw, true, nil
}

// Set writes value to L1 and L2 with the same ttl.
func (c *Cache) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	storageKey := c.storageKey(key)

	if err := c.store.Set(ctx, storageKey, value, ttl); err != nil {
		return fmt.Errorf("cache: l2 set %q: %w", storageKey, err)
	}

	if c.lruMax > 0 {
		l1ttl := ttl
		if c.lruTTL > 0 && (l1ttl == 0 || c.lruTTL < l1ttl) {
			l1ttl = c.lruTTL
		}
		c.mu.Lock()
		c.lru.set(storageKey, cacheEntry{value: value}, l1ttl)
		c.mu.Unlock()
	}
	return nil
}

// Remove evicts key from L1 and L2.
func (c *Cache) Remove(ctx context.Context, key []string) error {
	storageKey := c.storageKey(key)
	if c.lruMax > 0 {
		c.mu.Lock()
		c.lru.remove(storageKey)
		c.mu.Unlock()
	}
	if err := c.store.Delete(ctx, storageKey); err != nil {
		return fmt.Errorf("cache: l2 remove %q: %w", storageKey, err)
	}
	return nil
}

// Scan iterates L2 keys under prefix, returning the logical key (the
// portion after this cache's own prefix, split back into a vector) and
// value for each non-expired entry.
func (c *Cache) Scan(ctx context.Context, prefix []string) ([][]string, [][]byte, error) {
	storagePrefix := c.storageKey(prefix)
	keys, err := c.store.Keys(ctx, storagePrefix)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: l2 scan %q: %w", storagePrefix, err)
	}

	ownPrefix := c.keyPrefix + keySeparator
	var outKeys [][]string
	var outValues [][]byte
	for _, k := range keys {
		raw, err := c.store.Get(ctx, k)
		if err != nil {
			if err == kv.ErrNotFound {
				continue
			}
			return nil, nil, fmt.Errorf("cache: l2 scan get %q: %w", k, err)
		}
		logical := strings.TrimPrefix(k, ownPrefix)
		outKeys = append(outKeys, strings.Split(logical, keySeparator))
		outValues = append(outValues, raw)
	}
	return outKeys, outValues, nil
}

// evictBestEffort removes an L1-expired entry from both tiers, logging
// (but not propagating) an L2 failure per spec.md §7's best-effort policy.
func (c *Cache) evictBestEffort(ctx context.Context, storageKey string) {
	c.mu.Lock()
	c.lru.remove(storageKey)
	c.mu.Unlock()
	if err := c.store.Delete(ctx, storageKey); err != nil {
		c.logger.Warn("cache: failed to evict expired entry from l2", "key", storageKey, "error", err)
	}
}
