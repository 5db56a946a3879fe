// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one immutable cache record. Replacement is delete-then-
// insert, never in-place mutation, so concurrent readers holding a
// returned Entry are always safe.
type Entry struct {
	Key          string    `json:"key"`
	Value        []byte    `json:"value"`
	QualityScore float64   `json:"quality_score"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// expired reports whether the entry is past its expiry at time now.
// A zero ExpiresAt means no expiry.
func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config configures the content cache.
type Config struct {
	// Capacity is the maximum number of in-memory entries. Default: 128
	Capacity int

	// DefaultTTL applies when Put is called with a zero ttl.
	// Default: 24h
	DefaultTTL time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:   128,
		DefaultTTL: 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return errors.New("cache config: Capacity must be >= 1")
	}
	return nil
}

// metricsSink is the subset of observability hooks the cache uses.
// Kept as an interface so the package has no dependency direction on
// the metrics implementation.
type metricsSink interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// ContentCache is the in-memory LRU layer with quality-aware retention
// and an optional write-through persistent backend.
//
// Backend failures degrade to in-memory-only behavior; they are logged
// and never surfaced to the caller.
//
// Thread Safety: Safe for concurrent use.
type ContentCache struct {
	config  Config
	backend Backend
	metrics metricsSink

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a content cache.
//
// Inputs:
//   - config: Capacity and TTL settings.
//   - backend: Optional persistence layer. May be nil.
//   - metrics: Optional observability hooks. May be nil.
func New(config Config, backend Backend, metrics metricsSink) (*ContentCache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ContentCache{
		config:  config,
		backend: backend,
		metrics: metrics,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// Get returns the entry for key, or nil on miss.
//
// Description:
//
//	Expiry is checked lazily on read: an expired entry is deleted and
//	reported as a miss. A memory miss falls through to the backend
//	when one is configured; a backend hit repopulates memory.
func (c *ContentCache) Get(ctx context.Context, key string) *Entry {
	now := time.Now()

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		entry := el.Value.(*Entry)
		if entry.expired(now) {
			c.removeLocked(el)
			c.mu.Unlock()
			c.deleteFromBackend(ctx, key)
			c.miss()
			return nil
		}
		c.ll.MoveToFront(el)
		c.mu.Unlock()
		c.hit()
		return entry
	}
	c.mu.Unlock()

	if entry := c.getFromBackend(ctx, key, now); entry != nil {
		c.insert(entry)
		c.hit()
		return entry
	}
	c.miss()
	return nil
}

// Put stores value under key with the given quality score.
//
// Description:
//
//	Quality-aware retention: if key already holds a live entry with a
//	higher or equal quality score, the put is a no-op and the existing
//	entry stays. At capacity, the least-recently-used entry is evicted
//	first. A ttl of zero uses the configured default.
func (c *ContentCache) Put(ctx context.Context, key string, value []byte, qualityScore float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := time.Now()
	entry := &Entry{
		Key:          key,
		Value:        value,
		QualityScore: qualityScore,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		existing := el.Value.(*Entry)
		if !existing.expired(now) && existing.QualityScore > qualityScore {
			c.mu.Unlock()
			slog.Debug("cache put rejected, existing entry scores higher",
				"key", key,
				"existing_score", existing.QualityScore,
				"offered_score", qualityScore,
			)
			return
		}
		c.removeLocked(el)
	}
	c.insertLocked(entry)
	c.mu.Unlock()

	c.setInBackend(ctx, entry, ttl)
}

// Delete removes key from memory and the backend.
func (c *ContentCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	c.deleteFromBackend(ctx, key)
}

// Len returns the number of in-memory entries, including any not yet
// lazily expired.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *ContentCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// insert adds an entry under the lock, evicting as needed.
func (c *ContentCache) insert(entry *Entry) {
	c.mu.Lock()
	if el, ok := c.items[entry.Key]; ok {
		c.removeLocked(el)
	}
	c.insertLocked(entry)
	c.mu.Unlock()
}

func (c *ContentCache) insertLocked(entry *Entry) {
	for c.ll.Len() >= c.config.Capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*Entry)
		c.removeLocked(oldest)
		slog.Debug("cache entry evicted", "key", evicted.Key, "quality_score", evicted.QualityScore)
	}
	c.items[entry.Key] = c.ll.PushFront(entry)
}

func (c *ContentCache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	c.ll.Remove(el)
	delete(c.items, entry.Key)
}

func (c *ContentCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *ContentCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}

// getFromBackend loads and deserializes one entry, returning nil on
// miss, expiry, corruption, or backend error.
func (c *ContentCache) getFromBackend(ctx context.Context, key string, now time.Time) *Entry {
	if c.backend == nil {
		return nil
	}
	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("cache backend unavailable on get, continuing without", "key", key, "error", err.Error())
		return nil
	}
	if !found {
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("cache backend entry corrupt, dropping", "key", key, "error", err.Error())
		c.deleteFromBackend(ctx, key)
		return nil
	}
	if entry.expired(now) {
		c.deleteFromBackend(ctx, key)
		return nil
	}
	return &entry
}

func (c *ContentCache) setInBackend(ctx context.Context, entry *Entry, ttl time.Duration) {
	if c.backend == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("cache entry not serializable, skipping backend write", "key", entry.Key, "error", err.Error())
		return
	}
	if err := c.backend.Set(ctx, entry.Key, raw, ttl); err != nil {
		slog.Warn("cache backend unavailable on set, continuing without", "key", entry.Key, "error", err.Error())
	}
}

func (c *ContentCache) deleteFromBackend(ctx context.Context, key string) {
	if c.backend == nil {
		return
	}
	if err := c.backend.Delete(ctx, key); err != nil {
		slog.Warn("cache backend unavailable on delete, continuing without", "key", key, "error", err.Error())
	}
}
