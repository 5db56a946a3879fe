// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

func TestKey_Deterministic(t *testing.T) {
	kinds := []shapes.Kind{shapes.KindOutline, shapes.KindSummary}

	k1 := Key("explain supply and demand", kinds, "v1")
	k2 := Key("explain supply and demand", kinds, "v1")
	if k1 != k2 {
		t.Errorf("identical inputs produced different keys: %s != %s", k1, k2)
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex characters", len(k1))
	}
}

func TestKey_ShapeOrderIrrelevant(t *testing.T) {
	a := Key("brief", []shapes.Kind{shapes.KindOutline, shapes.KindSummary, shapes.KindFAQSet}, "v1")
	b := Key("brief", []shapes.Kind{shapes.KindFAQSet, shapes.KindOutline, shapes.KindSummary}, "v1")
	if a != b {
		t.Error("shape order changed the key; the shape set must hash order-independently")
	}
}

func TestKey_VersionChangesKey(t *testing.T) {
	kinds := []shapes.Kind{shapes.KindOutline}
	if Key("brief", kinds, "v1") == Key("brief", kinds, "v2") {
		t.Error("version bump did not change the key")
	}
}

func TestKey_InputsSeparated(t *testing.T) {
	// brief/shape boundary must not be ambiguous under concatenation.
	a := Key("briefoutline", nil, "v1")
	b := Key("brief", []shapes.Kind{shapes.KindOutline}, "v1")
	if a == b {
		t.Error("key collision across field boundaries")
	}
}

func newCache(t *testing.T, capacity int) *ContentCache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	c, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCache_PutGet(t *testing.T) {
	c := newCache(t, 4)
	ctx := context.Background()

	c.Put(ctx, "k1", []byte("value"), 0.8, time.Minute)
	entry := c.Get(ctx, "k1")
	if entry == nil {
		t.Fatal("miss after put")
	}
	if string(entry.Value) != "value" || entry.QualityScore != 0.8 {
		t.Errorf("entry = %q/%.2f, want value/0.80", entry.Value, entry.QualityScore)
	}

	if got := c.Get(ctx, "absent"); got != nil {
		t.Error("hit for a key never stored")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
}

func TestCache_QualityAwareRetention(t *testing.T) {
	c := newCache(t, 4)
	ctx := context.Background()

	c.Put(ctx, "k", []byte("good"), 0.9, time.Minute)

	// A lower-scoring put must not overwrite.
	c.Put(ctx, "k", []byte("worse"), 0.5, time.Minute)
	if entry := c.Get(ctx, "k"); string(entry.Value) != "good" {
		t.Errorf("lower-quality put overwrote: got %q", entry.Value)
	}

	// A higher-scoring put replaces.
	c.Put(ctx, "k", []byte("better"), 0.95, time.Minute)
	if entry := c.Get(ctx, "k"); string(entry.Value) != "better" {
		t.Errorf("higher-quality put did not replace: got %q", entry.Value)
	}
}

func TestCache_LRUEvictionByAccessOrder(t *testing.T) {
	c := newCache(t, 2)
	ctx := context.Background()

	c.Put(ctx, "k1", []byte("1"), 0.5, time.Minute)
	c.Put(ctx, "k2", []byte("2"), 0.5, time.Minute)

	// Touch k1 so k2 becomes least recently used.
	if c.Get(ctx, "k1") == nil {
		t.Fatal("k1 missing before eviction")
	}

	c.Put(ctx, "k3", []byte("3"), 0.5, time.Minute)

	if c.Get(ctx, "k2") != nil {
		t.Error("k2 survived; eviction must follow access order, not insertion order")
	}
	if c.Get(ctx, "k1") == nil {
		t.Error("recently used k1 was evicted")
	}
	if c.Get(ctx, "k3") == nil {
		t.Error("newly inserted k3 was evicted")
	}
}

func TestCache_TTLLazyExpiry(t *testing.T) {
	c := newCache(t, 4)
	ctx := context.Background()

	c.Put(ctx, "k", []byte("v"), 0.5, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if c.Get(ctx, "k") != nil {
		t.Fatal("expired entry returned")
	}
	if c.Len() != 0 {
		t.Error("expired entry not deleted on read")
	}

	// The slot is free for a fresh, even lower-scoring entry.
	c.Put(ctx, "k", []byte("fresh"), 0.1, time.Minute)
	if c.Get(ctx, "k") == nil {
		t.Error("fresh entry rejected against an expired one")
	}
}

func TestCache_BadgerWriteThrough(t *testing.T) {
	backend, err := NewBadgerBackend(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	cfg := DefaultConfig()
	ctx := context.Background()

	first, err := New(cfg, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Put(ctx, "k", []byte("persisted"), 0.7, time.Minute)

	// A second cache over the same backend starts with cold memory and
	// must repopulate from the backend.
	second, err := New(cfg, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry := second.Get(ctx, "k")
	if entry == nil {
		t.Fatal("backend miss after write-through put")
	}
	if string(entry.Value) != "persisted" || entry.QualityScore != 0.7 {
		t.Errorf("entry = %q/%.2f, want persisted/0.70", entry.Value, entry.QualityScore)
	}

	// Delete propagates.
	second.Delete(ctx, "k")
	third, err := New(cfg, backend, nil)
	if err != nil {
		t.Fatal(err)
	}
	if third.Get(ctx, "k") != nil {
		t.Error("entry survived delete in the backend")
	}
}
