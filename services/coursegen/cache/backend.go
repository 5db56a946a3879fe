// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"time"
)

// Backend is the optional persistence layer behind the in-memory
// cache. Implementations may be a local KV store or a remote cache
// service; the ContentCache serializes entries to bytes either way.
//
// Backend errors never fail a request: the cache degrades to
// in-memory-only behavior and logs the failure.
type Backend interface {
	// Get returns the stored bytes for key, and whether they were found.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero means no backend-side
	// expiry; the serialized entry carries its own expiry regardless.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
