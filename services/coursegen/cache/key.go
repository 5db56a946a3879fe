// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the content-addressed result cache: LRU
// bounded, TTL expiring, quality aware, with an optional persistent
// backend.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// SchemaVersion is baked into every cache key. Bumping it invalidates
// all prior entries without explicit deletion; change it whenever the
// serialized result layout changes shape.
const SchemaVersion = "v1"

// Key derives the content-addressed cache key for a request.
//
// Description:
//
//	Pure and deterministic: identical (brief, shapes, version) always
//	yields the identical key. Shape order does not matter; the set is
//	sorted before hashing. The version participates in the hash so a
//	version change always changes the key.
//
// Outputs:
//   - string: Hex-encoded SHA-256 digest.
func Key(brief string, kinds []shapes.Kind, version string) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(brief))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(names, ",")))
	h.Write([]byte{0})
	h.Write([]byte(version))
	return hex.EncodeToString(h.Sum(nil))
}
