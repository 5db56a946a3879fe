// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "sync/atomic"

// Usage accumulates token counts across all backend calls made on
// behalf of one generation request. It is the only state shared between
// concurrent executor calls besides the circuit breaker, so all updates
// are atomic.
//
// Thread Safety: Safe for concurrent use.
type Usage struct {
	inputTokens  atomic.Int64
	outputTokens atomic.Int64
	calls        atomic.Int64
}

// NewUsage returns a zeroed usage counter.
func NewUsage() *Usage {
	return &Usage{}
}

// Record adds one call's token counts. Nil receivers are ignored so
// callers without cost accounting can pass nil.
func (u *Usage) Record(inputTokens, outputTokens int) {
	if u == nil {
		return
	}
	u.inputTokens.Add(int64(inputTokens))
	u.outputTokens.Add(int64(outputTokens))
	u.calls.Add(1)
}

// InputTokens returns the accumulated input token count.
func (u *Usage) InputTokens() int64 {
	if u == nil {
		return 0
	}
	return u.inputTokens.Load()
}

// OutputTokens returns the accumulated output token count.
func (u *Usage) OutputTokens() int64 {
	if u == nil {
		return 0
	}
	return u.outputTokens.Load()
}

// Calls returns how many backend calls were recorded.
func (u *Usage) Calls() int64 {
	if u == nil {
		return 0
	}
	return u.calls.Load()
}
