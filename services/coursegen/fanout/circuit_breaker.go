// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fanout

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows requests through normally.
	CircuitClosed CircuitState = iota

	// CircuitOpen rejects all requests immediately.
	CircuitOpen

	// CircuitHalfOpen allows a single probe to test recovery.
	CircuitHalfOpen
)

// String returns the human-readable name for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening. Default: 5
	FailureThreshold int

	// CoolDown is how long the circuit stays open before a probe is
	// allowed. Default: 30s
	CoolDown time.Duration

	// HalfOpenProbes is the number of requests admitted in half-open
	// state. Exactly one probe is allowed regardless of how many
	// callers race the transition. Default: 1
	HalfOpenProbes int

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close. Default: 1
	SuccessThreshold int
}

// DefaultBreakerConfig returns sensible defaults for the breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		HalfOpenProbes:   1,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker guards one logical dependency (a generative backend
// endpoint) shared by all concurrent tasks targeting it.
//
// This is the only intentionally shared mutable state in the engine
// besides token counters; every transition happens under one mutex.
//
// Thread Safety: Safe for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig

	mu             sync.RWMutex
	state          CircuitState
	failureCount   int
	successCount   int
	probesInFlight int
	lastFailureAt  time.Time
}

// NewCircuitBreaker creates a breaker in closed state.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Allow reports whether a request may proceed.
//
// In open state, Allow transitions to half-open once the cool-down has
// elapsed and admits exactly the configured probe count; concurrent
// callers racing the transition see false once the probe budget is
// consumed.
//
// Thread Safety: Safe for concurrent use.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailureAt) >= cb.config.CoolDown {
			cb.state = CircuitHalfOpen
			cb.successCount = 0
			cb.probesInFlight = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.probesInFlight < cb.config.HalfOpenProbes {
			cb.probesInFlight++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request. Closes the circuit from
// half-open once enough probes succeed; in closed state it resets the
// consecutive failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0

	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.probesInFlight = 0
		}
	}
}

// RecordFailure records a failed request. Crossing the failure
// threshold opens the circuit; any failure in half-open reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}

	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.probesInFlight = 0
	}
}

// ReleaseProbe returns an admitted half-open probe without recording an
// outcome. Used when a probe is abandoned by caller-side cancellation;
// without the release the half-open budget would stay consumed and no
// further probe could run.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// FailureCount returns the consecutive failure count.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

// Reset returns the breaker to closed state. For tests and manual
// operator intervention.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.probesInFlight = 0
}
