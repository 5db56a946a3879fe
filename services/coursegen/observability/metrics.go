// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the generation
// engine.
//
// # Description
//
// Counters, histograms, and gauges covering backend calls, retries,
// validation scores, cache effectiveness, and circuit breaker state.
// The Metrics object is constructed explicitly against an injected
// Registerer and passed into each component; there is no package-level
// singleton, so tests can use their own registry.
//
// All recording helpers are nil-safe: a component built without
// metrics simply records nothing. Observability is best-effort and
// never affects correctness.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "courseforge"

// Subsystem for generation metrics.
const generationSubsystem = "generation"

// Metrics holds all Prometheus instruments for the generation engine.
type Metrics struct {
	// RequestsTotal counts orchestration runs by terminal status.
	// Labels: status (completed, failed, cache_hit)
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures full orchestration run duration.
	// Labels: status
	RequestDuration *prometheus.HistogramVec

	// BackendCallsTotal counts generative backend calls.
	// Labels: backend (ollama, openai), status (success, error)
	BackendCallsTotal *prometheus.CounterVec

	// BackendCallDuration measures backend call latency.
	// Labels: backend
	BackendCallDuration *prometheus.HistogramVec

	// RetriesTotal counts executor retries by cause.
	// Labels: reason (parse, schema, quality, transient)
	RetriesTotal *prometheus.CounterVec

	// TokensTotal counts tokens by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// ValidationScore records per-stage validation scores.
	// Labels: stage (structural, completeness, coherence, educational)
	ValidationScore *prometheus.HistogramVec

	// CacheHitsTotal counts content cache hits.
	CacheHitsTotal prometheus.Counter

	// CacheMissesTotal counts content cache misses.
	CacheMissesTotal prometheus.Counter

	// CircuitState reports breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	// Labels: dependency
	CircuitState *prometheus.GaugeVec

	// TasksTotal counts fan-out tasks by shape and status.
	// Labels: shape, status (success, error)
	TasksTotal *prometheus.CounterVec

	// TaskDuration measures fan-out task duration by shape.
	// Labels: shape
	TaskDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments against reg.
//
// Inputs:
//   - reg: The registry to register against. Pass
//     prometheus.DefaultRegisterer in production, a fresh
//     prometheus.NewRegistry() in tests.
//
// Outputs:
//   - *Metrics: The initialized metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "requests_total",
				Help:      "Total orchestration runs by terminal status",
			},
			[]string{"status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "request_duration_seconds",
				Help:      "Full orchestration run duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 180, 300},
			},
			[]string{"status"},
		),
		BackendCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "backend_calls_total",
				Help:      "Total generative backend calls by backend and status",
			},
			[]string{"backend", "status"},
		),
		BackendCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "backend_call_duration_seconds",
				Help:      "Generative backend call latency in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "retries_total",
				Help:      "Executor retries by cause",
			},
			[]string{"reason"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "tokens_total",
				Help:      "Tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),
		ValidationScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "validation_score",
				Help:      "Per-stage validation scores",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"stage"},
		),
		CacheHitsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "cache_hits_total",
				Help:      "Content cache hits",
			},
		),
		CacheMissesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "cache_misses_total",
				Help:      "Content cache misses",
			},
		),
		CircuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
			},
			[]string{"dependency"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "tasks_total",
				Help:      "Fan-out tasks by shape and status",
			},
			[]string{"shape", "status"},
		),
		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "task_duration_seconds",
				Help:      "Fan-out task duration by shape",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"shape"},
		),
	}
}

// RecordRequest records a finished orchestration run.
func (m *Metrics) RecordRequest(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordBackendCall records one generative backend call.
func (m *Metrics) RecordBackendCall(backend string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BackendCallsTotal.WithLabelValues(backend, status).Inc()
	m.BackendCallDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordRetry records one executor retry by cause.
func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordTokens records token usage for one call.
func (m *Metrics) RecordTokens(model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// RecordValidationScore records one stage's score.
func (m *Metrics) RecordValidationScore(stage string, score float64) {
	if m == nil {
		return
	}
	m.ValidationScore.WithLabelValues(stage).Observe(score)
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// SetCircuitState reports the breaker state for one dependency.
func (m *Metrics) SetCircuitState(dependency string, state int) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(dependency).Set(float64(state))
}

// RecordTask records one completed fan-out task.
func (m *Metrics) RecordTask(shape string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.TasksTotal.WithLabelValues(shape, status).Inc()
	m.TaskDuration.WithLabelValues(shape).Observe(d.Seconds())
}
