// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fanout runs independent document generations concurrently
// under one concurrency and fault budget.
//
// Each task is isolated: a failure lands in that task's result and
// never cancels or blocks siblings. This is the partial-success
// contract that lets the orchestrator assemble whatever derivatives
// succeeded. A shared circuit breaker protects the backend from being
// hammered once it is clearly down.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/observability"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// ErrDependencyUnavailable is returned for tasks rejected because the
// circuit is open.
var ErrDependencyUnavailable = errors.New("fanout: dependency unavailable, circuit open")

// DocumentExecutor is the per-task generation operation. Satisfied by
// *executor.Executor.
type DocumentExecutor interface {
	Execute(ctx context.Context, prompt string, kind shapes.Kind, maxAttempts int, usage *llm.Usage) (*shapes.Document, error)
}

// Task is one independent generation unit.
type Task struct {
	// ID identifies the task in results and logs.
	ID string

	// Shape is the target document shape.
	Shape shapes.Kind

	// Prompt is the complete generation prompt.
	Prompt string
}

// TaskResult is the outcome of one task. Exactly one of Doc/Err is set.
type TaskResult struct {
	ID       string
	Shape    shapes.Kind
	Doc      *shapes.Document
	Err      error
	Duration time.Duration

	// TransientRetries counts infrastructure-level retries performed by
	// the scheduler, distinct from the executor's internal attempts.
	TransientRetries int
}

// SchedulerConfig configures the worker pool and fault budget.
type SchedulerConfig struct {
	// Workers is the pool width; tasks beyond it queue. Default: 4
	Workers int

	// TransientRetries is how many extra times a task is re-run after a
	// transient infrastructure error (timeout, 5xx, rate limit). Schema
	// and parse failures are the executor's budget, not this one.
	// Default: 1
	TransientRetries int

	// TransientBackoff is the wait before a transient re-run.
	// Default: 2s
	TransientBackoff time.Duration

	// PerTaskTimeout bounds one task including its retries. Zero means
	// the parent context's deadline applies alone. Default: 90s
	PerTaskTimeout time.Duration
}

// DefaultSchedulerConfig returns sensible defaults for the scheduler.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:          4,
		TransientRetries: 1,
		TransientBackoff: 2 * time.Second,
		PerTaskTimeout:   90 * time.Second,
	}
}

// Validate checks the configuration.
func (c SchedulerConfig) Validate() error {
	if c.Workers < 1 {
		return errors.New("scheduler config: Workers must be >= 1")
	}
	if c.TransientRetries < 0 {
		return errors.New("scheduler config: TransientRetries must be >= 0")
	}
	return nil
}

// Scheduler fans out tasks over a bounded worker pool with a shared
// circuit breaker for the backend dependency.
//
// Thread Safety: Safe for concurrent use; RunAll may be called from
// multiple requests against the same Scheduler.
type Scheduler struct {
	config     SchedulerConfig
	exec       DocumentExecutor
	breaker    *CircuitBreaker
	dependency string
	metrics    *observability.Metrics
	semaphore  chan struct{}
}

// NewScheduler creates a scheduler for one backend dependency.
//
// Inputs:
//   - exec: The per-task executor. Must not be nil.
//   - dependency: Name of the guarded dependency for logs and metrics.
//   - config: Pool and retry configuration.
//   - breakerConfig: Circuit breaker thresholds.
//   - metrics: Observability hooks. May be nil.
func NewScheduler(
	exec DocumentExecutor,
	dependency string,
	config SchedulerConfig,
	breakerConfig BreakerConfig,
	metrics *observability.Metrics,
) (*Scheduler, error) {
	if exec == nil {
		return nil, errors.New("fanout: exec must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		config:     config,
		exec:       exec,
		breaker:    NewCircuitBreaker(breakerConfig),
		dependency: dependency,
		metrics:    metrics,
		semaphore:  make(chan struct{}, config.Workers),
	}, nil
}

// Breaker exposes the shared circuit breaker, primarily for state
// reporting and tests.
func (s *Scheduler) Breaker() *CircuitBreaker { return s.breaker }

// RunAll executes all tasks and returns exactly one result per task,
// in task order.
//
// Description:
//
//	Tasks run concurrently up to the pool width. Each failure is
//	captured in its own TaskResult; no failure cancels siblings.
//	Cancelling ctx stops dispatching new work and fails queued tasks
//	with the context error, but lets in-flight tasks finish.
//
// Thread Safety: Safe for concurrent use.
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task, usage *llm.Usage) []TaskResult {
	start := time.Now()
	results := make([]TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			results[i] = s.runTask(ctx, task, usage)
		}(i, task)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	elapsed := time.Since(start)
	slog.Info("fan-out batch complete",
		"tasks", len(tasks),
		"succeeded", succeeded,
		"failed", len(tasks)-succeeded,
		"elapsed", elapsed,
		"circuit_state", s.breaker.State().String(),
	)
	return results
}

// runTask executes one task: semaphore, breaker gate, transient retry.
func (s *Scheduler) runTask(ctx context.Context, task Task, usage *llm.Usage) TaskResult {
	start := time.Now()
	result := TaskResult{ID: task.ID, Shape: task.Shape}

	finish := func() TaskResult {
		result.Duration = time.Since(start)
		s.metrics.RecordTask(task.Shape.String(), result.Duration, result.Err == nil)
		s.metrics.SetCircuitState(s.dependency, int(s.breaker.State()))
		return result
	}

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		result.Err = ctx.Err()
		return finish()
	}

	taskCtx := ctx
	if s.config.PerTaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, s.config.PerTaskTimeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		if !s.breaker.Allow() {
			result.Err = ErrDependencyUnavailable
			return finish()
		}

		doc, err := s.exec.Execute(taskCtx, task.Prompt, task.Shape, 0, usage)
		if err == nil {
			s.breaker.RecordSuccess()
			result.Doc = doc
			return finish()
		}

		if ctx.Err() != nil {
			// The caller's own cancellation or deadline caused this
			// failure; it says nothing about backend health.
			s.breaker.ReleaseProbe()
		} else {
			s.breaker.RecordFailure()
		}
		result.Err = err

		if attempt >= s.config.TransientRetries || !isTransient(err) || taskCtx.Err() != nil {
			return finish()
		}

		s.metrics.RecordRetry("transient")
		result.TransientRetries++
		slog.Debug("transient task failure, re-running",
			"task", task.ID,
			"shape", task.Shape,
			"attempt", attempt+1,
			"error", err.Error(),
		)
		select {
		case <-taskCtx.Done():
			result.Err = taskCtx.Err()
			return finish()
		case <-time.After(s.config.TransientBackoff):
		}
	}
}

// isTransient reports whether an error class may succeed on re-run
// without changing the prompt.
func isTransient(err error) bool {
	return errors.Is(err, llm.ErrRateLimited) ||
		errors.Is(err, llm.ErrServerError) ||
		errors.Is(err, context.DeadlineExceeded)
}
