// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator sequences one generation run: validate the
// brief, generate the outline, fan out derivative generations,
// validate quality, assemble, and cache the result.
//
// The state machine is strictly forward; a failed stage reports once
// with its stage name and the run is over. Retrying a failed run is
// the caller's responsibility at the transport layer.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/CourseForge/services/coursegen/cache"
	"github.com/AleutianAI/CourseForge/services/coursegen/fanout"
	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/observability"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
	"github.com/AleutianAI/CourseForge/services/coursegen/validation"
)

// OutlineExecutor produces one structured document from a prompt.
// Satisfied by *executor.Executor.
type OutlineExecutor interface {
	Execute(ctx context.Context, prompt string, kind shapes.Kind, maxAttempts int, usage *llm.Usage) (*shapes.Document, error)
}

// DerivativeScheduler fans out independent generation tasks.
// Satisfied by *fanout.Scheduler.
type DerivativeScheduler interface {
	RunAll(ctx context.Context, tasks []fanout.Task, usage *llm.Usage) []fanout.TaskResult
}

// Config configures the orchestrator.
type Config struct {
	// RunTimeout is the outer deadline for one run. Default: 180s
	RunTimeout time.Duration

	// MinBriefChars is the minimum brief length. Default: 12
	MinBriefChars int

	// MaxBriefChars is the maximum brief length. Default: 8000
	MaxBriefChars int

	// MaxAttempts is the per-document executor attempt budget.
	// Zero uses the executor's own default.
	MaxAttempts int

	// CacheTTL is the lifetime of stored results. Zero uses the cache's
	// default.
	CacheTTL time.Duration

	// StrictQuality fails the run when the composite score misses the
	// floor. Default false: proceed and report the score in the result.
	StrictQuality bool
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		RunTimeout:    180 * time.Second,
		MinBriefChars: 12,
		MaxBriefChars: 8000,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RunTimeout <= 0 {
		return errors.New("orchestrator config: RunTimeout must be positive")
	}
	if c.MinBriefChars < 1 {
		return errors.New("orchestrator config: MinBriefChars must be >= 1")
	}
	if c.MaxBriefChars < c.MinBriefChars {
		return errors.New("orchestrator config: MaxBriefChars must be >= MinBriefChars")
	}
	return nil
}

// Orchestrator is the single entry point a job worker invokes.
//
// Thread Safety: Safe for concurrent use; each run keeps its state on
// the stack. Identical concurrent cacheable requests are coalesced
// into one generation.
type Orchestrator struct {
	config   Config
	exec     OutlineExecutor
	sched    DerivativeScheduler
	pipeline *validation.Pipeline
	cache    *cache.ContentCache
	metrics  *observability.Metrics
	group    singleflight.Group
}

// New creates an orchestrator.
//
// Inputs:
//   - exec: Outline/derivative executor. Must not be nil.
//   - sched: Fan-out scheduler. Must not be nil.
//   - pipeline: Quality validation pipeline. Must not be nil.
//   - contentCache: Result cache. May be nil to disable caching.
//   - config: Run configuration.
//   - metrics: Observability hooks. May be nil.
func New(
	exec OutlineExecutor,
	sched DerivativeScheduler,
	pipeline *validation.Pipeline,
	contentCache *cache.ContentCache,
	config Config,
	metrics *observability.Metrics,
) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("orchestrator: exec must not be nil")
	}
	if sched == nil {
		return nil, errors.New("orchestrator: sched must not be nil")
	}
	if pipeline == nil {
		return nil, errors.New("orchestrator: pipeline must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		config:   config,
		exec:     exec,
		sched:    sched,
		pipeline: pipeline,
		cache:    contentCache,
		metrics:  metrics,
	}, nil
}

// run carries the mutable state of one orchestration.
type run struct {
	id      string
	state   State
	started time.Time
}

// transition advances the state machine.
func (r *run) transition(next State) {
	slog.Debug("orchestration state transition",
		"request_id", r.id,
		"from", r.state,
		"to", next,
	)
	r.state = next
}

// Run executes one generation request to completion.
//
// Description:
//
//	Synchronous from the caller's point of view. A cache hit returns
//	immediately; otherwise the run walks the full state machine under
//	the outer deadline. Identical concurrent cacheable requests share
//	one generation via request coalescing.
//
// Outputs:
//   - *GenerationResult: The assembled result, nil on fatal failure.
//   - error: A *StageError describing the failed stage, nil on success.
//     Partial derivative failure is not an error; see Result.Absent.
func (o *Orchestrator) Run(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	r := &run{id: uuid.NewString(), state: StateInitializing, started: time.Now()}

	ctx, span := otel.Tracer("coursegen/orchestrator").Start(ctx, "orchestrator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", r.id),
		attribute.Int("request.shapes", len(req.Shapes)),
	)

	r.transition(StateValidatingInput)
	if err := o.validateRequest(req); err != nil {
		r.transition(StateFailed)
		o.metrics.RecordRequest("failed", time.Since(r.started))
		return nil, err
	}

	key := cache.Key(req.Brief, req.Shapes, cache.SchemaVersion)

	if o.cache != nil && req.Options.UseCache {
		if cached := o.lookup(ctx, key); cached != nil {
			cached.RequestID = r.id
			cached.FromCache = true
			cached.Elapsed = time.Since(r.started)
			r.transition(StateCompleted)
			o.metrics.RecordRequest("cache_hit", cached.Elapsed)
			return cached, nil
		}

		// Coalesce identical concurrent requests into one generation.
		v, err, shared := o.group.Do(key, func() (interface{}, error) {
			return o.generate(ctx, r, req, key)
		})
		if err != nil {
			o.metrics.RecordRequest("failed", time.Since(r.started))
			return nil, err
		}
		result := v.(*GenerationResult)
		if shared {
			// Followers get their own identity over the leader's content.
			follower := *result
			follower.RequestID = r.id
			follower.Elapsed = time.Since(r.started)
			result = &follower
			slog.Debug("request coalesced into in-flight generation", "request_id", r.id, "key", key)
		}
		o.metrics.RecordRequest("completed", time.Since(r.started))
		return result, nil
	}

	result, err := o.generate(ctx, r, req, key)
	if err != nil {
		o.metrics.RecordRequest("failed", time.Since(r.started))
		return nil, err
	}
	o.metrics.RecordRequest("completed", time.Since(r.started))
	return result, nil
}

// validateRequest applies the input sanity checks.
func (o *Orchestrator) validateRequest(req GenerationRequest) error {
	brief := strings.TrimSpace(req.Brief)
	n := utf8.RuneCountInString(brief)
	if n == 0 {
		return stageError(StateValidatingInput, KindInputInvalid, "brief is empty", nil)
	}
	if n < o.config.MinBriefChars {
		return stageError(StateValidatingInput, KindInputInvalid,
			fmt.Sprintf("brief has %d characters, minimum is %d", n, o.config.MinBriefChars), nil)
	}
	if n > o.config.MaxBriefChars {
		return stageError(StateValidatingInput, KindInputInvalid,
			fmt.Sprintf("brief has %d characters, maximum is %d", n, o.config.MaxBriefChars), nil)
	}
	if len(req.Shapes) == 0 {
		return stageError(StateValidatingInput, KindInputInvalid, "no shapes requested", nil)
	}
	for _, k := range req.Shapes {
		if !k.Valid() {
			return stageError(StateValidatingInput, KindInputInvalid,
				fmt.Sprintf("unknown shape kind %q", k), nil)
		}
	}
	if f := req.Options.QualityFloor; f < 0 || f > 1 {
		return stageError(StateValidatingInput, KindInputInvalid, "quality floor must be in [0,1]", nil)
	}
	return nil
}

// lookup returns a deserialized cached result, or nil.
func (o *Orchestrator) lookup(ctx context.Context, key string) *GenerationResult {
	entry := o.cache.Get(ctx, key)
	if entry == nil {
		return nil
	}
	var result GenerationResult
	if err := json.Unmarshal(entry.Value, &result); err != nil {
		slog.Warn("cached result corrupt, regenerating", "key", key, "error", err.Error())
		o.cache.Delete(ctx, key)
		return nil
	}
	return &result
}

// generate walks GeneratingOutline through Completed.
func (o *Orchestrator) generate(ctx context.Context, r *run, req GenerationRequest, key string) (*GenerationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.RunTimeout)
	defer cancel()

	usage := llm.NewUsage()

	r.transition(StateGeneratingOutline)
	outline, err := o.exec.Execute(ctx, outlinePrompt(req.Brief), shapes.KindOutline, o.config.MaxAttempts, usage)
	if err != nil {
		r.transition(StateFailed)
		return nil, o.classifyOutlineFailure(err)
	}

	r.transition(StateGeneratingDerivatives)
	derivatives, absent := o.generateDerivatives(ctx, req, outline, usage)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The run deadline expired mid-fan-out. Whatever tasks finished
		// are discarded, not assembled.
		r.transition(StateFailed)
		return nil, stageError(StateGeneratingDerivatives, KindTimeout,
			"run deadline expired during derivative generation", ctxErr)
	}

	r.transition(StateValidating)
	floor := req.Options.QualityFloor
	report, perDoc := o.pipeline.ValidateResult(outline, derivatives)
	if floor > 0 {
		// The request's floor overrides the pipeline default for the
		// pass/fail verdict; stage scores are unaffected.
		report.OverallPassed = report.OverallScore >= floor && noCritical(report)
	}
	if o.config.StrictQuality && !report.OverallPassed {
		r.transition(StateFailed)
		return nil, stageError(StateValidating, KindQualityBelowFloor,
			fmt.Sprintf("composite score %.2f below floor", report.OverallScore), nil)
	}

	r.transition(StateAssembling)
	result := &GenerationResult{
		RequestID:   r.id,
		Outline:     outline,
		Derivatives: derivatives,
		Absent:      absent,
		Report:      report,
		Reports:     perDoc,
		TokensIn:    usage.InputTokens(),
		TokensOut:   usage.OutputTokens(),
		Elapsed:     time.Since(r.started),
	}

	if o.cache != nil && req.Options.UseCache {
		o.store(ctx, key, result)
	}

	r.transition(StateCompleted)
	slog.Info("generation run complete",
		"request_id", r.id,
		"derivatives", len(derivatives),
		"absent", len(absent),
		"overall_score", report.OverallScore,
		"overall_passed", report.OverallPassed,
		"tokens_in", result.TokensIn,
		"tokens_out", result.TokensOut,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// generateDerivatives fans out every requested derivative shape.
// Outline generation strictly precedes this; derivative prompts embed
// the outline.
func (o *Orchestrator) generateDerivatives(ctx context.Context, req GenerationRequest, outline *shapes.Document, usage *llm.Usage) (map[shapes.Kind]*shapes.Document, []shapes.Kind) {
	var tasks []fanout.Task
	for _, k := range req.Shapes {
		if !k.Derivative() {
			continue
		}
		tasks = append(tasks, fanout.Task{
			ID:     string(k),
			Shape:  k,
			Prompt: derivativePrompt(k, req.Brief, outline),
		})
	}

	derivatives := make(map[shapes.Kind]*shapes.Document, len(tasks))
	var absent []shapes.Kind
	collect := func(results []fanout.TaskResult) {
		for _, res := range results {
			if res.Err != nil {
				absent = append(absent, res.Shape)
				slog.Warn("derivative generation failed, recording absence",
					"request_shape", res.Shape,
					"error_kind", string(KindDerivativeFailed),
					"error", res.Err.Error(),
				)
				continue
			}
			// Results are keyed by shape, never by completion order.
			derivatives[res.Shape] = res.Doc
		}
	}

	if req.Options.AllowParallel {
		collect(o.sched.RunAll(ctx, tasks, usage))
	} else {
		for _, t := range tasks {
			collect(o.sched.RunAll(ctx, []fanout.Task{t}, usage))
		}
	}
	return derivatives, absent
}

// store serializes and caches a completed result.
func (o *Orchestrator) store(ctx context.Context, key string, result *GenerationResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		slog.Warn("result not serializable, skipping cache store", "key", key, "error", err.Error())
		return
	}
	o.cache.Put(ctx, key, raw, result.Report.OverallScore, o.config.CacheTTL)
}

// classifyOutlineFailure maps an outline executor error onto the
// run-level taxonomy. Outline failure is always fatal.
func (o *Orchestrator) classifyOutlineFailure(err error) *StageError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return stageError(StateGeneratingOutline, KindTimeout, "outline generation exceeded its deadline", err)
	case errors.Is(err, fanout.ErrDependencyUnavailable):
		return stageError(StateGeneratingOutline, KindDependencyUnavailable, "generation backend unavailable", err)
	default:
		return stageError(StateGeneratingOutline, KindOutlineFailed, "outline generation failed after all attempts", err)
	}
}

func noCritical(r *validation.Report) bool {
	for _, s := range r.Stages {
		for _, is := range s.Issues {
			if is.Severity == validation.SeverityCritical {
				return false
			}
		}
	}
	return true
}
