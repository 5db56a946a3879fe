// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/CourseForge/services/coursegen/cache"
	"github.com/AleutianAI/CourseForge/services/coursegen/executor"
	"github.com/AleutianAI/CourseForge/services/coursegen/fanout"
	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
	"github.com/AleutianAI/CourseForge/services/coursegen/validation"
)

const outlineJSON = `{
	"title": "Supply and Demand in Market Economics",
	"sections": [
		{"title": "The Law of Demand", "key_points": ["Price increases reduce quantity demanded", "Demand curves slope downward"]},
		{"title": "The Law of Supply", "key_points": ["Price increases raise quantity supplied", "Supply curves slope upward"]},
		{"title": "Market Equilibrium", "key_points": ["Equilibrium price balances supply and demand", "Shortages push prices toward equilibrium"]}
	]
}`

// coherentSummaryJSON reuses the outline's vocabulary.
const coherentSummaryJSON = `{
	"title": "Summary of Supply and Demand",
	"body": "The law of demand says price increases reduce quantity demanded, so demand curves slope downward. The law of supply says price increases raise quantity supplied, so supply curves slope upward. Market equilibrium is the price where supply and demand balance; shortages and surpluses push prices toward equilibrium."
}`

// offTopicSummaryJSON is schema-compliant but lexically unrelated to
// the outline.
const offTopicSummaryJSON = `{
	"title": "Photosynthesis in Green Plants",
	"body": "Chlorophyll molecules absorb sunlight inside chloroplasts. Light reactions split water molecules and release oxygen while producing energy carriers. Dark reactions then fix carbon dioxide into glucose. Stomata regulate gas exchange on the leaf surface, balancing water loss against carbon intake throughout the day."
}`

// scriptedBackend routes responses by target shape, inferred from the
// prompt's first line. Each shape has an ordered script; the last
// entry repeats. Shapes in blocks hang until the context expires.
type scriptedBackend struct {
	mu      sync.Mutex
	scripts map[shapes.Kind][]string
	errs    map[shapes.Kind]error
	blocks  map[shapes.Kind]bool
	calls   map[shapes.Kind]int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		scripts: make(map[shapes.Kind][]string),
		errs:    make(map[shapes.Kind]error),
		blocks:  make(map[shapes.Kind]bool),
		calls:   make(map[shapes.Kind]int),
	}
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Generate(ctx context.Context, prompt string, opts ...llm.Option) (*llm.Response, error) {
	kind := shapes.KindOutline
	for _, k := range shapes.AllKinds() {
		if k == shapes.KindOutline {
			continue
		}
		name := strings.ReplaceAll(k.String(), "_", " ")
		if strings.Contains(prompt, "creating a "+name) {
			kind = k
			break
		}
	}

	b.mu.Lock()
	n := b.calls[kind]
	b.calls[kind] = n + 1
	blocked := b.blocks[kind]
	scriptErr := b.errs[kind]
	script := b.scripts[kind]
	b.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if scriptErr != nil {
		return nil, scriptErr
	}
	if len(script) == 0 {
		return nil, errors.New("no script for shape " + kind.String())
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return &llm.Response{Text: script[n], InputTokens: 50, OutputTokens: 100, Model: "scripted"}, nil
}

func (b *scriptedBackend) callCount(kind shapes.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[kind]
}

// newTestOrchestrator wires real components around a test backend,
// with millisecond backoffs.
func newTestOrchestrator(t *testing.T, backend llm.Client, config Config, contentCache *cache.ContentCache) *Orchestrator {
	t.Helper()

	execConfig := executor.DefaultConfig()
	execConfig.InitialBackoff = time.Millisecond
	execConfig.MaxBackoff = time.Millisecond
	execConfig.JitterFactor = 0
	exec, err := executor.New(backend, execConfig, nil)
	if err != nil {
		t.Fatal(err)
	}

	schedConfig := fanout.DefaultSchedulerConfig()
	schedConfig.TransientBackoff = time.Millisecond
	sched, err := fanout.NewScheduler(exec, "scripted", schedConfig, fanout.DefaultBreakerConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	pipeline, err := validation.NewPipeline(validation.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	orch, err := New(exec, sched, pipeline, contentCache, config, nil)
	if err != nil {
		t.Fatal(err)
	}
	return orch
}

func TestRun_EndToEnd_PartialQuality(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	// Summary: invalid JSON on attempt 1, valid but off-topic on 2.
	backend.scripts[shapes.KindSummary] = []string{
		"Sure! Here is your summary, hope it helps.",
		offTopicSummaryJSON,
	}

	orch := newTestOrchestrator(t, backend, DefaultConfig(), nil)
	result, err := orch.Run(context.Background(), GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
		Options: Options{AllowParallel: true},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if result.Outline == nil {
		t.Fatal("result missing outline")
	}
	summary, ok := result.Derivatives[shapes.KindSummary]
	if !ok {
		t.Fatal("result missing summary")
	}
	if summary.Prov.Attempts != 2 {
		t.Errorf("summary attempts = %d, want 2 (one parse retry)", summary.Prov.Attempts)
	}
	if result.Report.OverallPassed {
		t.Error("report passed despite off-topic summary; coherence must drag it down")
	}
	coherence, _ := result.Report.Stage(validation.StageCoherence)
	if coherence.Passed {
		t.Error("coherence stage passed for an off-topic summary")
	}
	if result.TokensIn == 0 || result.TokensOut == 0 {
		t.Error("token usage not recorded")
	}
}

func TestRun_InputInvalid(t *testing.T) {
	backend := newScriptedBackend()
	orch := newTestOrchestrator(t, backend, DefaultConfig(), nil)

	tests := []struct {
		name string
		req  GenerationRequest
	}{
		{"empty brief", GenerationRequest{Brief: "", Shapes: []shapes.Kind{shapes.KindOutline}}},
		{"brief too short", GenerationRequest{Brief: "too short", Shapes: []shapes.Kind{shapes.KindOutline}}},
		{"no shapes", GenerationRequest{Brief: "Explain supply and demand thoroughly"}},
		{"unknown shape", GenerationRequest{
			Brief:  "Explain supply and demand thoroughly",
			Shapes: []shapes.Kind{shapes.Kind("poem")},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.Run(context.Background(), tt.req)
			var se *StageError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *StageError", err)
			}
			if se.Kind != KindInputInvalid {
				t.Errorf("kind = %s, want %s", se.Kind, KindInputInvalid)
			}
			if se.Stage != StateValidatingInput {
				t.Errorf("stage = %s, want %s", se.Stage, StateValidatingInput)
			}
		})
	}
	if backend.callCount(shapes.KindOutline) != 0 {
		t.Error("backend contacted for invalid input")
	}
}

func TestRun_OutlineFailureIsFatal(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{"not json, never will be"}
	backend.scripts[shapes.KindSummary] = []string{coherentSummaryJSON}

	orch := newTestOrchestrator(t, backend, DefaultConfig(), nil)
	result, err := orch.Run(context.Background(), GenerationRequest{
		Brief:  "Explain supply and demand for high-school students",
		Shapes: []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
	})
	if result != nil {
		t.Fatal("result returned despite outline failure")
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Kind != KindOutlineFailed {
		t.Errorf("kind = %s, want %s", se.Kind, KindOutlineFailed)
	}
	if backend.callCount(shapes.KindSummary) != 0 {
		t.Error("derivatives generated without an outline")
	}
}

func TestRun_PartialSuccess(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	backend.scripts[shapes.KindSummary] = []string{coherentSummaryJSON}
	backend.scripts[shapes.KindFAQSet] = []string{"never valid json"}

	orch := newTestOrchestrator(t, backend, DefaultConfig(), nil)
	result, err := orch.Run(context.Background(), GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary, shapes.KindFAQSet},
		Options: Options{AllowParallel: true},
	})
	if err != nil {
		t.Fatalf("partial failure escalated to run failure: %v", err)
	}

	if _, ok := result.Derivatives[shapes.KindSummary]; !ok {
		t.Error("summary absent despite succeeding")
	}
	if _, ok := result.Derivatives[shapes.KindFAQSet]; ok {
		t.Error("failed faq_set present in derivatives")
	}
	if len(result.Absent) != 1 || result.Absent[0] != shapes.KindFAQSet {
		t.Errorf("Absent = %v, want [faq_set]", result.Absent)
	}
}

func TestRun_CacheHit(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	backend.scripts[shapes.KindSummary] = []string{coherentSummaryJSON}

	contentCache, err := cache.New(cache.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	orch := newTestOrchestrator(t, backend, DefaultConfig(), contentCache)

	req := GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
		Options: Options{UseCache: true, AllowParallel: true},
	}

	first, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Fatal("first run reported a cache hit")
	}
	outlineCalls := backend.callCount(shapes.KindOutline)

	second, err := orch.Run(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("second identical run missed the cache")
	}
	if backend.callCount(shapes.KindOutline) != outlineCalls {
		t.Error("cache hit still contacted the backend")
	}
	if second.Outline == nil || second.Outline.Title != first.Outline.Title {
		t.Error("cached outline does not round-trip")
	}
	if second.RequestID == first.RequestID {
		t.Error("cached result reuses the original request id")
	}
}

func TestRun_StrictQualityFailsRun(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	backend.scripts[shapes.KindSummary] = []string{offTopicSummaryJSON}

	config := DefaultConfig()
	config.StrictQuality = true

	orch := newTestOrchestrator(t, backend, config, nil)
	_, err := orch.Run(context.Background(), GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
		Options: Options{AllowParallel: true},
	})

	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Kind != KindQualityBelowFloor {
		t.Errorf("kind = %s, want %s", se.Kind, KindQualityBelowFloor)
	}
	if se.Stage != StateValidating {
		t.Errorf("stage = %s, want %s", se.Stage, StateValidating)
	}
}

func TestRun_DeadlineDuringFanOutFailsRun(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	backend.blocks[shapes.KindSummary] = true

	config := DefaultConfig()
	config.RunTimeout = 150 * time.Millisecond

	orch := newTestOrchestrator(t, backend, config, nil)
	result, err := orch.Run(context.Background(), GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
		Options: Options{AllowParallel: true},
	})

	if result != nil {
		t.Fatal("partial result assembled after the run deadline expired")
	}
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StageError", err)
	}
	if se.Kind != KindTimeout {
		t.Errorf("kind = %s, want %s", se.Kind, KindTimeout)
	}
	if se.Stage != StateGeneratingDerivatives {
		t.Errorf("stage = %s, want %s", se.Stage, StateGeneratingDerivatives)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout error does not unwrap to context.DeadlineExceeded")
	}
}

// gatedBackend holds the outline call open until release is closed, so
// a second identical request can arrive while the first is in flight.
type gatedBackend struct {
	*scriptedBackend
	outlineStarted chan struct{}
	release        chan struct{}
	once           sync.Once
}

func (b *gatedBackend) Generate(ctx context.Context, prompt string, opts ...llm.Option) (*llm.Response, error) {
	if strings.Contains(prompt, "topic outline") {
		b.once.Do(func() { close(b.outlineStarted) })
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b.scriptedBackend.Generate(ctx, prompt, opts...)
}

func TestRun_CoalescedFollowerGetsOwnRequestID(t *testing.T) {
	inner := newScriptedBackend()
	inner.scripts[shapes.KindOutline] = []string{outlineJSON}
	inner.scripts[shapes.KindSummary] = []string{coherentSummaryJSON}
	backend := &gatedBackend{
		scriptedBackend: inner,
		outlineStarted:  make(chan struct{}),
		release:         make(chan struct{}),
	}

	contentCache, err := cache.New(cache.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	orch := newTestOrchestrator(t, backend, DefaultConfig(), contentCache)

	req := GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindOutline, shapes.KindSummary},
		Options: Options{UseCache: true, AllowParallel: true},
	}

	type outcome struct {
		result *GenerationResult
		err    error
	}
	outcomes := make(chan outcome, 2)
	run := func() {
		result, err := orch.Run(context.Background(), req)
		outcomes <- outcome{result, err}
	}

	go run()
	<-backend.outlineStarted
	go run()
	// Give the second run time to park behind the in-flight generation.
	time.Sleep(50 * time.Millisecond)
	close(backend.release)

	first := <-outcomes
	second := <-outcomes
	if first.err != nil || second.err != nil {
		t.Fatalf("runs failed: %v, %v", first.err, second.err)
	}

	if got := inner.callCount(shapes.KindOutline); got != 1 {
		t.Errorf("outline generated %d times for identical concurrent requests, want 1", got)
	}
	if first.result.RequestID == second.result.RequestID {
		t.Error("coalesced runs share one request id")
	}
	if first.result.Outline.Title != second.result.Outline.Title {
		t.Error("coalesced runs diverge in content")
	}
}

func TestRun_SequentialWhenParallelDisallowed(t *testing.T) {
	backend := newScriptedBackend()
	backend.scripts[shapes.KindOutline] = []string{outlineJSON}
	backend.scripts[shapes.KindSummary] = []string{coherentSummaryJSON}
	backend.scripts[shapes.KindFAQSet] = []string{`{
		"title": "Supply and Demand Questions",
		"items": [
			{"prompt": "What is the law of demand?", "response": "Price increases reduce quantity demanded."},
			{"prompt": "What is the law of supply?", "response": "Price increases raise quantity supplied."},
			{"prompt": "What is equilibrium?", "response": "The price where supply and demand balance."},
			{"prompt": "What causes shortages?", "response": "Prices held below the equilibrium price."},
			{"prompt": "What causes surpluses?", "response": "Prices held above the equilibrium price."}
		]
	}`}

	orch := newTestOrchestrator(t, backend, DefaultConfig(), nil)
	result, err := orch.Run(context.Background(), GenerationRequest{
		Brief:   "Explain supply and demand for high-school students",
		Shapes:  []shapes.Kind{shapes.KindSummary, shapes.KindFAQSet},
		Options: Options{AllowParallel: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Derivatives) != 2 {
		t.Errorf("got %d derivatives, want 2", len(result.Derivatives))
	}
	if result.Outline == nil {
		t.Error("outline not generated despite not being requested explicitly")
	}
}
