// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"time"

	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
	"github.com/AleutianAI/CourseForge/services/coursegen/validation"
)

// State is one stage of the orchestration state machine.
type State string

const (
	StateInitializing          State = "initializing"
	StateValidatingInput       State = "validating_input"
	StateGeneratingOutline     State = "generating_outline"
	StateGeneratingDerivatives State = "generating_derivatives"
	StateValidating            State = "validating"
	StateAssembling            State = "assembling"
	StateCompleted             State = "completed"
	StateFailed                State = "failed"
)

// Options tune one generation request.
type Options struct {
	// UseCache enables cache lookup and storage for this request.
	UseCache bool `json:"use_cache"`

	// AllowParallel lets derivative generations fan out concurrently.
	// When false, derivatives run one at a time.
	AllowParallel bool `json:"allow_parallel"`

	// QualityFloor overrides the configured composite-score floor when
	// > 0. Must be in [0,1].
	QualityFloor float64 `json:"quality_floor,omitempty"`
}

// GenerationRequest is the immutable input to one orchestration run.
// Created once per external request and never mutated.
type GenerationRequest struct {
	// Brief is the free-text topic description.
	Brief string `json:"brief"`

	// Shapes is the set of document shapes to produce. The outline is
	// always generated whether or not it is listed.
	Shapes []shapes.Kind `json:"shapes"`

	Options Options `json:"options"`
}

// GenerationResult is the aggregate outcome of one run.
//
// Partial success is a first-class state: derivatives that failed are
// listed in Absent, not reported as errors.
type GenerationResult struct {
	// RequestID identifies the run in logs and traces.
	RequestID string `json:"request_id"`

	// Outline is the mandatory outline document.
	Outline *shapes.Document `json:"outline"`

	// Derivatives holds every successfully generated derivative, keyed
	// by shape.
	Derivatives map[shapes.Kind]*shapes.Document `json:"derivatives"`

	// Absent lists requested derivative shapes that failed to generate.
	Absent []shapes.Kind `json:"absent,omitempty"`

	// Report is the aggregate validation report for the whole result.
	Report *validation.Report `json:"report"`

	// Reports holds the per-document validation reports.
	Reports map[shapes.Kind]*validation.Report `json:"reports,omitempty"`

	// TokensIn/TokensOut are the run's total backend token counts.
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`

	// FromCache is true when the result was served from the cache.
	FromCache bool `json:"from_cache,omitempty"`

	// Elapsed is the wall-clock run duration.
	Elapsed time.Duration `json:"elapsed"`
}
