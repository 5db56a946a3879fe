// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation scores generated documents across independent
// quality stages and produces a weighted composite report.
//
// Validation failure is data, not an exception: the pipeline always
// returns a full report, and the caller decides what a failing score
// means for delivery.
package validation

// Severity classifies a validation issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one finding from a validation stage.
type Issue struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`

	// SuggestedFix is actionable guidance, empty when none applies.
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// Stage names, in pipeline order.
const (
	StageStructural   = "structural"
	StageCompleteness = "completeness"
	StageCoherence    = "coherence"
	StageEducational  = "educational"
)

// stageWeights are the fixed composite weights. They sum to 1.0.
var stageWeights = map[string]float64{
	StageStructural:   0.3,
	StageCompleteness: 0.2,
	StageCoherence:    0.3,
	StageEducational:  0.2,
}

// StageResult is the outcome of one validation stage.
type StageResult struct {
	Stage  string  `json:"stage"`
	Passed bool    `json:"passed"`
	Score  float64 `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// hasCritical reports whether any issue in the stage is critical.
func (r StageResult) hasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Report is the per-document validation result.
type Report struct {
	// Stages holds every stage result in pipeline order.
	Stages []StageResult `json:"stages"`

	// OverallScore is the weighted mean of stage scores, in [0,1].
	OverallScore float64 `json:"overall_score"`

	// OverallPassed is true only when the score meets the configured
	// floor and no stage raised a critical issue.
	OverallPassed bool `json:"overall_passed"`
}

// Stage returns the named stage result, or a zero value if absent.
func (r *Report) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// compose builds the report from stage results and the quality floor.
func compose(stages []StageResult, qualityFloor float64) *Report {
	score := 0.0
	critical := false
	for _, s := range stages {
		score += clamp01(s.Score) * stageWeights[s.Stage]
		if s.hasCritical() {
			critical = true
		}
	}
	score = clamp01(score)
	return &Report{
		Stages:        stages,
		OverallScore:  score,
		OverallPassed: score >= qualityFloor && !critical,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
