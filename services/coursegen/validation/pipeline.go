// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/CourseForge/services/coursegen/observability"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// Config configures the validation pipeline.
type Config struct {
	// QualityFloor is the composite score a document must reach for
	// OverallPassed. Default: 0.7
	QualityFloor float64

	// CoherenceFloor is the minimum lexical similarity a derivative must
	// have with the outline. Default: 0.6
	CoherenceFloor float64
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		QualityFloor:   0.7,
		CoherenceFloor: 0.6,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.QualityFloor < 0 || c.QualityFloor > 1 {
		return errors.New("validation config: QualityFloor must be in [0,1]")
	}
	if c.CoherenceFloor < 0 || c.CoherenceFloor > 1 {
		return errors.New("validation config: CoherenceFloor must be in [0,1]")
	}
	return nil
}

// Pipeline runs the quality stages over generated documents.
//
// Stages run in fixed order (structural, completeness, coherence,
// educational) and are independent: a failing stage never prevents the
// ones after it from running.
//
// Thread Safety: Safe for concurrent use; the pipeline holds no
// per-call mutable state.
type Pipeline struct {
	config  Config
	metrics *observability.Metrics
}

// NewPipeline creates a validation pipeline.
func NewPipeline(config Config, metrics *observability.Metrics) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{config: config, metrics: metrics}, nil
}

// Validate produces a report for one document.
//
// Inputs:
//   - doc: The document under validation. Must not be nil.
//   - outline: The outline the document derives from. For the outline
//     itself, pass the same document; coherence is then trivially full.
//
// Outputs:
//   - *Report: The complete report. Never nil; a failing document
//     yields a report with OverallPassed=false, not an error.
func (p *Pipeline) Validate(doc, outline *shapes.Document) *Report {
	stages := []StageResult{
		p.structural(doc),
		p.completeness(doc),
		p.coherence(doc, outline),
		p.educational(doc),
	}
	for _, s := range stages {
		p.metrics.RecordValidationScore(s.Stage, s.Score)
	}
	report := compose(stages, p.config.QualityFloor)
	slog.Debug("document validated",
		"shape", doc.Kind,
		"overall_score", report.OverallScore,
		"overall_passed", report.OverallPassed,
	)
	return report
}

// ValidateResult validates the outline and every derivative, and
// aggregates them into one result-level report.
//
// Description:
//
//	Per-stage aggregate scores are the mean across documents; issues
//	from every document carry over, so one derivative's critical
//	finding fails the aggregate. The per-document reports are returned
//	alongside for callers that surface them individually.
func (p *Pipeline) ValidateResult(outline *shapes.Document, derivatives map[shapes.Kind]*shapes.Document) (*Report, map[shapes.Kind]*Report) {
	perDoc := make(map[shapes.Kind]*Report, len(derivatives)+1)
	perDoc[outline.Kind] = p.Validate(outline, outline)
	for kind, doc := range derivatives {
		perDoc[kind] = p.Validate(doc, outline)
	}

	agg := make([]StageResult, 0, len(stageWeights))
	for _, stage := range []string{StageStructural, StageCompleteness, StageCoherence, StageEducational} {
		sum := 0.0
		passed := true
		var issues []Issue
		for _, r := range perDoc {
			sr, ok := r.Stage(stage)
			if !ok {
				continue
			}
			sum += sr.Score
			passed = passed && sr.Passed
			issues = append(issues, sr.Issues...)
		}
		agg = append(agg, StageResult{
			Stage:  stage,
			Passed: passed,
			Score:  sum / float64(len(perDoc)),
			Issues: issues,
		})
	}
	return compose(agg, p.config.QualityFloor), perDoc
}

// structural re-validates the shape schema defensively. Documents may
// have been touched by post-processing after the executor's check.
func (p *Pipeline) structural(doc *shapes.Document) StageResult {
	result := StageResult{Stage: StageStructural, Passed: true, Score: 1.0}

	schema, err := shapes.SchemaFor(doc.Kind)
	if err != nil {
		result.Passed = false
		result.Score = 0
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityCritical,
			Kind:     "unknown_shape",
			Message:  err.Error(),
		})
		return result
	}

	violations := schema.Validate(doc)
	if len(violations) == 0 {
		return result
	}

	result.Passed = false
	for _, v := range violations {
		sev := SeverityWarning
		if strings.HasSuffix(v.Rule, ".required") {
			sev = SeverityCritical
		}
		result.Issues = append(result.Issues, Issue{
			Severity:     sev,
			Kind:         v.Rule,
			Message:      v.Message,
			SuggestedFix: "regenerate the document; the schema contract was not met",
		})
	}
	// Score decays with violation count relative to the rule surface.
	surface := len(schema.Rules) + 2
	result.Score = clamp01(1.0 - float64(len(violations))/float64(surface))
	return result
}

// completeness runs the quantitative checks derived from the schema:
// section counts, key-point counts, character ranges. Scored as the
// fraction of satisfied checks.
func (p *Pipeline) completeness(doc *shapes.Document) StageResult {
	result := StageResult{Stage: StageCompleteness, Passed: true, Score: 1.0}

	schema, err := shapes.SchemaFor(doc.Kind)
	if err != nil {
		result.Passed = false
		result.Score = 0
		return result
	}

	total, satisfied := 0, 0
	check := func(ok bool, kind, message, fix string) {
		total++
		if ok {
			satisfied++
			return
		}
		result.Issues = append(result.Issues, Issue{
			Severity:     SeverityWarning,
			Kind:         kind,
			Message:      message,
			SuggestedFix: fix,
		})
	}

	for _, r := range schema.Rules {
		switch r.Field {
		case "title", "body":
			val := doc.Title
			if r.Field == "body" {
				val = doc.Body
			}
			n := utf8.RuneCountInString(strings.TrimSpace(val))
			if r.MinChars > 0 {
				check(n >= r.MinChars, r.Field+".too_short",
					fmt.Sprintf("%s has %d characters, expected at least %d", r.Field, n, r.MinChars),
					fmt.Sprintf("expand the %s to at least %d characters", r.Field, r.MinChars))
			}
			if r.MaxChars > 0 {
				check(n <= r.MaxChars, r.Field+".too_long",
					fmt.Sprintf("%s has %d characters, expected at most %d", r.Field, n, r.MaxChars),
					fmt.Sprintf("trim the %s to at most %d characters", r.Field, r.MaxChars))
			}
		case "sections", "items":
			n := len(doc.Sections)
			if r.Field == "items" {
				n = len(doc.Items)
			}
			if r.MinItems > 0 {
				check(n >= r.MinItems, r.Field+".too_few",
					fmt.Sprintf("%s has %d entries, expected at least %d", r.Field, n, r.MinItems),
					fmt.Sprintf("add entries until %s has at least %d", r.Field, r.MinItems))
			}
			if r.MaxItems > 0 {
				check(n <= r.MaxItems, r.Field+".too_many",
					fmt.Sprintf("%s has %d entries, expected at most %d", r.Field, n, r.MaxItems),
					fmt.Sprintf("merge or drop entries until %s has at most %d", r.Field, r.MaxItems))
			}
		}
	}

	if schema.MinKeyPointsPerSection > 0 {
		for i, sec := range doc.Sections {
			check(len(sec.KeyPoints) >= schema.MinKeyPointsPerSection,
				"sections.key_points.too_few",
				fmt.Sprintf("section %d has %d key points, expected at least %d",
					i+1, len(sec.KeyPoints), schema.MinKeyPointsPerSection),
				"add key points to thin sections")
		}
	}
	if schema.MinSectionBodyChars > 0 {
		for i, sec := range doc.Sections {
			n := utf8.RuneCountInString(sec.Body)
			check(n >= schema.MinSectionBodyChars,
				"sections.body.too_short",
				fmt.Sprintf("section %d body has %d characters, expected at least %d",
					i+1, n, schema.MinSectionBodyChars),
				"expand thin section bodies")
		}
	}

	if total > 0 {
		result.Score = float64(satisfied) / float64(total)
	}
	result.Passed = satisfied == total
	return result
}

// coherence measures lexical similarity between the document and the
// outline. A derivative scoring below the floor is a critical finding:
// content that drifted off-topic is worse than content that is thin.
func (p *Pipeline) coherence(doc, outline *shapes.Document) StageResult {
	result := StageResult{Stage: StageCoherence, Passed: true, Score: 1.0}

	if outline == nil || doc == outline || doc.Kind == shapes.KindOutline {
		// The outline is the reference; nothing to compare against.
		return result
	}

	score := coherenceScore(outline.Text(), doc.Text())
	result.Score = score
	if score < p.config.CoherenceFloor {
		result.Passed = false
		result.Issues = append(result.Issues, Issue{
			Severity: SeverityCritical,
			Kind:     "coherence.below_floor",
			Message: fmt.Sprintf("%s similarity to outline is %.2f, floor is %.2f",
				doc.Kind, score, p.config.CoherenceFloor),
			SuggestedFix: "regenerate with the outline's section titles and key points embedded in the prompt",
		})
	}
	return result
}

// genericTitles are title values that signal the backend ignored the
// topic. Lowercased for comparison.
var genericTitles = map[string]struct{}{
	"untitled":     {},
	"introduction": {},
	"document":     {},
	"title":        {},
	"overview":     {},
}

// educational is the pluggable utility heuristic. It never raises a
// critical issue and never fails on its own; its findings stay at
// warning severity and its weight is capped in the composite.
func (p *Pipeline) educational(doc *shapes.Document) StageResult {
	result := StageResult{Stage: StageEducational, Passed: true, Score: 1.0}

	deduct := func(amount float64, kind, message, fix string) {
		result.Score = clamp01(result.Score - amount)
		result.Issues = append(result.Issues, Issue{
			Severity:     SeverityWarning,
			Kind:         kind,
			Message:      message,
			SuggestedFix: fix,
		})
	}

	if _, generic := genericTitles[strings.ToLower(strings.TrimSpace(doc.Title))]; generic {
		deduct(0.3, "educational.generic_title",
			fmt.Sprintf("title %q carries no topic information", doc.Title),
			"use a title naming the topic being taught")
	}

	text := doc.Text()
	lower := strings.ToLower(text)
	if strings.Contains(lower, "lorem ipsum") || strings.Contains(text, "TODO") || strings.Contains(text, "TBD") {
		deduct(0.4, "educational.placeholder_text",
			"document contains placeholder text",
			"regenerate the affected passages with real content")
	}

	// Item-based shapes teach through prompt/response pairs; empty
	// responses carry no value.
	empty := 0
	for _, it := range doc.Items {
		if strings.TrimSpace(it.Response) == "" {
			empty++
		}
	}
	if empty > 0 {
		deduct(0.2, "educational.empty_responses",
			fmt.Sprintf("%d of %d items have empty responses", empty, len(doc.Items)),
			"fill in a response for every item")
	}

	return result
}
