// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor wraps one generative backend call into a dependable
// "produce a schema-valid document" operation.
//
// A generative backend fails in two ways a caller should never see:
// syntactically invalid output and schema-violating output. The
// executor recovers both by appending targeted correction clauses to
// the prompt and retrying with backoff, up to a bounded attempt count.
// Transport failures are not retried here; the fan-out scheduler owns
// transient-infrastructure retry so the two retry budgets stay
// independent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/observability"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

var tracer = otel.Tracer("coursegen.executor")

// maxCorrectionConstraints bounds how many violated constraints are
// enumerated in a schema correction clause.
const maxCorrectionConstraints = 5

// Config configures the attempt loop.
type Config struct {
	// MaxAttempts is the maximum backend calls per Execute (including
	// the initial one). Default: 3
	MaxAttempts int

	// InitialBackoff is the wait before the first retry. Default: 2s
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries. Default: 30s
	MaxBackoff time.Duration

	// BackoffFactor is the exponential multiplier. Default: 2.0
	BackoffFactor float64

	// JitterFactor adds up to this fraction of randomness to each
	// backoff to avoid thundering herd. Default: 0.2
	JitterFactor float64

	// CallTimeout is the per-backend-call deadline. Default: 30s
	CallTimeout time.Duration

	// MaxTokens is passed through to the backend. Default: 4096
	MaxTokens int

	// Temperature is passed through to the backend. Default: 0.3
	Temperature float64
}

// DefaultConfig returns sensible defaults for the executor.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
		CallTimeout:    30 * time.Second,
		MaxTokens:      4096,
		Temperature:    0.3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("executor config: MaxAttempts must be >= 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("executor config: InitialBackoff must be > 0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("executor config: MaxBackoff must be >= InitialBackoff")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("executor config: BackoffFactor must be >= 1.0")
	}
	if c.CallTimeout <= 0 {
		return errors.New("executor config: CallTimeout must be > 0")
	}
	return nil
}

// Executor turns an unreliable backend into a validated-document
// producer.
//
// Thread Safety: Safe for concurrent use after construction.
type Executor struct {
	client  llm.Client
	config  Config
	metrics *observability.Metrics
}

// New creates an Executor.
//
// Inputs:
//   - client: The generative backend. Must not be nil.
//   - config: Attempt-loop configuration. Validated here.
//   - metrics: Observability hooks. May be nil.
//
// Outputs:
//   - *Executor: Ready-to-use executor.
//   - error: If client is nil or config invalid.
func New(client llm.Client, config Config, metrics *observability.Metrics) (*Executor, error) {
	if client == nil {
		return nil, errors.New("executor: client must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Executor{client: client, config: config, metrics: metrics}, nil
}

// Execute runs the attempt loop for one prompt and shape.
//
// Description:
//
//	Calls the backend, extracts and parses JSON, validates against the
//	shape's schema, and runs a cheap inline quality check. Each failure
//	class appends a targeted correction clause to the prompt before the
//	next attempt. Exhausting attempts returns an *ExhaustedError
//	carrying the final diagnostics, never a partially-valid document.
//
// Inputs:
//   - ctx: Carries the overall deadline. Must not be nil.
//   - prompt: The base generation prompt.
//   - kind: The target shape; its schema gates the output.
//   - maxAttempts: Attempt budget for this call; 0 uses the config
//     default.
//   - usage: Per-request token accounting. May be nil.
//
// Outputs:
//   - *shapes.Document: A schema-valid document with provenance.
//   - error: Backend transport error, context error, or *ExhaustedError.
//
// Thread Safety: Safe for concurrent use.
func (e *Executor) Execute(ctx context.Context, prompt string, kind shapes.Kind, maxAttempts int, usage *llm.Usage) (*shapes.Document, error) {
	schema, err := shapes.SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = e.config.MaxAttempts
	}

	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("shape", kind.String()),
		attribute.Int("max_attempts", maxAttempts),
	)

	var (
		corrections    []string
		lastCause      FailureCause
		lastErr        error
		lastViolations []shapes.Violation
		totalIn        int
		totalOut       int
	)

	backoff := e.config.InitialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "context done")
			return nil, err
		}

		if attempt > 1 {
			wait := jitter(backoff, e.config.JitterFactor)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			backoff = nextBackoff(backoff, e.config.BackoffFactor, e.config.MaxBackoff)
		}

		fullPrompt := prompt
		if len(corrections) > 0 {
			fullPrompt = prompt + "\n\n" + strings.Join(corrections, "\n\n")
		}

		start := time.Now()
		resp, err := e.client.Generate(ctx, fullPrompt,
			llm.WithTimeout(e.config.CallTimeout),
			llm.WithMaxTokens(e.config.MaxTokens),
			llm.WithTemperature(e.config.Temperature),
		)
		e.metrics.RecordBackendCall(e.client.Name(), time.Since(start), err == nil)
		if err != nil {
			// Transport failure: surface immediately, the caller owns
			// transient retry.
			span.RecordError(err)
			span.SetStatus(codes.Error, "backend call failed")
			return nil, fmt.Errorf("backend call for %s: %w", kind, err)
		}

		usage.Record(resp.InputTokens, resp.OutputTokens)
		e.metrics.RecordTokens(resp.Model, resp.InputTokens, resp.OutputTokens)
		totalIn += resp.InputTokens
		totalOut += resp.OutputTokens

		raw, err := ExtractJSON(resp.Text)
		if err != nil {
			lastCause, lastErr = CauseParse, err
			e.metrics.RecordRetry(string(CauseParse))
			slog.Debug("output not parseable, retrying",
				"shape", kind,
				"attempt", attempt,
				"error_class", errorClass(err),
			)
			corrections = appendClause(corrections, syntaxCorrection(err))
			continue
		}

		doc, err := shapes.DecodeDocument(kind, raw)
		if err != nil {
			lastCause, lastErr = CauseParse, err
			e.metrics.RecordRetry(string(CauseParse))
			slog.Debug("output not decodable, retrying", "shape", kind, "attempt", attempt)
			corrections = appendClause(corrections, syntaxCorrection(err))
			continue
		}

		if violations := schema.Validate(doc); len(violations) > 0 {
			lastCause, lastViolations = CauseSchema, violations
			lastErr = nil
			e.metrics.RecordRetry(string(CauseSchema))
			slog.Debug("output violates schema, retrying",
				"shape", kind,
				"attempt", attempt,
				"violations", len(violations),
			)
			corrections = appendClause(corrections, schemaCorrection(violations))
			continue
		}

		// Cheap inline quality check. A fixable flag spends a retry;
		// on the final attempt the document ships as-is and the full
		// pipeline scores it downstream.
		if clause, flagged := quickCheck(doc); flagged && attempt < maxAttempts {
			e.metrics.RecordRetry("quality")
			slog.Debug("quick quality check flagged output, retrying", "shape", kind, "attempt", attempt)
			corrections = appendClause(corrections, clause)
			continue
		}

		doc.Prov = shapes.Provenance{
			TokensIn:    totalIn,
			TokensOut:   totalOut,
			Attempts:    attempt,
			GeneratedAt: time.Now().UTC(),
			Model:       resp.Model,
		}
		span.SetAttributes(attribute.Int("attempts", attempt))
		return doc, nil
	}

	span.SetStatus(codes.Error, "attempts exhausted")
	return nil, &ExhaustedError{
		Kind:       kind,
		Attempts:   maxAttempts,
		Cause:      lastCause,
		Violations: lastViolations,
		LastErr:    lastErr,
	}
}

// appendClause adds a correction clause, replacing a previous clause of
// the same class so prompts do not grow unbounded across attempts.
func appendClause(clauses []string, clause string) []string {
	prefix := clause
	if idx := strings.IndexByte(clause, ':'); idx > 0 {
		prefix = clause[:idx]
	}
	for i, c := range clauses {
		if strings.HasPrefix(c, prefix) {
			clauses[i] = clause
			return clauses
		}
	}
	return append(clauses, clause)
}

// syntaxCorrection builds the repair clause for unparsable output.
func syntaxCorrection(err error) string {
	return fmt.Sprintf(
		"SYNTAX CORRECTION: your previous output could not be parsed (%s). "+
			"The output MUST be a single syntactically valid JSON object with "+
			"no surrounding commentary, no markdown fences, and no text before "+
			"or after the object.", errorClass(err))
}

// schemaCorrection builds the repair clause enumerating the first
// violated constraints by name.
func schemaCorrection(violations []shapes.Violation) string {
	n := len(violations)
	if n > maxCorrectionConstraints {
		n = maxCorrectionConstraints
	}
	var b strings.Builder
	b.WriteString("SCHEMA CORRECTION: your previous output violated these constraints:")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "\n- %s: %s", violations[i].Rule, violations[i].Message)
	}
	b.WriteString("\nRegenerate the complete JSON object satisfying every constraint.")
	return b.String()
}

// genericTitles are headings that say nothing about the topic.
var genericTitles = map[string]bool{
	"untitled":     true,
	"introduction": true,
	"document":     true,
	"title":        true,
	"overview":     true,
}

// quickCheck is the cheap stage-1 structural check run inline between
// attempts. Only flags issues a regeneration can plausibly fix.
func quickCheck(doc *shapes.Document) (clause string, flagged bool) {
	title := strings.ToLower(strings.TrimSpace(doc.Title))
	if genericTitles[title] {
		return "QUALITY CORRECTION: the title is too generic. Use a specific, " +
			"descriptive title that names the actual topic.", true
	}
	text := doc.Text()
	lower := strings.ToLower(text)
	if strings.Contains(lower, "lorem ipsum") || strings.Contains(text, "TODO") {
		return "QUALITY CORRECTION: the output contains placeholder text. " +
			"Replace all placeholders with real content about the topic.", true
	}
	return "", false
}

// errorClass reduces a parse error to a short class name safe for logs
// and prompts.
func errorClass(err error) string {
	if errors.Is(err, ErrNoJSON) {
		return "no JSON object present"
	}
	msg := err.Error()
	if len(msg) > 80 {
		msg = msg[:80]
	}
	return msg
}

// jitter spreads a backoff by up to +/- factor.
func jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	j := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1.0 + j))
}

// nextBackoff grows the backoff exponentially up to max.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
