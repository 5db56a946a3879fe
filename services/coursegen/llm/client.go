// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the generative text backend consumed by the
// generation engine. Adapters exist for Ollama (raw HTTP) and OpenAI;
// anything implementing Client can be plugged in.
package llm

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Sentinel errors for backend failure classification.
// Transport-level failures are retryable by the scheduler; invalid
// requests are not.
var (
	// ErrRateLimited indicates the backend rejected the call for rate
	// limiting (retryable).
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrServerError indicates a backend 5xx failure (retryable).
	ErrServerError = errors.New("llm: server error")

	// ErrInvalidRequest indicates the request itself was rejected
	// (not retryable).
	ErrInvalidRequest = errors.New("llm: invalid request")
)

// Per-call defaults, overridable with Options.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.3
)

// Response is one completion from the backend.
type Response struct {
	// Text is the raw generated text, unparsed.
	Text string `json:"text"`

	// InputTokens is the prompt token count reported by the backend,
	// or an estimate when the backend does not report one.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the completion token count.
	OutputTokens int `json:"output_tokens"`

	// Model is the model identifier that produced this response.
	Model string `json:"model,omitempty"`
}

// Client is the generative backend capability.
//
// Implementations must be safe for concurrent use and must honor the
// context deadline on every call.
type Client interface {
	// Generate sends a prompt and returns the completion with token
	// accounting. Errors should wrap one of the package sentinels when
	// the failure class is known.
	Generate(ctx context.Context, prompt string, opts ...Option) (*Response, error)

	// Name identifies the backend endpoint for circuit breaking and
	// metrics labels, e.g. "ollama" or "openai".
	Name() string
}

// options holds per-call settings.
type options struct {
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

func defaultOptions() *options {
	return &options{
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		timeout:     DefaultTimeout,
	}
}

// Option is a functional option for one Generate call.
type Option func(*options)

// WithMaxTokens caps the completion length. Ignored when n <= 0.
func WithMaxTokens(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Ignored when t < 0.
func WithTemperature(t float64) Option {
	return func(o *options) {
		if t >= 0 {
			o.temperature = t
		}
	}
}

// WithTimeout sets the per-call timeout. Ignored when d <= 0.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// ApplyOptions resolves opts against the defaults. Exported for use by
// Client implementations.
func ApplyOptions(opts ...Option) (maxTokens int, temperature float64, timeout time.Duration) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o.maxTokens, o.temperature, o.timeout
}

// EstimateTokens approximates the token count of text.
//
// Used for accounting when a backend does not report usage. Roughly
// four characters per token for English prose.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	est := n / 4
	if est < 1 {
		est = 1
	}
	return est
}
