// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var ollamaTracer = otel.Tracer("coursegen.llm.ollama")

// OllamaClient talks to a local Ollama server over its REST API.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// NewOllamaClient builds a client from OLLAMA_BASE_URL and
// OLLAMA_MODEL. A non-empty model argument overrides the environment.
func NewOllamaClient(model string) (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	if model == "" {
		model = os.Getenv("OLLAMA_MODEL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		model = "llama3.1:8b"
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", model)
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		// Per-call deadlines come from the request context; the client
		// timeout is only a backstop.
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Name implements the Client interface.
func (o *OllamaClient) Name() string { return "ollama" }

// Generate implements the Client interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, opts ...Option) (*Response, error) {
	maxTokens, temperature, timeout := ApplyOptions(opts...)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := ollamaTracer.Start(ctx, "llm.OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", o.model),
		attribute.Int("prompt_length", len(prompt)),
	)

	reqPayload := ollamaGenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http request failed")
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)

	if err := classifyStatus(resp.StatusCode); err != nil {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("ollama returned status %d: %s: %w", resp.StatusCode, truncate(string(bodyBytes), 200), err)
	}

	var apiResp ollamaGenerateResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}

	inputTokens := apiResp.PromptEvalCount
	if inputTokens == 0 {
		inputTokens = EstimateTokens(prompt)
	}
	outputTokens := apiResp.EvalCount
	if outputTokens == 0 {
		outputTokens = EstimateTokens(apiResp.Response)
	}

	slog.Debug("Ollama generation complete",
		"model", apiResp.Model,
		"input_tokens", inputTokens,
		"output_tokens", outputTokens,
	)

	return &Response{
		Text:         apiResp.Response,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Model:        apiResp.Model,
	}, nil
}

// classifyStatus maps an HTTP status to a sentinel error class.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrServerError
	default:
		return ErrInvalidRequest
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
