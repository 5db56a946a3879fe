// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/CourseForge/services/coursegen/llm"
	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// fakeClient returns scripted responses in order; the last entry
// repeats once the script runs out. Prompts are recorded for
// correction-clause assertions.
type fakeClient struct {
	mu        sync.Mutex
	responses []fakeResponse
	prompts   []string
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Generate(ctx context.Context, prompt string, opts ...llm.Option) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prompts = append(f.prompts, prompt)
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	r := f.responses[idx]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{
		Text:         r.text,
		InputTokens:  10,
		OutputTokens: 20,
		Model:        "fake-model",
	}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func fastConfig() Config {
	c := DefaultConfig()
	c.InitialBackoff = time.Millisecond
	c.MaxBackoff = time.Millisecond
	c.JitterFactor = 0
	return c
}

func validSummaryJSON() string {
	body := strings.Repeat("Supply and demand determine market prices. ", 10)
	return fmt.Sprintf(`{"title":"Supply and Demand Summary","body":%q}`, body)
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{text: validSummaryJSON()}}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	usage := llm.NewUsage()
	doc, err := exec.Execute(context.Background(), "Write a summary.", shapes.KindSummary, 0, usage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Prov.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", doc.Prov.Attempts)
	}
	if doc.Prov.TokensIn != 10 || doc.Prov.TokensOut != 20 {
		t.Errorf("provenance tokens = %d/%d, want 10/20", doc.Prov.TokensIn, doc.Prov.TokensOut)
	}
	if usage.InputTokens() != 10 || usage.OutputTokens() != 20 {
		t.Errorf("usage = %d/%d, want 10/20", usage.InputTokens(), usage.OutputTokens())
	}
	if client.callCount() != 1 {
		t.Errorf("backend called %d times, want 1", client.callCount())
	}
}

func TestExecute_ParseFailureThenSuccess(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{
		{text: "Sorry, here is something that is not JSON"},
		{text: validSummaryJSON()},
	}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	doc, err := exec.Execute(context.Background(), "Write a summary.", shapes.KindSummary, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Prov.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", doc.Prov.Attempts)
	}
	// Cumulative token accounting across both attempts.
	if doc.Prov.TokensIn != 20 || doc.Prov.TokensOut != 40 {
		t.Errorf("provenance tokens = %d/%d, want 20/40", doc.Prov.TokensIn, doc.Prov.TokensOut)
	}

	second := client.prompts[1]
	if !strings.Contains(second, "SYNTAX CORRECTION") {
		t.Errorf("second prompt missing syntax correction clause:\n%s", second)
	}
	if !strings.Contains(second, "Write a summary.") {
		t.Errorf("second prompt lost the base prompt:\n%s", second)
	}
}

func TestExecute_SchemaCorrectionEnumeratesConstraints(t *testing.T) {
	// Valid JSON, but title too short and body missing.
	client := &fakeClient{responses: []fakeResponse{
		{text: `{"title":"Hi"}`},
		{text: validSummaryJSON()},
	}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := exec.Execute(context.Background(), "Write a summary.", shapes.KindSummary, 0, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := client.prompts[1]
	if !strings.Contains(second, "SCHEMA CORRECTION") {
		t.Fatalf("second prompt missing schema correction clause:\n%s", second)
	}
	if !strings.Contains(second, "title.min_chars") {
		t.Errorf("correction clause does not name the violated constraint:\n%s", second)
	}
	if !strings.Contains(second, "body.required") {
		t.Errorf("correction clause does not name the missing field:\n%s", second)
	}
}

func TestExecute_RetryTermination(t *testing.T) {
	// Backend always returns unparsable text: exactly maxAttempts
	// calls, then a typed error.
	client := &fakeClient{responses: []fakeResponse{{text: "never valid"}}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	const maxAttempts = 4
	doc, err := exec.Execute(context.Background(), "Write a summary.", shapes.KindSummary, maxAttempts, nil)
	if doc != nil {
		t.Fatal("document returned despite exhausted attempts")
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("error = %v, want ErrAttemptsExhausted", err)
	}
	if client.callCount() != maxAttempts {
		t.Errorf("backend called %d times, want %d", client.callCount(), maxAttempts)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error is not *ExhaustedError: %v", err)
	}
	if exhausted.Cause != CauseParse {
		t.Errorf("Cause = %v, want %v", exhausted.Cause, CauseParse)
	}
	if exhausted.Attempts != maxAttempts {
		t.Errorf("Attempts = %d, want %d", exhausted.Attempts, maxAttempts)
	}
}

func TestExecute_BackendErrorNotRetried(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{err: llm.ErrServerError}}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = exec.Execute(context.Background(), "Write a summary.", shapes.KindSummary, 0, nil)
	if !errors.Is(err, llm.ErrServerError) {
		t.Fatalf("error = %v, want wrapped ErrServerError", err)
	}
	if client.callCount() != 1 {
		t.Errorf("backend called %d times, want 1 (transport retry belongs to the scheduler)", client.callCount())
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	client := &fakeClient{responses: []fakeResponse{{text: "not json"}}}
	exec, err := New(client, fastConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = exec.Execute(ctx, "Write a summary.", shapes.KindSummary, 0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if client.callCount() != 0 {
		t.Errorf("backend called %d times on cancelled context, want 0", client.callCount())
	}
}

func TestAppendClause_ReplacesSameClass(t *testing.T) {
	clauses := appendClause(nil, "SYNTAX CORRECTION: first")
	clauses = appendClause(clauses, "SCHEMA CORRECTION: second")
	clauses = appendClause(clauses, "SYNTAX CORRECTION: third")

	if len(clauses) != 2 {
		t.Fatalf("len(clauses) = %d, want 2", len(clauses))
	}
	if clauses[0] != "SYNTAX CORRECTION: third" {
		t.Errorf("clause not replaced in place: %q", clauses[0])
	}
}
