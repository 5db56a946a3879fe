// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// FakeClient is a deterministic offline backend for development and
// smoke testing. It echoes the brief's vocabulary back in a document
// that satisfies every shape schema, so full runs work with no model
// running.
type FakeClient struct{}

// NewFakeClient creates the offline backend.
func NewFakeClient() *FakeClient { return &FakeClient{} }

// Name returns the backend identifier.
func (c *FakeClient) Name() string { return "fake" }

// Generate returns a canned structured response built from the
// prompt's topic line.
func (c *FakeClient) Generate(ctx context.Context, prompt string, opts ...Option) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topic := extractTopic(prompt)
	sectionBody := fmt.Sprintf(
		"This section explains %s in plain language. It walks through the main ideas step by step, "+
			"connects them to everyday examples, and closes with the points a learner should remember. "+
			"Each idea builds on the one before it so the topic stays approachable throughout.", topic)

	doc := map[string]any{
		"title": fmt.Sprintf("Understanding %s", topic),
		"body": fmt.Sprintf(
			"An overview of %s. %s %s %s The remaining sections revisit these ideas with worked examples "+
				"and short checks for understanding, so the material sticks beyond a first reading.",
			topic, sectionBody, sectionBody, sectionBody),
		"sections": []map[string]any{
			sectionFor(topic, "Foundations", sectionBody),
			sectionFor(topic, "Core Concepts", sectionBody),
			sectionFor(topic, "Worked Examples", sectionBody),
			sectionFor(topic, "Common Mistakes", sectionBody),
		},
		"items": itemsFor(topic),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("fake backend: %w", err)
	}
	text := string(raw)
	return &Response{
		Text:         text,
		InputTokens:  EstimateTokens(prompt),
		OutputTokens: EstimateTokens(text),
		Model:        "fake",
	}, nil
}

func sectionFor(topic, title, body string) map[string]any {
	return map[string]any{
		"title": fmt.Sprintf("%s of %s", title, topic),
		"key_points": []string{
			fmt.Sprintf("How %s relates to %s", title, topic),
			fmt.Sprintf("What to remember about %s", topic),
		},
		"body": body,
	}
}

func itemsFor(topic string) []map[string]string {
	items := make([]map[string]string, 0, 8)
	for i := 1; i <= 8; i++ {
		items = append(items, map[string]string{
			"prompt":   fmt.Sprintf("Question %d: what should a learner know about %s?", i, topic),
			"response": fmt.Sprintf("A short explanation of %s, point %d, stated in one or two sentences.", topic, i),
		})
	}
	return items
}

// extractTopic pulls the brief line out of a generation prompt.
func extractTopic(prompt string) string {
	const marker = "Topic brief:\n"
	idx := strings.Index(prompt, marker)
	if idx < 0 {
		return "the requested topic"
	}
	rest := prompt[idx+len(marker):]
	if end := strings.Index(rest, "\n\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "the requested topic"
	}
	words := strings.Fields(rest)
	if len(words) > 12 {
		words = words[:12]
	}
	return strings.Join(words, " ")
}
