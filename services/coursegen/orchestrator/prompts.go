// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// shapeInstructions describe the expected JSON layout per shape. The
// executor's schema validation is the contract; these just steer the
// backend toward it on the first attempt.
var shapeInstructions = map[shapes.Kind]string{
	shapes.KindOutline: `Return JSON: {"title": string, "sections": [{"title": string, "key_points": [string, ...]}]}.
Produce 3 to 12 sections, each with at least 2 key points.`,

	shapes.KindScript: `Return JSON: {"title": string, "body": string}.
The body is a spoken-word narration script covering every outline section in order.`,

	shapes.KindGuide: `Return JSON: {"title": string, "sections": [{"title": string, "key_points": [string, ...], "body": string}]}.
Produce one section per outline section, each with explanatory prose and at least one key point.`,

	shapes.KindSummary: `Return JSON: {"title": string, "body": string}.
The body is a prose summary of 200 to 2400 characters covering the outline's main points.`,

	shapes.KindDetailedReading: `Return JSON: {"title": string, "sections": [{"title": string, "body": string}]}.
Produce at least 4 sections of in-depth prose, each at least 250 characters.`,

	shapes.KindFAQSet: `Return JSON: {"title": string, "items": [{"prompt": string, "response": string}]}.
Produce 5 to 25 question/answer pairs a learner would actually ask.`,

	shapes.KindFlashcardSet: `Return JSON: {"title": string, "items": [{"prompt": string, "response": string}]}.
Produce 8 to 40 cards; prompt is the card front, response the back.`,

	shapes.KindQuestionSet: `Return JSON: {"title": string, "items": [{"prompt": string, "response": string}]}.
Produce 5 to 30 practice questions with model answers.`,
}

// outlinePrompt builds the prompt for the mandatory outline call.
func outlinePrompt(brief string) string {
	var b strings.Builder
	b.WriteString("You are creating a topic outline for educational content.\n\n")
	b.WriteString("Topic brief:\n")
	b.WriteString(brief)
	b.WriteString("\n\n")
	b.WriteString(shapeInstructions[shapes.KindOutline])
	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}

// derivativePrompt builds the prompt for one derivative shape. The
// outline is embedded so every derivative stays anchored to the same
// section structure and vocabulary.
func derivativePrompt(kind shapes.Kind, brief string, outline *shapes.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are creating a %s for educational content.\n\n", strings.ReplaceAll(kind.String(), "_", " "))
	b.WriteString("Topic brief:\n")
	b.WriteString(brief)
	b.WriteString("\n\nApproved outline:\n")
	b.WriteString(renderOutline(outline))
	b.WriteString("\n")
	b.WriteString(shapeInstructions[kind])
	b.WriteString("\nStay within the outline's sections and terminology.")
	b.WriteString("\nRespond with the JSON object only.")
	return b.String()
}

// renderOutline flattens the outline into prompt-friendly plain text.
func renderOutline(outline *shapes.Document) string {
	var b strings.Builder
	b.WriteString(outline.Title)
	b.WriteString("\n")
	for i, sec := range outline.Sections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, sec.Title)
		for _, kp := range sec.KeyPoints {
			fmt.Fprintf(&b, "   - %s\n", kp)
		}
	}
	return b.String()
}
