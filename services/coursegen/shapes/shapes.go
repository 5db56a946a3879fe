// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package shapes defines the closed set of document shapes the
// generation engine can produce, and the static schema each shape's
// output must satisfy.
//
// Every shape maps to exactly one Schema. Validation is performed by a
// generic field-rule checker rather than per-shape branching, so adding
// a shape means adding a table entry, not new validator code.
package shapes

import "fmt"

// Kind identifies one document shape.
//
// Kind is a closed enumeration: ParseKind rejects anything outside the
// set below, and SchemaFor has an entry for every member.
type Kind string

const (
	// KindOutline is the topic outline every other shape derives from.
	KindOutline Kind = "outline"

	// KindScript is a spoken-word narration script.
	KindScript Kind = "script"

	// KindGuide is a structured study guide.
	KindGuide Kind = "guide"

	// KindSummary is a short prose summary.
	KindSummary Kind = "summary"

	// KindDetailedReading is a long-form reading document.
	KindDetailedReading Kind = "detailed_reading"

	// KindFAQSet is a set of frequently-asked-question pairs.
	KindFAQSet Kind = "faq_set"

	// KindFlashcardSet is a set of front/back flashcards.
	KindFlashcardSet Kind = "flashcard_set"

	// KindQuestionSet is a set of practice questions with answers.
	KindQuestionSet Kind = "question_set"
)

// AllKinds returns every valid shape kind in stable order.
func AllKinds() []Kind {
	return []Kind{
		KindOutline,
		KindScript,
		KindGuide,
		KindSummary,
		KindDetailedReading,
		KindFAQSet,
		KindFlashcardSet,
		KindQuestionSet,
	}
}

// ParseKind converts a string to a Kind.
//
// Outputs:
//   - Kind: The parsed kind.
//   - error: Non-nil if s is not a member of the closed set.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := schemas[k]; !ok {
		return "", fmt.Errorf("unknown shape kind %q", s)
	}
	return k, nil
}

// Valid reports whether k is a member of the closed shape set.
func (k Kind) Valid() bool {
	_, ok := schemas[k]
	return ok
}

// String returns the wire name of the kind.
func (k Kind) String() string { return string(k) }

// Derivative reports whether k is generated from an outline.
// Every shape except the outline itself is a derivative.
func (k Kind) Derivative() bool { return k != KindOutline }

// FieldRule is one constraint on a named document field.
//
// MinChars/MaxChars apply to string fields ("title", "body").
// MinItems/MaxItems apply to list fields ("sections", "items").
// A zero bound means unconstrained on that side.
type FieldRule struct {
	Field    string
	Required bool
	MinChars int
	MaxChars int
	MinItems int
	MaxItems int
}

// Schema is the structural contract for one shape kind.
type Schema struct {
	Kind  Kind
	Rules []FieldRule

	// MinKeyPointsPerSection applies to every section when > 0.
	MinKeyPointsPerSection int

	// MinSectionBodyChars applies to every section body when > 0.
	MinSectionBodyChars int
}

// schemas is the static schema table. One entry per Kind; the table is
// the single source of truth for what each shape must contain.
var schemas = map[Kind]Schema{
	KindOutline: {
		Kind: KindOutline,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "sections", Required: true, MinItems: 3, MaxItems: 12},
		},
		MinKeyPointsPerSection: 2,
	},
	KindScript: {
		Kind: KindScript,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "body", Required: true, MinChars: 800, MaxChars: 24000},
		},
	},
	KindGuide: {
		Kind: KindGuide,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "sections", Required: true, MinItems: 3, MaxItems: 15},
		},
		MinKeyPointsPerSection: 1,
		MinSectionBodyChars:    120,
	},
	KindSummary: {
		Kind: KindSummary,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "body", Required: true, MinChars: 200, MaxChars: 2400},
		},
	},
	KindDetailedReading: {
		Kind: KindDetailedReading,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "sections", Required: true, MinItems: 4, MaxItems: 20},
		},
		MinSectionBodyChars: 250,
	},
	KindFAQSet: {
		Kind: KindFAQSet,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "items", Required: true, MinItems: 5, MaxItems: 25},
		},
	},
	KindFlashcardSet: {
		Kind: KindFlashcardSet,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "items", Required: true, MinItems: 8, MaxItems: 40},
		},
	},
	KindQuestionSet: {
		Kind: KindQuestionSet,
		Rules: []FieldRule{
			{Field: "title", Required: true, MinChars: 8, MaxChars: 160},
			{Field: "items", Required: true, MinItems: 5, MaxItems: 30},
		},
	},
}

// SchemaFor returns the schema for the given kind.
//
// Outputs:
//   - Schema: The static schema descriptor.
//   - error: Non-nil if k is not a valid kind.
func SchemaFor(k Kind) (Schema, error) {
	s, ok := schemas[k]
	if !ok {
		return Schema{}, fmt.Errorf("no schema for shape kind %q", k)
	}
	return s, nil
}
