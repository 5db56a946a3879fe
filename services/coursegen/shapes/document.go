// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package shapes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Section is one outline or guide section.
type Section struct {
	// Title is the section heading.
	Title string `json:"title"`

	// KeyPoints are the bullet points covered by this section.
	KeyPoints []string `json:"key_points,omitempty"`

	// Body is the section prose, where the shape requires it.
	Body string `json:"body,omitempty"`
}

// Item is one prompt/response pair (question+answer, card front+back).
type Item struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Provenance records how a document was produced.
type Provenance struct {
	// TokensIn is the total input tokens across all attempts.
	TokensIn int `json:"tokens_in"`

	// TokensOut is the total output tokens across all attempts.
	TokensOut int `json:"tokens_out"`

	// Attempts is how many backend calls it took to produce the document.
	Attempts int `json:"attempts"`

	// GeneratedAt is when the final attempt succeeded.
	GeneratedAt time.Time `json:"generated_at"`

	// Model is the backend model identifier, when known.
	Model string `json:"model,omitempty"`
}

// Document is a parsed, schema-validated generation result for one Kind.
//
// A Document is owned by the call that produced it until it is handed
// to the assembler, and is never mutated after validation passes.
type Document struct {
	Kind     Kind       `json:"kind"`
	Title    string     `json:"title"`
	Body     string     `json:"body,omitempty"`
	Sections []Section  `json:"sections,omitempty"`
	Items    []Item     `json:"items,omitempty"`
	Prov     Provenance `json:"provenance"`
}

// Text returns the document's textual content flattened to one string.
// Used by the coherence stage to compare documents lexically.
func (d *Document) Text() string {
	var b strings.Builder
	b.WriteString(d.Title)
	b.WriteString("\n")
	if d.Body != "" {
		b.WriteString(d.Body)
		b.WriteString("\n")
	}
	for _, s := range d.Sections {
		b.WriteString(s.Title)
		b.WriteString("\n")
		for _, kp := range s.KeyPoints {
			b.WriteString(kp)
			b.WriteString("\n")
		}
		if s.Body != "" {
			b.WriteString(s.Body)
			b.WriteString("\n")
		}
	}
	for _, it := range d.Items {
		b.WriteString(it.Prompt)
		b.WriteString("\n")
		b.WriteString(it.Response)
		b.WriteString("\n")
	}
	return b.String()
}

// Violation is one failed schema constraint.
type Violation struct {
	// Rule names the violated constraint, e.g. "sections.min_items".
	Rule string

	// Message is a human-readable description suitable for a
	// correction prompt.
	Message string
}

func (v Violation) String() string { return v.Rule + ": " + v.Message }

// DecodeDocument unmarshals raw JSON into a Document for the given kind.
//
// The raw bytes must already be a bare JSON object (see the executor's
// JSON extraction). Decoding does not validate the schema; call
// Schema.Validate on the result.
func DecodeDocument(kind Kind, raw []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", kind, err)
	}
	d.Kind = kind
	return &d, nil
}

// Validate checks d against the schema's field rules.
//
// Outputs:
//   - []Violation: All violated constraints, empty when the document
//     conforms. Order follows the rule table, so correction prompts
//     are stable across attempts.
func (s Schema) Validate(d *Document) []Violation {
	var out []Violation
	for _, r := range s.Rules {
		out = append(out, checkRule(r, d)...)
	}
	if s.MinKeyPointsPerSection > 0 {
		for i, sec := range d.Sections {
			if len(sec.KeyPoints) < s.MinKeyPointsPerSection {
				out = append(out, Violation{
					Rule: "sections.key_points.min_items",
					Message: fmt.Sprintf("section %d (%q) has %d key points, needs at least %d",
						i+1, sec.Title, len(sec.KeyPoints), s.MinKeyPointsPerSection),
				})
			}
		}
	}
	if s.MinSectionBodyChars > 0 {
		for i, sec := range d.Sections {
			if utf8.RuneCountInString(sec.Body) < s.MinSectionBodyChars {
				out = append(out, Violation{
					Rule: "sections.body.min_chars",
					Message: fmt.Sprintf("section %d (%q) body has %d characters, needs at least %d",
						i+1, sec.Title, utf8.RuneCountInString(sec.Body), s.MinSectionBodyChars),
				})
			}
		}
	}
	return out
}

// checkRule applies one field rule to the document.
func checkRule(r FieldRule, d *Document) []Violation {
	switch r.Field {
	case "title":
		return checkString(r, d.Title)
	case "body":
		return checkString(r, d.Body)
	case "sections":
		return checkCount(r, len(d.Sections))
	case "items":
		return checkCount(r, len(d.Items))
	default:
		return []Violation{{
			Rule:    r.Field + ".unknown",
			Message: fmt.Sprintf("schema references unknown field %q", r.Field),
		}}
	}
}

func checkString(r FieldRule, val string) []Violation {
	n := utf8.RuneCountInString(strings.TrimSpace(val))
	var out []Violation
	if r.Required && n == 0 {
		return []Violation{{
			Rule:    r.Field + ".required",
			Message: fmt.Sprintf("field %q is required and must not be empty", r.Field),
		}}
	}
	if n == 0 {
		return nil
	}
	if r.MinChars > 0 && n < r.MinChars {
		out = append(out, Violation{
			Rule:    r.Field + ".min_chars",
			Message: fmt.Sprintf("field %q has %d characters, needs at least %d", r.Field, n, r.MinChars),
		})
	}
	if r.MaxChars > 0 && n > r.MaxChars {
		out = append(out, Violation{
			Rule:    r.Field + ".max_chars",
			Message: fmt.Sprintf("field %q has %d characters, allows at most %d", r.Field, n, r.MaxChars),
		})
	}
	return out
}

func checkCount(r FieldRule, n int) []Violation {
	var out []Violation
	if r.Required && n == 0 {
		return []Violation{{
			Rule:    r.Field + ".required",
			Message: fmt.Sprintf("field %q is required and must not be empty", r.Field),
		}}
	}
	if n == 0 {
		return nil
	}
	if r.MinItems > 0 && n < r.MinItems {
		out = append(out, Violation{
			Rule:    r.Field + ".min_items",
			Message: fmt.Sprintf("field %q has %d entries, needs at least %d", r.Field, n, r.MinItems),
		})
	}
	if r.MaxItems > 0 && n > r.MaxItems {
		out = append(out, Violation{
			Rule:    r.Field + ".max_items",
			Message: fmt.Sprintf("field %q has %d entries, allows at most %d", r.Field, n, r.MaxItems),
		})
	}
	return out
}
