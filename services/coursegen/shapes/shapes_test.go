// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package shapes

import (
	"strings"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Kind
		wantErr bool
	}{
		{name: "outline", input: "outline", want: KindOutline},
		{name: "flashcards", input: "flashcard_set", want: KindFlashcardSet},
		{name: "unknown kind", input: "poem", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
		{name: "case sensitive", input: "Outline", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAllKindsHaveSchemas(t *testing.T) {
	for _, k := range AllKinds() {
		if _, err := SchemaFor(k); err != nil {
			t.Errorf("SchemaFor(%s) returned error: %v", k, err)
		}
		if !k.Valid() {
			t.Errorf("Kind %s reported invalid", k)
		}
	}
}

func TestSchemaValidate_Outline(t *testing.T) {
	schema, err := SchemaFor(KindOutline)
	if err != nil {
		t.Fatal(err)
	}

	valid := &Document{
		Kind:  KindOutline,
		Title: "Supply and Demand Basics",
		Sections: []Section{
			{Title: "What is demand", KeyPoints: []string{"demand curve", "willingness to pay"}},
			{Title: "What is supply", KeyPoints: []string{"supply curve", "marginal cost"}},
			{Title: "Market equilibrium", KeyPoints: []string{"price discovery", "shortages and surpluses"}},
		},
	}
	if v := schema.Validate(valid); len(v) != 0 {
		t.Errorf("valid outline produced violations: %v", v)
	}

	tests := []struct {
		name     string
		mutate   func(*Document)
		wantRule string
	}{
		{
			name:     "missing title",
			mutate:   func(d *Document) { d.Title = "" },
			wantRule: "title.required",
		},
		{
			name:     "title too short",
			mutate:   func(d *Document) { d.Title = "Short" },
			wantRule: "title.min_chars",
		},
		{
			name:     "too few sections",
			mutate:   func(d *Document) { d.Sections = d.Sections[:2] },
			wantRule: "sections.min_items",
		},
		{
			name:     "section missing key points",
			mutate:   func(d *Document) { d.Sections[1].KeyPoints = nil },
			wantRule: "sections.key_points.min_items",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := cloneOutline(valid)
			tt.mutate(doc)
			violations := schema.Validate(doc)
			if !hasRule(violations, tt.wantRule) {
				t.Errorf("violations %v do not include %q", violations, tt.wantRule)
			}
		})
	}
}

func TestSchemaValidate_SummaryBodyBounds(t *testing.T) {
	schema, err := SchemaFor(KindSummary)
	if err != nil {
		t.Fatal(err)
	}

	doc := &Document{
		Kind:  KindSummary,
		Title: "Supply and Demand Summary",
		Body:  strings.Repeat("supply and demand ", 20), // 360 chars
	}
	if v := schema.Validate(doc); len(v) != 0 {
		t.Errorf("valid summary produced violations: %v", v)
	}

	doc.Body = "too short"
	if v := schema.Validate(doc); !hasRule(v, "body.min_chars") {
		t.Errorf("short body not flagged: %v", v)
	}

	doc.Body = strings.Repeat("x", 3000)
	if v := schema.Validate(doc); !hasRule(v, "body.max_chars") {
		t.Errorf("long body not flagged: %v", v)
	}
}

func TestDecodeDocument(t *testing.T) {
	raw := []byte(`{"title":"A Study of Markets","body":"some text"}`)
	doc, err := DecodeDocument(KindSummary, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Kind != KindSummary {
		t.Errorf("Kind = %v, want %v", doc.Kind, KindSummary)
	}
	if doc.Title != "A Study of Markets" {
		t.Errorf("Title = %q", doc.Title)
	}

	if _, err := DecodeDocument(KindSummary, []byte(`{not json`)); err == nil {
		t.Error("malformed JSON did not return error")
	}
}

func hasRule(violations []Violation, rule string) bool {
	for _, v := range violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

func cloneOutline(src *Document) *Document {
	dst := *src
	dst.Sections = make([]Section, len(src.Sections))
	for i, s := range src.Sections {
		dst.Sections[i] = s
		dst.Sections[i].KeyPoints = append([]string(nil), s.KeyPoints...)
	}
	return &dst
}
