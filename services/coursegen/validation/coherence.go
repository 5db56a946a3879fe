// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// tfBuckets is the dimensionality of the hashed term-frequency vector.
const tfBuckets = 1024

// stopwords are excluded from topic-term extraction. Small and English
// only; coherence is a lexical heuristic, not an NLP pass.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "his": {}, "how": {},
	"its": {}, "may": {}, "who": {}, "this": {}, "that": {}, "with": {},
	"from": {}, "have": {}, "they": {}, "will": {}, "what": {}, "when": {},
	"which": {}, "their": {}, "there": {}, "these": {}, "those": {},
	"into": {}, "about": {}, "would": {}, "could": {}, "should": {},
	"each": {}, "other": {}, "more": {}, "most": {}, "some": {}, "such": {},
	"than": {}, "then": {}, "them": {}, "were": {}, "been": {}, "being": {},
	"also": {}, "between": {}, "because": {}, "while": {}, "where": {},
}

// tokenize lowercases text and splits it into topic terms, dropping
// stopwords and terms shorter than three characters.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// jaccard returns the set-overlap similarity of two term lists.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// hashedTF maps a term list onto a fixed-size frequency vector.
func hashedTF(terms []string) []float64 {
	vec := make([]float64, tfBuckets)
	for _, t := range terms {
		h := fnv.New32a()
		h.Write([]byte(t))
		vec[h.Sum32()%tfBuckets]++
	}
	return vec
}

// cosine returns the cosine similarity of two equal-length vectors.
func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// coherenceScore measures lexical similarity between a derivative's
// text and the outline's text. It blends set overlap (Jaccard) with a
// hashed term-frequency cosine so that both topic coverage and term
// distribution contribute.
func coherenceScore(outlineText, docText string) float64 {
	outlineTerms := tokenize(outlineText)
	docTerms := tokenize(docText)
	if len(outlineTerms) == 0 || len(docTerms) == 0 {
		return 0
	}
	j := jaccard(outlineTerms, docTerms)
	c := cosine(hashedTF(outlineTerms), hashedTF(docTerms))
	return clamp01(0.5*j + 0.5*c)
}
