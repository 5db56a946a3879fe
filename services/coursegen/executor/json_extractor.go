// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON indicates no JSON object could be located in the raw text.
var ErrNoJSON = errors.New("no JSON object found in response")

// ExtractJSON locates and returns the first balanced JSON object in raw
// model output.
//
// Description:
//
//	Models wrap JSON in markdown fences, preambles ("Here is the
//	result:") and postambles despite instructions not to. This strips
//	fences, scans for the first balanced {...} (respecting strings and
//	escapes), and verifies the candidate actually parses.
//
// Inputs:
//   - raw: Raw model output.
//
// Outputs:
//   - []byte: The JSON object bytes.
//   - error: ErrNoJSON if no object is present, or the json syntax
//     error if the candidate does not parse.
func ExtractJSON(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, ErrNoJSON
	}

	// Strip a markdown code fence if the whole payload is fenced.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, ErrNoJSON
	}

	end, ok := matchBrace(s, start)
	if !ok {
		// Unbalanced output, let encoding/json produce the diagnostic.
		candidate := []byte(s[start:])
		var probe any
		if err := json.Unmarshal(candidate, &probe); err != nil {
			return nil, err
		}
		return candidate, nil
	}

	candidate := []byte(s[start : end+1])
	var probe any
	if err := json.Unmarshal(candidate, &probe); err != nil {
		return nil, err
	}
	return candidate, nil
}

// matchBrace returns the index of the brace closing the object opened
// at start, tracking string literals and escapes.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
