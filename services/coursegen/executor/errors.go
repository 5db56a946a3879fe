// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/CourseForge/services/coursegen/shapes"
)

// ErrAttemptsExhausted is the sentinel wrapped by ExhaustedError.
var ErrAttemptsExhausted = errors.New("executor: attempts exhausted")

// FailureCause classifies why the final attempt failed.
type FailureCause string

const (
	// CauseParse means the output was not syntactically valid JSON.
	CauseParse FailureCause = "parse"

	// CauseSchema means the output violated the shape's schema.
	CauseSchema FailureCause = "schema"

	// CauseBackend means the backend call itself failed.
	CauseBackend FailureCause = "backend"
)

// ExhaustedError is returned when every attempt failed. It carries the
// last attempt's diagnostics so callers can log and surface a useful
// message without re-running the call.
type ExhaustedError struct {
	Kind       shapes.Kind
	Attempts   int
	Cause      FailureCause
	Violations []shapes.Violation
	LastErr    error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "generation of %s failed after %d attempts (cause: %s)", e.Kind, e.Attempts, e.Cause)
	if len(e.Violations) > 0 {
		b.WriteString(": ")
		for i, v := range e.Violations {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(v.Rule)
			if i == 4 {
				break
			}
		}
	}
	if e.LastErr != nil {
		fmt.Fprintf(&b, ": %v", e.LastErr)
	}
	return b.String()
}

// Unwrap allows errors.Is(err, ErrAttemptsExhausted) checks.
func (e *ExhaustedError) Unwrap() error { return ErrAttemptsExhausted }
