// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import "fmt"

// ErrorKind classifies a failed orchestration run. Kinds, not types:
// callers branch on the kind string, not on concrete error types.
type ErrorKind string

const (
	// KindInputInvalid means the brief or shape set failed sanity checks.
	KindInputInvalid ErrorKind = "input_invalid"

	// KindOutlineFailed means outline generation failed. Fatal: no
	// derivative can be generated without the outline.
	KindOutlineFailed ErrorKind = "outline_generation_failed"

	// KindDerivativeFailed marks one derivative's failure. Non-fatal at
	// the run level; recorded as absence in the result.
	KindDerivativeFailed ErrorKind = "derivative_generation_failed"

	// KindDependencyUnavailable means the backend circuit is open.
	KindDependencyUnavailable ErrorKind = "dependency_unavailable"

	// KindTimeout means a call or the whole run exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindQualityBelowFloor is raised only under strict quality policy
	// when the composite score misses the configured floor.
	KindQualityBelowFloor ErrorKind = "quality_below_floor"

	// KindCacheUnavailable marks cache backend trouble. Always swallowed
	// internally; listed for completeness of the taxonomy.
	KindCacheUnavailable ErrorKind = "cache_unavailable"
)

// StageError is the typed error a failed run surfaces: the state the
// run failed in, the error kind, and a diagnostic safe to cross the
// service boundary (no prompt text, no stack traces).
type StageError struct {
	Stage      State
	Kind       ErrorKind
	Diagnostic string
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed in stage %s: %s", e.Kind, e.Stage, e.Diagnostic)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageError builds a StageError for the given stage and kind.
func stageError(stage State, kind ErrorKind, diagnostic string, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Diagnostic: diagnostic, Err: err}
}
