// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"strconv"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidRequest indicates a request missing required fields.
	ErrInvalidRequest = errors.New("invalid validation request")

	// ErrNoInvoker indicates the engine was built without a dbt invoker.
	ErrNoInvoker = errors.New("engine has no dbt invoker")

	// ErrNoGenerator indicates the engine was built without a generator.
	ErrNoGenerator = errors.New("engine has no generator")

	// ErrConfigClamped indicates a config value was out of range and was
	// replaced. The config is still usable.
	ErrConfigClamped = errors.New("engine config value out of range")

	// ErrTotalTimeout indicates the session deadline expired.
	ErrTotalTimeout = errors.New("validation session timeout")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// StateTransitionError reports a move the state machine does not allow.
type StateTransitionError struct {
	From State
	To   State
}

func (e *StateTransitionError) Error() string {
	return "invalid validation state transition: " + string(e.From) + " -> " + string(e.To)
}

// ExhaustedError reports a session that ended without success.
type ExhaustedError struct {
	// Phase is the validated phase.
	Phase Phase

	// Attempts is the number of dbt invocations made.
	Attempts int

	// Reason is why the session stopped.
	Reason Reason

	// Message is the summary shown to users.
	Message string

	// Output is the last attempt's captured output.
	Output string
}

func (e *ExhaustedError) Error() string {
	msg := string(e.Phase) + " validation " + string(e.Reason) + " after " + strconv.Itoa(e.Attempts) + " attempt(s)"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
