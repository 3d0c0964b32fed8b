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
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
)

// =============================================================================
// STATE
// =============================================================================

// State is a state of the validation state machine.
type State string

const (
	// StateReady is the initial state. The attempt counter is zero.
	StateReady State = "READY"

	// StateRunning invokes dbt for the current attempt.
	StateRunning State = "RUNNING"

	// StateEvaluating classifies the attempt's result.
	StateEvaluating State = "EVALUATING"

	// StateRegenerating rewrites the implicated artifact.
	StateRegenerating State = "REGENERATING"

	// StateSucceeded is terminal: the command passed.
	StateSucceeded State = "SUCCEEDED"

	// StateExhausted is terminal: the command failed and will not be retried.
	StateExhausted State = "EXHAUSTED"
)

// String returns the state name.
func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether s ends the session.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// AllStates returns every state in machine order.
func AllStates() []State {
	return []State{StateReady, StateRunning, StateEvaluating, StateRegenerating, StateSucceeded, StateExhausted}
}

// transitions lists the legal moves out of each non-terminal state.
var transitions = map[State][]State{
	StateReady:        {StateRunning, StateExhausted},
	StateRunning:      {StateEvaluating, StateExhausted},
	StateEvaluating:   {StateSucceeded, StateRegenerating, StateExhausted},
	StateRegenerating: {StateRunning, StateExhausted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PHASE
// =============================================================================

// Phase selects which workflow the engine validates.
type Phase string

const (
	// PhaseBuild runs the models.
	PhaseBuild Phase = "build"

	// PhaseTest runs the singular tests.
	PhaseTest Phase = "test"
)

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(s))) {
	case PhaseBuild, "run":
		return PhaseBuild, nil
	case PhaseTest:
		return PhaseTest, nil
	}
	return "", fmt.Errorf("%w: phase %q", ErrInvalidRequest, s)
}

// Command returns the dbt command the phase runs.
func (p Phase) Command() dbt.Command {
	if p == PhaseTest {
		return dbt.CommandTest
	}
	return dbt.CommandRun
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// =============================================================================
// OUTCOME
// =============================================================================

// Outcome is the normalized result of one attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeWarning Outcome = "WARNING"
)

// Reason explains why a session ended in EXHAUSTED.
type Reason string

const (
	// ReasonNone is set on success.
	ReasonNone Reason = ""

	// ReasonStructural is a setup defect such as a missing profile.
	ReasonStructural Reason = "structural"

	// ReasonDataFailure is a test that returned rows. It is reported, not repaired.
	ReasonDataFailure Reason = "data_failure"

	// ReasonUncorrectable is a failure no generator can repair.
	ReasonUncorrectable Reason = "uncorrectable"

	// ReasonAttemptsExhausted is a correctable failure on the last attempt.
	ReasonAttemptsExhausted Reason = "attempts_exhausted"

	// ReasonRegeneration is a generator rejecting its input.
	ReasonRegeneration Reason = "regeneration_failed"

	// ReasonTimeout is the session deadline expiring.
	ReasonTimeout Reason = "timeout"
)

// =============================================================================
// REQUEST
// =============================================================================

// Request describes one validation session.
type Request struct {
	// Project is the project name in the artifact store.
	Project string `json:"project"`

	// Phase is build or test.
	Phase Phase `json:"phase"`

	// ModelName is the model under validation.
	ModelName string `json:"model_name"`

	// MappingPath locates the mapping used to regenerate the model and schema.
	MappingPath string `json:"mapping_path,omitempty"`

	// PlanPath locates the test plan used to regenerate tests. Empty means
	// the project's default plan.
	PlanPath string `json:"plan_path,omitempty"`

	// ProfileName is passed to the config generator when it is regenerated.
	ProfileName string `json:"profile_name,omitempty"`

	// SessionID correlates logs with a workflow. Generated when empty.
	SessionID string `json:"session_id,omitempty"`
}

// Validate checks the request's required fields.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Project) == "" {
		return fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	if r.Phase != PhaseBuild && r.Phase != PhaseTest {
		return fmt.Errorf("%w: phase %q", ErrInvalidRequest, r.Phase)
	}
	if strings.TrimSpace(r.ModelName) == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidRequest)
	}
	return nil
}

// =============================================================================
// RECORDS & RESULT
// =============================================================================

// AttemptRecord is one execute-and-evaluate cycle.
type AttemptRecord struct {
	// Index is 1-based.
	Index int `json:"index"`

	// Command is the dbt command line that ran.
	Command string `json:"command"`

	// Output is the captured dbt output.
	Output string `json:"output"`

	// Outcome is the normalized result.
	Outcome Outcome `json:"outcome"`

	// Classification is the classifier's verdict on a failed or warning run.
	Classification *Classification `json:"classification,omitempty"`

	// Units holds per-test results for the test phase.
	Units []artifact.TestResult `json:"units,omitempty"`

	// Regenerated lists the artifact paths rewritten after this attempt.
	Regenerated []string `json:"regenerated,omitempty"`

	// RegenerationError is set when the generator failed after this attempt.
	RegenerationError string `json:"regeneration_error,omitempty"`

	// Duration is the dbt invocation time.
	Duration time.Duration `json:"duration"`
}

// Result is the final record of a session.
type Result struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Phase     Phase  `json:"phase"`

	// State is SUCCEEDED or EXHAUSTED.
	State State `json:"state"`

	// Success is true when State is SUCCEEDED.
	Success bool `json:"success"`

	// Outcome is the last attempt's normalized outcome.
	Outcome Outcome `json:"outcome"`

	// Attempts is the number of dbt invocations made.
	Attempts int `json:"attempts"`

	// Reason explains an EXHAUSTED result.
	Reason Reason `json:"reason,omitempty"`

	// Message summarizes the result.
	Message string `json:"message"`

	// Output is the last attempt's full captured output, unredacted.
	Output string `json:"output"`

	// Units holds the last attempt's per-test results.
	Units []artifact.TestResult `json:"units,omitempty"`

	// Records holds every attempt in order.
	Records []AttemptRecord `json:"records"`

	// Regenerations counts successful generator calls.
	Regenerations int `json:"regenerations"`

	Duration time.Duration `json:"duration"`
}

// Err returns an *ExhaustedError for an EXHAUSTED result and nil otherwise.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &ExhaustedError{
		Phase:    r.Phase,
		Attempts: r.Attempts,
		Reason:   r.Reason,
		Message:  r.Message,
		Output:   r.Output,
	}
}
