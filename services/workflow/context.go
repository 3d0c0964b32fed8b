// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/mapping"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidContext indicates a workflow context missing required fields.
	ErrInvalidContext = errors.New("invalid workflow context")

	// ErrDeclined indicates the user declined a gated phase.
	ErrDeclined = errors.New("phase declined")
)

// =============================================================================
// PHASES
// =============================================================================

// Phase is one step of the workflow.
type Phase string

const (
	PhaseProfiles     Phase = "profiles"
	PhaseConfig       Phase = "config"
	PhaseSchema       Phase = "schema"
	PhaseModel        Phase = "model"
	PhaseBuild        Phase = "build_validation"
	PhaseTestPlan     Phase = "test_plan"
	PhaseTestCode     Phase = "test_code"
	PhaseTestValidate Phase = "test_validation"
	PhaseReport       Phase = "report"
)

// Phases returns the workflow phases in execution order.
func Phases() []Phase {
	return []Phase{
		PhaseProfiles,
		PhaseConfig,
		PhaseSchema,
		PhaseModel,
		PhaseBuild,
		PhaseTestPlan,
		PhaseTestCode,
		PhaseTestValidate,
		PhaseReport,
	}
}

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Phases() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown phase %q", ErrInvalidContext, s)
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Status is the outcome of one phase.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusDeclined  Status = "declined"
)

// PhaseOutput records one phase's result.
type PhaseOutput struct {
	Phase   Phase  `json:"phase"`
	Status  Status `json:"status"`
	Message string `json:"message"`

	// Paths are the artifacts the phase wrote.
	Paths []string `json:"paths,omitempty"`

	// Validation is set by the build and test validation phases.
	Validation *engine.Result `json:"validation,omitempty"`

	// Report is set by the report phase.
	Report []artifact.ReportRow `json:"report,omitempty"`

	Duration time.Duration `json:"duration"`
}

// =============================================================================
// CONTEXT
// =============================================================================

// Context is the explicit state of one workflow run.
//
// It carries the identifiers every phase needs and the outputs of the
// phases that already ran, so a phase never reaches for global state.
//
// Thread Safety: Record and Output are safe for concurrent use.
type Context struct {
	// Project is the project name. Inferred from MappingPath when empty.
	Project string `json:"project"`

	// SessionID correlates logs across phases. Generated when empty.
	SessionID string `json:"session_id"`

	// User identifies who started the run in logs.
	User string `json:"user,omitempty"`

	// MappingPath locates the uploaded mapping in the artifact store.
	MappingPath string `json:"mapping_path"`

	// ModelName is the model to generate. Defaults to the project name.
	ModelName string `json:"model_name"`

	// ProfileName defaults to the project name.
	ProfileName string `json:"profile_name,omitempty"`

	// Warehouse connection for profiles.yml.
	GCPProject string `json:"gcp_project"`
	Dataset    string `json:"dataset"`
	Location   string `json:"location,omitempty"`
	Keyfile    string `json:"keyfile,omitempty"`

	mu      sync.Mutex
	outputs map[Phase]*PhaseOutput
	order   []Phase
}

// Prepare fills derived fields and checks required ones.
func (c *Context) Prepare() error {
	if strings.TrimSpace(c.MappingPath) == "" {
		return fmt.Errorf("%w: mapping path is required", ErrInvalidContext)
	}
	if c.Project == "" {
		c.Project = mapping.InferProjectName(c.MappingPath)
	}
	c.Project = artifact.SanitizeName(c.Project)
	if c.Project == "" {
		return fmt.Errorf("%w: cannot infer a project name from %q", ErrInvalidContext, c.MappingPath)
	}
	if c.ModelName == "" {
		c.ModelName = c.Project
	}
	c.ModelName = artifact.SanitizeName(c.ModelName)
	if c.ModelName == "" {
		return fmt.Errorf("%w: model name has no usable characters", ErrInvalidContext)
	}
	if c.ProfileName == "" {
		c.ProfileName = c.Project
	}
	if c.SessionID == "" {
		c.SessionID = uuid.New().String()[:8]
	}
	if strings.TrimSpace(c.GCPProject) == "" || strings.TrimSpace(c.Dataset) == "" {
		return fmt.Errorf("%w: gcp project and dataset are required", ErrInvalidContext)
	}
	return nil
}

// Record stores a phase output, replacing an earlier one for the same phase.
func (c *Context) Record(out *PhaseOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outputs == nil {
		c.outputs = make(map[Phase]*PhaseOutput)
	}
	if _, seen := c.outputs[out.Phase]; !seen {
		c.order = append(c.order, out.Phase)
	}
	c.outputs[out.Phase] = out
}

// Output returns the recorded output of a phase.
func (c *Context) Output(p Phase) (*PhaseOutput, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[p]
	return out, ok
}

// PhaseOutputs returns the recorded outputs in the order they were recorded.
func (c *Context) PhaseOutputs() []PhaseOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PhaseOutput, 0, len(c.order))
	for _, p := range c.order {
		out = append(out, *c.outputs[p])
	}
	return out
}

// Units returns the per-test results of the last test validation, if any.
func (c *Context) Units() []artifact.TestResult {
	out, ok := c.Output(PhaseTestValidate)
	if !ok || out.Validation == nil {
		return nil
	}
	return out.Validation.Units
}
