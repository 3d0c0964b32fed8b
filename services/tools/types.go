// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools exposes the generators, the dbt adapter and the validation
// engine as named tools with JSON parameter schemas.
//
// A conversational front end lists the tools, lets the model pick one, and
// calls it with a JSON object. Every call returns a flat result map with a
// "result" of SUCCESS, ERROR or FAILED and a human-readable "message".
//
// Thread Safety:
//
//	All types in this package are safe for concurrent use.
package tools

import (
	"context"
	"errors"
	"sort"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownTool indicates a call to a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool indicates a second registration under the same name.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidParams indicates parameters that do not match the schema.
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// ValidationError represents a parameter validation error.
type ValidationError struct {
	// Parameter is the parameter name that failed validation.
	Parameter string `json:"parameter"`

	// Message describes the validation failure.
	Message string `json:"message"`

	// Expected describes what was expected.
	Expected string `json:"expected,omitempty"`

	// Actual describes what was received.
	Actual string `json:"actual,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Expected != "" && e.Actual != "" {
		return e.Parameter + ": " + e.Message + " (expected " + e.Expected + ", got " + e.Actual + ")"
	}
	return e.Parameter + ": " + e.Message
}

// Unwrap lets callers match ErrInvalidParams.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidParams
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// ParamType represents the JSON type of a tool parameter.
type ParamType string

const (
	ParamTypeString ParamType = "string"
	ParamTypeInt    ParamType = "integer"
	ParamTypeNumber ParamType = "number"
	ParamTypeBool   ParamType = "boolean"
	ParamTypeArray  ParamType = "array"
	ParamTypeObject ParamType = "object"
)

// ParamDef defines a single parameter for a tool.
type ParamDef struct {
	// Type is the parameter type.
	Type ParamType `json:"type"`

	// Description explains what the parameter is for.
	Description string `json:"description"`

	// Required indicates if the parameter must be provided.
	Required bool `json:"-"`

	// Default is the value used when the parameter is omitted.
	Default any `json:"default,omitempty"`

	// Enum restricts values to a set of options.
	Enum []any `json:"enum,omitempty"`

	// Items defines the array item type (for array type).
	Items *ParamDef `json:"items,omitempty"`

	// Properties defines object properties (for object type).
	Properties map[string]ParamDef `json:"properties,omitempty"`
}

// ToolDefinition describes a tool's interface.
type ToolDefinition struct {
	// Name is the unique identifier for the tool.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description"`

	// Parameters defines the input parameters.
	Parameters map[string]ParamDef `json:"-"`

	// SideEffects indicates the tool writes to the artifact store.
	SideEffects bool `json:"side_effects"`

	// Timeout bounds one call. Zero means the caller's context only.
	Timeout time.Duration `json:"-"`
}

// RequiredParams returns the required parameter names, sorted.
func (d *ToolDefinition) RequiredParams() []string {
	var required []string
	for name, param := range d.Parameters {
		if param.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	return required
}

// JSONSchema renders the parameters as a JSON Schema object.
func (d *ToolDefinition) JSONSchema() map[string]any {
	properties := make(map[string]any, len(d.Parameters))
	for name, param := range d.Parameters {
		properties[name] = param
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if required := d.RequiredParams(); len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Descriptor is the listing form of a tool.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	SideEffects bool           `json:"side_effects"`
	InputSchema map[string]any `json:"input_schema"`
}

// =============================================================================
// RESULTS
// =============================================================================

// Result values.
const (
	ResultSuccess = "SUCCESS"
	ResultError   = "ERROR"
	ResultFailed  = "FAILED"
)

// Result keys.
const (
	KeyResult       = "result"
	KeyMessage      = "message"
	KeyOutputPath   = "output_path"
	KeyOutputPaths  = "output_paths"
	KeyDownloadable = "downloadable"
	KeyAttempts     = "attempts"
	KeyStdout       = "stdout"
	KeyTestResults  = "test_results"
)

// Result is the flat map a tool returns.
type Result map[string]any

// Status returns the "result" value.
func (r Result) Status() string {
	s, _ := r[KeyResult].(string)
	return s
}

// Message returns the "message" value.
func (r Result) Message() string {
	s, _ := r[KeyMessage].(string)
	return s
}

func errorResult(msg string) Result {
	return Result{KeyResult: ResultError, KeyMessage: msg}
}

// Tool is an executable tool.
type Tool interface {
	// Definition returns the tool's name and parameter schema.
	Definition() ToolDefinition

	// Execute runs the tool. Parameters have been checked against the
	// schema. Expected failures are reported in the Result; the error is
	// reserved for parameters the schema could not catch.
	Execute(ctx context.Context, params map[string]any) (Result, error)
}
