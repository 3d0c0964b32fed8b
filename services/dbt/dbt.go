// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dbt materializes a project from the artifact store into a local
// directory and runs the dbt CLI against it.
//
// Every invocation downloads a fresh copy into its own directory
// (os.TempDir()/<project>_<uuid>) and removes it before returning. Objects
// under "{project}/dbt/" are hoisted to the local root so dbt_project.yml and
// profiles.yml sit next to models/, tests/, snapshots/ and macros/.
//
// Expected failures (dbt reporting errors, a missing profile, a timeout) are
// returned inside Result. The error return is reserved for invalid input.
package dbt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/dbtforge/services/artifact"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnsupportedCommand indicates a dbt command outside the supported set.
	ErrUnsupportedCommand = errors.New("unsupported dbt command")

	// ErrEmptyProject indicates an empty project name.
	ErrEmptyProject = errors.New("project name must not be empty")

	// ErrNoProjectFiles indicates nothing is stored under the project prefix.
	ErrNoProjectFiles = errors.New("no dbt project files found")

	// ErrMissingProfiles indicates profiles.yml is absent from the project.
	ErrMissingProfiles = errors.New("profiles.yml not found")

	// ErrMissingProjectConfig indicates dbt_project.yml is absent from the project.
	ErrMissingProjectConfig = errors.New("dbt_project.yml not found")

	// ErrInvocation indicates the dbt process could not be started.
	ErrInvocation = errors.New("dbt invocation failed")

	// ErrTimeout indicates the dbt process exceeded its deadline.
	ErrTimeout = errors.New("dbt invocation timed out")
)

// StructuralError reports an environment or setup defect that regenerating
// artifacts cannot fix.
type StructuralError struct {
	Project string
	Reason  string
	Cause   error
}

func (e *StructuralError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("project %s: %s: %v", e.Project, e.Reason, e.Cause)
	}
	return fmt.Sprintf("project %s: %s", e.Project, e.Reason)
}

func (e *StructuralError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// COMMANDS
// =============================================================================

// Command is a dbt subcommand.
type Command string

const (
	CommandRun      Command = "run"
	CommandTest     Command = "test"
	CommandSnapshot Command = "snapshot"
	CommandList     Command = "list"
	CommandDebug    Command = "debug"
	CommandBuild    Command = "build"
	CommandCompile  Command = "compile"
	CommandSeed     Command = "seed"
)

var commands = map[Command]bool{
	CommandRun:      true,
	CommandTest:     true,
	CommandSnapshot: true,
	CommandList:     true,
	CommandDebug:    true,
	CommandBuild:    true,
	CommandCompile:  true,
	CommandSeed:     true,
}

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	c := Command(strings.ToLower(strings.TrimSpace(s)))
	if !commands[c] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCommand, s)
	}
	return c, nil
}

// String returns the command name.
func (c Command) String() string {
	return string(c)
}

// RunsTests reports whether the command executes data tests.
func (c Command) RunsTests() bool {
	return c == CommandTest || c == CommandBuild
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the normalized outcome of one dbt invocation.
type Result struct {
	// Command is the dbt subcommand that ran.
	Command Command `json:"command"`

	// Args is the full argument list passed to the binary.
	Args []string `json:"args"`

	// Success is true when dbt exited with status 0.
	Success bool `json:"success"`

	// Exception describes why the invocation did not complete normally.
	Exception string `json:"exception,omitempty"`

	// Stdout and Stderr hold the captured process output.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	// ExitCode is the process exit status, -1 when it never ran to completion.
	ExitCode int `json:"exit_code"`

	// Units holds one entry per executed test for test-running commands.
	Units []artifact.TestResult `json:"units,omitempty"`

	// Structural is true for setup defects such as a missing profile.
	Structural bool `json:"structural"`

	// TimedOut is true when the invocation deadline expired.
	TimedOut bool `json:"timed_out"`

	// Truncated is true when captured output exceeded the configured limit.
	Truncated bool `json:"truncated"`

	// Files is the number of objects materialized for the run.
	Files int `json:"files"`

	// Duration is the wall-clock time of the invocation.
	Duration time.Duration `json:"duration"`

	// Cause carries the underlying error for structural failures.
	Cause error `json:"-"`
}

// CommandLine renders the invocation as it would be typed.
func (r *Result) CommandLine() string {
	if len(r.Args) == 0 {
		return "dbt " + string(r.Command)
	}
	return "dbt " + strings.Join(r.Args, " ")
}

// Output joins stdout, stderr and the exception into one text block.
func (r *Result) Output() string {
	var b strings.Builder
	for _, s := range []string{r.Stdout, r.Stderr, r.Exception} {
		s = strings.TrimRight(s, "\n")
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s)
	}
	return b.String()
}

// Failed returns the units whose status is not PASS or SKIP.
func (r *Result) Failed() []artifact.TestResult {
	var out []artifact.TestResult
	for _, u := range r.Units {
		if u.Status != artifact.StatusPass && u.Status != artifact.StatusSkip {
			out = append(out, u)
		}
	}
	return out
}

func structuralResult(cmd Command, err error) *Result {
	return &Result{
		Command:    cmd,
		Exception:  err.Error(),
		ExitCode:   -1,
		Structural: true,
		Cause:      err,
	}
}
