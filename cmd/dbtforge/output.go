// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/AleutianAI/dbtforge/pkg/ux"
	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/tools"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

// Exit codes for CLI commands.
const (
	CLIExitSuccess  = 0 // Operation completed successfully
	CLIExitFindings = 1 // Operation completed with failures to report
	CLIExitError    = 2 // Operation could not run
)

// ExitError carries a non-zero exit code out of a command.
type ExitError struct {
	Code int
	Err  error

	// Silent suppresses printing Err; the command already reported it.
	Silent bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// findings returns an already-reported exit 1.
func findings(msg string) error {
	return &ExitError{Code: CLIExitFindings, Err: fmt.Errorf("%s", msg), Silent: true}
}

// OutputJSON writes data as indented JSON.
func OutputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// toolExitCode maps a tool result to an exit code.
func toolExitCode(res tools.Result) int {
	switch res.Status() {
	case tools.ResultSuccess:
		return CLIExitSuccess
	case tools.ResultFailed:
		return CLIExitFindings
	default:
		return CLIExitError
	}
}

// stdoutTail is how many lines of dbt output a failed result shows.
const stdoutTail = 40

// printToolResult renders a tool result as status lines.
func printToolResult(p *ux.Printer, name string, res tools.Result) {
	icon := ux.IconSuccess
	switch res.Status() {
	case tools.ResultFailed:
		icon = ux.IconWarning
	case tools.ResultError:
		icon = ux.IconError
	}
	p.Status(icon, name, res.Message())

	if path, ok := res[tools.KeyOutputPath].(string); ok && path != "" {
		p.Info("%s %s", ux.IconArrow, path)
	}
	if paths, ok := res[tools.KeyOutputPaths].([]string); ok {
		for _, path := range paths {
			if path != res[tools.KeyOutputPath] {
				p.Info("%s %s", ux.IconArrow, path)
			}
		}
	}

	var extra []string
	for k := range res {
		switch k {
		case tools.KeyResult, tools.KeyMessage, tools.KeyOutputPath, tools.KeyOutputPaths,
			tools.KeyStdout, tools.KeyTestResults, "raw_output":
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		p.Muted(fmt.Sprintf("  %s: %v", k, res[k]))
	}

	if units, ok := res[tools.KeyTestResults].([]artifact.TestResult); ok && len(units) > 0 {
		printUnits(p, units)
	}
	if res.Status() != tools.ResultSuccess {
		if out, ok := res[tools.KeyStdout].(string); ok && out != "" {
			p.Muted(tail(out, stdoutTail))
		}
	}
}

func printUnits(p *ux.Printer, units []artifact.TestResult) {
	rows := make([][]string, 0, len(units))
	passed := 0
	for _, u := range units {
		if u.Status == artifact.StatusPass {
			passed++
		}
		rows = append(rows, []string{u.TestID, string(u.Status), oneLine(u.Message)})
	}
	p.Table([]string{"Test", "Status", "Message"}, rows)
	p.Summary(passed, len(units)-passed, len(units))
}

// printPhase renders one workflow phase as it finishes.
func printPhase(p *ux.Printer, out workflow.PhaseOutput) {
	icon := ux.IconSuccess
	switch out.Status {
	case workflow.StatusFailed:
		icon = ux.IconError
	case workflow.StatusSkipped, workflow.StatusDeclined:
		icon = ux.IconPending
	}
	detail := out.Message
	if out.Validation != nil && out.Validation.Attempts > 0 {
		detail = fmt.Sprintf("%s (%d attempt(s))", detail, out.Validation.Attempts)
	}
	p.Status(icon, string(out.Phase), detail)
}

// printReport renders the joined test report.
func printReport(p *ux.Printer, rows []artifact.ReportRow) {
	table := make([][]string, 0, len(rows))
	passed := 0
	for _, r := range rows {
		if r.Status == artifact.StatusPass {
			passed++
		}
		table = append(table, []string{r.ID, string(r.Type), r.Column, string(r.Status), oneLine(r.FailureReason)})
	}
	p.Table([]string{"Test ID", "Type", "Column", "Status", "Failure Reason"}, table)
	p.Summary(passed, len(rows)-passed, len(rows))
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return fmt.Sprintf("... %d line(s) omitted\n%s", len(lines)-n, strings.Join(lines[len(lines)-n:], "\n"))
}

// oneLine collapses whitespace and caps a message for table cells.
func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}
