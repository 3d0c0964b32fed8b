// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/dbtforge/services/artifact"
)

// RunResultsPath is where dbt writes per-node results, relative to the
// project root.
const RunResultsPath = "target/run_results.json"

var (
	logTimestamp = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}(\.\d+)?\s+`)

	// "Failure in test tc_001 (tests/tc_001.sql)"
	// "Database Error in model orders (models/orders.sql)"
	detailHeader = regexp.MustCompile(`^((?:Failure|Warning|(?:Database|Compilation|Runtime|Parsing)? ?Error)) in (test|model|snapshot|seed|macro) (\S+) \(([^)]+)\)`)

	// "3 of 5 FAIL 2 tc_002 .......... [FAIL 2 in 0.41s]"
	progressLine = regexp.MustCompile(`\d+ of \d+ (PASS|FAIL|ERROR|WARN|SKIP)(?: \d+)? (\S+)`)
)

// runResults is the subset of target/run_results.json the adapter reads.
type runResults struct {
	Results []struct {
		Status   string  `json:"status"`
		UniqueID string  `json:"unique_id"`
		Message  *string `json:"message"`
		Failures *int    `json:"failures"`
	} `json:"results"`
}

// Detail is a failure block dbt prints after the run summary.
type Detail struct {
	// Label is the error class, e.g. "Failure" or "Database Error".
	Label string

	// NodeType is the dbt resource type, e.g. "test" or "model".
	NodeType string

	// Name is the node name.
	Name string

	// Path is the file path dbt printed, relative to the project root.
	Path string

	// Lines are the indented lines that follow the header.
	Lines []string
}

// Message renders the header and its lines.
func (d Detail) Message() string {
	header := fmt.Sprintf("%s in %s %s (%s)", d.Label, d.NodeType, d.Name, d.Path)
	if len(d.Lines) == 0 {
		return header
	}
	return header + "\n" + strings.Join(d.Lines, "\n")
}

// ParseDetails extracts the failure blocks from dbt's log output.
//
// A block starts at a header line and runs until the next blank line,
// header, or progress line.
func ParseDetails(output string) []Detail {
	var (
		out     []Detail
		current *Detail
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(logTimestamp.ReplaceAllString(strings.TrimRight(raw, "\r"), ""))
		if m := detailHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = &Detail{Label: strings.TrimSpace(m[1]), NodeType: m[2], Name: m[3], Path: m[4]}
			continue
		}
		if current == nil {
			continue
		}
		if line == "" || progressLine.MatchString(line) {
			flush()
			continue
		}
		current.Lines = append(current.Lines, line)
	}
	flush()
	return out
}

// collectUnits builds per-test results.
//
// Description:
//
//	Prefers target/run_results.json for the list of executed tests and
//	their statuses. Falls back to progress lines in the log when the file
//	is missing or unreadable. For failed tests the most specific message
//	wins: the log's failure block for that test, then the run_results
//	message.
//
// Inputs:
//
//	rawResults - Contents of run_results.json. May be nil.
//	stdout - Captured dbt output.
//
// Outputs:
//
//	[]artifact.TestResult - One entry per test, in execution order.
func collectUnits(rawResults []byte, stdout string) []artifact.TestResult {
	details := make(map[string]string)
	for _, d := range ParseDetails(stdout) {
		if d.NodeType != "test" {
			continue
		}
		if _, seen := details[d.Name]; !seen {
			details[d.Name] = d.Message()
		}
	}

	var units []artifact.TestResult
	var parsed runResults
	if len(rawResults) > 0 && json.Unmarshal(rawResults, &parsed) == nil && len(parsed.Results) > 0 {
		for _, r := range parsed.Results {
			id, ok := testName(r.UniqueID)
			if !ok {
				continue
			}
			unit := artifact.TestResult{TestID: id, Status: artifact.NormalizeStatus(r.Status)}
			if unit.Status != artifact.StatusPass && unit.Status != artifact.StatusSkip {
				switch {
				case details[id] != "":
					unit.Message = details[id]
				case r.Message != nil:
					unit.Message = *r.Message
				}
			}
			units = append(units, unit)
		}
		return units
	}

	seen := make(map[string]bool)
	for _, raw := range strings.Split(stdout, "\n") {
		m := progressLine.FindStringSubmatch(raw)
		if m == nil || seen[m[2]] {
			continue
		}
		seen[m[2]] = true
		unit := artifact.TestResult{TestID: m[2], Status: artifact.NormalizeStatus(m[1])}
		if unit.Status != artifact.StatusPass && unit.Status != artifact.StatusSkip {
			unit.Message = details[m[2]]
		}
		units = append(units, unit)
	}
	return units
}

// testName returns the test name from a unique_id such as
// "test.orders.tc_001" or "test.orders.not_null_orders_id.5f1c2a".
func testName(uniqueID string) (string, bool) {
	parts := strings.Split(uniqueID, ".")
	if len(parts) < 3 || parts[0] != "test" {
		return "", false
	}
	return parts[2], true
}
