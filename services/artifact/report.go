// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import "strings"

// Report column headers appended to the plan columns.
const (
	ColStatus        = "Status"
	ColFailureReason = "Failure Reason"
)

// Status is the outcome of one executed test.
type Status string

const (
	StatusPass   Status = "PASS"
	StatusFail   Status = "FAIL"
	StatusError  Status = "ERROR"
	StatusSkip   Status = "SKIP"
	StatusNotRun Status = "NOT RUN"
)

// NormalizeStatus maps dbt run_results statuses to Status.
func NormalizeStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pass", "success":
		return StatusPass
	case "fail":
		return StatusFail
	case "error", "runtime error":
		return StatusError
	case "skipped", "skip":
		return StatusSkip
	case "warn":
		// dbt reports tests configured with severity warn this way; the
		// assertion still returned rows.
		return StatusFail
	}
	return Status(strings.ToUpper(s))
}

// TestResult is one executed test.
type TestResult struct {
	TestID  string `json:"test_name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// ReportRow is a plan row joined with its result.
type ReportRow struct {
	TestCase
	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// BuildReport joins a plan with results on the test identifier.
//
// Description:
//
//	Every plan row appears once, in plan order. A row without a result is
//	NOT RUN. The result's status and message are copied verbatim; the
//	message only fills Failure Reason when the status is not PASS.
//	Results that match no plan row are ignored.
func BuildReport(plan *TestPlan, results []TestResult) []ReportRow {
	byID := make(map[string]TestResult, len(results))
	byKey := make(map[string]TestResult, len(results))
	for _, r := range results {
		if _, dup := byID[r.TestID]; !dup {
			byID[r.TestID] = r
		}
		if _, dup := byKey[SanitizeName(r.TestID)]; !dup {
			byKey[SanitizeName(r.TestID)] = r
		}
	}

	rows := make([]ReportRow, 0, len(plan.Cases))
	for _, c := range plan.Cases {
		row := ReportRow{TestCase: c, Status: StatusNotRun}
		r, ok := byID[c.ID]
		if !ok {
			r, ok = byKey[SanitizeName(c.ID)]
		}
		if ok {
			row.Status = r.Status
			if r.Status != StatusPass {
				row.FailureReason = r.Message
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// RenderReport encodes report rows as CSV.
func RenderReport(rows []ReportRow) ([]byte, error) {
	header := append(append([]string{}, PlanColumns...), ColStatus, ColFailureReason)
	records := make([][]string, 0, len(rows)+1)
	records = append(records, header)
	for _, r := range rows {
		records = append(records, append(r.record(), string(r.Status), r.FailureReason))
	}
	return encodeCSV(records)
}

// Summarize counts report rows per status.
func Summarize(rows []ReportRow) map[Status]int {
	out := make(map[Status]int)
	for _, r := range rows {
		out[r.Status]++
	}
	return out
}
