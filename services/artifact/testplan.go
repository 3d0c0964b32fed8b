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

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxTestCases bounds the rows kept in a test plan.
const MaxTestCases = 20

// Test plan column headers.
const (
	ColTestID      = "Test ID"
	ColModel       = "Model"
	ColColumn      = "Column"
	ColTestType    = "Test Type"
	ColDescription = "Description"
	ColExpected    = "Expected Result"
)

// PlanColumns is the header row of a normalized test plan.
var PlanColumns = []string{ColTestID, ColModel, ColColumn, ColTestType, ColDescription, ColExpected}

var planAliases = map[string]string{
	"test id":          ColTestID,
	"test_id":          ColTestID,
	"test case id":     ColTestID,
	"id":               ColTestID,
	"model":            ColModel,
	"target model":     ColModel,
	"column":           ColColumn,
	"target column":    ColColumn,
	"column name":      ColColumn,
	"test type":        ColTestType,
	"type":             ColTestType,
	"description":      ColDescription,
	"test description": ColDescription,
	"expected result":  ColExpected,
	"expected outcome": ColExpected,
	"expected":         ColExpected,
}

// TestType selects the assertion template for a test case.
type TestType string

const (
	TestUniqueness           TestType = "uniqueness"
	TestNotNull              TestType = "not_null"
	TestReferentialIntegrity TestType = "referential_integrity"
	TestAcceptedValues       TestType = "accepted_values"
	TestTransformationLogic  TestType = "transformation_logic"
)

// TestTypes lists the known test types in priority order.
var TestTypes = []TestType{
	TestTransformationLogic, TestUniqueness, TestNotNull, TestReferentialIntegrity, TestAcceptedValues,
}

// NormalizeTestType maps a free-text test type to a known TestType.
// Unrecognised values are sanitized and returned with ok false.
func NormalizeTestType(s string) (TestType, bool) {
	l := strings.ToLower(s)
	switch {
	case strings.Contains(l, "unique"):
		return TestUniqueness, true
	case strings.Contains(l, "null"):
		return TestNotNull, true
	case strings.Contains(l, "referential"), strings.Contains(l, "relationship"), strings.Contains(l, "foreign"):
		return TestReferentialIntegrity, true
	case strings.Contains(l, "accepted"), strings.Contains(l, "allowed"):
		return TestAcceptedValues, true
	case strings.Contains(l, "transform"), strings.Contains(l, "derivation"), strings.Contains(l, "logic"):
		return TestTransformationLogic, true
	}
	return TestType(SanitizeName(s)), false
}

// TestCase is one row of a test plan.
type TestCase struct {
	ID          string   `json:"test_id"`
	Model       string   `json:"model"`
	Column      string   `json:"column"`
	Type        TestType `json:"test_type"`
	Description string   `json:"description"`
	Expected    string   `json:"expected_result"`
}

// TestPlan is a normalized list of test cases.
//
// Invariant: IDs are unique, sanitized file stems, and there are at most
// MaxTestCases rows.
type TestPlan struct {
	Cases []TestCase

	// Duplicates counts rows dropped because their ID repeated.
	Duplicates int

	// Truncated counts rows dropped by the MaxTestCases cap.
	Truncated int
}

// ParseTestPlan decodes and normalizes test plan CSV.
//
// Description:
//
//	Headers are matched case-insensitively against known aliases. IDs are
//	sanitized to file stems since they name the generated test files; rows
//	with an empty ID are skipped and a repeated ID keeps its first row.
//	At most MaxTestCases rows are kept.
//
// Outputs:
//
//	*TestPlan - The plan.
//	error - ErrInvalidDocument if the CSV is malformed, has no Test ID
//	        column, or yields no rows.
func ParseTestPlan(data []byte) (*TestPlan, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: test plan header: %v", ErrInvalidDocument, err)
	}
	index := make(map[string]int)
	for i, h := range header {
		if col, ok := planAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, seen := index[col]; !seen {
				index[col] = i
			}
		}
	}
	if _, ok := index[ColTestID]; !ok {
		return nil, fmt.Errorf("%w: test plan has no %q column", ErrInvalidDocument, ColTestID)
	}
	get := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	plan := &TestPlan{}
	seen := make(map[string]bool)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: test plan row: %v", ErrInvalidDocument, err)
		}
		id := SanitizeName(get(rec, ColTestID))
		if id == "" {
			continue
		}
		if seen[id] {
			plan.Duplicates++
			continue
		}
		if len(plan.Cases) >= MaxTestCases {
			plan.Truncated++
			continue
		}
		seen[id] = true
		tt, _ := NormalizeTestType(get(rec, ColTestType))
		plan.Cases = append(plan.Cases, TestCase{
			ID:          id,
			Model:       get(rec, ColModel),
			Column:      get(rec, ColColumn),
			Type:        tt,
			Description: get(rec, ColDescription),
			Expected:    get(rec, ColExpected),
		})
	}
	if len(plan.Cases) == 0 {
		return nil, fmt.Errorf("%w: test plan has no rows", ErrInvalidDocument)
	}
	return plan, nil
}

// SetModel rewrites the Model column of every case.
func (p *TestPlan) SetModel(model string) {
	for i := range p.Cases {
		p.Cases[i].Model = model
	}
}

// IDs returns the case identifiers in plan order.
func (p *TestPlan) IDs() []string {
	ids := make([]string, len(p.Cases))
	for i, c := range p.Cases {
		ids[i] = c.ID
	}
	return ids
}

// Lookup returns the case with id.
func (p *TestPlan) Lookup(id string) (TestCase, bool) {
	for _, c := range p.Cases {
		if c.ID == id {
			return c, true
		}
	}
	return TestCase{}, false
}

// CSV encodes the plan with PlanColumns as the header.
func (p *TestPlan) CSV() ([]byte, error) {
	rows := make([][]string, 0, len(p.Cases)+1)
	rows = append(rows, PlanColumns)
	for _, c := range p.Cases {
		rows = append(rows, c.record())
	}
	return encodeCSV(rows)
}

func (c TestCase) record() []string {
	return []string{c.ID, c.Model, c.Column, string(c.Type), c.Description, c.Expected}
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
