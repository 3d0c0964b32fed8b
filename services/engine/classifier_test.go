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
	"strings"
	"testing"

	"github.com/AleutianAI/dbtforge/services/artifact"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		structural bool
		class      Class
		rule       Rule
		hint       string
		soft       bool
		message    string
	}{
		{
			name:       "adapter structural flag",
			output:     "project orders: incomplete project: profiles.yml not found",
			structural: true,
			class:      ClassStructural,
			rule:       RuleStructural,
			message:    "project orders: incomplete project: profiles.yml not found",
		},
		{
			name:    "missing profile in output",
			output:  "12:00:00  Running with dbt=1.8.0\n12:00:00  Runtime Error\n  Could not find profile named 'orders'",
			class:   ClassStructural,
			rule:    RuleStructural,
			message: "Could not find profile named 'orders'",
		},
		{
			name:    "bare runtime error not found",
			output:  "Runtime Error\n\n  Path 'models' not found for project",
			class:   ClassStructural,
			rule:    RuleStructural,
			message: "Path 'models' not found for project",
		},
		{
			name:   "credentials",
			output: "Database Error\n  Unable to generate access token, the metadata server is unavailable",
			class:  ClassStructural,
			rule:   RuleStructural,
		},
		{
			name:    "data failure",
			output:  "Failure in test tc_001 (tests/tc_001.sql)\n  Got 3 results, configured to fail if != 0",
			class:   ClassFatal,
			rule:    RuleDataFailure,
			message: "Got 3 results, configured to fail if != 0",
		},
		{
			name:    "data failure expected zero",
			output:  "FAIL tc_002: Got 3 results, expected 0",
			class:   ClassFatal,
			rule:    RuleDataFailure,
			message: "FAIL tc_002: Got 3 results, expected 0",
		},
		{
			name: "database error in model",
			output: "12:00:02  1 of 1 ERROR creating sql table model mart.orders ... [ERROR in 0.2s]\n" +
				"12:00:02  \n" +
				"12:00:02  Database Error in model orders (models/orders.sql)\n" +
				"12:00:02    Unrecognized name: amount_gbp at [12:5]\n" +
				"12:00:02    compiled code at target/run/orders/models/orders.sql\n",
			class:   ClassCorrectable,
			rule:    RuleContentError,
			hint:    "models/orders.sql",
			message: "Database Error in model orders (models/orders.sql)\nUnrecognized name: amount_gbp at [12:5]\ncompiled code at target/run/orders/models/orders.sql",
		},
		{
			name:    "parsing error without block header",
			output:  "Parsing Error\n  Error reading orders: models/schema.yml - Runtime Error\n",
			class:   ClassCorrectable,
			rule:    RuleContentError,
			hint:    "models/schema.yml",
			message: "Parsing Error\nError reading orders: models/schema.yml - Runtime Error",
		},
		{
			name:   "compilation error in test",
			output: "Compilation Error in test tc_004 (tests/tc_004.sql)\n  'source' is undefined",
			class:  ClassCorrectable,
			rule:   RuleContentError,
			hint:   "tests/tc_004.sql",
		},
		{
			name:    "warning only",
			output:  "12:00:00  [WARNING]: Configuration paths exist in your dbt_project.yml file which do not apply to any resources.\nDone. PASS=1 WARN=0 ERROR=0",
			class:   ClassCorrectable,
			rule:    RuleWarning,
			hint:    "dbt_project.yml",
			soft:    true,
			message: "12:00:00  [WARNING]: Configuration paths exist in your dbt_project.yml file which do not apply to any resources.",
		},
		{
			name:    "unrecognized",
			output:  "Encountered an error:\nsomething unexpected happened",
			class:   ClassFatal,
			rule:    RuleUnrecognized,
			message: "something unexpected happened",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.output, tt.structural)
			if got.Class != tt.class {
				t.Errorf("Class = %s, want %s", got.Class, tt.class)
			}
			if got.Rule != tt.rule {
				t.Errorf("Rule = %s, want %s", got.Rule, tt.rule)
			}
			if got.Hint != tt.hint {
				t.Errorf("Hint = %q, want %q", got.Hint, tt.hint)
			}
			if got.Soft != tt.soft {
				t.Errorf("Soft = %v, want %v", got.Soft, tt.soft)
			}
			if tt.message != "" && got.Message != tt.message {
				t.Errorf("Message = %q, want %q", got.Message, tt.message)
			}
		})
	}
}

func TestClassify_PriorityContentErrorOverDataFailure(t *testing.T) {
	out := strings.Join([]string{
		"Failure in test tc_001 (tests/tc_001.sql)",
		"  Got 2 results, configured to fail if != 0",
		"",
		"Database Error in test tc_003 (tests/tc_003.sql)",
		"  Syntax error",
	}, "\n")
	got := Classify(out, false)
	if got.Class != ClassCorrectable || got.Rule != RuleContentError {
		t.Fatalf("Classify() = %s/%s, want %s/%s", got.Class, got.Rule, ClassCorrectable, RuleContentError)
	}
	if got.Hint != "tests/tc_003.sql" {
		t.Errorf("Hint = %q, want tests/tc_003.sql", got.Hint)
	}
}

func TestClassify_WarningFlagOnError(t *testing.T) {
	out := "[WARNING]: Deprecated functionality\nDatabase Error in model orders (models/orders.sql)\n  bad"
	got := Classify(out, false)
	if got.Rule != RuleContentError || got.Soft || !got.HasWarning {
		t.Errorf("Classify() = %+v, want hard content error with HasWarning", got)
	}
}

func TestClassify_IsPure(t *testing.T) {
	out := "Database Error in model orders (models/orders.sql)\n  bad"
	first := Classify(out, false)
	second := Classify(out, false)
	if first != second {
		t.Errorf("Classify() not deterministic: %+v vs %+v", first, second)
	}
}

func TestClassification_Target(t *testing.T) {
	tests := []struct {
		hint string
		kind artifact.Kind
		name string
		ok   bool
	}{
		{"models/orders.sql", artifact.KindModel, "orders", true},
		{"models/schema.yml", artifact.KindSchema, "", true},
		{"tests/tc_001.sql", artifact.KindTest, "tc_001", true},
		{"dbt_project.yml", artifact.KindConfig, "", true},
		{"", "", "", false},
	}
	for _, tt := range tests {
		kind, name, ok := Classification{Hint: tt.hint}.Target()
		if kind != tt.kind || name != tt.name || ok != tt.ok {
			t.Errorf("Target(%q) = %s, %q, %v, want %s, %q, %v", tt.hint, kind, name, ok, tt.kind, tt.name, tt.ok)
		}
	}
}

func TestIsDataFailure(t *testing.T) {
	if !IsDataFailure("Got 3 results, configured to fail if != 0") {
		t.Error("IsDataFailure(Got 3 results) = false")
	}
	if IsDataFailure("Database Error in test tc_003 (tests/tc_003.sql)") {
		t.Error("IsDataFailure(Database Error) = true")
	}
}
