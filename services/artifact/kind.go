// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact defines the generated files of a dbt project.
//
// Every artifact has a Kind drawn from a closed set. The kind fixes where the
// artifact lives under its project root, which syntactic anchors mark the start
// of valid content in synthesizer output, and which metadata type tag it carries.
// Path resolution is a pure function of (project, kind, name), so regenerating
// an artifact always overwrites the previous version.
package artifact

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrUnknownKind indicates a kind outside the closed set.
	ErrUnknownKind = errors.New("unknown artifact kind")

	// ErrInvalidName indicates a project or logical name that is empty after sanitization.
	ErrInvalidName = errors.New("invalid artifact name")

	// ErrEmptyOutput indicates synthesizer output with no content.
	ErrEmptyOutput = errors.New("empty synthesizer output")

	// ErrNoAnchor indicates synthesizer output without any recognised start token.
	ErrNoAnchor = errors.New("no recognisable content in synthesizer output")

	// ErrInvalidDocument indicates a YAML or CSV document that does not parse
	// or lacks required fields.
	ErrInvalidDocument = errors.New("invalid document")
)

// Kind identifies an artifact type.
type Kind string

const (
	KindProfiles Kind = "profiles"
	KindConfig   Kind = "config"
	KindSchema   Kind = "schema"
	KindModel    Kind = "model"
	KindTest     Kind = "test"
	KindSnapshot Kind = "snapshot"
	KindMacro    Kind = "macro"
	KindTestPlan Kind = "test_plan"
	KindReport   Kind = "report"
)

// kindInfo is one row of the kind table.
type kindInfo struct {
	// dir is the directory under the project root.
	dir string

	// file renders the file name from the sanitized logical name and project.
	file func(name, project string) string

	// named reports whether the logical name selects the file.
	named bool

	// anchors are line prefixes, lower-case, that start valid content.
	anchors []string

	// artifactType is the dbt_artifact_type metadata value.
	artifactType string
}

var sqlAnchors = []string{"with", "select", "{{", "{%"}

var kinds = map[Kind]kindInfo{
	KindProfiles: {
		dir:          "dbt",
		file:         func(_, _ string) string { return "profiles.yml" },
		artifactType: "profiles_yml",
	},
	KindConfig: {
		dir:          "dbt",
		file:         func(_, _ string) string { return "dbt_project.yml" },
		anchors:      []string{"name:"},
		artifactType: "project_config",
	},
	KindSchema: {
		dir:          "models",
		file:         func(_, _ string) string { return "schema.yml" },
		anchors:      []string{"version:"},
		artifactType: "schema_yml",
	},
	KindModel: {
		dir:          "models",
		file:         func(n, _ string) string { return n + ".sql" },
		named:        true,
		anchors:      sqlAnchors,
		artifactType: "model_sql",
	},
	KindTest: {
		dir:          "tests",
		file:         func(n, _ string) string { return n + ".sql" },
		named:        true,
		anchors:      sqlAnchors,
		artifactType: "test_sql",
	},
	KindSnapshot: {
		dir:          "snapshots",
		file:         func(n, _ string) string { return n + "_snapshot.sql" },
		named:        true,
		anchors:      []string{"{% snapshot", "{%"},
		artifactType: "snapshot_sql",
	},
	KindMacro: {
		dir:          "macros",
		file:         func(n, _ string) string { return n + ".sql" },
		named:        true,
		anchors:      []string{"{% macro", "{%"},
		artifactType: "macro_sql",
	},
	KindTestPlan: {
		dir:          "test_plans",
		file:         func(_, p string) string { return p + "_test_cases.csv" },
		anchors:      []string{"test id", `"test id"`},
		artifactType: "test_case_sheet",
	},
	KindReport: {
		dir:          "test_reports",
		file:         func(_, p string) string { return p + "_test_report.csv" },
		artifactType: "test_report",
	},
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Kinds returns every kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether k is in the closed set.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}

// Named reports whether artifacts of this kind are addressed by a logical
// name. Unnamed kinds have one file per project.
func (k Kind) Named() bool {
	return kinds[k].named
}

// Dir returns the directory of the kind under the project root.
func (k Kind) Dir() string {
	return kinds[k].dir
}

// Anchors returns the lower-case line prefixes that start valid content.
func (k Kind) Anchors() []string {
	return kinds[k].anchors
}

// ArtifactType returns the dbt_artifact_type metadata value.
func (k Kind) ArtifactType() string {
	return kinds[k].artifactType
}
