// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mapping reads source-to-target mapping files.
//
// A mapping is either a CSV with one row per target column, or an image of
// the same sheet. CSV mappings are parsed so generators can derive table
// lists and column dependencies; image mappings are passed to the model as-is.
package mapping

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrEmptyMapping indicates a mapping with no data rows.
	ErrEmptyMapping = errors.New("mapping has no rows")

	// ErrUnsupportedFormat indicates a file that is neither CSV nor an image.
	ErrUnsupportedFormat = errors.New("unsupported mapping file type")

	// ErrMissingColumn indicates a required header is absent.
	ErrMissingColumn = errors.New("mapping is missing a required column")
)

// Format is the encoding of an uploaded mapping.
type Format string

const (
	FormatCSV   Format = "csv"
	FormatImage Format = "image"
)

// Row is one target column's lineage.
type Row struct {
	SourceTable  string
	SourceColumn string
	TargetTable  string
	TargetColumn string
	JoinTable    string
	JoinKey      string
	Rule         string
}

// Mapping is a parsed upload. Rows is empty for image mappings.
type Mapping struct {
	// Name is the file name the mapping was read from.
	Name string

	Format   Format
	MIMEType string

	// Raw is the file content exactly as uploaded.
	Raw []byte

	Rows []Row
}

// column aliases, lower-cased, accepted for each field.
var headerAliases = map[string][]string{
	"source_table":  {"source table", "source_table", "src table"},
	"source_column": {"source column", "source_column", "src column"},
	"target_table":  {"target table", "target_table", "tgt table"},
	"target_column": {"target column", "target_column", "tgt column"},
	"join_table":    {"join table", "join_table"},
	"join_key":      {"join key", "join_key", "join condition"},
	"rule": {
		"transformation logic / derivation rule", "transformation logic",
		"derivation rule", "transformation rule", "transformation", "rule",
	},
}

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// Parse reads a mapping file, choosing the format from its extension.
//
// Inputs:
//
//	name - File name or object path; only the extension and base name are used.
//	data - File content.
//
// Outputs:
//
//	*Mapping - The parsed mapping.
//	error - ErrUnsupportedFormat, ErrMissingColumn, ErrEmptyMapping, or a CSV error.
func Parse(name string, data []byte) (*Mapping, error) {
	ext := strings.ToLower(path.Ext(name))
	base := path.Base(name)

	if mime, ok := imageTypes[ext]; ok {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s is empty", ErrEmptyMapping, base)
		}
		return &Mapping{Name: base, Format: FormatImage, MIMEType: mime, Raw: data}, nil
	}
	if ext != ".csv" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	rows, err := parseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", base, err)
	}
	return &Mapping{Name: base, Format: FormatCSV, MIMEType: "text/csv", Raw: data, Rows: rows}, nil
}

func parseCSV(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyMapping
	}
	if err != nil {
		return nil, err
	}

	index := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		for field, aliases := range headerAliases {
			for _, a := range aliases {
				if key == a {
					if _, seen := index[field]; !seen {
						index[field] = i
					}
				}
			}
		}
	}
	for _, required := range []string{"source_table", "target_table", "target_column"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.ReplaceAll(required, "_", " "))
		}
	}

	get := func(rec []string, field string) string {
		i, ok := index[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row := Row{
			SourceTable:  get(rec, "source_table"),
			SourceColumn: get(rec, "source_column"),
			TargetTable:  get(rec, "target_table"),
			TargetColumn: get(rec, "target_column"),
			JoinTable:    get(rec, "join_table"),
			JoinKey:      get(rec, "join_key"),
			Rule:         get(rec, "rule"),
		}
		if row.TargetColumn == "" && row.SourceTable == "" {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrEmptyMapping
	}
	return rows, nil
}

// =============================================================================
// TABLE REFERENCES
// =============================================================================

// TableRef is a warehouse table identifier "project.dataset.table".
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

// ParseTableRef splits a dotted identifier. Two-part names have no project;
// one-part names only a table.
func ParseTableRef(s string) TableRef {
	s = strings.Trim(strings.TrimSpace(s), "`")
	parts := strings.Split(s, ".")
	switch len(parts) {
	case 1:
		return TableRef{Table: parts[0]}
	case 2:
		return TableRef{Dataset: parts[0], Table: parts[1]}
	default:
		n := len(parts)
		return TableRef{
			Project: strings.Join(parts[:n-2], "."),
			Dataset: parts[n-2],
			Table:   parts[n-1],
		}
	}
}

// String renders the dotted identifier.
func (t TableRef) String() string {
	var parts []string
	for _, p := range []string{t.Project, t.Dataset, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// IsZero reports whether the ref names nothing.
func (t TableRef) IsZero() bool {
	return t.Table == ""
}

// Sources returns every distinct table appearing as a primary or join
// source, in first-seen order.
func (m *Mapping) Sources() []TableRef {
	seen := make(map[string]bool)
	var out []TableRef
	add := func(raw string) {
		ref := ParseTableRef(raw)
		if ref.IsZero() {
			return
		}
		key := strings.ToLower(ref.String())
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, ref)
	}
	for _, r := range m.Rows {
		add(r.SourceTable)
	}
	for _, r := range m.Rows {
		add(r.JoinTable)
	}
	return out
}

// Targets returns every distinct target table in first-seen order.
func (m *Mapping) Targets() []TableRef {
	seen := make(map[string]bool)
	var out []TableRef
	for _, r := range m.Rows {
		ref := ParseTableRef(r.TargetTable)
		if ref.IsZero() {
			continue
		}
		key := strings.ToLower(ref.String())
		if !seen[key] {
			seen[key] = true
			out = append(out, ref)
		}
	}
	return out
}

// RuleCount returns the number of rows with a transformation rule.
func (m *Mapping) RuleCount() int {
	n := 0
	for _, r := range m.Rows {
		if r.Rule != "" {
			n++
		}
	}
	return n
}

// DerivedDependencies finds target columns whose rule references another
// target column by name. Such columns cannot be computed in the same
// projection level as the column they reference.
//
// Outputs:
//
//	map[string][]string - Dependent column to the target columns it references, sorted.
func (m *Mapping) DerivedDependencies() map[string][]string {
	targets := make(map[string]bool)
	for _, r := range m.Rows {
		if r.TargetColumn != "" {
			targets[strings.ToLower(r.TargetColumn)] = true
		}
	}

	deps := make(map[string][]string)
	for _, r := range m.Rows {
		if r.Rule == "" || r.TargetColumn == "" {
			continue
		}
		self := strings.ToLower(r.TargetColumn)
		source := strings.ToLower(r.SourceColumn)
		for t := range targets {
			// A rule that names its own source column is an ordinary rename.
			if t == self || t == source {
				continue
			}
			if mentions(r.Rule, t) {
				deps[r.TargetColumn] = append(deps[r.TargetColumn], t)
			}
		}
		sort.Strings(deps[r.TargetColumn])
	}
	return deps
}

func mentions(text, ident string) bool {
	re := regexp.MustCompile(`(?i)(^|[^a-z0-9_])` + regexp.QuoteMeta(ident) + `($|[^a-z0-9_])`)
	return re.MatchString(text)
}
