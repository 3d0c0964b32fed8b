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
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// dbt_project.yml
// =============================================================================

// DbtProject is the subset of dbt_project.yml the generator checks and
// normalizes. Keys not listed are kept in Extra.
type DbtProject struct {
	Name          string         `yaml:"name"`
	Version       string         `yaml:"version,omitempty"`
	ConfigVersion int            `yaml:"config-version,omitempty"`
	Profile       string         `yaml:"profile"`
	ModelPaths    []string       `yaml:"model-paths,omitempty"`
	TestPaths     []string       `yaml:"test-paths,omitempty"`
	SnapshotPaths []string       `yaml:"snapshot-paths,omitempty"`
	MacroPaths    []string       `yaml:"macro-paths,omitempty"`
	TargetPath    string         `yaml:"target-path,omitempty"`
	CleanTargets  []string       `yaml:"clean-targets,omitempty"`
	Models        map[string]any `yaml:"models,omitempty"`
	Extra         map[string]any `yaml:",inline"`
}

// ParseDbtProject decodes dbt_project.yml content.
//
// Outputs:
//
//	*DbtProject - The decoded document.
//	error - ErrInvalidDocument if it does not parse or lacks name or profile.
func ParseDbtProject(data []byte) (*DbtProject, error) {
	var p DbtProject
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: dbt_project.yml: %v", ErrInvalidDocument, err)
	}
	if p.Name == "" || p.Profile == "" {
		return nil, fmt.Errorf("%w: dbt_project.yml requires name and profile", ErrInvalidDocument)
	}
	return &p, nil
}

// Normalize forces the project name and fills dbt's directory defaults so
// the document matches the materialized layout.
func (p *DbtProject) Normalize(project string) {
	p.Name = SanitizeName(project)
	if p.ConfigVersion == 0 {
		p.ConfigVersion = 2
	}
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	if len(p.ModelPaths) == 0 {
		p.ModelPaths = []string{"models"}
	}
	if len(p.TestPaths) == 0 {
		p.TestPaths = []string{"tests"}
	}
	if len(p.SnapshotPaths) == 0 {
		p.SnapshotPaths = []string{"snapshots"}
	}
	if len(p.MacroPaths) == 0 {
		p.MacroPaths = []string{"macros"}
	}
}

// Marshal encodes the document.
func (p *DbtProject) Marshal() ([]byte, error) {
	return encodeYAML(p)
}

// =============================================================================
// profiles.yml
// =============================================================================

// BigQueryOutput is one BigQuery target of a dbt profile.
type BigQueryOutput struct {
	Type           string `yaml:"type"`
	Method         string `yaml:"method"`
	Project        string `yaml:"project"`
	Dataset        string `yaml:"dataset"`
	Location       string `yaml:"location,omitempty"`
	Threads        int    `yaml:"threads"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Keyfile        string `yaml:"keyfile,omitempty"`
}

// Profile is a named profile with its targets.
type Profile struct {
	Target  string                    `yaml:"target"`
	Outputs map[string]BigQueryOutput `yaml:"outputs"`
}

// Profiles is the top level of profiles.yml keyed by profile name.
type Profiles map[string]Profile

// ProfileParams parameterize a BigQuery profile.
type ProfileParams struct {
	ProfileName string `validate:"required"`
	Project     string `validate:"required"`
	Dataset     string `validate:"required"`
	Location    string
	Target      string
	Keyfile     string
	Threads     int
	Timeout     int
}

// NewBigQueryProfiles renders a single-target BigQuery profile.
//
// Description:
//
//	Uses OAuth unless a service account key file is given. Defaults: target
//	"dev", one thread, 300 second timeout, location "US".
func NewBigQueryProfiles(p ProfileParams) Profiles {
	out := BigQueryOutput{
		Type:           "bigquery",
		Method:         "oauth",
		Project:        p.Project,
		Dataset:        p.Dataset,
		Location:       p.Location,
		Threads:        p.Threads,
		TimeoutSeconds: p.Timeout,
		Keyfile:        p.Keyfile,
	}
	if out.Keyfile != "" {
		out.Method = "service-account"
	}
	if out.Location == "" {
		out.Location = "US"
	}
	if out.Threads <= 0 {
		out.Threads = 1
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = 300
	}
	target := p.Target
	if target == "" {
		target = "dev"
	}
	return Profiles{
		p.ProfileName: {Target: target, Outputs: map[string]BigQueryOutput{target: out}},
	}
}

// Marshal encodes the document.
func (p Profiles) Marshal() ([]byte, error) {
	return encodeYAML(p)
}

// =============================================================================
// models/schema.yml
// =============================================================================

// Column is a documented column.
type Column struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Tests       []string `yaml:"tests,omitempty"`
}

// SourceTable is one table of a source.
type SourceTable struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Columns     []Column `yaml:"columns,omitempty"`
}

// Source declares a warehouse dataset. Name is the dataset name so that
// models can use {{ source('<dataset>', '<table>') }}.
type Source struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Database    string        `yaml:"database,omitempty"`
	Schema      string        `yaml:"schema,omitempty"`
	Tables      []SourceTable `yaml:"tables"`
}

// Model documents a dbt model.
type Model struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Columns     []Column `yaml:"columns,omitempty"`
}

// SchemaFile is models/schema.yml.
type SchemaFile struct {
	Version int      `yaml:"version"`
	Sources []Source `yaml:"sources,omitempty"`
	Models  []Model  `yaml:"models,omitempty"`
}

// ParseSchemaFile decodes models/schema.yml content.
func ParseSchemaFile(data []byte) (*SchemaFile, error) {
	var s SchemaFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: schema.yml: %v", ErrInvalidDocument, err)
	}
	if s.Version != 2 {
		return nil, fmt.Errorf("%w: schema.yml version %d, want 2", ErrInvalidDocument, s.Version)
	}
	return &s, nil
}

// HasModel reports whether a model declaration with name exists.
func (s *SchemaFile) HasModel(name string) bool {
	for _, m := range s.Models {
		if strings.EqualFold(m.Name, name) {
			return true
		}
	}
	return false
}

// HasSource reports whether dataset declares table.
func (s *SchemaFile) HasSource(dataset, table string) bool {
	for _, src := range s.Sources {
		if !strings.EqualFold(src.Name, dataset) {
			continue
		}
		for _, t := range src.Tables {
			if strings.EqualFold(t.Name, table) {
				return true
			}
		}
	}
	return false
}

// Marshal encodes the document.
func (s *SchemaFile) Marshal() ([]byte, error) {
	return encodeYAML(s)
}

func encodeYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}
