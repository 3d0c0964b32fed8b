// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/mapping"
	"github.com/AleutianAI/dbtforge/services/synth"
	"github.com/AleutianAI/dbtforge/services/warehouse"
)

// =============================================================================
// PROFILES
// =============================================================================

func (s *Service) generateProfiles(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(ProfilesParams)
	name := p.ProfileName
	if name == "" {
		name = project
	}
	content, err := artifact.NewBigQueryProfiles(artifact.ProfileParams{
		ProfileName: name,
		Project:     p.GCPProject,
		Dataset:     p.Dataset,
		Location:    p.Location,
		Keyfile:     p.Keyfile,
		Threads:     p.Threads,
		Timeout:     p.TimeoutSeconds,
	}).Marshal()
	if err != nil {
		return err
	}
	res.Raw = string(content)

	out, err := s.write(ctx, project, artifact.KindProfiles, "", content, "")
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	return nil
}

// =============================================================================
// CONFIG
// =============================================================================

func (s *Service) generateConfig(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(ConfigParams)
	profile := p.ProfileName
	if profile == "" {
		profile = project
	}

	current, _ := artifact.Resolve(project, artifact.KindConfig, "")
	parts := []synth.Part{
		synth.Text(formatContract),
		synth.Text(configContract),
		synth.Text(fmt.Sprintf("Project name: %s\nProfile name: %s", project, profile)),
	}
	parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

	raw, err := s.synthesize(ctx, artifact.KindConfig, parts)
	if err != nil {
		return err
	}
	res.Raw = raw

	text, err := clean(artifact.KindConfig, raw)
	if err != nil {
		return err
	}
	doc, err := artifact.ParseDbtProject([]byte(text))
	if err != nil {
		return &GenerationError{Kind: artifact.KindConfig, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
	}
	doc.Normalize(project)
	doc.Profile = profile
	content, err := doc.Marshal()
	if err != nil {
		return err
	}

	out, err := s.write(ctx, project, artifact.KindConfig, "", content, "")
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	return nil
}

// =============================================================================
// SCHEMA
// =============================================================================

// generateSchema declares every source and join table of the mapping, plus
// the caller's model. CSV mappings are rendered directly; image mappings and
// fixes go through the synthesizer and the result is checked for the model.
func (s *Service) generateSchema(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(SchemaParams)
	m, err := s.loadMapping(ctx, p.MappingPath)
	if err != nil {
		return err
	}
	model := artifact.SanitizeName(p.ModelName)

	var content []byte
	if m.Format == mapping.FormatCSV && req.Fix == "" {
		doc := schemaFromMapping(m, model)
		if content, err = doc.Marshal(); err != nil {
			return err
		}
		res.Raw = string(content)
	} else {
		current, _ := artifact.Resolve(project, artifact.KindSchema, "")
		parts := []synth.Part{synth.Text(formatContract), synth.Text(schemaContract)}
		parts = append(parts, mappingParts(m)...)
		parts = append(parts, synth.Text("Model name: "+model))
		parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

		raw, err := s.synthesize(ctx, artifact.KindSchema, parts)
		if err != nil {
			return err
		}
		res.Raw = raw
		text, err := clean(artifact.KindSchema, raw)
		if err != nil {
			return err
		}
		doc, err := artifact.ParseSchemaFile([]byte(text))
		if err != nil {
			return &GenerationError{Kind: artifact.KindSchema, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
		}
		if !doc.HasModel(model) {
			return &GenerationError{Kind: artifact.KindSchema, Raw: raw,
				Cause: fmt.Errorf("%w: no declaration for model %q", ErrUnparsableOutput, model)}
		}
		content = []byte(text)
	}

	out, err := s.write(ctx, project, artifact.KindSchema, "", content, p.MappingPath)
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	return nil
}

// schemaFromMapping groups the mapping's tables by (project, dataset). The
// source name is the dataset so that models can call source('<dataset>', ...).
func schemaFromMapping(m *mapping.Mapping, model string) *artifact.SchemaFile {
	doc := &artifact.SchemaFile{Version: 2}
	index := make(map[string]int)
	for _, ref := range m.Sources() {
		dataset := ref.Dataset
		if dataset == "" {
			dataset = "default"
		}
		key := ref.Project + "." + dataset
		i, ok := index[key]
		if !ok {
			i = len(doc.Sources)
			index[key] = i
			doc.Sources = append(doc.Sources, artifact.Source{
				Name:     dataset,
				Database: ref.Project,
				Schema:   dataset,
			})
		}
		doc.Sources[i].Tables = append(doc.Sources[i].Tables, artifact.SourceTable{Name: ref.Table})
	}
	doc.Models = []artifact.Model{{
		Name:        model,
		Description: fmt.Sprintf("Target model built from %s", m.Name),
	}}
	return doc
}

// =============================================================================
// MODEL
// =============================================================================

func (s *Service) generateModel(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(ModelParams)
	m, err := s.loadMapping(ctx, p.MappingPath)
	if err != nil {
		return err
	}
	model := artifact.SanitizeName(p.ModelName)

	var text string
	if sql, ok := passthroughModel(m); ok && req.Fix == "" {
		text = sql
		res.Raw = sql
	} else {
		current, _ := artifact.Resolve(project, artifact.KindModel, model)
		parts := []synth.Part{synth.Text(formatContract), synth.Text(modelContract)}
		parts = append(parts, mappingParts(m)...)
		parts = append(parts, s.modelHints(ctx, m)...)
		parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

		raw, err := s.synthesize(ctx, artifact.KindModel, parts)
		if err != nil {
			return err
		}
		res.Raw = raw
		if text, err = clean(artifact.KindModel, raw); err != nil {
			return err
		}
		text = strings.TrimRight(strings.TrimSpace(text), ";") + "\n"
	}

	out, err := s.write(ctx, project, artifact.KindModel, model, []byte(text), p.MappingPath)
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	return nil
}

// modelHints derives facts from a CSV mapping that the model must respect.
func (s *Service) modelHints(ctx context.Context, m *mapping.Mapping) []synth.Part {
	if m.Format != mapping.FormatCSV {
		return nil
	}
	var b strings.Builder
	sources := m.Sources()
	if len(sources) > 0 {
		b.WriteString("Source references to use:\n")
		for i, ref := range sources {
			fmt.Fprintf(&b, "- T%d: {{ source('%s', '%s') }} for %s\n", i+1, ref.Dataset, ref.Table, ref)
		}
	}

	deps := m.DerivedDependencies()
	if len(deps) > 0 {
		cols := make([]string, 0, len(deps))
		for c := range deps {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		b.WriteString("Target columns whose rules reference other derived target columns (need an intermediate CTE):\n")
		for _, c := range cols {
			fmt.Fprintf(&b, "- %s depends on %s\n", c, strings.Join(deps[c], ", "))
		}
	}

	parts := []synth.Part{}
	if b.Len() > 0 {
		parts = append(parts, synth.Text(b.String()))
	}
	grounding, err := warehouse.Describe(ctx, s.inspector, sources, s.logger)
	if err != nil {
		s.logger.Warn("Warehouse grounding skipped", slog.String("error", err.Error()))
	} else if grounding != "" {
		parts = append(parts, synth.Text(grounding))
	}
	return parts
}

// passthroughModel renders the model directly when the mapping is a single
// source table with no joins and no rules: a staging CTE selecting every
// mapped source column under T1, and a final select that only renames.
func passthroughModel(m *mapping.Mapping) (string, bool) {
	if m.Format != mapping.FormatCSV || m.RuleCount() > 0 {
		return "", false
	}
	sources := m.Sources()
	if len(sources) != 1 || sources[0].Dataset == "" {
		return "", false
	}
	for _, r := range m.Rows {
		if r.JoinTable != "" || r.SourceColumn == "" || r.TargetColumn == "" {
			return "", false
		}
	}

	var staged []string
	seen := make(map[string]bool)
	for _, r := range m.Rows {
		key := strings.ToLower(r.SourceColumn)
		if !seen[key] {
			seen[key] = true
			staged = append(staged, "        T1."+r.SourceColumn)
		}
	}
	final := make([]string, len(m.Rows))
	for i, r := range m.Rows {
		final[i] = fmt.Sprintf("    %s as %s", r.SourceColumn, r.TargetColumn)
	}

	src := sources[0]
	var b strings.Builder
	b.WriteString("with source_data as (\n    select\n")
	b.WriteString(strings.Join(staged, ",\n"))
	fmt.Fprintf(&b, "\n    from {{ source('%s', '%s') }} as T1\n)\n\n", src.Dataset, src.Table)
	b.WriteString("select\n")
	b.WriteString(strings.Join(final, ",\n"))
	b.WriteString("\nfrom source_data\n")
	return b.String(), true
}

// =============================================================================
// SNAPSHOT / MACRO
// =============================================================================

func (s *Service) generateSnapshot(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(SnapshotParams)
	name := artifact.SanitizeName(p.Name)
	ref := mapping.ParseTableRef(p.SourceTable)
	if ref.Dataset == "" {
		return fmt.Errorf("%w: source_table must be dataset.table, got %q", ErrInvalidRequest, p.SourceTable)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Snapshot name: %s\n", name)
	fmt.Fprintf(&b, "Source: {{ source('%s', '%s') }}\n", ref.Dataset, ref.Table)
	fmt.Fprintf(&b, "target_schema: %s\n", p.TargetSchema)
	fmt.Fprintf(&b, "unique_key: %s\n", p.UniqueKey)
	fmt.Fprintf(&b, "strategy: %s\n", p.Strategy)
	if p.Strategy == "check" {
		fmt.Fprintf(&b, "check_cols: [%s]\n", quoteList(p.CheckCols))
	} else {
		fmt.Fprintf(&b, "updated_at: %s\n", p.UpdatedAt)
	}

	current, _ := artifact.Resolve(project, artifact.KindSnapshot, name)
	parts := []synth.Part{synth.Text(formatContract), synth.Text(snapshotContract), synth.Text(b.String())}
	parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

	return s.synthesizeAndWrite(ctx, project, artifact.KindSnapshot, name, parts, res, func(text string) error {
		if !strings.Contains(text, "unique_key") || !strings.Contains(text, p.UniqueKey) {
			return fmt.Errorf("snapshot config does not set unique_key %q", p.UniqueKey)
		}
		if !strings.Contains(strings.ToLower(text), "{% endsnapshot %}") {
			return fmt.Errorf("snapshot block is not closed")
		}
		return nil
	})
}

func (s *Service) generateMacro(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(MacroParams)
	name := artifact.SanitizeName(p.Name)

	current, _ := artifact.Resolve(project, artifact.KindMacro, name)
	parts := []synth.Part{
		synth.Text(formatContract),
		synth.Text(macroContract),
		synth.Text(fmt.Sprintf("Macro name: %s\nBehaviour: %s", name, p.Description)),
	}
	parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

	return s.synthesizeAndWrite(ctx, project, artifact.KindMacro, name, parts, res, func(text string) error {
		if !strings.Contains(text, "{% macro "+name) {
			return fmt.Errorf("macro %q is not defined", name)
		}
		return nil
	})
}

// synthesizeAndWrite is the common single-file path: one synthesizer call,
// cleanup, an optional content check, and one write.
func (s *Service) synthesizeAndWrite(ctx context.Context, project string, kind artifact.Kind, name string,
	parts []synth.Part, res *Result, check func(string) error) error {

	raw, err := s.synthesize(ctx, kind, parts)
	if err != nil {
		return err
	}
	res.Raw = raw
	text, err := clean(kind, raw)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(text); err != nil {
			return &GenerationError{Kind: kind, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
		}
	}
	out, err := s.write(ctx, project, kind, name, []byte(text), "")
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	return nil
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, it := range items {
		q[i] = "'" + strings.TrimSpace(it) + "'"
	}
	return strings.Join(q, ", ")
}
