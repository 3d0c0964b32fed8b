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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dbtforge/services/tools"
)

func runToolsList(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	list := registry.List()
	if jsonOutput {
		return OutputJSON(cmd.OutOrStdout(), map[string]any{"tools": list})
	}
	rows := make([][]string, 0, len(list))
	for _, d := range list {
		rows = append(rows, []string{d.Name, schemaSummary(d.InputSchema), d.Description})
	}
	a.out.Table([]string{"Tool", "Parameters", "Description"}, rows)
	return nil
}

// schemaSummary lists a schema's properties, marking required ones with *.
func schemaSummary(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		if required[name] {
			name += "*"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	params, err := parseKeyValues(args[1:])
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if toolParams != "" {
		var fromJSON map[string]any
		if err := json.Unmarshal([]byte(toolParams), &fromJSON); err != nil {
			return &ExitError{Code: CLIExitError, Err: fmt.Errorf("--params must be a JSON object: %w", err)}
		}
		for k, v := range fromJSON {
			if _, set := params[k]; !set {
				params[k] = v
			}
		}
	}

	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if t, ok := registry.Get(args[0]); ok {
		applyProfileDefaults(params, t.Definition(), a.cfg.Profile)
	} else {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("%w: %s", tools.ErrUnknownTool, args[0])}
	}
	return callTool(cmd, a, args[0], params)
}

// toolCategory groups tools in the markdown reference.
type toolCategory struct {
	Name        string
	Description string
	match       func(name string) bool
}

var toolCategories = []toolCategory{
	{
		Name:        "Generation",
		Description: "Write one artifact into the project. Each call overwrites the previous version of its file.",
		match: func(n string) bool {
			return strings.HasPrefix(n, "generate_") && n != tools.ToolGenerateTestReport
		},
	},
	{
		Name:        "Execution & Validation",
		Description: "Run dbt against the stored project. The validate tools repair failures, up to three attempts.",
		match: func(n string) bool {
			return n == tools.ToolRunDbt || strings.HasPrefix(n, "validate_")
		},
	},
	{
		Name:        "Delivery",
		Description: "Report on and ship a finished project.",
		match: func(n string) bool {
			return n == tools.ToolGenerateTestReport || n == tools.ToolDeployProject
		},
	},
}

func runToolsDocs(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	writeToolDocs(cmd.OutOrStdout(), registry)
	return nil
}

// writeToolDocs renders the registry as a markdown reference.
func writeToolDocs(w io.Writer, registry *tools.Registry) {
	list := registry.List()
	fmt.Fprintln(w, "# Tool Reference")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d tools. Every tool returns a JSON object whose `result` is SUCCESS, FAILED or ERROR.\n", len(list))

	for _, cat := range toolCategories {
		var members []tools.Descriptor
		for _, d := range list {
			if cat.match(d.Name) {
				members = append(members, d)
			}
		}
		if len(members) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n## %s\n\n%s\n", cat.Name, cat.Description)
		for _, d := range members {
			fmt.Fprintf(w, "\n### `%s`\n\n%s\n\n", d.Name, d.Description)
			fmt.Fprintln(w, "| Parameter | Type | Required | Description |")
			fmt.Fprintln(w, "|---|---|---|---|")
			writeParamRows(w, d.InputSchema)
		}
	}
}

func writeParamRows(w io.Writer, schema map[string]any) {
	props, _ := schema["properties"].(map[string]any)
	required := map[string]bool{}
	if req, ok := schema["required"].([]string); ok {
		for _, r := range req {
			required[r] = true
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, _ := props[name].(tools.ParamDef)
		req := ""
		if required[name] {
			req = "yes"
		}
		desc := p.Description
		if len(p.Enum) > 0 {
			desc += fmt.Sprintf(" One of %v.", p.Enum)
		}
		fmt.Fprintf(w, "| `%s` | %s | %s | %s |\n", name, p.Type, req, desc)
	}
}
