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
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
	"github.com/AleutianAI/dbtforge/services/tools"
)

// paramFlags maps tool parameter names to command-line flags.
var paramFlags = map[string]string{
	"project":         "project",
	"mapping_path":    "mapping",
	"model_name":      "model",
	"plan_path":       "plan",
	"profile_name":    "profile-name",
	"gcp_project":     "gcp-project",
	"dataset":         "dataset",
	"location":        "location",
	"keyfile":         "keyfile",
	"threads":         "threads",
	"timeout_seconds": "timeout-seconds",
	"name":            "name",
	"description":     "description",
	"source_table":    "source-table",
	"unique_key":      "unique-key",
	"strategy":        "strategy",
	"check_cols":      "check-cols",
	"updated_at":      "updated-at",
	"target_schema":   "target-schema",
	"only":            "only",
	"fix":             "fix",
	"results":         "results",
}

// flagParams is the inverse of paramFlags.
var flagParams = func() map[string]string {
	m := make(map[string]string, len(paramFlags))
	for p, f := range paramFlags {
		m[f] = p
	}
	return m
}()

// buildParams turns the flags set on the command line into tool arguments.
//
// Description:
//
//	Only flags the user set are copied, so the tool's schema defaults
//	apply to the rest. Array parameters come from repeatable string
//	flags, integers are sent as JSON numbers and "results" names a JSON
//	file. A set flag the tool does not take is an error.
//
// Inputs:
//
//	fs - The parsed flag set.
//	def - The tool definition.
//
// Outputs:
//
//	map[string]any - The arguments.
//	error - Unknown flag for this tool, or an unreadable results file.
func buildParams(fs *pflag.FlagSet, def tools.ToolDefinition) (map[string]any, error) {
	var stray []string
	fs.Visit(func(f *pflag.Flag) {
		if param, ok := flagParams[f.Name]; ok {
			if _, takes := def.Parameters[param]; !takes {
				stray = append(stray, "--"+f.Name)
			}
		}
	})
	if len(stray) > 0 {
		sort.Strings(stray)
		return nil, fmt.Errorf("%s does not accept %s", def.Name, strings.Join(stray, ", "))
	}

	params := make(map[string]any)
	for name, p := range def.Parameters {
		flag, ok := paramFlags[name]
		if !ok || fs.Lookup(flag) == nil || !fs.Changed(flag) {
			continue
		}
		switch {
		case name == "results":
			file, _ := fs.GetString(flag)
			v, err := readJSONArray(file)
			if err != nil {
				return nil, err
			}
			params[name] = v
		case p.Type == tools.ParamTypeArray:
			vals, _ := fs.GetStringSlice(flag)
			items := make([]any, len(vals))
			for i, v := range vals {
				items[i] = v
			}
			params[name] = items
		case p.Type == tools.ParamTypeInt:
			n, _ := fs.GetInt(flag)
			params[name] = float64(n)
		default:
			s, _ := fs.GetString(flag)
			params[name] = s
		}
	}
	return params, nil
}

// applyProfileDefaults fills connection parameters from the config file.
func applyProfileDefaults(params map[string]any, def tools.ToolDefinition, pd config.ProfileDefaults) {
	for name, v := range map[string]string{
		"gcp_project": pd.GCPProject,
		"dataset":     pd.Dataset,
		"location":    pd.Location,
		"keyfile":     pd.Keyfile,
	} {
		if _, takes := def.Parameters[name]; !takes || v == "" {
			continue
		}
		if _, set := params[name]; !set {
			params[name] = v
		}
	}
}

// readJSONArray reads a JSON array from a file. A validate_tests result
// object is accepted too; its test_results array is used.
func readJSONArray(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse results %s: %w", path, err)
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		if arr, ok := t[tools.KeyTestResults].([]any); ok {
			return arr, nil
		}
	}
	return nil, fmt.Errorf("results %s: expected a JSON array of test results", path)
}

// parseKeyValues parses "key=value" arguments for "tools call". A value
// that is valid JSON is decoded, anything else is a string.
func parseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q is not key=value", kv)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
