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
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/tools"
)

// kindTools maps "generate <kind>" to the tool that does the work.
var kindTools = map[string]string{
	"profiles":  tools.ToolGenerateProfiles,
	"config":    tools.ToolGenerateDbtProject,
	"schema":    tools.ToolGenerateSchema,
	"model":     tools.ToolGenerateModel,
	"snapshot":  tools.ToolGenerateSnapshot,
	"macro":     tools.ToolGenerateMacro,
	"test_plan": tools.ToolGenerateTestPlan,
	"tests":     tools.ToolGenerateTests,
	"report":    tools.ToolGenerateTestReport,
}

func generateKinds() []string {
	kinds := make([]string, 0, len(kindTools))
	for k := range kindTools {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func runGenerate(cmd *cobra.Command, args []string) error {
	name, ok := kindTools[args[0]]
	if !ok {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("unknown artifact kind %q, want one of %v", args[0], generateKinds())}
	}
	return callFromFlags(cmd, name)
}

func runValidate(cmd *cobra.Command, args []string) error {
	switch args[0] {
	case "build":
		return callFromFlags(cmd, tools.ToolValidateBuild)
	case "test", "tests":
		return callFromFlags(cmd, tools.ToolValidateTests)
	}
	return &ExitError{Code: CLIExitError, Err: fmt.Errorf("unknown validation phase %q, want build or test", args[0])}
}

func runDbt(cmd *cobra.Command, args []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	project, _ := cmd.Flags().GetString("project")
	extra := make([]any, 0, len(args)-1)
	for _, s := range args[1:] {
		extra = append(extra, s)
	}
	return callTool(cmd, a, tools.ToolRunDbt, map[string]any{
		"project": project,
		"command": args[0],
		"args":    extra,
	})
}

func runDeploy(cmd *cobra.Command, _ []string) error {
	return callFromFlags(cmd, tools.ToolDeployProject)
}

// runReport builds the report from a results file, or runs dbt test first
// when --run is set.
func runReport(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	if !reportRun {
		if !cmd.Flags().Changed("results") {
			return &ExitError{Code: CLIExitError, Err: fmt.Errorf("pass --results <file> or --run")}
		}
		return callFromFlags(cmd, tools.ToolGenerateTestReport)
	}

	project, _ := cmd.Flags().GetString("project")
	plan, _ := cmd.Flags().GetString("plan")
	inv, err := a.Invoker(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	res, err := inv.Invoke(cmd.Context(), project, dbt.CommandTest)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if res.Structural {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("dbt test could not run: %s", res.Exception)}
	}

	params := map[string]any{
		"project": project,
		"results": resultsParam(res.Units),
	}
	if plan != "" {
		params["plan_path"] = plan
	}
	return callTool(cmd, a, tools.ToolGenerateTestReport, params)
}

// resultsParam converts test results into the generate_test_report
// argument shape.
func resultsParam(units []artifact.TestResult) []any {
	out := make([]any, 0, len(units))
	for _, u := range units {
		out = append(out, map[string]any{
			"test_name": u.TestID,
			"status":    string(u.Status),
			"message":   u.Message,
		})
	}
	return out
}

// callFromFlags builds the tool's arguments from the command's flags and
// calls it.
func callFromFlags(cmd *cobra.Command, name string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	t, ok := registry.Get(name)
	if !ok {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("tool %s is not available", name)}
	}
	def := t.Definition()
	params, err := buildParams(cmd.Flags(), def)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	applyProfileDefaults(params, def, a.cfg.Profile)
	return callTool(cmd, a, name, params)
}

// callTool calls a tool, prints its result and maps it to an exit code.
func callTool(cmd *cobra.Command, a *app, name string, params map[string]any) error {
	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	res, err := registry.Call(cmd.Context(), name, params)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if jsonOutput {
		if err := OutputJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		printToolResult(a.out, name, res)
	}
	if code := toolExitCode(res); code != CLIExitSuccess {
		return &ExitError{Code: code, Err: fmt.Errorf("%s: %s", name, res.Message()), Silent: true}
	}
	return nil
}
