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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
	"github.com/AleutianAI/dbtforge/pkg/ux"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

// errNotInteractive is returned when a gated run has no terminal to ask on.
var errNotInteractive = errors.New("stdin is not a terminal; pass --yes to approve the model and test generation phases")

func runPipeline(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	wctx := pipelineContext(cmd, a.cfg.Profile)

	confirmer := workflow.Confirmer(workflow.AutoConfirm)
	if !pipelineYes {
		if !ux.IsTerminal(os.Stdin) {
			return &ExitError{Code: CLIExitError, Err: errNotInteractive}
		}
		confirmer = promptConfirmer(a.stdin, a.out)
	}

	opts := []workflow.Option{workflow.WithConfirmer(confirmer)}
	if !jsonOutput {
		opts = append(opts, workflow.WithProgress(func(out workflow.PhaseOutput) {
			printPhase(a.out, out)
		}))
		a.out.Title(fmt.Sprintf("dbtforge pipeline: %s", wctx.MappingPath))
	}
	p, err := a.Pipeline(cmd.Context(), opts...)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}

	res, err := p.Run(cmd.Context(), wctx)
	if res == nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	return reportPipeline(cmd.OutOrStdout(), a.out, res, err)
}

// pipelineContext builds the workflow context from flags and the config's
// profile defaults.
func pipelineContext(cmd *cobra.Command, pd config.ProfileDefaults) *workflow.Context {
	f := cmd.Flags()
	get := func(name, fallback string) string {
		if v, _ := f.GetString(name); v != "" {
			return v
		}
		return fallback
	}
	return &workflow.Context{
		MappingPath: get("mapping", ""),
		Project:     get("project", ""),
		ModelName:   get("model", ""),
		ProfileName: get("profile-name", ""),
		GCPProject:  get("gcp-project", pd.GCPProject),
		Dataset:     get("dataset", pd.Dataset),
		Location:    get("location", pd.Location),
		Keyfile:     get("keyfile", pd.Keyfile),
		User:        os.Getenv("USER"),
	}
}

// reportPipeline prints the final result and maps it to an exit code.
func reportPipeline(w io.Writer, p *ux.Printer, res *workflow.Result, runErr error) error {
	if jsonOutput {
		if err := OutputJSON(w, res); err != nil {
			return err
		}
	} else {
		if out, ok := res.Phase(workflow.PhaseReport); ok && len(out.Report) > 0 {
			printReport(p, out.Report)
		}
		if res.Success {
			p.Success("Project %s is ready (%s)", res.Project, res.Duration.Round(1e6))
		} else if res.FailedPhase != "" {
			p.Error("Workflow for %s stopped at %s", res.Project, res.FailedPhase)
		}
		if res.ReportPath != "" {
			p.Info("%s %s", ux.IconArrow, res.ReportPath)
		}
	}
	switch {
	case runErr != nil && !errors.Is(runErr, workflow.ErrDeclined):
		return &ExitError{Code: CLIExitError, Err: runErr}
	case !res.Success:
		return findings(fmt.Sprintf("workflow for %s did not succeed", res.Project))
	}
	return nil
}

// promptConfirmer asks on the terminal before each gated phase. Anything
// but y or yes declines.
func promptConfirmer(in io.Reader, p *ux.Printer) workflow.Confirmer {
	reader := bufio.NewReader(in)
	return workflow.ConfirmerFunc(func(ctx context.Context, wctx *workflow.Context, phase workflow.Phase) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(p.Writer(), "Run %s for %s? [y/N] ", phase, wctx.Project)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	})
}
