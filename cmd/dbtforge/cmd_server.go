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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
	"github.com/AleutianAI/dbtforge/services/intake"
	"github.com/AleutianAI/dbtforge/services/server"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	registry, err := a.Registry(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	pipeline, err := a.Pipeline(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	if a.cfg.Server.AuthToken == "" {
		a.log.Warn("DBTFORGE_API_TOKEN is not set; the API accepts unauthenticated requests",
			slog.String("addr", addr))
	}

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(registry,
		server.WithRunner(pipeline),
		server.WithMetrics(server.NewMetrics(nil)),
		server.WithAuthToken(a.cfg.Server.AuthToken),
		server.WithLogger(a.log),
	)
	a.out.Success("Serving %d tools on http://%s", len(registry.Names()), addr)
	if err := srv.ListenAndServe(cmd.Context(), addr); err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := a.Store(ctx)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}

	dir := watchDir
	if dir == "" {
		dir = a.cfg.Intake.Dir
	}
	dir = config.ExpandPath(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("create intake directory: %w", err)}
	}

	opts := []intake.Option{
		intake.WithDebounce(a.cfg.Intake.Debounce),
		intake.WithAuthor(a.cfg.Author),
		intake.WithLogger(a.log),
	}
	handler := func(_ context.Context, up intake.Upload) {
		a.out.Success("Uploaded %s as project %s (%d rows)", filepath.Base(up.LocalPath), up.Project, up.Rows)
	}
	if watchAuto || a.cfg.Intake.AutoRun {
		pipeline, err := a.Pipeline(ctx, workflow.WithProgress(func(out workflow.PhaseOutput) {
			printPhase(a.out, out)
		}))
		if err != nil {
			return &ExitError{Code: CLIExitError, Err: err}
		}
		handler = autoRunHandler(a, pipeline)
	}
	opts = append(opts, intake.WithHandler(handler))

	w, err := intake.NewWatcher(dir, st, opts...)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if _, err := w.IngestExisting(ctx); err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	a.out.Info("Watching %s for mapping files (Ctrl+C to stop)", dir)
	if err := w.Run(ctx); err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	return nil
}

// autoRunHandler runs the workflow for each upload. The watcher calls its
// handler from the watch loop, so uploads are processed one at a time.
func autoRunHandler(a *app, runner server.Runner) intake.Handler {
	return func(ctx context.Context, up intake.Upload) {
		a.out.Title(fmt.Sprintf("dbtforge pipeline: %s", up.StorePath))
		wctx := &workflow.Context{
			Project:     up.Project,
			MappingPath: up.StorePath,
			GCPProject:  a.cfg.Profile.GCPProject,
			Dataset:     a.cfg.Profile.Dataset,
			Location:    a.cfg.Profile.Location,
			Keyfile:     a.cfg.Profile.Keyfile,
			User:        a.cfg.Author,
		}
		res, err := runner.Run(ctx, wctx)
		switch {
		case err != nil && res == nil:
			a.out.Error("Workflow for %s did not start: %v", up.Project, err)
		case res.Success:
			a.out.Success("Project %s is ready", res.Project)
		default:
			a.out.Error("Workflow for %s stopped at %s", res.Project, res.FailedPhase)
		}
	}
}

func runUpload(cmd *cobra.Command, args []string) error {
	a, err := mustApp()
	if err != nil {
		return err
	}
	st, err := a.Store(cmd.Context())
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	local, err := filepath.Abs(args[0])
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	w, err := intake.NewWatcher(filepath.Dir(local), st,
		intake.WithAuthor(a.cfg.Author),
		intake.WithLogger(a.log),
	)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	up, err := w.Ingest(cmd.Context(), local)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if jsonOutput {
		return OutputJSON(cmd.OutOrStdout(), up)
	}
	a.out.Success("Uploaded %s (%d rows)", st.URI(up.StorePath), up.Rows)
	a.out.Info("Next: dbtforge pipeline --mapping %s", up.StorePath)
	return nil
}
