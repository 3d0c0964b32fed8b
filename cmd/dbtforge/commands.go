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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
	"github.com/AleutianAI/dbtforge/pkg/logging"
	"github.com/AleutianAI/dbtforge/pkg/telemetry"
	"github.com/AleutianAI/dbtforge/pkg/ux"
)

// --- Global Command Variables ---
var (
	cfgPath    string
	logLevel   string
	jsonOutput bool
	echoDbt    bool

	pipelineYes bool
	reportRun   bool
	serveAddr   string
	watchDir    string
	watchAuto   bool
	toolParams  string
	configForce bool

	// current is the app built by PersistentPreRunE for the running command.
	current *app

	shutdownTelemetry func(context.Context) error
	processLogger     *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "dbtforge",
		Short: "Generate, validate and repair dbt projects from mapping files",
		Long: `dbtforge turns a source-to-target mapping spreadsheet into a working dbt
project on BigQuery: profiles, project config, schema, model SQL, a test plan,
singular tests and a test report. Build and test runs are repaired
automatically, up to three attempts per phase.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	// --- Generation ---
	generateCmd = &cobra.Command{
		Use:       "generate <kind>",
		Short:     "Generate one artifact: " + strings.Join(generateKinds(), ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: generateKinds(),
		RunE:      runGenerate, // Defined in cmd_generate.go
	}
	validateCmd = &cobra.Command{
		Use:       "validate <build|test>",
		Short:     "Run dbt and repair failures, up to three attempts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"build", "test"},
		RunE:      runValidate, // Defined in cmd_generate.go
	}
	runCmd = &cobra.Command{
		Use:   "run <dbt-command> [-- extra args]",
		Short: "Run one dbt command against a stored project, without repair",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDbt, // Defined in cmd_generate.go
	}
	deployCmd = &cobra.Command{
		Use:   "deploy",
		Short: "Copy a project to the deployment destination",
		Args:  cobra.NoArgs,
		RunE:  runDeploy, // Defined in cmd_generate.go
	}
	reportCmd = &cobra.Command{
		Use:   "report",
		Short: "Build the test report from a results file or a fresh dbt test run",
		Args:  cobra.NoArgs,
		RunE:  runReport, // Defined in cmd_generate.go
	}
	uploadCmd = &cobra.Command{
		Use:   "upload <mapping.csv>",
		Short: "Upload a mapping file to the artifact store",
		Args:  cobra.ExactArgs(1),
		RunE:  runUpload, // Defined in cmd_server.go
	}

	// --- Workflow ---
	pipelineCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "Run the whole workflow for a mapping file",
		Args:  cobra.NoArgs,
		RunE:  runPipeline, // Defined in cmd_pipeline.go
	}

	// --- Front ends ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_server.go
	}
	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Upload mapping files dropped into a directory",
		Args:  cobra.NoArgs,
		RunE:  runWatch, // Defined in cmd_server.go
	}
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List or call tools directly",
	}
	toolsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the tools and their parameters",
		Args:  cobra.NoArgs,
		RunE:  runToolsList, // Defined in cmd_tools.go
	}
	toolsDocsCmd = &cobra.Command{
		Use:   "docs",
		Short: "Print the tool reference as markdown",
		Args:  cobra.NoArgs,
		RunE:  runToolsDocs, // Defined in cmd_tools.go
	}
	toolsCallCmd = &cobra.Command{
		Use:   "call <tool> [key=value...]",
		Short: "Call a tool with JSON or key=value arguments",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runToolsCall, // Defined in cmd_tools.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
	configPathCmd = &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file path",
		Args:  cobra.NoArgs,
		RunE:  runConfigPath, // Defined in cmd_config.go
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "Config file (default ~/.dbtforge/dbtforge.yaml)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the config file)")
	pf.BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	pf.BoolVar(&echoDbt, "echo-dbt", false, "Stream dbt output to stderr while it runs")

	rootCmd.AddCommand(generateCmd, validateCmd, runCmd, deployCmd, reportCmd, uploadCmd)
	addArtifactFlags(generateCmd)
	generateCmd.Flags().String("results", "", "JSON file with test results (report)")

	f := validateCmd.Flags()
	f.String("project", "", "Project name")
	f.String("model", "", "Model name")
	f.String("mapping", "", "Mapping file path in the store")
	f.String("plan", "", "Test plan path in the store")
	f.String("profile-name", "", "dbt profile name")

	runCmd.Flags().String("project", "", "Project name")
	deployCmd.Flags().String("project", "", "Project name")

	f = reportCmd.Flags()
	f.String("project", "", "Project name")
	f.String("plan", "", "Test plan path in the store")
	f.String("results", "", "JSON file with test results")
	f.BoolVar(&reportRun, "run", false, "Run dbt test now and report its results")

	rootCmd.AddCommand(pipelineCmd)
	f = pipelineCmd.Flags()
	f.String("mapping", "", "Mapping file path in the store (required)")
	f.String("project", "", "Project name. Inferred from the mapping file name when empty")
	f.String("model", "", "Model name. Defaults to the project name")
	f.String("profile-name", "", "dbt profile name. Defaults to the project name")
	f.String("gcp-project", "", "GCP project (default from config)")
	f.String("dataset", "", "BigQuery dataset (default from config)")
	f.String("location", "", "BigQuery location (default from config)")
	f.String("keyfile", "", "Service account key file (default from config)")
	f.BoolVarP(&pipelineYes, "yes", "y", false, "Approve the model and test generation phases without asking")

	rootCmd.AddCommand(serveCmd, watchCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to watch (default from config)")
	watchCmd.Flags().BoolVar(&watchAuto, "auto-run", false, "Run the workflow for every uploaded mapping")

	rootCmd.AddCommand(toolsCmd)
	toolsCmd.AddCommand(toolsListCmd, toolsDocsCmd, toolsCallCmd)
	toolsCallCmd.Flags().StringVar(&toolParams, "params", "", "Arguments as a JSON object")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

// addArtifactFlags registers one flag per generator parameter.
func addArtifactFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("project", "", "Project name")
	f.String("mapping", "", "Mapping file path in the store")
	f.String("model", "", "Model name")
	f.String("fix", "", "Failure text the regenerated file must fix")
	f.String("profile-name", "", "dbt profile name")
	f.String("gcp-project", "", "GCP project (profiles)")
	f.String("dataset", "", "BigQuery dataset (profiles)")
	f.String("location", "", "BigQuery location (profiles)")
	f.String("keyfile", "", "Service account key file (profiles)")
	f.Int("threads", 1, "dbt threads (profiles)")
	f.Int("timeout-seconds", 300, "Query timeout in seconds (profiles)")
	f.String("name", "", "Snapshot or macro name")
	f.String("description", "", "What the macro does (macro)")
	f.String("source-table", "", "Source table (snapshot)")
	f.String("unique-key", "", "Unique key column (snapshot)")
	f.String("strategy", "", "check or timestamp (snapshot)")
	f.StringSlice("check-cols", nil, "Columns compared by the check strategy (snapshot)")
	f.String("updated-at", "", "Timestamp column (snapshot)")
	f.String("target-schema", "", "Snapshot target schema (snapshot)")
	f.String("plan", "", "Test plan path in the store (tests, report)")
	f.StringSlice("only", nil, "Test IDs to regenerate (tests)")
}

// setup loads the config, builds the logger and starts telemetry.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.HasParent() && cmd.Parent() == configCmd {
		// config subcommands must work with a broken file.
		return nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	processLogger = logging.New(logging.Config{
		Level:   lvl,
		LogDir:  cfg.Logging.Dir,
		Service: "dbtforge",
		JSON:    cfg.Logging.JSON,
	})
	log := processLogger.Slog()
	slog.SetDefault(log)

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry)
	if err != nil {
		log.Warn("Telemetry disabled", slog.String("error", err.Error()))
	} else {
		shutdownTelemetry = shutdown
	}

	current = newApp(cfg, log, ux.NewPrinter(os.Stdout))
	if echoDbt {
		current.echo = os.Stderr
	}
	return nil
}

// teardown closes what setup opened. It runs after every command,
// including failed ones, and is safe to call twice.
func teardown() {
	if current != nil {
		if err := current.Close(); err != nil {
			slog.Warn("Close failed", slog.String("error", err.Error()))
		}
		current = nil
	}
	if shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
		shutdownTelemetry = nil
	}
	if processLogger != nil {
		processLogger.Close()
		processLogger = nil
	}
}

// mustApp returns the app built by setup.
func mustApp() (*app, error) {
	if current == nil {
		return nil, fmt.Errorf("internal error: command ran without setup")
	}
	return current, nil
}
