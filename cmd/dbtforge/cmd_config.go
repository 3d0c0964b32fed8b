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
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dbtforge/cmd/dbtforge/config"
)

func resolvedConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	return config.DefaultPath()
}

func runConfigPath(cmd *cobra.Command, _ []string) error {
	p, err := resolvedConfigPath()
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	fmt.Fprintln(cmd.OutOrStdout(), p)
	return nil
}

// runConfigShow prints the effective configuration, with environment
// overrides applied and secrets omitted.
func runConfigShow(cmd *cobra.Command, _ []string) error {
	p, err := resolvedConfigPath()
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	cfg, err := config.Load(p)
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if jsonOutput {
		return OutputJSON(cmd.OutOrStdout(), cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	p, err := resolvedConfigPath()
	if err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	if _, err := os.Stat(p); err == nil && !configForce {
		return &ExitError{Code: CLIExitError, Err: fmt.Errorf("%s already exists; pass --force to overwrite", p)}
	}
	if err := config.Write(p, config.DefaultConfig()); err != nil {
		return &ExitError{Code: CLIExitError, Err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
	return nil
}
