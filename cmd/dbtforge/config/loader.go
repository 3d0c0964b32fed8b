// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig indicates a configuration that fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	validate = validator.New()
)

// DefaultPath returns ~/.dbtforge/dbtforge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".dbtforge", "dbtforge.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults on first
// run.
//
// Description:
//
//	The file is decoded over DefaultConfig so a partial file keeps the
//	defaults for every key it omits. Environment overrides are applied
//	after decoding, then the result is validated and ~ is expanded in
//	filesystem paths.
//
// Inputs:
//
//	path - The config file. Empty means DefaultPath().
//
// Outputs:
//
//	*ForgeConfig - The loaded configuration.
//	error - Read, parse or ErrInvalidConfig errors.
func Load(path string) (*ForgeConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "First run detected, creating the config at %s\n", path)
		if err := Write(path, DefaultConfig()); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies the environment and
// validates.
func Parse(data []byte) (*ForgeConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config file: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return &cfg, nil
}

// Write marshals cfg to path, creating the directory.
func Write(path string, cfg ForgeConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ApplyEnv applies environment overrides.
//
// DBTFORGE_BUCKET, DBTFORGE_AUTHOR and DBTFORGE_API_TOKEN replace the file's
// values. GOOGLE_CLOUD_PROJECT only fills project IDs the file left empty.
// Provider keys are read by the synthesizer section.
func (c *ForgeConfig) ApplyEnv() {
	if v := os.Getenv("DBTFORGE_BUCKET"); v != "" {
		c.Store.GCS.Bucket = v
	}
	if v := os.Getenv("DBTFORGE_AUTHOR"); v != "" {
		c.Author = v
	}
	if v := os.Getenv("DBTFORGE_API_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if gcp := os.Getenv("GOOGLE_CLOUD_PROJECT"); gcp != "" {
		for _, p := range []*string{&c.Profile.GCPProject, &c.Store.GCS.ProjectID, &c.Warehouse.BigQuery.ProjectID} {
			if *p == "" {
				*p = gcp
			}
		}
	}
	c.Synth.ApplyEnv()
}

// Validate checks the configuration, including the sections selected by
// the store backend and the warehouse switch.
func (c *ForgeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Store.Backend == BackendGCS {
		if err := validate.Struct(c.Store.GCS); err != nil {
			return fmt.Errorf("%w: store.gcs: %v", ErrInvalidConfig, err)
		}
	}
	if c.Store.Backend == BackendBadger && !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
		return fmt.Errorf("%w: store.badger.path is required", ErrInvalidConfig)
	}
	if c.Warehouse.Enabled {
		if err := validate.Struct(c.Warehouse.BigQuery); err != nil {
			return fmt.Errorf("%w: warehouse.bigquery: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *ForgeConfig) expandPaths() {
	for _, p := range []*string{&c.Store.Badger.Path, &c.Intake.Dir, &c.Logging.Dir, &c.Dbt.TempRoot, &c.Profile.Keyfile} {
		*p = ExpandPath(*p)
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
