// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the dbtforge YAML configuration.
package config

import (
	"time"

	"github.com/AleutianAI/dbtforge/pkg/telemetry"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/store"
	"github.com/AleutianAI/dbtforge/services/synth"
	"github.com/AleutianAI/dbtforge/services/warehouse"
)

// Store backends.
const (
	BackendGCS    = "gcs"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// ForgeConfig is the top-level configuration file.
type ForgeConfig struct {
	// Author is written into every artifact's provenance metadata.
	Author string `yaml:"author"`

	Store     StoreConfig      `yaml:"store"`
	Synth     synth.Config     `yaml:"synth"`
	Warehouse WarehouseConfig  `yaml:"warehouse"`
	Dbt       dbt.Config       `yaml:"dbt"`
	Engine    EngineConfig     `yaml:"engine"`
	Profile   ProfileDefaults  `yaml:"profile"`
	Server    ServerConfig     `yaml:"server"`
	Deploy    DeployConfig     `yaml:"deploy"`
	Intake    IntakeConfig     `yaml:"intake"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=gcs badger memory"`

	// GCS is used when Backend is "gcs".
	GCS store.GCSConfig `yaml:"gcs" validate:"-"`

	// Badger is used when Backend is "badger".
	Badger store.BadgerConfig `yaml:"badger" validate:"-"`
}

// WarehouseConfig enables the BigQuery source inspector.
type WarehouseConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	BigQuery warehouse.BigQueryConfig `yaml:"bigquery" validate:"-"`
}

// EngineConfig tunes the validation engine. The attempt budget is fixed.
type EngineConfig struct {
	WarningRetryBuild  bool          `yaml:"warning_retry_build"`
	WarningRetryTest   bool          `yaml:"warning_retry_test"`
	InvocationTimeout  time.Duration `yaml:"invocation_timeout"`
	SynthesizerTimeout time.Duration `yaml:"synthesizer_timeout"`
	TotalTimeout       time.Duration `yaml:"total_timeout"`
	MaxOutputBytes     int           `yaml:"max_output_bytes" validate:"gte=0"`
}

// Options converts the section into engine options.
func (e EngineConfig) Options() []engine.Option {
	return []engine.Option{
		engine.WithWarningRetry(e.WarningRetryBuild, e.WarningRetryTest),
		engine.WithInvocationTimeout(e.InvocationTimeout),
		engine.WithSynthesizerTimeout(e.SynthesizerTimeout),
		engine.WithTotalTimeout(e.TotalTimeout),
		engine.WithMaxOutputBytes(e.MaxOutputBytes),
	}
}

// ProfileDefaults fill connection parameters the user did not pass.
type ProfileDefaults struct {
	GCPProject string `yaml:"gcp_project"`
	Dataset    string `yaml:"dataset"`
	Location   string `yaml:"location"`
	Keyfile    string `yaml:"keyfile"`
}

// ServerConfig configures "dbtforge serve".
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// AuthToken comes from DBTFORGE_API_TOKEN and is never written to disk.
	AuthToken string `yaml:"-"`
}

// DeployConfig names the deployment destination for deploy_project.
type DeployConfig struct {
	// Bucket is a GCS bucket. Empty deploys inside the artifact store.
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Parallelism int    `yaml:"parallelism" validate:"gte=0"`
}

// IntakeConfig configures "dbtforge watch".
type IntakeConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`

	// AutoRun starts the workflow for every uploaded mapping.
	AutoRun bool `yaml:"auto_run"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() ForgeConfig {
	ec := engine.DefaultConfig()
	return ForgeConfig{
		Author: "dbtforge",
		Store: StoreConfig{
			Backend: BackendBadger,
			Badger:  store.DefaultBadgerConfig("~/.dbtforge/store"),
		},
		Synth: synth.DefaultConfig(),
		Dbt:   dbt.DefaultConfig(),
		Engine: EngineConfig{
			WarningRetryBuild:  ec.WarningRetryBuild,
			WarningRetryTest:   ec.WarningRetryTest,
			InvocationTimeout:  ec.InvocationTimeout,
			SynthesizerTimeout: ec.SynthesizerTimeout,
			TotalTimeout:       ec.TotalTimeout,
			MaxOutputBytes:     ec.MaxOutputBytes,
		},
		Profile: ProfileDefaults{Location: "US"},
		Server:  ServerConfig{Addr: "127.0.0.1:8088"},
		Deploy:  DeployConfig{Prefix: "deployments", Parallelism: 4},
		Intake: IntakeConfig{
			Dir:      "~/.dbtforge/inbox",
			Debounce: 500 * time.Millisecond,
		},
		Logging:   LoggingConfig{Level: "info", Dir: "~/.dbtforge/logs"},
		Telemetry: telemetry.DefaultConfig(),
	}
}
