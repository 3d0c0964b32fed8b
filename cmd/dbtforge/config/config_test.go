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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DBTFORGE_BUCKET", "DBTFORGE_AUTHOR", "DBTFORGE_API_TOKEN", "GOOGLE_CLOUD_PROJECT",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY", "OPENAI_MODEL", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_CreatesDefault verifies first-run creation in a nested directory.
func TestLoad_CreatesDefault(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "deep", "nested", "dbtforge.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}
	if cfg.Store.Backend != BackendBadger {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, BackendBadger)
	}
	if strings.HasPrefix(cfg.Store.Badger.Path, "~") {
		t.Errorf("Badger.Path = %q, want ~ expanded", cfg.Store.Badger.Path)
	}
	if cfg.Engine.InvocationTimeout != 10*time.Minute {
		t.Errorf("Engine.InvocationTimeout = %v", cfg.Engine.InvocationTimeout)
	}
}

// TestWrite_RoundTrip verifies durations and nested sections survive YAML.
func TestWrite_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbtforge.yaml")
	if err := Write(path, DefaultConfig()); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var got ForgeConfig
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("failed to parse written config: %v", err)
	}
	want := DefaultConfig()
	if got.Intake.Debounce != want.Intake.Debounce {
		t.Errorf("Intake.Debounce = %v, want %v", got.Intake.Debounce, want.Intake.Debounce)
	}
	if got.Synth.Provider != want.Synth.Provider {
		t.Errorf("Synth.Provider = %q, want %q", got.Synth.Provider, want.Synth.Provider)
	}
	if got.Deploy.Prefix != "deployments" {
		t.Errorf("Deploy.Prefix = %q", got.Deploy.Prefix)
	}
}

func TestWrite_OmitsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Synth.APIKey = "key-123"
	cfg.Server.AuthToken = "token-456"

	path := filepath.Join(t.TempDir(), "dbtforge.yaml")
	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	for _, secret := range []string{"key-123", "token-456"} {
		if strings.Contains(string(data), secret) {
			t.Errorf("written config contains %q", secret)
		}
	}
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]byte("author: ana\nstore:\n  backend: memory\nengine:\n  warning_retry_test: true\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Author != "ana" || cfg.Store.Backend != BackendMemory {
		t.Errorf("Author = %q, Backend = %q", cfg.Author, cfg.Store.Backend)
	}
	if !cfg.Engine.WarningRetryBuild || !cfg.Engine.WarningRetryTest {
		t.Errorf("warning retry = %v/%v, want true/true", cfg.Engine.WarningRetryBuild, cfg.Engine.WarningRetryTest)
	}
	if cfg.Server.Addr != "127.0.0.1:8088" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Engine.Options()) != 5 {
		t.Errorf("Engine.Options() = %d options", len(cfg.Engine.Options()))
	}
}

func TestParse_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: s3\n"},
		{"gcs without bucket", "store:\n  backend: gcs\n"},
		{"badger without path", "store:\n  backend: badger\n  badger:\n    path: \"\"\n"},
		{"unknown provider", "synth:\n  provider: claude\n"},
		{"warehouse without project", "warehouse:\n  enabled: true\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"empty addr", "server:\n  addr: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Parse() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	t.Run("malformed yaml", func(t *testing.T) {
		if _, err := Parse([]byte("store: [")); err == nil || errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Parse() error = %v, want a parse error", err)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DBTFORGE_BUCKET", "forge-artifacts")
	t.Setenv("DBTFORGE_AUTHOR", "ci")
	t.Setenv("DBTFORGE_API_TOKEN", "s3cret")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "env-project")
	t.Setenv("GEMINI_API_KEY", "gem")

	cfg, err := Parse([]byte("store:\n  backend: gcs\nprofile:\n  gcp_project: file-project\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Store.GCS.Bucket != "forge-artifacts" || cfg.Author != "ci" || cfg.Server.AuthToken != "s3cret" {
		t.Errorf("overrides not applied: bucket=%q author=%q token=%q", cfg.Store.GCS.Bucket, cfg.Author, cfg.Server.AuthToken)
	}
	if cfg.Profile.GCPProject != "file-project" {
		t.Errorf("Profile.GCPProject = %q, want the file value", cfg.Profile.GCPProject)
	}
	if cfg.Store.GCS.ProjectID != "env-project" || cfg.Warehouse.BigQuery.ProjectID != "env-project" {
		t.Errorf("project ids = %q/%q, want env-project", cfg.Store.GCS.ProjectID, cfg.Warehouse.BigQuery.ProjectID)
	}
	if cfg.Synth.APIKey != "gem" {
		t.Errorf("Synth.APIKey = %q, want gem", cfg.Synth.APIKey)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := map[string]string{
		"~":            home,
		"~/x/y":        filepath.Join(home, "x", "y"),
		"/abs":         "/abs",
		"rel/~":        "rel/~",
		"~other/place": "~other/place",
	}
	for in, want := range tests {
		if got := ExpandPath(in); got != want {
			t.Errorf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
}
