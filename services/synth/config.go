// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects and configures a synthesizer backend.
type Config struct {
	// Provider is "gemini", "openai", or "ollama".
	Provider string `yaml:"provider" validate:"required,oneof=gemini openai ollama"`

	// Model is the provider model name. Empty picks a provider default.
	Model string `yaml:"model"`

	// APIKey for Gemini API or OpenAI. Usually supplied by environment.
	APIKey string `yaml:"-"`

	// Project and Location select Vertex AI for Gemini when APIKey is empty.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`

	// BaseURL overrides the OpenAI endpoint or the Ollama server.
	BaseURL string `yaml:"base_url"`

	// Temperature is passed to the model. Default 0 for repeatable output.
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`

	// RequestsPerMinute caps outbound calls. Zero disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" validate:"gte=0"`

	// Timeout bounds each call. Zero means no extra bound.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Gemini configuration with a two minute timeout.
func DefaultConfig() Config {
	return Config{
		Provider:          ProviderGemini,
		Location:          "us-central1",
		RequestsPerMinute: 30,
		Timeout:           2 * time.Minute,
	}
}

// ApplyEnv fills credentials and endpoints from the environment when the
// config leaves them empty.
func (c *Config) ApplyEnv() {
	switch c.Provider {
	case ProviderGemini:
		if c.APIKey == "" {
			c.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		}
		if c.Project == "" {
			c.Project = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
	case ProviderOpenAI:
		if c.APIKey == "" {
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if c.Model == "" {
			c.Model = os.Getenv("OPENAI_MODEL")
		}
	case ProviderOllama:
		if c.BaseURL == "" {
			c.BaseURL = os.Getenv("OLLAMA_HOST")
		}
	}
}

// New builds the configured synthesizer wrapped in rate limiting and the
// per-call timeout.
//
// Inputs:
//
//	ctx - Context for client construction.
//	cfg - Provider configuration. Credentials are read from env if empty.
//	logger - Logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Limited - The wrapped synthesizer.
//	error - ErrUnknownProvider, ErrMissingCredentials, or a client error.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Limited, error) {
	cfg.ApplyEnv()

	var inner Synthesizer
	var err error
	switch cfg.Provider {
	case ProviderGemini:
		inner, err = NewGeminiSynthesizer(ctx, cfg, logger)
	case ProviderOpenAI:
		inner, err = NewOpenAISynthesizer(cfg, logger)
	case ProviderOllama:
		inner, err = NewOllamaSynthesizer(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(inner, cfg.Provider, cfg.RequestsPerMinute, cfg.Timeout), nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
