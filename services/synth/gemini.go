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
	"strings"

	"google.golang.org/genai"
)

// GeminiSynthesizer calls Gemini through the Gen AI SDK, either the
// Gemini API (API key) or Vertex AI (project and location).
type GeminiSynthesizer struct {
	client      *genai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewGeminiSynthesizer creates a Gemini-backed synthesizer.
//
// Inputs:
//
//	ctx - Context for client construction.
//	cfg - Provider settings. Either APIKey or Project must be set.
//	logger - Logger. Nil uses slog.Default().
//
// Outputs:
//
//	*GeminiSynthesizer - Ready to use.
//	error - ErrMissingCredentials or a client construction error.
func NewGeminiSynthesizer(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiSynthesizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{}
	switch {
	case cfg.APIKey != "":
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	case cfg.Project != "":
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("%w: gemini needs an API key or a Vertex project", ErrMissingCredentials)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	logger.Info("Initialized Gemini synthesizer", slog.String("model", model))

	return &GeminiSynthesizer{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Synthesize implements Synthesizer.
func (g *GeminiSynthesizer) Synthesize(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts(parts); err != nil {
		return "", err
	}

	gparts := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			gparts = append(gparts, genai.NewPartFromText(p.Text))
		case PartTable:
			gparts = append(gparts, genai.NewPartFromText(RenderTable(p)))
		case PartImage:
			gparts = append(gparts, genai.NewPartFromBytes(p.Data, p.MIMEType))
		}
	}

	contents := []*genai.Content{genai.NewContentFromParts(gparts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(g.temperature)}

	g.logger.Debug("Generating content via Gemini",
		slog.String("model", g.model),
		slog.Int("parts", len(gparts)),
	)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: gemini: %v", ErrGenerationFailed, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
