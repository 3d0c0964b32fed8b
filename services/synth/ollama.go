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

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaSynthesizer runs generation against a local Ollama server through
// langchaingo.
type OllamaSynthesizer struct {
	llm         *ollama.LLM
	model       string
	temperature float64
	logger      *slog.Logger
}

// NewOllamaSynthesizer creates a local synthesizer. No network call is made
// until the first Synthesize.
func NewOllamaSynthesizer(cfg Config, logger *slog.Logger) (*OllamaSynthesizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Model
	if model == "" {
		model = "qwen2.5-coder:7b"
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	logger.Info("Initialized Ollama synthesizer", slog.String("model", model))

	return &OllamaSynthesizer{
		llm:         llm,
		model:       model,
		temperature: float64(cfg.Temperature),
		logger:      logger,
	}, nil
}

// Synthesize implements Synthesizer.
func (o *OllamaSynthesizer) Synthesize(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts(parts); err != nil {
		return "", err
	}

	text, _ := RenderText(parts)
	content := []llms.ContentPart{llms.TextContent{Text: text}}
	for _, p := range parts {
		if p.Kind == PartImage {
			content = append(content, llms.BinaryPart(p.MIMEType, p.Data))
		}
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, defaultSystemRole),
		{Role: llms.ChatMessageTypeHuman, Parts: content},
	}

	o.logger.Debug("Generating content via Ollama", slog.String("model", o.model))
	resp, err := o.llm.GenerateContent(ctx, messages, llms.WithTemperature(o.temperature))
	if err != nil {
		return "", fmt.Errorf("%w: ollama: %v", ErrGenerationFailed, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Choices[0].Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
