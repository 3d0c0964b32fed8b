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
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultSystemRole = "You are a data engineer with expertise in the dbt framework."

// OpenAISynthesizer calls an OpenAI-compatible chat completion endpoint.
type OpenAISynthesizer struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewOpenAISynthesizer creates an OpenAI-backed synthesizer.
//
// BaseURL, when set, points the client at an OpenAI-compatible server.
func NewOpenAISynthesizer(cfg Config, logger *slog.Logger) (*OpenAISynthesizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY is not set", ErrMissingCredentials)
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
		logger.Warn("OpenAI model not set, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logger.Info("Initialized OpenAI synthesizer", slog.String("model", model))

	return &OpenAISynthesizer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Synthesize implements Synthesizer.
//
// Images are sent as base64 data URLs alongside the text parts.
func (o *OpenAISynthesizer) Synthesize(ctx context.Context, parts []Part) (string, error) {
	if err := validateParts(parts); err != nil {
		return "", err
	}

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	text, hasImage := RenderText(parts)
	if hasImage {
		user.MultiContent = []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
		for _, p := range parts {
			if p.Kind != PartImage {
				continue
			}
			url := "data:" + p.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(p.Data)
			user.MultiContent = append(user.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh},
			})
		}
	} else {
		user.Content = text
	}

	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: o.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: defaultSystemRole},
			user,
		},
	}

	o.logger.Debug("Generating content via OpenAI", slog.String("model", o.model))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: openai: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
