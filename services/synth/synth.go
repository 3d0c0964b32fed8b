// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth wraps hosted and local language models behind one call:
// an ordered list of instruction parts in, generated text out.
//
// There are no retries and no streaming. A generator issues exactly one
// Synthesize call per attempt; retry policy belongs to the engine.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoParts indicates Synthesize was called with nothing to say.
	ErrNoParts = errors.New("synthesizer called with no instruction parts")

	// ErrEmptyResponse indicates the model returned no text.
	ErrEmptyResponse = errors.New("synthesizer returned an empty response")

	// ErrGenerationFailed wraps provider errors.
	ErrGenerationFailed = errors.New("content generation failed")

	// ErrUnknownProvider indicates an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown synthesizer provider")

	// ErrMissingCredentials indicates no API key or project was configured.
	ErrMissingCredentials = errors.New("synthesizer credentials not configured")
)

// =============================================================================
// PARTS
// =============================================================================

// PartKind identifies the payload carried by a Part.
type PartKind int

const (
	// PartText is plain instruction text.
	PartText PartKind = iota

	// PartTable is tabular data (CSV) embedded between labelled delimiters.
	PartTable

	// PartImage is an image of a mapping sheet.
	PartImage
)

// String returns the kind name.
func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartTable:
		return "table"
	case PartImage:
		return "image"
	default:
		return "unknown"
	}
}

// Part is one element of an instruction.
type Part struct {
	Kind PartKind

	// Text holds PartText content.
	Text string

	// Label names a PartTable payload in the rendered instruction.
	Label string

	// Data holds PartTable CSV bytes or PartImage bytes.
	Data []byte

	// MIMEType is required for PartImage.
	MIMEType string
}

// Text builds a text part.
func Text(s string) Part {
	return Part{Kind: PartText, Text: s}
}

// Table builds a tabular part labelled for the model.
func Table(label string, csv []byte) Part {
	return Part{Kind: PartTable, Label: label, Data: csv}
}

// Image builds an image part.
func Image(data []byte, mimeType string) Part {
	return Part{Kind: PartImage, Data: data, MIMEType: mimeType}
}

// Synthesizer produces text from an ordered instruction.
type Synthesizer interface {
	// Synthesize issues one generation call.
	//
	// Returns ErrEmptyResponse when the model produced no text and wraps
	// provider failures with ErrGenerationFailed.
	Synthesize(ctx context.Context, parts []Part) (string, error)
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, parts []Part) (string, error)

// Synthesize implements Synthesizer.
func (f SynthesizerFunc) Synthesize(ctx context.Context, parts []Part) (string, error) {
	return f(ctx, parts)
}

// RenderTable renders a PartTable as delimited text.
func RenderTable(p Part) string {
	label := p.Label
	if label == "" {
		label = "Input CSV Content"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n--- %s ---\n", label)
	sb.Write(p.Data)
	if len(p.Data) > 0 && p.Data[len(p.Data)-1] != '\n' {
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "--- End %s ---\n", label)
	return sb.String()
}

// RenderText flattens text and table parts into one prompt string.
// Image parts are skipped; the second return reports whether any were present.
func RenderText(parts []Part) (string, bool) {
	var sb strings.Builder
	hasImage := false
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			sb.WriteString(p.Text)
			sb.WriteByte('\n')
		case PartTable:
			sb.WriteString(RenderTable(p))
		case PartImage:
			hasImage = true
		}
	}
	return sb.String(), hasImage
}

func validateParts(parts []Part) error {
	if len(parts) == 0 {
		return ErrNoParts
	}
	for i, p := range parts {
		if p.Kind == PartImage && (len(p.Data) == 0 || p.MIMEType == "") {
			return fmt.Errorf("part %d: image requires data and a MIME type", i)
		}
	}
	return nil
}
