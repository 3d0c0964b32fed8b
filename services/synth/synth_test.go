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
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRenderText(t *testing.T) {
	parts := []Part{
		Text("Generate a model."),
		Table("Input CSV Content", []byte("a,b\n1,2")),
		Image([]byte{0x89, 0x50}, "image/png"),
	}

	got, hasImage := RenderText(parts)
	if !hasImage {
		t.Error("RenderText() hasImage = false, want true")
	}
	if !strings.HasPrefix(got, "Generate a model.\n") {
		t.Errorf("RenderText() should start with the text part: %q", got)
	}
	if !strings.Contains(got, "--- Input CSV Content ---\na,b\n1,2\n--- End Input CSV Content ---") {
		t.Errorf("RenderText() table block missing: %q", got)
	}
}

func TestValidateParts(t *testing.T) {
	if err := validateParts(nil); !errors.Is(err, ErrNoParts) {
		t.Errorf("validateParts(nil) = %v, want ErrNoParts", err)
	}
	if err := validateParts([]Part{{Kind: PartImage}}); err == nil {
		t.Error("validateParts(image without data) = nil, want error")
	}
	if err := validateParts([]Part{Text("x")}); err != nil {
		t.Errorf("validateParts(text) = %v", err)
	}
}

func TestLimited_CountsAndPassesThrough(t *testing.T) {
	inner := SynthesizerFunc(func(ctx context.Context, parts []Part) (string, error) {
		return "select 1", nil
	})
	l := NewLimited(inner, "fake", 0, 0)

	for i := 0; i < 3; i++ {
		out, err := l.Synthesize(context.Background(), []Part{Text("x")})
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if out != "select 1" {
			t.Errorf("Synthesize() = %q", out)
		}
	}
	if l.CallCount() != 3 {
		t.Errorf("CallCount() = %d, want 3", l.CallCount())
	}
}

func TestLimited_Timeout(t *testing.T) {
	inner := SynthesizerFunc(func(ctx context.Context, parts []Part) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	l := NewLimited(inner, "fake", 0, 10*time.Millisecond)

	_, err := l.Synthesize(context.Background(), []Part{Text("x")})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Synthesize() error = %v, want ErrTimeout", err)
	}
}

func TestLimited_RateLimiterHonoursCancel(t *testing.T) {
	inner := SynthesizerFunc(func(ctx context.Context, parts []Part) (string, error) {
		return "ok", nil
	})
	// One call per minute: the second call must wait and so sees the cancel.
	l := NewLimited(inner, "fake", 1, 0)
	if _, err := l.Synthesize(context.Background(), []Part{Text("x")}); err != nil {
		t.Fatalf("first Synthesize() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Synthesize(ctx, []Part{Text("x")}); err == nil {
		t.Error("second Synthesize() with cancelled context = nil error")
	}
	if l.CallCount() != 1 {
		t.Errorf("CallCount() = %d, want 1", l.CallCount())
	}
}

func TestNew_Errors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := New(context.Background(), Config{Provider: "palm"}, nil); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("New(palm) error = %v, want ErrUnknownProvider", err)
	}
	if _, err := New(context.Background(), Config{Provider: ProviderOpenAI}, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("New(openai without key) error = %v, want ErrMissingCredentials", err)
	}
}

func TestNew_OpenAIWithKey(t *testing.T) {
	l, err := New(context.Background(), Config{Provider: ProviderOpenAI, APIKey: "sk-test", Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("New(openai) error = %v", err)
	}
	if l.CallCount() != 0 {
		t.Errorf("CallCount() = %d, want 0", l.CallCount())
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("GOOGLE_CLOUD_PROJECT", "proj")

	cfg := Config{Provider: ProviderGemini}
	cfg.ApplyEnv()
	if cfg.APIKey != "g-key" {
		t.Errorf("APIKey = %q, want g-key", cfg.APIKey)
	}
	if cfg.Project != "proj" {
		t.Errorf("Project = %q, want proj", cfg.Project)
	}
}
