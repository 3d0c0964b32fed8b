// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultMaxAttempts is the attempt budget per session.
const DefaultMaxAttempts = 3

// Config configures the validation engine.
type Config struct {
	// MaxAttempts is the number of dbt invocations per session.
	// Clamped to [1, DefaultMaxAttempts].
	// Default: 3
	MaxAttempts int

	// WarningRetryBuild regenerates after a successful build whose output
	// carries a warning marker.
	// Default: true
	WarningRetryBuild bool

	// WarningRetryTest does the same for the test phase.
	// Default: false
	WarningRetryTest bool

	// InvocationTimeout bounds one dbt invocation.
	// Default: 10m
	InvocationTimeout time.Duration

	// SynthesizerTimeout bounds one generator call.
	// Default: 2m
	SynthesizerTimeout time.Duration

	// TotalTimeout bounds the whole session.
	// Default: 30m
	TotalTimeout time.Duration

	// MaxOutputBytes caps the output kept on intermediate attempt records.
	// The final attempt's output is never truncated.
	// Default: 262144 (256KB)
	MaxOutputBytes int

	// adjusted is what NewConfig's Validate call clamped, for NewEngine to log.
	adjusted error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:        DefaultMaxAttempts,
		WarningRetryBuild:  true,
		WarningRetryTest:   false,
		InvocationTimeout:  10 * time.Minute,
		SynthesizerTimeout: 2 * time.Minute,
		TotalTimeout:       30 * time.Minute,
		MaxOutputBytes:     256 * 1024,
	}
}

// Validate clamps out-of-range values.
//
// Outputs:
//
//	error - nil when every value was in range, otherwise an error wrapping
//	        ErrConfigClamped per adjusted field. The config is usable either way.
func (c *Config) Validate() error {
	var errs []error
	clamp := func(field string, from, to any) {
		errs = append(errs, fmt.Errorf("%w: %s %v -> %v", ErrConfigClamped, field, from, to))
	}
	if c.MaxAttempts < 1 {
		clamp("max_attempts", c.MaxAttempts, 1)
		c.MaxAttempts = 1
	}
	if c.MaxAttempts > DefaultMaxAttempts {
		clamp("max_attempts", c.MaxAttempts, DefaultMaxAttempts)
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InvocationTimeout < time.Second {
		clamp("invocation_timeout", c.InvocationTimeout, time.Second)
		c.InvocationTimeout = time.Second
	}
	if c.SynthesizerTimeout < time.Second {
		clamp("synthesizer_timeout", c.SynthesizerTimeout, time.Second)
		c.SynthesizerTimeout = time.Second
	}
	if c.TotalTimeout < c.InvocationTimeout {
		total := c.InvocationTimeout * time.Duration(c.MaxAttempts)
		clamp("total_timeout", c.TotalTimeout, total)
		c.TotalTimeout = total
	}
	if c.MaxOutputBytes < 1024 {
		clamp("max_output_bytes", c.MaxOutputBytes, 1024)
		c.MaxOutputBytes = 1024
	}
	return errors.Join(errs...)
}

// WarningRetry reports whether a warning in successful output is retried
// for the phase.
func (c *Config) WarningRetry(p Phase) bool {
	if p == PhaseTest {
		return c.WarningRetryTest
	}
	return c.WarningRetryBuild
}

// =============================================================================
// FUNCTIONAL OPTIONS
// =============================================================================

// Option is a functional option for configuring the engine.
type Option func(*Config)

// WithMaxAttempts lowers the attempt budget. Values above
// DefaultMaxAttempts are clamped.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithWarningRetry sets the warning policy for both phases.
func WithWarningRetry(build, test bool) Option {
	return func(c *Config) {
		c.WarningRetryBuild = build
		c.WarningRetryTest = test
	}
}

// WithInvocationTimeout sets the per-invocation timeout.
func WithInvocationTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.InvocationTimeout = d
	}
}

// WithSynthesizerTimeout sets the per-generation timeout.
func WithSynthesizerTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.SynthesizerTimeout = d
	}
}

// WithTotalTimeout sets the session timeout.
func WithTotalTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.TotalTimeout = d
	}
}

// WithMaxOutputBytes sets the intermediate output cap.
func WithMaxOutputBytes(n int) Option {
	return func(c *Config) {
		c.MaxOutputBytes = n
	}
}

// NewConfig creates a config with the given options.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	cfg.adjusted = cfg.Validate()
	return cfg
}
