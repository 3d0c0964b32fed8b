// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/dbtforge/services/store"
)

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case dbt left children holding them open.
const waitDelay = 5 * time.Second

// =============================================================================
// CONFIG
// =============================================================================

// Config configures the adapter.
type Config struct {
	// Binary is the dbt executable. Resolved through PATH when not absolute.
	Binary string `yaml:"binary"`

	// Timeout bounds one invocation, including materialization.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes caps each of stdout and stderr.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// TempRoot is the parent directory for materialized projects.
	// Empty means os.TempDir().
	TempRoot string `yaml:"temp_root"`

	// Parallelism bounds concurrent downloads during materialization.
	Parallelism int `yaml:"parallelism"`

	// Env is appended to the process environment, as KEY=VALUE.
	Env []string `yaml:"env"`
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		Binary:         "dbt",
		Timeout:        10 * time.Minute,
		MaxOutputBytes: 256 * 1024,
		Parallelism:    8,
	}
}

// =============================================================================
// ADAPTER
// =============================================================================

// Invoker runs a dbt command against a stored project.
type Invoker interface {
	Invoke(ctx context.Context, project string, cmd Command, extra ...string) (*Result, error)
}

// Adapter materializes a project and runs the dbt CLI against it.
//
// Thread Safety: Safe for concurrent use. Each invocation materializes into
// its own directory and runs its own process.
type Adapter struct {
	cfg          Config
	materializer *Materializer
	echo         io.Writer
	logger       *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithEcho copies dbt's output to w while it runs, e.g. os.Stderr for a
// verbose CLI. The capture detaches from w when the invocation ends.
func WithEcho(w io.Writer) AdapterOption {
	return func(a *Adapter) {
		a.echo = w
	}
}

// NewAdapter creates an adapter reading projects from st.
//
// Inputs:
//
//	st - The artifact store holding projects.
//	cfg - Adapter configuration. Zero fields take DefaultConfig values.
//	logger - Logger for structured logging. Nil uses slog.Default().
//	opts - Optional settings.
func NewAdapter(st store.Store, cfg Config, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	a := &Adapter{
		cfg:          cfg,
		materializer: NewMaterializer(st, cfg.TempRoot, cfg.Parallelism, logger),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Invoke materializes project and runs `dbt <cmd>` against it.
//
// Description:
//
//	Downloads a fresh copy of the project, runs the command with
//	--project-dir and --profiles-dir both pointing at the copy, and reads
//	per-test results for test-running commands. The local copy is removed
//	before Invoke returns on every path.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	project - The project name.
//	cmd - The dbt subcommand.
//	extra - Additional arguments, e.g. "--select", "orders".
//
// Outputs:
//
//	*Result - Always non-nil when error is nil. Setup defects set
//	          Structural; dbt failures leave Success false.
//	error - Non-nil only for invalid input.
//
// Thread Safety: Safe for concurrent use.
func (a *Adapter) Invoke(ctx context.Context, project string, cmd Command, extra ...string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if !commands[cmd] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd)
	}
	if strings.TrimSpace(project) == "" {
		return nil, ErrEmptyProject
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	ws, err := a.materializer.Materialize(ctx, project)
	if err != nil {
		a.logger.Warn("Materialization failed",
			slog.String("project", project),
			slog.String("command", cmd.String()),
			slog.String("error", err.Error()),
		)
		res := structuralResult(cmd, err)
		res.Duration = time.Since(start)
		return res, nil
	}
	defer ws.Close()

	res := a.execute(ctx, ws, cmd, extra)
	res.Files = len(ws.Files)
	res.Duration = time.Since(start)

	if cmd.RunsTests() && !res.Structural {
		raw, _ := os.ReadFile(filepath.Join(ws.Root, filepath.FromSlash(RunResultsPath)))
		res.Units = collectUnits(raw, res.Stdout)
	}

	a.logger.Info("dbt command completed",
		slog.String("project", project),
		slog.String("command", cmd.String()),
		slog.Bool("success", res.Success),
		slog.Bool("structural", res.Structural),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("units", len(res.Units)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// execute runs the binary inside ws and captures its output.
func (a *Adapter) execute(ctx context.Context, ws *Workspace, cmd Command, extra []string) *Result {
	args := append([]string{cmd.String(), "--project-dir", ws.Root, "--profiles-dir", ws.Root}, extra...)
	res := &Result{Command: cmd, Args: args}

	c := exec.CommandContext(ctx, a.cfg.Binary, args...)
	c.Dir = ws.Root
	c.Env = append(os.Environ(), a.cfg.Env...)
	c.WaitDelay = waitDelay

	capture := newCapture(a.cfg.MaxOutputBytes, a.echo)
	c.Stdout = capture.stdout
	c.Stderr = capture.stderr

	a.logger.Debug("Executing dbt",
		slog.String("binary", a.cfg.Binary),
		slog.Any("args", args),
		slog.Duration("timeout", a.cfg.Timeout),
	)

	err := c.Run()
	res.Stdout, res.Stderr, res.Truncated = capture.Close()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Structural = true
		res.ExitCode = -1
		res.Cause = ErrTimeout
		res.Exception = fmt.Sprintf("%v after %s", ErrTimeout, a.cfg.Timeout)
		return res
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Exception = fmt.Sprintf("dbt %s exited with status %d", cmd, res.ExitCode)
			return res
		}
		res.ExitCode = -1
		res.Structural = true
		res.Cause = fmt.Errorf("%w: %v", ErrInvocation, err)
		res.Exception = res.Cause.Error()
		return res
	}

	res.Success = true
	return res
}

// =============================================================================
// CAPTURE
// =============================================================================

// capture owns the output buffers of one invocation. While open it also
// copies output to an optional echo sink; Close detaches the sink and
// returns what was captured.
type capture struct {
	mu     sync.Mutex
	out    bytes.Buffer
	err    bytes.Buffer
	stdout *limitedWriter
	stderr *limitedWriter
	echo   io.Writer
	closed bool
}

func newCapture(limit int, echo io.Writer) *capture {
	c := &capture{echo: echo}
	c.stdout = &limitedWriter{w: &c.out, limit: limit, sink: c}
	c.stderr = &limitedWriter{w: &c.err, limit: limit, sink: c}
	return c
}

func (c *capture) forward(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.echo == nil {
		return
	}
	c.echo.Write(p)
}

// Close stops echoing and returns stdout, stderr and whether either was truncated.
func (c *capture) Close() (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.echo = nil
	return c.out.String(), c.err.String(), c.stdout.truncated || c.stderr.truncated
}

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
	sink      *capture
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.sink != nil {
		lw.sink.forward(p)
	}
	if lw.written >= lw.limit {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += written
	return n, err
}
