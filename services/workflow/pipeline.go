// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow drives a project from an uploaded mapping to a validated
// model and a test report.
//
// The phases run in a fixed order: profiles, config, schema, model, build
// validation, test plan, test code, test validation, report. A failed phase
// stops the run; the report still runs after a failed test validation so
// data failures are written down. Gated phases ask a Confirmer first.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/generate"
)

var tracer = otel.Tracer("dbtforge.workflow")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Validator runs a validation session. *engine.Engine satisfies it.
type Validator interface {
	Validate(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Confirmer approves gated phases.
type Confirmer interface {
	Confirm(ctx context.Context, wctx *Context, phase Phase) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, wctx *Context, phase Phase) (bool, error)

// Confirm calls f.
func (f ConfirmerFunc) Confirm(ctx context.Context, wctx *Context, phase Phase) (bool, error) {
	return f(ctx, wctx, phase)
}

// AutoConfirm approves every phase.
var AutoConfirm = ConfirmerFunc(func(context.Context, *Context, Phase) (bool, error) {
	return true, nil
})

// gated lists the phases that ask for confirmation before running.
var gated = map[Phase]bool{
	PhaseModel:    true,
	PhaseTestCode: true,
}

// IsGated reports whether a phase asks for confirmation.
func IsGated(p Phase) bool {
	return gated[p]
}

// =============================================================================
// PIPELINE
// =============================================================================

// Result is the outcome of a workflow run.
type Result struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Success   bool   `json:"success"`

	// FailedPhase is the first phase that failed or was declined.
	FailedPhase Phase `json:"failed_phase,omitempty"`

	// ReportPath is the test report written by the run, if any.
	ReportPath string `json:"report_path,omitempty"`

	Phases   []PhaseOutput `json:"phases"`
	Duration time.Duration `json:"duration"`
}

// Phase returns the output of one phase.
func (r *Result) Phase(p Phase) (PhaseOutput, bool) {
	for _, out := range r.Phases {
		if out.Phase == p {
			return out, true
		}
	}
	return PhaseOutput{}, false
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfirmer sets the confirmer for gated phases. Default: AutoConfirm.
func WithConfirmer(c Confirmer) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.confirm = c
		}
	}
}

// WithProgress registers a callback invoked after every phase.
func WithProgress(fn func(PhaseOutput)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline runs the workflow phases.
//
// Thread Safety: Safe for concurrent use with distinct Contexts.
type Pipeline struct {
	gen      engine.Generator
	val      Validator
	confirm  Confirmer
	progress func(PhaseOutput)
	logger   *slog.Logger
}

// NewPipeline creates a pipeline.
//
// Inputs:
//
//	gen - Generates artifacts.
//	val - Validates the build and the tests.
//	opts - Options.
//
// Outputs:
//
//	*Pipeline - The pipeline.
func NewPipeline(gen engine.Generator, val Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		gen:     gen,
		val:     val,
		confirm: AutoConfirm,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type phaseFunc func(p *Pipeline, ctx context.Context, wctx *Context, out *PhaseOutput)

var phaseHandlers = map[Phase]phaseFunc{
	PhaseProfiles:     (*Pipeline).runProfiles,
	PhaseConfig:       (*Pipeline).runConfig,
	PhaseSchema:       (*Pipeline).runSchema,
	PhaseModel:        (*Pipeline).runModel,
	PhaseBuild:        (*Pipeline).runBuild,
	PhaseTestPlan:     (*Pipeline).runTestPlan,
	PhaseTestCode:     (*Pipeline).runTestCode,
	PhaseTestValidate: (*Pipeline).runTestValidate,
	PhaseReport:       (*Pipeline).runReport,
}

// Run executes every phase in order.
//
// Description:
//
//	Prepares the context, then runs the phases one at a time. After a
//	failure or a declined confirmation the remaining phases are recorded
//	as skipped, except the report after a failed test validation. Every
//	phase output is recorded in wctx.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	wctx - The workflow context. Updated in place.
//
// Outputs:
//
//	*Result - The run summary. Non-nil whenever err is nil.
//	error - ErrNilContext, ErrInvalidContext, or the context's error when
//	        the run was cancelled.
func (p *Pipeline) Run(ctx context.Context, wctx *Context) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if wctx == nil {
		return nil, fmt.Errorf("%w: nil context", ErrInvalidContext)
	}
	if err := wctx.Prepare(); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("forge.session_id", wctx.SessionID),
		attribute.String("forge.project", wctx.Project),
	))
	defer span.End()

	p.logger.Info("Starting workflow",
		slog.String("session_id", wctx.SessionID),
		slog.String("project", wctx.Project),
		slog.String("model", wctx.ModelName),
		slog.String("user", wctx.User),
	)

	res := &Result{SessionID: wctx.SessionID, Project: wctx.Project}
	var runErr error

	for _, phase := range Phases() {
		if res.FailedPhase != "" && !(phase == PhaseReport && reportsFailure(wctx, res.FailedPhase)) {
			p.finish(wctx, &PhaseOutput{Phase: phase, Status: StatusSkipped,
				Message: fmt.Sprintf("skipped after %s", res.FailedPhase)})
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			out := &PhaseOutput{Phase: phase, Status: StatusFailed, Message: err.Error()}
			p.finish(wctx, out)
			if res.FailedPhase == "" {
				res.FailedPhase = phase
			}
			continue
		}

		out := p.runPhase(ctx, wctx, phase)
		p.finish(wctx, out)
		if out.Status != StatusSucceeded && res.FailedPhase == "" {
			res.FailedPhase = phase
		}
		if phase == PhaseReport && out.Status == StatusSucceeded && len(out.Paths) > 0 {
			res.ReportPath = out.Paths[0]
		}
	}

	res.Phases = wctx.PhaseOutputs()
	res.Success = res.FailedPhase == ""
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Bool("forge.success", res.Success),
		attribute.String("forge.failed_phase", string(res.FailedPhase)),
	)
	if !res.Success {
		span.SetStatus(codes.Error, "workflow failed at "+string(res.FailedPhase))
	}

	p.logger.Info("Workflow complete",
		slog.String("session_id", wctx.SessionID),
		slog.Bool("success", res.Success),
		slog.String("failed_phase", string(res.FailedPhase)),
		slog.Duration("duration", res.Duration),
	)
	return res, runErr
}

// reportsFailure reports whether the report phase still runs after failed.
// Only a test validation that executed tests has results worth reporting; a
// structural failure never ran them.
func reportsFailure(wctx *Context, failed Phase) bool {
	if failed != PhaseTestValidate {
		return false
	}
	out, ok := wctx.Output(PhaseTestValidate)
	return ok && out.Validation != nil && out.Validation.Reason != engine.ReasonStructural
}

// runPhase confirms a gated phase and runs its handler.
func (p *Pipeline) runPhase(ctx context.Context, wctx *Context, phase Phase) *PhaseOutput {
	out := &PhaseOutput{Phase: phase}
	start := time.Now()
	defer func() { out.Duration = time.Since(start) }()

	if gated[phase] {
		ok, err := p.confirm.Confirm(ctx, wctx, phase)
		if err != nil {
			out.Status = StatusFailed
			out.Message = fmt.Sprintf("confirmation failed: %v", err)
			return out
		}
		if !ok {
			out.Status = StatusDeclined
			out.Message = fmt.Sprintf("%v: %s", ErrDeclined, phase)
			return out
		}
	}

	phaseHandlers[phase](p, ctx, wctx, out)
	return out
}

func (p *Pipeline) finish(wctx *Context, out *PhaseOutput) {
	wctx.Record(out)
	p.logger.Info("Workflow phase finished",
		slog.String("session_id", wctx.SessionID),
		slog.String("phase", out.Phase.String()),
		slog.String("status", string(out.Status)),
		slog.String("message", out.Message),
	)
	if p.progress != nil {
		p.progress(*out)
	}
}

// =============================================================================
// PHASE HANDLERS
// =============================================================================

func (p *Pipeline) generate(ctx context.Context, wctx *Context, params generate.Params, out *PhaseOutput) *generate.Result {
	res, err := p.gen.Generate(ctx, generate.Request{Project: wctx.Project, Params: params})
	if err != nil {
		out.Status = StatusFailed
		out.Message = err.Error()
		return nil
	}
	out.Status = StatusSucceeded
	out.Message = res.Message
	out.Paths = res.Paths
	return res
}

func (p *Pipeline) validate(ctx context.Context, wctx *Context, phase engine.Phase, out *PhaseOutput) {
	res, err := p.val.Validate(ctx, engine.Request{
		Project:     wctx.Project,
		Phase:       phase,
		ModelName:   wctx.ModelName,
		MappingPath: wctx.MappingPath,
		PlanPath:    wctx.planPath(),
		ProfileName: wctx.ProfileName,
		SessionID:   wctx.SessionID,
	})
	if err != nil {
		out.Status = StatusFailed
		out.Message = err.Error()
		return
	}
	out.Validation = res
	out.Message = res.Message
	if res.Success {
		out.Status = StatusSucceeded
	} else {
		out.Status = StatusFailed
	}
}

func (p *Pipeline) runProfiles(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.ProfilesParams{
		ProfileName: wctx.ProfileName,
		GCPProject:  wctx.GCPProject,
		Dataset:     wctx.Dataset,
		Location:    wctx.Location,
		Keyfile:     wctx.Keyfile,
	}, out)
}

func (p *Pipeline) runConfig(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.ConfigParams{ProfileName: wctx.ProfileName}, out)
}

func (p *Pipeline) runSchema(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.SchemaParams{MappingPath: wctx.MappingPath, ModelName: wctx.ModelName}, out)
}

func (p *Pipeline) runModel(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.ModelParams{MappingPath: wctx.MappingPath, ModelName: wctx.ModelName}, out)
}

func (p *Pipeline) runBuild(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.validate(ctx, wctx, engine.PhaseBuild, out)
}

func (p *Pipeline) runTestPlan(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.TestPlanParams{MappingPath: wctx.MappingPath, ModelName: wctx.ModelName}, out)
}

func (p *Pipeline) runTestCode(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.generate(ctx, wctx, generate.TestCodeParams{ModelName: wctx.ModelName, PlanPath: wctx.planPath()}, out)
}

func (p *Pipeline) runTestValidate(ctx context.Context, wctx *Context, out *PhaseOutput) {
	p.validate(ctx, wctx, engine.PhaseTest, out)
}

func (p *Pipeline) runReport(ctx context.Context, wctx *Context, out *PhaseOutput) {
	res := p.generate(ctx, wctx, generate.ReportParams{PlanPath: wctx.planPath(), Results: wctx.Units()}, out)
	if res != nil {
		out.Report = res.Report
	}
}

// planPath returns the test plan written by this run, or empty for the
// project default.
func (c *Context) planPath() string {
	out, ok := c.Output(PhaseTestPlan)
	if !ok || out.Status != StatusSucceeded || len(out.Paths) == 0 {
		return ""
	}
	return out.Paths[0]
}
