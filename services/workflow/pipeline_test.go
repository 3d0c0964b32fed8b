// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/generate"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeGen struct {
	mu     sync.Mutex
	params []generate.Params
	failOn artifact.Kind
}

func (f *fakeGen) Generate(_ context.Context, req generate.Request) (*generate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, req.Params)
	kind := req.Params.Kind()
	if kind == f.failOn {
		return &generate.Result{Kind: kind, Outcome: generate.OutcomeError},
			fmt.Errorf("%s: %w", kind, generate.ErrSynthesis)
	}
	p, err := artifact.Resolve(req.Project, kind, "orders")
	if err != nil {
		return nil, err
	}
	res := &generate.Result{Kind: kind, Project: req.Project, Paths: []string{p}, Outcome: generate.OutcomeSuccess,
		Message: "generated " + kind.String()}
	if kind == artifact.KindReport {
		res.Report = []artifact.ReportRow{{Status: artifact.StatusFail}}
	}
	return res, nil
}

func (f *fakeGen) kinds() []artifact.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]artifact.Kind, 0, len(f.params))
	for _, p := range f.params {
		out = append(out, p.Kind())
	}
	return out
}

func (f *fakeGen) find(kind artifact.Kind) generate.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.params {
		if p.Kind() == kind {
			return p
		}
	}
	return nil
}

type fakeValidator struct {
	mu      sync.Mutex
	reqs    []engine.Request
	results map[engine.Phase]*engine.Result
}

func (f *fakeValidator) Validate(_ context.Context, req engine.Request) (*engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if res, ok := f.results[req.Phase]; ok {
		return res, nil
	}
	return &engine.Result{Phase: req.Phase, State: engine.StateSucceeded, Success: true, Attempts: 1,
		Message: "ok"}, nil
}

func newContext() *Context {
	return &Context{
		MappingPath: "orders/mapping/orders.csv",
		GCPProject:  "acme",
		Dataset:     "mart",
		SessionID:   "sess0001",
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRun_AllPhasesSucceed(t *testing.T) {
	gen := &fakeGen{}
	val := &fakeValidator{}
	var progress []Phase
	p := NewPipeline(gen, val, WithProgress(func(o PhaseOutput) { progress = append(progress, o.Phase) }))

	wctx := newContext()
	res, err := p.Run(context.Background(), wctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || res.FailedPhase != "" {
		t.Fatalf("Success = %v, FailedPhase = %s", res.Success, res.FailedPhase)
	}
	if res.Project != "orders" {
		t.Errorf("Project = %q, want orders", res.Project)
	}
	if res.ReportPath != "orders/test_reports/orders_test_report.csv" {
		t.Errorf("ReportPath = %q", res.ReportPath)
	}

	wantKinds := []artifact.Kind{
		artifact.KindProfiles, artifact.KindConfig, artifact.KindSchema, artifact.KindModel,
		artifact.KindTestPlan, artifact.KindTest, artifact.KindReport,
	}
	if got := gen.kinds(); !reflect.DeepEqual(got, wantKinds) {
		t.Errorf("generated kinds = %v, want %v", got, wantKinds)
	}
	if !reflect.DeepEqual(progress, Phases()) {
		t.Errorf("progress = %v, want %v", progress, Phases())
	}
	if len(res.Phases) != len(Phases()) {
		t.Errorf("Phases = %d, want %d", len(res.Phases), len(Phases()))
	}

	if len(val.reqs) != 2 || val.reqs[0].Phase != engine.PhaseBuild || val.reqs[1].Phase != engine.PhaseTest {
		t.Fatalf("validator requests = %+v", val.reqs)
	}
	if val.reqs[1].PlanPath != "orders/test_plans/orders_test_cases.csv" {
		t.Errorf("test validation PlanPath = %q", val.reqs[1].PlanPath)
	}
	if val.reqs[0].SessionID != "sess0001" || val.reqs[0].ModelName != "orders" {
		t.Errorf("build request = %+v", val.reqs[0])
	}

	code := gen.find(artifact.KindTest).(generate.TestCodeParams)
	if code.PlanPath != "orders/test_plans/orders_test_cases.csv" {
		t.Errorf("TestCodeParams.PlanPath = %q", code.PlanPath)
	}
	profiles := gen.find(artifact.KindProfiles).(generate.ProfilesParams)
	if profiles.ProfileName != "orders" || profiles.GCPProject != "acme" || profiles.Dataset != "mart" {
		t.Errorf("ProfilesParams = %+v", profiles)
	}

	out, ok := wctx.Output(PhaseReport)
	if !ok || len(out.Report) != 1 {
		t.Errorf("report output = %+v", out)
	}
}

func TestRun_BuildFailureSkipsRest(t *testing.T) {
	gen := &fakeGen{}
	val := &fakeValidator{results: map[engine.Phase]*engine.Result{
		engine.PhaseBuild: {Phase: engine.PhaseBuild, State: engine.StateExhausted, Reason: engine.ReasonAttemptsExhausted,
			Attempts: 3, Message: "dbt run still failing after 3 attempts"},
	}}

	res, err := NewPipeline(gen, val).Run(context.Background(), newContext())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Success || res.FailedPhase != PhaseBuild {
		t.Fatalf("Success = %v, FailedPhase = %s", res.Success, res.FailedPhase)
	}
	for _, out := range res.Phases {
		switch out.Phase {
		case PhaseTestPlan, PhaseTestCode, PhaseTestValidate, PhaseReport:
			if out.Status != StatusSkipped {
				t.Errorf("%s status = %s, want skipped", out.Phase, out.Status)
			}
		case PhaseBuild:
			if out.Status != StatusFailed || out.Validation == nil || out.Validation.Attempts != 3 {
				t.Errorf("build output = %+v", out)
			}
		}
	}
	if len(val.reqs) != 1 {
		t.Errorf("validator calls = %d, want 1", len(val.reqs))
	}
	if res.ReportPath != "" {
		t.Errorf("ReportPath = %q, want empty", res.ReportPath)
	}
}

func TestRun_ReportAfterDataFailure(t *testing.T) {
	units := []artifact.TestResult{
		{TestID: "tc_001", Status: artifact.StatusFail, Message: "Got 3 results, configured to fail if != 0"},
		{TestID: "tc_002", Status: artifact.StatusPass},
	}
	gen := &fakeGen{}
	val := &fakeValidator{results: map[engine.Phase]*engine.Result{
		engine.PhaseTest: {Phase: engine.PhaseTest, State: engine.StateExhausted, Reason: engine.ReasonDataFailure,
			Attempts: 1, Units: units},
	}}

	res, _ := NewPipeline(gen, val).Run(context.Background(), newContext())
	if res.Success || res.FailedPhase != PhaseTestValidate {
		t.Fatalf("Success = %v, FailedPhase = %s", res.Success, res.FailedPhase)
	}
	report, ok := gen.find(artifact.KindReport).(generate.ReportParams)
	if !ok {
		t.Fatal("report not generated after a failed test validation")
	}
	if !reflect.DeepEqual(report.Results, units) {
		t.Errorf("ReportParams.Results = %+v, want %+v", report.Results, units)
	}
	if res.ReportPath == "" {
		t.Error("ReportPath empty")
	}
}

func TestRun_StructuralTestFailureSkipsReport(t *testing.T) {
	gen := &fakeGen{}
	val := &fakeValidator{results: map[engine.Phase]*engine.Result{
		engine.PhaseTest: {Phase: engine.PhaseTest, State: engine.StateExhausted, Reason: engine.ReasonStructural,
			Attempts: 1, Message: "Could not find profile named 'orders'"},
	}}

	res, _ := NewPipeline(gen, val).Run(context.Background(), newContext())
	if res.Success || res.FailedPhase != PhaseTestValidate {
		t.Fatalf("Success = %v, FailedPhase = %s", res.Success, res.FailedPhase)
	}
	if gen.find(artifact.KindReport) != nil {
		t.Error("report generated after a structural test failure")
	}
	out, ok := res.Phase(PhaseReport)
	if !ok || out.Status != StatusSkipped {
		t.Errorf("report output = %+v, want skipped", out)
	}
	if res.ReportPath != "" {
		t.Errorf("ReportPath = %q, want empty", res.ReportPath)
	}
}

func TestRun_GenerationFailure(t *testing.T) {
	gen := &fakeGen{failOn: artifact.KindSchema}
	val := &fakeValidator{}

	res, _ := NewPipeline(gen, val).Run(context.Background(), newContext())
	if res.FailedPhase != PhaseSchema {
		t.Errorf("FailedPhase = %s, want schema", res.FailedPhase)
	}
	if len(val.reqs) != 0 {
		t.Errorf("validator called %d times after a generation failure", len(val.reqs))
	}
	out, _ := res.Phase(PhaseSchema)
	if out.Status != StatusFailed || out.Message == "" {
		t.Errorf("schema output = %+v", out)
	}
}

func TestRun_Confirmation(t *testing.T) {
	var (
		mu    sync.Mutex
		asked []Phase
	)
	decline := ConfirmerFunc(func(_ context.Context, _ *Context, phase Phase) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		asked = append(asked, phase)
		return phase != PhaseModel, nil
	})
	gen := &fakeGen{}

	res, _ := NewPipeline(gen, &fakeValidator{}, WithConfirmer(decline)).Run(context.Background(), newContext())
	if res.FailedPhase != PhaseModel {
		t.Fatalf("FailedPhase = %s, want model", res.FailedPhase)
	}
	out, _ := res.Phase(PhaseModel)
	if out.Status != StatusDeclined {
		t.Errorf("model status = %s, want declined", out.Status)
	}
	if gen.find(artifact.KindModel) != nil {
		t.Error("model generated after decline")
	}
	if !reflect.DeepEqual(asked, []Phase{PhaseModel}) {
		t.Errorf("asked = %v, want [model]", asked)
	}
}

func TestRun_ConfirmsGatedPhasesOnly(t *testing.T) {
	var asked []Phase
	record := ConfirmerFunc(func(_ context.Context, _ *Context, phase Phase) (bool, error) {
		asked = append(asked, phase)
		return true, nil
	})
	NewPipeline(&fakeGen{}, &fakeValidator{}, WithConfirmer(record)).Run(context.Background(), newContext())
	if !reflect.DeepEqual(asked, []Phase{PhaseModel, PhaseTestCode}) {
		t.Errorf("asked = %v, want [model test_code]", asked)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeGen{}

	res, err := NewPipeline(gen, &fakeValidator{}).Run(ctx, newContext())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if res == nil || res.FailedPhase != PhaseProfiles {
		t.Fatalf("Result = %+v", res)
	}
	if len(gen.kinds()) != 0 {
		t.Errorf("generated %v after cancel", gen.kinds())
	}
}

func TestRun_InvalidContext(t *testing.T) {
	p := NewPipeline(&fakeGen{}, &fakeValidator{})
	tests := []struct {
		name string
		wctx *Context
	}{
		{"nil", nil},
		{"no mapping", &Context{GCPProject: "a", Dataset: "b"}},
		{"no dataset", &Context{MappingPath: "orders/mapping/orders.csv", GCPProject: "a"}},
		{"bad model name", &Context{MappingPath: "orders/mapping/orders.csv", GCPProject: "a", Dataset: "b", ModelName: "!!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Run(context.Background(), tt.wctx); !errors.Is(err, ErrInvalidContext) {
				t.Errorf("Run() error = %v, want ErrInvalidContext", err)
			}
		})
	}
	//nolint:staticcheck // nil context is the case under test
	if _, err := p.Run(nil, newContext()); !errors.Is(err, ErrNilContext) {
		t.Errorf("Run(nil) error = %v, want ErrNilContext", err)
	}
}

func TestContext_Prepare(t *testing.T) {
	wctx := &Context{MappingPath: "uploads/3f2a-Customer Orders.csv", GCPProject: "acme", Dataset: "mart"}
	if err := wctx.Prepare(); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if wctx.Project != "customer_orders" || wctx.ModelName != "customer_orders" || wctx.ProfileName != "customer_orders" {
		t.Errorf("Prepare() = project %q, model %q, profile %q", wctx.Project, wctx.ModelName, wctx.ProfileName)
	}
	if len(wctx.SessionID) != 8 {
		t.Errorf("SessionID = %q", wctx.SessionID)
	}
}

func TestParsePhase(t *testing.T) {
	if p, err := ParsePhase(" Report "); err != nil || p != PhaseReport {
		t.Errorf("ParsePhase(Report) = %s, %v", p, err)
	}
	if _, err := ParsePhase("deploy"); !errors.Is(err, ErrInvalidContext) {
		t.Errorf("ParsePhase(deploy) error = %v", err)
	}
	if !IsGated(PhaseModel) || IsGated(PhaseSchema) {
		t.Error("IsGated mismatch")
	}
}
