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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/generate"
	"github.com/AleutianAI/dbtforge/services/store"
	"github.com/AleutianAI/dbtforge/services/synth"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeInvoker replays results in order and repeats the last one.
type fakeInvoker struct {
	mu      sync.Mutex
	results []*dbt.Result
	calls   int
	panicOn int
	err     error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ string, cmd dbt.Command, _ ...string) (*dbt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panicOn == f.calls {
		panic("invoker exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	res := *f.results[i]
	res.Command = cmd
	return &res, nil
}

func (f *fakeInvoker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu   sync.Mutex
	reqs []generate.Request
	err  error
}

func (f *fakeGenerator) Generate(_ context.Context, req generate.Request) (*generate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	p, _ := artifact.Resolve(req.Project, req.Params.Kind(), "orders")
	return &generate.Result{Kind: req.Params.Kind(), Project: req.Project, Paths: []string{p}}, nil
}

func (f *fakeGenerator) requests() []generate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generate.Request(nil), f.reqs...)
}

func ok(stdout string) *dbt.Result {
	return &dbt.Result{Success: true, Stdout: stdout}
}

func failed(stdout string, units ...artifact.TestResult) *dbt.Result {
	return &dbt.Result{Stdout: stdout, ExitCode: 1, Exception: "dbt exited with status 1", Units: units}
}

const modelError = "Database Error in model orders (models/orders.sql)\n  Unrecognized name: amount_gbp at [12:5]"

func buildRequest() Request {
	return Request{Project: "orders", Phase: PhaseBuild, ModelName: "orders", MappingPath: "orders/mapping/orders.csv"}
}

func testRequest() Request {
	return Request{Project: "orders", Phase: PhaseTest, ModelName: "orders", MappingPath: "orders/mapping/orders.csv"}
}

func newTestEngine(inv dbt.Invoker, gen Generator, opts ...Option) *Engine {
	return NewEngine(NewConfig(opts...), inv, gen, nil)
}

// =============================================================================
// ATTEMPT BUDGET
// =============================================================================

func TestValidate_AttemptBound(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError)}}
	gen := &fakeGenerator{}

	res, err := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if inv.count() != 3 {
		t.Errorf("invocations = %d, want 3", inv.count())
	}
	if got := len(gen.requests()); got != 2 {
		t.Errorf("regenerations = %d, want 2", got)
	}
	if res.State != StateExhausted || res.Success {
		t.Errorf("State = %s, Success = %v, want EXHAUSTED, false", res.State, res.Success)
	}
	if res.Reason != ReasonAttemptsExhausted {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonAttemptsExhausted)
	}
	if res.Attempts != 3 || len(res.Records) != 3 {
		t.Errorf("Attempts = %d, Records = %d, want 3, 3", res.Attempts, len(res.Records))
	}
	if res.Regenerations != 2 {
		t.Errorf("Regenerations = %d, want 2", res.Regenerations)
	}
	if !strings.Contains(res.Message, "still failing after 3 attempts") {
		t.Errorf("Message = %q", res.Message)
	}
	if !strings.Contains(res.Output, "Unrecognized name") {
		t.Errorf("Output = %q, want the last attempt's output", res.Output)
	}
	for i, rec := range res.Records {
		if rec.Index != i+1 {
			t.Errorf("Records[%d].Index = %d", i, rec.Index)
		}
		if rec.Outcome != OutcomeFailure {
			t.Errorf("Records[%d].Outcome = %s", i, rec.Outcome)
		}
	}
	if len(res.Records[2].Regenerated) != 0 {
		t.Errorf("last record regenerated %v, want nothing after the final attempt", res.Records[2].Regenerated)
	}
}

func TestValidate_LowerBudget(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError)}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen, WithMaxAttempts(1)).Validate(context.Background(), buildRequest())
	if inv.count() != 1 || len(gen.requests()) != 0 {
		t.Errorf("invocations = %d, regenerations = %d, want 1, 0", inv.count(), len(gen.requests()))
	}
	if res.Reason != ReasonAttemptsExhausted {
		t.Errorf("Reason = %s", res.Reason)
	}
}

func TestValidate_EarlySuccess(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{
		failed(modelError),
		ok("Completed successfully\nDone. PASS=1 WARN=0 ERROR=0"),
	}}
	gen := &fakeGenerator{}

	res, err := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Success || res.State != StateSucceeded {
		t.Fatalf("State = %s, want SUCCEEDED", res.State)
	}
	if res.Attempts != 2 || inv.count() != 2 {
		t.Errorf("Attempts = %d, invocations = %d, want 2", res.Attempts, inv.count())
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if res.Reason != ReasonNone {
		t.Errorf("Reason = %q, want empty", res.Reason)
	}
	if got := res.Records[0].Regenerated; len(got) != 1 || got[0] != "orders/models/orders.sql" {
		t.Errorf("Records[0].Regenerated = %v", got)
	}
	if res.Err() != nil {
		t.Errorf("Err() = %v, want nil", res.Err())
	}
}

func TestValidate_FirstAttemptSuccess(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok("Done. PASS=1")}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if !res.Success || res.Attempts != 1 {
		t.Errorf("Success = %v, Attempts = %d", res.Success, res.Attempts)
	}
	if len(gen.requests()) != 0 {
		t.Error("generator called on success")
	}
	if res.Records[0].Command != "dbt run" {
		t.Errorf("Command = %q, want dbt run", res.Records[0].Command)
	}
}

// =============================================================================
// WARNINGS
// =============================================================================

const configWarning = "[WARNING]: Configuration paths exist in your dbt_project.yml file which do not apply to any resources.\nDone. PASS=1"

func TestValidate_WarningTriggersRetryInBuild(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok(configWarning), ok("Done. PASS=1")}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if !res.Success || res.Attempts != 2 {
		t.Fatalf("Success = %v, Attempts = %d, want true, 2", res.Success, res.Attempts)
	}
	if res.Records[0].Outcome != OutcomeWarning {
		t.Errorf("Records[0].Outcome = %s, want WARNING", res.Records[0].Outcome)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %s, want SUCCESS", res.Outcome)
	}
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d, want 1", len(reqs))
	}
	if _, isConfig := reqs[0].Params.(generate.ConfigParams); !isConfig {
		t.Errorf("Params = %T, want ConfigParams for a dbt_project.yml warning", reqs[0].Params)
	}
	if !strings.Contains(reqs[0].Fix, "[WARNING]") {
		t.Errorf("Fix = %q, want the warning text", reqs[0].Fix)
	}
}

func TestValidate_WarningAcceptedInTestByDefault(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok(configWarning)}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), testRequest())
	if !res.Success || res.Attempts != 1 {
		t.Errorf("Success = %v, Attempts = %d, want true, 1", res.Success, res.Attempts)
	}
	if res.Outcome != OutcomeWarning {
		t.Errorf("Outcome = %s, want WARNING", res.Outcome)
	}
	if !strings.Contains(res.Message, "with warnings") {
		t.Errorf("Message = %q", res.Message)
	}
	if len(gen.requests()) != 0 {
		t.Error("generator called for an accepted warning")
	}
}

func TestValidate_WarningPolicyDisabled(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok(configWarning)}}
	res, _ := newTestEngine(inv, &fakeGenerator{}, WithWarningRetry(false, false)).Validate(context.Background(), buildRequest())
	if !res.Success || res.Attempts != 1 {
		t.Errorf("Success = %v, Attempts = %d, want true, 1", res.Success, res.Attempts)
	}
}

func TestValidate_PersistentWarningSucceeds(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok(configWarning)}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if !res.Success || res.State != StateSucceeded {
		t.Fatalf("State = %s, want SUCCEEDED", res.State)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if res.Outcome != OutcomeWarning {
		t.Errorf("Outcome = %s, want WARNING", res.Outcome)
	}
	if len(gen.requests()) != 2 {
		t.Errorf("regenerations = %d, want 2", len(gen.requests()))
	}
}

// =============================================================================
// NON-RETRYABLE FAILURES
// =============================================================================

func TestValidate_StructuralNoRetry(t *testing.T) {
	structural := &dbt.Result{
		Exception:  "project orders: incomplete project: profiles.yml not found",
		ExitCode:   -1,
		Structural: true,
		Cause:      dbt.ErrMissingProfiles,
	}
	inv := &fakeInvoker{results: []*dbt.Result{structural}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if inv.count() != 1 || len(gen.requests()) != 0 {
		t.Errorf("invocations = %d, regenerations = %d, want 1, 0", inv.count(), len(gen.requests()))
	}
	if res.State != StateExhausted || res.Reason != ReasonStructural {
		t.Errorf("State = %s, Reason = %s", res.State, res.Reason)
	}
	if !strings.Contains(res.Message, "profiles.yml") {
		t.Errorf("Message = %q", res.Message)
	}
	if res.Records[0].Classification == nil || res.Records[0].Classification.Class != ClassStructural {
		t.Errorf("Classification = %+v", res.Records[0].Classification)
	}
}

func TestValidate_StructuralOutput(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed("Runtime Error\n  Could not find profile named 'orders'")}}
	res, _ := newTestEngine(inv, &fakeGenerator{}).Validate(context.Background(), buildRequest())
	if res.Reason != ReasonStructural || res.Attempts != 1 {
		t.Errorf("Reason = %s, Attempts = %d", res.Reason, res.Attempts)
	}
}

func TestValidate_DataFailureNoRegeneration(t *testing.T) {
	out := "Failure in test tc_001 (tests/tc_001.sql)\n  Got 3 results, configured to fail if != 0"
	units := []artifact.TestResult{
		{TestID: "tc_001", Status: artifact.StatusFail, Message: "Got 3 results, configured to fail if != 0"},
		{TestID: "tc_002", Status: artifact.StatusPass},
	}
	inv := &fakeInvoker{results: []*dbt.Result{failed(out, units...)}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), testRequest())
	if inv.count() != 1 || len(gen.requests()) != 0 {
		t.Errorf("invocations = %d, regenerations = %d, want 1, 0", inv.count(), len(gen.requests()))
	}
	if res.Reason != ReasonDataFailure {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonDataFailure)
	}
	if !strings.HasPrefix(res.Message, "1 of 2 test(s) did not pass") {
		t.Errorf("Message = %q", res.Message)
	}
	if len(res.Units) != 2 {
		t.Errorf("Units = %v, want both tests", res.Units)
	}
}

func TestValidate_Unrecognized(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed("Encountered an error:\nsomething odd")}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if res.Reason != ReasonUncorrectable || res.Attempts != 1 {
		t.Errorf("Reason = %s, Attempts = %d", res.Reason, res.Attempts)
	}
	if len(gen.requests()) != 0 {
		t.Error("generator called for an unrecognized failure")
	}
}

func TestValidate_NoGeneratorForHint(t *testing.T) {
	out := "Compilation Error in macro cents_to_dollars (macros/cents_to_dollars.sql)\n  unexpected '}'"
	inv := &fakeInvoker{results: []*dbt.Result{failed(out)}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if res.Reason != ReasonUncorrectable {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonUncorrectable)
	}
	if !strings.Contains(res.Message, "no generator can repair macros/cents_to_dollars.sql") {
		t.Errorf("Message = %q", res.Message)
	}
	if len(gen.requests()) != 0 {
		t.Error("generator called for an unsupported kind")
	}
}

// =============================================================================
// REGENERATION TARGETS
// =============================================================================

func TestValidate_ModelRegenerationRequest(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError), ok("Done.")}}
	gen := &fakeGenerator{}

	if _, err := newTestEngine(inv, gen).Validate(context.Background(), buildRequest()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d, want 1", len(reqs))
	}
	want := generate.ModelParams{MappingPath: "orders/mapping/orders.csv", ModelName: "orders"}
	if reqs[0].Params != want {
		t.Errorf("Params = %+v, want %+v", reqs[0].Params, want)
	}
	if reqs[0].Project != "orders" {
		t.Errorf("Project = %q", reqs[0].Project)
	}
	if !strings.Contains(reqs[0].Fix, "Database Error in model orders (models/orders.sql)") ||
		!strings.Contains(reqs[0].Fix, "Unrecognized name: amount_gbp") {
		t.Errorf("Fix = %q, want the failure block", reqs[0].Fix)
	}
}

func TestValidate_SchemaRegenerationRequest(t *testing.T) {
	out := "Parsing Error\n  Error reading orders: models/schema.yml - Runtime Error\n    Invalid sources config"
	inv := &fakeInvoker{results: []*dbt.Result{failed(out), ok("Done.")}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if !res.Success {
		t.Fatalf("State = %s, Message = %q", res.State, res.Message)
	}
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d", len(reqs))
	}
	if _, isSchema := reqs[0].Params.(generate.SchemaParams); !isSchema {
		t.Errorf("Params = %T, want SchemaParams", reqs[0].Params)
	}
}

func TestValidate_TestPhaseRegeneratesFailingTests(t *testing.T) {
	out := strings.Join([]string{
		"1 of 3 PASS tc_001 ....... [PASS in 0.3s]",
		"2 of 3 ERROR tc_002 ...... [ERROR in 0.2s]",
		"3 of 3 PASS tc_003 ....... [PASS in 0.3s]",
		"",
		"Database Error in test tc_002 (tests/tc_002.sql)",
		"  Unrecognized name: amount_usd",
	}, "\n")
	units := []artifact.TestResult{
		{TestID: "tc_001", Status: artifact.StatusPass},
		{TestID: "tc_002", Status: artifact.StatusError, Message: "Database Error in test tc_002 (tests/tc_002.sql)\nUnrecognized name: amount_usd"},
		{TestID: "tc_003", Status: artifact.StatusPass},
	}
	inv := &fakeInvoker{results: []*dbt.Result{failed(out, units...), ok("Done. PASS=3")}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), testRequest())
	if !res.Success {
		t.Fatalf("State = %s, Message = %q", res.State, res.Message)
	}
	if res.Records[0].Command != "dbt test" {
		t.Errorf("Command = %q, want dbt test", res.Records[0].Command)
	}
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d", len(reqs))
	}
	params, isTest := reqs[0].Params.(generate.TestCodeParams)
	if !isTest {
		t.Fatalf("Params = %T, want TestCodeParams", reqs[0].Params)
	}
	if len(params.Only) != 1 || params.Only[0] != "tc_002" {
		t.Errorf("Only = %v, want [tc_002]", params.Only)
	}
	if !strings.Contains(reqs[0].Fix, "amount_usd") {
		t.Errorf("Fix = %q", reqs[0].Fix)
	}
}

func TestValidate_MixedDataFailureAndDatabaseError(t *testing.T) {
	mixed := strings.Join([]string{
		"Failure in test tc_001 (tests/tc_001.sql)",
		"  Got 3 results, configured to fail if != 0",
		"",
		"Database Error in test tc_003 (tests/tc_003.sql)",
		"  Syntax error: Unexpected keyword FROM",
	}, "\n")
	dataOnly := "Failure in test tc_001 (tests/tc_001.sql)\n  Got 3 results, configured to fail if != 0"
	rows := artifact.TestResult{TestID: "tc_001", Status: artifact.StatusFail, Message: "Got 3 results, configured to fail if != 0"}
	inv := &fakeInvoker{results: []*dbt.Result{
		failed(mixed,
			rows,
			artifact.TestResult{TestID: "tc_002", Status: artifact.StatusPass},
			artifact.TestResult{TestID: "tc_003", Status: artifact.StatusError, Message: "Database Error in test tc_003 (tests/tc_003.sql)\nSyntax error: Unexpected keyword FROM"},
		),
		failed(dataOnly,
			rows,
			artifact.TestResult{TestID: "tc_002", Status: artifact.StatusPass},
			artifact.TestResult{TestID: "tc_003", Status: artifact.StatusPass},
		),
	}}
	gen := &fakeGenerator{}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), testRequest())
	if inv.count() != 2 {
		t.Errorf("invocations = %d, want 2", inv.count())
	}
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d, want 1", len(reqs))
	}
	params, isTest := reqs[0].Params.(generate.TestCodeParams)
	if !isTest {
		t.Fatalf("Params = %T, want TestCodeParams", reqs[0].Params)
	}
	if len(params.Only) != 1 || params.Only[0] != "tc_003" {
		t.Errorf("Only = %v, want [tc_003]", params.Only)
	}
	if !strings.Contains(reqs[0].Fix, "Unexpected keyword FROM") {
		t.Errorf("Fix = %q", reqs[0].Fix)
	}
	if res.Reason != ReasonDataFailure {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonDataFailure)
	}
	if len(res.Units) != 3 {
		t.Errorf("Units = %v, want all three tests", res.Units)
	}
}

func TestValidate_TestPhaseModelHint(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError), ok("Done.")}}
	gen := &fakeGenerator{}

	newTestEngine(inv, gen).Validate(context.Background(), testRequest())
	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("regenerations = %d", len(reqs))
	}
	if _, isModel := reqs[0].Params.(generate.ModelParams); !isModel {
		t.Errorf("Params = %T, want ModelParams", reqs[0].Params)
	}
}

// =============================================================================
// GENERATOR FAILURES
// =============================================================================

func TestValidate_RegenerationInputError(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError)}}
	gen := &fakeGenerator{err: fmt.Errorf("mapping: %w", generate.ErrInputNotFound)}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if res.Reason != ReasonRegeneration {
		t.Errorf("Reason = %s, want %s", res.Reason, ReasonRegeneration)
	}
	if inv.count() != 1 {
		t.Errorf("invocations = %d, want 1", inv.count())
	}
	if res.Records[0].RegenerationError == "" {
		t.Error("RegenerationError not recorded")
	}
}

func TestValidate_SynthesisErrorCountsAgainstBudget(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError)}}
	gen := &fakeGenerator{err: fmt.Errorf("model: %w", generate.ErrSynthesis)}

	res, _ := newTestEngine(inv, gen).Validate(context.Background(), buildRequest())
	if inv.count() != 3 {
		t.Errorf("invocations = %d, want 3", inv.count())
	}
	if res.Reason != ReasonAttemptsExhausted {
		t.Errorf("Reason = %s", res.Reason)
	}
	if res.Regenerations != 0 {
		t.Errorf("Regenerations = %d, want 0", res.Regenerations)
	}
	for i := 0; i < 2; i++ {
		if res.Records[i].RegenerationError == "" {
			t.Errorf("Records[%d].RegenerationError not recorded", i)
		}
	}
}

// =============================================================================
// ROBUSTNESS
// =============================================================================

func TestValidate_PanicBecomesStructural(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok("")}, panicOn: 1}
	res, err := newTestEngine(inv, &fakeGenerator{}).Validate(context.Background(), buildRequest())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.State != StateExhausted || res.Reason != ReasonStructural {
		t.Errorf("State = %s, Reason = %s", res.State, res.Reason)
	}
	if !strings.Contains(res.Message, "panic") {
		t.Errorf("Message = %q, want panic", res.Message)
	}
}

func TestValidate_InvokerErrorIsStructural(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("store unreachable")}
	res, _ := newTestEngine(inv, &fakeGenerator{}).Validate(context.Background(), buildRequest())
	if res.Reason != ReasonStructural || res.Attempts != 1 {
		t.Errorf("Reason = %s, Attempts = %d", res.Reason, res.Attempts)
	}
	if !strings.Contains(res.Output, "store unreachable") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestValidate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &fakeInvoker{results: []*dbt.Result{ok("")}}
	res, err := newTestEngine(inv, &fakeGenerator{}).Validate(ctx, buildRequest())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.State != StateExhausted || res.Attempts != 0 {
		t.Errorf("State = %s, Attempts = %d, want EXHAUSTED, 0", res.State, res.Attempts)
	}
	if inv.count() != 0 {
		t.Errorf("invocations = %d, want 0", inv.count())
	}
	if res.Outcome != OutcomeFailure {
		t.Errorf("Outcome = %s", res.Outcome)
	}
}

func TestValidate_InvalidInput(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok("")}}
	gen := &fakeGenerator{}
	e := newTestEngine(inv, gen)

	//nolint:staticcheck // nil context is the case under test
	if _, err := e.Validate(nil, buildRequest()); !errors.Is(err, ErrNilContext) {
		t.Errorf("nil ctx error = %v, want ErrNilContext", err)
	}

	bad := []Request{
		{Phase: PhaseBuild, ModelName: "orders"},
		{Project: "orders", Phase: "deploy", ModelName: "orders"},
		{Project: "orders", Phase: PhaseBuild},
		{Project: "!!!", Phase: PhaseBuild, ModelName: "orders"},
	}
	for _, req := range bad {
		if _, err := e.Validate(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Validate(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}

	if _, err := NewEngine(nil, nil, gen, nil).Validate(context.Background(), buildRequest()); !errors.Is(err, ErrNoInvoker) {
		t.Errorf("no invoker error = %v", err)
	}
	if _, err := NewEngine(nil, inv, nil, nil).Validate(context.Background(), buildRequest()); !errors.Is(err, ErrNoGenerator) {
		t.Errorf("no generator error = %v", err)
	}
	if inv.count() != 0 {
		t.Errorf("invocations = %d, want 0", inv.count())
	}
}

func TestValidate_SessionID(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{ok("")}}
	e := newTestEngine(inv, &fakeGenerator{})

	req := buildRequest()
	req.SessionID = "abc123"
	res, _ := e.Validate(context.Background(), req)
	if res.SessionID != "abc123" {
		t.Errorf("SessionID = %q, want abc123", res.SessionID)
	}

	res, _ = e.Validate(context.Background(), buildRequest())
	if len(res.SessionID) != 8 {
		t.Errorf("generated SessionID = %q, want 8 chars", res.SessionID)
	}
}

func TestValidate_TruncatesEarlierOutput(t *testing.T) {
	long := modelError + "\n" + strings.Repeat("x", 4096)
	inv := &fakeInvoker{results: []*dbt.Result{failed(long)}}
	res, _ := newTestEngine(inv, &fakeGenerator{}, WithMaxOutputBytes(1024)).Validate(context.Background(), buildRequest())

	if !strings.HasSuffix(res.Records[0].Output, "[truncated]") {
		t.Error("Records[0].Output not truncated")
	}
	if !strings.Contains(res.Output, long) || res.Records[2].Output != res.Output {
		t.Error("final output truncated, want it kept whole")
	}
}

func TestResult_Err(t *testing.T) {
	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError)}}
	res, _ := newTestEngine(inv, &fakeGenerator{}).Validate(context.Background(), buildRequest())

	var exhausted *ExhaustedError
	if !errors.As(res.Err(), &exhausted) {
		t.Fatalf("Err() = %v, want *ExhaustedError", res.Err())
	}
	if exhausted.Attempts != 3 || exhausted.Reason != ReasonAttemptsExhausted {
		t.Errorf("ExhaustedError = %+v", exhausted)
	}
	if !strings.HasPrefix(exhausted.Error(), "build validation attempts_exhausted after 3 attempt(s)") {
		t.Errorf("Error() = %q", exhausted.Error())
	}
}

// =============================================================================
// WITH THE REAL GENERATOR
// =============================================================================

const ordersCSV = `Source Table,Source Column,Target Table,Target Column,Join Table,Join Key,Transformation Logic / Derivation Rule
proj.raw.orders,order_id,proj.mart.orders,order_id,,,
proj.raw.orders,amt,proj.mart.orders,amount,,,
`

func TestValidate_RegeneratesWithFailureQuoted(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.Write(ctx, "orders/mapping/orders.csv", []byte(ordersCSV), nil); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	var (
		mu      sync.Mutex
		prompts []string
	)
	sy := synth.SynthesizerFunc(func(_ context.Context, parts []synth.Part) (string, error) {
		text, _ := synth.RenderText(parts)
		mu.Lock()
		prompts = append(prompts, text)
		mu.Unlock()
		return "```sql\nselect order_id, amt as amount from {{ source('raw', 'orders') }};\n```", nil
	})
	gen := generate.NewService(st, sy)

	inv := &fakeInvoker{results: []*dbt.Result{failed(modelError), ok("Done. PASS=1")}}
	res, err := newTestEngine(inv, gen).Validate(ctx, buildRequest())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Success || res.Attempts != 2 {
		t.Fatalf("Success = %v, Attempts = %d, Message = %q", res.Success, res.Attempts, res.Message)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 1 {
		t.Fatalf("synthesizer calls = %d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], `fix: "Database Error in model orders (models/orders.sql)`) {
		t.Errorf("prompt does not quote the failure:\n%s", prompts[0])
	}

	data, err := st.Read(ctx, "orders/models/orders.sql")
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	if strings.Contains(string(data), ";") {
		t.Errorf("model = %q, want trailing semicolon stripped", data)
	}
}

// =============================================================================
// CONFIG & STATES
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want int
	}{
		{"default", nil, 3},
		{"lower", []Option{WithMaxAttempts(2)}, 2},
		{"above cap", []Option{WithMaxAttempts(10)}, 3},
		{"zero", []Option{WithMaxAttempts(0)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewConfig(tt.opts...).MaxAttempts; got != tt.want {
				t.Errorf("MaxAttempts = %d, want %d", got, tt.want)
			}
		})
	}

	cfg := NewConfig(WithInvocationTimeout(time.Minute), WithTotalTimeout(time.Second))
	if cfg.TotalTimeout != 3*time.Minute {
		t.Errorf("TotalTimeout = %v, want 3m", cfg.TotalTimeout)
	}

	cfg = DefaultConfig()
	if !cfg.WarningRetry(PhaseBuild) || cfg.WarningRetry(PhaseTest) {
		t.Error("default warning policy: want retry in build only")
	}
}

func TestConfig_ValidateReportsClamps(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}

	cfg := &Config{MaxAttempts: 10, InvocationTimeout: time.Minute, SynthesizerTimeout: time.Minute,
		TotalTimeout: time.Hour, MaxOutputBytes: 10}
	err := cfg.Validate()
	if !errors.Is(err, ErrConfigClamped) {
		t.Fatalf("Validate() = %v, want ErrConfigClamped", err)
	}
	for _, field := range []string{"max_attempts", "max_output_bytes"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() = %q, want %s mentioned", err, field)
		}
	}
	if cfg.MaxAttempts != DefaultMaxAttempts || cfg.MaxOutputBytes != 1024 {
		t.Errorf("not clamped: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("second Validate() = %v, want nil", err)
	}
}

func TestNewEngine_LogsAdjustedConfig(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	NewEngine(NewConfig(WithMaxAttempts(0)), &fakeInvoker{}, &fakeGenerator{}, logger)
	if !strings.Contains(buf.String(), "Engine config adjusted") || !strings.Contains(buf.String(), "max_attempts") {
		t.Errorf("log = %q, want a warning naming max_attempts", buf.String())
	}

	buf.Reset()
	NewEngine(NewConfig(), &fakeInvoker{}, &fakeGenerator{}, logger)
	if strings.Contains(buf.String(), "adjusted") {
		t.Errorf("log = %q, want no warning for defaults", buf.String())
	}
}

func TestState(t *testing.T) {
	for _, s := range AllStates() {
		terminal := s == StateSucceeded || s == StateExhausted
		if s.IsTerminal() != terminal {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
	}

	legal := [][2]State{
		{StateReady, StateRunning},
		{StateRunning, StateEvaluating},
		{StateEvaluating, StateRegenerating},
		{StateEvaluating, StateSucceeded},
		{StateRegenerating, StateRunning},
		{StateRunning, StateExhausted},
	}
	for _, tr := range legal {
		if !canTransition(tr[0], tr[1]) {
			t.Errorf("canTransition(%s, %s) = false", tr[0], tr[1])
		}
	}

	illegal := [][2]State{
		{StateReady, StateEvaluating},
		{StateRunning, StateRegenerating},
		{StateRegenerating, StateSucceeded},
		{StateSucceeded, StateRunning},
		{StateExhausted, StateRunning},
	}
	for _, tr := range illegal {
		if canTransition(tr[0], tr[1]) {
			t.Errorf("canTransition(%s, %s) = true", tr[0], tr[1])
		}
	}

	e := newTestEngine(&fakeInvoker{results: []*dbt.Result{ok("")}}, &fakeGenerator{})
	s := &session{state: StateSucceeded}
	var transErr *StateTransitionError
	if err := e.transition(context.Background(), s, StateRunning); !errors.As(err, &transErr) {
		t.Errorf("transition() error = %v, want *StateTransitionError", err)
	}
}

func TestParsePhase(t *testing.T) {
	tests := []struct {
		in      string
		want    Phase
		wantErr bool
	}{
		{"build", PhaseBuild, false},
		{"run", PhaseBuild, false},
		{" TEST ", PhaseTest, false},
		{"deploy", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePhase(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePhase(%q) = %s, %v", tt.in, got, err)
		}
	}
	if PhaseTest.Command() != dbt.CommandTest || PhaseBuild.Command() != dbt.CommandRun {
		t.Error("Phase.Command() mismatch")
	}
}
