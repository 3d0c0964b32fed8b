// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine validates a generated dbt project by running it and
// regenerating the implicated artifact when it fails.
//
// One session runs one phase (build or test) through a bounded state machine:
//
//	READY -> RUNNING -> EVALUATING -> SUCCEEDED
//	                        |
//	                        +-> REGENERATING -> RUNNING -> ...
//	                        +-> EXHAUSTED
//
// Failures are classified by Classify, a pure function over dbt's output.
// Structural failures and data failures end the session at once; content
// errors are repaired until the attempt budget runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/generate"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Generator regenerates artifacts. *generate.Service satisfies it.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*generate.Result, error)
}

// target is the artifact a regeneration rewrites.
type target struct {
	kind  artifact.Kind
	name  string
	tests []string
	fix   string
}

// regenerators maps an artifact kind to the parameters its generator needs.
// Kinds without an entry cannot be repaired by the engine.
var regenerators = map[artifact.Kind]func(req Request, t target) generate.Params{
	artifact.KindModel: func(req Request, t target) generate.Params {
		name := t.name
		if name == "" {
			name = req.ModelName
		}
		return generate.ModelParams{MappingPath: req.MappingPath, ModelName: name}
	},
	artifact.KindSchema: func(req Request, _ target) generate.Params {
		return generate.SchemaParams{MappingPath: req.MappingPath, ModelName: req.ModelName}
	},
	artifact.KindConfig: func(req Request, _ target) generate.Params {
		return generate.ConfigParams{ProfileName: req.ProfileName}
	},
	artifact.KindTest: func(req Request, t target) generate.Params {
		return generate.TestCodeParams{ModelName: req.ModelName, PlanPath: req.PlanPath, Only: t.tests}
	},
}

// =============================================================================
// SESSION
// =============================================================================

// session is the working state of one Validate call.
type session struct {
	id            string
	req           Request
	state         State
	attempt       int
	last          *dbt.Result
	class         Classification
	records       []AttemptRecord
	regenerations int
	reason        Reason
	message       string
	start         time.Time
}

func (s *session) current() *AttemptRecord {
	return &s.records[len(s.records)-1]
}

func (s *session) result() *Result {
	res := &Result{
		SessionID:     s.id,
		Project:       s.req.Project,
		Phase:         s.req.Phase,
		State:         s.state,
		Success:       s.state == StateSucceeded,
		Attempts:      s.attempt,
		Reason:        s.reason,
		Message:       s.message,
		Records:       s.records,
		Regenerations: s.regenerations,
		Duration:      time.Since(s.start),
	}
	if len(s.records) > 0 {
		last := s.records[len(s.records)-1]
		res.Outcome = last.Outcome
		res.Output = last.Output
		res.Units = last.Units
	}
	if res.Outcome == "" {
		res.Outcome = OutcomeFailure
	}
	return res
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs validation sessions.
//
// Thread Safety: Safe for concurrent use. Each Validate call keeps its state
// in its own session; attempts within a session run one at a time.
type Engine struct {
	config  *Config
	invoker dbt.Invoker
	gen     Generator
	logger  *slog.Logger
}

// NewEngine creates a validation engine.
//
// Inputs:
//
//	cfg - Engine configuration. Nil uses DefaultConfig().
//	invoker - Runs dbt against the stored project.
//	gen - Regenerates artifacts.
//	logger - Logger for structured logging. Nil uses slog.Default().
//
// Outputs:
//
//	*Engine - The engine.
func NewEngine(cfg *Config, invoker dbt.Invoker, gen Generator, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	adjusted := cfg.Validate()
	if adjusted == nil {
		adjusted = cfg.adjusted
	}
	if adjusted != nil {
		logger.Warn("Engine config adjusted", slog.String("error", adjusted.Error()))
	}
	return &Engine{
		config:  cfg,
		invoker: invoker,
		gen:     gen,
		logger:  logger,
	}
}

// Config returns the engine's configuration.
func (e *Engine) Config() *Config {
	return e.config
}

// Validate runs one phase until it succeeds or stops.
//
// Description:
//
//	Drives the state machine from READY to SUCCEEDED or EXHAUSTED. Each
//	attempt invokes dbt once; a correctable failure regenerates exactly the
//	implicated artifact with the quoted failure before the next attempt.
//	Panics and unexpected errors inside a step end the session as a
//	structural failure, so a session always terminates with a Result.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	req - The session request.
//
// Outputs:
//
//	*Result - The final record. Check Result.Success or Result.Err().
//	error - Non-nil only for invalid input or a misconfigured engine.
func (e *Engine) Validate(ctx context.Context, req Request) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if e.invoker == nil {
		return nil, ErrNoInvoker
	}
	if e.gen == nil {
		return nil, ErrNoGenerator
	}

	req.Project = artifact.SanitizeName(req.Project)
	if req.Project == "" {
		return nil, fmt.Errorf("%w: project name has no usable characters", ErrInvalidRequest)
	}

	s := &session{
		id:    req.SessionID,
		req:   req,
		state: StateReady,
		start: time.Now(),
	}
	if s.id == "" {
		s.id = uuid.New().String()[:8]
	}

	ctx, span := startSessionSpan(ctx, s.id, req)
	defer span.End()

	e.logger.Info("Starting validation session",
		slog.String("session_id", s.id),
		slog.String("project", req.Project),
		slog.String("phase", req.Phase.String()),
		slog.Int("max_attempts", e.config.MaxAttempts),
	)

	ctx, cancel := context.WithTimeout(ctx, e.config.TotalTimeout)
	defer cancel()

	for !s.state.IsTerminal() {
		select {
		case <-ctx.Done():
			reason := ReasonStructural
			msg := ctx.Err().Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ReasonTimeout
				msg = fmt.Sprintf("%v after %s", ErrTotalTimeout, time.Since(s.start).Round(time.Millisecond))
			}
			e.logger.Warn("Validation session stopped",
				slog.String("session_id", s.id),
				slog.String("state", s.state.String()),
				slog.String("error", msg),
			)
			e.exhaust(ctx, s, reason, msg)
		default:
			if err := e.step(ctx, s); err != nil {
				e.logger.Error("Step failed",
					slog.String("session_id", s.id),
					slog.String("state", s.state.String()),
					slog.String("error", err.Error()),
				)
				e.exhaust(ctx, s, ReasonStructural, err.Error())
			}
		}
	}

	res := s.result()
	setSessionSpanResult(span, res)
	recordSessionMetrics(ctx, req.Phase, res.Duration, res.Success, res.Reason)

	e.logger.Info("Validation session complete",
		slog.String("session_id", s.id),
		slog.String("phase", req.Phase.String()),
		slog.String("final_state", res.State.String()),
		slog.String("reason", string(res.Reason)),
		slog.Int("attempts", res.Attempts),
		slog.Int("regenerations", res.Regenerations),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// step executes one state handler. A panic becomes an error.
func (e *Engine) step(ctx context.Context, s *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", s.state, r)
		}
	}()

	switch s.state {
	case StateReady:
		return e.transition(ctx, s, StateRunning)
	case StateRunning:
		return e.stepRun(ctx, s)
	case StateEvaluating:
		return e.stepEvaluate(ctx, s)
	case StateRegenerating:
		return e.stepRegenerate(ctx, s)
	}
	return &StateTransitionError{From: s.state, To: s.state}
}

// transition changes state with logging.
func (e *Engine) transition(ctx context.Context, s *session, to State) error {
	from := s.state
	if !canTransition(from, to) {
		return &StateTransitionError{From: from, To: to}
	}
	s.state = to

	recordStateTransition(ctx, from, to)

	e.logger.Info("Validation state transition",
		slog.String("session_id", s.id),
		slog.String("phase", s.req.Phase.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", s.attempt),
	)
	return nil
}

// exhaust ends the session without success.
func (e *Engine) exhaust(ctx context.Context, s *session, reason Reason, msg string) {
	s.reason = reason
	s.message = msg
	if s.state.IsTerminal() {
		return
	}
	if err := e.transition(ctx, s, StateExhausted); err != nil {
		// Every non-terminal state may move to EXHAUSTED.
		s.state = StateExhausted
	}
}

// =============================================================================
// STATE HANDLERS
// =============================================================================

func (e *Engine) stepRun(ctx context.Context, s *session) error {
	s.attempt++
	cmd := s.req.Phase.Command()

	e.logger.Debug("Invoking dbt",
		slog.String("session_id", s.id),
		slog.String("command", cmd.String()),
		slog.Int("attempt", s.attempt),
		slog.Int("max", e.config.MaxAttempts),
	)

	ictx, cancel := context.WithTimeout(ctx, e.config.InvocationTimeout)
	res, err := e.invoker.Invoke(ictx, s.req.Project, cmd)
	cancel()
	if err != nil || res == nil {
		if err == nil {
			err = errors.New("invoker returned no result")
		}
		res = &dbt.Result{Command: cmd, Exception: err.Error(), ExitCode: -1, Structural: true, Cause: err}
	}
	s.last = res

	s.records = append(s.records, AttemptRecord{
		Index:    s.attempt,
		Command:  res.CommandLine(),
		Output:   res.Output(),
		Units:    res.Units,
		Duration: res.Duration,
	})
	return e.transition(ctx, s, StateEvaluating)
}

func (e *Engine) stepEvaluate(ctx context.Context, s *session) error {
	rec := s.current()
	res := s.last
	canRetry := s.attempt < e.config.MaxAttempts
	phase := s.req.Phase

	if s.attempt > 1 {
		// Only the final record keeps the full output.
		prev := &s.records[len(s.records)-2]
		prev.Output = truncate(prev.Output, e.config.MaxOutputBytes)
	}

	if res.Success {
		if !warningPattern.MatchString(rec.Output) {
			rec.Outcome = OutcomeSuccess
			recordAttempt(ctx, phase, rec.Outcome)
			s.message = fmt.Sprintf("dbt %s succeeded on attempt %d of %d", res.Command, s.attempt, e.config.MaxAttempts)
			return e.transition(ctx, s, StateSucceeded)
		}

		warnings := ClassifyWarning(rec.Output)
		rec.Outcome = OutcomeWarning
		rec.Classification = &warnings
		recordAttempt(ctx, phase, rec.Outcome)
		if canRetry && e.config.WarningRetry(phase) {
			s.class = warnings
			e.logger.Info("Retrying to clear warnings",
				slog.String("session_id", s.id),
				slog.Int("attempt", s.attempt),
				slog.String("hint", warnings.Hint),
			)
			return e.transition(ctx, s, StateRegenerating)
		}
		s.message = fmt.Sprintf("dbt %s succeeded on attempt %d of %d with warnings", res.Command, s.attempt, e.config.MaxAttempts)
		return e.transition(ctx, s, StateSucceeded)
	}

	c := Classify(rec.Output, res.Structural)
	rec.Outcome = OutcomeFailure
	rec.Classification = &c
	recordAttempt(ctx, phase, rec.Outcome)
	s.class = c

	e.logger.Info("Attempt failed",
		slog.String("session_id", s.id),
		slog.Int("attempt", s.attempt),
		slog.String("class", string(c.Class)),
		slog.String("rule", string(c.Rule)),
		slog.String("hint", c.Hint),
	)

	switch {
	case c.Class == ClassStructural:
		e.exhaust(ctx, s, ReasonStructural, c.Message)
	case c.Rule == RuleDataFailure:
		e.exhaust(ctx, s, ReasonDataFailure, dataFailureSummary(res, c))
	case c.Class == ClassFatal:
		e.exhaust(ctx, s, ReasonUncorrectable, c.Message)
	case c.Soft && !e.config.WarningRetry(phase):
		e.exhaust(ctx, s, ReasonUncorrectable, c.Message)
	case !canRetry:
		e.exhaust(ctx, s, ReasonAttemptsExhausted,
			fmt.Sprintf("dbt %s still failing after %d attempts: %s", res.Command, s.attempt, c.Message))
	default:
		return e.transition(ctx, s, StateRegenerating)
	}
	return nil
}

func (e *Engine) stepRegenerate(ctx context.Context, s *session) error {
	rec := s.current()
	t, ok := e.target(s, s.class)
	if !ok {
		hint := s.class.Hint
		if hint == "" {
			hint = "the failing artifact"
		}
		e.exhaust(ctx, s, ReasonUncorrectable, fmt.Sprintf("no generator can repair %s: %s", hint, s.class.Message))
		return nil
	}

	params := regenerators[t.kind](s.req, t)
	e.logger.Info("Regenerating artifact",
		slog.String("session_id", s.id),
		slog.String("kind", t.kind.String()),
		slog.String("name", t.name),
		slog.Any("tests", t.tests),
		slog.Int("attempt", s.attempt),
	)

	gctx, cancel := context.WithTimeout(ctx, e.config.SynthesizerTimeout)
	gres, err := e.gen.Generate(gctx, generate.Request{
		Project: s.req.Project,
		Params:  params,
		Fix:     t.fix,
	})
	cancel()

	if err != nil {
		rec.RegenerationError = err.Error()
		recordRegeneration(ctx, t.kind.String(), false)
		e.logger.Warn("Regeneration failed",
			slog.String("session_id", s.id),
			slog.String("kind", t.kind.String()),
			slog.String("error", err.Error()),
		)
		if isInputError(err) {
			e.exhaust(ctx, s, ReasonRegeneration, fmt.Sprintf("regenerating %s: %v", t.kind, err))
			return nil
		}
		// Counted against the budget: the next attempt reruns the old artifact.
		return e.transition(ctx, s, StateRunning)
	}

	if gres != nil {
		rec.Regenerated = gres.Paths
	}
	s.regenerations++
	recordRegeneration(ctx, t.kind.String(), true)
	return e.transition(ctx, s, StateRunning)
}

// target picks the artifact to regenerate.
//
// The classification's file hint decides the kind. Without a hint the build
// phase falls back to the model and the test phase to the failing tests.
func (e *Engine) target(s *session, c Classification) (target, bool) {
	kind, name, ok := c.Target()

	if s.req.Phase == PhaseTest && (!ok || kind == artifact.KindTest) {
		ids, fix := failingTests(s.last, name, c.Message)
		if len(ids) == 0 {
			return target{}, false
		}
		return target{kind: artifact.KindTest, tests: ids, fix: fix}, true
	}

	if !ok {
		kind, name = artifact.KindModel, s.req.ModelName
	}
	if _, known := regenerators[kind]; !known {
		return target{}, false
	}
	t := target{kind: kind, name: name, fix: c.Message}
	if kind == artifact.KindTest {
		t.tests = []string{name}
	}
	return t, true
}

// failingTests lists tests that broke rather than returned rows, with the
// hinted test first, and joins their messages into one fix text.
func failingTests(res *dbt.Result, hinted, fallback string) ([]string, string) {
	var (
		ids  []string
		msgs []string
		seen = make(map[string]bool)
	)
	add := func(id, msg string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
		if msg != "" {
			msgs = append(msgs, msg)
		}
	}

	var units []artifact.TestResult
	if res != nil {
		units = res.Units
	}
	if hinted != "" {
		msg := ""
		for _, u := range units {
			if u.TestID == hinted {
				msg = u.Message
			}
		}
		if msg == "" {
			msg = fallback
		}
		add(hinted, msg)
	}
	for _, u := range units {
		if u.Status == artifact.StatusPass || u.Status == artifact.StatusSkip || IsDataFailure(u.Message) {
			continue
		}
		add(u.TestID, u.Message)
	}

	fix := strings.Join(msgs, "\n\n")
	if fix == "" {
		fix = fallback
	}
	return ids, fix
}

func dataFailureSummary(res *dbt.Result, c Classification) string {
	failed := res.Failed()
	if len(failed) == 0 {
		return c.Message
	}
	return fmt.Sprintf("%d of %d test(s) did not pass: %s", len(failed), len(res.Units), c.Message)
}

func isInputError(err error) bool {
	return errors.Is(err, generate.ErrInvalidRequest) ||
		errors.Is(err, generate.ErrInputNotFound) ||
		errors.Is(err, generate.ErrUnsupportedKind) ||
		errors.Is(err, generate.ErrNilContext)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [truncated]"
}
