// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generate produces dbt project artifacts.
//
// Each artifact kind has one generator, registered in a lookup table keyed by
// artifact.Kind. A generator resolves its deterministic output path, builds an
// instruction from a format contract, a kind contract and the mapping input,
// calls the synthesizer at most once, cleans the output and writes it to the
// store with provenance metadata. Kinds whose content is fully determined by
// their parameters (profiles, report) are rendered without a synthesizer call.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/mapping"
	"github.com/AleutianAI/dbtforge/services/store"
	"github.com/AleutianAI/dbtforge/services/synth"
	"github.com/AleutianAI/dbtforge/services/warehouse"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidRequest indicates missing or malformed parameters.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrUnsupportedKind indicates a kind with no registered generator.
	ErrUnsupportedKind = errors.New("unsupported artifact kind")

	// ErrInputNotFound indicates the mapping or test plan does not exist.
	ErrInputNotFound = errors.New("input file not found")

	// ErrSynthesis indicates the synthesizer call failed.
	ErrSynthesis = errors.New("content synthesis failed")

	// ErrUnparsableOutput indicates synthesizer output that could not be turned
	// into a valid artifact.
	ErrUnparsableOutput = errors.New("unparsable synthesizer output")
)

// GenerationError is a failed generator call. Raw keeps the synthesizer
// output, when there was one, for debugging.
type GenerationError struct {
	Kind  artifact.Kind
	Raw   string
	Cause error
}

// Error implements error.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Kind, e.Cause)
}

// Unwrap returns the cause.
func (e *GenerationError) Unwrap() error {
	return e.Cause
}

// =============================================================================
// PARAMETERS
// =============================================================================

// Params is the kind-specific parameter set of a request. The concrete type
// selects the generator.
type Params interface {
	Kind() artifact.Kind
}

// ProfilesParams parameterize profiles.yml.
type ProfilesParams struct {
	// ProfileName defaults to the project name.
	ProfileName    string `json:"profile_name,omitempty"`
	GCPProject     string `json:"gcp_project" validate:"required"`
	Dataset        string `json:"dataset" validate:"required"`
	Location       string `json:"location,omitempty"`
	Keyfile        string `json:"keyfile,omitempty"`
	Threads        int    `json:"threads,omitempty" validate:"gte=0,lte=64"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// ConfigParams parameterize dbt_project.yml.
type ConfigParams struct {
	// ProfileName defaults to the project name.
	ProfileName string `json:"profile_name,omitempty"`
}

// SchemaParams parameterize models/schema.yml.
type SchemaParams struct {
	MappingPath string `json:"mapping_path" validate:"required"`
	ModelName   string `json:"model_name" validate:"required"`
}

// ModelParams parameterize a model.
type ModelParams struct {
	MappingPath string `json:"mapping_path" validate:"required"`
	ModelName   string `json:"model_name" validate:"required"`
}

// SnapshotParams parameterize a snapshot.
type SnapshotParams struct {
	Name string `json:"name" validate:"required"`

	// SourceTable is "dataset.table" or "project.dataset.table".
	SourceTable  string   `json:"source_table" validate:"required"`
	UniqueKey    string   `json:"unique_key" validate:"required"`
	Strategy     string   `json:"strategy" validate:"required,oneof=check timestamp"`
	CheckCols    []string `json:"check_cols,omitempty" validate:"required_if=Strategy check"`
	UpdatedAt    string   `json:"updated_at,omitempty" validate:"required_if=Strategy timestamp"`
	TargetSchema string   `json:"target_schema" validate:"required"`
}

// MacroParams parameterize a macro.
type MacroParams struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description" validate:"required"`
}

// TestPlanParams parameterize the test plan.
type TestPlanParams struct {
	MappingPath string `json:"mapping_path" validate:"required"`
	ModelName   string `json:"model_name" validate:"required"`
}

// TestCodeParams parameterize test SQL generation.
type TestCodeParams struct {
	ModelName string `json:"model_name" validate:"required"`

	// PlanPath defaults to the project's test plan.
	PlanPath string `json:"plan_path,omitempty"`

	// Only restricts generation to these test IDs. Empty means the whole plan.
	Only []string `json:"only,omitempty"`
}

// ReportParams parameterize the test report.
type ReportParams struct {
	// PlanPath defaults to the project's test plan.
	PlanPath string                `json:"plan_path,omitempty"`
	Results  []artifact.TestResult `json:"results"`
}

func (ProfilesParams) Kind() artifact.Kind { return artifact.KindProfiles }
func (ConfigParams) Kind() artifact.Kind   { return artifact.KindConfig }
func (SchemaParams) Kind() artifact.Kind   { return artifact.KindSchema }
func (ModelParams) Kind() artifact.Kind    { return artifact.KindModel }
func (SnapshotParams) Kind() artifact.Kind { return artifact.KindSnapshot }
func (MacroParams) Kind() artifact.Kind    { return artifact.KindMacro }
func (TestPlanParams) Kind() artifact.Kind { return artifact.KindTestPlan }
func (TestCodeParams) Kind() artifact.Kind { return artifact.KindTest }
func (ReportParams) Kind() artifact.Kind   { return artifact.KindReport }

// =============================================================================
// REQUEST / RESULT
// =============================================================================

// Request is one generator call.
type Request struct {
	// Project is the project name. When empty it is inferred from the
	// mapping or plan path.
	Project string

	Params Params

	// Fix is the failure text of a previous attempt. When set, the current
	// artifact and the quoted failure are added to the instruction.
	Fix string
}

// Outcome is the status of a generator call.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
)

// Result is the outcome of a generator call. It is returned on success and
// on failure.
type Result struct {
	Kind    artifact.Kind
	Project string

	// Paths are the store paths written, in write order.
	Paths []string

	// Raw is the synthesizer output, or the rendered content when no
	// synthesizer call was made.
	Raw string

	Outcome Outcome
	Message string

	// Plan is set by the test plan generator.
	Plan *artifact.TestPlan

	// Report is set by the report generator.
	Report []artifact.ReportRow
}

// =============================================================================
// SERVICE
// =============================================================================

type generatorFunc func(s *Service, ctx context.Context, project string, req Request, res *Result) error

// generators is the dispatch table.
var generators = map[artifact.Kind]generatorFunc{
	artifact.KindProfiles: (*Service).generateProfiles,
	artifact.KindConfig:   (*Service).generateConfig,
	artifact.KindSchema:   (*Service).generateSchema,
	artifact.KindModel:    (*Service).generateModel,
	artifact.KindSnapshot: (*Service).generateSnapshot,
	artifact.KindMacro:    (*Service).generateMacro,
	artifact.KindTestPlan: (*Service).generateTestPlan,
	artifact.KindTest:     (*Service).generateTestCode,
	artifact.KindReport:   (*Service).generateReport,
}

// Service runs generators against one store and synthesizer.
//
// Thread Safety: Safe for concurrent use. Concurrent calls that target the
// same artifact path are last-writer-wins.
type Service struct {
	store       store.Store
	synth       synth.Synthesizer
	inspector   warehouse.Inspector
	logger      *slog.Logger
	author      string
	parallelism int
	now         func() time.Time
	validate    *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithInspector grounds schema and model generation in warehouse columns.
func WithInspector(i warehouse.Inspector) Option {
	return func(s *Service) { s.inspector = i }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAuthor sets the author metadata tag.
func WithAuthor(a string) Option {
	return func(s *Service) { s.author = a }
}

// WithParallelism bounds concurrent writes for multi-file output.
func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithClock overrides the clock used for generated_at metadata.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a generator service.
//
// Inputs:
//
//	st - Artifact store. Must not be nil.
//	sy - Content synthesizer. Must not be nil.
//	opts - Optional settings.
//
// Outputs:
//
//	*Service - The service.
func NewService(st store.Store, sy synth.Synthesizer, opts ...Option) *Service {
	s := &Service{
		store:       st,
		synth:       sy,
		logger:      slog.Default(),
		author:      artifact.DefaultAuthor,
		parallelism: 4,
		now:         time.Now,
		validate:    validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the artifact store the service writes to.
func (s *Service) Store() store.Store {
	return s.store
}

// Generate runs the generator for req.Params.
//
// Description:
//
//	Validates the parameters, resolves the project name, and dispatches to
//	the generator for the parameter kind. Nothing is written unless the
//	generator's content is complete and valid.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	req - The request.
//
// Outputs:
//
//	*Result - Always non-nil. Outcome is ERROR when err is non-nil.
//	error - ErrInvalidRequest, ErrUnsupportedKind, ErrInputNotFound, or a
//	        *GenerationError wrapping ErrSynthesis or ErrUnparsableOutput.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Outcome: OutcomeError}
	if ctx == nil {
		return s.fail(res, ErrNilContext)
	}
	if req.Params == nil {
		return s.fail(res, fmt.Errorf("%w: missing parameters", ErrInvalidRequest))
	}
	res.Kind = req.Params.Kind()

	gen, ok := generators[res.Kind]
	if !ok {
		return s.fail(res, fmt.Errorf("%w: %q", ErrUnsupportedKind, res.Kind))
	}
	if err := s.validate.Struct(req.Params); err != nil {
		return s.fail(res, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	project := artifact.SanitizeName(req.Project)
	if project == "" {
		project = artifact.SanitizeName(mapping.InferProjectName(inputPath(req.Params)))
	}
	if project == "" {
		return s.fail(res, fmt.Errorf("%w: project name is required", ErrInvalidRequest))
	}
	res.Project = project

	start := time.Now()
	if err := gen(s, ctx, project, req, res); err != nil {
		return s.fail(res, err)
	}

	res.Outcome = OutcomeSuccess
	if res.Message == "" {
		res.Message = fmt.Sprintf("Generated %d %s artifact(s)", len(res.Paths), res.Kind)
	}
	s.logger.Info("Artifact generated",
		slog.String("project", project),
		slog.String("kind", res.Kind.String()),
		slog.Int("files", len(res.Paths)),
		slog.Bool("fix", req.Fix != ""),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (s *Service) fail(res *Result, err error) (*Result, error) {
	res.Outcome = OutcomeError
	res.Message = err.Error()
	var gerr *GenerationError
	if errors.As(err, &gerr) && res.Raw == "" {
		res.Raw = gerr.Raw
	}
	s.logger.Warn("Artifact generation failed",
		slog.String("project", res.Project),
		slog.String("kind", res.Kind.String()),
		slog.String("error", err.Error()),
	)
	return res, err
}

// inputPath returns the path the project name can be inferred from.
func inputPath(p Params) string {
	switch v := p.(type) {
	case SchemaParams:
		return v.MappingPath
	case ModelParams:
		return v.MappingPath
	case TestPlanParams:
		return v.MappingPath
	case TestCodeParams:
		return v.PlanPath
	case ReportParams:
		return v.PlanPath
	}
	return ""
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// loadMapping reads and parses the mapping at location (store path or gs:// URI).
func (s *Service) loadMapping(ctx context.Context, location string) (*mapping.Mapping, error) {
	data, err := s.readInput(ctx, location, "Mapping file")
	if err != nil {
		return nil, err
	}
	m, err := mapping.Parse(location, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return m, nil
}

func (s *Service) readInput(ctx context.Context, location, what string) ([]byte, error) {
	_, object := store.ParseURI(location)
	ok, err := s.store.Exists(ctx, object)
	if errors.Is(err, store.ErrInvalidPath) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", location, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s not found at: %s", ErrInputNotFound, what, location)
	}
	data, err := s.store.Read(ctx, object)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// mappingParts renders a mapping as instruction parts.
func mappingParts(m *mapping.Mapping) []synth.Part {
	if m.Format == mapping.FormatImage {
		return []synth.Part{
			synth.Text("The source-to-target mapping is provided as the attached image."),
			synth.Image(m.Raw, m.MIMEType),
		}
	}
	return []synth.Part{synth.Table("Input CSV Content", m.Raw)}
}

// fixParts adds the corrective instruction. current is the content of the
// artifact that failed, when it could be read.
func (s *Service) fixParts(ctx context.Context, fix, currentPath string) []synth.Part {
	if fix == "" {
		return nil
	}
	parts := []synth.Part{synth.Text(fixPreamble)}
	if currentPath != "" {
		if data, err := s.store.Read(ctx, currentPath); err == nil {
			parts = append(parts, synth.Table("Current file content", data))
		}
	}
	parts = append(parts, synth.Text(FixInstruction(fix)))
	return parts
}

// FixInstruction formats a failure message as a corrective instruction.
func FixInstruction(failure string) string {
	return `fix: "` + strings.TrimSpace(failure) + `"`
}

// synthesize calls the synthesizer once and returns the raw text.
func (s *Service) synthesize(ctx context.Context, kind artifact.Kind, parts []synth.Part) (string, error) {
	raw, err := s.synth.Synthesize(ctx, parts)
	if err != nil {
		return "", &GenerationError{Kind: kind, Cause: fmt.Errorf("%w: %v", ErrSynthesis, err)}
	}
	if strings.TrimSpace(raw) == "" {
		return "", &GenerationError{Kind: kind, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, artifact.ErrEmptyOutput)}
	}
	return raw, nil
}

// clean post-processes raw output for kind.
func clean(kind artifact.Kind, raw string) (string, error) {
	out, err := artifact.Clean(kind, raw)
	if err != nil {
		return "", &GenerationError{Kind: kind, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
	}
	return out, nil
}

// write stores content at the resolved path with provenance metadata.
func (s *Service) write(ctx context.Context, project string, kind artifact.Kind, name string, content []byte, source string) (string, error) {
	p, err := artifact.Resolve(project, kind, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if source != "" {
		_, object := store.ParseURI(source)
		source = path.Base(object)
	}
	meta := artifact.Provenance(kind, s.author, source, s.now())
	if err := s.store.Write(ctx, p, content, meta); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}
