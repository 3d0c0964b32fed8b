// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
	"github.com/AleutianAI/dbtforge/services/engine"
	"github.com/AleutianAI/dbtforge/services/generate"
	"github.com/AleutianAI/dbtforge/services/store"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Validator runs a validation session. *engine.Engine satisfies it.
type Validator interface {
	Validate(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// DeployTarget is where deploy_project copies a project.
type DeployTarget struct {
	// Store is the destination. Nil means the artifact store itself.
	Store store.Store

	// Prefix is prepended to the project name at the destination.
	Prefix string

	// Parallelism bounds concurrent copies.
	Parallelism int
}

// Deps are the services the built-in tools call.
type Deps struct {
	Generator engine.Generator
	Invoker   dbt.Invoker
	Validator Validator
	Store     store.Store
	Deploy    DeployTarget
}

// Tool names.
const (
	ToolGenerateProfiles   = "generate_profiles"
	ToolGenerateDbtProject = "generate_dbt_project"
	ToolGenerateSchema     = "generate_schema"
	ToolGenerateModel      = "generate_model"
	ToolGenerateSnapshot   = "generate_snapshot"
	ToolGenerateMacro      = "generate_macro"
	ToolGenerateTestPlan   = "generate_test_plan"
	ToolGenerateTests      = "generate_tests"
	ToolRunDbt             = "run_dbt"
	ToolValidateBuild      = "validate_build"
	ToolValidateTests      = "validate_tests"
	ToolGenerateTestReport = "generate_test_report"
	ToolDeployProject      = "deploy_project"
)

// RegisterDefaults registers the built-in tools.
//
// Inputs:
//
//	r - The registry.
//	deps - Services the tools call. Tools whose dependency is nil are not
//	       registered.
//
// Outputs:
//
//	error - ErrDuplicateTool if a name is already taken.
func RegisterDefaults(r *Registry, deps Deps) error {
	var all []Tool
	if deps.Generator != nil {
		all = append(all, generatorTools(deps.Generator)...)
	}
	if deps.Invoker != nil {
		all = append(all, &runDbtTool{invoker: deps.Invoker})
	}
	if deps.Validator != nil {
		all = append(all,
			&validateTool{name: ToolValidateBuild, phase: engine.PhaseBuild, validator: deps.Validator},
			&validateTool{name: ToolValidateTests, phase: engine.PhaseTest, validator: deps.Validator},
		)
	}
	if deps.Store != nil {
		all = append(all, &deployTool{src: deps.Store, target: deps.Deploy})
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SHARED PARAMETERS
// =============================================================================

var validate = validator.New()

func str(desc string, required bool) ParamDef {
	return ParamDef{Type: ParamTypeString, Description: desc, Required: required}
}

func strList(desc string) ParamDef {
	return ParamDef{Type: ParamTypeArray, Description: desc, Items: &ParamDef{Type: ParamTypeString}}
}

var (
	projectParam     = str("Project name. Inferred from the input path when omitted.", false)
	projectRequired  = str("Project name.", true)
	mappingPathParam = str("Store path or gs:// URI of the uploaded mapping file.", true)
	modelNameParam   = str("Name of the dbt model.", true)
	fixParam         = str("Failure text from a previous run that the regenerated file must fix.", false)
	profileNameParam = str("dbt profile name. Defaults to the project name.", false)
	planPathParam    = str("Store path of the test plan. Defaults to the project's plan.", false)
)

// decodeArgs converts JSON arguments into a typed struct.
func decodeArgs(params map[string]any, dst any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &ValidationError{Parameter: "params", Message: err.Error()}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &ValidationError{Parameter: "params", Message: err.Error()}
	}
	return nil
}

// decode is decodeArgs followed by struct validation.
func decode(params map[string]any, dst any) error {
	if err := decodeArgs(params, dst); err != nil {
		return err
	}
	if err := validate.Struct(dst); err != nil {
		return &ValidationError{Parameter: "params", Message: err.Error()}
	}
	return nil
}

// =============================================================================
// GENERATOR TOOLS
// =============================================================================

type commonArgs struct {
	Project string `json:"project"`
	Fix     string `json:"fix"`
}

// generateTool calls one generator. P is the generator's parameter type.
type generateTool[P generate.Params] struct {
	def     ToolDefinition
	gen     engine.Generator
	prepare func(*P)
}

func (t *generateTool[P]) Definition() ToolDefinition {
	return t.def
}

func (t *generateTool[P]) Execute(ctx context.Context, params map[string]any) (Result, error) {
	// The generator validates its own parameters and reports failures as
	// an ERROR result.
	var p P
	if err := decodeArgs(params, &p); err != nil {
		return nil, err
	}
	var common commonArgs
	if err := decodeArgs(params, &common); err != nil {
		return nil, err
	}
	if t.prepare != nil {
		t.prepare(&p)
	}
	res, err := t.gen.Generate(ctx, generate.Request{Project: common.Project, Params: p, Fix: common.Fix})
	return generationResult(res, err), nil
}

func generationResult(res *generate.Result, err error) Result {
	if err != nil {
		out := errorResult(err.Error())
		if res != nil && res.Raw != "" {
			out["raw_output"] = res.Raw
		}
		return out
	}
	out := Result{
		KeyResult:       ResultSuccess,
		KeyMessage:      res.Message,
		KeyDownloadable: res.Kind == artifact.KindTestPlan || res.Kind == artifact.KindReport,
		"project":       res.Project,
	}
	if len(res.Paths) > 0 {
		out[KeyOutputPath] = res.Paths[0]
		out[KeyOutputPaths] = res.Paths
	}
	if res.Plan != nil {
		out["test_cases"] = len(res.Plan.Cases)
	}
	if res.Report != nil {
		out["summary"] = artifact.Summarize(res.Report)
	}
	return out
}

func generatorTools(gen engine.Generator) []Tool {
	return []Tool{
		&generateTool[generate.ProfilesParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateProfiles,
			Description: "Write profiles.yml with the BigQuery connection for the project.",
			SideEffects: true,
			Parameters: map[string]ParamDef{
				"project":         projectRequired,
				"profile_name":    profileNameParam,
				"gcp_project":     str("GCP project that holds the dataset.", true),
				"dataset":         str("BigQuery dataset the models build into.", true),
				"location":        str("BigQuery location, e.g. EU or US.", false),
				"keyfile":         str("Service account key file. OAuth is used when empty.", false),
				"threads":         {Type: ParamTypeInt, Description: "dbt threads.", Default: float64(1)},
				"timeout_seconds": {Type: ParamTypeInt, Description: "Query timeout in seconds.", Default: float64(300)},
			},
		}},
		&generateTool[generate.ConfigParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateDbtProject,
			Description: "Write dbt_project.yml for the project.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":      projectRequired,
				"profile_name": profileNameParam,
				"fix":          fixParam,
			},
		}},
		&generateTool[generate.SchemaParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateSchema,
			Description: "Write models/schema.yml declaring the sources and the model from a mapping file.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":      projectParam,
				"mapping_path": mappingPathParam,
				"model_name":   modelNameParam,
				"fix":          fixParam,
			},
		}},
		&generateTool[generate.ModelParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateModel,
			Description: "Write the model SQL implementing a mapping file.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":      projectParam,
				"mapping_path": mappingPathParam,
				"model_name":   modelNameParam,
				"fix":          fixParam,
			},
		}},
		&generateTool[generate.SnapshotParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateSnapshot,
			Description: "Write a dbt snapshot for a source table.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":       projectRequired,
				"name":          str("Snapshot name.", true),
				"source_table":  str("Source table as dataset.table or project.dataset.table.", true),
				"unique_key":    str("Column that identifies a row.", true),
				"strategy":      {Type: ParamTypeString, Description: "Change detection strategy.", Required: true, Enum: []any{"check", "timestamp"}},
				"check_cols":    strList("Columns compared by the check strategy."),
				"updated_at":    str("Timestamp column for the timestamp strategy.", false),
				"target_schema": str("Schema the snapshot table is written to.", true),
				"fix":           fixParam,
			},
		}},
		&generateTool[generate.MacroParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateMacro,
			Description: "Write a Jinja macro.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":     projectRequired,
				"name":        str("Macro name.", true),
				"description": str("What the macro does.", true),
				"fix":         fixParam,
			},
		}},
		&generateTool[generate.TestPlanParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateTestPlan,
			Description: "Write the CSV test plan for a model.",
			SideEffects: true,
			Timeout:     3 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":      projectParam,
				"mapping_path": mappingPathParam,
				"model_name":   modelNameParam,
			},
		}},
		&generateTool[generate.TestCodeParams]{gen: gen, def: ToolDefinition{
			Name:        ToolGenerateTests,
			Description: "Write one singular test per test plan row.",
			SideEffects: true,
			Timeout:     5 * time.Minute,
			Parameters: map[string]ParamDef{
				"project":    projectParam,
				"model_name": modelNameParam,
				"plan_path":  planPathParam,
				"only":       strList("Test IDs to regenerate. Empty regenerates the whole plan."),
				"fix":        fixParam,
			},
		}},
		&generateTool[generate.ReportParams]{gen: gen, prepare: normalizeResults, def: ToolDefinition{
			Name:        ToolGenerateTestReport,
			Description: "Join the test plan with test results into the CSV test report.",
			SideEffects: true,
			Parameters: map[string]ParamDef{
				"project":   projectParam,
				"plan_path": planPathParam,
				"results": {
					Type:        ParamTypeArray,
					Description: "Per-test results from validate_tests.",
					Required:    true,
					Items: &ParamDef{Type: ParamTypeObject, Properties: map[string]ParamDef{
						"test_name": str("Test ID.", true),
						"status":    str("PASS, FAIL, ERROR or SKIP.", true),
						"message":   str("Failure message.", false),
					}},
				},
			},
		}},
	}
}

func normalizeResults(p *generate.ReportParams) {
	for i := range p.Results {
		p.Results[i].Status = artifact.NormalizeStatus(string(p.Results[i].Status))
	}
}

// =============================================================================
// RUN_DBT
// =============================================================================

type runDbtArgs struct {
	Project string   `json:"project" validate:"required"`
	Command string   `json:"command" validate:"required"`
	Args    []string `json:"args"`
}

type runDbtTool struct {
	invoker dbt.Invoker
}

func (t *runDbtTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRunDbt,
		Description: "Run one dbt command against the stored project once, without regeneration.",
		Parameters: map[string]ParamDef{
			"project": projectRequired,
			"command": {
				Type:        ParamTypeString,
				Description: "dbt command.",
				Required:    true,
				Enum:        []any{"run", "test", "snapshot", "list", "debug", "build", "compile", "seed"},
			},
			"args": strList("Extra command-line arguments, e.g. [\"--select\", \"orders\"]."),
		},
	}
}

func (t *runDbtTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	var args runDbtArgs
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	cmd, err := dbt.ParseCommand(args.Command)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	res, err := t.invoker.Invoke(ctx, args.Project, cmd, args.Args...)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	out := Result{
		KeyStdout:   res.Output(),
		"command":   res.CommandLine(),
		"exit_code": res.ExitCode,
	}
	switch {
	case res.Success:
		out[KeyResult] = ResultSuccess
		out[KeyMessage] = fmt.Sprintf("%s succeeded", res.CommandLine())
	case res.Structural:
		out[KeyResult] = ResultError
		out[KeyMessage] = res.Exception
	default:
		out[KeyResult] = ResultFailed
		out[KeyMessage] = fmt.Sprintf("%s failed: %d unit(s) did not pass", res.CommandLine(), len(res.Failed()))
	}
	if cmd.RunsTests() {
		out[KeyTestResults] = units(res.Units)
	}
	return out, nil
}

// =============================================================================
// VALIDATION TOOLS
// =============================================================================

type validateArgs struct {
	Project     string `json:"project" validate:"required"`
	ModelName   string `json:"model_name" validate:"required"`
	MappingPath string `json:"mapping_path"`
	PlanPath    string `json:"plan_path"`
	ProfileName string `json:"profile_name"`
}

type validateTool struct {
	name      string
	phase     engine.Phase
	validator Validator
}

func (t *validateTool) Definition() ToolDefinition {
	params := map[string]ParamDef{
		"project":      projectRequired,
		"model_name":   modelNameParam,
		"profile_name": profileNameParam,
	}
	desc := "Run the models and repair the implicated file after each failure, up to three attempts."
	if t.phase == engine.PhaseTest {
		desc = "Run the tests and repair broken test or model files after each failure, up to three attempts. Tests that return rows are reported, not repaired."
		params["mapping_path"] = str("Mapping file, needed when the model must be regenerated.", false)
		params["plan_path"] = planPathParam
	} else {
		params["mapping_path"] = mappingPathParam
	}
	return ToolDefinition{Name: t.name, Description: desc, SideEffects: true, Parameters: params}
}

func (t *validateTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	var args validateArgs
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	res, err := t.validator.Validate(ctx, engine.Request{
		Project:     args.Project,
		Phase:       t.phase,
		ModelName:   args.ModelName,
		MappingPath: args.MappingPath,
		PlanPath:    args.PlanPath,
		ProfileName: args.ProfileName,
	})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	out := Result{
		KeyMessage:      res.Message,
		KeyAttempts:     res.Attempts,
		KeyStdout:       res.Output,
		"state":         res.State.String(),
		"outcome":       string(res.Outcome),
		"regenerations": res.Regenerations,
		"session_id":    res.SessionID,
	}
	if res.Success {
		out[KeyResult] = ResultSuccess
	} else {
		out[KeyResult] = ResultFailed
		out["reason"] = string(res.Reason)
		if res.Reason == engine.ReasonStructural {
			out[KeyResult] = ResultError
		}
	}
	if t.phase == engine.PhaseTest {
		out[KeyTestResults] = units(res.Units)
	}
	return out, nil
}

func units(in []artifact.TestResult) []artifact.TestResult {
	if in == nil {
		return []artifact.TestResult{}
	}
	return in
}

// =============================================================================
// DEPLOY_PROJECT
// =============================================================================

type deployArgs struct {
	Project string `json:"project" validate:"required"`
}

type deployTool struct {
	src    store.Store
	target DeployTarget
}

func (t *deployTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolDeployProject,
		Description: "Copy every file of the project to the deployment location.",
		SideEffects: true,
		Timeout:     5 * time.Minute,
		Parameters: map[string]ParamDef{
			"project": projectRequired,
		},
	}
}

func (t *deployTool) Execute(ctx context.Context, params map[string]any) (Result, error) {
	var args deployArgs
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	project := artifact.SanitizeName(args.Project)
	if project == "" {
		return errorResult(fmt.Sprintf("invalid project name %q", args.Project)), nil
	}

	dst := t.target.Store
	if dst == nil {
		dst = t.src
	}
	dest := path.Join(t.target.Prefix, project)
	if t.target.Store == nil && dest == project {
		return errorResult("no deployment destination configured"), nil
	}

	written, err := store.CopyPrefix(ctx, t.src, dst, project+"/", dest, t.target.Parallelism)
	if err != nil {
		return errorResult(fmt.Sprintf("deploy %s: %v", project, err)), nil
	}
	return Result{
		KeyResult:      ResultSuccess,
		KeyMessage:     fmt.Sprintf("Deployed %d file(s) of %s to %s", len(written), project, dst.URI(dest)),
		KeyOutputPaths: written,
		"destination":  dst.URI(dest),
	}, nil
}
