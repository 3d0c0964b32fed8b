// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/synth"
)

// =============================================================================
// TEST PLAN
// =============================================================================

func (s *Service) generateTestPlan(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(TestPlanParams)
	m, err := s.loadMapping(ctx, p.MappingPath)
	if err != nil {
		return err
	}
	model := artifact.SanitizeName(p.ModelName)

	current, _ := artifact.Resolve(project, artifact.KindTestPlan, "")
	parts := []synth.Part{
		synth.Text(formatContract),
		synth.Text(fmt.Sprintf(testPlanContract, artifact.MaxTestCases, model)),
	}
	parts = append(parts, mappingParts(m)...)
	parts = append(parts, s.fixParts(ctx, req.Fix, current)...)

	raw, err := s.synthesize(ctx, artifact.KindTestPlan, parts)
	if err != nil {
		return err
	}
	res.Raw = raw

	text, err := clean(artifact.KindTestPlan, raw)
	if err != nil {
		return err
	}
	plan, err := artifact.ParseTestPlan([]byte(text))
	if err != nil {
		return &GenerationError{Kind: artifact.KindTestPlan, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
	}
	if plan.Duplicates > 0 || plan.Truncated > 0 {
		s.logger.Info("Test plan normalized",
			slog.String("project", project),
			slog.Int("duplicates_dropped", plan.Duplicates),
			slog.Int("truncated", plan.Truncated),
		)
	}
	plan.SetModel(model)

	content, err := plan.CSV()
	if err != nil {
		return err
	}
	out, err := s.write(ctx, project, artifact.KindTestPlan, "", content, p.MappingPath)
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	res.Plan = plan
	res.Message = fmt.Sprintf("Generated test plan with %d test case(s)", len(plan.Cases))
	return nil
}

// loadPlan reads the test plan at planPath, or the project's plan when empty.
func (s *Service) loadPlan(ctx context.Context, project, planPath string) (*artifact.TestPlan, string, error) {
	if planPath == "" {
		var err error
		if planPath, err = artifact.Resolve(project, artifact.KindTestPlan, ""); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	data, err := s.readInput(ctx, planPath, "Test plan")
	if err != nil {
		return nil, planPath, err
	}
	plan, err := artifact.ParseTestPlan(data)
	if err != nil {
		return nil, planPath, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return plan, planPath, nil
}

// =============================================================================
// TEST CODE
// =============================================================================

// generateTestCode writes one SQL test per plan row, named after the row's
// Test ID. Output files that match no requested row are discarded.
func (s *Service) generateTestCode(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(TestCodeParams)
	model := artifact.SanitizeName(p.ModelName)

	plan, planPath, err := s.loadPlan(ctx, project, p.PlanPath)
	if err != nil {
		return err
	}
	plan.SetModel(model)

	wanted := plan
	if len(p.Only) > 0 {
		wanted = &artifact.TestPlan{}
		for _, id := range p.Only {
			if c, ok := plan.Lookup(artifact.SanitizeName(id)); ok {
				wanted.Cases = append(wanted.Cases, c)
			}
		}
		if len(wanted.Cases) == 0 {
			return fmt.Errorf("%w: none of %v are in the test plan", ErrInvalidRequest, p.Only)
		}
	}

	planCSV, err := wanted.CSV()
	if err != nil {
		return err
	}
	parts := []synth.Part{
		synth.Text(formatContract),
		synth.Text(fmt.Sprintf(testCodeContract, model)),
		synth.Table("Test plan", planCSV),
	}
	if len(wanted.Cases) == 1 {
		current, _ := artifact.Resolve(project, artifact.KindTest, wanted.Cases[0].ID)
		parts = append(parts, s.fixParts(ctx, req.Fix, current)...)
	} else {
		parts = append(parts, s.fixParts(ctx, req.Fix, "")...)
	}

	raw, err := s.synthesize(ctx, artifact.KindTest, parts)
	if err != nil {
		return err
	}
	res.Raw = raw

	files, err := artifact.SplitTestFiles(raw)
	if err != nil {
		return &GenerationError{Kind: artifact.KindTest, Raw: raw, Cause: fmt.Errorf("%w: %v", ErrUnparsableOutput, err)}
	}
	var keep []artifact.TestFile
	for _, f := range files {
		if _, ok := wanted.Lookup(f.Name); ok {
			keep = append(keep, f)
			continue
		}
		s.logger.Warn("Discarding test not in plan", slog.String("test", f.Name))
	}
	if len(keep) == 0 {
		return &GenerationError{Kind: artifact.KindTest, Raw: raw,
			Cause: fmt.Errorf("%w: no generated test matches a plan Test ID", ErrUnparsableOutput)}
	}

	paths := make([]string, len(keep))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, f := range keep {
		g.Go(func() error {
			out, err := s.write(gctx, project, artifact.KindTest, f.Name, []byte(f.SQL), planPath)
			if err != nil {
				return err
			}
			paths[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	res.Paths = append(res.Paths, paths...)

	if missing := len(wanted.Cases) - len(keep); missing > 0 {
		res.Message = fmt.Sprintf("Generated %d of %d planned test(s)", len(keep), len(wanted.Cases))
	}
	return nil
}

// =============================================================================
// REPORT
// =============================================================================

func (s *Service) generateReport(ctx context.Context, project string, req Request, res *Result) error {
	p := req.Params.(ReportParams)
	plan, planPath, err := s.loadPlan(ctx, project, p.PlanPath)
	if err != nil {
		return err
	}

	rows := artifact.BuildReport(plan, p.Results)
	content, err := artifact.RenderReport(rows)
	if err != nil {
		return err
	}
	res.Raw = string(content)

	out, err := s.write(ctx, project, artifact.KindReport, "", content, planPath)
	if err != nil {
		return err
	}
	res.Paths = append(res.Paths, out)
	res.Report = rows

	sum := artifact.Summarize(rows)
	res.Message = fmt.Sprintf("Test report: %d passed, %d failed, %d error, %d not run",
		sum[artifact.StatusPass], sum[artifact.StatusFail], sum[artifact.StatusError], sum[artifact.StatusNotRun])
	return nil
}
