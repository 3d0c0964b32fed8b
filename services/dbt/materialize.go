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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/dbtforge/services/store"
)

// hoistDir is the per-project prefix whose contents land at the local root.
const hoistDir = "dbt/"

// =============================================================================
// WORKSPACE
// =============================================================================

// Workspace is one materialized copy of a project.
//
// Thread Safety: Close is safe to call more than once and from any goroutine.
type Workspace struct {
	// Root is the local directory holding the project.
	Root string

	// Files lists the materialized paths relative to Root, sorted.
	Files []string

	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Close removes the local copy.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = os.RemoveAll(w.Root)
		if w.closeErr != nil {
			w.logger.Warn("Failed to remove materialized project",
				slog.String("root", w.Root),
				slog.String("error", w.closeErr.Error()),
			)
			return
		}
		w.logger.Debug("Removed materialized project", slog.String("root", w.Root))
	})
	return w.closeErr
}

// =============================================================================
// MATERIALIZER
// =============================================================================

// Materializer copies a project's artifacts from the store to local disk.
//
// Thread Safety: Safe for concurrent use. Each call gets its own directory.
type Materializer struct {
	store       store.Store
	tempRoot    string
	parallelism int
	logger      *slog.Logger
}

// NewMaterializer creates a materializer.
//
// Inputs:
//
//	st - The artifact store to read from.
//	tempRoot - Parent directory for workspaces. Empty means os.TempDir().
//	parallelism - Maximum concurrent downloads. Values < 1 mean 1.
//	logger - Logger for structured logging. Nil uses slog.Default().
func NewMaterializer(st store.Store, tempRoot string, parallelism int, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Materializer{
		store:       st,
		tempRoot:    tempRoot,
		parallelism: parallelism,
		logger:      logger,
	}
}

// Materialize downloads every object under "{project}/" into a fresh
// directory.
//
// Description:
//
//	Lists the project prefix, maps each object to a local path (hoisting
//	"{project}/dbt/" to the root), downloads in parallel, then checks that
//	dbt_project.yml and profiles.yml are present. The directory is removed
//	before returning on any error, so callers only own it on success.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	project - The project name.
//
// Outputs:
//
//	*Workspace - The local copy. The caller must Close it.
//	error - *StructuralError for an empty project, a missing profile or
//	        project config, or a failed download.
func (m *Materializer) Materialize(ctx context.Context, project string) (*Workspace, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if strings.TrimSpace(project) == "" {
		return nil, ErrEmptyProject
	}

	prefix := project + "/"
	objects, err := m.store.List(ctx, project)
	if err != nil {
		return nil, &StructuralError{Project: project, Reason: "list project files", Cause: err}
	}
	if len(objects) == 0 {
		return nil, &StructuralError{
			Project: project,
			Reason:  "nothing to materialize at " + m.store.URI(prefix),
			Cause:   ErrNoProjectFiles,
		}
	}

	plan := localPaths(prefix, objects)

	root := filepath.Join(m.tempDir(), fmt.Sprintf("%s_%s", project, uuid.NewString()))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StructuralError{Project: project, Reason: "create local root", Cause: err}
	}
	ws := &Workspace{Root: root, logger: m.logger}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for rel, object := range plan {
		g.Go(func() error {
			return m.download(gctx, object, root, rel)
		})
	}
	if err := g.Wait(); err != nil {
		ws.Close()
		return nil, &StructuralError{Project: project, Reason: "download project files", Cause: err}
	}

	for rel := range plan {
		ws.Files = append(ws.Files, rel)
	}
	sort.Strings(ws.Files)

	if err := checkRequired(root); err != nil {
		ws.Close()
		return nil, &StructuralError{Project: project, Reason: "incomplete project", Cause: err}
	}

	m.logger.Info("Materialized project",
		slog.String("project", project),
		slog.String("root", root),
		slog.Int("files", len(ws.Files)),
	)
	return ws, nil
}

func (m *Materializer) tempDir() string {
	if m.tempRoot != "" {
		return m.tempRoot
	}
	return os.TempDir()
}

func (m *Materializer) download(ctx context.Context, object, root, rel string) error {
	content, err := m.store.Read(ctx, object)
	if err != nil {
		return fmt.Errorf("read %s: %w", object, err)
	}
	local := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(local, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", store.ErrInvalidPath, object)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, content, 0o644)
}

// localPaths maps object paths to paths relative to the local root. When two
// objects land on the same local path, the first in sorted order wins, which
// puts "{project}/dbt/..." ahead of the unhoisted copy.
func localPaths(prefix string, objects []string) map[string]string {
	sorted := append([]string(nil), objects...)
	sort.Strings(sorted)

	plan := make(map[string]string, len(sorted))
	for _, object := range sorted {
		rel := strings.TrimPrefix(object, prefix)
		if rel == "" || rel == object {
			continue
		}
		rel = strings.TrimPrefix(rel, hoistDir)
		if _, taken := plan[rel]; taken {
			continue
		}
		plan[rel] = object
	}
	return plan
}

func checkRequired(root string) error {
	var errs []error
	if _, err := os.Stat(filepath.Join(root, "profiles.yml")); err != nil {
		errs = append(errs, ErrMissingProfiles)
	}
	if _, err := os.Stat(filepath.Join(root, "dbt_project.yml")); err != nil {
		errs = append(errs, ErrMissingProjectConfig)
	}
	return errors.Join(errs...)
}
