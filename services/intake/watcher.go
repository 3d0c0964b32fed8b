// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intake ingests mapping files dropped into a local directory.
//
// A Watcher observes one directory with fsnotify. When a mapping file has
// been quiet for the debounce window it is parsed, uploaded to the artifact
// store as "{project}/mapping/{file}" and handed to an optional handler,
// which the CLI uses to start the workflow automatically.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/mapping"
	"github.com/AleutianAI/dbtforge/services/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotDirectory indicates the watched path is not a directory.
	ErrNotDirectory = errors.New("intake path is not a directory")

	// ErrSkipped indicates a file the watcher does not ingest.
	ErrSkipped = errors.New("file skipped")
)

// =============================================================================
// TYPES
// =============================================================================

// Upload is one ingested mapping file.
type Upload struct {
	// LocalPath is the file on disk.
	LocalPath string

	// Project is the project inferred from the file name.
	Project string

	// StorePath is where the mapping was written.
	StorePath string

	// Size is the file size in bytes.
	Size int

	// Rows is the number of mapping rows, zero for images.
	Rows int
}

// Handler is called after each successful upload.
type Handler func(ctx context.Context, up Upload)

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long a file must be quiet before it is ingested.
// Default: 500ms.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions sets the ingested file extensions. Default: .csv.
func WithExtensions(exts ...string) Option {
	return func(w *Watcher) {
		w.exts = make(map[string]bool, len(exts))
		for _, e := range exts {
			e = strings.ToLower(e)
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			w.exts[e] = true
		}
	}
}

// WithHandler registers the post-upload handler.
func WithHandler(h Handler) Option {
	return func(w *Watcher) { w.handler = h }
}

// WithAuthor sets the author tag written with each upload.
func WithAuthor(author string) Option {
	return func(w *Watcher) { w.author = author }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides time.Now for upload metadata.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// Watcher uploads mapping files dropped into a directory.
//
// Thread Safety: Ingest is safe for concurrent use. Run must be called once.
type Watcher struct {
	dir      string
	st       store.Store
	debounce time.Duration
	exts     map[string]bool
	handler  Handler
	author   string
	logger   *slog.Logger
	now      func() time.Time

	// mu guards pending.
	mu      sync.Mutex
	pending map[string]time.Time
}

// NewWatcher creates a watcher over dir.
//
// Inputs:
//
//	dir - Directory to watch. Must exist.
//	st - Store the mappings are uploaded to.
//	opts - Options.
//
// Outputs:
//
//	*Watcher - The watcher. Call Run to start it.
//	error - ErrNotDirectory if dir is missing or not a directory.
func NewWatcher(dir string, st store.Store, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	w := &Watcher{
		dir:      dir,
		st:       st,
		debounce: 500 * time.Millisecond,
		exts:     map[string]bool{".csv": true},
		logger:   slog.Default(),
		now:      time.Now,
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// =============================================================================
// WATCH LOOP
// =============================================================================

// Run watches the directory until ctx is cancelled.
//
// Description:
//
//	Create, write and rename events mark a file pending. A ticker at half
//	the debounce window ingests every pending file whose last event is
//	older than the window, so a file still being copied is not uploaded
//	half-written.
//
// Outputs:
//
//	error - nil when ctx is cancelled, or the fsnotify setup error.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching for mapping files",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.debounce),
	)

	ticker := time.NewTicker(max(w.debounce/2, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if w.accepts(event.Name) {
					w.touch(event.Name)
				}
			}
			if event.Has(fsnotify.Remove) {
				w.forget(event.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			for _, p := range w.due() {
				w.ingestAndNotify(ctx, p)
			}
		}
	}
}

// IngestExisting uploads the matching files already in the directory.
func (w *Watcher) IngestExisting(ctx context.Context) ([]Upload, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", w.dir, err)
	}
	var out []Upload
	for _, e := range entries {
		p := filepath.Join(w.dir, e.Name())
		if e.IsDir() || !w.accepts(p) {
			continue
		}
		if up, ok := w.ingestAndNotify(ctx, p); ok {
			out = append(out, up)
		}
	}
	return out, nil
}

func (w *Watcher) ingestAndNotify(ctx context.Context, p string) (Upload, bool) {
	up, err := w.Ingest(ctx, p)
	if err != nil {
		if !errors.Is(err, ErrSkipped) {
			w.logger.Warn("Mapping upload failed",
				slog.String("file", p),
				slog.String("error", err.Error()),
			)
		}
		return Upload{}, false
	}
	if w.handler != nil {
		w.handler(ctx, *up)
	}
	return *up, true
}

func (w *Watcher) accepts(p string) bool {
	base := filepath.Base(p)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

func (w *Watcher) touch(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[p] = w.now()
}

func (w *Watcher) forget(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, p)
}

// due removes and returns the pending files that have been quiet for the
// debounce window.
func (w *Watcher) due() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.debounce)
	var out []string
	for p, last := range w.pending {
		if !last.After(cutoff) {
			out = append(out, p)
			delete(w.pending, p)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// INGEST
// =============================================================================

// Ingest parses one local mapping file and uploads it.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	localPath - The file to upload.
//
// Outputs:
//
//	*Upload - What was written.
//	error - ErrSkipped for unsupported or vanished files, a mapping parse
//	        error, or a store error.
func (w *Watcher) Ingest(ctx context.Context, localPath string) (*Upload, error) {
	if !w.accepts(localPath) {
		return nil, fmt.Errorf("%w: %s", ErrSkipped, localPath)
	}
	info, err := os.Stat(localPath)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrSkipped, localPath)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", localPath, err)
	}

	base := filepath.Base(localPath)
	m, err := mapping.Parse(base, data)
	if err != nil {
		return nil, err
	}

	project := artifact.SanitizeName(strings.TrimSuffix(base, filepath.Ext(base)))
	if project == "" {
		return nil, fmt.Errorf("%w: cannot derive a project name from %q", ErrSkipped, base)
	}
	dest := path.Join(project, "mapping", base)

	meta := store.Metadata{
		artifact.MetaSourceFile:  base,
		artifact.MetaGeneratedAt: w.now().UTC().Format(time.RFC3339),
		artifact.MetaAuthor:      w.author,
	}
	if w.author == "" {
		meta[artifact.MetaAuthor] = artifact.DefaultAuthor
	}
	if err := w.st.Write(ctx, dest, data, meta); err != nil {
		return nil, fmt.Errorf("upload %s: %w", base, err)
	}

	up := &Upload{
		LocalPath: localPath,
		Project:   project,
		StorePath: dest,
		Size:      len(data),
		Rows:      len(m.Rows),
	}
	w.logger.Info("Mapping uploaded",
		slog.String("file", base),
		slog.String("project", project),
		slog.String("path", w.st.URI(dest)),
		slog.Int("rows", up.Rows),
	)
	return up, nil
}
