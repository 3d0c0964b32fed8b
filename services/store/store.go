// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides key-addressed blob storage for generated artifacts.
//
// Keys are POSIX-style paths rooted at the project name, for example
// "orders/models/orders.sql". Writes overwrite; there is no versioning and
// the last writer wins.
//
// Three backends are provided:
//
//   - GCSStore: Google Cloud Storage, the durable production store
//   - BadgerStore: embedded BadgerDB for offline and development runs
//   - MemoryStore: in-process map, used by tests
//
// # Thread Safety
//
// All implementations are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates no object exists at the path.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidPath indicates a path that is empty, absolute, or escapes its root.
	ErrInvalidPath = errors.New("invalid object path")

	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")
)

// =============================================================================
// TYPES
// =============================================================================

// Metadata holds string tags stored alongside an object.
type Metadata map[string]string

// Clone returns a copy of m. A nil Metadata clones to an empty map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is the artifact store boundary.
type Store interface {
	// Exists reports whether an object exists at p.
	Exists(ctx context.Context, p string) (bool, error)

	// Read returns the object's content. Returns ErrNotFound if absent.
	Read(ctx context.Context, p string) ([]byte, error)

	// Write stores content at p, replacing any existing object and its metadata.
	Write(ctx context.Context, p string, content []byte, meta Metadata) error

	// Metadata returns the object's tags. Returns ErrNotFound if absent.
	Metadata(ctx context.Context, p string) (Metadata, error)

	// List returns every object path under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI renders p as a user-facing location such as gs://bucket/p.
	URI(p string) string
}

// =============================================================================
// PATHS
// =============================================================================

// CleanPath validates and normalizes an object path.
//
// Accepts forward-slash paths, strips a leading "./", and rejects empty
// paths, absolute paths, and any ".." segment.
//
// Inputs:
//
//	p - The raw path.
//
// Outputs:
//
//	string - The cleaned path.
//	error - ErrInvalidPath (wrapped) when p is not acceptable.
func CleanPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes its root", ErrInvalidPath, p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// cleanPrefix normalizes a listing prefix. An empty prefix lists everything;
// a non-empty prefix always ends in "/" so "orders" does not match "orders_v2".
func cleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	cleaned, err := CleanPath(prefix)
	if err != nil {
		return "", err
	}
	return cleaned + "/", nil
}

// ParseURI splits a "gs://bucket/object" URI into bucket and object path.
// A bare path is returned unchanged with an empty bucket.
func ParseURI(uri string) (bucket, object string) {
	const scheme = "gs://"
	if !strings.HasPrefix(uri, scheme) {
		return "", strings.TrimPrefix(uri, "/")
	}
	rest := strings.TrimPrefix(uri, scheme)
	bucket, object, _ = strings.Cut(rest, "/")
	return bucket, object
}

// ContentType returns the MIME type written for an artifact path.
func ContentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".sql":
		return "application/sql"
	case ".yml", ".yaml":
		return "application/x-yaml"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// =============================================================================
// COPY
// =============================================================================

// CopyPrefix copies every object under srcPrefix in src to dstPrefix in dst,
// preserving relative paths and metadata.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	src, dst - Source and destination stores. May be the same store.
//	srcPrefix - Prefix to copy. Must not be empty.
//	dstPrefix - Destination prefix. Empty copies to the destination root.
//	parallelism - Maximum concurrent copies. Values < 1 mean 1.
//
// Outputs:
//
//	[]string - Destination paths written, sorted.
//	error - Non-nil if listing or any copy fails.
func CopyPrefix(ctx context.Context, src, dst Store, srcPrefix, dstPrefix string, parallelism int) ([]string, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if srcPrefix == "" {
		return nil, fmt.Errorf("%w: source prefix is empty", ErrInvalidPath)
	}
	base, err := cleanPrefix(srcPrefix)
	if err != nil {
		return nil, err
	}
	paths, err := src.List(ctx, srcPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", srcPrefix, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: nothing under %s", ErrNotFound, srcPrefix)
	}
	if parallelism < 1 {
		parallelism = 1
	}

	written := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, p := range paths {
		g.Go(func() error {
			rel := strings.TrimPrefix(p, base)
			target := rel
			if dstPrefix != "" {
				target = path.Join(strings.TrimSuffix(dstPrefix, "/"), rel)
			}
			content, err := src.Read(gctx, p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			meta, err := src.Metadata(gctx, p)
			if err != nil {
				return fmt.Errorf("metadata %s: %w", p, err)
			}
			if err := dst.Write(gctx, target, content, meta); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}
			written[i] = target
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(written)
	return written, nil
}
