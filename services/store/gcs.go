// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures a GCSStore.
type GCSConfig struct {
	// ProjectID is the Google Cloud project. Informational only.
	ProjectID string `yaml:"project_id"`

	// Bucket is the bucket holding all projects. Required.
	Bucket string `yaml:"bucket" validate:"required"`

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSStore stores artifacts as objects in a single bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger *slog.Logger
}

// NewGCSStore creates a store backed by cfg.Bucket.
//
// Inputs:
//
//	ctx - Context for client construction.
//	cfg - Bucket and credentials.
//	logger - Logger for write events. Nil uses slog.Default().
//
// Outputs:
//
//	*GCSStore - The store. Call Close() when done.
//	error - Non-nil if the key file is missing or the client cannot be built.
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		logger: logger,
	}, nil
}

// Exists implements Store.
func (g *GCSStore) Exists(ctx context.Context, p string) (bool, error) {
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	_, err = g.bucket.Object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat gs://%s/%s: %w", g.name, p, err)
	}
	return true, nil
}

// Read implements Store.
func (g *GCSStore) Read(ctx context.Context, p string) ([]byte, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(p).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.name, p)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", g.name, p, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", g.name, p, err)
	}
	return data, nil
}

// Write implements Store.
func (g *GCSStore) Write(ctx context.Context, p string, content []byte, meta Metadata) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	w := g.bucket.Object(p).NewWriter(ctx)
	w.ContentType = ContentType(p)
	w.CacheControl = "no-cache, no-store, must-revalidate"
	w.Metadata = meta.Clone()

	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", p, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", p, err)
	}

	g.logger.Debug("Uploaded artifact",
		slog.String("uri", g.URI(p)),
		slog.Int("bytes", len(content)),
	)
	return nil
}

// Metadata implements Store.
func (g *GCSStore) Metadata(ctx context.Context, p string) (Metadata, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	attrs, err := g.bucket.Object(p).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, g.name, p)
	}
	if err != nil {
		return nil, fmt.Errorf("stat gs://%s/%s: %w", g.name, p, err)
	}
	return Metadata(attrs.Metadata).Clone(), nil
}

// List implements Store.
func (g *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: base})
	var out []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", g.name, base, err)
		}
		// Skip zero-byte "directory" placeholders created by the console.
		if attrs.Size == 0 && len(attrs.Name) > 0 && attrs.Name[len(attrs.Name)-1] == '/' {
			continue
		}
		out = append(out, attrs.Name)
	}
	sort.Strings(out)
	return out, nil
}

// URI implements Store.
func (g *GCSStore) URI(p string) string {
	return "gs://" + g.name + "/" + p
}

// Bucket returns the bucket name.
func (g *GCSStore) Bucket() string {
	return g.name
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}
