// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AleutianAI/dbtforge/services/mapping"
)

// BigQueryConfig configures a BigQueryInspector.
type BigQueryConfig struct {
	// ProjectID is the billing project and the default for refs without one.
	ProjectID string `yaml:"project_id" validate:"required"`

	// CredentialsFile is a service account key. Empty uses ADC.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// BigQueryInspector reads table metadata through the BigQuery API.
// Results are cached for the life of the inspector.
//
// Thread Safety: Safe for concurrent use.
type BigQueryInspector struct {
	client  *bigquery.Client
	project string
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string][]Column
}

// NewBigQueryInspector connects to BigQuery.
func NewBigQueryInspector(ctx context.Context, cfg BigQueryConfig, logger *slog.Logger) (*BigQueryInspector, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bigquery: project id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}

	logger.Info("BigQuery inspector ready", slog.String("project", cfg.ProjectID))
	return &BigQueryInspector{
		client:  client,
		project: cfg.ProjectID,
		logger:  logger,
		cache:   make(map[string][]Column),
	}, nil
}

// Columns implements Inspector.
func (b *BigQueryInspector) Columns(ctx context.Context, ref mapping.TableRef) ([]Column, error) {
	if ref.Dataset == "" || ref.Table == "" {
		return nil, fmt.Errorf("%w: %q", ErrIncompleteRef, ref.String())
	}
	project := ref.Project
	if project == "" {
		project = b.project
	}
	key := project + "." + ref.Dataset + "." + ref.Table

	b.mu.Lock()
	cached, ok := b.cache[key]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	md, err := b.client.DatasetInProject(project, ref.Dataset).Table(ref.Table).Metadata(ctx)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, key)
		}
		return nil, fmt.Errorf("get metadata for %s: %w", key, err)
	}

	cols := make([]Column, 0, len(md.Schema))
	for _, f := range md.Schema {
		cols = append(cols, Column{
			Name:        f.Name,
			Type:        string(f.Type),
			Nullable:    !f.Required,
			Description: f.Description,
		})
	}

	b.mu.Lock()
	b.cache[key] = cols
	b.mu.Unlock()
	return cols, nil
}

// Close releases the client.
func (b *BigQueryInspector) Close() error {
	return b.client.Close()
}
