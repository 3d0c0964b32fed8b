// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warehouse reads source table schemas from the target warehouse so
// generated schema declarations and models can be grounded in real columns.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/dbtforge/services/mapping"
)

var (
	// ErrTableNotFound indicates the table does not exist or is not visible.
	ErrTableNotFound = errors.New("table not found")

	// ErrIncompleteRef indicates a table reference without a dataset.
	ErrIncompleteRef = errors.New("table reference needs dataset and table")
)

// Column is one column of a warehouse table.
type Column struct {
	Name        string
	Type        string
	Nullable    bool
	Description string
}

// Inspector looks up table schemas.
type Inspector interface {
	// Columns returns the top-level columns of ref in declaration order.
	Columns(ctx context.Context, ref mapping.TableRef) ([]Column, error)
}

// Describe renders the column lists of refs as an instruction block.
//
// Description:
//
//	Tables that cannot be found are listed as unavailable rather than
//	failing the call; other errors are returned. A nil inspector or empty
//	ref list yields an empty string.
//
// Inputs:
//
//	ctx - Context for the lookups.
//	insp - The inspector. May be nil.
//	refs - Tables to describe.
//	logger - Logger for skipped tables. May be nil.
//
// Outputs:
//
//	string - The rendered block.
//	error - First lookup error other than ErrTableNotFound/ErrIncompleteRef.
func Describe(ctx context.Context, insp Inspector, refs []mapping.TableRef, logger *slog.Logger) (string, error) {
	if insp == nil || len(refs) == 0 {
		return "", nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var b strings.Builder
	b.WriteString("\n--- Source table columns from the warehouse ---\n")
	for _, ref := range refs {
		cols, err := insp.Columns(ctx, ref)
		if errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrIncompleteRef) {
			logger.Warn("source table not inspectable",
				slog.String("table", ref.String()),
				slog.String("error", err.Error()))
			fmt.Fprintf(&b, "%s: (not available)\n", ref)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("inspect %s: %w", ref, err)
		}
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
		}
		fmt.Fprintf(&b, "%s: %s\n", ref, strings.Join(names, ", "))
	}
	b.WriteString("--- End source table columns ---\n")
	return b.String(), nil
}
