// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifact

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// SanitizeName lower-cases s and replaces runs of characters outside
// [a-z0-9_] with "_", trimming leading and trailing underscores.
func SanitizeName(s string) string {
	s = nonIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(s, "_")
}

// Resolve computes the store path of an artifact.
//
// Description:
//
//	The result depends only on the inputs. Project and name are sanitized
//	before use; name is ignored for kinds with one file per project.
//
// Inputs:
//
//	project - Project name.
//	kind - Artifact kind.
//	name - Logical name, e.g. the model name.
//
// Outputs:
//
//	string - POSIX path rooted at the project, e.g. "orders/models/orders.sql".
//	error - ErrUnknownKind or ErrInvalidName.
//
// Example:
//
//	p, _ := Resolve("orders", KindSnapshot, "customers")
//	// p == "orders/snapshots/customers_snapshot.sql"
func Resolve(project string, kind Kind, name string) (string, error) {
	info, ok := kinds[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	p := SanitizeName(project)
	if p == "" {
		return "", fmt.Errorf("%w: project %q", ErrInvalidName, project)
	}
	n := ""
	if info.named {
		n = SanitizeName(name)
		if n == "" {
			return "", fmt.Errorf("%w: %s name %q", ErrInvalidName, kind, name)
		}
	}
	return path.Join(p, info.dir, info.file(n, p)), nil
}

// Locate maps a path relative to a materialized project root back to the
// kind and logical name of the artifact it came from. It accepts the
// file-path tokens dbt prints in its logs, e.g. "models/orders.sql".
//
// Outputs:
//
//	Kind - The artifact kind.
//	string - The logical name, empty for unnamed kinds.
//	bool - False if the path does not belong to a generated artifact.
func Locate(rel string) (Kind, string, bool) {
	rel = strings.TrimPrefix(path.Clean(strings.ReplaceAll(rel, `\`, "/")), "./")
	dir, file := path.Split(rel)
	dir = strings.TrimSuffix(dir, "/")
	// dbt may print nested model paths; only the top directory decides the kind.
	top, _, _ := strings.Cut(dir, "/")

	switch {
	case file == "dbt_project.yml":
		return KindConfig, "", true
	case file == "profiles.yml":
		return KindProfiles, "", true
	case top == "models" && (file == "schema.yml" || file == "schema.yaml"):
		return KindSchema, "", true
	}

	if path.Ext(file) != ".sql" {
		return "", "", false
	}
	stem := strings.TrimSuffix(file, ".sql")
	switch top {
	case "models":
		return KindModel, stem, true
	case "tests":
		return KindTest, stem, true
	case "snapshots":
		return KindSnapshot, strings.TrimSuffix(stem, "_snapshot"), true
	case "macros":
		return KindMacro, stem, true
	}
	return "", "", false
}
