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
	"time"

	"github.com/AleutianAI/dbtforge/services/store"
)

// Provenance metadata keys written with every artifact.
const (
	MetaAuthor       = "author"
	MetaArtifactType = "dbt_artifact_type"
	MetaSourceFile   = "original_source_file"
	MetaGeneratedAt  = "generated_at"
)

// DefaultAuthor tags artifacts when no author is configured.
const DefaultAuthor = "dbtforge"

// Provenance builds the metadata attached to a written artifact.
//
// Inputs:
//
//	kind - Artifact kind; sets dbt_artifact_type.
//	author - Author tag. Empty uses DefaultAuthor.
//	sourceFile - Base name of the mapping or plan the artifact was derived from. May be empty.
//	now - Generation time, written as RFC 3339 UTC.
func Provenance(kind Kind, author, sourceFile string, now time.Time) store.Metadata {
	if author == "" {
		author = DefaultAuthor
	}
	meta := store.Metadata{
		MetaAuthor:       author,
		MetaArtifactType: kind.ArtifactType(),
		MetaGeneratedAt:  now.UTC().Format(time.RFC3339),
	}
	if sourceFile != "" {
		meta[MetaSourceFile] = sourceFile
	}
	return meta
}
