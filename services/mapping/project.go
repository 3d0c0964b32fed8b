// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mapping

import (
	"path"
	"strings"

	"github.com/AleutianAI/dbtforge/services/store"
)

// UploadsPrefix marks objects written by the upload front-end. Their base
// name is "<token>-<original file name>".
const UploadsPrefix = "uploads/"

// legacyUploadsMarker is the directory older front-ends wrote uploads to.
const legacyUploadsMarker = "gradio_uploads/"

// InferProjectName derives the project name from a mapping or artifact path.
//
// Two shapes are recognised:
//
//   - an upload "uploads/<token>-<file>.csv": the stem of <file>
//   - an artifact path "<project>/...": the first segment
//
// gs:// URIs are accepted; the bucket is ignored.
func InferProjectName(location string) string {
	_, object := store.ParseURI(location)
	if object == "" {
		return ""
	}

	if strings.HasPrefix(object, UploadsPrefix) || strings.Contains(object, legacyUploadsMarker) {
		base := path.Base(object)
		if _, original, ok := strings.Cut(base, "-"); ok {
			base = original
		}
		return strings.TrimSuffix(base, path.Ext(base))
	}

	first, _, _ := strings.Cut(object, "/")
	return first
}
