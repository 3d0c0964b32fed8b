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
	"strings"
)

// =============================================================================
// SYNTHESIZER OUTPUT CLEANUP
// =============================================================================

// TestDelimiter separates test files in multi-file synthesizer output.
const TestDelimiter = "---"

// FileDirective precedes the content of each test file.
const FileDirective = "output_file_name:"

// StripFences removes markdown code fence lines ("```" or "```sql").
func StripFences(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// FencedBlock returns the body of the first fenced code block in s.
//
// Outputs:
//
//	string - The lines between the opening fence and the closing fence,
//	         or to the end of s if the block is never closed.
//	bool - False if s has no fence.
func FencedBlock(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	start := -1
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		if start < 0 {
			start = i + 1
			continue
		}
		return strings.Join(lines[start:i], "\n"), true
	}
	if start < 0 {
		return s, false
	}
	return strings.Join(lines[start:], "\n"), true
}

// AnchorAt discards every line before the first line that begins with one
// of anchors (case-insensitive, ignoring indentation). An anchor ending in a
// word character must be followed by a non-word character or the end of the
// line, so "Selected" does not match "select".
//
// Outputs:
//
//	string - Text from the anchor line on.
//	bool - False if no line matched; the input is returned unchanged.
func AnchorAt(s string, anchors []string) (string, bool) {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		l := strings.ToLower(strings.TrimSpace(line))
		for _, a := range anchors {
			if hasAnchor(l, a) {
				return strings.Join(lines[i:], "\n"), true
			}
		}
	}
	return s, false
}

func hasAnchor(line, anchor string) bool {
	if !strings.HasPrefix(line, anchor) || anchor == "" {
		return false
	}
	if !isWordByte(anchor[len(anchor)-1]) || len(line) == len(anchor) {
		return true
	}
	return !isWordByte(line[len(anchor)])
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// Clean turns raw synthesizer output into file content for kind.
//
// Description:
//
//	Keeps only the first fenced code block when there is one, then discards
//	any commentary before the first anchor line of the kind. Kinds without
//	anchors are only unfenced.
//	The result always ends with a single newline.
//
// Outputs:
//
//	string - File content.
//	error - ErrEmptyOutput or ErrNoAnchor.
func Clean(kind Kind, raw string) (string, error) {
	s, _ := FencedBlock(strings.ReplaceAll(raw, "\r\n", "\n"))
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyOutput
	}
	if anchors := kind.Anchors(); len(anchors) > 0 {
		var ok bool
		if s, ok = AnchorAt(s, anchors); !ok {
			return "", fmt.Errorf("%w: expected %s content starting with one of %q", ErrNoAnchor, kind, anchors)
		}
	}
	return strings.TrimSpace(s) + "\n", nil
}

// TestFile is one test extracted from multi-file output.
type TestFile struct {
	// Name is the sanitized file stem; it is also the dbt test identifier.
	Name string

	// SQL is the cleaned query.
	SQL string
}

// SplitTestFiles parses multi-file test output.
//
// Description:
//
//	The output is split on delimiter lines ("---"). Each block must carry an
//	"output_file_name: <name>.sql" directive; the SQL follows it. Blocks
//	without a directive are ignored. Trailing semicolons are removed because
//	dbt wraps test queries in a subquery. A repeated name keeps its first block.
//
// Outputs:
//
//	[]TestFile - Tests in output order.
//	error - ErrEmptyOutput if raw is blank, ErrNoAnchor if no block yields a test.
func SplitTestFiles(raw string) ([]TestFile, error) {
	raw = StripFences(strings.ReplaceAll(raw, "\r\n", "\n"))
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyOutput
	}

	var blocks [][]string
	var cur []string
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == TestDelimiter {
			blocks = append(blocks, cur)
			cur = nil
			continue
		}
		cur = append(cur, line)
	}
	blocks = append(blocks, cur)

	seen := make(map[string]bool)
	var files []TestFile
	for _, block := range blocks {
		name, body, ok := splitDirective(block)
		if !ok || seen[name] {
			continue
		}
		sql, err := Clean(KindTest, body)
		if err != nil {
			continue
		}
		sql = strings.TrimRight(strings.TrimSpace(sql), ";")
		seen[name] = true
		files = append(files, TestFile{Name: name, SQL: strings.TrimSpace(sql) + "\n"})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no %q blocks with SQL", ErrNoAnchor, FileDirective)
	}
	return files, nil
}

func splitDirective(block []string) (name, body string, ok bool) {
	for i, line := range block {
		l := strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(l), FileDirective) {
			continue
		}
		file := strings.TrimSpace(l[len(FileDirective):])
		file = strings.TrimSuffix(strings.Trim(file, "`\"'"), ".sql")
		// Models sometimes prefix the directory.
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		name = SanitizeName(file)
		if name == "" {
			return "", "", false
		}
		return name, strings.Join(block[i+1:], "\n"), true
	}
	return "", "", false
}
