// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/dbt"
)

// =============================================================================
// CLASSES
// =============================================================================

// Class is the classifier's verdict.
type Class string

const (
	// ClassCorrectable is a content defect a regenerated artifact may fix.
	ClassCorrectable Class = "CORRECTABLE"

	// ClassStructural is a setup defect. Never retried.
	ClassStructural Class = "STRUCTURAL"

	// ClassFatal is a failure that regeneration will not fix.
	ClassFatal Class = "FATAL"
)

// Rule names the pattern family that produced a classification.
type Rule string

const (
	RuleStructural   Rule = "structural"
	RuleDataFailure  Rule = "data_failure"
	RuleContentError Rule = "content_error"
	RuleWarning      Rule = "warning"
	RuleUnrecognized Rule = "unrecognized"
)

// Classification is the result of Classify.
type Classification struct {
	Class Class `json:"class"`
	Rule  Rule  `json:"rule"`

	// Hint is the project-relative file the failure points at, e.g.
	// "models/orders.sql". Empty when the output names no file.
	Hint string `json:"hint,omitempty"`

	// Soft is true when the only problem is a warning marker.
	Soft bool `json:"soft,omitempty"`

	// HasWarning is true when the output carries a warning marker,
	// whatever the class.
	HasWarning bool `json:"has_warning,omitempty"`

	// Message is the most specific failure text, quoted into fix requests.
	Message string `json:"message"`
}

// Target maps the hint to an artifact kind and logical name.
func (c Classification) Target() (artifact.Kind, string, bool) {
	if c.Hint == "" {
		return "", "", false
	}
	return artifact.Locate(c.Hint)
}

// =============================================================================
// PATTERNS
// =============================================================================

var (
	structuralPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Could not find profile named`),
		regexp.MustCompile(`(?i)profiles\.yml[^\n]*(?:not found|missing|does not exist)`),
		regexp.MustCompile(`(?i)No dbt_project\.yml found`),
		regexp.MustCompile(`(?i)dbt_project\.yml[^\n]*(?:not found|missing|does not exist)`),
		regexp.MustCompile(`(?i)Unable to generate access token|Reauthentication is needed|could not automatically determine credentials`),
	}

	dataFailurePattern = regexp.MustCompile(`(?i)Got \d+ results?, (?:configured to (?:fail|warn) if != 0|expected 0)`)

	contentErrorPattern = regexp.MustCompile(`(?:Database|Compilation|Parsing) Error`)

	warningPattern = regexp.MustCompile(`\[WARN(?:ING)?\]`)

	runtimeErrorHeader = regexp.MustCompile(`^(?:\d{2}:\d{2}:\d{2}(?:\.\d+)?\s+)?Runtime Error\s*$`)

	fileToken = regexp.MustCompile(`(?:(?:models|tests|snapshots|macros)/[\w./-]*?[\w-]+\.sql|models/schema\.ya?ml|dbt_project\.yml|profiles\.yml)`)
)

// =============================================================================
// CLASSIFY
// =============================================================================

// Classify assigns a dbt result to a failure class.
//
// Description:
//
//	Applies the rules in priority order. The first match wins:
//	  1. Structural: the adapter flagged a setup defect, or the output
//	     names a missing profile or project file, a bare Runtime Error
//	     about something not found, or a credential problem.
//	  2. Content error: Database, Compilation or Parsing Error. The hint
//	     is the file of the first failure block, else the nearest file
//	     token after the error. A run that also has data failures is
//	     still correctable; the broken units are regenerated and the
//	     data failures are reported on the final attempt.
//	  3. Data failure: a test returned rows ("Got N results ...").
//	  4. Warning marker: soft correctable. The hint is a file token on
//	     the first warning line, if any.
//	  5. Anything else: fatal.
//
//	Classify is pure. It reads only its arguments.
//
// Inputs:
//
//	output - The captured dbt output.
//	structural - True when the adapter reported a setup defect.
//
// Outputs:
//
//	Classification - The verdict.
func Classify(output string, structural bool) Classification {
	hasWarning := warningPattern.MatchString(output)

	if line, ok := structuralLine(output); ok || structural {
		if !ok {
			line = lastNonEmptyLine(output)
		}
		return Classification{
			Class:      ClassStructural,
			Rule:       RuleStructural,
			HasWarning: hasWarning,
			Message:    line,
		}
	}

	if loc := contentErrorPattern.FindStringIndex(output); loc != nil {
		c := Classification{
			Class:      ClassCorrectable,
			Rule:       RuleContentError,
			HasWarning: hasWarning,
		}
		for _, d := range dbt.ParseDetails(output) {
			if contentErrorPattern.MatchString(d.Label) {
				c.Hint = d.Path
				c.Message = d.Message()
				return c
			}
		}
		c.Hint = nearestToken(output, loc[0])
		c.Message = blockAt(output, loc[0])
		return c
	}

	if loc := dataFailurePattern.FindStringIndex(output); loc != nil {
		return Classification{
			Class:      ClassFatal,
			Rule:       RuleDataFailure,
			HasWarning: hasWarning,
			Message:    lineAt(output, loc[0]),
		}
	}

	if hasWarning {
		return ClassifyWarning(output)
	}

	return Classification{
		Class:   ClassFatal,
		Rule:    RuleUnrecognized,
		Message: lastNonEmptyLine(output),
	}
}

// ClassifyWarning builds the soft classification for output carrying a
// warning marker. The hint is a file token on the first warning line.
func ClassifyWarning(output string) Classification {
	c := Classification{
		Class:      ClassCorrectable,
		Rule:       RuleWarning,
		Soft:       true,
		HasWarning: true,
		Message:    warningLines(output),
	}
	if loc := warningPattern.FindStringIndex(output); loc != nil {
		c.Hint = fileToken.FindString(lineAt(output, loc[0]))
	}
	return c
}

// IsDataFailure reports whether a single test message describes returned
// rows rather than a broken query.
func IsDataFailure(message string) bool {
	return dataFailurePattern.MatchString(message)
}

// structuralLine returns the line that marks a setup defect.
func structuralLine(output string) (string, bool) {
	for _, re := range structuralPatterns {
		if loc := re.FindStringIndex(output); loc != nil {
			return lineAt(output, loc[0]), true
		}
	}
	// A bare "Runtime Error" header followed by "not found" is dbt failing
	// to load the project rather than a node.
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if !runtimeErrorHeader.MatchString(strings.TrimSpace(line)) {
			continue
		}
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" {
				continue
			}
			if strings.Contains(strings.ToLower(next), "not found") {
				return strings.TrimSpace(next), true
			}
			break
		}
	}
	return "", false
}

// nearestToken returns the first file token at or after pos, else the
// last one before it.
func nearestToken(output string, pos int) string {
	locs := fileToken.FindAllStringIndex(output, -1)
	before := ""
	for _, loc := range locs {
		if loc[0] >= pos {
			return output[loc[0]:loc[1]]
		}
		before = output[loc[0]:loc[1]]
	}
	return before
}

// lineAt returns the trimmed line containing pos.
func lineAt(output string, pos int) string {
	start := strings.LastIndex(output[:pos], "\n") + 1
	end := strings.Index(output[pos:], "\n")
	if end < 0 {
		return strings.TrimSpace(output[start:])
	}
	return strings.TrimSpace(output[start : pos+end])
}

// blockAt returns the line containing pos and the following lines up to the
// next blank line.
func blockAt(output string, pos int) string {
	start := strings.LastIndex(output[:pos], "\n") + 1
	var lines []string
	for _, line := range strings.Split(output[start:], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func warningLines(output string) string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if warningPattern.MatchString(line) {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func lastNonEmptyLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
