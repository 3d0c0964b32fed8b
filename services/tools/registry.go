// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

// Registry holds the registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
//
// Inputs:
//
//	logger - Logger for structured logging. Nil uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("%w: tool has no name", ErrInvalidParams)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = t
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns a descriptor per tool, sorted by name.
func (r *Registry) List() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t, _ := r.Get(name)
		def := t.Definition()
		out = append(out, Descriptor{
			Name:        def.Name,
			Description: def.Description,
			SideEffects: def.SideEffects,
			InputSchema: def.JSONSchema(),
		})
	}
	return out
}

// Call validates params against the tool's schema and executes it.
//
// Description:
//
//	Fills defaults for omitted parameters, rejects missing required
//	parameters, wrong JSON types and values outside an enum, then runs
//	the tool under its timeout.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	name - The tool name.
//	params - Decoded JSON arguments. Nil is treated as empty.
//
// Outputs:
//
//	Result - The tool's result map.
//	error - ErrUnknownTool, a *ValidationError, or an execution error.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) (Result, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	def := t.Definition()

	if params == nil {
		params = make(map[string]any)
	}
	if err := ValidateParams(def, params); err != nil {
		return nil, err
	}

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := t.Execute(ctx, params)
	if err != nil {
		r.logger.Warn("Tool call failed",
			slog.String("tool", name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	r.logger.Info("Tool call complete",
		slog.String("tool", name),
		slog.String("result", res.Status()),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// ValidateParams checks params against a definition and fills defaults.
func ValidateParams(def ToolDefinition, params map[string]any) error {
	for name := range params {
		if _, known := def.Parameters[name]; !known {
			return &ValidationError{Parameter: name, Message: "unknown parameter"}
		}
	}
	for _, name := range sortedKeys(def.Parameters) {
		p := def.Parameters[name]
		v, present := params[name]
		if !present || v == nil {
			if p.Required {
				return &ValidationError{Parameter: name, Message: "required parameter missing"}
			}
			if p.Default != nil {
				params[name] = p.Default
			}
			continue
		}
		if err := checkValue(name, p, v); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(name string, p ParamDef, v any) error {
	if !matchesType(p.Type, v) {
		return &ValidationError{Parameter: name, Message: "wrong type", Expected: string(p.Type), Actual: jsonType(v)}
	}
	if p.Type == ParamTypeString && p.Required {
		if s, _ := v.(string); s == "" {
			return &ValidationError{Parameter: name, Message: "must not be empty"}
		}
	}
	if len(p.Enum) > 0 {
		found := false
		for _, allowed := range p.Enum {
			if allowed == v {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Parameter: name, Message: "value not allowed",
				Expected: fmt.Sprint(p.Enum), Actual: fmt.Sprint(v)}
		}
	}
	if p.Type == ParamTypeArray && p.Items != nil {
		for i, item := range v.([]any) {
			if err := checkValue(fmt.Sprintf("%s[%d]", name, i), *p.Items, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case ParamTypeString:
		_, ok := v.(string)
		return ok
	case ParamTypeBool:
		_, ok := v.(bool)
		return ok
	case ParamTypeNumber:
		_, ok := v.(float64)
		return ok
	case ParamTypeInt:
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case ParamTypeArray:
		_, ok := v.([]any)
		return ok
	case ParamTypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]ParamDef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
