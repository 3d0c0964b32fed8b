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
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memoryObject struct {
	content []byte
	meta    Metadata
}

// MemoryStore keeps objects in a map. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	writes  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, p string) (bool, error) {
	p, err := CleanPath(p)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok, nil
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, p string) ([]byte, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	out := make([]byte, len(obj.content))
	copy(out, obj.content)
	return out, nil
}

// Write implements Store.
func (m *MemoryStore) Write(ctx context.Context, p string, content []byte, meta Metadata) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	buf := make([]byte, len(content))
	copy(buf, content)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = memoryObject{content: buf, meta: meta.Clone()}
	m.writes++
	return nil
}

// Metadata implements Store.
func (m *MemoryStore) Metadata(ctx context.Context, p string) (Metadata, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return obj.meta.Clone(), nil
}

// List implements Store.
func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, base) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// URI implements Store.
func (m *MemoryStore) URI(p string) string {
	return "mem://" + p
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Writes returns the number of Write calls that succeeded.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
