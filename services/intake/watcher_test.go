// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intake

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/dbtforge/services/artifact"
	"github.com/AleutianAI/dbtforge/services/store"
)

const mappingCSV = `Source Table,Source Column,Target Table,Target Column,Join Table,Join Key,Transformation Logic / Derivation Rule
proj.raw.orders,order_id,proj.mart.orders,order_id,,,
proj.raw.orders,amt,proj.mart.orders,amount,,,
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestNewWatcher_NotDirectory(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "x.csv", mappingCSV)

	for _, p := range []string{filepath.Join(dir, "missing"), file} {
		if _, err := NewWatcher(p, store.NewMemoryStore()); !errors.Is(err, ErrNotDirectory) {
			t.Errorf("NewWatcher(%s) error = %v, want ErrNotDirectory", p, err)
		}
	}
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemoryStore()
	now := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	w, err := NewWatcher(dir, st, WithAuthor("ana"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	p := writeFile(t, dir, "Customer Orders.csv", mappingCSV)
	up, err := w.Ingest(context.Background(), p)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if up.Project != "customer_orders" {
		t.Errorf("Project = %q, want customer_orders", up.Project)
	}
	if up.StorePath != "customer_orders/mapping/Customer Orders.csv" {
		t.Errorf("StorePath = %q", up.StorePath)
	}
	if up.Rows != 2 {
		t.Errorf("Rows = %d, want 2", up.Rows)
	}

	data, err := st.Read(context.Background(), up.StorePath)
	if err != nil || string(data) != mappingCSV {
		t.Errorf("stored content = %q, %v", data, err)
	}
	meta, err := st.Metadata(context.Background(), up.StorePath)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if meta[artifact.MetaAuthor] != "ana" || meta[artifact.MetaSourceFile] != "Customer Orders.csv" ||
		meta[artifact.MetaGeneratedAt] != "2025-03-04T05:06:07Z" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestIngest_Rejects(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemoryStore()
	w, err := NewWatcher(dir, st)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	tests := []struct {
		name    string
		file    string
		content string
		skipped bool
	}{
		{"wrong extension", "notes.txt", "hello", true},
		{"hidden", ".orders.csv", mappingCSV, true},
		{"editor backup", "orders.csv~", mappingCSV, true},
		{"missing column", "broken.csv", "a,b\n1,2\n", false},
		{"no usable name", "___.csv", mappingCSV, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, dir, tt.file, tt.content)
			_, err := w.Ingest(context.Background(), p)
			if err == nil {
				t.Fatal("Ingest() error = nil")
			}
			if errors.Is(err, ErrSkipped) != tt.skipped {
				t.Errorf("errors.Is(ErrSkipped) = %v, want %v (err = %v)", !tt.skipped, tt.skipped, err)
			}
		})
	}
	if st.Len() != 0 {
		t.Errorf("store has %d objects, want 0", st.Len())
	}
}

func TestIngestExisting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.csv", mappingCSV)
	writeFile(t, dir, "customers.csv", mappingCSV)
	writeFile(t, dir, "readme.md", "#")
	if err := os.Mkdir(filepath.Join(dir, "sub.csv"), 0o755); err != nil {
		t.Fatal(err)
	}

	var handled []string
	w, err := NewWatcher(dir, store.NewMemoryStore(), WithHandler(func(_ context.Context, up Upload) {
		handled = append(handled, up.Project)
	}))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ups, err := w.IngestExisting(context.Background())
	if err != nil {
		t.Fatalf("IngestExisting() error = %v", err)
	}
	if len(ups) != 2 {
		t.Fatalf("uploads = %d, want 2", len(ups))
	}
	// os.ReadDir returns entries sorted by name.
	if len(handled) != 2 || handled[0] != "customers" || handled[1] != "orders" {
		t.Errorf("handled = %v", handled)
	}
}

func TestWithExtensions(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), store.NewMemoryStore(), WithExtensions("CSV", ".png"))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	for p, want := range map[string]bool{"a.csv": true, "b.PNG": true, "c.jpg": false} {
		if got := w.accepts(p); got != want {
			t.Errorf("accepts(%s) = %v, want %v", p, got, want)
		}
	}
}

func TestDue_Debounce(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	w, err := NewWatcher(t.TempDir(), store.NewMemoryStore(), WithDebounce(time.Second), WithClock(clock))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	w.touch("a.csv")
	advance(600 * time.Millisecond)
	w.touch("b.csv")
	if got := w.due(); len(got) != 0 {
		t.Fatalf("due() = %v before the window elapsed", got)
	}

	advance(400 * time.Millisecond)
	if got := w.due(); len(got) != 1 || got[0] != "a.csv" {
		t.Fatalf("due() = %v, want [a.csv]", got)
	}

	// A fresh event restarts the window.
	w.touch("b.csv")
	advance(900 * time.Millisecond)
	if got := w.due(); len(got) != 0 {
		t.Fatalf("due() = %v after b.csv was touched again", got)
	}
	w.forget("b.csv")
	advance(time.Second)
	if got := w.due(); len(got) != 0 {
		t.Errorf("due() = %v for a forgotten file", got)
	}
}

func TestRun_UploadsNewFile(t *testing.T) {
	dir := t.TempDir()
	st := store.NewMemoryStore()
	uploaded := make(chan Upload, 1)
	w, err := NewWatcher(dir, st, WithDebounce(50*time.Millisecond), WithHandler(func(_ context.Context, up Upload) {
		select {
		case uploaded <- up:
		default:
		}
	}))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "orders.csv", mappingCSV)

	select {
	case up := <-uploaded:
		if up.StorePath != "orders/mapping/orders.csv" {
			t.Errorf("StorePath = %q", up.StorePath)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no upload within 5s")
	}
}
