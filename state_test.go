package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store, err := NewFileStateStore(path)
	if err != nil {
		t.Fatalf("creating state store: %v", err)
	}
	defer store.Close()

	state, err := store.Load(t.Context())
	if err != nil {
		t.Fatalf("loading missing state: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %v", state)
	}

	sentAt := time.Date(2024, time.March, 10, 12, 30, 15, 123000000, time.UTC)
	err = store.Save(t.Context(), NotificationState{
		"Example": sentAt,
		"Other":   sentAt.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("saving state: %v", err)
	}

	state, err = store.Load(t.Context())
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if len(state) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(state))
	}
	if !state["Example"].Equal(sentAt) {
		t.Errorf("expected %s, got %s", sentAt, state["Example"])
	}

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if err != nil {
		t.Fatalf("globbing temp files: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no temp files to be left behind, got %v", matches)
	}
}

func TestFileStateStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing state file: %v", err)
	}

	store, err := NewFileStateStore(path)
	if err != nil {
		t.Fatalf("creating state store: %v", err)
	}

	if _, err := store.Load(t.Context()); err == nil {
		t.Error("expected an error for a corrupt state file")
	}
}

func TestSQLiteStateStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewSQLiteStateStore(t.Context(), path)
	if err != nil {
		t.Fatalf("creating sqlite state store: %v", err)
	}

	state, err := store.Load(t.Context())
	if err != nil {
		t.Fatalf("loading empty state: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %v", state)
	}

	first := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	if err := store.Save(t.Context(), NotificationState{"Example": first}); err != nil {
		t.Fatalf("saving state: %v", err)
	}
	second := first.Add(15 * time.Minute)
	if err := store.Save(t.Context(), NotificationState{"Example": second, "Other": first}); err != nil {
		t.Fatalf("saving state again: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("closing store: %v", err)
	}

	reopened, err := NewSQLiteStateStore(t.Context(), path)
	if err != nil {
		t.Fatalf("reopening sqlite state store: %v", err)
	}
	defer reopened.Close()

	state, err = reopened.Load(t.Context())
	if err != nil {
		t.Fatalf("loading state: %v", err)
	}
	if len(state) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(state))
	}
	if !state["Example"].Equal(second) {
		t.Errorf("expected %s, got %s", second, state["Example"])
	}
	if !state["Other"].Equal(first) {
		t.Errorf("expected %s, got %s", first, state["Other"])
	}
}
