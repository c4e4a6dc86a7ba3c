package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/nervecore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "nerve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, s *store.Store, q string) string {
	t.Helper()
	var out string
	if err := s.DB().QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpen_ConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)

	journal := queryOneString(t, s, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	requiredTables := []string{
		"schema_migrations", "states", "signal_types", "transitions",
		"fsm_marker", "fsm_trace", "signal_queue",
		"plan_kind_versions", "plan_instances", "plan_runs",
		"timed_signals", "pdca_tasks", "pdca_checkpoints", "pdca_events",
		"principals", "preferences",
	}
	for _, table := range requiredTables {
		var got string
		if err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpen_RecordsSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	var version int
	if err := s.DB().QueryRow(`SELECT MAX(version) FROM schema_migrations;`).Scan(&version); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nerve.db")
	s1, err := store.Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := store.Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	if _, err := s2.States(context.Background()); err != store.ErrEmptyCatalog {
		t.Fatalf("expected empty catalog on reopen, got %v", err)
	}
}
