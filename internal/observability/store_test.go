package observability_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/nervecore/internal/observability"
)

func openTestStore(t *testing.T, cfg observability.Config) *observability.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := observability.Open(filepath.Join(dir, "observability.db"), cfg)
	if err != nil {
		t.Fatalf("open observability store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWrite_RecordsEventRetrievableByCorrelationID(t *testing.T) {
	s := openTestStore(t, observability.Config{})
	ctx := context.Background()

	if err := s.Write(ctx, observability.Event{
		Level: "info", Event: "signal.consumed", CorrelationID: "corr-1", Channel: "telegram",
		Payload: map[string]any{"foo": "bar"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := s.ByCorrelationID(ctx, "corr-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Event != "signal.consumed" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestRunMaintenance_PrunesExpiredNonErrorRowsButKeepsErrors(t *testing.T) {
	s := openTestStore(t, observability.Config{NonErrorTTLDays: 1, ErrorTTLDays: 30})
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := s.Write(ctx, observability.Event{
		CreatedAt: old, Level: "info", Event: "old_info", CorrelationID: "corr-a",
	}); err != nil {
		t.Fatalf("write info: %v", err)
	}
	if err := s.Write(ctx, observability.Event{
		CreatedAt: old, Level: "error", Event: "old_error", CorrelationID: "corr-b",
	}); err != nil {
		t.Fatalf("write error: %v", err)
	}

	if err := s.RunMaintenance(ctx); err != nil {
		t.Fatalf("run maintenance: %v", err)
	}

	infoRows, err := s.ByCorrelationID(ctx, "corr-a")
	if err != nil {
		t.Fatalf("query info: %v", err)
	}
	if len(infoRows) != 0 {
		t.Fatalf("expected expired info row pruned, got %d", len(infoRows))
	}

	errRows, err := s.ByCorrelationID(ctx, "corr-b")
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if len(errRows) != 1 {
		t.Fatalf("expected error row retained under longer TTL, got %d", len(errRows))
	}
}

func TestRunMaintenance_EnforcesRowCapOldestFirst(t *testing.T) {
	s := openTestStore(t, observability.Config{MaxRows: 2})
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, corr := range []string{"corr-1", "corr-2", "corr-3"} {
		if err := s.Write(ctx, observability.Event{
			CreatedAt: base.Add(time.Duration(i) * time.Minute), Level: "info", Event: "e", CorrelationID: corr,
		}); err != nil {
			t.Fatalf("write %s: %v", corr, err)
		}
	}

	if err := s.RunMaintenance(ctx); err != nil {
		t.Fatalf("run maintenance: %v", err)
	}

	if rows, _ := s.ByCorrelationID(ctx, "corr-1"); len(rows) != 0 {
		t.Fatalf("expected oldest row pruned by row cap")
	}
	if rows, _ := s.ByCorrelationID(ctx, "corr-3"); len(rows) != 1 {
		t.Fatalf("expected newest row retained")
	}
}
