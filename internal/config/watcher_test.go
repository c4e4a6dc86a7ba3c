package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_EmitsEventOnConfigFileWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("nerve_db_path: /a.db\n"), 0o644); err != nil {
		t.Fatalf("seed config.yaml: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(dir, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// give fsnotify a moment to register the watch before mutating.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(configPath, []byte("nerve_db_path: /b.db\n"), 0o644); err != nil {
		t.Fatalf("rewrite config.yaml: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != configPath {
			t.Fatalf("event path = %q, want %q", ev.Path, configPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
