package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewWatcher_NilPathReturnsNilWatcher(t *testing.T) {
	w, err := NewWatcher(zap.NewNop(), "")
	if err != nil {
		t.Fatalf("expected no error for empty path, got %v", err)
	}
	if w != nil {
		t.Fatalf("expected a nil watcher for an empty path")
	}
	w.Close()
}

func TestNewWatcher_WatchesExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	w, err := NewWatcher(zap.NewNop(), path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if w == nil {
		t.Fatalf("expected a live watcher for an existing directory")
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"port":1}`), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestWatcher_CloseOnNilReceiverIsSafe(t *testing.T) {
	var w *Watcher
	w.Close()
}
