package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStartWatcher_InitialScanAndNewFiles(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.csv")
	if err := os.WriteFile(existing, []byte(validCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _, err := StartWatcher(ctx, WatchConfig{
		Roots:       []string{root},
		InitialScan: true,
		Debounce:    20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}

	select {
	case p := <-events:
		if p != existing {
			t.Fatalf("got %s, want %s", p, existing)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial scan did not emit existing file")
	}

	if err := os.WriteFile(filepath.Join(root, "ignored.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	added := filepath.Join(root, "new.csv")
	if err := os.WriteFile(added, []byte(validCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-events:
		if p != added {
			t.Fatalf("got %s, want %s", p, added)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report new file")
	}

	cancel()
	for range events {
	}
}

func TestStartWatcher_NoRoots(t *testing.T) {
	if _, _, err := StartWatcher(context.Background(), WatchConfig{}); err == nil {
		t.Fatal("expected error without roots")
	}
}
