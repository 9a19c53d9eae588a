package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(filepath.Join(t.TempDir(), "state", DefaultFileName))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load missing ledger: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("missing ledger loaded %d children", len(loaded))
	}

	children := []Child{
		{Tool: "claude", PID: 100, StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		{Tool: "codex", PID: 200, StartedAt: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC), Interactive: true},
	}
	if err := store.Save(context.Background(), children); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err = store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d children, want 2", len(loaded))
	}
	if loaded[0].Tool != "claude" || loaded[0].PID != 100 {
		t.Fatalf("first child = %+v", loaded[0])
	}
	if !loaded[1].Interactive {
		t.Fatal("interactive flag lost in round trip")
	}

	if err := store.Save(context.Background(), nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	loaded, err = store.Load(context.Background())
	if err != nil {
		t.Fatalf("load cleared: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("cleared ledger loaded %d children", len(loaded))
	}
}

func TestFileStoreRejectsCorruptLedger(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	_, err = store.Load(context.Background())
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !strings.Contains(err.Error(), path) {
		t.Fatalf("error %q must name the ledger path", err)
	}
}

func TestNewFileStoreRequiresAPath(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore("  "); err == nil {
		t.Fatal("expected an error for a blank path")
	}
}
