package logsink

import (
	"path/filepath"
	"testing"
)

func TestAppendChainsHashes(t *testing.T) {
	sink, err := Open(Config{WALDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	first, err := sink.Append("worker", "task-1", "info", "task accepted", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if first.PrevHash != "" {
		t.Fatalf("expected empty prev hash for first entry, got %q", first.PrevHash)
	}

	second, err := sink.Append("dispatcher", "task-1", "info", "task dispatched", map[string]any{"worker_id": "w-1"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("expected second entry to chain off the first, got prev=%q want=%q", second.PrevHash, first.Hash)
	}
	if !sink.Verify() {
		t.Fatal("expected hash chain to verify")
	}
}

func TestQueryFiltersByServiceAndTaskID(t *testing.T) {
	sink, err := Open(Config{WALDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Append("worker", "task-1", "info", "a", nil)
	sink.Append("worker", "task-2", "info", "b", nil)
	sink.Append("dispatcher", "task-1", "info", "c", nil)

	results := sink.Query(QueryFilter{Service: "worker"})
	if len(results) != 2 {
		t.Fatalf("expected 2 worker entries, got %d", len(results))
	}

	results = sink.Query(QueryFilter{TaskID: "task-1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 task-1 entries, got %d", len(results))
	}

	results = sink.Query(QueryFilter{Service: "dispatcher", TaskID: "task-1"})
	if len(results) != 1 {
		t.Fatalf("expected 1 matching entry, got %d", len(results))
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	sink, err := Open(Config{WALDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 5; i++ {
		sink.Append("worker", "task-1", "info", "event", nil)
	}
	results := sink.Query(QueryFilter{Limit: 2})
	if len(results) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(results))
	}
}

func TestOpenRestoresFromWAL(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(Config{WALDir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sink.Append("worker", "task-1", "info", "first run", nil)
	sink.Close()

	reopened, err := Open(Config{WALDir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	latest, ok := reopened.Latest()
	if !ok {
		t.Fatal("expected restored entry to be present")
	}
	if latest.Message != "first run" {
		t.Fatalf("expected restored message, got %q", latest.Message)
	}
	if !reopened.Verify() {
		t.Fatal("expected restored chain to verify")
	}
}

func TestSegmentRotationCreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(Config{WALDir: dir, SegmentSize: 1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer sink.Close()

	sink.Append("worker", "task-1", "info", "a", nil)
	sink.Append("worker", "task-1", "info", "b", nil)

	files, err := filepath.Glob(filepath.Join(dir, "logsink-*.log"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected segment rotation to produce multiple files, got %d", len(files))
	}
}
