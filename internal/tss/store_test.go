package tss

import (
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tss.db")
	store, err := Open(dbPath, otel.GetMeterProvider().Meter("tss-test"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetAndGetTask(t *testing.T) {
	store := openTestStore(t)
	rec := Record{TaskID: "t1", TaskType: "echo", Status: StatusPending}
	if err := store.SetTask("t1", rec, time.Minute); err != nil {
		t.Fatalf("SetTask failed: %v", err)
	}
	got, ok, err := store.GetTask("t1")
	if err != nil || !ok {
		t.Fatalf("GetTask failed: ok=%v err=%v", ok, err)
	}
	if got.TaskID != "t1" || got.Status != StatusPending {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetTaskMissing(t *testing.T) {
	store := openTestStore(t)
	_, ok, err := store.GetTask("nope")
	if err != nil || ok {
		t.Fatalf("expected ok=false for missing task, got ok=%v err=%v", ok, err)
	}
}

func TestGetTaskExpiresLazily(t *testing.T) {
	store := openTestStore(t)
	rec := Record{TaskID: "t2", TaskType: "echo", Status: StatusPending}
	if err := store.SetTask("t2", rec, time.Millisecond); err != nil {
		t.Fatalf("SetTask failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	_, ok, err := store.GetTask("t2")
	if err != nil || ok {
		t.Fatalf("expected expired task to read as absent, got ok=%v err=%v", ok, err)
	}
}

func TestDeleteTaskReportsExistence(t *testing.T) {
	store := openTestStore(t)
	store.SetTask("t3", Record{TaskID: "t3"}, time.Minute)
	existed, err := store.DeleteTask("t3")
	if err != nil || !existed {
		t.Fatalf("expected existed=true, got %v/%v", existed, err)
	}
	existed, err = store.DeleteTask("t3")
	if err != nil || existed {
		t.Fatalf("expected existed=false on second delete, got %v/%v", existed, err)
	}
}

func TestCompareAndUpdateAppliesTransition(t *testing.T) {
	store := openTestStore(t)
	store.SetTask("t4", Record{TaskID: "t4", Status: StatusPending}, time.Minute)

	rec, applied, err := store.CompareAndUpdate("t4", func(r Record) (Record, bool) {
		if r.Status != StatusPending {
			return r, false
		}
		r.Status = StatusProcessing
		return r, true
	})
	if err != nil || !applied {
		t.Fatalf("expected transition applied, got applied=%v err=%v", applied, err)
	}
	if rec.Status != StatusProcessing {
		t.Fatalf("expected status PROCESSING, got %v", rec.Status)
	}

	got, _, _ := store.GetTask("t4")
	if got.Status != StatusProcessing {
		t.Fatalf("expected persisted status PROCESSING, got %v", got.Status)
	}
}

func TestCompareAndUpdateRejectsInvalidTransition(t *testing.T) {
	store := openTestStore(t)
	store.SetTask("t5", Record{TaskID: "t5", Status: StatusSuccess}, time.Minute)

	_, applied, err := store.CompareAndUpdate("t5", func(r Record) (Record, bool) {
		if r.Status == StatusSuccess {
			return r, false
		}
		r.Status = StatusProcessing
		return r, true
	})
	if err != nil || applied {
		t.Fatalf("expected transition rejected, got applied=%v err=%v", applied, err)
	}
}

func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	store := openTestStore(t)
	store.SetTask("keep", Record{TaskID: "keep"}, time.Minute)
	store.SetTask("gone", Record{TaskID: "gone"}, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	n, err := store.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 swept record, got %d", n)
	}
	if _, ok, _ := store.GetTask("keep"); !ok {
		t.Fatal("expected unexpired record to survive the sweep")
	}
}
