package icc

import (
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/swarmguard/aiflow/internal/tss"
)

func TestCollectObjectURLsWalksNestedPayload(t *testing.T) {
	payload := map[string]any{
		"prompt": "hello",
		"files": []any{
			map[string]any{"url": "https://store.local/bucket/a.png", "size": 10},
			map[string]any{"url": "http://store.local/bucket/b.wav"},
		},
		"nested": map[string]any{"note": "not-a-url"},
	}
	got := collectObjectURLs(payload)
	sort.Strings(got)
	want := []string{"http://store.local/bucket/b.wav", "https://store.local/bucket/a.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("collectObjectURLs = %v, want %v", got, want)
	}
}

func TestCollectObjectURLsEmptyForNonURLValues(t *testing.T) {
	payload := map[string]any{"a": "just text", "b": 42, "c": nil}
	got := collectObjectURLs(payload)
	if len(got) != 0 {
		t.Fatalf("expected no urls, got %v", got)
	}
}

func TestFilterURLsRejectsNonHTTPStrings(t *testing.T) {
	in := []string{"https://ok", "http://ok", "ftp://no", "plain text", "htt://broken"}
	got := filterURLs(in)
	want := []string{"https://ok", "http://ok"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("filterURLs = %v, want %v", got, want)
	}
}

func TestDecideCallbackOutcomeRetryStaysProcessing(t *testing.T) {
	now := time.Now()
	rec := tss.Record{
		TaskID:     "t1",
		Status:     tss.StatusProcessing,
		RetryCount: 0,
		MaxRetries: 3,
		CreatedAt:  now.Add(-time.Second),
	}
	req := CallbackRequest{TaskID: "t1", Status: string(tss.StatusFailed), Error: "boom"}

	updated, oc, applied := decideCallbackOutcome(rec, req, now, time.Hour)
	if !applied {
		t.Fatal("expected retry transition to apply")
	}
	if oc.kind != "retry" {
		t.Fatalf("expected retry outcome, got %q", oc.kind)
	}
	if updated.Status != tss.StatusProcessing {
		t.Fatalf("retry must never revert status to PENDING, got %v", updated.Status)
	}
	if updated.RetryCount != 1 || updated.LastError != "boom" {
		t.Fatalf("expected retry_count bumped and last_error set, got %+v", updated)
	}
}

func TestDecideCallbackOutcomeTerminalFailedWhenRetriesExhausted(t *testing.T) {
	now := time.Now()
	rec := tss.Record{TaskID: "t2", Status: tss.StatusProcessing, RetryCount: 3, MaxRetries: 3, CreatedAt: now}
	req := CallbackRequest{TaskID: "t2", Status: string(tss.StatusFailed), Error: "still broken"}

	updated, oc, applied := decideCallbackOutcome(rec, req, now, time.Hour)
	if !applied || oc.kind != "terminal_failed" {
		t.Fatalf("expected terminal_failed, got kind=%q applied=%v", oc.kind, applied)
	}
	if updated.Status != tss.StatusFailed {
		t.Fatalf("expected FAILED status, got %v", updated.Status)
	}
}

func TestDecideCallbackOutcomeSuccessTransition(t *testing.T) {
	now := time.Now()
	rec := tss.Record{TaskID: "t3", Status: tss.StatusProcessing, CreatedAt: now}
	req := CallbackRequest{TaskID: "t3", Status: string(tss.StatusSuccess), Result: map[string]any{"ok": true}}

	updated, oc, applied := decideCallbackOutcome(rec, req, now, time.Hour)
	if !applied || oc.kind != "success" || updated.Status != tss.StatusSuccess {
		t.Fatalf("expected success transition, got kind=%q status=%v applied=%v", oc.kind, updated.Status, applied)
	}
}

func TestDecideCallbackOutcomeTimeoutOverridesStatus(t *testing.T) {
	now := time.Now()
	rec := tss.Record{TaskID: "t4", Status: tss.StatusProcessing, CreatedAt: now.Add(-time.Hour)}
	req := CallbackRequest{TaskID: "t4", Status: string(tss.StatusSuccess)}

	updated, oc, applied := decideCallbackOutcome(rec, req, now, time.Minute)
	if !applied || oc.kind != "timeout" || updated.Status != tss.StatusFailed {
		t.Fatalf("expected timeout->FAILED, got kind=%q status=%v applied=%v", oc.kind, updated.Status, applied)
	}
}

func TestDecideCallbackOutcomeDiscardsTerminalRecord(t *testing.T) {
	now := time.Now()
	rec := tss.Record{TaskID: "t5", Status: tss.StatusSuccess, CreatedAt: now}
	req := CallbackRequest{TaskID: "t5", Status: string(tss.StatusFailed)}

	_, oc, applied := decideCallbackOutcome(rec, req, now, time.Hour)
	if applied || oc.kind != "discarded" {
		t.Fatalf("expected discarded outcome on terminal record, got kind=%q applied=%v", oc.kind, applied)
	}
}

func TestDecideCallbackOutcomeInvalidStatus(t *testing.T) {
	now := time.Now()
	rec := tss.Record{TaskID: "t6", Status: tss.StatusProcessing, CreatedAt: now}
	req := CallbackRequest{TaskID: "t6", Status: "NOT_A_REAL_STATUS"}

	_, oc, applied := decideCallbackOutcome(rec, req, now, time.Hour)
	if applied || oc.kind != "invalid" {
		t.Fatalf("expected invalid outcome, got kind=%q applied=%v", oc.kind, applied)
	}
}
