package taskqueue

import "testing"

func TestSubjectForDefaultsWhenTaskTypeEmpty(t *testing.T) {
	if got := subjectFor(""); got != subjectPrefix+"default" {
		t.Fatalf("expected default subject, got %q", got)
	}
}

func TestSubjectForUsesTaskType(t *testing.T) {
	if got := subjectFor("echo"); got != subjectPrefix+"echo" {
		t.Fatalf("expected task-type subject, got %q", got)
	}
}
