package registry

import "testing"

func TestContainsTag(t *testing.T) {
	tags := []string{"echo", "http-model"}
	if !containsTag(tags, "echo") {
		t.Fatal("expected echo tag to be found")
	}
	if containsTag(tags, "script") {
		t.Fatal("expected script tag to be absent")
	}
	if containsTag(nil, "echo") {
		t.Fatal("expected no match against a nil slice")
	}
}
