package dispatcher

import "testing"

func TestContainsType(t *testing.T) {
	types := []string{"echo", "http-model"}
	if !containsType(types, "echo") {
		t.Fatal("expected echo to be found")
	}
	if containsType(types, "script") {
		t.Fatal("expected script to be absent")
	}
	if containsType(nil, "echo") {
		t.Fatal("expected no match against a nil slice")
	}
}
