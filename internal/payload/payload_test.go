package payload

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

type fakeUploader struct {
	uploads []struct{ bucket, name, contentType string }
}

func (f *fakeUploader) UploadBytes(bucket, objectName string, data []byte, contentType string) (string, error) {
	f.uploads = append(f.uploads, struct{ bucket, name, contentType string }{bucket, objectName, contentType})
	return fmt.Sprintf("http://objects.internal/%s/%s", bucket, objectName), nil
}

func TestNormalizePreservesHTTPURLs(t *testing.T) {
	up := &fakeUploader{}
	out, err := Normalize(up, "payloads", "task-1", map[string]any{"image_url": "https://example.com/a.png"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := out.(map[string]any)
	if m["image_url"] != "https://example.com/a.png" {
		t.Fatalf("expected URL preserved unchanged, got %v", m["image_url"])
	}
	if len(up.uploads) != 0 {
		t.Fatalf("expected no uploads for an already-URL leaf, got %d", len(up.uploads))
	}
}

func TestNormalizeUploadsDataURI(t *testing.T) {
	up := &fakeUploader{}
	b64 := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	in := map[string]any{"image": "data:image/png;base64," + b64}
	out, err := Normalize(up, "payloads", "task-1", in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := out.(map[string]any)
	url, ok := m["image"].(string)
	if !ok || !strings.HasPrefix(url, "http://objects.internal/payloads/tasks/task-1/inputs/image.png") {
		t.Fatalf("unexpected normalized value: %v", m["image"])
	}
	if len(up.uploads) != 1 || up.uploads[0].contentType != "image/png" {
		t.Fatalf("expected one png upload, got %+v", up.uploads)
	}
}

func TestNormalizeUploadsHeuristicBase64UnderMediaKey(t *testing.T) {
	up := &fakeUploader{}
	raw := strings.Repeat("a", 400)
	b64 := base64.StdEncoding.EncodeToString([]byte(raw))
	in := map[string]any{"mask_data": b64}
	out, err := Normalize(up, "payloads", "task-2", in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := out.(map[string]any)
	if _, ok := m["mask_data"].(string); !ok || len(up.uploads) != 1 {
		t.Fatalf("expected heuristic base64 leaf to be uploaded, got %v / %d uploads", m["mask_data"], len(up.uploads))
	}
}

func TestNormalizeLeavesPlainStringsAlone(t *testing.T) {
	up := &fakeUploader{}
	out, err := Normalize(up, "payloads", "task-3", map[string]any{"prompt": "a cat on a skateboard"})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := out.(map[string]any)
	if m["prompt"] != "a cat on a skateboard" {
		t.Fatalf("expected plain string untouched, got %v", m["prompt"])
	}
	if len(up.uploads) != 0 {
		t.Fatalf("expected no uploads for plain text, got %d", len(up.uploads))
	}
}

func TestNormalizeWalksNestedLists(t *testing.T) {
	up := &fakeUploader{}
	b64 := base64.StdEncoding.EncodeToString([]byte("data"))
	in := map[string]any{"images": []any{"data:image/jpeg;base64," + b64, "https://example.com/b.jpg"}}
	out, err := Normalize(up, "payloads", "task-4", in)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := out.(map[string]any)
	list := m["images"].([]any)
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[1] != "https://example.com/b.jpg" {
		t.Fatalf("expected second entry preserved, got %v", list[1])
	}
	if len(up.uploads) != 1 {
		t.Fatalf("expected exactly one upload from the list, got %d", len(up.uploads))
	}
}
