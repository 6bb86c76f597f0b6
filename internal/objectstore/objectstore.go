// Package objectstore implements the Object Store contract over the local
// filesystem, addressing objects by bucket/objectName path. No object-storage
// client library (MinIO, S3, GCS) appears anywhere in the retrieved reference
// corpus, so this is deliberately stdlib-only; see DESIGN.md for the
// justification. The Store type exposes exactly the contract the spec names
// so a real client can be swapped in behind this interface without touching
// callers.
package objectstore

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by GetBytes when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a filesystem-backed object store rooted at a base directory.
type Store struct {
	root    string
	baseURL string
}

// New creates a Store rooted at root, serving URLs under baseURL (e.g.
// "http://objectstore.internal").
func New(root, baseURL string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

type meta struct {
	ContentType string
}

func (s *Store) objectPath(bucket, objectName string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(objectName))
}

func (s *Store) metaPath(bucket, objectName string) string {
	return s.objectPath(bucket, objectName) + ".meta"
}

// UploadBytes stores data under bucket/objectName and returns its URL.
func (s *Store) UploadBytes(bucket, objectName string, data []byte, contentType string) (string, error) {
	path := s.objectPath(bucket, objectName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.WriteFile(s.metaPath(bucket, objectName), []byte(contentType), 0o644); err != nil {
		return "", fmt.Errorf("write object metadata: %w", err)
	}
	return s.URLFor(bucket, objectName), nil
}

// GetBytes returns the stored bytes and content type for bucket/objectName.
func (s *Store) GetBytes(bucket, objectName string) ([]byte, string, error) {
	path := s.objectPath(bucket, objectName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	contentType := "application/octet-stream"
	if raw, err := os.ReadFile(s.metaPath(bucket, objectName)); err == nil {
		contentType = string(raw)
	}
	return data, contentType, nil
}

// DeleteObject removes bucket/objectName. Deleting a missing object is not an error.
func (s *Store) DeleteObject(bucket, objectName string) error {
	path := s.objectPath(bucket, objectName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	_ = os.Remove(s.metaPath(bucket, objectName))
	return nil
}

// URLFor returns the canonical URL for bucket/objectName.
func (s *Store) URLFor(bucket, objectName string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, bucket, objectName)
}

// ParseURL extracts (bucket, objectName) from a URL previously returned by
// UploadBytes/URLFor, or ok=false if it is not one of ours.
func (s *Store) ParseURL(raw string) (bucket, objectName string, ok bool) {
	if !strings.HasPrefix(raw, s.baseURL+"/") {
		return "", "", false
	}
	if _, err := url.Parse(raw); err != nil {
		return "", "", false
	}
	trimmed := strings.TrimPrefix(raw, s.baseURL+"/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Handler serves stored objects over HTTP at the path this Store's baseURL
// points callers to: GET /<bucket>/<objectName...>. Mount it at the path
// component of baseURL so the URLs UploadBytes returns actually resolve.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.TrimPrefix(r.URL.Path, "/")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			http.NotFound(w, r)
			return
		}
		data, contentType, err := s.GetBytes(parts[0], parts[1])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "object store error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(data)
	})
}
