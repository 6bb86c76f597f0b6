// Package payload implements the recursive media-to-object-store
// normalization described in the platform's payload-handling design note:
// walk an arbitrary JSON structure as a tagged-union Value over
// {String, Bytes, List, Map, Other}, uploading any media leaf to the object
// store and replacing it in place with the resulting URL. No reflection;
// the walk only ever sees the handful of shapes encoding/json produces.
package payload

import (
	"encoding/base64"
	"fmt"
	"mime"
	"regexp"
	"strings"
)

// Uploader is the subset of the object-store client this package needs.
type Uploader interface {
	UploadBytes(bucket, objectName string, data []byte, contentType string) (string, error)
}

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9/+.\-]+);base64,(.+)$`)

// mediaPathTokens are the path fragments whose presence makes a long string
// leaf a base64-heuristic candidate even without a data: URI prefix.
var mediaPathTokens = []string{"image", "audio", "video", "mask", "media", "file"}

const minHeuristicBase64Len = 512

var sanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Normalize walks payload, uploading media leaves to bucket under
// tasks/<taskID>/inputs/<sanitized-path>.<ext>, and returns an equal-shaped
// structure with those leaves replaced by the resulting URLs. It is
// idempotent: a payload whose media leaves are already http(s) URLs is
// returned unchanged.
func Normalize(up Uploader, bucket, taskID string, value any) (any, error) {
	return walk(up, bucket, taskID, []string{"payload"}, value)
}

func walk(up Uploader, bucket, taskID string, path []string, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			res, err := walk(up, bucket, taskID, append(path, k), child)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			res, err := walk(up, bucket, taskID, append(path, fmt.Sprintf("%d", i)), child)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	case string:
		return normalizeString(up, bucket, taskID, path, v)
	default:
		return value, nil
	}
}

func normalizeString(up Uploader, bucket, taskID string, path []string, s string) (any, error) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s, nil
	}

	if m := dataURIPattern.FindStringSubmatch(s); m != nil {
		contentType, b64 := m[1], m[2]
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 in data URI at %s: %w", strings.Join(path, "."), err)
		}
		return upload(up, bucket, taskID, path, data, contentType)
	}

	if looksLikeHeuristicBase64(path, s) {
		data, err := base64.StdEncoding.DecodeString(s)
		if err == nil {
			return upload(up, bucket, taskID, path, data, "application/octet-stream")
		}
	}

	return s, nil
}

func looksLikeHeuristicBase64(path []string, s string) bool {
	if len(s) < minHeuristicBase64Len {
		return false
	}
	joined := strings.ToLower(strings.Join(path, "."))
	for _, token := range mediaPathTokens {
		if strings.Contains(joined, token) {
			return true
		}
	}
	return false
}

func upload(up Uploader, bucket, taskID string, path []string, data []byte, contentType string) (string, error) {
	ext := extFor(contentType)
	objectName := fmt.Sprintf("tasks/%s/inputs/%s%s", taskID, sanitizePath(path), ext)
	return up.UploadBytes(bucket, objectName, data, contentType)
}

func sanitizePath(path []string) string {
	// drop the leading "payload" root segment; join the rest with underscores
	segments := path
	if len(segments) > 0 && segments[0] == "payload" {
		segments = segments[1:]
	}
	joined := strings.Join(segments, "_")
	return sanitizeRe.ReplaceAllString(joined, "_")
}

var extByMIME = map[string]string{
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

func extFor(contentType string) string {
	if ext, ok := extByMIME[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
