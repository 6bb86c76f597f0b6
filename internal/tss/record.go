// Package tss implements the Task State Store: the authoritative
// task_id -> TaskRecord mapping with TTL, backed by BoltDB (chosen, like the
// reference platform's workflow store, for pure-Go embeddability with no
// external dependency to run).
package tss

import "time"

// Status is one of the four points in the task lifecycle DAG.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// ModelSpec is passed opaquely through to the inference function.
type ModelSpec struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Callback is an optional submitter (or internal) notification target.
type Callback struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Record is the authoritative per-task state, serialized as JSON in TSS.
type Record struct {
	TaskID           string         `json:"task_id"`
	TaskType         string         `json:"task_type"`
	ModelSpec        ModelSpec      `json:"model_spec"`
	Payload          any            `json:"payload"`
	InferenceParams  any            `json:"inference_params,omitempty"`
	Callback         *Callback      `json:"callback,omitempty"`
	Status           Status         `json:"status"`
	Result           any            `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
