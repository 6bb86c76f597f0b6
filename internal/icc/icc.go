// Package icc implements the Ingress & Callback Controller: the sole writer
// of TaskRecord, and the entry and exit point for every task. It accepts
// submissions, normalizes payloads into Object Store URLs, persists records
// in the Task State Store, publishes envelopes to the Task Queue, and
// receives worker-completion callbacks, applying the platform's retry and
// wall-clock timeout policy before notifying the submitter.
package icc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"

	aerrors "github.com/swarmguard/aiflow/internal/errors"
	"github.com/swarmguard/aiflow/internal/logbus"
	"github.com/swarmguard/aiflow/internal/objectstore"
	"github.com/swarmguard/aiflow/internal/payload"
	"github.com/swarmguard/aiflow/internal/resilience"
	"github.com/swarmguard/aiflow/internal/taskqueue"
	"github.com/swarmguard/aiflow/internal/tss"
)

const payloadBucket = "aiflow"

// Controller holds every dependency the ICC's operations need.
type Controller struct {
	store       *tss.Store
	queue       *taskqueue.Queue
	objects     *objectstore.Store
	bus         *logbus.Bus
	logger      *slog.Logger
	httpClient  *http.Client

	taskTTL         time.Duration
	taskMaxRetries  int
	taskMaxWaitTime time.Duration

	internalCallbackURL string
	internalSharedKey   string
}

// New builds a Controller. internalCallbackURL is this ICC's own externally
// reachable /internal/task-callback endpoint, used to rewrite every
// submitted callback before it is handed to a worker.
func New(store *tss.Store, queue *taskqueue.Queue, objects *objectstore.Store, bus *logbus.Bus, logger *slog.Logger,
	taskTTL, taskMaxWaitTime time.Duration, taskMaxRetries int, internalCallbackURL, internalSharedKey string) *Controller {
	return &Controller{
		store:                store,
		queue:                queue,
		objects:              objects,
		bus:                  bus,
		logger:               logger,
		httpClient:           &http.Client{Timeout: 30 * time.Second},
		taskTTL:              taskTTL,
		taskMaxRetries:       taskMaxRetries,
		taskMaxWaitTime:      taskMaxWaitTime,
		internalCallbackURL:  internalCallbackURL,
		internalSharedKey:    internalSharedKey,
	}
}

// SubmitRequest is the ingress submission shape.
type SubmitRequest struct {
	TaskType        string         `json:"task_type"`
	ModelSpec       tss.ModelSpec  `json:"model_spec"`
	Payload         any            `json:"payload"`
	InferenceParams any            `json:"inference_params,omitempty"`
	Callback        *tss.Callback  `json:"callback,omitempty"`
}

// Submit normalizes req.Payload into Object Store URLs, persists a fresh
// TaskRecord, and publishes its envelope to the Task Queue.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (string, *aerrors.Error) {
	if req.TaskType == "" {
		return "", aerrors.New(aerrors.CodeInvalidTaskType, "task_type is required")
	}

	taskID := uuid.NewString()
	normalized, err := payload.Normalize(c.objects, payloadBucket, taskID, req.Payload)
	if err != nil {
		return "", aerrors.New(aerrors.CodeInvalidPayload, err.Error())
	}

	return c.finishSubmit(ctx, taskID, req.TaskType, req.ModelSpec, normalized, req.InferenceParams, req.Callback)
}

// FormFile is one file attached to a multipart task submission.
type FormFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

var sanitizeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SubmitMultipart is the tasks_form counterpart of Submit: it uploads each
// attached file to the Object Store first, surfaces the results as
// payload.files = [{filename,url,content_type,size}], then proceeds through
// the same normalization and persistence path as a JSON submission.
func (c *Controller) SubmitMultipart(ctx context.Context, taskType string, modelSpec tss.ModelSpec,
	rawPayload map[string]any, inferenceParams any, callback *tss.Callback, files []FormFile) (string, *aerrors.Error) {
	if taskType == "" {
		return "", aerrors.New(aerrors.CodeInvalidTaskType, "task_type is required")
	}

	taskID := uuid.NewString()
	if rawPayload == nil {
		rawPayload = map[string]any{}
	}

	if len(files) > 0 {
		entries := make([]any, 0, len(files))
		for i, f := range files {
			objectName := fmt.Sprintf("tasks/%s/inputs/upload_%d_%s", taskID, i, sanitizeFilenameRe.ReplaceAllString(f.Filename, "_"))
			url, err := c.objects.UploadBytes(payloadBucket, objectName, f.Data, f.ContentType)
			if err != nil {
				return "", aerrors.New(aerrors.CodeStorageUpload, err.Error())
			}
			entries = append(entries, map[string]any{
				"filename":     f.Filename,
				"url":          url,
				"content_type": f.ContentType,
				"size":         len(f.Data),
			})
		}
		rawPayload["files"] = entries
	}

	normalized, err := payload.Normalize(c.objects, payloadBucket, taskID, any(rawPayload))
	if err != nil {
		return "", aerrors.New(aerrors.CodeInvalidPayload, err.Error())
	}

	return c.finishSubmit(ctx, taskID, taskType, modelSpec, normalized, inferenceParams, callback)
}

// finishSubmit persists a fresh TaskRecord for an already-normalized payload
// and publishes its envelope to the Task Queue. Shared by Submit and
// SubmitMultipart once each has resolved taskID and the normalized payload.
func (c *Controller) finishSubmit(ctx context.Context, taskID, taskType string, modelSpec tss.ModelSpec,
	normalizedPayload any, inferenceParams any, callback *tss.Callback) (string, *aerrors.Error) {
	now := time.Now()
	record := tss.Record{
		TaskID:          taskID,
		TaskType:        taskType,
		ModelSpec:       modelSpec,
		Payload:         normalizedPayload,
		InferenceParams: inferenceParams,
		Callback:        callback,
		Status:          tss.StatusPending,
		MaxRetries:      c.taskMaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := c.store.SetTask(taskID, record, c.taskTTL); err != nil {
		return "", aerrors.New(aerrors.CodeStorageError, err.Error())
	}

	envelope := c.buildEnvelope(record)
	if err := c.queue.Publish(ctx, envelope); err != nil {
		c.logger.Error("submit: queue publish failed", "task_id", taskID, "error", err)
		return "", aerrors.New(aerrors.CodeQueuePublish, err.Error())
	}

	c.log(ctx, "info", taskID, "task.submitted", map[string]any{"task_type": taskType})
	return taskID, nil
}

// buildEnvelope rewrites a TaskRecord's callback to this ICC's own
// internal-callback endpoint: the submitter's callback is retained only on
// the TaskRecord in TSS, never handed to a worker.
func (c *Controller) buildEnvelope(rec tss.Record) taskqueue.Envelope {
	return taskqueue.Envelope{
		TaskID:          rec.TaskID,
		TaskType:        rec.TaskType,
		ModelSpec:       rec.ModelSpec,
		Payload:         rec.Payload,
		InferenceParams: rec.InferenceParams,
		Callback: tss.Callback{
			URL:     c.internalCallbackURL,
			Headers: map[string]string{"Authorization": "Bearer " + c.internalSharedKey},
		},
	}
}

// ObjectsHandler exposes the underlying Object Store's HTTP serving handler
// so a Gateway can mount it at the path component of the store's baseURL.
func (c *Controller) ObjectsHandler() http.Handler {
	return c.objects.Handler()
}

// Get returns the full record for taskID.
func (c *Controller) Get(taskID string) (tss.Record, *aerrors.Error) {
	rec, ok, err := c.store.GetTask(taskID)
	if err != nil {
		return tss.Record{}, aerrors.New(aerrors.CodeStateStoreOpFailed, err.Error())
	}
	if !ok {
		return tss.Record{}, aerrors.New(aerrors.CodeTaskNotFound, taskID)
	}
	return rec, nil
}

// GetStatus returns just the status field.
func (c *Controller) GetStatus(taskID string) (tss.Status, *aerrors.Error) {
	rec, err := c.Get(taskID)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// ResultView is what GetResult returns for a task in any state.
type ResultView struct {
	TaskID string     `json:"task_id"`
	Status tss.Status `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// GetResult returns a 202-equivalent view while the task is non-terminal.
// On terminal read it deletes the record (and best-effort cleans up its OS
// objects), per the platform's "result is consumed exactly once" contract.
func (c *Controller) GetResult(ctx context.Context, taskID string) (ResultView, *aerrors.Error) {
	rec, aerr := c.Get(taskID)
	if aerr != nil {
		return ResultView{}, aerr
	}

	view := ResultView{TaskID: rec.TaskID, Status: rec.Status, Result: rec.Result, Error: rec.Error}
	if rec.Status == tss.StatusPending || rec.Status == tss.StatusProcessing {
		return view, nil
	}

	if _, err := c.store.DeleteTask(taskID); err != nil {
		c.logger.Warn("get_result: delete after terminal read failed", "task_id", taskID, "error", err)
	}
	c.cleanupObjects(ctx, rec)
	return view, nil
}

// cleanupObjects best-effort deletes every OS object referenced by a
// record's payload and result trees. Failure never blocks the record
// delete that triggered it; it is logged at WARNING only.
func (c *Controller) cleanupObjects(ctx context.Context, rec tss.Record) {
	for _, u := range collectObjectURLs(rec.Payload) {
		c.deleteObjectURL(u)
	}
	for _, u := range collectObjectURLs(rec.Result) {
		c.deleteObjectURL(u)
	}
}

func (c *Controller) deleteObjectURL(u string) {
	bucket, name, ok := c.objects.ParseURL(u)
	if !ok {
		return
	}
	if err := c.objects.DeleteObject(bucket, name); err != nil {
		c.logger.Warn("object cleanup failed", "url", u, "error", err)
	}
}

func collectObjectURLs(value any) []string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		case string:
			if len(t) > 0 {
				out = append(out, t)
			}
		}
	}
	walk(value)
	return filterURLs(out)
}

func filterURLs(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, s := range candidates {
		if len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://")) {
			out = append(out, s)
		}
	}
	return out
}

// Delete removes a task's record and best-effort cleans up its Object Store
// objects regardless of current status, for the submitter-initiated
// DELETE /api/v1/tasks/{id} operation (distinct from GetResult's implicit
// delete-on-terminal-read).
func (c *Controller) Delete(ctx context.Context, taskID string) *aerrors.Error {
	rec, aerr := c.Get(taskID)
	if aerr != nil {
		return aerr
	}
	if _, err := c.store.DeleteTask(taskID); err != nil {
		return aerrors.New(aerrors.CodeStateStoreOpFailed, err.Error())
	}
	c.cleanupObjects(ctx, rec)
	c.log(ctx, "info", taskID, "task.deleted", nil)
	return nil
}

// CallbackRequest is the worker-completion payload delivered to
// InternalCallback.
type CallbackRequest struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// outcome is what the CompareAndUpdate transform function in
// InternalCallback decides to do, so the side effects (submitter
// notification, requeue, delete) can run after the atomic store mutation
// instead of racing with it.
type outcome struct {
	kind      string // "discarded", "timeout", "success", "retry", "terminal_failed", "invalid"
	record    tss.Record
	requeue   taskqueue.Envelope
}

// decideCallbackOutcome applies the timeout/success/retry-or-terminal policy
// to one in-flight record, without touching the store or the queue, so the
// status-DAG decision itself can be exercised without a live broker. Once
// PROCESSING, a record's status only ever advances to SUCCESS or FAILED; a
// retryable failure leaves Status untouched (still PROCESSING) and only bumps
// RetryCount/LastError, since the dispatcher's own PENDING-guarded CAS is what
// would otherwise need a PENDING record to re-pick it up.
func decideCallbackOutcome(rec tss.Record, req CallbackRequest, now time.Time, taskMaxWaitTime time.Duration) (tss.Record, outcome, bool) {
	var oc outcome

	if rec.Status == tss.StatusSuccess || rec.Status == tss.StatusFailed {
		// already terminal; nothing to apply, the caller's outcome is stale.
		oc.kind = "discarded"
		return rec, oc, false
	}

	if now.Sub(rec.CreatedAt) > taskMaxWaitTime {
		rec.Status = tss.StatusFailed
		rec.Error = fmt.Sprintf("Timeout after %s", taskMaxWaitTime)
		rec.UpdatedAt = now
		oc.kind = "timeout"
		oc.record = rec
		return rec, oc, true
	}

	switch req.Status {
	case string(tss.StatusSuccess):
		rec.Status = tss.StatusSuccess
		rec.Result = req.Result
		rec.UpdatedAt = now
		oc.kind = "success"
		oc.record = rec
		return rec, oc, true

	case string(tss.StatusFailed):
		if rec.RetryCount >= rec.MaxRetries {
			rec.Status = tss.StatusFailed
			rec.Error = fmt.Sprintf("Max retries exceeded: %s", req.Error)
			rec.UpdatedAt = now
			oc.kind = "terminal_failed"
			oc.record = rec
			return rec, oc, true
		}
		rec.RetryCount++
		rec.LastError = req.Error
		rec.UpdatedAt = now
		oc.kind = "retry"
		oc.record = rec
		return rec, oc, true

	default:
		oc.kind = "invalid"
		return rec, oc, false
	}
}

// InternalCallback is the pivot of the task lifecycle: it applies the
// timeout/success/retry-or-terminal policy and is authenticated by the
// caller (the shared-secret check happens in the HTTP handler). The status
// read-modify-write goes through CompareAndUpdate so two racing callbacks
// for the same task_id can never both apply a transition past terminal.
func (c *Controller) InternalCallback(ctx context.Context, req CallbackRequest) *aerrors.Error {
	var oc outcome

	_, applied, err := c.store.CompareAndUpdate(req.TaskID, func(rec tss.Record) (tss.Record, bool) {
		updated, decided, apply := decideCallbackOutcome(rec, req, time.Now(), c.taskMaxWaitTime)
		oc = decided
		if oc.kind == "retry" {
			oc.requeue = c.buildEnvelope(updated)
		}
		return updated, apply
	})
	if err != nil {
		return aerrors.New(aerrors.CodeStateStoreOpFailed, err.Error())
	}
	if !applied {
		if oc.kind == "invalid" {
			return aerrors.New(aerrors.CodeInvalidRequest, "unknown callback status: "+req.Status)
		}
		c.logger.Info("internal callback for discarded/terminal task", "task_id", req.TaskID)
		return nil
	}

	switch oc.kind {
	case "timeout":
		if _, err := c.store.DeleteTask(req.TaskID); err != nil {
			c.logger.Warn("timeout: delete failed", "task_id", req.TaskID, "error", err)
		}
		c.cleanupObjects(ctx, oc.record)
		c.log(ctx, "warn", req.TaskID, "task.timeout", nil)

	case "success":
		c.log(ctx, "info", req.TaskID, "task.completed", nil)
		if oc.record.Callback != nil {
			c.submitterCallback(ctx, *oc.record.Callback, req.TaskID, "SUCCESS", req.Result, "")
		}
		if _, err := c.store.DeleteTask(req.TaskID); err != nil {
			c.logger.Warn("success: delete failed", "task_id", req.TaskID, "error", err)
		}
		c.cleanupObjects(ctx, oc.record)

	case "terminal_failed":
		c.log(ctx, "error", req.TaskID, "task.failed", map[string]any{"error": req.Error})
		if oc.record.Callback != nil {
			c.submitterCallback(ctx, *oc.record.Callback, req.TaskID, "FAILED", nil, oc.record.Error)
		}
		if _, err := c.store.DeleteTask(req.TaskID); err != nil {
			c.logger.Warn("failed: delete failed", "task_id", req.TaskID, "error", err)
		}
		c.cleanupObjects(ctx, oc.record)

	case "retry":
		if err := c.queue.Publish(ctx, oc.requeue); err != nil {
			c.logger.Error("retry: requeue publish failed", "task_id", req.TaskID, "error", err)
			return aerrors.New(aerrors.CodeQueuePublish, err.Error())
		}
		c.log(ctx, "warn", req.TaskID, "task.retrying", map[string]any{"retry_count": oc.record.RetryCount})
	}

	return nil
}

var submitterCallbackSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// submitterCallback is a best-effort HTTP POST of the task outcome to the
// submitter's callback URL, retried up to 3 times with exponential backoff
// 2/4/8s, each attempt timing out at 30s. Exhaustion is logged at ERROR and
// never alters the (already terminal) TaskRecord.
func (c *Controller) submitterCallback(ctx context.Context, cb tss.Callback, taskID, status string, result any, errMsg string) {
	body, err := json.Marshal(CallbackRequest{TaskID: taskID, Status: status, Result: result, Error: errMsg})
	if err != nil {
		c.logger.Error("submitter callback: marshal failed", "task_id", taskID, "error", err)
		return
	}

	err = resilience.FixedBackoff(ctx, 4, submitterCallbackSchedule, func(attempt int) (bool, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cb.URL, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cb.Headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return false, fmt.Errorf("submitter callback returned %d", resp.StatusCode)
		}
		return true, nil
	})
	if err != nil {
		c.logger.Error("submitter callback exhausted retries", "task_id", taskID, "url", cb.URL, "error", err)
	}
}

func (c *Controller) log(ctx context.Context, level, taskID, message string, fields map[string]any) {
	if c.bus != nil {
		c.bus.Publish(ctx, level, taskID, message, fields)
	}
}
