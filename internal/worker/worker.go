// Package worker implements the Worker Runtime: a process that advertises
// the task types it can execute, accepts at most one inbound task at a time
// into an in-process queue, runs the inference, and posts the result back to
// a caller-supplied callback URL.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/aiflow/internal/logbus"
	"github.com/swarmguard/aiflow/internal/registry"
	"github.com/swarmguard/aiflow/internal/resilience"
	"github.com/swarmguard/aiflow/internal/tss"
)

const serviceName = "worker"

// task is what the worker holds between acceptance and callback.
type task struct {
	TaskID          string        `json:"task_id"`
	TaskType        string        `json:"task_type"`
	ModelSpec       tss.ModelSpec `json:"model_spec"`
	Payload         any           `json:"payload"`
	InferenceParams any           `json:"inference_params,omitempty"`
	callback        tss.Callback
}

// resultPacket is the standard SUCCESS/FAILED packet posted to the callback URL.
type resultPacket struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Worker is the Worker Runtime.
type Worker struct {
	adapters AdapterTable
	logger   *slog.Logger
	bus      *logbus.Bus

	queue  chan task
	result chan struct {
		task
		packet resultPacket
	}

	mu          sync.RWMutex
	currentTask *task
	shuttingDown atomic.Bool

	httpClient *http.Client
}

// New builds a Worker with the given adapter table. The internal channel
// has depth 1, per the spec's per-worker concurrency-of-one model.
func New(adapters AdapterTable, logger *slog.Logger, bus *logbus.Bus) *Worker {
	w := &Worker{
		adapters: adapters,
		logger:   logger,
		bus:      bus,
		queue:    make(chan task, 1),
		result: make(chan struct {
			task
			packet resultPacket
		}, 1),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	return w
}

// Run starts the inference loop and callback coroutine; blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	go w.inferenceLoop(ctx)
	go w.callbackLoop(ctx)
	<-ctx.Done()
}

func (w *Worker) inferenceLoop(ctx context.Context) {
	tracer := otel.Tracer("aiflow/worker")
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.queue:
			spanCtx, span := tracer.Start(ctx, "worker.infer",
				trace.WithAttributes(attribute.String("task_id", t.TaskID), attribute.String("task_type", t.TaskType)))

			fn, ok := w.adapters[t.TaskType]
			var packet resultPacket
			if !ok {
				packet = resultPacket{TaskID: t.TaskID, Status: "FAILED", Error: fmt.Sprintf("unsupported task type: %s", t.TaskType)}
			} else {
				out, err := fn(spanCtx, t.ModelSpec, t.Payload, t.InferenceParams)
				if err != nil {
					packet = resultPacket{TaskID: t.TaskID, Status: "FAILED", Error: err.Error()}
				} else {
					packet = resultPacket{TaskID: t.TaskID, Status: "SUCCESS", Result: map[string]any{
						"output":    out,
						"model":     t.ModelSpec.Name,
						"timestamp": time.Now().UTC().Format(time.RFC3339),
					}}
				}
			}
			span.End()

			if w.bus != nil {
				level := "info"
				if packet.Status == "FAILED" {
					level = "error"
				}
				w.bus.Publish(ctx, level, t.TaskID, "worker.task_finished", map[string]any{"status": packet.Status})
			}

			w.result <- struct {
				task
				packet resultPacket
			}{task: t, packet: packet}
		}
	}
}

func (w *Worker) callbackLoop(ctx context.Context) {
	schedule := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-w.result:
			body, err := json.Marshal(r.packet)
			if err != nil {
				w.logger.Error("callback: marshal result failed", "task_id", r.task.TaskID, "error", err)
				w.clearCurrent()
				continue
			}
			err = resilience.FixedBackoff(ctx, 4, schedule, func(attempt int) (bool, error) {
				cbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				req, err := http.NewRequestWithContext(cbCtx, http.MethodPost, r.task.callback.URL, bytes.NewReader(body))
				if err != nil {
					return false, err
				}
				req.Header.Set("Content-Type", "application/json")
				for k, v := range r.task.callback.Headers {
					req.Header.Set(k, v)
				}
				resp, err := w.httpClient.Do(req)
				if err != nil {
					return false, err
				}
				defer resp.Body.Close()
				if resp.StatusCode < 200 || resp.StatusCode >= 300 {
					return false, fmt.Errorf("callback returned %d", resp.StatusCode)
				}
				return true, nil
			})
			if err != nil {
				w.logger.Error("callback delivery exhausted retries", "task_id", r.task.TaskID, "error", err)
			}
			w.clearCurrent()
		}
	}
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.currentTask = nil
	w.mu.Unlock()
}

// Status is the /status response shape.
type Status struct {
	Busy              bool   `json:"busy"`
	CurrentTask       string `json:"current_task,omitempty"`
	PendingTasksCount int    `json:"pending_tasks_count"`
}

func (w *Worker) status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Status{PendingTasksCount: len(w.queue)}
	if w.currentTask != nil {
		s.Busy = true
		s.CurrentTask = w.currentTask.TaskID
	}
	return s
}

func (w *Worker) supportedTasks() []string {
	out := make([]string, 0, len(w.adapters))
	for k := range w.adapters {
		out = append(out, k)
	}
	return out
}

// accept admits t as the current task and queues it. Returns errBusy if the
// worker is shutting down or already holds a task; field validation happens
// in the /api/v1/tasks handler before accept is called.
func (w *Worker) accept(t task) error {
	if w.shuttingDown.Load() {
		return errBusy
	}
	w.mu.Lock()
	if w.currentTask != nil {
		w.mu.Unlock()
		return errBusy
	}
	w.currentTask = &t
	w.mu.Unlock()

	select {
	case w.queue <- t:
		return nil
	default:
		w.clearCurrent()
		return errBusy
	}
}

var errBusy = fmt.Errorf("worker busy")

// Handler returns the worker's HTTP mux: /status, /api/v1/supported-tasks,
// /api/v1/tasks, /health.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/status", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, w.status())
	})
	mux.HandleFunc("/api/v1/supported-tasks", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]any{"task_types": w.supportedTasks()})
	})
	mux.HandleFunc("/api/v1/tasks", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		var t task
		if err := json.Unmarshal(body, &t); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "invalid task payload"})
			return
		}
		if t.TaskID == "" || t.TaskType == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing task_id or task_type"})
			return
		}

		var raw map[string]any
		_ = json.Unmarshal(body, &raw)
		if cb, ok := raw["callback"].(map[string]any); ok {
			if url, ok := cb["url"].(string); ok {
				t.callback.URL = url
			}
			if hdrs, ok := cb["headers"].(map[string]any); ok {
				t.callback.Headers = map[string]string{}
				for k, v := range hdrs {
					if sv, ok := v.(string); ok {
						t.callback.Headers[k] = sv
					}
				}
			}
		}
		if t.callback.URL == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing callback"})
			return
		}
		for _, field := range []string{"model_spec", "payload"} {
			if _, ok := raw[field]; !ok {
				writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "missing " + field})
				return
			}
		}

		if err := w.accept(t); err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusAccepted, map[string]string{"status": "accepted", "task_id": t.TaskID})
	})
	return mux
}

// Shutdown sets the shutting-down flag and waits up to timeout for any
// in-flight task to clear.
func (w *Worker) Shutdown(timeout time.Duration) {
	w.shuttingDown.Store(true)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w.mu.RLock()
		idle := w.currentTask == nil
		w.mu.RUnlock()
		if idle {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	w.logger.Warn("shutdown timeout waiting for in-flight task to clear")
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(data)
}

// DiscoverExternalAddress resolves the worker's externally-reachable address
// by opening a UDP socket toward registryHost and reading the local
// endpoint, falling back to loopback if that fails.
func DiscoverExternalAddress(registryHost string) string {
	conn, err := net.Dial("udp", registryHost+":1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return localAddr.IP.String()
}

// Register advertises this worker to the Service Registry under a fresh
// instance ID, using addr/port as its reachable endpoint.
func Register(reg *registry.Registry, addr string, port int, taskTypes []string) (string, error) {
	id := "worker-" + uuid.NewString()
	w := registry.Worker{
		ID:        id,
		Address:   addr,
		Port:      port,
		TaskTypes: taskTypes,
		Healthy:   true,
		LastSeen:  time.Now(),
	}
	if err := reg.Register(w); err != nil {
		return "", err
	}
	return id, nil
}
