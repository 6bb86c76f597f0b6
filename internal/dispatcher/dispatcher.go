// Package dispatcher implements the Dispatcher: it consumes the Task Queue,
// selects a suitable Worker for each task respecting capability and load,
// hands the task off, and requeues on unavailability. It never loses a
// message and never overcommits a worker.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/aiflow/internal/registry"
	"github.com/swarmguard/aiflow/internal/resilience"
	"github.com/swarmguard/aiflow/internal/taskqueue"
	"github.com/swarmguard/aiflow/internal/tss"
)

// workerProbe is the merged view of one candidate worker's /supported-tasks
// and /status responses.
type workerProbe struct {
	worker            registry.Worker
	supportedTaskTypes []string
	busy              bool
	pendingCount      int
}

type statusResponse struct {
	Busy              bool `json:"busy"`
	PendingTasksCount int  `json:"pending_tasks_count"`
}

type supportedTasksResponse struct {
	TaskTypes []string `json:"task_types"`
}

// Dispatcher consumes TQ and forwards tasks to Worker Runtimes.
type Dispatcher struct {
	queue    *taskqueue.Queue
	registry *registry.Registry
	store    *tss.Store
	logger   *slog.Logger
	breakers *resilience.CircuitBreakerPool
	client   *http.Client

	schedulerMaxPending int
	schedulerRetryDelay time.Duration

	shuttingDown atomic.Bool

	selectFailures metric.Int64Counter
	forwardSuccess metric.Int64Counter
	forwardBusy    metric.Int64Counter
}

// New builds a Dispatcher.
func New(queue *taskqueue.Queue, reg *registry.Registry, store *tss.Store, logger *slog.Logger, meter metric.Meter,
	schedulerMaxPending int, schedulerRetryDelay time.Duration) *Dispatcher {
	selectFailures, _ := meter.Int64Counter("aiflow_dispatcher_select_failures_total")
	forwardSuccess, _ := meter.Int64Counter("aiflow_dispatcher_forward_success_total")
	forwardBusy, _ := meter.Int64Counter("aiflow_dispatcher_forward_busy_total")

	return &Dispatcher{
		queue:               queue,
		registry:            reg,
		store:               store,
		logger:              logger,
		breakers: resilience.NewCircuitBreakerPool(func() *resilience.CircuitBreaker {
			return resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3)
		}),
		client:              &http.Client{Timeout: 5 * time.Second},
		schedulerMaxPending: schedulerMaxPending,
		schedulerRetryDelay: schedulerRetryDelay,
		selectFailures:      selectFailures,
		forwardSuccess:      forwardSuccess,
		forwardBusy:         forwardBusy,
	}
}

// Run consumes the queue with prefetch=1 until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.queue.Consume(ctx, taskqueue.ConsumeOpts{
		Durable:  "aiflow-dispatcher",
		Prefetch: 1,
	}, d.handle)
}

// Shutdown marks the dispatcher as draining: subsequent deliveries are
// rejected-with-requeue immediately rather than dispatched.
func (d *Dispatcher) Shutdown() {
	d.shuttingDown.Store(true)
}

func (d *Dispatcher) handle(ctx context.Context, env taskqueue.Envelope) taskqueue.Disposition {
	tracer := otel.Tracer("aiflow/dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.handle",
		trace.WithAttributes(attribute.String("task_id", env.TaskID), attribute.String("task_type", env.TaskType)))
	defer span.End()

	if d.shuttingDown.Load() {
		return taskqueue.RejectRequeue
	}
	if env.TaskID == "" || env.TaskType == "" {
		d.logger.Warn("dispatcher: malformed envelope, discarding")
		return taskqueue.RejectNoRequeue
	}

	probe, err := d.selectWorker(ctx, env.TaskType)
	if err != nil {
		d.selectFailures.Add(ctx, 1)
		d.logger.Warn("dispatcher: no worker available", "task_id", env.TaskID, "task_type", env.TaskType, "error", err)
		d.sleepRetryDelay(ctx)
		return taskqueue.RejectRequeue
	}

	status, forwardErr := d.forward(ctx, probe.worker, env)
	switch {
	case forwardErr == nil && (status == http.StatusOK || status == http.StatusCreated || status == http.StatusAccepted):
		d.forwardSuccess.Add(ctx, 1)
		if _, _, err := d.store.CompareAndUpdate(env.TaskID, func(rec tss.Record) (tss.Record, bool) {
			if rec.Status != tss.StatusPending {
				return rec, false
			}
			rec.Status = tss.StatusProcessing
			return rec, true
		}); err != nil {
			d.logger.Warn("dispatcher: PROCESSING upgrade failed", "task_id", env.TaskID, "error", err)
		}
		return taskqueue.Ack

	case status == http.StatusServiceUnavailable:
		d.forwardBusy.Add(ctx, 1)
		d.logger.Info("dispatcher: worker busy, requeueing", "task_id", env.TaskID, "worker", probe.worker.ID)
		d.sleepRetryDelay(ctx)
		return taskqueue.RejectRequeue

	default:
		d.logger.Warn("dispatcher: forward failed, requeueing", "task_id", env.TaskID, "worker", probe.worker.ID, "error", forwardErr)
		d.sleepRetryDelay(ctx)
		return taskqueue.RejectRequeue
	}
}

func (d *Dispatcher) sleepRetryDelay(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(d.schedulerRetryDelay):
	}
}

// selectWorker implements §4.2's worker-selection algorithm: list healthy
// model-forwarder entries, probe each concurrently, filter to those
// supporting taskType, prefer idle over low-load, tie-break on smallest
// pending count.
func (d *Dispatcher) selectWorker(ctx context.Context, taskType string) (workerProbe, error) {
	workers, err := d.registry.Discover("")
	if err != nil {
		return workerProbe{}, fmt.Errorf("discover workers: %w", err)
	}
	if len(workers) == 0 {
		return workerProbe{}, fmt.Errorf("no workers registered")
	}

	probes := make(chan *workerProbe, len(workers))
	for _, w := range workers {
		w := w
		go func() {
			p, ok := d.probeWorker(ctx, w)
			if !ok {
				probes <- nil
				return
			}
			probes <- p
		}()
	}

	var idle, lowLoad []workerProbe
	for range workers {
		p := <-probes
		if p == nil {
			continue
		}
		if !containsType(p.supportedTaskTypes, taskType) {
			continue
		}
		if !p.busy {
			idle = append(idle, *p)
		} else if p.pendingCount <= d.schedulerMaxPending {
			lowLoad = append(lowLoad, *p)
		}
	}

	if len(idle) > 0 {
		sort.Slice(idle, func(i, j int) bool { return idle[i].pendingCount < idle[j].pendingCount })
		return idle[0], nil
	}
	if len(lowLoad) > 0 {
		sort.Slice(lowLoad, func(i, j int) bool { return lowLoad[i].pendingCount < lowLoad[j].pendingCount })
		return lowLoad[0], nil
	}
	return workerProbe{}, fmt.Errorf("no suitable worker for task type %q", taskType)
}

func containsType(types []string, t string) bool {
	for _, s := range types {
		if s == t {
			return true
		}
	}
	return false
}

func (d *Dispatcher) probeWorker(ctx context.Context, w registry.Worker) (*workerProbe, bool) {
	base := fmt.Sprintf("http://%s:%d", w.Address, w.Port)
	breaker := d.breakers.Get(base)

	var supported supportedTasksResponse
	var status statusResponse

	err := breaker.Execute(ctx, func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := getJSON(probeCtx, d.client, base+"/api/v1/supported-tasks", &supported); err != nil {
			return err
		}
		return getJSON(probeCtx, d.client, base+"/status", &status)
	})
	if err != nil {
		return nil, false
	}

	return &workerProbe{
		worker:             w,
		supportedTaskTypes: supported.TaskTypes,
		busy:               status.Busy,
		pendingCount:       status.PendingTasksCount,
	}, true
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// forward POSTs env to worker's /api/v1/tasks endpoint, returning the HTTP
// status observed (or 0 on transport failure).
func (d *Dispatcher) forward(ctx context.Context, w registry.Worker, env taskqueue.Envelope) (int, error) {
	base := fmt.Sprintf("http://%s:%d", w.Address, w.Port)
	breaker := d.breakers.Get(base)

	body, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("marshal envelope: %w", err)
	}

	var status int
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/tasks", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		if status >= 400 && status != http.StatusServiceUnavailable {
			return fmt.Errorf("worker returned %d", status)
		}
		return nil
	})
	return status, err
}
