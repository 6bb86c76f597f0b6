// Package taskqueue implements the Task Queue: a durable FIFO-ish channel of
// TaskEnvelope messages with per-message ack/reject+requeue and at-least-once
// delivery, built on NATS JetStream for persistence across broker restarts.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/aiflow/internal/natsbus"
	"github.com/swarmguard/aiflow/internal/tss"
)

const (
	streamName   = "AIFLOW_TASKS"
	subjectPrefix = "aiflow.tasks."
)

// Envelope is the wire shape published to the queue for one task: enough
// for the Dispatcher to forward the task to a worker without a second TSS
// round trip. Callback is already rewritten to the ICC's own internal
// callback endpoint by the time the ICC publishes this.
type Envelope struct {
	TaskID          string        `json:"task_id"`
	TaskType        string        `json:"task_type"`
	ModelSpec       tss.ModelSpec `json:"model_spec"`
	Payload         any           `json:"payload"`
	InferenceParams any           `json:"inference_params,omitempty"`
	Callback        tss.Callback  `json:"callback"`
}

// Disposition is what a Handler decides to do with a delivered message.
type Disposition int

const (
	// Ack confirms successful processing; the message is not redelivered.
	Ack Disposition = iota
	// RejectRequeue asks for redelivery, e.g. no worker was currently available.
	RejectRequeue
	// RejectNoRequeue discards the message permanently, e.g. the task is
	// already terminal or malformed beyond repair.
	RejectNoRequeue
)

// Handler processes one delivered envelope and reports its disposition.
type Handler func(ctx context.Context, env Envelope) Disposition

// Queue is the TQ client.
type Queue struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Open connects to the NATS server at url and ensures the durable task
// stream exists.
func Open(url string) (*Queue, error) {
	nc, err := nats.Connect(url, nats.Name("aiflow-taskqueue"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   nats.FileStorage,
		Retention: nats.WorkQueuePolicy,
	}); err != nil && err != nats.ErrStreamNameAlreadyInUse {
		nc.Close()
		return nil, fmt.Errorf("ensure task stream: %w", err)
	}
	return &Queue{nc: nc, js: js}, nil
}

// Close drains the underlying connection.
func (q *Queue) Close() {
	q.nc.Close()
}

func subjectFor(taskType string) string {
	if taskType == "" {
		taskType = "default"
	}
	return subjectPrefix + taskType
}

// Publish sends env on its task-type subject with a core NATS publish that
// carries the trace context; the task stream bound to those subjects stores
// it. Publish does not wait for a JetStream publish acknowledgement.
func (q *Queue) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	return natsbus.Publish(ctx, q.nc, subjectFor(env.TaskType), data)
}

// ConsumeOpts configures a Consume loop.
type ConsumeOpts struct {
	// Durable names the JetStream consumer so redelivery survives a
	// dispatcher restart. Required.
	Durable string
	// TaskType restricts delivery to envelopes published under that type;
	// empty means all types.
	TaskType string
	// Prefetch bounds in-flight unacked messages per subscription (the
	// dispatcher sets this to 1).
	Prefetch int
	// AckWait is how long JetStream waits for an ack before redelivering.
	AckWait time.Duration
}

// Consume subscribes durably and invokes handler for each delivered
// envelope, acking/nacking per its returned Disposition. It blocks until ctx
// is cancelled.
func (q *Queue) Consume(ctx context.Context, opts ConsumeOpts, handler Handler) error {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.AckWait <= 0 {
		opts.AckWait = 30 * time.Second
	}

	subject := subjectPrefix + "*"
	if opts.TaskType != "" {
		subject = subjectFor(opts.TaskType)
	}

	sub, err := q.js.PullSubscribe(subject, opts.Durable,
		nats.AckExplicit(),
		nats.AckWait(opts.AckWait),
		nats.MaxAckPending(opts.Prefetch),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(opts.Prefetch, nats.MaxWait(1*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				_ = msg.Term()
				continue
			}
			switch handler(ctx, env) {
			case Ack:
				_ = msg.Ack()
			case RejectRequeue:
				_ = msg.Nak()
			case RejectNoRequeue:
				_ = msg.Term()
			}
		}
	}
}
