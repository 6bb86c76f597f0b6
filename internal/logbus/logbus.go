// Package logbus implements the Log Bus: a fire-and-forget broadcast channel
// for structured log events. Publish failures are swallowed (logged locally)
// rather than propagated, since log emission must never perturb the data
// plane.
package logbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/aiflow/internal/natsbus"
)

const subject = "aiflow.logs"

// Event is one structured log line broadcast on the bus.
type Event struct {
	Service   string         `json:"service"`
	TaskID    string         `json:"task_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bus is the LB publisher.
type Bus struct {
	nc      *nats.Conn
	service string
	logger  *slog.Logger
}

// Open wraps an existing NATS connection (shared with the Task Queue) as a
// Log Bus publisher for service.
func Open(nc *nats.Conn, service string, logger *slog.Logger) *Bus {
	return &Bus{nc: nc, service: service, logger: logger}
}

// Publish broadcasts ev. Any failure is logged locally and discarded.
func (b *Bus) Publish(ctx context.Context, level, taskID, message string, fields map[string]any) {
	ev := Event{
		Service:   b.service,
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Fields:    fields,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("logbus: marshal event failed", "error", err)
		return
	}
	if err := natsbus.Publish(ctx, b.nc, subject, data); err != nil {
		b.logger.Warn("logbus: publish failed", "error", err)
	}
}

// Subscribe registers handler for every broadcast event; used by the
// reference Log Bus consumer (cmd/logsink).
func Subscribe(nc *nats.Conn, queue string, handler func(ctx context.Context, ev Event)) (*nats.Subscription, error) {
	return natsbus.Subscribe(nc, subject, queue, func(ctx context.Context, msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ctx, ev)
	})
}
