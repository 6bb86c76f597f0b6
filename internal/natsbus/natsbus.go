// Package natsbus wraps NATS publish/subscribe with W3C trace-context
// propagation over message headers, used by both the Task Queue and the
// Log Bus clients.
package natsbus

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aiflow/natsbus"

type headerCarrier struct{ h nats.Header }

func (c headerCarrier) Get(key string) string       { return c.h.Get(key) }
func (c headerCarrier) Set(key, value string)        { c.h.Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.h))
	for k := range c.h {
		keys = append(keys, k)
	}
	return keys
}

// Publish sends data to subject, injecting the current trace context into
// NATS message headers so a Subscribe on the other end can continue the trace.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "nats.publish", trace.WithAttributes(attribute.String("subject", subject)))
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{msg.Header})

	if err := nc.PublishMsg(msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Subscribe registers handler on subject, extracting any propagated trace
// context and starting a consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, queue string, handler func(ctx context.Context, msg *nats.Msg)) (*nats.Subscription, error) {
	tracer := otel.Tracer(tracerName)
	wrapped := func(msg *nats.Msg) {
		ctx := context.Background()
		if msg.Header != nil {
			ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg.Header})
		}
		ctx, span := tracer.Start(ctx, "nats.consume", trace.WithAttributes(attribute.String("subject", subject)))
		defer span.End()
		handler(ctx, msg)
	}
	if queue != "" {
		return nc.QueueSubscribe(subject, queue, wrapped)
	}
	return nc.Subscribe(subject, wrapped)
}
