// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// DefaultRequestTimeout bounds Request when ctx has no deadline.
const DefaultRequestTimeout = 5 * time.Second

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func encode[T any](ctx context.Context, subject string, v T) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	msg, err := encode(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// Handler processes one decoded message. A returned error is logged.
type Handler[T any] func(context.Context, T) error

// SubOptions configures a subscription.
type SubOptions struct {
	// Queue, when set, load-balances messages across subscribers in the group.
	Queue  string
	Logger *slog.Logger
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the
// handler. Malformed messages are logged and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, opts SubOptions, handler Handler[T]) (*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cb := func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			log.Warn("dropping malformed message", "subject", msg.Subject, "error", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		if err := handler(ctx, v); err != nil {
			log.Error("message handler failed", "subject", msg.Subject, "error", err)
		}
	}
	if opts.Queue != "" {
		return nc.QueueSubscribe(subject, opts.Queue, cb)
	}
	return nc.Subscribe(subject, cb)
}

// Request sends a JSON-encoded request and decodes the response. It waits
// until ctx is done, or DefaultRequestTimeout when ctx has no deadline.
func Request[Req, Resp any](ctx context.Context, nc *nats.Conn, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := encode(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, fmt.Errorf("natsutil: request %s: %w", subject, err)
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode %s reply: %w", subject, err)
	}
	return result, nil
}

// Respond serves requests on subject with f, replying with its JSON-encoded
// result. Failed or malformed requests get no reply.
func Respond[Req, Resp any](nc *nats.Conn, subject string, opts SubOptions, f func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cb := func(msg *nats.Msg) {
		var req Req
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Warn("dropping malformed request", "subject", msg.Subject, "error", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		resp, err := f(ctx, req)
		if err != nil {
			log.Error("request handler failed", "subject", msg.Subject, "error", err)
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			log.Error("encode reply", "subject", msg.Subject, "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn("reply failed", "subject", msg.Subject, "error", err)
		}
	}
	if opts.Queue != "" {
		return nc.QueueSubscribe(subject, opts.Queue, cb)
	}
	return nc.Subscribe(subject, cb)
}
