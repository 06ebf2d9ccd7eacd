// Package logging decorates a store.Client with otel spans and trace/debug
// logs per operation.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/store"
)

type client struct {
	inner  store.Client
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with spans and trace/debug logging.
func Wrap(inner store.Client, logger pslog.Logger, sys string) store.Client {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &client{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/clusterd/store"),
		sys:    sys,
	}
}

// start opens a span for op and returns a finisher that records the outcome.
// Expected misses (not found, node exists, version conflict) are not span
// errors.
func (c *client) start(ctx context.Context, op, path string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := c.tracer.Start(ctx, "clusterd.store."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("clusterd.store.operation", op),
		attribute.String("clusterd.store.path", path),
		attribute.String("clusterd.sys", c.sys),
	)
	logger := c.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger.Trace("store."+op+".begin", "path", path)
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		span.SetAttributes(attribute.Int64("clusterd.store.duration_ms", elapsed.Milliseconds()))
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Trace("store."+op+".success", "path", path, "elapsed", elapsed)
		case expected(err):
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.String("clusterd.store.result", err.Error()))
			logger.Trace("store."+op+".miss", "path", path, "error", err, "elapsed", elapsed)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "store_error")
			logger.Debug("store."+op+".error", "path", path, "error", err, "elapsed", elapsed)
		}
		span.End()
	}
}

func expected(err error) bool {
	switch err {
	case store.ErrNotFound, store.ErrNodeExists, store.ErrVersionConflict:
		return true
	}
	return false
}

func (c *client) SessionID() string { return c.inner.SessionID() }

func (c *client) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	ctx, span, _, finish := c.start(ctx, "create", path)
	span.SetAttributes(
		attribute.String("clusterd.store.mode", mode.String()),
		attribute.Int("clusterd.store.bytes", len(data)),
	)
	err := c.inner.Create(ctx, path, data, mode)
	finish(err)
	return err
}

func (c *client) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	ctx, span, _, finish := c.start(ctx, "get", path)
	data, stat, err := c.inner.Get(ctx, path)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("clusterd.store.version", stat.Version),
			attribute.Int("clusterd.store.bytes", len(data)),
		)
	}
	finish(err)
	return data, stat, err
}

func (c *client) Exists(ctx context.Context, path string) (store.Stat, bool, error) {
	ctx, span, _, finish := c.start(ctx, "exists", path)
	stat, ok, err := c.inner.Exists(ctx, path)
	span.SetAttributes(attribute.Bool("clusterd.store.exists", ok))
	finish(err)
	return stat, ok, err
}

func (c *client) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (store.Stat, error) {
	ctx, span, logger, finish := c.start(ctx, "set", path)
	span.SetAttributes(attribute.Int64("clusterd.store.expected_version", expectedVersion))
	stat, err := c.inner.Set(ctx, path, data, expectedVersion)
	if err == nil {
		logger.Trace("store.set.version", "path", path, "version", stat.Version)
	}
	finish(err)
	return stat, err
}

func (c *client) Delete(ctx context.Context, path string, expectedVersion int64) error {
	ctx, span, _, finish := c.start(ctx, "delete", path)
	span.SetAttributes(attribute.Int64("clusterd.store.expected_version", expectedVersion))
	err := c.inner.Delete(ctx, path, expectedVersion)
	finish(err)
	return err
}

func (c *client) Children(ctx context.Context, path string) ([]string, error) {
	ctx, span, _, finish := c.start(ctx, "children", path)
	names, err := c.inner.Children(ctx, path)
	span.SetAttributes(attribute.Int("clusterd.store.children", len(names)))
	finish(err)
	return names, err
}

func (c *client) Watch(ctx context.Context, path string, kind store.WatchKind) (store.Watch, error) {
	_, span, _, finish := c.start(ctx, "watch", path)
	span.SetAttributes(attribute.String("clusterd.store.watch_kind", kind.String()))
	// The watch outlives the span; do not hand it the span context.
	w, err := c.inner.Watch(ctx, path, kind)
	finish(err)
	return w, err
}

func (c *client) SubscribeSession() (<-chan store.SessionEvent, func()) {
	return c.inner.SubscribeSession()
}

func (c *client) Close() error {
	c.logger.Debug("store.close", "session", c.inner.SessionID())
	return c.inner.Close()
}
