// Package retry decorates a store.Client so transient failures are retried
// with exponential backoff before they surface.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/store"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a client that retries transient errors according to cfg.
func Wrap(inner store.Client, logger pslog.Logger, clk clock.Clock, cfg Config) store.Client {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &client{
		inner:  inner,
		logger: logger,
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type client struct {
	inner  store.Client
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (c *client) SessionID() string { return c.inner.SessionID() }

func (c *client) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	return c.withRetry(ctx, "create", path, func(ctx context.Context) error {
		return c.inner.Create(ctx, path, data, mode)
	})
}

func (c *client) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	var (
		data []byte
		stat store.Stat
	)
	err := c.withRetry(ctx, "get", path, func(ctx context.Context) error {
		var err error
		data, stat, err = c.inner.Get(ctx, path)
		return err
	})
	return data, stat, err
}

func (c *client) Exists(ctx context.Context, path string) (store.Stat, bool, error) {
	var (
		stat store.Stat
		ok   bool
	)
	err := c.withRetry(ctx, "exists", path, func(ctx context.Context) error {
		var err error
		stat, ok, err = c.inner.Exists(ctx, path)
		return err
	})
	return stat, ok, err
}

func (c *client) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (store.Stat, error) {
	var stat store.Stat
	err := c.withRetry(ctx, "set", path, func(ctx context.Context) error {
		var err error
		stat, err = c.inner.Set(ctx, path, data, expectedVersion)
		return err
	})
	return stat, err
}

func (c *client) Delete(ctx context.Context, path string, expectedVersion int64) error {
	return c.withRetry(ctx, "delete", path, func(ctx context.Context) error {
		return c.inner.Delete(ctx, path, expectedVersion)
	})
}

func (c *client) Children(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := c.withRetry(ctx, "children", path, func(ctx context.Context) error {
		var err error
		names, err = c.inner.Children(ctx, path)
		return err
	})
	return names, err
}

func (c *client) Watch(ctx context.Context, path string, kind store.WatchKind) (store.Watch, error) {
	var w store.Watch
	err := c.withRetry(ctx, "watch", path, func(ctx context.Context) error {
		var err error
		w, err = c.inner.Watch(ctx, path, kind)
		return err
	})
	return w, err
}

func (c *client) SubscribeSession() (<-chan store.SessionEvent, func()) {
	return c.inner.SubscribeSession()
}

func (c *client) Close() error { return c.inner.Close() }

func (c *client) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = c.cfg.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *client) withRetry(ctx context.Context, op, path string, fn func(context.Context) error) error {
	attempts := c.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	bo := c.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !store.IsTransient(err) || attempt == attempts {
			return err
		}
		c.logger.Warn("store transient error",
			"operation", op,
			"path", path,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.clock.Sleep(bo.NextBackOff())
		}
	}
	return lastErr
}
