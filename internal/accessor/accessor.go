// Package accessor reads and writes cluster records through a store.Client.
package accessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/svcfields"
)

// ErrUpdateConflict is returned when Update keeps losing compare-and-set
// races.
var ErrUpdateConflict = errors.New("accessor: update retries exhausted")

const (
	defaultUpdateAttempts = 16
	defaultConcurrency    = 8
)

// Accessor provides record-level operations over store paths.
type Accessor struct {
	client      store.Client
	logger      pslog.Logger
	clock       clock.Clock
	attempts    int
	concurrency int
}

// Option customises an Accessor.
type Option func(*Accessor)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(a *Accessor) { a.logger = logger }
}

// WithClock sets the clock used for subscription backoff.
func WithClock(clk clock.Clock) Option {
	return func(a *Accessor) { a.clock = clk }
}

// WithUpdateAttempts bounds the read-modify-write loop of Update.
func WithUpdateAttempts(n int) Option {
	return func(a *Accessor) { a.attempts = n }
}

// WithConcurrency bounds the parallelism of batch operations.
func WithConcurrency(n int) Option {
	return func(a *Accessor) { a.concurrency = n }
}

// New returns an Accessor over client.
func New(client store.Client, opts ...Option) *Accessor {
	a := &Accessor{client: client}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = svcfields.WithSubsystem(a.logger, "accessor")
	a.clock = clock.OrReal(a.clock)
	if a.attempts <= 0 {
		a.attempts = defaultUpdateAttempts
	}
	if a.concurrency <= 0 {
		a.concurrency = defaultConcurrency
	}
	return a
}

// Client returns the underlying store client.
func (a *Accessor) Client() store.Client { return a.client }

// Get reads the record at path. ok is false when the node does not exist.
func (a *Accessor) Get(ctx context.Context, path string) (*record.Record, bool, error) {
	data, stat, err := a.client.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec, err := decode(path, data, stat)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func decode(path string, data []byte, stat store.Stat) (*record.Record, error) {
	var rec *record.Record
	if len(data) == 0 {
		rec = record.New(store.Base(path))
	} else {
		var err error
		rec, err = record.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("accessor: %s: %w", path, err)
		}
	}
	rec.SetMeta(record.Meta{Version: stat.Version, CreatedAt: stat.CreatedAt, ModifiedAt: stat.ModifiedAt})
	return rec, nil
}

func (a *Accessor) encode(path string, rec *record.Record) ([]byte, error) {
	data, err := record.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if record.Oversize(data) {
		a.logger.Warn("accessor.record.oversize",
			"path", path,
			"size", humanize.IBytes(uint64(len(data))),
			"limit", humanize.IBytes(record.SizeLimit),
		)
	}
	return data, nil
}

// Create writes rec at path, failing with store.ErrNodeExists when the
// node is already present.
func (a *Accessor) Create(ctx context.Context, path string, rec *record.Record, mode store.CreateMode) error {
	data, err := a.encode(path, rec)
	if err != nil {
		return err
	}
	return a.client.Create(ctx, path, data, mode)
}

// Set writes rec at path unconditionally, creating a persistent node when
// missing.
func (a *Accessor) Set(ctx context.Context, path string, rec *record.Record) error {
	data, err := a.encode(path, rec)
	if err != nil {
		return err
	}
	for range 2 {
		_, err = a.client.Set(ctx, path, data, store.AnyVersion)
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		err = a.client.Create(ctx, path, data, store.Persistent)
		if !errors.Is(err, store.ErrNodeExists) {
			return err
		}
	}
	return err
}

// SetIfVersion writes rec only when the stored version equals version.
func (a *Accessor) SetIfVersion(ctx context.Context, path string, rec *record.Record, version int64) error {
	data, err := a.encode(path, rec)
	if err != nil {
		return err
	}
	_, err = a.client.Set(ctx, path, data, version)
	return err
}

// UpdateFunc computes the next record from the current one. cur is nil when
// the node does not exist. Returning a nil record skips the write.
type UpdateFunc func(cur *record.Record) (*record.Record, error)

// Update runs a read-modify-write loop guarded by the node version and
// returns the record that was written.
func (a *Accessor) Update(ctx context.Context, path string, fn UpdateFunc) (*record.Record, error) {
	for attempt := 1; attempt <= a.attempts; attempt++ {
		cur, ok, err := a.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		var base *record.Record
		if ok {
			base = cur.Copy()
		}
		next, err := fn(base)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		data, err := a.encode(path, next)
		if err != nil {
			return nil, err
		}
		if ok {
			_, err = a.client.Set(ctx, path, data, cur.Version())
		} else {
			err = a.client.Create(ctx, path, data, store.Persistent)
		}
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, store.ErrVersionConflict),
			errors.Is(err, store.ErrNotFound),
			errors.Is(err, store.ErrNodeExists):
			a.logger.Trace("accessor.update.conflict", "path", path, "attempt", attempt)
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUpdateConflict, path)
}

// Apply merges u into the record at path, creating it when missing.
func (a *Accessor) Apply(ctx context.Context, path string, u *record.Update) (*record.Record, error) {
	if u == nil || u.Record == nil {
		return nil, errors.New("accessor: apply: nil update")
	}
	return a.Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		if cur == nil {
			cur = record.New(u.Record.ID())
		}
		cur.Apply(u)
		return cur, nil
	})
}

// EnsurePath creates an empty persistent node at path unless one exists.
func (a *Accessor) EnsurePath(ctx context.Context, path string) error {
	err := a.client.Create(ctx, path, nil, store.Persistent)
	if errors.Is(err, store.ErrNodeExists) {
		return nil
	}
	return err
}

// Remove deletes the node at path. Missing nodes are not an error.
func (a *Accessor) Remove(ctx context.Context, path string) error {
	err := a.client.Delete(ctx, path, store.AnyVersion)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// RemoveTree deletes path and everything below it.
func (a *Accessor) RemoveTree(ctx context.Context, path string) error {
	children, err := a.ChildNames(ctx, path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := a.RemoveTree(ctx, store.Join(path, child)); err != nil {
			return err
		}
	}
	return a.Remove(ctx, path)
}

// ChildNames lists the children of path, empty when path is missing.
func (a *Accessor) ChildNames(ctx context.Context, path string) ([]string, error) {
	names, err := a.client.Children(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return names, err
}

// ChildValues reads every child record of path. Children deleted between
// listing and reading are skipped.
func (a *Accessor) ChildValues(ctx context.Context, path string) ([]*record.Record, error) {
	names, err := a.ChildNames(ctx, path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = store.Join(path, name)
	}
	recs, err := a.BatchGet(ctx, paths)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BatchGet reads paths concurrently. Missing nodes yield nil entries.
func (a *Accessor) BatchGet(ctx context.Context, paths []string) ([]*record.Record, error) {
	out := make([]*record.Record, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			rec, ok, err := a.Get(gctx, path)
			if err != nil {
				return err
			}
			if ok {
				out[i] = rec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchSet writes recs[i] to paths[i] concurrently.
func (a *Accessor) BatchSet(ctx context.Context, paths []string, recs []*record.Record) error {
	if len(paths) != len(recs) {
		return fmt.Errorf("accessor: batch set: %d paths for %d records", len(paths), len(recs))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			return a.Set(gctx, path, recs[i])
		})
	}
	return g.Wait()
}

// Watch arms a one-shot watch on path.
func (a *Accessor) Watch(ctx context.Context, path string, kind store.WatchKind) (store.Watch, error) {
	return a.client.Watch(ctx, path, kind)
}

// Subscribe keeps a watch on path armed until ctx ends and signals notify
// after every change. Signals are coalesced: a full notify channel drops the
// new signal. A signal is only sent once the next watch is armed, so a
// caller that reads after a signal cannot miss a later change. The first
// signal reports the initial state.
func (a *Accessor) Subscribe(ctx context.Context, path string, kind store.WatchKind, notify chan<- struct{}) {
	go a.subscribe(ctx, path, kind, notify)
}

func (a *Accessor) subscribe(ctx context.Context, path string, kind store.WatchKind, notify chan<- struct{}) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	pending := true
	for ctx.Err() == nil {
		w, err := a.client.Watch(ctx, path, kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Debug("accessor.subscribe.arm_failed", "path", path, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-a.clock.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		if pending {
			pending = false
			signal(notify)
		}
		select {
		case <-ctx.Done():
			w.Cancel()
			return
		case ev, ok := <-w.Events():
			if !ok {
				continue
			}
			pending = true
			if ev.Type == store.EventNotWatching {
				a.logger.Debug("accessor.subscribe.session_lost", "path", path)
			}
		}
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
