package etcdstore

import (
	"context"
	"strings"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"pkt.systems/clusterd/internal/store"
)

type watch struct {
	path   string
	events chan store.Event
	cancel context.CancelFunc
	once   sync.Once
	owner  *Client
}

func (w *watch) Events() <-chan store.Event { return w.events }

func (w *watch) Cancel() {
	w.finish(nil)
}

func (w *watch) finish(ev *store.Event) {
	w.once.Do(func() {
		w.cancel()
		w.owner.mu.Lock()
		delete(w.owner.watches, w)
		w.owner.mu.Unlock()
		if ev != nil {
			w.events <- *ev
		}
		close(w.events)
	})
}

func (c *Client) dropWatches() {
	c.mu.Lock()
	watches := make([]*watch, 0, len(c.watches))
	for w := range c.watches {
		watches = append(watches, w)
	}
	c.mu.Unlock()
	for _, w := range watches {
		w.finish(&store.Event{Type: store.EventNotWatching, Path: w.path})
	}
}

// Watch implements store.Client. The etcd watch starts at the revision
// following the current one so changes between arming and the caller's read
// are not lost.
func (c *Client) Watch(ctx context.Context, path string, kind store.WatchKind) (store.Watch, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	k := c.key(path)
	head, err := c.cli.Get(ctx, k, clientv3.WithCountOnly())
	if err != nil {
		return nil, mapErr(err)
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		path:   path,
		events: make(chan store.Event, 1),
		cancel: cancel,
		owner:  c,
	}
	c.mu.Lock()
	c.watches[w] = struct{}{}
	c.mu.Unlock()

	rev := head.Header.Revision + 1
	var ch clientv3.WatchChan
	if kind == store.WatchChildren {
		ch = c.cli.Watch(wctx, k+"/", clientv3.WithPrefix(), clientv3.WithRev(rev))
	} else {
		ch = c.cli.Watch(wctx, k, clientv3.WithRev(rev))
	}
	go c.pump(wctx, w, ch, k, kind)
	return w, nil
}

func (c *Client) pump(ctx context.Context, w *watch, ch clientv3.WatchChan, key string, kind store.WatchKind) {
	for {
		select {
		case <-ctx.Done():
			w.finish(nil)
			return
		case resp, ok := <-ch:
			if !ok || resp.Canceled || resp.Err() != nil {
				if ctx.Err() != nil {
					w.finish(nil)
				} else {
					w.finish(&store.Event{Type: store.EventNotWatching, Path: w.path})
				}
				return
			}
			for _, ev := range resp.Events {
				if translated, ok := translate(ev, key, w.path, kind); ok {
					w.finish(&translated)
					return
				}
			}
		}
	}
}

func translate(ev *clientv3.Event, key, path string, kind store.WatchKind) (store.Event, bool) {
	if kind == store.WatchData {
		switch {
		case ev.Type == clientv3.EventTypeDelete:
			return store.Event{Type: store.EventDeleted, Path: path}, true
		case ev.IsCreate():
			return store.Event{Type: store.EventCreated, Path: path}, true
		default:
			return store.Event{Type: store.EventModified, Path: path}, true
		}
	}
	rest := strings.TrimPrefix(string(ev.Kv.Key), key+"/")
	if strings.Contains(rest, "/") {
		return store.Event{}, false
	}
	if ev.Type == clientv3.EventTypeDelete || ev.IsCreate() {
		return store.Event{Type: store.EventChildrenChanged, Path: path}, true
	}
	return store.Event{}, false
}
