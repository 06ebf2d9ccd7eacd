package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"pkt.systems/clusterd/internal/store"
)

// Client is one session against an Ensemble. Besides store.Client it exposes
// fault injection used by tests: Disconnect, Reconnect and Expire.
type Client struct {
	ens *Ensemble

	mu      sync.Mutex
	session string
	state   store.SessionState
	subs    map[*sessionSub]struct{}
	watches map[*watch]struct{}
}

var _ store.Client = (*Client)(nil)

// SessionID implements store.Client.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != store.StateConnected {
		return ""
	}
	return c.session
}

func (c *Client) check(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case store.StateClosed:
		return "", store.ErrClosed
	case store.StateDisconnected:
		return "", store.ConnectionLost(nil)
	}
	return c.session, nil
}

// Create implements store.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	session, err := c.check(ctx)
	if err != nil {
		return err
	}
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	owner := ""
	if mode == store.Ephemeral {
		owner = session
	}
	fired, err := c.ens.create(path, data, owner)
	if err != nil {
		return err
	}
	deliver(fired)
	return nil
}

// Get implements store.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	if _, err := c.check(ctx); err != nil {
		return nil, store.Stat{}, err
	}
	return c.ens.get(path)
}

// Exists implements store.Client.
func (c *Client) Exists(ctx context.Context, path string) (store.Stat, bool, error) {
	if _, err := c.check(ctx); err != nil {
		return store.Stat{}, false, err
	}
	_, stat, err := c.ens.get(path)
	if err == store.ErrNotFound {
		return store.Stat{}, false, nil
	}
	if err != nil {
		return store.Stat{}, false, err
	}
	return stat, true, nil
}

// Set implements store.Client.
func (c *Client) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (store.Stat, error) {
	if _, err := c.check(ctx); err != nil {
		return store.Stat{}, err
	}
	stat, fired, err := c.ens.set(path, data, expectedVersion)
	if err != nil {
		return store.Stat{}, err
	}
	deliver(fired)
	return stat, nil
}

// Delete implements store.Client.
func (c *Client) Delete(ctx context.Context, path string, expectedVersion int64) error {
	if _, err := c.check(ctx); err != nil {
		return err
	}
	fired, err := c.ens.remove(path, expectedVersion)
	if err != nil {
		return err
	}
	deliver(fired)
	return nil
}

// Children implements store.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.ens.childNames(path)
}

// Watch implements store.Client. The watch is dropped with EventNotWatching
// when the session ends.
func (c *Client) Watch(ctx context.Context, path string, kind store.WatchKind) (store.Watch, error) {
	if _, err := c.check(ctx); err != nil {
		return nil, err
	}
	w := &watch{
		path:   path,
		kind:   kind,
		events: make(chan store.Event, 1),
	}
	w.release = func() {
		c.ens.dropWatch(w)
		c.mu.Lock()
		delete(c.watches, w)
		c.mu.Unlock()
	}
	c.mu.Lock()
	c.watches[w] = struct{}{}
	c.mu.Unlock()
	c.ens.addWatch(w)
	w.bind(ctx)
	return w, nil
}

// SubscribeSession implements store.Client.
func (c *Client) SubscribeSession() (<-chan store.SessionEvent, func()) {
	sub := &sessionSub{events: make(chan store.SessionEvent, 16)}
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		close(sub.events)
		return sub.events, func() {}
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub.events, func() {
		c.mu.Lock()
		_, ok := c.subs[sub]
		delete(c.subs, sub)
		c.mu.Unlock()
		if ok {
			sub.close()
		}
	}
}

// Disconnect simulates a lost connection. The session and its ephemeral nodes
// stay alive until Reconnect or Expire.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state != store.StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = store.StateDisconnected
	ev := store.SessionEvent{State: store.StateDisconnected, Previous: c.session}
	subs := c.subscribersLocked()
	c.mu.Unlock()
	c.ens.logger.Debug("store.memory.disconnected", "session", ev.Previous)
	publish(subs, ev)
}

// Reconnect re-establishes the connection with a new session. Ephemeral nodes
// and watches of the previous session are dropped first.
func (c *Client) Reconnect() string {
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		return ""
	}
	previous := c.session
	c.mu.Unlock()

	c.endSession(previous)

	c.mu.Lock()
	c.session = newSessionID()
	c.state = store.StateConnected
	ev := store.SessionEvent{State: store.StateConnected, SessionID: c.session, Previous: previous}
	subs := c.subscribersLocked()
	c.mu.Unlock()
	c.ens.logger.Debug("store.memory.reconnected", "session", ev.SessionID, "previous", previous)
	publish(subs, ev)
	return ev.SessionID
}

// Expire ends the current session as if the store timed it out, then
// reconnects with a new one.
func (c *Client) Expire() string {
	c.Disconnect()
	return c.Reconnect()
}

// Close implements store.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		return nil
	}
	previous := c.session
	c.state = store.StateClosed
	c.mu.Unlock()

	c.endSession(previous)
	c.ens.forget(c)

	c.mu.Lock()
	subs := c.subscribersLocked()
	c.subs = make(map[*sessionSub]struct{})
	c.mu.Unlock()
	publish(subs, store.SessionEvent{State: store.StateClosed, Previous: previous})
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

func (c *Client) endSession(session string) {
	deliver(c.ens.expireSession(session))
	c.mu.Lock()
	watches := make([]*watch, 0, len(c.watches))
	for w := range c.watches {
		watches = append(watches, w)
	}
	c.mu.Unlock()
	for _, w := range watches {
		w.fire(store.Event{Type: store.EventNotWatching, Path: w.path})
	}
}

func (c *Client) subscribersLocked() []*sessionSub {
	subs := make([]*sessionSub, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	return subs
}

func publish(subs []*sessionSub, ev store.SessionEvent) {
	for _, sub := range subs {
		sub.signal(ev)
	}
}

type watch struct {
	path    string
	kind    store.WatchKind
	events  chan store.Event
	once    sync.Once
	release func()

	mu   sync.Mutex
	stop func() bool
	done bool
}

// bind cancels the watch when ctx ends.
func (w *watch) bind(ctx context.Context) {
	stop := context.AfterFunc(ctx, w.Cancel)
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		stop()
		return
	}
	w.stop = stop
	w.mu.Unlock()
}

func (w *watch) finish() {
	w.mu.Lock()
	w.done = true
	stop := w.stop
	w.mu.Unlock()
	if stop != nil {
		stop()
	}
	w.release()
}

func (w *watch) Events() <-chan store.Event {
	return w.events
}

func (w *watch) Cancel() {
	w.once.Do(func() {
		w.finish()
		close(w.events)
	})
}

func (w *watch) fire(ev store.Event) {
	w.once.Do(func() {
		w.finish()
		w.events <- ev
		close(w.events)
	})
}

type sessionSub struct {
	events chan store.SessionEvent
	closed uint32
	mu     sync.Mutex
}

func (s *sessionSub) signal(ev store.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *sessionSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.events)
}
