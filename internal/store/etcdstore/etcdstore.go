// Package etcdstore implements store.Client on etcd v3. Sessions are leases,
// ephemeral nodes are keys bound to the session lease and conditional writes
// are transactions on the key version.
package etcdstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/store"
)

const (
	// DefaultSessionTTL is the lease TTL backing a session.
	DefaultSessionTTL = 10 * time.Second
	// DefaultDialTimeout bounds the initial connection.
	DefaultDialTimeout = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
	SessionTTL  time.Duration
	Logger      pslog.Logger
	Clock       clock.Clock
}

// Client is a session against an etcd cluster.
type Client struct {
	cli    *clientv3.Client
	prefix string
	ttl    time.Duration
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	lease   clientv3.LeaseID
	state   store.SessionState
	subs    map[chan store.SessionEvent]struct{}
	watches map[*watch]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ store.Client = (*Client)(nil)

type envelope struct {
	Created  int64  `json:"c"`
	Modified int64  `json:"m"`
	Data     []byte `json:"d,omitempty"`
}

// Dial connects to etcd and opens a session.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcdstore: no endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      zap.NewNop(),
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: connect: %w", err)
	}
	sessionCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cli:     cli,
		prefix:  strings.TrimRight(cfg.Prefix, "/"),
		ttl:     cfg.SessionTTL,
		logger:  logger,
		clock:   clock.OrReal(cfg.Clock),
		subs:    make(map[chan store.SessionEvent]struct{}),
		watches: make(map[*watch]struct{}),
		ctx:     sessionCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	keepAlive, err := c.openSession(ctx)
	if err != nil {
		cancel()
		_ = cli.Close()
		return nil, err
	}
	go c.maintain(keepAlive)
	return c, nil
}

func (c *Client) openSession(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	grant, err := c.cli.Grant(ctx, int64(c.ttl/time.Second))
	if err != nil {
		return nil, mapErr(err)
	}
	keepAlive, err := c.cli.KeepAlive(c.ctx, grant.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		revokeCtx, cancel := context.WithTimeout(context.Background(), c.ttl)
		_, _ = c.cli.Revoke(revokeCtx, grant.ID)
		cancel()
		return nil, store.ErrClosed
	}
	c.lease = grant.ID
	c.state = store.StateConnected
	c.mu.Unlock()
	c.logger.Debug("store.etcd.session.open", "session", sessionID(grant.ID))
	return keepAlive, nil
}

// maintain drains keepalive responses and replaces the session when the lease
// is lost.
func (c *Client) maintain(keepAlive <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(c.done)
	for {
		for range keepAlive {
		}
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		if c.state == store.StateClosed {
			c.mu.Unlock()
			return
		}
		previous := c.lease
		c.state = store.StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("store.etcd.session.lost", "session", sessionID(previous))
		c.publish(store.SessionEvent{State: store.StateDisconnected, Previous: sessionID(previous)})
		c.dropWatches()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = c.ttl
		bo.MaxElapsedTime = 0
		for {
			revokeCtx, cancel := context.WithTimeout(c.ctx, c.ttl)
			_, _ = c.cli.Revoke(revokeCtx, previous)
			cancel()
			var err error
			keepAlive, err = c.openSession(c.ctx)
			if err == nil {
				break
			}
			if c.ctx.Err() != nil || errors.Is(err, store.ErrClosed) {
				return
			}
			c.logger.Debug("store.etcd.session.retry", "error", err)
			c.clock.Sleep(bo.NextBackOff())
		}
		c.mu.Lock()
		current := c.lease
		c.mu.Unlock()
		c.publish(store.SessionEvent{
			State:     store.StateConnected,
			SessionID: sessionID(current),
			Previous:  sessionID(previous),
		})
	}
}

func sessionID(id clientv3.LeaseID) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("%016x", int64(id))
}

func (c *Client) key(path string) string {
	return c.prefix + path
}

func (c *Client) current() (clientv3.LeaseID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case store.StateClosed:
		return 0, store.ErrClosed
	case store.StateConnected:
		return c.lease, nil
	default:
		return 0, store.ConnectionLost(nil)
	}
}

// SessionID implements store.Client.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != store.StateConnected {
		return ""
	}
	return sessionID(c.lease)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return store.ConnectionLost(err)
}

func (c *Client) encode(created, modified time.Time, data []byte) (string, error) {
	payload, err := json.Marshal(envelope{
		Created:  created.UnixNano(),
		Modified: modified.UnixNano(),
		Data:     data,
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decode(value []byte) (envelope, error) {
	var env envelope
	if len(value) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(value, &env); err != nil {
		return env, fmt.Errorf("etcdstore: decode node: %w", err)
	}
	return env, nil
}

// Create implements store.Client.
func (c *Client) Create(ctx context.Context, path string, data []byte, mode store.CreateMode) error {
	lease, err := c.current()
	if err != nil {
		return err
	}
	if err := store.ValidatePath(path); err != nil {
		return err
	}
	now := c.clock.Now()
	for _, dir := range store.Ancestors(path) {
		val, err := c.encode(now, now, nil)
		if err != nil {
			return err
		}
		k := c.key(dir)
		_, err = c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
			Then(clientv3.OpPut(k, val)).
			Commit()
		if err != nil {
			return mapErr(err)
		}
	}
	val, err := c.encode(now, now, data)
	if err != nil {
		return err
	}
	var opts []clientv3.OpOption
	if mode == store.Ephemeral {
		opts = append(opts, clientv3.WithLease(lease))
	}
	k := c.key(path)
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, val, opts...)).
		Commit()
	if err != nil {
		return mapErr(err)
	}
	if !resp.Succeeded {
		return store.ErrNodeExists
	}
	return nil
}

func (c *Client) stat(kv keyValue, env envelope, children int) store.Stat {
	st := store.Stat{
		Version:     kv.Version - 1,
		CreatedAt:   time.Unix(0, env.Created).UTC(),
		ModifiedAt:  time.Unix(0, env.Modified).UTC(),
		NumChildren: children,
	}
	if kv.Lease != 0 {
		st.Ephemeral = true
		st.Owner = sessionID(clientv3.LeaseID(kv.Lease))
	}
	return st
}

type keyValue struct {
	Version     int64
	ModRevision int64
	Lease       int64
	Value       []byte
}

func (c *Client) load(ctx context.Context, path string) (keyValue, bool, error) {
	resp, err := c.cli.Get(ctx, c.key(path))
	if err != nil {
		return keyValue{}, false, mapErr(err)
	}
	if len(resp.Kvs) == 0 {
		return keyValue{}, false, nil
	}
	kv := resp.Kvs[0]
	return keyValue{Version: kv.Version, ModRevision: kv.ModRevision, Lease: kv.Lease, Value: kv.Value}, true, nil
}

// Get implements store.Client.
func (c *Client) Get(ctx context.Context, path string) ([]byte, store.Stat, error) {
	if _, err := c.current(); err != nil {
		return nil, store.Stat{}, err
	}
	kv, ok, err := c.load(ctx, path)
	if err != nil {
		return nil, store.Stat{}, err
	}
	if !ok {
		return nil, store.Stat{}, store.ErrNotFound
	}
	env, err := decode(kv.Value)
	if err != nil {
		return nil, store.Stat{}, err
	}
	names, err := c.childNames(ctx, path)
	if err != nil {
		return nil, store.Stat{}, err
	}
	return env.Data, c.stat(kv, env, len(names)), nil
}

// Exists implements store.Client.
func (c *Client) Exists(ctx context.Context, path string) (store.Stat, bool, error) {
	_, st, err := c.Get(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return store.Stat{}, false, nil
	}
	if err != nil {
		return store.Stat{}, false, err
	}
	return st, true, nil
}

// Set implements store.Client.
func (c *Client) Set(ctx context.Context, path string, data []byte, expectedVersion int64) (store.Stat, error) {
	if _, err := c.current(); err != nil {
		return store.Stat{}, err
	}
	k := c.key(path)
	for {
		kv, ok, err := c.load(ctx, path)
		if err != nil {
			return store.Stat{}, err
		}
		if !ok {
			return store.Stat{}, store.ErrNotFound
		}
		if expectedVersion != store.AnyVersion && kv.Version-1 != expectedVersion {
			return store.Stat{}, store.ErrVersionConflict
		}
		old, err := decode(kv.Value)
		if err != nil {
			return store.Stat{}, err
		}
		now := c.clock.Now()
		val, err := c.encode(time.Unix(0, old.Created), now, data)
		if err != nil {
			return store.Stat{}, err
		}
		resp, err := c.cli.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
			Then(clientv3.OpPut(k, val, clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return store.Stat{}, mapErr(err)
		}
		if resp.Succeeded {
			next := keyValue{Version: kv.Version + 1, Lease: kv.Lease}
			return c.stat(next, envelope{Created: old.Created, Modified: now.UnixNano()}, 0), nil
		}
		if expectedVersion != store.AnyVersion {
			return store.Stat{}, store.ErrVersionConflict
		}
	}
}

// Delete implements store.Client.
func (c *Client) Delete(ctx context.Context, path string, expectedVersion int64) error {
	if _, err := c.current(); err != nil {
		return err
	}
	names, err := c.childNames(ctx, path)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return store.ErrNotEmpty
	}
	k := c.key(path)
	cmp := clientv3.Compare(clientv3.CreateRevision(k), ">", 0)
	if expectedVersion != store.AnyVersion {
		cmp = clientv3.Compare(clientv3.Version(k), "=", expectedVersion+1)
	}
	resp, err := c.cli.Txn(ctx).If(cmp).Then(clientv3.OpDelete(k)).Else(clientv3.OpGet(k, clientv3.WithCountOnly())).Commit()
	if err != nil {
		return mapErr(err)
	}
	if resp.Succeeded {
		return nil
	}
	if rng := resp.Responses[0].GetResponseRange(); rng != nil && rng.Count > 0 {
		return store.ErrVersionConflict
	}
	return store.ErrNotFound
}

func (c *Client) childNames(ctx context.Context, path string) ([]string, error) {
	base := c.key(path) + "/"
	resp, err := c.cli.Get(ctx, base, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, mapErr(err)
	}
	seen := make(map[string]struct{})
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), base)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest != "" {
			seen[rest] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Children implements store.Client.
func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	if _, ok, err := c.load(ctx, path); err != nil {
		return nil, err
	} else if !ok {
		return nil, store.ErrNotFound
	}
	return c.childNames(ctx, path)
}

// SubscribeSession implements store.Client.
func (c *Client) SubscribeSession() (<-chan store.SessionEvent, func()) {
	ch := make(chan store.SessionEvent, 16)
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			_, ok := c.subs[ch]
			delete(c.subs, ch)
			c.mu.Unlock()
			if ok {
				close(ch)
			}
		})
	}
}

func (c *Client) publish(ev store.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close implements store.Client. The session lease is revoked so ephemeral
// nodes disappear immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == store.StateClosed {
		c.mu.Unlock()
		return nil
	}
	lease := c.lease
	c.state = store.StateClosed
	c.mu.Unlock()

	// Stop the session loop before the lease goes away.
	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), c.ttl)
	_, revokeErr := c.cli.Revoke(ctx, lease)
	cancel()
	<-c.done
	c.dropWatches()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[chan store.SessionEvent]struct{})
	c.mu.Unlock()
	for ch := range subs {
		select {
		case ch <- store.SessionEvent{State: store.StateClosed, Previous: sessionID(lease)}:
		default:
		}
		close(ch)
	}
	closeErr := c.cli.Close()
	if revokeErr != nil && !errors.Is(revokeErr, context.Canceled) {
		c.logger.Debug("store.etcd.revoke.error", "error", revokeErr)
	}
	return closeErr
}
