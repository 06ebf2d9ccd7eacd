// Package memory implements an in-process coordination store. An Ensemble
// holds the node tree; every Client connected to it is one session.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/store"
)

// PersistedNode is the durable form of a persistent node.
type PersistedNode struct {
	Data       []byte    `json:"data"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Persister stores persistent nodes so an ensemble survives restarts.
// Ephemeral nodes are never persisted.
type Persister interface {
	Load(visit func(path string, node PersistedNode) error) error
	Put(path string, node PersistedNode) error
	Delete(path string) error
	Close() error
}

// Config configures an Ensemble.
type Config struct {
	Persister Persister
	Clock     clock.Clock
	Logger    pslog.Logger
}

// Ensemble is the shared node tree.
type Ensemble struct {
	mu           sync.Mutex
	nodes        map[string]*node
	children     map[string]map[string]struct{}
	dataWatches  map[string]map[*watch]struct{}
	childWatches map[string]map[*watch]struct{}
	clients      map[*Client]struct{}

	persister Persister
	clock     clock.Clock
	logger    pslog.Logger
}

type node struct {
	data     []byte
	version  int64
	created  time.Time
	modified time.Time
	owner    string
}

func (n *node) stat(numChildren int) store.Stat {
	return store.Stat{
		Version:     n.version,
		CreatedAt:   n.created,
		ModifiedAt:  n.modified,
		Ephemeral:   n.owner != "",
		Owner:       n.owner,
		NumChildren: numChildren,
	}
}

// New returns an empty ensemble without persistence.
func New() *Ensemble {
	ens, _ := NewWithConfig(Config{})
	return ens
}

// NewWithConfig returns an ensemble wired according to cfg, loading any nodes
// held by the persister.
func NewWithConfig(cfg Config) (*Ensemble, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	e := &Ensemble{
		nodes:        make(map[string]*node),
		children:     make(map[string]map[string]struct{}),
		dataWatches:  make(map[string]map[*watch]struct{}),
		childWatches: make(map[string]map[*watch]struct{}),
		clients:      make(map[*Client]struct{}),
		persister:    cfg.Persister,
		clock:        clock.OrReal(cfg.Clock),
		logger:       logger,
	}
	if e.persister != nil {
		loaded := 0
		err := e.persister.Load(func(path string, pn PersistedNode) error {
			if err := store.ValidatePath(path); err != nil {
				return err
			}
			e.nodes[path] = &node{
				data:     slices.Clone(pn.Data),
				version:  pn.Version,
				created:  pn.CreatedAt,
				modified: pn.ModifiedAt,
			}
			e.linkLocked(path)
			loaded++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("memory: load persisted nodes: %w", err)
		}
		logger.Debug("store.memory.loaded", "nodes", loaded)
	}
	return e, nil
}

// Connect opens a new session.
func (e *Ensemble) Connect() *Client {
	c := &Client{
		ens:     e,
		session: newSessionID(),
		state:   store.StateConnected,
		subs:    make(map[*sessionSub]struct{}),
		watches: make(map[*watch]struct{}),
	}
	e.mu.Lock()
	e.clients[c] = struct{}{}
	e.mu.Unlock()
	return c
}

// Dialer adapts Connect to store.Dialer; the address is ignored.
func (e *Ensemble) Dialer() store.Dialer {
	return func(context.Context, string) (store.Client, error) {
		return e.Connect(), nil
	}
}

// Close closes all clients and the persister.
func (e *Ensemble) Close() error {
	e.mu.Lock()
	clients := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
	if e.persister != nil {
		return e.persister.Close()
	}
	return nil
}

// NodeCount returns the number of nodes in the tree.
func (e *Ensemble) NodeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.nodes)
}

func newSessionID() string {
	return xid.New().String()
}

func (e *Ensemble) exists(path string) bool {
	if path == "/" {
		return true
	}
	_, ok := e.nodes[path]
	return ok
}

func (e *Ensemble) linkLocked(path string) {
	parent := store.Parent(path)
	set, ok := e.children[parent]
	if !ok {
		set = make(map[string]struct{})
		e.children[parent] = set
	}
	set[store.Base(path)] = struct{}{}
}

func (e *Ensemble) unlinkLocked(path string) {
	parent := store.Parent(path)
	if set, ok := e.children[parent]; ok {
		delete(set, store.Base(path))
		if len(set) == 0 {
			delete(e.children, parent)
		}
	}
}

// takeWatchesLocked removes and returns the watches registered on path in
// the given table.
func takeWatchesLocked(table map[string]map[*watch]struct{}, path string) []*watch {
	set, ok := table[path]
	if !ok {
		return nil
	}
	delete(table, path)
	out := make([]*watch, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	return out
}

type firing struct {
	w  *watch
	ev store.Event
}

func (e *Ensemble) collectLocked(out []firing, table map[string]map[*watch]struct{}, path string, typ store.EventType) []firing {
	for _, w := range takeWatchesLocked(table, path) {
		out = append(out, firing{w: w, ev: store.Event{Type: typ, Path: path}})
	}
	return out
}

func deliver(fired []firing) {
	for _, f := range fired {
		f.w.fire(f.ev)
	}
}

func (e *Ensemble) create(path string, data []byte, owner string) ([]firing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exists(path) {
		return nil, store.ErrNodeExists
	}
	now := e.clock.Now()
	var fired []firing
	for _, dir := range store.Ancestors(path) {
		if e.exists(dir) {
			continue
		}
		if err := e.persistLocked(dir, &node{created: now, modified: now}); err != nil {
			return nil, err
		}
		e.nodes[dir] = &node{created: now, modified: now}
		e.linkLocked(dir)
		fired = e.collectLocked(fired, e.dataWatches, dir, store.EventCreated)
		fired = e.collectLocked(fired, e.childWatches, store.Parent(dir), store.EventChildrenChanged)
	}
	n := &node{data: slices.Clone(data), created: now, modified: now, owner: owner}
	if owner == "" {
		if err := e.persistLocked(path, n); err != nil {
			return nil, err
		}
	}
	e.nodes[path] = n
	e.linkLocked(path)
	fired = e.collectLocked(fired, e.dataWatches, path, store.EventCreated)
	fired = e.collectLocked(fired, e.childWatches, store.Parent(path), store.EventChildrenChanged)
	return fired, nil
}

func (e *Ensemble) get(path string) ([]byte, store.Stat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[path]
	if !ok {
		return nil, store.Stat{}, store.ErrNotFound
	}
	return slices.Clone(n.data), n.stat(len(e.children[path])), nil
}

func (e *Ensemble) set(path string, data []byte, expected int64) (store.Stat, []firing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[path]
	if !ok {
		return store.Stat{}, nil, store.ErrNotFound
	}
	if expected != store.AnyVersion && expected != n.version {
		return store.Stat{}, nil, store.ErrVersionConflict
	}
	next := &node{
		data:     slices.Clone(data),
		version:  n.version + 1,
		created:  n.created,
		modified: e.clock.Now(),
		owner:    n.owner,
	}
	if next.owner == "" {
		if err := e.persistLocked(path, next); err != nil {
			return store.Stat{}, nil, err
		}
	}
	e.nodes[path] = next
	fired := e.collectLocked(nil, e.dataWatches, path, store.EventModified)
	return next.stat(len(e.children[path])), fired, nil
}

func (e *Ensemble) remove(path string, expected int64) ([]firing, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	if len(e.children[path]) > 0 {
		return nil, store.ErrNotEmpty
	}
	if expected != store.AnyVersion && expected != n.version {
		return nil, store.ErrVersionConflict
	}
	if n.owner == "" && e.persister != nil {
		if err := e.persister.Delete(path); err != nil {
			return nil, fmt.Errorf("memory: persist delete %s: %w", path, err)
		}
	}
	return e.removeLocked(path), nil
}

func (e *Ensemble) removeLocked(path string) []firing {
	delete(e.nodes, path)
	e.unlinkLocked(path)
	fired := e.collectLocked(nil, e.dataWatches, path, store.EventDeleted)
	fired = e.collectLocked(fired, e.childWatches, path, store.EventDeleted)
	return e.collectLocked(fired, e.childWatches, store.Parent(path), store.EventChildrenChanged)
}

func (e *Ensemble) childNames(path string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists(path) {
		return nil, store.ErrNotFound
	}
	set := e.children[path]
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// expireSession removes every ephemeral node owned by session.
func (e *Ensemble) expireSession(session string) []firing {
	e.mu.Lock()
	defer e.mu.Unlock()
	var owned []string
	for path, n := range e.nodes {
		if n.owner == session {
			owned = append(owned, path)
		}
	}
	// Deepest first so children go before parents.
	sort.Slice(owned, func(i, j int) bool { return len(owned[i]) > len(owned[j]) })
	var fired []firing
	for _, path := range owned {
		fired = append(fired, e.removeLocked(path)...)
	}
	if len(owned) > 0 {
		e.logger.Debug("store.memory.session.expired", "session", session, "ephemerals", len(owned))
	}
	return fired
}

func (e *Ensemble) persistLocked(path string, n *node) error {
	if e.persister == nil {
		return nil
	}
	err := e.persister.Put(path, PersistedNode{
		Data:       n.data,
		Version:    n.version,
		CreatedAt:  n.created,
		ModifiedAt: n.modified,
	})
	if err != nil {
		return fmt.Errorf("memory: persist %s: %w", path, err)
	}
	return nil
}

func (e *Ensemble) addWatch(w *watch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	table := e.dataWatches
	if w.kind == store.WatchChildren {
		table = e.childWatches
	}
	set, ok := table[w.path]
	if !ok {
		set = make(map[*watch]struct{})
		table[w.path] = set
	}
	set[w] = struct{}{}
}

func (e *Ensemble) dropWatch(w *watch) {
	e.mu.Lock()
	defer e.mu.Unlock()
	table := e.dataWatches
	if w.kind == store.WatchChildren {
		table = e.childWatches
	}
	if set, ok := table[w.path]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(table, w.path)
		}
	}
}

func (e *Ensemble) forget(c *Client) {
	e.mu.Lock()
	delete(e.clients, c)
	e.mu.Unlock()
}
