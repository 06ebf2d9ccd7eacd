// Package participant executes transition messages addressed to one
// cluster member and reports the resulting partition states.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/svcfields"
)

const (
	defaultWorkers       = 4
	defaultSweepInterval = 30 * time.Second
	defaultRetryDelay    = 500 * time.Millisecond
	unregisterTimeout    = 2 * time.Second
)

var (
	// ErrStaleTransition reports a message whose from state no longer
	// matches the recorded state. The message is dropped.
	ErrStaleTransition = errors.New("participant: stale transition")
	// ErrIllegalTransition reports a message the state model does not allow.
	// The message is dropped.
	ErrIllegalTransition = errors.New("participant: illegal transition")
	// ErrHandlerFailure reports a failed transition handler. The partition is
	// put in ERROR and the message is kept for recovery.
	ErrHandlerFailure = errors.New("participant: handler failure")
	// ErrInstanceInUse reports a live instance node held by another session.
	ErrInstanceInUse = errors.New("participant: live instance held by another session")
)

// Handler executes the transitions of one state model.
type Handler interface {
	Transition(ctx context.Context, t model.Transition) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t model.Transition) error

// Transition implements Handler.
func (f HandlerFunc) Transition(ctx context.Context, t model.Transition) error { return f(ctx, t) }

// Resetter is told about every partition forced back to the initial state
// when a new session starts.
type Resetter interface {
	Reset(ctx context.Context, resource, partition, from string)
}

// Config configures a Runtime.
type Config struct {
	Cluster  string
	Instance string
	Client   store.Client
	Logger   pslog.Logger
	Clock    clock.Clock
	Version  string
	// Handlers maps state model names to their transition handlers.
	Handlers map[string]Handler
	Resetter Resetter
	// Workers bounds how many partitions transition concurrently.
	Workers       int
	SweepInterval time.Duration
	RetryDelay    time.Duration
}

// Runtime registers a participant and executes its transition messages.
type Runtime struct {
	name       string
	version    string
	client     store.Client
	cluster    *accessor.Cluster
	logger     pslog.Logger
	clock      clock.Clock
	resetter   Resetter
	workers    int
	sweep      time.Duration
	retryDelay time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	session  string

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

// New validates cfg and returns a runtime that has not registered yet.
func New(cfg Config) (*Runtime, error) {
	if cfg.Cluster == "" {
		return nil, errors.New("participant: cluster required")
	}
	if cfg.Instance == "" {
		return nil, errors.New("participant: instance required")
	}
	if cfg.Client == nil {
		return nil, errors.New("participant: store client required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "participant")
	logger = svcfields.Cluster(logger, cfg.Cluster, cfg.Instance)
	clk := clock.OrReal(cfg.Clock)
	r := &Runtime{
		name:       cfg.Instance,
		version:    cfg.Version,
		client:     cfg.Client,
		cluster:    accessor.NewCluster(accessor.New(cfg.Client, accessor.WithLogger(cfg.Logger), accessor.WithClock(clk)), cfg.Cluster),
		logger:     logger,
		clock:      clk,
		resetter:   cfg.Resetter,
		workers:    cfg.Workers,
		sweep:      cfg.SweepInterval,
		retryDelay: cfg.RetryDelay,
		handlers:   make(map[string]Handler, len(cfg.Handlers)),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	if r.sweep <= 0 {
		r.sweep = defaultSweepInterval
	}
	if r.retryDelay <= 0 {
		r.retryDelay = defaultRetryDelay
	}
	for name, h := range cfg.Handlers {
		r.handlers[name] = h
	}
	return r, nil
}

// Register installs the handler of stateModel, replacing any previous one.
func (r *Runtime) Register(stateModel string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[stateModel] = h
}

func (r *Runtime) handler(stateModel string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stateModel]
}

// Name returns the participant name.
func (r *Runtime) Name() string { return r.name }

// SessionID returns the session the participant is registered with, or ""
// before the first registration.
func (r *Runtime) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// Ready is closed after the first successful registration.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Done is closed once the runtime loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// Start launches the runtime loop. Later calls are no-ops.
func (r *Runtime) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.run(runCtx)
	})
}

// Stop ends the loop, removes the live instance and waits for the loop to
// exit or ctx to end.
func (r *Runtime) Stop(ctx context.Context) error {
	r.startOnce.Do(func() { close(r.done) })
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// States returns resource → partition → state as recorded by the current
// session.
func (r *Runtime) States(ctx context.Context) (map[string]map[string]string, error) {
	session := r.SessionID()
	states, err := r.cluster.CurrentStates(ctx, r.name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string)
	for _, cs := range states {
		if cs.SessionID() != session {
			continue
		}
		if ps := cs.PartitionStates(); len(ps) > 0 {
			out[cs.Resource()] = ps
		}
	}
	return out, nil
}

func (r *Runtime) run(ctx context.Context) {
	defer close(r.done)
	sessions, unsubscribe := r.client.SubscribeSession()
	defer unsubscribe()
	notify := make(chan struct{}, 1)
	r.cluster.Accessor().Subscribe(ctx, r.cluster.Keys().Messages(r.name), store.WatchChildren, notify)
	r.logger.Info("participant.start")

	session := ""
	for ctx.Err() == nil {
		wait := r.sweep
		if current := r.client.SessionID(); session == "" || session != current {
			s, err := r.register(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				r.logger.Warn("participant.register.error", "error", err)
				session = ""
				wait = r.retryDelay
			} else {
				session = s
			}
		}
		if session != "" {
			if err := r.drain(ctx, session); err != nil && ctx.Err() == nil {
				r.logger.Warn("participant.drain.error", "error", err)
				wait = r.retryDelay
			}
		}
		select {
		case <-ctx.Done():
		case <-notify:
		case <-r.clock.After(wait):
		case sev, open := <-sessions:
			if !open {
				sessions = nil
				continue
			}
			r.logger.Debug("participant.session", "state", sev.State.String(), "session", sev.SessionID)
			if sev.NewSession() {
				session = ""
			}
		}
	}
	r.unregister(session)
	r.logger.Info("participant.stop")
}

// register resets carried over state for the current session and creates
// the live instance node.
func (r *Runtime) register(ctx context.Context) (string, error) {
	session := r.client.SessionID()
	if session == "" {
		return "", store.ConnectionLost(nil)
	}
	keys := r.cluster.Keys()
	acc := r.cluster.Accessor()
	for _, p := range []string{keys.Instance(r.name), keys.CurrentStates(r.name), keys.Messages(r.name)} {
		if err := acc.EnsurePath(ctx, p); err != nil {
			return "", fmt.Errorf("participant: ensure %s: %w", p, err)
		}
	}
	if _, ok, err := r.cluster.InstanceConfig(ctx, r.name); err != nil {
		return "", err
	} else if !ok {
		err := acc.Create(ctx, keys.InstanceConfig(r.name), model.NewInstanceConfig(r.name).Record, store.Persistent)
		if err != nil && !errors.Is(err, store.ErrNodeExists) {
			return "", fmt.Errorf("participant: instance config: %w", err)
		}
	}
	if err := r.carryOver(ctx, session); err != nil {
		return "", err
	}
	li := model.NewLiveInstance(r.name, session, r.version)
	err := acc.Create(ctx, keys.LiveInstance(r.name), li.Record, store.Ephemeral)
	if errors.Is(err, store.ErrNodeExists) {
		cur, ok, getErr := r.cluster.LiveInstance(ctx, r.name)
		if getErr != nil {
			return "", getErr
		}
		if !ok || cur.SessionID() != session {
			return "", fmt.Errorf("%w: %s", ErrInstanceInUse, cur.SessionID())
		}
		err = nil
	}
	if err != nil {
		return "", fmt.Errorf("participant: live instance: %w", err)
	}
	r.mu.Lock()
	r.session = session
	r.mu.Unlock()
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("participant.registered", "session", session)
	return session, nil
}

// carryOver moves current states written by earlier sessions to session.
// Every partition restarts in the initial state of its model.
func (r *Runtime) carryOver(ctx context.Context, session string) error {
	states, err := r.cluster.CurrentStates(ctx, r.name)
	if err != nil {
		return err
	}
	defs, err := r.cluster.StateModelDefs(ctx)
	if err != nil {
		return err
	}
	for _, cs := range states {
		if cs.SessionID() == session {
			continue
		}
		resource := cs.Resource()
		initial := ""
		if def, ok := defs[cs.StateModelDef()]; ok {
			initial = def.InitialState()
		}
		var reset []resetEntry
		path := r.cluster.Keys().CurrentState(r.name, resource)
		_, err := r.cluster.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
			reset = reset[:0]
			if cur == nil {
				return nil, nil
			}
			next := model.CurrentState{Record: cur}
			if next.SessionID() == session {
				return nil, nil
			}
			next.SetSessionID(session)
			for partition, state := range next.PartitionStates() {
				switch {
				case state == model.StateDropped || initial == "":
					next.RemovePartition(partition)
				case state != initial:
					next.SetState(partition, initial)
					next.ClearInfo(partition)
					reset = append(reset, resetEntry{partition: partition, from: state})
				}
			}
			return next.Record, nil
		})
		if err != nil {
			return fmt.Errorf("participant: carry over %s: %w", resource, err)
		}
		if len(reset) > 0 {
			r.logger.Info("participant.currentstate.reset", "resource", resource, "partitions", len(reset))
		}
		if r.resetter == nil {
			continue
		}
		for _, e := range reset {
			r.resetter.Reset(ctx, resource, e.partition, e.from)
		}
	}
	return nil
}

type resetEntry struct {
	partition string
	from      string
}

// unregister removes the live instance node of session so the controller
// reacts without waiting for the session to expire.
func (r *Runtime) unregister(session string) {
	if session == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	li, ok, err := r.cluster.LiveInstance(ctx, r.name)
	if err != nil || !ok || li.SessionID() != session {
		return
	}
	path := r.cluster.Keys().LiveInstance(r.name)
	if err := r.client.Delete(ctx, path, li.Record.Version()); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("participant.unregister.error", "error", err)
	}
}
