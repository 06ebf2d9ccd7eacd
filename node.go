package clusterd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/admin"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/controller"
	"pkt.systems/clusterd/internal/correlation"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/participant"
	"pkt.systems/clusterd/internal/store/memory"
	"pkt.systems/clusterd/internal/svcfields"
	"pkt.systems/clusterd/internal/version"
)

type (
	// Controller elects a leader among candidates and reconciles the
	// cluster while leading.
	Controller = controller.Controller
	// Participant executes the transitions addressed to one instance.
	Participant = participant.Runtime
	// Admin manages the cluster definition.
	Admin = admin.Admin
	// Handler executes the transitions of one state model.
	Handler = participant.Handler
	// HandlerFunc adapts a function to Handler.
	HandlerFunc = participant.HandlerFunc
	// Resetter learns about partitions forced back to the initial state.
	Resetter = participant.Resetter
	// Transition describes one requested state change.
	Transition = model.Transition
	// Rebalancer computes the best possible placement of a resource.
	Rebalancer = controller.Rebalancer
	// RebalanceMode selects how a resource is placed.
	RebalanceMode = model.RebalanceMode
)

// MessageID returns the id of the transition message a handler is running
// for, or "" outside a handler.
func MessageID(ctx context.Context) string { return correlation.ID(ctx) }

// Option customises a Node.
type Option func(*options)

type options struct {
	logger      pslog.Logger
	clock       clock.Clock
	ensemble    *memory.Ensemble
	handlers    map[string]Handler
	resetter    Resetter
	rebalancers map[RebalanceMode]Rebalancer
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHandler installs the participant handler of stateModel.
func WithHandler(stateModel string, h Handler) Option {
	return func(o *options) {
		if o.handlers == nil {
			o.handlers = make(map[string]Handler)
		}
		o.handlers[stateModel] = h
	}
}

// WithResetter sets the participant resetter.
func WithResetter(r Resetter) Option {
	return func(o *options) { o.resetter = r }
}

// WithRebalancer overrides the controller placement strategy for mode.
func WithRebalancer(mode RebalanceMode, r Rebalancer) Option {
	return func(o *options) {
		if o.rebalancers == nil {
			o.rebalancers = make(map[RebalanceMode]Rebalancer)
		}
		o.rebalancers[mode] = r
	}
}

func withClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

func withEnsemble(ens *memory.Ensemble) Option {
	return func(o *options) { o.ensemble = ens }
}

// Node is one clusterd process: its store sessions, telemetry and the
// roles started on it.
type Node struct {
	cfg       Config
	opts      options
	logger    pslog.Logger
	store     *Store
	telemetry *telemetry

	mu      sync.Mutex
	closers []func(context.Context) error
	closed  bool
}

// Open validates cfg, resolves the store and starts telemetry.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := svcfields.Ensure(o.logger)
	st, err := openStore(cfg, logger, o.clock, o.ensemble)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tel, err := startTelemetry(ctx, cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	svcfields.WithSubsystem(logger, "node").Info("node.open",
		"cluster", cfg.Cluster,
		"instance", cfg.Instance,
		"store", st.scheme,
		"version", version.Current(),
	)
	return &Node{cfg: cfg, opts: o, logger: logger, store: st, telemetry: tel}, nil
}

// Config returns the validated configuration.
func (n *Node) Config() Config { return n.cfg }

// Store returns the session source of the node.
func (n *Node) Store() *Store { return n.store }

// MetricsAddr returns the bound scrape address, or nil when disabled.
func (n *Node) MetricsAddr() net.Addr { return n.telemetry.addr("metrics") }

func (n *Node) track(fn func(context.Context) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("clusterd: node closed")
	}
	n.closers = append(n.closers, fn)
	return nil
}

// NewController opens a controller session for the instance. The caller
// starts it; Close stops it.
func (n *Node) NewController(ctx context.Context) (*Controller, error) {
	role := "controller/" + n.cfg.Instance
	client, err := n.store.Session(ctx, role)
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(controller.Config{
		Cluster:        n.cfg.Cluster,
		Instance:       n.cfg.Instance,
		Client:         client,
		Logger:         n.logger,
		Clock:          n.opts.clock,
		SweepInterval:  n.cfg.SweepInterval,
		MessageTimeout: n.cfg.MessageTimeout,
		Rebalancers:    n.opts.rebalancers,
	})
	if err != nil {
		_ = n.store.Release(role)
		return nil, err
	}
	err = n.track(func(ctx context.Context) error {
		return errors.Join(ctrl.Stop(ctx), n.store.Release(role))
	})
	if err != nil {
		_ = n.store.Release(role)
		return nil, err
	}
	return ctrl, nil
}

// NewParticipant opens a participant session for the instance with the
// handlers installed by WithHandler.
func (n *Node) NewParticipant(ctx context.Context) (*Participant, error) {
	role := "participant/" + n.cfg.Instance
	client, err := n.store.Session(ctx, role)
	if err != nil {
		return nil, err
	}
	rt, err := participant.New(participant.Config{
		Cluster:       n.cfg.Cluster,
		Instance:      n.cfg.Instance,
		Client:        client,
		Logger:        n.logger,
		Clock:         n.opts.clock,
		Version:       version.Current(),
		Handlers:      n.opts.handlers,
		Resetter:      n.opts.resetter,
		Workers:       n.cfg.Workers,
		SweepInterval: n.cfg.SweepInterval,
	})
	if err != nil {
		_ = n.store.Release(role)
		return nil, err
	}
	err = n.track(func(ctx context.Context) error {
		return errors.Join(rt.Stop(ctx), n.store.Release(role))
	})
	if err != nil {
		_ = n.store.Release(role)
		return nil, err
	}
	return rt, nil
}

// Admin returns an admin client bound to the shared admin session.
func (n *Node) Admin(ctx context.Context) (*Admin, error) {
	client, err := n.store.Session(ctx, "admin")
	if err != nil {
		return nil, err
	}
	err = n.track(func(context.Context) error { return n.store.Release("admin") })
	if err != nil {
		_ = n.store.Release("admin")
		return nil, err
	}
	return admin.New(client, n.cfg.Cluster, admin.WithLogger(n.logger)), nil
}

// Close stops every role in reverse start order, then the store and the
// telemetry listeners.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	closers := n.closers
	n.closers = nil
	n.mu.Unlock()
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i](ctx))
	}
	errs = append(errs, n.store.Close(), n.telemetry.shutdown(ctx))
	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn("node.close.error", "error", err)
	}
	return err
}
