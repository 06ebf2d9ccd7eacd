// Package controller reconciles the observed state of a cluster with its
// ideal state while this instance holds controller leadership.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/election"
	"pkt.systems/clusterd/internal/metrics"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/svcfields"
)

const (
	// DefaultSweepInterval is the period of the safety pass that runs even
	// without store notifications.
	DefaultSweepInterval = 30 * time.Second
	// DefaultMessageTimeout bounds how long a message may stay NEW.
	DefaultMessageTimeout = 5 * time.Minute
)

// Config configures a Controller.
type Config struct {
	Cluster        string
	Instance       string
	Client         store.Client
	Logger         pslog.Logger
	Clock          clock.Clock
	SweepInterval  time.Duration
	MessageTimeout time.Duration
	RetryDelay     time.Duration
	// Rebalancers overrides the placement strategy per rebalance mode.
	Rebalancers map[model.RebalanceMode]Rebalancer
}

// Controller couples leader election with the reconciliation loop.
type Controller struct {
	cluster  *accessor.Cluster
	pipeline *Pipeline
	election *election.Manager
	logger   pslog.Logger
	clock    clock.Clock
	sweep    time.Duration

	mu   sync.Mutex
	last Result
	runs int
	wake chan struct{}
}

// New validates cfg and returns a controller that has not joined the
// election yet.
func New(cfg Config) (*Controller, error) {
	if cfg.Client == nil {
		return nil, errors.New("controller: store client required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "controller")
	logger = svcfields.Cluster(logger, cfg.Cluster, cfg.Instance)
	clk := clock.OrReal(cfg.Clock)
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	timeout := cfg.MessageTimeout
	if timeout == 0 {
		timeout = DefaultMessageTimeout
	}
	acc := accessor.New(cfg.Client, accessor.WithLogger(cfg.Logger), accessor.WithClock(clk))
	cluster := accessor.NewCluster(acc, cfg.Cluster)
	c := &Controller{
		cluster: cluster,
		pipeline: &Pipeline{
			cluster:        cluster,
			source:         cfg.Instance,
			logger:         svcfields.WithSubsystem(logger, "pipeline"),
			clock:          clk,
			messageTimeout: timeout,
			rebalancers:    cfg.Rebalancers,
		},
		logger: logger,
		clock:  clk,
		sweep:  sweep,
		wake:   make(chan struct{}, 1),
	}
	em, err := election.NewManager(election.Config{
		Cluster:    cfg.Cluster,
		Instance:   cfg.Instance,
		Client:     cfg.Client,
		Logger:     cfg.Logger,
		Clock:      clk,
		RetryDelay: cfg.RetryDelay,
		OnElected:  c.lead,
	})
	if err != nil {
		return nil, err
	}
	c.election = em
	return c, nil
}

// Start joins the election. Reconciliation runs while leading.
func (c *Controller) Start(ctx context.Context) {
	c.election.Start(ctx)
}

// Stop leaves the election and waits for the loop to exit.
func (c *Controller) Stop(ctx context.Context) error {
	return c.election.Stop(ctx)
}

// Election exposes the election manager.
func (c *Controller) Election() *election.Manager { return c.election }

// IsLeader reports whether this controller currently leads.
func (c *Controller) IsLeader() bool { return c.election.IsLeader() }

// Trigger requests a reconciliation pass without waiting for a store event.
func (c *Controller) Trigger() { signal(c.wake) }

// LastResult returns the outcome of the most recent pass and the number of
// passes run.
func (c *Controller) LastResult() (Result, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.runs
}

// RunOnce runs a single reconciliation pass. Callers that do not hold
// leadership must not use it against a live cluster.
func (c *Controller) RunOnce(ctx context.Context) (Result, error) {
	start := c.clock.Now()
	res, err := c.pipeline.Run(ctx)
	elapsed := clock.Since(c.clock, start)
	outcome := "ok"
	switch {
	case errors.Is(err, election.ErrElectionLost):
		outcome = "lost"
	case err != nil:
		outcome = "error"
	}
	metrics.PipelineRun(c.cluster.Name(), outcome, elapsed)
	metrics.PipelineResult(c.cluster.Name(), res.MessagesSent, res.MessagesTimedOut, res.ExternalViewsWritten+res.ExternalViewsRemoved)
	c.mu.Lock()
	c.last = res
	c.runs++
	c.mu.Unlock()
	return res, err
}

// lead is the reconciliation loop of one leadership term.
func (c *Controller) lead(ctx context.Context) {
	c.logger.Info("controller.lead.start")
	defer c.logger.Info("controller.lead.stop")
	notify := make(chan struct{}, 1)
	keys := c.cluster.Keys()
	acc := c.cluster.Accessor()
	for _, k := range []watchKey{
		{path: keys.IdealStates(), kind: store.WatchChildren},
		{path: keys.LiveInstances(), kind: store.WatchChildren},
		{path: keys.Instances(), kind: store.WatchChildren},
		{path: keys.StateModelDefs(), kind: store.WatchChildren},
		{path: keys.InstanceConfigs(), kind: store.WatchChildren},
		{path: keys.ClusterConfig(), kind: store.WatchData},
	} {
		acc.Subscribe(ctx, k.path, k.kind, notify)
	}
	dynamic := newWatchSet(acc, notify)
	defer dynamic.close()

	for {
		res, err := c.RunOnce(ctx)
		switch {
		case errors.Is(err, election.ErrElectionLost) || ctx.Err() != nil:
			return
		case err != nil:
			c.logger.Warn("controller.pipeline.error", "error", err)
		default:
			dynamic.sync(ctx, res.watch)
			if res.MessagesSent+res.MessagesDeleted+res.MessagesTimedOut+res.ExternalViewsWritten+res.ExternalViewsRemoved > 0 {
				c.logger.Debug("controller.pipeline.result",
					"sent", res.MessagesSent,
					"deleted", res.MessagesDeleted,
					"timed_out", res.MessagesTimedOut,
					"views_written", res.ExternalViewsWritten,
					"views_removed", res.ExternalViewsRemoved,
					"paused", res.Paused,
				)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-notify:
		case <-c.wake:
		case <-c.clock.After(c.sweep):
		}
	}
}

type watchKey struct {
	path string
	kind store.WatchKind
}

// watchSet keeps one subscription per key and drops those no longer wanted.
type watchSet struct {
	acc    *accessor.Accessor
	notify chan struct{}
	active map[watchKey]context.CancelFunc
}

func newWatchSet(acc *accessor.Accessor, notify chan struct{}) *watchSet {
	return &watchSet{acc: acc, notify: notify, active: make(map[watchKey]context.CancelFunc)}
}

func (s *watchSet) sync(ctx context.Context, keys []watchKey) {
	want := make(map[watchKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
		if _, ok := s.active[k]; ok {
			continue
		}
		subCtx, cancel := context.WithCancel(ctx)
		s.active[k] = cancel
		s.acc.Subscribe(subCtx, k.path, k.kind, s.notify)
	}
	for k, cancel := range s.active {
		if _, ok := want[k]; !ok {
			cancel()
			delete(s.active, k)
		}
	}
}

func (s *watchSet) close() {
	for k, cancel := range s.active {
		cancel()
		delete(s.active, k)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
