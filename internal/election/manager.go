// Package election elects one controller per cluster through an ephemeral
// leader node in the coordination store.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/metrics"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/svcfields"
)

// Manager states.
const (
	StateNotElected = "NOT_ELECTED"
	StateLeading    = "LEADING"
	StateStopped    = "STOPPED"
)

const (
	eventElect  = "elect"
	eventDemote = "demote"
	eventStop   = "stop"
)

const (
	defaultRetryDelay = 500 * time.Millisecond
	resignTimeout     = 2 * time.Second
)

var (
	// ErrElectionLost is the cancellation cause of a leader context whose
	// leadership ended. Writes made on behalf of the leader must stop.
	ErrElectionLost = errors.New("election: leadership lost")
	// ErrStopped is the cancellation cause when the manager shuts down.
	ErrStopped = errors.New("election: manager stopped")
)

// Config configures a Manager.
type Config struct {
	Cluster    string
	Instance   string
	Client     store.Client
	Logger     pslog.Logger
	Clock      clock.Clock
	RetryDelay time.Duration
	// OnElected runs in its own goroutine with a context that is cancelled
	// as soon as leadership ends.
	OnElected func(ctx context.Context)
	// OnDemoted runs after the leader context was cancelled.
	OnDemoted func(cause error)
}

// Manager runs the leader election loop for one controller instance.
type Manager struct {
	cluster    string
	instance   string
	identity   string
	client     store.Client
	acc        *accessor.Accessor
	path       string
	logger     pslog.Logger
	clock      clock.Clock
	retryDelay time.Duration
	onElected  func(context.Context)
	onDemoted  func(error)
	machine    *fsm.FSM

	sessions <-chan store.SessionEvent

	mu           sync.RWMutex
	leader       LeaderInfo
	leaderCtx    context.Context
	leaderCancel context.CancelCauseFunc

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewManager validates cfg and returns an idle manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Cluster == "" {
		return nil, errors.New("election: cluster required")
	}
	if cfg.Instance == "" {
		return nil, errors.New("election: instance required")
	}
	if cfg.Client == nil {
		return nil, errors.New("election: store client required")
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "election")
	logger = svcfields.Cluster(logger, cfg.Cluster, cfg.Instance)
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	m := &Manager{
		cluster:    cfg.Cluster,
		instance:   cfg.Instance,
		identity:   processIdentity(),
		client:     cfg.Client,
		acc:        accessor.New(cfg.Client, accessor.WithLogger(cfg.Logger)),
		path:       accessor.Keys(cfg.Cluster).Leader(),
		logger:     logger,
		clock:      clock.OrReal(cfg.Clock),
		retryDelay: retry,
		onElected:  cfg.OnElected,
		onDemoted:  cfg.OnDemoted,
		done:       make(chan struct{}),
	}
	m.machine = fsm.NewFSM(
		StateNotElected,
		fsm.Events{
			{Name: eventElect, Src: []string{StateNotElected}, Dst: StateLeading},
			{Name: eventDemote, Src: []string{StateLeading}, Dst: StateNotElected},
			{Name: eventStop, Src: []string{StateNotElected, StateLeading}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("election.state", "from", e.Src, "to", e.Dst)
				metrics.ElectionState(m.cluster, m.instance, e.Dst, e.Dst == StateLeading)
			},
		},
	)
	return m, nil
}

// Start launches the election loop. Later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.run(runCtx)
	})
}

// Stop ends the loop, resigning leadership when held, and waits for the
// loop to exit or ctx to end.
func (m *Manager) Stop(ctx context.Context) error {
	started := false
	m.startOnce.Do(func() { close(m.done) })
	if m.cancel != nil {
		started = true
		m.cancel()
	}
	if !started {
		return nil
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the election loop has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

// State returns the current election state.
func (m *Manager) State() string { return m.machine.Current() }

// IsLeader reports whether this instance currently leads.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaderCtx != nil
}

// LeaderContext returns the context of the current term. ok is false while
// not leading.
func (m *Manager) LeaderContext() (context.Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leaderCtx == nil {
		return nil, false
	}
	return m.leaderCtx, true
}

// Term returns the leader record of the term this instance holds.
func (m *Manager) Term() (LeaderInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leader, m.leaderCtx != nil
}

// Leader reports the controller currently holding the leader node.
func (m *Manager) Leader(ctx context.Context) (LeaderInfo, bool, error) {
	return CurrentLeader(ctx, m.client, m.cluster)
}

// WaitForLeader blocks until some controller leads the cluster.
func (m *Manager) WaitForLeader(ctx context.Context) (LeaderInfo, error) {
	return WaitForLeader(ctx, m.client, m.cluster, m.clock)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	sessions, unsubscribe := m.client.SubscribeSession()
	defer unsubscribe()
	m.sessions = sessions
	m.logger.Info("election.start")
	for ctx.Err() == nil {
		info, won, err := m.tryElect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.logger.Warn("election.attempt.error", "error", err)
			m.pause(ctx)
			continue
		}
		if won {
			cause := m.lead(ctx, info)
			m.demote(cause)
			continue
		}
		m.follow(ctx)
	}
	m.fire(eventStop)
	m.logger.Info("election.stop")
}

func (m *Manager) tryElect(ctx context.Context) (LeaderInfo, bool, error) {
	session := m.client.SessionID()
	info := LeaderInfo{
		Instance:  m.instance,
		SessionID: session,
		Identity:  m.identity,
		Token:     uuid.Must(uuid.NewV7()).String(),
		ElectedAt: m.clock.Now(),
	}
	err := m.acc.Create(ctx, m.path, info.record(), store.Ephemeral)
	if err == nil {
		return info, true, nil
	}
	if !errors.Is(err, store.ErrNodeExists) {
		return LeaderInfo{}, false, err
	}
	cur, ok, err := m.Leader(ctx)
	if err != nil {
		return LeaderInfo{}, false, err
	}
	if ok && cur.Instance == m.instance && cur.SessionID == session {
		m.logger.Info("election.leader.adopted", "token", cur.Token)
		return cur, true, nil
	}
	return LeaderInfo{}, false, nil
}

// lead holds leadership until it is lost or ctx ends and returns the cause.
func (m *Manager) lead(ctx context.Context, info LeaderInfo) error {
	m.promote(ctx, info)
	for {
		w, err := m.client.Watch(ctx, m.path, store.WatchData)
		if err != nil {
			if ctx.Err() != nil {
				m.demote(ErrStopped)
				m.resign(info)
				return ErrStopped
			}
			return fmt.Errorf("%w: arm watch: %v", ErrElectionLost, err)
		}
		cur, ok, err := m.Leader(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			w.Cancel()
			m.demote(ErrStopped)
			m.resign(info)
			return ErrStopped
		case err != nil:
			w.Cancel()
			return fmt.Errorf("%w: read leader: %v", ErrElectionLost, err)
		case !ok || cur.Token != info.Token:
			w.Cancel()
			return fmt.Errorf("%w: leader node gone", ErrElectionLost)
		}
		select {
		case <-ctx.Done():
			w.Cancel()
			m.demote(ErrStopped)
			m.resign(info)
			return ErrStopped
		case ev, open := <-w.Events():
			if !open || ev.Type == store.EventModified {
				continue
			}
			return fmt.Errorf("%w: leader node %s", ErrElectionLost, ev.Type)
		case sev, open := <-m.sessions:
			w.Cancel()
			if !open {
				m.sessions = nil
				return fmt.Errorf("%w: session closed", ErrElectionLost)
			}
			if sev.State == store.StateDisconnected || sev.NewSession() {
				return fmt.Errorf("%w: session %s", ErrElectionLost, sev.State)
			}
		}
	}
}

func (m *Manager) follow(ctx context.Context) {
	w, err := m.client.Watch(ctx, m.path, store.WatchData)
	if err != nil {
		if ctx.Err() == nil {
			m.pause(ctx)
		}
		return
	}
	defer w.Cancel()
	cur, ok, err := m.Leader(ctx)
	if err != nil || !ok {
		return
	}
	m.logger.Debug("election.follower.watching", "leader", cur.Instance)
	select {
	case <-ctx.Done():
	case <-w.Events():
	case _, open := <-m.sessions:
		if !open {
			m.sessions = nil
		}
	}
}

// pause waits for the retry delay or a session change.
func (m *Manager) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.clock.After(m.retryDelay):
	case sev, open := <-m.sessions:
		if !open {
			m.sessions = nil
			return
		}
		m.logger.Debug("election.session", "state", sev.State.String(), "session", sev.SessionID)
	}
}

func (m *Manager) promote(parent context.Context, info LeaderInfo) {
	leaderCtx, cancel := context.WithCancelCause(context.WithoutCancel(parent))
	m.mu.Lock()
	m.leader = info
	m.leaderCtx = leaderCtx
	m.leaderCancel = cancel
	m.mu.Unlock()
	m.fire(eventElect)
	m.logger.Info("election.leader.elected", "session", info.SessionID, "token", info.Token)
	if m.onElected != nil {
		go m.onElected(leaderCtx)
	}
}

func (m *Manager) demote(cause error) {
	m.mu.Lock()
	cancel := m.leaderCancel
	m.leaderCtx = nil
	m.leaderCancel = nil
	m.leader = LeaderInfo{}
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(cause)
	m.fire(eventDemote)
	if errors.Is(cause, ErrStopped) {
		m.logger.Info("election.leader.resigned")
	} else {
		m.logger.Warn("election.leader.demoted", "cause", cause)
	}
	if m.onDemoted != nil {
		m.onDemoted(cause)
	}
}

// resign removes the leader node when it still belongs to this term.
func (m *Manager) resign(info LeaderInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), resignTimeout)
	defer cancel()
	rec, ok, err := m.acc.Get(ctx, m.path)
	if err != nil || !ok {
		return
	}
	if leaderFromRecord(rec).Token != info.Token {
		return
	}
	if err := m.client.Delete(ctx, m.path, rec.Version()); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Debug("election.resign.error", "error", err)
	}
}

func (m *Manager) fire(event string) {
	if !m.machine.Can(event) {
		return
	}
	if err := m.machine.Event(context.Background(), event); err != nil {
		m.logger.Debug("election.state.error", "event", event, "error", err)
	}
}
