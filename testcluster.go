package clusterd

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"pkt.systems/pslog"

	"pkt.systems/clusterd/internal/election"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/store/memory"
)

const defaultTestWait = 10 * time.Second

// TestCluster runs controllers and participants of one cluster inside the
// test process against a shared in-memory store.
type TestCluster struct {
	Name  string
	Admin *Admin

	t        testing.TB
	opts     testClusterOptions
	ensemble *memory.Ensemble
	admin    *Node

	mu      sync.Mutex
	members map[string]*testMember
}

type testMember struct {
	node        *Node
	controller  *Controller
	participant *Participant
	recorder    *TransitionRecorder
}

type testClusterOptions struct {
	name         string
	controllers  []string
	participants []string
	mutators     []func(*Config)
	handlers     map[string]Handler
	logger       pslog.Logger
	wait         time.Duration
}

// TestClusterOption customises StartTestCluster.
type TestClusterOption func(*testClusterOptions)

// WithTestClusterName overrides the cluster name (default "test").
func WithTestClusterName(name string) TestClusterOption {
	return func(o *testClusterOptions) { o.name = name }
}

// WithTestControllers starts one controller candidate per name.
func WithTestControllers(names ...string) TestClusterOption {
	return func(o *testClusterOptions) { o.controllers = append(o.controllers, names...) }
}

// WithTestParticipants starts one participant per name.
func WithTestParticipants(names ...string) TestClusterOption {
	return func(o *testClusterOptions) { o.participants = append(o.participants, names...) }
}

// WithTestConfigFunc mutates the config of every member before it opens.
func WithTestConfigFunc(fn func(*Config)) TestClusterOption {
	return func(o *testClusterOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestHandler installs h for stateModel on every participant in
// addition to the recording handler.
func WithTestHandler(stateModel string, h Handler) TestClusterOption {
	return func(o *testClusterOptions) {
		if o.handlers == nil {
			o.handlers = make(map[string]Handler)
		}
		o.handlers[stateModel] = h
	}
}

// WithTestLogger supplies the logger shared by every member.
func WithTestLogger(logger pslog.Logger) TestClusterOption {
	return func(o *testClusterOptions) { o.logger = logger }
}

// WithTestWait bounds how long the wait helpers poll (default 10s).
func WithTestWait(d time.Duration) TestClusterOption {
	return func(o *testClusterOptions) { o.wait = d }
}

// StartTestCluster creates the cluster skeleton and starts the requested
// members. Everything is stopped through t.Cleanup.
func StartTestCluster(t testing.TB, opts ...TestClusterOption) *TestCluster {
	t.Helper()
	o := testClusterOptions{name: "test", wait: defaultTestWait}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewTestingLogger(t, pslog.InfoLevel)
	}
	tc := &TestCluster{
		Name:     o.name,
		t:        t,
		opts:     o,
		ensemble: memory.New(),
		members:  make(map[string]*testMember),
	}
	t.Cleanup(tc.close)

	ctx := context.Background()
	node, err := Open(ctx, tc.config("admin"), WithLogger(o.logger), withEnsemble(tc.ensemble))
	if err != nil {
		t.Fatalf("test cluster: open admin node: %v", err)
	}
	tc.admin = node
	if tc.Admin, err = node.Admin(ctx); err != nil {
		t.Fatalf("test cluster: admin: %v", err)
	}
	if err := tc.Admin.AddCluster(ctx); err != nil {
		t.Fatalf("test cluster: add cluster: %v", err)
	}
	for _, name := range o.participants {
		tc.AddParticipant(name)
	}
	for _, name := range o.controllers {
		tc.AddController(name)
	}
	return tc
}

func (tc *TestCluster) config(instance string) Config {
	cfg := Config{
		Store:               "mem://",
		Cluster:             tc.Name,
		Instance:            instance,
		SweepInterval:       250 * time.Millisecond,
		StoreRetryBaseDelay: 10 * time.Millisecond,
		StoreRetryMaxDelay:  100 * time.Millisecond,
	}
	for _, mut := range tc.opts.mutators {
		mut(&cfg)
	}
	return cfg
}

func (tc *TestCluster) member(name string) *testMember {
	tc.t.Helper()
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if m, ok := tc.members[name]; ok {
		return m
	}
	rec := NewTransitionRecorder()
	opts := []Option{WithLogger(tc.opts.logger), withEnsemble(tc.ensemble), WithResetter(rec)}
	for _, sm := range []string{model.MasterSlave, model.OnlineOffline, model.LeaderStandby} {
		opts = append(opts, WithHandler(sm, rec))
	}
	for sm, h := range tc.opts.handlers {
		opts = append(opts, WithHandler(sm, chainHandlers(rec, h)))
	}
	node, err := Open(context.Background(), tc.config(name), opts...)
	if err != nil {
		tc.t.Fatalf("test cluster: open node %s: %v", name, err)
	}
	m := &testMember{node: node, recorder: rec}
	tc.members[name] = m
	return m
}

// AddParticipant starts a participant and waits until it is registered.
func (tc *TestCluster) AddParticipant(name string) *Participant {
	tc.t.Helper()
	m := tc.member(name)
	if m.participant != nil {
		return m.participant
	}
	rt, err := m.node.NewParticipant(context.Background())
	if err != nil {
		tc.t.Fatalf("test cluster: participant %s: %v", name, err)
	}
	rt.Start(context.Background())
	select {
	case <-rt.Ready():
	case <-time.After(tc.opts.wait):
		tc.t.Fatalf("test cluster: participant %s did not register within %s", name, tc.opts.wait)
	}
	tc.mu.Lock()
	m.participant = rt
	tc.mu.Unlock()
	return rt
}

// AddController starts a controller candidate.
func (tc *TestCluster) AddController(name string) *Controller {
	tc.t.Helper()
	m := tc.member(name)
	if m.controller != nil {
		return m.controller
	}
	ctrl, err := m.node.NewController(context.Background())
	if err != nil {
		tc.t.Fatalf("test cluster: controller %s: %v", name, err)
	}
	ctrl.Start(context.Background())
	tc.mu.Lock()
	m.controller = ctrl
	tc.mu.Unlock()
	return ctrl
}

// Participant returns the running participant called name.
func (tc *TestCluster) Participant(name string) *Participant {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if m, ok := tc.members[name]; ok {
		return m.participant
	}
	return nil
}

// Controller returns the controller candidate called name.
func (tc *TestCluster) Controller(name string) *Controller {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if m, ok := tc.members[name]; ok {
		return m.controller
	}
	return nil
}

// Recorder returns the transition recorder of member name.
func (tc *TestCluster) Recorder(name string) *TransitionRecorder {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if m, ok := tc.members[name]; ok {
		return m.recorder
	}
	return nil
}

// StopParticipant shuts a participant down gracefully.
func (tc *TestCluster) StopParticipant(name string) {
	tc.t.Helper()
	rt := tc.Participant(name)
	if rt == nil {
		tc.t.Fatalf("test cluster: no participant %s", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), tc.opts.wait)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		tc.t.Fatalf("test cluster: stop participant %s: %v", name, err)
	}
}

// StopController leaves the election on behalf of name.
func (tc *TestCluster) StopController(name string) {
	tc.t.Helper()
	ctrl := tc.Controller(name)
	if ctrl == nil {
		tc.t.Fatalf("test cluster: no controller %s", name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), tc.opts.wait)
	defer cancel()
	if err := ctrl.Stop(ctx); err != nil {
		tc.t.Fatalf("test cluster: stop controller %s: %v", name, err)
	}
}

// CrashParticipant ends the store session of a participant without any
// cleanup, the way a killed process would.
func (tc *TestCluster) CrashParticipant(name string) {
	tc.t.Helper()
	c := tc.session(name, "participant/")
	_ = c.Close()
}

// ExpireParticipant expires the session of a participant. The participant
// re-registers on the session it gets next and returns it.
func (tc *TestCluster) ExpireParticipant(name string) string {
	tc.t.Helper()
	return tc.session(name, "participant/").Expire()
}

func (tc *TestCluster) session(name, prefix string) *memory.Client {
	tc.t.Helper()
	tc.mu.Lock()
	m, ok := tc.members[name]
	tc.mu.Unlock()
	if !ok {
		tc.t.Fatalf("test cluster: no member %s", name)
	}
	c, ok := m.node.Store().memorySession(prefix + name)
	if !ok {
		tc.t.Fatalf("test cluster: %s has no %s session", name, strings.TrimSuffix(prefix, "/"))
	}
	return c
}

// Leader waits for an elected controller and returns its name.
func (tc *TestCluster) Leader() string {
	tc.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), tc.opts.wait)
	defer cancel()
	client, err := tc.admin.Store().Session(ctx, "admin")
	if err != nil {
		tc.t.Fatalf("test cluster: admin session: %v", err)
	}
	defer tc.admin.Store().Release("admin")
	info, err := election.WaitForLeader(ctx, client, tc.Name, nil)
	if err != nil {
		tc.t.Fatalf("test cluster: no leader: %v", err)
	}
	return info.Instance
}

// WaitForView polls the external view of resource until it equals want.
func (tc *TestCluster) WaitForView(resource string, want map[string]map[string]string) {
	tc.t.Helper()
	deadline := time.Now().Add(tc.opts.wait)
	var got map[string]map[string]string
	for {
		got, _ = tc.Admin.ExternalView(context.Background(), resource)
		if cmp.Equal(want, got, cmpopts.EquateEmpty()) {
			return
		}
		if time.Now().After(deadline) {
			tc.t.Fatalf("external view of %s did not converge (-want +got):\n%s", resource, cmp.Diff(want, got, cmpopts.EquateEmpty()))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (tc *TestCluster) close() {
	ctx, cancel := context.WithTimeout(context.Background(), tc.opts.wait)
	defer cancel()
	tc.mu.Lock()
	members := make([]*testMember, 0, len(tc.members))
	for _, m := range tc.members {
		members = append(members, m)
	}
	tc.members = map[string]*testMember{}
	tc.mu.Unlock()
	for _, m := range members {
		_ = m.node.Close(ctx)
	}
	if tc.admin != nil {
		_ = tc.admin.Close(ctx)
	}
	_ = tc.ensemble.Close()
}

// TransitionRecorder is a Handler and Resetter that records every call.
type TransitionRecorder struct {
	mu          sync.Mutex
	transitions []Transition
	resets      []string
}

// NewTransitionRecorder returns an empty recorder.
func NewTransitionRecorder() *TransitionRecorder { return &TransitionRecorder{} }

// Transition implements Handler.
func (r *TransitionRecorder) Transition(_ context.Context, t Transition) error {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
	return nil
}

// Reset implements Resetter.
func (r *TransitionRecorder) Reset(_ context.Context, resource, partition, from string) {
	r.mu.Lock()
	r.resets = append(r.resets, fmt.Sprintf("%s/%s:%s", resource, partition, from))
	r.mu.Unlock()
}

// Transitions returns the recorded transitions in call order.
func (r *TransitionRecorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transitions)
}

// Resets returns resource/partition:from for every reset partition.
func (r *TransitionRecorder) Resets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.resets)
}

func chainHandlers(hs ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, t Transition) error {
		for _, h := range hs {
			if err := h.Transition(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewTestingLogger creates a structured pslog logger that writes through
// testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	}).With("app", "testcluster")
}

type testingWriter struct {
	t      testing.TB
	mu     sync.Mutex
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) > 0 {
			w.log(string(line))
		}
	}
	return len(p), nil
}

// log swallows the panic testing raises for goroutines logging after the
// test finished.
func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
