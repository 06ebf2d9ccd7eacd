package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/clock"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/store/memory"
)

const testCluster = "c1"

type fixture struct {
	t       *testing.T
	ens     *memory.Ensemble
	admin   *accessor.Cluster
	clients map[string]*memory.Client
	// log collects "from-to" per participant when set.
	log map[string][]string
}

func newFixture(t *testing.T, participants ...string) *fixture {
	t.Helper()
	ens := memory.New()
	t.Cleanup(func() { _ = ens.Close() })
	f := &fixture{
		t:       t,
		ens:     ens,
		admin:   accessor.NewCluster(accessor.New(ens.Connect()), testCluster),
		clients: make(map[string]*memory.Client),
	}
	ctx := context.Background()
	for _, p := range f.admin.Keys().Skeleton() {
		if err := f.admin.Accessor().EnsurePath(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p, err)
		}
	}
	for _, def := range model.BuiltinStateModels() {
		if err := f.admin.SetStateModelDef(ctx, def); err != nil {
			t.Fatalf("state model: %v", err)
		}
	}
	for _, p := range participants {
		f.join(p)
	}
	return f
}

// join connects a participant and registers its live instance.
func (f *fixture) join(name string) {
	f.t.Helper()
	ctx := context.Background()
	c := f.ens.Connect()
	f.clients[name] = c
	keys := f.admin.Keys()
	acc := accessor.New(c)
	if err := acc.Set(ctx, keys.Instance(name), record.New(name)); err != nil {
		f.t.Fatalf("instance %s: %v", name, err)
	}
	li := model.NewLiveInstance(name, c.SessionID(), "test")
	if err := acc.Create(ctx, keys.LiveInstance(name), li.Record, store.Ephemeral); err != nil {
		f.t.Fatalf("live instance %s: %v", name, err)
	}
}

// rejoin expires the session of a participant and registers the live
// instance again on the new one.
func (f *fixture) rejoin(name string) string {
	f.t.Helper()
	c := f.clients[name]
	session := c.Expire()
	li := model.NewLiveInstance(name, session, "test")
	if err := accessor.New(c).Create(context.Background(), f.admin.Keys().LiveInstance(name), li.Record, store.Ephemeral); err != nil {
		f.t.Fatalf("live instance %s: %v", name, err)
	}
	return session
}

func (f *fixture) masterSlave(resource string, replicas int, prefs map[string][]string) {
	f.t.Helper()
	is := model.NewIdealState(resource)
	is.SetStateModelDefRef(model.MasterSlave)
	is.SetNumPartitions(len(prefs))
	is.SetReplicas(replicas)
	for partition, list := range prefs {
		is.SetPreferenceList(partition, list)
	}
	if err := f.admin.SetIdealState(context.Background(), is); err != nil {
		f.t.Fatalf("ideal state: %v", err)
	}
}

func (f *fixture) controller(instance string, clk clock.Clock) *Controller {
	f.t.Helper()
	c, err := New(Config{
		Cluster:       testCluster,
		Instance:      instance,
		Client:        f.ens.Connect(),
		Clock:         clk,
		SweepInterval: 50 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
	})
	if err != nil {
		f.t.Fatalf("new controller: %v", err)
	}
	return c
}

// apply plays the participant side: every NEW message is executed and
// removed. It returns the number of messages handled.
func (f *fixture) apply(ctx context.Context) int {
	f.t.Helper()
	handled := 0
	for name, c := range f.clients {
		msgs, err := f.admin.Messages(ctx, name)
		if err != nil {
			f.t.Fatalf("messages: %v", err)
		}
		for _, msg := range msgs {
			if msg.State() != model.MessageNew {
				continue
			}
			tr := msg.Transition()
			if f.log != nil {
				f.log[name] = append(f.log[name], tr.From+"-"+tr.To)
			}
			f.transition(ctx, name, c.SessionID(), tr)
			if err := f.admin.RemoveMessage(ctx, name, msg.ID()); err != nil {
				f.t.Fatalf("remove message: %v", err)
			}
			handled++
		}
	}
	return handled
}

func (f *fixture) transition(ctx context.Context, participant, session string, tr model.Transition) {
	f.t.Helper()
	path := f.admin.Keys().CurrentState(participant, tr.Resource)
	_, err := f.admin.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
		cs := model.NewCurrentState(tr.Resource, session, tr.StateModelDef)
		if cur != nil {
			cs = model.CurrentState{Record: cur}
		}
		if tr.To == model.StateDropped {
			cs.RemovePartition(tr.Partition)
		} else {
			cs.SetState(tr.Partition, tr.To)
		}
		return cs.Record, nil
	})
	if err != nil {
		f.t.Fatalf("current state: %v", err)
	}
}

// converge alternates controller passes and participant work until a pass
// sends nothing.
func (f *fixture) converge(ctx context.Context, c *Controller) {
	f.t.Helper()
	for range 20 {
		res, err := c.RunOnce(ctx)
		if err != nil {
			f.t.Fatalf("run: %v", err)
		}
		if f.apply(ctx) == 0 && res.MessagesSent == 0 {
			return
		}
	}
	f.t.Fatalf("cluster did not converge")
}

func (f *fixture) view(ctx context.Context, resource string) map[string]map[string]string {
	f.t.Helper()
	v, ok, err := f.admin.ExternalView(ctx, resource)
	if err != nil {
		f.t.Fatalf("external view: %v", err)
	}
	if !ok {
		return nil
	}
	out := make(map[string]map[string]string)
	for _, p := range v.Partitions() {
		out[p] = v.StateMap(p)
	}
	return out
}

func TestPipelineConvergesMasterSlave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2", "n3")
	f.masterSlave("db", 2, map[string][]string{
		"db_0": {"n1", "n2"},
		"db_1": {"n2", "n3"},
	})
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)
	want := map[string]map[string]string{
		"db_0": {"n1": "MASTER", "n2": "SLAVE"},
		"db_1": {"n2": "MASTER", "n3": "SLAVE"},
	}
	if diff := cmp.Diff(want, f.view(ctx, "db")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2", "n3")
	f.masterSlave("db", 2, map[string][]string{
		"db_0": {"n1", "n2"},
		"db_1": {"n2", "n3"},
	})
	c := f.controller("ctrl", nil)
	first, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.MessagesSent != 4 {
		t.Fatalf("first pass sent %d messages", first.MessagesSent)
	}
	second, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if second.MessagesSent != 0 {
		t.Fatalf("second pass re-sent %d messages", second.MessagesSent)
	}
	total := 0
	for _, n := range []string{"n1", "n2", "n3"} {
		msgs, err := f.admin.Messages(ctx, n)
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		total += len(msgs)
	}
	if total != 4 {
		t.Fatalf("expected 4 queued messages, got %d", total)
	}
}

func TestMessageIDIsDeterministic(t *testing.T) {
	tr := model.Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE"}
	if MessageID(tr, "n1", "s1") != MessageID(tr, "n1", "s1") {
		t.Fatalf("message id not stable")
	}
	if MessageID(tr, "n1", "s1") == MessageID(tr, "n1", "s2") {
		t.Fatalf("message id must depend on the session")
	}
}

func TestSingleMasterDuringHandover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2")
	f.masterSlave("db", 2, map[string][]string{"db_0": {"n1", "n2"}})
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)

	f.masterSlave("db", 2, map[string][]string{"db_0": {"n2", "n1"}})
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Only the demotion of n1 may go out; n2 waits for the slot.
	if res.MessagesSent != 1 {
		t.Fatalf("expected only the demotion, sent %d", res.MessagesSent)
	}
	msgs, _ := f.admin.Messages(ctx, "n1")
	if len(msgs) != 1 || msgs[0].Transition().To != "SLAVE" {
		t.Fatalf("unexpected n1 messages: %v", msgs)
	}
	f.converge(ctx, c)
	want := map[string]map[string]string{"db_0": {"n1": "SLAVE", "n2": "MASTER"}}
	if diff := cmp.Diff(want, f.view(ctx, "db")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestDisabledParticipantFallsBackToInitialState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2")
	f.masterSlave("db", 2, map[string][]string{"db_0": {"n1", "n2"}})
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)

	cfg := model.NewInstanceConfig("n2")
	cfg.SetEnabled(false)
	if err := f.admin.SetInstanceConfig(ctx, cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	f.converge(ctx, c)
	want := map[string]map[string]string{"db_0": {"n1": "MASTER", "n2": "OFFLINE"}}
	if diff := cmp.Diff(want, f.view(ctx, "db")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestStaleSessionMessagesAreDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1")
	tr := model.Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE", StateModelDef: model.MasterSlave}
	stale := model.NewTransitionMessage("old", tr, "ctrl", "n1", "gone", time.Now())
	if err := f.admin.SendMessage(ctx, "n1", stale); err != nil {
		t.Fatalf("send: %v", err)
	}
	orphan := model.NewTransitionMessage("orphan", tr, "ctrl", "n9", "gone", time.Now())
	if err := f.admin.SendMessage(ctx, "n9", orphan); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := f.controller("ctrl", nil)
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.MessagesDeleted != 2 {
		t.Fatalf("expected 2 deletions, got %d", res.MessagesDeleted)
	}
	for _, p := range []string{"n1", "n9"} {
		if msgs, _ := f.admin.Messages(ctx, p); len(msgs) != 0 {
			t.Fatalf("%s still has messages: %v", p, msgs)
		}
	}
}

func TestUnacknowledgedMessageTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1")
	f.masterSlave("db", 1, map[string][]string{"db_0": {"n1"}})
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cc := model.NewClusterConfig(testCluster)
	cc.SetMessageTimeout(time.Minute)
	if err := f.admin.SetClusterConfig(ctx, cc); err != nil {
		t.Fatalf("cluster config: %v", err)
	}
	c := f.controller("ctrl", clk)
	if res, err := c.RunOnce(ctx); err != nil || res.MessagesSent != 1 {
		t.Fatalf("run = %+v, %v", res, err)
	}
	clk.Advance(2 * time.Minute)
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.MessagesTimedOut != 1 || res.MessagesSent != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs, _ := f.admin.Messages(ctx, "n1")
	if len(msgs) != 1 || msgs[0].State() != model.MessageTimeout {
		t.Fatalf("expected a TIMEOUT message, got %v", msgs)
	}
	ann, ok, err := f.admin.ErrorAnnotation(ctx, "db")
	if err != nil || !ok {
		t.Fatalf("annotation = %v, %v", ok, err)
	}
	if _, ok := ann.Reason("db_0", "n1"); !ok {
		t.Fatalf("missing annotation: %s", ann)
	}
	if res, _ := c.RunOnce(ctx); res.MessagesTimedOut != 0 || res.MessagesSent != 0 {
		t.Fatalf("timed out message must block its partition: %+v", res)
	}
}

func TestTimedOutPairRecoversAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1")
	f.masterSlave("db", 1, map[string][]string{"db_0": {"n1"}})
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cc := model.NewClusterConfig(testCluster)
	cc.SetMessageTimeout(time.Minute)
	if err := f.admin.SetClusterConfig(ctx, cc); err != nil {
		t.Fatalf("cluster config: %v", err)
	}
	c := f.controller("ctrl", clk)
	if res, err := c.RunOnce(ctx); err != nil || res.MessagesSent != 1 {
		t.Fatalf("run = %+v, %v", res, err)
	}
	clk.Advance(2 * time.Minute)
	if res, err := c.RunOnce(ctx); err != nil || res.MessagesTimedOut != 1 {
		t.Fatalf("run = %+v, %v", res, err)
	}
	if _, ok, _ := f.admin.ErrorAnnotation(ctx, "db"); !ok {
		t.Fatalf("expected an annotation after the timeout")
	}

	session := f.rejoin("n1")
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.MessagesDeleted != 1 || res.AnnotationsCleared != 1 || res.MessagesSent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok, err := f.admin.ErrorAnnotation(ctx, "db"); err != nil || ok {
		t.Fatalf("annotation should be gone: ok=%v err=%v", ok, err)
	}
	msgs, _ := f.admin.Messages(ctx, "n1")
	if len(msgs) != 1 || msgs[0].TargetSession() != session || msgs[0].State() != model.MessageNew {
		t.Fatalf("expected one fresh message for session %s, got %v", session, msgs)
	}
	f.converge(ctx, c)
	if diff := cmp.Diff(map[string]map[string]string{"db_0": {"n1": "MASTER"}}, f.view(ctx, "db")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestPausedClusterOnlyRefreshesViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1")
	f.masterSlave("db", 1, map[string][]string{"db_0": {"n1"}})
	cc := model.NewClusterConfig(testCluster)
	cc.SetPaused(true)
	if err := f.admin.SetClusterConfig(ctx, cc); err != nil {
		t.Fatalf("cluster config: %v", err)
	}
	c := f.controller("ctrl", nil)
	res, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Paused || res.MessagesSent != 0 || res.ExternalViewsWritten != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCustomizedModeUsesIdealStateMap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2", "n3")
	is := model.NewIdealState("kv")
	is.SetStateModelDefRef(model.OnlineOffline)
	is.SetMode(model.ModeCustomized)
	is.SetInstanceStateMap("kv_0", map[string]string{"n1": "ONLINE", "n3": "ONLINE"})
	if err := f.admin.SetIdealState(ctx, is); err != nil {
		t.Fatalf("ideal state: %v", err)
	}
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)
	want := map[string]map[string]string{"kv_0": {"n1": "ONLINE", "n3": "ONLINE"}}
	if diff := cmp.Diff(want, f.view(ctx, "kv")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestAutoModeOrdersByIdealStateMap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "P1", "P2")
	f.log = make(map[string][]string)
	is := model.NewIdealState("db")
	is.SetStateModelDefRef(model.MasterSlave)
	is.SetInstanceStateMap("partition0", map[string]string{"P1": "MASTER", "P2": "SLAVE"})
	if err := f.admin.SetIdealState(ctx, is); err != nil {
		t.Fatalf("ideal state: %v", err)
	}
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)

	wantLog := map[string][]string{
		"P1": {"OFFLINE-SLAVE", "SLAVE-MASTER"},
		"P2": {"OFFLINE-SLAVE"},
	}
	if diff := cmp.Diff(wantLog, f.log); diff != "" {
		t.Fatalf("transition sequence mismatch (-want +got):\n%s", diff)
	}
	want := map[string]map[string]string{"partition0": {"P1": "MASTER", "P2": "SLAVE"}}
	if diff := cmp.Diff(want, f.view(ctx, "db")); diff != "" {
		t.Fatalf("external view mismatch (-want +got):\n%s", diff)
	}
}

func TestDroppedResourceLosesItsView(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "n1", "n2")
	f.masterSlave("db", 2, map[string][]string{"db_0": {"n1", "n2"}})
	c := f.controller("ctrl", nil)
	f.converge(ctx, c)
	if err := f.admin.Accessor().Remove(ctx, f.admin.Keys().IdealState("db")); err != nil {
		t.Fatalf("remove ideal state: %v", err)
	}
	f.converge(ctx, c)
	if v := f.view(ctx, "db"); v != nil {
		t.Fatalf("view should be gone, got %v", v)
	}
	cs, ok, err := f.admin.CurrentState(ctx, "n1", "db")
	if err != nil || !ok {
		t.Fatalf("current state = %v, %v", ok, err)
	}
	if len(cs.PartitionStates()) != 0 {
		t.Fatalf("partitions should be dropped: %v", cs.PartitionStates())
	}
}

// simulate runs the participant side in the background until ctx ends.
func (f *fixture) simulate(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			f.applyQuiet(ctx)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return &wg
}

// applyQuiet is apply without test failures, for use off the test goroutine.
func (f *fixture) applyQuiet(ctx context.Context) {
	for name, c := range f.clients {
		msgs, err := f.admin.Messages(ctx, name)
		if err != nil {
			return
		}
		for _, msg := range msgs {
			if msg.State() != model.MessageNew {
				continue
			}
			tr := msg.Transition()
			path := f.admin.Keys().CurrentState(name, tr.Resource)
			_, err := f.admin.Accessor().Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
				cs := model.NewCurrentState(tr.Resource, c.SessionID(), tr.StateModelDef)
				if cur != nil {
					cs = model.CurrentState{Record: cur}
				}
				if tr.To == model.StateDropped {
					cs.RemovePartition(tr.Partition)
				} else {
					cs.SetState(tr.Partition, tr.To)
				}
				return cs.Record, nil
			})
			if err != nil {
				return
			}
			_ = f.admin.RemoveMessage(ctx, name, msg.ID())
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestControllerFailoverKeepsReconciling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, "n1", "n2", "n3")
	f.masterSlave("db", 2, map[string][]string{"db_0": {"n1", "n2"}})
	sim := f.simulate(ctx)
	defer sim.Wait()
	defer cancel()

	controllers := make([]*Controller, 2)
	for i := range controllers {
		controllers[i] = f.controller(fmt.Sprintf("ctrl-%d", i), nil)
		controllers[i].Start(ctx)
	}
	defer func() {
		for _, c := range controllers {
			stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.Stop(stopCtx)
			stop()
		}
	}()

	converged := func(want map[string]map[string]string) func() bool {
		return func() bool {
			v, ok, err := f.admin.ExternalView(ctx, "db")
			if err != nil || !ok {
				return false
			}
			got := make(map[string]map[string]string)
			for _, p := range v.Partitions() {
				got[p] = v.StateMap(p)
			}
			return cmp.Equal(want, got)
		}
	}
	waitFor(t, "initial placement", converged(map[string]map[string]string{
		"db_0": {"n1": "MASTER", "n2": "SLAVE"},
	}))

	var leader, follower *Controller
	waitFor(t, "a leader", func() bool {
		for i, c := range controllers {
			if c.IsLeader() {
				leader, follower = c, controllers[1-i]
				return true
			}
		}
		return false
	})
	stopCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	if err := leader.Stop(stopCtx); err != nil {
		t.Fatalf("stop leader: %v", err)
	}
	stop()
	waitFor(t, "follower takes over", follower.IsLeader)

	f.masterSlave("db", 2, map[string][]string{"db_0": {"n3", "n1"}})
	waitFor(t, "placement after failover", converged(map[string]map[string]string{
		"db_0": {"n1": "SLAVE", "n3": "MASTER"},
	}))
}
