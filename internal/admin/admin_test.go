package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/clusterd/internal/accessor"
	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/store/memory"
)

func newAdmin(t *testing.T) (*Admin, *memory.Ensemble) {
	t.Helper()
	ens := memory.New()
	t.Cleanup(func() { _ = ens.Close() })
	a := New(ens.Connect(), "c1")
	if err := a.AddCluster(context.Background()); err != nil {
		t.Fatalf("add cluster: %v", err)
	}
	return a, ens
}

func TestAddClusterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	if err := a.AddCluster(ctx); err != nil {
		t.Fatalf("second add: %v", err)
	}
	defs, err := a.Cluster().StateModelDefs(ctx)
	if err != nil {
		t.Fatalf("state models: %v", err)
	}
	for _, name := range []string{model.MasterSlave, model.OnlineOffline, model.LeaderStandby} {
		if _, ok := defs[name]; !ok {
			t.Fatalf("missing built-in state model %s", name)
		}
	}
	if _, ok, err := a.Cluster().ClusterConfig(ctx); err != nil || !ok {
		t.Fatalf("cluster config = %v, %v", ok, err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	a, ens := newAdmin(t)
	if err := a.AddInstance(ctx, "n1", "10.0.0.1", 7000); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if err := a.AddInstance(ctx, "n1", "", 0); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := a.EnableInstance(ctx, "n1", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	cfg, _, _ := a.Cluster().InstanceConfig(ctx, "n1")
	if cfg.Enabled() || cfg.Host() != "10.0.0.1" || cfg.Port() != 7000 {
		t.Fatalf("unexpected config %s", cfg)
	}
	if err := a.EnableInstance(ctx, "n9", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	c := ens.Connect()
	li := model.NewLiveInstance("n1", c.SessionID(), "test")
	if err := accessor.New(c).Create(ctx, a.Cluster().Keys().LiveInstance("n1"), li.Record, store.Ephemeral); err != nil {
		t.Fatalf("live instance: %v", err)
	}
	if err := a.DropInstance(ctx, "n1"); !errors.Is(err, ErrInstanceLive) {
		t.Fatalf("expected ErrInstanceLive, got %v", err)
	}
	_ = c.Close()
	if err := a.DropInstance(ctx, "n1"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if names, _ := a.Instances(ctx); len(names) != 0 {
		t.Fatalf("instances left: %v", names)
	}
}

func TestRebalanceRoundRobin(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	for _, n := range []string{"n3", "n1", "n2"} {
		if err := a.AddInstance(ctx, n, "", 0); err != nil {
			t.Fatalf("add instance: %v", err)
		}
	}
	if err := a.AddResource(ctx, "db", 3, model.MasterSlave, model.ModeAuto); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	if err := a.AddResource(ctx, "db", 3, model.MasterSlave, model.ModeAuto); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := a.Rebalance(ctx, "db", 2); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	is, err := a.IdealState(ctx, "db")
	if err != nil {
		t.Fatalf("ideal state: %v", err)
	}
	want := map[string][]string{
		"db_0": {"n1", "n2"},
		"db_1": {"n2", "n3"},
		"db_2": {"n3", "n1"},
	}
	got := make(map[string][]string)
	for _, p := range is.Partitions() {
		got[p] = is.PreferenceList(p)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("preference lists mismatch (-want +got):\n%s", diff)
	}
	if is.Replicas() != "2" {
		t.Fatalf("replicas = %s", is.Replicas())
	}
}

func TestRebalanceCustomizedWritesStateMaps(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	for _, n := range []string{"n1", "n2"} {
		if err := a.AddInstance(ctx, n, "", 0); err != nil {
			t.Fatalf("add instance: %v", err)
		}
	}
	if err := a.AddResource(ctx, "kv", 2, model.MasterSlave, model.ModeCustomized); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	if err := a.Rebalance(ctx, "kv", 0); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	is, _ := a.IdealState(ctx, "kv")
	if diff := cmp.Diff(map[string]string{"n1": "MASTER", "n2": "SLAVE"}, is.InstanceStateMap("kv_0")); diff != "" {
		t.Fatalf("kv_0 mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"n2": "MASTER", "n1": "SLAVE"}, is.InstanceStateMap("kv_1")); diff != "" {
		t.Fatalf("kv_1 mismatch (-want +got):\n%s", diff)
	}
}

func TestAddResourceRequiresStateModel(t *testing.T) {
	a, _ := newAdmin(t)
	err := a.AddResource(context.Background(), "db", 1, "Nope", model.ModeAuto)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClusterSwitches(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	if err := a.SetPaused(ctx, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := a.SetMessageTimeout(ctx, 30*time.Second); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	cfg, _, _ := a.Cluster().ClusterConfig(ctx)
	if !cfg.Paused() || cfg.MessageTimeout(0) != 30*time.Second {
		t.Fatalf("unexpected cluster config %s", cfg)
	}
}

func TestResetPartitionClearsError(t *testing.T) {
	ctx := context.Background()
	a, ens := newAdmin(t)
	c := ens.Connect()
	session := c.SessionID()
	acc := accessor.New(c)
	keys := a.Cluster().Keys()
	li := model.NewLiveInstance("n1", session, "test")
	if err := acc.Create(ctx, keys.LiveInstance("n1"), li.Record, store.Ephemeral); err != nil {
		t.Fatalf("live instance: %v", err)
	}
	cs := model.NewCurrentState("db", session, model.MasterSlave)
	cs.SetState("db_0", model.StateError)
	cs.SetInfo("db_0", "boom")
	cs.SetState("db_1", "SLAVE")
	if err := acc.Set(ctx, keys.CurrentState("n1", "db"), cs.Record); err != nil {
		t.Fatalf("current state: %v", err)
	}
	tr := model.Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE", StateModelDef: model.MasterSlave}
	failed := model.NewTransitionMessage("m1", tr, "ctrl", "n1", session, time.Now())
	failed.SetState(model.MessageError)
	if err := a.Cluster().SendMessage(ctx, "n1", failed); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Cluster().Annotate(ctx, "db", "db_0", "n1", "handler failed"); err != nil {
		t.Fatalf("annotate: %v", err)
	}

	if err := a.ResetPartition(ctx, "n1", "db", "db_1"); !errors.Is(err, ErrNotInError) {
		t.Fatalf("expected ErrNotInError, got %v", err)
	}
	if err := a.ResetPartition(ctx, "n1", "db", "db_0"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _, _ := a.Cluster().CurrentState(ctx, "n1", "db")
	if s, _ := got.State("db_0"); s != "OFFLINE" || got.Info("db_0") != "" {
		t.Fatalf("unexpected state after reset: %s", got)
	}
	if msgs, _ := a.Cluster().Messages(ctx, "n1"); len(msgs) != 0 {
		t.Fatalf("failed messages should be removed: %v", msgs)
	}
	ann, _, _ := a.Cluster().ErrorAnnotation(ctx, "db")
	if _, ok := ann.Reason("db_0", "n1"); ok {
		t.Fatalf("annotation should be cleared: %s", ann)
	}
}

func TestResetPartitionClearsTimedOutMessage(t *testing.T) {
	ctx := context.Background()
	a, ens := newAdmin(t)
	c := ens.Connect()
	session := c.SessionID()
	li := model.NewLiveInstance("n1", session, "test")
	if err := accessor.New(c).Create(ctx, a.Cluster().Keys().LiveInstance("n1"), li.Record, store.Ephemeral); err != nil {
		t.Fatalf("live instance: %v", err)
	}
	tr := model.Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE", StateModelDef: model.MasterSlave}
	stuck := model.NewTransitionMessage("m1", tr, "ctrl", "n1", session, time.Now())
	stuck.SetState(model.MessageTimeout)
	if err := a.Cluster().SendMessage(ctx, "n1", stuck); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Cluster().Annotate(ctx, "db", "db_0", "n1", "timed out"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if err := a.ResetPartition(ctx, "n1", "db", "db_0"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if msgs, _ := a.Cluster().Messages(ctx, "n1"); len(msgs) != 0 {
		t.Fatalf("timed out message should be removed: %v", msgs)
	}
	if err := a.ResetPartition(ctx, "n1", "db", "db_0"); !errors.Is(err, ErrNotInError) {
		t.Fatalf("second reset should find nothing, got %v", err)
	}
}

func TestDropResourceRemovesAnnotation(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	if err := a.AddResource(ctx, "db", 1, model.MasterSlave, model.ModeAuto); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	if err := a.Cluster().Annotate(ctx, "db", "db_0", "n1", "timed out"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	if err := a.DropResource(ctx, "db"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok, err := a.Cluster().ErrorAnnotation(ctx, "db"); err != nil || ok {
		t.Fatalf("annotation should be gone: ok=%v err=%v", ok, err)
	}
}

func TestLeaderAndExternalView(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdmin(t)
	if _, ok, err := a.Leader(ctx); err != nil || ok {
		t.Fatalf("leader = %v, %v", ok, err)
	}
	if _, err := a.ExternalView(ctx, "db"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	view := model.NewExternalView("db")
	view.SetStateMap("db_0", map[string]string{"n1": "MASTER"})
	if err := a.Cluster().SetExternalView(ctx, view); err != nil {
		t.Fatalf("set view: %v", err)
	}
	got, err := a.ExternalView(ctx, "db")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if diff := cmp.Diff(map[string]map[string]string{"db_0": {"n1": "MASTER"}}, got); diff != "" {
		t.Fatalf("view mismatch (-want +got):\n%s", diff)
	}
}

func TestDropClusterRemovesEverything(t *testing.T) {
	ctx := context.Background()
	a, ens := newAdmin(t)
	if err := a.AddInstance(ctx, "n1", "", 0); err != nil {
		t.Fatalf("add instance: %v", err)
	}
	if err := a.DropCluster(ctx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok, err := ens.Connect().Exists(ctx, "/c1"); err != nil || ok {
		t.Fatalf("cluster root still exists: %v %v", ok, err)
	}
}
