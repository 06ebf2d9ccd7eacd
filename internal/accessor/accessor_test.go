package accessor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/clusterd/internal/model"
	"pkt.systems/clusterd/internal/record"
	"pkt.systems/clusterd/internal/store"
	"pkt.systems/clusterd/internal/store/memory"
)

func newAccessor(t *testing.T) (*Accessor, *memory.Client) {
	t.Helper()
	ens := memory.New()
	t.Cleanup(func() { _ = ens.Close() })
	client := ens.Connect()
	return New(client), client
}

func TestKeyLayout(t *testing.T) {
	k := Keys("c1")
	cases := map[string]string{
		k.ClusterConfig():              "/c1/CONFIGS/CLUSTER/c1",
		k.InstanceConfig("n1"):         "/c1/CONFIGS/PARTICIPANT/n1",
		k.IdealState("db"):             "/c1/IDEALSTATES/db",
		k.StateModelDef("MasterSlave"): "/c1/STATEMODELDEFS/MasterSlave",
		k.LiveInstance("n1"):           "/c1/LIVEINSTANCES/n1",
		k.CurrentState("n1", "db"):     "/c1/INSTANCES/n1/CURRENTSTATES/db",
		k.Message("n1", "m1"):          "/c1/INSTANCES/n1/MESSAGES/m1",
		k.ExternalView("db"):           "/c1/EXTERNALVIEW/db",
		k.Leader():                     "/c1/CONTROLLER/LEADER",
		k.ErrorAnnotation("db"):        "/c1/CONTROLLER/ERRORS/db",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("path %q, want %q", got, want)
		}
	}
	for _, p := range k.Skeleton() {
		if err := store.ValidatePath(p); err != nil {
			t.Fatalf("skeleton path %q: %v", p, err)
		}
	}
}

func TestGetMissingIsExplicit(t *testing.T) {
	acc, _ := newAccessor(t)
	rec, ok, err := acc.Get(context.Background(), "/c/IDEALSTATES/none")
	if err != nil || ok || rec != nil {
		t.Fatalf("Get missing = %v, %v, %v", rec, ok, err)
	}
}

func TestSetCreatesThenOverwrites(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	rec := record.New("db")
	rec.SetSimpleField("k", "v1")
	if err := acc.Set(ctx, "/c/IDEALSTATES/db", rec); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec.SetSimpleField("k", "v2")
	if err := acc.Set(ctx, "/c/IDEALSTATES/db", rec); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := acc.Get(ctx, "/c/IDEALSTATES/db")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if got.Simple("k") != "v2" || got.Version() != 1 {
		t.Fatalf("unexpected record %s version %d", got, got.Version())
	}
}

func TestSetIfVersionConflict(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	path := "/c/EXTERNALVIEW/db"
	if err := acc.Set(ctx, path, record.New("db")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := acc.SetIfVersion(ctx, path, record.New("db"), 7); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	if err := acc.SetIfVersion(ctx, path, record.New("db"), 0); err != nil {
		t.Fatalf("matching version: %v", err)
	}
}

func TestUpdateSerializesConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	ens := memory.New()
	t.Cleanup(func() { _ = ens.Close() })
	path := "/c/CONFIGS/CLUSTER/c"
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		acc := New(ens.Connect(), WithUpdateAttempts(100))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := acc.Update(ctx, path, func(cur *record.Record) (*record.Record, error) {
				if cur == nil {
					cur = record.New("c")
				}
				cur.SetIntField("count", cur.IntField("count", 0)+1)
				cur.SetSimpleField(string(rune('a'+i)), "x")
				return cur, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	got, _, err := New(ens.Connect()).Get(ctx, path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IntField("count", 0) != writers {
		t.Fatalf("count = %d, want %d", got.IntField("count", 0), writers)
	}
}

func TestUpdateNilSkipsWrite(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	got, err := acc.Update(ctx, "/c/x", func(cur *record.Record) (*record.Record, error) {
		return nil, nil
	})
	if err != nil || got != nil {
		t.Fatalf("Update = %v, %v", got, err)
	}
	if _, ok, _ := acc.Get(ctx, "/c/x"); ok {
		t.Fatalf("node should not exist")
	}
	boom := errors.New("boom")
	if _, err := acc.Update(ctx, "/c/x", func(*record.Record) (*record.Record, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestApplyMergesAndSubtracts(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	path := "/c/CONTROLLER/ERRORS/db"
	first := record.New("db")
	first.SetMapFieldEntry("db_0", "n1", "timeout")
	first.SetMapFieldEntry("db_1", "n2", "timeout")
	if _, err := acc.Apply(ctx, path, record.NewUpdate(first)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	drop := record.New("db")
	drop.SetMapField("db_0", nil)
	u := &record.Update{Record: record.New("db")}
	u.Subtract(drop)
	got, err := acc.Apply(ctx, path, u)
	if err != nil {
		t.Fatalf("apply subtract: %v", err)
	}
	if diff := cmp.Diff([]string{"db_1"}, got.MapKeys()); diff != "" {
		t.Fatalf("map keys mismatch (-want +got):\n%s", diff)
	}
}

func TestChildValuesAndRemoveTree(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	for _, id := range []string{"b", "a"} {
		if err := acc.Set(ctx, store.Join("c", "IDEALSTATES", id), record.New(id)); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	recs, err := acc.ChildValues(ctx, "/c/IDEALSTATES")
	if err != nil {
		t.Fatalf("child values: %v", err)
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID())
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
	if names, err := acc.ChildNames(ctx, "/missing"); err != nil || len(names) != 0 {
		t.Fatalf("missing parent: %v %v", names, err)
	}
	if err := acc.RemoveTree(ctx, "/c"); err != nil {
		t.Fatalf("remove tree: %v", err)
	}
	if _, ok, _ := acc.Get(ctx, "/c/IDEALSTATES/a"); ok {
		t.Fatalf("tree not removed")
	}
	if err := acc.Remove(ctx, "/c"); err != nil {
		t.Fatalf("remove missing should be nil: %v", err)
	}
}

func TestBatchSetAndGet(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	paths := []string{"/c/x/1", "/c/x/2", "/c/x/3"}
	recs := []*record.Record{record.New("1"), record.New("2"), record.New("3")}
	if err := acc.BatchSet(ctx, paths, recs); err != nil {
		t.Fatalf("batch set: %v", err)
	}
	got, err := acc.BatchGet(ctx, append(paths, "/c/x/4"))
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	for i := range paths {
		if got[i] == nil || got[i].ID() != recs[i].ID() {
			t.Fatalf("entry %d = %v", i, got[i])
		}
	}
	if got[3] != nil {
		t.Fatalf("missing entry should be nil")
	}
	if err := acc.BatchSet(ctx, paths, recs[:1]); err == nil || !strings.Contains(err.Error(), "paths") {
		t.Fatalf("expected length mismatch error, got %v", err)
	}
}

func TestSubscribeSignalsChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	acc, client := newAccessor(t)
	notify := make(chan struct{}, 1)
	acc.Subscribe(ctx, "/c/LIVEINSTANCES", store.WatchChildren, notify)
	waitSignal(t, notify)
	if err := client.Create(ctx, "/c/LIVEINSTANCES/n1", nil, store.Ephemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitSignal(t, notify)
	if err := client.Create(ctx, "/c/LIVEINSTANCES/n2", nil, store.Ephemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitSignal(t, notify)
	client.Expire()
	waitSignal(t, notify)
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change signal")
	}
}

func TestClusterTypedViews(t *testing.T) {
	ctx := context.Background()
	acc, _ := newAccessor(t)
	c := NewCluster(acc, "c1")
	is := model.NewIdealState("db")
	is.SetStateModelDefRef(model.MasterSlave)
	is.SetPreferenceList("db_0", []string{"n1"})
	if err := c.SetIdealState(ctx, is); err != nil {
		t.Fatalf("set ideal state: %v", err)
	}
	got, ok, err := c.IdealState(ctx, "db")
	if err != nil || !ok {
		t.Fatalf("ideal state: %v %v", ok, err)
	}
	if !got.Equal(is.Record) {
		t.Fatalf("ideal state mismatch: %s vs %s", got, is)
	}
	if _, ok, err := c.ExternalView(ctx, "db"); ok || err != nil {
		t.Fatalf("external view should be absent: %v %v", ok, err)
	}
	for _, def := range model.BuiltinStateModels() {
		if err := c.SetStateModelDef(ctx, def); err != nil {
			t.Fatalf("state model: %v", err)
		}
	}
	defs, err := c.StateModelDefs(ctx)
	if err != nil || len(defs) != 3 {
		t.Fatalf("state models: %d %v", len(defs), err)
	}
	if next, _ := defs[model.MasterSlave].NextState("OFFLINE", "MASTER"); next != "SLAVE" {
		t.Fatalf("stored definition lost transitions: %q", next)
	}

	msg := model.NewTransitionMessage("m1", model.Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE"}, "ctrl", "n1", "s1", time.Now())
	if err := c.SendMessage(ctx, "n1", msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendMessage(ctx, "n1", msg); !errors.Is(err, store.ErrNodeExists) {
		t.Fatalf("resend should report existing node, got %v", err)
	}
	msgs, err := c.Messages(ctx, "n1")
	if err != nil || len(msgs) != 1 || msgs[0].Partition() != "db_0" {
		t.Fatalf("messages: %v %v", msgs, err)
	}
	if err := c.Annotate(ctx, "db", "db_0", "n1", "timeout"); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	note, ok, err := c.ErrorAnnotation(ctx, "db")
	if err != nil || !ok {
		t.Fatalf("annotation: %v %v", ok, err)
	}
	if reason, _ := note.Reason("db_0", "n1"); reason != "timeout" {
		t.Fatalf("reason = %q", reason)
	}
}
