package model

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNextStateMasterSlave(t *testing.T) {
	def := MasterSlaveDefinition()
	cases := []struct {
		from, to string
		want     string
		ok       bool
	}{
		{"OFFLINE", "MASTER", "SLAVE", true},
		{"OFFLINE", "SLAVE", "SLAVE", true},
		{"MASTER", "OFFLINE", "SLAVE", true},
		{"MASTER", "DROPPED", "SLAVE", true},
		{"SLAVE", "DROPPED", "OFFLINE", true},
		{"MASTER", "MASTER", "MASTER", true},
		{"ERROR", "MASTER", "", false},
		{"DROPPED", "SLAVE", "", false},
	}
	for _, tc := range cases {
		got, ok := def.NextState(tc.from, tc.to)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("NextState(%s,%s) = %q,%v want %q,%v", tc.from, tc.to, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStateCounts(t *testing.T) {
	def := MasterSlaveDefinition()
	if diff := cmp.Diff(map[string]int{"MASTER": 1, "SLAVE": 2}, def.StateCounts(5, 3)); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
	if got := def.UpperBound("SLAVE", 5, 1); got != 0 {
		t.Fatalf("single replica leaves no SLAVE, got %d", got)
	}
	if got := def.UpperBound("OFFLINE", 5, 3); got != -1 {
		t.Fatalf("OFFLINE bound = %d", got)
	}
	if got := def.StateCounts(0, 3); len(got) != 0 {
		t.Fatalf("no candidates should yield no counts: %v", got)
	}
	custom := NewStateModelDefinition("Custom", "OFFLINE",
		[]StateSpec{{Name: "ONLINE", Bound: BoundAllLive}, {Name: "OFFLINE"}},
		[]string{"OFFLINE-ONLINE", "ONLINE-OFFLINE"})
	if got := custom.UpperBound("ONLINE", 4, 2); got != 4 {
		t.Fatalf("ONLINE bound = %d", got)
	}
}

func TestBuiltinsValidate(t *testing.T) {
	for _, def := range BuiltinStateModels() {
		if err := def.Validate(); err != nil {
			t.Fatalf("%s: %v", def.Name(), err)
		}
	}
	bad := NewStateModelDefinition("Bad", "OFFLINE",
		[]StateSpec{{Name: "OFFLINE"}},
		[]string{"OFFLINE-ONLINE"})
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected undeclared state to fail validation")
	}
}

func TestStepUsesTransitions(t *testing.T) {
	def := OnlineOfflineDefinition()
	got, err := def.Step(context.Background(), "OFFLINE", "ONLINE")
	if err != nil || got != "ONLINE" {
		t.Fatalf("Step = %q, %v", got, err)
	}
	if _, err := def.Step(context.Background(), "ONLINE", "DROPPED"); err == nil || !strings.Contains(err.Error(), "illegal") {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestTransitionPriorityOrder(t *testing.T) {
	def := MasterSlaveDefinition()
	if def.TransitionPriority("MASTER", "SLAVE") >= def.TransitionPriority("OFFLINE", "SLAVE") {
		t.Fatalf("demotion should outrank bootstrap")
	}
	if def.TransitionPriority("MASTER", "DROPPED") != len(def.Transitions()) {
		t.Fatalf("illegal transition should rank last")
	}
	if def.Priority("MASTER") >= def.Priority("SLAVE") {
		t.Fatalf("MASTER should have higher priority than SLAVE")
	}
}

func TestIdealStateAccessors(t *testing.T) {
	is := NewIdealState("db")
	is.SetStateModelDefRef(MasterSlave)
	is.SetPreferenceList("db_0", []string{"n1", "n2"})
	is.SetInstanceStateMap("db_1", map[string]string{"n2": "MASTER"})
	if diff := cmp.Diff([]string{"db_0", "db_1"}, is.Partitions()); diff != "" {
		t.Fatalf("partitions mismatch (-want +got):\n%s", diff)
	}
	if is.Mode() != ModeAuto {
		t.Fatalf("default mode = %s", is.Mode())
	}
	if got := is.ReplicaCount(5); got != 2 {
		t.Fatalf("ReplicaCount fallback = %d", got)
	}
	is.SetSimpleField(FieldReplicas, ReplicasAllLive)
	if got := is.ReplicaCount(5); got != 5 {
		t.Fatalf("ReplicaCount N = %d", got)
	}
	if err := is.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := NewIdealState("x").Validate(); err == nil {
		t.Fatalf("expected missing state model to fail")
	}
}

func TestCurrentStateViews(t *testing.T) {
	cs := NewCurrentState("db", "s1", MasterSlave)
	cs.SetState("db_0", "SLAVE")
	cs.SetInfo("db_0", "note")
	cs.SetState("db_1", "MASTER")
	if diff := cmp.Diff(map[string]string{"db_0": "SLAVE", "db_1": "MASTER"}, cs.PartitionStates()); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	cs.RemovePartition("db_1")
	if _, ok := cs.State("db_1"); ok {
		t.Fatalf("db_1 should be gone")
	}
	if cs.Info("db_0") != "note" || cs.SessionID() != "s1" {
		t.Fatalf("unexpected fields: %s", cs)
	}
}

func TestMessageRoundTripFields(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123).UTC()
	tr := Transition{Resource: "db", Partition: "db_0", From: "OFFLINE", To: "SLAVE", StateModelDef: MasterSlave}
	m := NewTransitionMessage("m1", tr, "ctrl", "n1", "s1", now)
	if diff := cmp.Diff(tr, m.Transition()); diff != "" {
		t.Fatalf("transition mismatch (-want +got):\n%s", diff)
	}
	if !m.CreatedAt().Equal(now) || m.State() != MessageNew || m.TargetSession() != "s1" {
		t.Fatalf("unexpected message %s", m)
	}
	if m.Expired(now.Add(time.Second), 2*time.Second) {
		t.Fatalf("message should not be expired yet")
	}
	if !m.Expired(now.Add(3*time.Second), 2*time.Second) {
		t.Fatalf("message should be expired")
	}
	if m.Expired(now.Add(time.Hour), 0) {
		t.Fatalf("zero timeout never expires")
	}
}

func TestInstanceConfigEnabledDefault(t *testing.T) {
	var missing InstanceConfig
	if !missing.Enabled() {
		t.Fatalf("missing config should count as enabled")
	}
	cfg := NewInstanceConfig("n1")
	cfg.SetEnabled(false)
	if cfg.Enabled() {
		t.Fatalf("disabled config reported enabled")
	}
	cc := NewClusterConfig("c")
	if cc.MessageTimeout(time.Minute) != time.Minute {
		t.Fatalf("fallback timeout not used")
	}
	cc.SetMessageTimeout(5 * time.Second)
	cc.SetPaused(true)
	if cc.MessageTimeout(time.Minute) != 5*time.Second || !cc.Paused() {
		t.Fatalf("cluster config not applied: %s", cc)
	}
}

func TestLiveInstanceIdentity(t *testing.T) {
	li := NewLiveInstance("n1", "s1", "v1")
	if li.SessionID() != "s1" || li.Version() != "v1" || !strings.Contains(li.Identity(), "@") {
		t.Fatalf("unexpected live instance %s", li)
	}
}
