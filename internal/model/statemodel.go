package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/looplab/fsm"

	"pkt.systems/clusterd/internal/record"
)

// StateModelDefinition fields.
const (
	FieldInitialState           = "INITIAL_STATE"
	FieldStatePriorityList      = "STATE_PRIORITY_LIST"
	FieldTransitionPriorityList = "STATE_TRANSITION_PRIORITYLIST"
	FieldCount                  = "count"
)

// States shared by every state model.
const (
	StateDropped = "DROPPED"
	StateError   = "ERROR"
)

// Bound values with special meaning.
const (
	BoundReplicas = "R"
	BoundAllLive  = "N"
)

// Built-in state model names.
const (
	MasterSlave   = "MasterSlave"
	OnlineOffline = "OnlineOffline"
	LeaderStandby = "LeaderStandby"
)

// ErrUnknownState reports a state the definition does not declare.
var ErrUnknownState = errors.New("statemodel: unknown state")

// StateModelDefinition describes the states of a resource, their upper
// bounds, and the legal transitions between them.
type StateModelDefinition struct {
	*record.Record
}

// StateSpec declares one state and its upper bound. An empty Bound means
// unbounded.
type StateSpec struct {
	Name  string
	Bound string
}

// NewStateModelDefinition builds a definition. States are listed highest
// priority first; transitions are "FROM-TO" pairs in priority order.
func NewStateModelDefinition(name, initial string, states []StateSpec, transitions []string) StateModelDefinition {
	def := StateModelDefinition{Record: record.New(name)}
	def.SetSimpleField(FieldInitialState, initial)
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, s.Name)
		if s.Bound != "" {
			def.SetMapFieldEntry(s.Name+".meta", FieldCount, s.Bound)
		}
	}
	def.SetListField(FieldStatePriorityList, names)
	def.SetListField(FieldTransitionPriorityList, transitions)
	return def
}

// Name returns the state model name.
func (d StateModelDefinition) Name() string { return d.ID() }

// InitialState returns the state new replicas start in.
func (d StateModelDefinition) InitialState() string { return d.Simple(FieldInitialState) }

// States returns the declared states, highest priority first.
func (d StateModelDefinition) States() []string {
	l, _ := d.ListField(FieldStatePriorityList)
	return l
}

// HasState reports whether state is declared.
func (d StateModelDefinition) HasState(state string) bool {
	return slices.Contains(d.States(), state)
}

// Priority returns the index of state in the priority list, len(States) when
// undeclared.
func (d StateModelDefinition) Priority(state string) int {
	states := d.States()
	if i := slices.Index(states, state); i >= 0 {
		return i
	}
	return len(states)
}

// Transitions returns the legal transitions in priority order.
func (d StateModelDefinition) Transitions() []Transition {
	l, _ := d.ListField(FieldTransitionPriorityList)
	out := make([]Transition, 0, len(l))
	for _, pair := range l {
		from, to, ok := strings.Cut(pair, "-")
		if !ok {
			continue
		}
		out = append(out, Transition{From: from, To: to, StateModelDef: d.Name()})
	}
	return out
}

// TransitionPriority returns the rank of from→to in the priority list, or
// the number of transitions when illegal.
func (d StateModelDefinition) TransitionPriority(from, to string) int {
	ts := d.Transitions()
	for i, t := range ts {
		if t.From == from && t.To == to {
			return i
		}
	}
	return len(ts)
}

// IsLegal reports whether from→to is a declared transition.
func (d StateModelDefinition) IsLegal(from, to string) bool {
	for _, t := range d.Transitions() {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Bound returns the raw upper bound of state, empty when unbounded.
func (d StateModelDefinition) Bound(state string) string {
	v, _ := d.MapFieldEntry(state+".meta", FieldCount)
	return v
}

// StateCounts resolves the bounded states of the model for a partition
// placed on live candidate participants with the given replica count.
// Numeric bounds are taken as is, N takes every candidate, and R takes the
// replicas left after the other bounded states.
func (d StateModelDefinition) StateCounts(live, replicas int) map[string]int {
	counts := make(map[string]int)
	if live <= 0 {
		return counts
	}
	remaining := replicas
	var replicaState string
	for _, state := range d.States() {
		switch raw := d.Bound(state); raw {
		case "":
		case BoundAllLive:
			counts[state] = live
			remaining -= live
		case BoundReplicas:
			replicaState = state
		default:
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				counts[state] = n
				remaining -= n
			}
		}
	}
	if replicaState != "" && remaining > 0 {
		counts[replicaState] = remaining
	}
	return counts
}

// UpperBound returns the resolved bound of state, -1 when the state is
// unbounded.
func (d StateModelDefinition) UpperBound(state string, live, replicas int) int {
	if d.Bound(state) == "" {
		return -1
	}
	return d.StateCounts(live, replicas)[state]
}

// NextState returns the first hop on the shortest legal path from → to.
// Ties resolve by transition priority. ok is false when to is unreachable.
func (d StateModelDefinition) NextState(from, to string) (string, bool) {
	if from == to {
		return to, true
	}
	adj := make(map[string][]string)
	for _, t := range d.Transitions() {
		adj[t.From] = append(adj[t.From], t.To)
	}
	firstHop := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := firstHop[next]; seen {
				continue
			}
			hop := firstHop[cur]
			if hop == "" {
				hop = next
			}
			if next == to {
				return hop, true
			}
			firstHop[next] = hop
			queue = append(queue, next)
		}
	}
	return "", false
}

// Validate checks that the definition is internally consistent.
func (d StateModelDefinition) Validate() error {
	if d.Record == nil {
		return errors.New("statemodel: nil record")
	}
	initial := d.InitialState()
	if initial == "" {
		return fmt.Errorf("statemodel %s: missing %s", d.Name(), FieldInitialState)
	}
	if !d.HasState(initial) {
		return fmt.Errorf("statemodel %s: initial state %s: %w", d.Name(), initial, ErrUnknownState)
	}
	for _, t := range d.Transitions() {
		if !d.HasState(t.From) || !d.HasState(t.To) {
			return fmt.Errorf("statemodel %s: transition %s-%s: %w", d.Name(), t.From, t.To, ErrUnknownState)
		}
	}
	return nil
}

// EventName is the fsm event name of from→to.
func EventName(from, to string) string { return from + "-" + to }

// Machine returns a state machine positioned at current whose events are
// the legal transitions of the definition.
func (d StateModelDefinition) Machine(current string) *fsm.FSM {
	events := make(fsm.Events, 0)
	for _, t := range d.Transitions() {
		events = append(events, fsm.EventDesc{
			Name: EventName(t.From, t.To),
			Src:  []string{t.From},
			Dst:  t.To,
		})
	}
	return fsm.NewFSM(current, events, fsm.Callbacks{})
}

// Step validates from→to against the definition and returns the state the
// machine lands in.
func (d StateModelDefinition) Step(ctx context.Context, from, to string) (string, error) {
	m := d.Machine(from)
	name := EventName(from, to)
	if !m.Can(name) {
		return from, fmt.Errorf("statemodel %s: %s: illegal transition", d.Name(), name)
	}
	if err := m.Event(ctx, name); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return from, err
		}
	}
	return m.Current(), nil
}

// MasterSlaveDefinition returns the built-in MasterSlave model.
func MasterSlaveDefinition() StateModelDefinition {
	return NewStateModelDefinition(MasterSlave, "OFFLINE",
		[]StateSpec{
			{Name: "MASTER", Bound: "1"},
			{Name: "SLAVE", Bound: BoundReplicas},
			{Name: "OFFLINE"},
			{Name: StateDropped},
			{Name: StateError},
		},
		[]string{
			"MASTER-SLAVE",
			"SLAVE-MASTER",
			"OFFLINE-SLAVE",
			"SLAVE-OFFLINE",
			"OFFLINE-DROPPED",
		})
}

// OnlineOfflineDefinition returns the built-in OnlineOffline model.
func OnlineOfflineDefinition() StateModelDefinition {
	return NewStateModelDefinition(OnlineOffline, "OFFLINE",
		[]StateSpec{
			{Name: "ONLINE", Bound: BoundReplicas},
			{Name: "OFFLINE"},
			{Name: StateDropped},
			{Name: StateError},
		},
		[]string{
			"OFFLINE-ONLINE",
			"ONLINE-OFFLINE",
			"OFFLINE-DROPPED",
		})
}

// LeaderStandbyDefinition returns the built-in LeaderStandby model.
func LeaderStandbyDefinition() StateModelDefinition {
	return NewStateModelDefinition(LeaderStandby, "OFFLINE",
		[]StateSpec{
			{Name: "LEADER", Bound: "1"},
			{Name: "STANDBY", Bound: BoundReplicas},
			{Name: "OFFLINE"},
			{Name: StateDropped},
			{Name: StateError},
		},
		[]string{
			"LEADER-STANDBY",
			"STANDBY-LEADER",
			"OFFLINE-STANDBY",
			"STANDBY-OFFLINE",
			"OFFLINE-DROPPED",
		})
}

// BuiltinStateModels returns the definitions installed with every cluster.
func BuiltinStateModels() []StateModelDefinition {
	return []StateModelDefinition{
		MasterSlaveDefinition(),
		OnlineOfflineDefinition(),
		LeaderStandbyDefinition(),
	}
}
