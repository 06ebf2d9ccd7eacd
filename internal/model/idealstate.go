// Package model provides typed views over records. Each view embeds the
// record it reads from; the record stays the source of truth.
package model

import (
	"errors"
	"sort"
	"strconv"

	"pkt.systems/clusterd/internal/record"
)

// IdealState simple fields.
const (
	FieldNumPartitions    = "NUM_PARTITIONS"
	FieldReplicas         = "REPLICAS"
	FieldStateModelDefRef = "STATE_MODEL_DEF_REF"
	FieldIdealStateMode   = "IDEAL_STATE_MODE"
)

// RebalanceMode selects how the controller derives the best possible state.
type RebalanceMode string

const (
	// ModeAuto places states along the preference list of each partition.
	ModeAuto RebalanceMode = "AUTO"
	// ModeCustomized uses the IdealState map verbatim, restricted to live
	// participants.
	ModeCustomized RebalanceMode = "CUSTOMIZED"
)

// ReplicasAllLive is the REPLICAS value meaning "every live participant".
const ReplicasAllLive = "N"

// IdealState is the desired placement of one resource.
type IdealState struct {
	*record.Record
}

// NewIdealState returns an empty IdealState for resource.
func NewIdealState(resource string) IdealState {
	return IdealState{Record: record.New(resource)}
}

// Resource returns the resource name.
func (s IdealState) Resource() string { return s.ID() }

// StateModelDefRef names the state model governing the resource.
func (s IdealState) StateModelDefRef() string { return s.Simple(FieldStateModelDefRef) }

// SetStateModelDefRef sets the state model reference.
func (s IdealState) SetStateModelDefRef(name string) { s.SetSimpleField(FieldStateModelDefRef, name) }

// NumPartitions returns the declared partition count, or the number of
// partitions present in the record when undeclared.
func (s IdealState) NumPartitions() int {
	return s.IntField(FieldNumPartitions, len(s.Partitions()))
}

// SetNumPartitions sets the declared partition count.
func (s IdealState) SetNumPartitions(n int) { s.SetIntField(FieldNumPartitions, n) }

// Replicas returns the raw REPLICAS value.
func (s IdealState) Replicas() string { return s.Simple(FieldReplicas) }

// SetReplicas sets REPLICAS.
func (s IdealState) SetReplicas(n int) { s.SetIntField(FieldReplicas, n) }

// ReplicaCount resolves REPLICAS against the number of live participants.
// When unset it falls back to the longest preference list or state map.
func (s IdealState) ReplicaCount(live int) int {
	raw := s.Replicas()
	if raw == ReplicasAllLive {
		return live
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return n
	}
	longest := 0
	for _, p := range s.Partitions() {
		if l := len(s.PreferenceList(p)); l > longest {
			longest = l
		}
		if l := len(s.InstanceStateMap(p)); l > longest {
			longest = l
		}
	}
	return longest
}

// Mode returns the rebalance mode, AUTO when unset.
func (s IdealState) Mode() RebalanceMode {
	if m := RebalanceMode(s.Simple(FieldIdealStateMode)); m == ModeCustomized {
		return m
	}
	return ModeAuto
}

// SetMode sets the rebalance mode.
func (s IdealState) SetMode(m RebalanceMode) { s.SetSimpleField(FieldIdealStateMode, string(m)) }

// Partitions returns the sorted union of partitions named by map and list
// fields.
func (s IdealState) Partitions() []string {
	set := make(map[string]struct{})
	for _, k := range s.MapKeys() {
		set[k] = struct{}{}
	}
	for _, k := range s.ListKeys() {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// InstanceStateMap returns participant → desired state for partition.
func (s IdealState) InstanceStateMap(partition string) map[string]string {
	m, _ := s.MapField(partition)
	return m
}

// SetInstanceStateMap sets the desired states of partition.
func (s IdealState) SetInstanceStateMap(partition string, states map[string]string) {
	s.SetMapField(partition, states)
}

// PreferenceList returns the ordered participant list of partition.
func (s IdealState) PreferenceList(partition string) []string {
	l, _ := s.ListField(partition)
	return l
}

// SetPreferenceList sets the ordered participant list of partition.
func (s IdealState) SetPreferenceList(partition string, instances []string) {
	s.SetListField(partition, instances)
}

// Validate checks the fields the controller depends on.
func (s IdealState) Validate() error {
	if s.Record == nil {
		return errors.New("idealstate: nil record")
	}
	if s.StateModelDefRef() == "" {
		return errors.New("idealstate: " + s.ID() + ": missing " + FieldStateModelDefRef)
	}
	return nil
}
