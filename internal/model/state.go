package model

import (
	"pkt.systems/clusterd/internal/record"
)

// CurrentState fields.
const (
	FieldSessionID     = "SESSION_ID"
	FieldStateModelDef = "STATE_MODEL_DEF"
	FieldCurrentState  = "CURRENT_STATE"
	FieldInfo          = "INFO"
)

// CurrentState is what one participant reports for one resource.
type CurrentState struct {
	*record.Record
}

// NewCurrentState returns an empty CurrentState for resource owned by
// session.
func NewCurrentState(resource, session, stateModel string) CurrentState {
	cs := CurrentState{Record: record.New(resource)}
	cs.SetSessionID(session)
	cs.SetStateModelDef(stateModel)
	return cs
}

// Resource returns the resource name.
func (c CurrentState) Resource() string { return c.ID() }

// SessionID returns the session that wrote the record.
func (c CurrentState) SessionID() string { return c.Simple(FieldSessionID) }

// SetSessionID sets the owning session.
func (c CurrentState) SetSessionID(id string) { c.SetSimpleField(FieldSessionID, id) }

// StateModelDef returns the state model of the resource.
func (c CurrentState) StateModelDef() string { return c.Simple(FieldStateModelDef) }

// SetStateModelDef sets the state model name.
func (c CurrentState) SetStateModelDef(name string) { c.SetSimpleField(FieldStateModelDef, name) }

// State returns the recorded state of partition.
func (c CurrentState) State(partition string) (string, bool) {
	return c.MapFieldEntry(partition, FieldCurrentState)
}

// SetState records the state of partition.
func (c CurrentState) SetState(partition, state string) {
	c.SetMapFieldEntry(partition, FieldCurrentState, state)
}

// Info returns the free-form note attached to partition.
func (c CurrentState) Info(partition string) string {
	v, _ := c.MapFieldEntry(partition, FieldInfo)
	return v
}

// SetInfo attaches a note to partition.
func (c CurrentState) SetInfo(partition, info string) {
	c.SetMapFieldEntry(partition, FieldInfo, info)
}

// ClearInfo removes the note of partition.
func (c CurrentState) ClearInfo(partition string) {
	m, ok := c.MapField(partition)
	if !ok {
		return
	}
	if _, ok := m[FieldInfo]; !ok {
		return
	}
	delete(m, FieldInfo)
	c.SetMapField(partition, m)
}

// RemovePartition drops partition from the record.
func (c CurrentState) RemovePartition(partition string) { c.RemoveMapField(partition) }

// PartitionStates returns partition → state for every recorded partition.
func (c CurrentState) PartitionStates() map[string]string {
	out := make(map[string]string)
	for _, p := range c.MapKeys() {
		if s, ok := c.State(p); ok {
			out[p] = s
		}
	}
	return out
}

// ExternalView is the aggregated observed placement of one resource.
type ExternalView struct {
	*record.Record
}

// NewExternalView returns an empty ExternalView for resource.
func NewExternalView(resource string) ExternalView {
	return ExternalView{Record: record.New(resource)}
}

// Resource returns the resource name.
func (v ExternalView) Resource() string { return v.ID() }

// Partitions returns the partitions with at least one entry.
func (v ExternalView) Partitions() []string { return v.MapKeys() }

// StateMap returns participant → state for partition.
func (v ExternalView) StateMap(partition string) map[string]string {
	m, _ := v.MapField(partition)
	return m
}

// SetStateMap sets participant → state for partition.
func (v ExternalView) SetStateMap(partition string, states map[string]string) {
	v.SetMapField(partition, states)
}

// ErrorAnnotation records unresolved problems of one resource, keyed by
// partition then participant.
type ErrorAnnotation struct {
	*record.Record
}

// NewErrorAnnotation returns an empty annotation for resource.
func NewErrorAnnotation(resource string) ErrorAnnotation {
	return ErrorAnnotation{Record: record.New(resource)}
}

// Add records reason for partition on instance.
func (a ErrorAnnotation) Add(partition, instance, reason string) {
	a.SetMapFieldEntry(partition, instance, reason)
}

// Reason returns the recorded reason for partition on instance.
func (a ErrorAnnotation) Reason(partition, instance string) (string, bool) {
	return a.MapFieldEntry(partition, instance)
}

// Clear removes the reason for partition on instance.
func (a ErrorAnnotation) Clear(partition, instance string) {
	m, ok := a.MapField(partition)
	if !ok {
		return
	}
	delete(m, instance)
	if len(m) == 0 {
		a.RemoveMapField(partition)
		return
	}
	a.SetMapField(partition, m)
}
