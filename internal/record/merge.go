package record

import (
	"maps"
	"slices"
)

// Op names a delta operation.
type Op string

const (
	// OpAdd merges the delta record into the target.
	OpAdd Op = "ADD"
	// OpSubtract removes the delta record's keys from the target.
	OpSubtract Op = "SUBTRACT"
)

// Delta is one step of an Update.
type Delta struct {
	Op     Op      `json:"op"`
	Record *Record `json:"record"`
}

// Update is the transport form of a record change. When Deltas is non-empty
// the deltas are applied in order and Record is ignored; otherwise Record is
// merged. Updates are never persisted as part of a record.
type Update struct {
	Record *Record `json:"record,omitempty"`
	Deltas []Delta `json:"deltas,omitempty"`
}

// NewUpdate returns an update that merges rec.
func NewUpdate(rec *Record) *Update {
	return &Update{Record: rec}
}

// Add appends an ADD delta.
func (u *Update) Add(rec *Record) *Update {
	u.Deltas = append(u.Deltas, Delta{Op: OpAdd, Record: rec})
	return u
}

// Subtract appends a SUBTRACT delta.
func (u *Update) Subtract(rec *Record) *Update {
	u.Deltas = append(u.Deltas, Delta{Op: OpSubtract, Record: rec})
	return u
}

// Merge folds other into r:
//   - simple fields of other overwrite or extend r
//   - map fields present in both merge entry by entry with other winning
//   - list fields present in both are appended
//   - fields only in other are copied over
//
// Merge is not symmetric and mutates r. A nil other is a no-op.
func (r *Record) Merge(other *Record) {
	if other == nil {
		return
	}
	for k, v := range other.simple {
		r.simple[k] = v
	}
	for k, v := range other.maps {
		if existing, ok := r.maps[k]; ok {
			maps.Copy(existing, v)
			continue
		}
		cloned := maps.Clone(v)
		if cloned == nil {
			cloned = make(map[string]string)
		}
		r.maps[k] = cloned
	}
	for k, v := range other.lists {
		if existing, ok := r.lists[k]; ok {
			r.lists[k] = append(slices.Clip(existing), v...)
			continue
		}
		cloned := slices.Clone(v)
		if cloned == nil {
			cloned = []string{}
		}
		r.lists[k] = cloned
	}
}

// Subtract removes from r every key present in the matching field map of
// other, regardless of the values stored under it.
func (r *Record) Subtract(other *Record) {
	if other == nil {
		return
	}
	for k := range other.simple {
		delete(r.simple, k)
	}
	for k := range other.maps {
		delete(r.maps, k)
	}
	for k := range other.lists {
		delete(r.lists, k)
	}
}

// Apply folds u into r. See Update for the delta rule.
func (r *Record) Apply(u *Update) {
	if u == nil {
		return
	}
	if len(u.Deltas) > 0 {
		for _, d := range u.Deltas {
			switch d.Op {
			case OpAdd:
				r.Merge(d.Record)
			case OpSubtract:
				r.Subtract(d.Record)
			}
		}
		return
	}
	r.Merge(u.Record)
}
