// Package record implements the generic metadata record every piece of
// cluster state is persisted as: an id plus simple, map and list fields.
package record

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/tiendc/go-deepcopy"
)

const (
	// SizeLimit is the soft limit on a serialized record. Larger records are
	// still written but reported as oversize.
	SizeLimit = 1000 * 1024
	// ListFieldBound is the simple field holding an optional bound applied by
	// BoundedListField.
	ListFieldBound = "listField.bound"
)

// Meta is the store-assigned bookkeeping attached to a record. It is never
// part of the serialized payload.
type Meta struct {
	Version    int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Record is the unit of persisted cluster state. The id is fixed at
// construction; the three field maps are mutable.
type Record struct {
	id     string
	simple map[string]string
	maps   map[string]map[string]string
	lists  map[string][]string
	meta   Meta
}

// New returns an empty record with the given id.
func New(id string) *Record {
	return &Record{
		id:     id,
		simple: make(map[string]string),
		maps:   make(map[string]map[string]string),
		lists:  make(map[string][]string),
	}
}

// ID returns the record id.
func (r *Record) ID() string { return r.id }

// Meta returns the store bookkeeping of the record.
func (r *Record) Meta() Meta { return r.meta }

// Version is shorthand for Meta().Version.
func (r *Record) Version() int64 { return r.meta.Version }

// SetMeta replaces the store bookkeeping. Only store-facing code calls it.
func (r *Record) SetMeta(m Meta) { r.meta = m }

// Empty reports whether all three field maps are empty.
func (r *Record) Empty() bool {
	return len(r.simple) == 0 && len(r.maps) == 0 && len(r.lists) == 0
}

// SimpleField returns the value stored under key.
func (r *Record) SimpleField(key string) (string, bool) {
	v, ok := r.simple[key]
	return v, ok
}

// Simple returns the value stored under key or "".
func (r *Record) Simple(key string) string {
	return r.simple[key]
}

// SetSimpleField stores value under key.
func (r *Record) SetSimpleField(key, value string) {
	r.simple[key] = value
}

// RemoveSimpleField deletes key.
func (r *Record) RemoveSimpleField(key string) {
	delete(r.simple, key)
}

// IntField parses the simple field key as an integer, returning def when it is
// missing or malformed.
func (r *Record) IntField(key string, def int) int {
	v, ok := r.simple[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetIntField stores an integer simple field.
func (r *Record) SetIntField(key string, value int) {
	r.simple[key] = strconv.Itoa(value)
}

// Int64Field parses the simple field key as a 64-bit integer.
func (r *Record) Int64Field(key string, def int64) int64 {
	v, ok := r.simple[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetInt64Field stores a 64-bit integer simple field.
func (r *Record) SetInt64Field(key string, value int64) {
	r.simple[key] = strconv.FormatInt(value, 10)
}

// SimpleKeys returns the simple field keys in sorted order.
func (r *Record) SimpleKeys() []string {
	return sortedKeys(r.simple)
}

// MapField returns a copy of the map stored under key.
func (r *Record) MapField(key string) (map[string]string, bool) {
	m, ok := r.maps[key]
	if !ok {
		return nil, false
	}
	return maps.Clone(m), true
}

// MapFieldEntry returns a single entry of the map stored under key.
func (r *Record) MapFieldEntry(key, inner string) (string, bool) {
	m, ok := r.maps[key]
	if !ok {
		return "", false
	}
	v, ok := m[inner]
	return v, ok
}

// SetMapField stores a copy of value under key.
func (r *Record) SetMapField(key string, value map[string]string) {
	cloned := maps.Clone(value)
	if cloned == nil {
		cloned = make(map[string]string)
	}
	r.maps[key] = cloned
}

// SetMapFieldEntry sets a single entry, creating the map when missing.
func (r *Record) SetMapFieldEntry(key, inner, value string) {
	m, ok := r.maps[key]
	if !ok {
		m = make(map[string]string)
		r.maps[key] = m
	}
	m[inner] = value
}

// RemoveMapField deletes key.
func (r *Record) RemoveMapField(key string) {
	delete(r.maps, key)
}

// MapKeys returns the map field keys in sorted order.
func (r *Record) MapKeys() []string {
	return sortedKeys(r.maps)
}

// ListField returns a copy of the list stored under key.
func (r *Record) ListField(key string) ([]string, bool) {
	l, ok := r.lists[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(l), true
}

// BoundedListField returns the list under key truncated to the bound stored
// in the ListFieldBound simple field, if any.
func (r *Record) BoundedListField(key string) ([]string, bool) {
	l, ok := r.ListField(key)
	if !ok {
		return nil, false
	}
	if bound := r.IntField(ListFieldBound, -1); bound >= 0 && bound < len(l) {
		l = l[:bound]
	}
	return l, true
}

// SetListField stores a copy of value under key.
func (r *Record) SetListField(key string, value []string) {
	cloned := slices.Clone(value)
	if cloned == nil {
		cloned = []string{}
	}
	r.lists[key] = cloned
}

// RemoveListField deletes key.
func (r *Record) RemoveListField(key string) {
	delete(r.lists, key)
}

// ListKeys returns the list field keys in sorted order.
func (r *Record) ListKeys() []string {
	return sortedKeys(r.lists)
}

// CopyOption customises Copy.
type CopyOption func(*Record)

// WithID overrides the id of the copy.
func WithID(id string) CopyOption {
	return func(r *Record) { r.id = id }
}

// WithVersion overrides the version of the copy.
func WithVersion(version int64) CopyOption {
	return func(r *Record) { r.meta.Version = version }
}

type payload struct {
	Simple map[string]string
	Maps   map[string]map[string]string
	Lists  map[string][]string
}

// Copy returns an independent deep copy of r. Mutating the copy never affects
// r and vice versa.
func (r *Record) Copy(opts ...CopyOption) *Record {
	out := &Record{id: r.id, meta: r.meta}
	src := payload{Simple: r.simple, Maps: r.maps, Lists: r.lists}
	var dst payload
	if err := deepcopy.Copy(&dst, &src); err != nil {
		dst = clonePayload(src)
	}
	out.simple, out.maps, out.lists = dst.Simple, dst.Maps, dst.Lists
	out.normalize()
	for _, opt := range opts {
		opt(out)
	}
	return out
}

// Equal reports whether r and other carry the same field maps. Id, version,
// timestamps and deltas are ignored.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if !maps.Equal(r.simple, other.simple) {
		return false
	}
	if !maps.EqualFunc(r.maps, other.maps, func(a, b map[string]string) bool {
		return maps.Equal(a, b)
	}) {
		return false
	}
	return maps.EqualFunc(r.lists, other.lists, func(a, b []string) bool {
		return slices.Equal(a, b)
	})
}

func (r *Record) String() string {
	return fmt.Sprintf("%s, %v%v%v", r.id, r.simple, r.maps, r.lists)
}

func (r *Record) normalize() {
	if r.simple == nil {
		r.simple = make(map[string]string)
	}
	if r.maps == nil {
		r.maps = make(map[string]map[string]string)
	}
	if r.lists == nil {
		r.lists = make(map[string][]string)
	}
}

func clonePayload(src payload) payload {
	out := payload{
		Simple: maps.Clone(src.Simple),
		Maps:   make(map[string]map[string]string, len(src.Maps)),
		Lists:  make(map[string][]string, len(src.Lists)),
	}
	for k, v := range src.Maps {
		out.Maps[k] = maps.Clone(v)
	}
	for k, v := range src.Lists {
		out.Lists[k] = slices.Clone(v)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
