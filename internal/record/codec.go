package record

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrEmptyPayload is returned when decoding zero bytes.
var ErrEmptyPayload = errors.New("record: empty payload")

type wireRecord struct {
	ID           string                       `json:"id"`
	SimpleFields map[string]string            `json:"simpleFields"`
	MapFields    map[string]map[string]string `json:"mapFields"`
	ListFields   map[string][]string          `json:"listFields"`
}

// MarshalJSON renders the record as {id, simpleFields, mapFields, listFields}.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		ID:           r.id,
		SimpleFields: r.simple,
		MapFields:    r.maps,
		ListFields:   r.lists,
	})
}

// UnmarshalJSON decodes the wire shape. Unknown fields are ignored and the
// store bookkeeping is left untouched.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.id = w.ID
	r.simple = w.SimpleFields
	r.maps = w.MapFields
	r.lists = w.ListFields
	for k, v := range r.maps {
		if v == nil {
			r.maps[k] = make(map[string]string)
		}
	}
	r.normalize()
	return nil
}

// Marshal serializes r.
func Marshal(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("record: nil record")
	}
	return json.Marshal(r)
}

// Unmarshal decodes a record payload.
func Unmarshal(data []byte) (*Record, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("record: decode: %w", err)
	}
	return r, nil
}

// Oversize reports whether an encoded payload exceeds SizeLimit.
func Oversize(data []byte) bool {
	return len(data) > SizeLimit
}

// MarshalUpdate serializes an update with its delta list.
func MarshalUpdate(u *Update) ([]byte, error) {
	if u == nil {
		return nil, errors.New("record: nil update")
	}
	return json.Marshal(u)
}

// UnmarshalUpdate decodes an update payload.
func UnmarshalUpdate(data []byte) (*Update, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("record: decode update: %w", err)
	}
	for i, d := range u.Deltas {
		if d.Op != OpAdd && d.Op != OpSubtract {
			return nil, fmt.Errorf("record: delta %d: unknown op %q", i, d.Op)
		}
	}
	return &u, nil
}
