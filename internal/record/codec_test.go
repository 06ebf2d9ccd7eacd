package record

import (
	"errors"
	"strings"
	"testing"
)

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	payload := []byte(`{
		"id": "db0",
		"simpleFields": {"REPLICAS": "2"},
		"mapFields": {"db0_0": {"p1": "MASTER"}, "db0_1": null},
		"listFields": {"db0_0": ["p1", "p2"]},
		"deltaList": [],
		"version": 12
	}`)
	r, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.ID() != "db0" || r.Simple("REPLICAS") != "2" {
		t.Fatalf("unexpected record %v", r)
	}
	if v, _ := r.MapFieldEntry("db0_0", "p1"); v != "MASTER" {
		t.Fatalf("unexpected map entry %q", v)
	}
	if m, ok := r.MapField("db0_1"); !ok || m == nil {
		t.Fatalf("null inner map should decode as empty map, got %v %v", m, ok)
	}
	if r.Version() != 0 {
		t.Fatalf("version must not be decoded from payload, got %d", r.Version())
	}
}

func TestUnmarshalNormalizesMissingMaps(t *testing.T) {
	r, err := Unmarshal([]byte(`{"id":"x"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	r.SetSimpleField("k", "v")
	r.SetMapFieldEntry("m", "a", "b")
	r.SetListField("l", []string{"q"})
	if r.Empty() {
		t.Fatal("expected fields after setters")
	}
}

func TestMarshalOmitsBookkeeping(t *testing.T) {
	r := sample()
	r.SetMeta(Meta{Version: 99})
	data, err := Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"id":"resource0"`, `"simpleFields"`, `"mapFields"`, `"listFields"`} {
		if !strings.Contains(s, want) {
			t.Fatalf("payload %s missing %s", s, want)
		}
	}
	if strings.Contains(s, "99") {
		t.Fatalf("payload leaked version: %s", s)
	}
	back, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(r) {
		t.Fatalf("decoded record differs: %v", back)
	}
}

func TestUnmarshalEmptyPayload(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := Unmarshal([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOversize(t *testing.T) {
	r := New("big")
	r.SetSimpleField("blob", strings.Repeat("x", SizeLimit))
	data, err := Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !Oversize(data) {
		t.Fatalf("expected %d bytes to be oversize", len(data))
	}
	small, _ := Marshal(sample())
	if Oversize(small) {
		t.Fatal("small record flagged oversize")
	}
}

func TestUpdateCodecKeepsDeltaOrder(t *testing.T) {
	add := New("add")
	add.SetSimpleField("a", "1")
	sub := New("sub")
	sub.SetSimpleField("a", "")
	data, err := MarshalUpdate(NewUpdate(nil).Add(add).Subtract(sub))
	if err != nil {
		t.Fatalf("marshal update: %v", err)
	}
	u, err := UnmarshalUpdate(data)
	if err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if len(u.Deltas) != 2 || u.Deltas[0].Op != OpAdd || u.Deltas[1].Op != OpSubtract {
		t.Fatalf("unexpected deltas %+v", u.Deltas)
	}
	target := New("t")
	target.Apply(u)
	if _, ok := target.SimpleField("a"); ok {
		t.Fatalf("expected add then subtract to leave no field, got %v", target)
	}
}

func TestUnmarshalUpdateRejectsUnknownOp(t *testing.T) {
	_, err := UnmarshalUpdate([]byte(`{"deltas":[{"op":"MULTIPLY","record":{"id":"x"}}]}`))
	if err == nil {
		t.Fatal("expected unknown op error")
	}
}
