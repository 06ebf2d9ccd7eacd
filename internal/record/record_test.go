package record

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sample() *Record {
	r := New("resource0")
	r.SetSimpleField("k", "v")
	r.SetMapField("m", map[string]string{"a": "1"})
	r.SetListField("l", []string{"x"})
	return r
}

func TestMergeFieldRules(t *testing.T) {
	a := New("a")
	a.SetSimpleField("k1", "old")
	a.SetMapField("m", map[string]string{"a": "1", "b": "2"})
	a.SetListField("l", []string{"x"})

	b := New("b")
	b.SetSimpleField("k1", "new")
	b.SetSimpleField("k2", "added")
	b.SetMapField("m", map[string]string{"b": "20", "c": "3"})
	b.SetMapField("only", map[string]string{"z": "26"})
	b.SetListField("l", []string{"y"})
	b.SetListField("fresh", []string{"q"})

	a.Merge(b)

	if diff := cmp.Diff(map[string]string{"k1": "new", "k2": "added"}, a.simple); diff != "" {
		t.Fatalf("simple fields mismatch (-want +got):\n%s", diff)
	}
	wantMaps := map[string]map[string]string{
		"m":    {"a": "1", "b": "20", "c": "3"},
		"only": {"z": "26"},
	}
	if diff := cmp.Diff(wantMaps, a.maps); diff != "" {
		t.Fatalf("map fields mismatch (-want +got):\n%s", diff)
	}
	wantLists := map[string][]string{"l": {"x", "y"}, "fresh": {"q"}}
	if diff := cmp.Diff(wantLists, a.lists); diff != "" {
		t.Fatalf("list fields mismatch (-want +got):\n%s", diff)
	}
	if a.ID() != "a" {
		t.Fatalf("merge must not change id, got %q", a.ID())
	}
}

func TestMergeAdoptedFieldsAreNotShared(t *testing.T) {
	a := New("a")
	b := New("b")
	b.SetMapField("m", map[string]string{"k": "v"})
	b.SetListField("l", []string{"x"})
	a.Merge(b)

	b.SetMapFieldEntry("m", "k", "changed")
	b.lists["l"][0] = "changed"
	if v, _ := a.MapFieldEntry("m", "k"); v != "v" {
		t.Fatalf("adopted map aliased operand: %q", v)
	}
	if l, _ := a.ListField("l"); l[0] != "x" {
		t.Fatalf("adopted list aliased operand: %v", l)
	}
}

func TestMergeSimpleFieldOverride(t *testing.T) {
	a := New("a")
	a.SetSimpleField("k", "v1")
	b := New("b")
	b.SetSimpleField("k", "v2")
	a.Merge(b)
	if got := a.Simple("k"); got != "v2" {
		t.Fatalf("expected v2, got %q", got)
	}
}

func TestMergeNilIsNoop(t *testing.T) {
	a := sample()
	before := a.Copy()
	a.Merge(nil)
	a.Subtract(nil)
	a.Apply(nil)
	if !a.Equal(before) {
		t.Fatalf("nil operand changed record: %v", a)
	}
}

func TestIdentityMergeKeepsSimpleAndMapFields(t *testing.T) {
	a := sample()
	self := a.Copy()
	a.Merge(self)
	if diff := cmp.Diff(self.simple, a.simple); diff != "" {
		t.Fatalf("simple fields changed:\n%s", diff)
	}
	if diff := cmp.Diff(self.maps, a.maps); diff != "" {
		t.Fatalf("map fields changed:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x", "x"}, a.lists["l"]); diff != "" {
		t.Fatalf("list fields should be appended:\n%s", diff)
	}
}

func TestMergeIntoItself(t *testing.T) {
	a := sample()
	a.Merge(a)
	if diff := cmp.Diff([]string{"x", "x"}, a.lists["l"]); diff != "" {
		t.Fatalf("unexpected list after self merge:\n%s", diff)
	}
	if a.Simple("k") != "v" {
		t.Fatalf("unexpected simple field %q", a.Simple("k"))
	}
}

func TestSubtractRemovesWholeKeys(t *testing.T) {
	a := New("a")
	a.SetSimpleField("s1", "keep")
	a.SetSimpleField("s2", "drop")
	a.SetMapField("m1", map[string]string{"a": "1", "b": "2"})
	a.SetMapField("m2", map[string]string{"c": "3"})
	a.SetListField("l1", []string{"x"})

	b := New("b")
	b.SetSimpleField("s2", "different value")
	b.SetMapField("m1", map[string]string{"a": "1"})
	b.SetListField("l1", nil)
	b.SetListField("absent", []string{"y"})

	a.Subtract(b)

	if diff := cmp.Diff(map[string]string{"s1": "keep"}, a.simple); diff != "" {
		t.Fatalf("simple fields mismatch:\n%s", diff)
	}
	if diff := cmp.Diff(map[string]map[string]string{"m2": {"c": "3"}}, a.maps); diff != "" {
		t.Fatalf("map field m1 must be removed whole:\n%s", diff)
	}
	if len(a.lists) != 0 {
		t.Fatalf("expected lists to be empty, got %v", a.lists)
	}
}

// Merging adds entries inside an existing map field, but subtracting the same
// operand removes the whole map field. The operations are not inverses.
func TestSubtractIsNotInverseOfMerge(t *testing.T) {
	a := New("a")
	a.SetMapField("m", map[string]string{"a": "1"})
	b := New("b")
	b.SetMapField("m", map[string]string{"b": "2"})

	a.Merge(b)
	a.Subtract(b)

	if _, ok := a.MapField("m"); ok {
		t.Fatalf("expected map field m to be gone, got %v", a.maps)
	}
}

func TestCopyIsEqualAndIndependent(t *testing.T) {
	a := sample()
	a.SetMeta(Meta{Version: 7, CreatedAt: time.Unix(10, 0), ModifiedAt: time.Unix(20, 0)})

	c := a.Copy()
	if !c.Equal(a) {
		t.Fatalf("copy not equal: %v vs %v", c, a)
	}
	if c.Meta() != a.Meta() || c.ID() != a.ID() {
		t.Fatalf("copy lost id or meta: %+v", c.Meta())
	}
	c.SetMapFieldEntry("m", "a", "changed")
	c.lists["l"][0] = "changed"
	c.SetSimpleField("k", "changed")
	if a.Simple("k") != "v" {
		t.Fatal("simple field shared with copy")
	}
	if v, _ := a.MapFieldEntry("m", "a"); v != "1" {
		t.Fatal("map field shared with copy")
	}
	if a.lists["l"][0] != "x" {
		t.Fatal("list field shared with copy")
	}
}

func TestCopyOverrides(t *testing.T) {
	a := sample()
	a.SetMeta(Meta{Version: 3})
	c := a.Copy(WithID("renamed"), WithVersion(9))
	if c.ID() != "renamed" || c.Version() != 9 {
		t.Fatalf("unexpected overrides: id=%q version=%d", c.ID(), c.Version())
	}
	if !c.Equal(a) {
		t.Fatal("override must not change fields")
	}
}

func TestEqualIgnoresIDAndVersion(t *testing.T) {
	a := sample()
	b := sample().Copy(WithID("other"), WithVersion(42))
	if !a.Equal(b) {
		t.Fatal("records with same fields should be equal")
	}
	b.SetSimpleField("k", "x")
	if a.Equal(b) {
		t.Fatal("records with different fields should differ")
	}
	if a.Equal(nil) {
		t.Fatal("non-nil record must not equal nil")
	}
}

func TestEqualTreatsEmptyListsAsPresent(t *testing.T) {
	a := New("a")
	b := New("b")
	b.SetListField("l", nil)
	if a.Equal(b) {
		t.Fatal("present empty list should differ from missing list")
	}
}

func TestApplyDeltasMatchesSequentialOps(t *testing.T) {
	base := sample()
	add := New("add")
	add.SetSimpleField("k2", "v2")
	add.SetMapField("m", map[string]string{"b": "2"})
	sub := New("sub")
	sub.SetListField("l", nil)

	ignored := New("ignored")
	ignored.SetSimpleField("never", "applied")

	viaUpdate := base.Copy()
	u := NewUpdate(ignored).Add(add).Subtract(sub)
	viaUpdate.Apply(u)

	sequential := base.Copy()
	sequential.Merge(add)
	sequential.Subtract(sub)

	if !viaUpdate.Equal(sequential) {
		t.Fatalf("delta application mismatch:\n got %v\nwant %v", viaUpdate, sequential)
	}
	if _, ok := viaUpdate.SimpleField("never"); ok {
		t.Fatal("record of an update with deltas must not be merged")
	}
}

func TestApplyWithoutDeltasMerges(t *testing.T) {
	base := sample()
	extra := New("extra")
	extra.SetSimpleField("k2", "v2")
	base.Apply(NewUpdate(extra))
	if base.Simple("k2") != "v2" {
		t.Fatalf("expected merge, got %v", base)
	}
}

func TestIntFields(t *testing.T) {
	r := New("r")
	r.SetIntField("n", 4)
	r.SetSimpleField("bad", "four")
	r.SetInt64Field("ts", 1700000000000)
	if got := r.IntField("n", -1); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := r.IntField("bad", -1); got != -1 {
		t.Fatalf("expected default, got %d", got)
	}
	if got := r.IntField("missing", 9); got != 9 {
		t.Fatalf("expected default, got %d", got)
	}
	if got := r.Int64Field("ts", 0); got != 1700000000000 {
		t.Fatalf("unexpected int64 %d", got)
	}
}

func TestBoundedListField(t *testing.T) {
	r := New("r")
	r.SetListField("l", []string{"a", "b", "c"})
	if l, _ := r.BoundedListField("l"); len(l) != 3 {
		t.Fatalf("unbounded list truncated: %v", l)
	}
	r.SetIntField(ListFieldBound, 2)
	if l, _ := r.BoundedListField("l"); !cmp.Equal(l, []string{"a", "b"}) {
		t.Fatalf("unexpected bounded list: %v", l)
	}
}

func TestSortedKeyAccessors(t *testing.T) {
	r := New("r")
	r.SetMapField("p2", nil)
	r.SetMapField("p1", nil)
	r.SetListField("b", nil)
	r.SetListField("a", nil)
	if got := r.MapKeys(); !cmp.Equal(got, []string{"p1", "p2"}) {
		t.Fatalf("unexpected map keys %v", got)
	}
	if got := r.ListKeys(); !cmp.Equal(got, []string{"a", "b"}) {
		t.Fatalf("unexpected list keys %v", got)
	}
	if !strings.HasPrefix(r.String(), "r, ") {
		t.Fatalf("unexpected string form %q", r.String())
	}
}
