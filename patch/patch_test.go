package patch

import (
	"encoding/json"
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDiffAddedRemoved(t *testing.T) {
	changes := Diff(Doc{"a": 1, "b": 2}, Doc{"a": 1})
	assert.Equal(t, PatchSet{Added("b", 2)}, changes)

	changes = Diff(Doc{"a": 1}, Doc{"a": 1, "b": 2})
	assert.Equal(t, PatchSet{Removed("b", 2)}, changes)
}

func TestDiffOrder(t *testing.T) {
	current := Doc{"c": 3, "a": 10, "z": 0}
	baseline := Doc{"a": 1, "b": 2, "y": 9}

	changes := Diff(current, baseline)
	assert.Equal(t, PatchSet{
		Updated("a", 10, 1),
		Added("c", 3),
		Added("z", 0),
		Removed("b", 2),
		Removed("y", 9),
	}, changes)
}

func TestDiffNoChange(t *testing.T) {
	a := Doc{"a": 1, "b": "x", "c": nil}
	assert.Equal(t, PatchSet(nil), Diff(a, a))
	assert.Equal(t, PatchSet(nil), Diff(a, Snapshot(a)))
	assert.Equal(t, PatchSet(nil), Diff(Doc{}, nil))
	assert.Equal(t, true, Diff(a, a).IsEmpty())
}

func TestDiffStrictEquality(t *testing.T) {
	nested := map[string]any{"x": 1}
	list := []any{1, 2}

	// same references are unchanged
	assert.Equal(t, PatchSet(nil), Diff(Doc{"n": nested, "l": list}, Doc{"n": nested, "l": list}))

	// structurally equal but distinct values are always updated
	changes := Diff(Doc{"n": map[string]any{"x": 1}}, Doc{"n": nested})
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, KindUpdated, changes[0].Kind)

	changes = Diff(Doc{"l": list[:1]}, Doc{"l": list})
	assert.Equal(t, 1, len(changes))

	assert.Equal(t, false, StrictEqual(1, 1.0))
	assert.Equal(t, true, StrictEqual(nil, nil))
	assert.Equal(t, false, StrictEqual(nil, 0))
	assert.Equal(t, true, StrictEqual("a", "a"))

	// same backing array, different windows
	assert.Equal(t, true, StrictEqual(list, list))
	assert.Equal(t, false, StrictEqual(list[:1], list[:1:1]))
	// empty slices cannot be told apart
	assert.Equal(t, true, StrictEqual([]any{}, []any{}))
}

func TestApply(t *testing.T) {
	doc := Doc{"a": 1, "b": 2}
	out, err := Apply(PatchSet{
		Updated("a", 3, 1),
		Added("c", 4),
		Removed("b", 2),
	}, doc)
	assert.Equal(t, err, nil)
	assert.Equal(t, Doc{"a": 3, "c": 4}, doc)
	// in place
	out["d"] = 5
	assert.Equal(t, 5, doc["d"])
}

func TestApplyNoop(t *testing.T) {
	doc := Doc{"a": 1}
	out, err := Apply(nil, doc)
	assert.Equal(t, err, nil)
	out["b"] = 2
	assert.Equal(t, 2, doc["b"])

	assert.Equal(t, Doc{}, PatchSet(nil).ApplyTo(nil))
}

func TestApplySkipsUnknown(t *testing.T) {
	changes := PatchSet{
		{Kind: KindUnknown, Key: "x", Value: 1},
		Added("a", 1),
	}
	doc, err := Apply(changes, Doc{})
	assert.Equal(t, err, nil)
	assert.Equal(t, Doc{"a": 1}, doc)
	assert.Equal(t, 1, Skipped(changes))
}

type frozenDoc struct {
	Doc
}

var errFrozen = errors.New("frozen")

func (self frozenDoc) Set(key string, value any) error {
	if key == "locked" {
		return errFrozen
	}
	return self.Doc.Set(key, value)
}

func TestApplyTargetError(t *testing.T) {
	target := frozenDoc{Doc: Doc{}}
	_, err := Apply(PatchSet{
		Added("a", 1),
		Added("locked", 2),
		Added("z", 3),
	}, target)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, errors.Is(err, ErrApply))
	assert.Equal(t, true, errors.Is(err, errFrozen))

	var applyErr *ApplyError
	assert.Equal(t, true, errors.As(err, &applyErr))
	assert.Equal(t, 1, applyErr.Index)
	assert.Equal(t, "locked", applyErr.Change.Key)

	// changes before the failure stay applied
	assert.Equal(t, Doc{"a": 1}, target.Doc)
}

func TestDiffApplyRoundTrip(t *testing.T) {
	values := []any{0, 1, 2, "a", "b", true, nil}
	keys := []string{"a", "b", "c", "d", "e", "f"}

	randomDoc := func() Doc {
		doc := Doc{}
		for _, key := range keys {
			if mathrand.Intn(3) != 0 {
				doc[key] = values[mathrand.Intn(len(values))]
			}
		}
		return doc
	}

	for i := 0; i < 1024; i += 1 {
		a := randomDoc()
		b := randomDoc()

		changes := Diff(a, b)
		out := changes.ApplyTo(Snapshot(b))
		assert.Equal(t, a, out)
		assert.Equal(t, PatchSet(nil), Diff(a, out))

		// applying the same patch again to the converged copy is a no-op
		out = changes.ApplyTo(out)
		assert.Equal(t, PatchSet(nil), Diff(a, out))
	}
}

func TestSnapshotIndependent(t *testing.T) {
	doc := Doc{"a": 1}
	snapshot := Snapshot(doc)
	doc["a"] = 2
	doc["b"] = 3
	assert.Equal(t, Doc{"a": 1}, snapshot)
	assert.Equal(t, Doc{}, Snapshot(nil))
}

func TestChangeJson(t *testing.T) {
	changes := PatchSet{
		Added("b", 2.0),
		Updated("a", "x", 1.0),
		Removed("c", nil),
	}
	changesJson, err := json.Marshal(changes)
	assert.Equal(t, err, nil)
	assert.Equal(
		t,
		`[{"type":"new","name":"b","value":2},{"type":"updated","name":"a","value":"x","oldValue":1},{"type":"deleted","name":"c","oldValue":null}]`,
		string(changesJson),
	)

	var decoded PatchSet
	err = json.Unmarshal(changesJson, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, changes, decoded)
}

func TestChangeJsonObjectField(t *testing.T) {
	var decoded PatchSet
	err := json.Unmarshal([]byte(`[{"type":"updated","name":"a","object":{"a":2,"b":7}},{"type":"renamed","name":"q"}]`), &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(decoded))
	assert.Equal(t, KindUpdated, decoded[0].Kind)
	assert.Equal(t, 2.0, decoded[0].Value)
	assert.Equal(t, nil, decoded[0].OldValue)
	assert.Equal(t, KindUnknown, decoded[1].Kind)

	_, err = json.Marshal(decoded)
	assert.NotEqual(t, err, nil)
}

func TestPatchSetKeys(t *testing.T) {
	changes := Diff(Doc{"b": 1, "c": 2}, Doc{"a": 0, "b": 0})
	assert.Equal(t, []string{"b", "c", "a"}, changes.Keys())
	assert.Equal(t, []string{}, PatchSet(nil).Keys())
	assert.Equal(t, "[]", PatchSet(nil).String())
	assert.Equal(t, KindRemoved, ParseKind("deleted"))
	assert.Equal(t, KindUnknown, ParseKind("moved"))
}
