package patch

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var ErrApply = errors.New("patch apply failed")

// a keyed object. Values are opaque at one level; nested maps and slices are never walked.
type Doc map[string]any

func (self Doc) Set(key string, value any) error {
	self[key] = value
	return nil
}

func (self Doc) Delete(key string) error {
	delete(self, key)
	return nil
}

// a shallow, independent copy used as a diff baseline.
// Nested values are shared with `doc` and must be treated as immutable.
func Snapshot(doc Doc) Doc {
	snapshot := make(Doc, len(doc))
	for key, value := range doc {
		snapshot[key] = value
	}
	return snapshot
}

// anything a patch set can be folded over
type Target interface {
	Set(key string, value any) error
	Delete(key string) error
}

// ordered changes, added and updated before removed.
// nil is the no-op patch set. `Diff` never returns a non-nil empty patch set.
type PatchSet []Change

func (self PatchSet) IsEmpty() bool {
	return len(self) == 0
}

func (self PatchSet) Keys() []string {
	keys := make([]string, 0, len(self))
	for _, change := range self {
		keys = append(keys, change.Key)
	}
	return keys
}

func (self PatchSet) String() string {
	if self.IsEmpty() {
		return "[]"
	}
	parts := make([]string, 0, len(self))
	for _, change := range self {
		parts = append(parts, change.String())
	}
	return fmt.Sprintf("[%s]", strings.Join(parts, " "))
}

// applies in place and returns `doc`
// a `Doc` target cannot fail
func (self PatchSet) ApplyTo(doc Doc) Doc {
	if doc == nil {
		doc = Doc{}
	}
	Apply(self, doc)
	return doc
}

type ApplyError struct {
	Index  int
	Change Change
	Err    error
}

func (self *ApplyError) Error() string {
	return fmt.Sprintf("%s: change[%d] %s: %s", ErrApply, self.Index, self.Change, self.Err)
}

func (self *ApplyError) Unwrap() []error {
	return []error{ErrApply, self.Err}
}

// Diff computes the changes that take `baseline` to `current`.
// Keys are visited in sorted order within each pass.
func Diff(current Doc, baseline Doc) PatchSet {
	var changes PatchSet

	currentKeys := maps.Keys(current)
	slices.Sort(currentKeys)
	for _, key := range currentKeys {
		value := current[key]
		if oldValue, ok := baseline[key]; ok {
			if !StrictEqual(value, oldValue) {
				changes = append(changes, Updated(key, value, oldValue))
			}
		} else {
			changes = append(changes, Added(key, value))
		}
	}

	baselineKeys := maps.Keys(baseline)
	slices.Sort(baselineKeys)
	for _, key := range baselineKeys {
		if _, ok := current[key]; !ok {
			changes = append(changes, Removed(key, baseline[key]))
		}
	}

	return changes
}

// Apply folds `patchSet` over `target` in order and returns `target`.
// Changes of unknown kind are skipped. The first error from the target stops the fold,
// leaving the changes before it applied.
func Apply[T Target](patchSet PatchSet, target T) (T, error) {
	for i, change := range patchSet {
		var err error
		switch change.Kind {
		case KindAdded, KindUpdated:
			err = target.Set(change.Key, change.Value)
		case KindRemoved:
			err = target.Delete(change.Key)
		default:
			continue
		}
		if err != nil {
			return target, &ApplyError{
				Index:  i,
				Change: change,
				Err:    err,
			}
		}
	}
	return target, nil
}

// Skipped counts the changes `Apply` ignores
func Skipped(patchSet PatchSet) int {
	skipped := 0
	for _, change := range patchSet {
		switch change.Kind {
		case KindAdded, KindUpdated, KindRemoved:
		default:
			skipped += 1
		}
	}
	return skipped
}

// StrictEqual is identity for reference kinds and `==` otherwise.
// Two distinct maps with the same content are not equal.
// A slice is the same slice when base pointer, length and capacity match.
// Slices with zero capacity have no backing array to tell apart, so all empty
// slices of one type are equal.
func StrictEqual(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len() && va.Cap() == vb.Cap()
	}
	if !va.Comparable() {
		// structs or arrays holding reference kinds
		return false
	}
	return a == b
}
