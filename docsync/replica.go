package docsync

import (
	"github.com/bringyour/docsync/patch"
)

// the capability surface shared by sources and consumers.
// Any transport (socket, memory, view) that exposes these can take part in synchronization,
// and a source and a consumer can be swapped.
type Replica interface {
	// current state. The returned doc must not be mutated by the caller.
	Get() patch.Doc
	Patch(changes patch.PatchSet) error
	// changes from `snapshot` to the current state
	Diff(snapshot patch.Doc) patch.PatchSet
}

// consumers that accept a full state push on initialization
type FullStateReceiver interface {
	Set(doc patch.Doc) error
}

// returns `x` when it already is a replica, otherwise wraps a doc in a `Memory`
func AsReplica(x any) Replica {
	switch v := x.(type) {
	case Replica:
		return v
	case patch.Doc:
		return NewMemory(v)
	case map[string]any:
		return NewMemory(patch.Doc(v))
	default:
		return NewMemory(patch.Doc{})
	}
}

// initial state delivery. Receivers get the full state, others are patched up to it.
func deliverFullState(consumer Replica, full patch.Doc) error {
	if receiver, ok := consumer.(FullStateReceiver); ok {
		return receiver.Set(full)
	}
	changes := patch.Diff(full, consumer.Get())
	if changes.IsEmpty() {
		return nil
	}
	return consumer.Patch(changes)
}
