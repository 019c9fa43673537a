package docsync

import (
	"github.com/golang/glog"

	"github.com/bringyour/docsync/patch"
)

// Session holds what one consumer is known to have (the shadow) and mediates all traffic
// for that consumer. The shadow only moves forward through successfully applied patch sets.
//
// A session is not safe for concurrent use. The owner (synchronizer or server loop)
// serializes calls.
type Session struct {
	id     Id
	shadow patch.Doc
	log    LogFunction
}

func NewSession(id Id) *Session {
	return &Session{
		id:  id,
		log: SubLogFn(2, LogFn(2, TagSession), id.String()),
	}
}

func (self *Session) Id() Id {
	return self.id
}

func (self *Session) Initialized() bool {
	return self.shadow != nil
}

// a copy of the shadow
func (self *Session) Shadow() patch.Doc {
	if self.shadow == nil {
		return nil
	}
	return patch.Snapshot(self.shadow)
}

// Initialize takes the full state as the shadow and returns the state to deliver.
// This is the only full state transfer for the consumer.
func (self *Session) Initialize(full patch.Doc) patch.Doc {
	self.shadow = patch.Snapshot(full)
	self.log("initialize keys=%d", len(self.shadow))
	return patch.Snapshot(full)
}

// ReceiveDelta folds a consumer edit into the shadow and then into `source`,
// and returns the source's remaining delta versus the shadow.
// The returned delta is already applied to the shadow.
// On failure the shadow is not advanced.
func (self *Session) ReceiveDelta(changes patch.PatchSet, source Replica) (patch.PatchSet, error) {
	if err := self.Absorb(changes, source); err != nil {
		return nil, err
	}
	return self.ProduceDelta(source.Get())
}

// Absorb applies a consumer edit to the shadow and to `source` without producing a reply.
func (self *Session) Absorb(changes patch.PatchSet, source Replica) error {
	if changes.IsEmpty() {
		return nil
	}
	nextShadow, err := patch.Apply(changes, patch.Snapshot(self.shadow))
	if err != nil {
		applyErrors.WithLabelValues(directionInbound).Inc()
		glog.Infof("[%s %s]receive shadow error = %s\n", TagSession, self.id, err)
		return err
	}
	if skipped := patch.Skipped(changes); 0 < skipped {
		glog.Infof("[%s %s]receive skipped %d changes of unknown kind\n", TagSession, self.id, skipped)
	}
	if err := source.Patch(changes); err != nil {
		applyErrors.WithLabelValues(directionInbound).Inc()
		glog.Infof("[%s %s]receive source error = %s\n", TagSession, self.id, err)
		return err
	}
	self.shadow = nextShadow
	self.log("receive %s", changes)
	return nil
}

// ProduceDelta advances the shadow to `snapshot` and returns the delta to transmit,
// or nil when the shadow is current.
func (self *Session) ProduceDelta(snapshot patch.Doc) (patch.PatchSet, error) {
	changes := patch.Diff(snapshot, self.shadow)
	if changes.IsEmpty() {
		return nil, nil
	}
	nextShadow, err := patch.Apply(changes, patch.Snapshot(self.shadow))
	if err != nil {
		applyErrors.WithLabelValues(directionOutbound).Inc()
		glog.Infof("[%s %s]produce error = %s\n", TagSession, self.id, err)
		return nil, err
	}
	self.shadow = nextShadow
	self.log("produce %s", changes)
	return changes, nil
}

// Reject records that the consumer holds `changes` although the source refused them.
// The next `ProduceDelta` then carries the source values back to the consumer.
func (self *Session) Reject(changes patch.PatchSet) {
	if self.shadow == nil || changes.IsEmpty() {
		return
	}
	self.shadow = changes.ApplyTo(patch.Snapshot(self.shadow))
	self.log("reject %s", changes)
}

// Rewind undoes a produced delta that the consumer did not accept,
// so that the next `ProduceDelta` sends it again.
func (self *Session) Rewind(shadow patch.Doc) {
	self.shadow = patch.Snapshot(shadow)
	self.log("rewind keys=%d", len(self.shadow))
}

// back to uninitialized, the next initialization sends the full state again
func (self *Session) Reset() {
	self.shadow = nil
}
