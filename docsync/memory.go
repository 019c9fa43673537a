package docsync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bringyour/docsync/patch"
)

var ErrFrozen = errors.New("memory is frozen")

// returns the identity of a managed doc
type IdentifyFunction func(doc patch.Doc) string

// the "id" key when present, otherwise a new id
func DefaultIdentify(doc patch.Doc) string {
	if id, ok := doc["id"]; ok && id != nil {
		return fmt.Sprintf("%v", id)
	}
	return NewId().String()
}

// in-memory data source
type Memory struct {
	id string

	stateLock sync.Mutex
	doc       patch.Doc
	frozen    bool

	changeCallbacks *CallbackList[ChangeFunction]
}

func NewMemory(doc patch.Doc) *Memory {
	return NewMemoryWithIdentity(doc, DefaultIdentify)
}

func NewMemoryWithIdentity(doc patch.Doc, identify IdentifyFunction) *Memory {
	snapshot := patch.Snapshot(doc)
	return &Memory{
		id:              identify(snapshot),
		doc:             snapshot,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *Memory) Id() string {
	return self.id
}

func (self *Memory) Get() patch.Doc {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return patch.Snapshot(self.doc)
}

func (self *Memory) Diff(snapshot patch.Doc) patch.PatchSet {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return patch.Diff(self.doc, snapshot)
}

// on error the changes before the failing change remain applied
func (self *Memory) Patch(changes patch.PatchSet) error {
	if changes.IsEmpty() {
		return nil
	}
	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		_, err := patch.Apply(changes, memoryTarget{self})
		return err
	}()
	if err != nil {
		return err
	}
	self.notify(changes)
	return nil
}

func (self *Memory) Set(doc patch.Doc) error {
	changes, err := func() (patch.PatchSet, error) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.frozen {
			return nil, ErrFrozen
		}
		changes := patch.Diff(doc, self.doc)
		self.doc = patch.Snapshot(doc)
		return changes, nil
	}()
	if err != nil {
		return err
	}
	self.notify(changes)
	return nil
}

// further mutations fail with `ErrFrozen`
func (self *Memory) Freeze() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.frozen = true
}

func (self *Memory) Thaw() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.frozen = false
}

func (self *Memory) Frozen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.frozen
}

func (self *Memory) AddChangeCallback(changeCallback ChangeFunction) int {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Memory) RemoveChangeCallback(id int) {
	self.changeCallbacks.Remove(id)
}

func (self *Memory) notify(changes patch.PatchSet) {
	if changes.IsEmpty() {
		return
	}
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(TagMemory, func() {
			changeCallback(changes)
		})
	}
}

// `stateLock` must be held
type memoryTarget struct {
	memory *Memory
}

func (self memoryTarget) Set(key string, value any) error {
	if self.memory.frozen {
		return ErrFrozen
	}
	self.memory.doc[key] = value
	return nil
}

func (self memoryTarget) Delete(key string) error {
	if self.memory.frozen {
		return ErrFrozen
	}
	delete(self.memory.doc, key)
	return nil
}
