package docsync

import (
	"encoding/json"
	"errors"

	"github.com/bringyour/docsync/patch"
)

var ErrMissingPatch = errors.New("message has no patch")

// one wire message. The server sends `data` once per connection, then `patch` in both directions.
type Message struct {
	Data     patch.Doc
	HasData  bool
	Patch    patch.PatchSet
	HasPatch bool
}

// a `null` field counts as missing
func DecodeMessage(messageBytes []byte) (*Message, error) {
	var raw struct {
		Data  json.RawMessage `json:"data"`
		Patch json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(messageBytes, &raw); err != nil {
		return nil, err
	}

	message := &Message{}
	if isPresent(raw.Data) {
		if err := json.Unmarshal(raw.Data, &message.Data); err != nil {
			return nil, err
		}
		message.HasData = true
	}
	if isPresent(raw.Patch) {
		if err := json.Unmarshal(raw.Patch, &message.Patch); err != nil {
			return nil, err
		}
		message.HasPatch = true
	}
	return message, nil
}

// DecodePatchMessage reads only the `patch` field. Other fields, malformed or not, are ignored.
// The bool is false when `patch` is missing or null.
func DecodePatchMessage(messageBytes []byte) (patch.PatchSet, bool, error) {
	var raw struct {
		Patch json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(messageBytes, &raw); err != nil {
		return nil, false, err
	}
	if !isPresent(raw.Patch) {
		return nil, false, nil
	}
	var changes patch.PatchSet
	if err := json.Unmarshal(raw.Patch, &changes); err != nil {
		return nil, false, err
	}
	return changes, true, nil
}

func isPresent(raw json.RawMessage) bool {
	return raw != nil && string(raw) != "null"
}

func EncodeDataMessage(doc patch.Doc) ([]byte, error) {
	if doc == nil {
		doc = patch.Doc{}
	}
	return json.Marshal(&struct {
		Data patch.Doc `json:"data"`
	}{
		Data: doc,
	})
}

func EncodePatchMessage(changes patch.PatchSet) ([]byte, error) {
	if changes == nil {
		changes = patch.PatchSet{}
	}
	return json.Marshal(&struct {
		Patch patch.PatchSet `json:"patch"`
	}{
		Patch: changes,
	})
}
