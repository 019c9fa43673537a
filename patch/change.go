package patch

import (
	"encoding/json"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAdded
	KindUpdated
	KindRemoved
)

func (self Kind) String() string {
	switch self {
	case KindAdded:
		return "new"
	case KindUpdated:
		return "updated"
	case KindRemoved:
		return "deleted"
	default:
		return "unknown"
	}
}

func ParseKind(name string) Kind {
	switch name {
	case "new":
		return KindAdded
	case "updated":
		return KindUpdated
	case "deleted":
		return KindRemoved
	default:
		return KindUnknown
	}
}

func (self Kind) hasValue() bool {
	return self == KindAdded || self == KindUpdated
}

func (self Kind) hasOldValue() bool {
	return self == KindUpdated || self == KindRemoved
}

// one property transition
// `Value` is set for added and updated, `OldValue` for updated and removed
type Change struct {
	Kind     Kind
	Key      string
	Value    any
	OldValue any
}

func Added(key string, value any) Change {
	return Change{
		Kind:  KindAdded,
		Key:   key,
		Value: value,
	}
}

func Updated(key string, value any, oldValue any) Change {
	return Change{
		Kind:     KindUpdated,
		Key:      key,
		Value:    value,
		OldValue: oldValue,
	}
}

func Removed(key string, oldValue any) Change {
	return Change{
		Kind:     KindRemoved,
		Key:      key,
		OldValue: oldValue,
	}
}

func (self Change) String() string {
	switch self.Kind {
	case KindAdded:
		return fmt.Sprintf("+%s=%v", self.Key, self.Value)
	case KindUpdated:
		return fmt.Sprintf("~%s=%v (%v)", self.Key, self.Value, self.OldValue)
	case KindRemoved:
		return fmt.Sprintf("-%s (%v)", self.Key, self.OldValue)
	default:
		return fmt.Sprintf("?%s", self.Key)
	}
}

type changeJson struct {
	Type     string                     `json:"type"`
	Name     string                     `json:"name"`
	Value    json.RawMessage            `json:"value,omitempty"`
	OldValue json.RawMessage            `json:"oldValue,omitempty"`
	Object   map[string]json.RawMessage `json:"object,omitempty"`
}

func (self Change) MarshalJSON() ([]byte, error) {
	type valueChangeJson struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Value    any    `json:"value"`
		OldValue any    `json:"oldValue"`
	}
	type addedChangeJson struct {
		Type  string `json:"type"`
		Name  string `json:"name"`
		Value any    `json:"value"`
	}
	type removedChangeJson struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		OldValue any    `json:"oldValue"`
	}

	switch self.Kind {
	case KindAdded:
		return json.Marshal(&addedChangeJson{
			Type:  self.Kind.String(),
			Name:  self.Key,
			Value: self.Value,
		})
	case KindUpdated:
		return json.Marshal(&valueChangeJson{
			Type:     self.Kind.String(),
			Name:     self.Key,
			Value:    self.Value,
			OldValue: self.OldValue,
		})
	case KindRemoved:
		return json.Marshal(&removedChangeJson{
			Type:     self.Kind.String(),
			Name:     self.Key,
			OldValue: self.OldValue,
		})
	default:
		return nil, fmt.Errorf("cannot encode change of unknown kind for %q", self.Key)
	}
}

// older clients send the changed object plus the key instead of the value.
// When `value` is missing the value is read from `object[name]`.
func (self *Change) UnmarshalJSON(src []byte) error {
	var c changeJson
	if err := json.Unmarshal(src, &c); err != nil {
		return err
	}

	change := Change{
		Kind: ParseKind(c.Type),
		Key:  c.Name,
	}

	if change.Kind.hasValue() {
		raw := c.Value
		if raw == nil && c.Object != nil {
			raw = c.Object[c.Name]
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &change.Value); err != nil {
				return fmt.Errorf("change %q value: %w", c.Name, err)
			}
		}
	}
	if change.Kind.hasOldValue() && c.OldValue != nil {
		if err := json.Unmarshal(c.OldValue, &change.OldValue); err != nil {
			return fmt.Errorf("change %q old value: %w", c.Name, err)
		}
	}

	*self = change
	return nil
}
