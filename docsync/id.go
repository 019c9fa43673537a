package docsync

import (
	"github.com/oklog/ulid/v2"
)

// connection and session ids.
// ulids order by create time, so ids from one server order by connect time.
type Id ulid.ULID

func NewId() Id {
	return Id(ulid.Make())
}

// the canonical 26 character ulid form
func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalText() ([]byte, error) {
	return ulid.ULID(self).MarshalText()
}

// connection ids are read back by api clients
func (self *Id) UnmarshalText(src []byte) error {
	id, err := ParseId(string(src))
	if err != nil {
		return err
	}
	*self = id
	return nil
}
