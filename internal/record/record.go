package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope selects which database of the record store a zone lives in.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
)

func (s Scope) Valid() bool {
	return s == ScopePrivate || s == ScopeShared
}

// Kind is the declared type of a record.
type Kind string

// KindShare is the kind every share grant record carries.
const KindShare Kind = "cloudkit.share"

// Zone identifies a partition of the record store as seen by one principal.
// An empty Owner means the principal the store client acts for.
type Zone struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	Scope Scope  `json:"scope"`
}

func (z Zone) String() string {
	owner := z.Owner
	if owner == "" {
		owner = "~"
	}
	return fmt.Sprintf("%s/%s/%s", z.Scope, owner, z.Name)
}

// RecordID identifies a record within its zone.
type RecordID struct {
	Name string `json:"name"`
	Zone Zone   `json:"zone"`
}

// NewRecordID returns a fresh random record id in zone.
func NewRecordID(zone Zone) RecordID {
	return RecordID{Name: uuid.NewString(), Zone: zone}
}

func (id RecordID) String() string {
	return id.Zone.String() + "/" + id.Name
}

func (id RecordID) IsZero() bool {
	return id.Name == ""
}

// ShareRef is the back-reference a root record holds to its share grant.
type ShareRef struct {
	ID RecordID `json:"id"`
}

// ChangeToken marks how far a zone's change feed has been consumed.
// Only stores mint tokens; a nil *ChangeToken means "from the beginning".
type ChangeToken struct {
	value string
}

// NewChangeToken wraps a store specific cursor value.
func NewChangeToken(value string) ChangeToken {
	return ChangeToken{value: value}
}

func (t ChangeToken) String() string {
	return t.value
}

func (t ChangeToken) MarshalText() ([]byte, error) {
	return []byte(t.value), nil
}

func (t *ChangeToken) UnmarshalText(b []byte) error {
	t.value = string(b)
	return nil
}

// Fields is the raw, untyped payload of a record.
type Fields map[string]any

// String returns the field as a string, reporting false when it is absent
// or holds another type.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Record is a raw store record.
type Record struct {
	ID         RecordID  `json:"id"`
	Kind       Kind      `json:"kind"`
	Revision   string    `json:"revision,omitempty"`
	Fields     Fields    `json:"fields,omitempty"`
	Share      *ShareRef `json:"share,omitempty"`
	Root       *RecordID `json:"root,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// New creates an unsaved record of kind in zone.
func New(kind Kind, zone Zone) *Record {
	return &Record{
		ID:     NewRecordID(zone),
		Kind:   kind,
		Fields: Fields{},
	}
}

// Clone returns a deep enough copy that mutating the clone's fields,
// share or root reference does not affect r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(Fields, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	if r.Share != nil {
		share := *r.Share
		c.Share = &share
	}
	if r.Root != nil {
		root := *r.Root
		c.Root = &root
	}
	return &c
}

// ChangePage is one delivery of a zone's change feed.
type ChangePage struct {
	Records    []*Record
	Deleted    []RecordID
	Token      ChangeToken
	MoreComing bool
}
