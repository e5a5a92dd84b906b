package folio

import (
	"fmt"

	"github.com/openmined/foliosync/internal/record"
)

const (
	// RecordKind is the record type folios are stored as.
	RecordKind record.Kind = "SharedFolio"

	FieldTitle       = "title"
	FieldDescription = "desc"

	// EntityLabel prefixes the display title of a folio's share grant.
	EntityLabel = "Folio"
)

// Folio is the synchronized resource: a titled note backed by a store record.
type Folio struct {
	ID          record.RecordID
	Title       string
	Description string
	Record      *record.Record
}

// FromRecord decodes a folio from a raw record. It reports false for any
// record lacking string title and desc fields; such records are skipped,
// not treated as errors.
func FromRecord(r *record.Record) (*Folio, bool) {
	if r == nil {
		return nil, false
	}
	title, ok := r.Fields.String(FieldTitle)
	if !ok {
		return nil, false
	}
	desc, ok := r.Fields.String(FieldDescription)
	if !ok {
		return nil, false
	}
	return &Folio{
		ID:          r.ID,
		Title:       title,
		Description: desc,
		Record:      r,
	}, true
}

// NewRecord builds an unsaved folio record in zone.
func NewRecord(zone record.Zone, title, desc string) *record.Record {
	r := record.New(RecordKind, zone)
	r.Fields[FieldTitle] = title
	r.Fields[FieldDescription] = desc
	return r
}

// Share returns the back-reference to the folio's share grant, if any.
func (f *Folio) Share() *record.ShareRef {
	if f.Record == nil {
		return nil
	}
	return f.Record.Share
}

func (f *Folio) String() string {
	return fmt.Sprintf("%s (%s)", f.Title, f.ID.Name)
}
