package folio

import (
	"github.com/openmined/foliosync/internal/record"
)

// FieldShareTitle holds a share grant's human readable title.
const FieldShareTitle = "title"

// ShareGrant makes a folio visible to other principals.
type ShareGrant struct {
	ID     record.RecordID
	Root   record.RecordID
	Title  string
	Record *record.Record
}

// ShareFromRecord decodes a share grant. Only records of kind
// record.KindShare that name their root decode.
func ShareFromRecord(r *record.Record) (*ShareGrant, bool) {
	if r == nil || r.Kind != record.KindShare || r.Root == nil {
		return nil, false
	}
	title, _ := r.Fields.String(FieldShareTitle)
	return &ShareGrant{
		ID:     r.ID,
		Root:   *r.Root,
		Title:  title,
		Record: r,
	}, true
}

// ShareTitle is the display title of the share grant for a folio titled title.
func ShareTitle(title string) string {
	return EntityLabel + ": " + title
}

// NewShareRecord builds an unsaved share grant rooted at root, in root's zone.
// It does not touch root; callers link the two with a ShareRef.
func NewShareRecord(root *record.Record, title string) *record.Record {
	r := record.New(record.KindShare, root.ID.Zone)
	rootID := root.ID
	r.Root = &rootID
	r.Fields[FieldShareTitle] = title
	return r
}
