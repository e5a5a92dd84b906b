package s3store

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/openmined/foliosync/internal/record"
)

const (
	zonesPrefix  = "zones/"
	sharesPrefix = "shares/"
	changesDir   = "changes/"
	zoneMarker   = ".zone"
)

// changeset is one immutable write to a zone. Saves and deletes in the same
// changeset become visible together.
type changeset struct {
	Author  string          `json:"author"`
	At      time.Time       `json:"at"`
	Saved   []*storedRecord `json:"saved,omitempty"`
	Deleted []deletion      `json:"deleted,omitempty"`
}

type deletion struct {
	Name  string `json:"name"`
	Share string `json:"share,omitempty"` // share the record was exposed through
}

// storedRecord is a record without its zone, which is implied by the key.
type storedRecord struct {
	Name       string        `json:"name"`
	Kind       record.Kind   `json:"kind"`
	Revision   string        `json:"revision"`
	Fields     record.Fields `json:"fields,omitempty"`
	Share      string        `json:"share,omitempty"`
	Root       string        `json:"root,omitempty"`
	ModifiedAt time.Time     `json:"modifiedAt"`
}

func toStored(r *record.Record) *storedRecord {
	r = r.Clone()
	s := &storedRecord{
		Name:       r.ID.Name,
		Kind:       r.Kind,
		Revision:   r.Revision,
		Fields:     r.Fields,
		ModifiedAt: r.ModifiedAt,
	}
	if r.Share != nil {
		s.Share = r.Share.ID.Name
	}
	if r.Root != nil {
		s.Root = r.Root.Name
	}
	return s
}

// toRecord rebuilds the record as seen through zone.
func (s *storedRecord) toRecord(zone record.Zone) *record.Record {
	r := &record.Record{
		ID:         record.RecordID{Name: s.Name, Zone: zone},
		Kind:       s.Kind,
		Revision:   s.Revision,
		Fields:     record.Fields{},
		ModifiedAt: s.ModifiedAt,
	}
	for k, v := range s.Fields {
		r.Fields[k] = v
	}
	if s.Share != "" {
		r.Share = &record.ShareRef{ID: record.RecordID{Name: s.Share, Zone: zone}}
	}
	if s.Root != "" {
		r.Root = &record.RecordID{Name: s.Root, Zone: zone}
	}
	return r
}

// exposedBy returns the share a stored record is visible through, if any.
func (s *storedRecord) exposedBy() string {
	if s.Kind == record.KindShare {
		return s.Name
	}
	return s.Share
}

func zoneDir(owner, zone string) string {
	return zonesPrefix + owner + "/" + zone + "/"
}

func zoneMarkerKey(owner, zone string) string {
	return zoneDir(owner, zone) + zoneMarker
}

func changesPrefix(owner, zone string) string {
	return zoneDir(owner, zone) + changesDir
}

// changeKey sorts lexically in commit order: a fixed width nanosecond
// timestamp followed by a random suffix.
func changeKey(owner, zone string, at time.Time, id string) string {
	return fmt.Sprintf("%s%020d-%s.json", changesPrefix(owner, zone), at.UnixNano(), id)
}

func participantPrefix(principal string) string {
	return sharesPrefix + principal + "/"
}

func participantZonePrefix(principal, owner, zone string) string {
	return participantPrefix(principal) + owner + "/" + zone + "/"
}

func participantKey(principal, owner, zone, share string) string {
	return participantZonePrefix(principal, owner, zone) + share
}

// parseParticipantKey splits shares/<principal>/<owner>/<zone>/<share>.
func parseParticipantKey(key string) (owner, zone, share string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(key, sharesPrefix), "/")
	if len(parts) != 4 {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// zoneNameFromPrefix extracts <zone> from zones/<owner>/<zone>/.
func zoneNameFromPrefix(prefix string) string {
	return path.Base(strings.TrimSuffix(prefix, "/"))
}
