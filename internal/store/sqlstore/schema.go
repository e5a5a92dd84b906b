package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openmined/foliosync/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS zones (
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    min_seq INTEGER NOT NULL DEFAULT 0, -- tokens below this were purged
    epoch TEXT NOT NULL, -- stamped into every token of the zone
    created_at TEXT NOT NULL,
    PRIMARY KEY (owner, name)
);

CREATE TABLE IF NOT EXISTS records (
    owner TEXT NOT NULL,
    zone TEXT NOT NULL,
    name TEXT NOT NULL,
    kind TEXT NOT NULL,
    revision TEXT NOT NULL,
    seq INTEGER NOT NULL,
    fields BLOB,
    share_name TEXT,
    root_name TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    modified_at TEXT NOT NULL, -- RFC3339Nano
    PRIMARY KEY (owner, zone, name),
    FOREIGN KEY (owner, zone) REFERENCES zones(owner, name)
);

CREATE INDEX IF NOT EXISTS idx_records_seq ON records(owner, zone, seq);
CREATE INDEX IF NOT EXISTS idx_records_share ON records(owner, zone, share_name);

CREATE TABLE IF NOT EXISTS participants (
    owner TEXT NOT NULL,
    zone TEXT NOT NULL,
    share_name TEXT NOT NULL,
    principal TEXT NOT NULL,
    PRIMARY KEY (owner, zone, share_name, principal)
);

CREATE INDEX IF NOT EXISTS idx_participants_principal ON participants(principal);
`

const recordColumns = "owner, zone, name, kind, revision, seq, fields, share_name, root_name, deleted, modified_at"

type dbZone struct {
	Owner  string `db:"owner"`
	Name   string `db:"name"`
	Seq    int64  `db:"seq"`
	MinSeq int64  `db:"min_seq"`
	Epoch  string `db:"epoch"`
}

type dbRecord struct {
	Owner      string         `db:"owner"`
	Zone       string         `db:"zone"`
	Name       string         `db:"name"`
	Kind       string         `db:"kind"`
	Revision   string         `db:"revision"`
	Seq        int64          `db:"seq"`
	Fields     []byte         `db:"fields"`
	ShareName  sql.NullString `db:"share_name"`
	RootName   sql.NullString `db:"root_name"`
	Deleted    bool           `db:"deleted"`
	ModifiedAt string         `db:"modified_at"`
}

// nullString wraps a present reference name as a non-NULL column value.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

// toRecord rebuilds a record as seen through zone.
func (row *dbRecord) toRecord(zone record.Zone) (*record.Record, error) {
	r := &record.Record{
		ID:       record.RecordID{Name: row.Name, Zone: zone},
		Kind:     record.Kind(row.Kind),
		Revision: row.Revision,
		Fields:   record.Fields{},
	}

	if len(row.Fields) > 0 {
		if err := record.Decode(row.Fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("record %s: %w", row.Name, err)
		}
	}
	if row.ShareName.Valid {
		r.Share = &record.ShareRef{ID: record.RecordID{Name: row.ShareName.String, Zone: zone}}
	}
	if row.RootName.Valid {
		r.Root = &record.RecordID{Name: row.RootName.String, Zone: zone}
	}

	modTime, err := time.Parse(time.RFC3339Nano, row.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("record %s: parse modified_at %q: %w", row.Name, row.ModifiedAt, err)
	}
	r.ModifiedAt = modTime
	return r, nil
}

// Tokens read "<epoch>.<seq>". The epoch is minted with the zone, so a token
// from another database or a recreated zone never matches.
func formatToken(epoch string, seq int64) record.ChangeToken {
	return record.NewChangeToken(epoch + "." + strconv.FormatInt(seq, 10))
}

func parseToken(token record.ChangeToken) (string, int64, error) {
	epoch, rawSeq, ok := strings.Cut(token.String(), ".")
	if !ok || epoch == "" {
		return "", 0, fmt.Errorf("%w: malformed change token %q", record.ErrInvalidRequest, token.String())
	}
	seq, err := strconv.ParseInt(rawSeq, 10, 64)
	if err != nil || seq < 0 {
		return "", 0, fmt.Errorf("%w: malformed change token %q", record.ErrInvalidRequest, token.String())
	}
	return epoch, seq, nil
}
