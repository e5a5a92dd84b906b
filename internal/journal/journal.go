package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/foliosync/internal/db"
	"github.com/openmined/foliosync/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS zone_tokens (
    zone TEXT PRIMARY KEY,
    token TEXT NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS zone_records (
    zone TEXT NOT NULL,
    name TEXT NOT NULL,
    data BLOB NOT NULL,
    PRIMARY KEY (zone, name)
);

CREATE INDEX IF NOT EXISTS idx_zone_records_zone ON zone_records(zone);
`

type dbRecord struct {
	Zone string `db:"zone"`
	Name string `db:"name"`
	Data []byte `db:"data"`
}

// ZoneJournal persists the last consumed change token of every zone together
// with the records seen so far, so a sync can resume instead of rescanning.
type ZoneJournal struct {
	db     *sqlx.DB
	dbPath string
}

func NewZoneJournal(dbPath string) *ZoneJournal {
	return &ZoneJournal{dbPath: dbPath}
}

// Open opens the underlying database and creates the schema.
func (j *ZoneJournal) Open() error {
	if j.db != nil {
		return fmt.Errorf("zone journal already open")
	}

	conn, err := db.NewSqliteDb(
		db.WithPath(j.dbPath),
		db.WithMaxOpenConns(1),
		db.WithSchema(schema),
	)
	if err != nil {
		return fmt.Errorf("open zone journal: %w", err)
	}

	j.db = conn
	return nil
}

func (j *ZoneJournal) Close() error {
	if j.db == nil {
		return fmt.Errorf("zone journal not open")
	}
	if err := j.db.Close(); err != nil {
		slog.Error("failed to close zone journal", "error", err)
		return err
	}
	j.db = nil
	slog.Debug("zone journal closed")
	return nil
}

// Token returns the last token applied for zone, or nil if none was.
func (j *ZoneJournal) Token(zone record.Zone) (*record.ChangeToken, error) {
	var value string
	err := j.db.Get(&value, "SELECT token FROM zone_tokens WHERE zone = ?", zone.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query token %s: %w", zone, err)
	}
	token := record.NewChangeToken(value)
	return &token, nil
}

// Apply stores upserts, removes deletes and advances the zone's token in one transaction.
func (j *ZoneJournal) Apply(zone record.Zone, upserts []*record.Record, deletes []record.RecordID, token record.ChangeToken) error {
	key := zone.String()

	rows := make([]dbRecord, 0, len(upserts))
	for _, r := range upserts {
		data, err := record.Encode(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", r.ID, err)
		}
		rows = append(rows, dbRecord{Zone: key, Name: r.ID.Name, Data: data})
	}

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if len(rows) > 0 {
		_, err := tx.NamedExec(`INSERT OR REPLACE INTO zone_records (zone, name, data)
			VALUES (:zone, :name, :data)`, rows)
		if err != nil {
			return fmt.Errorf("upsert records %s: %w", zone, err)
		}
	}

	for _, id := range deletes {
		if _, err := tx.Exec("DELETE FROM zone_records WHERE zone = ? AND name = ?", key, id.Name); err != nil {
			return fmt.Errorf("delete record %s: %w", id, err)
		}
	}

	_, err = tx.Exec(`INSERT OR REPLACE INTO zone_tokens (zone, token, updated_at) VALUES (?, ?, ?)`,
		key, token.String(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("set token %s: %w", zone, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	slog.Debug("zone journal apply", "zone", zone, "upserts", len(rows), "deletes", len(deletes), "token", token)
	return nil
}

// Records returns every record currently stored for zone.
func (j *ZoneJournal) Records(zone record.Zone) ([]*record.Record, error) {
	var rows []dbRecord
	err := j.db.Select(&rows, "SELECT zone, name, data FROM zone_records WHERE zone = ? ORDER BY rowid", zone.String())
	if err != nil {
		return nil, fmt.Errorf("query records %s: %w", zone, err)
	}

	out := make([]*record.Record, 0, len(rows))
	for _, row := range rows {
		var r record.Record
		if err := record.Decode(row.Data, &r); err != nil {
			slog.Error("skipping corrupt journal entry", "zone", zone, "name", row.Name, "error", err)
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// Reset forgets zone's token and records.
func (j *ZoneJournal) Reset(zone record.Zone) error {
	key := zone.String()

	tx, err := j.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM zone_records WHERE zone = ?", key); err != nil {
		return fmt.Errorf("reset records %s: %w", zone, err)
	}
	if _, err := tx.Exec("DELETE FROM zone_tokens WHERE zone = ?", key); err != nil {
		return fmt.Errorf("reset token %s: %w", zone, err)
	}
	return tx.Commit()
}
