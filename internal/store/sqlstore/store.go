package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/foliosync/internal/db"
	"github.com/openmined/foliosync/internal/record"
)

const DefaultPageSize = 200

var _ record.Store = (*Store)(nil)
var _ record.ParticipantAdder = (*Store)(nil)

// Store is a record store client acting for one principal. Several clients
// may share a database; each sees its own zones as private and zones of
// others that hold a share it participates in as shared.
type Store struct {
	db        *sqlx.DB
	principal string
	pageSize  int
	ownsDB    bool
}

type Option func(*Store)

// WithPageSize caps the number of changes returned per FetchChanges call.
func WithPageSize(n int) Option {
	return func(s *Store) {
		s.pageSize = n
	}
}

// New creates a client for principal on an open database, creating the
// schema if needed.
func New(conn *sqlx.DB, principal string, opts ...Option) (*Store, error) {
	if principal == "" {
		return nil, errors.New("sqlstore: principal is required")
	}

	s := &Store{db: conn, principal: principal, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.pageSize <= 0 {
		return nil, fmt.Errorf("sqlstore: invalid page size %d", s.pageSize)
	}

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("sqlstore: init schema: %w", err)
	}
	return s, nil
}

// Open opens the database at path and returns a client for principal that
// closes the database on Close.
func Open(path, principal string, opts ...Option) (*Store, error) {
	conn, err := db.NewSqliteDb(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: %w", err)
	}

	s, err := New(conn, principal, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// Principal returns the principal this client acts for.
func (s *Store) Principal() string {
	return s.principal
}

// resolve returns the owner of zone as seen by this client.
func (s *Store) resolve(zone record.Zone) (string, error) {
	if zone.Name == "" {
		return "", fmt.Errorf("%w: zone name is required", record.ErrInvalidRequest)
	}

	owner := zone.Owner
	if owner == "" {
		owner = s.principal
	}

	switch zone.Scope {
	case record.ScopePrivate:
		if owner != s.principal {
			return "", fmt.Errorf("%w: %s is not owned by %s", record.ErrAccessDenied, zone, s.principal)
		}
	case record.ScopeShared:
		if owner == s.principal {
			return "", fmt.Errorf("%w: own zone %s is not in the shared scope", record.ErrInvalidRequest, zone)
		}
	default:
		return "", fmt.Errorf("%w: unknown scope %q", record.ErrInvalidRequest, zone.Scope)
	}
	return owner, nil
}

// resolveWritable is resolve restricted to zones this client may write.
func (s *Store) resolveWritable(zone record.Zone) (string, error) {
	owner, err := s.resolve(zone)
	if err != nil {
		return "", err
	}
	if zone.Scope != record.ScopePrivate {
		return "", fmt.Errorf("%w: %s is read only", record.ErrAccessDenied, zone)
	}
	return owner, nil
}

func (s *Store) ListZones(ctx context.Context, scope record.Scope) ([]record.Zone, error) {
	const op = "list zones"

	switch scope {
	case record.ScopePrivate:
		var names []string
		err := s.db.SelectContext(ctx, &names, "SELECT name FROM zones WHERE owner = ? ORDER BY name", s.principal)
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}
		zones := make([]record.Zone, 0, len(names))
		for _, name := range names {
			zones = append(zones, record.Zone{Name: name, Scope: record.ScopePrivate})
		}
		return zones, nil

	case record.ScopeShared:
		var rows []struct {
			Owner string `db:"owner"`
			Zone  string `db:"zone"`
		}
		err := s.db.SelectContext(ctx, &rows, `SELECT DISTINCT owner, zone FROM participants
			WHERE principal = ? AND owner != ? ORDER BY owner, zone`, s.principal, s.principal)
		if err != nil {
			return nil, record.NewStoreError(op, err)
		}
		zones := make([]record.Zone, 0, len(rows))
		for _, row := range rows {
			zones = append(zones, record.Zone{Name: row.Zone, Owner: row.Owner, Scope: record.ScopeShared})
		}
		return zones, nil

	default:
		return nil, record.NewStoreError(op, fmt.Errorf("%w: unknown scope %q", record.ErrInvalidRequest, scope))
	}
}

func (s *Store) SaveZone(ctx context.Context, zone record.Zone) error {
	const op = "save zone"

	owner, err := s.resolveWritable(zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO zones (owner, name, seq, min_seq, epoch, created_at)
		VALUES (?, ?, 0, 0, ?, ?)`, owner, zone.Name, uuid.NewString(), now())
	if err != nil {
		return record.NewStoreError(op, err)
	}
	return nil
}

func (s *Store) FetchChanges(ctx context.Context, zone record.Zone, since *record.ChangeToken) (*record.ChangePage, error) {
	const op = "fetch changes"

	owner, err := s.resolve(zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	var after int64
	var epoch string
	if since != nil {
		if epoch, after, err = parseToken(*since); err != nil {
			return nil, record.NewStoreError(op, err)
		}
	}

	var page *record.ChangePage
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		z, err := getZone(ctx, tx, owner, zone.Name)
		if err != nil {
			return err
		}

		if zone.Scope == record.ScopeShared {
			ok, err := s.participates(ctx, tx, owner, zone.Name, "")
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", record.ErrZoneNotFound, zone)
			}
		}

		if since != nil && epoch != z.Epoch {
			return fmt.Errorf("%w: %s token is from another zone epoch", record.ErrChangeTokenExpired, zone)
		}
		if since != nil && (after < z.MinSeq || after > z.Seq) {
			return fmt.Errorf("%w: %s token %d outside [%d, %d]", record.ErrChangeTokenExpired, zone, after, z.MinSeq, z.Seq)
		}

		query := "SELECT " + recordColumns + " FROM records WHERE owner = ? AND zone = ? AND seq > ?"
		args := []any{owner, zone.Name, after}
		if since == nil {
			query += " AND deleted = 0"
		}
		if zone.Scope == record.ScopeShared {
			visible := "SELECT share_name FROM participants WHERE owner = ? AND zone = ? AND principal = ?"
			query += " AND (name IN (" + visible + ") OR share_name IN (" + visible + "))"
			args = append(args, owner, zone.Name, s.principal, owner, zone.Name, s.principal)
		}
		query += " ORDER BY seq LIMIT ?"
		args = append(args, s.pageSize+1)

		var rows []dbRecord
		if err := tx.SelectContext(ctx, &rows, query, args...); err != nil {
			return err
		}

		page = &record.ChangePage{MoreComing: len(rows) > s.pageSize}
		if page.MoreComing {
			rows = rows[:s.pageSize]
		}

		for _, row := range rows {
			if row.Deleted {
				page.Deleted = append(page.Deleted, record.RecordID{Name: row.Name, Zone: zone})
				continue
			}
			r, err := row.toRecord(zone)
			if err != nil {
				return err
			}
			page.Records = append(page.Records, r)
		}

		page.Token = formatToken(z.Epoch, z.Seq)
		if page.MoreComing {
			page.Token = formatToken(z.Epoch, rows[len(rows)-1].Seq)
		}
		return nil
	})
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}
	return page, nil
}

func (s *Store) SaveRecords(ctx context.Context, records []*record.Record) ([]*record.Record, error) {
	const op = "save records"

	saved := make([]*record.Record, 0, len(records))
	modified := time.Now().UTC()

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range records {
			if r == nil || r.ID.IsZero() {
				return fmt.Errorf("%w: record without id", record.ErrInvalidRequest)
			}
			if r.Kind == "" {
				return fmt.Errorf("%w: record %s has no kind", record.ErrInvalidRequest, r.ID)
			}
			if r.Kind == record.KindShare && (r.Root == nil || r.Root.IsZero()) {
				return fmt.Errorf("%w: share %s has no root", record.ErrInvalidRequest, r.ID)
			}

			owner, err := s.resolveWritable(r.ID.Zone)
			if err != nil {
				return err
			}

			existing, err := getRecord(ctx, tx, owner, r.ID.Zone.Name, r.ID.Name)
			if err != nil {
				return err
			}
			if err := checkRevision(existing, r); err != nil {
				return err
			}

			seq, err := nextSeq(ctx, tx, owner, r.ID.Zone.Name)
			if err != nil {
				return err
			}

			fields, err := record.Encode(r.Fields)
			if err != nil {
				return fmt.Errorf("record %s: %w", r.ID, err)
			}

			row := dbRecord{
				Owner:      owner,
				Zone:       r.ID.Zone.Name,
				Name:       r.ID.Name,
				Kind:       string(r.Kind),
				Revision:   uuid.NewString(),
				Seq:        seq,
				Fields:     fields,
				ModifiedAt: modified.Format(time.RFC3339Nano),
			}
			if r.Share != nil {
				row.ShareName = nullString(r.Share.ID.Name)
			}
			if r.Root != nil {
				row.RootName = nullString(r.Root.Name)
			}

			_, err = tx.NamedExecContext(ctx, `INSERT OR REPLACE INTO records (`+recordColumns+`)
				VALUES (:owner, :zone, :name, :kind, :revision, :seq, :fields, :share_name, :root_name, :deleted, :modified_at)`, row)
			if err != nil {
				return fmt.Errorf("write record %s: %w", r.ID, err)
			}

			out := r.Clone()
			out.Revision = row.Revision
			out.ModifiedAt = modified
			saved = append(saved, out)
		}
		return nil
	})
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	slog.Debug("sqlstore save", "principal", s.principal, "records", len(saved))
	return saved, nil
}

// checkRevision enforces that r was based on the stored revision, if any.
func checkRevision(existing *dbRecord, r *record.Record) error {
	live := existing != nil && !existing.Deleted
	switch {
	case live && existing.Revision != r.Revision:
		return fmt.Errorf("%w: %s is at revision %s, not %q", record.ErrRecordChanged, r.ID, existing.Revision, r.Revision)
	case !live && r.Revision != "":
		return fmt.Errorf("%w: %s no longer exists", record.ErrRecordChanged, r.ID)
	}
	return nil
}

// DeleteRecords tombstones ids. Deleting a record that holds a share also
// deletes the share. Unknown ids are ignored.
func (s *Store) DeleteRecords(ctx context.Context, ids []record.RecordID) error {
	const op = "delete records"

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range ids {
			owner, err := s.resolveWritable(id.Zone)
			if err != nil {
				return err
			}

			existing, err := getRecord(ctx, tx, owner, id.Zone.Name, id.Name)
			if err != nil {
				return err
			}
			if existing == nil || existing.Deleted {
				continue
			}

			if err := s.tombstone(ctx, tx, owner, id.Zone.Name, id.Name); err != nil {
				return err
			}

			if existing.ShareName.Valid {
				share, err := getRecord(ctx, tx, owner, id.Zone.Name, existing.ShareName.String)
				if err != nil {
					return err
				}
				if share != nil && !share.Deleted {
					if err := s.tombstone(ctx, tx, owner, id.Zone.Name, share.Name); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return record.NewStoreError(op, err)
	}
	return nil
}

func (s *Store) tombstone(ctx context.Context, tx *sqlx.Tx, owner, zone, name string) error {
	seq, err := nextSeq(ctx, tx, owner, zone)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE records SET deleted = 1, fields = NULL, revision = ?, seq = ?, modified_at = ?
		WHERE owner = ? AND zone = ? AND name = ?`, uuid.NewString(), seq, now(), owner, zone, name)
	if err != nil {
		return fmt.Errorf("delete record %s/%s: %w", zone, name, err)
	}
	return nil
}

func (s *Store) FetchRecord(ctx context.Context, id record.RecordID) (*record.Record, error) {
	const op = "fetch record"

	owner, err := s.resolve(id.Zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}

	row, err := getRecord(ctx, s.db, owner, id.Zone.Name, id.Name)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}
	if row == nil || row.Deleted {
		return nil, record.NewStoreError(op, fmt.Errorf("%w: %s", record.ErrNotFound, id))
	}

	if id.Zone.Scope == record.ScopeShared {
		shareName := row.ShareName.String
		if record.Kind(row.Kind) == record.KindShare {
			shareName = row.Name
		}
		ok := false
		if shareName != "" {
			if ok, err = s.participates(ctx, s.db, owner, id.Zone.Name, shareName); err != nil {
				return nil, record.NewStoreError(op, err)
			}
		}
		// records outside any share of the caller are reported as missing
		if !ok {
			return nil, record.NewStoreError(op, fmt.Errorf("%w: %s", record.ErrNotFound, id))
		}
	}

	r, err := row.toRecord(id.Zone)
	if err != nil {
		return nil, record.NewStoreError(op, err)
	}
	return r, nil
}

// AddParticipant invites principal to the share shareID. The share and its
// root are re-sequenced so they reach the participant's existing feeds.
func (s *Store) AddParticipant(ctx context.Context, shareID record.RecordID, principal string) error {
	const op = "add participant"

	if principal == "" || principal == s.principal {
		return record.NewStoreError(op, fmt.Errorf("%w: invalid participant %q", record.ErrInvalidRequest, principal))
	}

	owner, err := s.resolveWritable(shareID.Zone)
	if err != nil {
		return record.NewStoreError(op, err)
	}
	zone := shareID.Zone.Name

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		share, err := getRecord(ctx, tx, owner, zone, shareID.Name)
		if err != nil {
			return err
		}
		if share == nil || share.Deleted || record.Kind(share.Kind) != record.KindShare {
			return fmt.Errorf("%w: share %s", record.ErrNotFound, shareID)
		}

		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants (owner, zone, share_name, principal)
			VALUES (?, ?, ?, ?)`, owner, zone, share.Name, principal)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}

		names := []string{share.Name}
		if share.RootName.Valid {
			names = append(names, share.RootName.String)
		}
		for _, name := range names {
			seq, err := nextSeq(ctx, tx, owner, zone)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE records SET seq = ? WHERE owner = ? AND zone = ? AND name = ? AND deleted = 0`,
				seq, owner, zone, name)
			if err != nil {
				return fmt.Errorf("touch %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return record.NewStoreError(op, err)
	}

	slog.Debug("sqlstore participant added", "owner", owner, "zone", zone, "share", shareID.Name, "principal", principal)
	return nil
}

// PurgeTombstones drops zone's tombstones. Change tokens issued before the
// purge fail with ErrChangeTokenExpired afterwards.
func (s *Store) PurgeTombstones(ctx context.Context, zone record.Zone) (int64, error) {
	const op = "purge tombstones"

	owner, err := s.resolveWritable(zone)
	if err != nil {
		return 0, record.NewStoreError(op, err)
	}

	var purged int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		z, err := getZone(ctx, tx, owner, zone.Name)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM records WHERE owner = ? AND zone = ? AND deleted = 1", owner, zone.Name)
		if err != nil {
			return err
		}
		if purged, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE zones SET min_seq = ? WHERE owner = ? AND name = ?", z.Seq, owner, zone.Name)
		return err
	})
	if err != nil {
		return 0, record.NewStoreError(op, err)
	}
	return purged, nil
}

func (s *Store) participates(ctx context.Context, q sqlx.QueryerContext, owner, zone, shareName string) (bool, error) {
	query := "SELECT COUNT(*) FROM participants WHERE owner = ? AND zone = ? AND principal = ?"
	args := []any{owner, zone, s.principal}
	if shareName != "" {
		query += " AND share_name = ?"
		args = append(args, shareName)
	}

	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, fmt.Errorf("query participants: %w", err)
	}
	return n > 0, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func getZone(ctx context.Context, q sqlx.QueryerContext, owner, name string) (*dbZone, error) {
	var z dbZone
	err := sqlx.GetContext(ctx, q, &z, "SELECT owner, name, seq, min_seq, epoch FROM zones WHERE owner = ? AND name = ?", owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", record.ErrZoneNotFound, owner, name)
	}
	if err != nil {
		return nil, fmt.Errorf("query zone %s/%s: %w", owner, name, err)
	}
	return &z, nil
}

func getRecord(ctx context.Context, q sqlx.QueryerContext, owner, zone, name string) (*dbRecord, error) {
	var row dbRecord
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+recordColumns+" FROM records WHERE owner = ? AND zone = ? AND name = ?",
		owner, zone, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record %s/%s: %w", zone, name, err)
	}
	return &row, nil
}

// nextSeq advances and returns the zone's change sequence.
func nextSeq(ctx context.Context, tx *sqlx.Tx, owner, zone string) (int64, error) {
	res, err := tx.ExecContext(ctx, "UPDATE zones SET seq = seq + 1 WHERE owner = ? AND name = ?", owner, zone)
	if err != nil {
		return 0, fmt.Errorf("advance sequence %s/%s: %w", owner, zone, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		return 0, fmt.Errorf("%w: %s/%s", record.ErrZoneNotFound, owner, zone)
	}

	var seq int64
	if err := tx.GetContext(ctx, &seq, "SELECT seq FROM zones WHERE owner = ? AND name = ?", owner, zone); err != nil {
		return 0, fmt.Errorf("read sequence %s/%s: %w", owner, zone, err)
	}
	return seq, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
