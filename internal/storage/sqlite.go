package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lvbu1984/spotd/internal/lifecycle"
)

// SQLiteStore persists the tables in a single SQLite file.
//
// Write transactions start with BEGIN IMMEDIATE so two processes sharing the
// file are serialized by SQLite itself; SQLITE_BUSY surfaces as ErrTransient.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; readers wait for the connection rather than racing on locks
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS resources (
	resource_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	max_duration_ns INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
	lease_id TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL REFERENCES resources(resource_id),
	holder TEXT NOT NULL,
	start_at TEXT NOT NULL,
	end_at TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS leases_one_active ON leases(resource_id) WHERE active = 1;
CREATE INDEX IF NOT EXISTS leases_active_holder ON leases(holder) WHERE active = 1;

CREATE TABLE IF NOT EXISTS waitlist (
	resource_id TEXT NOT NULL REFERENCES resources(resource_id),
	client_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	enqueued_at TEXT NOT NULL,
	PRIMARY KEY (resource_id, client_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS waitlist_one_per_client ON waitlist(client_id);
`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// fixed width so that text comparison orders like time comparison
const isoLayout = "2006-01-02T15:04:05.000000000Z07:00"

func iso(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

func parseISO(v string) (time.Time, error) {
	return time.Parse(isoLayout, v)
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, readOnly bool, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("sqlite begin", err)
	}

	tx := &sqliteTx{ctx: ctx, tx: sqlTx, readOnly: readOnly}
	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			panic(r)
		}
		if err != nil || readOnly {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err = sqlTx.Commit(); err != nil {
		return classify("sqlite commit", err)
	}
	return nil
}

func (s *SQLiteStore) SeedResources(ctx context.Context, resources []lifecycle.Resource) error {
	return s.Update(ctx, func(tx Tx) error {
		stx := tx.(*sqliteTx)
		for _, r := range resources {
			createdAt := r.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now()
			}
			_, err := stx.tx.ExecContext(ctx, `
INSERT INTO resources(resource_id, name, description, max_duration_ns, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(resource_id) DO UPDATE SET
	name = excluded.name,
	description = excluded.description,
	max_duration_ns = excluded.max_duration_ns
`,
				r.ID,
				r.Name,
				r.Description,
				int64(r.MaxDuration),
				iso(createdAt),
			)
			if err != nil {
				return classify("seed resource "+r.ID, err)
			}
		}
		return nil
	})
}

// classify maps driver errors onto the package's error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return Transient(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =========================
// Resources
// =========================

const resourceColumns = `resource_id, name, description, max_duration_ns, created_at`

func scanResource(row rowScanner) (lifecycle.Resource, error) {
	var r lifecycle.Resource
	var maxNS int64
	var createdStr string

	if err := row.Scan(&r.ID, &r.Name, &r.Description, &maxNS, &createdStr); err != nil {
		return r, err
	}

	r.MaxDuration = time.Duration(maxNS)
	createdAt, err := parseISO(createdStr)
	if err != nil {
		return r, err
	}
	r.CreatedAt = createdAt
	return r, nil
}

func (t *sqliteTx) Resource(id string) (*lifecycle.Resource, error) {
	r, err := scanResource(t.tx.QueryRowContext(t.ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE resource_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get resource", err)
	}
	return &r, nil
}

func (t *sqliteTx) Resources() ([]lifecycle.Resource, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+resourceColumns+` FROM resources ORDER BY name, resource_id`)
	if err != nil {
		return nil, classify("list resources", err)
	}
	defer rows.Close()

	var out []lifecycle.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, classify("scan resource", err)
		}
		out = append(out, r)
	}
	return out, classify("list resources", rows.Err())
}

// =========================
// Leases
// =========================

const leaseColumns = `lease_id, resource_id, holder, start_at, end_at, active`

func scanLease(row rowScanner) (lifecycle.Lease, error) {
	var l lifecycle.Lease
	var startStr, endStr string
	var active int

	if err := row.Scan(&l.LeaseID, &l.ResourceID, &l.Holder, &startStr, &endStr, &active); err != nil {
		return l, err
	}

	startAt, err := parseISO(startStr)
	if err != nil {
		return l, err
	}
	endAt, err := parseISO(endStr)
	if err != nil {
		return l, err
	}

	l.StartAt = startAt
	l.EndAt = endAt
	l.Active = active == 1
	return l, nil
}

func (t *sqliteTx) leaseRow(op, query string, args ...any) (*lifecycle.Lease, error) {
	l, err := scanLease(t.tx.QueryRowContext(t.ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &l, nil
}

func (t *sqliteTx) leaseRows(op, query string, args ...any) ([]lifecycle.Lease, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []lifecycle.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, l)
	}
	return out, classify(op, rows.Err())
}

func (t *sqliteTx) ActiveLease(resourceID string, now time.Time) (*lifecycle.Lease, error) {
	return t.leaseRow("active lease", `
SELECT `+leaseColumns+` FROM leases
WHERE resource_id = ? AND active = 1 AND end_at > ?
`, resourceID, iso(now))
}

func (t *sqliteTx) ActiveLeaseByHolder(holder string, now time.Time) (*lifecycle.Lease, error) {
	return t.leaseRow("active lease by holder", `
SELECT `+leaseColumns+` FROM leases
WHERE holder = ? AND active = 1 AND end_at > ?
ORDER BY start_at DESC
LIMIT 1
`, holder, iso(now))
}

func (t *sqliteTx) ActiveLeases(now time.Time) ([]lifecycle.Lease, error) {
	return t.leaseRows("active leases", `
SELECT `+leaseColumns+` FROM leases
WHERE active = 1 AND end_at > ?
ORDER BY resource_id
`, iso(now))
}

func (t *sqliteTx) ExpiredLeases(now time.Time) ([]lifecycle.Lease, error) {
	return t.leaseRows("expired leases", `
SELECT `+leaseColumns+` FROM leases
WHERE active = 1 AND end_at <= ?
ORDER BY resource_id
`, iso(now))
}

func (t *sqliteTx) PutLease(l lifecycle.Lease) error {
	if t.readOnly {
		return ErrReadOnly
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`UPDATE leases SET active = 0 WHERE resource_id = ? AND active = 1 AND end_at <= ?`,
		l.ResourceID,
		iso(l.StartAt),
	); err != nil {
		return classify("retire expired lease", err)
	}

	active := 0
	if l.Active {
		active = 1
	}
	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO leases(`+leaseColumns+`)
VALUES (?, ?, ?, ?, ?, ?)
`,
		l.LeaseID,
		l.ResourceID,
		l.Holder,
		iso(l.StartAt),
		iso(l.EndAt),
		active,
	)
	return classify("insert lease", err)
}

func (t *sqliteTx) DeactivateLease(resourceID, holder string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE leases SET active = 0 WHERE resource_id = ? AND holder = ? AND active = 1`,
		resourceID,
		holder,
	)
	return classify("deactivate lease", err)
}

// =========================
// Waitlist
// =========================

const waitlistColumns = `resource_id, client_id, position, enqueued_at`

func scanEntry(row rowScanner) (lifecycle.WaitlistEntry, error) {
	var e lifecycle.WaitlistEntry
	var enqueuedStr string

	if err := row.Scan(&e.ResourceID, &e.ClientID, &e.Position, &enqueuedStr); err != nil {
		return e, err
	}
	at, err := parseISO(enqueuedStr)
	if err != nil {
		return e, err
	}
	e.EnqueuedAt = at
	return e, nil
}

func (t *sqliteTx) entryRow(op, query string, args ...any) (*lifecycle.WaitlistEntry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(t.ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &e, nil
}

func (t *sqliteTx) entryRows(op, query string, args ...any) ([]lifecycle.WaitlistEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []lifecycle.WaitlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, e)
	}
	return out, classify(op, rows.Err())
}

func (t *sqliteTx) Waitlist(resourceID string) ([]lifecycle.WaitlistEntry, error) {
	return t.entryRows("waitlist", `
SELECT `+waitlistColumns+` FROM waitlist
WHERE resource_id = ?
ORDER BY position
`, resourceID)
}

func (t *sqliteTx) AllWaitlists() ([]lifecycle.WaitlistEntry, error) {
	return t.entryRows("all waitlists", `
SELECT `+waitlistColumns+` FROM waitlist
ORDER BY resource_id, position
`)
}

func (t *sqliteTx) WaitlistEntryByClient(clientID string) (*lifecycle.WaitlistEntry, error) {
	return t.entryRow("waitlist entry by client",
		`SELECT `+waitlistColumns+` FROM waitlist WHERE client_id = ?`, clientID)
}

func (t *sqliteTx) PeekFirst(resourceID string) (*lifecycle.WaitlistEntry, error) {
	return t.entryRow("peek waitlist", `
SELECT `+waitlistColumns+` FROM waitlist
WHERE resource_id = ?
ORDER BY position
LIMIT 1
`, resourceID)
}

func (t *sqliteTx) Append(resourceID, clientID string, at time.Time) (int, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}

	var last int
	if err := t.tx.QueryRowContext(t.ctx,
		`SELECT COALESCE(MAX(position), 0) FROM waitlist WHERE resource_id = ?`,
		resourceID,
	).Scan(&last); err != nil {
		return 0, classify("waitlist tail", err)
	}

	pos := last + 1
	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO waitlist(`+waitlistColumns+`)
VALUES (?, ?, ?, ?)
`,
		resourceID,
		clientID,
		pos,
		iso(at),
	)
	if err != nil {
		return 0, classify("append waitlist", err)
	}
	return pos, nil
}

func (t *sqliteTx) Remove(resourceID, clientID string) error {
	if t.readOnly {
		return ErrReadOnly
	}

	var pos int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT position FROM waitlist WHERE resource_id = ? AND client_id = ?`,
		resourceID,
		clientID,
	).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return classify("find waitlist entry", err)
	}

	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM waitlist WHERE resource_id = ? AND client_id = ?`,
		resourceID,
		clientID,
	); err != nil {
		return classify("delete waitlist entry", err)
	}

	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE waitlist SET position = position - 1 WHERE resource_id = ? AND position > ?`,
		resourceID,
		pos,
	)
	return classify("compact waitlist", err)
}
