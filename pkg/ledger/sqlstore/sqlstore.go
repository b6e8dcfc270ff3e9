// Package sqlstore is a database/sql ledger Store for SQLite and Postgres.
//
// The composite primary key (build_id, sequence) and the unique
// (build_id, previous_hash) pair make a forked chain unrepresentable; the
// head check inside the append transaction turns a lost race into
// ledger.ErrStaleHead.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

// Dialect selects placeholder syntax and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Store implements ledger.Store over database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ledger.Store = (*Store)(nil)

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open opens dsn with the dialect's driver and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case SQLite:
		driver = "sqlite"
	case Postgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer at a time; SQLite serializes anyway and this avoids
		// SQLITE_BUSY under concurrent appends.
		db.SetMaxOpenConns(1)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	build_id      TEXT   NOT NULL,
	sequence      BIGINT NOT NULL,
	agent_id      TEXT   NOT NULL,
	action_type   TEXT   NOT NULL,
	action_data   TEXT   NOT NULL,
	timestamp     TEXT   NOT NULL,
	previous_hash TEXT   NOT NULL,
	ledger_hash   TEXT   NOT NULL,
	PRIMARY KEY (build_id, sequence),
	UNIQUE (build_id, previous_hash)
)`

// Migrate creates the ledger table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

const columns = `build_id, sequence, agent_id, action_type, action_data, timestamp, previous_hash, ledger_hash`

// Append implements ledger.Store.
func (s *Store) Append(ctx context.Context, e ledger.Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		headSeq  int64
		headHash string
	)
	wantSeq, wantPrev := uint64(0), ledger.Genesis
	q := `SELECT sequence, ledger_hash FROM ledger_entries WHERE build_id = ` + s.dialect.placeholder(1) +
		` ORDER BY sequence DESC LIMIT 1`
	switch scanErr := tx.QueryRowContext(ctx, q, e.BuildID).Scan(&headSeq, &headHash); {
	case errors.Is(scanErr, sql.ErrNoRows):
	case scanErr != nil:
		return fmt.Errorf("sqlstore: read head: %w", scanErr)
	default:
		wantSeq, wantPrev = uint64(headSeq)+1, headHash
	}
	if e.Sequence != wantSeq || e.PreviousHash != wantPrev {
		return fmt.Errorf("%w: build %s at sequence %d", ledger.ErrStaleHead, e.BuildID, e.Sequence)
	}

	ins := `INSERT INTO ledger_entries (` + columns + `) VALUES (` + s.placeholders(8) + `)`
	if _, err = tx.ExecContext(ctx, ins,
		e.BuildID, int64(e.Sequence), e.AgentID, string(e.ActionType), string(e.ActionData),
		ledger.FormatTimestamp(e.Timestamp), e.PreviousHash, e.LedgerHash,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: build %s at sequence %d: %v", ledger.ErrStaleHead, e.BuildID, e.Sequence, err)
		}
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

// Head implements ledger.Store.
func (s *Store) Head(ctx context.Context, buildID string) (ledger.Entry, bool, error) {
	q := `SELECT ` + columns + ` FROM ledger_entries WHERE build_id = ` + s.dialect.placeholder(1) +
		` ORDER BY sequence DESC LIMIT 1`
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, buildID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Entry{}, false, nil
	}
	if err != nil {
		return ledger.Entry{}, false, fmt.Errorf("sqlstore: head: %w", err)
	}
	return e, true, nil
}

// Entries implements ledger.Store.
func (s *Store) Entries(ctx context.Context, buildID string) ([]ledger.Entry, error) {
	q := `SELECT ` + columns + ` FROM ledger_entries WHERE build_id = ` + s.dialect.placeholder(1) +
		` ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, q, buildID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Builds implements ledger.Store.
func (s *Store) Builds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT build_id FROM ledger_entries ORDER BY build_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = s.dialect.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		seq        int64
		actionType string
		data       string
		ts         string
	)
	if err := row.Scan(&e.BuildID, &seq, &e.AgentID, &actionType, &data, &ts, &e.PreviousHash, &e.LedgerHash); err != nil {
		return ledger.Entry{}, err
	}
	t, err := ledger.ParseTimestamp(ts)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("entry %s/%d timestamp: %w", e.BuildID, seq, err)
	}
	e.Sequence = uint64(seq)
	e.ActionType = ledger.ActionType(actionType)
	e.ActionData = []byte(data)
	e.Timestamp = t
	e.Immutable = true
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
