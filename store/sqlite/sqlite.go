/*
Package sqlite provides a SQLite-backed implementation of credit.TxStore.

PURPOSE:
  Persists credit records in a single table. In production the same
  statements run on PostgreSQL (see store/postgres) with only dialect
  differences.

KEY TABLE:
  credits: one row per (account, credit_id)
    value        decimal text, parsed with shopspring/decimal
    status       available | frozen | used
    fields_json  backing data, merged with json_patch on finalize
    lease_until  hold expiry while frozen, NULL otherwise

CONDITIONAL WRITES:
  Every status change is one statement of the form

    UPDATE credits SET status = ? ...
    WHERE account = ? AND credit_id = ? AND status = ?

  and RowsAffected() == 1 is the only success signal. No read precedes it.

TIMESTAMPS:
  Stored as fixed-width UTC text (nanosecond precision) so that string
  comparison equals time comparison. modified_at only moves forward:
  MAX(modified_at, ?).

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. SQLite has a single writer anyway;
  the mutex turns SQLITE_BUSY into waiting. In production with PostgreSQL,
  database-level row locks handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.
  ":memory:" databases are pinned to one connection so every query sees
  the same database.

USAGE:
  store, err := sqlite.New("./data/vault.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  allocator := credit.NewAllocator(store, logger)

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/safekeeper/credit-vault/credit"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements credit.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS credits (
		account TEXT NOT NULL,
		credit_id TEXT NOT NULL,
		value TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available', 'frozen', 'used')),
		fields_json TEXT NOT NULL DEFAULT '{}',
		lease_until TEXT,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		PRIMARY KEY (account, credit_id)
	);

	-- Candidate scans and balance sums (hot path)
	CREATE INDEX IF NOT EXISTS idx_credits_account_status
		ON credits(account, status, created_at);

	-- Reaper scan
	CREATE INDEX IF NOT EXISTS idx_credits_frozen_lease
		ON credits(lease_until) WHERE status = 'frozen';
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// CREDIT STORE (credit.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, rec credit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insert(ctx, s.db, rec)
}

func (s *Store) Get(ctx context.Context, account, creditID string) (credit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(ctx, s.db, account, creditID)
}

func (s *Store) ListByStatus(ctx context.Context, account string, status credit.Status) ([]credit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listByStatus(ctx, s.db, account, status)
}

func (s *Store) SumValueByStatus(ctx context.Context, account string, status credit.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumValueByStatus(ctx, s.db, account, status)
}

func (s *Store) Summarize(ctx context.Context, account string) (credit.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return summarize(ctx, s.db, account)
}

func (s *Store) TryTransition(ctx context.Context, t credit.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return tryTransition(ctx, s.db, t)
}

func (s *Store) TryFinalize(ctx context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tryFinalize(ctx, s.db, account, creditID, fields, at)
}

func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return releaseExpired(ctx, s.db, now)
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Insert(ctx context.Context, rec credit.Record) error {
	return insert(ctx, ts.tx, rec)
}

func (ts *txStore) Get(ctx context.Context, account, creditID string) (credit.Record, error) {
	return get(ctx, ts.tx, account, creditID)
}

func (ts *txStore) ListByStatus(ctx context.Context, account string, status credit.Status) ([]credit.Record, error) {
	return listByStatus(ctx, ts.tx, account, status)
}

func (ts *txStore) SumValueByStatus(ctx context.Context, account string, status credit.Status) (int64, error) {
	return sumValueByStatus(ctx, ts.tx, account, status)
}

func (ts *txStore) Summarize(ctx context.Context, account string) (credit.Summary, error) {
	return summarize(ctx, ts.tx, account)
}

func (ts *txStore) TryTransition(ctx context.Context, t credit.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	return tryTransition(ctx, ts.tx, t)
}

func (ts *txStore) TryFinalize(ctx context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	return tryFinalize(ctx, ts.tx, account, creditID, fields, at)
}

func (ts *txStore) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	return releaseExpired(ctx, ts.tx, now)
}

var (
	_ credit.TxStore = (*Store)(nil)
	_ credit.Store   = (*txStore)(nil)
)

// =============================================================================
// STATEMENTS - shared by Store and txStore
// =============================================================================

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `
	SELECT account, credit_id, value, status, fields_json, lease_until, created_at, modified_at
	FROM credits`

func insert(ctx context.Context, db dbtx, rec credit.Record) error {
	fieldsJSON, err := json.Marshal(credit.CopyFields(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO credits
		(account, credit_id, value, status, fields_json, lease_until, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Account,
		rec.CreditID,
		credit.FormatValue(rec.Value),
		string(rec.Status),
		string(fieldsJSON),
		nullTime(rec.LeaseUntil),
		formatTime(rec.CreatedAt),
		formatTime(rec.ModifiedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return credit.ErrDuplicateCredit
		}
		return fmt.Errorf("failed to insert credit: %w", err)
	}
	return nil
}

func get(ctx context.Context, db dbtx, account, creditID string) (credit.Record, error) {
	row := db.QueryRowContext(ctx, selectColumns+`
		WHERE account = ? AND credit_id = ?
	`, account, creditID)

	rec, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Record{}, credit.ErrNotFound
	}
	return rec, err
}

func listByStatus(ctx context.Context, db dbtx, account string, status credit.Status) ([]credit.Record, error) {
	rows, err := db.QueryContext(ctx, selectColumns+`
		WHERE account = ? AND status = ?
		ORDER BY created_at ASC, credit_id ASC
	`, account, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query credits: %w", err)
	}
	defer rows.Close()

	var records []credit.Record
	for rows.Next() {
		rec, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// sumValueByStatus reads the text values and sums them exactly; SQLite's
// SUM would go through floating point.
func sumValueByStatus(ctx context.Context, db dbtx, account string, status credit.Status) (int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT value FROM credits WHERE account = ? AND status = ?
	`, account, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to query credit values: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return 0, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return credit.SumValues(values)
}

// summarize reads every value of the account in one statement and sums per
// status.
func summarize(ctx context.Context, db dbtx, account string) (credit.Summary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, value FROM credits WHERE account = ?
	`, account)
	if err != nil {
		return credit.Summary{}, fmt.Errorf("failed to query credit values: %w", err)
	}
	defer rows.Close()

	values := make(map[credit.Status][]string)
	for rows.Next() {
		var status, v string
		if err := rows.Scan(&status, &v); err != nil {
			return credit.Summary{}, err
		}
		values[credit.Status(status)] = append(values[credit.Status(status)], v)
	}
	if err := rows.Err(); err != nil {
		return credit.Summary{}, err
	}

	var s credit.Summary
	if s.Available, err = credit.SumValues(values[credit.StatusAvailable]); err != nil {
		return credit.Summary{}, err
	}
	if s.Frozen, err = credit.SumValues(values[credit.StatusFrozen]); err != nil {
		return credit.Summary{}, err
	}
	if s.Used, err = credit.SumValues(values[credit.StatusUsed]); err != nil {
		return credit.Summary{}, err
	}
	return s, nil
}

func tryTransition(ctx context.Context, db dbtx, t credit.Transition) (bool, error) {
	var lease any
	if t.To == credit.StatusFrozen {
		lease = nullTime(t.LeaseUntil)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = ?, lease_until = ?, modified_at = MAX(modified_at, ?)
		WHERE account = ? AND credit_id = ? AND status = ?
	`, string(t.To), lease, formatTime(t.At), t.Account, t.CreditID, string(t.From))
	if err != nil {
		return false, fmt.Errorf("failed to transition credit: %w", err)
	}
	return affectedOne(result)
}

func tryFinalize(ctx context.Context, db dbtx, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	patch, err := json.Marshal(credit.CopyFields(fields))
	if err != nil {
		return false, fmt.Errorf("failed to encode fields: %w", err)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = 'used',
		    fields_json = json_patch(fields_json, ?),
		    lease_until = NULL,
		    modified_at = MAX(modified_at, ?)
		WHERE account = ? AND credit_id = ? AND status = 'frozen'
	`, string(patch), formatTime(at), account, creditID)
	if err != nil {
		return false, fmt.Errorf("failed to finalize credit: %w", err)
	}
	return affectedOne(result)
}

func releaseExpired(ctx context.Context, db dbtx, now time.Time) (int64, error) {
	ts := formatTime(now)
	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = 'available', lease_until = NULL, modified_at = MAX(modified_at, ?)
		WHERE status = 'frozen' AND lease_until IS NOT NULL AND lease_until <= ?
	`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired holds: %w", err)
	}
	return result.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanCredit(row scanner) (credit.Record, error) {
	var (
		rec        credit.Record
		value      string
		status     string
		fieldsJSON string
		lease      sql.NullString
		createdAt  string
		modifiedAt string
	)
	if err := row.Scan(&rec.Account, &rec.CreditID, &value, &status, &fieldsJSON, &lease, &createdAt, &modifiedAt); err != nil {
		return credit.Record{}, err
	}

	v, err := credit.ParseValue(value)
	if err != nil {
		return credit.Record{}, fmt.Errorf("corrupt value for credit %s: %w", rec.CreditID, err)
	}
	rec.Value = v
	rec.Status = credit.Status(status)

	rec.Fields = map[string]string{}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return credit.Record{}, fmt.Errorf("corrupt fields for credit %s: %w", rec.CreditID, err)
		}
	}
	if lease.Valid {
		rec.LeaseUntil = parseTime(lease.String)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.ModifiedAt = parseTime(modifiedAt)
	return rec, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
