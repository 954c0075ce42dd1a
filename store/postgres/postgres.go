// Package postgres implements credit.TxStore on PostgreSQL.
//
// Status changes are single guarded UPDATEs. Under READ COMMITTED a second
// writer on the same row waits for the first to commit and then re-checks
// the WHERE clause, so exactly one of two racing transitions affects a row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/safekeeper/credit-vault/credit"
)

// Store implements the credit storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ credit.TxStore = (*Store)(nil)
	_ credit.Store   = (*txStore)(nil)
)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with lib/pq and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS credits (
		account     TEXT NOT NULL,
		credit_id   TEXT NOT NULL,
		value       NUMERIC(38, 0) NOT NULL CHECK (value >= 0),
		status      TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available', 'frozen', 'used')),
		fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
		lease_until TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		modified_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (account, credit_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_account_status
		ON credits (account, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_credits_frozen_lease
		ON credits (lease_until) WHERE status = 'frozen'`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// --- credit.Store -----------------------------------------------------------

func (s *Store) Insert(ctx context.Context, rec credit.Record) error {
	return insert(ctx, s.db, rec)
}

func (s *Store) Get(ctx context.Context, account, creditID string) (credit.Record, error) {
	return get(ctx, s.db, account, creditID)
}

func (s *Store) ListByStatus(ctx context.Context, account string, status credit.Status) ([]credit.Record, error) {
	return listByStatus(ctx, s.db, account, status)
}

func (s *Store) SumValueByStatus(ctx context.Context, account string, status credit.Status) (int64, error) {
	return sumValueByStatus(ctx, s.db, account, status)
}

func (s *Store) Summarize(ctx context.Context, account string) (credit.Summary, error) {
	return summarize(ctx, s.db, account)
}

func (s *Store) TryTransition(ctx context.Context, t credit.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	return tryTransition(ctx, s.db, t)
}

func (s *Store) TryFinalize(ctx context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	return tryFinalize(ctx, s.db, account, creditID, fields, at)
}

func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) (int64, error) {
	return releaseExpired(ctx, s.db, now)
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- transactional view -----------------------------------------------------

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

// --- statements ---------------------------------------------------------------

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `
	SELECT account, credit_id, value::text, status, fields, lease_until, created_at, modified_at
	FROM credits`

func insert(ctx context.Context, db dbtx, rec credit.Record) error {
	fields, err := json.Marshal(credit.CopyFields(rec.Fields))
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO credits (account, credit_id, value, status, fields, lease_until, created_at, modified_at)
		VALUES ($1, $2, $3::numeric, $4, $5::jsonb, $6, $7, $8)
	`, rec.Account, rec.CreditID, credit.FormatValue(rec.Value), string(rec.Status), string(fields),
		nullTime(rec.LeaseUntil), rec.CreatedAt.UTC(), rec.ModifiedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return credit.ErrDuplicateCredit
		}
		return err
	}
	return nil
}

func get(ctx context.Context, db dbtx, account, creditID string) (credit.Record, error) {
	row := db.QueryRowContext(ctx, selectColumns+`
		WHERE account = $1 AND credit_id = $2
	`, account, creditID)

	rec, err := scanCredit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Record{}, credit.ErrNotFound
	}
	return rec, err
}

func listByStatus(ctx context.Context, db dbtx, account string, status credit.Status) ([]credit.Record, error) {
	rows, err := db.QueryContext(ctx, selectColumns+`
		WHERE account = $1 AND status = $2
		ORDER BY created_at, credit_id
	`, account, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []credit.Record
	for rows.Next() {
		rec, err := scanCredit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func sumValueByStatus(ctx context.Context, db dbtx, account string, status credit.Status) (int64, error) {
	var total string
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(value), 0)::text
		FROM credits
		WHERE account = $1 AND status = $2
	`, account, string(status)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return credit.ParseValue(total)
}

// summarize groups in one statement, so it sees a single snapshot even
// under READ COMMITTED.
func summarize(ctx context.Context, db dbtx, account string) (credit.Summary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT status, COALESCE(SUM(value), 0)::text
		FROM credits
		WHERE account = $1
		GROUP BY status
	`, account)
	if err != nil {
		return credit.Summary{}, err
	}
	defer rows.Close()

	var s credit.Summary
	for rows.Next() {
		var status, total string
		if err := rows.Scan(&status, &total); err != nil {
			return credit.Summary{}, err
		}
		v, err := credit.ParseValue(total)
		if err != nil {
			return credit.Summary{}, err
		}
		switch credit.Status(status) {
		case credit.StatusAvailable:
			s.Available = v
		case credit.StatusFrozen:
			s.Frozen = v
		case credit.StatusUsed:
			s.Used = v
		}
	}
	return s, rows.Err()
}

func tryTransition(ctx context.Context, db dbtx, t credit.Transition) (bool, error) {
	var lease sql.NullTime
	if t.To == credit.StatusFrozen {
		lease = nullTime(t.LeaseUntil)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = $1, lease_until = $2, modified_at = GREATEST(modified_at, $3)
		WHERE account = $4 AND credit_id = $5 AND status = $6
	`, string(t.To), lease, t.At.UTC(), t.Account, t.CreditID, string(t.From))
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

func tryFinalize(ctx context.Context, db dbtx, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	patch, err := json.Marshal(credit.CopyFields(fields))
	if err != nil {
		return false, err
	}

	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = 'used', fields = fields || $1::jsonb, lease_until = NULL,
		    modified_at = GREATEST(modified_at, $2)
		WHERE account = $3 AND credit_id = $4 AND status = 'frozen'
	`, string(patch), at.UTC(), account, creditID)
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

func releaseExpired(ctx context.Context, db dbtx, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE credits
		SET status = 'available', lease_until = NULL, modified_at = GREATEST(modified_at, $1)
		WHERE status = 'frozen' AND lease_until IS NOT NULL AND lease_until <= $1
	`, now.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- helpers ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanCredit(row scanner) (credit.Record, error) {
	var (
		rec       credit.Record
		value     string
		status    string
		fieldsRaw []byte
		lease     sql.NullTime
	)
	if err := row.Scan(&rec.Account, &rec.CreditID, &value, &status, &fieldsRaw, &lease, &rec.CreatedAt, &rec.ModifiedAt); err != nil {
		return credit.Record{}, err
	}

	v, err := credit.ParseValue(value)
	if err != nil {
		return credit.Record{}, fmt.Errorf("corrupt value for credit %s: %w", rec.CreditID, err)
	}
	rec.Value = v
	rec.Status = credit.Status(status)
	rec.Fields = map[string]string{}
	if len(fieldsRaw) > 0 {
		if err := json.Unmarshal(fieldsRaw, &rec.Fields); err != nil {
			return credit.Record{}, fmt.Errorf("corrupt fields for credit %s: %w", rec.CreditID, err)
		}
	}
	if lease.Valid {
		rec.LeaseUntil = lease.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ModifiedAt = rec.ModifiedAt.UTC()
	return rec, nil
}

func affectedOne(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
