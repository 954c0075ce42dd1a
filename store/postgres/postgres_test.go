package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safekeeper/credit-vault/credit"
	"github.com/safekeeper/credit-vault/credit/store/storetest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var creditColumns = []string{
	"account", "credit_id", "value", "status", "fields", "lease_until", "created_at", "modified_at",
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS credits").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_credits_account_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_credits_frozen_lease").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_StopsOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS credits").WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsert_Duplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO credits").
		WithArgs("alice", "A", "10", "available", `{"cipher":"c-A"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.Insert(context.Background(), storetest.Record("alice", "A", 10, 0))
	assert.ErrorIs(t, err, credit.ErrDuplicateCredit)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	lease := created.Add(15 * time.Minute)

	mock.ExpectQuery("SELECT account, credit_id, value::text").
		WithArgs("alice", "A").
		WillReturnRows(sqlmock.NewRows(creditColumns).
			AddRow("alice", "A", "10", "frozen", []byte(`{"cipher":"x"}`), lease, created, created))

	got, err := s.Get(context.Background(), "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Value)
	assert.Equal(t, credit.StatusFrozen, got.Status)
	assert.Equal(t, map[string]string{"cipher": "x"}, got.Fields)
	assert.True(t, got.LeaseUntil.Equal(lease))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT account, credit_id").
		WithArgs("alice", "missing").
		WillReturnRows(sqlmock.NewRows(creditColumns))

	_, err := s.Get(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, credit.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSumValueByStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(value\\), 0\\)::text").
		WithArgs("alice", "available").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("9007199254740994"))

	sum, err := s.SumValueByStatus(context.Background(), "alice", credit.StatusAvailable)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740994), sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSummarize_OneGroupedQuery(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("GROUP BY status").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"status", "sum"}).
			AddRow("available", "50").
			AddRow("used", "30"))

	sum, err := s.Summarize(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, credit.Summary{Available: 50, Used: 30}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSummarize_Overflow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("GROUP BY status").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"status", "sum"}).
			AddRow("available", "9223372036854775808"))

	_, err := s.Summarize(context.Background(), "alice")
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryTransition_RowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusAvailable, To: credit.StatusFrozen,
		LeaseUntil: at.Add(time.Minute), At: at,
	}

	mock.ExpectExec("UPDATE credits").
		WithArgs("frozen", sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", "A", "available").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE credits").
		WithArgs("frozen", sqlmock.AnyArg(), sqlmock.AnyArg(), "alice", "A", "available").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.TryTransition(context.Background(), tr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryTransition(context.Background(), tr)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryTransition_IllegalNeverQueries(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.TryTransition(context.Background(), credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusUsed, To: credit.StatusFrozen,
	})
	assert.ErrorIs(t, err, credit.ErrIllegalTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTryFinalize_MergesFields(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("SET status = 'used', fields = fields \\|\\| \\$1::jsonb").
		WithArgs(`{"receipt":"r"}`, sqlmock.AnyArg(), "alice", "A").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TryFinalize(context.Background(), "alice", "A",
		map[string]string{"receipt": "r", "status": "ignored"}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseExpired(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("SET status = 'available', lease_until = NULL").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.ReleaseExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_Commit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE credits").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(tx credit.Store) error {
		ok, err := tx.TryTransition(context.Background(), credit.Transition{
			Account: "alice", CreditID: "A",
			From: credit.StatusAvailable, To: credit.StatusFrozen,
			At: time.Now(),
		})
		if err != nil {
			return err
		}
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	abort := errors.New("abort")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(credit.Store) error { return abort })
	assert.ErrorIs(t, err, abort)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgres_Contract runs against a real server when TEST_POSTGRES_DSN is
// set, e.g. postgres://postgres@localhost/vault_test?sslmode=disable.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) credit.TxStore {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		_, err = s.db.ExecContext(ctx, "TRUNCATE credits")
		require.NoError(t, err)
		return s
	})
}
