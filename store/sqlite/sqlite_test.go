package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safekeeper/credit-vault/credit"
	"github.com/safekeeper/credit-vault/credit/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credit.TxStore {
		return newTestStore(t)
	})
}

// File-backed databases use WAL and a connection pool, so reads run beside
// writes instead of queueing on one connection.
func TestSQLite_FileContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) credit.TxStore {
		s, err := New(filepath.Join(t.TempDir(), "vault.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLite_FileReopen(t *testing.T) {
	// GIVEN: a file database with a frozen credit
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "vault.db")

	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, storetest.Record("alice", "A", 10, 0)))
	lease := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, err := s.TryTransition(ctx, credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusAvailable, To: credit.StatusFrozen,
		LeaseUntil: lease, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	// WHEN: reopening it (migration runs again)
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: state and lease survive
	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFrozen, got.Status)
	assert.True(t, got.LeaseUntil.Equal(lease))
	require.NoError(t, s.Ping(ctx))
}

func TestSQLite_LargeValuesSumExactly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// 2^53 + 1 is not representable as float64
	require.NoError(t, s.Insert(ctx, storetest.Record("alice", "A", 9007199254740993, 0)))
	require.NoError(t, s.Insert(ctx, storetest.Record("alice", "B", 1, 0)))

	sum, err := s.SumValueByStatus(ctx, "alice", credit.StatusAvailable)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740994), sum)
}

func TestSQLite_TimeLayoutOrders(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 5, time.UTC)
	b := time.Date(2025, 1, 1, 0, 0, 0, 40, time.UTC)
	assert.Less(t, formatTime(a), formatTime(b))
	assert.True(t, parseTime(formatTime(b)).Equal(b))
}
