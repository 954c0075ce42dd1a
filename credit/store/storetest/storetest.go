// Package storetest is the behavioral contract every credit.TxStore must
// satisfy. Store packages call Run from their tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safekeeper/credit-vault/credit"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) credit.TxStore

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("DuplicateInsert", func(t *testing.T) { testDuplicateInsert(t, newStore(t)) })
	t.Run("ListAndSum", func(t *testing.T) { testListAndSum(t, newStore(t)) })
	t.Run("TryTransition", func(t *testing.T) { testTryTransition(t, newStore(t)) })
	t.Run("IllegalTransition", func(t *testing.T) { testIllegalTransition(t, newStore(t)) })
	t.Run("TryFinalize", func(t *testing.T) { testTryFinalize(t, newStore(t)) })
	t.Run("ReleaseExpired", func(t *testing.T) { testReleaseExpired(t, newStore(t)) })
	t.Run("WithTxRollsBack", func(t *testing.T) { testWithTxRollsBack(t, newStore(t)) })
	t.Run("ConcurrentFreeze", func(t *testing.T) { testConcurrentFreeze(t, newStore(t)) })
	t.Run("SumOverflow", func(t *testing.T) { testSumOverflow(t, newStore(t)) })
	t.Run("Summarize", func(t *testing.T) { testSummarize(t, newStore(t)) })
	t.Run("SameTarget", func(t *testing.T) { RunSameTarget(t, newStore(t)) })
	t.Run("SameTargetInterleaved", func(t *testing.T) { RunSameTarget(t, Interleaved(newStore(t))) })
	t.Run("Traffic", func(t *testing.T) { RunTraffic(t, newStore(t)) })
	t.Run("TrafficInterleaved", func(t *testing.T) { RunTraffic(t, Interleaved(newStore(t))) })
}

// Record builds an Available record created at base+offset.
func Record(account, id string, value int64, offset time.Duration) credit.Record {
	return credit.Record{
		Account:    account,
		CreditID:   id,
		Value:      value,
		Status:     credit.StatusAvailable,
		Fields:     map[string]string{"cipher": "c-" + id},
		CreatedAt:  base.Add(offset),
		ModifiedAt: base.Add(offset),
	}
}

func freeze(account, id string, at time.Time, lease time.Time) credit.Transition {
	return credit.Transition{
		Account:    account,
		CreditID:   id,
		From:       credit.StatusAvailable,
		To:         credit.StatusFrozen,
		LeaseUntil: lease,
		At:         at,
	}
}

func testInsertAndGet(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	rec := Record("alice", "A", 10, 0)
	rec.Fields["value"] = "999"
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Value)
	assert.Equal(t, credit.StatusAvailable, got.Status)
	assert.Equal(t, map[string]string{"cipher": "c-A"}, got.Fields)
	assert.True(t, got.CreatedAt.Equal(base), "created_at %s", got.CreatedAt)
	assert.True(t, got.LeaseUntil.IsZero())

	_, err = s.Get(ctx, "bob", "A")
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func testDuplicateInsert(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, 0)))

	err := s.Insert(ctx, Record("alice", "A", 20, time.Second))
	assert.ErrorIs(t, err, credit.ErrDuplicateCredit)

	// the same id under another account is a different credit
	assert.NoError(t, s.Insert(ctx, Record("bob", "A", 20, 0)))
}

func testListAndSum(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "B", 30, time.Second)))
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, time.Second)))
	require.NoError(t, s.Insert(ctx, Record("alice", "C", 50, 0)))
	require.NoError(t, s.Insert(ctx, Record("bob", "D", 7, 0)))

	list, err := s.ListByStatus(ctx, "alice", credit.StatusAvailable)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// creation time, then credit id
	assert.Equal(t, []string{"C", "A", "B"}, ids(list))

	sum, err := s.SumValueByStatus(ctx, "alice", credit.StatusAvailable)
	require.NoError(t, err)
	assert.Equal(t, int64(90), sum)

	sum, err = s.SumValueByStatus(ctx, "nobody", credit.StatusAvailable)
	require.NoError(t, err)
	assert.Zero(t, sum)

	list, err = s.ListByStatus(ctx, "alice", credit.StatusUsed)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testTryTransition(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, 0)))
	at := base.Add(time.Hour)
	lease := at.Add(15 * time.Minute)

	ok, err := s.TryTransition(ctx, freeze("alice", "A", at, lease))
	require.NoError(t, err)
	assert.True(t, ok)

	// second freeze loses
	ok, err = s.TryTransition(ctx, freeze("alice", "A", at, lease))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFrozen, got.Status)
	assert.True(t, got.LeaseUntil.Equal(lease), "lease %s", got.LeaseUntil)
	assert.True(t, got.ModifiedAt.Equal(at))

	// back to available clears the lease; an older timestamp does not move
	// modified_at backwards
	ok, err = s.TryTransition(ctx, credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusFrozen, To: credit.StatusAvailable,
		At: base,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusAvailable, got.Status)
	assert.True(t, got.LeaseUntil.IsZero())
	assert.True(t, got.ModifiedAt.Equal(at))

	// missing credit is a plain miss
	ok, err = s.TryTransition(ctx, freeze("alice", "missing", at, time.Time{}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testIllegalTransition(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, 0)))

	_, err := s.TryTransition(ctx, credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusAvailable, To: credit.StatusUsed,
		At: base,
	})
	assert.ErrorIs(t, err, credit.ErrIllegalTransition)

	_, err = s.TryTransition(ctx, credit.Transition{
		Account: "alice", CreditID: "A",
		From: credit.StatusUsed, To: credit.StatusAvailable,
		At: base,
	})
	assert.ErrorIs(t, err, credit.ErrIllegalTransition)

	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusAvailable, got.Status)
}

func testTryFinalize(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, 0)))
	at := base.Add(time.Minute)

	// not frozen yet
	ok, err := s.TryFinalize(ctx, "alice", "A", map[string]string{"receipt": "r"}, at)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TryTransition(ctx, freeze("alice", "A", at, at.Add(time.Minute)))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryFinalize(ctx, "alice", "A", map[string]string{"receipt": "r", "status": "x"}, at.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusUsed, got.Status)
	assert.Equal(t, map[string]string{"cipher": "c-A", "receipt": "r"}, got.Fields)
	assert.True(t, got.LeaseUntil.IsZero())

	// used is terminal
	ok, err = s.TryFinalize(ctx, "alice", "A", nil, at.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := s.SumValueByStatus(ctx, "alice", credit.StatusUsed)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum)
}

func testReleaseExpired(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	for i, id := range []string{"A", "B", "C"} {
		require.NoError(t, s.Insert(ctx, Record("alice", id, int64(10*(i+1)), 0)))
	}
	now := base.Add(time.Hour)

	// A expired, B still leased, C frozen without a lease
	for id, lease := range map[string]time.Time{
		"A": now.Add(-time.Second),
		"B": now.Add(time.Minute),
		"C": {},
	} {
		ok, err := s.TryTransition(ctx, freeze("alice", id, base, lease))
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := s.ReleaseExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusAvailable, a.Status)
	assert.True(t, a.LeaseUntil.IsZero())

	for _, id := range []string{"B", "C"} {
		rec, err := s.Get(ctx, "alice", id)
		require.NoError(t, err)
		assert.Equal(t, credit.StatusFrozen, rec.Status, id)
	}

	n, err = s.ReleaseExpired(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testSumOverflow(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", math.MaxInt64, 0)))
	require.NoError(t, s.Insert(ctx, Record("alice", "B", 1, time.Second)))

	_, err := s.SumValueByStatus(ctx, "alice", credit.StatusAvailable)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	_, err = s.Summarize(ctx, "alice")
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func testSummarize(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	for i, id := range []string{"A", "B", "C", "D"} {
		require.NoError(t, s.Insert(ctx, Record("alice", id, int64(10*(i+1)), 0)))
	}
	require.NoError(t, s.Insert(ctx, Record("bob", "E", 99, 0)))

	ok, err := s.TryTransition(ctx, freeze("alice", "B", base, time.Time{}))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TryTransition(ctx, freeze("alice", "C", base, time.Time{}))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.TryFinalize(ctx, "alice", "C", nil, base)
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := s.Summarize(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, credit.Summary{Available: 50, Frozen: 20, Used: 30}, sum)

	sum, err = s.Summarize(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, credit.Summary{}, sum)
}

var errAbort = errors.New("abort")

func testWithTxRollsBack(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, Record("alice", "A", 10, 0)))

	err := s.WithTx(ctx, func(tx credit.Store) error {
		ok, err := tx.TryTransition(ctx, freeze("alice", "A", base, time.Time{}))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.Insert(ctx, Record("alice", "B", 5, 0)))
		return errAbort
	})
	assert.ErrorIs(t, err, errAbort)

	got, err := s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusAvailable, got.Status)
	_, err = s.Get(ctx, "alice", "B")
	assert.ErrorIs(t, err, credit.ErrNotFound)

	// a nil return commits
	err = s.WithTx(ctx, func(tx credit.Store) error {
		_, err := tx.TryTransition(ctx, freeze("alice", "A", base, time.Time{}))
		return err
	})
	require.NoError(t, err)
	got, err = s.Get(ctx, "alice", "A")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusFrozen, got.Status)
}

// testConcurrentFreeze races many writers on a few records; every record is
// won exactly once.
func testConcurrentFreeze(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	const records, writers = 5, 8
	for i := 0; i < records; i++ {
		require.NoError(t, s.Insert(ctx, Record("alice", fmt.Sprintf("r%d", i), 1, 0)))
	}

	var (
		mu   sync.Mutex
		wins = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < records; i++ {
				id := fmt.Sprintf("r%d", i)
				ok, err := s.TryTransition(ctx, freeze("alice", id, base, time.Time{}))
				if err != nil {
					t.Error(err)
					return
				}
				if ok {
					mu.Lock()
					wins[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, records)
	for id, n := range wins {
		assert.Equal(t, 1, n, id)
	}
}

func ids(recs []credit.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.CreditID
	}
	return out
}
