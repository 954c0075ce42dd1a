/*
credit_test.go - Behavioral tests for allocation, settlement, ledger and reaper

Tests for:
- Exact match and greedy selection, over-reservation
- Lost races during selection and rollback
- Concurrent allocation: no double reservation, value conservation
- Finalize and release batches
- Pagination, deposit, aggregates
- Lease expiry
*/
package credit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safekeeper/credit-vault/credit"
	"github.com/safekeeper/credit-vault/credit/store"
	"github.com/safekeeper/credit-vault/credit/store/storetest"
	"github.com/safekeeper/credit-vault/logging"
)

// =============================================================================
// FIXTURES
// =============================================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     credit.TxStore
	clock     *clock
	ledger    *credit.Ledger
	allocator *credit.Allocator
	finalizer *credit.Finalizer
}

func newFixture(t *testing.T, s credit.TxStore) *fixture {
	t.Helper()
	if s == nil {
		s = store.NewTxMemory()
	}
	log := logging.Discard()
	c := newClock()

	f := &fixture{
		store:     s,
		clock:     c,
		ledger:    credit.NewLedger(s, log),
		allocator: credit.NewAllocator(s, log),
		finalizer: credit.NewFinalizer(s, log),
	}
	f.ledger.Now = c.Now
	f.allocator.Now = c.Now
	f.allocator.HoldTTL = 15 * time.Minute
	f.finalizer.Now = c.Now
	return f
}

// seed deposits credits one second apart in the given order.
func (f *fixture) seed(t *testing.T, account string, values map[string]int64, order ...string) {
	t.Helper()
	for _, id := range order {
		_, err := f.ledger.Deposit(context.Background(), account, id, values[id], map[string]string{"cipher": "c-" + id})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
}

// alice holds A=10, B=30, C=50.
func (f *fixture) seedAlice(t *testing.T) {
	f.seed(t, "alice", map[string]int64{"A": 10, "B": 30, "C": 50}, "A", "B", "C")
}

func (f *fixture) status(t *testing.T, account, id string) credit.Status {
	t.Helper()
	rec, err := f.store.Get(context.Background(), account, id)
	require.NoError(t, err)
	return rec.Status
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

// racyStore lets a competitor act inside the allocator's transaction right
// before chosen writes.
type racyStore struct {
	*store.TxMemory

	// steal: a competitor freezes the credit just before our freeze.
	steal map[string]bool
	// settle: a competitor finalizes the credit just before our rollback.
	settle map[string]bool
}

func newRacyStore() *racyStore {
	return &racyStore{
		TxMemory: store.NewTxMemory(),
		steal:    map[string]bool{},
		settle:   map[string]bool{},
	}
}

func (r *racyStore) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	return r.TxMemory.WithTx(ctx, func(s credit.Store) error {
		return fn(&racyView{Store: s, r: r})
	})
}

type racyView struct {
	credit.Store
	r *racyStore
}

func (v *racyView) TryTransition(ctx context.Context, t credit.Transition) (bool, error) {
	switch {
	case t.To == credit.StatusFrozen && v.r.steal[t.CreditID]:
		delete(v.r.steal, t.CreditID)
		if _, err := v.Store.TryTransition(ctx, t); err != nil {
			return false, err
		}
	case t.From == credit.StatusFrozen && t.To == credit.StatusAvailable && v.r.settle[t.CreditID]:
		delete(v.r.settle, t.CreditID)
		if _, err := v.Store.TryFinalize(ctx, t.Account, t.CreditID, nil, t.At); err != nil {
			return false, err
		}
	}
	return v.Store.TryTransition(ctx, t)
}

// =============================================================================
// ALLOCATION
// =============================================================================

func TestAllocate_ExactMatch(t *testing.T) {
	// GIVEN: alice holds 10, 30, 50
	f := newFixture(t, nil)
	f.seedAlice(t)

	// WHEN: allocating 30
	alloc, err := f.allocator.Allocate(context.Background(), "alice", 30)

	// THEN: only the 30 is reserved
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, alloc.CreditIDs())
	assert.Equal(t, int64(30), alloc.TotalValue)
	assert.Equal(t, credit.StatusFrozen, alloc.Credits[0].Status)
	assert.Equal(t, "c-B", alloc.Credits[0].Fields["cipher"])
	assert.Equal(t, credit.StatusFrozen, f.status(t, "alice", "B"))
	assert.Equal(t, int64(60), f.balance(t, "alice"))
}

func TestAllocate_OverReservesWithoutSplitting(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 45)

	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, alloc.CreditIDs())
	assert.Equal(t, int64(50), alloc.TotalValue)
	assert.Equal(t, int64(40), f.balance(t, "alice"))
}

func TestAllocate_GreedyLargestFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 60)

	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, alloc.CreditIDs())
	assert.Equal(t, int64(80), alloc.TotalValue)
	assert.Equal(t, credit.StatusAvailable, f.status(t, "alice", "A"))
}

func TestAllocate_WholeBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 90)

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, alloc.CreditIDs())
	assert.Equal(t, int64(90), alloc.TotalValue)
	assert.Zero(t, f.balance(t, "alice"))
}

func TestAllocate_SetsLease(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	now := f.clock.Now()

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 10)
	require.NoError(t, err)

	rec, err := f.store.Get(context.Background(), "alice", alloc.CreditIDs()[0])
	require.NoError(t, err)
	assert.True(t, rec.LeaseUntil.Equal(now.Add(15*time.Minute)))
	assert.True(t, rec.ModifiedAt.Equal(now))
}

func TestAllocate_InvalidArgument(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)

	tests := []struct {
		name    string
		account string
		target  int64
	}{
		{"zero target", "alice", 0},
		{"negative target", "alice", -5},
		{"empty account", "", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.allocator.Allocate(context.Background(), tt.account, tt.target)
			assert.ErrorIs(t, err, credit.ErrInvalidArgument)
			assert.True(t, credit.IsClientError(err))
		})
	}
	assert.Equal(t, int64(90), f.balance(t, "alice"))
}

func TestAllocate_InsufficientWritesNothing(t *testing.T) {
	// GIVEN: alice holds 90 in total
	f := newFixture(t, nil)
	f.seedAlice(t)
	before, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 1, 10)
	require.NoError(t, err)

	// WHEN: asking for 100
	_, err = f.allocator.Allocate(context.Background(), "alice", 100)

	// THEN: insufficient funds, no record touched
	require.ErrorIs(t, err, credit.ErrInsufficientFunds)
	var ife *credit.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, int64(100), ife.Target)
	assert.Equal(t, int64(90), ife.Reachable)

	after, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAllocate_UnknownAccount(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.allocator.Allocate(context.Background(), "nobody", 1)

	assert.ErrorIs(t, err, credit.ErrInsufficientFunds)
}

func TestAllocate_IgnoresOtherStatuses(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	_, err := f.allocator.Allocate(context.Background(), "alice", 50)
	require.NoError(t, err)

	// C is frozen; 40 is all that is left
	_, err = f.allocator.Allocate(context.Background(), "alice", 50)
	assert.ErrorIs(t, err, credit.ErrInsufficientFunds)

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 40)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, alloc.CreditIDs())
}

// =============================================================================
// LOST RACES
// =============================================================================

func TestAllocate_ExactMatchLostFallsThrough(t *testing.T) {
	// GIVEN: two exact matches, both grabbed by a competitor
	rs := newRacyStore()
	f := newFixture(t, rs)
	f.seed(t, "alice", map[string]int64{"A": 30, "B": 30, "C": 50}, "A", "B", "C")
	rs.steal["A"] = true
	rs.steal["B"] = true

	// WHEN: allocating 30
	alloc, err := f.allocator.Allocate(context.Background(), "alice", 30)

	// THEN: the greedy phase covers it with the 50
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, alloc.CreditIDs())
	assert.Equal(t, int64(50), alloc.TotalValue)
}

func TestAllocate_ExactMatchSecondCandidate(t *testing.T) {
	rs := newRacyStore()
	f := newFixture(t, rs)
	f.seed(t, "alice", map[string]int64{"A": 30, "B": 30, "C": 50}, "A", "B", "C")
	rs.steal["A"] = true

	alloc, err := f.allocator.Allocate(context.Background(), "alice", 30)

	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, alloc.CreditIDs())
}

func TestAllocate_ShortfallRollsBack(t *testing.T) {
	// GIVEN: alice holds 10, 30, 50 and B is stolen mid-selection
	rs := newRacyStore()
	f := newFixture(t, rs)
	f.seedAlice(t)
	rs.steal["B"] = true

	// WHEN: allocating 80 (pre-check passes on 90)
	_, err := f.allocator.Allocate(context.Background(), "alice", 80)

	// THEN: insufficient, and everything this call froze is Available again
	var ife *credit.InsufficientFundsError
	require.True(t, errors.As(err, &ife))
	assert.Equal(t, int64(60), ife.Reachable)
	assert.Equal(t, credit.StatusAvailable, f.status(t, "alice", "C"))
	assert.Equal(t, credit.StatusAvailable, f.status(t, "alice", "A"))
	assert.Equal(t, credit.StatusFrozen, f.status(t, "alice", "B"), "competitor keeps its reservation")
	assert.Equal(t, int64(60), f.balance(t, "alice"))
}

func TestAllocate_RollbackLostIsSkipped(t *testing.T) {
	// GIVEN: B is stolen, and C gets settled before we can roll it back
	rs := newRacyStore()
	f := newFixture(t, rs)
	f.seedAlice(t)
	rs.steal["B"] = true
	rs.settle["C"] = true

	_, err := f.allocator.Allocate(context.Background(), "alice", 80)

	// THEN: still insufficient; C is left where it went, A is rolled back
	require.ErrorIs(t, err, credit.ErrInsufficientFunds)
	assert.Equal(t, credit.StatusUsed, f.status(t, "alice", "C"))
	assert.Equal(t, credit.StatusAvailable, f.status(t, "alice", "A"))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestAllocate_ConcurrentSameTarget(t *testing.T) {
	storetest.RunSameTarget(t, storetest.Interleaved(store.NewTxMemory()))
}

func TestAllocate_ConcurrentTraffic(t *testing.T) {
	storetest.RunTraffic(t, storetest.Interleaved(store.NewTxMemory()))
}

// =============================================================================
// FINALIZE AND RELEASE
// =============================================================================

func TestFinalize_MarksUsedAndMergesFields(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	alloc, err := f.allocator.Allocate(context.Background(), "alice", 60)
	require.NoError(t, err)

	res, err := f.finalizer.Finalize(context.Background(), "alice", []credit.SpendItem{
		{CreditID: "C", Fields: map[string]string{"receipt": "r-1"}},
		{CreditID: "B", Fields: map[string]string{"receipt": "r-2", "value": "1"}},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, alloc.CreditIDs(), res.Settled)

	c, err := f.ledger.Credit(context.Background(), "alice", "C")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusUsed, c.Status)
	assert.Equal(t, map[string]string{"cipher": "c-C", "receipt": "r-1"}, c.Fields)
	assert.True(t, c.LeaseUntil.IsZero())

	b, err := f.ledger.Credit(context.Background(), "alice", "B")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.Value)

	spent, err := f.ledger.Expenditure(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(80), spent)
}

func TestFinalize_PerItemFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	_, err := f.allocator.Allocate(context.Background(), "alice", 50)
	require.NoError(t, err)

	res, err := f.finalizer.Finalize(context.Background(), "alice", []credit.SpendItem{
		{CreditID: "C"},       // frozen: settles
		{CreditID: "A"},       // available: stale
		{CreditID: "missing"}, // unknown
		{CreditID: ""},        // malformed
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, res.Settled)
	require.Len(t, res.Failed, 3)
	assert.Equal(t, "A", res.Failed[0].CreditID)
	assert.ErrorIs(t, res.Failed[0], credit.ErrStaleReservation)
	assert.ErrorIs(t, res.Failed[1], credit.ErrNotFound)
	assert.ErrorIs(t, res.Failed[2], credit.ErrInvalidArgument)
	assert.ErrorIs(t, res.Err(), credit.ErrStaleReservation)

	// finalizing twice is stale, never a second spend
	res, err = f.finalizer.Finalize(context.Background(), "alice", []credit.SpendItem{{CreditID: "C"}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), credit.ErrStaleReservation)
}

func TestFinalize_MalformedBatch(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.finalizer.Finalize(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	_, err = f.finalizer.Finalize(context.Background(), "", []credit.SpendItem{{CreditID: "A"}})
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestRelease(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	alloc, err := f.allocator.Allocate(context.Background(), "alice", 60)
	require.NoError(t, err)
	assert.Equal(t, int64(10), f.balance(t, "alice"))

	res, err := f.allocator.Release(context.Background(), "alice", alloc.CreditIDs())
	require.NoError(t, err)
	require.NoError(t, res.Err())
	assert.Equal(t, int64(90), f.balance(t, "alice"))

	rec, err := f.store.Get(context.Background(), "alice", "C")
	require.NoError(t, err)
	assert.True(t, rec.LeaseUntil.IsZero())

	// releasing again is stale
	res, err = f.allocator.Release(context.Background(), "alice", []string{"C"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), credit.ErrStaleReservation)

	_, err = f.allocator.Release(context.Background(), "alice", nil)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestListPage_Pagination(t *testing.T) {
	// GIVEN: seven available credits created in order
	f := newFixture(t, nil)
	values := map[string]int64{}
	var order []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("r%d", i)
		values[id] = int64(i + 1)
		order = append(order, id)
	}
	f.seed(t, "alice", values, order...)

	// WHEN: reading page 2 of size 3
	page, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 2, 3)

	// THEN: records 3..5 and the full count
	require.NoError(t, err)
	assert.Equal(t, 7, page.TotalCount)
	ids := make([]string, len(page.Items))
	for i, r := range page.Items {
		ids[i] = r.CreditID
	}
	assert.Equal(t, []string{"r3", "r4", "r5"}, ids)

	last, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 3, 3)
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)

	beyond, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 4, 3)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.Equal(t, 7, beyond.TotalCount)

	zero, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 0, 3)
	require.NoError(t, err)
	assert.Empty(t, zero.Items)

	huge, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 1<<62+1, 4)
	require.NoError(t, err)
	assert.Empty(t, huge.Items)
	assert.Equal(t, 7, huge.TotalCount)
}

func TestListPage_Invalid(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.ledger.ListPage(context.Background(), "alice", credit.StatusAvailable, 1, 0)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	_, err = f.ledger.ListPage(context.Background(), "alice", credit.Status("spent"), 1, 10)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	_, err = f.ledger.ListPage(context.Background(), "", credit.StatusAvailable, 1, 10)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestLedger_UnknownAccountIsZero(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.ledger.Summary(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, credit.Summary{}, s)

	_, err = f.ledger.Credit(context.Background(), "nobody", "A")
	assert.True(t, credit.IsNotFound(err))
}

func TestDeposit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec, err := f.ledger.Deposit(ctx, "alice", "", 25, map[string]string{"cipher": "x", "status": "used"})
	require.NoError(t, err)
	_, err = uuid.Parse(rec.CreditID)
	assert.NoError(t, err, "generated id %q", rec.CreditID)
	assert.Equal(t, credit.StatusAvailable, rec.Status)
	assert.Equal(t, map[string]string{"cipher": "x"}, rec.Fields)

	_, err = f.ledger.Deposit(ctx, "alice", rec.CreditID, 5, nil)
	assert.ErrorIs(t, err, credit.ErrDuplicateCredit)

	_, err = f.ledger.Deposit(ctx, "alice", "neg", -1, nil)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	_, err = f.ledger.Deposit(ctx, "", "x", 1, nil)
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)

	assert.Equal(t, int64(25), f.balance(t, "alice"))
}

// =============================================================================
// REAPER
// =============================================================================

func TestHoldReaper_RunOnce(t *testing.T) {
	// GIVEN: a reservation with a 15 minute lease
	f := newFixture(t, nil)
	f.seedAlice(t)
	_, err := f.allocator.Allocate(context.Background(), "alice", 50)
	require.NoError(t, err)

	reaper := credit.NewHoldReaper(f.store, time.Minute, logging.Discard())
	reaper.Now = f.clock.Now

	// WHEN: the lease has not ended
	n, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// WHEN: it has
	f.clock.Advance(16 * time.Minute)
	n, err = reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// THEN: the credit is Available and the late finalize is stale
	assert.Equal(t, int64(90), f.balance(t, "alice"))
	res, err := f.finalizer.Finalize(context.Background(), "alice", []credit.SpendItem{{CreditID: "C"}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err(), credit.ErrStaleReservation)
}

func TestHoldReaper_NoLeaseNoExpiry(t *testing.T) {
	f := newFixture(t, nil)
	f.allocator.HoldTTL = 0
	f.seedAlice(t)
	_, err := f.allocator.Allocate(context.Background(), "alice", 50)
	require.NoError(t, err)

	reaper := credit.NewHoldReaper(f.store, time.Minute, logging.Discard())
	reaper.Now = func() time.Time { return f.clock.Now().Add(24 * 365 * time.Hour) }

	n, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHoldReaper_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAlice(t)
	_, err := f.allocator.Allocate(context.Background(), "alice", 90)
	require.NoError(t, err)

	reaper := credit.NewHoldReaper(f.store, 10*time.Millisecond, logging.Discard())
	reaper.Now = func() time.Time { return f.clock.Now().Add(time.Hour) }
	reaper.Start()
	reaper.Start() // no-op

	assert.Eventually(t, func() bool {
		b, err := f.ledger.Balance(context.Background(), "alice")
		return err == nil && b == 90
	}, time.Second, 5*time.Millisecond)

	reaper.Stop()
	reaper.Stop() // no-op
}

// =============================================================================
// ERRORS
// =============================================================================

func TestUnavailable(t *testing.T) {
	driver := errors.New("connection reset")
	err := credit.Unavailable("list", driver)

	assert.ErrorIs(t, err, credit.ErrStorageUnavailable)
	assert.ErrorIs(t, err, driver)
	assert.True(t, credit.IsRetryable(err))
	assert.False(t, credit.IsClientError(err))

	assert.Nil(t, credit.Unavailable("list", nil))
	assert.Equal(t, credit.ErrNotFound, credit.Unavailable("get", credit.ErrNotFound))
	assert.Equal(t, context.Canceled, credit.Unavailable("get", context.Canceled))
}

func TestParseStatus_LegacyCodes(t *testing.T) {
	for in, want := range map[string]credit.Status{
		"0": credit.StatusAvailable, "1": credit.StatusUsed, "2": credit.StatusFrozen,
		"available": credit.StatusAvailable, " Frozen ": credit.StatusFrozen,
	} {
		got, err := credit.ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := credit.ParseStatus("3")
	assert.ErrorIs(t, err, credit.ErrInvalidArgument)
}

func TestParseValue(t *testing.T) {
	v, err := credit.ParseValue("12.000")
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	for _, bad := range []string{"", "1.5", "-1", "abc", "99999999999999999999"} {
		_, err := credit.ParseValue(bad)
		assert.ErrorIs(t, err, credit.ErrInvalidArgument, bad)
	}
}
