package storetest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/safekeeper/credit-vault/credit"
	"github.com/safekeeper/credit-vault/logging"
)

// =============================================================================
// INTERLEAVED - allocations without a transaction boundary
// =============================================================================

// Interleaved returns s with WithTx reduced to a plain call, so concurrent
// allocations run statement by statement against the store and race on
// every conditional write. Allocation must stay correct without isolation;
// ownership is decided by TryTransition alone.
func Interleaved(s credit.TxStore) credit.TxStore {
	return interleaved{TxStore: s}
}

type interleaved struct {
	credit.TxStore
}

func (i interleaved) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(i.TxStore)
}

// =============================================================================
// SAME TARGET
// =============================================================================

// RunSameTarget races two allocations of 50 over {A:10, B:30, C:50}: exactly
// one gets C, the other fails without touching A or B.
func RunSameTarget(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	log := logging.Discard()
	ledger := credit.NewLedger(s, log)
	for _, c := range []struct {
		id    string
		value int64
	}{{"A", 10}, {"B", 30}, {"C", 50}} {
		_, err := ledger.Deposit(ctx, "alice", c.id, c.value, nil)
		require.NoError(t, err)
	}
	alloc := credit.NewAllocator(s, log)

	var (
		mu      sync.Mutex
		results []credit.Allocation
		errs    []error
		start   = make(chan struct{})
	)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			<-start
			a, err := alloc.Allocate(ctx, "alice", 50)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			results = append(results, a)
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	require.Len(t, results, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"C"}, results[0].CreditIDs())
	assert.ErrorIs(t, errs[0], credit.ErrInsufficientFunds)
	for _, id := range []string{"A", "B"} {
		rec, err := s.Get(ctx, "alice", id)
		require.NoError(t, err)
		assert.Equal(t, credit.StatusAvailable, rec.Status, id)
	}
}

// =============================================================================
// MIXED TRAFFIC
// =============================================================================

const (
	trafficCredits    = 60
	trafficWorkers    = 8
	trafficIterations = 25
)

// RunTraffic drives concurrent allocate, finalize and release calls at one
// account. It checks that no credit belongs to two outstanding allocations,
// that per-status sums always add up to what was deposited (sampled while
// the traffic runs), and that everything settles in the end.
func RunTraffic(t *testing.T, s credit.TxStore) {
	ctx := context.Background()
	log := logging.Discard()
	ledger := credit.NewLedger(s, log)
	allocator := credit.NewAllocator(s, log)
	allocator.HoldTTL = time.Hour
	finalizer := credit.NewFinalizer(s, log)

	rng := rand.New(rand.NewSource(42))
	var total int64
	for i := 0; i < trafficCredits; i++ {
		v := int64(rng.Intn(20) + 1)
		_, err := ledger.Deposit(ctx, "alice", fmt.Sprintf("c%02d", i), v, nil)
		require.NoError(t, err)
		total += v
	}

	var (
		mu    sync.Mutex
		owner = make(map[string]int)
		spent int64
	)
	claim := func(w int, a credit.Allocation) error {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range a.CreditIDs() {
			if prev, taken := owner[id]; taken {
				return fmt.Errorf("credit %s held by workers %d and %d", id, prev, w)
			}
			owner[id] = w
		}
		return nil
	}
	// unclaim runs before the settle call; once released, a credit may be
	// claimed again right away.
	unclaim := func(a credit.Allocation, finalized bool) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range a.CreditIDs() {
			delete(owner, id)
		}
		if finalized {
			spent += a.TotalValue
		}
	}

	stop := make(chan struct{})
	sampled := make(chan error, 1)
	go func() {
		var samples int
		for {
			select {
			case <-stop:
				if samples == 0 {
					sampled <- errors.New("no summary sampled during traffic")
					return
				}
				sampled <- nil
				return
			default:
			}
			sum, err := ledger.Summary(ctx, "alice")
			if err != nil {
				sampled <- err
				return
			}
			if sum.Total() != total {
				sampled <- fmt.Errorf("summary %+v totals %d, deposited %d", sum, sum.Total(), total)
				return
			}
			samples++
			time.Sleep(time.Millisecond)
		}
	}()

	var g errgroup.Group
	for w := 0; w < trafficWorkers; w++ {
		w := w
		wrng := rand.New(rand.NewSource(int64(w) + 1))
		g.Go(func() error {
			for i := 0; i < trafficIterations; i++ {
				target := int64(wrng.Intn(40) + 1)
				a, err := allocator.Allocate(ctx, "alice", target)
				if errors.Is(err, credit.ErrInsufficientFunds) {
					continue
				}
				if err != nil {
					return err
				}
				if a.TotalValue < target {
					return fmt.Errorf("reserved %d for target %d", a.TotalValue, target)
				}
				if err := claim(w, a); err != nil {
					return err
				}

				var res credit.SettlementResult
				if wrng.Intn(3) == 0 {
					unclaim(a, true)
					items := make([]credit.SpendItem, len(a.Credits))
					for j, c := range a.Credits {
						items[j] = credit.SpendItem{CreditID: c.CreditID, Fields: map[string]string{"worker": fmt.Sprint(w)}}
					}
					res, err = finalizer.Finalize(ctx, "alice", items)
				} else {
					unclaim(a, false)
					res, err = allocator.Release(ctx, "alice", a.CreditIDs())
				}
				if err != nil {
					return err
				}
				if err := res.Err(); err != nil {
					return fmt.Errorf("worker %d settle: %w", w, err)
				}
			}
			return nil
		})
	}
	workErr := g.Wait()
	close(stop)
	require.NoError(t, workErr)
	require.NoError(t, <-sampled)

	sum, err := ledger.Summary(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, sum.Frozen)
	assert.Equal(t, spent, sum.Used)
	assert.Equal(t, total-spent, sum.Available)
	assert.Empty(t, owner)
}
