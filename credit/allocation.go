/*
allocation.go - Reserve credits covering a target amount

PURPOSE:
  Allocate selects and freezes a set of an account's Available credits
  whose values sum to at least the target. Any number of callers may
  allocate against the same account at once; no credit is ever reserved
  twice and a failed attempt leaves nothing frozen behind.

WHY NOT READ-THEN-WRITE:
  Reading the balance, choosing credits and writing them Frozen is unsafe:
  two callers can pick the same credit. The candidate list here is only a
  list of things to TRY. TryTransition(Available -> Frozen) is the only
  source of truth about availability.

PROTOCOL (one call, one storage transaction):
  1. candidates := ListByStatus(Available)
  2. exact match: try to freeze a credit whose value == target; done on
     success, on a lost race the credit counts as unavailable
  3. sufficiency: sum of remaining candidates < target -> InsufficientFunds,
     no writes attempted
  4. greedy: value descending (ties by credit id), freeze each candidate,
     skip lost races, stop once reserved >= target
  5. shortfall: freeze -> available for everything reserved in this call,
     rollbacks that lose are logged and left alone, then InsufficientFunds

  The pure part (ordering, sums) lives in planAllocation; the CAS loop lives
  in reserve, which only sees a snapshot and a write function.

OVER-RESERVATION:
  Credits are never split. Target 45 over {10, 30, 50} reserves 50 and
  reports TotalValue 50.

SEE ALSO:
  - store.go: TryTransition contract
  - finalize.go: what happens to reserved credits afterwards
*/
package credit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safekeeper/credit-vault/metrics"
)

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator reserves credits. It holds no locks and no per-account state;
// concurrent calls coordinate only through the store's conditional writes.
type Allocator struct {
	Store  TxStore
	Logger logrus.FieldLogger

	// HoldTTL is the lease attached to every freeze. Zero means holds never
	// expire on their own.
	HoldTTL time.Duration

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

// NewAllocator creates an allocator over store.
func NewAllocator(store TxStore, logger logrus.FieldLogger) *Allocator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Allocator{Store: store, Logger: logger}
}

func (a *Allocator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// Allocate reserves credits of account whose combined value covers target.
// Retrying after a success reserves additional credits.
func (a *Allocator) Allocate(ctx context.Context, account string, target int64) (Allocation, error) {
	started := time.Now()
	if account == "" {
		metrics.RecordAllocation(metrics.OutcomeInvalid, started)
		return Allocation{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if target <= 0 {
		metrics.RecordAllocation(metrics.OutcomeInvalid, started)
		return Allocation{}, fmt.Errorf("%w: target must be positive, got %d", ErrInvalidArgument, target)
	}

	log := a.Logger.WithFields(logrus.Fields{"account": account, "target": target})

	var (
		result    Allocation
		shortfall *InsufficientFundsError
		outcome   string
	)
	err := a.Store.WithTx(ctx, func(s Store) error {
		var err error
		result, outcome, shortfall, err = a.allocate(ctx, s, log, account, target)
		return err
	})
	if err != nil {
		metrics.RecordAllocation(metrics.OutcomeError, started)
		log.WithError(err).Error("allocation failed")
		return Allocation{}, Unavailable("allocate", err)
	}
	if shortfall != nil {
		metrics.RecordAllocation(metrics.OutcomeInsufficient, started)
		log.WithField("reachable", shortfall.Reachable).Info("insufficient funds")
		return Allocation{}, shortfall
	}

	metrics.RecordAllocation(outcome, started)
	log.WithFields(logrus.Fields{
		"reserved": result.TotalValue,
		"credits":  len(result.Credits),
	}).Info("credits reserved")
	return result, nil
}

// allocate runs the protocol against s. Shortfalls are reported through the
// returned error value, not err, so the enclosing transaction commits the
// rollback writes.
func (a *Allocator) allocate(ctx context.Context, s Store, log logrus.FieldLogger, account string, target int64) (Allocation, string, *InsufficientFundsError, error) {
	candidates, err := s.ListByStatus(ctx, account, StatusAvailable)
	if err != nil {
		return Allocation{}, "", nil, err
	}
	log.WithField("candidates", len(candidates)).Debug("fetched candidates")

	freeze := a.freezer(s, account)
	p := planAllocation(candidates, target)

	lost := make(map[string]bool)
	for _, c := range p.exact {
		ok, rec, err := freeze(ctx, c)
		if err != nil {
			return Allocation{}, "", nil, err
		}
		if ok {
			return Allocation{Account: account, Credits: []Record{rec}, TotalValue: rec.Value}, metrics.OutcomeExact, nil, nil
		}
		metrics.RecordLostRace()
		lost[c.CreditID] = true
	}

	ordered, total := p.without(lost)
	if total < target {
		return Allocation{}, "", &InsufficientFundsError{Account: account, Target: target, Reachable: total}, nil
	}

	selected, reserved, err := reserve(ctx, freeze, ordered, target)
	if err != nil {
		return Allocation{}, "", nil, err
	}
	if reserved >= target {
		return Allocation{Account: account, Credits: selected, TotalValue: reserved}, metrics.OutcomeGreedy, nil, nil
	}

	if err := a.rollback(ctx, s, log, account, selected); err != nil {
		return Allocation{}, "", nil, err
	}
	return Allocation{}, "", &InsufficientFundsError{Account: account, Target: target, Reachable: reserved}, nil
}

// freezeFunc attempts Available -> Frozen on one candidate and returns the
// record as it now stands.
type freezeFunc func(ctx context.Context, c Record) (bool, Record, error)

func (a *Allocator) freezer(s Store, account string) freezeFunc {
	return func(ctx context.Context, c Record) (bool, Record, error) {
		at := a.now()
		t := Transition{
			Account:  account,
			CreditID: c.CreditID,
			From:     StatusAvailable,
			To:       StatusFrozen,
			At:       at,
		}
		if a.HoldTTL > 0 {
			t.LeaseUntil = at.Add(a.HoldTTL)
		}
		ok, err := s.TryTransition(ctx, t)
		if err != nil || !ok {
			return ok, Record{}, err
		}
		rec := c.Clone()
		rec.Status = StatusFrozen
		rec.LeaseUntil = t.LeaseUntil
		if at.After(rec.ModifiedAt) {
			rec.ModifiedAt = at
		}
		return true, rec, nil
	}
}

// rollback returns every record reserved by this attempt to Available.
func (a *Allocator) rollback(ctx context.Context, s Store, log logrus.FieldLogger, account string, selected []Record) error {
	for _, rec := range selected {
		ok, err := s.TryTransition(ctx, Transition{
			Account:  account,
			CreditID: rec.CreditID,
			From:     StatusFrozen,
			To:       StatusAvailable,
			At:       a.now(),
		})
		if err != nil {
			return err
		}
		metrics.RecordRollback(ok)
		if !ok {
			// The record moved on for another reason; forcing it back would
			// steal it from its new owner.
			log.WithField("credit_id", rec.CreditID).Warn("rollback skipped, credit no longer frozen")
		}
	}
	return nil
}

// =============================================================================
// SELECTION - pure, snapshot in, ordering out
// =============================================================================

// allocationPlan is the ordering of one candidate snapshot.
type allocationPlan struct {
	// exact holds candidates whose value equals the target, by credit id.
	exact []Record
	// ordered holds every positive-value candidate, value descending, ties
	// broken by credit id.
	ordered []Record
}

func planAllocation(candidates []Record, target int64) allocationPlan {
	var p allocationPlan
	for _, c := range candidates {
		if c.Value <= 0 {
			continue
		}
		if c.Value == target {
			p.exact = append(p.exact, c)
		}
		p.ordered = append(p.ordered, c)
	}
	sort.Slice(p.exact, func(i, j int) bool {
		return p.exact[i].CreditID < p.exact[j].CreditID
	})
	sort.SliceStable(p.ordered, func(i, j int) bool {
		if p.ordered[i].Value != p.ordered[j].Value {
			return p.ordered[i].Value > p.ordered[j].Value
		}
		return p.ordered[i].CreditID < p.ordered[j].CreditID
	})
	return p
}

// without drops the excluded credits and returns the remaining order and
// its total.
func (p allocationPlan) without(excluded map[string]bool) ([]Record, int64) {
	out := make([]Record, 0, len(p.ordered))
	var total int64
	for _, c := range p.ordered {
		if excluded[c.CreditID] {
			continue
		}
		out = append(out, c)
		total = addCapped(total, c.Value)
	}
	return out, total
}

// reserve walks ordered, freezing until reserved >= target. Lost races are
// skipped and never retried.
func reserve(ctx context.Context, freeze freezeFunc, ordered []Record, target int64) ([]Record, int64, error) {
	var (
		selected []Record
		reserved int64
	)
	for _, c := range ordered {
		if reserved >= target {
			break
		}
		ok, rec, err := freeze(ctx, c)
		if err != nil {
			return selected, reserved, err
		}
		if !ok {
			metrics.RecordLostRace()
			continue
		}
		selected = append(selected, rec)
		reserved = addCapped(reserved, rec.Value)
	}
	return selected, reserved, nil
}

func addCapped(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
