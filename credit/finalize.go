/*
finalize.go - Settle previously reserved credits

PURPOSE:
  Finalize commits the caller's actual usage of frozen credits: it writes
  the caller's field data and marks each credit Used. Release hands frozen
  credits back to Available when the caller decides not to spend them.

BATCH SEMANTICS:
  Every item is an independent conditional write. An item whose credit is
  no longer Frozen (rolled back, reaped, already finalized) fails with
  ErrStaleReservation; the other items still settle. Callers treat
  finalization as idempotent by credit id.

SEE ALSO:
  - allocation.go: produces the reservations settled here
  - reaper.go: releases holds nobody settled
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/safekeeper/credit-vault/metrics"
)

// SpendItem is the usage written against one reserved credit.
type SpendItem struct {
	CreditID string
	Fields   map[string]string
}

// SettlementResult reports the outcome of a finalize or release batch.
type SettlementResult struct {
	Settled []string
	Failed  []*ItemError
}

// Err joins the item failures, nil when every item settled.
func (r SettlementResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// =============================================================================
// FINALIZER
// =============================================================================

// Finalizer marks frozen credits Used.
type Finalizer struct {
	Store  Store
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// NewFinalizer creates a finalizer over store.
func NewFinalizer(store Store, logger logrus.FieldLogger) *Finalizer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Finalizer{Store: store, Logger: logger}
}

// Finalize settles items for account. The returned error is non-nil only
// when the batch as a whole is malformed; per-item failures are in the
// result.
func (f *Finalizer) Finalize(ctx context.Context, account string, items []SpendItem) (SettlementResult, error) {
	if account == "" {
		return SettlementResult{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if len(items) == 0 {
		return SettlementResult{}, fmt.Errorf("%w: no items to finalize", ErrInvalidArgument)
	}

	log := f.Logger.WithField("account", account)
	var res SettlementResult
	for _, item := range items {
		err := f.finalizeOne(ctx, account, item)
		res.record("finalize", item.CreditID, err)
		if err != nil {
			log.WithField("credit_id", item.CreditID).WithError(err).Warn("finalize item failed")
		}
	}
	log.WithFields(logrus.Fields{
		"settled": len(res.Settled),
		"failed":  len(res.Failed),
	}).Info("finalize batch done")
	return res, nil
}

func (f *Finalizer) finalizeOne(ctx context.Context, account string, item SpendItem) error {
	if item.CreditID == "" {
		return fmt.Errorf("%w: credit id is required", ErrInvalidArgument)
	}
	at := time.Now().UTC()
	if f.Now != nil {
		at = f.Now().UTC()
	}
	ok, err := f.Store.TryFinalize(ctx, account, item.CreditID, CopyFields(item.Fields), at)
	if err != nil {
		return Unavailable("finalize", err)
	}
	if ok {
		return nil
	}
	return classifyMiss(ctx, f.Store, account, item.CreditID)
}

// =============================================================================
// RELEASE
// =============================================================================

// Release returns frozen credits of account to Available.
func (a *Allocator) Release(ctx context.Context, account string, creditIDs []string) (SettlementResult, error) {
	if account == "" {
		return SettlementResult{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if len(creditIDs) == 0 {
		return SettlementResult{}, fmt.Errorf("%w: no credits to release", ErrInvalidArgument)
	}

	log := a.Logger.WithField("account", account)
	var res SettlementResult
	for _, id := range creditIDs {
		err := a.releaseOne(ctx, account, id)
		res.record("release", id, err)
		if err != nil {
			log.WithField("credit_id", id).WithError(err).Warn("release item failed")
		}
	}
	return res, nil
}

func (a *Allocator) releaseOne(ctx context.Context, account, creditID string) error {
	if creditID == "" {
		return fmt.Errorf("%w: credit id is required", ErrInvalidArgument)
	}
	ok, err := a.Store.TryTransition(ctx, Transition{
		Account:  account,
		CreditID: creditID,
		From:     StatusFrozen,
		To:       StatusAvailable,
		At:       a.now(),
	})
	if err != nil {
		return Unavailable("release", err)
	}
	if ok {
		return nil
	}
	return classifyMiss(ctx, a.Store, account, creditID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (r *SettlementResult) record(op, creditID string, err error) {
	if err == nil {
		r.Settled = append(r.Settled, creditID)
		metrics.RecordSettlement(op, "ok")
		return
	}
	r.Failed = append(r.Failed, &ItemError{CreditID: creditID, Err: err})
	switch {
	case errors.Is(err, ErrStaleReservation):
		metrics.RecordSettlement(op, "stale")
	case errors.Is(err, ErrNotFound):
		metrics.RecordSettlement(op, "not_found")
	default:
		metrics.RecordSettlement(op, "error")
	}
}

// classifyMiss explains why a guarded write on a frozen credit changed
// nothing.
func classifyMiss(ctx context.Context, s Store, account, creditID string) error {
	rec, err := s.Get(ctx, account, creditID)
	if err != nil {
		return Unavailable("get", err)
	}
	return fmt.Errorf("%w: credit %s is %s", ErrStaleReservation, creditID, rec.Status)
}
