// Package store provides in-memory credit.Store implementations.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/safekeeper/credit-vault/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps credits in a map. Each method holds the mutex for its whole
// duration, which makes TryTransition an atomic compare-and-set.
type Memory struct {
	mu      sync.RWMutex
	credits map[key]credit.Record
}

type key struct {
	Account  string
	CreditID string
}

func NewMemory() *Memory {
	return &Memory{credits: make(map[key]credit.Record)}
}

func (m *Memory) Insert(_ context.Context, rec credit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(rec)
}

func (m *Memory) Get(_ context.Context, account, creditID string) (credit.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(account, creditID)
}

func (m *Memory) ListByStatus(_ context.Context, account string, status credit.Status) ([]credit.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(account, status), nil
}

func (m *Memory) SumValueByStatus(_ context.Context, account string, status credit.Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(account, status)
}

func (m *Memory) Summarize(_ context.Context, account string) (credit.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summarizeLocked(account)
}

func (m *Memory) TryTransition(_ context.Context, t credit.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(t), nil
}

func (m *Memory) TryFinalize(_ context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked(account, creditID, fields, at), nil
}

func (m *Memory) ReleaseExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseExpiredLocked(now), nil
}

// Len returns the number of stored credits.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.credits)
}

// =============================================================================
// LOCKED OPERATIONS - shared by Memory and the transactional view
// =============================================================================

func (m *Memory) insertLocked(rec credit.Record) error {
	k := key{Account: rec.Account, CreditID: rec.CreditID}
	if _, exists := m.credits[k]; exists {
		return credit.ErrDuplicateCredit
	}
	m.credits[k] = rec.Clone()
	return nil
}

func (m *Memory) getLocked(account, creditID string) (credit.Record, error) {
	rec, ok := m.credits[key{Account: account, CreditID: creditID}]
	if !ok {
		return credit.Record{}, credit.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) listLocked(account string, status credit.Status) []credit.Record {
	var result []credit.Record
	for k, rec := range m.credits {
		if k.Account == account && rec.Status == status {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].CreditID < result[j].CreditID
	})
	return result
}

// sumLocked fails on int64 overflow, like the SQL stores parsing an
// oversized SUM.
func (m *Memory) sumLocked(account string, status credit.Status) (int64, error) {
	var total int64
	for k, rec := range m.credits {
		if k.Account != account || rec.Status != status {
			continue
		}
		if rec.Value > math.MaxInt64-total {
			return 0, fmt.Errorf("%w: sum of %s credits for %s overflows", credit.ErrInvalidArgument, status, account)
		}
		total += rec.Value
	}
	return total, nil
}

func (m *Memory) summarizeLocked(account string) (credit.Summary, error) {
	var (
		s   credit.Summary
		err error
	)
	if s.Available, err = m.sumLocked(account, credit.StatusAvailable); err != nil {
		return credit.Summary{}, err
	}
	if s.Frozen, err = m.sumLocked(account, credit.StatusFrozen); err != nil {
		return credit.Summary{}, err
	}
	if s.Used, err = m.sumLocked(account, credit.StatusUsed); err != nil {
		return credit.Summary{}, err
	}
	return s, nil
}

func (m *Memory) transitionLocked(t credit.Transition) bool {
	k := key{Account: t.Account, CreditID: t.CreditID}
	rec, ok := m.credits[k]
	if !ok || rec.Status != t.From {
		return false
	}
	rec.Status = t.To
	if t.To == credit.StatusFrozen {
		rec.LeaseUntil = t.LeaseUntil
	} else {
		rec.LeaseUntil = time.Time{}
	}
	touch(&rec, t.At)
	m.credits[k] = rec
	return true
}

func (m *Memory) finalizeLocked(account, creditID string, fields map[string]string, at time.Time) bool {
	k := key{Account: account, CreditID: creditID}
	rec, ok := m.credits[k]
	if !ok || rec.Status != credit.StatusFrozen {
		return false
	}
	merged := credit.CopyFields(rec.Fields)
	for name, v := range credit.CopyFields(fields) {
		merged[name] = v
	}
	rec.Fields = merged
	rec.Status = credit.StatusUsed
	rec.LeaseUntil = time.Time{}
	touch(&rec, at)
	m.credits[k] = rec
	return true
}

func (m *Memory) releaseExpiredLocked(now time.Time) int64 {
	var n int64
	for k, rec := range m.credits {
		if rec.Status != credit.StatusFrozen || rec.LeaseUntil.IsZero() || rec.LeaseUntil.After(now) {
			continue
		}
		rec.Status = credit.StatusAvailable
		rec.LeaseUntil = time.Time{}
		touch(&rec, now)
		m.credits[k] = rec
		n++
	}
	return n
}

// touch keeps ModifiedAt monotonic per record.
func touch(rec *credit.Record, at time.Time) {
	if at.After(rec.ModifiedAt) {
		rec.ModifiedAt = at
	}
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held throughout, so transactions are serialized.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.credits = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() map[key]credit.Record {
	cp := make(map[key]credit.Record, len(tm.credits))
	for k, v := range tm.credits {
		cp[k] = v.Clone()
	}
	return cp
}

// txMemoryView runs operations against the parent without re-locking.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) Insert(_ context.Context, rec credit.Record) error {
	return tv.parent.insertLocked(rec)
}

func (tv *txMemoryView) Get(_ context.Context, account, creditID string) (credit.Record, error) {
	return tv.parent.getLocked(account, creditID)
}

func (tv *txMemoryView) ListByStatus(_ context.Context, account string, status credit.Status) ([]credit.Record, error) {
	return tv.parent.listLocked(account, status), nil
}

func (tv *txMemoryView) SumValueByStatus(_ context.Context, account string, status credit.Status) (int64, error) {
	return tv.parent.sumLocked(account, status)
}

func (tv *txMemoryView) Summarize(_ context.Context, account string) (credit.Summary, error) {
	return tv.parent.summarizeLocked(account)
}

func (tv *txMemoryView) TryTransition(ctx context.Context, t credit.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return tv.parent.transitionLocked(t), nil
}

func (tv *txMemoryView) TryFinalize(_ context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error) {
	return tv.parent.finalizeLocked(account, creditID, fields, at), nil
}

func (tv *txMemoryView) ReleaseExpired(_ context.Context, now time.Time) (int64, error) {
	return tv.parent.releaseExpiredLocked(now), nil
}

var (
	_ credit.TxStore = (*TxMemory)(nil)
	_ credit.Store   = (*txMemoryView)(nil)
)
