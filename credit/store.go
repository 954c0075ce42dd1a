/*
store.go - Persistence interface for credit records

PURPOSE:
  Defines the boundary between the engine and durable storage. The Store is
  the only component that reads or writes credit rows.

KEY INTERFACES:
  Store:   point lookups, status scans, aggregates, guarded writes
  TxStore: Store plus a transaction boundary for one allocation

THE CONDITIONAL WRITE:
  TryTransition is a single atomic statement, e.g.

    UPDATE credits SET status = 'frozen'
    WHERE account = ? AND credit_id = ? AND status = 'available'

  It returns true when exactly one row changed and false when the row was
  not in the expected status. False is the normal signal of a lost race,
  never an error. Implementations MUST NOT read then write.

FRESHNESS:
  ListByStatus and SumValueByStatus return a snapshot that may be stale by
  the time the caller acts on it. Only TryTransition decides ownership.

IMPLEMENTATIONS:
  - credit/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL

SEE ALSO:
  - allocation.go: the protocol built on TryTransition
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Interface for credit persistence
// =============================================================================

// Store persists credit records for many accounts.
type Store interface {
	// Insert creates a record. Fails with ErrDuplicateCredit if
	// (Account, CreditID) exists.
	Insert(ctx context.Context, rec Record) error

	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, account, creditID string) (Record, error)

	// ListByStatus returns the account's records currently in status,
	// ordered by CreatedAt then CreditID.
	ListByStatus(ctx context.Context, account string, status Status) ([]Record, error)

	// SumValueByStatus returns the summed value of the account's records in
	// status. Zero for an account with no records.
	SumValueByStatus(ctx context.Context, account string, status Status) (int64, error)

	// Summarize returns the account's per-status sums from one consistent
	// read. Zero for an account with no records.
	Summarize(ctx context.Context, account string) (Summary, error)

	// TryTransition applies t if the record is currently in t.From.
	TryTransition(ctx context.Context, t Transition) (bool, error)

	// TryFinalize marks a Frozen record Used, merges fields into its stored
	// fields and clears its lease, in one guarded write. False means the
	// record was not Frozen (or does not exist).
	TryFinalize(ctx context.Context, account, creditID string, fields map[string]string, at time.Time) (bool, error)

	// ReleaseExpired returns every Frozen record whose lease ended at or
	// before now to Available, in one statement. Returns the count.
	ReleaseExpired(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
