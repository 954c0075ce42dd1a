/*
Package credit provides the credit ledger and allocation engine.

PURPOSE:
  An account owns a set of fungible credit records (opaque tokens with a
  face value, e.g. digital-credential units). This package tracks their
  lifecycle, answers balance queries, and lets a caller atomically reserve
  a subset of an account's credits whose combined value covers a target.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: one credit, identified by (Account, CreditID)
  - Status: Available, Frozen, Used
  - Transition: a guarded status change, the only mutation the engine makes
  - Allocation: the credits reserved by one Allocate call

LIFECYCLE:
  Available --[freeze]--> Frozen --[finalize]--> Used
  Frozen --[rollback / release / lease expiry]--> Available
  Used is terminal. Available -> Used is forbidden.

VALUES:
  Values are non-negative integers. They travel as decimal text (storage
  columns, JSON fields) and are parsed with shopspring/decimal so that
  "10", "10.0" and " 10" never disagree.

SEE ALSO:
  - store.go: persistence interfaces
  - allocation.go: the allocation protocol
  - ledger.go: read-side aggregation and ingestion
*/
package credit

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a credit record.
type Status string

const (
	StatusAvailable Status = "available"
	StatusFrozen    Status = "frozen"
	StatusUsed      Status = "used"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusFrozen, StatusUsed:
		return true
	}
	return false
}

// ParseStatus accepts the status names plus the legacy numeric codes
// ("0" available, "1" used, "2" frozen).
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available", "0":
		return StatusAvailable, nil
	case "frozen", "2":
		return StatusFrozen, nil
	case "used", "1":
		return StatusUsed, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusAvailable:
		return to == StatusFrozen
	case StatusFrozen:
		return to == StatusAvailable || to == StatusUsed
	}
	return false
}

// =============================================================================
// RECORD
// =============================================================================

// Reserved field names. They are columns, never entries of Record.Fields.
const (
	FieldValue  = "value"
	FieldStatus = "status"
)

// Record is one credit owned by an account.
type Record struct {
	Account  string
	CreditID string
	Value    int64
	Status   Status

	// Fields is the opaque backing data stored with the credit.
	Fields map[string]string

	// LeaseUntil is set while Frozen when holds carry a lease; zero otherwise.
	LeaseUntil time.Time

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Clone returns a copy that shares no maps with r.
func (r Record) Clone() Record {
	out := r
	out.Fields = CopyFields(r.Fields)
	return out
}

// CopyFields copies a field map, dropping reserved names.
func CopyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k == FieldValue || k == FieldStatus {
			continue
		}
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSITION
// =============================================================================

// Transition describes one guarded status change. It is applied only if the
// record's persisted status equals From at the instant of the write.
type Transition struct {
	Account  string
	CreditID string
	From     Status
	To       Status

	// LeaseUntil is stored when To is Frozen. Zero clears any lease.
	LeaseUntil time.Time

	// At is the modification timestamp to record.
	At time.Time
}

// Validate checks the transition before it reaches storage. Store
// implementations call it so that forbidden edges never produce a write.
func (t Transition) Validate() error {
	if t.Account == "" || t.CreditID == "" {
		return fmt.Errorf("%w: account and credit id are required", ErrInvalidArgument)
	}
	if !CanTransition(t.From, t.To) {
		return &IllegalTransitionError{From: t.From, To: t.To}
	}
	return nil
}

// =============================================================================
// ALLOCATION
// =============================================================================

// Allocation is the result of one successful Allocate call. The caller owns
// the reserved credits until it finalizes or releases them.
type Allocation struct {
	Account    string
	Credits    []Record
	TotalValue int64
}

// CreditIDs returns the reserved identifiers in reservation order.
func (a Allocation) CreditIDs() []string {
	ids := make([]string, len(a.Credits))
	for i, c := range a.Credits {
		ids[i] = c.CreditID
	}
	return ids
}

// =============================================================================
// VALUES
// =============================================================================

// ParseValue parses decimal text into a non-negative integer value.
func ParseValue(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: value %q is not a number", ErrInvalidArgument, s)
	}
	return valueFromDecimal(d)
}

// FormatValue renders a value as decimal text.
func FormatValue(v int64) string {
	return decimal.NewFromInt(v).String()
}

// SumValues adds decimal text values exactly. Used by stores that aggregate
// the text column themselves.
func SumValues(values []string) (int64, error) {
	total := decimal.Zero
	for _, s := range values {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("corrupt stored value %q: %w", s, err)
		}
		total = total.Add(d)
	}
	return valueFromDecimal(total)
}

func valueFromDecimal(d decimal.Decimal) (int64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: value %s is negative", ErrInvalidArgument, d)
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: value %s is not an integer", ErrInvalidArgument, d)
	}
	if !d.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: value %s overflows", ErrInvalidArgument, d)
	}
	return d.IntPart(), nil
}
