/*
ledger.go - Read-side views and ingestion of credits

PURPOSE:
  The Ledger answers what an account holds: balance (sum of Available),
  expenditure (sum of Used), frozen total, paginated listings with the
  credits' backing data, and point lookups. Deposit is the ingestion path
  that creates new Available credits.

CONSISTENCY:
  Sums and listings are separate reads with no snapshot isolation. They
  are eventually correct, never a basis for reservation decisions.
  Summary is the exception: the store computes all three sums in one read.

PAGINATION:
  Pages are 1-based:
    start = (page-1)*size
    end   = min(total, page*size)
  Out-of-range pages (including page < 1 and pages whose offset does not
  fit in an int) are empty, never an error.

SEE ALSO:
  - store.go: SumValueByStatus and ListByStatus
*/
package credit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Ledger is the read side of the credit store plus ingestion.
type Ledger struct {
	Store  Store
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, logger logrus.FieldLogger) *Ledger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Ledger{Store: store, Logger: logger}
}

// Summary is the per-status value split of an account.
type Summary struct {
	Available int64
	Frozen    int64
	Used      int64
}

// Total is everything ever issued to the account.
func (s Summary) Total() int64 {
	return addCapped(addCapped(s.Available, s.Frozen), s.Used)
}

// Page is one slice of a status listing.
type Page struct {
	Items      []Record
	TotalCount int
}

// =============================================================================
// AGGREGATES
// =============================================================================

// Balance is the summed value of Available credits. Zero for unknown accounts.
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	return l.sum(ctx, account, StatusAvailable)
}

// Expenditure is the summed value of Used credits.
func (l *Ledger) Expenditure(ctx context.Context, account string) (int64, error) {
	return l.sum(ctx, account, StatusUsed)
}

// Frozen is the summed value of credits currently reserved.
func (l *Ledger) Frozen(ctx context.Context, account string) (int64, error) {
	return l.sum(ctx, account, StatusFrozen)
}

// Summary returns all three sums from a single store read, so a credit
// moving between statuses is never counted twice or missed.
func (l *Ledger) Summary(ctx context.Context, account string) (Summary, error) {
	if account == "" {
		return Summary{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	s, err := l.Store.Summarize(ctx, account)
	if err != nil {
		return Summary{}, Unavailable("summarize", err)
	}
	return s, nil
}

func (l *Ledger) sum(ctx context.Context, account string, status Status) (int64, error) {
	if account == "" {
		return 0, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	total, err := l.Store.SumValueByStatus(ctx, account, status)
	if err != nil {
		return 0, Unavailable("sum", err)
	}
	return total, nil
}

// =============================================================================
// LISTINGS
// =============================================================================

// ListPage returns page pageNumber (1-based) of the account's credits in
// status, ordered by creation time then credit id.
func (l *Ledger) ListPage(ctx context.Context, account string, status Status, pageNumber, pageSize int) (Page, error) {
	if account == "" {
		return Page{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if !status.Valid() {
		return Page{}, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	if pageSize <= 0 {
		return Page{}, fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidArgument, pageSize)
	}

	records, err := l.Store.ListByStatus(ctx, account, status)
	if err != nil {
		return Page{}, Unavailable("list", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].CreditID < records[j].CreditID
	})

	start, end := pageBounds(len(records), pageNumber, pageSize)
	items := make([]Record, 0, end-start)
	items = append(items, records[start:end]...)
	return Page{Items: items, TotalCount: len(records)}, nil
}

func pageBounds(total, pageNumber, pageSize int) (int, int) {
	if pageNumber < 1 || pageSize < 1 || pageNumber-1 > total/pageSize {
		return total, total
	}
	start := (pageNumber - 1) * pageSize
	if start > total {
		return total, total
	}
	end := total
	if total-start > pageSize {
		end = start + pageSize
	}
	return start, end
}

// Credit returns one credit or ErrNotFound.
func (l *Ledger) Credit(ctx context.Context, account, creditID string) (Record, error) {
	if account == "" || creditID == "" {
		return Record{}, fmt.Errorf("%w: account and credit id are required", ErrInvalidArgument)
	}
	rec, err := l.Store.Get(ctx, account, creditID)
	if err != nil {
		return Record{}, Unavailable("get", err)
	}
	return rec, nil
}

// =============================================================================
// INGESTION
// =============================================================================

// Deposit creates an Available credit. An empty creditID gets a generated
// one.
func (l *Ledger) Deposit(ctx context.Context, account, creditID string, value int64, fields map[string]string) (Record, error) {
	if account == "" {
		return Record{}, fmt.Errorf("%w: account is required", ErrInvalidArgument)
	}
	if value < 0 {
		return Record{}, fmt.Errorf("%w: value must not be negative, got %d", ErrInvalidArgument, value)
	}
	if creditID == "" {
		creditID = uuid.NewString()
	}

	now := time.Now().UTC()
	if l.Now != nil {
		now = l.Now().UTC()
	}
	rec := Record{
		Account:    account,
		CreditID:   creditID,
		Value:      value,
		Status:     StatusAvailable,
		Fields:     CopyFields(fields),
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := l.Store.Insert(ctx, rec); err != nil {
		return Record{}, Unavailable("insert", err)
	}

	l.Logger.WithFields(logrus.Fields{
		"account":   account,
		"credit_id": creditID,
		"value":     value,
	}).Debug("credit deposited")
	return rec, nil
}
