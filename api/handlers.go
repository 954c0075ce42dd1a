/*
handlers.go - HTTP API handlers for the credit vault

PURPOSE:
  Exposes the credit engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates to credit.Ledger, credit.Allocator and
  credit.Finalizer. Every route acts on the account resolved by the
  identity middleware; no handler accepts an account from the body.

ENDPOINTS:
  Credits:
    POST   /api/credentials                      Deposit a credit
    GET    /api/credentials?status=&pageNumber=&pageSize=
                                                  List one page by status
    GET    /api/credentials/{key}                Get one credit

  Aggregates:
    GET    /api/credentials/balance              Sum of Available
    GET    /api/credentials/expenditure          Sum of Used
    GET    /api/credentials/summary              Available/Frozen/Used

  Reservation:
    PATCH  /api/credentials/approve?value=N      Allocate credits covering N
    PATCH  /api/credentials/spend                Finalize reserved credits
    PATCH  /api/credentials/release              Release reserved credits

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 401: No resolvable account
  - 404: Credit not found
  - 409: Insufficient funds, stale reservation, duplicate credit
  - 429: Rate limited
  - 503: Storage unavailable, safe to retry
  - 500: Anything else

  Batches (spend, release) answer 200 when every item settled, 207 when some
  did, and the status of the first failure when none did.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/safekeeper/credit-vault/credit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *credit.Ledger
	Allocator *credit.Allocator
	Finalizer *credit.Finalizer
	Logger    logrus.FieldLogger

	// Health is optional; /healthz always answers ok without it.
	Health Pinger
}

// NewHandler wires the engine components over one store.
func NewHandler(store credit.TxStore, holdTTL time.Duration, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	alloc := credit.NewAllocator(store, logger)
	alloc.HoldTTL = holdTTL

	h := &Handler{
		Ledger:    credit.NewLedger(store, logger),
		Allocator: alloc,
		Finalizer: credit.NewFinalizer(store, logger),
		Logger:    logger,
	}
	if p, ok := store.(Pinger); ok {
		h.Health = p
	}
	return h
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// Deposit creates an Available credit.
// POST /api/credentials
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	value, err := credit.ParseValue(string(req.Value))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err)
		return
	}

	rec, err := h.Ledger.Deposit(r.Context(), AccountFrom(r.Context()), req.Key, value, req.Fields)
	if err != nil {
		h.fail(w, r, "Failed to deposit credit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreditDTO(rec))
}

// ListCredits returns one page of the account's credits in a status.
// GET /api/credentials?status=available&pageNumber=1&pageSize=20
func (h *Handler) ListCredits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := q.Get("status")
	if raw == "" {
		raw = q.Get("credentialStatus")
	}
	status, err := credit.ParseStatus(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status", err)
		return
	}
	pageNumber, err := intParam(q.Get("pageNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pageNumber", err)
		return
	}
	pageSize, err := intParam(q.Get("pageSize"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid pageSize", err)
		return
	}

	page, err := h.Ledger.ListPage(r.Context(), AccountFrom(r.Context()), status, pageNumber, pageSize)
	if err != nil {
		h.fail(w, r, "Failed to list credits", err)
		return
	}
	writeJSON(w, http.StatusOK, PageDTO{
		Items:      toCreditDTOs(page.Items),
		TotalCount: page.TotalCount,
		PageNumber: pageNumber,
		PageSize:   pageSize,
	})
}

// GetCredit returns one credit.
// GET /api/credentials/{key}
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Ledger.Credit(r.Context(), AccountFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, "Failed to get credit", err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(rec))
}

// =============================================================================
// AGGREGATE HANDLERS
// =============================================================================

// GetBalance returns the summed value of Available credits.
// GET /api/credentials/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Ledger.Balance(r.Context(), AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{Balance: balance})
}

// GetExpenditure returns the summed value of Used credits.
// GET /api/credentials/expenditure
func (h *Handler) GetExpenditure(w http.ResponseWriter, r *http.Request) {
	spent, err := h.Ledger.Expenditure(r.Context(), AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get expenditure", err)
		return
	}
	writeJSON(w, http.StatusOK, ExpenditureDTO{Expenditure: spent})
}

// GetSummary returns the per-status split.
// GET /api/credentials/summary
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Ledger.Summary(r.Context(), AccountFrom(r.Context()))
	if err != nil {
		h.fail(w, r, "Failed to get summary", err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		Available: s.Available,
		Frozen:    s.Frozen,
		Used:      s.Used,
		Total:     s.Total(),
	})
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// Approve reserves credits covering the requested value.
// PATCH /api/credentials/approve?value=N
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	target, err := credit.ParseValue(r.URL.Query().Get("value"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err)
		return
	}

	alloc, err := h.Allocator.Allocate(r.Context(), AccountFrom(r.Context()), target)
	if err != nil {
		h.fail(w, r, "Failed to approve", err)
		return
	}
	writeJSON(w, http.StatusOK, AllocationDTO{
		CreditIDs:  alloc.CreditIDs(),
		TotalValue: alloc.TotalValue,
		Credits:    toCreditDTOs(alloc.Credits),
	})
}

// Spend finalizes reserved credits with the caller's field data.
// PATCH /api/credentials/spend
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req []SpendItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	items := make([]credit.SpendItem, len(req))
	for i, it := range req {
		items[i] = credit.SpendItem{CreditID: it.Key, Fields: it.Value}
	}

	res, err := h.Finalizer.Finalize(r.Context(), AccountFrom(r.Context()), items)
	if err != nil {
		h.fail(w, r, "Failed to spend", err)
		return
	}
	writeJSON(w, settlementStatus(res), toSettlementDTO(res))
}

// Release hands reserved credits back to Available.
// PATCH /api/credentials/release
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Allocator.Release(r.Context(), AccountFrom(r.Context()), req.Keys)
	if err != nil {
		h.fail(w, r, "Failed to release", err)
		return
	}
	writeJSON(w, settlementStatus(res), toSettlementDTO(res))
}

// =============================================================================
// OPERATIONAL
// =============================================================================

// Healthz reports whether the store answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.WithFields(logrus.Fields{
			"path":    r.URL.Path,
			"account": AccountFrom(r.Context()),
		}).WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, credit.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, credit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrInsufficientFunds),
		errors.Is(err, credit.ErrStaleReservation),
		errors.Is(err, credit.ErrDuplicateCredit),
		errors.Is(err, credit.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, credit.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func settlementStatus(res credit.SettlementResult) int {
	switch {
	case len(res.Failed) == 0:
		return http.StatusOK
	case len(res.Settled) > 0:
		return http.StatusMultiStatus
	default:
		return statusFor(res.Failed[0])
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: parameter is required", credit.ErrInvalidArgument)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", credit.ErrInvalidArgument, raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
