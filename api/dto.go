/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

WIRE NAMES:
  A credit's id is "key" on the wire and its backing data is "fields".
  Values are non-negative integers. Bodies accept them as JSON numbers or
  decimal strings; "12.0" is accepted, "12.5" is not.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/safekeeper/credit-vault/credit"
)

// =============================================================================
// CREDITS
// =============================================================================

// CreditDTO represents a credit in API responses.
type CreditDTO struct {
	Key        string            `json:"key"`
	Value      int64             `json:"value"`
	Status     string            `json:"status"`
	Fields     map[string]string `json:"fields"`
	LeaseUntil string            `json:"leaseUntil,omitempty"`
	CreatedAt  string            `json:"createdAt"`
	ModifiedAt string            `json:"modifiedAt"`
}

// DepositRequest is the body of POST /api/credentials.
type DepositRequest struct {
	Key    string            `json:"key"`
	Value  Amount            `json:"value"`
	Fields map[string]string `json:"fields"`
}

// Amount accepts a JSON number or a decimal string.
type Amount string

func (a *Amount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Amount(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = Amount(strings.TrimSpace(s))
	return nil
}

// PageDTO is one page of a status listing.
type PageDTO struct {
	Items      []CreditDTO `json:"items"`
	TotalCount int         `json:"totalCount"`
	PageNumber int         `json:"pageNumber"`
	PageSize   int         `json:"pageSize"`
}

// =============================================================================
// AGGREGATES
// =============================================================================

type BalanceDTO struct {
	Balance int64 `json:"balance"`
}

type ExpenditureDTO struct {
	Expenditure int64 `json:"expenditure"`
}

type SummaryDTO struct {
	Available int64 `json:"available"`
	Frozen    int64 `json:"frozen"`
	Used      int64 `json:"used"`
	Total     int64 `json:"total"`
}

// =============================================================================
// ALLOCATION AND SETTLEMENT
// =============================================================================

// AllocationDTO is the result of an approve call.
type AllocationDTO struct {
	CreditIDs  []string    `json:"creditIds"`
	TotalValue int64       `json:"totalValue"`
	Credits    []CreditDTO `json:"credits"`
}

// SpendItemRequest is one element of the spend body. Value holds the fields
// written to the credit.
type SpendItemRequest struct {
	Key   string            `json:"key"`
	Value map[string]string `json:"value"`
}

// ReleaseRequest is the body of PATCH /api/credentials/release.
type ReleaseRequest struct {
	Keys []string `json:"keys"`
}

// SettlementDTO reports a spend or release batch.
type SettlementDTO struct {
	Settled []string        `json:"settled"`
	Failed  []ItemFailedDTO `json:"failed"`
}

type ItemFailedDTO struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// ErrorResponse represents an error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toCreditDTO(rec credit.Record) CreditDTO {
	dto := CreditDTO{
		Key:        rec.CreditID,
		Value:      rec.Value,
		Status:     string(rec.Status),
		Fields:     credit.CopyFields(rec.Fields),
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339Nano),
		ModifiedAt: rec.ModifiedAt.Format(time.RFC3339Nano),
	}
	if !rec.LeaseUntil.IsZero() {
		dto.LeaseUntil = rec.LeaseUntil.Format(time.RFC3339Nano)
	}
	return dto
}

func toCreditDTOs(recs []credit.Record) []CreditDTO {
	dtos := make([]CreditDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toCreditDTO(rec)
	}
	return dtos
}

func toSettlementDTO(res credit.SettlementResult) SettlementDTO {
	dto := SettlementDTO{
		Settled: res.Settled,
		Failed:  make([]ItemFailedDTO, len(res.Failed)),
	}
	if dto.Settled == nil {
		dto.Settled = []string{}
	}
	for i, f := range res.Failed {
		dto.Failed[i] = ItemFailedDTO{Key: f.CreditID, Error: f.Err.Error()}
	}
	return dto
}
