/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

MONEY REPRESENTATION:
  Point and currency amounts are serialized as decimal strings ("123.45"),
  never floats. Clients parse them with their own decimal types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// OrderEventRequest is an order lifecycle notification from the shop.
type OrderEventRequest struct {
	OrderID       string  `json:"order_id"`
	AccountID     string  `json:"account_id"`
	AgentID       string  `json:"agent_id,omitempty"`
	Subtotal      float64 `json:"subtotal"`
	Total         float64 `json:"total"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	Status        string  `json:"status"`
}

// RedeemRequest spends points from a wallet. OrderTotal, when positive,
// enables the per-order redemption cap check.
type RedeemRequest struct {
	Amount     float64 `json:"amount"`
	OrderTotal float64 `json:"order_total,omitempty"`
}

// SettlementRequest optionally pins the period ("2006-01"); empty means
// the previous calendar month.
type SettlementRequest struct {
	Period string `json:"period,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// OrderEventResponse reports what the event triggered.
type OrderEventResponse struct {
	OrderID      string               `json:"order_id"`
	Status       string               `json:"status"`
	PointsEarned string               `json:"points_earned,omitempty"`
	EntryID      string               `json:"entry_id,omitempty"`
	Commission   *CommissionRecordDTO `json:"commission,omitempty"`
}

// WalletSummaryDTO is the balance view for one wallet.
type WalletSummaryDTO struct {
	AccountID         string         `json:"account_id"`
	Available         string         `json:"available"`
	Pending           string         `json:"pending"`
	LifetimeEarned    string         `json:"lifetime_earned"`
	PeriodEarned      string         `json:"period_earned"`
	UnlockEligible    string         `json:"unlock_eligible"`
	NextExpiringBatch *NextExpiryDTO `json:"next_expiring_batch,omitempty"`
	AsOf              string         `json:"as_of"`
}

// NextExpiryDTO is the earliest-expiring active grant.
type NextExpiryDTO struct {
	EntryID   string `json:"entry_id"`
	Points    string `json:"points"`
	ExpiresAt string `json:"expires_at"`
}

// RedemptionPlanDTO is the committed FIFO consumption breakdown.
type RedemptionPlanDTO struct {
	AccountID string           `json:"account_id"`
	Requested string           `json:"requested"`
	Consumed  []ConsumptionDTO `json:"consumed"`
}

// ConsumptionDTO is one entry's contribution to a redemption.
type ConsumptionDTO struct {
	EntryID       string `json:"entry_id"`
	SourceOrderID string `json:"source_order_id"`
	Points        string `json:"points"`
	Exhausted     bool   `json:"exhausted"`
}

// TransactionLogDTO is one append-only audit row.
type TransactionLogDTO struct {
	LogID         string `json:"log_id"`
	AccountID     string `json:"account_id"`
	SourceOrderID string `json:"source_order_id,omitempty"`
	Kind          string `json:"kind"`
	Amount        string `json:"amount"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// CommissionRecordDTO is one per-order commission.
type CommissionRecordDTO struct {
	RecordID    string `json:"record_id"`
	AgentID     string `json:"agent_id"`
	OrderID     string `json:"order_id"`
	Subtotal    string `json:"subtotal"`
	RatePercent string `json:"rate_percent"`
	Amount      string `json:"amount"`
	Period      string `json:"period"`
	Status      string `json:"status"`
	UnlockedAt  string `json:"unlocked_at,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// SettlementBatchDTO is one immutable monthly rollup.
type SettlementBatchDTO struct {
	BatchID     string `json:"batch_id"`
	AgentID     string `json:"agent_id"`
	Period      string `json:"period"`
	Amount      string `json:"amount"`
	OrderCount  int    `json:"order_count"`
	RecordCount int    `json:"record_count"`
	SettledAt   string `json:"settled_at"`
}

// SweepResultDTO is the outcome of an expiry sweep run.
type SweepResultDTO struct {
	Swept      int    `json:"swept"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	PointsLost string `json:"points_lost"`
}

// SettlementResultDTO is the outcome of a settlement run.
type SettlementResultDTO struct {
	Period       string `json:"period"`
	SuccessCount int    `json:"success_count"`
	SkippedCount int    `json:"skipped_count"`
	FailedCount  int    `json:"failed_count"`
	TotalAmount  string `json:"total_amount"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toRedemptionPlanDTO(plan *ledger.RedemptionPlan) RedemptionPlanDTO {
	dto := RedemptionPlanDTO{
		AccountID: string(plan.AccountID),
		Requested: plan.Requested.String(),
		Consumed:  make([]ConsumptionDTO, len(plan.Consumed)),
	}
	for i, c := range plan.Consumed {
		dto.Consumed[i] = ConsumptionDTO{
			EntryID:       string(c.EntryID),
			SourceOrderID: c.SourceOrderID,
			Points:        c.Points.String(),
			Exhausted:     c.Exhausted,
		}
	}
	return dto
}

func toTransactionLogDTO(e ledger.TransactionLogEntry) TransactionLogDTO {
	return TransactionLogDTO{
		LogID:         string(e.LogID),
		AccountID:     string(e.AccountID),
		SourceOrderID: e.SourceOrderID,
		Kind:          string(e.Kind),
		Amount:        e.Amount.String(),
		Note:          e.Note,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toCommissionRecordDTO(r commission.CommissionRecord) CommissionRecordDTO {
	dto := CommissionRecordDTO{
		RecordID:    r.RecordID,
		AgentID:     string(r.AgentID),
		OrderID:     r.OrderID,
		Subtotal:    r.Subtotal.String(),
		RatePercent: r.RatePercent.String(),
		Amount:      r.Amount.String(),
		Period:      r.Period,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.UnlockedAt != nil {
		dto.UnlockedAt = r.UnlockedAt.Format(time.RFC3339)
	}
	return dto
}

func toSettlementBatchDTO(b commission.SettlementBatch) SettlementBatchDTO {
	return SettlementBatchDTO{
		BatchID:     b.BatchID,
		AgentID:     string(b.AgentID),
		Period:      b.Period,
		Amount:      b.Amount.String(),
		OrderCount:  b.OrderCount,
		RecordCount: b.RecordCount,
		SettledAt:   b.SettledAt.Format(time.RFC3339),
	}
}
