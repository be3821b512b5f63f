/*
Package commission provides the agent commission engine: per-order
commission records, maturity (pending -> available) handling, and the
idempotent monthly settlement batcher.

PURPOSE:
  Agents refer buyers; each qualifying order earns the referring agent a
  commission computed from a configurable rate-band table. Commissions
  land in the agent's pending wallet bucket, unlock when the order is
  irreversible, and are rolled up once per calendar month into an
  immutable settlement batch.

KEY GUARANTEES:
  - At most one CommissionRecord per order (uniqueness on OrderID)
  - At most one SettlementBatch per (agent, period) - the unique
    constraint is the concurrency guard, not an afterthought
  - A settled batch is never mutated; corrections are a product decision
    surfaced via a clawback event

SEE ALSO:
  - engine.go:     calculate / reverse / unlock
  - settlement.go: monthly batcher
  - rates.go:      rate-band table
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// COMMISSION RECORD - One per (order, agent)
// =============================================================================

type RecordStatus string

const (
	RecordPending   RecordStatus = "pending"
	RecordSettled   RecordStatus = "settled"
	RecordCancelled RecordStatus = "cancelled" // order cancelled before settlement
)

type CommissionRecord struct {
	RecordID    string
	AgentID     ledger.AccountID
	OrderID     string // unique: at most one record per order
	Subtotal    decimal.Decimal
	RatePercent decimal.Decimal
	Amount      decimal.Decimal
	Period      string // calendar month, "2006-01"
	Status      RecordStatus
	UnlockedAt  *time.Time // when the amount moved pending -> available
	CreatedAt   time.Time
}

func NewRecordID() string { return "com-" + uuid.NewString() }

// =============================================================================
// SETTLEMENT BATCH - Immutable monthly rollup, one per (agent, period)
// =============================================================================

type SettlementBatch struct {
	BatchID     string
	AgentID     ledger.AccountID
	Period      string
	Amount      decimal.Decimal
	OrderCount  int // distinct orders folded in
	RecordCount int
	SettledAt   time.Time
}

func NewBatchID() string { return "set-" + uuid.NewString() }

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrDuplicateOrderCommission is returned when a commission record
	// already exists for the order.
	ErrDuplicateOrderCommission = errors.New("commission record already exists for order")

	// ErrDuplicateBatch is returned when a settlement batch already
	// exists for (agent, period). Treated as "already settled".
	ErrDuplicateBatch = errors.New("settlement batch already exists for agent and period")

	// ErrCommissionSettled is returned when a reversal targets a record
	// already folded into a settled batch. The engine will not corrupt a
	// closed batch; the caller gets a clawback event instead.
	ErrCommissionSettled = errors.New("commission already settled; clawback requires explicit adjustment")
)

// SettledReversalError carries the context an operator needs to issue the
// out-of-band correction.
type SettledReversalError struct {
	OrderID string
	AgentID ledger.AccountID
	Period  string
	Amount  decimal.Decimal
}

func (e *SettledReversalError) Error() string {
	return fmt.Sprintf("commission for order %s settled in period %s: issue an adjustment, history is closed", e.OrderID, e.Period)
}

func (e *SettledReversalError) Unwrap() error { return ErrCommissionSettled }

// =============================================================================
// STORE - Persistence interface (extends the ledger store)
// =============================================================================

// Store extends ledger.Store with the commission collections. The sqlite
// and memory stores implement the whole surface; inside a WithTx the
// engine type-asserts the transactional view back to this interface and
// fails with ledger.ErrStoreRequired if the capability is missing.
type Store interface {
	ledger.Store

	// CreateRecord persists a new record. Returns
	// ErrDuplicateOrderCommission if the order already has one.
	CreateRecord(ctx context.Context, r CommissionRecord) error

	// RecordByOrder returns the record for an order, or nil.
	RecordByOrder(ctx context.Context, orderID string) (*CommissionRecord, error)

	// ListRecords returns records newest first, paged. Empty agentID
	// lists across all agents. Page is 1-based.
	ListRecords(ctx context.Context, agentID ledger.AccountID, page, limit int) ([]CommissionRecord, error)

	// PendingRecords returns the agent's PENDING records for a period.
	PendingRecords(ctx context.Context, agentID ledger.AccountID, period string) ([]CommissionRecord, error)

	// AgentsWithPending returns every agent holding PENDING records for
	// the period.
	AgentsWithPending(ctx context.Context, period string) ([]ledger.AccountID, error)

	// MarkSettled flips the given records to SETTLED.
	MarkSettled(ctx context.Context, recordIDs []string) error

	// CancelRecord flips a record to CANCELLED. The row stays for audit.
	CancelRecord(ctx context.Context, recordID string) error

	// SetUnlocked stamps the record's pending -> available move.
	SetUnlocked(ctx context.Context, recordID string, at time.Time) error

	// UnlockEligibleTotal sums the agent's not-yet-unlocked, non-cancelled
	// commission amounts (what will mature into available).
	UnlockEligibleTotal(ctx context.Context, agentID ledger.AccountID) (decimal.Decimal, error)

	// CreateBatch persists a settlement batch. Returns ErrDuplicateBatch
	// when (agent, period) already has one.
	CreateBatch(ctx context.Context, b SettlementBatch) error

	// BatchByAgentPeriod returns the batch for (agent, period), or nil.
	BatchByAgentPeriod(ctx context.Context, agentID ledger.AccountID, period string) (*SettlementBatch, error)

	// ListBatches returns the agent's batches, newest first.
	ListBatches(ctx context.Context, agentID ledger.AccountID) ([]SettlementBatch, error)
}

// inTx re-derives the commission store from a transactional ledger view.
func inTx(s ledger.Store) (Store, error) {
	cs, ok := s.(Store)
	if !ok {
		return nil, ledger.ErrStoreRequired
	}
	return cs, nil
}
