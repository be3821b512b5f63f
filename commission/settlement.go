/*
settlement.go - Idempotent monthly settlement batcher

PURPOSE:
  Rolls an agent's PENDING commission records for a completed calendar
  month into one immutable SettlementBatch, exactly once per
  (agent, period). The unique constraint on (agent, period) is the true
  concurrency guard: a duplicate creation attempt - two scheduler
  triggers firing for the same month - fails cleanly and is treated as
  "already settled", never surfaced as an error.

FAILURE ISOLATION:
  Each agent is processed independently. One agent's write conflict is
  caught, counted in FailedCount, and does not abort the others. A full
  re-run for an already-processed period reports SuccessCount = 0.
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// SETTLEMENT BATCHER
// =============================================================================

type SettlementBatcher struct {
	store Store
	clock ledger.Clock
	locks *ledger.AccountLocks
}

func NewSettlementBatcher(store Store, locks *ledger.AccountLocks, clock ledger.Clock) *SettlementBatcher {
	if clock == nil {
		clock = ledger.SystemClock
	}
	return &SettlementBatcher{store: store, clock: clock, locks: locks}
}

// SettlementResult is the aggregate outcome of one settlement run.
type SettlementResult struct {
	Period       string
	SuccessCount int
	SkippedCount int
	FailedCount  int
	TotalAmount  decimal.Decimal
}

// RunMonthlySettlement is the scheduler entry point: settles the previous
// calendar month. Plain, idempotent, no internal scheduling state.
func (b *SettlementBatcher) RunMonthlySettlement(ctx context.Context) (SettlementResult, error) {
	return b.ProcessMonthlySettlement(ctx, ledger.PreviousPeriod(b.clock.Now()))
}

// ProcessMonthlySettlement settles every agent with outstanding PENDING
// commission for the period ("2006-01"). Safe to re-run: agents already
// settled for the period are skipped whole, with no partial re-processing
// and no double counting.
func (b *SettlementBatcher) ProcessMonthlySettlement(ctx context.Context, period string) (SettlementResult, error) {
	result := SettlementResult{Period: period, TotalAmount: decimal.Zero}
	if period == "" {
		return result, &ledger.ValidationError{Field: "period", Message: "must not be empty"}
	}

	agents, err := b.store.AgentsWithPending(ctx, period)
	if err != nil {
		return result, fmt.Errorf("listing agents with pending commission: %w", err)
	}

	for _, agentID := range agents {
		batch, err := b.settleAgent(ctx, agentID, period)
		switch {
		case err != nil:
			result.FailedCount++
			log.Printf("[Settlement] agent %s period %s: %v", agentID, period, err)
		case batch == nil:
			result.SkippedCount++
		default:
			result.SuccessCount++
			result.TotalAmount = result.TotalAmount.Add(batch.Amount)
		}
	}

	log.Printf("[Settlement] period %s: %d settled, %d skipped, %d failed, total %s",
		period, result.SuccessCount, result.SkippedCount, result.FailedCount, result.TotalAmount)
	return result, nil
}

// settleAgent creates the batch for one agent. Returns nil when the
// period was already settled for the agent.
func (b *SettlementBatcher) settleAgent(ctx context.Context, agentID ledger.AccountID, period string) (*SettlementBatch, error) {
	defer b.locks.Lock(agentID)()

	var batch *SettlementBatch
	err := b.store.WithTx(ctx, func(ls ledger.Store) error {
		s, err := inTx(ls)
		if err != nil {
			return err
		}

		existing, err := s.BatchByAgentPeriod(ctx, agentID, period)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		records, err := s.PendingRecords(ctx, agentID, period)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		amount := decimal.Zero
		orders := make(map[string]struct{}, len(records))
		ids := make([]string, 0, len(records))
		for _, r := range records {
			amount = amount.Add(r.Amount)
			orders[r.OrderID] = struct{}{}
			ids = append(ids, r.RecordID)
		}

		now := b.clock.Now()
		created := SettlementBatch{
			BatchID:     NewBatchID(),
			AgentID:     agentID,
			Period:      period,
			Amount:      amount,
			OrderCount:  len(orders),
			RecordCount: len(records),
			SettledAt:   now,
		}
		if err := s.CreateBatch(ctx, created); err != nil {
			return err
		}
		if err := s.MarkSettled(ctx, ids); err != nil {
			return err
		}

		acct, err := s.GetAccount(ctx, agentID)
		if err != nil {
			return err
		}
		if acct != nil {
			acct.ResetPeriodEarned()
			acct.UpdatedAt = now
			if err := s.SaveAccount(ctx, *acct); err != nil {
				return err
			}
		}

		batch = &created
		return s.AppendLog(ctx, ledger.TransactionLogEntry{
			LogID:     ledger.NewLogID(),
			AccountID: agentID,
			Kind:      ledger.LogCommissionSettled,
			Amount:    amount,
			Note:      fmt.Sprintf("settled %d commission records (%d orders) for %s", len(records), len(orders), period),
			CreatedAt: now,
		})
	})
	if err != nil {
		// Another trigger won the batch creation: already settled.
		if errors.Is(err, ErrDuplicateBatch) {
			return nil, nil
		}
		return nil, err
	}
	return batch, nil
}
