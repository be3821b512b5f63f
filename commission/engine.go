/*
engine.go - Commission calculation, reversal, and maturity

PURPOSE:
  One commission per qualifying order, credited to the referring agent's
  PENDING wallet bucket. The pending bucket mirrors a clearing account:
  the money exists but cannot be spent until the triggering order reaches
  its final, irreversible state - then Unlock moves it to available.

AT-MOST-ONCE:
  Calculate checks for an existing record before insert AND relies on the
  store's uniqueness constraint on OrderID as the last line of defense.
  A retry (webhook redelivery, scheduler overlap) is a no-op.

REVERSAL POLICY:
  A PENDING record reverses cleanly: the record is cancelled and the
  wallet counters back out. A SETTLED record is inside a closed batch;
  the engine refuses to touch it, returns SettledReversalError, and
  publishes a clawback-required event for a product-level correction.
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

func subClamped(a, b decimal.Decimal) decimal.Decimal {
	c := a.Sub(b)
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store     Store
	rates     RateTable
	publisher ledger.Publisher
	clock     ledger.Clock
	locks     *ledger.AccountLocks
}

func NewEngine(store Store, rates RateTable, locks *ledger.AccountLocks, publisher ledger.Publisher, clock ledger.Clock) *Engine {
	if clock == nil {
		clock = ledger.SystemClock
	}
	if publisher == nil {
		publisher = ledger.NopPublisher{}
	}
	return &Engine{store: store, rates: rates, publisher: publisher, clock: clock, locks: locks}
}

// =============================================================================
// CALCULATE
// =============================================================================

// Calculate creates the commission record for a qualifying order and
// credits the agent's pending bucket. Returns nil (no error) when the
// order has no attributed agent, is not in a qualifying terminal status,
// or already has a record - at most one record per order, ever.
func (e *Engine) Calculate(ctx context.Context, order ledger.Order) (*CommissionRecord, error) {
	if order.OrderID == "" {
		return nil, &ledger.ValidationError{Field: "orderId", Message: "must not be empty"}
	}
	if order.AgentID == "" || !order.QualifiesForAccrual() {
		return nil, nil
	}

	defer e.locks.Lock(order.AgentID)()

	var record *CommissionRecord
	err := e.store.WithTx(ctx, func(ls ledger.Store) error {
		s, err := inTx(ls)
		if err != nil {
			return err
		}

		existing, err := s.RecordByOrder(ctx, order.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		now := e.clock.Now()
		amount, rate := e.rates.CommissionFor(order.Subtotal)
		r := CommissionRecord{
			RecordID:    NewRecordID(),
			AgentID:     order.AgentID,
			OrderID:     order.OrderID,
			Subtotal:    order.Subtotal,
			RatePercent: rate,
			Amount:      amount,
			Period:      ledger.Period(now),
			Status:      RecordPending,
			CreatedAt:   now,
		}
		if err := s.CreateRecord(ctx, r); err != nil {
			return err
		}

		acct, err := s.GetAccount(ctx, order.AgentID)
		if err != nil {
			return err
		}
		if acct == nil {
			a := ledger.NewWalletAccount(order.AgentID)
			acct = &a
		}
		acct.CreditPending(amount)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		record = &r
		return s.AppendLog(ctx, ledger.TransactionLogEntry{
			LogID:         ledger.NewLogID(),
			AccountID:     order.AgentID,
			SourceOrderID: order.OrderID,
			Kind:          ledger.LogCommissionPending,
			Amount:        amount,
			Note:          fmt.Sprintf("commission %s (%s%% of %s) pending for order %s", amount, rate, order.Subtotal, order.OrderID),
			CreatedAt:     now,
		})
	})
	if err != nil {
		// Lost the insert race: the order already has its record.
		if errors.Is(err, ErrDuplicateOrderCommission) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse backs out the commission for a cancelled/refunded order. Only
// PENDING records reverse; a SETTLED record yields SettledReversalError
// plus a clawback-required event, and a CANCELLED record is a no-op.
func (e *Engine) Reverse(ctx context.Context, order ledger.Order) error {
	if order.OrderID == "" {
		return &ledger.ValidationError{Field: "orderId", Message: "must not be empty"}
	}

	record, err := e.store.RecordByOrder(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if record == nil || record.Status == RecordCancelled {
		return nil
	}
	if record.Status == RecordSettled {
		now := e.clock.Now()
		if perr := e.publisher.Publish(ctx, ledger.Event{
			Kind:          ledger.EventClawbackRequired,
			AccountID:     record.AgentID,
			SourceOrderID: record.OrderID,
			Amount:        record.Amount,
			OccurredAt:    now,
			Note:          fmt.Sprintf("order %s reversed after settlement in %s", record.OrderID, record.Period),
		}); perr != nil {
			log.Printf("[Commission] clawback event publish failed for order %s: %v", record.OrderID, perr)
		}
		return &SettledReversalError{
			OrderID: record.OrderID,
			AgentID: record.AgentID,
			Period:  record.Period,
			Amount:  record.Amount,
		}
	}

	defer e.locks.Lock(record.AgentID)()

	return e.store.WithTx(ctx, func(ls ledger.Store) error {
		s, err := inTx(ls)
		if err != nil {
			return err
		}

		r, err := s.RecordByOrder(ctx, order.OrderID)
		if err != nil {
			return err
		}
		if r == nil || r.Status != RecordPending {
			return nil
		}
		if err := s.CancelRecord(ctx, r.RecordID); err != nil {
			return err
		}

		now := e.clock.Now()
		acct, err := s.GetAccount(ctx, r.AgentID)
		if err != nil {
			return err
		}
		if acct == nil {
			return nil
		}
		if r.UnlockedAt != nil {
			// Amount already matured into available; take it back there.
			acct.DebitAvailable(r.Amount, true)
			acct.PeriodEarned = subClamped(acct.PeriodEarned, r.Amount)
			acct.LifetimeEarned = subClamped(acct.LifetimeEarned, r.Amount)
		} else {
			acct.RemovePending(r.Amount)
		}
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		return s.AppendLog(ctx, ledger.TransactionLogEntry{
			LogID:         ledger.NewLogID(),
			AccountID:     r.AgentID,
			SourceOrderID: r.OrderID,
			Kind:          ledger.LogCancel,
			Amount:        r.Amount,
			Note:          fmt.Sprintf("commission reversed: order %s %s", r.OrderID, order.Status),
			CreatedAt:     now,
		})
	})
}

// =============================================================================
// UNLOCK (maturity)
// =============================================================================

// Unlock moves the order's commission from the agent's pending bucket to
// available, once the order has reached its final confirmed state.
// Idempotent: an already-unlocked record is a no-op.
func (e *Engine) Unlock(ctx context.Context, orderID string) error {
	if orderID == "" {
		return &ledger.ValidationError{Field: "orderId", Message: "must not be empty"}
	}

	record, err := e.store.RecordByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if record == nil {
		return &ledger.NotFoundError{Kind: "commission record", ID: orderID}
	}
	if record.UnlockedAt != nil || record.Status == RecordCancelled {
		return nil
	}

	defer e.locks.Lock(record.AgentID)()

	return e.store.WithTx(ctx, func(ls ledger.Store) error {
		s, err := inTx(ls)
		if err != nil {
			return err
		}

		r, err := s.RecordByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if r == nil || r.UnlockedAt != nil || r.Status == RecordCancelled {
			return nil
		}

		now := e.clock.Now()
		if err := s.SetUnlocked(ctx, r.RecordID, now); err != nil {
			return err
		}

		acct, err := s.GetAccount(ctx, r.AgentID)
		if err != nil {
			return err
		}
		if acct == nil {
			a := ledger.NewWalletAccount(r.AgentID)
			acct = &a
		}
		acct.UnlockPending(r.Amount)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		return s.AppendLog(ctx, ledger.TransactionLogEntry{
			LogID:         ledger.NewLogID(),
			AccountID:     r.AgentID,
			SourceOrderID: r.OrderID,
			Kind:          ledger.LogUnlock,
			Amount:        r.Amount,
			Note:          fmt.Sprintf("commission %s unlocked for order %s", r.Amount, r.OrderID),
			CreatedAt:     now,
		})
	})
}
