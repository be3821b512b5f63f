/*
points.go - Point accrual, FIFO redemption, and reversal

PURPOSE:
  PointsLedger owns the three operations that move reward points:

  EarnPoints:  one ACTIVE entry per qualifying order. Idempotent - a
               retry with the same source order returns the existing
               entry unchanged, no error, no duplicate.
  RedeemFIFO:  consumes ACTIVE entries earliest-expiring first. The whole
               multi-entry plan plus the balance update commits as one
               transaction; partial application is impossible.
  Reverse:     credits points back after a refund by creating a NEW
               entry with a fresh expiry window. History is never edited.

CRITICAL INVARIANTS:
  1. At most one ledger entry per SourceOrderID (store constraint)
  2. available == sum(PointsRemaining of ACTIVE entries) at rest
  3. PointsRemaining is monotonically non-increasing per entry
  4. Terminal entries (redeemed/expired/cancelled) are never revived

SEE ALSO:
  - wallet.go:  bucket mutations and per-account locking
  - sweeper.go: the expiry half of the lifecycle
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS LEDGER
// =============================================================================

type PointsLedger struct {
	store Store
	clock Clock
	locks *AccountLocks
}

// NewPointsLedger creates the points engine. A nil clock defaults to the
// system clock; locks must be the process-wide instance shared with the
// sweeper and commission engine.
func NewPointsLedger(store Store, locks *AccountLocks, clock Clock) *PointsLedger {
	if clock == nil {
		clock = SystemClock
	}
	return &PointsLedger{store: store, clock: clock, locks: locks}
}

// =============================================================================
// EARN
// =============================================================================

// EarnPoints creates one ACTIVE entry for the source order and credits the
// account. Idempotent on sourceOrderID: if an entry already exists it is
// returned unchanged and the balance is not touched again.
//
// A zero basePoints is a policy no-op (the order did not qualify): no
// entry, no log row, nil result.
func (l *PointsLedger) EarnPoints(ctx context.Context, accountID AccountID, sourceOrderID string, basePoints decimal.Decimal, policy ExpiryPolicy) (*LedgerEntry, error) {
	if accountID == "" {
		return nil, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if sourceOrderID == "" {
		return nil, &ValidationError{Field: "sourceOrderId", Message: "must not be empty"}
	}
	if basePoints.IsNegative() {
		return nil, &ValidationError{Field: "basePoints", Message: "must not be negative"}
	}
	if basePoints.IsZero() {
		return nil, nil
	}

	defer l.locks.Lock(accountID)()

	var entry *LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		existing, err := s.EntryBySourceOrder(ctx, sourceOrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		now := l.clock.Now()
		e := LedgerEntry{
			EntryID:         NewEntryID(),
			AccountID:       accountID,
			SourceOrderID:   sourceOrderID,
			PointsEarned:    basePoints,
			PointsRemaining: basePoints,
			Status:          EntryActive,
			ActivatedAt:     now,
			ExpiresAt:       policy.ExpiryFrom(now),
			CreatedAt:       now,
		}
		if err := s.CreateEntry(ctx, e); err != nil {
			return err
		}

		acct, err := l.loadOrInitAccount(ctx, s, accountID)
		if err != nil {
			return err
		}
		acct.CreditAvailable(basePoints)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		entry = &e
		return s.AppendLog(ctx, TransactionLogEntry{
			LogID:         NewLogID(),
			AccountID:     accountID,
			SourceOrderID: sourceOrderID,
			Kind:          LogEarn,
			Amount:        basePoints,
			Note:          fmt.Sprintf("earned %s points for order %s", basePoints, sourceOrderID),
			CreatedAt:     now,
		})
	})
	if err != nil {
		// Lost the insert race to another process: the existing entry is
		// the answer, exactly as if we had seen it up front.
		if errors.Is(err, ErrDuplicateSourceOrder) {
			return l.store.EntryBySourceOrder(ctx, sourceOrderID)
		}
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// REDEEM (FIFO)
// =============================================================================

// EntryConsumption records how much one entry contributed to a redemption.
type EntryConsumption struct {
	EntryID       EntryID
	SourceOrderID string
	Points        decimal.Decimal
	Exhausted     bool // entry transitioned to FULLY_REDEEMED
}

// RedemptionPlan is the committed result of a RedeemFIFO call.
type RedemptionPlan struct {
	AccountID AccountID
	Requested decimal.Decimal
	Consumed  []EntryConsumption
}

// RedeemFIFO spends amount from the account, consuming ACTIVE entries in
// expiry order (earliest first - minimizes forced future expiry loss).
// Fails with InsufficientBalanceError when amount exceeds available.
//
// The N entry decrements and the balance decrement commit as a single
// transaction; a failure anywhere rolls back everything.
func (l *PointsLedger) RedeemFIFO(ctx context.Context, accountID AccountID, amount decimal.Decimal) (*RedemptionPlan, error) {
	if accountID == "" {
		return nil, &ValidationError{Field: "accountId", Message: "must not be empty"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	defer l.locks.Lock(accountID)()

	plan := &RedemptionPlan{AccountID: accountID, Requested: amount}
	err := l.store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		available := decimal.Zero
		if acct != nil {
			available = acct.Available
		}
		if amount.GreaterThan(available) {
			return &InsufficientBalanceError{
				AccountID: accountID,
				Requested: amount,
				Available: available,
			}
		}

		entries, err := s.ActiveEntries(ctx, accountID)
		if err != nil {
			return err
		}

		now := l.clock.Now()
		left := amount
		for i := range entries {
			if !left.IsPositive() {
				break
			}
			e := entries[i]
			take := e.PointsRemaining
			if take.GreaterThan(left) {
				take = left
			}
			e.PointsRemaining = e.PointsRemaining.Sub(take)
			exhausted := e.PointsRemaining.IsZero()
			if exhausted {
				e.Status = EntryFullyRedeemed
			}
			if err := s.UpdateEntry(ctx, e); err != nil {
				return err
			}
			plan.Consumed = append(plan.Consumed, EntryConsumption{
				EntryID:       e.EntryID,
				SourceOrderID: e.SourceOrderID,
				Points:        take,
				Exhausted:     exhausted,
			})
			left = left.Sub(take)
		}
		if left.IsPositive() {
			// available said yes but the entries could not cover it.
			return fmt.Errorf("%w: account %s short %s after consuming active entries",
				ErrLedgerDrift, accountID, left)
		}

		acct.DebitAvailable(amount, false)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		return s.AppendLog(ctx, TransactionLogEntry{
			LogID:     NewLogID(),
			AccountID: accountID,
			Kind:      LogRedeem,
			Amount:    amount,
			Note:      fmt.Sprintf("redeemed %s points across %d entries", amount, len(plan.Consumed)),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse credits amount back to the account that earned points on
// sourceOrderID, after a refund or cancellation that followed redemption.
// It never edits historical entries: the credit is a new ACTIVE entry with
// a fresh expiry window, keyed so that a retried reversal is idempotent.
func (l *PointsLedger) Reverse(ctx context.Context, sourceOrderID string, amount decimal.Decimal, policy ExpiryPolicy) (*LedgerEntry, error) {
	if sourceOrderID == "" {
		return nil, &ValidationError{Field: "sourceOrderId", Message: "must not be empty"}
	}
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	original, err := l.store.EntryBySourceOrder(ctx, sourceOrderID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, &NotFoundError{Kind: "entry", ID: sourceOrderID}
	}
	accountID := original.AccountID
	reversalKey := sourceOrderID + "#reversal"

	defer l.locks.Lock(accountID)()

	var entry *LedgerEntry
	err = l.store.WithTx(ctx, func(s Store) error {
		existing, err := s.EntryBySourceOrder(ctx, reversalKey)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		now := l.clock.Now()
		e := LedgerEntry{
			EntryID:         NewEntryID(),
			AccountID:       accountID,
			SourceOrderID:   reversalKey,
			PointsEarned:    amount,
			PointsRemaining: amount,
			Status:          EntryActive,
			ActivatedAt:     now,
			ExpiresAt:       policy.ExpiryFrom(now),
			CreatedAt:       now,
		}
		if err := s.CreateEntry(ctx, e); err != nil {
			return err
		}

		acct, err := l.loadOrInitAccount(ctx, s, accountID)
		if err != nil {
			return err
		}
		acct.RestoreAvailable(amount)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		entry = &e
		return s.AppendLog(ctx, TransactionLogEntry{
			LogID:         NewLogID(),
			AccountID:     accountID,
			SourceOrderID: sourceOrderID,
			Kind:          LogEarn,
			Amount:        amount,
			Note:          fmt.Sprintf("reversal-credit: %s points restored for order %s", amount, sourceOrderID),
			CreatedAt:     now,
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateSourceOrder) {
			return l.store.EntryBySourceOrder(ctx, reversalKey)
		}
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// CancelEarn voids the grant for a cancelled/refunded order before its
// points outlive the order. The entry's remaining points come back out of
// available (clamped at zero) and the entry goes terminal. Idempotent:
// an already-terminal entry is left alone.
func (l *PointsLedger) CancelEarn(ctx context.Context, sourceOrderID string) (*LedgerEntry, error) {
	if sourceOrderID == "" {
		return nil, &ValidationError{Field: "sourceOrderId", Message: "must not be empty"}
	}
	original, err := l.store.EntryBySourceOrder(ctx, sourceOrderID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, &NotFoundError{Kind: "entry", ID: sourceOrderID}
	}

	defer l.locks.Lock(original.AccountID)()

	var entry *LedgerEntry
	err = l.store.WithTx(ctx, func(s Store) error {
		e, err := s.GetEntry(ctx, original.EntryID)
		if err != nil {
			return err
		}
		if e == nil || e.Status.Terminal() {
			entry = e
			return nil
		}

		now := l.clock.Now()
		removed := e.PointsRemaining
		e.PointsRemaining = decimal.Zero
		e.Status = EntryCancelled
		if err := s.UpdateEntry(ctx, *e); err != nil {
			return err
		}

		acct, err := l.loadOrInitAccount(ctx, s, e.AccountID)
		if err != nil {
			return err
		}
		acct.DebitAvailable(removed, true)
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		entry = e
		return s.AppendLog(ctx, TransactionLogEntry{
			LogID:         NewLogID(),
			AccountID:     e.AccountID,
			SourceOrderID: sourceOrderID,
			Kind:          LogCancel,
			Amount:        removed,
			Note:          fmt.Sprintf("cancelled grant for order %s, %s points removed", sourceOrderID, removed),
			CreatedAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *PointsLedger) loadOrInitAccount(ctx context.Context, s Store, id AccountID) (*WalletAccount, error) {
	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		a := NewWalletAccount(id)
		return &a, nil
	}
	return acct, nil
}
