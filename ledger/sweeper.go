/*
sweeper.go - Daily expiry sweep

PURPOSE:
  Finds ACTIVE entries whose expiry has passed, zeroes them out, and
  reconciles the account balance. Designed to be re-run safely: entries
  already expired are skipped, and one entry's failure never aborts the
  sweep for the others - failures are counted and retried next cycle.

BALANCE SAFETY:
  The deduction is clamped at zero as a defensive floor. If invariants
  hold it never actually clamps; a clamp means drift happened upstream
  and is worth a log line, not a crash.
*/
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EXPIRY SWEEPER
// =============================================================================

type ExpirySweeper struct {
	store     Store
	publisher Publisher
	clock     Clock
	locks     *AccountLocks
}

func NewExpirySweeper(store Store, locks *AccountLocks, publisher Publisher, clock Clock) *ExpirySweeper {
	if clock == nil {
		clock = SystemClock
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &ExpirySweeper{store: store, publisher: publisher, clock: clock, locks: locks}
}

// SweepResult is the aggregate outcome of one sweep run. Failures are an
// operational concern, not a user-facing error: the run itself succeeds.
type SweepResult struct {
	Swept      int
	Skipped    int
	Failed     int
	PointsLost decimal.Decimal
}

// RunDailyExpirySweep is the scheduler entry point: a plain idempotent
// function with no internal scheduling state.
func (sw *ExpirySweeper) RunDailyExpirySweep(ctx context.Context) (SweepResult, error) {
	return sw.Sweep(ctx, sw.clock.Now())
}

// Sweep expires every ACTIVE entry with ExpiresAt before now. Each entry
// is processed independently under its account's lock; per-entry failures
// are logged, counted, and left for the next cycle.
func (sw *ExpirySweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	result := SweepResult{PointsLost: decimal.Zero}

	stale, err := sw.store.ExpiredActiveEntries(ctx, now)
	if err != nil {
		return result, fmt.Errorf("listing expired entries: %w", err)
	}

	for _, candidate := range stale {
		lost, err := sw.expireOne(ctx, candidate, now)
		switch {
		case err != nil:
			result.Failed++
			log.Printf("[Sweeper] entry %s: %v", candidate.EntryID, err)
		case lost == nil:
			// Raced with a redemption or an earlier sweep; nothing to do.
			result.Skipped++
		default:
			result.Swept++
			result.PointsLost = result.PointsLost.Add(*lost)
		}
	}

	if result.Swept > 0 || result.Failed > 0 {
		log.Printf("[Sweeper] completed: %d expired, %d skipped, %d failed, %s points lost",
			result.Swept, result.Skipped, result.Failed, result.PointsLost)
	}
	return result, nil
}

// expireOne expires a single entry transactionally. Returns the points
// lost, or nil when the entry was no longer eligible.
func (sw *ExpirySweeper) expireOne(ctx context.Context, candidate LedgerEntry, now time.Time) (*decimal.Decimal, error) {
	defer sw.locks.Lock(candidate.AccountID)()

	var lost *decimal.Decimal
	err := sw.store.WithTx(ctx, func(s Store) error {
		e, err := s.GetEntry(ctx, candidate.EntryID)
		if err != nil {
			return err
		}
		// Re-check under the lock: a concurrent redemption may have
		// exhausted the entry, or a concurrent sweep already expired it.
		if e == nil || e.Status != EntryActive || !e.ExpiresAt.Before(now) {
			return nil
		}

		amount := e.PointsRemaining
		e.PointsRemaining = decimal.Zero
		e.Status = EntryExpired
		if err := s.UpdateEntry(ctx, *e); err != nil {
			return err
		}

		acct, err := s.GetAccount(ctx, e.AccountID)
		if err != nil {
			return err
		}
		if acct == nil {
			a := NewWalletAccount(e.AccountID)
			acct = &a
		}
		before := acct.Available
		acct.DebitAvailable(amount, true)
		if before.Sub(amount).IsNegative() {
			log.Printf("[Sweeper] account %s: balance %s < expiring %s, clamped at zero",
				e.AccountID, before, amount)
		}
		acct.UpdatedAt = now
		if err := s.SaveAccount(ctx, *acct); err != nil {
			return err
		}

		if err := s.AppendLog(ctx, TransactionLogEntry{
			LogID:         NewLogID(),
			AccountID:     e.AccountID,
			SourceOrderID: e.SourceOrderID,
			Kind:          LogExpire,
			Amount:        amount,
			Note:          fmt.Sprintf("%s points expired (entry %s)", amount, e.EntryID),
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		lost = &amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	if lost != nil {
		// Delivery is a downstream concern; a publish failure never
		// rolls back the expiry.
		if err := sw.publisher.Publish(ctx, Event{
			Kind:          EventPointsExpired,
			AccountID:     candidate.AccountID,
			SourceOrderID: candidate.SourceOrderID,
			Amount:        *lost,
			OccurredAt:    now,
			Note:          "reward points expired",
		}); err != nil {
			log.Printf("[Sweeper] publish failed for entry %s: %v", candidate.EntryID, err)
		}
	}
	return lost, nil
}
