/*
wallet.go - Wallet bucket mutations and per-account serialization

PURPOSE:
  WalletAccount is mutated only through the small set of methods here,
  called by PointsLedger, ExpirySweeper, and the commission engine. This
  is the single chokepoint that keeps available == sum(active remainders)
  true for point wallets.

CONCURRENCY:
  Operations on one account must be linearizable with respect to each
  other. Two mechanisms stack:
  1. AccountLocks serializes in-process writers per account.
  2. The store's optimistic version check on SaveAccount catches any
     writer the lock does not cover (second process, operator script).
*/
package ledger

import (
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BUCKET MUTATIONS
// =============================================================================

// CreditAvailable adds amount to the spendable bucket and the lifetime
// counter. Used by point accrual.
func (a *WalletAccount) CreditAvailable(amount decimal.Decimal) {
	a.Available = a.Available.Add(amount)
	a.LifetimeEarned = a.LifetimeEarned.Add(amount)
}

// RestoreAvailable adds amount to the spendable bucket without touching
// the lifetime counter. Used by reversal credits, which re-grant points
// that were already counted when first earned.
func (a *WalletAccount) RestoreAvailable(amount decimal.Decimal) {
	a.Available = a.Available.Add(amount)
}

// DebitAvailable subtracts amount from the spendable bucket. When clamp
// is true the bucket floors at zero (defensive, for expiry sweeps); when
// false the caller must have verified sufficiency first.
func (a *WalletAccount) DebitAvailable(amount decimal.Decimal, clamp bool) {
	next := a.Available.Sub(amount)
	if clamp && next.IsNegative() {
		next = decimal.Zero
	}
	a.Available = next
}

// CreditPending adds an unmatured commission to the pending bucket and
// the lifetime and running-period counters.
func (a *WalletAccount) CreditPending(amount decimal.Decimal) {
	a.Pending = a.Pending.Add(amount)
	a.LifetimeEarned = a.LifetimeEarned.Add(amount)
	a.PeriodEarned = a.PeriodEarned.Add(amount)
}

// RemovePending backs an unsettled commission out of the pending bucket
// and counters (order cancelled before settlement). Clamped at zero.
func (a *WalletAccount) RemovePending(amount decimal.Decimal) {
	a.Pending = clampZero(a.Pending.Sub(amount))
	a.LifetimeEarned = clampZero(a.LifetimeEarned.Sub(amount))
	a.PeriodEarned = clampZero(a.PeriodEarned.Sub(amount))
}

// UnlockPending moves amount from pending to available once the
// underlying transaction is irreversible. Clamped at zero on the pending
// side so a double-unlock cannot manufacture balance.
func (a *WalletAccount) UnlockPending(amount decimal.Decimal) {
	moved := amount
	if moved.GreaterThan(a.Pending) {
		moved = a.Pending
	}
	a.Pending = a.Pending.Sub(moved)
	a.Available = a.Available.Add(moved)
}

// ResetPeriodEarned zeroes the running current-period counter. Called by
// monthly settlement, nothing else.
func (a *WalletAccount) ResetPeriodEarned() {
	a.PeriodEarned = decimal.Zero
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ACCOUNT LOCKS - Single writer per account within the process
// =============================================================================

// AccountLocks serializes mutating operations per AccountID. One instance
// is shared by every engine component in the process so a scheduled sweep
// cannot interleave with a user redemption on the same account.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*sync.Mutex
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[AccountID]*sync.Mutex)}
}

// Lock acquires the account's mutex and returns the unlock function.
//
//	defer locks.Lock(accountID)()
func (l *AccountLocks) Lock(id AccountID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
