/*
Package ledger provides the reward points ledger engine.

PURPOSE:
  This package contains the core types and operations for the points side
  of the wallet system: per-account wallet balances, immutable point grants
  ("ledger entries") with expiry, FIFO redemption, expiry sweeps, and the
  append-only transaction log every mutation writes to.

KEY CONCEPTS IN THIS FILE (types.go):
  - WalletAccount: per-user balance holder with maturity buckets
  - LedgerEntry:   one immutable grant of points tied to a source order
  - TransactionLogEntry: an append-only audit row
  - Order:         the external order-lifecycle object the engine reacts to

DESIGN PRINCIPLES:
  1. Immutability: grants are never edited; corrections create new entries
  2. Precision: uses decimal.Decimal to avoid floating-point errors
  3. Idempotency: uniqueness on SourceOrderID makes accrual safe to retry
  4. Auditability: every balance mutation writes a transaction log row

SEE ALSO:
  - points.go:  earn / redeemFIFO / reverse operations
  - sweeper.go: expiry sweep
  - store.go:   persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type EntryID string
type LogID string

// NewEntryID returns a fresh ledger entry identifier.
func NewEntryID() EntryID { return EntryID("ent-" + uuid.NewString()) }

// NewLogID returns a fresh transaction log identifier.
func NewLogID() LogID { return LogID("log-" + uuid.NewString()) }

// =============================================================================
// WALLET ACCOUNT - Per-user balance holder
// =============================================================================

// WalletAccount holds the balance buckets for one user wallet.
//
// INVARIANTS:
//   - Available >= 0
//   - For point wallets: Available == sum of PointsRemaining over the
//     account's ACTIVE ledger entries (at rest, between operations)
//   - Mutated only via PointsLedger / commission engine operations
//
// Version implements optimistic concurrency: SaveAccount only succeeds when
// the stored version matches, so two writers cannot silently lose an update.
type WalletAccount struct {
	AccountID      AccountID
	Available      decimal.Decimal // redeemable / withdrawable now
	Pending        decimal.Decimal // earned but not yet matured
	LifetimeEarned decimal.Decimal
	PeriodEarned   decimal.Decimal // running current-period commission total
	Version        int64
	UpdatedAt      time.Time
}

// NewWalletAccount returns a zero-balance account for id.
func NewWalletAccount(id AccountID) WalletAccount {
	return WalletAccount{
		AccountID:      id,
		Available:      decimal.Zero,
		Pending:        decimal.Zero,
		LifetimeEarned: decimal.Zero,
		PeriodEarned:   decimal.Zero,
	}
}

// =============================================================================
// LEDGER ENTRY - Immutable grant of points tied to one source order
// =============================================================================

type EntryStatus string

const (
	EntryPending       EntryStatus = "pending"        // created, not yet activated
	EntryActive        EntryStatus = "active"         // redeemable, counts toward available
	EntryFullyRedeemed EntryStatus = "fully_redeemed" // terminal
	EntryExpired       EntryStatus = "expired"        // terminal
	EntryCancelled     EntryStatus = "cancelled"      // terminal (order cancelled/refunded)
)

// Terminal reports whether the status admits no further transitions.
func (s EntryStatus) Terminal() bool {
	return s == EntryFullyRedeemed || s == EntryExpired || s == EntryCancelled
}

// LedgerEntry is one grant of points. PointsEarned never changes after
// creation; PointsRemaining only decreases (redemption, expiry, cancel).
// A reversal never edits an existing entry - it creates a new one.
type LedgerEntry struct {
	EntryID         EntryID
	AccountID       AccountID
	SourceOrderID   string // unique: at most one entry per source order
	PointsEarned    decimal.Decimal
	PointsRemaining decimal.Decimal
	Status          EntryStatus
	ActivatedAt     time.Time
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// ExpiryPolicy determines how long a grant stays redeemable.
type ExpiryPolicy struct {
	Months int
}

// ExpiryFrom returns the expiry instant for a grant activated at t.
func (p ExpiryPolicy) ExpiryFrom(t time.Time) time.Time {
	return t.AddDate(0, p.Months, 0)
}

// =============================================================================
// TRANSACTION LOG - Append-only audit trail
// =============================================================================

type LogKind string

const (
	LogEarn              LogKind = "earn"
	LogRedeem            LogKind = "redeem"
	LogExpire            LogKind = "expire"
	LogCancel            LogKind = "cancel"
	LogLock              LogKind = "lock"
	LogUnlock            LogKind = "unlock"
	LogCommissionPending LogKind = "commission_pending"
	LogCommissionSettled LogKind = "commission_settled"
)

// TransactionLogEntry is an immutable audit row. Never updated or deleted;
// every balance mutation writes one in the same logical operation.
type TransactionLogEntry struct {
	LogID         LogID
	AccountID     AccountID
	SourceOrderID string
	Kind          LogKind
	Amount        decimal.Decimal
	Note          string
	CreatedAt     time.Time
}

// =============================================================================
// ORDER - External collaborator object (the engine does not own order state)
// =============================================================================

type OrderStatus string

const (
	OrderDelivered OrderStatus = "delivered"
	OrderCompleted OrderStatus = "completed"
	OrderConfirmed OrderStatus = "confirmed" // final, irreversible
	OrderCancelled OrderStatus = "cancelled"
	OrderRefunded  OrderStatus = "refunded"
)

const PaymentCashOnDelivery = "cod"

// Order is the slice of the external order object the engine consumes.
// Status transitions are pushed to the engine; it never mutates orders.
type Order struct {
	OrderID       string
	AccountID     AccountID // the buyer's reward wallet
	AgentID       AccountID // referring agent's commission wallet; empty = none
	Subtotal      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod string
	Status        OrderStatus
}

// QualifiesForAccrual reports whether the order's status is one that
// triggers point accrual and commission calculation.
func (o Order) QualifiesForAccrual() bool {
	return o.Status == OrderDelivered || o.Status == OrderCompleted
}
