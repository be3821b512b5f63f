/*
store.go - Persistence interface for wallets, entries, and the audit log

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations can use SQLite or in-memory storage.

CONTRACTS:
  - transaction_log is APPEND-ONLY: AppendLog is the only write, there is
    no update or delete.
  - CreateEntry enforces uniqueness on SourceOrderID and returns
    ErrDuplicateSourceOrder on collision. That constraint, not a lock, is
    the accrual idempotency mechanism.
  - SaveAccount performs an optimistic version check and returns
    ErrConcurrentModification when the stored version differs from the
    one the caller read. Lost updates are impossible by construction.
  - WithTx provides all-or-nothing semantics for multi-step operations
    (the FIFO redemption plan commits as one unit).

IMPLEMENTATIONS:
  - store/sqlite:  production store (also implements commission.Store)
  - store/memory:  in-memory store for tests
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence for wallet accounts, ledger entries, and the
// append-only transaction log.
type Store interface {
	// --- Wallet accounts ---

	// GetAccount returns the account, or nil when it does not exist.
	GetAccount(ctx context.Context, id AccountID) (*WalletAccount, error)

	// SaveAccount inserts or updates an account with an optimistic
	// version check. The caller passes the version it read; the store
	// persists version+1 or fails with ErrConcurrentModification.
	SaveAccount(ctx context.Context, acct WalletAccount) error

	// --- Ledger entries ---

	// CreateEntry persists a new entry. Returns ErrDuplicateSourceOrder
	// if an entry already exists for the same source order.
	CreateEntry(ctx context.Context, e LedgerEntry) error

	// GetEntry returns the entry, or nil when it does not exist.
	GetEntry(ctx context.Context, id EntryID) (*LedgerEntry, error)

	// EntryBySourceOrder returns the entry for a source order, or nil.
	EntryBySourceOrder(ctx context.Context, sourceOrderID string) (*LedgerEntry, error)

	// ActiveEntries returns the account's ACTIVE entries ordered by
	// ExpiresAt ascending (the FIFO consumption order).
	ActiveEntries(ctx context.Context, id AccountID) ([]LedgerEntry, error)

	// ExpiredActiveEntries returns ACTIVE entries across all accounts
	// whose ExpiresAt is before now (the sweep work list).
	ExpiredActiveEntries(ctx context.Context, now time.Time) ([]LedgerEntry, error)

	// CountEntries returns the number of non-cancelled entries for the
	// account (used by eligibility policy: "first qualifying order").
	CountEntries(ctx context.Context, id AccountID) (int, error)

	// UpdateEntry persists status/remaining changes to an existing entry.
	// PointsEarned, AccountID, and SourceOrderID are immutable.
	UpdateEntry(ctx context.Context, e LedgerEntry) error

	// --- Transaction log (append-only) ---

	// AppendLog adds an audit row. There is no update or delete.
	AppendLog(ctx context.Context, entry TransactionLogEntry) error

	// ListLog returns the account's audit rows, newest first, paged.
	// Page is 1-based.
	ListLog(ctx context.Context, id AccountID, page, limit int) ([]TransactionLogEntry, error)

	// --- Atomicity ---

	// WithTx executes fn within a transaction. If fn returns an error,
	// all writes made through the passed store are rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
