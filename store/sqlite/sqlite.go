/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and commission.Store in one type so point and
  commission writes can share a single database transaction. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

UNIQUENESS AS CONCURRENCY CONTROL:
  The schema carries the constraints the engines lean on:
  - ledger_entries.source_order_id UNIQUE   -> accrual idempotency
  - commission_records.order_id UNIQUE      -> one commission per order
  - settlement_batches(agent_id, period)    -> exactly-once settlement
  Constraint violations map to the typed sentinel errors the callers
  branch on; they are expected outcomes, not failures.

APPEND-ONLY ENFORCEMENT:
  transaction_log has INSERT and SELECT only. No UPDATE, no DELETE.

OPTIMISTIC VERSIONING:
  wallet_accounts carries a version column. SaveAccount inserts at
  version 1 or updates WHERE version matches what the caller read; a
  zero-row update means a concurrent writer won and the caller retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go:      interface definition and contracts
  - store/memory:         in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
)

// Store implements ledger.Store and commission.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store     = (*Store)(nil)
	_ commission.Store = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallet accounts (optimistically versioned)
	CREATE TABLE IF NOT EXISTS wallet_accounts (
		account_id TEXT PRIMARY KEY,
		available TEXT NOT NULL,
		pending TEXT NOT NULL,
		lifetime_earned TEXT NOT NULL,
		period_earned TEXT NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (immutable grants; remaining/status are the only
	-- mutable columns)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		source_order_id TEXT NOT NULL UNIQUE,
		points_earned TEXT NOT NULL,
		points_remaining TEXT NOT NULL,
		status TEXT NOT NULL,
		activated_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- FIFO consumption order (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_account_status_expiry
		ON ledger_entries(account_id, status, expires_at);

	-- Sweep work list: active entries past expiry, across accounts
	CREATE INDEX IF NOT EXISTS idx_entries_status_expiry
		ON ledger_entries(status, expires_at);

	-- Transaction log (append-only audit trail)
	CREATE TABLE IF NOT EXISTS transaction_log (
		log_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		source_order_id TEXT,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_account_created
		ON transaction_log(account_id, created_at DESC);

	-- Commission records (at most one per order)
	CREATE TABLE IF NOT EXISTS commission_records (
		record_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		order_id TEXT NOT NULL UNIQUE,
		subtotal TEXT NOT NULL,
		rate_percent TEXT NOT NULL,
		amount TEXT NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		unlocked_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_agent_period_status
		ON commission_records(agent_id, period, status);
	CREATE INDEX IF NOT EXISTS idx_records_period_status
		ON commission_records(period, status);

	-- Settlement batches: the (agent, period) uniqueness IS the
	-- exactly-once settlement guarantee
	CREATE TABLE IF NOT EXISTS settlement_batches (
		batch_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		order_count INTEGER NOT NULL,
		record_count INTEGER NOT NULL,
		settled_at TEXT NOT NULL,
		UNIQUE(agent_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_batches_agent
		ON settlement_batches(agent_id, period DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer abstracts *sql.DB and *sql.Tx so every helper works both
// standalone and inside WithTx. Transactional reads MUST go through the
// tx, or they would miss the tx's own uncommitted writes.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// WALLET ACCOUNTS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (*ledger.WalletAccount, error) {
	row := q.QueryRowContext(ctx, `
		SELECT account_id, available, pending, lifetime_earned, period_earned, version, updated_at
		FROM wallet_accounts WHERE account_id = ?`, id)

	var acct ledger.WalletAccount
	var available, pending, lifetime, period, updated string
	err := row.Scan(&acct.AccountID, &available, &pending, &lifetime, &period, &acct.Version, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	acct.Available = parseDecimal(available)
	acct.Pending = parseDecimal(pending)
	acct.LifetimeEarned = parseDecimal(lifetime)
	acct.PeriodEarned = parseDecimal(period)
	acct.UpdatedAt = parseTime(updated)
	return &acct, nil
}

func (s *Store) SaveAccount(ctx context.Context, acct ledger.WalletAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveAccount(ctx, s.db, acct)
}

func saveAccount(ctx context.Context, q queryer, acct ledger.WalletAccount) error {
	if acct.Version == 0 {
		_, err := q.ExecContext(ctx, `
			INSERT INTO wallet_accounts
			(account_id, available, pending, lifetime_earned, period_earned, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			acct.AccountID,
			acct.Available.String(),
			acct.Pending.String(),
			acct.LifetimeEarned.String(),
			acct.PeriodEarned.String(),
			formatTime(acct.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				// Row appeared since the caller's read.
				return ledger.ErrConcurrentModification
			}
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE wallet_accounts
		SET available = ?, pending = ?, lifetime_earned = ?, period_earned = ?,
		    version = version + 1, updated_at = ?
		WHERE account_id = ? AND version = ?`,
		acct.Available.String(),
		acct.Pending.String(),
		acct.LifetimeEarned.String(),
		acct.PeriodEarned.String(),
		formatTime(acct.UpdatedAt),
		acct.AccountID,
		acct.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (s *Store) CreateEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createEntry(ctx, s.db, e)
}

func createEntry(ctx context.Context, q queryer, e ledger.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(entry_id, account_id, source_order_id, points_earned, points_remaining,
		 status, activated_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID,
		e.AccountID,
		e.SourceOrderID,
		e.PointsEarned.String(),
		e.PointsRemaining.String(),
		e.Status,
		formatTime(e.ActivatedAt),
		formatTime(e.ExpiresAt),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateSourceOrder
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

const entryColumns = `entry_id, account_id, source_order_id, points_earned, points_remaining,
	status, activated_at, expires_at, created_at`

func (s *Store) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, q queryer, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	return queryOneEntry(ctx, q,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id = ?`, id)
}

func (s *Store) EntryBySourceOrder(ctx context.Context, sourceOrderID string) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryBySourceOrder(ctx, s.db, sourceOrderID)
}

func entryBySourceOrder(ctx context.Context, q queryer, sourceOrderID string) (*ledger.LedgerEntry, error) {
	return queryOneEntry(ctx, q,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE source_order_id = ?`, sourceOrderID)
}

func (s *Store) ActiveEntries(ctx context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeEntries(ctx, s.db, id)
}

func activeEntries(ctx context.Context, q queryer, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? AND status = ?
		ORDER BY expires_at ASC, created_at ASC`,
		id, ledger.EntryActive)
}

func (s *Store) ExpiredActiveEntries(ctx context.Context, now time.Time) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiredActiveEntries(ctx, s.db, now)
}

func expiredActiveEntries(ctx context.Context, q queryer, now time.Time) ([]ledger.LedgerEntry, error) {
	return queryEntries(ctx, q, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at ASC, created_at ASC`,
		ledger.EntryActive, formatTime(now))
}

func (s *Store) CountEntries(ctx context.Context, id ledger.AccountID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countEntries(ctx, s.db, id)
}

func countEntries(ctx context.Context, q queryer, id ledger.AccountID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE account_id = ? AND status != ?`,
		id, ledger.EntryCancelled).Scan(&n)
	return n, err
}

func (s *Store) UpdateEntry(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateEntry(ctx, s.db, e)
}

func updateEntry(ctx context.Context, q queryer, e ledger.LedgerEntry) error {
	res, err := q.ExecContext(ctx, `
		UPDATE ledger_entries SET points_remaining = ?, status = ?
		WHERE entry_id = ?`,
		e.PointsRemaining.String(), e.Status, e.EntryID)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "ledger entry", ID: string(e.EntryID)}
	}
	return nil
}

func queryOneEntry(ctx context.Context, q queryer, query string, args ...any) (*ledger.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		var earned, remaining, activatedAt, expiresAt, created string
		if err := rows.Scan(&e.EntryID, &e.AccountID, &e.SourceOrderID,
			&earned, &remaining, &e.Status, &activatedAt, &expiresAt, &created); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.PointsEarned = parseDecimal(earned)
		e.PointsRemaining = parseDecimal(remaining)
		e.ActivatedAt = parseTime(activatedAt)
		e.ExpiresAt = parseTime(expiresAt)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (s *Store) AppendLog(ctx context.Context, entry ledger.TransactionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLog(ctx, s.db, entry)
}

func appendLog(ctx context.Context, q queryer, entry ledger.TransactionLogEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transaction_log
		(log_id, account_id, source_order_id, kind, amount, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.LogID,
		entry.AccountID,
		nullString(entry.SourceOrderID),
		entry.Kind,
		entry.Amount.String(),
		nullString(entry.Note),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *Store) ListLog(ctx context.Context, id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLog(ctx, s.db, id, page, limit)
}

func listLog(ctx context.Context, q queryer, id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := q.QueryContext(ctx, `
		SELECT log_id, account_id, source_order_id, kind, amount, note, created_at
		FROM transaction_log
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		id, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.TransactionLogEntry
	for rows.Next() {
		var e ledger.TransactionLogEntry
		var source, note sql.NullString
		var amount, created string
		if err := rows.Scan(&e.LogID, &e.AccountID, &source, &e.Kind, &amount, &note, &created); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		e.SourceOrderID = source.String
		e.Note = note.String
		e.Amount = parseDecimal(amount)
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// COMMISSION RECORDS
// =============================================================================

const recordColumns = `record_id, agent_id, order_id, subtotal, rate_percent, amount,
	period, status, unlocked_at, created_at`

func (s *Store) CreateRecord(ctx context.Context, r commission.CommissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createRecord(ctx, s.db, r)
}

func createRecord(ctx context.Context, q queryer, r commission.CommissionRecord) error {
	var unlockedAt *string
	if r.UnlockedAt != nil {
		t := formatTime(*r.UnlockedAt)
		unlockedAt = &t
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO commission_records
		(record_id, agent_id, order_id, subtotal, rate_percent, amount,
		 period, status, unlocked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RecordID,
		r.AgentID,
		r.OrderID,
		r.Subtotal.String(),
		r.RatePercent.String(),
		r.Amount.String(),
		r.Period,
		r.Status,
		unlockedAt,
		formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return commission.ErrDuplicateOrderCommission
		}
		return fmt.Errorf("failed to insert commission record: %w", err)
	}
	return nil
}

func (s *Store) RecordByOrder(ctx context.Context, orderID string) (*commission.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return recordByOrder(ctx, s.db, orderID)
}

func recordByOrder(ctx context.Context, q queryer, orderID string) (*commission.CommissionRecord, error) {
	records, err := queryRecords(ctx, q,
		`SELECT `+recordColumns+` FROM commission_records WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *Store) ListRecords(ctx context.Context, agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRecords(ctx, s.db, agentID, page, limit)
}

func listRecords(ctx context.Context, q queryer, agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	offset := (page - 1) * limit

	if agentID == "" {
		return queryRecords(ctx, q, `
			SELECT `+recordColumns+` FROM commission_records
			ORDER BY created_at DESC, rowid DESC
			LIMIT ? OFFSET ?`, limit, offset)
	}
	return queryRecords(ctx, q, `
		SELECT `+recordColumns+` FROM commission_records
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, agentID, limit, offset)
}

func (s *Store) PendingRecords(ctx context.Context, agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingRecords(ctx, s.db, agentID, period)
}

func pendingRecords(ctx context.Context, q queryer, agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	return queryRecords(ctx, q, `
		SELECT `+recordColumns+` FROM commission_records
		WHERE agent_id = ? AND period = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC`,
		agentID, period, commission.RecordPending)
}

func (s *Store) AgentsWithPending(ctx context.Context, period string) ([]ledger.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return agentsWithPending(ctx, s.db, period)
}

func agentsWithPending(ctx context.Context, q queryer, period string) ([]ledger.AccountID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM commission_records
		WHERE period = ? AND status = ?
		ORDER BY agent_id ASC`,
		period, commission.RecordPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []ledger.AccountID
	for rows.Next() {
		var id ledger.AccountID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

func (s *Store) MarkSettled(ctx context.Context, recordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markSettled(ctx, s.db, recordIDs)
}

func markSettled(ctx context.Context, q queryer, recordIDs []string) error {
	for _, id := range recordIDs {
		if err := setRecordStatus(ctx, q, id, commission.RecordSettled); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CancelRecord(ctx context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setRecordStatus(ctx, s.db, recordID, commission.RecordCancelled)
}

func setRecordStatus(ctx context.Context, q queryer, recordID string, status commission.RecordStatus) error {
	res, err := q.ExecContext(ctx,
		`UPDATE commission_records SET status = ? WHERE record_id = ?`, status, recordID)
	if err != nil {
		return fmt.Errorf("failed to update commission record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "commission record", ID: recordID}
	}
	return nil
}

func (s *Store) SetUnlocked(ctx context.Context, recordID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setUnlocked(ctx, s.db, recordID, at)
}

func setUnlocked(ctx context.Context, q queryer, recordID string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE commission_records SET unlocked_at = ? WHERE record_id = ?`,
		formatTime(at), recordID)
	if err != nil {
		return fmt.Errorf("failed to set unlocked: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: "commission record", ID: recordID}
	}
	return nil
}

func (s *Store) UnlockEligibleTotal(ctx context.Context, agentID ledger.AccountID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unlockEligibleTotal(ctx, s.db, agentID)
}

// unlockEligibleTotal sums in Go: decimals stored as TEXT cannot go
// through SQL SUM without losing precision.
func unlockEligibleTotal(ctx context.Context, q queryer, agentID ledger.AccountID) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT amount FROM commission_records
		WHERE agent_id = ? AND status != ? AND unlocked_at IS NULL`,
		agentID, commission.RecordCancelled)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query eligible amounts: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(parseDecimal(amount))
	}
	return total, rows.Err()
}

func queryRecords(ctx context.Context, q queryer, query string, args ...any) ([]commission.CommissionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commission records: %w", err)
	}
	defer rows.Close()

	var records []commission.CommissionRecord
	for rows.Next() {
		var r commission.CommissionRecord
		var subtotal, rate, amount, created string
		var unlockedAt sql.NullString
		if err := rows.Scan(&r.RecordID, &r.AgentID, &r.OrderID,
			&subtotal, &rate, &amount, &r.Period, &r.Status, &unlockedAt, &created); err != nil {
			return nil, fmt.Errorf("failed to scan commission record: %w", err)
		}
		r.Subtotal = parseDecimal(subtotal)
		r.RatePercent = parseDecimal(rate)
		r.Amount = parseDecimal(amount)
		r.CreatedAt = parseTime(created)
		if unlockedAt.Valid {
			t := parseTime(unlockedAt.String)
			r.UnlockedAt = &t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// SETTLEMENT BATCHES
// =============================================================================

func (s *Store) CreateBatch(ctx context.Context, b commission.SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createBatch(ctx, s.db, b)
}

func createBatch(ctx context.Context, q queryer, b commission.SettlementBatch) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settlement_batches
		(batch_id, agent_id, period, amount, order_count, record_count, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID,
		b.AgentID,
		b.Period,
		b.Amount.String(),
		b.OrderCount,
		b.RecordCount,
		formatTime(b.SettledAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return commission.ErrDuplicateBatch
		}
		return fmt.Errorf("failed to insert settlement batch: %w", err)
	}
	return nil
}

func (s *Store) BatchByAgentPeriod(ctx context.Context, agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return batchByAgentPeriod(ctx, s.db, agentID, period)
}

func batchByAgentPeriod(ctx context.Context, q queryer, agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	batches, err := queryBatches(ctx, q, `
		SELECT batch_id, agent_id, period, amount, order_count, record_count, settled_at
		FROM settlement_batches
		WHERE agent_id = ? AND period = ?`, agentID, period)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}

func (s *Store) ListBatches(ctx context.Context, agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatches(ctx, s.db, agentID)
}

func listBatches(ctx context.Context, q queryer, agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	return queryBatches(ctx, q, `
		SELECT batch_id, agent_id, period, amount, order_count, record_count, settled_at
		FROM settlement_batches
		WHERE agent_id = ?
		ORDER BY period DESC`, agentID)
}

func queryBatches(ctx context.Context, q queryer, query string, args ...any) ([]commission.SettlementBatch, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement batches: %w", err)
	}
	defer rows.Close()

	var batches []commission.SettlementBatch
	for rows.Next() {
		var b commission.SettlementBatch
		var amount, settled string
		if err := rows.Scan(&b.BatchID, &b.AgentID, &b.Period,
			&amount, &b.OrderCount, &b.RecordCount, &settled); err != nil {
			return nil, fmt.Errorf("failed to scan settlement batch: %w", err)
		}
		b.Amount = parseDecimal(amount)
		b.SettledAt = parseTime(settled)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. The store handed to
// fn routes every read and write through the transaction, so fn sees its
// own uncommitted writes.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the transactional view. The parent's mutex is held for the
// duration of WithTx, so no locking here.
type txStore struct {
	q *sql.Tx
}

var _ commission.Store = (*txStore)(nil)

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.WalletAccount, error) {
	return getAccount(ctx, ts.q, id)
}

func (ts *txStore) SaveAccount(ctx context.Context, acct ledger.WalletAccount) error {
	return saveAccount(ctx, ts.q, acct)
}

func (ts *txStore) CreateEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return createEntry(ctx, ts.q, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	return getEntry(ctx, ts.q, id)
}

func (ts *txStore) EntryBySourceOrder(ctx context.Context, sourceOrderID string) (*ledger.LedgerEntry, error) {
	return entryBySourceOrder(ctx, ts.q, sourceOrderID)
}

func (ts *txStore) ActiveEntries(ctx context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	return activeEntries(ctx, ts.q, id)
}

func (ts *txStore) ExpiredActiveEntries(ctx context.Context, now time.Time) ([]ledger.LedgerEntry, error) {
	return expiredActiveEntries(ctx, ts.q, now)
}

func (ts *txStore) CountEntries(ctx context.Context, id ledger.AccountID) (int, error) {
	return countEntries(ctx, ts.q, id)
}

func (ts *txStore) UpdateEntry(ctx context.Context, e ledger.LedgerEntry) error {
	return updateEntry(ctx, ts.q, e)
}

func (ts *txStore) AppendLog(ctx context.Context, entry ledger.TransactionLogEntry) error {
	return appendLog(ctx, ts.q, entry)
}

func (ts *txStore) ListLog(ctx context.Context, id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	return listLog(ctx, ts.q, id, page, limit)
}

func (ts *txStore) CreateRecord(ctx context.Context, r commission.CommissionRecord) error {
	return createRecord(ctx, ts.q, r)
}

func (ts *txStore) RecordByOrder(ctx context.Context, orderID string) (*commission.CommissionRecord, error) {
	return recordByOrder(ctx, ts.q, orderID)
}

func (ts *txStore) ListRecords(ctx context.Context, agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	return listRecords(ctx, ts.q, agentID, page, limit)
}

func (ts *txStore) PendingRecords(ctx context.Context, agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	return pendingRecords(ctx, ts.q, agentID, period)
}

func (ts *txStore) AgentsWithPending(ctx context.Context, period string) ([]ledger.AccountID, error) {
	return agentsWithPending(ctx, ts.q, period)
}

func (ts *txStore) MarkSettled(ctx context.Context, recordIDs []string) error {
	return markSettled(ctx, ts.q, recordIDs)
}

func (ts *txStore) CancelRecord(ctx context.Context, recordID string) error {
	return setRecordStatus(ctx, ts.q, recordID, commission.RecordCancelled)
}

func (ts *txStore) SetUnlocked(ctx context.Context, recordID string, at time.Time) error {
	return setUnlocked(ctx, ts.q, recordID, at)
}

func (ts *txStore) UnlockEligibleTotal(ctx context.Context, agentID ledger.AccountID) (decimal.Decimal, error) {
	return unlockEligibleTotal(ctx, ts.q, agentID)
}

func (ts *txStore) CreateBatch(ctx context.Context, b commission.SettlementBatch) error {
	return createBatch(ctx, ts.q, b)
}

func (ts *txStore) BatchByAgentPeriod(ctx context.Context, agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	return batchByAgentPeriod(ctx, ts.q, agentID, period)
}

func (ts *txStore) ListBatches(ctx context.Context, agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	return listBatches(ctx, ts.q, agentID)
}

// Nested transactions collapse into the outer one.
func (ts *txStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
