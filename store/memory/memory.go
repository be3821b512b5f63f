/*
Package memory provides the in-memory store implementation.

PURPOSE:
  Backs tests and local development with the exact same contract the
  sqlite store honors: uniqueness on source orders, orders, and
  (agent, period) batches; optimistic version checks on wallet rows; an
  append-only transaction log; and all-or-nothing WithTx via snapshot
  and rollback.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type batchKey struct {
	AgentID ledger.AccountID
	Period  string
}

type Memory struct {
	mu sync.RWMutex

	accounts map[ledger.AccountID]ledger.WalletAccount

	entries  map[ledger.EntryID]ledger.LedgerEntry
	bySource map[string]ledger.EntryID

	logs []ledger.TransactionLogEntry

	records map[string]commission.CommissionRecord
	byOrder map[string]string // orderID -> recordID

	batches map[batchKey]commission.SettlementBatch
}

var (
	_ ledger.Store     = (*Memory)(nil)
	_ commission.Store = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.WalletAccount),
		entries:  make(map[ledger.EntryID]ledger.LedgerEntry),
		bySource: make(map[string]ledger.EntryID),
		records:  make(map[string]commission.CommissionRecord),
		byOrder:  make(map[string]string),
		batches:  make(map[batchKey]commission.SettlementBatch),
	}
}

// =============================================================================
// WALLET ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.WalletAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(id)
}

func (m *Memory) getAccountLocked(id ledger.AccountID) (*ledger.WalletAccount, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (m *Memory) SaveAccount(_ context.Context, acct ledger.WalletAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAccountLocked(acct)
}

func (m *Memory) saveAccountLocked(acct ledger.WalletAccount) error {
	existing, ok := m.accounts[acct.AccountID]
	switch {
	case !ok && acct.Version != 0:
		return ledger.ErrConcurrentModification
	case ok && existing.Version != acct.Version:
		return ledger.ErrConcurrentModification
	}
	acct.Version++
	m.accounts[acct.AccountID] = acct
	return nil
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func (m *Memory) CreateEntry(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createEntryLocked(e)
}

func (m *Memory) createEntryLocked(e ledger.LedgerEntry) error {
	if _, dup := m.bySource[e.SourceOrderID]; dup {
		return ledger.ErrDuplicateSourceOrder
	}
	m.entries[e.EntryID] = e
	m.bySource[e.SourceOrderID] = e.EntryID
	return nil
}

func (m *Memory) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEntryLocked(id)
}

func (m *Memory) getEntryLocked(id ledger.EntryID) (*ledger.LedgerEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) EntryBySourceOrder(_ context.Context, sourceOrderID string) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entryBySourceLocked(sourceOrderID)
}

func (m *Memory) entryBySourceLocked(sourceOrderID string) (*ledger.LedgerEntry, error) {
	id, ok := m.bySource[sourceOrderID]
	if !ok {
		return nil, nil
	}
	e := m.entries[id]
	return &e, nil
}

func (m *Memory) ActiveEntries(_ context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeEntriesLocked(id)
}

func (m *Memory) activeEntriesLocked(id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	var result []ledger.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == id && e.Status == ledger.EntryActive {
			result = append(result, e)
		}
	}
	sortByExpiry(result)
	return result, nil
}

func (m *Memory) ExpiredActiveEntries(_ context.Context, now time.Time) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredActiveLocked(now)
}

func (m *Memory) expiredActiveLocked(now time.Time) ([]ledger.LedgerEntry, error) {
	var result []ledger.LedgerEntry
	for _, e := range m.entries {
		if e.Status == ledger.EntryActive && e.ExpiresAt.Before(now) {
			result = append(result, e)
		}
	}
	sortByExpiry(result)
	return result, nil
}

// sortByExpiry orders entries earliest expiry first; ties break on
// creation time so FIFO consumption is deterministic.
func sortByExpiry(entries []ledger.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

func (m *Memory) CountEntries(_ context.Context, id ledger.AccountID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countEntriesLocked(id)
}

func (m *Memory) countEntriesLocked(id ledger.AccountID) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.AccountID == id && e.Status != ledger.EntryCancelled {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpdateEntry(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateEntryLocked(e)
}

func (m *Memory) updateEntryLocked(e ledger.LedgerEntry) error {
	if _, ok := m.entries[e.EntryID]; !ok {
		return &ledger.NotFoundError{Kind: "ledger entry", ID: string(e.EntryID)}
	}
	m.entries[e.EntryID] = e
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func (m *Memory) AppendLog(_ context.Context, entry ledger.TransactionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLogLocked(entry)
}

func (m *Memory) appendLogLocked(entry ledger.TransactionLogEntry) error {
	m.logs = append(m.logs, entry)
	return nil
}

func (m *Memory) ListLog(_ context.Context, id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLogLocked(id, page, limit)
}

func (m *Memory) listLogLocked(id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	var rows []ledger.TransactionLogEntry
	// Append order is chronological; walk backwards for newest-first.
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].AccountID == id {
			rows = append(rows, m.logs[i])
		}
	}
	return paginate(rows, page, limit), nil
}

func paginate[T any](rows []T, page, limit int) []T {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	start := (page - 1) * limit
	if start >= len(rows) {
		return nil
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[start:end]
}

// =============================================================================
// COMMISSION RECORDS
// =============================================================================

func (m *Memory) CreateRecord(_ context.Context, r commission.CommissionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRecordLocked(r)
}

func (m *Memory) createRecordLocked(r commission.CommissionRecord) error {
	if _, dup := m.byOrder[r.OrderID]; dup {
		return commission.ErrDuplicateOrderCommission
	}
	m.records[r.RecordID] = r
	m.byOrder[r.OrderID] = r.RecordID
	return nil
}

func (m *Memory) RecordByOrder(_ context.Context, orderID string) (*commission.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recordByOrderLocked(orderID)
}

func (m *Memory) recordByOrderLocked(orderID string) (*commission.CommissionRecord, error) {
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	r := m.records[id]
	return &r, nil
}

func (m *Memory) ListRecords(_ context.Context, agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRecordsLocked(agentID, page, limit)
}

func (m *Memory) listRecordsLocked(agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	var rows []commission.CommissionRecord
	for _, r := range m.records {
		if agentID == "" || r.AgentID == agentID {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return paginate(rows, page, limit), nil
}

func (m *Memory) PendingRecords(_ context.Context, agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingRecordsLocked(agentID, period)
}

func (m *Memory) pendingRecordsLocked(agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	var rows []commission.CommissionRecord
	for _, r := range m.records {
		if r.AgentID == agentID && r.Period == period && r.Status == commission.RecordPending {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

func (m *Memory) AgentsWithPending(_ context.Context, period string) ([]ledger.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agentsWithPendingLocked(period)
}

func (m *Memory) agentsWithPendingLocked(period string) ([]ledger.AccountID, error) {
	seen := make(map[ledger.AccountID]struct{})
	for _, r := range m.records {
		if r.Period == period && r.Status == commission.RecordPending {
			seen[r.AgentID] = struct{}{}
		}
	}
	agents := make([]ledger.AccountID, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })
	return agents, nil
}

func (m *Memory) MarkSettled(_ context.Context, recordIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markSettledLocked(recordIDs)
}

func (m *Memory) markSettledLocked(recordIDs []string) error {
	for _, id := range recordIDs {
		r, ok := m.records[id]
		if !ok {
			return &ledger.NotFoundError{Kind: "commission record", ID: id}
		}
		r.Status = commission.RecordSettled
		m.records[id] = r
	}
	return nil
}

func (m *Memory) CancelRecord(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelRecordLocked(recordID)
}

func (m *Memory) cancelRecordLocked(recordID string) error {
	r, ok := m.records[recordID]
	if !ok {
		return &ledger.NotFoundError{Kind: "commission record", ID: recordID}
	}
	r.Status = commission.RecordCancelled
	m.records[recordID] = r
	return nil
}

func (m *Memory) SetUnlocked(_ context.Context, recordID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setUnlockedLocked(recordID, at)
}

func (m *Memory) setUnlockedLocked(recordID string, at time.Time) error {
	r, ok := m.records[recordID]
	if !ok {
		return &ledger.NotFoundError{Kind: "commission record", ID: recordID}
	}
	t := at
	r.UnlockedAt = &t
	m.records[recordID] = r
	return nil
}

func (m *Memory) UnlockEligibleTotal(_ context.Context, agentID ledger.AccountID) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlockEligibleLocked(agentID)
}

func (m *Memory) unlockEligibleLocked(agentID ledger.AccountID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, r := range m.records {
		if r.AgentID == agentID && r.Status != commission.RecordCancelled && r.UnlockedAt == nil {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

// =============================================================================
// SETTLEMENT BATCHES
// =============================================================================

func (m *Memory) CreateBatch(_ context.Context, b commission.SettlementBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createBatchLocked(b)
}

func (m *Memory) createBatchLocked(b commission.SettlementBatch) error {
	k := batchKey{AgentID: b.AgentID, Period: b.Period}
	if _, dup := m.batches[k]; dup {
		return commission.ErrDuplicateBatch
	}
	m.batches[k] = b
	return nil
}

func (m *Memory) BatchByAgentPeriod(_ context.Context, agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchByAgentPeriodLocked(agentID, period)
}

func (m *Memory) batchByAgentPeriodLocked(agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	b, ok := m.batches[batchKey{AgentID: agentID, Period: period}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBatches(_ context.Context, agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBatchesLocked(agentID)
}

func (m *Memory) listBatchesLocked(agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	var rows []commission.SettlementBatch
	for _, b := range m.batches {
		if b.AgentID == agentID {
			rows = append(rows, b)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Period > rows[j].Period })
	return rows, nil
}

// =============================================================================
// TRANSACTIONS - Snapshot + rollback
// =============================================================================

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot of all collections, restored if fn errors.
// The transactional view reads and writes through locked helpers so it
// observes its own uncommitted writes.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts map[ledger.AccountID]ledger.WalletAccount
	entries  map[ledger.EntryID]ledger.LedgerEntry
	bySource map[string]ledger.EntryID
	logs     []ledger.TransactionLogEntry
	records  map[string]commission.CommissionRecord
	byOrder  map[string]string
	batches  map[batchKey]commission.SettlementBatch
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts: make(map[ledger.AccountID]ledger.WalletAccount, len(m.accounts)),
		entries:  make(map[ledger.EntryID]ledger.LedgerEntry, len(m.entries)),
		bySource: make(map[string]ledger.EntryID, len(m.bySource)),
		logs:     append([]ledger.TransactionLogEntry{}, m.logs...),
		records:  make(map[string]commission.CommissionRecord, len(m.records)),
		byOrder:  make(map[string]string, len(m.byOrder)),
		batches:  make(map[batchKey]commission.SettlementBatch, len(m.batches)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.bySource {
		s.bySource[k] = v
	}
	for k, v := range m.records {
		s.records[k] = v
	}
	for k, v := range m.byOrder {
		s.byOrder[k] = v
	}
	for k, v := range m.batches {
		s.batches[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.entries = s.entries
	m.bySource = s.bySource
	m.logs = s.logs
	m.records = s.records
	m.byOrder = s.byOrder
	m.batches = s.batches
}

// txView is the store handed to WithTx callbacks. The parent's mutex is
// already held, so every call goes straight to the locked helpers.
type txView struct {
	parent *Memory
}

var _ commission.Store = (*txView)(nil)

func (tv *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.WalletAccount, error) {
	return tv.parent.getAccountLocked(id)
}

func (tv *txView) SaveAccount(_ context.Context, acct ledger.WalletAccount) error {
	return tv.parent.saveAccountLocked(acct)
}

func (tv *txView) CreateEntry(_ context.Context, e ledger.LedgerEntry) error {
	return tv.parent.createEntryLocked(e)
}

func (tv *txView) GetEntry(_ context.Context, id ledger.EntryID) (*ledger.LedgerEntry, error) {
	return tv.parent.getEntryLocked(id)
}

func (tv *txView) EntryBySourceOrder(_ context.Context, sourceOrderID string) (*ledger.LedgerEntry, error) {
	return tv.parent.entryBySourceLocked(sourceOrderID)
}

func (tv *txView) ActiveEntries(_ context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	return tv.parent.activeEntriesLocked(id)
}

func (tv *txView) ExpiredActiveEntries(_ context.Context, now time.Time) ([]ledger.LedgerEntry, error) {
	return tv.parent.expiredActiveLocked(now)
}

func (tv *txView) CountEntries(_ context.Context, id ledger.AccountID) (int, error) {
	return tv.parent.countEntriesLocked(id)
}

func (tv *txView) UpdateEntry(_ context.Context, e ledger.LedgerEntry) error {
	return tv.parent.updateEntryLocked(e)
}

func (tv *txView) AppendLog(_ context.Context, entry ledger.TransactionLogEntry) error {
	return tv.parent.appendLogLocked(entry)
}

func (tv *txView) ListLog(_ context.Context, id ledger.AccountID, page, limit int) ([]ledger.TransactionLogEntry, error) {
	return tv.parent.listLogLocked(id, page, limit)
}

func (tv *txView) CreateRecord(_ context.Context, r commission.CommissionRecord) error {
	return tv.parent.createRecordLocked(r)
}

func (tv *txView) RecordByOrder(_ context.Context, orderID string) (*commission.CommissionRecord, error) {
	return tv.parent.recordByOrderLocked(orderID)
}

func (tv *txView) ListRecords(_ context.Context, agentID ledger.AccountID, page, limit int) ([]commission.CommissionRecord, error) {
	return tv.parent.listRecordsLocked(agentID, page, limit)
}

func (tv *txView) PendingRecords(_ context.Context, agentID ledger.AccountID, period string) ([]commission.CommissionRecord, error) {
	return tv.parent.pendingRecordsLocked(agentID, period)
}

func (tv *txView) AgentsWithPending(_ context.Context, period string) ([]ledger.AccountID, error) {
	return tv.parent.agentsWithPendingLocked(period)
}

func (tv *txView) MarkSettled(_ context.Context, recordIDs []string) error {
	return tv.parent.markSettledLocked(recordIDs)
}

func (tv *txView) CancelRecord(_ context.Context, recordID string) error {
	return tv.parent.cancelRecordLocked(recordID)
}

func (tv *txView) SetUnlocked(_ context.Context, recordID string, at time.Time) error {
	return tv.parent.setUnlockedLocked(recordID, at)
}

func (tv *txView) UnlockEligibleTotal(_ context.Context, agentID ledger.AccountID) (decimal.Decimal, error) {
	return tv.parent.unlockEligibleLocked(agentID)
}

func (tv *txView) CreateBatch(_ context.Context, b commission.SettlementBatch) error {
	return tv.parent.createBatchLocked(b)
}

func (tv *txView) BatchByAgentPeriod(_ context.Context, agentID ledger.AccountID, period string) (*commission.SettlementBatch, error) {
	return tv.parent.batchByAgentPeriodLocked(agentID, period)
}

func (tv *txView) ListBatches(_ context.Context, agentID ledger.AccountID) ([]commission.SettlementBatch, error) {
	return tv.parent.listBatchesLocked(agentID)
}

// Nested transactions collapse into the outer one: the snapshot taken by
// the outermost WithTx governs rollback.
func (tv *txView) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return fn(tv)
}
