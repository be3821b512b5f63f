package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonhub/ledger-engine/commission"
	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var baseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func testEntry(accountID ledger.AccountID, sourceOrderID string, points int64, createdAt time.Time) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		EntryID:         ledger.NewEntryID(),
		AccountID:       accountID,
		SourceOrderID:   sourceOrderID,
		PointsEarned:    dec(points),
		PointsRemaining: dec(points),
		Status:          ledger.EntryActive,
		ActivatedAt:     createdAt,
		ExpiresAt:       createdAt.AddDate(0, 4, 0),
		CreatedAt:       createdAt,
	}
}

func testRecord(agentID ledger.AccountID, orderID, period string, amount int64) commission.CommissionRecord {
	return commission.CommissionRecord{
		RecordID:    commission.NewRecordID(),
		AgentID:     agentID,
		OrderID:     orderID,
		Subtotal:    dec(amount * 20),
		RatePercent: dec(5),
		Amount:      dec(amount),
		Period:      period,
		Status:      commission.RecordPending,
		CreatedAt:   baseTime,
	}
}

// =============================================================================
// WALLET ACCOUNTS
// =============================================================================

func TestAccounts_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	missing, err := store.GetAccount(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)

	acct := ledger.NewWalletAccount("acct-1")
	acct.Available = decimal.RequireFromString("123.45")
	acct.Pending = dec(10)
	acct.LifetimeEarned = decimal.RequireFromString("133.45")
	acct.UpdatedAt = baseTime
	require.NoError(t, store.SaveAccount(ctx, acct))

	got, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Available.Equal(decimal.RequireFromString("123.45")), "decimals survive unchanged")
	assert.True(t, got.Pending.Equal(dec(10)))
	assert.Equal(t, int64(1), got.Version, "fresh insert lands at version 1")
}

func TestSaveAccount_OptimisticVersionCheck(t *testing.T) {
	// GIVEN: Two writers read the same account snapshot
	// WHEN: Both try to save
	// THEN: The first wins; the second gets ErrConcurrentModification

	store := newTestStore(t)
	ctx := context.Background()

	acct := ledger.NewWalletAccount("acct-1")
	require.NoError(t, store.SaveAccount(ctx, acct))

	readerA, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	readerB, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)

	readerA.Available = dec(100)
	require.NoError(t, store.SaveAccount(ctx, *readerA))

	readerB.Available = dec(999)
	err = store.SaveAccount(ctx, *readerB)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	got, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, got.Available.Equal(dec(100)), "stale write must not land")
}

func TestSaveAccount_StaleInsertRace(t *testing.T) {
	// A version-0 save against an existing row means two creators raced.
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAccount(ctx, ledger.NewWalletAccount("acct-1")))

	err := store.SaveAccount(ctx, ledger.NewWalletAccount("acct-1"))
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestCreateEntry_DuplicateSourceOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntry(ctx, testEntry("acct-1", "order-1", 100, baseTime)))

	err := store.CreateEntry(ctx, testEntry("acct-1", "order-1", 50, baseTime))
	assert.ErrorIs(t, err, ledger.ErrDuplicateSourceOrder)

	got, err := store.EntryBySourceOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.PointsEarned.Equal(dec(100)), "original entry untouched")
}

func TestActiveEntries_OrderedByExpiry(t *testing.T) {
	// The FIFO consumption order: earliest expiry first, regardless of
	// insertion order.
	store := newTestStore(t)
	ctx := context.Background()

	late := testEntry("acct-1", "order-late", 10, baseTime.AddDate(0, 2, 0))
	early := testEntry("acct-1", "order-early", 20, baseTime)
	require.NoError(t, store.CreateEntry(ctx, late))
	require.NoError(t, store.CreateEntry(ctx, early))

	// Terminal entries never appear.
	spent := testEntry("acct-1", "order-spent", 30, baseTime)
	spent.Status = ledger.EntryFullyRedeemed
	require.NoError(t, store.CreateEntry(ctx, spent))

	entries, err := store.ActiveEntries(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, early.EntryID, entries[0].EntryID)
	assert.Equal(t, late.EntryID, entries[1].EntryID)
}

func TestExpiredActiveEntries_StrictCutoff(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := testEntry("acct-1", "order-1", 100, baseTime.AddDate(0, -5, 0))
	fresh := testEntry("acct-2", "order-2", 50, baseTime)
	require.NoError(t, store.CreateEntry(ctx, stale))
	require.NoError(t, store.CreateEntry(ctx, fresh))

	expired, err := store.ExpiredActiveEntries(ctx, baseTime)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.EntryID, expired[0].EntryID)
}

func TestCountEntries_ExcludesCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateEntry(ctx, testEntry("acct-1", "order-1", 100, baseTime)))
	cancelled := testEntry("acct-1", "order-2", 50, baseTime)
	cancelled.Status = ledger.EntryCancelled
	require.NoError(t, store.CreateEntry(ctx, cancelled))

	count, err := store.CountEntries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateEntry_UnknownEntry(t *testing.T) {
	store := newTestStore(t)

	ghost := testEntry("acct-1", "order-1", 100, baseTime)
	err := store.UpdateEntry(context.Background(), ghost)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

func TestListLog_NewestFirstAndPaged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendLog(ctx, ledger.TransactionLogEntry{
			LogID:     ledger.NewLogID(),
			AccountID: "acct-1",
			Kind:      ledger.LogEarn,
			Amount:    dec(int64(i + 1)),
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}))
	}

	page1, err := store.ListLog(ctx, "acct-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.True(t, page1[0].Amount.Equal(dec(5)), "newest row first")
	assert.True(t, page1[1].Amount.Equal(dec(4)))

	page3, err := store.ListLog(ctx, "acct-1", 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.True(t, page3[0].Amount.Equal(dec(1)))
}

// =============================================================================
// COMMISSION RECORDS AND BATCHES
// =============================================================================

func TestCreateRecord_DuplicateOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRecord(ctx, testRecord("agent-1", "order-1", "2026-03", 100)))

	err := store.CreateRecord(ctx, testRecord("agent-1", "order-1", "2026-03", 50))
	assert.ErrorIs(t, err, commission.ErrDuplicateOrderCommission)
}

func TestPendingRecords_FiltersByAgentPeriodAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	match := testRecord("agent-1", "order-1", "2026-03", 100)
	require.NoError(t, store.CreateRecord(ctx, match))
	require.NoError(t, store.CreateRecord(ctx, testRecord("agent-1", "order-2", "2026-04", 50)))
	require.NoError(t, store.CreateRecord(ctx, testRecord("agent-2", "order-3", "2026-03", 75)))

	settled := testRecord("agent-1", "order-4", "2026-03", 25)
	require.NoError(t, store.CreateRecord(ctx, settled))
	require.NoError(t, store.MarkSettled(ctx, []string{settled.RecordID}))

	pending, err := store.PendingRecords(ctx, "agent-1", "2026-03")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, match.RecordID, pending[0].RecordID)

	agents, err := store.AgentsWithPending(ctx, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, []ledger.AccountID{"agent-1", "agent-2"}, agents)
}

func TestUnlockEligibleTotal_SkipsUnlockedAndCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	eligible := testRecord("agent-1", "order-1", "2026-03", 100)
	unlocked := testRecord("agent-1", "order-2", "2026-03", 50)
	cancelled := testRecord("agent-1", "order-3", "2026-03", 25)
	require.NoError(t, store.CreateRecord(ctx, eligible))
	require.NoError(t, store.CreateRecord(ctx, unlocked))
	require.NoError(t, store.CreateRecord(ctx, cancelled))
	require.NoError(t, store.SetUnlocked(ctx, unlocked.RecordID, baseTime))
	require.NoError(t, store.CancelRecord(ctx, cancelled.RecordID))

	total, err := store.UnlockEligibleTotal(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec(100)), "got %s", total)
}

func TestCreateBatch_DuplicateAgentPeriod(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := commission.SettlementBatch{
		BatchID:     commission.NewBatchID(),
		AgentID:     "agent-1",
		Period:      "2026-03",
		Amount:      dec(100),
		OrderCount:  1,
		RecordCount: 1,
		SettledAt:   baseTime,
	}
	require.NoError(t, store.CreateBatch(ctx, batch))

	dup := batch
	dup.BatchID = commission.NewBatchID()
	err := store.CreateBatch(ctx, dup)
	assert.ErrorIs(t, err, commission.ErrDuplicateBatch)

	got, err := store.BatchByAgentPeriod(ctx, "agent-1", "2026-03")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, batch.BatchID, got.BatchID)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackAllWritesOnError(t *testing.T) {
	// GIVEN: A transaction writing an entry and an account
	// WHEN: The closure fails after both writes
	// THEN: Neither write is visible afterwards

	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateEntry(ctx, testEntry("acct-1", "order-1", 100, baseTime)); err != nil {
			return err
		}
		acct := ledger.NewWalletAccount("acct-1")
		acct.Available = dec(100)
		if err := s.SaveAccount(ctx, acct); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	entry, err := store.EntryBySourceOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	acct, err := store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, acct)
}

func TestWithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	// The transactional view must read its own writes: the FIFO planner
	// updates entries and then re-reads the account inside one tx.
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateEntry(ctx, testEntry("acct-1", "order-1", 100, baseTime)); err != nil {
			return err
		}
		inside, err := s.EntryBySourceOrder(ctx, "order-1")
		if err != nil {
			return err
		}
		require.NotNil(t, inside)
		return nil
	})
	require.NoError(t, err)

	after, err := store.EntryBySourceOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.NotNil(t, after, "committed write visible outside the tx")
}

func TestWithTx_CommissionViewAvailableInTx(t *testing.T) {
	// The engines type-assert the tx view back to the commission store.
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		cs, ok := s.(commission.Store)
		require.True(t, ok, "tx view must expose the commission surface")
		return cs.CreateRecord(ctx, testRecord("agent-1", "order-1", "2026-03", 100))
	})
	require.NoError(t, err)

	record, err := store.RecordByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.NotNil(t, record)
}
