package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/token-indexer/internal/ledger"
	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/internal/store"
	"github.com/84hero/token-indexer/pkg/scanner"
)

var (
	jst = time.FixedZone("JST", 9*3600)
	t0  = time.Date(2024, 4, 1, 9, 0, 0, 0, jst)
	t1  = t0.Add(time.Minute)
	t2  = t0.Add(2 * time.Minute)
)

// applyWindow runs recs through one batch and commits it.
func applyWindow(t *testing.T, s *Sink, recs ...scanner.Record) {
	t.Helper()
	ctx := context.Background()
	b, err := s.Begin(ctx)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, b.Apply(ctx, r))
	}
	require.NoError(t, b.Flush(ctx))
}

func TestAppendOnce_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)

	tr := record.Transfer{TransactionHash: "0xtx1", TokenAddress: "0xaaa", From: "0xowner", To: "0xbuyer", Amount: 100, BlockTimestamp: t0}
	af := record.ApplyFor{TransactionHash: "0xtx2", TokenAddress: "0xaaa", AccountAddress: "0xbuyer", Amount: 3, BlockTimestamp: t0}
	cs := record.Consume{TransactionHash: "0xtx3", TokenAddress: "0xccc", ConsumerAddress: "0xbuyer", Balance: 7, TotalUsed: 3, Used: 1, BlockTimestamp: t0}

	applyWindow(t, s, tr, af, cs)
	snapshot := map[string][]record.Row{}
	for _, table := range []string{record.TableTransfers, record.TableApplyFor, record.TableConsume} {
		snapshot[table] = st.Rows(table)
	}

	// Re-processing the window, even with a different payload under the same key
	changed := tr
	changed.Amount = 999
	applyWindow(t, s, changed, af, cs)

	for table, rows := range snapshot {
		assert.Equal(t, rows, st.Rows(table), table)
	}
	assert.Equal(t, int64(100), st.Row(tr.Key()).(record.Transfer).Amount)
}

func agreement(event string, at time.Time) record.AgreementChange {
	return record.AgreementChange{
		Event: event,
		Agreement: record.Agreement{
			ExchangeAddress: "0xex", OrderID: 7, AgreementID: 1, TokenAddress: "0xaaa",
			BuyerAddress: "0xb", SellerAddress: "0xs", Price: 10, Amount: 40, AgentAddress: "0xagent",
		},
		Timestamp: at,
	}
}

func TestAgreement_StateMachine(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)
	key := agreement(record.EventAgree, t0).Agreement.Key()

	applyWindow(t, s, agreement(record.EventAgree, t0))
	row := st.Row(key).(record.Agreement)
	assert.Equal(t, record.StatusPending, row.Status)
	assert.Nil(t, row.SettlementTimestamp)

	applyWindow(t, s, agreement(record.EventSettlementOK, t1))
	row = st.Row(key).(record.Agreement)
	assert.Equal(t, record.StatusDone, row.Status)
	assert.True(t, row.SettlementTimestamp.Equal(t1))
	assert.True(t, row.AgreementTimestamp.Equal(t0))

	// Terminal: neither a late NG, a replayed Agree nor a replayed OK change it
	applyWindow(t, s, agreement(record.EventSettlementNG, t2), agreement(record.EventAgree, t0), agreement(record.EventSettlementOK, t2))
	row = st.Row(key).(record.Agreement)
	assert.Equal(t, record.StatusDone, row.Status)
	assert.True(t, row.SettlementTimestamp.Equal(t1))
}

func TestAgreement_PendingToCanceled(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)

	applyWindow(t, s, agreement(record.EventAgree, t0), agreement(record.EventSettlementNG, t1))
	row := st.Row(agreement("", t0).Agreement.Key()).(record.Agreement)
	assert.Equal(t, record.StatusCanceled, row.Status)

	applyWindow(t, s, agreement(record.EventSettlementOK, t2))
	assert.Equal(t, record.StatusCanceled, st.Row(row.Key()).(record.Agreement).Status)
}

func TestAgreement_SettlementBeforeAgree(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)

	applyWindow(t, s, agreement(record.EventSettlementOK, t1))
	applyWindow(t, s, agreement(record.EventAgree, t0))

	row := st.Row(agreement("", t0).Agreement.Key()).(record.Agreement)
	assert.Equal(t, record.StatusDone, row.Status)
	assert.Equal(t, int64(40), row.Amount)
}

func order(event string, amount int64) record.OrderChange {
	return record.OrderChange{Event: event, Order: record.Order{
		ExchangeAddress: "0xex", OrderID: 7, TokenAddress: "0xaaa", AccountAddress: "0xs",
		IsBuy: false, Price: 10, Amount: amount, AgentAddress: "0xagent", OrderTimestamp: t0,
	}}
}

func TestOrder_Lifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)
	key := order("", 0).Order.Key()

	applyWindow(t, s, order(record.EventNewOrder, 100))
	assert.Equal(t, int64(100), st.Row(key).(record.Order).Amount)

	fill := order(record.EventOrderFill, 40)
	fill.Order.Price = 999 // a fill owns the amount only
	applyWindow(t, s, fill)
	row := st.Row(key).(record.Order)
	assert.Equal(t, int64(40), row.Amount)
	assert.Equal(t, int64(10), row.Price)
	assert.False(t, row.IsCancelled)

	applyWindow(t, s, order(record.EventCancelOrder, 40))
	assert.True(t, st.Row(key).(record.Order).IsCancelled)

	// Replayed NewOrder rewrites creation fields but keeps the cancel
	applyWindow(t, s, order(record.EventNewOrder, 100))
	row = st.Row(key).(record.Order)
	assert.True(t, row.IsCancelled)
	assert.Len(t, st.Rows(record.TableOrders), 1)
}

func TestPersonalInfo_UpsertLatest(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)

	reg := record.PersonalInfoChange{AccountAddress: "0xa", IssuerAddress: "0xi", Info: `{"name":"before"}`, Timestamp: t0}
	mod := record.PersonalInfoChange{AccountAddress: "0xa", IssuerAddress: "0xi", Info: `{"name":"after"}`, Timestamp: t2}

	applyWindow(t, s, reg)
	applyWindow(t, s, reg, mod) // overlapping window replays the Register

	rows := st.Rows(record.TablePersonalInfo)
	require.Len(t, rows, 1)
	pi := rows[0].(record.PersonalInfo)
	assert.True(t, pi.Created.Equal(t0))
	assert.True(t, pi.Modified.Equal(t2))
	assert.Equal(t, `{"name":"after"}`, pi.Info)
}

func TestTransferApproval_FieldOwnership(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)
	applied := t0.Add(-time.Hour)
	approved := t1.Add(-time.Hour)

	apply := record.TransferApprovalChange{Event: record.EventApplyForTransfer, TokenAddress: "0xshare", ApplicationID: 3,
		From: "0x1", To: "0x2", Value: 50, Datetime: &applied, Timestamp: t0}
	approve := record.TransferApprovalChange{Event: record.EventApproveTransfer, TokenAddress: "0xshare", ApplicationID: 3,
		From: "0x1", To: "0x2", Datetime: &approved, Timestamp: t1}

	// Approval observed first, application later
	applyWindow(t, s, approve)
	applyWindow(t, s, apply)

	row := st.Row(record.NewKey(record.TableTransferApprovals, "0xshare", int64(3))).(record.TransferApproval)
	assert.Equal(t, int64(50), row.Value)
	assert.True(t, row.ApplicationDatetime.Equal(applied))
	assert.True(t, row.ApprovalDatetime.Equal(approved))
	assert.True(t, row.ApprovalBlockTimestamp.Equal(t1))
	assert.True(t, row.TransferApproved)
	assert.False(t, row.Cancelled)

	cancel := record.TransferApprovalChange{Event: record.EventCancelTransfer, TokenAddress: "0xshare", ApplicationID: 3, Timestamp: t2}
	applyWindow(t, s, cancel)
	row = st.Row(row.Key()).(record.TransferApproval)
	assert.True(t, row.Cancelled)
	assert.Equal(t, int64(50), row.Value)
	assert.Equal(t, "0x1", row.From)
}

func TestLedger_TransfersAndSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(st, nil)

	issue := record.LedgerTransfer{TransactionHash: "0x01", TokenAddress: "0xbond", IssuerAddress: "0xi", From: "0xi", To: "0xa", Amount: 60, BlockNumber: 10, BlockTimestamp: t0}
	second := record.LedgerTransfer{TransactionHash: "0x02", TokenAddress: "0xbond", IssuerAddress: "0xi", From: "0xi", To: "0xa", Amount: 40, BlockNumber: 11, BlockTimestamp: t0}
	resale := record.LedgerTransfer{TransactionHash: "0x03", TokenAddress: "0xbond", IssuerAddress: "0xi", From: "0xa", To: "0xb", Amount: 70, BlockNumber: 12, BlockTimestamp: t1}
	self := record.LedgerTransfer{TransactionHash: "0x04", TokenAddress: "0xbond", IssuerAddress: "0xi", From: "0xb", To: "0xb", Amount: 5, BlockNumber: 13, BlockTimestamp: t1}

	applyWindow(t, s,
		record.PersonalInfoChange{AccountAddress: "0xb", IssuerAddress: "0xi", Info: `{"name":"Buyer B","address":"Tokyo"}`, Timestamp: t0},
		issue, second, resale, self)

	// 0xa: lot 0x01 fully spent, lot 0x02 has 30 left
	lot1 := st.Row(record.NewKey(record.TableUTXO, "0x01", "0xa", "0xbond")).(record.UTXO)
	lot2 := st.Row(record.NewKey(record.TableUTXO, "0x02", "0xa", "0xbond")).(record.UTXO)
	assert.Equal(t, int64(0), lot1.Amount)
	assert.Equal(t, int64(30), lot2.Amount)
	assert.Nil(t, st.Row(record.NewKey(record.TableUTXO, "0x04", "0xb", "0xbond")))

	ledgers := st.Appended(record.TableBondLedger)
	require.Len(t, ledgers, 1)
	var snap ledger.Snapshot
	require.NoError(t, json.Unmarshal([]byte(ledgers[0].(record.BondLedger).Ledger), &snap))
	assert.Equal(t, int64(100), snap.TotalAmount)
	require.Len(t, snap.Creditors, 2)
	assert.Equal(t, ledger.Creditor{AccountAddress: "0xa", Amount: 30}, snap.Creditors[0])
	assert.Equal(t, ledger.Creditor{AccountAddress: "0xb", Name: "Buyer B", Address: "Tokyo", Amount: 70}, snap.Creditors[1])
	assert.True(t, ledgers[0].(record.BondLedger).CreatedAt.Equal(t1))

	// Replaying the window spends nothing twice and appends no ledger
	applyWindow(t, s, issue, second, resale)
	assert.Equal(t, int64(30), st.Row(lot2.Key()).(record.UTXO).Amount)
	assert.Len(t, st.Appended(record.TableBondLedger), 1)
}

func TestFlush_CommitFailureLeavesNothing(t *testing.T) {
	st := store.NewMemoryStore()
	st.CommitErr = errors.New("connection lost")
	s := New(st, nil)
	ctx := context.Background()

	b, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, record.Transfer{TransactionHash: "0x1", TokenAddress: "0x2", BlockTimestamp: t0}))
	assert.Error(t, b.Flush(ctx))
	assert.Empty(t, st.Rows(record.TableTransfers))
}

type unknownRecord struct{}

func (unknownRecord) Kind() string { return "Unknown" }

func TestApply_UnknownKind(t *testing.T) {
	s := New(store.NewMemoryStore(), nil)
	b, _ := s.Begin(context.Background())
	assert.Error(t, b.Apply(context.Background(), unknownRecord{}))
	assert.NoError(t, b.Rollback())
}
