package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/84hero/token-indexer/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx keeps rows in a map; lots are listed in insertion order.
type fakeTx struct {
	rows  map[record.Key]record.Row
	order []record.Key
}

func newFakeTx() *fakeTx {
	return &fakeTx{rows: make(map[record.Key]record.Row)}
}

func (f *fakeTx) Get(_ context.Context, key record.Key) (record.Row, error) {
	return f.rows[key], nil
}

func (f *fakeTx) Put(_ context.Context, row record.Row) error {
	if _, ok := f.rows[row.Key()]; !ok {
		f.order = append(f.order, row.Key())
	}
	f.rows[row.Key()] = row
	return nil
}

func (f *fakeTx) UTXOs(_ context.Context, token, account string) ([]record.UTXO, error) {
	var out []record.UTXO
	for _, k := range f.order {
		if u, ok := f.rows[k].(record.UTXO); ok && u.TokenAddress == token && u.AccountAddress == account && u.Amount > 0 {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeTx) Holders(_ context.Context, token string) ([]record.Holding, error) {
	sums := map[string]int64{}
	var accts []string
	for _, k := range f.order {
		if u, ok := f.rows[k].(record.UTXO); ok && u.TokenAddress == token {
			if _, seen := sums[u.AccountAddress]; !seen {
				accts = append(accts, u.AccountAddress)
			}
			sums[u.AccountAddress] += u.Amount
		}
	}
	var out []record.Holding
	for _, a := range accts {
		if sums[a] > 0 {
			out = append(out, record.Holding{AccountAddress: a, Amount: sums[a]})
		}
	}
	return out, nil
}

func transfer(hash, from, to string, amount int64, block uint64) record.LedgerTransfer {
	return record.LedgerTransfer{
		TransactionHash: hash,
		TokenAddress:    "0xbond",
		IssuerAddress:   "0xissuer",
		From:            from,
		To:              to,
		Amount:          amount,
		BlockNumber:     block,
		BlockTimestamp:  time.Unix(int64(block), 0),
	}
}

func lotAmount(f *fakeTx, hash, account string) int64 {
	r := f.rows[record.NewKey(record.TableUTXO, hash, account, "0xbond")]
	if r == nil {
		return -1
	}
	return r.(record.UTXO).Amount
}

func TestApplyTransfer_SpendsOldestFirst(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()

	for _, tr := range []record.LedgerTransfer{
		transfer("0x01", "0xissuer", "0xa", 30, 1),
		transfer("0x02", "0xissuer", "0xa", 20, 2),
		transfer("0x03", "0xa", "0xb", 40, 3),
	} {
		changed, err := ApplyTransfer(ctx, tx, tr)
		require.NoError(t, err)
		assert.True(t, changed)
	}

	assert.Equal(t, int64(0), lotAmount(tx, "0x01", "0xa"))
	assert.Equal(t, int64(10), lotAmount(tx, "0x02", "0xa"))
	assert.Equal(t, int64(40), lotAmount(tx, "0x03", "0xb"))
}

func TestApplyTransfer_Replay(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()
	first := transfer("0x01", "0xissuer", "0xa", 30, 1)
	move := transfer("0x02", "0xa", "0xb", 10, 2)

	for _, tr := range []record.LedgerTransfer{first, move} {
		_, err := ApplyTransfer(ctx, tx, tr)
		require.NoError(t, err)
	}
	changed, err := ApplyTransfer(ctx, tx, move)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(20), lotAmount(tx, "0x01", "0xa"))
}

func TestApplyTransfer_Ignored(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()

	changed, err := ApplyTransfer(ctx, tx, transfer("0x01", "0xa", "0xa", 5, 1))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = ApplyTransfer(ctx, tx, transfer("0x02", "0xa", "0xb", 0, 1))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, tx.rows)
}

func TestApplyTransfer_SenderWithoutLots(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()

	changed, err := ApplyTransfer(ctx, tx, transfer("0x01", "0xa", "0xb", 15, 1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(15), lotAmount(tx, "0x01", "0xb"))
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	tx := newFakeTx()
	for _, tr := range []record.LedgerTransfer{
		transfer("0x01", "0xissuer", "0xa", 60, 1),
		transfer("0x02", "0xissuer", "0xb", 40, 2),
		transfer("0x03", "0xb", "0xissuer", 15, 3),
	} {
		_, err := ApplyTransfer(ctx, tx, tr)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Put(ctx, record.PersonalInfo{
		AccountAddress: "0xa",
		IssuerAddress:  "0xissuer",
		Info:           `{"name":"Alice","address":"Tokyo"}`,
	}))

	asOf := time.Date(2024, 4, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*3600))
	row, err := Build(ctx, tx, "0xbond", "0xissuer", asOf)
	require.NoError(t, err)
	assert.Equal(t, "0xbond", row.TokenAddress)
	assert.True(t, asOf.Equal(row.CreatedAt))

	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(row.Ledger), &snap))
	assert.Equal(t, "0xissuer", snap.IssuerAddress)
	assert.Equal(t, int64(85), snap.TotalAmount)
	assert.Equal(t, "2024-04-01T09:00:00+09:00", snap.AsOf)
	require.Len(t, snap.Creditors, 2)
	assert.Equal(t, Creditor{AccountAddress: "0xa", Name: "Alice", Address: "Tokyo", Amount: 60}, snap.Creditors[0])
	assert.Equal(t, Creditor{AccountAddress: "0xb", Amount: 25}, snap.Creditors[1])
}
