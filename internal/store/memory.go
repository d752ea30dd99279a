package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/84hero/token-indexer/internal/record"
)

var errTxDone = errors.New("transaction already finished")

// MemoryStore keeps rows in maps. Used by tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	rows     map[record.Key]record.Row
	appended map[string][]record.Row
	tokens   []record.Token

	// CommitErr, when set, makes every Commit fail.
	CommitErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[record.Key]record.Row),
		appended: make(map[string][]record.Row),
	}
}

// AddToken registers an issued token.
func (m *MemoryStore) AddToken(t record.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, t)
}

func (m *MemoryStore) Tokens(context.Context) ([]record.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]record.Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		if t.Address != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// Row returns a committed row.
func (m *MemoryStore) Row(key record.Key) record.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[key]
}

// Rows returns the committed rows of a keyed table in key order.
func (m *MemoryStore) Rows(table string) []record.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []record.Row
	for k, r := range m.rows {
		if k.Table == table {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i].Key().Parts) < fmt.Sprint(out[j].Key().Parts)
	})
	return out
}

// Appended returns the committed rows of an append-only table.
func (m *MemoryStore) Appended(table string) []record.Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]record.Row(nil), m.appended[table]...)
}

func (m *MemoryStore) Begin(context.Context) (Tx, error) {
	return &memTx{
		store:   m,
		pending: make(map[record.Key]record.Row),
	}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type memTx struct {
	store    *MemoryStore
	pending  map[record.Key]record.Row
	appended []record.Row
	done     bool
}

func (t *memTx) Get(_ context.Context, key record.Key) (record.Row, error) {
	if t.done {
		return nil, errTxDone
	}
	if r, ok := t.pending[key]; ok {
		return r, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.rows[key], nil
}

func (t *memTx) Put(_ context.Context, row record.Row) error {
	if t.done {
		return errTxDone
	}
	t.pending[row.Key()] = row
	return nil
}

func (t *memTx) Append(_ context.Context, row record.Row) error {
	if t.done {
		return errTxDone
	}
	t.appended = append(t.appended, row)
	return nil
}

// utxoView merges committed and pending lots of token.
func (t *memTx) utxoView(token string) []record.UTXO {
	seen := make(map[record.Key]bool)
	var out []record.UTXO
	for k, r := range t.pending {
		if u, ok := r.(record.UTXO); ok && u.TokenAddress == token {
			seen[k] = true
			out = append(out, u)
		}
	}
	t.store.mu.RLock()
	for k, r := range t.store.rows {
		if u, ok := r.(record.UTXO); ok && u.TokenAddress == token && !seen[k] {
			out = append(out, u)
		}
	}
	t.store.mu.RUnlock()
	return out
}

func (t *memTx) UTXOs(_ context.Context, token, account string) ([]record.UTXO, error) {
	if t.done {
		return nil, errTxDone
	}
	var out []record.UTXO
	for _, u := range t.utxoView(token) {
		if u.AccountAddress == account && u.Amount > 0 {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].TransactionHash < out[j].TransactionHash
	})
	return out, nil
}

func (t *memTx) Holders(_ context.Context, token string) ([]record.Holding, error) {
	if t.done {
		return nil, errTxDone
	}
	sums := make(map[string]int64)
	for _, u := range t.utxoView(token) {
		sums[u.AccountAddress] += u.Amount
	}
	var out []record.Holding
	for acct, amt := range sums {
		if amt > 0 {
			out = append(out, record.Holding{AccountAddress: acct, Amount: amt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountAddress < out[j].AccountAddress })
	return out, nil
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.CommitErr != nil {
		return t.store.CommitErr
	}
	for k, r := range t.pending {
		t.store.rows[k] = r
	}
	for _, r := range t.appended {
		t.store.appended[r.Table()] = append(t.store.appended[r.Table()], r)
	}
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return nil
}
