// Package store is the transactional row store behind the sinks.
package store

import (
	"context"
	"errors"

	"github.com/84hero/token-indexer/internal/record"
)

var ErrUnknownTable = errors.New("unknown table")

// Tx is one unit of work. Nothing written through it is visible to other
// transactions before Commit.
type Tx interface {
	// Get returns the row stored under key, or nil when there is none.
	Get(ctx context.Context, key record.Key) (record.Row, error)
	// Put inserts row or replaces the row with the same key.
	Put(ctx context.Context, row record.Row) error
	// Append inserts into an append-only table.
	Append(ctx context.Context, row record.Row) error

	// UTXOs returns the lots of account in token with a positive amount,
	// oldest first.
	UTXOs(ctx context.Context, token, account string) ([]record.UTXO, error)
	// Holders sums the positive UTXO balances of token per account.
	Holders(ctx context.Context, token string) ([]record.Holding, error)

	Commit() error
	Rollback() error
}

type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Tokens reads the issued token registry; rows without an address are
	// left out.
	Tokens(ctx context.Context) ([]record.Token, error)
	Close() error
}
