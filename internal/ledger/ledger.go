// Package ledger keeps bond holdings as UTXO lots and renders holder
// snapshots from them.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/84hero/token-indexer/internal/record"
)

// Tx is the store surface the ledger needs.
type Tx interface {
	Get(ctx context.Context, key record.Key) (record.Row, error)
	Put(ctx context.Context, row record.Row) error
	UTXOs(ctx context.Context, token, account string) ([]record.UTXO, error)
	Holders(ctx context.Context, token string) ([]record.Holding, error)
}

// ApplyTransfer records the recipient's lot and spends the sender's oldest
// lots. It reports false when the transfer was already applied; a replay
// changes nothing. Spending stops when the sender runs out of lots.
func ApplyTransfer(ctx context.Context, tx Tx, t record.LedgerTransfer) (bool, error) {
	if t.From == t.To || t.Amount <= 0 {
		return false, nil
	}

	lot := record.UTXO{
		TransactionHash: t.TransactionHash,
		AccountAddress:  t.To,
		TokenAddress:    t.TokenAddress,
		Amount:          t.Amount,
		BlockNumber:     t.BlockNumber,
		BlockTimestamp:  t.BlockTimestamp,
	}
	existing, err := tx.Get(ctx, lot.Key())
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := tx.Put(ctx, lot); err != nil {
		return false, err
	}

	lots, err := tx.UTXOs(ctx, t.TokenAddress, t.From)
	if err != nil {
		return false, err
	}
	remaining := t.Amount
	for _, l := range lots {
		if remaining == 0 {
			break
		}
		spend := l.Amount
		if spend > remaining {
			spend = remaining
		}
		l.Amount -= spend
		remaining -= spend
		if err := tx.Put(ctx, l); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Creditor is one holder line of a ledger.
type Creditor struct {
	AccountAddress string `json:"account_address"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Amount         int64  `json:"amount"`
}

// Snapshot is the ledger document stored in bond_ledger.ledger.
type Snapshot struct {
	TokenAddress  string     `json:"token_address"`
	IssuerAddress string     `json:"issuer_address"`
	Creditors     []Creditor `json:"creditors"`
	TotalAmount   int64      `json:"total_amount"`
	AsOf          string     `json:"as_of"`
}

// personal info document fields used on the ledger
type holderInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Build renders the current holders of token as a ledger row. Lots returned
// to the issuer are not listed. Holder names come from the personal info
// registered with issuer, blank when unknown.
func Build(ctx context.Context, tx Tx, token, issuer string, asOf time.Time) (record.BondLedger, error) {
	holdings, err := tx.Holders(ctx, token)
	if err != nil {
		return record.BondLedger{}, err
	}

	snap := Snapshot{
		TokenAddress:  token,
		IssuerAddress: issuer,
		Creditors:     make([]Creditor, 0, len(holdings)),
		AsOf:          asOf.Format(time.RFC3339),
	}
	for _, h := range holdings {
		if h.AccountAddress == issuer {
			continue
		}
		c := Creditor{AccountAddress: h.AccountAddress, Amount: h.Amount}
		row, err := tx.Get(ctx, record.NewKey(record.TablePersonalInfo, h.AccountAddress, issuer))
		if err != nil {
			return record.BondLedger{}, err
		}
		if pi, ok := row.(record.PersonalInfo); ok {
			var info holderInfo
			if json.Unmarshal([]byte(pi.Info), &info) == nil {
				c.Name, c.Address = info.Name, info.Address
			}
		}
		snap.Creditors = append(snap.Creditors, c)
		snap.TotalAmount += h.Amount
	}

	doc, err := json.Marshal(snap)
	if err != nil {
		return record.BondLedger{}, fmt.Errorf("encode ledger: %w", err)
	}
	return record.BondLedger{TokenAddress: token, Ledger: string(doc), CreatedAt: asOf}, nil
}
