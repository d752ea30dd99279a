package store

import (
	"fmt"

	"github.com/84hero/token-indexer/internal/record"
)

// codec maps one table between rows and SQL columns. cols starts with the
// key columns.
type codec struct {
	table   string
	keyCols []string
	cols    []string
	values  func(record.Row) []interface{}
	scan    func(scan func(dest ...interface{}) error) (record.Row, error)
}

func (c *codec) valueCols() []string {
	return c.cols[len(c.keyCols):]
}

var codecs = map[string]*codec{
	record.TableTransfers: {
		table:   record.TableTransfers,
		keyCols: []string{"transaction_hash", "token_address"},
		cols:    []string{"transaction_hash", "token_address", "account_address_from", "account_address_to", "transfer_amount", "block_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.Transfer)
			return []interface{}{r.TransactionHash, r.TokenAddress, r.From, r.To, r.Amount, r.BlockTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.Transfer
			err := scan(&r.TransactionHash, &r.TokenAddress, &r.From, &r.To, &r.Amount, &r.BlockTimestamp)
			return r, err
		},
	},
	record.TableApplyFor: {
		table:   record.TableApplyFor,
		keyCols: []string{"transaction_hash", "token_address"},
		cols:    []string{"transaction_hash", "token_address", "account_address", "amount", "block_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.ApplyFor)
			return []interface{}{r.TransactionHash, r.TokenAddress, r.AccountAddress, r.Amount, r.BlockTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.ApplyFor
			err := scan(&r.TransactionHash, &r.TokenAddress, &r.AccountAddress, &r.Amount, &r.BlockTimestamp)
			return r, err
		},
	},
	record.TableConsume: {
		table:   record.TableConsume,
		keyCols: []string{"transaction_hash", "token_address"},
		cols:    []string{"transaction_hash", "token_address", "consumer_address", "balance", "total_used", "used", "block_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.Consume)
			return []interface{}{r.TransactionHash, r.TokenAddress, r.ConsumerAddress, r.Balance, r.TotalUsed, r.Used, r.BlockTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.Consume
			err := scan(&r.TransactionHash, &r.TokenAddress, &r.ConsumerAddress, &r.Balance, &r.TotalUsed, &r.Used, &r.BlockTimestamp)
			return r, err
		},
	},
	record.TableAgreements: {
		table:   record.TableAgreements,
		keyCols: []string{"exchange_address", "order_id", "agreement_id"},
		cols: []string{"exchange_address", "order_id", "agreement_id", "token_address", "buyer_address", "seller_address",
			"price", "amount", "agent_address", "status", "agreement_timestamp", "settlement_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.Agreement)
			return []interface{}{r.ExchangeAddress, r.OrderID, r.AgreementID, r.TokenAddress, r.BuyerAddress, r.SellerAddress,
				r.Price, r.Amount, r.AgentAddress, int64(r.Status), r.AgreementTimestamp, r.SettlementTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.Agreement
			err := scan(&r.ExchangeAddress, &r.OrderID, &r.AgreementID, &r.TokenAddress, &r.BuyerAddress, &r.SellerAddress,
				&r.Price, &r.Amount, &r.AgentAddress, &r.Status, &r.AgreementTimestamp, &r.SettlementTimestamp)
			return r, err
		},
	},
	record.TableOrders: {
		table:   record.TableOrders,
		keyCols: []string{"exchange_address", "order_id"},
		cols: []string{"exchange_address", "order_id", "token_address", "account_address", "is_buy", "price", "amount",
			"agent_address", "is_cancelled", "order_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.Order)
			return []interface{}{r.ExchangeAddress, r.OrderID, r.TokenAddress, r.AccountAddress, r.IsBuy, r.Price, r.Amount,
				r.AgentAddress, r.IsCancelled, r.OrderTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.Order
			err := scan(&r.ExchangeAddress, &r.OrderID, &r.TokenAddress, &r.AccountAddress, &r.IsBuy, &r.Price, &r.Amount,
				&r.AgentAddress, &r.IsCancelled, &r.OrderTimestamp)
			return r, err
		},
	},
	record.TablePersonalInfo: {
		table:   record.TablePersonalInfo,
		keyCols: []string{"account_address", "issuer_address"},
		cols:    []string{"account_address", "issuer_address", "personal_info", "created", "modified"},
		values: func(row record.Row) []interface{} {
			r := row.(record.PersonalInfo)
			return []interface{}{r.AccountAddress, r.IssuerAddress, r.Info, r.Created, r.Modified}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.PersonalInfo
			err := scan(&r.AccountAddress, &r.IssuerAddress, &r.Info, &r.Created, &r.Modified)
			return r, err
		},
	},
	record.TableTransferApprovals: {
		table:   record.TableTransferApprovals,
		keyCols: []string{"token_address", "application_id"},
		cols: []string{"token_address", "application_id", "from_address", "to_address", "value",
			"application_datetime", "application_blocktimestamp", "approval_datetime", "approval_blocktimestamp",
			"cancelled", "transfer_approved"},
		values: func(row record.Row) []interface{} {
			r := row.(record.TransferApproval)
			return []interface{}{r.TokenAddress, r.ApplicationID, r.From, r.To, r.Value,
				r.ApplicationDatetime, r.ApplicationBlockTimestamp, r.ApprovalDatetime, r.ApprovalBlockTimestamp,
				r.Cancelled, r.TransferApproved}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.TransferApproval
			err := scan(&r.TokenAddress, &r.ApplicationID, &r.From, &r.To, &r.Value,
				&r.ApplicationDatetime, &r.ApplicationBlockTimestamp, &r.ApprovalDatetime, &r.ApprovalBlockTimestamp,
				&r.Cancelled, &r.TransferApproved)
			return r, err
		},
	},
	record.TableUTXO: {
		table:   record.TableUTXO,
		keyCols: []string{"transaction_hash", "account_address", "token_address"},
		cols:    []string{"transaction_hash", "account_address", "token_address", "amount", "block_number", "block_timestamp"},
		values: func(row record.Row) []interface{} {
			r := row.(record.UTXO)
			return []interface{}{r.TransactionHash, r.AccountAddress, r.TokenAddress, r.Amount, int64(r.BlockNumber), r.BlockTimestamp}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.UTXO
			err := scan(&r.TransactionHash, &r.AccountAddress, &r.TokenAddress, &r.Amount, &r.BlockNumber, &r.BlockTimestamp)
			return r, err
		},
	},
	record.TableBondLedger: {
		table: record.TableBondLedger,
		cols:  []string{"token_address", "ledger", "created_at"},
		values: func(row record.Row) []interface{} {
			r := row.(record.BondLedger)
			return []interface{}{r.TokenAddress, r.Ledger, r.CreatedAt}
		},
		scan: func(scan func(...interface{}) error) (record.Row, error) {
			var r record.BondLedger
			err := scan(&r.TokenAddress, &r.Ledger, &r.CreatedAt)
			return r, err
		},
	},
}

func codecFor(table string) (*codec, error) {
	c, ok := codecs[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return c, nil
}
