// Package record defines the rows the sync streams persist and the change
// records their mappers emit.
package record

import (
	"time"
)

// Table names.
const (
	TableTransfers         = "transfers"
	TableAgreements        = "agreements"
	TableOrders            = "orders"
	TableApplyFor          = "apply_for"
	TableConsume           = "consume"
	TablePersonalInfo      = "personal_info"
	TableTransferApprovals = "transfer_approvals"
	TableUTXO              = "utxo"
	TableBondLedger        = "bond_ledger"
	TableTokens            = "tokens"
)

// Key is the natural key of a row. Parts holds up to three comparable
// values in the table's key column order.
type Key struct {
	Table string
	Parts [3]interface{}
}

func NewKey(table string, parts ...interface{}) Key {
	k := Key{Table: table}
	copy(k.Parts[:], parts)
	return k
}

// Row is anything stored in a keyed table.
type Row interface {
	Table() string
	Key() Key
}

// Agreement statuses. DONE and CANCELED are terminal.
type AgreementStatus int

const (
	StatusPending  AgreementStatus = 0
	StatusDone     AgreementStatus = 1
	StatusCanceled AgreementStatus = 2
)

func (s AgreementStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusDone:
		return "DONE"
	case StatusCanceled:
		return "CANCELED"
	}
	return "UNKNOWN"
}

func (s AgreementStatus) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

type Transfer struct {
	TransactionHash string    `json:"transaction_hash"`
	TokenAddress    string    `json:"token_address"`
	From            string    `json:"account_address_from"`
	To              string    `json:"account_address_to"`
	Amount          int64     `json:"transfer_amount"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

func (Transfer) Table() string { return TableTransfers }
func (r Transfer) Key() Key    { return NewKey(TableTransfers, r.TransactionHash, r.TokenAddress) }
func (Transfer) Kind() string  { return "Transfer" }

type ApplyFor struct {
	TransactionHash string    `json:"transaction_hash"`
	TokenAddress    string    `json:"token_address"`
	AccountAddress  string    `json:"account_address"`
	Amount          int64     `json:"amount"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

func (ApplyFor) Table() string { return TableApplyFor }
func (r ApplyFor) Key() Key    { return NewKey(TableApplyFor, r.TransactionHash, r.TokenAddress) }
func (ApplyFor) Kind() string  { return "ApplyFor" }

type Consume struct {
	TransactionHash string    `json:"transaction_hash"`
	TokenAddress    string    `json:"token_address"`
	ConsumerAddress string    `json:"consumer_address"`
	Balance         int64     `json:"balance"`
	TotalUsed       int64     `json:"total_used"`
	Used            int64     `json:"used"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

func (Consume) Table() string { return TableConsume }
func (r Consume) Key() Key    { return NewKey(TableConsume, r.TransactionHash, r.TokenAddress) }
func (Consume) Kind() string  { return "Consume" }

type Agreement struct {
	ExchangeAddress     string          `json:"exchange_address"`
	OrderID             int64           `json:"order_id"`
	AgreementID         int64           `json:"agreement_id"`
	TokenAddress        string          `json:"token_address"`
	BuyerAddress        string          `json:"buyer_address"`
	SellerAddress       string          `json:"seller_address"`
	Price               int64           `json:"price"`
	Amount              int64           `json:"amount"`
	AgentAddress        string          `json:"agent_address"`
	Status              AgreementStatus `json:"status"`
	AgreementTimestamp  time.Time       `json:"agreement_timestamp"`
	SettlementTimestamp *time.Time      `json:"settlement_timestamp,omitempty"`
}

func (Agreement) Table() string { return TableAgreements }
func (r Agreement) Key() Key {
	return NewKey(TableAgreements, r.ExchangeAddress, r.OrderID, r.AgreementID)
}

type Order struct {
	ExchangeAddress string    `json:"exchange_address"`
	OrderID         int64     `json:"order_id"`
	TokenAddress    string    `json:"token_address"`
	AccountAddress  string    `json:"account_address"`
	IsBuy           bool      `json:"is_buy"`
	Price           int64     `json:"price"`
	Amount          int64     `json:"amount"`
	AgentAddress    string    `json:"agent_address"`
	IsCancelled     bool      `json:"is_cancelled"`
	OrderTimestamp  time.Time `json:"order_timestamp"`
}

func (Order) Table() string { return TableOrders }
func (r Order) Key() Key    { return NewKey(TableOrders, r.ExchangeAddress, r.OrderID) }

type PersonalInfo struct {
	AccountAddress string    `json:"account_address"`
	IssuerAddress  string    `json:"issuer_address"`
	Info           string    `json:"personal_info"` // JSON document
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
}

func (PersonalInfo) Table() string { return TablePersonalInfo }
func (r PersonalInfo) Key() Key {
	return NewKey(TablePersonalInfo, r.AccountAddress, r.IssuerAddress)
}

type TransferApproval struct {
	TokenAddress              string     `json:"token_address"`
	ApplicationID             int64      `json:"application_id"`
	From                      string     `json:"from_address"`
	To                        string     `json:"to_address"`
	Value                     int64      `json:"value"`
	ApplicationDatetime       *time.Time `json:"application_datetime,omitempty"`
	ApplicationBlockTimestamp *time.Time `json:"application_blocktimestamp,omitempty"`
	ApprovalDatetime          *time.Time `json:"approval_datetime,omitempty"`
	ApprovalBlockTimestamp    *time.Time `json:"approval_blocktimestamp,omitempty"`
	Cancelled                 bool       `json:"cancelled"`
	TransferApproved          bool       `json:"transfer_approved"`
}

func (TransferApproval) Table() string { return TableTransferApprovals }
func (r TransferApproval) Key() Key {
	return NewKey(TableTransferApprovals, r.TokenAddress, r.ApplicationID)
}

// UTXO is an unspent lot of a bond holding, consumed oldest first.
type UTXO struct {
	TransactionHash string    `json:"transaction_hash"`
	AccountAddress  string    `json:"account_address"`
	TokenAddress    string    `json:"token_address"`
	Amount          int64     `json:"amount"`
	BlockNumber     uint64    `json:"block_number"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

func (UTXO) Table() string { return TableUTXO }
func (r UTXO) Key() Key {
	return NewKey(TableUTXO, r.TransactionHash, r.AccountAddress, r.TokenAddress)
}

// BondLedger is an append-only snapshot of a bond's holders.
type BondLedger struct {
	TokenAddress string    `json:"token_address"`
	Ledger       string    `json:"ledger"` // JSON document
	CreatedAt    time.Time `json:"created_at"`
}

func (BondLedger) Table() string { return TableBondLedger }

// Key of a ledger row is never looked up; rows are only appended.
func (r BondLedger) Key() Key   { return NewKey(TableBondLedger, r.TokenAddress, r.CreatedAt.UnixNano()) }
func (BondLedger) Kind() string { return "BondLedger" }

// Holding is the summed UTXO balance of one account.
type Holding struct {
	AccountAddress string
	Amount         int64
}

// Token is an issued token from the registry.
type Token struct {
	Address  string
	Issuer   string
	Template string
	ABI      string
}
