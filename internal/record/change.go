package record

import "time"

// Event names that drive merges.
const (
	EventAgree            = "Agree"
	EventSettlementOK     = "SettlementOK"
	EventSettlementNG     = "SettlementNG"
	EventNewOrder         = "NewOrder"
	EventCancelOrder      = "CancelOrder"
	EventOrderFill        = "OrderFill"
	EventApplyForTransfer = "ApplyForTransfer"
	EventCancelTransfer   = "CancelTransfer"
	EventApproveTransfer  = "ApproveTransfer"
)

// AgreementChange is an Agree or settlement event on an exchange.
type AgreementChange struct {
	Event     string    `json:"event"`
	Agreement Agreement `json:"agreement"`
	Timestamp time.Time `json:"block_timestamp"`
}

func (AgreementChange) Kind() string { return "Agreement" }

// OrderChange is NewOrder, CancelOrder or a fill observed through Agree.
// For a fill, Order carries the contract's current view of the order.
type OrderChange struct {
	Event string `json:"event"`
	Order Order  `json:"order"`
}

func (OrderChange) Kind() string { return "Order" }

// PersonalInfoChange is a Register or Modify with the decrypted document.
type PersonalInfoChange struct {
	AccountAddress string    `json:"account_address"`
	IssuerAddress  string    `json:"issuer_address"`
	Info           string    `json:"personal_info"`
	Timestamp      time.Time `json:"block_timestamp"`
}

func (PersonalInfoChange) Kind() string { return "PersonalInfo" }

// TransferApprovalChange carries only the fields its event owns.
type TransferApprovalChange struct {
	Event         string     `json:"event"`
	TokenAddress  string     `json:"token_address"`
	ApplicationID int64      `json:"application_id"`
	From          string     `json:"from_address"`
	To            string     `json:"to_address"`
	Value         int64      `json:"value"`
	Datetime      *time.Time `json:"datetime,omitempty"` // from the event's data field
	Timestamp     time.Time  `json:"block_timestamp"`
}

func (TransferApprovalChange) Kind() string { return "TransferApproval" }

// LedgerTransfer is a bond transfer feeding the UTXO ledger.
type LedgerTransfer struct {
	TransactionHash string    `json:"transaction_hash"`
	TokenAddress    string    `json:"token_address"`
	IssuerAddress   string    `json:"issuer_address"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Amount          int64     `json:"amount"`
	BlockNumber     uint64    `json:"block_number"`
	BlockTimestamp  time.Time `json:"block_timestamp"`
}

func (LedgerTransfer) Kind() string { return "LedgerTransfer" }
