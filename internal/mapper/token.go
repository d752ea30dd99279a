package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/internal/token"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// Transfer maps token Transfer events.
type Transfer struct {
	Clock *Clock
}

func (m *Transfer) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	if ev.Name != "Transfer" {
		return nil, unexpected(ev)
	}
	a := argsOf(ev)
	rec := record.Transfer{
		TransactionHash: ev.TxHash.Hex(),
		TokenAddress:    ev.Address.Hex(),
		From:            a.address("from"),
		To:              a.address("to"),
		Amount:          a.int64("value"),
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	rec.BlockTimestamp = ts
	return rec, nil
}

// ApplyFor maps subscription requests.
type ApplyFor struct {
	Clock *Clock
}

func (m *ApplyFor) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	if ev.Name != "ApplyFor" {
		return nil, unexpected(ev)
	}
	a := argsOf(ev)
	rec := record.ApplyFor{
		TransactionHash: ev.TxHash.Hex(),
		TokenAddress:    ev.Address.Hex(),
		AccountAddress:  a.address("accountAddress"),
		Amount:          a.int64("amount"),
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	rec.BlockTimestamp = ts
	return rec, nil
}

// Consume maps coupon consumption. The event's balance, used and value are
// the remaining balance, the running total and this consumption.
type Consume struct {
	Clock *Clock
}

func (m *Consume) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	if ev.Name != "Consume" {
		return nil, unexpected(ev)
	}
	a := argsOf(ev)
	rec := record.Consume{
		TransactionHash: ev.TxHash.Hex(),
		TokenAddress:    ev.Address.Hex(),
		ConsumerAddress: a.address("consumer"),
		Balance:         a.int64("balance"),
		TotalUsed:       a.int64("used"),
		Used:            a.int64("value"),
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	rec.BlockTimestamp = ts
	return rec, nil
}

// BondLedger feeds bond transfers to the UTXO ledger.
type BondLedger struct {
	Clock *Clock
}

func (m *BondLedger) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	if ev.Name != "Transfer" {
		return nil, unexpected(ev)
	}
	meta, ok := ev.Source.Meta.(token.Meta)
	if !ok {
		return nil, fmt.Errorf("%w: source %s has no token metadata", ErrUnmappable, ev.Address.Hex())
	}
	a := argsOf(ev)
	rec := record.LedgerTransfer{
		TransactionHash: ev.TxHash.Hex(),
		TokenAddress:    ev.Address.Hex(),
		IssuerAddress:   meta.Issuer.Hex(),
		From:            a.address("from"),
		To:              a.address("to"),
		Amount:          a.int64("value"),
		BlockNumber:     ev.BlockNumber,
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	rec.BlockTimestamp = ts
	return rec, nil
}

// TransferApproval maps the transfer approval workflow of share and bond
// tokens. Application and approval datetimes are read from the event's
// data JSON.
type TransferApproval struct {
	Clock *Clock
}

func (m *TransferApproval) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	a := argsOf(ev)
	rec := record.TransferApprovalChange{
		Event:         ev.Name,
		TokenAddress:  ev.Address.Hex(),
		ApplicationID: a.int64("index"),
		From:          a.address("from"),
		To:            a.address("to"),
	}
	switch ev.Name {
	case record.EventApplyForTransfer:
		rec.Value = a.int64("value")
		rec.Datetime = dataDatetime(a.string("data"), "application_datetime")
	case record.EventCancelTransfer:
	case record.EventApproveTransfer:
		rec.Datetime = dataDatetime(a.string("data"), "approval_datetime")
	default:
		return nil, unexpected(ev)
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = ts
	return rec, nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// dataDatetime extracts field from a data JSON object. Missing or
// malformed values yield nil; a datetime without zone is taken as UTC.
func dataDatetime(data, field string) *time.Time {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil
	}
	s, ok := doc[field].(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.In(JST)
			return &t
		}
	}
	return nil
}

func unexpected(ev scanner.RawEvent) error {
	return fmt.Errorf("%w: unexpected event %s", ErrUnmappable, ev.Name)
}
