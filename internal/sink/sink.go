// Package sink merges mapped records into the row store, one transaction
// per window.
package sink

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/token-indexer/internal/ledger"
	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/internal/store"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// Sink implements scanner.Sink over a store.Store.
type Sink struct {
	store store.Store
	log   log.Logger
}

func New(st store.Store, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Root()
	}
	return &Sink{store: st, log: logger}
}

func (s *Sink) Begin(ctx context.Context) (scanner.Batch, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Batch{tx: tx, log: s.log, ledgers: make(map[string]ledgerMark)}, nil
}

type ledgerMark struct {
	issuer string
	asOf   time.Time
}

// Batch is the write session of one window.
type Batch struct {
	tx      store.Tx
	log     log.Logger
	ledgers map[string]ledgerMark // bond tokens whose holdings changed
}

func (b *Batch) Apply(ctx context.Context, rec scanner.Record) error {
	switch r := rec.(type) {
	case record.Transfer:
		return b.appendOnce(ctx, r)
	case record.ApplyFor:
		return b.appendOnce(ctx, r)
	case record.Consume:
		return b.appendOnce(ctx, r)
	case record.AgreementChange:
		return b.mergeAgreement(ctx, r)
	case record.OrderChange:
		return b.mergeOrder(ctx, r)
	case record.PersonalInfoChange:
		return b.mergePersonalInfo(ctx, r)
	case record.TransferApprovalChange:
		return b.mergeTransferApproval(ctx, r)
	case record.LedgerTransfer:
		return b.applyLedgerTransfer(ctx, r)
	}
	return fmt.Errorf("unsupported record kind %s", rec.Kind())
}

// Flush appends one ledger snapshot per touched bond and commits.
func (b *Batch) Flush(ctx context.Context) error {
	tokens := make([]string, 0, len(b.ledgers))
	for token := range b.ledgers {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	for _, token := range tokens {
		mark := b.ledgers[token]
		row, err := ledger.Build(ctx, b.tx, token, mark.issuer, mark.asOf)
		if err != nil {
			b.tx.Rollback()
			return fmt.Errorf("build ledger %s: %w", token, err)
		}
		if err := b.tx.Append(ctx, row); err != nil {
			b.tx.Rollback()
			return err
		}
	}

	if err := b.tx.Commit(); err != nil {
		b.tx.Rollback()
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *Batch) Rollback() error {
	return b.tx.Rollback()
}

// appendOnce inserts row unless its key is already stored.
func (b *Batch) appendOnce(ctx context.Context, row record.Row) error {
	existing, err := b.tx.Get(ctx, row.Key())
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return b.tx.Put(ctx, row)
}

func (b *Batch) mergeAgreement(ctx context.Context, c record.AgreementChange) error {
	existing, err := b.tx.Get(ctx, c.Agreement.Key())
	if err != nil {
		return err
	}

	switch c.Event {
	case record.EventAgree:
		if existing != nil {
			return nil
		}
		row := c.Agreement
		row.Status = record.StatusPending
		row.AgreementTimestamp = c.Timestamp
		row.SettlementTimestamp = nil
		return b.tx.Put(ctx, row)

	case record.EventSettlementOK, record.EventSettlementNG:
		next := record.StatusDone
		if c.Event == record.EventSettlementNG {
			next = record.StatusCanceled
		}
		settled := c.Timestamp

		if existing == nil {
			// Settlement seen before its Agree
			row := c.Agreement
			row.Status = next
			row.AgreementTimestamp = c.Timestamp
			row.SettlementTimestamp = &settled
			return b.tx.Put(ctx, row)
		}
		row := existing.(record.Agreement)
		if row.Status.Terminal() {
			if row.Status != next {
				b.log.Warn("Settlement on terminal agreement ignored", "exchange", row.ExchangeAddress,
					"order", row.OrderID, "agreement", row.AgreementID, "status", row.Status, "event", c.Event)
			}
			return nil
		}
		row.Status = next
		row.SettlementTimestamp = &settled
		return b.tx.Put(ctx, row)
	}
	return fmt.Errorf("unknown agreement event %q", c.Event)
}

func (b *Batch) mergeOrder(ctx context.Context, c record.OrderChange) error {
	existing, err := b.tx.Get(ctx, c.Order.Key())
	if err != nil {
		return err
	}

	var row record.Order
	switch c.Event {
	case record.EventNewOrder:
		row = c.Order
		if existing != nil {
			// Creation fields only; a cancel already seen stays
			row.IsCancelled = existing.(record.Order).IsCancelled
		}
	case record.EventCancelOrder:
		if existing == nil {
			row = c.Order
		} else {
			row = existing.(record.Order)
		}
		row.IsCancelled = true
	case record.EventOrderFill:
		if existing == nil {
			row = c.Order
		} else {
			row = existing.(record.Order)
			row.Amount = c.Order.Amount
		}
	default:
		return fmt.Errorf("unknown order event %q", c.Event)
	}
	return b.tx.Put(ctx, row)
}

func (b *Batch) mergePersonalInfo(ctx context.Context, c record.PersonalInfoChange) error {
	row := record.PersonalInfo{
		AccountAddress: c.AccountAddress,
		IssuerAddress:  c.IssuerAddress,
		Info:           c.Info,
		Created:        c.Timestamp,
		Modified:       c.Timestamp,
	}
	existing, err := b.tx.Get(ctx, row.Key())
	if err != nil {
		return err
	}
	if existing != nil {
		row.Created = existing.(record.PersonalInfo).Created
	}
	return b.tx.Put(ctx, row)
}

func (b *Batch) mergeTransferApproval(ctx context.Context, c record.TransferApprovalChange) error {
	row := record.TransferApproval{TokenAddress: c.TokenAddress, ApplicationID: c.ApplicationID}
	existing, err := b.tx.Get(ctx, row.Key())
	if err != nil {
		return err
	}
	if existing != nil {
		row = existing.(record.TransferApproval)
	} else {
		row.From, row.To = c.From, c.To
	}

	ts := c.Timestamp
	switch c.Event {
	case record.EventApplyForTransfer:
		row.From, row.To, row.Value = c.From, c.To, c.Value
		row.ApplicationDatetime = c.Datetime
		row.ApplicationBlockTimestamp = &ts
	case record.EventCancelTransfer:
		row.Cancelled = true
	case record.EventApproveTransfer:
		row.ApprovalDatetime = c.Datetime
		row.ApprovalBlockTimestamp = &ts
		row.TransferApproved = true
	default:
		return fmt.Errorf("unknown transfer approval event %q", c.Event)
	}
	return b.tx.Put(ctx, row)
}

func (b *Batch) applyLedgerTransfer(ctx context.Context, t record.LedgerTransfer) error {
	changed, err := ledger.ApplyTransfer(ctx, b.tx, t)
	if err != nil {
		return err
	}
	if changed {
		mark := b.ledgers[t.TokenAddress]
		if t.BlockTimestamp.After(mark.asOf) {
			mark.asOf = t.BlockTimestamp
		}
		mark.issuer = t.IssuerAddress
		b.ledgers[t.TokenAddress] = mark
	}
	return nil
}
