package mapper

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/84hero/token-indexer/internal/contracts"
	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// Agreement maps Agree and settlement events.
type Agreement struct {
	Clock *Clock
}

func (m *Agreement) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	switch ev.Name {
	case record.EventAgree, record.EventSettlementOK, record.EventSettlementNG:
	default:
		return nil, unexpected(ev)
	}
	a := argsOf(ev)
	agreement := record.Agreement{
		ExchangeAddress: ev.Address.Hex(),
		OrderID:         a.int64("orderId"),
		AgreementID:     a.int64("agreementId"),
		TokenAddress:    a.address("tokenAddress"),
		BuyerAddress:    a.address("buyAddress"),
		SellerAddress:   a.address("sellAddress"),
		Price:           a.int64("price"),
		Amount:          a.int64("amount"),
		AgentAddress:    a.address("agentAddress"),
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	return record.AgreementChange{Event: ev.Name, Agreement: agreement, Timestamp: ts}, nil
}

// Order maps order creation and cancellation, and turns Agree into a fill
// carrying the remaining amount read from the exchange at the event block.
type Order struct {
	Clock  *Clock
	Caller decoder.Caller
}

func (m *Order) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	switch ev.Name {
	case record.EventNewOrder, record.EventCancelOrder:
		return m.order(ctx, ev)
	case record.EventAgree:
		return m.fill(ctx, ev)
	}
	return nil, unexpected(ev)
}

func (m *Order) order(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	a := argsOf(ev)
	order := record.Order{
		ExchangeAddress: ev.Address.Hex(),
		OrderID:         a.int64("orderId"),
		TokenAddress:    a.address("tokenAddress"),
		AccountAddress:  a.address("accountAddress"),
		IsBuy:           a.bool("isBuy"),
		Price:           a.int64("price"),
		Amount:          a.int64("amount"),
		AgentAddress:    a.address("agentAddress"),
		IsCancelled:     ev.Name == record.EventCancelOrder,
	}
	if a.err != nil {
		return nil, a.err
	}
	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	order.OrderTimestamp = ts
	return record.OrderChange{Event: ev.Name, Order: order}, nil
}

func (m *Order) fill(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	a := argsOf(ev)
	orderID := a.int64("orderId")
	if a.err != nil {
		return nil, a.err
	}

	exchange := ev.Source.Contract
	if exchange == nil {
		exchange = contracts.Exchange(0)
	}
	out, err := exchange.Call(ctx, m.Caller, ev.Address, blockOf(ev), "getOrder", big.NewInt(orderID))
	if err != nil {
		return nil, callError(ev, "getOrder", err)
	}
	view, err := orderView(out)
	if err != nil {
		return nil, fmt.Errorf("%w: getOrder(%d): %v", ErrUnmappable, orderID, err)
	}

	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	return record.OrderChange{
		Event: record.EventOrderFill,
		Order: record.Order{
			ExchangeAddress: ev.Address.Hex(),
			OrderID:         orderID,
			TokenAddress:    view.token.Hex(),
			AccountAddress:  view.owner.Hex(),
			IsBuy:           view.isBuy,
			Price:           view.price,
			Amount:          view.amount,
			AgentAddress:    view.agent.Hex(),
			IsCancelled:     view.canceled,
			OrderTimestamp:  ts,
		},
	}, nil
}

type getOrder struct {
	owner, token, agent common.Address
	amount, price       int64
	isBuy, canceled     bool
}

// orderView unpacks getOrder's (owner, token, amount, price, isBuy, agent,
// canceled).
func orderView(out []interface{}) (getOrder, error) {
	var v getOrder
	if len(out) != 7 {
		return v, fmt.Errorf("%d outputs, want 7", len(out))
	}
	var ok [5]bool
	v.owner, ok[0] = out[0].(common.Address)
	v.token, ok[1] = out[1].(common.Address)
	v.isBuy, ok[2] = out[4].(bool)
	v.agent, ok[3] = out[5].(common.Address)
	v.canceled, ok[4] = out[6].(bool)
	for _, b := range ok {
		if !b {
			return v, fmt.Errorf("unexpected output types")
		}
	}
	var err error
	if v.amount, err = toInt64(out[2]); err != nil {
		return v, fmt.Errorf("amount: %v", err)
	}
	if v.price, err = toInt64(out[3]); err != nil {
		return v, fmt.Errorf("price: %v", err)
	}
	return v, nil
}
