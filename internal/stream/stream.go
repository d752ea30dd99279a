// Package stream wires the named sync streams: for each, which contracts are
// enumerated, which events are read and how they are mapped and merged.
package stream

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/token-indexer/internal/contracts"
	"github.com/84hero/token-indexer/internal/mapper"
	"github.com/84hero/token-indexer/internal/sink"
	"github.com/84hero/token-indexer/internal/store"
	"github.com/84hero/token-indexer/internal/token"
	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/84hero/token-indexer/pkg/scanner"
)

const (
	Transfer         = "Transfer"
	Agreement        = "Agreement"
	Order            = "Order"
	ApplyFor         = "ApplyFor"
	Consume          = "Consume"
	PersonalInfo     = "PersonalInfo"
	TransferApproval = "TransferApproval"
	BondLedger       = "BondLedger"
)

// Deps are shared by all streams of a process.
type Deps struct {
	Client rpc.Client
	Store  store.Store
	Clock  *mapper.Clock
	// Decrypter opens personal info; nil stores default documents.
	Decrypter mapper.Decrypter
	// DefaultPersonalInfo is the registry used by coupon and membership
	// issuers.
	DefaultPersonalInfo common.Address
	Log                 log.Logger
}

// Build assembles a registered stream.
func Build(name string, d Deps) (scanner.Stream, error) {
	p, ok := Get(name)
	if !ok {
		return scanner.Stream{}, fmt.Errorf("unknown stream %q", name)
	}
	if d.Log == nil {
		d.Log = log.Root()
	}
	d.Log = d.Log.New("stream", name)

	enum, m := p.Build(d, p.Events)
	return scanner.Stream{
		Name:       name,
		Enumerator: enum,
		Mapper:     m,
		Sink:       sink.New(d.Store, d.Log),
	}, nil
}

func tokens(d Deps, events []string, templates ...contracts.Template) scanner.Enumerator {
	return &token.Tokens{Registry: d.Store, Templates: templates, Events: events, Log: d.Log}
}

func exchanges(d Deps, events []string) scanner.Enumerator {
	return &token.Exchanges{Registry: d.Store, Caller: d.Client, Events: events, Log: d.Log}
}

func init() {
	Register(Transfer, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"Transfer"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return tokens(d, events), &mapper.Transfer{Clock: d.Clock}
		},
	})

	Register(Agreement, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"Agree", "SettlementOK", "SettlementNG"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return exchanges(d, events), &mapper.Agreement{Clock: d.Clock}
		},
	})

	// Agree is read for the fill it causes on the order
	Register(Order, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"NewOrder", "CancelOrder", "Agree"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return exchanges(d, events), &mapper.Order{Clock: d.Clock, Caller: d.Client}
		},
	})

	Register(ApplyFor, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"ApplyFor"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return tokens(d, events), &mapper.ApplyFor{Clock: d.Clock}
		},
	})

	Register(Consume, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"Consume"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return tokens(d, events, contracts.Coupon), &mapper.Consume{Clock: d.Clock}
		},
	})

	Register(PersonalInfo, Preset{
		Interval: 60 * time.Second,
		Events:   []string{"Register", "Modify"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			enum := &token.PersonalInfo{
				Registry: d.Store,
				Caller:   d.Client,
				Default:  d.DefaultPersonalInfo,
				Events:   events,
				Log:      d.Log,
			}
			return enum, &mapper.PersonalInfo{Clock: d.Clock, Caller: d.Client, Decrypter: d.Decrypter, Log: d.Log}
		},
	})

	Register(TransferApproval, Preset{
		Interval: 10 * time.Second,
		Events:   []string{"ApplyForTransfer", "CancelTransfer", "ApproveTransfer"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return tokens(d, events, contracts.Share, contracts.Bond), &mapper.TransferApproval{Clock: d.Clock}
		},
	})

	Register(BondLedger, Preset{
		Interval: 600 * time.Second,
		Events:   []string{"Transfer"},
		Build: func(d Deps, events []string) (scanner.Enumerator, scanner.Mapper) {
			return tokens(d, events, contracts.Bond), &mapper.BondLedger{Clock: d.Clock}
		},
	})
}
