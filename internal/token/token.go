// Package token enumerates the contracts each stream watches, derived from
// the issued token registry on every cycle.
package token

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/token-indexer/internal/contracts"
	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// Registry reads issued tokens.
type Registry interface {
	Tokens(ctx context.Context) ([]record.Token, error)
}

// Meta is attached to token sources.
type Meta struct {
	Template contracts.Template
	Issuer   common.Address
}

// ExchangeMeta is attached to exchange sources.
type ExchangeMeta struct {
	Kind contracts.ExchangeKind
}

// PersonalInfoMeta is attached to personal info sources. Only events
// linking an account to Issuer belong to the source.
type PersonalInfoMeta struct {
	Issuer common.Address
}

// issued is a registry row that passed validation.
type issued struct {
	address  common.Address
	issuer   common.Address
	template contracts.Template
	contract *decoder.Contract
}

// loadIssued parses the registry, skipping rows that cannot be watched.
func loadIssued(ctx context.Context, reg Registry, logger log.Logger) ([]issued, error) {
	rows, err := reg.Tokens(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]issued, 0, len(rows))
	for _, row := range rows {
		if !common.IsHexAddress(row.Address) {
			logger.Warn("Token skipped: bad address", "token", row.Address)
			continue
		}
		tmpl, err := contracts.ParseTemplate(row.Template)
		if err != nil {
			logger.Warn("Token skipped", "token", row.Address, "err", err)
			continue
		}
		contract := contracts.Token(tmpl)
		if abi := strings.TrimSpace(row.ABI); abi != "" {
			custom, err := decoder.NewFromJSON(abi)
			if err != nil {
				logger.Warn("Token skipped: invalid ABI", "token", row.Address, "err", err)
				continue
			}
			contract = custom
		}
		out = append(out, issued{
			address:  common.HexToAddress(row.Address),
			issuer:   common.HexToAddress(row.Issuer),
			template: tmpl,
			contract: contract,
		})
	}
	return out, nil
}

// supported keeps the events the contract declares.
func supported(c *decoder.Contract, events []string) []string {
	var out []string
	for _, ev := range events {
		if c.HasEvent(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Tokens binds one source per issued token.
type Tokens struct {
	Registry Registry
	// Templates limits the tokens; empty means all.
	Templates []contracts.Template
	Events    []string
	Log       log.Logger
}

func (e *Tokens) wants(t contracts.Template) bool {
	if len(e.Templates) == 0 {
		return true
	}
	for _, want := range e.Templates {
		if want == t {
			return true
		}
	}
	return false
}

func (e *Tokens) Refresh(ctx context.Context) ([]scanner.Source, error) {
	logger := orRoot(e.Log)
	tokens, err := loadIssued(ctx, e.Registry, logger)
	if err != nil {
		return nil, err
	}
	var sources []scanner.Source
	for _, t := range tokens {
		if !e.wants(t.template) {
			continue
		}
		events := supported(t.contract, e.Events)
		if len(events) == 0 {
			continue
		}
		sources = append(sources, scanner.Source{
			Address:  t.address,
			Contract: t.contract,
			Events:   events,
			Meta:     Meta{Template: t.template, Issuer: t.issuer},
		})
	}
	return sources, nil
}

// Exchanges resolves the exchange each token trades on.
type Exchanges struct {
	Registry Registry
	Caller   decoder.Caller
	Events   []string
	Log      log.Logger
}

func (e *Exchanges) Refresh(ctx context.Context) ([]scanner.Source, error) {
	logger := orRoot(e.Log)
	tokens, err := loadIssued(ctx, e.Registry, logger)
	if err != nil {
		return nil, err
	}

	seen := make(map[common.Address]bool)
	var sources []scanner.Source
	for _, t := range tokens {
		kind, ok := contracts.ExchangeFor(t.template)
		if !ok {
			continue
		}
		exchange, err := contracts.Token(t.template).CallAddress(ctx, e.Caller, t.address, nil, "tradableExchange")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Exchange lookup failed, token skipped", "token", t.address, "err", err)
			continue
		}
		if exchange == (common.Address{}) || seen[exchange] {
			continue
		}
		seen[exchange] = true

		contract := contracts.Exchange(kind)
		sources = append(sources, scanner.Source{
			Address:  exchange,
			Contract: contract,
			Events:   supported(contract, e.Events),
			Meta:     ExchangeMeta{Kind: kind},
		})
	}
	return sources, nil
}

// PersonalInfo lists the distinct (issuer, personal info contract) pairs.
type PersonalInfo struct {
	Registry Registry
	Caller   decoder.Caller
	// Default is the issuer-wide contract used by templates without their
	// own personal info address.
	Default common.Address
	Events  []string
	Log     log.Logger
}

func (e *PersonalInfo) Refresh(ctx context.Context) ([]scanner.Source, error) {
	logger := orRoot(e.Log)
	tokens, err := loadIssued(ctx, e.Registry, logger)
	if err != nil {
		return nil, err
	}

	type pair struct{ issuer, contract common.Address }
	seen := make(map[pair]bool)
	contract := contracts.PersonalInfo()
	var sources []scanner.Source
	for _, t := range tokens {
		addr := e.Default
		if contracts.PerTokenPersonalInfo(t.template) {
			addr, err = contracts.Token(t.template).CallAddress(ctx, e.Caller, t.address, nil, "personalInfoAddress")
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn("Personal info lookup failed, token skipped", "token", t.address, "err", err)
				continue
			}
		}
		if addr == (common.Address{}) {
			continue
		}
		p := pair{issuer: t.issuer, contract: addr}
		if seen[p] {
			continue
		}
		seen[p] = true
		sources = append(sources, scanner.Source{
			Address:  addr,
			Contract: contract,
			Events:   supported(contract, e.Events),
			Meta:     PersonalInfoMeta{Issuer: t.issuer},
		})
	}
	return sources, nil
}

func orRoot(l log.Logger) log.Logger {
	if l == nil {
		return log.Root()
	}
	return l
}
