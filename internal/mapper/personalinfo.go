package mapper

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/token-indexer/internal/contracts"
	"github.com/84hero/token-indexer/internal/personalinfo"
	"github.com/84hero/token-indexer/internal/record"
	"github.com/84hero/token-indexer/internal/token"
	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// Decrypter opens personal info documents encrypted for an issuer.
type Decrypter interface {
	Decrypt(issuer common.Address, ciphertext string) (string, error)
}

// PersonalInfo maps Register and Modify events to the document stored on
// the registry at the event block.
type PersonalInfo struct {
	Clock     *Clock
	Caller    decoder.Caller
	Decrypter Decrypter
	Log       log.Logger
}

func (m *PersonalInfo) Map(ctx context.Context, ev scanner.RawEvent) (scanner.Record, error) {
	if ev.Name != "Register" && ev.Name != "Modify" {
		return nil, unexpected(ev)
	}
	a := argsOf(ev)
	account := a.address("account_address")
	link := a.address("link_address")
	if a.err != nil {
		return nil, a.err
	}

	// Several issuers may share one registry; a source only owns the
	// accounts linked to its issuer.
	meta, ok := ev.Source.Meta.(token.PersonalInfoMeta)
	if !ok {
		return nil, fmt.Errorf("%w: source %s has no personal info metadata", ErrUnmappable, ev.Address.Hex())
	}
	issuer := meta.Issuer
	if common.HexToAddress(link) != issuer {
		return nil, nil
	}

	registry := ev.Source.Contract
	if registry == nil {
		registry = contracts.PersonalInfo()
	}
	out, err := registry.Call(ctx, m.Caller, ev.Address, blockOf(ev), "personal_info",
		common.HexToAddress(account), issuer)
	if err != nil {
		return nil, callError(ev, "personal_info", err)
	}

	if len(out) != 3 {
		return nil, fmt.Errorf("%w: personal_info returned %d outputs", ErrUnmappable, len(out))
	}
	info := personalinfo.Default
	if encrypted, _ := out[2].(string); encrypted != "" && m.Decrypter != nil {
		plain, err := m.Decrypter.Decrypt(issuer, encrypted)
		if err != nil {
			m.logger().Warn("Personal info not decryptable, storing default", "account", account, "issuer", issuer, "err", err)
		} else {
			info = plain
		}
	}

	ts, err := m.Clock.BlockTime(ctx, ev.BlockNumber)
	if err != nil {
		return nil, err
	}
	return record.PersonalInfoChange{
		AccountAddress: account,
		IssuerAddress:  issuer.Hex(),
		Info:           info,
		Timestamp:      ts,
	}, nil
}

func (m *PersonalInfo) logger() log.Logger {
	if m.Log == nil {
		return log.Root()
	}
	return m.Log
}
