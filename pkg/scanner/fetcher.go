package scanner

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/ethereum/go-ethereum/log"
)

// Fetcher reads and decodes the logs of one (source, event) pair.
type Fetcher struct {
	client   rpc.Client
	useBloom bool
	log      log.Logger
}

func NewFetcher(client rpc.Client, useBloom bool, logger log.Logger) *Fetcher {
	if logger == nil {
		logger = log.Root()
	}
	return &Fetcher{client: client, useBloom: useBloom, log: logger}
}

// Fetch returns the events named event emitted by src within [from, to].
// Logs that fail to decode are skipped with a warning.
func (f *Fetcher) Fetch(ctx context.Context, src Source, event string, from, to uint64) ([]RawEvent, error) {
	topic, err := src.Contract.EventID(event)
	if err != nil {
		return nil, err
	}
	filter := EventFilter(src.Address, topic)

	// A single-block window can often be ruled out from the header alone
	if f.useBloom && from == to {
		header, err := f.client.HeaderByNumber(ctx, new(big.Int).SetUint64(from))
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", from, err)
		}
		if !filter.MatchesBloom(header.Bloom) {
			return nil, nil
		}
	}

	logs, err := f.client.FilterLogs(ctx, filter.ToQuery(from, to))
	if err != nil {
		return nil, fmt.Errorf("get logs %s %s [%d,%d]: %w", src.Address.Hex(), event, from, to, err)
	}

	events := make([]RawEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed || !filter.Match(l) {
			continue
		}
		decoded, err := src.Contract.Decode(l)
		if err != nil {
			f.log.Warn("Undecodable log skipped", "contract", l.Address, "event", event, "tx", l.TxHash, "err", err)
			continue
		}
		events = append(events, RawEvent{
			Source:      src,
			Name:        decoded.Name,
			Args:        decoded.Inputs,
			Address:     l.Address,
			TxHash:      l.TxHash,
			BlockNumber: l.BlockNumber,
			LogIndex:    l.Index,
		})
	}
	return events, nil
}

// SortEvents orders events by chain position.
func SortEvents(events []RawEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
}
