package scanner

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Filter selects one event signature emitted by one contract, the unit
// every fetch works on.
type Filter struct {
	Contract common.Address
	Topic0   common.Hash
}

func EventFilter(contract common.Address, topic0 common.Hash) Filter {
	return Filter{Contract: contract, Topic0: topic0}
}

// ToQuery converts the filter to an inclusive [fromBlock, toBlock] query.
func (f Filter) ToQuery(fromBlock, toBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.Contract},
		Topics:    [][]common.Hash{{f.Topic0}},
	}
}

// Match reports whether l is an event the filter selects.
func (f Filter) Match(l types.Log) bool {
	return l.Address == f.Contract && len(l.Topics) > 0 && l.Topics[0] == f.Topic0
}

// MatchesBloom returns false only when the block definitely holds no
// matching log.
func (f Filter) MatchesBloom(bloom types.Bloom) bool {
	return bloom.Test(f.Contract.Bytes()) && bloom.Test(f.Topic0.Bytes())
}
