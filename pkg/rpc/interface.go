package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// EthClient abstracts the underlying ethclient.Client implementation for easier mocking/testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Client is the narrow node surface the sync streams consume:
// eth_blockNumber, eth_getLogs, eth_getBlockByNumber (timestamp) and eth_call.
type Client interface {
	// ChainID retrieves the chain ID
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber retrieves the latest block height
	BlockNumber(ctx context.Context) (uint64, error)

	// HeaderByNumber retrieves a block header (used for block timestamps)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// FilterLogs retrieves event logs for a contract/topic/range query
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	// CallContract executes a view function (eth_call) at the given block.
	// A nil blockNumber means latest.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// Close closes the connection
	Close()
}
