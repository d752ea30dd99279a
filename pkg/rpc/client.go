package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrNoAvailableNodes  = errors.New("no available rpc nodes")
	ErrNoNodeMeetsHeight = errors.New("no node meets the required block height")
)

const (
	// JSON-RPC error code returned by nodes for reverted eth_call.
	executionRevertedCode = 3

	// maxAttempts bounds how many nodes one request is tried on.
	maxAttempts = 3

	heightSyncInterval = 5 * time.Second
)

// MultiClient spreads requests over several nodes. Every request pinned to
// a block goes to a node that has seen that block: log queries, event block
// headers and view calls made at an event's block.
type MultiClient struct {
	nodes []*Node
	// highest block seen on any node; 0 until the first height sync
	head uint64

	mu sync.RWMutex
}

// NewClient dials every configured node. Unreachable nodes are skipped as
// long as one connects.
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			log.Warn("RPC node unreachable", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes builds a client over already created nodes. Height
// tracking runs until ctx is done.
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{nodes: nodes}
	go mc.trackHeights(ctx)
	return mc, nil
}

func (mc *MultiClient) trackHeights(ctx context.Context) {
	ticker := time.NewTicker(heightSyncInterval)
	defer ticker.Stop()

	mc.syncNodes(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

// syncNodes polls every node's height outside the rate limiter.
func (mc *MultiClient) syncNodes(ctx context.Context) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		best uint64
	)
	for _, n := range mc.nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			if h > best {
				best = h
			}
			mu.Unlock()
		}(n)
	}
	wg.Wait()

	if best > 0 {
		atomic.StoreUint64(&mc.head, best)
	}
}

// pinnedHeight is the block a request needs its node to have; 0 for latest.
func pinnedHeight(n *big.Int) uint64 {
	if n == nil || n.Sign() <= 0 || !n.IsUint64() {
		return 0
	}
	return n.Uint64()
}

// execute runs op on up to maxAttempts nodes, best score first. Context
// errors and reverted calls are returned at once.
func (mc *MultiClient) execute(ctx context.Context, height uint64, op func(*Node) error) error {
	attempts := len(mc.nodes)
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		node, err := mc.pick(ctx, height)
		if err != nil {
			return err
		}

		err = op(node)
		node.Release()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsExecutionError(err) {
			return err
		}
		lastErr = err
		log.Debug("RPC call failed, switching node", "url", node.URL(), "attempt", i+1, "height", height, "err", err)
	}
	return lastErr
}

// IsExecutionError reports whether err is a reverted eth_call.
func IsExecutionError(err error) bool {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == executionRevertedCode
	}
	return false
}

func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := mc.execute(ctx, 0, func(n *Node) (err error) {
		id, err = n.ChainID(ctx)
		return err
	})
	return id, err
}

// BlockNumber returns the highest block seen on any node, asking a node
// directly before the first height sync.
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	if h := atomic.LoadUint64(&mc.head); h > 0 {
		return h, nil
	}
	var h uint64
	err := mc.execute(ctx, 0, func(n *Node) (err error) {
		h, err = n.BlockNumber(ctx)
		return err
	})
	return h, err
}

func (mc *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := mc.execute(ctx, pinnedHeight(number), func(n *Node) (err error) {
		header, err = n.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// FilterLogs only asks nodes that have reached the query's upper bound; a
// lagging node would answer with a short result.
func (mc *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := mc.execute(ctx, pinnedHeight(q.ToBlock), func(n *Node) (err error) {
		logs, err = n.FilterLogs(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (mc *MultiClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := mc.execute(ctx, pinnedHeight(blockNumber), func(n *Node) (err error) {
		out, err = n.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (mc *MultiClient) Close() {
	for _, n := range mc.nodes {
		n.Close()
	}
}

// pick returns an acquired node that has reached height. Free nodes are
// tried by score; when all are busy it waits on the best one not broken.
func (mc *MultiClient) pick(ctx context.Context, height uint64) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mc.mu.RLock()
	head := atomic.LoadUint64(&mc.head)
	candidates := append([]*Node(nil), mc.nodes...)
	mc.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(head) > candidates[j].Score(head)
	})

	// node heights are unknown before the first sync
	if height > 0 && head > 0 {
		eligible := candidates[:0]
		for _, node := range candidates {
			if node.MeetsHeightRequirement(height) {
				eligible = append(eligible, node)
			}
		}
		if len(eligible) == 0 {
			return nil, ErrNoNodeMeetsHeight
		}
		candidates = eligible
	}

	for _, node := range candidates {
		if err := node.TryAcquire(ctx); err == nil {
			return node, nil
		}
	}

	// All busy: queue on the best node whose circuit is closed
	for _, node := range candidates {
		if node.IsCircuitBroken() {
			continue
		}
		if err := node.Acquire(ctx); err != nil {
			return nil, err
		}
		return node, nil
	}
	return nil, ErrNoAvailableNodes
}
