package rpc

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

var (
	ErrNodeBusy          = errors.New("rpc node busy")
	ErrNodeCircuitBroken = errors.New("rpc node circuit broken")
)

const (
	// Consecutive errors after which a node stops receiving traffic for circuitCooldown.
	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

// NodeConfig represents configuration for a single RPC node
type NodeConfig struct {
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"` // Initial weight (1-100), higher is more preferred

	// RateLimit caps requests per second against this node (0 = unlimited).
	RateLimit float64 `mapstructure:"rate_limit"`
	// MaxConcurrent caps in-flight requests against this node (0 = unlimited).
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// Node wraps the underlying ethclient and provides health monitoring
type Node struct {
	config NodeConfig
	client EthClient // Interface for underlying ethclient

	limiter   *rate.Limiter
	semaphore chan struct{}

	// Dynamic metrics (atomic operations)
	errorCount  uint64 // Consecutive error count
	totalErrors uint64 // Total error count
	latency     int64  // Average latency (ms)
	latestBlock uint64 // Latest block height observed by this node
	brokenUntil int64  // Unix nano until which the circuit stays open
}

// NewNode dials a node.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}

	return NewNodeWithClient(cfg, client), nil
}

// NewNodeWithClient initializes Node with a pre-created client (Testing/DI)
func NewNodeWithClient(cfg NodeConfig, client EthClient) *Node {
	n := &Node{
		config: cfg,
		client: client,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MaxConcurrent > 0 {
		n.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return n
}

// URL returns the node address
func (n *Node) URL() string {
	return n.config.URL
}

// Priority returns the configured weight
func (n *Node) Priority() int {
	return n.config.Priority
}

// Score calculates the real-time score of the node. Higher is better.
// Formula: (Priority * 100) - (Latency / 10) - (ConsecutiveErrors * 500)
// Points are also deducted if the node lags too far behind the global max height.
func (n *Node) Score(globalMaxHeight uint64) int64 {
	score := int64(n.config.Priority) * 100

	avgLatency := atomic.LoadInt64(&n.latency)
	score -= (avgLatency / 10)

	errs := atomic.LoadUint64(&n.errorCount)
	score -= int64(errs) * 500

	myHeight := atomic.LoadUint64(&n.latestBlock)
	if globalMaxHeight > 0 && myHeight < globalMaxHeight {
		lag := globalMaxHeight - myHeight
		if lag > 5 {
			score -= int64(lag) * 50
		}
	}

	return score
}

// RecordMetric records result of a call, updating latency and error count
func (n *Node) RecordMetric(start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	oldLatency := atomic.LoadInt64(&n.latency)
	if oldLatency == 0 {
		atomic.StoreInt64(&n.latency, duration)
	} else {
		// New latency weight 20%
		atomic.StoreInt64(&n.latency, (oldLatency*8+duration*2)/10)
	}

	if err != nil {
		errs := atomic.AddUint64(&n.errorCount, 1)
		atomic.AddUint64(&n.totalErrors, 1)
		if errs >= circuitThreshold {
			atomic.StoreInt64(&n.brokenUntil, time.Now().Add(circuitCooldown).UnixNano())
		}
		return
	}
	// Decrease error count slowly on success to avoid jitter
	current := atomic.LoadUint64(&n.errorCount)
	if current > 0 {
		atomic.StoreUint64(&n.errorCount, current-1)
	}
}

// IsCircuitBroken reports whether the node is cooling down after repeated failures.
func (n *Node) IsCircuitBroken() bool {
	until := atomic.LoadInt64(&n.brokenUntil)
	return until > 0 && time.Now().UnixNano() < until
}

// MeetsHeightRequirement reports whether the node has seen at least height h.
func (n *Node) MeetsHeightRequirement(h uint64) bool {
	return atomic.LoadUint64(&n.latestBlock) >= h
}

// TryAcquire reserves a request slot without blocking.
func (n *Node) TryAcquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.IsCircuitBroken() {
		return ErrNodeCircuitBroken
	}
	// Slot first so a busy node keeps its rate tokens
	if n.semaphore != nil {
		select {
		case n.semaphore <- struct{}{}:
		default:
			return ErrNodeBusy
		}
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.Release()
		return ErrNodeBusy
	}
	return nil
}

// Acquire blocks until the node has capacity.
func (n *Node) Acquire(ctx context.Context) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if n.semaphore != nil {
		select {
		case n.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release frees the slot taken by TryAcquire/Acquire.
func (n *Node) Release() {
	if n.semaphore != nil {
		select {
		case <-n.semaphore:
		default:
		}
	}
}

// UpdateHeight updates the latest block height for the node
func (n *Node) UpdateHeight(h uint64) {
	current := atomic.LoadUint64(&n.latestBlock)
	if h > current {
		atomic.StoreUint64(&n.latestBlock, h)
	}
}

// GetErrorCount returns the current consecutive error count
func (n *Node) GetErrorCount() uint64 {
	return atomic.LoadUint64(&n.errorCount)
}

// GetTotalErrors returns the total error count
func (n *Node) GetTotalErrors() uint64 {
	return atomic.LoadUint64(&n.totalErrors)
}

// GetLatency returns the average latency in ms
func (n *Node) GetLatency() int64 {
	return atomic.LoadInt64(&n.latency)
}

// GetLatestBlock returns the latest block height observed by this node
func (n *Node) GetLatestBlock() uint64 {
	return atomic.LoadUint64(&n.latestBlock)
}

// Proxy Methods (implement Client interface)

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	h, err := n.client.BlockNumber(ctx)
	n.RecordMetric(start, err)
	if err == nil {
		n.UpdateHeight(h)
	}
	return h, err
}

func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	id, err := n.client.ChainID(ctx)
	n.RecordMetric(start, err)
	return id, err
}

func (n *Node) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	h, err := n.client.HeaderByNumber(ctx, number)
	n.RecordMetric(start, err)
	return h, err
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := n.client.FilterLogs(ctx, q)
	n.RecordMetric(start, err)
	return logs, err
}

func (n *Node) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	start := time.Now()
	out, err := n.client.CallContract(ctx, msg, blockNumber)
	if IsExecutionError(err) {
		n.RecordMetric(start, nil)
	} else {
		n.RecordMetric(start, err)
	}
	return out, err
}

func (n *Node) Close() {
	n.client.Close()
}
