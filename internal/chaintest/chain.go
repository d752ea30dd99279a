// Package chaintest provides an in-memory chain implementing rpc.Client for
// tests: logs, block timestamps and view calls are scripted by the test.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/84hero/token-indexer/pkg/decoder"
)

// ErrNoHandler is returned for calls nobody scripted.
var ErrNoHandler = errors.New("chaintest: no call handler")

// CallFunc answers a view call made at block (nil = latest).
type CallFunc func(block *big.Int, args []interface{}) ([]interface{}, error)

type handler struct {
	method abi.Method
	fn     CallFunc
	raw    []byte // returned verbatim when fn is nil
}

type callKey struct {
	to       common.Address
	selector [4]byte
}

// Chain is a scripted node.
type Chain struct {
	mu       sync.Mutex
	head     uint64
	genesis  time.Time
	times    map[uint64]time.Time
	logs     []types.Log
	nextIdx  map[uint64]uint
	handlers map[callKey]handler

	// LogsErr, when set, is consulted before every FilterLogs.
	LogsErr func(q ethereum.FilterQuery) error

	GetLogsCalls int
	HeaderCalls  int
}

// New returns a chain whose block n is mined at genesis + n seconds unless
// set otherwise.
func New(genesis time.Time) *Chain {
	return &Chain{
		genesis:  genesis,
		times:    make(map[uint64]time.Time),
		nextIdx:  make(map[uint64]uint),
		handlers: make(map[callKey]handler),
	}
}

func (c *Chain) SetHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

func (c *Chain) SetBlockTime(n uint64, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times[n] = t
}

func (c *Chain) blockTime(n uint64) time.Time {
	if t, ok := c.times[n]; ok {
		return t
	}
	return c.genesis.Add(time.Duration(n) * time.Second)
}

// Emit appends a log of event at block. values are given in the event's
// input order, indexed ones included. The head moves up to block if needed.
func (c *Chain) Emit(contract *decoder.Contract, addr common.Address, event string, block uint64, values ...interface{}) (types.Log, error) {
	ev, ok := contract.ABI().Events[event]
	if !ok {
		return types.Log{}, fmt.Errorf("chaintest: unknown event %s", event)
	}
	if len(values) != len(ev.Inputs) {
		return types.Log{}, fmt.Errorf("chaintest: %s takes %d values, got %d", event, len(ev.Inputs), len(values))
	}

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, in := range ev.Inputs {
		if !in.Indexed {
			data = append(data, values[i])
			continue
		}
		t, err := abi.MakeTopics([]interface{}{values[i]})
		if err != nil {
			return types.Log{}, fmt.Errorf("chaintest: topic %s: %w", in.Name, err)
		}
		topics = append(topics, t[0][0])
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return types.Log{}, fmt.Errorf("chaintest: pack %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIdx[block]
	c.nextIdx[block] = idx + 1
	l := types.Log{
		Address:     addr,
		Topics:      topics,
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block<<16 | uint64(idx))),
		Index:       idx,
	}
	c.logs = append(c.logs, l)
	if block > c.head {
		c.head = block
	}
	return l, nil
}

// MustEmit is Emit for test setup.
func (c *Chain) MustEmit(contract *decoder.Contract, addr common.Address, event string, block uint64, values ...interface{}) types.Log {
	l, err := c.Emit(contract, addr, event, block, values...)
	if err != nil {
		panic(err)
	}
	return l
}

// OnCall scripts method of contract deployed at addr.
func (c *Chain) OnCall(contract *decoder.Contract, addr common.Address, method string, fn CallFunc) {
	m, ok := contract.ABI().Methods[method]
	if !ok {
		panic(fmt.Sprintf("chaintest: unknown method %s", method))
	}
	var sel [4]byte
	copy(sel[:], m.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[callKey{to: addr, selector: sel}] = handler{method: m, fn: fn}
}

// OnRawCall makes method of contract at addr return data as is, e.g. nothing
// at all for an address without code.
func (c *Chain) OnRawCall(contract *decoder.Contract, addr common.Address, method string, data []byte) {
	c.OnCall(contract, addr, method, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	var sel [4]byte
	copy(sel[:], contract.ABI().Methods[method].ID)
	h := c.handlers[callKey{to: addr, selector: sel}]
	h.raw = data
	c.handlers[callKey{to: addr, selector: sel}] = h
}

// Returns is a CallFunc with fixed outputs.
func Returns(out ...interface{}) CallFunc {
	return func(*big.Int, []interface{}) ([]interface{}, error) {
		return out, nil
	}
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HeaderCalls++

	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	if n > c.head {
		return nil, ethereum.NotFound
	}
	var bloom types.Bloom
	for _, l := range c.logs {
		if l.BlockNumber != n {
			continue
		}
		bloom.Add(l.Address.Bytes())
		for _, t := range l.Topics {
			bloom.Add(t.Bytes())
		}
	}
	return &types.Header{
		Number: new(big.Int).SetUint64(n),
		Time:   uint64(c.blockTime(n).Unix()),
		Bloom:  bloom,
	}, nil
}

func (c *Chain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.GetLogsCalls++
	if c.LogsErr != nil {
		if err := c.LogsErr(q); err != nil {
			return nil, err
		}
	}

	from, to := uint64(0), c.head
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

func (c *Chain) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, errors.New("chaintest: malformed call")
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	c.mu.Lock()
	h, ok := c.handlers[callKey{to: *msg.To, selector: sel}]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %x", ErrNoHandler, msg.To.Hex(), sel)
	}

	args, err := h.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	if h.fn == nil {
		return h.raw, nil
	}
	out, err := h.fn(block, args)
	if err != nil {
		return nil, err
	}
	return h.method.Outputs.Pack(out...)
}

func (c *Chain) Close() {}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func matchTopics(query [][]common.Hash, topics []common.Hash) bool {
	for i, alternatives := range query {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, t := range alternatives {
			if t == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Revert is a reverted eth_call as nodes report it (JSON-RPC code 3).
type Revert struct {
	Reason string
}

func (e Revert) Error() string  { return "execution reverted: " + e.Reason }
func (e Revert) ErrorCode() int { return 3 }
