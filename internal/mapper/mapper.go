// Package mapper turns decoded contract events into the records each stream
// persists.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/84hero/token-indexer/pkg/decoder"
	"github.com/84hero/token-indexer/pkg/rpc"
	"github.com/84hero/token-indexer/pkg/scanner"
)

// ErrUnmappable is returned for events that are dropped.
var ErrUnmappable = scanner.ErrUnmappable

// JST is the zone block timestamps are rendered in.
var JST = time.FixedZone("JST", 9*3600)

// DefaultClockCacheSize bounds the block timestamp cache.
const DefaultClockCacheSize = 4096

// HeaderReader is the header lookup a Clock needs.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Clock resolves block timestamps. Streams share one instance.
type Clock struct {
	headers HeaderReader
	cache   *lru.Cache[uint64, time.Time]
}

func NewClock(headers HeaderReader, size int) (*Clock, error) {
	if size <= 0 {
		size = DefaultClockCacheSize
	}
	cache, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &Clock{headers: headers, cache: cache}, nil
}

// BlockTime returns the timestamp of block n in JST.
func (c *Clock) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if ts, ok := c.cache.Get(n); ok {
		return ts, nil
	}
	header, err := c.headers.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", n, err)
	}
	ts := time.Unix(int64(header.Time), 0).In(JST)
	c.cache.Add(n, ts)
	return ts, nil
}

// args reads decoded event arguments. The first failure sticks; later reads
// return zero values.
type args struct {
	ev  scanner.RawEvent
	err error
}

func argsOf(ev scanner.RawEvent) *args {
	return &args{ev: ev}
}

func (a *args) fail(format string, v ...interface{}) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s: %s", ErrUnmappable, a.ev.Name, fmt.Sprintf(format, v...))
	}
}

func (a *args) value(name string) (interface{}, bool) {
	v, ok := a.ev.Args[name]
	if !ok {
		a.fail("missing argument %s", name)
	}
	return v, ok
}

func (a *args) address(name string) string {
	v, ok := a.value(name)
	if !ok {
		return ""
	}
	addr, ok := v.(common.Address)
	if !ok {
		a.fail("argument %s is %T, want address", name, v)
		return ""
	}
	return addr.Hex()
}

// int64 reads an integer argument; values outside int64 are unmappable.
func (a *args) int64(name string) int64 {
	v, ok := a.value(name)
	if !ok {
		return 0
	}
	n, err := toInt64(v)
	if err != nil {
		a.fail("argument %s: %v", name, err)
	}
	return n
}

func (a *args) bool(name string) bool {
	v, ok := a.value(name)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		a.fail("argument %s is %T, want bool", name, v)
	}
	return b
}

func (a *args) string(name string) string {
	v, ok := a.value(name)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		a.fail("argument %s is %T, want string", name, v)
	}
	return s
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return 0, fmt.Errorf("nil integer")
		}
		if !n.IsInt64() {
			return 0, fmt.Errorf("%s overflows int64", n)
		}
		return n.Int64(), nil
	case int64:
		return n, nil
	case uint64:
		if n > 1<<63-1 {
			return 0, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case int32:
		return int64(n), nil
	}
	return 0, fmt.Errorf("unexpected integer type %T", v)
}

// callError classifies a failed view call. A revert, empty return data or
// output that does not unpack is the contract's answer and is not retried;
// anything else is a node problem.
func callError(ev scanner.RawEvent, method string, err error) error {
	switch {
	case rpc.IsExecutionError(err):
		return fmt.Errorf("%w: %s %s reverted: %v", ErrUnmappable, ev.Name, method, err)
	case errors.Is(err, decoder.ErrEmptyReturn), errors.Is(err, decoder.ErrUnpack):
		return fmt.Errorf("%w: %s %s at block %d: %v", ErrUnmappable, ev.Name, method, ev.BlockNumber, err)
	}
	return fmt.Errorf("%s at block %d: %w", method, ev.BlockNumber, err)
}

func blockOf(ev scanner.RawEvent) *big.Int {
	return new(big.Int).SetUint64(ev.BlockNumber)
}
