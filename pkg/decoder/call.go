package decoder

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ErrEmptyReturn is returned when a call yields no data: there is no code at
// the address or the call reverted silently.
var ErrEmptyReturn = errors.New("empty return data")

// Caller is the eth_call surface a view call needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call executes a view method on addr at the given block (nil = latest) and
// returns the unpacked outputs.
func (c *Contract) Call(ctx context.Context, caller Caller, addr common.Address, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: input}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), ErrEmptyReturn)
	}
	return c.Unpack(method, out)
}

// CallAddress calls a view method returning a single address.
func (c *Contract) CallAddress(ctx context.Context, caller Caller, addr common.Address, block *big.Int, method string, args ...interface{}) (common.Address, error) {
	res, err := c.Call(ctx, caller, addr, block, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	if len(res) == 0 {
		return common.Address{}, fmt.Errorf("%w: %s: no outputs", ErrUnpack, method)
	}
	out, ok := res[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s: unexpected output type %T", ErrUnpack, method, res[0])
	}
	return out, nil
}
