package decoder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrUnknownEvent  = errors.New("event not found in ABI")
	ErrUnknownMethod = errors.New("method not found in ABI")
	// ErrUnpack marks return data that does not match the method outputs.
	ErrUnpack = errors.New("unpack return data")
)

// Contract wraps a parsed contract ABI: log decoding for the event side,
// call packing/unpacking for the view side.
type Contract struct {
	parsedABI abi.ABI
}

// NewFromJSON creates a contract from a JSON ABI string
func NewFromJSON(jsonStr string) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, err
	}
	return &Contract{parsedABI: parsed}, nil
}

// MustFromJSON is NewFromJSON for ABIs compiled into the binary.
func MustFromJSON(jsonStr string) *Contract {
	c, err := NewFromJSON(jsonStr)
	if err != nil {
		panic(fmt.Sprintf("decoder: invalid ABI: %v", err))
	}
	return c
}

// ABI returns the parsed ABI.
func (c *Contract) ABI() abi.ABI {
	return c.parsedABI
}

// DecodedLog contains parsed human-readable data from a transaction log.
type DecodedLog struct {
	Name   string                 // Event name (e.g., Transfer)
	Inputs map[string]interface{} // Parameter key-value pairs (e.g., from: 0x..., value: 100)
}

// EventID returns topic0 of the named event.
func (c *Contract) EventID(name string) (common.Hash, error) {
	ev, ok := c.parsedABI.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// HasEvent reports whether the ABI declares the named event.
func (c *Contract) HasEvent(name string) bool {
	_, ok := c.parsedABI.Events[name]
	return ok
}

// Decode parses a single Log
func (c *Contract) Decode(log types.Log) (*DecodedLog, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}

	event, err := c.parsedABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: signature %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	result := &DecodedLog{
		Name:   event.Name,
		Inputs: make(map[string]interface{}),
	}

	// Non-indexed parameters live in Data
	if len(log.Data) > 0 {
		if err := c.parsedABI.UnpackIntoMap(result.Inputs, event.Name, log.Data); err != nil {
			return nil, err
		}
	}

	var indexedArgs abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}

	// Topics[0] is the signature, the rest are indexed parameters
	if len(log.Topics)-1 != len(indexedArgs) {
		return nil, fmt.Errorf("topic count mismatch: expected %d, got %d", len(indexedArgs), len(log.Topics)-1)
	}

	if err := abi.ParseTopicsIntoMap(result.Inputs, indexedArgs, log.Topics[1:]); err != nil {
		return nil, err
	}

	return result, nil
}

// Pack encodes a call to the named method.
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	if _, ok := c.parsedABI.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return c.parsedABI.Pack(method, args...)
}

// Unpack decodes the return data of the named method.
func (c *Contract) Unpack(method string, data []byte) ([]interface{}, error) {
	if _, ok := c.parsedABI.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	out, err := c.parsedABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnpack, method, err)
	}
	return out, nil
}
