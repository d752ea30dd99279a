package token

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/token-indexer/internal/chaintest"
	"github.com/84hero/token-indexer/internal/contracts"
	"github.com/84hero/token-indexer/internal/record"
)

type registry []record.Token

func (r registry) Tokens(context.Context) ([]record.Token, error) {
	return r, nil
}

type brokenRegistry struct{}

func (brokenRegistry) Tokens(context.Context) ([]record.Token, error) {
	return nil, errors.New("db down")
}

var (
	issuer  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	issuer2 = common.HexToAddress("0x0000000000000000000000000000000000000002")
	bond    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bond2   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	coupon  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	share   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	member  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	bondEx  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	piBond  = common.HexToAddress("0x0000000000000000000000000000000000000aa1")
	piShare = common.HexToAddress("0x0000000000000000000000000000000000000aa2")
	piDef   = common.HexToAddress("0x0000000000000000000000000000000000000aa3")
)

func fixture() registry {
	return registry{
		{Address: bond.Hex(), Issuer: issuer.Hex(), Template: "IbetStraightBond"},
		{Address: bond2.Hex(), Issuer: issuer.Hex(), Template: "IbetStraightBond"},
		{Address: coupon.Hex(), Issuer: issuer.Hex(), Template: "IbetCoupon"},
		{Address: share.Hex(), Issuer: issuer2.Hex(), Template: "IbetShare"},
		{Address: member.Hex(), Issuer: issuer.Hex(), Template: "IbetMembership"},
		{Address: "", Issuer: issuer.Hex(), Template: "IbetCoupon"},
		{Address: "0x00000000000000000000000000000000000000ff", Issuer: issuer.Hex(), Template: "IbetUnknown"},
	}
}

func TestTokens_FilterAndEvents(t *testing.T) {
	e := &Tokens{Registry: fixture(), Events: []string{"Transfer"}}
	sources, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 5)
	for _, s := range sources {
		assert.Equal(t, []string{"Transfer"}, s.Events)
	}

	e = &Tokens{Registry: fixture(), Templates: []contracts.Template{contracts.Coupon}, Events: []string{"Consume"}}
	sources, err = e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, coupon, sources[0].Address)
	assert.Equal(t, Meta{Template: contracts.Coupon, Issuer: issuer}, sources[0].Meta)

	// Only templates declaring the events are bound
	e = &Tokens{Registry: fixture(), Events: []string{"ApplyForTransfer", "CancelTransfer", "ApproveTransfer"}}
	sources, err = e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 3)
	for _, s := range sources {
		assert.Len(t, s.Events, 3)
		assert.NotEqual(t, coupon, s.Address)
	}
}

func TestTokens_CustomABI(t *testing.T) {
	custom := `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`
	reg := registry{
		{Address: bond.Hex(), Issuer: issuer.Hex(), Template: "IbetStraightBond", ABI: custom},
		{Address: bond2.Hex(), Issuer: issuer.Hex(), Template: "IbetStraightBond", ABI: "{broken"},
	}
	e := &Tokens{Registry: reg, Events: []string{"Transfer", "ApplyFor"}}
	sources, err := e.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, []string{"Transfer"}, sources[0].Events)
	assert.NotSame(t, contracts.Token(contracts.Bond), sources[0].Contract)
}

func TestTokens_RegistryError(t *testing.T) {
	_, err := (&Tokens{Registry: brokenRegistry{}}).Refresh(context.Background())
	assert.Error(t, err)
}

func TestExchanges_Refresh(t *testing.T) {
	chain := chaintest.New(time.Unix(0, 0))
	chain.OnCall(contracts.Token(contracts.Bond), bond, "tradableExchange", chaintest.Returns(bondEx))
	chain.OnCall(contracts.Token(contracts.Bond), bond2, "tradableExchange", chaintest.Returns(bondEx))
	chain.OnCall(contracts.Token(contracts.Coupon), coupon, "tradableExchange", chaintest.Returns(common.Address{}))
	chain.OnCall(contracts.Token(contracts.Membership), member, "tradableExchange",
		func(*big.Int, []interface{}) ([]interface{}, error) { return nil, errors.New("timeout") })

	e := &Exchanges{Registry: fixture(), Caller: chain, Events: []string{"NewOrder", "CancelOrder", "Agree"}}
	sources, err := e.Refresh(context.Background())
	require.NoError(t, err)

	// bond and bond2 share one exchange; coupon has none; membership failed
	require.Len(t, sources, 1)
	assert.Equal(t, bondEx, sources[0].Address)
	assert.Equal(t, ExchangeMeta{Kind: contracts.StraightBondExchange}, sources[0].Meta)
	assert.Equal(t, []string{"NewOrder", "CancelOrder", "Agree"}, sources[0].Events)
}

func TestPersonalInfo_Refresh(t *testing.T) {
	chain := chaintest.New(time.Unix(0, 0))
	chain.OnCall(contracts.Token(contracts.Bond), bond, "personalInfoAddress", chaintest.Returns(piBond))
	chain.OnCall(contracts.Token(contracts.Bond), bond2, "personalInfoAddress", chaintest.Returns(piBond))
	chain.OnCall(contracts.Token(contracts.Share), share, "personalInfoAddress", chaintest.Returns(piShare))

	e := &PersonalInfo{Registry: fixture(), Caller: chain, Default: piDef, Events: []string{"Register", "Modify"}}
	sources, err := e.Refresh(context.Background())
	require.NoError(t, err)

	type pair struct{ issuer, contract common.Address }
	var got []pair
	for _, s := range sources {
		got = append(got, pair{s.Meta.(PersonalInfoMeta).Issuer, s.Address})
		assert.Equal(t, []string{"Register", "Modify"}, s.Events)
	}
	assert.ElementsMatch(t, []pair{
		{issuer, piBond},
		{issuer, piDef},
		{issuer2, piShare},
	}, got)
}

func TestPersonalInfo_NoDefault(t *testing.T) {
	chain := chaintest.New(time.Unix(0, 0))
	reg := registry{{Address: coupon.Hex(), Issuer: issuer.Hex(), Template: "IbetCoupon"}}
	sources, err := (&PersonalInfo{Registry: reg, Caller: chain, Events: []string{"Register"}}).Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}
