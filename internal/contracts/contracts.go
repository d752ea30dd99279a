// Package contracts holds the ABIs of the issued token templates, their
// exchanges and the personal info registry, plus the template enum that
// selects between them.
package contracts

import (
	"embed"
	"fmt"
	"strings"

	"github.com/84hero/token-indexer/pkg/decoder"
)

//go:embed abi/*.json
var abiFS embed.FS

// Template is the issuance template of a token.
type Template int

const (
	Bond Template = iota + 1
	Coupon
	Membership
	Share
)

// Templates lists every known template.
var Templates = []Template{Bond, Coupon, Membership, Share}

func (t Template) String() string {
	switch t {
	case Bond:
		return "IbetStraightBond"
	case Coupon:
		return "IbetCoupon"
	case Membership:
		return "IbetMembership"
	case Share:
		return "IbetShare"
	}
	return fmt.Sprintf("Template(%d)", int(t))
}

// ParseTemplate maps a registry template value to a Template.
func ParseTemplate(s string) (Template, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ibetstraightbond", "bond", "1":
		return Bond, nil
	case "ibetcoupon", "coupon", "2":
		return Coupon, nil
	case "ibetmembership", "membership", "3":
		return Membership, nil
	case "ibetshare", "share", "4":
		return Share, nil
	}
	return 0, fmt.Errorf("unknown token template %q", s)
}

// ExchangeKind identifies which exchange contract a template trades on.
type ExchangeKind int

const (
	StraightBondExchange ExchangeKind = iota + 1
	CouponExchange
	MembershipExchange
)

func (k ExchangeKind) String() string {
	switch k {
	case StraightBondExchange:
		return "IbetStraightBondExchange"
	case CouponExchange:
		return "IbetCouponExchange"
	case MembershipExchange:
		return "IbetMembershipExchange"
	}
	return fmt.Sprintf("ExchangeKind(%d)", int(k))
}

// ExchangeFor returns the exchange kind of a template. Share tokens have no
// exchange here and report false.
func ExchangeFor(t Template) (ExchangeKind, bool) {
	switch t {
	case Bond:
		return StraightBondExchange, true
	case Coupon:
		return CouponExchange, true
	case Membership:
		return MembershipExchange, true
	case Share:
		return 0, false
	}
	return 0, false
}

// PerTokenPersonalInfo reports whether tokens of t point at their own
// personal info contract instead of the issuer default.
func PerTokenPersonalInfo(t Template) bool {
	switch t {
	case Bond, Share:
		return true
	case Coupon, Membership:
		return false
	}
	return false
}

var (
	tokenABIs    = map[Template]*decoder.Contract{}
	exchangeABI  *decoder.Contract
	personalInfo *decoder.Contract
)

func init() {
	for _, t := range Templates {
		tokenABIs[t] = decoder.MustFromJSON(mustRead(t.String()))
	}
	exchangeABI = decoder.MustFromJSON(mustRead("IbetExchange"))
	personalInfo = decoder.MustFromJSON(mustRead("PersonalInfo"))
}

func mustRead(name string) string {
	b, err := abiFS.ReadFile("abi/" + name + ".json")
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Token returns the embedded ABI of a template.
func Token(t Template) *decoder.Contract {
	return tokenABIs[t]
}

// Exchange returns the ABI shared by the three exchange kinds.
func Exchange(ExchangeKind) *decoder.Contract {
	return exchangeABI
}

// PersonalInfo returns the personal info registry ABI.
func PersonalInfo() *decoder.Contract {
	return personalInfo
}
