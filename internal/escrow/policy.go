package escrow

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

const basisPointsDenominator = 10000

// FeePolicy computes the protocol fee withheld from a price on release.
// Implementations must return 0 <= fee < price for any positive price.
type FeePolicy interface {
	Fee(price *big.Int) *big.Int
}

// BasisPoints charges price*bps/10000, rounded down
type BasisPoints uint32

func (b BasisPoints) Fee(price *big.Int) *big.Int {
	if price == nil || price.Sign() <= 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(price, big.NewInt(int64(b)))
	return fee.Quo(fee, big.NewInt(basisPointsDenominator))
}

// Roles names the parties with authority beyond buyer and seller
type Roles struct {
	Arbiter      string
	FeeRecipient string
}

func (r Roles) isArbiter(caller string) bool {
	return r.Arbiter != "" && types.SameParty(caller, r.Arbiter)
}

// Asset is a supported payment token
type Asset struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// Assets is the immutable set of tokens the factory accepts
type Assets struct {
	byKey map[string]Asset
	list  []Asset
}

func NewAssets(list []Asset) *Assets {
	a := &Assets{byKey: make(map[string]Asset, len(list))}
	for _, asset := range list {
		asset.Address = types.NormalizeParty(asset.Address)
		a.byKey[assetKey(asset.Address)] = asset
		a.list = append(a.list, asset)
	}
	return a
}

// Lookup finds a token by address, ignoring case
func (a *Assets) Lookup(token string) (Asset, bool) {
	if a == nil {
		return Asset{}, false
	}
	asset, ok := a.byKey[assetKey(token)]
	return asset, ok
}

func (a *Assets) List() []Asset {
	if a == nil {
		return nil
	}
	out := make([]Asset, len(a.list))
	copy(out, a.list)
	return out
}

// Format renders a base-unit amount using the token's decimals. Unknown tokens
// are rendered in base units.
func (a *Assets) Format(token string, amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	asset, ok := a.Lookup(token)
	if !ok {
		return amount.String()
	}
	return decimal.NewFromBigInt(amount, -asset.Decimals).String()
}

func assetKey(token string) string {
	return strings.ToLower(types.NormalizeParty(token))
}
