package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasisPointsFee(t *testing.T) {
	tests := []struct {
		bps   BasisPoints
		price int64
		want  string
	}{
		{500, 100, "5"},
		{500, 19, "0"},
		{0, 100, "0"},
		{250, 1000, "25"},
		{9999, 10000, "9999"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.bps.Fee(big.NewInt(tt.price)).String())
	}
	assert.Equal(t, "0", BasisPoints(500).Fee(nil).String())
}

func TestAssetsLookupIgnoresCase(t *testing.T) {
	assets := NewAssets([]Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})

	asset, ok := assets.Lookup("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	assert.True(t, ok)
	assert.Equal(t, "USDC", asset.Symbol)

	_, ok = assets.Lookup("0x0000000000000000000000000000000000000001")
	assert.False(t, ok)
}

func TestAssetsFormat(t *testing.T) {
	assets := NewAssets([]Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})

	assert.Equal(t, "1.5", assets.Format(usdc, big.NewInt(1_500_000)))
	assert.Equal(t, "42", assets.Format("unknown", big.NewInt(42)))
	assert.Equal(t, "0", assets.Format(usdc, nil))
}
