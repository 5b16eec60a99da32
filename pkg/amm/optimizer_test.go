package amm

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two V2 pools with a real price gap: buying on A (2.0 out/in) and selling
// back on B (priced 2.1 in the other direction) is profitable at some size.
func arbPair() (Quoter, Quoter) {
	buy := V2Quoter{
		ReserveIn:  big.NewInt(1_000_000_000_000),
		ReserveOut: big.NewInt(2_000_000_000_000),
		FeeBps:     30,
	}
	sell := V2Quoter{
		ReserveIn:  big.NewInt(2_000_000_000_000),
		ReserveOut: big.NewInt(1_050_000_000_000),
		FeeBps:     30,
	}
	return buy, sell
}

func TestFindOptimalSizeV2V2(t *testing.T) {
	buy, sell := arbPair()

	res, err := FindOptimalSize(buy, sell, big.NewInt(1_000), big.NewInt(10_000_000_000))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Greater(t, res.Profit.Sign(), 0, "pair is profitable")
	assert.Greater(t, res.Input.Sign(), 0)
	assert.Greater(t, res.Output.Cmp(res.Input), 0)

	// Local optimality: nudging the size either way must not beat it.
	for _, delta := range []int64{-1_000_000, 1_000_000} {
		x := new(big.Int).Add(res.Input, big.NewInt(delta))
		if x.Sign() <= 0 {
			continue
		}
		p, _, ok := profitAt(buy, sell, x)
		require.True(t, ok)
		assert.LessOrEqual(t, p.Cmp(res.Profit), 0, "delta %d", delta)
	}

	assert.Greater(t, res.BuyImpactBps, int64(0))
	assert.GreaterOrEqual(t, res.SellImpactBps, int64(0))
}

func TestFindOptimalSizeUnprofitablePair(t *testing.T) {
	// Identical prices, both charging fees: the best round trip loses.
	buy := V2Quoter{ReserveIn: big.NewInt(1e12), ReserveOut: big.NewInt(2e12), FeeBps: 30}
	sell := V2Quoter{ReserveIn: big.NewInt(2e12), ReserveOut: big.NewInt(1e12), FeeBps: 30}

	res, err := FindOptimalSize(buy, sell, big.NewInt(1_000), big.NewInt(10_000_000_000))
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Profit.Sign(), 0)
}

func TestFindOptimalSizeV2V3(t *testing.T) {
	// V3 leg priced at 1.0, V2 leg returning 1.05 per unit: the gradient
	// path must still find a profitable size.
	sqrt := new(big.Int).Set(Q96)
	liq, _ := new(big.Int).SetString("2000000000000000000000", 10)
	state, err := NewV3State(sqrt, liq, 3000, 60, 0, []Tick{
		{Index: -1200, LiquidityNet: new(big.Int).Neg(liq)},
		{Index: 1200, LiquidityNet: new(big.Int).Set(liq)},
	})
	require.NoError(t, err)

	buy := V3Quoter{State: state, ZeroForOne: true}
	sell := V2Quoter{ReserveIn: big.NewInt(1e12), ReserveOut: big.NewInt(1_050_000_000_000), FeeBps: 30}

	res, err := FindOptimalSize(buy, sell, big.NewInt(1_000), big.NewInt(5_000_000_000))
	require.NoError(t, err)
	assert.Greater(t, res.Profit.Sign(), 0)
	assert.Greater(t, res.Input.Sign(), 0)
}

func TestFindOptimalSizeEmptyRange(t *testing.T) {
	buy, sell := arbPair()
	_, err := FindOptimalSize(buy, sell, big.NewInt(10), big.NewInt(5))
	assert.ErrorIs(t, err, ErrEmptyRange)
}
