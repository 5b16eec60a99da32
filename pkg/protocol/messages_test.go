package protocol

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
)

func TestInstrumentIDDeterminism(t *testing.T) {
	pool := common.HexToAddress("0x6e7a5FAFcec6BB1e78bAE2A1F0B612012BF14827")
	t0 := common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270")
	t1 := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	d1 := DEXDescriptor("quickswap", "polygon", pool, t0, t1)
	d2 := DEXDescriptor("QuickSwap", "Polygon", pool, t0, t1)
	assert.Equal(t, d1, d2, "descriptor must be case-canonical")
	assert.Equal(t, HashDescriptor(d1), HashDescriptor(d2))

	// The two Polygon USDC deployments are distinct instruments.
	usdcOld := common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	usdcNative := common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359")
	assert.NotEqual(t,
		HashDescriptor(TokenDescriptor("polygon", "polygon", usdcOld)),
		HashDescriptor(TokenDescriptor("polygon", "polygon", usdcNative)))

	assert.Equal(t,
		HashDescriptor(CEXDescriptor("coinbase", "btc-usd")),
		HashDescriptor(CEXDescriptor("Coinbase", "BTC-USD")))
}

func TestMessageRoundTrips(t *testing.T) {
	sqrt, _ := new(big.Int).SetString("1461446703485210103287273052203988822378723970341", 10) // max uint160 - 1 region
	msgs := []Message{
		InstrumentMapping{Instrument: 0xdead, Descriptor: "quickswap:polygon:0xabc:0xdef:0x123"},
		Trade{
			Instrument:  42,
			Price:       fixedpoint.FromInt64(6_700_012_345_678, 8),
			Size:        fixedpoint.FromInt64(15_000_000, 8),
			Side:        SideSell,
			VenueTsNano: 1_699_999_999_000_000_001,
		},
		PoolSwap{
			Pool:              1,
			TokenIn:           2,
			TokenOut:          3,
			AmountIn:          fixedpoint.FromInt64(1_000_000_000, 6),
			AmountOut:         fixedpoint.FromInt64(999_000_000, 6),
			V3:                true,
			SqrtPriceX96After: sqrt,
			TickAfter:         -887272,
		},
		PoolSync{
			Pool:     9,
			Reserve0: fixedpoint.FromInt64(1_000_000_000_000, 18),
			Reserve1: fixedpoint.FromInt64(2_000_000_000_000, 6),
		},
		PoolMint{PoolLiquidity{
			Pool:      9,
			Amount0:   fixedpoint.FromInt64(500, 18),
			Amount1:   fixedpoint.FromInt64(600, 6),
			TickLower: -200,
			TickUpper: 200,
		}},
		PoolBurn{PoolLiquidity{
			Pool:      9,
			Amount0:   fixedpoint.FromInt64(1, 18),
			Amount1:   fixedpoint.FromInt64(2, 6),
			TickLower: -400,
			TickUpper: -200,
		}},
		PoolState{
			Pool:           9,
			Token0:         2,
			Token1:         3,
			Token0Decimals: 18,
			Token1Decimals: 6,
			Kind:           PoolV3,
			FeePips:        3000,
			Reserve0:       fixedpoint.Zero(18),
			Reserve1:       fixedpoint.Zero(6),
			SqrtPriceX96:   big.NewInt(79228162514264337593543950336 % (1 << 62)), // arbitrary
			Tick:           1234,
			Liquidity:      new(big.Int).Lsh(big.NewInt(1), 100),
			TickSpacing:    60,
		},
		SourceReset{NewSequence: 77},
		ArbitrageSignal{
			BuyPool:           1,
			SellPool:          2,
			OptimalInput:      fixedpoint.FromInt64(5_000_000, 6),
			ExpectedOutput:    fixedpoint.FromInt64(5_100_000, 6),
			ExpectedProfitUSD: fixedpoint.FromInt64(10_000_000, fixedpoint.USDDecimals),
			GasEstimateUSD:    fixedpoint.FromInt64(3_000_000, fixedpoint.USDDecimals),
			NetProfitUSD:      fixedpoint.FromInt64(7_000_000, fixedpoint.USDDecimals),
			Confidence:        88,
		},
	}

	payload, err := EncodePayload(msgs...)
	require.NoError(t, err)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded, len(msgs))

	for i := range msgs {
		assert.Equal(t, msgs[i], decoded[i], "message %d", i)
	}
}

func TestUnknownTypePreserved(t *testing.T) {
	payload, err := AppendTLV(nil, 0xFF01, []byte{0xAA, 0xBB})
	require.NoError(t, err)
	payload, err = AppendTLV(payload, TypeSourceReset, appendU64(nil, 5))
	require.NoError(t, err)

	decoded, err := DecodePayload(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	u, ok := decoded[0].(Unknown)
	require.True(t, ok)
	assert.True(t, u.RawType.Experimental())
	assert.Equal(t, []byte{0xAA, 0xBB}, u.Body)
	// Experimental entries must never be re-emitted.
	_, err = u.EncodeBody()
	assert.Error(t, err)

	assert.Equal(t, SourceReset{NewSequence: 5}, decoded[1])
}

func TestPoolStateValidate(t *testing.T) {
	v2 := PoolState{
		Pool:     1,
		Kind:     PoolV2,
		FeePips:  3000,
		Reserve0: fixedpoint.FromInt64(10, 18),
		Reserve1: fixedpoint.FromInt64(10, 6),
	}
	assert.NoError(t, v2.Validate())

	empty := v2
	empty.Reserve0 = fixedpoint.Zero(18)
	assert.Error(t, empty.Validate())

	v3 := PoolState{
		Pool:         1,
		Kind:         PoolV3,
		FeePips:      500,
		SqrtPriceX96: big.NewInt(1 << 40),
		Liquidity:    big.NewInt(0),
	}
	assert.NoError(t, v3.Validate())

	badFee := v3
	badFee.FeePips = 450
	assert.Error(t, badFee.Validate())
}
