package detector

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

func TestUSDOracleStablePinnedToOneDollar(t *testing.T) {
	o := NewUSDOracle(NewPoolBook(), []protocol.InstrumentID{tokenB})
	p, err := o.TokenPriceUSD(tokenB)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100_000_000), p)
}

func TestUSDOracleDerivesFromStablePool(t *testing.T) {
	book := NewPoolBook()
	// WMATIC-ish token (18 dec) against the stable (6 dec), priced $0.40:
	// 1000 native vs 400 stable.
	state := protocol.PoolState{
		Pool: poolX, Token0: tokenA, Token1: tokenB,
		Token0Decimals: 18, Token1Decimals: 6,
		Kind: protocol.PoolV2, FeePips: 3000,
		Reserve0: fixedpoint.MustNew(new(big.Int).Mul(big.NewInt(1000), fixedpoint.Pow10(18)), 18),
		Reserve1: fixedpoint.FromInt64(400_000_000, 6),
	}
	require.NoError(t, book.ApplyState(state, time.Now()))

	o := NewUSDOracle(book, []protocol.InstrumentID{tokenB})
	p, err := o.TokenPriceUSD(tokenA)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(40_000_000), p) // $0.40
}

func TestUSDOracleExternalPriceWins(t *testing.T) {
	o := NewUSDOracle(NewPoolBook(), nil)
	_, err := o.TokenPriceUSD(tokenA)
	assert.Error(t, err, "no source at all")

	require.NoError(t, o.SetPrice(tokenA, fixedpoint.FromInt64(123_000_000, 8)))
	p, err := o.TokenPriceUSD(tokenA)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(123_000_000), p)
}

type fakeGasPricer struct {
	price *big.Int
	err   error
	calls int
}

func (f *fakeGasPricer) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.price), nil
}

func TestRPCGasOracleComputesUSD(t *testing.T) {
	native := protocol.InstrumentID(0xC0)
	o := NewUSDOracle(NewPoolBook(), nil)
	require.NoError(t, o.SetPrice(native, fixedpoint.FromInt64(40_000_000, 8))) // $0.40

	pricer := &fakeGasPricer{price: big.NewInt(50_000_000_000)} // 50 gwei
	gas := NewRPCGasOracle(pricer, o, native, 280_000)

	cost, err := gas.GasCostUSD(context.Background())
	require.NoError(t, err)
	// 50e9 wei * 280000 = 1.4e16 wei = 0.014 native; * $0.40 = $0.0056.
	assert.Equal(t, big.NewInt(560_000), cost.Value())
	assert.Equal(t, uint8(fixedpoint.USDDecimals), cost.Decimals())
}

func TestRPCGasOracleCachesAndServesStale(t *testing.T) {
	native := protocol.InstrumentID(0xC0)
	o := NewUSDOracle(NewPoolBook(), nil)
	require.NoError(t, o.SetPrice(native, fixedpoint.FromInt64(100_000_000, 8)))

	pricer := &fakeGasPricer{price: big.NewInt(30_000_000_000)}
	gas := NewRPCGasOracle(pricer, o, native, 280_000)

	_, err := gas.GasCostUSD(context.Background())
	require.NoError(t, err)
	_, err = gas.GasCostUSD(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pricer.calls, "second call is served from cache")

	// Upstream dies; the cached price keeps detection alive.
	gas.ttl = 0
	pricer.err = errors.New("rpc down")
	cost, err := gas.GasCostUSD(context.Background())
	require.NoError(t, err)
	assert.Greater(t, cost.Sign(), 0)
}
