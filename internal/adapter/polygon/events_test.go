package polygon

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pad32(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

func padSigned32(v *big.Int) []byte {
	if v.Sign() >= 0 {
		return pad32(v)
	}
	tw := new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
	return pad32(tw)
}

func TestDecodeV2Sync(t *testing.T) {
	data := append(pad32(big.NewInt(1_000_000)), pad32(big.NewInt(2_000_000))...)
	lg := types.Log{
		Address: common.HexToAddress("0x6e7a5fafcec6bb1e78bae2a1f0b612012bf14827"),
		Topics:  []common.Hash{v2SyncSig},
		Data:    data,
	}
	ev, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, evV2Sync, ev.kind)
	assert.Equal(t, big.NewInt(1_000_000), ev.reserve0)
	assert.Equal(t, big.NewInt(2_000_000), ev.reserve1)
	assert.Equal(t, lg.Address, ev.pool)
}

func TestDecodeV2Swap(t *testing.T) {
	var data []byte
	for _, v := range []int64{5_000, 0, 0, 9_000} {
		data = append(data, pad32(big.NewInt(v))...)
	}
	lg := types.Log{
		Topics: []common.Hash{v2SwapSig, {}, {}},
		Data:   data,
	}
	ev, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, evV2Swap, ev.kind)
	assert.Equal(t, big.NewInt(5_000), ev.amount0In)
	assert.Equal(t, big.NewInt(9_000), ev.amount1Out)
}

func TestDecodeV3SwapSignedAmounts(t *testing.T) {
	sqrt, _ := new(big.Int).SetString("79228162514264337593543950336", 10)
	var data []byte
	data = append(data, padSigned32(big.NewInt(1_500_000))...)  // amount0 in
	data = append(data, padSigned32(big.NewInt(-1_490_000))...) // amount1 out
	data = append(data, pad32(sqrt)...)
	data = append(data, pad32(big.NewInt(7_777_777))...)
	data = append(data, padSigned32(big.NewInt(-120))...) // tick
	lg := types.Log{
		Topics: []common.Hash{v3SwapSig, {}, {}},
		Data:   data,
	}
	ev, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, evV3Swap, ev.kind)
	assert.Equal(t, big.NewInt(1_500_000), ev.amount0)
	assert.Equal(t, big.NewInt(-1_490_000), ev.amount1)
	assert.Equal(t, sqrt, ev.sqrtPriceX96)
	assert.Equal(t, big.NewInt(7_777_777), ev.liquidity)
	assert.Equal(t, int32(-120), ev.tick)
}

func TestDecodeV3MintTicksFromTopics(t *testing.T) {
	lower := common.BytesToHash(padSigned32(big.NewInt(-600)))
	upper := common.BytesToHash(padSigned32(big.NewInt(600)))
	var data []byte
	for _, v := range []int64{0, 42, 100, 200} { // sender, liquidity, amount0, amount1
		data = append(data, pad32(big.NewInt(v))...)
	}
	lg := types.Log{
		Topics: []common.Hash{v3MintSig, {}, lower, upper},
		Data:   data,
	}
	ev, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, evV3Mint, ev.kind)
	assert.Equal(t, int32(-600), ev.tickLower)
	assert.Equal(t, int32(600), ev.tickUpper)
	assert.Equal(t, big.NewInt(42), ev.liquidity)
	assert.Equal(t, big.NewInt(100), ev.amount0)
	assert.Equal(t, big.NewInt(200), ev.amount1)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := decodeLog(types.Log{})
	assert.Error(t, err)

	_, err = decodeLog(types.Log{Topics: []common.Hash{v2SyncSig}, Data: []byte{1, 2}})
	assert.Error(t, err)

	_, err = decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0xabcd")}})
	assert.Error(t, err)
}

func TestDecodeDeterminism(t *testing.T) {
	data := append(pad32(big.NewInt(123)), pad32(big.NewInt(456))...)
	lg := types.Log{Topics: []common.Hash{v2SyncSig}, Data: data}
	a, err := decodeLog(lg)
	require.NoError(t, err)
	b, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
