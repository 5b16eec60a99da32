package polygon

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Event topic0 signatures for the Uniswap V2 and V3 pool ABIs.
var (
	v2SyncSig = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))
	v2SwapSig = crypto.Keccak256Hash([]byte("Swap(address,uint256,uint256,uint256,uint256,address)"))
	v2MintSig = crypto.Keccak256Hash([]byte("Mint(address,uint256,uint256)"))
	v2BurnSig = crypto.Keccak256Hash([]byte("Burn(address,uint256,uint256,address)"))

	v3SwapSig = crypto.Keccak256Hash([]byte("Swap(address,address,int256,int256,uint160,uint128,int24)"))
	v3MintSig = crypto.Keccak256Hash([]byte("Mint(address,address,int24,int24,uint128,uint256,uint256)"))
	v3BurnSig = crypto.Keccak256Hash([]byte("Burn(address,int24,int24,uint128,uint256,uint256)"))
)

// watchedTopics lists every event signature the adapter subscribes to.
func watchedTopics() []common.Hash {
	return []common.Hash{
		v2SyncSig, v2SwapSig, v2MintSig, v2BurnSig,
		v3SwapSig, v3MintSig, v3BurnSig,
	}
}

// poolEvent is a decoded EVM log, still in raw integer amounts.
type poolEvent struct {
	kind eventKind
	pool common.Address

	// V2 sync
	reserve0, reserve1 *big.Int

	// swaps
	amount0In, amount1In   *big.Int
	amount0Out, amount1Out *big.Int

	// V3 swap: signed deltas plus post-swap state
	amount0, amount1 *big.Int
	sqrtPriceX96     *big.Int
	liquidity        *big.Int
	tick             int32

	// mint/burn
	tickLower, tickUpper int32
}

type eventKind uint8

const (
	evV2Sync eventKind = iota + 1
	evV2Swap
	evV2Mint
	evV2Burn
	evV3Swap
	evV3Mint
	evV3Burn
)

func word(data []byte, i int) []byte { return data[i*32 : (i+1)*32] }

func wordU(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(word(data, i))
}

// wordI interprets a 32-byte word as a signed two's-complement integer.
func wordI(data []byte, i int) *big.Int {
	v := wordU(data, i)
	if data[i*32]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

func topicI24(topic common.Hash) int32 {
	v := new(big.Int).SetBytes(topic[:])
	if topic[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return int32(v.Int64())
}

// decodeLog converts one raw EVM log into a poolEvent. An unknown signature
// or malformed data yields an error; the caller drops the single event.
func decodeLog(lg types.Log) (*poolEvent, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("polygon: log without topics")
	}
	ev := &poolEvent{pool: lg.Address}
	switch lg.Topics[0] {
	case v2SyncSig:
		if len(lg.Data) < 64 {
			return nil, fmt.Errorf("polygon: sync data %d bytes", len(lg.Data))
		}
		ev.kind = evV2Sync
		ev.reserve0 = wordU(lg.Data, 0)
		ev.reserve1 = wordU(lg.Data, 1)

	case v2SwapSig:
		if len(lg.Data) < 128 {
			return nil, fmt.Errorf("polygon: v2 swap data %d bytes", len(lg.Data))
		}
		ev.kind = evV2Swap
		ev.amount0In = wordU(lg.Data, 0)
		ev.amount1In = wordU(lg.Data, 1)
		ev.amount0Out = wordU(lg.Data, 2)
		ev.amount1Out = wordU(lg.Data, 3)

	case v2MintSig:
		if len(lg.Data) < 64 {
			return nil, fmt.Errorf("polygon: v2 mint data %d bytes", len(lg.Data))
		}
		ev.kind = evV2Mint
		ev.amount0 = wordU(lg.Data, 0)
		ev.amount1 = wordU(lg.Data, 1)

	case v2BurnSig:
		if len(lg.Data) < 64 {
			return nil, fmt.Errorf("polygon: v2 burn data %d bytes", len(lg.Data))
		}
		ev.kind = evV2Burn
		ev.amount0 = wordU(lg.Data, 0)
		ev.amount1 = wordU(lg.Data, 1)

	case v3SwapSig:
		// amount0 (int256), amount1 (int256), sqrtPriceX96 (uint160),
		// liquidity (uint128), tick (int24)
		if len(lg.Data) < 160 {
			return nil, fmt.Errorf("polygon: v3 swap data %d bytes", len(lg.Data))
		}
		ev.kind = evV3Swap
		ev.amount0 = wordI(lg.Data, 0)
		ev.amount1 = wordI(lg.Data, 1)
		ev.sqrtPriceX96 = wordU(lg.Data, 2)
		ev.liquidity = wordU(lg.Data, 3)
		ev.tick = int32(wordI(lg.Data, 4).Int64())

	case v3MintSig:
		// topics: owner, tickLower, tickUpper indexed; data: sender,
		// liquidity amount, amount0, amount1.
		if len(lg.Topics) < 4 || len(lg.Data) < 128 {
			return nil, fmt.Errorf("polygon: v3 mint shape")
		}
		ev.kind = evV3Mint
		ev.tickLower = topicI24(lg.Topics[2])
		ev.tickUpper = topicI24(lg.Topics[3])
		ev.liquidity = wordU(lg.Data, 1)
		ev.amount0 = wordU(lg.Data, 2)
		ev.amount1 = wordU(lg.Data, 3)

	case v3BurnSig:
		if len(lg.Topics) < 4 || len(lg.Data) < 96 {
			return nil, fmt.Errorf("polygon: v3 burn shape")
		}
		ev.kind = evV3Burn
		ev.tickLower = topicI24(lg.Topics[2])
		ev.tickUpper = topicI24(lg.Topics[3])
		ev.liquidity = wordU(lg.Data, 0)
		ev.amount0 = wordU(lg.Data, 1)
		ev.amount1 = wordU(lg.Data, 2)

	default:
		return nil, fmt.Errorf("polygon: unknown event %s", lg.Topics[0].Hex())
	}
	return ev, nil
}
