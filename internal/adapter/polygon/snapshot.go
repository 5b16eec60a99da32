package polygon

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Function selectors for the read-only pool and ERC20 calls the snapshot
// path needs. Keeping them as raw selectors avoids dragging full ABI JSON
// around for four-byte reads with fixed return layouts.
var (
	selGetReserves = common.Hex2Bytes("0902f1ac") // getReserves()
	selToken0      = common.Hex2Bytes("0dfe1681") // token0()
	selToken1      = common.Hex2Bytes("d21220a7") // token1()
	selDecimals    = common.Hex2Bytes("313ce567") // decimals()
	selSlot0       = common.Hex2Bytes("3850c7bd") // slot0()
	selLiquidity   = common.Hex2Bytes("1a686502") // liquidity()
	selFee         = common.Hex2Bytes("ddca3f43") // fee()
	selTickSpacing = common.Hex2Bytes("d0c93a7c") // tickSpacing()
)

// contractCaller is the slice of ethclient.Client the snapshot path uses.
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

func (a *Adapter) call(ctx context.Context, to common.Address, selector []byte) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: selector}, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: call %s on %s: %w", common.Bytes2Hex(selector), to.Hex(), err)
	}
	return out, nil
}

func (a *Adapter) callAddress(ctx context.Context, to common.Address, selector []byte) (common.Address, error) {
	out, err := a.call(ctx, to, selector)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) < 32 {
		return common.Address{}, fmt.Errorf("polygon: short address return: %d bytes", len(out))
	}
	return common.BytesToAddress(out[12:32]), nil
}

func (a *Adapter) callUint(ctx context.Context, to common.Address, selector []byte) (*big.Int, error) {
	out, err := a.call(ctx, to, selector)
	if err != nil {
		return nil, err
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("polygon: short uint return: %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// tokenDecimals fetches and caches a token's decimals() once per process.
func (a *Adapter) tokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := a.decimals[token]; ok {
		return d, nil
	}
	v, err := a.callUint(ctx, token, selDecimals)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() || v.Uint64() > 30 {
		return 0, fmt.Errorf("polygon: token %s claims %s decimals", token.Hex(), v)
	}
	d := uint8(v.Uint64())
	a.decimals[token] = d
	return d, nil
}

// v2Snapshot reads getReserves() for a V2 pool.
type v2Snapshot struct {
	reserve0, reserve1 *big.Int
}

func (a *Adapter) fetchV2Snapshot(ctx context.Context, pool common.Address) (*v2Snapshot, error) {
	out, err := a.call(ctx, pool, selGetReserves)
	if err != nil {
		return nil, err
	}
	if len(out) < 96 {
		return nil, fmt.Errorf("polygon: getReserves returned %d bytes", len(out))
	}
	return &v2Snapshot{
		reserve0: new(big.Int).SetBytes(out[0:32]),
		reserve1: new(big.Int).SetBytes(out[32:64]),
	}, nil
}

// v3Snapshot reads slot0(), liquidity(), fee(), tickSpacing().
type v3Snapshot struct {
	sqrtPriceX96 *big.Int
	tick         int32
	liquidity    *big.Int
	feePips      uint32
	tickSpacing  int32
}

func (a *Adapter) fetchV3Snapshot(ctx context.Context, pool common.Address) (*v3Snapshot, error) {
	slot0, err := a.call(ctx, pool, selSlot0)
	if err != nil {
		return nil, err
	}
	if len(slot0) < 64 {
		return nil, fmt.Errorf("polygon: slot0 returned %d bytes", len(slot0))
	}
	snap := &v3Snapshot{
		sqrtPriceX96: new(big.Int).SetBytes(slot0[0:32]),
	}
	tick := new(big.Int).SetBytes(slot0[32:64])
	if slot0[32]&0x80 != 0 {
		tick.Sub(tick, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	snap.tick = int32(tick.Int64())

	if snap.liquidity, err = a.callUint(ctx, pool, selLiquidity); err != nil {
		return nil, err
	}
	fee, err := a.callUint(ctx, pool, selFee)
	if err != nil {
		return nil, err
	}
	snap.feePips = uint32(fee.Uint64())
	spacing, err := a.callUint(ctx, pool, selTickSpacing)
	if err != nil {
		return nil, err
	}
	snap.tickSpacing = int32(spacing.Int64())
	return snap, nil
}
