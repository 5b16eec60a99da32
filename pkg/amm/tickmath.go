package amm

import (
	"fmt"
	"math/big"
)

// Tick bounds of the concentrated-liquidity price space.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// Q96 is the fixed-point one of the Q64.96 sqrt-price representation.
var Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

var (
	q32          = new(big.Int).Lsh(big.NewInt(1), 32)
	maxUint256   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	tickBase     = mustHex("0xfffcb933bd6fad37aa2d162d1a594001")
	tickOne      = new(big.Int).Lsh(big.NewInt(1), 128)
	tickFactors  []*big.Int
	tickFactorsS = []string{
		"0xfff97272373d413259a46990580e213a",
		"0xfff2e50f5f656932ef12357cf3c7fdcc",
		"0xffe5caca7e10e4e61c3624eaa0941cd0",
		"0xffcb9843d60f6159c9db58835c926644",
		"0xff973b41fa98c081472e6896dfb254c0",
		"0xff2ea16466c96a3843ec78b326b52861",
		"0xfe5dee046a99a2a811c461f1969c3053",
		"0xfcbe86c7900a88aedcffc83b479aa3a4",
		"0xf987a7253ac413176f2b074cf7815e54",
		"0xf3392b0822b70005940c7a398e4b70f3",
		"0xe7159475a2c29b7443b29c7fa6e889d9",
		"0xd097f3bdfd2022b8845ad8f792aa5825",
		"0xa9f746462d870fdf8a65dc1f90e061e5",
		"0x70d869a156d2a1b890bb3df62baf32f7",
		"0x31be135f97d08fd981231505542fcfa6",
		"0x9aa508b5b7a84e1c677de54f3e99bc9",
		"0x5d6af8dedb81196699c329225ee604",
		"0x2216e584f5fa1ea926041bedfe98",
		"0x48a170391f7dc42444e8fa2",
	}
)

func init() {
	tickFactors = make([]*big.Int, len(tickFactorsS))
	for i, s := range tickFactorsS {
		tickFactors[i] = mustHex(s)
	}
}

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s[2:], 16)
	if !ok {
		panic("amm: bad hex constant " + s)
	}
	return v
}

// SqrtRatioAtTick returns sqrt(1.0001^tick) as a Q64.96 value, computed with
// the reference contract's per-bit factor table so results match on-chain
// prices bit for bit.
func SqrtRatioAtTick(tick int32) (*big.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, fmt.Errorf("amm: tick %d out of range", tick)
	}
	abs := uint32(tick)
	if tick < 0 {
		abs = uint32(-tick)
	}

	ratio := new(big.Int)
	if abs&1 != 0 {
		ratio.Set(tickBase)
	} else {
		ratio.Set(tickOne)
	}
	for i, factor := range tickFactors {
		if abs&(1<<(uint(i)+1)) != 0 {
			ratio.Mul(ratio, factor)
			ratio.Rsh(ratio, 128)
		}
	}
	if tick > 0 {
		ratio.Quo(maxUint256, ratio)
	}
	// Q128.128 -> Q64.96, rounding up so the boundary is never undershot.
	rem := new(big.Int)
	ratio.QuoRem(ratio, q32, rem)
	if rem.Sign() != 0 {
		ratio.Add(ratio, big.NewInt(1))
	}
	return ratio, nil
}

// mulDiv computes floor(a*b/d) without intermediate overflow concerns.
func mulDiv(a, b, d *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

// mulDivRoundingUp computes ceil(a*b/d).
func mulDivRoundingUp(a, b, d *big.Int) *big.Int {
	num := new(big.Int).Mul(a, b)
	out, rem := new(big.Int).QuoRem(num, d, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// amount0Delta returns the token0 amount between two sqrt prices for a given
// liquidity: L * 2^96 * (sqrtB - sqrtA) / (sqrtA * sqrtB), with sqrtA < sqrtB.
func amount0Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	num := new(big.Int).Lsh(liquidity, 96)
	num.Mul(num, new(big.Int).Sub(sqrtB, sqrtA))
	den := new(big.Int).Mul(sqrtA, sqrtB)
	out, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if roundUp && rem.Sign() != 0 {
		out.Add(out, big.NewInt(1))
	}
	return out
}

// amount1Delta returns the token1 amount between two sqrt prices for a given
// liquidity: L * (sqrtB - sqrtA) / 2^96, with sqrtA < sqrtB.
func amount1Delta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) *big.Int {
	if sqrtA.Cmp(sqrtB) > 0 {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if roundUp {
		return mulDivRoundingUp(liquidity, new(big.Int).Sub(sqrtB, sqrtA), Q96)
	}
	return mulDiv(liquidity, new(big.Int).Sub(sqrtB, sqrtA), Q96)
}

// nextSqrtPriceFromInput moves the sqrt price by consuming amountIn.
// Selling token0 pushes the price down; selling token1 pushes it up. The
// result rounds in the pool's favor, matching the reference contract.
func nextSqrtPriceFromInput(sqrtP, liquidity, amountIn *big.Int, zeroForOne bool) *big.Int {
	if zeroForOne {
		// sqrtNew = L * 2^96 * sqrtP / (L * 2^96 + amountIn * sqrtP), rounded up.
		lShift := new(big.Int).Lsh(liquidity, 96)
		num := new(big.Int).Mul(lShift, sqrtP)
		den := new(big.Int).Mul(amountIn, sqrtP)
		den.Add(den, lShift)
		return mulDivRoundingUp(num, big.NewInt(1), den)
	}
	// sqrtNew = sqrtP + amountIn * 2^96 / L, rounded down.
	delta := new(big.Int).Lsh(amountIn, 96)
	delta.Quo(delta, liquidity)
	return new(big.Int).Add(sqrtP, delta)
}
