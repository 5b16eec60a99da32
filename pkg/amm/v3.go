package amm

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

// MaxTickCrossings caps how many initialized ticks one swap simulation may
// traverse before the engine gives up; a pathological pool must not stall
// the detector.
const MaxTickCrossings = 10

var ErrTickCapExceeded = errors.New("amm: tick crossing cap exceeded")

// Tick is one initialized tick: crossing it shifts active liquidity by
// LiquidityNet (signed; positive entering from below).
type Tick struct {
	Index        int32
	LiquidityNet *big.Int
}

// V3State is a directed-neutral snapshot of a concentrated-liquidity pool.
type V3State struct {
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	// FeePips is the swap fee in basis-point hundredths (500 = 0.05%).
	FeePips     uint32
	TickSpacing int32
	TickCurrent int32
	ticks       []Tick // sorted by Index
}

// NewV3State builds a snapshot; ticks may arrive unsorted.
func NewV3State(sqrtPriceX96, liquidity *big.Int, feePips uint32, tickSpacing, tickCurrent int32, ticks []Tick) (*V3State, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("amm: non-positive sqrt price")
	}
	if liquidity == nil || liquidity.Sign() < 0 {
		return nil, fmt.Errorf("amm: negative liquidity")
	}
	s := &V3State{
		SqrtPriceX96: new(big.Int).Set(sqrtPriceX96),
		Liquidity:    new(big.Int).Set(liquidity),
		FeePips:      feePips,
		TickSpacing:  tickSpacing,
		TickCurrent:  tickCurrent,
		ticks:        make([]Tick, 0, len(ticks)),
	}
	for _, t := range ticks {
		net := new(big.Int)
		if t.LiquidityNet != nil {
			net.Set(t.LiquidityNet)
		}
		s.ticks = append(s.ticks, Tick{Index: t.Index, LiquidityNet: net})
	}
	sort.Slice(s.ticks, func(i, j int) bool { return s.ticks[i].Index < s.ticks[j].Index })
	return s, nil
}

// SetTick replaces or inserts one initialized tick (mint/burn updates).
func (s *V3State) SetTick(index int32, liquidityNet *big.Int) {
	i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i].Index >= index })
	if i < len(s.ticks) && s.ticks[i].Index == index {
		if liquidityNet == nil || liquidityNet.Sign() == 0 {
			s.ticks = append(s.ticks[:i], s.ticks[i+1:]...)
			return
		}
		s.ticks[i].LiquidityNet = new(big.Int).Set(liquidityNet)
		return
	}
	if liquidityNet == nil || liquidityNet.Sign() == 0 {
		return
	}
	s.ticks = append(s.ticks, Tick{})
	copy(s.ticks[i+1:], s.ticks[i:])
	s.ticks[i] = Tick{Index: index, LiquidityNet: new(big.Int).Set(liquidityNet)}
}

// nextInitializedTick returns the next initialized tick strictly below
// (zeroForOne) or strictly above the given tick, or the price-space bound
// when none remains.
func (s *V3State) nextInitializedTick(from int32, zeroForOne bool) (int32, *big.Int, bool) {
	if zeroForOne {
		i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i].Index >= from })
		if i == 0 {
			return MinTick, nil, false
		}
		t := s.ticks[i-1]
		return t.Index, t.LiquidityNet, true
	}
	i := sort.Search(len(s.ticks), func(i int) bool { return s.ticks[i].Index > from })
	if i == len(s.ticks) {
		return MaxTick, nil, false
	}
	t := s.ticks[i]
	return t.Index, t.LiquidityNet, true
}

// SwapResult reports one simulated swap.
type SwapResult struct {
	AmountOut         *big.Int
	SqrtPriceX96After *big.Int
	TickAfter         int32
	LiquidityAfter    *big.Int
	TicksCrossed      int
}

// Swap simulates swapping amountIn through the pool in the given direction,
// traversing initialized ticks with the exact Q64.96 closed forms. The fee
// is taken off the input up front; the remainder moves the price.
func (s *V3State) Swap(amountIn *big.Int, zeroForOne bool) (*SwapResult, error) {
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	res := &SwapResult{
		AmountOut:         new(big.Int),
		SqrtPriceX96After: new(big.Int).Set(s.SqrtPriceX96),
		TickAfter:         s.TickCurrent,
		LiquidityAfter:    new(big.Int).Set(s.Liquidity),
	}
	if amountIn.Sign() == 0 {
		return res, nil
	}

	remaining := mulDiv(amountIn, big.NewInt(int64(1_000_000-s.FeePips)), pips1e6)
	sqrtP := res.SqrtPriceX96After
	liquidity := res.LiquidityAfter
	tick := s.TickCurrent

	for remaining.Sign() > 0 {
		if liquidity.Sign() == 0 {
			return nil, ErrZeroLiquidity
		}
		nextTick, liquidityNet, initialized := s.nextInitializedTick(tick, zeroForOne)
		sqrtTarget, err := SqrtRatioAtTick(nextTick)
		if err != nil {
			return nil, err
		}

		// Maximum input this range can absorb before the boundary.
		var maxToBoundary *big.Int
		if zeroForOne {
			maxToBoundary = amount0Delta(sqrtTarget, sqrtP, liquidity, true)
		} else {
			maxToBoundary = amount1Delta(sqrtP, sqrtTarget, liquidity, true)
		}

		if remaining.Cmp(maxToBoundary) < 0 {
			// Swap completes within this range.
			sqrtNew := nextSqrtPriceFromInput(sqrtP, liquidity, remaining, zeroForOne)
			if zeroForOne {
				res.AmountOut.Add(res.AmountOut, amount1Delta(sqrtNew, sqrtP, liquidity, false))
			} else {
				res.AmountOut.Add(res.AmountOut, amount0Delta(sqrtP, sqrtNew, liquidity, false))
			}
			sqrtP.Set(sqrtNew)
			remaining.SetInt64(0)
			break
		}

		// Consume to the boundary and cross.
		if zeroForOne {
			res.AmountOut.Add(res.AmountOut, amount1Delta(sqrtTarget, sqrtP, liquidity, false))
		} else {
			res.AmountOut.Add(res.AmountOut, amount0Delta(sqrtP, sqrtTarget, liquidity, false))
		}
		remaining.Sub(remaining, maxToBoundary)
		sqrtP.Set(sqrtTarget)

		if !initialized {
			// Ran to the edge of the price space.
			return nil, fmt.Errorf("amm: swap exhausts initialized range at tick %d", nextTick)
		}
		if zeroForOne {
			liquidity.Sub(liquidity, liquidityNet)
			tick = nextTick - 1
		} else {
			liquidity.Add(liquidity, liquidityNet)
			tick = nextTick
		}
		if liquidity.Sign() < 0 {
			return nil, fmt.Errorf("amm: liquidity underflow crossing tick %d", nextTick)
		}
		res.TicksCrossed++
		if res.TicksCrossed > MaxTickCrossings {
			return nil, ErrTickCapExceeded
		}
	}

	res.TickAfter = tick
	return res, nil
}

// V3Quoter adapts a directed view of a V3 pool to the Quoter interface.
type V3Quoter struct {
	State      *V3State
	ZeroForOne bool
}

func (q V3Quoter) Quote(amountIn *big.Int) (*big.Int, error) {
	res, err := q.State.Swap(amountIn, q.ZeroForOne)
	if err != nil {
		return nil, err
	}
	return res.AmountOut, nil
}

// PriceImpactBps derives impact from the pre/post sqrt prices:
// |sqrtAfter^2 - sqrtBefore^2| / sqrtBefore^2, in basis points.
func (q V3Quoter) PriceImpactBps(amountIn *big.Int) (int64, error) {
	res, err := q.State.Swap(amountIn, q.ZeroForOne)
	if err != nil {
		return 0, err
	}
	before := new(big.Int).Mul(q.State.SqrtPriceX96, q.State.SqrtPriceX96)
	after := new(big.Int).Mul(res.SqrtPriceX96After, res.SqrtPriceX96After)
	diff := new(big.Int).Sub(before, after)
	diff.Abs(diff)
	diff.Mul(diff, bps10000)
	return diff.Quo(diff, before).Int64(), nil
}

func (q V3Quoter) FeePips() uint32 { return q.State.FeePips }

// Smooth reports false: tick crossings put kinks in the profit curve, so the
// optimizer must use gradient ascent rather than binary search.
func (V3Quoter) Smooth() bool { return false }
