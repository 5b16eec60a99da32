package amm

import (
	"errors"
	"math/big"
)

// Quoter is the uniform quote interface over a directed pool view.
type Quoter interface {
	Quote(amountIn *big.Int) (*big.Int, error)
	PriceImpactBps(amountIn *big.Int) (int64, error)
	FeePips() uint32
	// Smooth reports whether the quote curve is free of kinks; smooth pairs
	// are optimized by binary search, the rest by gradient ascent.
	Smooth() bool
}

const (
	binarySearchIters  = 50
	gradientIters      = 50
	gradientLearnRate  = 4
	gradientEpsilonDiv = 1_000_000
)

var ErrEmptyRange = errors.New("amm: empty search range")

// OptimalResult is the outcome of a size search across a buy/sell pool pair.
type OptimalResult struct {
	Input         *big.Int
	Output        *big.Int
	Profit        *big.Int
	BuyImpactBps  int64
	SellImpactBps int64
}

// profitAt computes sell(buy(x)) - x; a quote failure counts as unusable
// size, not an error, so the search can skirt pathological regions.
func profitAt(buy, sell Quoter, x *big.Int) (*big.Int, *big.Int, bool) {
	mid, err := buy.Quote(x)
	if err != nil {
		return nil, nil, false
	}
	out, err := sell.Quote(mid)
	if err != nil {
		return nil, nil, false
	}
	return new(big.Int).Sub(out, x), out, true
}

// FindOptimalSize locates the input size maximizing round-trip profit over
// [minTrade, maxTrade]. Smooth pairs (V2<->V2) use bounded-iteration binary
// search on the single-peaked profit curve, ties broken toward the smaller
// input; pairs involving a V3 leg use numerical gradient ascent with a fixed
// learning rate, clamped to the bounds.
func FindOptimalSize(buy, sell Quoter, minTrade, maxTrade *big.Int) (*OptimalResult, error) {
	if minTrade == nil || maxTrade == nil || minTrade.Cmp(maxTrade) > 0 || maxTrade.Sign() <= 0 {
		return nil, ErrEmptyRange
	}
	lo := new(big.Int).Set(minTrade)
	if lo.Sign() < 0 {
		lo.SetInt64(0)
	}

	var best *big.Int
	if buy.Smooth() && sell.Smooth() {
		best = searchUnimodal(buy, sell, lo, new(big.Int).Set(maxTrade))
	} else {
		best = searchGradient(buy, sell, lo, new(big.Int).Set(maxTrade))
	}

	profit, out, ok := profitAt(buy, sell, best)
	if !ok {
		return nil, ErrZeroLiquidity
	}
	buyImpact, err := buy.PriceImpactBps(best)
	if err != nil {
		return nil, err
	}
	mid, err := buy.Quote(best)
	if err != nil {
		return nil, err
	}
	sellImpact, err := sell.PriceImpactBps(mid)
	if err != nil {
		return nil, err
	}
	return &OptimalResult{
		Input:         best,
		Output:        out,
		Profit:        profit,
		BuyImpactBps:  buyImpact,
		SellImpactBps: sellImpact,
	}, nil
}

// searchUnimodal narrows [lo, hi] by comparing profit at the two inner third
// points; on ties the upper interval is discarded so the lower input wins.
func searchUnimodal(buy, sell Quoter, lo, hi *big.Int) *big.Int {
	three := big.NewInt(3)
	for i := 0; i < binarySearchIters; i++ {
		width := new(big.Int).Sub(hi, lo)
		if width.Cmp(three) < 0 {
			break
		}
		third := new(big.Int).Quo(width, three)
		m1 := new(big.Int).Add(lo, third)
		m2 := new(big.Int).Sub(hi, third)
		p1, _, ok1 := profitAt(buy, sell, m1)
		p2, _, ok2 := profitAt(buy, sell, m2)
		switch {
		case !ok1:
			lo.Set(m1)
		case !ok2:
			hi.Set(m2)
		case p1.Cmp(p2) < 0:
			lo.Set(m1)
		default:
			hi.Set(m2)
		}
	}
	// The interval no longer moves the profit meaningfully; evaluate the
	// bounds and the midpoint, lowest input winning ties.
	mid := new(big.Int).Add(lo, hi)
	mid.Quo(mid, big.NewInt(2))
	best := new(big.Int).Set(lo)
	var bestProfit *big.Int
	for _, x := range []*big.Int{lo, mid, hi} {
		p, _, ok := profitAt(buy, sell, x)
		if !ok {
			continue
		}
		if bestProfit == nil || p.Cmp(bestProfit) > 0 {
			best.Set(x)
			bestProfit = new(big.Int).Set(p)
		}
	}
	return best
}

// searchGradient climbs the piecewise-smooth profit curve with a central
// finite difference and a fixed learning rate, clamping every step into
// [lo, hi]. Terminates on the iteration bound or a vanishing gradient.
func searchGradient(buy, sell Quoter, lo, hi *big.Int) *big.Int {
	width := new(big.Int).Sub(hi, lo)
	h := new(big.Int).Quo(width, big.NewInt(1000))
	if h.Sign() == 0 {
		h.SetInt64(1)
	}
	eps := new(big.Int).Quo(width, big.NewInt(gradientEpsilonDiv))

	x := new(big.Int).Add(lo, new(big.Int).Quo(width, big.NewInt(2)))
	best := new(big.Int).Set(x)
	var bestProfit *big.Int
	if p, _, ok := profitAt(buy, sell, x); ok {
		bestProfit = p
	}

	for i := 0; i < gradientIters; i++ {
		xPlus := new(big.Int).Add(x, h)
		xMinus := new(big.Int).Sub(x, h)
		clamp(xPlus, lo, hi)
		clamp(xMinus, lo, hi)
		pPlus, _, okP := profitAt(buy, sell, xPlus)
		pMinus, _, okM := profitAt(buy, sell, xMinus)
		if !okP || !okM {
			break
		}
		grad := new(big.Int).Sub(pPlus, pMinus)
		if grad.CmpAbs(eps) <= 0 {
			break
		}
		step := new(big.Int).Mul(grad, big.NewInt(gradientLearnRate))
		step.Quo(step, big.NewInt(2))
		x.Add(x, step)
		clamp(x, lo, hi)

		if p, _, ok := profitAt(buy, sell, x); ok {
			if bestProfit == nil || p.Cmp(bestProfit) > 0 {
				best.Set(x)
				bestProfit = new(big.Int).Set(p)
			}
		}
	}
	return best
}

func clamp(x, lo, hi *big.Int) {
	if x.Cmp(lo) < 0 {
		x.Set(lo)
	}
	if x.Cmp(hi) > 0 {
		x.Set(hi)
	}
}
