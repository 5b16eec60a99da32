// Package amm implements exact integer AMM math for constant-product (V2)
// and concentrated-liquidity (V3) pools, plus the optimal-size search the
// arbitrage detector runs across a pool pair. Everything is math/big; no
// floating point touches an amount or a price.
package amm

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNonPositiveReserves = errors.New("amm: non-positive reserves")
	ErrNegativeInput       = errors.New("amm: negative input amount")
	ErrZeroLiquidity       = errors.New("amm: zero liquidity")
)

var (
	bps10000 = big.NewInt(10000)
	pips1e6  = big.NewInt(1_000_000)
)

// V2Quote computes the exact constant-product output as the pool contract
// does, with fee in basis points (30 for 0.3%):
//
//	amountInWithFee = amountIn * (10000 - fee)
//	output = amountInWithFee * reserveOut / (reserveIn*10000 + amountInWithFee)
//
// Intermediates are wide integers; the division truncates toward zero.
func V2Quote(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if reserveIn == nil || reserveOut == nil || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrNonPositiveReserves
	}
	if amountIn == nil || amountIn.Sign() < 0 {
		return nil, ErrNegativeInput
	}
	if amountIn.Sign() == 0 {
		return new(big.Int), nil
	}
	withFee := new(big.Int).Mul(amountIn, big.NewInt(int64(10000-feeBps)))
	num := new(big.Int).Mul(withFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, bps10000)
	den.Add(den, withFee)
	return num.Quo(num, den), nil
}

// V2PriceImpactBps derives the relative price move caused by a swap from the
// pre/post reserve ratios, in basis points. Integer math throughout:
//
//	impact = (priceBefore - priceAfter) / priceBefore
//	       = 1 - (reserveOut'/reserveIn') / (reserveOut/reserveIn)
func V2PriceImpactBps(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (int64, error) {
	out, err := V2Quote(amountIn, reserveIn, reserveOut, feeBps)
	if err != nil {
		return 0, err
	}
	newIn := new(big.Int).Add(reserveIn, amountIn)
	newOut := new(big.Int).Sub(reserveOut, out)
	if newOut.Sign() <= 0 {
		return 10000, nil
	}
	// impactBps = 10000 * (1 - (newOut*reserveIn)/(newIn*reserveOut))
	num := new(big.Int).Mul(newOut, reserveIn)
	num.Mul(num, bps10000)
	den := new(big.Int).Mul(newIn, reserveOut)
	ratio := num.Quo(num, den)
	impact := new(big.Int).Sub(bps10000, ratio)
	if impact.Sign() < 0 {
		impact.SetInt64(0)
	}
	return impact.Int64(), nil
}

// V2Quoter adapts a directed V2 pool view to the Quoter interface.
type V2Quoter struct {
	ReserveIn  *big.Int
	ReserveOut *big.Int
	FeeBps     uint32
}

func (q V2Quoter) Quote(amountIn *big.Int) (*big.Int, error) {
	return V2Quote(amountIn, q.ReserveIn, q.ReserveOut, q.FeeBps)
}

func (q V2Quoter) PriceImpactBps(amountIn *big.Int) (int64, error) {
	return V2PriceImpactBps(amountIn, q.ReserveIn, q.ReserveOut, q.FeeBps)
}

// FeePips reports the fee in basis-point hundredths, the unit V3 uses.
func (q V2Quoter) FeePips() uint32 { return q.FeeBps * 100 }

// Smooth reports that the profit curve through this pool has no kinks, so
// the optimizer may binary-search it.
func (V2Quoter) Smooth() bool { return true }

// DepthIn returns the input-side reserve, used to bound optimal-size search.
func (q V2Quoter) DepthIn() *big.Int { return new(big.Int).Set(q.ReserveIn) }

func (q V2Quoter) String() string {
	return fmt.Sprintf("v2(in=%s out=%s fee=%dbps)", q.ReserveIn, q.ReserveOut, q.FeeBps)
}
