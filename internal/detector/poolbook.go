package detector

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dawsh2/alphapulse/pkg/amm"
	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// pairKey is the unordered token-pair index key.
type pairKey struct {
	a, b protocol.InstrumentID
}

func newPairKey(x, y protocol.InstrumentID) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// PoolEntry is the live view of one pool, merged from its snapshot and
// every incremental update since.
type PoolEntry struct {
	State      protocol.PoolState
	LastUpdate time.Time
}

// Fresh reports whether the entry was updated within the staleness window.
func (e *PoolEntry) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(e.LastUpdate) <= window
}

// PoolBook indexes live pool state by pool id and by unordered token pair.
// It is single-writer: only the detector's consume loop mutates it.
type PoolBook struct {
	pools map[protocol.InstrumentID]*PoolEntry
	pairs map[pairKey][]protocol.InstrumentID
}

func NewPoolBook() *PoolBook {
	return &PoolBook{
		pools: make(map[protocol.InstrumentID]*PoolEntry),
		pairs: make(map[pairKey][]protocol.InstrumentID),
	}
}

// Get returns the entry for a pool id, or nil.
func (b *PoolBook) Get(id protocol.InstrumentID) *PoolEntry { return b.pools[id] }

// Len reports how many pools are tracked.
func (b *PoolBook) Len() int { return len(b.pools) }

// Candidates returns the other pools sharing a token pair with the given
// pool.
func (b *PoolBook) Candidates(id protocol.InstrumentID) []protocol.InstrumentID {
	entry := b.pools[id]
	if entry == nil {
		return nil
	}
	key := newPairKey(entry.State.Token0, entry.State.Token1)
	var out []protocol.InstrumentID
	for _, other := range b.pairs[key] {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

// ApplyState installs or replaces a pool snapshot. Invalid snapshots are
// rejected and must not be forwarded.
func (b *PoolBook) ApplyState(m protocol.PoolState, now time.Time) error {
	if err := m.Validate(); err != nil {
		return err
	}
	entry, exists := b.pools[m.Pool]
	if !exists {
		entry = &PoolEntry{}
		b.pools[m.Pool] = entry
		key := newPairKey(m.Token0, m.Token1)
		b.pairs[key] = append(b.pairs[key], m.Pool)
	}
	entry.State = m
	entry.LastUpdate = now
	return nil
}

// ApplySync folds a V2 reserve refresh into the book. Updates for unknown
// pools are ignored: the snapshot has not arrived yet.
func (b *PoolBook) ApplySync(m protocol.PoolSync, now time.Time) error {
	entry := b.pools[m.Pool]
	if entry == nil {
		return nil
	}
	if m.Reserve0.Sign() <= 0 || m.Reserve1.Sign() <= 0 {
		return fmt.Errorf("detector: sync for %s with non-positive reserves", m.Pool)
	}
	entry.State.Reserve0 = m.Reserve0
	entry.State.Reserve1 = m.Reserve1
	entry.LastUpdate = now
	return nil
}

// ApplySwap folds post-swap V3 state into the book; V2 swaps only refresh
// the timestamp (their Sync carries the reserves).
func (b *PoolBook) ApplySwap(m protocol.PoolSwap, now time.Time) error {
	entry := b.pools[m.Pool]
	if entry == nil {
		return nil
	}
	if m.V3 {
		if m.SqrtPriceX96After == nil || m.SqrtPriceX96After.Sign() <= 0 {
			return fmt.Errorf("detector: v3 swap for %s without sqrt price", m.Pool)
		}
		entry.State.SqrtPriceX96 = m.SqrtPriceX96After
		entry.State.Tick = m.TickAfter
	}
	entry.LastUpdate = now
	return nil
}

// ApplyLiquidity refreshes freshness on mint/burn. Tick-level liquidity
// deltas are not derivable from token amounts alone; the next PoolState
// snapshot trues the book up.
func (b *PoolBook) ApplyLiquidity(pool protocol.InstrumentID, now time.Time) {
	if entry := b.pools[pool]; entry != nil {
		entry.LastUpdate = now
	}
}

// PriceScaled returns the pool's instantaneous token1-per-token0 price,
// normalized for decimals, at the USD 8-decimal scale.
func (e *PoolEntry) PriceScaled() (*big.Int, error) {
	s := e.State
	shift := int(fixedpoint.USDDecimals) + int(s.Token0Decimals) - int(s.Token1Decimals)
	switch s.Kind {
	case protocol.PoolV2:
		r0, r1 := s.Reserve0.Value(), s.Reserve1.Value()
		if r0.Sign() <= 0 || r1.Sign() <= 0 {
			return nil, fmt.Errorf("detector: pool %s has empty reserves", s.Pool)
		}
		return scaledRatio(r1, r0, shift)
	case protocol.PoolV3:
		if s.SqrtPriceX96 == nil || s.SqrtPriceX96.Sign() <= 0 {
			return nil, fmt.Errorf("detector: pool %s has no sqrt price", s.Pool)
		}
		num := new(big.Int).Mul(s.SqrtPriceX96, s.SqrtPriceX96)
		den := new(big.Int).Lsh(big.NewInt(1), 192)
		return scaledRatio(num, den, shift)
	default:
		return nil, fmt.Errorf("detector: pool %s has unknown kind", s.Pool)
	}
}

func scaledRatio(num, den *big.Int, shift int) (*big.Int, error) {
	n := new(big.Int).Set(num)
	d := new(big.Int).Set(den)
	if shift >= 0 {
		n.Mul(n, pow10Int(shift))
	} else {
		d.Mul(d, pow10Int(-shift))
	}
	if d.Sign() == 0 {
		return nil, fmt.Errorf("detector: zero denominator")
	}
	return n.Quo(n, d), nil
}

func pow10Int(n int) *big.Int {
	out := big.NewInt(1)
	ten := big.NewInt(10)
	for i := 0; i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// quoters builds the directed AMM views for buying token0 on buyPool (quote
// token in) and selling it on sellPool.
func quoters(buy, sell *PoolEntry) (amm.Quoter, amm.Quoter, error) {
	buyQ, err := directedQuoter(buy, false)
	if err != nil {
		return nil, nil, err
	}
	sellQ, err := directedQuoter(sell, true)
	if err != nil {
		return nil, nil, err
	}
	return buyQ, sellQ, nil
}

// directedQuoter builds a Quoter for one leg. zeroForOne means token0 in.
func directedQuoter(e *PoolEntry, zeroForOne bool) (amm.Quoter, error) {
	s := e.State
	switch s.Kind {
	case protocol.PoolV2:
		feeBps := s.FeePips / 100
		if zeroForOne {
			return amm.V2Quoter{ReserveIn: s.Reserve0.Value(), ReserveOut: s.Reserve1.Value(), FeeBps: feeBps}, nil
		}
		return amm.V2Quoter{ReserveIn: s.Reserve1.Value(), ReserveOut: s.Reserve0.Value(), FeeBps: feeBps}, nil
	case protocol.PoolV3:
		state, err := amm.NewV3State(s.SqrtPriceX96, s.Liquidity, s.FeePips, s.TickSpacing, s.Tick, nil)
		if err != nil {
			return nil, err
		}
		return amm.V3Quoter{State: state, ZeroForOne: zeroForOne}, nil
	default:
		return nil, fmt.Errorf("detector: pool %s has unknown kind", s.Pool)
	}
}
