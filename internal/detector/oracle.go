package detector

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// USDOracle resolves a token's USD price at the 8-decimal scale. Stablecoin
// legs are pinned to $1; everything else derives from a live pool pairing
// the token with a stable, falling back to CEX trade prints fed in via
// SetPrice.
type USDOracle struct {
	book    *PoolBook
	stables map[protocol.InstrumentID]bool

	mu     sync.RWMutex
	prices map[protocol.InstrumentID]*big.Int // 8-dec USD per whole token
}

func NewUSDOracle(book *PoolBook, stables []protocol.InstrumentID) *USDOracle {
	set := make(map[protocol.InstrumentID]bool, len(stables))
	for _, s := range stables {
		set[s] = true
	}
	return &USDOracle{
		book:    book,
		stables: set,
		prices:  make(map[protocol.InstrumentID]*big.Int),
	}
}

// SetPrice records an externally observed USD price (a Trade print for a
// configured reference feed).
func (o *USDOracle) SetPrice(token protocol.InstrumentID, priceUSD fixedpoint.Amount) error {
	p, err := priceUSD.Rescale(fixedpoint.USDDecimals)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.prices[token] = p.Value()
	o.mu.Unlock()
	return nil
}

// TokenPriceUSD returns the 8-decimal USD price of one whole token.
func (o *USDOracle) TokenPriceUSD(token protocol.InstrumentID) (*big.Int, error) {
	if o.stables[token] {
		return new(big.Int).Set(fixedpoint.Pow10(fixedpoint.USDDecimals)), nil
	}
	o.mu.RLock()
	if p, ok := o.prices[token]; ok {
		o.mu.RUnlock()
		return new(big.Int).Set(p), nil
	}
	o.mu.RUnlock()

	// Derive from any fresh pool pairing the token with a stable.
	for stable := range o.stables {
		key := newPairKey(token, stable)
		for _, poolID := range o.book.pairs[key] {
			entry := o.book.pools[poolID]
			if entry == nil {
				continue
			}
			price, err := entry.PriceScaled()
			if err != nil || price.Sign() <= 0 {
				continue
			}
			if entry.State.Token0 == token {
				// price is stable-per-token: already USD.
				return price, nil
			}
			// price is token-per-stable: invert at the USD scale.
			scale := new(big.Int).Mul(fixedpoint.Pow10(fixedpoint.USDDecimals), fixedpoint.Pow10(fixedpoint.USDDecimals))
			return scale.Quo(scale, price), nil
		}
	}
	return nil, fmt.Errorf("detector: no USD price source for %s", token)
}

// GasOracle estimates the USD cost of executing one arbitrage transaction.
type GasOracle interface {
	GasCostUSD(ctx context.Context) (fixedpoint.Amount, error)
}

// gasPricer is the slice of ethclient.Client the RPC gas oracle needs.
type gasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// RPCGasOracle polls the network gas price and converts a fixed per-trade
// gas-unit estimate (a dual-swap router call) into USD via the native
// token's oracle price.
type RPCGasOracle struct {
	client      gasPricer
	usd         *USDOracle
	nativeToken protocol.InstrumentID
	// GasUnits is the per-trade execution estimate (~280k for two V2 swaps
	// through a router).
	gasUnits uint64
	limiter  *rate.Limiter

	mu       sync.Mutex
	cached   *big.Int
	cachedAt time.Time
	ttl      time.Duration
}

func NewRPCGasOracle(client gasPricer, usd *USDOracle, nativeToken protocol.InstrumentID, gasUnits uint64) *RPCGasOracle {
	if gasUnits == 0 {
		gasUnits = 280_000
	}
	return &RPCGasOracle{
		client:      client,
		usd:         usd,
		nativeToken: nativeToken,
		gasUnits:    gasUnits,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 1),
		ttl:         15 * time.Second,
	}
}

// GasCostUSD returns gasPrice * gasUnits * nativeUSD, at the 8-decimal USD
// scale. The gas price is cached briefly so detection never stalls on RPC.
func (g *RPCGasOracle) GasCostUSD(ctx context.Context) (fixedpoint.Amount, error) {
	gasPrice, err := g.gasPrice(ctx)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	nativeUSD, err := g.usd.TokenPriceUSD(g.nativeToken)
	if err != nil {
		return fixedpoint.Amount{}, err
	}
	// wei * units * usd8 / 1e18 -> usd8
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(g.gasUnits))
	cost.Mul(cost, nativeUSD)
	cost.Quo(cost, fixedpoint.Pow10(18))
	return fixedpoint.New(cost, fixedpoint.USDDecimals)
}

func (g *RPCGasOracle) gasPrice(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	if g.cached != nil && time.Since(g.cachedAt) < g.ttl {
		p := new(big.Int).Set(g.cached)
		g.mu.Unlock()
		return p, nil
	}
	g.mu.Unlock()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	p, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		// Serve a stale price rather than stalling detection.
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.cached != nil {
			return new(big.Int).Set(g.cached), nil
		}
		return nil, fmt.Errorf("detector: gas price: %w", err)
	}
	g.mu.Lock()
	g.cached = new(big.Int).Set(p)
	g.cachedAt = time.Now()
	g.mu.Unlock()
	return p, nil
}
