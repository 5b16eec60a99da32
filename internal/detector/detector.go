// Package detector maintains a live pool-state view from the MarketData
// stream and hunts for profitable buy/sell pool pairs, emitting
// ArbitrageSignal messages to the Signal relay. All math is exact integer
// arithmetic; the profitability, plausibility, and freshness guards are
// load-bearing and must not be removed.
package detector

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/dawsh2/alphapulse/pkg/amm"
	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

// Config tunes one detector instance.
type Config struct {
	MarketDataPath string
	SignalPath     string
	Source         protocol.SourceID

	// MinProfitUSD is the emission threshold at the 8-decimal USD scale.
	MinProfitUSD fixedpoint.Amount
	// MaxImpactBps rejects sizes whose per-leg price impact exceeds this.
	MaxImpactBps int64
	// SafetyMarginBps widens the fee-sum prefilter.
	SafetyMarginBps int64
	// MaxProfitMarginBps is the plausibility ceiling: computed profit above
	// this fraction of notional indicates stale state or a decode error.
	MaxProfitMarginBps int64
	// StalenessWindow rejects pairs whose counterpart has not updated
	// recently.
	StalenessWindow time.Duration
	// EvalBudget bounds wall-clock time spent on a single pair.
	EvalBudget time.Duration
	// MinTradeQuote is the smallest input size, in raw quote-token units.
	MinTradeQuote int64

	// PriceFeeds maps a Trade instrument (a CEX product) to the token whose
	// USD price it quotes.
	PriceFeeds map[protocol.InstrumentID]protocol.InstrumentID
}

func (c *Config) applyDefaults() {
	if c.MaxImpactBps <= 0 {
		c.MaxImpactBps = 200
	}
	if c.SafetyMarginBps <= 0 {
		c.SafetyMarginBps = 10
	}
	if c.MaxProfitMarginBps <= 0 {
		c.MaxProfitMarginBps = 1000
	}
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 5 * time.Second
	}
	if c.EvalBudget <= 0 {
		c.EvalBudget = 10 * time.Millisecond
	}
	if c.MinTradeQuote <= 0 {
		c.MinTradeQuote = 1_000
	}
	if c.MinProfitUSD.IsZero() {
		c.MinProfitUSD = fixedpoint.FromInt64(50_000_000, fixedpoint.USDDecimals) // $0.50
	}
}

// Recorder persists emitted signals off the hot path.
type Recorder interface {
	RecordSignal(sig protocol.ArbitrageSignal, at time.Time) error
}

// Metrics counts detector outcomes.
type Metrics struct {
	Evaluations          uint64
	Emitted              uint64
	RejectedSpread       uint64
	RejectedStale        uint64
	RejectedUnprofitable uint64
	RejectedImplausible  uint64
	RejectedImpact       uint64
	RejectedGas          uint64
	BudgetExhausted      uint64
}

// Detector consumes MarketData and produces Signals.
type Detector struct {
	cfg  Config
	log  *zap.Logger
	book *PoolBook
	usd  *USDOracle
	gas  GasOracle

	emit     func(protocol.ArbitrageSignal) error
	recorder Recorder
	recCh    chan protocol.ArbitrageSignal
	now      func() time.Time

	metrics Metrics
}

// New builds a detector. stables lists the instrument ids treated as $1.
func New(cfg Config, gas GasOracle, stables []protocol.InstrumentID, recorder Recorder, log *zap.Logger) *Detector {
	cfg.applyDefaults()
	book := NewPoolBook()
	d := &Detector{
		cfg:      cfg,
		log:      log.Named("detector"),
		book:     book,
		usd:      NewUSDOracle(book, stables),
		gas:      gas,
		recorder: recorder,
		now:      time.Now,
	}
	if recorder != nil {
		d.recCh = make(chan protocol.ArbitrageSignal, 256)
	}
	return d
}

// USD exposes the oracle so a co-hosted gas oracle can share it.
func (d *Detector) USD() *USDOracle { return d.usd }

// SetGasOracle installs the gas estimator. The RPC-backed oracle needs the
// detector's USD oracle, so it is wired after construction; call before
// Start.
func (d *Detector) SetGasOracle(gas GasOracle) { d.gas = gas }

// Metrics snapshots the counters. Single-writer: call from tests or after
// Start returns.
func (d *Detector) MetricsSnapshot() Metrics { return d.metrics }

// Start consumes the MarketData relay until ctx ends, reconnecting with
// backoff on stream failure.
func (d *Detector) Start(ctx context.Context) error {
	if d.recCh != nil {
		go d.recordLoop(ctx)
	}
	backoff := time.Second
	for {
		err := d.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		d.log.Warn("stream cycle ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (d *Detector) runOnce(ctx context.Context) error {
	sub, err := relayclient.DialSubscriber(ctx, d.cfg.MarketDataPath, protocol.DomainMarketData)
	if err != nil {
		return err
	}
	defer sub.Close()

	pub, err := relayclient.DialPublisher(ctx, d.cfg.SignalPath, protocol.DomainSignal, d.cfg.Source)
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := pub.Reset(0); err != nil {
		return err
	}
	d.emit = func(sig protocol.ArbitrageSignal) error { return pub.Publish(sig) }

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		_, msgs, err := sub.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, m := range msgs {
			d.handleMessage(ctx, m)
		}
	}
}

// handleMessage folds one MarketData message into the book and triggers
// evaluation where state changed. Messages violating invariants are dropped
// and never influence signals.
func (d *Detector) handleMessage(ctx context.Context, m protocol.Message) {
	now := d.now()
	switch m := m.(type) {
	case protocol.PoolState:
		if err := d.book.ApplyState(m, now); err != nil {
			d.log.Warn("rejecting pool state", zap.Error(err))
		}
	case protocol.PoolSync:
		if err := d.book.ApplySync(m, now); err != nil {
			d.log.Warn("rejecting pool sync", zap.Error(err))
			return
		}
		d.evaluate(ctx, m.Pool)
	case protocol.PoolSwap:
		if err := d.book.ApplySwap(m, now); err != nil {
			d.log.Warn("rejecting pool swap", zap.Error(err))
			return
		}
		d.evaluate(ctx, m.Pool)
	case protocol.PoolMint:
		d.book.ApplyLiquidity(m.Pool, now)
	case protocol.PoolBurn:
		d.book.ApplyLiquidity(m.Pool, now)
	case protocol.Trade:
		if token, ok := d.cfg.PriceFeeds[m.Instrument]; ok {
			if err := d.usd.SetPrice(token, m.Price); err != nil {
				d.log.Warn("rejecting price feed print", zap.Error(err))
			}
		}
	case protocol.Unknown:
		// Experimental or unrecognized traffic never touches the book.
	}
}

// evaluate scans every candidate sharing the updated pool's token pair.
func (d *Detector) evaluate(ctx context.Context, poolID protocol.InstrumentID) {
	start := d.now()
	entry := d.book.Get(poolID)
	if entry == nil {
		return
	}
	for _, candID := range d.book.Candidates(poolID) {
		if d.now().Sub(start) > d.cfg.EvalBudget {
			d.metrics.BudgetExhausted++
			return
		}
		cand := d.book.Get(candID)
		if cand == nil {
			continue
		}
		d.metrics.Evaluations++
		if !cand.Fresh(d.now(), d.cfg.StalenessWindow) || !entry.Fresh(d.now(), d.cfg.StalenessWindow) {
			d.metrics.RejectedStale++
			continue
		}
		if sig := d.evaluatePair(ctx, entry, cand, start); sig != nil {
			d.metrics.Emitted++
			if d.emit != nil {
				if err := d.emit(*sig); err != nil {
					d.log.Warn("signal emission failed", zap.Error(err))
				}
			}
			if d.recCh != nil {
				select {
				case d.recCh <- *sig:
				default:
					// Persistence must never block detection.
				}
			}
		}
	}
}

// evaluatePair runs the full guard stack on one candidate pair and returns
// a signal when every guard passes.
func (d *Detector) evaluatePair(ctx context.Context, a, b *PoolEntry, start time.Time) *protocol.ArbitrageSignal {
	// Pools on EVM venues order token0 < token1 by address, so shared pairs
	// align; anything else is a data error.
	if a.State.Token0 != b.State.Token0 || a.State.Token1 != b.State.Token1 {
		return nil
	}

	priceA, err := a.PriceScaled()
	if err != nil {
		return nil
	}
	priceB, err := b.PriceScaled()
	if err != nil {
		return nil
	}
	if priceA.Sign() <= 0 || priceB.Sign() <= 0 || priceA.Cmp(priceB) == 0 {
		return nil
	}

	buy, sell := a, b
	if priceA.Cmp(priceB) > 0 {
		buy, sell = b, a
	}

	spreadBps := spreadBps(priceA, priceB)
	feeSumBps := int64(a.State.FeePips/100 + b.State.FeePips/100)
	if spreadBps <= feeSumBps+d.cfg.SafetyMarginBps {
		d.metrics.RejectedSpread++
		return nil
	}

	buyQ, sellQ, err := quoters(buy, sell)
	if err != nil {
		d.log.Warn("cannot build quoters", zap.Error(err))
		return nil
	}
	maxTrade := d.maxTrade(buy, sell)
	if maxTrade == nil || maxTrade.Sign() <= 0 {
		return nil
	}
	res, err := amm.FindOptimalSize(buyQ, sellQ, big.NewInt(d.cfg.MinTradeQuote), maxTrade)
	if err != nil || res.Profit.Sign() <= 0 {
		d.metrics.RejectedUnprofitable++
		return nil
	}
	if d.now().Sub(start) > d.cfg.EvalBudget {
		d.metrics.BudgetExhausted++
		return nil
	}

	// Plausibility: profit beyond the sanity ceiling means the book is
	// stale or an event decoded wrong. Emit nothing.
	marginBps := new(big.Int).Mul(res.Profit, big.NewInt(10_000))
	marginBps.Quo(marginBps, res.Input)
	if marginBps.Int64() > d.cfg.MaxProfitMarginBps {
		d.metrics.RejectedImplausible++
		d.log.Warn("implausible profit margin, dropping",
			zap.Int64("margin_bps", marginBps.Int64()),
			zap.String("buy", buy.State.Pool.String()),
			zap.String("sell", sell.State.Pool.String()))
		return nil
	}
	if res.BuyImpactBps > d.cfg.MaxImpactBps || res.SellImpactBps > d.cfg.MaxImpactBps {
		d.metrics.RejectedImpact++
		return nil
	}

	// Profit is denominated in the quote token (token1 of the pair).
	quoteDec := buy.State.Token1Decimals
	quoteUSD, err := d.usd.TokenPriceUSD(buy.State.Token1)
	if err != nil {
		d.log.Warn("no USD conversion for quote token", zap.Error(err))
		return nil
	}
	grossUSDInt := new(big.Int).Mul(res.Profit, quoteUSD)
	grossUSDInt.Quo(grossUSDInt, fixedpoint.Pow10(quoteDec))
	grossUSD, err := fixedpoint.New(grossUSDInt, fixedpoint.USDDecimals)
	if err != nil {
		return nil
	}

	if d.gas == nil {
		d.log.Warn("no gas oracle configured, dropping candidate")
		return nil
	}
	gasUSD, err := d.gas.GasCostUSD(ctx)
	if err != nil {
		d.log.Warn("no gas estimate, dropping candidate", zap.Error(err))
		return nil
	}
	if grossUSD.Cmp(gasUSD) <= 0 {
		d.metrics.RejectedGas++
		return nil
	}
	netUSD, err := grossUSD.Sub(gasUSD)
	if err != nil || netUSD.Sign() <= 0 || netUSD.Cmp(d.cfg.MinProfitUSD) < 0 {
		d.metrics.RejectedGas++
		return nil
	}

	input, err := fixedpoint.New(res.Input, quoteDec)
	if err != nil {
		return nil
	}
	output, err := fixedpoint.New(res.Output, quoteDec)
	if err != nil {
		return nil
	}

	return &protocol.ArbitrageSignal{
		BuyPool:           buy.State.Pool,
		SellPool:          sell.State.Pool,
		OptimalInput:      input,
		ExpectedOutput:    output,
		ExpectedProfitUSD: grossUSD,
		GasEstimateUSD:    gasUSD,
		NetProfitUSD:      netUSD,
		Confidence:        confidence(spreadBps, feeSumBps),
	}
}

// maxTrade bounds the search at 1% of each leg's quote-side depth.
func (d *Detector) maxTrade(buy, sell *PoolEntry) *big.Int {
	hundredth := func(v *big.Int) *big.Int {
		out := new(big.Int).Quo(v, big.NewInt(100))
		return out
	}
	var bounds []*big.Int
	if buy.State.Kind == protocol.PoolV2 {
		bounds = append(bounds, hundredth(buy.State.Reserve1.Value()))
	}
	if sell.State.Kind == protocol.PoolV2 {
		bounds = append(bounds, hundredth(sell.State.Reserve1.Value()))
	}
	if len(bounds) == 0 {
		// Both legs V3: bound by the input that moves the buy pool's price
		// roughly 1%: liquidity * sqrtP / (100 * 2^96) quote units.
		s := buy.State
		if s.Liquidity == nil || s.SqrtPriceX96 == nil {
			return nil
		}
		b := new(big.Int).Mul(s.Liquidity, s.SqrtPriceX96)
		b.Quo(b, new(big.Int).Lsh(big.NewInt(100), 96))
		bounds = append(bounds, b)
	}
	min := bounds[0]
	for _, b := range bounds[1:] {
		if b.Cmp(min) < 0 {
			min = b
		}
	}
	return min
}

// spreadBps is |pA - pB| / min(pA, pB) in basis points.
func spreadBps(pA, pB *big.Int) int64 {
	diff := new(big.Int).Sub(pA, pB)
	diff.Abs(diff)
	min := pA
	if pB.Cmp(min) < 0 {
		min = pB
	}
	diff.Mul(diff, big.NewInt(10_000))
	return diff.Quo(diff, min).Int64()
}

// confidence grows with the cushion between spread and fees.
func confidence(spreadBps, feeSumBps int64) uint8 {
	c := 50 + (spreadBps-feeSumBps)/2
	if c > 100 {
		c = 100
	}
	if c < 1 {
		c = 1
	}
	return uint8(c)
}

func (d *Detector) recordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.recCh:
			if err := d.recorder.RecordSignal(sig, d.now()); err != nil {
				d.log.Warn("signal persistence failed", zap.Error(err))
			}
		}
	}
}
