// Package polygon connects one EVM WebSocket endpoint to the MarketData
// relay: it snapshots the watched pools over HTTP RPC, subscribes to the
// Uniswap V2/V3 pool events, and converts raw logs into typed TLV messages
// with exact native-decimal amounts.
package polygon

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dawsh2/alphapulse/internal/adapter"
	"github.com/dawsh2/alphapulse/internal/registry"
	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

// Client is the slice of ethclient.Client the adapter needs; tests provide
// fakes.
type Client interface {
	contractCaller
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// PoolConfig describes one watched pool.
type PoolConfig struct {
	Address common.Address
	Venue   string
	Kind    protocol.PoolKind
	// FeeBps applies to V2 pools (V3 pools report their fee on chain).
	FeeBps uint32
}

// Config wires one Polygon adapter instance.
type Config struct {
	Chain     string
	Source    protocol.SourceID
	RelayPath string
	Pools     []PoolConfig
	// DedupSize bounds the (txHash, logIndex) LRU.
	DedupSize int
	// IdleTimeout is the silence window after which the upstream is
	// presumed dead; the adapter reconnects after twice this.
	IdleTimeout time.Duration
	// RPCRateLimit caps snapshot calls per second.
	RPCRateLimit int
}

func (c *Config) applyDefaults() {
	if c.Chain == "" {
		c.Chain = "polygon"
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 8192
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.RPCRateLimit <= 0 {
		c.RPCRateLimit = 20
	}
}

type dedupKey struct {
	tx    common.Hash
	index uint
}

type poolMeta struct {
	cfg      PoolConfig
	token0   common.Address
	token1   common.Address
	dec0     uint8
	dec1     uint8
	id       protocol.InstrumentID
	token0ID protocol.InstrumentID
	token1ID protocol.InstrumentID
	feePips  uint32

	snapshotted bool
	watched     bool
	lastState   protocol.PoolState
}

// Adapter is the Polygon DEX connector.
type Adapter struct {
	cfg     Config
	log     *zap.Logger
	client  Client
	reg     *registry.Registry
	limiter *rate.Limiter
	dedup   *lru.Cache[dedupKey, struct{}]

	decimals map[common.Address]uint8

	mu    sync.Mutex
	pools map[common.Address]*poolMeta
	pub   *relayclient.Publisher

	cancel context.CancelFunc
}

var _ adapter.Adapter = (*Adapter)(nil)

// New builds an adapter over an established EVM client.
func New(cfg Config, client Client, log *zap.Logger) (*Adapter, error) {
	cfg.applyDefaults()
	if len(cfg.Pools) == 0 {
		return nil, errors.New("polygon: no pools configured")
	}
	dedup, err := lru.New[dedupKey, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.Named("polygon"),
		client:   client,
		reg:      registry.New(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPCRateLimit), cfg.RPCRateLimit),
		dedup:    dedup,
		decimals: make(map[common.Address]uint8),
		pools:    make(map[common.Address]*poolMeta),
	}
	for _, p := range cfg.Pools {
		a.pools[p.Address] = &poolMeta{cfg: p, watched: true}
	}
	return a, nil
}

// Start runs connect/snapshot/stream cycles until ctx ends. Transient
// failures back off exponentially with a capped delay.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	backoff := time.Second
	for {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("upstream cycle ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))
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

// Stop tears the adapter down.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.pub != nil {
		a.pub.Close()
		a.pub = nil
	}
	a.mu.Unlock()
}

// Subscribe narrows the watched set to the given pool ids. Unknown ids are
// ignored; an empty set watches everything configured.
func (a *Adapter) Subscribe(ids []protocol.InstrumentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(ids) == 0 {
		for _, m := range a.pools {
			m.watched = true
		}
		return nil
	}
	want := make(map[protocol.InstrumentID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, m := range a.pools {
		m.watched = want[m.id]
	}
	return nil
}

// StateSnapshot returns the latest PoolState per snapshotted pool.
func (a *Adapter) StateSnapshot() []protocol.PoolState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.PoolState, 0, len(a.pools))
	for _, m := range a.pools {
		if m.snapshotted {
			out = append(out, m.lastState)
		}
	}
	return out
}

// runOnce performs one full cycle: claim the writer role, announce the
// sequence base, snapshot every pool, then stream events until the upstream
// or the relay fails.
func (a *Adapter) runOnce(ctx context.Context) error {
	pub, err := relayclient.DialPublisher(ctx, a.cfg.RelayPath, protocol.DomainMarketData, a.cfg.Source)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.pub = pub
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.pub == pub {
			a.pub = nil
		}
		a.mu.Unlock()
		pub.Close()
	}()

	if err := pub.Reset(0); err != nil {
		return err
	}
	if err := a.snapshotAll(ctx, pub); err != nil {
		return err
	}

	logs := make(chan types.Log, 1024)
	query := ethereum.FilterQuery{
		Addresses: a.poolAddresses(),
		Topics:    [][]common.Hash{watchedTopics()},
	}
	sub, err := a.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("polygon: subscribe logs: %w", err)
	}
	defer sub.Unsubscribe()
	a.log.Info("streaming pool events", zap.Int("pools", len(a.cfg.Pools)))

	idle := time.NewTimer(2 * a.cfg.IdleTimeout)
	defer idle.Stop()
	retry := time.NewTicker(30 * time.Second)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("polygon: subscription: %w", err)
		case <-idle.C:
			return fmt.Errorf("polygon: no events within %s", 2*a.cfg.IdleTimeout)
		case <-retry.C:
			// Pools whose startup snapshot failed stay silent until a
			// snapshot lands; keep retrying them.
			for _, addr := range a.unsnapshotted() {
				if err := a.snapshotPool(ctx, pub, addr); err != nil {
					a.log.Warn("pool snapshot retry failed",
						zap.String("pool", addr.Hex()), zap.Error(err))
				}
			}
		case lg := <-logs:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(2 * a.cfg.IdleTimeout)
			if err := a.handleLog(pub, lg); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) unsnapshotted() []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []common.Address
	for addr, m := range a.pools {
		if !m.snapshotted {
			out = append(out, addr)
		}
	}
	return out
}

func (a *Adapter) poolAddresses() []common.Address {
	out := make([]common.Address, 0, len(a.cfg.Pools))
	for _, p := range a.cfg.Pools {
		out = append(out, p.Address)
	}
	return out
}

// snapshotAll discovers pool metadata, emits mappings, and publishes a
// PoolState per pool. A pool whose snapshot fails stays un-snapshotted; its
// incremental events are dropped until the next cycle succeeds.
func (a *Adapter) snapshotAll(ctx context.Context, pub *relayclient.Publisher) error {
	okCount := 0
	for _, addr := range a.poolAddresses() {
		if err := a.snapshotPool(ctx, pub, addr); err != nil {
			if ctx.Err() != nil {
				return err
			}
			a.log.Warn("pool snapshot failed", zap.String("pool", addr.Hex()), zap.Error(err))
			continue
		}
		okCount++
	}
	if okCount == 0 {
		return errors.New("polygon: no pool snapshot succeeded")
	}
	return nil
}

func (a *Adapter) snapshotPool(ctx context.Context, pub *relayclient.Publisher, addr common.Address) error {
	a.mu.Lock()
	meta := a.pools[addr]
	a.mu.Unlock()

	if meta.token0 == (common.Address{}) {
		token0, err := a.callAddress(ctx, addr, selToken0)
		if err != nil {
			return err
		}
		token1, err := a.callAddress(ctx, addr, selToken1)
		if err != nil {
			return err
		}
		dec0, err := a.tokenDecimals(ctx, token0)
		if err != nil {
			return err
		}
		dec1, err := a.tokenDecimals(ctx, token1)
		if err != nil {
			return err
		}
		meta.token0, meta.token1 = token0, token1
		meta.dec0, meta.dec1 = dec0, dec1
		meta.id, _ = a.reg.Register(protocol.DEXDescriptor(meta.cfg.Venue, a.cfg.Chain, addr, token0, token1))
		meta.token0ID, _ = a.reg.Register(protocol.TokenDescriptor(a.cfg.Chain, a.cfg.Chain, token0))
		meta.token1ID, _ = a.reg.Register(protocol.TokenDescriptor(a.cfg.Chain, a.cfg.Chain, token1))
	}

	// Mappings go out on every cycle; the relay dedups for replay and live
	// subscribers tolerate repeats.
	for _, id := range []protocol.InstrumentID{meta.id, meta.token0ID, meta.token1ID} {
		desc, _ := a.reg.Descriptor(id)
		if err := pub.Publish(protocol.InstrumentMapping{Instrument: id, Descriptor: desc}); err != nil {
			return err
		}
	}

	state := protocol.PoolState{
		Pool:           meta.id,
		Token0:         meta.token0ID,
		Token1:         meta.token1ID,
		Token0Decimals: meta.dec0,
		Token1Decimals: meta.dec1,
		Kind:           meta.cfg.Kind,
	}
	switch meta.cfg.Kind {
	case protocol.PoolV2:
		snap, err := a.fetchV2Snapshot(ctx, addr)
		if err != nil {
			return err
		}
		feeBps := meta.cfg.FeeBps
		if feeBps == 0 {
			feeBps = 30
		}
		state.FeePips = feeBps * 100
		if state.Reserve0, err = fixedpoint.New(snap.reserve0, meta.dec0); err != nil {
			return err
		}
		if state.Reserve1, err = fixedpoint.New(snap.reserve1, meta.dec1); err != nil {
			return err
		}
	case protocol.PoolV3:
		snap, err := a.fetchV3Snapshot(ctx, addr)
		if err != nil {
			return err
		}
		state.FeePips = snap.feePips
		state.SqrtPriceX96 = snap.sqrtPriceX96
		state.Tick = snap.tick
		state.Liquidity = snap.liquidity
		state.TickSpacing = snap.tickSpacing
		state.Reserve0 = fixedpoint.Zero(meta.dec0)
		state.Reserve1 = fixedpoint.Zero(meta.dec1)
	default:
		return fmt.Errorf("polygon: pool %s has unknown kind %d", addr.Hex(), meta.cfg.Kind)
	}
	if err := state.Validate(); err != nil {
		return err
	}
	meta.feePips = state.FeePips

	if err := pub.Publish(state); err != nil {
		return err
	}
	a.mu.Lock()
	meta.lastState = state
	meta.snapshotted = true
	a.mu.Unlock()
	return nil
}

// handleLog converts one raw log to typed messages and publishes them.
// Decode failures drop the single event without resetting the sequence;
// only relay write errors propagate.
func (a *Adapter) handleLog(pub *relayclient.Publisher, lg types.Log) error {
	key := dedupKey{tx: lg.TxHash, index: lg.Index}
	if _, dup := a.dedup.Get(key); dup {
		return nil
	}
	a.dedup.Add(key, struct{}{})

	a.mu.Lock()
	meta := a.pools[lg.Address]
	a.mu.Unlock()
	if meta == nil || !meta.snapshotted || !meta.watched {
		return nil
	}

	ev, err := decodeLog(lg)
	if err != nil {
		a.log.Warn("dropping undecodable event",
			zap.String("tx", lg.TxHash.Hex()), zap.Uint("index", lg.Index), zap.Error(err))
		return nil
	}
	msg, err := a.convert(meta, ev)
	if err != nil {
		a.log.Warn("dropping unconvertible event",
			zap.String("tx", lg.TxHash.Hex()), zap.Error(err))
		return nil
	}
	if msg == nil {
		return nil
	}
	return pub.Publish(msg)
}

// convert maps a decoded event to its wire message and folds the state
// change into the pool's latest snapshot.
func (a *Adapter) convert(meta *poolMeta, ev *poolEvent) (protocol.Message, error) {
	switch ev.kind {
	case evV2Sync:
		r0, err := fixedpoint.New(ev.reserve0, meta.dec0)
		if err != nil {
			return nil, err
		}
		r1, err := fixedpoint.New(ev.reserve1, meta.dec1)
		if err != nil {
			return nil, err
		}
		if r0.Sign() <= 0 || r1.Sign() <= 0 {
			return nil, fmt.Errorf("polygon: sync with non-positive reserves")
		}
		a.mu.Lock()
		meta.lastState.Reserve0 = r0
		meta.lastState.Reserve1 = r1
		a.mu.Unlock()
		return protocol.PoolSync{Pool: meta.id, Reserve0: r0, Reserve1: r1}, nil

	case evV2Swap:
		var tokenIn, tokenOut protocol.InstrumentID
		var rawIn, rawOut *big.Int
		var decIn, decOut uint8
		if ev.amount0In.Sign() > 0 {
			tokenIn, tokenOut = meta.token0ID, meta.token1ID
			rawIn, rawOut = ev.amount0In, ev.amount1Out
			decIn, decOut = meta.dec0, meta.dec1
		} else {
			tokenIn, tokenOut = meta.token1ID, meta.token0ID
			rawIn, rawOut = ev.amount1In, ev.amount0Out
			decIn, decOut = meta.dec1, meta.dec0
		}
		in, err := fixedpoint.New(rawIn, decIn)
		if err != nil {
			return nil, err
		}
		out, err := fixedpoint.New(rawOut, decOut)
		if err != nil {
			return nil, err
		}
		return protocol.PoolSwap{
			Pool: meta.id, TokenIn: tokenIn, TokenOut: tokenOut,
			AmountIn: in, AmountOut: out,
		}, nil

	case evV3Swap:
		zeroForOne := ev.amount0.Sign() > 0
		var tokenIn, tokenOut protocol.InstrumentID
		var rawIn, rawOut *big.Int
		var decIn, decOut uint8
		if zeroForOne {
			tokenIn, tokenOut = meta.token0ID, meta.token1ID
			rawIn = ev.amount0
			rawOut = new(big.Int).Neg(ev.amount1)
			decIn, decOut = meta.dec0, meta.dec1
		} else {
			tokenIn, tokenOut = meta.token1ID, meta.token0ID
			rawIn = ev.amount1
			rawOut = new(big.Int).Neg(ev.amount0)
			decIn, decOut = meta.dec1, meta.dec0
		}
		in, err := fixedpoint.New(rawIn, decIn)
		if err != nil {
			return nil, err
		}
		out, err := fixedpoint.New(rawOut, decOut)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		meta.lastState.SqrtPriceX96 = ev.sqrtPriceX96
		meta.lastState.Tick = ev.tick
		meta.lastState.Liquidity = ev.liquidity
		a.mu.Unlock()
		return protocol.PoolSwap{
			Pool: meta.id, TokenIn: tokenIn, TokenOut: tokenOut,
			AmountIn: in, AmountOut: out,
			V3: true, SqrtPriceX96After: ev.sqrtPriceX96, TickAfter: ev.tick,
		}, nil

	case evV2Mint, evV3Mint, evV2Burn, evV3Burn:
		a0, err := fixedpoint.New(ev.amount0, meta.dec0)
		if err != nil {
			return nil, err
		}
		a1, err := fixedpoint.New(ev.amount1, meta.dec1)
		if err != nil {
			return nil, err
		}
		liq := protocol.PoolLiquidity{
			Pool: meta.id, Amount0: a0, Amount1: a1,
			TickLower: ev.tickLower, TickUpper: ev.tickUpper,
		}
		if ev.kind == evV2Mint || ev.kind == evV3Mint {
			return protocol.PoolMint{PoolLiquidity: liq}, nil
		}
		return protocol.PoolBurn{PoolLiquidity: liq}, nil
	}
	return nil, fmt.Errorf("polygon: unhandled event kind %d", ev.kind)
}
