// Package bridge translates MarketData and Signal TLV streams into the
// filtered JSON WebSocket feed the dashboard consumes. It is the only
// component permitted to turn fixed-point into decimal strings.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dawsh2/alphapulse/internal/registry"
	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

// Config wires one dashboard bridge.
type Config struct {
	Listen         string
	MarketDataPath string
	SignalPath     string
	// QueueSize bounds each client's outbound JSON queue (drop-oldest).
	QueueSize int
	// PendingWindow bounds how long a frame may wait for its instrument
	// mapping before being dropped.
	PendingWindow time.Duration
	// MetricsInterval paces the system metrics frame.
	MetricsInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.PendingWindow <= 0 {
		c.PendingWindow = 5 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 5 * time.Second
	}
}

// pendingMsg is a decoded message waiting for its instrument mapping.
type pendingMsg struct {
	msg     protocol.Message
	addedAt time.Time
}

// Bridge is the dashboard WebSocket server plus its two relay consumers.
type Bridge struct {
	cfg Config
	log *zap.Logger
	reg *registry.Registry

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	pending []pendingMsg

	tradeCount uint64
	lastRate   float64

	lnAddr net.Addr
	ready  chan struct{}
}

// New builds a bridge.
func New(cfg Config, log *zap.Logger) *Bridge {
	cfg.applyDefaults()
	return &Bridge{
		cfg:      cfg,
		log:      log.Named("bridge"),
		reg:      registry.New(),
		clients:  make(map[*client]bool),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ready:    make(chan struct{}),
	}
}

// Addr reports the bound listen address once Start has opened it.
func (b *Bridge) Addr() net.Addr {
	<-b.ready
	return b.lnAddr
}

// Start serves until ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return err
	}
	b.lnAddr = ln.Addr()
	close(b.ready)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		b.handleWS(ctx, w, r)
	})
	srv := &http.Server{Handler: mux}

	go b.consume(ctx, b.cfg.MarketDataPath, protocol.DomainMarketData)
	go b.consume(ctx, b.cfg.SignalPath, protocol.DomainSignal)
	go b.metricsLoop(ctx)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	b.log.Info("dashboard bridge listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// consume runs one relay subscription with reconnect backoff.
func (b *Bridge) consume(ctx context.Context, path string, domain protocol.Domain) {
	backoff := time.Second
	for {
		err := b.consumeOnce(ctx, path, domain)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("relay consumer ended, reconnecting",
			zap.String("domain", domain.String()), zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (b *Bridge) consumeOnce(ctx context.Context, path string, domain protocol.Domain) error {
	sub, err := relayclient.DialSubscriber(ctx, path, domain)
	if err != nil {
		return err
	}
	defer sub.Close()
	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	for {
		_, msgs, err := sub.Next()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			b.handleMessage(m)
		}
	}
}

// handleMessage resolves ids and fans rendered frames out to clients.
// Frames whose mapping is unknown wait in a bounded pending buffer.
func (b *Bridge) handleMessage(m protocol.Message) {
	switch m := m.(type) {
	case protocol.InstrumentMapping:
		b.reg.Apply(m)
		b.flushPending()
		return
	case protocol.Trade, protocol.ArbitrageSignal:
		if !b.render(m) {
			b.mu.Lock()
			b.expirePendingLocked()
			b.pending = append(b.pending, pendingMsg{msg: m, addedAt: time.Now()})
			b.mu.Unlock()
		}
	default:
		// Pool-level messages feed the detector, not the dashboard.
	}
}

// render resolves and broadcasts one message; returns false when a mapping
// is still missing.
func (b *Bridge) render(m protocol.Message) bool {
	switch m := m.(type) {
	case protocol.Trade:
		desc, ok := b.reg.Descriptor(m.Instrument)
		if !ok {
			return false
		}
		side := "buy"
		if m.Side == protocol.SideSell {
			side = "sell"
		}
		b.mu.Lock()
		b.tradeCount++
		b.mu.Unlock()
		b.broadcast(desc, tradeFrame{
			MsgType:    "trade",
			Instrument: desc,
			Price:      renderAmount(m.Price),
			Volume:     renderAmount(m.Size),
			TsNs:       m.VenueTsNano,
			Side:       side,
		})
		return true
	case protocol.ArbitrageSignal:
		buyDesc, okBuy := b.reg.Descriptor(m.BuyPool)
		sellDesc, okSell := b.reg.Descriptor(m.SellPool)
		if !okBuy || !okSell {
			return false
		}
		frame := arbitrageFrame{
			MsgType:           "arbitrage",
			Buy:               buyDesc,
			Sell:              sellDesc,
			Input:             renderAmount(m.OptimalInput),
			ExpectedOutput:    renderAmount(m.ExpectedOutput),
			ExpectedProfitUSD: renderAmount(m.ExpectedProfitUSD),
			GasUSD:            renderAmount(m.GasEstimateUSD),
			NetProfitUSD:      renderAmount(m.NetProfitUSD),
		}
		b.broadcast(buyDesc, frame)
		return true
	}
	return true
}

// flushPending retries buffered frames after a new mapping arrives.
func (b *Bridge) flushPending() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, p := range pending {
		if time.Since(p.addedAt) > b.cfg.PendingWindow {
			continue
		}
		if !b.render(p.msg) {
			b.mu.Lock()
			b.pending = append(b.pending, p)
			b.mu.Unlock()
		}
	}
}

func (b *Bridge) expirePendingLocked() {
	cutoff := time.Now().Add(-b.cfg.PendingWindow)
	kept := b.pending[:0]
	for _, p := range b.pending {
		if p.addedAt.After(cutoff) {
			kept = append(kept, p)
		}
	}
	b.pending = kept
}

// broadcast sends a frame to every client whose subscription covers the
// instrument, applying drop-oldest backpressure per client.
func (b *Bridge) broadcast(instrument string, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		b.log.Error("frame marshal failed", zap.Error(err))
		return
	}
	b.mu.Lock()
	for c := range b.clients {
		if c.wants(instrument) {
			c.queue.push(raw)
		}
	}
	b.mu.Unlock()
}

func (b *Bridge) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			rate := float64(b.tradeCount) / b.cfg.MetricsInterval.Seconds()
			b.tradeCount = 0
			b.lastRate = rate
			frame := metricsFrame{
				MsgType:           "metrics",
				TradesPerSecond:   rate,
				ActiveConnections: len(b.clients),
				PendingFrames:     len(b.pending),
			}
			clients := make([]*client, 0, len(b.clients))
			for c := range b.clients {
				clients = append(clients, c)
			}
			b.mu.Unlock()

			raw, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			for _, c := range clients {
				c.queue.push(raw)
			}
		}
	}
}

func (b *Bridge) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(conn, b.cfg.QueueSize)

	b.mu.Lock()
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Info("dashboard client connected", zap.Int("clients", n))

	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		c.close()
	}()

	go c.writeLoop(ctx)
	c.readLoop(b.log)
}
