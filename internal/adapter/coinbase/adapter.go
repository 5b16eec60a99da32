// Package coinbase streams the Coinbase Exchange matches feed into Trade
// messages. The CEX path is not part of the hot arbitrage loop; it feeds
// USD reference prices and dashboard trades.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dawsh2/alphapulse/internal/adapter"
	"github.com/dawsh2/alphapulse/internal/registry"
	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

// Venue is the canonical venue name used in instrument descriptors.
const Venue = "coinbase"

// PriceDecimals is the fixed-point scale for CEX prices and sizes; feed
// strings parse straight into it without ever passing through a float.
const PriceDecimals = 8

// Config wires one Coinbase adapter.
type Config struct {
	URL       string
	Products  []string
	Source    protocol.SourceID
	RelayPath string
	// IdleTimeout is the expected heartbeat interval; silence beyond twice
	// this closes and reconnects.
	IdleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = "wss://ws-feed.exchange.coinbase.com"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Second
	}
}

type subscribeCmd struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type feedMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

// Adapter is the Coinbase matches-feed connector; it satisfies the same
// capability set as the DEX adapters.
type Adapter struct {
	cfg Config
	log *zap.Logger
	reg *registry.Registry

	mu      sync.Mutex
	ids     map[string]protocol.InstrumentID // product -> id
	watched map[string]bool
	pub     *relayclient.Publisher

	cancel context.CancelFunc
}

var _ adapter.Adapter = (*Adapter)(nil)

// New builds a Coinbase adapter.
func New(cfg Config, log *zap.Logger) (*Adapter, error) {
	cfg.applyDefaults()
	if len(cfg.Products) == 0 {
		return nil, errors.New("coinbase: no products configured")
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.Named("coinbase"),
		reg:     registry.New(),
		ids:     make(map[string]protocol.InstrumentID),
		watched: make(map[string]bool),
	}
	for _, p := range cfg.Products {
		id, _ := a.reg.Register(protocol.CEXDescriptor(Venue, p))
		a.ids[p] = id
		a.watched[p] = true
	}
	return a, nil
}

// Start runs connect cycles with exponential backoff until ctx ends.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	backoff := time.Second
	for {
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		a.log.Warn("feed cycle ended, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
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

// Subscribe narrows the product set by instrument id; empty restores all.
func (a *Adapter) Subscribe(ids []protocol.InstrumentID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(ids) == 0 {
		for p := range a.watched {
			a.watched[p] = true
		}
		return nil
	}
	want := make(map[protocol.InstrumentID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for p, id := range a.ids {
		a.watched[p] = want[id]
	}
	return nil
}

// StateSnapshot is empty: a CEX feed has no pool state.
func (a *Adapter) StateSnapshot() []protocol.PoolState { return nil }

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
	for p, id := range a.ids {
		desc := protocol.CEXDescriptor(Venue, p)
		if err := pub.Publish(protocol.InstrumentMapping{Instrument: id, Descriptor: desc}); err != nil {
			return err
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("coinbase: dial %s: %w", a.cfg.URL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(subscribeCmd{
		Type:       "subscribe",
		ProductIDs: a.cfg.Products,
		Channels:   []string{"matches", "heartbeat"},
	}); err != nil {
		return fmt.Errorf("coinbase: subscribe: %w", err)
	}
	a.log.Info("subscribed", zap.Strings("products", a.cfg.Products))

	for {
		conn.SetReadDeadline(time.Now().Add(2 * a.cfg.IdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("coinbase: read: %w", err)
		}
		var msg feedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.log.Warn("dropping malformed feed message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "match", "last_match":
			trade, err := a.convert(msg)
			if err != nil {
				a.log.Warn("dropping unconvertible match", zap.Error(err))
				continue
			}
			if trade == nil {
				continue
			}
			if err := pub.Publish(*trade); err != nil {
				return err
			}
		case "error":
			return fmt.Errorf("coinbase: feed error: %s", msg.Message)
		default:
			// subscriptions, heartbeat: liveness only
		}
	}
}

// convert builds a Trade from one match. Prices and sizes parse from the
// feed's decimal strings directly into 8-decimal fixed point.
func (a *Adapter) convert(msg feedMessage) (*protocol.Trade, error) {
	a.mu.Lock()
	id, known := a.ids[msg.ProductID]
	watched := a.watched[msg.ProductID]
	a.mu.Unlock()
	if !known || !watched {
		return nil, nil
	}
	price, err := fixedpoint.Parse(msg.Price, PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", msg.Price, err)
	}
	size, err := fixedpoint.Parse(msg.Size, PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("size %q: %w", msg.Size, err)
	}
	if price.Sign() <= 0 || size.Sign() <= 0 {
		return nil, errors.New("non-positive price or size")
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		return nil, fmt.Errorf("time %q: %w", msg.Time, err)
	}
	side := protocol.SideBuy
	if msg.Side == "sell" {
		side = protocol.SideSell
	}
	return &protocol.Trade{
		Instrument:  id,
		Price:       price,
		Size:        size,
		Side:        side,
		VenueTsNano: uint64(ts.UnixNano()),
	}, nil
}
