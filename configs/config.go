// Package configs loads the process-wide configuration: a YAML file with
// environment-variable overrides. Configuration errors are fatal at startup;
// a half-configured pipeline must not start.
package configs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dawsh2/alphapulse/internal/adapter/coinbase"
	"github.com/dawsh2/alphapulse/internal/adapter/polygon"
	"github.com/dawsh2/alphapulse/internal/bridge"
	"github.com/dawsh2/alphapulse/internal/detector"
	"github.com/dawsh2/alphapulse/internal/relay"
	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// Config is the entire configuration structure from config.yml.
type Config struct {
	SocketDir string `yaml:"socketDir" envconfig:"SOCKET_DIR"`
	LogLevel  string `yaml:"logLevel"  envconfig:"LOG_LEVEL"`

	Relay    RelayYAML    `yaml:"relay"`
	Polygon  PolygonYAML  `yaml:"polygon"`
	Coinbase CoinbaseYAML `yaml:"coinbase"`
	Detector DetectorYAML `yaml:"detector"`
	Bridge   BridgeYAML   `yaml:"bridge"`
	DB       DBYAML       `yaml:"db"`
}

type RelayYAML struct {
	QueueSize      int `yaml:"queueSize"      envconfig:"RELAY_QUEUE_SIZE"`
	ViolationLimit int `yaml:"violationLimit" envconfig:"RELAY_VIOLATION_LIMIT"`
}

type PoolYAML struct {
	Address string `yaml:"address"`
	Venue   string `yaml:"venue"`
	Kind    string `yaml:"kind"` // "v2" or "v3"
	FeeBps  uint32 `yaml:"feeBps"`
}

type PolygonYAML struct {
	Enabled bool       `yaml:"enabled" envconfig:"POLYGON_ENABLED"`
	WsURL   string     `yaml:"wsUrl"   envconfig:"POLYGON_WS_URL"`
	HTTPURL string     `yaml:"httpUrl" envconfig:"POLYGON_HTTP_URL"`
	Chain   string     `yaml:"chain"`
	Source  uint8      `yaml:"source"`
	Pools   []PoolYAML `yaml:"pools"`
}

type CoinbaseYAML struct {
	Enabled  bool     `yaml:"enabled" envconfig:"COINBASE_ENABLED"`
	URL      string   `yaml:"url"     envconfig:"COINBASE_URL"`
	Products []string `yaml:"products"`
	Source   uint8    `yaml:"source"`
}

type PriceFeedYAML struct {
	Product string `yaml:"product"` // CEX product quoting the token in USD
	Token   string `yaml:"token"`   // token contract address
}

type DetectorYAML struct {
	Source             uint8           `yaml:"source"`
	MinProfitUSD       string          `yaml:"minProfitUsd"`
	MaxImpactBps       int64           `yaml:"maxImpactBps"`
	SafetyMarginBps    int64           `yaml:"safetyMarginBps"`
	MaxProfitMarginBps int64           `yaml:"maxProfitMarginBps"`
	StalenessMs        int             `yaml:"stalenessMs"`
	EvalBudgetMs       int             `yaml:"evalBudgetMs"`
	MinTradeQuote      int64           `yaml:"minTradeQuote"`
	GasUnits           uint64          `yaml:"gasUnits"`
	StableTokens       []string        `yaml:"stableTokens"`
	NativeToken        string          `yaml:"nativeToken"`
	PriceFeeds         []PriceFeedYAML `yaml:"priceFeeds"`
}

type BridgeYAML struct {
	Enabled bool   `yaml:"enabled" envconfig:"BRIDGE_ENABLED"`
	Listen  string `yaml:"listen"  envconfig:"BRIDGE_LISTEN"`
}

type DBYAML struct {
	Enabled bool   `yaml:"enabled" envconfig:"DB_ENABLED"`
	DSN     string `yaml:"dsn"     envconfig:"DB_DSN"`
}

// Load reads, overrides, and validates the configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{
		SocketDir: "/tmp/alphapulse",
		LogLevel:  "info",
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := envconfig.Process("alphapulse", cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SocketDir == "" {
		return fmt.Errorf("config: socketDir is required")
	}
	if c.Polygon.Enabled {
		if c.Polygon.WsURL == "" || c.Polygon.HTTPURL == "" {
			return fmt.Errorf("config: polygon adapter needs wsUrl and httpUrl")
		}
		if len(c.Polygon.Pools) == 0 {
			return fmt.Errorf("config: polygon adapter needs at least one pool")
		}
		for _, p := range c.Polygon.Pools {
			if !common.IsHexAddress(p.Address) {
				return fmt.Errorf("config: bad pool address %q", p.Address)
			}
			if p.Kind != "v2" && p.Kind != "v3" {
				return fmt.Errorf("config: pool %s has kind %q, want v2 or v3", p.Address, p.Kind)
			}
		}
	}
	if c.Coinbase.Enabled && len(c.Coinbase.Products) == 0 {
		return fmt.Errorf("config: coinbase adapter needs products")
	}
	if c.DB.Enabled && c.DB.DSN == "" {
		return fmt.Errorf("config: db recorder needs dsn")
	}
	if c.Detector.MinProfitUSD != "" {
		if _, err := fixedpoint.Parse(c.Detector.MinProfitUSD, fixedpoint.USDDecimals); err != nil {
			return fmt.Errorf("config: minProfitUsd: %w", err)
		}
	}
	for _, s := range c.Detector.StableTokens {
		if !common.IsHexAddress(s) {
			return fmt.Errorf("config: bad stable token address %q", s)
		}
	}
	return nil
}

// MarketDataPath is the MarketData relay socket.
func (c *Config) MarketDataPath() string { return filepath.Join(c.SocketDir, "marketdata.sock") }

// SignalPath is the Signal relay socket.
func (c *Config) SignalPath() string { return filepath.Join(c.SocketDir, "signals.sock") }

// ExecutionPath is the reserved Execution relay socket.
func (c *Config) ExecutionPath() string { return filepath.Join(c.SocketDir, "execution.sock") }

// ToRelayConfigs builds the three relay domains.
func (c *Config) ToRelayConfigs() []relay.Config {
	return []relay.Config{
		{Path: c.MarketDataPath(), Domain: protocol.DomainMarketData, QueueSize: c.Relay.QueueSize, ViolationLimit: c.Relay.ViolationLimit},
		{Path: c.SignalPath(), Domain: protocol.DomainSignal, QueueSize: c.Relay.QueueSize, ViolationLimit: c.Relay.ViolationLimit},
		{Path: c.ExecutionPath(), Domain: protocol.DomainExecution, QueueSize: c.Relay.QueueSize, ViolationLimit: c.Relay.ViolationLimit},
	}
}

// ToPolygonConfig builds the Polygon adapter wiring.
func (c *Config) ToPolygonConfig() polygon.Config {
	pools := make([]polygon.PoolConfig, 0, len(c.Polygon.Pools))
	for _, p := range c.Polygon.Pools {
		kind := protocol.PoolV2
		if p.Kind == "v3" {
			kind = protocol.PoolV3
		}
		pools = append(pools, polygon.PoolConfig{
			Address: common.HexToAddress(p.Address),
			Venue:   p.Venue,
			Kind:    kind,
			FeeBps:  p.FeeBps,
		})
	}
	return polygon.Config{
		Chain:     c.Polygon.Chain,
		Source:    protocol.SourceID(c.Polygon.Source),
		RelayPath: c.MarketDataPath(),
		Pools:     pools,
	}
}

// ToCoinbaseConfig builds the Coinbase adapter wiring.
func (c *Config) ToCoinbaseConfig() coinbase.Config {
	return coinbase.Config{
		URL:       c.Coinbase.URL,
		Products:  c.Coinbase.Products,
		Source:    protocol.SourceID(c.Coinbase.Source),
		RelayPath: c.MarketDataPath(),
	}
}

// ToDetectorConfig builds the detector wiring plus its oracle inputs: the
// stable-token instrument ids and the native token id for gas conversion.
func (c *Config) ToDetectorConfig() (detector.Config, []protocol.InstrumentID, protocol.InstrumentID) {
	chain := c.Polygon.Chain
	if chain == "" {
		chain = "polygon"
	}
	cfg := detector.Config{
		MarketDataPath:     c.MarketDataPath(),
		SignalPath:         c.SignalPath(),
		Source:             protocol.SourceID(c.Detector.Source),
		MaxImpactBps:       c.Detector.MaxImpactBps,
		SafetyMarginBps:    c.Detector.SafetyMarginBps,
		MaxProfitMarginBps: c.Detector.MaxProfitMarginBps,
		StalenessWindow:    time.Duration(c.Detector.StalenessMs) * time.Millisecond,
		EvalBudget:         time.Duration(c.Detector.EvalBudgetMs) * time.Millisecond,
		MinTradeQuote:      c.Detector.MinTradeQuote,
	}
	if c.Detector.MinProfitUSD != "" {
		cfg.MinProfitUSD, _ = fixedpoint.Parse(c.Detector.MinProfitUSD, fixedpoint.USDDecimals)
	}
	if len(c.Detector.PriceFeeds) > 0 {
		cfg.PriceFeeds = make(map[protocol.InstrumentID]protocol.InstrumentID, len(c.Detector.PriceFeeds))
		for _, f := range c.Detector.PriceFeeds {
			feedID := protocol.HashDescriptor(protocol.CEXDescriptor(coinbase.Venue, f.Product))
			tokenID := protocol.HashDescriptor(protocol.TokenDescriptor(chain, chain, common.HexToAddress(f.Token)))
			cfg.PriceFeeds[feedID] = tokenID
		}
	}

	stables := make([]protocol.InstrumentID, 0, len(c.Detector.StableTokens))
	for _, s := range c.Detector.StableTokens {
		stables = append(stables, protocol.HashDescriptor(
			protocol.TokenDescriptor(chain, chain, common.HexToAddress(s))))
	}
	var native protocol.InstrumentID
	if c.Detector.NativeToken != "" {
		native = protocol.HashDescriptor(
			protocol.TokenDescriptor(chain, chain, common.HexToAddress(c.Detector.NativeToken)))
	}
	return cfg, stables, native
}

// ToBridgeConfig builds the dashboard bridge wiring.
func (c *Config) ToBridgeConfig() bridge.Config {
	return bridge.Config{
		Listen:         c.Bridge.Listen,
		MarketDataPath: c.MarketDataPath(),
		SignalPath:     c.SignalPath(),
	}
}

// GasUnits returns the per-trade gas estimate, defaulting to a dual-swap
// router call.
func (c *Config) GasUnits() uint64 {
	if c.Detector.GasUnits > 0 {
		return c.Detector.GasUnits
	}
	return 280_000
}
