package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsh2/alphapulse/pkg/protocol"
)

const sampleYAML = `
socketDir: /tmp/ap-test
logLevel: debug
relay:
  queueSize: 2048
polygon:
  enabled: true
  wsUrl: wss://polygon.example/ws
  httpUrl: https://polygon.example/rpc
  chain: polygon
  source: 1
  pools:
    - address: "0x6e7a5FAFcec6BB1e78bAE2A1F0B612012BF14827"
      venue: quickswap
      kind: v2
      feeBps: 30
    - address: "0xA374094527e1673A86dE625aa59517c5dE346d32"
      venue: uniswap
      kind: v3
coinbase:
  enabled: true
  products: [BTC-USD, POL-USD]
  source: 2
detector:
  source: 1
  minProfitUsd: "0.50"
  maxImpactBps: 200
  stalenessMs: 5000
  stableTokens:
    - "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
    - "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
  nativeToken: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"
  priceFeeds:
    - product: POL-USD
      token: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"
bridge:
  enabled: true
  listen: 127.0.0.1:8765
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ap-test/marketdata.sock", cfg.MarketDataPath())
	assert.Equal(t, "/tmp/ap-test/signals.sock", cfg.SignalPath())

	relays := cfg.ToRelayConfigs()
	require.Len(t, relays, 3)
	assert.Equal(t, protocol.DomainMarketData, relays[0].Domain)
	assert.Equal(t, 2048, relays[0].QueueSize)

	pc := cfg.ToPolygonConfig()
	require.Len(t, pc.Pools, 2)
	assert.Equal(t, protocol.PoolV2, pc.Pools[0].Kind)
	assert.Equal(t, protocol.PoolV3, pc.Pools[1].Kind)

	dc, stables, native := cfg.ToDetectorConfig()
	assert.Equal(t, 5*time.Second, dc.StalenessWindow)
	assert.Equal(t, int64(200), dc.MaxImpactBps)
	assert.Equal(t, "0.50000000", dc.MinProfitUSD.String())
	assert.Len(t, stables, 2)
	assert.NotZero(t, native)
	require.Len(t, dc.PriceFeeds, 1)
	feedID := protocol.HashDescriptor(protocol.CEXDescriptor("coinbase", "POL-USD"))
	assert.Equal(t, native, dc.PriceFeeds[feedID])

	assert.Equal(t, uint64(280_000), cfg.GasUnits())
}

func TestLoadRejectsBadPoolKind(t *testing.T) {
	bad := `
polygon:
  enabled: true
  wsUrl: wss://x
  httpUrl: https://x
  pools:
    - address: "0x6e7a5FAFcec6BB1e78bAE2A1F0B612012BF14827"
      kind: v4
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoadRejectsMissingPools(t *testing.T) {
	bad := `
polygon:
  enabled: true
  wsUrl: wss://x
  httpUrl: https://x
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestLoadRejectsBadAddress(t *testing.T) {
	bad := `
detector:
  stableTokens: ["not-an-address"]
`
	_, err := Load(writeConfig(t, bad))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ALPHAPULSE_SOCKET_DIR", "/tmp/ap-env")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ap-env", cfg.SocketDir)
}
