package bridge

import (
	"github.com/shopspring/decimal"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
)

// renderAmount converts a fixed-point amount to its decimal string. This is
// the only place in the system where internal fixed-point becomes a
// human-readable number, and it goes through exact decimal arithmetic, never
// a float.
func renderAmount(a fixedpoint.Amount) string {
	return decimal.NewFromBigInt(a.Value(), -int32(a.Decimals())).String()
}

// tradeFrame is one outbound trade message. Money fields are JSON strings
// to survive any JSON parser; counters and timestamps are numbers.
type tradeFrame struct {
	MsgType    string `json:"msg_type"`
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Volume     string `json:"volume"`
	TsNs       uint64 `json:"ts_ns"`
	Side       string `json:"side"`
}

type arbitrageFrame struct {
	MsgType           string `json:"msg_type"`
	Buy               string `json:"buy"`
	Sell              string `json:"sell"`
	Input             string `json:"input"`
	ExpectedOutput    string `json:"expected_output"`
	ExpectedProfitUSD string `json:"expected_profit_usd"`
	GasUSD            string `json:"gas_usd"`
	NetProfitUSD      string `json:"net_profit_usd"`
}

type metricsFrame struct {
	MsgType           string  `json:"msg_type"`
	TradesPerSecond   float64 `json:"trades_per_second"`
	ActiveConnections int     `json:"active_connections"`
	PendingFrames     int     `json:"pending_frames"`
}

type pongFrame struct {
	MsgType string `json:"msg_type"`
}

// clientCommand is an inbound dashboard command.
type clientCommand struct {
	Type        string   `json:"type"`
	Instruments []string `json:"instruments"`
}
