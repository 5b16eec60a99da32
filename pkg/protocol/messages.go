package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
)

// Message is the typed payload sum. Every TLV entry decodes into exactly one
// of these; unknown types decode into Unknown so readers can skip without
// losing the stream.
type Message interface {
	Type() TLVType
	EncodeBody() ([]byte, error)
}

var ErrShortBody = errors.New("protocol: message body too short")

// TradeSide distinguishes aggressor direction on CEX trades.
type TradeSide uint8

const (
	SideBuy  TradeSide = 0
	SideSell TradeSide = 1
)

// PoolKind distinguishes AMM families in PoolState snapshots.
type PoolKind uint8

const (
	PoolV2 PoolKind = 1
	PoolV3 PoolKind = 2
)

// V3FeeTiers are the admissible fee tiers in basis-point hundredths (pips).
var V3FeeTiers = map[uint32]bool{100: true, 500: true, 3000: true, 10000: true}

// InstrumentMapping associates an id with its canonical descriptor.
// Consumers that display instruments buffer frames until they have one.
type InstrumentMapping struct {
	Instrument InstrumentID
	Descriptor string
}

func (InstrumentMapping) Type() TLVType { return TypeInstrumentMapping }

func (m InstrumentMapping) EncodeBody() ([]byte, error) {
	if len(m.Descriptor) > 0xFF00 {
		return nil, fmt.Errorf("protocol: descriptor too long: %d", len(m.Descriptor))
	}
	buf := make([]byte, 0, 8+len(m.Descriptor))
	buf = appendU64(buf, uint64(m.Instrument))
	return append(buf, m.Descriptor...), nil
}

func decodeInstrumentMapping(body []byte) (InstrumentMapping, error) {
	if len(body) < 8 {
		return InstrumentMapping{}, ErrShortBody
	}
	return InstrumentMapping{
		Instrument: InstrumentID(binary.LittleEndian.Uint64(body[:8])),
		Descriptor: string(body[8:]),
	}, nil
}

// Trade is a CEX (or DEX-derived) print: price and size fixed-point at
// explicit decimals, venue timestamp in nanoseconds.
type Trade struct {
	Instrument  InstrumentID
	Price       fixedpoint.Amount
	Size        fixedpoint.Amount
	Side        TradeSide
	VenueTsNano uint64
}

func (Trade) Type() TLVType { return TypeTrade }

func (m Trade) EncodeBody() ([]byte, error) {
	buf := make([]byte, 0, 8+2*fixedpoint.WireSize+1+8)
	buf = appendU64(buf, uint64(m.Instrument))
	buf = m.Price.AppendWire(buf)
	buf = m.Size.AppendWire(buf)
	buf = append(buf, byte(m.Side))
	buf = appendU64(buf, m.VenueTsNano)
	return buf, nil
}

func decodeTrade(body []byte) (Trade, error) {
	const want = 8 + 2*fixedpoint.WireSize + 1 + 8
	if len(body) < want {
		return Trade{}, ErrShortBody
	}
	var m Trade
	m.Instrument = InstrumentID(binary.LittleEndian.Uint64(body[:8]))
	body = body[8:]
	var err error
	if m.Price, err = fixedpoint.AmountFromWire(body); err != nil {
		return Trade{}, err
	}
	body = body[fixedpoint.WireSize:]
	if m.Size, err = fixedpoint.AmountFromWire(body); err != nil {
		return Trade{}, err
	}
	body = body[fixedpoint.WireSize:]
	m.Side = TradeSide(body[0])
	m.VenueTsNano = binary.LittleEndian.Uint64(body[1:9])
	return m, nil
}

// PoolSwap is one executed swap against a pool. Sqrt-price and tick carry
// post-swap V3 state and are zero for V2 pools.
type PoolSwap struct {
	Pool      InstrumentID
	TokenIn   InstrumentID
	TokenOut  InstrumentID
	AmountIn  fixedpoint.Amount
	AmountOut fixedpoint.Amount
	V3        bool
	// SqrtPriceX96After is the pool's Q64.96 sqrt price after the swap
	// (uint160 on chain).
	SqrtPriceX96After *big.Int
	TickAfter         int32
}

func (PoolSwap) Type() TLVType { return TypePoolSwap }

func (m PoolSwap) EncodeBody() ([]byte, error) {
	buf := make([]byte, 0, 24+2*fixedpoint.WireSize+1+20+4)
	buf = appendU64(buf, uint64(m.Pool))
	buf = appendU64(buf, uint64(m.TokenIn))
	buf = appendU64(buf, uint64(m.TokenOut))
	buf = m.AmountIn.AppendWire(buf)
	buf = m.AmountOut.AppendWire(buf)
	if m.V3 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var err error
	if buf, err = appendUintN(buf, m.SqrtPriceX96After, 20); err != nil {
		return nil, fmt.Errorf("protocol: sqrt price: %w", err)
	}
	buf = appendI32(buf, m.TickAfter)
	return buf, nil
}

func decodePoolSwap(body []byte) (PoolSwap, error) {
	const want = 24 + 2*fixedpoint.WireSize + 1 + 20 + 4
	if len(body) < want {
		return PoolSwap{}, ErrShortBody
	}
	var m PoolSwap
	m.Pool = InstrumentID(binary.LittleEndian.Uint64(body[0:8]))
	m.TokenIn = InstrumentID(binary.LittleEndian.Uint64(body[8:16]))
	m.TokenOut = InstrumentID(binary.LittleEndian.Uint64(body[16:24]))
	body = body[24:]
	var err error
	if m.AmountIn, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolSwap{}, err
	}
	body = body[fixedpoint.WireSize:]
	if m.AmountOut, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolSwap{}, err
	}
	body = body[fixedpoint.WireSize:]
	m.V3 = body[0] == 1
	m.SqrtPriceX96After = uintNFromWire(body[1:21])
	m.TickAfter = int32(binary.LittleEndian.Uint32(body[21:25]))
	return m, nil
}

// PoolSync is a V2 reserve refresh; reserves are absolute, not deltas.
type PoolSync struct {
	Pool     InstrumentID
	Reserve0 fixedpoint.Amount
	Reserve1 fixedpoint.Amount
}

func (PoolSync) Type() TLVType { return TypePoolSync }

func (m PoolSync) EncodeBody() ([]byte, error) {
	buf := make([]byte, 0, 8+2*fixedpoint.WireSize)
	buf = appendU64(buf, uint64(m.Pool))
	buf = m.Reserve0.AppendWire(buf)
	buf = m.Reserve1.AppendWire(buf)
	return buf, nil
}

func decodePoolSync(body []byte) (PoolSync, error) {
	if len(body) < 8+2*fixedpoint.WireSize {
		return PoolSync{}, ErrShortBody
	}
	var m PoolSync
	m.Pool = InstrumentID(binary.LittleEndian.Uint64(body[:8]))
	body = body[8:]
	var err error
	if m.Reserve0, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolSync{}, err
	}
	if m.Reserve1, err = fixedpoint.AmountFromWire(body[fixedpoint.WireSize:]); err != nil {
		return PoolSync{}, err
	}
	return m, nil
}

// PoolLiquidity is the shared shape of mint and burn events. Tick bounds are
// meaningful for V3 positions only.
type PoolLiquidity struct {
	Pool      InstrumentID
	Amount0   fixedpoint.Amount
	Amount1   fixedpoint.Amount
	TickLower int32
	TickUpper int32
}

func (m PoolLiquidity) encodeBody() ([]byte, error) {
	buf := make([]byte, 0, 8+2*fixedpoint.WireSize+8)
	buf = appendU64(buf, uint64(m.Pool))
	buf = m.Amount0.AppendWire(buf)
	buf = m.Amount1.AppendWire(buf)
	buf = appendI32(buf, m.TickLower)
	buf = appendI32(buf, m.TickUpper)
	return buf, nil
}

func decodePoolLiquidity(body []byte) (PoolLiquidity, error) {
	if len(body) < 8+2*fixedpoint.WireSize+8 {
		return PoolLiquidity{}, ErrShortBody
	}
	var m PoolLiquidity
	m.Pool = InstrumentID(binary.LittleEndian.Uint64(body[:8]))
	body = body[8:]
	var err error
	if m.Amount0, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolLiquidity{}, err
	}
	body = body[fixedpoint.WireSize:]
	if m.Amount1, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolLiquidity{}, err
	}
	body = body[fixedpoint.WireSize:]
	m.TickLower = int32(binary.LittleEndian.Uint32(body[0:4]))
	m.TickUpper = int32(binary.LittleEndian.Uint32(body[4:8]))
	return m, nil
}

// PoolMint adds liquidity to a pool.
type PoolMint struct{ PoolLiquidity }

func (PoolMint) Type() TLVType { return TypePoolMint }

func (m PoolMint) EncodeBody() ([]byte, error) { return m.encodeBody() }

// PoolBurn removes liquidity from a pool.
type PoolBurn struct{ PoolLiquidity }

func (PoolBurn) Type() TLVType { return TypePoolBurn }

func (m PoolBurn) EncodeBody() ([]byte, error) { return m.encodeBody() }

// PoolState is a full snapshot, emitted on subscribe and reconnect. V2 pools
// carry reserves; V3 pools carry sqrt price, active liquidity, and tick
// geometry. FeePips is in basis-point hundredths for both families (a 30 bps
// V2 pool is 3000 pips).
type PoolState struct {
	Pool           InstrumentID
	Token0         InstrumentID
	Token1         InstrumentID
	Token0Decimals uint8
	Token1Decimals uint8
	Kind           PoolKind
	FeePips        uint32

	// V2
	Reserve0 fixedpoint.Amount
	Reserve1 fixedpoint.Amount

	// V3
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
	TickSpacing  int32
}

func (PoolState) Type() TLVType { return TypePoolState }

// Validate enforces the snapshot invariants before the state may be applied.
func (m PoolState) Validate() error {
	switch m.Kind {
	case PoolV2:
		if m.Reserve0.Sign() <= 0 || m.Reserve1.Sign() <= 0 {
			return fmt.Errorf("protocol: v2 pool %s has non-positive reserves", m.Pool)
		}
	case PoolV3:
		if m.Liquidity == nil || m.Liquidity.Sign() < 0 {
			return fmt.Errorf("protocol: v3 pool %s has negative liquidity", m.Pool)
		}
		if !V3FeeTiers[m.FeePips] {
			return fmt.Errorf("protocol: v3 pool %s has fee tier %d", m.Pool, m.FeePips)
		}
	default:
		return fmt.Errorf("protocol: pool %s has unknown kind %d", m.Pool, m.Kind)
	}
	return nil
}

func (m PoolState) EncodeBody() ([]byte, error) {
	buf := make([]byte, 0, 24+2+1+4+2*fixedpoint.WireSize+20+4+16+4)
	buf = appendU64(buf, uint64(m.Pool))
	buf = appendU64(buf, uint64(m.Token0))
	buf = appendU64(buf, uint64(m.Token1))
	buf = append(buf, m.Token0Decimals, m.Token1Decimals, byte(m.Kind))
	buf = appendU32(buf, m.FeePips)
	buf = m.Reserve0.AppendWire(buf)
	buf = m.Reserve1.AppendWire(buf)
	var err error
	if buf, err = appendUintN(buf, m.SqrtPriceX96, 20); err != nil {
		return nil, fmt.Errorf("protocol: sqrt price: %w", err)
	}
	buf = appendI32(buf, m.Tick)
	if buf, err = appendUintN(buf, m.Liquidity, 16); err != nil {
		return nil, fmt.Errorf("protocol: liquidity: %w", err)
	}
	buf = appendI32(buf, m.TickSpacing)
	return buf, nil
}

func decodePoolState(body []byte) (PoolState, error) {
	const want = 24 + 2 + 1 + 4 + 2*fixedpoint.WireSize + 20 + 4 + 16 + 4
	if len(body) < want {
		return PoolState{}, ErrShortBody
	}
	var m PoolState
	m.Pool = InstrumentID(binary.LittleEndian.Uint64(body[0:8]))
	m.Token0 = InstrumentID(binary.LittleEndian.Uint64(body[8:16]))
	m.Token1 = InstrumentID(binary.LittleEndian.Uint64(body[16:24]))
	m.Token0Decimals = body[24]
	m.Token1Decimals = body[25]
	m.Kind = PoolKind(body[26])
	m.FeePips = binary.LittleEndian.Uint32(body[27:31])
	body = body[31:]
	var err error
	if m.Reserve0, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolState{}, err
	}
	body = body[fixedpoint.WireSize:]
	if m.Reserve1, err = fixedpoint.AmountFromWire(body); err != nil {
		return PoolState{}, err
	}
	body = body[fixedpoint.WireSize:]
	m.SqrtPriceX96 = uintNFromWire(body[:20])
	m.Tick = int32(binary.LittleEndian.Uint32(body[20:24]))
	m.Liquidity = uintNFromWire(body[24:40])
	m.TickSpacing = int32(binary.LittleEndian.Uint32(body[40:44]))
	return m, nil
}

// SourceReset announces a new sequence base after a source restart.
type SourceReset struct {
	NewSequence uint64
}

func (SourceReset) Type() TLVType { return TypeSourceReset }

func (m SourceReset) EncodeBody() ([]byte, error) {
	return appendU64(nil, m.NewSequence), nil
}

func decodeSourceReset(body []byte) (SourceReset, error) {
	if len(body) < 8 {
		return SourceReset{}, ErrShortBody
	}
	return SourceReset{NewSequence: binary.LittleEndian.Uint64(body[:8])}, nil
}

// ArbitrageSignal is the detector's output. USD amounts are at the 8-decimal
// USD scale; token amounts at their native decimals.
type ArbitrageSignal struct {
	BuyPool           InstrumentID
	SellPool          InstrumentID
	OptimalInput      fixedpoint.Amount
	ExpectedOutput    fixedpoint.Amount
	ExpectedProfitUSD fixedpoint.Amount
	GasEstimateUSD    fixedpoint.Amount
	NetProfitUSD      fixedpoint.Amount
	// Confidence in [0,100].
	Confidence uint8
}

func (ArbitrageSignal) Type() TLVType { return TypeArbitrageSignal }

func (m ArbitrageSignal) EncodeBody() ([]byte, error) {
	buf := make([]byte, 0, 16+5*fixedpoint.WireSize+1)
	buf = appendU64(buf, uint64(m.BuyPool))
	buf = appendU64(buf, uint64(m.SellPool))
	buf = m.OptimalInput.AppendWire(buf)
	buf = m.ExpectedOutput.AppendWire(buf)
	buf = m.ExpectedProfitUSD.AppendWire(buf)
	buf = m.GasEstimateUSD.AppendWire(buf)
	buf = m.NetProfitUSD.AppendWire(buf)
	return append(buf, m.Confidence), nil
}

func decodeArbitrageSignal(body []byte) (ArbitrageSignal, error) {
	const want = 16 + 5*fixedpoint.WireSize + 1
	if len(body) < want {
		return ArbitrageSignal{}, ErrShortBody
	}
	var m ArbitrageSignal
	m.BuyPool = InstrumentID(binary.LittleEndian.Uint64(body[0:8]))
	m.SellPool = InstrumentID(binary.LittleEndian.Uint64(body[8:16]))
	body = body[16:]
	fields := []*fixedpoint.Amount{
		&m.OptimalInput, &m.ExpectedOutput, &m.ExpectedProfitUSD, &m.GasEstimateUSD, &m.NetProfitUSD,
	}
	for _, f := range fields {
		a, err := fixedpoint.AmountFromWire(body)
		if err != nil {
			return ArbitrageSignal{}, err
		}
		*f = a
		body = body[fixedpoint.WireSize:]
	}
	m.Confidence = body[0]
	return m, nil
}

// Unknown carries an unrecognized TLV entry verbatim so readers can skip
// forward-compatibly. It is never re-encoded onto a relay.
type Unknown struct {
	RawType TLVType
	Body    []byte
}

func (u Unknown) Type() TLVType { return u.RawType }

func (u Unknown) EncodeBody() ([]byte, error) {
	return nil, fmt.Errorf("protocol: refusing to encode unknown type %d", u.RawType)
}

// DecodeMessage decodes one TLV entry into its typed message.
func DecodeMessage(typ TLVType, body []byte) (Message, error) {
	switch typ {
	case TypePoolSwap:
		return decodePoolSwap(body)
	case TypePoolSync:
		return decodePoolSync(body)
	case TypePoolMint:
		m, err := decodePoolLiquidity(body)
		return PoolMint{m}, err
	case TypePoolBurn:
		m, err := decodePoolLiquidity(body)
		return PoolBurn{m}, err
	case TypePoolState:
		return decodePoolState(body)
	case TypeTrade:
		return decodeTrade(body)
	case TypeInstrumentMapping:
		return decodeInstrumentMapping(body)
	case TypeSourceReset:
		return decodeSourceReset(body)
	case TypeArbitrageSignal:
		return decodeArbitrageSignal(body)
	default:
		return Unknown{RawType: typ, Body: append([]byte(nil), body...)}, nil
	}
}

// EncodePayload serializes messages into one TLV payload.
func EncodePayload(msgs ...Message) ([]byte, error) {
	var buf []byte
	for _, m := range msgs {
		body, err := m.EncodeBody()
		if err != nil {
			return nil, err
		}
		if buf, err = AppendTLV(buf, m.Type(), body); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodePayload decodes every TLV entry in a payload.
func DecodePayload(payload []byte) ([]Message, error) {
	cur := NewTLVCursor(payload)
	var out []Message
	for {
		typ, body, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		m, err := DecodeMessage(typ, body)
		if err != nil {
			return nil, fmt.Errorf("protocol: type %d: %w", typ, err)
		}
		out = append(out, m)
	}
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendI32(buf []byte, v int32) []byte {
	return appendU32(buf, uint32(v))
}

// appendUintN writes a non-negative big.Int as n little-endian bytes. Nil
// encodes as zero.
func appendUintN(buf []byte, v *big.Int, n int) ([]byte, error) {
	if v == nil {
		return append(buf, make([]byte, n)...), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", v)
	}
	if v.BitLen() > n*8 {
		return nil, fmt.Errorf("value %s exceeds %d bytes", v, n)
	}
	raw := make([]byte, n)
	v.FillBytes(raw) // big-endian
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, raw[i])
	}
	return buf, nil
}

func uintNFromWire(buf []byte) *big.Int {
	raw := make([]byte, len(buf))
	for i := range buf {
		raw[i] = buf[len(buf)-1-i]
	}
	v := new(big.Int).SetBytes(raw)
	if v.Sign() == 0 {
		return new(big.Int)
	}
	return v
}
