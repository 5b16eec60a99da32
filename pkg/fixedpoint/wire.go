package fixedpoint

import (
	"fmt"
	"math/big"
)

// WireSize is the encoded size of an Amount: a 16-byte little-endian
// two's-complement i128 followed by one decimals byte.
const WireSize = 17

// AppendWire appends the wire encoding of a to buf.
func (a Amount) AppendWire(buf []byte) []byte {
	v := a.Value()
	if v.Sign() < 0 {
		// Two's complement within 128 bits.
		v.Add(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	var raw [16]byte
	v.FillBytes(raw[:]) // big-endian
	for i := 15; i >= 0; i-- {
		buf = append(buf, raw[i])
	}
	return append(buf, a.decimals)
}

// AmountFromWire decodes an Amount from the head of buf.
func AmountFromWire(buf []byte) (Amount, error) {
	if len(buf) < WireSize {
		return Amount{}, fmt.Errorf("fixedpoint: short amount: %d bytes", len(buf))
	}
	var raw [16]byte
	for i := 0; i < 16; i++ {
		raw[i] = buf[15-i]
	}
	v := new(big.Int).SetBytes(raw[:])
	if raw[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 128))
	}
	if v.Sign() == 0 {
		// Canonical zero, independent of the byte-level representation.
		v = new(big.Int)
	}
	return New(v, buf[16])
}
