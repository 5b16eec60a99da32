package protocol

import (
	"encoding/binary"
	"fmt"
)

// TLVType tags one entry in a frame's payload.
type TLVType uint16

const (
	TypePoolSwap          TLVType = 1
	TypePoolSync          TLVType = 2
	TypePoolMint          TLVType = 3
	TypePoolBurn          TLVType = 4
	TypePoolState         TLVType = 10
	TypeTrade             TLVType = 11
	TypeInstrumentMapping TLVType = 12
	TypeSourceReset       TLVType = 13
	TypeArbitrageSignal   TLVType = 20

	// ExperimentalMin and above are reserved for demo traffic. Readers
	// decode them as Unknown and must never let them touch financial state.
	ExperimentalMin TLVType = 0xFF00
)

// Experimental reports whether the type is in the reserved demo range.
func (t TLVType) Experimental() bool { return t >= ExperimentalMin }

const tlvHeaderSize = 4

// AppendTLV appends one type-length-value entry to buf.
func AppendTLV(buf []byte, typ TLVType, body []byte) ([]byte, error) {
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("protocol: tlv body too long: %d", len(body))
	}
	var head [tlvHeaderSize]byte
	binary.LittleEndian.PutUint16(head[0:2], uint16(typ))
	binary.LittleEndian.PutUint16(head[2:4], uint16(len(body)))
	buf = append(buf, head[:]...)
	return append(buf, body...), nil
}

// TLVCursor iterates the entries of a payload. Unknown types are yielded
// like any other; skipping is the reader's forward-compatibility duty and
// happens naturally by not acting on them.
type TLVCursor struct {
	buf    []byte
	offset int
}

// NewTLVCursor starts iteration over payload.
func NewTLVCursor(payload []byte) *TLVCursor {
	return &TLVCursor{buf: payload}
}

// Next returns the next entry. The body aliases the payload buffer. Returns
// (0, nil, false, nil) at end of payload and an error on a malformed entry.
func (c *TLVCursor) Next() (TLVType, []byte, bool, error) {
	if c.offset == len(c.buf) {
		return 0, nil, false, nil
	}
	if c.offset+tlvHeaderSize > len(c.buf) {
		return 0, nil, false, fmt.Errorf("%w: %d trailing bytes", ErrBodyOverflow, len(c.buf)-c.offset)
	}
	typ := TLVType(binary.LittleEndian.Uint16(c.buf[c.offset : c.offset+2]))
	length := int(binary.LittleEndian.Uint16(c.buf[c.offset+2 : c.offset+4]))
	start := c.offset + tlvHeaderSize
	if start+length > len(c.buf) {
		return 0, nil, false, fmt.Errorf("%w: type %d length %d", ErrBodyOverflow, typ, length)
	}
	c.offset = start + length
	return typ, c.buf[start : start+length], true, nil
}
