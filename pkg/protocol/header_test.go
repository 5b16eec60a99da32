package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xca, 0xfb, 0xad}
	frame, err := EncodeFrame(Header{
		Domain:      DomainMarketData,
		Source:      7,
		Sequence:    42,
		TimestampNs: 1_700_000_000_000_000_000,
	}, payload)
	require.NoError(t, err)
	require.Len(t, frame, HeaderSize+len(payload))

	h, got, err := VerifyFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, DomainMarketData, h.Domain)
	assert.Equal(t, SourceID(7), h.Source)
	assert.Equal(t, uint64(42), h.Sequence)
	assert.Equal(t, uint64(1_700_000_000_000_000_000), h.TimestampNs)
	assert.Equal(t, payload, got)
}

func TestVerifyFrameRejectsBadMagic(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainSignal}, nil)
	require.NoError(t, err)
	frame[0] ^= 0xFF
	_, _, err = VerifyFrame(frame)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestVerifyFrameRejectsCorruptPayload(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainSignal, Sequence: 1}, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	frame[HeaderSize+2] ^= 0x01
	_, _, err = VerifyFrame(frame)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestVerifyFrameRejectsCorruptHeader(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainSignal, Sequence: 1}, []byte{1, 2, 3})
	require.NoError(t, err)
	// Flip a sequence bit; magic and sizes stay plausible so only the CRC
	// can catch it.
	frame[9] ^= 0x10
	_, _, err = VerifyFrame(frame)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeHeaderRejectsOversizedPayload(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainMarketData}, nil)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(frame[24:28], MaxPayloadSize+1)
	_, err = DecodeHeader(frame)
	assert.ErrorIs(t, err, ErrPayloadSize)
}

func TestDecodeHeaderRejectsUnknownDomain(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainMarketData}, nil)
	require.NoError(t, err)
	frame[4] = 9
	_, err = DecodeHeader(frame)
	assert.ErrorIs(t, err, ErrBadDomain)
}

func TestVerifyFrameRejectsTruncation(t *testing.T) {
	frame, err := EncodeFrame(Header{Domain: DomainMarketData}, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	_, _, err = VerifyFrame(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameFromStream(t *testing.T) {
	f1, err := EncodeFrame(Header{Domain: DomainMarketData, Sequence: 1}, []byte("one"))
	require.NoError(t, err)
	f2, err := EncodeFrame(Header{Domain: DomainMarketData, Sequence: 2}, []byte("two"))
	require.NoError(t, err)

	r := bytes.NewReader(append(append([]byte(nil), f1...), f2...))
	h, payload, raw, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Sequence)
	assert.Equal(t, []byte("one"), payload)
	assert.Equal(t, f1, raw)

	h, payload, _, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.Sequence)
	assert.Equal(t, []byte("two"), payload)
}

func TestTLVCursor(t *testing.T) {
	buf, err := AppendTLV(nil, TypeTrade, []byte{1, 2, 3})
	require.NoError(t, err)
	buf, err = AppendTLV(buf, 0xFF42, []byte{9}) // experimental, must still iterate
	require.NoError(t, err)
	buf, err = AppendTLV(buf, TypeSourceReset, nil)
	require.NoError(t, err)

	cur := NewTLVCursor(buf)

	typ, body, ok, err := cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeTrade, typ)
	assert.Equal(t, []byte{1, 2, 3}, body)

	typ, body, ok, err = cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, typ.Experimental())
	assert.Equal(t, []byte{9}, body)

	typ, body, ok, err = cur.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TypeSourceReset, typ)
	assert.Empty(t, body)

	_, _, ok, err = cur.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTLVCursorRejectsOverflowingBody(t *testing.T) {
	buf, err := AppendTLV(nil, TypeTrade, []byte{1, 2, 3})
	require.NoError(t, err)
	// Claim a longer body than the payload holds.
	buf[2] = 0xFF
	cur := NewTLVCursor(buf)
	_, _, _, err = cur.Next()
	assert.ErrorIs(t, err, ErrBodyOverflow)
}
