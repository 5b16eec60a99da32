package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dawsh2/alphapulse/pkg/protocol"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()

	id1, isNew := r.Register("coinbase:BTC-USD")
	assert.True(t, isNew)
	id2, isNew := r.Register("coinbase:BTC-USD")
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)
	assert.Equal(t, protocol.HashDescriptor("coinbase:BTC-USD"), id1)
	assert.Equal(t, 1, r.Len())
}

func TestApplyAndResolve(t *testing.T) {
	r := New()

	_, ok := r.Descriptor(42)
	assert.False(t, ok)

	r.Apply(protocol.InstrumentMapping{Instrument: 42, Descriptor: "quickswap:polygon:0xa:0xb:0xc"})
	desc, ok := r.Descriptor(42)
	require.True(t, ok)
	assert.Equal(t, "quickswap:polygon:0xa:0xb:0xc", desc)

	id, ok := r.Lookup("quickswap:polygon:0xa:0xb:0xc")
	require.True(t, ok)
	assert.Equal(t, protocol.InstrumentID(42), id)
}
