package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// InstrumentID is a stable 64-bit hash of a canonical descriptor. The same
// descriptor yields the same id on any host, forever: the id is the first
// eight bytes of Keccak256(descriptor), little-endian.
type InstrumentID uint64

// DEXDescriptor builds the canonical descriptor for a pool instrument:
// "<venue>:<chain>:<pool>:<token0>:<token1>". Addresses are lowercased hex
// so checksummed and plain inputs hash identically.
func DEXDescriptor(venue, chain string, pool, token0, token1 common.Address) string {
	return strings.Join([]string{
		strings.ToLower(venue),
		strings.ToLower(chain),
		strings.ToLower(pool.Hex()),
		strings.ToLower(token0.Hex()),
		strings.ToLower(token1.Hex()),
	}, ":")
}

// TokenDescriptor builds the canonical descriptor for a single ERC20 token:
// "<venue>:<chain>:<token>". Two deployments of the same nominal asset (the
// old and bridged Polygon USDC, say) are distinct instruments.
func TokenDescriptor(venue, chain string, token common.Address) string {
	return strings.Join([]string{
		strings.ToLower(venue),
		strings.ToLower(chain),
		strings.ToLower(token.Hex()),
	}, ":")
}

// CEXDescriptor builds the canonical descriptor for a centralized-exchange
// instrument: "<venue>:<symbol>".
func CEXDescriptor(venue, symbol string) string {
	return strings.ToLower(venue) + ":" + strings.ToUpper(symbol)
}

// HashDescriptor derives the InstrumentID from a canonical descriptor.
func HashDescriptor(descriptor string) InstrumentID {
	sum := crypto.Keccak256([]byte(descriptor))
	return InstrumentID(binary.LittleEndian.Uint64(sum[:8]))
}

func (id InstrumentID) String() string {
	return fmt.Sprintf("0x%016x", uint64(id))
}
