// Package adapter defines the capability set every upstream connector
// satisfies. Any adapter exposing these four operations can feed a relay;
// the launcher composes them without knowing venue specifics.
package adapter

import (
	"context"

	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// Adapter owns exactly one upstream connection and one (domain, source)
// stream on a relay.
type Adapter interface {
	// Start runs the adapter until ctx ends or a fatal error occurs.
	// Transient upstream failures are retried internally with backoff and
	// never surface here.
	Start(ctx context.Context) error

	// Stop releases the upstream connection and the relay publisher.
	Stop()

	// Subscribe narrows the watched instrument set. Adapters that watch a
	// static configured set may ignore ids they do not know.
	Subscribe(ids []protocol.InstrumentID) error

	// StateSnapshot returns the adapter's current pool states, the same
	// messages it emits on (re)connect.
	StateSnapshot() []protocol.PoolState
}
