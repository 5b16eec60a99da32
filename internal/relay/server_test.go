package relay

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dawsh2/alphapulse/pkg/fixedpoint"
	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sock")
	cfg.Path = path
	if cfg.Domain == 0 {
		cfg.Domain = protocol.DomainMarketData
	}
	srv := NewServer(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("server did not stop in time")
		}
	})

	// Wait for the socket to exist.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return srv, path
}

func mapping(id protocol.InstrumentID, desc string) protocol.InstrumentMapping {
	return protocol.InstrumentMapping{Instrument: id, Descriptor: desc}
}

func TestSingleWriterPerSource(t *testing.T) {
	_, path := startTestServer(t, Config{})
	ctx := context.Background()

	pub, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 1)
	require.NoError(t, err)
	defer pub.Close()

	_, err = relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 1)
	assert.ErrorIs(t, err, relayclient.ErrWriterRefused)

	// A different source id is fine.
	pub2, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 2)
	require.NoError(t, err)
	pub2.Close()
}

func TestWrongDomainRefused(t *testing.T) {
	_, path := startTestServer(t, Config{Domain: protocol.DomainSignal})
	_, err := relayclient.DialSubscriber(context.Background(), path, protocol.DomainMarketData)
	assert.Error(t, err)
}

func TestFanOutPreservesOrderAndSequence(t *testing.T) {
	_, path := startTestServer(t, Config{})
	ctx := context.Background()

	sub, err := relayclient.DialSubscriber(ctx, path, protocol.DomainMarketData)
	require.NoError(t, err)
	defer sub.Close()

	pub, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 3)
	require.NoError(t, err)
	defer pub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Publish(protocol.SourceReset{NewSequence: uint64(i)}))
	}

	for i := 0; i < 5; i++ {
		h, msgs, err := sub.Next()
		require.NoError(t, err)
		assert.Equal(t, uint64(i), h.Sequence, "relay must pass sequence through unchanged")
		assert.Equal(t, protocol.SourceID(3), h.Source)
		require.Len(t, msgs, 1)
	}
}

func TestReplayOnSubscribe(t *testing.T) {
	_, path := startTestServer(t, Config{})
	ctx := context.Background()

	pub, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 1)
	require.NoError(t, err)
	defer pub.Close()

	// Broadcast three mappings and two pool states before anyone listens.
	for i, desc := range []string{"a", "b", "c"} {
		require.NoError(t, pub.Publish(mapping(protocol.InstrumentID(i+1), desc)))
	}
	for _, pool := range []protocol.InstrumentID{101, 102} {
		require.NoError(t, pub.Publish(protocol.PoolState{
			Pool:     pool,
			Kind:     protocol.PoolV2,
			FeePips:  3000,
			Reserve0: fixedpoint.FromInt64(10, 18),
			Reserve1: fixedpoint.FromInt64(20, 6),
		}))
	}
	// Give the relay a moment to ingest.
	time.Sleep(100 * time.Millisecond)

	sub, err := relayclient.DialSubscriber(ctx, path, protocol.DomainMarketData)
	require.NoError(t, err)
	defer sub.Close()

	// A live frame published after subscribe must arrive only after the
	// full replay.
	require.NoError(t, pub.Publish(protocol.SourceReset{NewSequence: 99}))

	var gotMappings []protocol.InstrumentID
	var gotStates []protocol.InstrumentID
	for {
		_, msgs, err := sub.Next()
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		done := false
		switch m := msgs[0].(type) {
		case protocol.InstrumentMapping:
			assert.Empty(t, gotStates, "mappings replay before states")
			gotMappings = append(gotMappings, m.Instrument)
		case protocol.PoolState:
			gotStates = append(gotStates, m.Pool)
		case protocol.SourceReset:
			done = true
		}
		if done {
			break
		}
	}
	assert.Equal(t, []protocol.InstrumentID{1, 2, 3}, gotMappings)
	assert.Equal(t, []protocol.InstrumentID{101, 102}, gotStates)
}

func TestLatestPoolStateWins(t *testing.T) {
	_, path := startTestServer(t, Config{})
	ctx := context.Background()

	pub, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 1)
	require.NoError(t, err)
	defer pub.Close()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, pub.Publish(protocol.PoolState{
			Pool:     7,
			Kind:     protocol.PoolV2,
			FeePips:  3000,
			Reserve0: fixedpoint.FromInt64(i, 18),
			Reserve1: fixedpoint.FromInt64(i, 6),
		}))
	}
	time.Sleep(100 * time.Millisecond)

	sub, err := relayclient.DialSubscriber(ctx, path, protocol.DomainMarketData)
	require.NoError(t, err)
	defer sub.Close()

	_, msgs, err := sub.Next()
	require.NoError(t, err)
	state := msgs[0].(protocol.PoolState)
	assert.Equal(t, fixedpoint.FromInt64(3, 18), state.Reserve0, "only the latest snapshot replays")
}

func TestBackpressureDropsOldestWithoutBlockingWriter(t *testing.T) {
	srv, path := startTestServer(t, Config{QueueSize: 64})
	ctx := context.Background()

	// A raw reader that never reads after handshake.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{relayclient.RoleReader, byte(protocol.DomainMarketData), 0})
	require.NoError(t, err)
	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	require.Equal(t, relayclient.AckOK, ack[0])

	pub, err := relayclient.DialPublisher(ctx, path, protocol.DomainMarketData, 1)
	require.NoError(t, err)
	defer pub.Close()

	const total = 50_000
	start := time.Now()
	for i := 0; i < total; i++ {
		require.NoError(t, pub.Publish(protocol.SourceReset{NewSequence: uint64(i)}))
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 10*time.Second, "writer must never block on a stalled subscriber")

	require.Eventually(t, func() bool {
		return srv.Metrics().FramesIn >= total
	}, 5*time.Second, 10*time.Millisecond)

	m := srv.Metrics()
	// Kernel socket buffers absorb some frames; everything else the stalled
	// subscriber could not take must have been dropped oldest-first.
	assert.Greater(t, m.FramesDropped, uint64(total/2))
	assert.Equal(t, 1, m.Subscribers)
}

func TestViolationThresholdClosesSource(t *testing.T) {
	srv, path := startTestServer(t, Config{ViolationLimit: 5})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{relayclient.RoleWriter, byte(protocol.DomainMarketData), 9})
	require.NoError(t, err)
	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)
	require.Equal(t, relayclient.AckOK, ack[0])

	// Garbage: never a valid magic.
	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = 0x55
	}
	conn.Write(junk)

	// The relay must give up on this source and close the connection.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err, "connection should be closed by the relay")

	assert.GreaterOrEqual(t, srv.Metrics().Violations, uint64(5))
}

func TestCorruptFrameDroppedValidFramePasses(t *testing.T) {
	_, path := startTestServer(t, Config{ViolationLimit: 100})
	ctx := context.Background()

	sub, err := relayclient.DialSubscriber(ctx, path, protocol.DomainMarketData)
	require.NoError(t, err)
	defer sub.Close()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{relayclient.RoleWriter, byte(protocol.DomainMarketData), 2})
	require.NoError(t, err)
	ack := make([]byte, 1)
	_, err = conn.Read(ack)
	require.NoError(t, err)

	payload, err := protocol.EncodePayload(protocol.SourceReset{NewSequence: 1})
	require.NoError(t, err)
	bad, err := protocol.EncodeFrame(protocol.Header{
		Domain: protocol.DomainMarketData, Source: 2, Sequence: 0,
	}, payload)
	require.NoError(t, err)
	bad[protocol.HeaderSize] ^= 0xFF // corrupt payload; CRC now fails

	good, err := protocol.EncodeFrame(protocol.Header{
		Domain: protocol.DomainMarketData, Source: 2, Sequence: 1,
	}, payload)
	require.NoError(t, err)

	_, err = conn.Write(append(append([]byte(nil), bad...), good...))
	require.NoError(t, err)

	h, msgs, err := sub.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Sequence, "only the valid frame passes")
	require.Len(t, msgs, 1)
}
