// Package relay implements the single-domain fan-out server: exactly one
// writer per (domain, source), any number of subscribers, bounded
// drop-oldest queues, and instrument/state replay on subscribe.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dawsh2/alphapulse/pkg/protocol"
	relayclient "github.com/dawsh2/alphapulse/pkg/relay"
)

// Config sizes one relay domain.
type Config struct {
	Path   string
	Domain protocol.Domain
	// QueueSize bounds each subscriber's pending frames; overflow drops the
	// oldest.
	QueueSize int
	// ViolationLimit closes a source connection after this many malformed
	// frames.
	ViolationLimit int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ViolationLimit <= 0 {
		c.ViolationLimit = 10
	}
}

// Metrics is a point-in-time counter snapshot.
type Metrics struct {
	FramesIn      uint64
	FramesOut     uint64
	FramesDropped uint64
	Violations    uint64
	Subscribers   int
	Writers       int
}

type subscriber struct {
	conn  net.Conn
	queue *frameQueue
}

// Server is one relay domain bound to a Unix socket.
type Server struct {
	cfg Config
	log *zap.Logger

	ln net.Listener

	mu       sync.Mutex
	writers  map[protocol.SourceID]net.Conn
	subs     []*subscriber
	mapOrder []protocol.InstrumentID
	mappings map[protocol.InstrumentID][]byte
	stateOrd []protocol.InstrumentID
	states   map[protocol.InstrumentID][]byte

	framesIn   uint64
	framesOut  uint64
	violations uint64

	wg sync.WaitGroup
}

// NewServer builds a relay for one domain.
func NewServer(cfg Config, log *zap.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		log:      log.Named("relay").With(zap.String("domain", cfg.Domain.String())),
		writers:  make(map[protocol.SourceID]net.Conn),
		mappings: make(map[protocol.InstrumentID][]byte),
		states:   make(map[protocol.InstrumentID][]byte),
	}
}

// Start binds the socket and serves until ctx is cancelled. The socket
// directory is created 0700 and the socket itself 0600.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("relay: create socket dir: %w", err)
	}
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("relay: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return fmt.Errorf("relay: listen %s: %w", s.cfg.Path, err)
	}
	if err := os.Chmod(s.cfg.Path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("relay: chmod socket: %w", err)
	}
	s.ln = ln
	s.log.Info("relay listening", zap.String("path", s.cfg.Path))

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for _, conn := range s.writers {
			conn.Close()
		}
		for _, sub := range s.subs {
			sub.queue.close()
			sub.conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var hello [3]byte
	conn.SetReadDeadline(time.Now().Add(relayclient.DialTimeout))
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		s.log.Debug("handshake read failed", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	role, domain, source := hello[0], protocol.Domain(hello[1]), protocol.SourceID(hello[2])
	if domain != s.cfg.Domain {
		conn.Write([]byte{relayclient.AckRefused})
		return
	}

	switch role {
	case relayclient.RoleWriter:
		s.serveWriter(conn, source)
	case relayclient.RoleReader:
		s.serveReader(ctx, conn)
	default:
		conn.Write([]byte{relayclient.AckRefused})
	}
}

// serveWriter enforces single-writer-per-source, then ingests frames until
// disconnect or too many protocol violations.
func (s *Server) serveWriter(conn net.Conn, source protocol.SourceID) {
	s.mu.Lock()
	if _, taken := s.writers[source]; taken {
		s.mu.Unlock()
		s.log.Warn("refused duplicate writer", zap.Uint8("source", uint8(source)))
		conn.Write([]byte{relayclient.AckRefused})
		return
	}
	s.writers[source] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.writers, source)
		s.mu.Unlock()
	}()

	if _, err := conn.Write([]byte{relayclient.AckOK}); err != nil {
		return
	}
	s.log.Info("writer connected", zap.Uint8("source", uint8(source)))

	br := bufio.NewReaderSize(conn, 1<<16)
	violations := 0
	for {
		frame, err := s.readFrameResync(br, &violations)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("writer stream ended", zap.Uint8("source", uint8(source)), zap.Error(err))
			}
			return
		}
		if frame == nil {
			// A malformed frame was counted and skipped.
			if violations >= s.cfg.ViolationLimit {
				s.log.Warn("closing source after repeated violations",
					zap.Uint8("source", uint8(source)), zap.Int("violations", violations))
				return
			}
			continue
		}
		h, payload, _ := protocol.VerifyFrame(frame)
		if h.Source != source {
			violations++
			s.addViolation()
			continue
		}
		s.ingest(payload, frame)
	}
}

// readFrameResync reads one frame, scanning forward a byte at a time on a
// bad magic so one corrupt write does not wedge the stream. A nil frame with
// nil error means a violation was counted and the caller decides whether to
// keep the source.
func (s *Server) readFrameResync(br *bufio.Reader, violations *int) ([]byte, error) {
	head, err := br.Peek(protocol.HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := protocol.DecodeHeader(head)
	if err != nil {
		br.Discard(1)
		*violations++
		s.addViolation()
		return nil, nil
	}
	total := protocol.HeaderSize + int(h.PayloadSize)
	frame := make([]byte, total)
	if _, err := io.ReadFull(br, frame); err != nil {
		return nil, err
	}
	if _, _, err := protocol.VerifyFrame(frame); err != nil {
		*violations++
		s.addViolation()
		return nil, nil
	}
	return frame, nil
}

// ingest caches bootstrap material and fans the frame out. The subscriber
// table and caches share one lock so a concurrent subscribe sees either the
// world before this frame or after it, never a torn view.
func (s *Server) ingest(payload, frame []byte) {
	s.mu.Lock()
	s.framesIn++
	s.cacheBootstrapLocked(payload, frame)
	subs := s.subs
	for _, sub := range subs {
		sub.queue.push(frame)
	}
	s.framesOut += uint64(len(subs))
	s.mu.Unlock()
}

// cacheBootstrapLocked retains mapping and latest-state frames for replay.
func (s *Server) cacheBootstrapLocked(payload, frame []byte) {
	cur := protocol.NewTLVCursor(payload)
	for {
		typ, body, ok, err := cur.Next()
		if err != nil || !ok {
			return
		}
		switch typ {
		case protocol.TypeInstrumentMapping:
			m, err := protocol.DecodeMessage(typ, body)
			if err != nil {
				continue
			}
			im := m.(protocol.InstrumentMapping)
			if _, seen := s.mappings[im.Instrument]; !seen {
				s.mapOrder = append(s.mapOrder, im.Instrument)
			}
			s.mappings[im.Instrument] = frame
		case protocol.TypePoolState:
			m, err := protocol.DecodeMessage(typ, body)
			if err != nil {
				continue
			}
			ps := m.(protocol.PoolState)
			if _, seen := s.states[ps.Pool]; !seen {
				s.stateOrd = append(s.stateOrd, ps.Pool)
			}
			s.states[ps.Pool] = frame
		}
	}
}

// serveReader replays the bootstrap set, then streams live frames through a
// bounded drop-oldest queue.
func (s *Server) serveReader(ctx context.Context, conn net.Conn) {
	sub := &subscriber{conn: conn, queue: newFrameQueue(s.cfg.QueueSize)}

	// Register before acking so a frame published the instant the client's
	// dial returns is already fanned out to this queue. Replay lands ahead
	// of any live frame because both paths go through the same lock.
	s.mu.Lock()
	for _, id := range s.mapOrder {
		sub.queue.push(s.mappings[id])
	}
	for _, id := range s.stateOrd {
		sub.queue.push(s.states[id])
	}
	s.subs = append(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()

	if _, err := conn.Write([]byte{relayclient.AckOK}); err != nil {
		s.removeSub(sub)
		return
	}
	s.log.Info("subscriber connected", zap.Int("subscribers", n))

	defer s.removeSub(sub)
	for {
		frame, ok := sub.queue.pop(ctx)
		if !ok {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(frame); err != nil {
			s.log.Debug("subscriber write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) removeSub(sub *subscriber) {
	sub.queue.close()
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, existing := range s.subs {
		if existing != sub {
			subs = append(subs, existing)
		}
	}
	s.subs = subs
	s.mu.Unlock()
}

func (s *Server) addViolation() {
	s.mu.Lock()
	s.violations++
	s.mu.Unlock()
}

// Metrics snapshots the relay counters.
func (s *Server) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped uint64
	for _, sub := range s.subs {
		dropped += sub.queue.droppedCount()
	}
	return Metrics{
		FramesIn:      s.framesIn,
		FramesOut:     s.framesOut,
		FramesDropped: dropped,
		Violations:    s.violations,
		Subscribers:   len(s.subs),
		Writers:       len(s.writers),
	}
}
