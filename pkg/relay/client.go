// Package relay provides the client side of the Unix-socket fan-out
// substrate: a Publisher (the single writer for a source) and a Subscriber
// (one of arbitrarily many readers). The three-byte handshake declares the
// role up front so the relay can refuse a second writer for a source before
// any frame moves.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dawsh2/alphapulse/pkg/protocol"
)

// Handshake bytes exchanged immediately after connect.
const (
	RoleWriter byte = 1
	RoleReader byte = 2

	AckOK      byte = 0
	AckRefused byte = 1
)

// DialTimeout bounds every relay connect.
const DialTimeout = 5 * time.Second

var (
	ErrWriterRefused = errors.New("relay: writer role refused (source already connected)")
	ErrRefused       = errors.New("relay: connection refused")
)

func dial(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", path, err)
	}
	return conn, nil
}

func handshake(conn net.Conn, role byte, domain protocol.Domain, source protocol.SourceID) error {
	if err := conn.SetDeadline(time.Now().Add(DialTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write([]byte{role, byte(domain), byte(source)}); err != nil {
		return fmt.Errorf("relay: handshake write: %w", err)
	}
	var ack [1]byte
	if _, err := conn.Read(ack[:]); err != nil {
		return fmt.Errorf("relay: handshake read: %w", err)
	}
	if ack[0] != AckOK {
		if role == RoleWriter {
			return ErrWriterRefused
		}
		return ErrRefused
	}
	return conn.SetDeadline(time.Time{})
}

// Publisher is the write role for one (domain, source) stream. It owns the
// sequence counter: frames carry consecutive sequence numbers until Reset.
type Publisher struct {
	mu     sync.Mutex
	conn   net.Conn
	domain protocol.Domain
	source protocol.SourceID
	seq    uint64
	nowNs  func() uint64
}

// DialPublisher connects and claims the writer role for source.
func DialPublisher(ctx context.Context, path string, domain protocol.Domain, source protocol.SourceID) (*Publisher, error) {
	conn, err := dial(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := handshake(conn, RoleWriter, domain, source); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{
		conn:   conn,
		domain: domain,
		source: source,
		nowNs:  func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

// Publish encodes the messages into one frame and writes it, assigning the
// next sequence number.
func (p *Publisher) Publish(msgs ...protocol.Message) error {
	payload, err := protocol.EncodePayload(msgs...)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	frame, err := protocol.EncodeFrame(protocol.Header{
		Domain:      p.domain,
		Source:      p.source,
		Sequence:    p.seq,
		TimestampNs: p.nowNs(),
	}, payload)
	if err != nil {
		return err
	}
	if _, err := p.conn.Write(frame); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	p.seq++
	return nil
}

// Reset announces a new sequence base (after a source restart) and rebases
// the publisher's counter. The SourceReset frame itself carries the new
// base sequence.
func (p *Publisher) Reset(newBase uint64) error {
	p.mu.Lock()
	p.seq = newBase
	p.mu.Unlock()
	return p.Publish(protocol.SourceReset{NewSequence: newBase})
}

// Sequence returns the next sequence number to be assigned.
func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Publisher) Close() error { return p.conn.Close() }

// Subscriber is the read role: a FIFO of verified frames for one domain.
type Subscriber struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialSubscriber connects in the read role.
func DialSubscriber(ctx context.Context, path string, domain protocol.Domain) (*Subscriber, error) {
	conn, err := dial(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := handshake(conn, RoleReader, domain, 0); err != nil {
		conn.Close()
		return nil, err
	}
	return &Subscriber{conn: conn, r: bufio.NewReaderSize(conn, 1<<16)}, nil
}

// Next blocks for the next frame and decodes its messages. The header is
// returned alongside so consumers can track per-source sequence continuity.
func (s *Subscriber) Next() (protocol.Header, []protocol.Message, error) {
	h, payload, _, err := protocol.ReadFrame(s.r)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	msgs, err := protocol.DecodePayload(payload)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return h, msgs, nil
}

// NextRaw returns the next verified frame without decoding the payload;
// the bridge uses it to forward frames wholesale.
func (s *Subscriber) NextRaw() (protocol.Header, []byte, error) {
	h, payload, _, err := protocol.ReadFrame(s.r)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	return h, payload, nil
}

// SetReadDeadline bounds the next read; used by idle-timeout loops.
func (s *Subscriber) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

func (s *Subscriber) Close() error { return s.conn.Close() }
