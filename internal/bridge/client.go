package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// msgQueue is a bounded drop-oldest queue of marshaled JSON frames; the
// same backpressure policy the relay applies to its subscribers.
type msgQueue struct {
	mu      sync.Mutex
	buf     [][]byte
	head    int
	count   int
	dropped uint64
	closed  bool
	signal  chan struct{}
}

func newMsgQueue(capacity int) *msgQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &msgQueue{buf: make([][]byte, capacity), signal: make(chan struct{}, 1)}
}

func (q *msgQueue) push(frame []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.count == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
	}
	q.buf[(q.head+q.count)%len(q.buf)] = frame
	q.count++
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *msgQueue) pop(ctx context.Context) ([]byte, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			frame := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.count--
			q.mu.Unlock()
			return frame, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *msgQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// client is one connected dashboard.
type client struct {
	conn  *websocket.Conn
	queue *msgQueue

	mu   sync.Mutex
	subs map[string]bool // empty set means everything
}

func newClient(conn *websocket.Conn, queueSize int) *client {
	return &client{
		conn:  conn,
		queue: newMsgQueue(queueSize),
		subs:  make(map[string]bool),
	}
}

// wants applies the client's subscription filter.
func (c *client) wants(instrument string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	return c.subs[instrument]
}

// readLoop handles subscribe and ping commands until the socket drops.
func (c *client) readLoop(log *zap.Logger) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			log.Debug("ignoring malformed client command", zap.Error(err))
			continue
		}
		switch cmd.Type {
		case "subscribe":
			c.mu.Lock()
			c.subs = make(map[string]bool, len(cmd.Instruments))
			for _, ins := range cmd.Instruments {
				c.subs[ins] = true
			}
			c.mu.Unlock()
		case "ping":
			if raw, err := json.Marshal(pongFrame{MsgType: "pong"}); err == nil {
				c.queue.push(raw)
			}
		}
	}
}

// writeLoop drains the queue onto the socket.
func (c *client) writeLoop(ctx context.Context) {
	for {
		frame, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.queue.close()
	c.conn.Close()
}
