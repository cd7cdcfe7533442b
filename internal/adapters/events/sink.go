// Package events serves the live event stream: one websocket per client,
// fed by the pubsub engine and torn down together with the client's voice
// session on disconnect.
package events

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/zling/backend/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// wsSink adapts one websocket connection to core.EventSink. The bounded send
// channel is the subscriber's event queue: when it is full, TrySend drops
// the newest frame rather than blocking the publisher.
type wsSink struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newSink(conn *websocket.Conn, queueSize int) *wsSink {
	return &wsSink{
		conn: conn,
		send: make(chan core.Frame, queueSize),
	}
}

func (s *wsSink) TrySend(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("connection closed")
	}
	select {
	case s.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (s *wsSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	s.mu.Unlock()
}
