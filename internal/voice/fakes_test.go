package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
)

// fakeEngine hands out scripted transports so the session manager can be
// exercised without any network negotiation.
type fakeEngine struct {
	mu         sync.Mutex
	createErr  error
	transports []*fakeTransport
}

func (e *fakeEngine) CreateTransport(_ context.Context, id string, dir core.TransportDirection) (core.MediaTransport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	t := &fakeTransport{id: id, dir: dir}
	e.transports = append(e.transports, t)
	return t, nil
}

type fakeTransport struct {
	id  string
	dir core.TransportDirection

	connectErr error
	produceErr error
	consumeErr error

	closed atomic.Bool

	mu        sync.Mutex
	producers []*fakeProducer
	consumers []*fakeConsumer
}

func (t *fakeTransport) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 " + t.id}
}

func (t *fakeTransport) Connect(context.Context, core.ConnectParams) error {
	return t.connectErr
}

func (t *fakeTransport) Produce(_ context.Context, kind domain.MediaKind, _ core.ProduceParams) (core.MediaProducer, error) {
	if t.produceErr != nil {
		return nil, t.produceErr
	}
	p := newFakeProducer(kind)
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *fakeTransport) Consume(_ context.Context, _ core.MediaProducer) (core.MediaConsumer, error) {
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	c := &fakeConsumer{}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *fakeTransport) Close() { t.closed.Store(true) }

type fakeProducer struct {
	kind    domain.MediaKind
	packets chan *rtp.Packet

	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
}

func newFakeProducer(kind domain.MediaKind) *fakeProducer {
	return &fakeProducer{
		kind:    kind,
		packets: make(chan *rtp.Packet, 16),
		done:    make(chan struct{}),
	}
}

func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }

func (p *fakeProducer) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-p.packets:
		return pkt, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *fakeProducer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

type fakeConsumer struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (c *fakeConsumer) WriteRTP(*rtp.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.writes++
	return nil
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testPacket() *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: []byte{0x01}}
}

// eventSink buffers published frames for assertions on the notify paths.
type eventSink struct {
	frames chan core.Frame
}

func newEventSink() *eventSink {
	return &eventSink{frames: make(chan core.Frame, 32)}
}

func (s *eventSink) TrySend(f core.Frame) error {
	select {
	case s.frames <- f:
		return nil
	default:
		return errors.New("full")
	}
}

func (s *eventSink) Close() {}

func (s *eventSink) ops(t *testing.T) []string {
	t.Helper()
	var out []string
	for {
		select {
		case f := <-s.frames:
			var ev struct {
				Op string `json:"op"`
			}
			require.NoError(t, json.Unmarshal(f, &ev))
			out = append(out, ev.Op)
		default:
			return out
		}
	}
}
