package voice

import (
	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
	"github.com/zling/backend/internal/pubsub"

	"sync"
)

// Producer is one inbound media stream registered to a client session.
// The id is unique across the whole server, not just the owning client.
type Producer struct {
	ID    string
	Kind  domain.MediaKind
	Owner domain.UserID
	src   core.MediaProducer
}

// Consumer is an outbound forwarding of one remote producer to this
// client's recv transport. ProducerID is a non-owning back-reference.
type Consumer struct {
	ID         string
	ProducerID string
	out        core.MediaConsumer
}

// Client is one user's realtime session: identity, at most one transport per
// direction, the producer/consumer registries and the live-event subscriber.
// Registries only ever hold producers/consumers created on this client's own
// transports.
//
// op serializes join/leave/teardown; mu guards the fields and is short-held,
// never across an engine call.
type Client struct {
	user domain.UserID

	op sync.Mutex

	mu        sync.Mutex
	send      *Transport
	recv      *Transport
	producers map[string]*Producer
	consumers map[string]*Consumer
	sub       *pubsub.Subscriber
	closed    bool
}

func newClient(user domain.UserID) *Client {
	return &Client{
		user:      user,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

func (c *Client) User() domain.UserID { return c.user }

// BindStream attaches the live-event subscriber for this session and returns
// the previously bound one (nil on first attach) so the caller can retire it.
// A reconnecting client replaces its stream; it never stacks two.
func (c *Client) BindStream(sub *pubsub.Subscriber) *pubsub.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sub
	c.sub = sub
	return prev
}

// DetachStream clears the bound subscriber if sub is still the current one.
// A false return means a newer connection took over the session and the
// caller must not tear it down.
func (c *Client) DetachStream(sub *pubsub.Subscriber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub == nil || c.sub != sub {
		return false
	}
	c.sub = nil
	return true
}

// Stream returns the live-event subscriber, nil when no stream is connected.
func (c *Client) Stream() *pubsub.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Client) transport(dir core.TransportDirection) *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == core.DirectionSend {
		return c.send
	}
	return c.recv
}

// setTransport commits a freshly created transport into its direction slot.
// A second transport of the same direction is rejected, and a session torn
// down mid-create refuses the commit; in both cases the caller must close
// the fresh engine transport.
func (c *Client) setTransport(t *Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	slot := &c.recv
	if t.dir == core.DirectionSend {
		slot = &c.send
	}
	if *slot != nil {
		return ErrAlreadyCreated
	}
	*slot = t
	return nil
}

// addProducer commits an engine-created producer. Fails with
// ErrSessionClosed when the session was torn down while the engine call was
// in flight; the caller must then release the producer instead.
func (c *Client) addProducer(p *Producer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.producers[p.ID] = p
	return nil
}

func (c *Client) removeProducer(id string) (*Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.producers[id]
	if ok {
		delete(c.producers, id)
	}
	return p, ok
}

func (c *Client) producer(id string) (*Producer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.producers[id]
	return p, ok
}

func (c *Client) producerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.producers)
}

// producerSnapshot returns the current producers without holding the lock
// for the caller's iteration.
func (c *Client) producerSnapshot() []*Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Producer, 0, len(c.producers))
	for _, p := range c.producers {
		out = append(out, p)
	}
	return out
}

func (c *Client) addConsumer(cons *Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.consumers[cons.ID] = cons
	return nil
}

// removeConsumer detaches and returns a consumer; absent ids are tolerated
// since the referenced entity may already be gone.
func (c *Client) removeConsumer(id string) (*Consumer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cons, ok := c.consumers[id]
	if ok {
		delete(c.consumers, id)
	}
	return cons, ok
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// clientResources is everything a teardown has to release.
type clientResources struct {
	send      *Transport
	recv      *Transport
	producers []*Producer
	consumers []*Consumer
	sub       *pubsub.Subscriber
}

// shutdown flips the one-shot closed flag and strips the session of its
// resources. The second caller gets ok=false and must not release anything.
func (c *Client) shutdown() (clientResources, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return clientResources{}, false
	}
	c.closed = true

	res := clientResources{send: c.send, recv: c.recv, sub: c.sub}
	for _, p := range c.producers {
		res.producers = append(res.producers, p)
	}
	for _, cons := range c.consumers {
		res.consumers = append(res.consumers, cons)
	}
	c.send, c.recv, c.sub = nil, nil, nil
	c.producers = make(map[string]*Producer)
	c.consumers = make(map[string]*Consumer)
	return res, true
}
