// Package voice manages per-client media sessions for voice channels: the
// transport lifecycle, producer/consumer registries, channel membership and
// the cross-notification of the pubsub engine when streams appear and
// disappear.
package voice

import (
	"context"

	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
	"github.com/zling/backend/internal/pubsub"
)

// Server composes transports and registries with channel membership. The
// membership and owner maps hold only ids, never resources: a session is
// always torn down through its own Client and absence in an index is a
// normal outcome.
type Server struct {
	engine core.MediaEngine
	events *pubsub.Manager
	root   context.Context

	mu        sync.RWMutex
	clients   map[domain.UserID]*Client
	members   map[domain.ChannelID]map[domain.UserID]struct{}
	channelOf map[domain.UserID]domain.ChannelID
	owners    map[string]domain.UserID // producer id -> owning session

	fwds *forwarderSet
}

// NewServer wires the session manager. ctx bounds the lifetime of all
// forwarder loops (normally the process context).
func NewServer(ctx context.Context, engine core.MediaEngine, events *pubsub.Manager) *Server {
	return &Server{
		engine:    engine,
		events:    events,
		root:      ctx,
		clients:   make(map[domain.UserID]*Client),
		members:   make(map[domain.ChannelID]map[domain.UserID]struct{}),
		channelOf: make(map[domain.UserID]domain.ChannelID),
		owners:    make(map[string]domain.UserID),
		fwds:      newForwarderSet(),
	}
}

// Session returns the client session for a user, creating it on first use.
func (s *Server) Session(user domain.UserID) *Client {
	s.mu.RLock()
	c, ok := s.clients[user]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.clients[user]; ok {
		return c
	}
	c = newClient(user)
	s.clients[user] = c
	log.Info().Str("module", "voice").Str("user", string(user)).Msg("created session")
	return c
}

func (s *Server) session(user domain.UserID) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[user]
	return c, ok
}

// AttachStream binds the live event subscriber for user and brings its topic
// set in line with the session's current voice membership, so a stream opened
// after (or reopened during) a voice join still carries the channel topic.
// Returns the previously bound subscriber; the caller must unregister it so
// the index never keeps referencing a replaced connection.
func (s *Server) AttachStream(user domain.UserID, sub *pubsub.Subscriber) *pubsub.Subscriber {
	c := s.Session(user)
	prev := c.BindStream(sub)
	if ch, ok := s.ChannelOf(user); ok {
		s.events.Subscribe(sub, pubsub.ChannelTopic(ch))
	}
	return prev
}

// DetachStream clears the session's subscriber when sub is still the bound
// one. Only the connection that owned the session may tear it down; a stale
// connection whose stream was already replaced gets false.
func (s *Server) DetachStream(user domain.UserID, sub *pubsub.Subscriber) bool {
	c, ok := s.session(user)
	if !ok {
		return false
	}
	return c.DetachStream(sub)
}

// ChannelOf reports which voice channel the user is currently joined to.
func (s *Server) ChannelOf(user domain.UserID) (domain.ChannelID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channelOf[user]
	return ch, ok
}

// Join adds the session to a voice channel, implicitly leaving the previous
// one first. Joining the current channel again is a no-op.
func (s *Server) Join(user domain.UserID, channel domain.ChannelID) error {
	c := s.Session(user)
	c.op.Lock()
	defer c.op.Unlock()

	if c.isClosed() {
		return ErrSessionClosed
	}

	if cur, ok := s.ChannelOf(user); ok {
		if cur == channel {
			return nil
		}
		s.leaveLocked(c, cur)
	}

	s.mu.Lock()
	set, ok := s.members[channel]
	if !ok {
		set = make(map[domain.UserID]struct{})
		s.members[channel] = set
	}
	set[user] = struct{}{}
	s.channelOf[user] = channel
	s.mu.Unlock()

	if sub := c.Stream(); sub != nil {
		s.events.Subscribe(sub, pubsub.ChannelTopic(channel))
	}
	s.events.NotifyVoiceJoined(channel, user)
	log.Info().Str("module", "voice").Str("user", string(user)).Str("channel", string(channel)).Msg("joined voice channel")
	return nil
}

// Leave removes the session from its current channel. Leaving while not in
// a channel is a no-op.
func (s *Server) Leave(user domain.UserID) {
	c, ok := s.session(user)
	if !ok {
		return
	}
	c.op.Lock()
	defer c.op.Unlock()
	if cur, ok := s.ChannelOf(user); ok {
		s.leaveLocked(c, cur)
	}
}

// leaveLocked tears down the channel-scoped state of c: producers are closed
// eagerly (members of the old channel must stop receiving media now, not
// lazily), membership and the topic subscription are removed, and the
// departure is announced. Caller holds c.op.
func (s *Server) leaveLocked(c *Client, channel domain.ChannelID) {
	for _, p := range c.producerSnapshot() {
		if p2, ok := c.removeProducer(p.ID); ok {
			s.releaseProducer(p2, channel, true)
		}
	}

	s.mu.Lock()
	if set, ok := s.members[channel]; ok {
		delete(set, c.user)
		if len(set) == 0 {
			delete(s.members, channel)
		}
	}
	delete(s.channelOf, c.user)
	s.mu.Unlock()

	if sub := c.Stream(); sub != nil {
		s.events.Unsubscribe(sub, pubsub.ChannelTopic(channel))
	}
	s.events.NotifyVoiceLeft(channel, c.user)
	log.Info().Str("module", "voice").Str("user", string(c.user)).Str("channel", string(channel)).Msg("left voice channel")
}

// CreateTransport creates one transport of the given direction and returns
// the local offer. A second transport of the same direction is rejected with
// ErrAlreadyCreated.
func (s *Server) CreateTransport(ctx context.Context, user domain.UserID, dir core.TransportDirection) (webrtc.SessionDescription, error) {
	c := s.Session(user)
	if c.transport(dir) != nil {
		return webrtc.SessionDescription{}, ErrAlreadyCreated
	}

	mt, err := s.engine.CreateTransport(ctx, string(user)+":"+string(dir), dir)
	if err != nil {
		log.Error().Err(err).Str("module", "voice").Str("user", string(user)).Msg("engine create transport failed")
		return webrtc.SessionDescription{}, err
	}

	t := newTransport(dir, mt)
	if err := c.setTransport(t); err != nil {
		// Lost the race against a concurrent create or a teardown; the
		// fresh engine transport must not leak.
		mt.Close()
		return webrtc.SessionDescription{}, err
	}
	return mt.Description(), nil
}

// ConnectTransport applies the client's answer to a previously created
// transport.
func (s *Server) ConnectTransport(ctx context.Context, user domain.UserID, dir core.TransportDirection, params core.ConnectParams) error {
	c, ok := s.session(user)
	if !ok {
		return ErrTransportNotCreated
	}
	t := c.transport(dir)
	if t == nil {
		return ErrTransportNotCreated
	}
	return t.Connect(ctx, params)
}

// Produce registers a new inbound stream on the session's send transport and
// returns its server-unique id. When the session is a member of a voice
// channel, the channel topic is notified — strictly after the producer is
// committed to the registry.
func (s *Server) Produce(ctx context.Context, user domain.UserID, kind domain.MediaKind, params core.ProduceParams) (string, error) {
	c := s.Session(user)
	t := c.transport(core.DirectionSend)
	if t == nil {
		return "", ErrTransportNotCreated
	}
	mt, err := t.connected()
	if err != nil {
		return "", err
	}

	src, err := mt.Produce(ctx, kind, params)
	if err != nil {
		log.Error().Err(err).Str("module", "voice").Str("user", string(user)).Msg("produce failed")
		return "", ErrProducerFailed
	}

	id := uuid.NewString()
	p := &Producer{ID: id, Kind: kind, Owner: user, src: src}

	s.mu.Lock()
	s.owners[id] = user
	s.mu.Unlock()

	if err := c.addProducer(p); err != nil {
		// Session torn down while the engine call was in flight: release
		// the fresh producer instead of registering it.
		s.mu.Lock()
		delete(s.owners, id)
		s.mu.Unlock()
		src.Close()
		return "", err
	}

	s.fwds.Start(s.root, id, src)

	if c.isClosed() {
		// Teardown landed between the registry commit and the forwarder
		// start; it could not see the forwarder, so stop it here. The
		// producer itself was already released by the teardown.
		s.fwds.Stop(id)
		return "", ErrSessionClosed
	}

	if ch, ok := s.ChannelOf(user); ok {
		s.events.NotifyProducerAdded(ch, id, user, kind)
	}
	log.Info().Str("module", "voice").Str("user", string(user)).Str("producer_id", id).Str("kind", string(kind)).Msg("producer added")
	return id, nil
}

// Consume forwards a remote producer to the session's recv transport. The
// producer must belong to a member of the same voice channel; anything else
// resolves to ErrNotFound since the referenced stream may legitimately be
// gone already.
func (s *Server) Consume(ctx context.Context, user domain.UserID, producerID string) (string, error) {
	c := s.Session(user)
	t := c.transport(core.DirectionRecv)
	if t == nil {
		return "", ErrTransportNotCreated
	}
	mt, err := t.connected()
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	owner, haveOwner := s.owners[producerID]
	myCh, inChannel := s.channelOf[user]
	ownerCh, ownerInChannel := s.channelOf[owner]
	s.mu.RUnlock()
	if !haveOwner || !inChannel || !ownerInChannel || myCh != ownerCh {
		return "", ErrNotFound
	}

	oc, ok := s.session(owner)
	if !ok {
		return "", ErrNotFound
	}
	p, ok := oc.producer(producerID)
	if !ok {
		return "", ErrNotFound
	}

	sink, err := mt.Consume(ctx, p.src)
	if err != nil {
		log.Error().Err(err).Str("module", "voice").Str("user", string(user)).Str("producer_id", producerID).Msg("consume failed")
		return "", ErrConsumerFailed
	}

	id := uuid.NewString()
	cons := &Consumer{ID: id, ProducerID: producerID, out: sink}
	if err := c.addConsumer(cons); err != nil {
		sink.Close()
		return "", err
	}

	leg := &out{consumerID: id, owner: user, sink: sink}
	if !s.fwds.AddOut(producerID, leg) {
		// Producer vanished while we were negotiating.
		if cons2, ok := c.removeConsumer(id); ok {
			cons2.out.Close()
		}
		return "", ErrNotFound
	}
	return id, nil
}

// RemoveProducer closes one of the session's own producers and cascades to
// every consumer in the system that was forwarding it.
func (s *Server) RemoveProducer(user domain.UserID, producerID string) error {
	c, ok := s.session(user)
	if !ok {
		return ErrNotFound
	}
	p, ok := c.removeProducer(producerID)
	if !ok {
		return ErrNotFound
	}
	ch, inChannel := s.ChannelOf(user)
	s.releaseProducer(p, ch, inChannel)
	return nil
}

// releaseProducer drops the owner index entry, stops the forwarder, closes
// every dependent consumer on its owning session and finally the producer
// itself. notify controls the producer_removed broadcast.
func (s *Server) releaseProducer(p *Producer, channel domain.ChannelID, notify bool) {
	s.mu.Lock()
	delete(s.owners, p.ID)
	s.mu.Unlock()

	for _, ref := range s.fwds.Stop(p.ID) {
		if rc, ok := s.session(ref.Owner); ok {
			if cons, ok := rc.removeConsumer(ref.ConsumerID); ok {
				cons.out.Close()
			}
		}
	}
	p.src.Close()

	if notify {
		s.events.NotifyProducerRemoved(channel, p.ID)
	}
	log.Info().Str("module", "voice").Str("producer_id", p.ID).Msg("producer removed")
}

// SetConsumerMuted pauses or resumes one of the session's own consumers
// without tearing the forwarding down.
func (s *Server) SetConsumerMuted(user domain.UserID, consumerID string, muted bool) error {
	c, ok := s.session(user)
	if !ok {
		return ErrNotFound
	}
	c.mu.Lock()
	cons, ok := c.consumers[consumerID]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.fwds.SetMuted(cons.ProducerID, consumerID, muted)
	return nil
}

// Teardown destroys the session and everything it owns: transports,
// producers (with consumer cascade), consumers, channel membership and all
// topic subscriptions. It is the only removal path, idempotent, and callable
// from any trigger — explicit disconnect, idle timeout or protocol error.
func (s *Server) Teardown(user domain.UserID) {
	c, ok := s.session(user)
	if !ok {
		return
	}
	c.op.Lock()
	defer c.op.Unlock()

	res, first := c.shutdown()
	if !first {
		return
	}

	s.mu.Lock()
	ch, inChannel := s.channelOf[user]
	if inChannel {
		if set, ok := s.members[ch]; ok {
			delete(set, user)
			if len(set) == 0 {
				delete(s.members, ch)
			}
		}
		delete(s.channelOf, user)
	}
	for _, p := range res.producers {
		delete(s.owners, p.ID)
	}
	delete(s.clients, user)
	s.mu.Unlock()

	// No publish may reference this session from here on.
	s.events.Unregister(res.sub)

	for _, p := range res.producers {
		for _, ref := range s.fwds.Stop(p.ID) {
			if rc, ok := s.session(ref.Owner); ok {
				if cons, ok := rc.removeConsumer(ref.ConsumerID); ok {
					cons.out.Close()
				}
			}
		}
		p.src.Close()
		if inChannel {
			s.events.NotifyProducerRemoved(ch, p.ID)
		}
	}
	for _, cons := range res.consumers {
		s.fwds.MarkDelete(cons.ProducerID, cons.ID)
		cons.out.Close()
	}
	if res.send != nil {
		res.send.Close()
	}
	if res.recv != nil {
		res.recv.Close()
	}
	if inChannel {
		s.events.NotifyVoiceLeft(ch, user)
	}
	log.Info().Str("module", "voice").Str("user", string(user)).Msg("session torn down")
}
