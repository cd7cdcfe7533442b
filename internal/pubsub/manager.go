package pubsub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
)

// Manager owns the topic -> subscriber reverse index and performs fan-out.
// Publish and the typed notify helpers are in-memory and non-suspending so
// they are safe to call from request paths.
type Manager struct {
	mu     sync.RWMutex
	topics map[Topic]map[*Subscriber]struct{}
}

func NewManager() *Manager {
	return &Manager{topics: make(map[Topic]map[*Subscriber]struct{})}
}

// Register creates a subscriber for a live connection. The sink stays owned
// by the caller; the Manager only enqueues frames into it.
func (m *Manager) Register(id string, sink core.EventSink) *Subscriber {
	return &Subscriber{
		id:     id,
		sink:   sink,
		topics: make(map[Topic]struct{}),
	}
}

// Subscribe adds the subscriber to a topic. Subscribing twice has no
// additional effect.
func (m *Manager) Subscribe(s *Subscriber, t Topic) {
	if s == nil || !s.addTopic(t) {
		return
	}
	m.mu.Lock()
	subs, ok := m.topics[t]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		m.topics[t] = subs
	}
	subs[s] = struct{}{}
	m.mu.Unlock()

	// An Unregister may have drained s between addTopic and the index
	// insert above; its sweep could not see this entry, so undo it here.
	if s.isClosed() {
		m.dropIndex(s, t)
	}
}

// Unsubscribe removes the subscriber from a topic. Removing an absent
// subscription is a no-op, never an error.
func (m *Manager) Unsubscribe(s *Subscriber, t Topic) {
	if s == nil || !s.removeTopic(t) {
		return
	}
	m.dropIndex(s, t)
}

// Unregister removes every subscription the subscriber holds. This is the
// disconnect cleanup path: after it returns no topic index references s.
// Idempotent.
func (m *Manager) Unregister(s *Subscriber) {
	if s == nil {
		return
	}
	for _, t := range s.drain() {
		m.dropIndex(s, t)
	}
}

func (m *Manager) dropIndex(s *Subscriber, t Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.topics[t]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(m.topics, t)
		}
	}
}

// Publish fans ev out to every current subscriber of t. Delivery is
// best-effort per subscriber: a full or closed sink is logged and skipped,
// and the publish itself never fails. Publishing to a topic with no
// subscribers is a successful no-op.
//
// Enqueueing happens under the read lock so that two sequential publishes to
// the same topic reach each subscriber's queue in publish order.
func (m *Manager) Publish(t Topic, ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "pubsub").Str("op", ev.Op).Msg("marshal event")
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for s := range m.topics[t] {
		if err := s.sink.TrySend(core.Frame(frame)); err != nil {
			log.Warn().
				Str("module", "pubsub").
				Str("topic", t.String()).
				Str("subscriber", s.id).
				Str("op", ev.Op).
				Msg("dropped event for slow subscriber")
		}
	}
}

// NotifyGuildChannelListUpdate tells guild members the channel list changed.
func (m *Manager) NotifyGuildChannelListUpdate(guild domain.GuildID) {
	m.Publish(GuildTopic(guild), Event{
		Op:   OpChannelListUpdate,
		Data: ChannelListUpdateData{GuildID: guild},
	})
}

// SendTyping tells channel subscribers that user is typing.
func (m *Manager) SendTyping(channel domain.ChannelID, user domain.User) {
	m.Publish(ChannelTopic(channel), Event{
		Op:   OpTyping,
		Data: TypingData{ChannelID: channel, User: user},
	})
}

// NotifyProducerAdded tells voice channel members a new stream is available.
func (m *Manager) NotifyProducerAdded(channel domain.ChannelID, producerID string, user domain.UserID, kind domain.MediaKind) {
	m.Publish(ChannelTopic(channel), Event{
		Op: OpProducerAdded,
		Data: ProducerAddedData{
			ChannelID:  channel,
			ProducerID: producerID,
			UserID:     user,
			Kind:       kind,
		},
	})
}

// NotifyProducerRemoved tells voice channel members a stream went away.
func (m *Manager) NotifyProducerRemoved(channel domain.ChannelID, producerID string) {
	m.Publish(ChannelTopic(channel), Event{
		Op:   OpProducerRemoved,
		Data: ProducerRemovedData{ChannelID: channel, ProducerID: producerID},
	})
}

// NotifyVoiceJoined announces a member joining a voice channel.
func (m *Manager) NotifyVoiceJoined(channel domain.ChannelID, user domain.UserID) {
	m.Publish(ChannelTopic(channel), Event{
		Op:   OpVoiceJoined,
		Data: VoiceStateData{ChannelID: channel, UserID: user},
	})
}

// NotifyVoiceLeft announces a member leaving a voice channel.
func (m *Manager) NotifyVoiceLeft(channel domain.ChannelID, user domain.UserID) {
	m.Publish(ChannelTopic(channel), Event{
		Op:   OpVoiceLeft,
		Data: VoiceStateData{ChannelID: channel, UserID: user},
	})
}
