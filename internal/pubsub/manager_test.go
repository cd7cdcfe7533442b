package pubsub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
)

// chanSink collects frames into a bounded channel, mimicking the websocket
// send queue.
type chanSink struct {
	frames chan core.Frame
}

func newChanSink(capacity int) *chanSink {
	return &chanSink{frames: make(chan core.Frame, capacity)}
}

func (s *chanSink) TrySend(f core.Frame) error {
	select {
	case s.frames <- f:
		return nil
	default:
		return errors.New("full")
	}
}

func (s *chanSink) Close() {}

func (s *chanSink) ops(t *testing.T) []string {
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

func TestPublishReachesSubscriberExactlyOnce(t *testing.T) {
	m := NewManager()
	sink := newChanSink(8)
	sub := m.Register("u1", sink)

	topic := ChannelTopic(domain.ChannelID("ch1"))
	m.Subscribe(sub, topic)
	m.Subscribe(sub, topic) // duplicate must not double-deliver

	m.Publish(topic, Event{Op: OpTyping})

	assert.Equal(t, []string{OpTyping}, sink.ops(t))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	m := NewManager()
	// Must not panic or block.
	m.Publish(GuildTopic(domain.GuildID("g1")), Event{Op: OpChannelListUpdate})
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := NewManager()
	sink := newChanSink(8)
	sub := m.Register("u1", sink)
	topic := GuildTopic(domain.GuildID("g1"))

	m.Subscribe(sub, topic)
	m.Unsubscribe(sub, topic)
	m.Unsubscribe(sub, topic) // absent subscription is a no-op

	m.Publish(topic, Event{Op: OpChannelListUpdate})
	assert.Empty(t, sink.ops(t))
}

func TestUnregisterPurgesEverySubscription(t *testing.T) {
	m := NewManager()
	sink := newChanSink(8)
	sub := m.Register("u1", sink)

	topics := []Topic{
		UserTopic(domain.UserID("u1")),
		GuildTopic(domain.GuildID("g1")),
		ChannelTopic(domain.ChannelID("ch1")),
	}
	for _, topic := range topics {
		m.Subscribe(sub, topic)
	}

	m.Unregister(sub)
	m.Unregister(sub) // idempotent

	for _, topic := range topics {
		m.Publish(topic, Event{Op: OpVoiceJoined})
	}
	assert.Empty(t, sink.ops(t))

	// A drained subscriber cannot rejoin the index.
	m.Subscribe(sub, topics[0])
	m.Publish(topics[0], Event{Op: OpVoiceJoined})
	assert.Empty(t, sink.ops(t))
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	m := NewManager()
	sink := newChanSink(8)
	sub := m.Register("u1", sink)
	topic := ChannelTopic(domain.ChannelID("ch1"))
	m.Subscribe(sub, topic)

	m.Publish(topic, Event{Op: OpVoiceJoined})
	m.Publish(topic, Event{Op: OpProducerAdded})
	m.Publish(topic, Event{Op: OpVoiceLeft})

	assert.Equal(t, []string{OpVoiceJoined, OpProducerAdded, OpVoiceLeft}, sink.ops(t))
}

func TestSlowSubscriberDropsNewestAndOthersStillReceive(t *testing.T) {
	m := NewManager()
	slow := newChanSink(1)
	fast := newChanSink(8)
	topic := ChannelTopic(domain.ChannelID("ch1"))

	m.Subscribe(m.Register("slow", slow), topic)
	m.Subscribe(m.Register("fast", fast), topic)

	m.Publish(topic, Event{Op: OpVoiceJoined})
	m.Publish(topic, Event{Op: OpVoiceLeft}) // exceeds slow's queue

	assert.Equal(t, []string{OpVoiceJoined}, slow.ops(t))
	assert.Equal(t, []string{OpVoiceJoined, OpVoiceLeft}, fast.ops(t))
}

func TestSubscribeRacingUnregisterLeavesCleanIndex(t *testing.T) {
	// Whichever way Subscribe and Unregister interleave, a drained
	// subscriber must never be left behind in the topic index.
	for i := 0; i < 500; i++ {
		m := NewManager()
		sub := m.Register("u1", newChanSink(1))
		topic := UserTopic(domain.UserID("u1"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Subscribe(sub, topic)
		}()
		go func() {
			defer wg.Done()
			m.Unregister(sub)
		}()
		wg.Wait()

		m.mu.RLock()
		_, indexed := m.topics[topic]
		m.mu.RUnlock()
		assert.False(t, indexed, "index must not reference a drained subscriber")
	}
}

func TestTypedHelpersCarryPayload(t *testing.T) {
	m := NewManager()
	sink := newChanSink(8)
	sub := m.Register("u1", sink)
	channel := domain.ChannelID("ch1")
	m.Subscribe(sub, ChannelTopic(channel))

	m.NotifyProducerAdded(channel, "p1", domain.UserID("u2"), domain.MediaAudio)

	f := <-sink.frames
	var ev struct {
		Op   string            `json:"op"`
		Data ProducerAddedData `json:"d"`
	}
	require.NoError(t, json.Unmarshal(f, &ev))
	assert.Equal(t, OpProducerAdded, ev.Op)
	assert.Equal(t, channel, ev.Data.ChannelID)
	assert.Equal(t, "p1", ev.Data.ProducerID)
	assert.Equal(t, domain.UserID("u2"), ev.Data.UserID)
	assert.Equal(t, domain.MediaAudio, ev.Data.Kind)
}
