package pubsub

import (
	"sync"

	"github.com/zling/backend/internal/core"
)

// Subscriber is one registered live connection. It owns its topic set; the
// Manager's index only back-references it and is kept in lockstep by
// Subscribe/Unsubscribe/Unregister.
type Subscriber struct {
	id   string
	sink core.EventSink

	mu     sync.Mutex
	topics map[Topic]struct{}
	closed bool
}

// ID is the connection identity the subscriber was registered under.
func (s *Subscriber) ID() string { return s.id }

// addTopic records t locally. Reports whether it was newly added.
func (s *Subscriber) addTopic(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.topics[t]; ok {
		return false
	}
	s.topics[t] = struct{}{}
	return true
}

// removeTopic drops t locally. Reports whether it was held.
func (s *Subscriber) removeTopic(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t]; !ok {
		return false
	}
	delete(s.topics, t)
	return true
}

func (s *Subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// drain marks the subscriber closed and returns every topic it held.
// Idempotent: the second call returns nil.
func (s *Subscriber) drain() []Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	held := make([]Topic, 0, len(s.topics))
	for t := range s.topics {
		held = append(held, t)
	}
	s.topics = make(map[Topic]struct{})
	return held
}
