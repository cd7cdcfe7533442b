package voice

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
)

type outState int32

const (
	outOk outState = iota
	outMuted
	outDelete
)

// out is one outbound leg of a forwarder: the consumer sink plus enough of a
// back-reference (owner, consumer id) to cascade a producer removal to the
// consumer registries of other sessions.
type out struct {
	consumerID string
	owner      domain.UserID
	sink       core.MediaConsumer
	state      atomic.Int32
}

func (o *out) getState() outState { return outState(o.state.Load()) }
func (o *out) markOk()            { o.state.Store(int32(outOk)) }
func (o *out) markMuted()         { o.state.Store(int32(outMuted)) }
func (o *out) markDelete()        { o.state.Store(int32(outDelete)) }

// consumerRef identifies a dependent consumer for cascade teardown.
type consumerRef struct {
	Owner      domain.UserID
	ConsumerID string
}

// forwarder pumps RTP from one producer to all of its consumers. Its outs
// map doubles as the reverse index from producer id to dependent consumers,
// so a producer removal cascades by lookup instead of a sweep.
type forwarder struct {
	producerID string
	src        core.MediaProducer

	mu   sync.RWMutex
	outs map[string]*out

	cancel context.CancelFunc
}

// loop reads packets from the source and forwards them to every live out.
func (f *forwarder) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("forwarder ctx done, marking outs for delete")
			f.markAllDelete()
			return
		default:
		}
		pkt, err := f.src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("forwarder source ended")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *forwarder) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[string]*out, len(f.outs))
	maps.Copy(snapshot, f.outs)
	f.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for id, o := range snapshot {
		switch o.getState() {
		case outDelete:
			dirty = append(dirty, id)
		case outMuted:
		case outOk:
			if err := o.sink.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer_id", id).
					Msg("forward write error, marking out for delete")
				o.markDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the read lock.
	if len(dirty) > 0 {
		f.cleanupDeleted(dirty)
	}
}

func (f *forwarder) cleanupDeleted(dirty []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range dirty {
		delete(f.outs, id)
	}
}

func (f *forwarder) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.outs {
		o.markDelete()
	}
}

func (f *forwarder) addOut(o *out) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outs[o.consumerID] = o
}

// refs snapshots the back-references of all current outs.
func (f *forwarder) refs() []consumerRef {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]consumerRef, 0, len(f.outs))
	for _, o := range f.outs {
		out = append(out, consumerRef{Owner: o.owner, ConsumerID: o.consumerID})
	}
	return out
}

// forwarderSet owns all running forwarders, keyed by producer id.
type forwarderSet struct {
	mu   sync.RWMutex
	fwds map[string]*forwarder
}

func newForwarderSet() *forwarderSet {
	return &forwarderSet{fwds: make(map[string]*forwarder)}
}

// Start spins up a forwarder loop for a freshly registered producer.
func (s *forwarderSet) Start(ctx context.Context, producerID string, src core.MediaProducer) {
	logger := log.With().
		Str("module", "voice.forwarder").
		Str("producer_id", producerID).
		Logger()

	fwdCtx, cancel := context.WithCancel(ctx)
	f := &forwarder{
		producerID: producerID,
		src:        src,
		outs:       make(map[string]*out),
		cancel:     cancel,
	}

	s.mu.Lock()
	if old, ok := s.fwds[producerID]; ok {
		logger.Info().Msg("replacing existing forwarder")
		old.markAllDelete()
		old.cancel()
	}
	s.fwds[producerID] = f
	s.mu.Unlock()

	go f.loop(fwdCtx, &logger)
}

// AddOut attaches a consumer leg to a producer's forwarder. Reports false
// when the producer is already gone; the caller must release the consumer.
func (s *forwarderSet) AddOut(producerID string, o *out) bool {
	s.mu.RLock()
	f, ok := s.fwds[producerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	f.addOut(o)
	return true
}

// MarkDelete flags one consumer leg for removal on the next forward pass.
func (s *forwarderSet) MarkDelete(producerID, consumerID string) {
	s.mu.RLock()
	f, ok := s.fwds[producerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	f.mu.RLock()
	o, ok := f.outs[consumerID]
	f.mu.RUnlock()
	if ok {
		o.markDelete()
	}
}

// SetMuted pauses or resumes one consumer leg. A deleted leg stays deleted.
func (s *forwarderSet) SetMuted(producerID, consumerID string, muted bool) {
	s.mu.RLock()
	f, ok := s.fwds[producerID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	f.mu.RLock()
	o, ok := f.outs[consumerID]
	f.mu.RUnlock()
	if !ok || o.getState() == outDelete {
		return
	}
	if muted {
		o.markMuted()
	} else {
		o.markOk()
	}
}

// Stop cancels a producer's forwarder and returns the back-references of all
// consumers that depended on it, for cascade teardown. Stopping an absent
// forwarder returns nil.
func (s *forwarderSet) Stop(producerID string) []consumerRef {
	s.mu.Lock()
	f, ok := s.fwds[producerID]
	if ok {
		delete(s.fwds, producerID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	refs := f.refs()
	f.markAllDelete()
	f.cancel()
	return refs
}

// Has reports whether a forwarder is running for the producer.
func (s *forwarderSet) Has(producerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fwds[producerID]
	return ok
}
