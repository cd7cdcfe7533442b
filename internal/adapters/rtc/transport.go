package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/core"
	"github.com/zling/backend/internal/domain"
)

var errClosed = errors.New("transport closed")

type transport struct {
	id  string
	dir core.TransportDirection
	pc  *webrtc.PeerConnection

	offer webrtc.SessionDescription

	connOnce sync.Once
	failOnce sync.Once
	connected chan struct{}
	failed    chan struct{}

	audioTracks chan *webrtc.TrackRemote
	videoTracks chan *webrtc.TrackRemote

	closeOnce sync.Once
}

func (t *transport) markConnected() { t.connOnce.Do(func() { close(t.connected) }) }
func (t *transport) markFailed()    { t.failOnce.Do(func() { close(t.failed) }) }

func (t *transport) Description() webrtc.SessionDescription { return t.offer }

// Connect applies the client's answer and waits for ICE to establish.
func (t *transport) Connect(ctx context.Context, params core.ConnectParams) error {
	if err := t.pc.SetRemoteDescription(params.Answer); err != nil {
		return err
	}
	for _, cand := range params.Candidates {
		if err := t.pc.AddICECandidate(cand); err != nil {
			return err
		}
	}
	select {
	case <-t.connected:
		return nil
	case <-t.failed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Produce waits for the client's track of the requested kind to arrive.
func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, params core.ProduceParams) (core.MediaProducer, error) {
	ch := t.audioTracks
	if kind == domain.MediaVideo {
		ch = t.videoTracks
	}
	for {
		select {
		case track := <-ch:
			if params.TrackID != "" && track.ID() != params.TrackID {
				// Not the announced track; keep waiting for the right one.
				continue
			}
			return &producer{kind: kind, track: track}, nil
		case <-t.failed:
			return nil, errClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Consume binds a local track mirroring src onto this transport.
func (t *transport) Consume(_ context.Context, src core.MediaProducer) (core.MediaConsumer, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codecOf(src), uuid.NewString(), "zling")
	if err != nil {
		return nil, err
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	return &consumer{pc: t.pc, track: local, sender: sender}, nil
}

func (t *transport) Close() {
	t.closeOnce.Do(func() {
		t.markFailed()
		if err := t.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("transport", t.id).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("transport", t.id).Msg("closed")
		}
	})
}

// codecOf picks the capability for a consumer track. When the producer came
// from this engine the source track's codec is used; otherwise fall back to
// the defaults for its kind.
func codecOf(src core.MediaProducer) webrtc.RTPCodecCapability {
	if p, ok := src.(*producer); ok {
		return p.track.Codec().RTPCodecCapability
	}
	if src.Kind() == domain.MediaVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

type producer struct {
	kind  domain.MediaKind
	track *webrtc.TrackRemote

	mu     sync.Mutex
	closed bool
}

func (p *producer) Kind() domain.MediaKind { return p.kind }

func (p *producer) ReadRTP() (*rtp.Packet, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errClosed
	}
	pkt, _, err := p.track.ReadRTP()
	return pkt, err
}

// Close only marks the producer; the remote track itself ends when the
// owning transport closes.
func (p *producer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

type consumer struct {
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	mu     sync.Mutex
	closed bool
}

func (c *consumer) WriteRTP(pkt *rtp.Packet) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClosed
	}
	return c.track.WriteRTP(pkt)
}

func (c *consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if err := c.pc.RemoveTrack(c.sender); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("remove consumer track")
	}
}
