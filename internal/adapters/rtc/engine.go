// Package rtc implements core.MediaEngine on top of pion/webrtc.
package rtc

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/zling/backend/internal/core"
)

type Options struct {
	STUNServer string
	AnnounceIP string
	PortMin    uint16
	PortMax    uint16
}

type Engine struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewEngine(opts Options) (*Engine, error) {
	se := webrtc.SettingEngine{}
	if opts.PortMin > 0 && opts.PortMax > opts.PortMin {
		if err := se.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("rtc port range: %w", err)
		}
	}
	if ip := net.ParseIP(opts.AnnounceIP); ip != nil && !ip.IsLoopback() {
		se.SetNAT1To1IPs([]string{opts.AnnounceIP}, webrtc.ICECandidateTypeHost)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	cfg := webrtc.Configuration{}
	if opts.STUNServer != "" {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{opts.STUNServer}}}
	}

	return &Engine{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

// CreateTransport builds a peer connection for one direction, prepares the
// local offer and completes ICE gathering so the offer can be handed to the
// client in one round trip.
func (e *Engine) CreateTransport(ctx context.Context, id string, dir core.TransportDirection) (core.MediaTransport, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, err
	}

	t := &transport{
		id:          id,
		dir:         dir,
		pc:          pc,
		connected:   make(chan struct{}),
		failed:      make(chan struct{}),
		audioTracks: make(chan *webrtc.TrackRemote, 4),
		videoTracks: make(chan *webrtc.TrackRemote, 4),
	}

	// A send transport receives the client's tracks; a recv transport gets
	// sendonly transceivers that Consume binds local tracks onto.
	recvDir := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	sendDir := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly}
	tdir := recvDir
	if dir == core.DirectionRecv {
		tdir = sendDir
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, tdir); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("transport", id).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track arrived")
		ch := t.audioTracks
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			ch = t.videoTracks
		}
		select {
		case ch <- track:
		default:
			log.Warn().Str("module", "rtc").Str("transport", id).Msg("unclaimed track dropped")
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", id).Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected:
			t.markConnected()
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			t.markFailed()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	t.offer = *pc.LocalDescription()
	return t, nil
}
