package core

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/zling/backend/internal/domain"
)

// TransportDirection is relative to the client: a "send" transport carries
// media from the client to the server, a "recv" transport the other way.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// ConnectParams carries the remote side of the negotiation.
type ConnectParams struct {
	Answer     webrtc.SessionDescription `json:"answer"`
	Candidates []webrtc.ICECandidateInit `json:"candidates,omitempty"`
}

// ProduceParams identifies the inbound track the client is about to send.
type ProduceParams struct {
	TrackID  string `json:"track_id"`
	StreamID string `json:"stream_id"`
}

// MediaEngine creates transports. It is a black box that may suspend for the
// duration of a handshake; callers must not hold locks across its calls.
type MediaEngine interface {
	CreateTransport(ctx context.Context, id string, dir TransportDirection) (MediaTransport, error)
}

// MediaTransport is one negotiated media path. The engine gives no typed
// errors on misuse, so callers must only invoke operations in a valid state.
type MediaTransport interface {
	// Description returns the local offer to hand to the client.
	Description() webrtc.SessionDescription
	// Connect applies the remote answer and waits for the path to establish.
	Connect(ctx context.Context, params ConnectParams) error
	// Produce resolves once the inbound track described by params arrives.
	Produce(ctx context.Context, kind domain.MediaKind, params ProduceParams) (MediaProducer, error)
	// Consume attaches an outbound forwarding of src to this transport.
	Consume(ctx context.Context, src MediaProducer) (MediaConsumer, error)
	Close()
}

// MediaProducer is an inbound media stream.
type MediaProducer interface {
	Kind() domain.MediaKind
	// ReadRTP blocks until the next packet; returns an error once the
	// producer is closed or the stream ends.
	ReadRTP() (*rtp.Packet, error)
	Close()
}

// MediaConsumer is an outbound forwarding of one producer.
type MediaConsumer interface {
	WriteRTP(*rtp.Packet) error
	Close()
}
