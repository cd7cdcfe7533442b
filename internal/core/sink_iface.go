package core

// Frame is a raw serialized event payload.
type Frame []byte

// EventSink is the send side of one live connection.
// Owned by the adapter; the adapter must Close() it.
// TrySend must never block: when the outbound queue is full it returns an
// error and the frame is dropped.
type EventSink interface {
	TrySend(Frame) error
	Close()
}
