package voice

import "errors"

// Precondition and upstream failures surfaced by the session manager. The
// HTTP adapter maps these to stable wire codes; engine error detail is only
// ever logged, never attached to them.
var (
	ErrAlreadyCreated        = errors.New("already_created")
	ErrAlreadyConnected      = errors.New("already_connected")
	ErrTransportNotCreated   = errors.New("transport_not_created")
	ErrTransportNotConnected = errors.New("transport_not_connected")
	ErrProducerFailed        = errors.New("producer_failed")
	ErrConsumerFailed        = errors.New("consumer_failed")
	ErrNotFound              = errors.New("not_found")
	ErrSessionClosed         = errors.New("session_closed")
)
