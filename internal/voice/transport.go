package voice

import (
	"context"
	"sync"

	"github.com/zling/backend/internal/core"
)

type TransportState int

const (
	StateCreated TransportState = iota
	StateConnected
	StateClosed
)

func (s TransportState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// Transport tracks the lifecycle of one engine transport:
// Created -> Connected -> Closed, with Closed terminal. The engine itself
// misbehaves on out-of-state calls, so every operation checks the state
// synchronously here first and the state lock is never held across an
// engine call.
type Transport struct {
	dir core.TransportDirection

	mu    sync.Mutex
	state TransportState
	mt    core.MediaTransport
}

// newTransport wraps an engine transport that was just created; the
// Uninitialized phase is represented by the absence of a Transport on the
// owning client.
func newTransport(dir core.TransportDirection, mt core.MediaTransport) *Transport {
	return &Transport{dir: dir, state: StateCreated, mt: mt}
}

func (t *Transport) Direction() core.TransportDirection { return t.dir }

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect moves Created -> Connected. Connecting twice fails with
// ErrAlreadyConnected; connecting a closed transport fails with
// ErrTransportNotConnected.
func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	t.mu.Lock()
	switch t.state {
	case StateConnected:
		t.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosed:
		t.mu.Unlock()
		return ErrTransportNotConnected
	}
	mt := t.mt
	t.mu.Unlock()

	if err := mt.Connect(ctx, params); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		// Closed while the handshake was in flight; the engine transport
		// has already been torn down by Close.
		return ErrTransportNotConnected
	}
	t.state = StateConnected
	return nil
}

// connected returns the engine transport if the state allows media
// operations on it.
func (t *Transport) connected() (core.MediaTransport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected {
		return nil, ErrTransportNotConnected
	}
	return t.mt, nil
}

// Close is idempotent and always lands in Closed, from any state.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	mt := t.mt
	t.mu.Unlock()

	mt.Close()
}
