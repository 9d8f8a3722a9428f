package core

import (
	"context"

	"github.com/dkeye/callmesh/internal/signaling"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Relay is the client's handle on the signaling relay.
// Events is closed when the relay client shuts down for good; a reconnect
// shows up as a fresh Welcome.
type Relay interface {
	Send(ctx context.Context, msg signaling.Message) error
	Events() <-chan signaling.Event
}
