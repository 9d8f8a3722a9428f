package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

var (
	// ErrLateEvent marks an answer or candidate for a link that is gone or
	// not expecting it. Logged, never returned to the session.
	ErrLateEvent         = errors.New("late event")
	ErrRelayDisconnected = errors.New("relay disconnected")
	ErrBackpressure      = errors.New("backpressure: send buffer full")
)

type MediaAccessReason string

const (
	ReasonPermissionDenied MediaAccessReason = "permission-denied"
	ReasonDeviceNotFound   MediaAccessReason = "device-not-found"
	ReasonOther            MediaAccessReason = "other"
)

// MediaAccessError is returned when a capture device cannot be opened.
type MediaAccessError struct {
	Kind   string // audio, video, display
	Reason MediaAccessReason
	Err    error
}

func (e *MediaAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media access %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("media access %s: %s", e.Kind, e.Reason)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// NegotiationError wraps an offer/answer/candidate failure on one link.
type NegotiationError struct {
	Channel   signaling.Channel
	Transport domain.TransportID
	Op        string
	Err       error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s/%s %s: %v", e.Channel, e.Transport, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
