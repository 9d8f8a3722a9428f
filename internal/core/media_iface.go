package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// OfferOptions controls what a local offer asks the remote side to send.
type OfferOptions struct {
	ReceiveAudio bool
	ReceiveVideo bool
	ICERestart   bool
}

// MediaConnection is one peer-to-peer media session as seen by a link.
// Every method that mutates descriptions also sets them locally.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool

	CreateOffer(opts OfferOptions) (webrtc.SessionDescription, error)
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards a local offer that has not been answered.
	Rollback() error
	HasRemoteDescription() bool

	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnStateChange(func(webrtc.PeerConnectionState))
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}

// MediaFactory builds fresh connections with the session's ICE configuration.
type MediaFactory interface {
	NewConnection() (MediaConnection, error)
}
