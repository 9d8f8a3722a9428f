// Package peertest provides in-memory stand-ins for media connections and the
// relay sender, for tests of code built on package peer.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrWrongState   = errors.New("invalid signaling state")
	ErrNoRemoteDesc = errors.New("remote description not set")
)

// Conn is a MediaConnection that follows the offer/answer state rules of a
// real peer connection without any network.
type Conn struct {
	mu          sync.Mutex
	closed      bool
	localOffer  bool
	remoteSet   bool
	offers      []core.OfferOptions
	answers     int
	rollbacks   int
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	onICE       func(webrtc.ICECandidateInit)
	onTrack     func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onState     func(webrtc.PeerConnectionState)
	onClosed    func()
	startCtx    context.Context
	FailAnswers bool
}

var _ core.MediaConnection = (*Conn)(nil)

func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCtx = ctx
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CreateOffer(opts core.OfferOptions) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	c.localOffer = true
	c.offers = append(c.offers, opts)
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer %d audio=%t video=%t restart=%t", len(c.offers), opts.ReceiveAudio, opts.ReceiveVideo, opts.ICERestart),
	}, nil
}

func (c *Conn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.localOffer || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrWrongState
	}
	c.remoteSet = true
	c.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer to " + offer.SDP}, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.localOffer || answer.Type != webrtc.SDPTypeAnswer || c.FailAnswers {
		return ErrWrongState
	}
	c.localOffer = false
	c.remoteSet = true
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.localOffer {
		return ErrWrongState
	}
	c.localOffer = false
	c.rollbacks++
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return ErrNoRemoteDesc
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.tracks = append(c.tracks, track)
	return nil, nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Conn) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Conn) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// EmitState simulates a transport state change.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// EmitCandidate simulates a locally gathered candidate.
func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) Offers() []core.OfferOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.OfferOptions(nil), c.offers...)
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Conn) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

// Factory hands out Conns and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	Err   error
}

func (f *Factory) NewConnection() (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// Sender records every outbound message.
type Sender struct {
	mu   sync.Mutex
	msgs []signaling.Message
	Err  error
}

func (s *Sender) Send(_ context.Context, msg signaling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *Sender) Messages() []signaling.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signaling.Message(nil), s.msgs...)
}

// OfType filters recorded messages by type.
func (s *Sender) OfType(t signaling.Type) []signaling.Message {
	var out []signaling.Message
	for _, m := range s.Messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}
