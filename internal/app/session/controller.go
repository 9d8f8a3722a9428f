// Package session drives one participant's call: capture, join, the peer and
// screen-share meshes, and the replicated room view.
//
// Controller is a single actor. Relay events and user actions are executed one
// at a time on the goroutine running Run; negotiation itself happens on the
// per-link goroutines of package peer.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/app/screenshare"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateJoining         State = "joining"
	StateActive          State = "active"
	StateEnding          State = "ending"
)

var (
	ErrNotIdle          = errors.New("call already in progress")
	ErrNotActive        = errors.New("no active call")
	ErrStopped          = errors.New("session controller stopped")
	ErrVideoUnavailable = errors.New("video is not available in an audio call")
	ErrNoAudioTrack     = errors.New("no local audio track")
	ErrNotAuthor        = errors.New("only the author may change a note")
	ErrUnknownNote      = errors.New("unknown note")
	ErrEmptyNote        = errors.New("note content empty")
	ErrNotCaller        = errors.New("only the caller may end the call for everyone")
)

type Config struct {
	Self               domain.User
	NegotiationTimeout time.Duration
}

// Hooks feed the UI projection. They may be called from any goroutine and
// must not block.
type Hooks struct {
	OnState       func(State)
	OnRoom        func(replica.Snapshot)
	OnRemoteTrack func(channel signaling.Channel, key peer.Key, track *webrtc.TrackRemote)
	OnLinkState   func(channel signaling.Channel, key peer.Key, state peer.State)
	OnError       func(error)
	// OnCallEnded fires after the caller closed the room and our call was
	// torn down.
	OnCallEnded func(endedBy domain.UserID)
}

type Controller struct {
	cfg      Config
	relay    core.Relay
	capturer media.Capturer
	factory  core.MediaFactory
	hooks    Hooks
	logger   zerolog.Logger

	inbox   chan func()
	stopped chan struct{}

	// actor-owned
	runCtx     context.Context
	state      State
	selfTID    domain.TransportID
	room       domain.Room
	replica    *replica.State
	local      *media.Stream
	callCtx    context.Context
	callCancel context.CancelFunc

	// published copies for readers outside the actor
	mu               sync.RWMutex
	pubState         State
	pubSnap          replica.Snapshot
	peerLinks        *peer.Manager
	screenShareLinks *screenshare.Manager
}

func New(cfg Config, relay core.Relay, capturer media.Capturer, factory core.MediaFactory, hooks Hooks) *Controller {
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = peer.DefaultNegotiationTimeout
	}
	return &Controller{
		cfg:      cfg,
		relay:    relay,
		capturer: capturer,
		factory:  factory,
		hooks:    hooks,
		logger:   log.With().Str("module", "session").Str("user", string(cfg.Self.ID)).Logger(),
		inbox:    make(chan func()),
		stopped:  make(chan struct{}),
		state:    StateIdle,
		pubState: StateIdle,
		replica:  replica.New(cfg.Self.ID),
	}
}

// Run executes relay events and actions until ctx ends or the relay event
// stream closes. A call still running at that point is torn down.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.stopped)
	events := c.relay.Events()
	for {
		select {
		case <-ctx.Done():
			c.teardown(context.Background(), false)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.logger.Warn().Err(core.ErrRelayDisconnected).Msg("relay event stream closed")
				c.teardown(context.Background(), false)
				return core.ErrRelayDisconnected
			}
			c.dispatch(ctx, ev)
		case fn := <-c.inbox:
			fn()
		}
		c.publish()
	}
}

// do runs fn on the actor and waits for its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.inbox <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// post queues fn without waiting; used by callbacks from other goroutines.
func (c *Controller) post(fn func()) {
	go func() {
		select {
		case c.inbox <- fn:
		case <-c.stopped:
		}
	}()
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("session state")
	c.state = s
	c.mu.Lock()
	c.pubState = s
	c.mu.Unlock()
	if c.hooks.OnState != nil {
		c.hooks.OnState(s)
	}
}

func (c *Controller) publish() {
	snap := c.replica.Snapshot()
	c.mu.Lock()
	c.pubSnap = snap
	c.mu.Unlock()
}

// roomChanged pushes the current view to the UI hook.
func (c *Controller) roomChanged() {
	c.publish()
	if c.hooks.OnRoom != nil {
		c.hooks.OnRoom(c.replica.Snapshot())
	}
}

func (c *Controller) reportError(err error) {
	c.logger.Warn().Err(err).Msg("session error")
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func (c *Controller) send(ctx context.Context, msg signaling.Message) {
	if err := c.relay.Send(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("relay send failed")
	}
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubState
}

// Snapshot returns the room view as of the last completed actor step.
func (c *Controller) Snapshot() replica.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pubSnap
}

// LinkStates reports every live link per channel.
func (c *Controller) LinkStates() map[signaling.Channel]map[domain.TransportID]peer.State {
	c.mu.RLock()
	pl, sl := c.peerLinks, c.screenShareLinks
	c.mu.RUnlock()
	out := map[signaling.Channel]map[domain.TransportID]peer.State{
		signaling.ChannelMedia: {},
		signaling.ChannelShare: {},
	}
	if pl != nil {
		out[signaling.ChannelMedia] = pl.States()
	}
	if sl != nil {
		out[signaling.ChannelShare] = sl.States()
	}
	return out
}

func (c *Controller) selfParticipant() domain.Participant {
	p := domain.Participant{
		UserID:      c.cfg.Self.ID,
		Username:    c.cfg.Self.Username,
		Avatar:      c.cfg.Self.Avatar,
		TransportID: c.selfTID,
	}
	if c.local != nil {
		if a := c.local.Audio(); a != nil {
			p.IsMuted = !a.Enabled()
		}
		if v := c.local.Video(); v != nil {
			p.IsVideoOff = !v.Enabled()
		} else {
			p.IsVideoOff = true
		}
	}
	return p
}

func (c *Controller) inCall() bool {
	return c.state == StateJoining || c.state == StateActive
}
