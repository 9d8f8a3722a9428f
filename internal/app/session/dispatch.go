package session

import (
	"context"
	"fmt"

	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/screenshare"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

func (c *Controller) dispatch(ctx context.Context, ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.Welcome:
		c.onWelcome(ctx, e)
	case signaling.Pong:
	case signaling.RelayError:
		c.onRelayError(ctx, e)
	default:
		if !c.inCall() {
			c.logger.Debug().Str("type", string(signaling.TypeOf(ev))).Err(core.ErrLateEvent).Msg("event outside a call ignored")
			return
		}
		c.dispatchInCall(ctx, ev)
	}
}

func (c *Controller) dispatchInCall(ctx context.Context, ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.RosterSnapshot:
		c.onRoster(ctx, e)
	case signaling.ParticipantJoined:
		c.onJoined(e.Participant)
	case signaling.ParticipantLeft:
		c.onLeft(e)

	case signaling.Offer:
		var err error
		if e.Channel == signaling.ChannelShare {
			err = c.screenShareLinks.OnOffer(e)
		} else {
			err = c.peerLinks.OnOffer(e)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("from", string(e.From)).Msg("offer dropped")
		}
	case signaling.Answer:
		if e.Channel == signaling.ChannelShare {
			c.screenShareLinks.OnAnswer(e)
		} else {
			c.peerLinks.OnAnswer(e)
		}
	case signaling.Candidate:
		if e.Channel == signaling.ChannelShare {
			c.screenShareLinks.OnCandidate(e)
		} else {
			c.peerLinks.OnCandidate(e)
		}

	case signaling.CallEnded:
		c.onCallEnded(ctx, e)

	case signaling.ShareStarted:
		c.onShareStarted(ctx, e)
	case signaling.ShareStopped:
		c.screenShareLinks.OnShareStopped(e.UserID)
		if c.replica.Apply(e) {
			c.roomChanged()
		}

	case signaling.AudioToggled, signaling.VideoToggled, signaling.HandRaised, signaling.AllHandsLowered,
		signaling.NoteAdded, signaling.NoteUpdated, signaling.NoteDeleted:
		if c.replica.Apply(ev) {
			c.roomChanged()
		}
	}
}

// onWelcome records our transport id. While in a call it is the first frame
// after a relay reconnect, so the join is announced again.
func (c *Controller) onWelcome(ctx context.Context, e signaling.Welcome) {
	prev := c.selfTID
	c.selfTID = e.Transport
	c.logger.Info().Str("sid", string(e.Transport)).Str("prev", string(prev)).Msg("relay welcome")
	if !c.inCall() {
		return
	}
	if prev != "" && prev != e.Transport {
		// Peers dropped every link to the old transport and will offer to the
		// new one, so ours are stale. The relay dropped our share too.
		c.replica.Apply(signaling.ParticipantLeft{UserID: c.cfg.Self.ID, Transport: prev})
		c.peerLinks.CloseAll()
		c.peerLinks.SetTracks(localTracks(c.local)...)
		c.screenShareLinks.Close()
	}
	c.join(ctx)
}

// onRoster bootstraps state from the relay. Links to transports that are no
// longer in the room are closed.
func (c *Controller) onRoster(ctx context.Context, e signaling.RosterSnapshot) {
	if e.Room.CallerID != "" {
		c.room.CallerID = e.Room.CallerID
	}
	e.Room = c.room
	c.replica.Apply(e)
	c.replica.Apply(signaling.ParticipantJoined{Participant: c.selfParticipant()})

	present := make(map[domain.TransportID]struct{}, len(e.Participants))
	for _, p := range e.Participants {
		present[p.TransportID] = struct{}{}
	}
	for _, k := range c.peerLinks.Keys() {
		if _, ok := present[k.Transport]; !ok {
			c.logger.Info().Str("sid", string(k.Transport)).Msg("closing link to transport missing from roster")
			c.peerLinks.CloseTransport(k.Transport)
			c.screenShareLinks.RemoveTransport(k.Transport)
		}
	}

	if s := e.Sharer; s != nil && s.TransportID != c.selfTID {
		c.screenShareLinks.OnShareStarted(ctx, *s)
	} else if s == nil && c.screenShareLinks.Role() == screenshare.RoleViewing {
		c.screenShareLinks.OnShareStopped(c.screenShareLinks.Sharer())
	}
	c.roomChanged()
}

// onJoined: whoever already holds the roster offers to the newcomer.
func (c *Controller) onJoined(p domain.Participant) {
	changed := c.replica.Apply(signaling.ParticipantJoined{Participant: p})
	if p.TransportID == c.selfTID {
		return
	}
	key := peer.Key{Transport: p.TransportID, User: p.UserID}
	if _, err := c.peerLinks.Create(key, true); err != nil {
		c.reportError(err)
	}
	c.screenShareLinks.AddViewer(key)
	if changed {
		c.roomChanged()
	}
}

func (c *Controller) onLeft(e signaling.ParticipantLeft) {
	if e.Transport == c.selfTID && e.Transport != "" {
		return
	}
	c.replica.Apply(e)
	if e.Transport != "" {
		c.peerLinks.CloseTransport(e.Transport)
		c.screenShareLinks.RemoveTransport(e.Transport)
	} else {
		c.peerLinks.CloseUser(e.UserID)
		c.screenShareLinks.RemoveUser(e.UserID)
	}
	if c.replica.Sharer() == nil && c.screenShareLinks.Role() == screenshare.RoleViewing {
		c.screenShareLinks.OnShareStopped(c.screenShareLinks.Sharer())
	}
	c.roomChanged()
}

func (c *Controller) onShareStarted(ctx context.Context, e signaling.ShareStarted) {
	if e.Sharer.TransportID == c.selfTID {
		return
	}
	yielded := c.screenShareLinks.OnShareStarted(ctx, e.Sharer)
	if yielded {
		c.clearOwnShare()
	}
	if c.replica.Apply(e) || yielded {
		c.roomChanged()
	}
}

// onCallEnded tears the call down without announcing anything; the relay
// already closed the room.
func (c *Controller) onCallEnded(ctx context.Context, e signaling.CallEnded) {
	if e.Room != c.room.ID {
		return
	}
	c.logger.Info().Str("room", string(e.Room)).Str("by", string(e.EndedBy)).Msg("call ended by caller")
	c.teardown(ctx, false)
	if c.hooks.OnCallEnded != nil {
		c.hooks.OnCallEnded(e.EndedBy)
	}
}

func (c *Controller) onRelayError(ctx context.Context, e signaling.RelayError) {
	if e.Reason == signaling.ReasonShareInProgress && c.screenShareLinks != nil &&
		c.screenShareLinks.Role() == screenshare.RoleSharing {
		c.screenShareLinks.Close()
		if c.clearOwnShare() {
			c.roomChanged()
		}
	}
	c.reportError(fmt.Errorf("relay: %s", e.Reason))
}

// clearOwnShare drops the replicated sharer only when it is this transport,
// so another tab's share survives.
func (c *Controller) clearOwnShare() bool {
	if s := c.replica.Sharer(); s == nil || s.TransportID != c.selfTID {
		return false
	}
	return c.replica.Apply(signaling.ShareStopped{UserID: c.cfg.Self.ID})
}
