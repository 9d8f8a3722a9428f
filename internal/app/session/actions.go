package session

import (
	"context"
	"strings"
	"time"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/screenshare"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Initiate captures local media for room.Kind and joins the room. A capture
// failure is returned as *core.MediaAccessError and leaves the session idle.
func (c *Controller) Initiate(ctx context.Context, room domain.Room) error {
	return c.do(ctx, func() error {
		if c.state != StateIdle {
			return ErrNotIdle
		}
		c.setState(StateRequestingMedia)
		stream, err := c.capturer.UserMedia(ctx, media.Constraints{Audio: true, Video: room.Kind.HasVideo()})
		if err != nil {
			c.setState(StateIdle)
			c.reportError(err)
			return err
		}

		callCtx, cancel := context.WithCancel(c.runCtx)
		stream.Start(callCtx)
		c.local, c.callCancel, c.room = stream, cancel, room
		c.callCtx = callCtx
		if v := stream.Video(); v != nil {
			go c.watchCamera(callCtx, v)
		}

		pl := peer.NewManager(callCtx, peer.Config{
			Channel:            signaling.ChannelMedia,
			ReceiveAudio:       true,
			ReceiveVideo:       room.Kind.HasVideo(),
			NegotiationTimeout: c.cfg.NegotiationTimeout,
		}, c.factory, c.relay, peer.Hooks{
			OnTrack: c.onRemoteTrack(signaling.ChannelMedia),
			OnState: c.onLinkState(signaling.ChannelMedia),
		})
		pl.SetTracks(localTracks(stream)...)
		sl := screenshare.NewManager(callCtx, c.cfg.Self.ID, c.capturer, c.factory, c.relay, c.cfg.NegotiationTimeout, screenshare.Hooks{
			OnTrack: func(sharer domain.UserID, track *webrtc.TrackRemote) {
				if c.hooks.OnRemoteTrack != nil {
					c.hooks.OnRemoteTrack(signaling.ChannelShare, peer.Key{User: sharer}, track)
				}
			},
			OnState: c.onLinkState(signaling.ChannelShare),
			OnEnded: func() { c.post(c.shareEnded) },
		})
		c.mu.Lock()
		c.peerLinks, c.screenShareLinks = pl, sl
		c.mu.Unlock()

		c.replica.Reset()
		c.replica.SetRoom(room)
		c.setState(StateJoining)
		if c.selfTID != "" {
			c.join(ctx)
		}
		return nil
	})
}

// join announces the room and, on first join, makes the call active.
func (c *Controller) join(ctx context.Context) {
	self := c.selfParticipant()
	c.send(ctx, signaling.Message{
		Type:       signaling.TypeJoinRoom,
		Room:       c.room.ID,
		Kind:       c.room.Kind,
		IsGroup:    c.room.IsGroup,
		GroupID:    c.room.GroupID,
		UserID:     self.UserID,
		Username:   self.Username,
		Avatar:     self.Avatar,
		IsMuted:    signaling.Bool(self.IsMuted),
		IsVideoOff: signaling.Bool(self.IsVideoOff),
	})
	c.replica.Apply(signaling.ParticipantJoined{Participant: self})
	c.setState(StateActive)
	c.roomChanged()
}

func localTracks(s *media.Stream) []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.Tracks() {
		out = append(out, t.Track)
	}
	return out
}

func (c *Controller) onRemoteTrack(ch signaling.Channel) func(peer.Key, *webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(key peer.Key, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.hooks.OnRemoteTrack != nil {
			c.hooks.OnRemoteTrack(ch, key, track)
		}
	}
}

func (c *Controller) onLinkState(ch signaling.Channel) func(peer.Key, peer.State) {
	return func(key peer.Key, s peer.State) {
		if c.hooks.OnLinkState != nil {
			c.hooks.OnLinkState(ch, key, s)
		}
	}
}

func (c *Controller) requireActive() error {
	if c.state != StateActive {
		return ErrNotActive
	}
	return nil
}

// ToggleMute flips the local audio track and returns the new muted flag.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		a := c.local.Audio()
		if a == nil {
			return ErrNoAudioTrack
		}
		a.SetEnabled(!a.Enabled())
		muted = !a.Enabled()
		c.replica.Apply(signaling.AudioToggled{UserID: c.cfg.Self.ID, IsMuted: muted})
		c.send(ctx, signaling.Message{Type: signaling.TypeToggleAudio, IsMuted: signaling.Bool(muted)})
		c.roomChanged()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the camera. Without a camera track one is acquired and
// added to every link, which renegotiates them.
func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		if !c.room.Kind.HasVideo() {
			return ErrVideoUnavailable
		}
		if v := c.local.Video(); v != nil {
			v.SetEnabled(!v.Enabled())
			off = !v.Enabled()
		} else {
			cam, err := c.capturer.UserMedia(ctx, media.Constraints{Video: true})
			if err != nil {
				c.reportError(err)
				return err
			}
			for _, t := range cam.Tracks() {
				c.local.Add(t)
				c.peerLinks.AddTrack(t.Track)
				go c.watchCamera(c.callCtx, t)
			}
			off = false
		}
		c.replica.Apply(signaling.VideoToggled{UserID: c.cfg.Self.ID, IsVideoOff: off})
		c.send(ctx, signaling.Message{Type: signaling.TypeToggleVideo, IsVideoOff: signaling.Bool(off)})
		c.roomChanged()
		return nil
	})
	return off, err
}

// watchCamera reports a camera that stopped on its own, as when it is
// unplugged.
func (c *Controller) watchCamera(ctx context.Context, cam *media.LocalTrack) {
	select {
	case <-cam.Done():
	case <-ctx.Done():
		return
	}
	c.post(func() { c.cameraLost(cam) })
}

// cameraLost announces video off once the last live camera track is gone.
func (c *Controller) cameraLost(cam *media.LocalTrack) {
	if c.state != StateActive || c.local == nil || c.local.Video() != nil {
		return
	}
	owned := false
	for _, t := range c.local.Tracks() {
		owned = owned || t == cam
	}
	if !owned {
		return
	}
	if p, ok := c.replica.Participant(c.selfTID); ok && p.IsVideoOff {
		return
	}
	c.logger.Warn().Str("track", cam.Track.ID()).Msg("camera ended, video off")
	c.replica.Apply(signaling.VideoToggled{UserID: c.cfg.Self.ID, IsVideoOff: true})
	c.send(c.callCtx, signaling.Message{Type: signaling.TypeToggleVideo, IsVideoOff: signaling.Bool(true)})
	c.roomChanged()
}

// StartShare offers the display to every other transport in the room,
// other tabs of our own user included.
func (c *Controller) StartShare(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		var viewers []peer.Key
		for _, p := range c.replica.Participants() {
			if p.TransportID == c.selfTID {
				continue
			}
			viewers = append(viewers, peer.Key{Transport: p.TransportID, User: p.UserID})
		}
		if err := c.screenShareLinks.Start(ctx, viewers); err != nil {
			c.reportError(err)
			return err
		}
		c.replica.Apply(signaling.ShareStarted{Sharer: c.selfParticipant()})
		c.roomChanged()
		return nil
	})
}

func (c *Controller) StopShare(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.screenShareLinks == nil {
			return nil
		}
		c.screenShareLinks.Stop(ctx)
		if c.clearOwnShare() {
			c.roomChanged()
		}
		return nil
	})
}

// shareEnded runs on the actor after the capture stopped by itself.
func (c *Controller) shareEnded() {
	if c.clearOwnShare() {
		c.roomChanged()
	}
}

// ToggleHand returns the new raised flag.
func (c *Controller) ToggleHand(ctx context.Context) (bool, error) {
	var raised bool
	err := c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		raised = !c.replica.LocalHandRaised()
		c.replica.Apply(signaling.HandRaised{UserID: c.cfg.Self.ID, Raised: raised})
		c.send(ctx, signaling.Message{Type: signaling.TypeRaiseHand, IsRaised: signaling.Bool(raised)})
		c.roomChanged()
		return nil
	})
	return raised, err
}

func (c *Controller) LowerAllHands(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		c.replica.Apply(signaling.AllHandsLowered{})
		c.send(ctx, signaling.Message{Type: signaling.TypeLowerAllHands})
		c.roomChanged()
		return nil
	})
}

func (c *Controller) AddNote(ctx context.Context, content string) (domain.Note, error) {
	var n domain.Note
	err := c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ErrEmptyNote
		}
		now := time.Now().UTC()
		n = domain.Note{ID: uuid.NewString(), AuthorID: c.cfg.Self.ID, Content: content, CreatedAt: now, UpdatedAt: now}
		c.replica.Apply(signaling.NoteAdded{Note: n})
		c.send(ctx, signaling.Message{Type: signaling.TypeAddNote, Note: &n})
		c.roomChanged()
		return nil
	})
	return n, err
}

func (c *Controller) ownNote(id string) (domain.Note, error) {
	n, ok := c.replica.Note(id)
	if !ok {
		return domain.Note{}, ErrUnknownNote
	}
	if n.AuthorID != c.cfg.Self.ID {
		return domain.Note{}, ErrNotAuthor
	}
	return n, nil
}

func (c *Controller) UpdateNote(ctx context.Context, id, content string) error {
	return c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		n, err := c.ownNote(id)
		if err != nil {
			return err
		}
		content = strings.TrimSpace(content)
		if content == "" {
			return ErrEmptyNote
		}
		now := time.Now().UTC()
		if !now.After(n.UpdatedAt) {
			now = n.UpdatedAt.Add(time.Millisecond)
		}
		n.Content, n.UpdatedAt = content, now
		c.replica.Apply(signaling.NoteUpdated{Note: n})
		c.send(ctx, signaling.Message{Type: signaling.TypeUpdateNote, Note: &n})
		c.roomChanged()
		return nil
	})
}

func (c *Controller) DeleteNote(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		if _, err := c.ownNote(id); err != nil {
			return err
		}
		c.replica.Apply(signaling.NoteDeleted{NoteID: id, UserID: c.cfg.Self.ID})
		c.send(ctx, signaling.Message{Type: signaling.TypeDeleteNote, NoteID: id})
		c.roomChanged()
		return nil
	})
}

// EndCall stops local media, closes every link and leaves the room.
// Calling it again, or without a call, does nothing.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.teardown(ctx, true)
		return nil
	})
}

// EndForEveryone closes the room for all members. Only the caller, the user
// who opened the room, may do it.
func (c *Controller) EndForEveryone(ctx context.Context) error {
	return c.do(ctx, func() error {
		if err := c.requireActive(); err != nil {
			return err
		}
		if c.room.CallerID != c.cfg.Self.ID {
			return ErrNotCaller
		}
		c.send(ctx, signaling.Message{Type: signaling.TypeEndCall, Room: c.room.ID})
		c.teardown(ctx, false)
		return nil
	})
}

func (c *Controller) teardown(ctx context.Context, announce bool) {
	if c.state == StateIdle || c.state == StateEnding {
		return
	}
	c.setState(StateEnding)
	c.mu.Lock()
	pl, sl := c.peerLinks, c.screenShareLinks
	c.peerLinks, c.screenShareLinks = nil, nil
	c.mu.Unlock()

	if sl != nil {
		if announce {
			sl.Stop(ctx)
		}
		sl.Close()
	}
	if pl != nil {
		pl.CloseAll()
	}
	if c.local != nil {
		c.local.Stop()
		c.local = nil
	}
	if announce {
		c.send(ctx, signaling.Message{Type: signaling.TypeLeaveRoom, Room: c.room.ID})
	}
	if c.callCancel != nil {
		c.callCancel()
		c.callCancel = nil
	}
	c.callCtx = nil
	c.replica.Reset()
	c.room = domain.Room{}
	c.setState(StateIdle)
	c.roomChanged()
}
