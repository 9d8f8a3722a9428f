// Package screenshare runs the second mesh that carries one display capture
// from the current sharer to every other participant.
package screenshare

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrShareInProgress = errors.New("screen share already in progress")

type Role int

const (
	RoleIdle Role = iota
	RoleSharing
	RoleViewing
)

type Hooks struct {
	OnTrack func(sharer domain.UserID, track *webrtc.TrackRemote)
	OnState func(key peer.Key, state peer.State)
	// OnEnded fires after the capture ended on its own and the share was stopped.
	OnEnded func()
}

type Manager struct {
	self     domain.UserID
	capturer media.Capturer
	factory  core.MediaFactory
	sender   peer.Sender
	timeout  time.Duration
	hooks    Hooks
	logger   zerolog.Logger

	mu        sync.Mutex
	ctx       context.Context
	role      Role
	sharer    domain.UserID
	sharerTID domain.TransportID
	links     *peer.Manager
	stream    *media.Stream
}

func NewManager(ctx context.Context, self domain.UserID, capturer media.Capturer, factory core.MediaFactory, sender peer.Sender, timeout time.Duration, hooks Hooks) *Manager {
	return &Manager{
		self:     self,
		capturer: capturer,
		factory:  factory,
		sender:   sender,
		timeout:  timeout,
		hooks:    hooks,
		logger:   log.With().Str("module", "screenshare").Str("user", string(self)).Logger(),
		ctx:      ctx,
	}
}

func (m *Manager) newLinks(sharer domain.UserID) *peer.Manager {
	return peer.NewManager(m.ctx, peer.Config{
		Channel:            signaling.ChannelShare,
		NegotiationTimeout: m.timeout,
	}, m.factory, m.sender, peer.Hooks{
		OnTrack: func(_ peer.Key, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if m.hooks.OnTrack != nil {
				m.hooks.OnTrack(sharer, track)
			}
		},
		OnState: m.hooks.OnState,
	})
}

// Start captures the display and offers it to every key. It fails with
// ErrShareInProgress while another transport is sharing.
func (m *Manager) Start(ctx context.Context, viewers []peer.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.role {
	case RoleSharing:
		return nil
	case RoleViewing:
		return ErrShareInProgress
	}

	stream, err := m.capturer.DisplayMedia(ctx)
	if err != nil {
		return err
	}
	stream.Start(m.ctx)

	links := m.newLinks(m.self)
	tracks := make([]webrtc.TrackLocal, 0, 2)
	for _, t := range stream.Tracks() {
		tracks = append(tracks, t.Track)
	}
	links.SetTracks(tracks...)

	m.role, m.sharer, m.links, m.stream = RoleSharing, m.self, links, stream
	if err := m.sender.Send(ctx, signaling.Message{Type: signaling.TypeStartShare}); err != nil {
		m.logger.Warn().Err(err).Msg("announce start-share")
	}
	for _, k := range viewers {
		if _, err := links.Create(k, true); err != nil {
			m.logger.Warn().Err(err).Str("sid", string(k.Transport)).Msg("create share link")
		}
	}
	go m.watch(stream)
	m.logger.Info().Int("viewers", len(viewers)).Msg("share started")
	return nil
}

func (m *Manager) watch(stream *media.Stream) {
	select {
	case <-stream.Ended():
	case <-m.ctx.Done():
		return
	}
	m.mu.Lock()
	ours := m.role == RoleSharing && m.stream == stream
	m.mu.Unlock()
	if !ours {
		return
	}
	m.logger.Info().Msg("capture ended, stopping share")
	m.Stop(m.ctx)
	if m.hooks.OnEnded != nil {
		m.hooks.OnEnded()
	}
}

// Stop ends a local share: links closed, capture released, stop announced.
// Calling it when not sharing does nothing.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if m.role != RoleSharing {
		m.mu.Unlock()
		return
	}
	links, stream := m.links, m.stream
	m.role, m.sharer, m.sharerTID, m.links, m.stream = RoleIdle, "", "", nil, nil
	m.mu.Unlock()

	links.CloseAll()
	stream.Stop()
	if err := m.sender.Send(ctx, signaling.Message{Type: signaling.TypeStopShare}); err != nil {
		m.logger.Warn().Err(err).Msg("announce stop-share")
	}
	m.logger.Info().Msg("share stopped")
}

// AddViewer offers the running share to a transport that joined late,
// including another tab of our own user.
func (m *Manager) AddViewer(key peer.Key) {
	m.mu.Lock()
	links := m.links
	sharing := m.role == RoleSharing
	m.mu.Unlock()
	if !sharing {
		return
	}
	if _, err := links.Create(key, true); err != nil {
		m.logger.Warn().Err(err).Str("sid", string(key.Transport)).Msg("create share link")
	}
}

// RemoveTransport drops the link to a departed transport in either role.
func (m *Manager) RemoveTransport(tid domain.TransportID) {
	if links := m.current(); links != nil {
		links.CloseTransport(tid)
	}
}

func (m *Manager) RemoveUser(user domain.UserID) {
	m.mu.Lock()
	viewingUser := m.role == RoleViewing && m.sharer == user
	m.mu.Unlock()
	if viewingUser {
		m.OnShareStopped(user)
		return
	}
	if links := m.current(); links != nil {
		links.CloseUser(user)
	}
}

// OnShareStarted switches to viewing the share announced by another
// transport. The caller filters out our own announcement. If we are sharing
// too, the lower user id keeps the share and a second tab of our own user
// yields; it reports true when we gave ours up.
func (m *Manager) OnShareStarted(ctx context.Context, sharer domain.Participant) bool {
	m.mu.Lock()
	role, current, currentTID := m.role, m.sharer, m.sharerTID
	m.mu.Unlock()

	yielded := false
	switch role {
	case RoleSharing:
		if sharer.UserID != m.self && replica.PreferSharer(m.self, sharer.UserID) == m.self {
			m.logger.Info().Str("other", string(sharer.UserID)).Msg("concurrent share, keeping ours")
			return false
		}
		m.logger.Info().Str("other", string(sharer.UserID)).Str("sid", string(sharer.TransportID)).Msg("concurrent share, yielding")
		m.Stop(ctx)
		yielded = true
	case RoleViewing:
		if currentTID == sharer.TransportID {
			return false
		}
		if current != sharer.UserID && replica.PreferSharer(current, sharer.UserID) == current {
			return false
		}
		m.closeViewing()
	}

	m.mu.Lock()
	m.role, m.sharer, m.sharerTID, m.links = RoleViewing, sharer.UserID, sharer.TransportID, m.newLinks(sharer.UserID)
	m.mu.Unlock()
	return yielded
}

func (m *Manager) OnShareStopped(user domain.UserID) {
	m.mu.Lock()
	if m.role != RoleViewing || m.sharer != user {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.closeViewing()
}

func (m *Manager) closeViewing() {
	m.mu.Lock()
	links := m.links
	if m.role == RoleViewing {
		m.role, m.sharer, m.sharerTID, m.links = RoleIdle, "", "", nil
	}
	m.mu.Unlock()
	if links != nil {
		links.CloseAll()
	}
}

// OnOffer accepts offers only from the transport that is sharing.
func (m *Manager) OnOffer(ev signaling.Offer) error {
	m.mu.Lock()
	ok := m.role == RoleViewing && m.sharerTID == ev.From
	links := m.links
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("from", string(ev.From)).Str("user", string(ev.UserID)).Msg("share offer from non-sharer ignored")
		return nil
	}
	return links.OnOffer(ev)
}

func (m *Manager) OnAnswer(ev signaling.Answer) {
	if links := m.current(); links != nil {
		links.OnAnswer(ev)
	}
}

func (m *Manager) OnCandidate(ev signaling.Candidate) {
	if links := m.current(); links != nil {
		links.OnCandidate(ev)
	}
}

func (m *Manager) current() *peer.Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links
}

// Close drops every link and the capture without announcing anything.
func (m *Manager) Close() {
	m.mu.Lock()
	links, stream := m.links, m.stream
	m.role, m.sharer, m.sharerTID, m.links, m.stream = RoleIdle, "", "", nil, nil
	m.mu.Unlock()
	if links != nil {
		links.CloseAll()
	}
	if stream != nil {
		stream.Stop()
	}
}

func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Manager) Sharer() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharer
}

func (m *Manager) Len() int {
	if links := m.current(); links != nil {
		return links.Len()
	}
	return 0
}

func (m *Manager) States() map[domain.TransportID]peer.State {
	if links := m.current(); links != nil {
		return links.States()
	}
	return map[domain.TransportID]peer.State{}
}
