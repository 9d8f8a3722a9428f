package peer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNegotiationTimeout = 30 * time.Second
	defaultMaxCandidates      = 64
)

type Config struct {
	Channel            signaling.Channel
	ReceiveAudio       bool
	ReceiveVideo       bool
	NegotiationTimeout time.Duration
	// MaxPendingCandidates bounds candidates held before a remote
	// description exists, per link and per unknown transport.
	MaxPendingCandidates int
}

// Sender is the outbound half of the relay.
type Sender interface {
	Send(ctx context.Context, msg signaling.Message) error
}

// Hooks are invoked from link goroutines, never under the manager lock.
type Hooks struct {
	OnTrack func(key Key, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnState func(key Key, state State)
}

type Manager struct {
	cfg     Config
	factory core.MediaFactory
	sender  Sender
	hooks   Hooks
	logger  zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	links   map[domain.TransportID]*Link
	byUser  map[domain.UserID]map[domain.TransportID]struct{}
	orphans map[domain.TransportID][]webrtc.ICECandidateInit
	tracks  []webrtc.TrackLocal
}

func NewManager(ctx context.Context, cfg Config, factory core.MediaFactory, sender Sender, hooks Hooks) *Manager {
	if cfg.Channel == "" {
		cfg.Channel = signaling.ChannelMedia
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = defaultMaxCandidates
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		sender:  sender,
		hooks:   hooks,
		logger:  log.With().Str("module", "peer").Str("channel", string(cfg.Channel)).Logger(),
		ctx:     ctx,
		links:   make(map[domain.TransportID]*Link),
		byUser:  make(map[domain.UserID]map[domain.TransportID]struct{}),
		orphans: make(map[domain.TransportID][]webrtc.ICECandidateInit),
	}
}

// SetTracks replaces the local tracks attached to links created from now on.
func (m *Manager) SetTracks(tracks ...webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = append([]webrtc.TrackLocal(nil), tracks...)
}

// Create returns the link for key.Transport, building it if absent. A second
// call with the same transport is a no-op returning the existing link.
func (m *Manager) Create(key Key, initiator bool) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[key.Transport]; ok {
		return l, nil
	}

	conn, err := m.factory.NewConnection()
	if err != nil {
		return nil, &core.NegotiationError{Channel: m.cfg.Channel, Transport: key.Transport, Op: "create", Err: err}
	}
	ctx, cancel := context.WithCancel(m.ctx)
	l := &Link{
		Key:       key,
		Initiator: initiator,
		mgr:       m,
		conn:      conn,
		logger:    m.logger.With().Str("sid", string(key.Transport)).Str("user", string(key.User)).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		state:     StateNew,
	}
	m.bindHandlers(l)
	if err := conn.Start(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, &core.NegotiationError{Channel: m.cfg.Channel, Transport: key.Transport, Op: "start", Err: err}
	}
	for _, t := range m.tracks {
		if _, err := conn.AddLocalTrack(t); err != nil {
			l.logger.Warn().Err(err).Str("track", t.ID()).Msg("attach local track")
		}
	}

	m.links[key.Transport] = l
	if key.User != "" {
		set, ok := m.byUser[key.User]
		if !ok {
			set = make(map[domain.TransportID]struct{})
			m.byUser[key.User] = set
		}
		set[key.Transport] = struct{}{}
	}
	go l.run()

	for _, c := range m.orphans[key.Transport] {
		c := c
		l.enqueue("candidate", func(context.Context) error { return l.handleCandidate(c) })
	}
	delete(m.orphans, key.Transport)

	if initiator {
		l.enqueue("offer", func(ctx context.Context) error { return l.negotiate(ctx, false) })
	}
	l.logger.Info().Bool("initiator", initiator).Msg("link created")
	return l, nil
}

func (m *Manager) bindHandlers(l *Link) {
	l.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if l.ctx.Err() != nil {
			return
		}
		l.send(l.ctx, signaling.Message{Type: m.cfg.Channel.CandidateType(), Candidate: &c})
	})
	l.conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.mu.Lock()
		l.remote = append(l.remote, track)
		l.mu.Unlock()
		if m.hooks.OnTrack != nil {
			m.hooks.OnTrack(l.Key, track, receiver)
		}
	})
	l.conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		l.enqueue("state", func(ctx context.Context) error { return l.handleState(ctx, s) })
	})
}

func (m *Manager) Get(tid domain.TransportID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[tid]
	return l, ok
}

// OnOffer accepts a remote offer, creating a non-initiator link if needed.
func (m *Manager) OnOffer(ev signaling.Offer) error {
	l, err := m.Create(Key{Transport: ev.From, User: ev.UserID}, false)
	if err != nil {
		return err
	}
	sdp := ev.SDP
	l.enqueue("answer", func(ctx context.Context) error { return l.handleOffer(ctx, sdp) })
	return nil
}

// OnAnswer never fails: an answer nobody is waiting for is logged and dropped.
func (m *Manager) OnAnswer(ev signaling.Answer) {
	l, ok := m.Get(ev.From)
	if !ok {
		m.logger.Debug().Err(fmt.Errorf("%w: answer from %s", core.ErrLateEvent, ev.From)).Msg("late event ignored")
		return
	}
	sdp := ev.SDP
	l.enqueue("apply-answer", func(ctx context.Context) error { return l.handleAnswer(ctx, sdp) })
}

// OnCandidate applies or buffers a remote candidate. Candidates for a
// transport without a link wait until an offer creates it.
func (m *Manager) OnCandidate(ev signaling.Candidate) {
	m.mu.Lock()
	l, ok := m.links[ev.From]
	if !ok {
		buf := m.orphans[ev.From]
		if len(buf) >= m.cfg.MaxPendingCandidates {
			buf = buf[1:]
		}
		m.orphans[ev.From] = append(buf, ev.Candidate)
		m.mu.Unlock()
		m.logger.Debug().Str("sid", string(ev.From)).Msg("candidate for unknown link buffered")
		return
	}
	m.mu.Unlock()
	c := ev.Candidate
	l.enqueue("candidate", func(context.Context) error { return l.handleCandidate(c) })
}

// AddTrack attaches a track to every live link and renegotiates each one.
// Links created later pick it up at creation.
func (m *Manager) AddTrack(track webrtc.TrackLocal) {
	m.mu.Lock()
	m.tracks = append(m.tracks, track)
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		l := l
		l.enqueue("add-track", func(ctx context.Context) error {
			if _, err := l.conn.AddLocalTrack(track); err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			return l.negotiate(ctx, false)
		})
	}
}

func (m *Manager) detach(l *Link) {
	delete(m.links, l.Key.Transport)
	delete(m.orphans, l.Key.Transport)
	if set := m.byUser[l.Key.User]; set != nil {
		delete(set, l.Key.Transport)
		if len(set) == 0 {
			delete(m.byUser, l.Key.User)
		}
	}
}

func (m *Manager) CloseTransport(tid domain.TransportID) bool {
	m.mu.Lock()
	l, ok := m.links[tid]
	if ok {
		m.detach(l)
	} else {
		delete(m.orphans, tid)
	}
	m.mu.Unlock()
	if ok {
		l.Close()
	}
	return ok
}

// CloseUser closes every link that belongs to user and returns how many.
func (m *Manager) CloseUser(user domain.UserID) int {
	m.mu.Lock()
	var closing []*Link
	for tid := range m.byUser[user] {
		if l, ok := m.links[tid]; ok {
			closing = append(closing, l)
		}
	}
	for _, l := range closing {
		m.detach(l)
	}
	m.mu.Unlock()
	for _, l := range closing {
		l.Close()
	}
	return len(closing)
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	closing := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		closing = append(closing, l)
	}
	m.links = make(map[domain.TransportID]*Link)
	m.byUser = make(map[domain.UserID]map[domain.TransportID]struct{})
	m.orphans = make(map[domain.TransportID][]webrtc.ICECandidateInit)
	m.tracks = nil
	m.mu.Unlock()
	for _, l := range closing {
		l.Close()
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Keys lists live links ordered by transport.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.Key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Transport < out[j].Transport })
	return out
}

func (m *Manager) States() map[domain.TransportID]State {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()
	out := make(map[domain.TransportID]State, len(links))
	for _, l := range links {
		out[l.Key.Transport] = l.State()
	}
	return out
}
