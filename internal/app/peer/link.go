// Package peer manages one media connection per remote transport.
//
// Every Link owns a goroutine that runs its negotiation steps one at a time.
// Closing a link cancels that goroutine and drops whatever was still queued,
// so the session never waits on a link that is going away.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type State string

const (
	StateNew         State = "new"
	StateNegotiating State = "negotiating"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

// Key identifies the remote end. Links are indexed by transport; the user id
// is kept so a departure by user can find every link.
type Key struct {
	Transport domain.TransportID
	User      domain.UserID
}

type task struct {
	op string
	fn func(ctx context.Context) error
}

type Link struct {
	Key       Key
	Initiator bool

	mgr    *Manager
	conn   core.MediaConnection
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	qmu   sync.Mutex
	queue []task
	wake  chan struct{}

	// guarded by mu; written only from the task goroutine except Close
	mu     sync.Mutex
	state  State
	remote []*webrtc.TrackRemote

	// task goroutine only
	offerPending bool
	offerSeq     uint64
	timer        *time.Timer
	renegQueued  bool
	restarted    bool
	candidates   []webrtc.ICECandidateInit
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RemoteTracks returns the media received from the remote so far.
func (l *Link) RemoteTracks() []*webrtc.TrackRemote {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), l.remote...)
}

// Done is closed once the task goroutine has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

func (l *Link) setState(s State) {
	l.mu.Lock()
	if l.state == s || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.logger.Info().Str("state", string(s)).Msg("link state")
	if fn := l.mgr.hooks.OnState; fn != nil {
		fn(l.Key, s)
	}
}

func (l *Link) enqueue(op string, fn func(ctx context.Context) error) {
	l.qmu.Lock()
	if l.ctx.Err() != nil {
		l.qmu.Unlock()
		l.logger.Debug().Str("op", op).Msg("link closed, dropping task")
		return
	}
	l.queue = append(l.queue, task{op: op, fn: fn})
	l.qmu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Link) next() (task, bool) {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.queue) == 0 {
		return task{}, false
	}
	t := l.queue[0]
	l.queue[0] = task{}
	l.queue = l.queue[1:]
	return t, true
}

func (l *Link) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for {
			if l.ctx.Err() != nil {
				return
			}
			t, ok := l.next()
			if !ok {
				break
			}
			if err := t.fn(l.ctx); err != nil {
				l.onError(t.op, err)
			}
		}
	}
}

func (l *Link) onError(op string, err error) {
	if errors.Is(err, core.ErrLateEvent) {
		l.logger.Debug().Err(err).Str("op", op).Msg("late event ignored")
		return
	}
	nerr := &core.NegotiationError{Channel: l.mgr.cfg.Channel, Transport: l.Key.Transport, Op: op, Err: err}
	l.logger.Warn().Err(nerr).Msg("negotiation step failed")
	l.failure(op)
}

func (l *Link) send(ctx context.Context, msg signaling.Message) {
	msg.Target = l.Key.Transport
	if err := l.mgr.sender.Send(ctx, msg); err != nil {
		l.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("relay send failed")
	}
}

// negotiate sends a fresh offer unless one is already in flight, in which
// case it runs after the answer arrives.
func (l *Link) negotiate(ctx context.Context, restart bool) error {
	if l.offerPending && !restart {
		l.renegQueued = true
		l.logger.Debug().Msg("offer in flight, renegotiation queued")
		return nil
	}
	offer, err := l.conn.CreateOffer(core.OfferOptions{
		ReceiveAudio: l.mgr.cfg.ReceiveAudio,
		ReceiveVideo: l.mgr.cfg.ReceiveVideo,
		ICERestart:   restart,
	})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	l.offerPending = true
	l.offerSeq++
	l.armTimer(l.offerSeq)
	if l.State() != StateConnected || restart {
		l.setState(StateNegotiating)
	}
	l.send(ctx, signaling.Message{Type: l.mgr.cfg.Channel.OfferType(), SDP: &offer, Restart: restart})
	return nil
}

func (l *Link) armTimer(seq uint64) {
	l.stopTimer()
	d := l.mgr.cfg.NegotiationTimeout
	if d <= 0 {
		return
	}
	l.timer = time.AfterFunc(d, func() {
		l.enqueue("timeout", func(ctx context.Context) error {
			if !l.offerPending || l.offerSeq != seq {
				return nil
			}
			l.logger.Warn().Dur("timeout", d).Msg("offer unanswered")
			l.failure("timeout")
			return nil
		})
	})
}

func (l *Link) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) handleOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if l.offerPending {
		if l.Initiator {
			l.logger.Info().Msg("offer collision, keeping ours")
			return nil
		}
		l.logger.Info().Msg("offer collision, rolling back ours")
		if err := l.conn.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		l.offerPending = false
		l.stopTimer()
		l.renegQueued = true
	}
	answer, err := l.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	l.flushCandidates()
	if l.State() != StateConnected {
		l.setState(StateNegotiating)
	}
	l.send(ctx, signaling.Message{Type: l.mgr.cfg.Channel.AnswerType(), SDP: &answer})
	return l.drainRenegotiation(ctx)
}

func (l *Link) handleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if !l.offerPending {
		return fmt.Errorf("%w: answer without pending offer", core.ErrLateEvent)
	}
	l.offerPending = false
	l.stopTimer()
	if err := l.conn.ApplyAnswer(answer); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	l.flushCandidates()
	return l.drainRenegotiation(ctx)
}

func (l *Link) drainRenegotiation(ctx context.Context) error {
	if !l.renegQueued || l.offerPending {
		return nil
	}
	l.renegQueued = false
	return l.negotiate(ctx, false)
}

func (l *Link) handleCandidate(c webrtc.ICECandidateInit) error {
	if !l.conn.HasRemoteDescription() {
		if len(l.candidates) >= l.mgr.cfg.MaxPendingCandidates {
			l.logger.Warn().Msg("candidate buffer full, dropping oldest")
			l.candidates = l.candidates[1:]
		}
		l.candidates = append(l.candidates, c)
		return nil
	}
	l.addCandidate(c)
	return nil
}

func (l *Link) flushCandidates() {
	pending := l.candidates
	l.candidates = nil
	for _, c := range pending {
		l.addCandidate(c)
	}
}

// addCandidate never fails the link; a bad candidate just isn't a path.
func (l *Link) addCandidate(c webrtc.ICECandidateInit) {
	if err := l.conn.AddICECandidate(c); err != nil {
		l.logger.Debug().Err(err).Msg("add candidate")
	}
}

func (l *Link) handleState(ctx context.Context, s webrtc.PeerConnectionState) error {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.restarted = false
		l.setState(StateConnected)
	case webrtc.PeerConnectionStateFailed:
		l.failure("ice")
	}
	return nil
}

// failure applies the single-restart policy. Only the initiator restarts;
// the other side waits for its offer.
func (l *Link) failure(op string) {
	if !l.Initiator || l.restarted {
		if l.offerPending {
			if err := l.conn.Rollback(); err != nil {
				l.logger.Debug().Err(err).Msg("rollback after failure")
			}
			l.offerPending = false
			l.stopTimer()
		}
		l.logger.Warn().Str("op", op).Msg("link degraded")
		l.setState(StateFailed)
		return
	}
	l.restarted = true
	l.logger.Info().Str("op", op).Msg("restarting ICE")
	if err := l.negotiate(l.ctx, true); err != nil {
		l.logger.Warn().Err(err).Msg("ICE restart failed")
		l.setState(StateFailed)
	}
}

// Close tears the link down. Queued work is discarded.
func (l *Link) Close() {
	l.qmu.Lock()
	l.cancel()
	l.queue = nil
	l.qmu.Unlock()
	l.conn.Close()
	l.setState(StateClosed)
}
