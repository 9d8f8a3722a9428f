// Package media holds the local capture tracks shared by every link.
// The device side is behind Source; only the session starts or stops it.
package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// Source produces RTP packets for one local track. ReadRTP returns io.EOF
// once the device is gone.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// Codec returns the capability used for tracks of this kind.
func Codec(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// LocalTrack is one captured track. The same *webrtc.TrackLocalStaticRTP is
// attached to every peer connection; muting skips writes.
type LocalTrack struct {
	Kind  Kind
	Track *webrtc.TrackLocalStaticRTP

	src      Source
	state    atomic.Int32 // Zero by default (TrackStateOk)
	started  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once
}

func NewLocalTrack(kind Kind, id, streamID string, src Source) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticRTP(Codec(kind), id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{Kind: kind, Track: t, src: src, done: make(chan struct{})}, nil
}

func (t *LocalTrack) GetState() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Enabled() bool { return t.GetState() == TrackStateOk }

// SetEnabled flips between ok and muted. A stopped track stays stopped.
func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// Done is closed when the track stops, either by Stop or because the source ended.
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

// Stop releases the source. Safe to call more than once.
func (t *LocalTrack) Stop() {
	if TrackState(t.state.Swap(int32(TrackStateStopped))) == TrackStateStopped {
		return
	}
	if t.src != nil {
		_ = t.src.Close()
	}
	if !t.started.Load() {
		t.finish()
	}
}

func (t *LocalTrack) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Start runs the pump until ctx ends, the track is stopped or the source ends.
func (t *LocalTrack) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	if t.GetState() == TrackStateStopped {
		t.finish()
		return
	}
	go t.loop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.done:
		}
	}()
}

func (t *LocalTrack) loop(ctx context.Context) {
	logger := log.With().Str("module", "media").Str("kind", string(t.Kind)).Str("track", t.Track.ID()).Logger()
	defer t.finish()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			t.Stop()
			return
		default:
		}
		pkt, err := t.src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.GetState() != TrackStateStopped {
				logger.Error().Err(err).Msg("source read error, stopping")
			} else {
				logger.Info().Msg("source ended")
			}
			t.Stop()
			return
		}
		switch t.GetState() {
		case TrackStateStopped:
			return
		case TrackStateMuted:
		case TrackStateOk:
			if err := t.Track.WriteRTP(pkt); err != nil {
				logger.Debug().Err(err).Msg("write RTP")
			}
		}
	}
}
