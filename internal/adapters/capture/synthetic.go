// Package capture provides generated media sources for headless clients.
package capture

import (
	"context"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"
)

const (
	mtu        = 1200
	opusPT     = 111
	vp8PT      = 96
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// opus DTX silence
var silence = []byte{0xf8, 0xff, 0xfe}

// Synthetic is a media.Capturer whose tracks carry generated RTP: opus
// silence and a fixed VP8 frame. Deny makes a kind fail the way a browser
// refuses a device.
type Synthetic struct {
	// Deny maps "audio", "video" or "display" to the failure reported.
	Deny map[string]core.MediaAccessReason
	// DisplayFor ends display captures after this long, as when the user
	// stops sharing from the system picker. Zero keeps them running.
	DisplayFor time.Duration
	// DisplayAudio adds a system-audio track to display captures, as when
	// the user ticks "share audio" in the picker.
	DisplayAudio bool
}

var _ media.Capturer = (*Synthetic)(nil)

func (s *Synthetic) check(kind string) error {
	if reason, ok := s.Deny[kind]; ok {
		return &core.MediaAccessError{Kind: kind, Reason: reason}
	}
	return nil
}

func (s *Synthetic) UserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	if !c.Audio && !c.Video {
		return nil, &core.MediaAccessError{Kind: "audio", Reason: core.ReasonOther}
	}
	streamID := uuid.NewString()
	var tracks []*media.LocalTrack
	if c.Audio {
		if err := s.check("audio"); err != nil {
			return nil, err
		}
		t, err := media.NewLocalTrack(media.KindAudio, "audio-"+streamID, streamID, newAudioSource(0))
		if err != nil {
			return nil, &core.MediaAccessError{Kind: "audio", Reason: core.ReasonOther, Err: err}
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		if err := s.check("video"); err != nil {
			for _, t := range tracks {
				t.Stop()
			}
			return nil, err
		}
		t, err := media.NewLocalTrack(media.KindVideo, "video-"+streamID, streamID, newVideoSource(0))
		if err != nil {
			return nil, &core.MediaAccessError{Kind: "video", Reason: core.ReasonOther, Err: err}
		}
		tracks = append(tracks, t)
	}
	log.Debug().Str("module", "capture").Str("stream", streamID).Int("tracks", len(tracks)).Msg("user media opened")
	return media.NewStream(streamID, tracks...), nil
}

func (s *Synthetic) DisplayMedia(context.Context) (*media.Stream, error) {
	if err := s.check("display"); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()
	t, err := media.NewLocalTrack(media.KindVideo, "display-"+streamID, streamID, newVideoSource(s.DisplayFor))
	if err != nil {
		return nil, &core.MediaAccessError{Kind: "display", Reason: core.ReasonOther, Err: err}
	}
	tracks := []*media.LocalTrack{t}
	if s.DisplayAudio {
		a, err := media.NewLocalTrack(media.KindAudio, "display-audio-"+streamID, streamID, newAudioSource(s.DisplayFor))
		if err != nil {
			t.Stop()
			return nil, &core.MediaAccessError{Kind: "display", Reason: core.ReasonOther, Err: err}
		}
		tracks = append(tracks, a)
	}
	log.Debug().Str("module", "capture").Str("stream", streamID).Int("tracks", len(tracks)).Msg("display media opened")
	return media.NewStream(streamID, tracks...), nil
}

// source paces packetized frames on a ticker.
type source struct {
	ticker     *time.Ticker
	packetizer rtp.Packetizer
	frame      []byte
	samples    uint32
	pending    []*rtp.Packet
	deadline   <-chan time.Time

	closed    chan struct{}
	closeOnce sync.Once
}

func newSource(every time.Duration, p rtp.Payloader, pt uint8, clock uint32, frame []byte, lifetime time.Duration) *source {
	s := &source{
		ticker:     time.NewTicker(every),
		packetizer: rtp.NewPacketizer(mtu, pt, rand.Uint32(), p, rtp.NewRandomSequencer(), clock),
		frame:      frame,
		samples:    uint32(every.Seconds() * float64(clock)),
		closed:     make(chan struct{}),
	}
	if lifetime > 0 {
		s.deadline = time.After(lifetime)
	}
	return s
}

func newAudioSource(lifetime time.Duration) *source {
	return newSource(audioFrame, &codecs.OpusPayloader{}, opusPT, 48000, silence, lifetime)
}

func newVideoSource(lifetime time.Duration) *source {
	frame := make([]byte, 2*mtu)
	// VP8 keyframe start code
	copy(frame[3:], []byte{0x9d, 0x01, 0x2a})
	return newSource(videoFrame, &codecs.VP8Payloader{}, vp8PT, 90000, frame, lifetime)
}

func (s *source) ReadRTP() (*rtp.Packet, error) {
	for len(s.pending) == 0 {
		select {
		case <-s.closed:
			return nil, io.EOF
		case <-s.deadline:
			return nil, io.EOF
		case <-s.ticker.C:
			s.pending = s.packetizer.Packetize(s.frame, s.samples)
		}
	}
	p := s.pending[0]
	s.pending = s.pending[1:]
	return p, nil
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}
