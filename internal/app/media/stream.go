package media

import (
	"context"
	"sync"
)

// Stream groups the tracks of one capture (camera+mic, or a display).
type Stream struct {
	ID string

	mu      sync.Mutex
	ctx     context.Context
	tracks  []*LocalTrack
	ended   chan struct{}
	endOnce sync.Once
}

func NewStream(id string, tracks ...*LocalTrack) *Stream {
	return &Stream{ID: id, tracks: tracks, ended: make(chan struct{})}
}

// Start begins pumping every track. Tracks added later start immediately.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	tracks := append([]*LocalTrack(nil), s.tracks...)
	s.mu.Unlock()
	for _, t := range tracks {
		s.startTrack(t)
	}
}

func (s *Stream) startTrack(t *LocalTrack) {
	t.Start(s.ctx)
	go func() {
		<-t.Done()
		s.endOnce.Do(func() { close(s.ended) })
	}()
}

// Add appends a track, e.g. a camera acquired after the call started.
func (s *Stream) Add(t *LocalTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	started := s.ctx != nil
	s.mu.Unlock()
	if started {
		s.startTrack(t)
	}
}

func (s *Stream) Tracks() []*LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*LocalTrack(nil), s.tracks...)
}

func (s *Stream) first(kind Kind) *LocalTrack {
	for _, t := range s.Tracks() {
		if t.Kind == kind && t.GetState() != TrackStateStopped {
			return t
		}
	}
	return nil
}

func (s *Stream) Audio() *LocalTrack { return s.first(KindAudio) }
func (s *Stream) Video() *LocalTrack { return s.first(KindVideo) }

// Ended is closed as soon as any track of the stream stops.
func (s *Stream) Ended() <-chan struct{} { return s.ended }

// Stop stops every track. Idempotent.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
	s.mu.Lock()
	started := s.ctx != nil
	s.mu.Unlock()
	if !started {
		s.endOnce.Do(func() { close(s.ended) })
	}
}
