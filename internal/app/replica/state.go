// Package replica keeps one client's copy of room state: participants,
// control flags, raised hands, the current sharer and shared notes.
//
// State is a reducer over signaling events. It is not safe for concurrent
// use; the owner serializes access (the session actor on the client, the
// orchestrator lock on the relay).
package replica

import (
	"sort"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

type State struct {
	room domain.Room
	self domain.UserID

	participants []domain.Participant
	raised       map[domain.UserID]struct{}
	localHand    bool
	sharer       *domain.Participant

	notes      []domain.Note
	tombstones map[string]struct{}
	pending    map[string]domain.Note
}

// Snapshot is a deep copy for the UI projection.
type Snapshot struct {
	Room            domain.Room
	Self            domain.UserID
	Participants    []domain.Participant
	Notes           []domain.Note
	RaisedHands     []domain.UserID
	LocalHandRaised bool
	Sharer          *domain.Participant
}

// New returns an empty state for the given local user. The relay passes an
// empty self.
func New(self domain.UserID) *State {
	s := &State{self: self}
	s.Reset()
	return s
}

// Reset drops everything but the local identity.
func (s *State) Reset() {
	s.room = domain.Room{}
	s.participants = nil
	s.raised = make(map[domain.UserID]struct{})
	s.localHand = false
	s.sharer = nil
	s.notes = nil
	s.tombstones = make(map[string]struct{})
	s.pending = make(map[string]domain.Note)
}

func (s *State) SetRoom(room domain.Room) { s.room = room }
func (s *State) Room() domain.Room        { return s.room }
func (s *State) Self() domain.UserID      { return s.self }

// Apply folds one event into the state and reports whether anything changed.
// Redelivery of an event already applied is always a no-op.
func (s *State) Apply(ev signaling.Event) bool {
	switch e := ev.(type) {
	case signaling.ParticipantJoined:
		return s.join(e.Participant)
	case signaling.ParticipantLeft:
		return s.leave(e.UserID, e.Transport)
	case signaling.AudioToggled:
		return s.eachOf(e.UserID, func(p *domain.Participant) bool {
			if p.IsMuted == e.IsMuted {
				return false
			}
			p.IsMuted = e.IsMuted
			return true
		})
	case signaling.VideoToggled:
		return s.eachOf(e.UserID, func(p *domain.Participant) bool {
			if p.IsVideoOff == e.IsVideoOff {
				return false
			}
			p.IsVideoOff = e.IsVideoOff
			return true
		})
	case signaling.HandRaised:
		return s.setHand(e.UserID, e.Raised)
	case signaling.AllHandsLowered:
		changed := len(s.raised) > 0 || s.localHand
		s.raised = make(map[domain.UserID]struct{})
		s.localHand = false
		return changed
	case signaling.NoteAdded:
		return s.addNote(e.Note)
	case signaling.NoteUpdated:
		return s.updateNote(e.Note)
	case signaling.NoteDeleted:
		return s.deleteNote(e.NoteID)
	case signaling.ShareStarted:
		return s.startShare(e.Sharer)
	case signaling.ShareStopped:
		if s.sharer == nil || s.sharer.UserID != e.UserID {
			return false
		}
		s.sharer = nil
		return true
	case signaling.RosterSnapshot:
		s.bootstrap(e)
		return true
	}
	return false
}

func (s *State) join(p domain.Participant) bool {
	if s.indexOf(p.TransportID) >= 0 {
		return false
	}
	p.HandRaised = false
	s.participants = append(s.participants, p)
	return true
}

func (s *State) leave(user domain.UserID, tid domain.TransportID) bool {
	kept := s.participants[:0]
	removed := false
	for _, p := range s.participants {
		drop := (tid != "" && p.TransportID == tid) || (tid == "" && p.UserID == user)
		if drop {
			removed = true
			if user == "" {
				user = p.UserID
			}
			if s.sharer != nil && s.sharer.TransportID == p.TransportID {
				s.sharer = nil
			}
			continue
		}
		kept = append(kept, p)
	}
	s.participants = kept
	if removed && len(s.TransportsOf(user)) == 0 {
		delete(s.raised, user)
		if s.sharer != nil && s.sharer.UserID == user {
			s.sharer = nil
		}
	}
	return removed
}

func (s *State) eachOf(user domain.UserID, fn func(*domain.Participant) bool) bool {
	changed := false
	for i := range s.participants {
		if s.participants[i].UserID == user && fn(&s.participants[i]) {
			changed = true
		}
	}
	return changed
}

func (s *State) setHand(user domain.UserID, raised bool) bool {
	_, was := s.raised[user]
	if raised {
		s.raised[user] = struct{}{}
	} else {
		delete(s.raised, user)
	}
	if user == s.self && s.self != "" {
		s.localHand = raised
	}
	return was != raised
}

// PreferSharer settles two users claiming the share at once: the lower
// user id keeps it.
func PreferSharer(a, b domain.UserID) domain.UserID {
	if b < a {
		return b
	}
	return a
}

func (s *State) startShare(p domain.Participant) bool {
	if s.sharer != nil {
		if s.sharer.UserID == p.UserID {
			if s.sharer.TransportID == p.TransportID {
				return false
			}
			cp := p
			s.sharer = &cp
			return true
		}
		if PreferSharer(s.sharer.UserID, p.UserID) == s.sharer.UserID {
			return false
		}
	}
	cp := p
	s.sharer = &cp
	return true
}

func (s *State) bootstrap(e signaling.RosterSnapshot) {
	if e.Room.ID != "" {
		s.room = e.Room
	}
	s.participants = s.participants[:0]
	for _, p := range e.Participants {
		s.join(p)
	}
	s.raised = make(map[domain.UserID]struct{}, len(e.RaisedHands))
	s.localHand = false
	for _, u := range e.RaisedHands {
		s.setHand(u, true)
	}
	s.sharer = nil
	if e.Sharer != nil {
		s.startShare(*e.Sharer)
	}
	s.notes = s.notes[:0]
	for _, n := range e.Notes {
		s.addNote(n)
	}
}

func (s *State) indexOf(tid domain.TransportID) int {
	for i, p := range s.participants {
		if p.TransportID == tid {
			return i
		}
	}
	return -1
}

// Participants returns a copy in arrival order with hand flags filled in.
func (s *State) Participants() []domain.Participant {
	out := make([]domain.Participant, len(s.participants))
	copy(out, s.participants)
	for i := range out {
		_, out[i].HandRaised = s.raised[out[i].UserID]
	}
	return out
}

func (s *State) Participant(tid domain.TransportID) (domain.Participant, bool) {
	i := s.indexOf(tid)
	if i < 0 {
		return domain.Participant{}, false
	}
	p := s.participants[i]
	_, p.HandRaised = s.raised[p.UserID]
	return p, true
}

func (s *State) TransportsOf(user domain.UserID) []domain.TransportID {
	var out []domain.TransportID
	for _, p := range s.participants {
		if p.UserID == user {
			out = append(out, p.TransportID)
		}
	}
	return out
}

func (s *State) Sharer() *domain.Participant {
	if s.sharer == nil {
		return nil
	}
	cp := *s.sharer
	return &cp
}

func (s *State) RaisedHands() []domain.UserID {
	out := make([]domain.UserID, 0, len(s.raised))
	for u := range s.raised {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *State) LocalHandRaised() bool { return s.localHand }

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Room:            s.room,
		Self:            s.self,
		Participants:    s.Participants(),
		Notes:           s.Notes(),
		RaisedHands:     s.RaisedHands(),
		LocalHandRaised: s.localHand,
		Sharer:          s.Sharer(),
	}
}

// Roster builds the bootstrap event the relay sends to a newcomer.
func (s *State) Roster() signaling.RosterSnapshot {
	return signaling.RosterSnapshot{
		Room:         s.room,
		Participants: s.Participants(),
		Notes:        s.Notes(),
		RaisedHands:  s.RaisedHands(),
		Sharer:       s.Sharer(),
	}
}
