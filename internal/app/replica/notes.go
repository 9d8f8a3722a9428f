package replica

import "github.com/dkeye/callmesh/internal/domain"

// Notes keep arrival order. Deleted ids are tombstoned so a late add cannot
// bring them back; an update that overtakes its add waits in pending.

func (s *State) Notes() []domain.Note {
	out := make([]domain.Note, len(s.notes))
	copy(out, s.notes)
	return out
}

func (s *State) Note(id string) (domain.Note, bool) {
	if i := s.noteIndex(id); i >= 0 {
		return s.notes[i], true
	}
	return domain.Note{}, false
}

func (s *State) noteIndex(id string) int {
	for i, n := range s.notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *State) addNote(n domain.Note) bool {
	if _, gone := s.tombstones[n.ID]; gone {
		return false
	}
	if s.noteIndex(n.ID) >= 0 {
		return false
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	s.notes = append(s.notes, n)
	if upd, ok := s.pending[n.ID]; ok {
		delete(s.pending, n.ID)
		s.patch(len(s.notes)-1, upd)
	}
	return true
}

func (s *State) updateNote(n domain.Note) bool {
	if _, gone := s.tombstones[n.ID]; gone {
		return false
	}
	i := s.noteIndex(n.ID)
	if i < 0 {
		if prev, ok := s.pending[n.ID]; !ok || newer(n, prev) {
			s.pending[n.ID] = n
		}
		return false
	}
	return s.patch(i, n)
}

// patch is last-writer-wins on UpdatedAt; equal stamps fall back to content
// order so every replica settles on the same text.
func (s *State) patch(i int, n domain.Note) bool {
	cur := s.notes[i]
	if !newer(n, cur) {
		return false
	}
	cur.Content = n.Content
	cur.UpdatedAt = n.UpdatedAt
	s.notes[i] = cur
	return true
}

func newer(n, than domain.Note) bool {
	if n.UpdatedAt.Equal(than.UpdatedAt) {
		return n.Content > than.Content
	}
	return n.UpdatedAt.After(than.UpdatedAt)
}

func (s *State) deleteNote(id string) bool {
	s.tombstones[id] = struct{}{}
	delete(s.pending, id)
	i := s.noteIndex(id)
	if i < 0 {
		return false
	}
	s.notes = append(s.notes[:i], s.notes[i+1:]...)
	return true
}
