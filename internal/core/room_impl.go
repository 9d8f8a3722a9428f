package core

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownMember = errors.New("unknown member")

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room   domain.Room
	mu     sync.RWMutex
	byTID  map[domain.TransportID]MemberSession
	byUser map[domain.UserID]map[domain.TransportID]struct{}
}

func NewRoomService(room domain.Room) RoomService {
	return &roomImpl{
		room:   room,
		byTID:  make(map[domain.TransportID]MemberSession),
		byUser: make(map[domain.UserID]map[domain.TransportID]struct{}),
	}
}

func (r *roomImpl) Room() domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTID)
}

func (r *roomImpl) Member(tid domain.TransportID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byTID[tid]
	return ms, ok
}

func (r *roomImpl) TransportsOf(user domain.UserID) []domain.TransportID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TransportID, 0, len(r.byUser[user]))
	for tid := range r.byUser[user] {
		out = append(out, tid)
	}
	return out
}

func (r *roomImpl) AddMember(ms MemberSession) {
	meta := ms.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTID[meta.TransportID] = ms
	set, ok := r.byUser[meta.UserID]
	if !ok {
		set = make(map[domain.TransportID]struct{})
		r.byUser[meta.UserID] = set
	}
	set[meta.TransportID] = struct{}{}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(meta.TransportID)).Str("user", string(meta.UserID)).Msg("member added")
}

func (r *roomImpl) RemoveMember(tid domain.TransportID) (MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.byTID[tid]
	if !ok {
		return nil, false
	}
	u := ms.Meta().UserID
	if set := r.byUser[u]; set != nil {
		delete(set, tid)
		if len(set) == 0 {
			delete(r.byUser, u)
		}
	}
	delete(r.byTID, tid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(tid)).Msg("member removed")
	return ms, true
}

func (r *roomImpl) Broadcast(from domain.TransportID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for tid, m := range r.byTID {
		if tid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(target domain.TransportID, data Frame) error {
	r.mu.RLock()
	m, ok := r.byTID[target]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownMember
	}
	return m.Signal().TrySend(data)
}

// MembersSnapshot is ordered by transport id so snapshots are stable.
func (r *roomImpl) MembersSnapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.byTID))
	for _, ms := range r.byTID {
		out = append(out, ms.Meta())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransportID < out[j].TransportID })
	return out
}
