package app

import (
	"sort"
	"sync"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService)}
}

// GetOrCreate keeps the metadata of the first join; later joins reuse it.
func (f *RoomManagerImpl) GetOrCreate(room domain.Room) core.RoomService {
	f.mu.RLock()
	rs, ok := f.rooms[room.ID]
	f.mu.RUnlock()
	if ok {
		return rs
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rs, ok = f.rooms[room.ID]; ok {
		return rs
	}
	rs = core.NewRoomService(room)
	f.rooms[room.ID] = rs
	log.Info().Str("module", "app.rooms").Str("room", string(room.ID)).Str("kind", string(room.Kind)).Msg("room created")
	return rs
}

func (f *RoomManagerImpl) Get(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rs, ok := f.rooms[id]
	return rs, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, Info(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room stopped")
}

func Info(r core.RoomService) core.RoomInfo {
	room := r.Room()
	return core.RoomInfo{
		ID:          room.ID,
		Kind:        room.Kind,
		IsGroup:     room.IsGroup,
		GroupID:     room.GroupID,
		CallerID:    room.CallerID,
		MemberCount: r.MemberCount(),
	}
}
