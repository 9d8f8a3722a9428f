package app

import (
	"context"
	"sync"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room    domain.RoomID
	Conn    core.SignalConnection
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks every relay connection, joined or not.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.TransportID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.TransportID]*sessionEntry)}
}

// BindSignal registers a fresh connection that has not joined a room yet.
func (r *Registry) BindSignal(tid domain.TransportID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[tid] = &sessionEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(tid)).Msg("bound signal")
}

// BindSession attaches the joined participant to the connection.
func (r *Registry) BindSession(tid domain.TransportID, room domain.RoomID, sess core.MemberSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[tid]
	if !ok {
		return false
	}
	e.Room, e.Session = room, sess
	log.Info().Str("module", "app.registry").Str("sid", string(tid)).Str("room", string(room)).Msg("bound session")
	return true
}

func (r *Registry) Conn(tid domain.TransportID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[tid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) GetSession(tid domain.TransportID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[tid]; ok && e.Session != nil {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Unbind(tid domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, tid)
	log.Info().Str("module", "app.registry").Str("sid", string(tid)).Msg("unbind session")
}

func (r *Registry) RoomOf(tid domain.TransportID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[tid]
	if !ok || e.Room == "" {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

// RemoveRoom forgets the membership but keeps the connection.
func (r *Registry) RemoveRoom(tid domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[tid]; ok {
		e.Room, e.Session = "", nil
	}
	log.Info().Str("module", "app.registry").Str("sid", string(tid)).Msg("removed room association")
}

// Cancel stops the connection pumps.
func (r *Registry) Cancel(tid domain.TransportID) bool {
	r.mu.RLock()
	e, ok := r.sessions[tid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(tid)).Msg("canceled session")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
