// Package orch is the reference signaling relay: it owns room membership,
// forwards addressed negotiation frames and fans out room events. It never
// touches media.
package orch

import (
	"context"
	"sync"

	"github.com/dkeye/callmesh/internal/app"
	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	// Notes is optional; without it minutes live as long as the room.
	Notes core.NoteStore

	mu     sync.Mutex
	states map[domain.RoomID]*replica.State
	slow   []domain.TransportID
}

// Connect registers a new connection and greets it with its transport id.
func (o *Orchestrator) Connect(conn core.SignalConnection, cancel context.CancelFunc) domain.TransportID {
	tid := domain.NewTransportID()
	o.Registry.BindSignal(tid, conn, cancel)
	o.sendTo(conn, signaling.Welcome{Transport: tid})
	log.Info().Str("module", "orch").Str("sid", string(tid)).Msg("connected")
	return tid
}

// OnFrame handles one raw frame read from tid.
func (o *Orchestrator) OnFrame(tid domain.TransportID, data core.Frame) {
	msg, err := signaling.Unmarshal(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(tid)).Msg("bad json")
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	o.mu.Lock()
	o.handle(tid, msg)
	slow := o.takeSlow()
	o.mu.Unlock()
	o.enforce(slow)
}

func (o *Orchestrator) handle(tid domain.TransportID, msg signaling.Message) {
	switch msg.Type {
	case signaling.TypePing:
		o.replyEvent(tid, signaling.Pong{})
	case signaling.TypeJoinRoom:
		o.join(tid, msg)
	case signaling.TypeLeaveRoom:
		o.leave(tid)
	case signaling.TypeEndCall:
		o.endCall(tid)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate,
		signaling.TypeShareOffer, signaling.TypeShareAnswer, signaling.TypeShareICECandidate:
		o.forward(tid, msg)
	case signaling.TypeToggleAudio, signaling.TypeToggleVideo:
		o.toggle(tid, msg)
	case signaling.TypeStartShare:
		o.startShare(tid)
	case signaling.TypeStopShare:
		o.stopShare(tid)
	case signaling.TypeRaiseHand:
		o.raiseHand(tid, msg)
	case signaling.TypeLowerAllHands:
		o.lowerAllHands(tid)
	case signaling.TypeAddNote:
		o.addNote(tid, msg)
	case signaling.TypeUpdateNote:
		o.updateNote(tid, msg)
	case signaling.TypeDeleteNote:
		o.deleteNote(tid, msg)
	default:
		log.Warn().Str("module", "orch").Str("sid", string(tid)).Str("type", string(msg.Type)).Msg("unknown signal")
		o.reply(tid, signaling.ReasonUnknownType)
	}
}

// Disconnect is called once the connection is gone. It is safe to call more
// than once.
func (o *Orchestrator) Disconnect(tid domain.TransportID) {
	conn, ok := o.Registry.Conn(tid)
	if !ok {
		return
	}
	o.mu.Lock()
	o.leave(tid)
	slow := o.takeSlow()
	o.mu.Unlock()

	o.Registry.Cancel(tid)
	o.Registry.Unbind(tid)
	conn.Close()
	log.Info().Str("module", "orch").Str("sid", string(tid)).Msg("disconnected")
	o.enforce(slow)
}

// Kick drops a connection from the relay side.
func (o *Orchestrator) Kick(tid domain.TransportID) {
	log.Warn().Str("module", "orch").Str("sid", string(tid)).Msg("kicking member")
	o.Disconnect(tid)
}

// EvictRoom disconnects every member of the room.
func (o *Orchestrator) EvictRoom(id domain.RoomID) bool {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return false
	}
	for _, p := range room.MembersSnapshot() {
		o.Kick(p.TransportID)
	}
	o.mu.Lock()
	delete(o.states, id)
	o.mu.Unlock()
	o.Rooms.StopRoom(id)
	return true
}

// Shutdown evicts every room.
func (o *Orchestrator) Shutdown() {
	for _, info := range o.Rooms.List() {
		o.EvictRoom(info.ID)
	}
}

// RoomState returns the relay's view of a room.
func (o *Orchestrator) RoomState(id domain.RoomID) (core.RoomInfo, replica.Snapshot, bool) {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return core.RoomInfo{}, replica.Snapshot{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[id]
	if !ok {
		return app.Info(room), replica.Snapshot{}, false
	}
	return app.Info(room), st.Snapshot(), true
}

func (o *Orchestrator) takeSlow() []domain.TransportID {
	slow := o.slow
	o.slow = nil
	return slow
}

func (o *Orchestrator) enforce(slow []domain.TransportID) {
	for _, tid := range slow {
		o.Kick(tid)
	}
}
