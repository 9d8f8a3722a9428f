package orch

import (
	"github.com/dkeye/callmesh/internal/app"
	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

// stateOf returns the room's replicated state, seeding notes from the store
// the first time the room is seen.
func (o *Orchestrator) stateOf(room domain.Room) *replica.State {
	if o.states == nil {
		o.states = make(map[domain.RoomID]*replica.State)
	}
	if st, ok := o.states[room.ID]; ok {
		return st
	}
	st := replica.New("")
	st.SetRoom(room)
	if o.Notes != nil {
		notes, err := o.Notes.Notes(room.ID)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(room.ID)).Msg("load notes")
		}
		for _, n := range notes {
			st.Apply(signaling.NoteAdded{Note: n})
		}
	}
	o.states[room.ID] = st
	return st
}

// member resolves the joined participant behind tid or answers not_in_room.
func (o *Orchestrator) member(tid domain.TransportID) (core.RoomService, *replica.State, domain.Participant, bool) {
	roomID, sess, ok := o.Registry.RoomOf(tid)
	if ok {
		room, rok := o.Rooms.Get(roomID)
		st, sok := o.states[roomID]
		if rok && sok {
			p, _ := st.Participant(tid)
			if p.TransportID == "" {
				p = sess.Meta()
			}
			return room, st, p, true
		}
	}
	o.reply(tid, signaling.ReasonNotInRoom)
	return nil, nil, domain.Participant{}, false
}

func (o *Orchestrator) join(tid domain.TransportID, msg signaling.Message) {
	conn, ok := o.Registry.Conn(tid)
	if !ok {
		return
	}
	kind := domain.CallAudio
	if msg.Kind != "" {
		k, err := domain.ParseCallKind(string(msg.Kind))
		if err != nil {
			o.reply(tid, signaling.ReasonBadPayload)
			return
		}
		kind = k
	}
	username := msg.Username
	if username == "" {
		username = "guest"
	}
	if msg.Room == "" || domain.ValidateUserID(msg.UserID) != nil || domain.ValidateUsername(username) != nil {
		log.Warn().Str("module", "orch").Str("sid", string(tid)).Msg("bad join payload")
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}

	if from, _, ok := o.Registry.RoomOf(tid); ok {
		o.leave(tid)
		log.Info().Str("module", "orch").Str("sid", string(tid)).Str("from_room", string(from)).Msg("left previous room")
	}

	// The first joiner opens the room and becomes its caller.
	room := o.Rooms.GetOrCreate(domain.Room{ID: msg.Room, Kind: kind, IsGroup: msg.IsGroup, GroupID: msg.GroupID, CallerID: msg.UserID})
	st := o.stateOf(room.Room())
	p := domain.Participant{
		UserID:      msg.UserID,
		Username:    username,
		Avatar:      msg.Avatar,
		TransportID: tid,
	}
	if msg.IsMuted != nil {
		p.IsMuted = *msg.IsMuted
	}
	if msg.IsVideoOff != nil {
		p.IsVideoOff = *msg.IsVideoOff
	}

	// The joiner gets the room as it was before it arrived; everyone else
	// learns about the joiner and offers to it.
	o.sendMember(room, conn, tid, st.Roster())
	ms := core.NewMemberSession(p, conn)
	room.AddMember(ms)
	o.Registry.BindSession(tid, room.Room().ID, ms)
	st.Apply(signaling.ParticipantJoined{Participant: p})
	o.broadcast(room, tid, signaling.ParticipantJoined{Participant: p})
	log.Info().Str("module", "orch").Str("sid", string(tid)).Str("room", string(room.Room().ID)).Str("user", string(p.UserID)).Msg("join")
}

// leave drops tid from its room; the connection stays open.
func (o *Orchestrator) leave(tid domain.TransportID) {
	roomID, sess, ok := o.Registry.RoomOf(tid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(tid)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return
	}
	room.RemoveMember(tid)
	user := sess.Meta().UserID

	if st, ok := o.states[roomID]; ok {
		sharer := st.Sharer()
		st.Apply(signaling.ParticipantLeft{UserID: user, Transport: tid})
		o.broadcast(room, tid, signaling.ParticipantLeft{UserID: user, Transport: tid})
		if sharer != nil && st.Sharer() == nil {
			o.broadcast(room, tid, signaling.ShareStopped{UserID: sharer.UserID})
		}
	}
	log.Info().Str("module", "orch").Str("sid", string(tid)).Str("room", string(roomID)).Msg("leave")

	if room.MemberCount() == 0 {
		delete(o.states, roomID)
		o.Rooms.StopRoom(roomID)
	}
}

// endCall lets the caller close the room for everyone. Members are told with
// call-ended and dropped from the room; their connections stay open.
func (o *Orchestrator) endCall(tid domain.TransportID) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	id := room.Room().ID
	if caller := st.Room().CallerID; caller == "" || caller != p.UserID {
		log.Info().Str("module", "orch").Str("sid", string(tid)).Str("caller", string(caller)).Msg("end-call refused")
		o.reply(tid, signaling.ReasonNotCaller)
		return
	}
	o.broadcast(room, tid, signaling.CallEnded{Room: id, EndedBy: p.UserID})
	for _, m := range room.MembersSnapshot() {
		o.Registry.RemoveRoom(m.TransportID)
		room.RemoveMember(m.TransportID)
	}
	delete(o.states, id)
	o.Rooms.StopRoom(id)
	log.Info().Str("module", "orch").Str("sid", string(tid)).Str("room", string(id)).Str("user", string(p.UserID)).Msg("call ended")
}

func frameOf(ev signaling.Event) (core.Frame, bool) {
	data, err := signaling.Marshal(signaling.Encode(ev))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal event")
		return nil, false
	}
	return data, true
}

func (o *Orchestrator) sendTo(conn core.SignalConnection, ev signaling.Event) {
	data, ok := frameOf(ev)
	if !ok {
		return
	}
	if err := conn.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", string(signaling.TypeOf(ev))).Msg("send failed")
	}
}

func (o *Orchestrator) replyEvent(tid domain.TransportID, ev signaling.Event) {
	if conn, ok := o.Registry.Conn(tid); ok {
		o.sendTo(conn, ev)
	}
}

func (o *Orchestrator) reply(tid domain.TransportID, reason string) {
	o.replyEvent(tid, signaling.RelayError{Reason: reason})
}

// sendMember delivers to one connection and applies the policy when its
// buffer is full.
func (o *Orchestrator) sendMember(room core.RoomService, conn core.SignalConnection, tid domain.TransportID, ev signaling.Event) {
	data, ok := frameOf(ev)
	if !ok {
		return
	}
	if err := conn.TrySend(data); err != nil {
		o.onSlow(room, tid, err)
	}
}

func (o *Orchestrator) broadcast(room core.RoomService, from domain.TransportID, ev signaling.Event) {
	data, ok := frameOf(ev)
	if !ok {
		return
	}
	res := room.Broadcast(from, data)
	for _, m := range res.Dropped {
		o.onSlow(room, m.Meta().TransportID, core.ErrBackpressure)
	}
}

func (o *Orchestrator) onSlow(room core.RoomService, tid domain.TransportID, err error) {
	log.Warn().Err(err).Str("module", "orch").Str("sid", string(tid)).Msg("member send failed")
	if o.Policy == nil {
		return
	}
	var ms core.MemberSession
	if room != nil {
		ms, _ = room.Member(tid)
	}
	switch o.Policy.OnBackPressure(room, ms) {
	case app.KickMember:
		o.slow = append(o.slow, tid)
	case app.DropFrame, app.NoAction:
	}
}
