package orch

import (
	"strings"
	"time"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) raiseHand(tid domain.TransportID, msg signaling.Message) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	raised := true
	if msg.IsRaised != nil {
		raised = *msg.IsRaised
	}
	ev := signaling.HandRaised{UserID: p.UserID, Raised: raised}
	if st.Apply(ev) {
		o.broadcast(room, tid, ev)
	}
}

func (o *Orchestrator) lowerAllHands(tid domain.TransportID) {
	room, st, _, ok := o.member(tid)
	if !ok {
		return
	}
	st.Apply(signaling.AllHandsLowered{})
	o.broadcast(room, tid, signaling.AllHandsLowered{})
}

// Notes are forwarded to everyone but the author, who already applied its
// own change.
func (o *Orchestrator) addNote(tid domain.TransportID, msg signaling.Message) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	if msg.Note == nil || msg.Note.ID == "" || strings.TrimSpace(msg.Note.Content) == "" {
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	n := *msg.Note
	n.AuthorID = p.UserID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if !st.Apply(signaling.NoteAdded{Note: n}) {
		return
	}
	o.persist(room.Room().ID, n)
	o.broadcast(room, tid, signaling.NoteAdded{Note: n})
}

func (o *Orchestrator) updateNote(tid domain.TransportID, msg signaling.Message) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	if msg.Note == nil || msg.Note.ID == "" || strings.TrimSpace(msg.Note.Content) == "" {
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	cur, ok := st.Note(msg.Note.ID)
	if !ok {
		o.reply(tid, signaling.ReasonUnknownNote)
		return
	}
	if cur.AuthorID != p.UserID {
		o.reply(tid, signaling.ReasonNotAuthor)
		return
	}
	n := *msg.Note
	n.AuthorID, n.CreatedAt = cur.AuthorID, cur.CreatedAt
	if !st.Apply(signaling.NoteUpdated{Note: n}) {
		return
	}
	o.persist(room.Room().ID, n)
	o.broadcast(room, tid, signaling.NoteUpdated{Note: n})
}

func (o *Orchestrator) deleteNote(tid domain.TransportID, msg signaling.Message) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	if msg.NoteID == "" {
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	cur, ok := st.Note(msg.NoteID)
	if !ok {
		o.reply(tid, signaling.ReasonUnknownNote)
		return
	}
	if cur.AuthorID != p.UserID {
		o.reply(tid, signaling.ReasonNotAuthor)
		return
	}
	st.Apply(signaling.NoteDeleted{NoteID: cur.ID, UserID: p.UserID})
	if o.Notes != nil {
		if err := o.Notes.DeleteNote(room.Room().ID, cur.ID); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("note", cur.ID).Msg("delete note")
		}
	}
	o.broadcast(room, tid, signaling.NoteDeleted{NoteID: cur.ID, UserID: p.UserID})
}

func (o *Orchestrator) persist(room domain.RoomID, n domain.Note) {
	if o.Notes == nil {
		return
	}
	if err := o.Notes.PutNote(room, n); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("note", n.ID).Msg("persist note")
	}
}
