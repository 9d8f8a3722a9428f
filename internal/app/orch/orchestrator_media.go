package orch

import (
	"errors"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/rs/zerolog/log"
)

// forward relays an addressed negotiation frame, stamping the sender so the
// receiver can key its link. The relay never inspects SDP.
func (o *Orchestrator) forward(tid domain.TransportID, msg signaling.Message) {
	room, _, p, ok := o.member(tid)
	if !ok {
		return
	}
	if msg.Target == "" || msg.Target == tid {
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	msg.From, msg.UserID, msg.Room = tid, p.UserID, ""
	data, err := signaling.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal forward")
		return
	}
	switch err := room.SendTo(msg.Target, data); {
	case err == nil:
	case errors.Is(err, core.ErrUnknownMember):
		// The target left while the frame was in flight.
		log.Debug().Str("module", "orch").Str("sid", string(tid)).Str("target", string(msg.Target)).Str("type", string(msg.Type)).Msg("forward to departed member dropped")
	default:
		o.onSlow(room, msg.Target, err)
	}
}

func (o *Orchestrator) toggle(tid domain.TransportID, msg signaling.Message) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	var ev signaling.Event
	switch {
	case msg.Type == signaling.TypeToggleAudio && msg.IsMuted != nil:
		ev = signaling.AudioToggled{UserID: p.UserID, IsMuted: *msg.IsMuted}
	case msg.Type == signaling.TypeToggleVideo && msg.IsVideoOff != nil:
		ev = signaling.VideoToggled{UserID: p.UserID, IsVideoOff: *msg.IsVideoOff}
	default:
		o.reply(tid, signaling.ReasonBadPayload)
		return
	}
	if st.Apply(ev) {
		o.broadcast(room, tid, ev)
	}
}

// startShare is first come, first served: while another transport shares,
// even one of the same user, the request is refused with share_in_progress
// and the current sharer is announced again to the refused transport.
func (o *Orchestrator) startShare(tid domain.TransportID) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	if cur := st.Sharer(); cur != nil {
		if cur.TransportID != tid {
			log.Info().Str("module", "orch").Str("sid", string(tid)).Str("sharer", string(cur.TransportID)).Msg("share refused")
			o.reply(tid, signaling.ReasonShareInProgress)
			o.replyEvent(tid, signaling.ShareStarted{Sharer: *cur})
		}
		return
	}
	st.Apply(signaling.ShareStarted{Sharer: p})
	o.broadcast(room, tid, signaling.ShareStarted{Sharer: p})
	log.Info().Str("module", "orch").Str("sid", string(tid)).Str("user", string(p.UserID)).Msg("share started")
}

func (o *Orchestrator) stopShare(tid domain.TransportID) {
	room, st, p, ok := o.member(tid)
	if !ok {
		return
	}
	if cur := st.Sharer(); cur == nil || cur.TransportID != tid {
		return
	}
	st.Apply(signaling.ShareStopped{UserID: p.UserID})
	o.broadcast(room, tid, signaling.ShareStopped{UserID: p.UserID})
	log.Info().Str("module", "orch").Str("sid", string(tid)).Str("user", string(p.UserID)).Msg("share stopped")
}
