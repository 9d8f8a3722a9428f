package signaling

import (
	"errors"
	"fmt"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrBadPayload  = errors.New("bad payload")
)

// Event is an inbound relay frame after decoding. The set of implementations
// is closed; dispatch with a type switch.
type Event interface {
	eventType() Type
}

type Welcome struct {
	Transport domain.TransportID
}

type ParticipantJoined struct {
	Participant domain.Participant
}

// ParticipantLeft carries the transport id when the relay knows which
// connection went away; UserID alone means every connection of the user.
type ParticipantLeft struct {
	UserID    domain.UserID
	Transport domain.TransportID
}

type Offer struct {
	Channel Channel
	From    domain.TransportID
	UserID  domain.UserID
	SDP     webrtc.SessionDescription
	Restart bool
}

type Answer struct {
	Channel Channel
	From    domain.TransportID
	UserID  domain.UserID
	SDP     webrtc.SessionDescription
}

type Candidate struct {
	Channel   Channel
	From      domain.TransportID
	UserID    domain.UserID
	Candidate webrtc.ICECandidateInit
}

type AudioToggled struct {
	UserID  domain.UserID
	IsMuted bool
}

type VideoToggled struct {
	UserID     domain.UserID
	IsVideoOff bool
}

type ShareStarted struct {
	Sharer domain.Participant
}

type ShareStopped struct {
	UserID domain.UserID
}

type HandRaised struct {
	UserID domain.UserID
	Raised bool
}

type AllHandsLowered struct{}

type NoteAdded struct {
	Note domain.Note
}

type NoteUpdated struct {
	Note domain.Note
}

type NoteDeleted struct {
	NoteID string
	UserID domain.UserID
}

// RosterSnapshot is sent once after join and replaces any local view.
type RosterSnapshot struct {
	Room         domain.Room
	Participants []domain.Participant
	Notes        []domain.Note
	RaisedHands  []domain.UserID
	Sharer       *domain.Participant
}

// CallEnded tells every member that the caller closed the room.
type CallEnded struct {
	Room    domain.RoomID
	EndedBy domain.UserID
}

type RelayError struct {
	Reason string
}

type Pong struct{}

func (Welcome) eventType() Type           { return TypeWelcome }
func (ParticipantJoined) eventType() Type { return TypeParticipantJoined }
func (ParticipantLeft) eventType() Type   { return TypeParticipantLeft }
func (o Offer) eventType() Type           { return o.Channel.OfferType() }
func (a Answer) eventType() Type          { return a.Channel.AnswerType() }
func (c Candidate) eventType() Type       { return c.Channel.CandidateType() }
func (AudioToggled) eventType() Type      { return TypeAudioToggled }
func (VideoToggled) eventType() Type      { return TypeVideoToggled }
func (ShareStarted) eventType() Type      { return TypeShareStarted }
func (ShareStopped) eventType() Type      { return TypeShareStopped }
func (HandRaised) eventType() Type        { return TypeHandRaised }
func (AllHandsLowered) eventType() Type   { return TypeAllHandsLowered }
func (NoteAdded) eventType() Type         { return TypeNoteAdded }
func (NoteUpdated) eventType() Type       { return TypeNoteUpdated }
func (NoteDeleted) eventType() Type       { return TypeNoteDeleted }
func (RosterSnapshot) eventType() Type    { return TypeRosterSnapshot }
func (CallEnded) eventType() Type         { return TypeCallEnded }
func (RelayError) eventType() Type        { return TypeError }
func (Pong) eventType() Type              { return TypePong }

// TypeOf returns the wire type of an event.
func TypeOf(e Event) Type { return e.eventType() }

func participantOf(m Message) domain.Participant {
	p := domain.Participant{
		UserID:      m.UserID,
		Username:    m.Username,
		Avatar:      m.Avatar,
		TransportID: m.From,
	}
	if m.IsMuted != nil {
		p.IsMuted = *m.IsMuted
	}
	if m.IsVideoOff != nil {
		p.IsVideoOff = *m.IsVideoOff
	}
	if m.IsRaised != nil {
		p.HandRaised = *m.IsRaised
	}
	return p
}

// Decode maps an inbound frame onto its event. Missing required fields
// yield ErrBadPayload, unknown types ErrUnknownType.
func Decode(m Message) (Event, error) {
	bad := func(what string) error {
		return fmt.Errorf("%w: %s without %s", ErrBadPayload, m.Type, what)
	}
	switch m.Type {
	case TypeWelcome:
		if m.From == "" {
			return nil, bad("from")
		}
		return Welcome{Transport: m.From}, nil

	case TypeParticipantJoined:
		if m.From == "" || m.UserID == "" {
			return nil, bad("from/userId")
		}
		return ParticipantJoined{Participant: participantOf(m)}, nil

	case TypeParticipantLeft:
		if m.From == "" && m.UserID == "" {
			return nil, bad("from/userId")
		}
		return ParticipantLeft{UserID: m.UserID, Transport: m.From}, nil

	case TypeOffer, TypeShareOffer:
		if m.SDP == nil || m.From == "" {
			return nil, bad("sdp/from")
		}
		return Offer{Channel: channelOf(m.Type), From: m.From, UserID: m.UserID, SDP: *m.SDP, Restart: m.Restart}, nil

	case TypeAnswer, TypeShareAnswer:
		if m.SDP == nil || m.From == "" {
			return nil, bad("sdp/from")
		}
		return Answer{Channel: channelOf(m.Type), From: m.From, UserID: m.UserID, SDP: *m.SDP}, nil

	case TypeICECandidate, TypeShareICECandidate:
		if m.Candidate == nil || m.From == "" {
			return nil, bad("candidate/from")
		}
		return Candidate{Channel: channelOf(m.Type), From: m.From, UserID: m.UserID, Candidate: *m.Candidate}, nil

	case TypeAudioToggled:
		if m.UserID == "" || m.IsMuted == nil {
			return nil, bad("userId/isMuted")
		}
		return AudioToggled{UserID: m.UserID, IsMuted: *m.IsMuted}, nil

	case TypeVideoToggled:
		if m.UserID == "" || m.IsVideoOff == nil {
			return nil, bad("userId/isVideoOff")
		}
		return VideoToggled{UserID: m.UserID, IsVideoOff: *m.IsVideoOff}, nil

	case TypeShareStarted:
		if m.UserID == "" {
			return nil, bad("userId")
		}
		return ShareStarted{Sharer: participantOf(m)}, nil

	case TypeShareStopped:
		if m.UserID == "" {
			return nil, bad("userId")
		}
		return ShareStopped{UserID: m.UserID}, nil

	case TypeHandRaised:
		if m.UserID == "" {
			return nil, bad("userId")
		}
		raised := true
		if m.IsRaised != nil {
			raised = *m.IsRaised
		}
		return HandRaised{UserID: m.UserID, Raised: raised}, nil

	case TypeAllHandsLowered:
		return AllHandsLowered{}, nil

	case TypeNoteAdded, TypeNoteUpdated:
		if m.Note == nil || m.Note.ID == "" {
			return nil, bad("note")
		}
		if m.Type == TypeNoteAdded {
			return NoteAdded{Note: *m.Note}, nil
		}
		return NoteUpdated{Note: *m.Note}, nil

	case TypeNoteDeleted:
		if m.NoteID == "" {
			return nil, bad("noteId")
		}
		return NoteDeleted{NoteID: m.NoteID, UserID: m.UserID}, nil

	case TypeRosterSnapshot:
		return RosterSnapshot{
			Room:         domain.Room{ID: m.Room, Kind: m.Kind, IsGroup: m.IsGroup, GroupID: m.GroupID, CallerID: m.CallerID},
			Participants: m.Participants,
			Notes:        m.Notes,
			RaisedHands:  m.RaisedHands,
			Sharer:       m.Sharer,
		}, nil

	case TypeCallEnded:
		if m.Room == "" || m.UserID == "" {
			return nil, bad("room/userId")
		}
		return CallEnded{Room: m.Room, EndedBy: m.UserID}, nil

	case TypeError:
		return RelayError{Reason: m.Error}, nil

	case TypePong:
		return Pong{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
}

// Encode is the inverse of Decode, used by the relay when fanning events out.
func Encode(e Event) Message {
	m := Message{Type: e.eventType()}
	switch ev := e.(type) {
	case Welcome:
		m.From = ev.Transport
	case ParticipantJoined:
		p := ev.Participant
		m.From, m.UserID, m.Username, m.Avatar = p.TransportID, p.UserID, p.Username, p.Avatar
		m.IsMuted, m.IsVideoOff, m.IsRaised = Bool(p.IsMuted), Bool(p.IsVideoOff), Bool(p.HandRaised)
	case ParticipantLeft:
		m.From, m.UserID = ev.Transport, ev.UserID
	case Offer:
		sdp := ev.SDP
		m.From, m.UserID, m.SDP, m.Restart = ev.From, ev.UserID, &sdp, ev.Restart
	case Answer:
		sdp := ev.SDP
		m.From, m.UserID, m.SDP = ev.From, ev.UserID, &sdp
	case Candidate:
		c := ev.Candidate
		m.From, m.UserID, m.Candidate = ev.From, ev.UserID, &c
	case AudioToggled:
		m.UserID, m.IsMuted = ev.UserID, Bool(ev.IsMuted)
	case VideoToggled:
		m.UserID, m.IsVideoOff = ev.UserID, Bool(ev.IsVideoOff)
	case ShareStarted:
		p := ev.Sharer
		m.From, m.UserID, m.Username, m.Avatar = p.TransportID, p.UserID, p.Username, p.Avatar
	case ShareStopped:
		m.UserID = ev.UserID
	case HandRaised:
		m.UserID, m.IsRaised = ev.UserID, Bool(ev.Raised)
	case NoteAdded:
		n := ev.Note
		m.Note = &n
	case NoteUpdated:
		n := ev.Note
		m.Note = &n
	case NoteDeleted:
		m.NoteID, m.UserID = ev.NoteID, ev.UserID
	case RosterSnapshot:
		m.Room, m.Kind, m.IsGroup, m.GroupID = ev.Room.ID, ev.Room.Kind, ev.Room.IsGroup, ev.Room.GroupID
		m.CallerID = ev.Room.CallerID
		m.Participants, m.Notes, m.RaisedHands, m.Sharer = ev.Participants, ev.Notes, ev.RaisedHands, ev.Sharer
	case CallEnded:
		m.Room, m.UserID = ev.Room, ev.EndedBy
	case RelayError:
		m.Error = ev.Reason
	}
	return m
}

func channelOf(t Type) Channel {
	switch t {
	case TypeShareOffer, TypeShareAnswer, TypeShareICECandidate:
		return ChannelShare
	}
	return ChannelMedia
}
