// Package signaling defines the relay wire protocol shared by the call client
// and the relay server.
package signaling

import (
	"encoding/json"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Type is the "type" field of every frame.
type Type string

// Client -> relay.
const (
	TypeJoinRoom          Type = "join-room"
	TypeLeaveRoom         Type = "leave-room"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeToggleAudio       Type = "toggle-audio"
	TypeToggleVideo       Type = "toggle-video"
	TypeStartShare        Type = "start-share"
	TypeStopShare         Type = "stop-share"
	TypeShareOffer        Type = "share-offer"
	TypeShareAnswer       Type = "share-answer"
	TypeShareICECandidate Type = "share-ice-candidate"
	TypeRaiseHand         Type = "raise-hand"
	TypeLowerAllHands     Type = "lower-all-hands"
	TypeAddNote           Type = "add-note"
	TypeUpdateNote        Type = "update-note"
	TypeDeleteNote        Type = "delete-note"
	TypeEndCall           Type = "end-call"
	TypePing              Type = "ping"
)

// Relay -> client. Offer/answer/candidate types are reused in both directions.
const (
	TypeWelcome           Type = "welcome"
	TypeParticipantJoined Type = "participant-joined"
	TypeParticipantLeft   Type = "participant-left"
	TypeAudioToggled      Type = "audio-toggled"
	TypeVideoToggled      Type = "video-toggled"
	TypeShareStarted      Type = "share-started"
	TypeShareStopped      Type = "share-stopped"
	TypeHandRaised        Type = "hand-raised"
	TypeAllHandsLowered   Type = "all-hands-lowered"
	TypeNoteAdded         Type = "note-added"
	TypeNoteUpdated       Type = "note-updated"
	TypeNoteDeleted       Type = "note-deleted"
	TypeRosterSnapshot    Type = "roster-snapshot"
	TypeCallEnded         Type = "call-ended"
	TypeError             Type = "error"
	TypePong              Type = "pong"
)

// Channel separates the participant mesh from the screen-share mesh.
type Channel string

const (
	ChannelMedia Channel = "media"
	ChannelShare Channel = "share"
)

// OfferType returns the frame type carrying an offer on this channel.
func (c Channel) OfferType() Type {
	if c == ChannelShare {
		return TypeShareOffer
	}
	return TypeOffer
}

func (c Channel) AnswerType() Type {
	if c == ChannelShare {
		return TypeShareAnswer
	}
	return TypeAnswer
}

func (c Channel) CandidateType() Type {
	if c == ChannelShare {
		return TypeShareICECandidate
	}
	return TypeICECandidate
}

// Message is the single envelope for every frame.
// From/UserID are stamped by the relay on forwarded frames; Target addresses
// a single transport.
type Message struct {
	Type   Type               `json:"type"`
	Room   domain.RoomID      `json:"room,omitempty"`
	From   domain.TransportID `json:"from,omitempty"`
	Target domain.TransportID `json:"target,omitempty"`

	UserID   domain.UserID   `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
	Avatar   string          `json:"avatar,omitempty"`
	Kind     domain.CallKind `json:"kind,omitempty"`
	IsGroup  bool            `json:"isGroup,omitempty"`
	GroupID  string          `json:"groupId,omitempty"`
	CallerID domain.UserID   `json:"callerId,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Restart   bool                       `json:"restart,omitempty"`

	IsMuted    *bool `json:"isMuted,omitempty"`
	IsVideoOff *bool `json:"isVideoOff,omitempty"`
	IsRaised   *bool `json:"isRaised,omitempty"`

	Note   *domain.Note `json:"note,omitempty"`
	NoteID string       `json:"noteId,omitempty"`

	Participants []domain.Participant `json:"participants,omitempty"`
	Notes        []domain.Note        `json:"notes,omitempty"`
	RaisedHands  []domain.UserID      `json:"raisedHands,omitempty"`
	Sharer       *domain.Participant  `json:"sharer,omitempty"`

	Error string `json:"error,omitempty"`
}

// Marshal encodes a frame.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a frame without interpreting its type.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Bool is a helper for the optional flag fields.
func Bool(v bool) *bool { return &v }

// Reasons carried by relay error frames.
const (
	ReasonBadPayload      = "bad_payload"
	ReasonUnknownType     = "unknown_type"
	ReasonNotInRoom       = "not_in_room"
	ReasonShareInProgress = "share_in_progress"
	ReasonUnknownNote     = "unknown_note"
	ReasonNotAuthor       = "not_author"
	ReasonNotCaller       = "not_caller"
)
