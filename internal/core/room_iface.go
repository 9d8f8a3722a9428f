package core

import (
	"github.com/dkeye/callmesh/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the relay-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	MemberCount() int
	MembersSnapshot() []domain.Participant
	Member(tid domain.TransportID) (MemberSession, bool)
	// TransportsOf lists the live connections of one user.
	TransportsOf(user domain.UserID) []domain.TransportID

	AddMember(ms MemberSession)
	RemoveMember(tid domain.TransportID) (MemberSession, bool)
	Broadcast(from domain.TransportID, data Frame) PublishResult
	SendTo(target domain.TransportID, data Frame) error
}

type RoomInfo struct {
	ID          domain.RoomID   `json:"id"`
	Kind        domain.CallKind `json:"kind"`
	IsGroup     bool            `json:"isGroup"`
	GroupID     string          `json:"groupId,omitempty"`
	CallerID    domain.UserID   `json:"callerId,omitempty"`
	MemberCount int             `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(room domain.Room) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
