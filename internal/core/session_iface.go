package core

import "github.com/dkeye/callmesh/internal/domain"

// MemberSession binds a participant and its relay connection.
// This is what a relay room stores and fans out to.
type MemberSession interface {
	Meta() domain.Participant
	Signal() SignalConnection
}
