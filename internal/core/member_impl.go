package core

import "github.com/dkeye/callmesh/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta domain.Participant
	conn SignalConnection
}

func NewMemberSession(meta domain.Participant, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() domain.Participant { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }
