package replica_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/app/replica"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joined(user, tid string) signaling.ParticipantJoined {
	return signaling.ParticipantJoined{Participant: domain.Participant{
		UserID:      domain.UserID(user),
		Username:    user,
		TransportID: domain.TransportID(tid),
	}}
}

func note(id string, at time.Time, content string) domain.Note {
	return domain.Note{ID: id, AuthorID: "u1", Content: content, CreatedAt: at, UpdatedAt: at}
}

func noteIDs(s *replica.State) []string {
	var ids []string
	for _, n := range s.Notes() {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestJoinIsDedupedByTransport(t *testing.T) {
	s := replica.New("self")
	assert.True(t, s.Apply(joined("u1", "t1")))
	assert.False(t, s.Apply(joined("u1", "t1")))
	assert.True(t, s.Apply(joined("u1", "t2")))
	assert.Len(t, s.Participants(), 2)
}

func TestLeaveByTransportKeepsOtherTabs(t *testing.T) {
	s := replica.New("self")
	s.Apply(joined("u1", "t1"))
	s.Apply(joined("u1", "t2"))
	s.Apply(signaling.HandRaised{UserID: "u1", Raised: true})

	require.True(t, s.Apply(signaling.ParticipantLeft{UserID: "u1", Transport: "t1"}))
	assert.Equal(t, []domain.TransportID{"t2"}, s.TransportsOf("u1"))
	assert.Equal(t, []domain.UserID{"u1"}, s.RaisedHands())

	require.True(t, s.Apply(signaling.ParticipantLeft{UserID: "u1"}))
	assert.Empty(t, s.Participants())
	assert.Empty(t, s.RaisedHands())
	assert.False(t, s.Apply(signaling.ParticipantLeft{UserID: "u1"}))
}

func TestToggleHasNoCrossUserInterference(t *testing.T) {
	s := replica.New("self")
	s.Apply(joined("u1", "t1"))
	s.Apply(joined("u2", "t2"))

	rng := rand.New(rand.NewSource(7))
	var lastU1 bool
	for i := 0; i < 200; i++ {
		v := rng.Intn(2) == 0
		if rng.Intn(2) == 0 {
			s.Apply(signaling.AudioToggled{UserID: "u1", IsMuted: v})
			lastU1 = v
		} else {
			s.Apply(signaling.AudioToggled{UserID: "u2", IsMuted: v})
		}
		p, ok := s.Participant("t1")
		require.True(t, ok)
		require.Equal(t, lastU1, p.IsMuted, "step %d", i)
	}
}

func TestAllHandsLoweredAlwaysClears(t *testing.T) {
	s := replica.New("self")
	s.Apply(signaling.AllHandsLowered{})
	assert.Empty(t, s.RaisedHands())
	assert.False(t, s.LocalHandRaised())

	s.Apply(signaling.HandRaised{UserID: "self", Raised: true})
	s.Apply(signaling.HandRaised{UserID: "u2", Raised: true})
	require.True(t, s.LocalHandRaised())

	assert.True(t, s.Apply(signaling.AllHandsLowered{}))
	assert.Empty(t, s.RaisedHands())
	assert.False(t, s.LocalHandRaised())
}

func TestDuplicateNoteAddKeepsOrder(t *testing.T) {
	s := replica.New("self")
	at := time.Unix(100, 0)
	for _, id := range []string{"n1", "n2", "n3"} {
		require.True(t, s.Apply(signaling.NoteAdded{Note: note(id, at, id)}))
	}
	assert.False(t, s.Apply(signaling.NoteAdded{Note: note("n1", at, "again")}))

	assert.Equal(t, []string{"n1", "n2", "n3"}, noteIDs(s))
	n, _ := s.Note("n1")
	assert.Equal(t, "n1", n.Content)
}

func TestNoteUpdateBeforeAdd(t *testing.T) {
	s := replica.New("self")
	t0 := time.Unix(100, 0)

	assert.False(t, s.Apply(signaling.NoteUpdated{Note: note("n1", t0.Add(time.Second), "edited")}))
	assert.Empty(t, s.Notes())

	s.Apply(signaling.NoteAdded{Note: note("n1", t0, "draft")})
	n, ok := s.Note("n1")
	require.True(t, ok)
	assert.Equal(t, "edited", n.Content)
}

func TestNoteUpdateLastWriterWins(t *testing.T) {
	s := replica.New("self")
	t0 := time.Unix(100, 0)
	s.Apply(signaling.NoteAdded{Note: note("n1", t0, "a")})

	assert.True(t, s.Apply(signaling.NoteUpdated{Note: note("n1", t0.Add(2*time.Second), "newest")}))
	assert.False(t, s.Apply(signaling.NoteUpdated{Note: note("n1", t0.Add(time.Second), "stale")}))

	n, _ := s.Note("n1")
	assert.Equal(t, "newest", n.Content)
}

func TestDeletedNoteCannotBeResurrected(t *testing.T) {
	s := replica.New("self")
	at := time.Unix(100, 0)

	assert.False(t, s.Apply(signaling.NoteDeleted{NoteID: "n1"}))
	assert.False(t, s.Apply(signaling.NoteAdded{Note: note("n1", at, "late")}))
	assert.Empty(t, s.Notes())

	s.Apply(signaling.NoteAdded{Note: note("n2", at, "x")})
	assert.True(t, s.Apply(signaling.NoteDeleted{NoteID: "n2"}))
	assert.False(t, s.Apply(signaling.NoteUpdated{Note: note("n2", at.Add(time.Minute), "y")}))
	assert.Empty(t, s.Notes())
}

func TestNoteEventsConvergeInAnyOrder(t *testing.T) {
	t0 := time.Unix(100, 0)
	events := []signaling.Event{
		signaling.NoteAdded{Note: note("n1", t0, "a")},
		signaling.NoteUpdated{Note: note("n1", t0.Add(time.Second), "b")},
		signaling.NoteUpdated{Note: note("n1", t0.Add(2*time.Second), "c")},
		signaling.NoteAdded{Note: note("n2", t0, "x")},
		signaling.NoteDeleted{NoteID: "n2"},
	}
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 50; round++ {
		s := replica.New("self")
		for _, i := range rng.Perm(len(events)) {
			s.Apply(events[i])
		}
		notes := s.Notes()
		require.Len(t, notes, 1, fmt.Sprintf("round %d", round))
		assert.Equal(t, "c", notes[0].Content)
	}
}

func TestConcurrentShareLowerUserWins(t *testing.T) {
	s := replica.New("self")
	b := domain.Participant{UserID: "bob", TransportID: "tb"}
	a := domain.Participant{UserID: "alice", TransportID: "ta"}

	assert.True(t, s.Apply(signaling.ShareStarted{Sharer: b}))
	assert.True(t, s.Apply(signaling.ShareStarted{Sharer: a}))
	assert.False(t, s.Apply(signaling.ShareStarted{Sharer: b}))
	assert.Equal(t, domain.UserID("alice"), s.Sharer().UserID)

	assert.False(t, s.Apply(signaling.ShareStopped{UserID: "bob"}))
	assert.True(t, s.Apply(signaling.ShareStopped{UserID: "alice"}))
	assert.Nil(t, s.Sharer())
	assert.Equal(t, domain.UserID("alice"), replica.PreferSharer("bob", "alice"))
}

func TestSharerLeavingClearsShare(t *testing.T) {
	s := replica.New("self")
	s.Apply(joined("u1", "t1"))
	s.Apply(signaling.ShareStarted{Sharer: domain.Participant{UserID: "u1", TransportID: "t1"}})
	s.Apply(signaling.ParticipantLeft{UserID: "u1", Transport: "t1"})
	assert.Nil(t, s.Sharer())
}

func TestRosterSnapshotBootstraps(t *testing.T) {
	s := replica.New("self")
	s.Apply(joined("stale", "t0"))
	at := time.Unix(100, 0)

	s.Apply(signaling.RosterSnapshot{
		Room: domain.Room{ID: "r1", Kind: domain.CallVideo},
		Participants: []domain.Participant{
			{UserID: "u1", TransportID: "t1", IsMuted: true},
			{UserID: "self", TransportID: "ts"},
		},
		Notes:       []domain.Note{note("n1", at, "hello")},
		RaisedHands: []domain.UserID{"self"},
		Sharer:      &domain.Participant{UserID: "u1", TransportID: "t1"},
	})

	snap := s.Snapshot()
	assert.Equal(t, domain.RoomID("r1"), snap.Room.ID)
	require.Len(t, snap.Participants, 2)
	assert.True(t, snap.Participants[0].IsMuted)
	assert.True(t, snap.Participants[1].HandRaised)
	assert.True(t, snap.LocalHandRaised)
	assert.Equal(t, []string{"n1"}, noteIDs(s))
	require.NotNil(t, snap.Sharer)
	assert.Equal(t, domain.UserID("u1"), snap.Sharer.UserID)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := replica.New("self")
	s.Apply(joined("u1", "t1"))
	snap := s.Snapshot()
	snap.Participants[0].Username = "mutated"

	p, _ := s.Participant("t1")
	assert.Equal(t, "u1", p.Username)
}
