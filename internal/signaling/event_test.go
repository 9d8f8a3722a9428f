package signaling_test

import (
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChannels(t *testing.T) {
	sdp := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}

	ev, err := signaling.Decode(signaling.Message{Type: signaling.TypeShareOffer, From: "t1", UserID: "u1", SDP: sdp})
	require.NoError(t, err)
	offer, ok := ev.(signaling.Offer)
	require.True(t, ok)
	assert.Equal(t, signaling.ChannelShare, offer.Channel)
	assert.Equal(t, domain.TransportID("t1"), offer.From)

	ev, err = signaling.Decode(signaling.Message{Type: signaling.TypeOffer, From: "t1", SDP: sdp})
	require.NoError(t, err)
	assert.Equal(t, signaling.ChannelMedia, ev.(signaling.Offer).Channel)
}

func TestDecodeRejectsIncompleteFrames(t *testing.T) {
	cases := []signaling.Message{
		{Type: signaling.TypeAnswer, From: "t1"},
		{Type: signaling.TypeICECandidate, Candidate: &webrtc.ICECandidateInit{Candidate: "c"}},
		{Type: signaling.TypeAudioToggled, UserID: "u1"},
		{Type: signaling.TypeNoteAdded},
		{Type: signaling.TypeParticipantLeft},
		{Type: signaling.TypeCallEnded, Room: "r1"},
	}
	for _, m := range cases {
		_, err := signaling.Decode(m)
		assert.ErrorIs(t, err, signaling.ErrBadPayload, "type %s", m.Type)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := signaling.Decode(signaling.Message{Type: "currentParticipants"})
	assert.ErrorIs(t, err, signaling.ErrUnknownType)
}

func TestHandRaisedDefaultsToRaised(t *testing.T) {
	ev, err := signaling.Decode(signaling.Message{Type: signaling.TypeHandRaised, UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, ev.(signaling.HandRaised).Raised)

	ev, err = signaling.Decode(signaling.Message{Type: signaling.TypeHandRaised, UserID: "u1", IsRaised: signaling.Bool(false)})
	require.NoError(t, err)
	assert.False(t, ev.(signaling.HandRaised).Raised)
}

func TestEncodeDecodeOverTheWire(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	events := []signaling.Event{
		signaling.Welcome{Transport: "t9"},
		signaling.ParticipantJoined{Participant: domain.Participant{UserID: "u1", Username: "ann", TransportID: "t1", IsMuted: true}},
		signaling.ParticipantLeft{UserID: "u1", Transport: "t1"},
		signaling.Candidate{Channel: signaling.ChannelShare, From: "t1", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}},
		signaling.VideoToggled{UserID: "u2", IsVideoOff: true},
		signaling.CallEnded{Room: "r1", EndedBy: "u1"},
		signaling.NoteUpdated{Note: domain.Note{ID: "n1", AuthorID: "u1", Content: "x", CreatedAt: now, UpdatedAt: now}},
		signaling.RosterSnapshot{
			Room:         domain.Room{ID: "r1", Kind: domain.CallVideo, CallerID: "u1"},
			Participants: []domain.Participant{{UserID: "u1", TransportID: "t1"}},
			RaisedHands:  []domain.UserID{"u1"},
		},
	}
	for _, want := range events {
		data, err := signaling.Marshal(signaling.Encode(want))
		require.NoError(t, err)
		msg, err := signaling.Unmarshal(data)
		require.NoError(t, err)
		got, err := signaling.Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
