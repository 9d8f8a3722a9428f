package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/callmesh/internal/app/peer"
	"github.com/dkeye/callmesh/internal/app/peer/peertest"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type rig struct {
	mgr     *peer.Manager
	factory *peertest.Factory
	sender  *peertest.Sender
}

func newRig(t *testing.T, cfg peer.Config) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &rig{factory: &peertest.Factory{}, sender: &peertest.Sender{}}
	r.mgr = peer.NewManager(ctx, cfg, r.factory, r.sender, peer.Hooks{})
	t.Cleanup(func() {
		r.mgr.CloseAll()
		cancel()
	})
	return r
}

func videoCfg() peer.Config {
	return peer.Config{Channel: signaling.ChannelMedia, ReceiveAudio: true, ReceiveVideo: true, NegotiationTimeout: time.Minute}
}

func (r *rig) count(t signaling.Type) func() bool {
	return func() bool { return len(r.sender.OfType(t)) > 0 }
}

func answerFrom(tid domain.TransportID) signaling.Answer {
	return signaling.Answer{Channel: signaling.ChannelMedia, From: tid, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote answer"}}
}

func offerFrom(tid domain.TransportID, user domain.UserID) signaling.Offer {
	return signaling.Offer{Channel: signaling.ChannelMedia, From: tid, UserID: user, SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote offer"}}
}

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCreateIsIdempotent(t *testing.T) {
	r := newRig(t, videoCfg())
	key := peer.Key{Transport: "tb", User: "ub"}

	l1, err := r.mgr.Create(key, true)
	require.NoError(t, err)
	l2, err := r.mgr.Create(key, true)
	require.NoError(t, err)

	assert.Same(t, l1, l2)
	assert.Equal(t, 1, r.mgr.Len())
	assert.Len(t, r.factory.Conns(), 1)

	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	offers := r.sender.OfType(signaling.TypeOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.TransportID("tb"), offers[0].Target)
	opts := r.factory.Conns()[0].Offers()
	require.Len(t, opts, 1)
	assert.True(t, opts[0].ReceiveAudio)
	assert.True(t, opts[0].ReceiveVideo)
	assert.False(t, opts[0].ICERestart)
	assert.Equal(t, peer.StateNegotiating, l1.State())
}

func TestAudioCallOffersAudioOnly(t *testing.T) {
	r := newRig(t, peer.Config{ReceiveAudio: true})
	_, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	opts := r.factory.Conns()[0].Offers()
	assert.False(t, opts[0].ReceiveVideo)
}

func TestOfferCreatesResponderAndAnswersOnce(t *testing.T) {
	r := newRig(t, videoCfg())
	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))

	l, ok := r.mgr.Get("ta")
	require.True(t, ok)
	assert.False(t, l.Initiator)
	assert.Equal(t, domain.UserID("ua"), l.Key.User)

	require.Eventually(t, r.count(signaling.TypeAnswer), waitFor, tick)
	answers := r.sender.OfType(signaling.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, domain.TransportID("ta"), answers[0].Target)
	assert.Empty(t, r.sender.OfType(signaling.TypeOffer))
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	r := newRig(t, videoCfg())
	_, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	conn := r.factory.Conns()[0]

	r.mgr.OnCandidate(signaling.Candidate{From: "tb", Candidate: candidate("c1")})
	r.mgr.OnCandidate(signaling.Candidate{From: "tb", Candidate: candidate("c2")})
	assert.Never(t, func() bool { return len(conn.Candidates()) > 0 }, 50*time.Millisecond, tick)

	r.mgr.OnAnswer(answerFrom("tb"))
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 2 }, waitFor, tick)
	assert.Equal(t, "c1", conn.Candidates()[0].Candidate)
	assert.Equal(t, "c2", conn.Candidates()[1].Candidate)

	r.mgr.OnCandidate(signaling.Candidate{From: "tb", Candidate: candidate("c3")})
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 3 }, waitFor, tick)
}

func TestCandidateBeforeOfferIsReplayed(t *testing.T) {
	r := newRig(t, videoCfg())
	r.mgr.OnCandidate(signaling.Candidate{From: "ta", Candidate: candidate("early")})
	assert.Equal(t, 0, r.mgr.Len())

	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))
	require.Eventually(t, r.count(signaling.TypeAnswer), waitFor, tick)
	conn := r.factory.Conns()[0]
	require.Eventually(t, func() bool { return len(conn.Candidates()) == 1 }, waitFor, tick)
	assert.Equal(t, "early", conn.Candidates()[0].Candidate)
}

func TestLateAnswerIsNoop(t *testing.T) {
	r := newRig(t, videoCfg())
	r.mgr.OnAnswer(answerFrom("ghost"))
	assert.Equal(t, 0, r.mgr.Len())

	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))
	require.Eventually(t, r.count(signaling.TypeAnswer), waitFor, tick)
	l, _ := r.mgr.Get("ta")

	r.mgr.OnAnswer(answerFrom("ta"))
	assert.Never(t, func() bool { return l.State() == peer.StateFailed }, 50*time.Millisecond, tick)
}

func TestLocalCandidatesAreAddressed(t *testing.T) {
	r := newRig(t, videoCfg())
	_, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	r.factory.Conns()[0].EmitCandidate(candidate("local"))

	msgs := r.sender.OfType(signaling.TypeICECandidate)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.TransportID("tb"), msgs[0].Target)
	assert.Equal(t, "local", msgs[0].Candidate.Candidate)
}

func TestFailureRestartsExactlyOnce(t *testing.T) {
	r := newRig(t, videoCfg())
	l, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	conn := r.factory.Conns()[0]
	r.mgr.OnAnswer(answerFrom("tb"))

	conn.EmitState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return len(r.sender.OfType(signaling.TypeOffer)) == 2 }, waitFor, tick)
	assert.True(t, conn.Offers()[1].ICERestart)
	assert.True(t, r.sender.OfType(signaling.TypeOffer)[1].Restart)

	conn.EmitState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return l.State() == peer.StateFailed }, waitFor, tick)
	assert.Len(t, conn.Offers(), 2)
	assert.Equal(t, 1, r.mgr.Len(), "a failed link stays as a degraded tile")
}

func TestResponderDoesNotRestart(t *testing.T) {
	r := newRig(t, videoCfg())
	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))
	require.Eventually(t, r.count(signaling.TypeAnswer), waitFor, tick)
	l, _ := r.mgr.Get("ta")
	conn := r.factory.Conns()[0]

	conn.EmitState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return l.State() == peer.StateFailed }, waitFor, tick)
	assert.Empty(t, conn.Offers())

	conn.EmitState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return l.State() == peer.StateConnected }, waitFor, tick)
}

func TestNegotiationTimeoutCountsAsFailure(t *testing.T) {
	cfg := videoCfg()
	cfg.NegotiationTimeout = 40 * time.Millisecond
	r := newRig(t, cfg)
	l, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.State() == peer.StateFailed }, waitFor, tick)
	conn := r.factory.Conns()[0]
	offers := conn.Offers()
	require.Len(t, offers, 2)
	assert.True(t, offers[1].ICERestart)
}

func TestRenegotiationWaitsForPendingAnswer(t *testing.T) {
	r := newRig(t, videoCfg())
	_, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	conn := r.factory.Conns()[0]

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "cam")
	require.NoError(t, err)
	r.mgr.AddTrack(track)

	require.Eventually(t, func() bool { return len(conn.Tracks()) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return len(conn.Offers()) > 1 }, 50*time.Millisecond, tick)

	r.mgr.OnAnswer(answerFrom("tb"))
	require.Eventually(t, func() bool { return len(conn.Offers()) == 2 }, waitFor, tick)
	assert.False(t, conn.Offers()[1].ICERestart)

	_, err = r.mgr.Create(peer.Key{Transport: "tc"}, true)
	require.NoError(t, err)
	assert.Len(t, r.factory.Conns()[1].Tracks(), 1, "new links get existing tracks")
}

func TestGlarePoliteSideRollsBack(t *testing.T) {
	r := newRig(t, videoCfg())
	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))
	require.Eventually(t, r.count(signaling.TypeAnswer), waitFor, tick)
	conn := r.factory.Conns()[0]

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	r.mgr.AddTrack(track)
	require.Eventually(t, func() bool { return len(conn.Offers()) == 1 }, waitFor, tick)

	require.NoError(t, r.mgr.OnOffer(offerFrom("ta", "ua")))
	require.Eventually(t, func() bool { return conn.Answers() == 2 }, waitFor, tick)
	assert.Equal(t, 1, conn.Rollbacks())
	require.Eventually(t, func() bool { return len(conn.Offers()) == 2 }, waitFor, tick)
}

func TestGlareImpoliteSideKeepsOffer(t *testing.T) {
	r := newRig(t, videoCfg())
	_, err := r.mgr.Create(peer.Key{Transport: "tb", User: "ub"}, true)
	require.NoError(t, err)
	require.Eventually(t, r.count(signaling.TypeOffer), waitFor, tick)
	conn := r.factory.Conns()[0]

	require.NoError(t, r.mgr.OnOffer(offerFrom("tb", "ub")))
	assert.Never(t, func() bool { return conn.Answers() > 0 }, 50*time.Millisecond, tick)
	assert.Zero(t, conn.Rollbacks())
}

func TestCloseUserClosesEveryTransport(t *testing.T) {
	r := newRig(t, videoCfg())
	l1, err := r.mgr.Create(peer.Key{Transport: "t1", User: "u1"}, true)
	require.NoError(t, err)
	l2, err := r.mgr.Create(peer.Key{Transport: "t2", User: "u1"}, true)
	require.NoError(t, err)
	_, err = r.mgr.Create(peer.Key{Transport: "t3", User: "u3"}, true)
	require.NoError(t, err)

	assert.Equal(t, 2, r.mgr.CloseUser("u1"))
	assert.Equal(t, peer.StateClosed, l1.State())
	assert.Equal(t, peer.StateClosed, l2.State())
	assert.Equal(t, []peer.Key{{Transport: "t3", User: "u3"}}, r.mgr.Keys())
	assert.True(t, r.factory.Conns()[0].IsClosed())

	assert.False(t, r.mgr.CloseTransport("t1"))
	assert.Equal(t, 0, r.mgr.CloseUser("u1"))
}

func TestCloseDiscardsQueuedWork(t *testing.T) {
	r := newRig(t, videoCfg())
	l, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.NoError(t, err)
	r.mgr.CloseAll()

	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatal("link goroutine still running")
	}
	r.mgr.OnAnswer(answerFrom("tb"))
	r.mgr.OnCandidate(signaling.Candidate{From: "tb", Candidate: candidate("late")})
	assert.Equal(t, 0, r.mgr.Len())
	assert.Equal(t, peer.StateClosed, l.State())
	assert.Empty(t, r.factory.Conns()[0].Candidates())

	r.mgr.CloseAll()
}

func TestFactoryErrorIsNegotiationError(t *testing.T) {
	r := newRig(t, videoCfg())
	r.factory.Err = assert.AnError
	_, err := r.mgr.Create(peer.Key{Transport: "tb"}, true)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, r.mgr.Len())
}
