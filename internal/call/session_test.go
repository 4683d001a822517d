package call

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/campus-signaling/internal/models"
)

type fakePC struct {
	remote     *webrtc.SessionDescription
	candidates []string
	closed     int
	failRemote error
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if f.failRemote != nil {
		return f.failRemote
	}
	f.remote = &desc
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakePC) Close() error {
	f.closed++
	return nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newPair(t *testing.T) (caller, callee *Session, callerPC, calleePC *fakePC, clk *clock) {
	t.Helper()
	clk = &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	callerPC, calleePC = &fakePC{}, &fakePC{}
	caller = NewSession("c1", "u1", "u2", callerPC)
	callee = NewSession("c1", "u2", "u1", calleePC)
	caller.now = clk.now
	callee.now = clk.now
	return
}

func offerMsg(t *testing.T) models.SignalMessage {
	msg, err := models.NewOffer("u1", "u2", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	return msg
}

func answerMsg(t *testing.T) models.SignalMessage {
	msg, err := models.NewAnswer("u2", "u1", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	require.NoError(t, err)
	return msg
}

func candidateMsg(t *testing.T, from, to, cand string) models.SignalMessage {
	msg, err := models.NewCandidate(from, to, webrtc.ICECandidateInit{Candidate: cand})
	require.NoError(t, err)
	return msg
}

func TestOfferAnswerConnects(t *testing.T) {
	caller, callee, callerPC, calleePC, _ := newPair(t)

	require.NoError(t, caller.LocalOffer())
	require.Equal(t, StateOffering, caller.State())

	require.NoError(t, callee.HandleRemote(offerMsg(t)))
	require.Equal(t, StateOffered, callee.State())
	require.NotNil(t, calleePC.remote)

	require.NoError(t, callee.LocalAnswer())
	require.Equal(t, StateConnected, callee.State())

	require.NoError(t, caller.HandleRemote(answerMsg(t)))
	require.Equal(t, StateConnected, caller.State())
	require.Equal(t, webrtc.SDPTypeAnswer, callerPC.remote.Type)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	caller, _, callerPC, _, _ := newPair(t)
	require.NoError(t, caller.LocalOffer())

	require.NoError(t, caller.HandleRemote(candidateMsg(t, "u2", "u1", "candidate:a")))
	require.NoError(t, caller.HandleRemote(candidateMsg(t, "u2", "u1", "candidate:b")))
	require.Equal(t, 2, caller.Pending())
	require.Empty(t, callerPC.candidates)

	require.NoError(t, caller.HandleRemote(answerMsg(t)))
	require.Zero(t, caller.Pending())
	require.Equal(t, []string{"candidate:a", "candidate:b"}, callerPC.candidates)

	require.NoError(t, caller.HandleRemote(candidateMsg(t, "u2", "u1", "candidate:c")))
	require.Equal(t, []string{"candidate:a", "candidate:b", "candidate:c"}, callerPC.candidates)
	require.Equal(t, StateConnected, caller.State())
}

func TestEchoesAndForeignMessagesIgnored(t *testing.T) {
	caller, _, callerPC, _, _ := newPair(t)
	require.NoError(t, caller.LocalOffer())

	require.NoError(t, caller.HandleRemote(offerMsg(t)))
	require.NoError(t, caller.HandleRemote(candidateMsg(t, "u9", "u1", "candidate:x")))
	require.Equal(t, StateOffering, caller.State())
	require.Nil(t, callerPC.remote)
	require.Zero(t, caller.Pending())
}

func TestInvalidTransitions(t *testing.T) {
	caller, callee, _, _, _ := newPair(t)

	require.ErrorIs(t, callee.LocalAnswer(), ErrInvalidTransition)
	require.ErrorIs(t, caller.HandleRemote(answerMsg(t)), ErrInvalidTransition)

	require.NoError(t, caller.LocalOffer())
	require.ErrorIs(t, caller.LocalOffer(), ErrInvalidTransition)

	caller.LocalHangup()
	require.ErrorIs(t, caller.HandleRemote(answerMsg(t)), ErrTerminated)
	require.ErrorIs(t, caller.HandleRemote(candidateMsg(t, "u2", "u1", "candidate:late")), ErrTerminated)
}

func TestRemoteDescriptionFailureSurfaces(t *testing.T) {
	_, callee, _, calleePC, _ := newPair(t)
	calleePC.failRemote = errors.New("bad sdp")
	require.Error(t, callee.HandleRemote(offerMsg(t)))
	require.Equal(t, StateIdle, callee.State())
}

// A rejected answer leaves the caller ringing, so giving up records a missed call.
func TestRejectedAnswerDoesNotConnect(t *testing.T) {
	caller, _, callerPC, _, clk := newPair(t)
	callerPC.failRemote = errors.New("bad sdp")

	require.NoError(t, caller.LocalOffer())
	require.Error(t, caller.HandleRemote(answerMsg(t)))
	require.Equal(t, StateOffering, caller.State())

	clk.advance(30 * time.Second)
	caller.LocalHangup()

	out, ok := caller.Outcome()
	require.True(t, ok)
	require.Equal(t, models.CallStatusMissed, out.Status)
	require.Nil(t, out.DurationSeconds)
}

// Hangup while connected terminates both sides and each side records an answered call.
func TestHangupWhileConnectedRecordsAnswered(t *testing.T) {
	caller, callee, callerPC, calleePC, clk := newPair(t)

	var transitions []State
	callee.OnStateChange(func(s State) { transitions = append(transitions, s) })

	require.NoError(t, caller.LocalOffer())
	require.NoError(t, callee.HandleRemote(offerMsg(t)))
	require.NoError(t, callee.LocalAnswer())
	require.NoError(t, caller.HandleRemote(answerMsg(t)))

	_, ok := caller.Outcome()
	require.False(t, ok)

	clk.advance(95 * time.Second)
	caller.LocalHangup()
	require.NoError(t, callee.HandleRemote(models.NewHangup("u1", "u2")))

	require.Equal(t, StateTerminated, caller.State())
	require.Equal(t, StateTerminated, callee.State())
	require.Equal(t, []State{StateOffered, StateConnected, StateTerminated}, transitions)
	require.Equal(t, 1, callerPC.closed)
	require.Equal(t, 1, calleePC.closed)

	for _, s := range []*Session{caller, callee} {
		out, ok := s.Outcome()
		require.True(t, ok)
		require.Equal(t, models.CallStatusAnswered, out.Status)
		require.NotNil(t, out.DurationSeconds)
		require.Equal(t, 95, *out.DurationSeconds)
	}

	caller.LocalHangup()
	require.Equal(t, 1, callerPC.closed)
}

func TestCalleeRejectsIsDeclined(t *testing.T) {
	caller, callee, _, _, _ := newPair(t)
	require.NoError(t, caller.LocalOffer())
	require.NoError(t, callee.HandleRemote(offerMsg(t)))

	callee.LocalHangup()
	require.NoError(t, caller.HandleRemote(models.NewHangup("u2", "u1")))

	for _, s := range []*Session{caller, callee} {
		out, ok := s.Outcome()
		require.True(t, ok)
		require.Equal(t, models.CallStatusDeclined, out.Status)
		require.Nil(t, out.DurationSeconds)
	}
}

func TestCallerGivesUpIsMissed(t *testing.T) {
	caller, callee, _, _, _ := newPair(t)
	require.NoError(t, caller.LocalOffer())
	require.NoError(t, callee.HandleRemote(offerMsg(t)))

	caller.LocalHangup()
	require.NoError(t, callee.HandleRemote(models.NewHangup("u1", "u2")))

	for _, s := range []*Session{caller, callee} {
		out, ok := s.Outcome()
		require.True(t, ok)
		require.Equal(t, models.CallStatusMissed, out.Status)
	}
	out, _ := caller.Outcome()
	require.True(t, out.Caller)
}
