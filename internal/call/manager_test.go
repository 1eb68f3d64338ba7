package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spacerelay/internal/event"
)

type capturingPublisher struct {
	envelopes []*event.Envelope
}

func (p *capturingPublisher) Publish(_ context.Context, env *event.Envelope) error {
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *capturingPublisher) byEvent(name string) []*event.Envelope {
	var out []*event.Envelope
	for _, env := range p.envelopes {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *capturingPublisher) {
	pub := &capturingPublisher{}
	m := NewManager(pub, zaptest.NewLogger(t))
	return m, pub
}

func TestStartBroadcastsToSpaceAndParticipants(t *testing.T) {
	m, pub := newTestManager(t)

	c, err := m.Start(context.Background(), "42", "caller", TypeVideo, []string{"u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, StatusRinging, c.Status)

	started := pub.byEvent(event.CallStarted)
	require.Len(t, started, 1)
	assert.ElementsMatch(t,
		[]string{"space.42", "user.caller", "user.u2", "user.u3"},
		started[0].Topics)
}

func TestFirstAcceptFlipsToOngoing(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeAudio, []string{"u2", "u3"})
	require.NoError(t, err)

	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))
	got, ok := m.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, StatusOngoing, got.Status)
	require.NotNil(t, got.StartedAt)
	startedAt := *got.StartedAt

	// A second accept is an idempotent join, not a state transition.
	require.NoError(t, m.Accept(context.Background(), c.ID, "u3"))
	got, _ = m.Get(c.ID)
	assert.Equal(t, StatusOngoing, got.Status)
	assert.Equal(t, startedAt, *got.StartedAt)
}

func TestRepeatedAnswerDoesNotRecreateCall(t *testing.T) {
	m, pub := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeVideo, []string{"u2"})
	require.NoError(t, err)

	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))
	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))

	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusOngoing, got.Status)
	assert.Len(t, pub.byEvent(event.CallStarted), 1)
	assert.Len(t, pub.byEvent(event.CallAccepted), 1)
}

func TestDoubleEndIsNoOp(t *testing.T) {
	m, pub := newTestManager(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	m.now = func() time.Time { return clock }

	c, err := m.Start(context.Background(), "42", "caller", TypeAudio, []string{"u2"})
	require.NoError(t, err)
	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))

	clock = base.Add(90 * time.Second)
	require.NoError(t, m.End(context.Background(), c.ID, "u2"))

	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(90), got.DurationSeconds)

	// Duplicate delivery of end: duration set once, nothing changes.
	clock = base.Add(500 * time.Second)
	require.NoError(t, m.End(context.Background(), c.ID, "u2"))
	got, _ = m.Get(c.ID)
	assert.Equal(t, int64(90), got.DurationSeconds)
	assert.Len(t, pub.byEvent(event.CallEnded), 1)
}

func TestDeclineBeforeAcceptHasZeroDuration(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeAudio, []string{"u2"})
	require.NoError(t, err)

	// ringing→completed directly: cancelled/declined.
	require.NoError(t, m.End(context.Background(), c.ID, "u2"))
	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Zero(t, got.DurationSeconds)
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeAudio, []string{"u2"})
	require.NoError(t, err)
	require.NoError(t, m.End(context.Background(), c.ID, "caller"))

	// Accept after completion is a late race, not a revival.
	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))
	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestSignalAddressing(t *testing.T) {
	m, pub := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeVideo, []string{"u2"})
	require.NoError(t, err)

	require.NoError(t, m.Signal(context.Background(), c.ID, event.SignalPayload{
		FromUserID: "caller", ToUserID: "u2", SignalType: "offer", SignalData: "sdp",
	}))

	signals := pub.byEvent(event.WebRTCSignal)
	require.Len(t, signals, 2)

	// The full signal goes only to the addressee's private topic; the
	// space copy carries no signal data.
	direct := signals[0]
	assert.Equal(t, []string{"user.u2"}, direct.Topics)
	directPayload, err := event.Decode[event.SignalPayload](direct)
	require.NoError(t, err)
	assert.Equal(t, "sdp", directPayload.SignalData)

	diag := signals[1]
	assert.Equal(t, []string{"space.42"}, diag.Topics)
	diagPayload, err := event.Decode[event.SignalPayload](diag)
	require.NoError(t, err)
	assert.Empty(t, diagPayload.SignalData)
}

func TestSignalRejectsOutsiders(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeVideo, []string{"u2"})
	require.NoError(t, err)

	err = m.Signal(context.Background(), c.ID, event.SignalPayload{
		FromUserID: "intruder", ToUserID: "u2", SignalType: "offer",
	})
	assert.ErrorIs(t, err, ErrNotInvited)

	err = m.Signal(context.Background(), "no-such-call", event.SignalPayload{
		FromUserID: "caller", ToUserID: "u2", SignalType: "offer",
	})
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestLateSignalAfterCompletedIsNoOp(t *testing.T) {
	m, pub := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeVideo, []string{"u2"})
	require.NoError(t, err)
	require.NoError(t, m.End(context.Background(), c.ID, "caller"))

	before := len(pub.byEvent(event.WebRTCSignal))
	require.NoError(t, m.Signal(context.Background(), c.ID, event.SignalPayload{
		FromUserID: "caller", ToUserID: "u2", SignalType: "candidate",
	}))
	assert.Len(t, pub.byEvent(event.WebRTCSignal), before)
}

func TestLastLeaveEndsCall(t *testing.T) {
	m, pub := newTestManager(t)
	c, err := m.Start(context.Background(), "42", "caller", TypeAudio, []string{"u2"})
	require.NoError(t, err)
	require.NoError(t, m.Accept(context.Background(), c.ID, "u2"))

	require.NoError(t, m.Leave(context.Background(), c.ID, "caller"))
	got, _ := m.Get(c.ID)
	assert.Equal(t, StatusOngoing, got.Status)

	require.NoError(t, m.Leave(context.Background(), c.ID, "u2"))
	got, _ = m.Get(c.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, pub.byEvent(event.CallEnded), 1)
}
