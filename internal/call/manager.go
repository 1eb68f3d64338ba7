package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spacerelay/internal/event"
)

// Status is the call lifecycle state. Transitions only move forward:
// ringing→ongoing→completed, or ringing→completed for a declined/cancelled
// call. Nothing ever moves backward.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
)

// Type is the call media type.
type Type string

const (
	TypeAudio Type = "audio"
	TypeVideo Type = "video"
)

// Call is one call's state.
type Call struct {
	ID          string
	SpaceID     string
	InitiatorID string
	Type        Type
	Status      Status
	// Participants are the users invited at start; joined tracks who has
	// actually accepted.
	Participants []string
	joined       map[string]bool
	StartedAt    *time.Time
	EndedAt      *time.Time
	// DurationSeconds is computed once at the ongoing→completed
	// transition and never mutated afterward. Zero when the call never
	// reached ongoing.
	DurationSeconds int64

	signalSeq uint64
}

// Publisher is the manager's outbound path for lifecycle and signaling
// envelopes.
type Publisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

var (
	ErrUnknownCall = errors.New("unknown call")
	ErrNotInvited  = errors.New("user not a call participant")
)

// Manager owns per-call state and relays point-to-point signaling. It never
// interprets signal payload contents, only routes by recipient.
type Manager struct {
	mu    sync.Mutex
	calls map[string]*Call
	pub   Publisher
	now   func() time.Time
	log   *zap.Logger
}

func NewManager(pub Publisher, log *zap.Logger) *Manager {
	return &Manager{
		calls: make(map[string]*Call),
		pub:   pub,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log,
	}
}

// Start creates a call in ringing and broadcasts call.started on the
// space's presence topic and on each target participant's private topic.
// The dual delivery is intentional: the space topic notifies active
// viewers, the private topics wake participants not currently viewing the
// space.
func (m *Manager) Start(ctx context.Context, spaceID, initiatorID string, callType Type, targets []string) (*Call, error) {
	c := &Call{
		ID:           uuid.NewString(),
		SpaceID:      spaceID,
		InitiatorID:  initiatorID,
		Type:         callType,
		Status:       StatusRinging,
		Participants: append([]string{initiatorID}, targets...),
		joined:       map[string]bool{initiatorID: true},
	}

	m.mu.Lock()
	m.calls[c.ID] = c
	payload := m.payloadLocked(c)
	m.mu.Unlock()

	if err := m.pub.Publish(ctx, event.NewCallStarted(payload)); err != nil {
		m.log.Error("failed to publish call.started", zap.String("call", c.ID), zap.Error(err))
		return nil, err
	}

	m.log.Info("call started",
		zap.String("call", c.ID), zap.String("space", spaceID),
		zap.String("initiator", initiatorID), zap.String("type", string(callType)))
	return c, nil
}

// Accept records a participant joining. The first accept flips the call to
// ongoing and records StartedAt; subsequent accepts are idempotent joins,
// not state transitions. Accepting a completed call is a late race and a
// no-op.
func (m *Manager) Accept(ctx context.Context, callID, userID string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if c.Status == StatusCompleted {
		m.mu.Unlock()
		m.log.Debug("accept on completed call ignored", zap.String("call", callID))
		return nil
	}
	if !c.isParticipantLocked(userID) {
		m.mu.Unlock()
		return ErrNotInvited
	}

	first := c.Status == StatusRinging
	if first {
		c.Status = StatusOngoing
		startedAt := m.now()
		c.StartedAt = &startedAt
	}
	c.joined[userID] = true
	payload := m.payloadLocked(c)
	m.mu.Unlock()

	if !first {
		return nil
	}
	if err := m.pub.Publish(ctx, event.NewCallAccepted(payload, userID)); err != nil {
		m.log.Error("failed to publish call.accepted", zap.String("call", callID), zap.Error(err))
		return err
	}
	m.log.Info("call ongoing", zap.String("call", callID), zap.String("acceptedBy", userID))
	return nil
}

// Signal relays one offer/answer/candidate message to the addressed
// participant's private topic, with a data-stripped diagnostic copy on the
// space topic. Late signals for completed calls are dropped as no-ops.
func (m *Manager) Signal(ctx context.Context, callID string, sig event.SignalPayload) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if c.Status == StatusCompleted {
		m.mu.Unlock()
		m.log.Debug("signal on completed call dropped",
			zap.String("call", callID), zap.String("signalType", sig.SignalType))
		return nil
	}
	if !c.isParticipantLocked(sig.FromUserID) || !c.isParticipantLocked(sig.ToUserID) {
		m.mu.Unlock()
		return ErrNotInvited
	}
	c.signalSeq++
	seq := c.signalSeq
	spaceID := c.SpaceID
	m.mu.Unlock()

	sig.CallID = callID
	if err := m.pub.Publish(ctx, event.NewSignal(sig, seq)); err != nil {
		m.log.Error("failed to relay signal",
			zap.String("call", callID), zap.String("to", sig.ToUserID), zap.Error(err))
		return err
	}
	if err := m.pub.Publish(ctx, event.NewSignalDiagnostic(sig, spaceID, seq)); err != nil {
		// Diagnostics are best effort; the addressed copy already went out.
		m.log.Warn("failed to publish signal diagnostic",
			zap.String("call", callID), zap.Error(err))
	}
	return nil
}

// End completes the call. DurationSeconds is computed here, once; a second
// End for an already completed call is a no-op, not an error.
func (m *Manager) End(ctx context.Context, callID, endedBy string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if c.Status == StatusCompleted {
		m.mu.Unlock()
		m.log.Debug("duplicate call end ignored", zap.String("call", callID))
		return nil
	}

	endedAt := m.now()
	c.EndedAt = &endedAt
	if c.Status == StatusOngoing && c.StartedAt != nil {
		c.DurationSeconds = int64(endedAt.Sub(*c.StartedAt) / time.Second)
	}
	c.Status = StatusCompleted
	payload := m.payloadLocked(c)
	m.mu.Unlock()

	if err := m.pub.Publish(ctx, event.NewCallEnded(payload, endedBy)); err != nil {
		m.log.Error("failed to publish call.ended", zap.String("call", callID), zap.Error(err))
		return err
	}
	m.log.Info("call completed",
		zap.String("call", callID), zap.Int64("durationSeconds", payload.Duration))
	return nil
}

// Leave removes a joined participant; when the last one leaves an ongoing
// call, the call ends.
func (m *Manager) Leave(ctx context.Context, callID, userID string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownCall
	}
	if c.Status == StatusCompleted {
		m.mu.Unlock()
		return nil
	}
	delete(c.joined, userID)
	last := len(c.joined) == 0
	m.mu.Unlock()

	if last {
		return m.End(ctx, callID, userID)
	}
	return nil
}

// Get returns a snapshot of a call's state.
func (m *Manager) Get(callID string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return Call{}, false
	}
	snapshot := *c
	snapshot.joined = nil
	snapshot.Participants = append([]string(nil), c.Participants...)
	return snapshot, true
}

func (c *Call) isParticipantLocked(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (m *Manager) payloadLocked(c *Call) event.CallPayload {
	return event.CallPayload{
		CallID:       c.ID,
		SpaceID:      c.SpaceID,
		InitiatorID:  c.InitiatorID,
		CallType:     string(c.Type),
		Participants: append([]string(nil), c.Participants...),
		Duration:     c.DurationSeconds,
	}
}
