// Package session composes the client-side pieces of the relay into one
// explicitly constructed, explicitly lifetimed component: the transport,
// the event dispatcher, per-space rosters, and the notification router.
// Constructed at application start, torn down at shutdown or logout.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"spacerelay/internal/dispatch"
	"spacerelay/internal/event"
	"spacerelay/internal/notify"
	"spacerelay/internal/presence"
	relayclient "spacerelay/internal/relay/client"
	"spacerelay/internal/topic"
)

// Config wires a session.
type Config struct {
	SelfID      string
	RelayURL    string // websocket URL including identity token
	Grant       relayclient.GrantFunc
	InitialWait time.Duration
	MaxWait     time.Duration
	MaxAttempts uint64

	// OnSignal receives WebRTC signals addressed to this identity.
	OnSignal func(event.SignalPayload)

	// OnState observes transport state transitions.
	OnState func(relayclient.State)

	Logger *zap.Logger
}

// Session is the per-login realtime state of a client process.
type Session struct {
	selfID    string
	transport *relayclient.Transport

	dispatcher *dispatch.Dispatcher
	comments   *dispatch.CommentStore
	reactions  *dispatch.ReactionStore

	// rosters entries are created by JoinSpace before the subscription
	// is issued; the map itself needs the lock because JoinSpace runs on
	// the caller's goroutine while deliveries arrive on the dispatch
	// goroutine.
	rostersMu sync.RWMutex
	rosters   map[string]*presence.SpaceRoster

	notifications *notify.Router
	onSignal      func(event.SignalPayload)
	log           *zap.Logger
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Session{
		selfID:        cfg.SelfID,
		dispatcher:    dispatch.New(cfg.Logger),
		comments:      dispatch.NewCommentStore(),
		reactions:     dispatch.NewReactionStore(),
		rosters:       make(map[string]*presence.SpaceRoster),
		notifications: notify.NewRouter(cfg.SelfID, time.Now().UTC(), cfg.Logger),
		onSignal:      cfg.OnSignal,
		log:           cfg.Logger,
	}
	dispatch.RegisterDefaults(s.dispatcher, s.comments, s.reactions)

	s.transport = relayclient.New(relayclient.Options{
		URL:         cfg.RelayURL,
		Grant:       cfg.Grant,
		OnDelivery:  s.onDelivery,
		OnState:     cfg.OnState,
		InitialWait: cfg.InitialWait,
		MaxWait:     cfg.MaxWait,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      cfg.Logger,
	})
	return s
}

// Run connects the transport and blocks until ctx is cancelled or
// reconnection is exhausted.
func (s *Session) Run(ctx context.Context) error {
	// The personal topic is always part of the desired set: call
	// wake-ups and follows must reach the session regardless of which
	// spaces are open.
	s.transport.Subscribe(ctx, topic.User(s.selfID))
	return s.transport.Run(ctx)
}

// JoinSpace subscribes to a space's presence topic and starts its roster
// cache.
func (s *Session) JoinSpace(ctx context.Context, spaceID string) {
	name := topic.Space(spaceID)
	s.rostersMu.Lock()
	if _, ok := s.rosters[spaceID]; !ok {
		s.rosters[spaceID] = presence.NewSpaceRoster(spaceID, s.log)
	}
	s.rostersMu.Unlock()
	s.transport.Subscribe(ctx, name)
}

// LeaveSpace unsubscribes from the space topic and tears down the local
// roster. Envelopes still in flight for the topic are dropped by the
// transport.
func (s *Session) LeaveSpace(spaceID string) {
	s.transport.Unsubscribe(topic.Space(spaceID))
	s.rostersMu.Lock()
	delete(s.rosters, spaceID)
	s.rostersMu.Unlock()
}

// WatchPost subscribes to a post's public fan-out topic.
func (s *Session) WatchPost(ctx context.Context, postID string) {
	s.transport.Subscribe(ctx, topic.Post(postID))
}

// onDelivery is the single serialized entry point for every envelope.
func (s *Session) onDelivery(d relayclient.Delivery) {
	env := d.Envelope

	switch env.Event {
	case event.RosterSnapshot, event.ParticipantJoined, event.ParticipantLeft, event.ParticipantRole:
		if spaceID, ok := strings.CutPrefix(d.Topic, "space."); ok {
			s.rostersMu.RLock()
			roster, ok := s.rosters[spaceID]
			s.rostersMu.RUnlock()
			if ok {
				if err := roster.Apply(env); err != nil {
					s.log.Warn("roster apply failed",
						zap.String("space", spaceID), zap.String("event", env.Event), zap.Error(err))
				}
			}
		}

	case event.WebRTCSignal:
		s.handleSignal(env)

	default:
		s.dispatcher.Apply(env)
	}

	s.notifications.Apply(env)
}

// handleSignal forwards signals addressed to this identity. Diagnostic
// copies on space topics carry no signal data and are never forwarded, so
// another user's signaling payload is never exposed here.
func (s *Session) handleSignal(env *event.Envelope) {
	p, err := event.Decode[event.SignalPayload](env)
	if err != nil {
		s.log.Warn("malformed signal payload", zap.Error(err))
		return
	}
	if p.ToUserID != s.selfID || p.SignalData == "" {
		return
	}
	if s.onSignal != nil {
		s.onSignal(p)
	}
}

// Roster returns the roster cache for a joined space.
func (s *Session) Roster(spaceID string) (*presence.SpaceRoster, bool) {
	s.rostersMu.RLock()
	defer s.rostersMu.RUnlock()
	r, ok := s.rosters[spaceID]
	return r, ok
}

// Comments exposes the local comment projection.
func (s *Session) Comments() *dispatch.CommentStore { return s.comments }

// Reactions exposes the local reaction projection.
func (s *Session) Reactions() *dispatch.ReactionStore { return s.reactions }

// Notifications exposes the notification router.
func (s *Session) Notifications() *notify.Router { return s.notifications }

// State returns the transport connection state.
func (s *Session) State() relayclient.State { return s.transport.State() }

// SendMessage publishes a chat message into a space over the live
// connection.
func (s *Session) SendMessage(p event.MessagePayload) error {
	return s.transport.Publish(event.NewMessageSent(p))
}

// TriggerMagic publishes a magic interaction into a space.
func (s *Session) TriggerMagic(p event.MagicPayload) error {
	return s.transport.Publish(event.NewMagicTriggered(p))
}

// Close tears the transport down.
func (s *Session) Close() {
	s.transport.Close()
}
