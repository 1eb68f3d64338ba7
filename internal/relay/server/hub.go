package server

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"spacerelay/internal/auth"
	"spacerelay/internal/event"
	"spacerelay/internal/metrics"
	"spacerelay/internal/relay/redisbus"
	"spacerelay/internal/topic"
)

// EnvelopePublisher is the hub's write side of the backing log.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env *event.Envelope) error
}

type subscribeRequest struct {
	client    *Client
	topicName string
	grant     string
}

type unsubscribeRequest struct {
	client    *Client
	topicName string
}

type publishRequest struct {
	client   *Client
	envelope *event.Envelope
}

// presenceEntry tracks one user's live presence on a presence topic. A user
// with several connections holds one entry with a connection count, so
// joined/left events fire once per user, not once per tab.
type presenceEntry struct {
	info     auth.PresenceInfo
	joinedAt time.Time
	conns    int
}

// Hub maintains active connections and fans envelopes out to every
// connection subscribed to any of their topics. One goroutine consumes
// registrations, subscription changes, and bus deliveries, which preserves
// per-topic delivery order.
type Hub struct {
	mu sync.RWMutex

	// topicName -> subscribed clients
	topics map[string]map[*Client]bool
	// presence topicName -> userID -> live entry
	presence map[string]map[string]*presenceEntry

	unregister  chan *Client
	subscribe   chan subscribeRequest
	unsubscribe chan unsubscribeRequest
	publish     chan publishRequest

	// Deliveries receives envelope copies from the redis bridge.
	Deliveries chan redisbus.Delivery

	grantSecret []byte
	publisher   EnvelopePublisher
	log         *zap.Logger
}

func NewHub(grantSecret []byte, publisher EnvelopePublisher, log *zap.Logger) *Hub {
	return &Hub{
		topics:      make(map[string]map[*Client]bool),
		presence:    make(map[string]map[string]*presenceEntry),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscribeRequest),
		unsubscribe: make(chan unsubscribeRequest),
		publish:     make(chan publishRequest),
		Deliveries:  make(chan redisbus.Delivery, 256),
		grantSecret: grantSecret,
		publisher:   publisher,
		log:         log,
	}
}

// Run is the hub event loop.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("hub event loop starting")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub event loop stopping")
			return
		case client := <-h.unregister:
			h.unregisterClient(ctx, client)
		case req := <-h.subscribe:
			h.handleSubscribe(ctx, req)
		case req := <-h.unsubscribe:
			h.handleUnsubscribe(ctx, req, true)
		case req := <-h.publish:
			h.handlePublish(ctx, req)
		case delivery := <-h.Deliveries:
			h.broadcast(ctx, delivery)
		}
	}
}

// Register makes a freshly upgraded connection visible to the hub. Called
// synchronously before the connection's pumps start, so no subscribe frame
// can race it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.open = true
	metrics.ConnectedClients.Inc()
	h.log.Info("client registered",
		zap.String("user", client.userID), zap.String("conn", client.connID))
}

func (h *Hub) unregisterClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	if !client.open {
		h.mu.Unlock()
		return
	}
	client.open = false
	topics := make([]string, 0, len(client.subs))
	for name := range client.subs {
		topics = append(topics, name)
	}
	h.mu.Unlock()

	for _, name := range topics {
		h.handleUnsubscribe(ctx, unsubscribeRequest{client: client, topicName: name}, false)
	}

	h.mu.Lock()
	close(client.send)
	h.mu.Unlock()

	metrics.ConnectedClients.Dec()
	h.log.Info("client unregistered",
		zap.String("user", client.userID), zap.String("conn", client.connID))
}

// handleSubscribe verifies the grant, adds the client to the topic, and for
// presence topics sends the roster snapshot to the new subscriber and emits
// participant.joined through the bus.
func (h *Hub) handleSubscribe(ctx context.Context, req subscribeRequest) {
	verified, err := auth.VerifyGrant(h.grantSecret, req.grant, req.client.connID, req.topicName)
	if err != nil || verified.UserID != req.client.userID {
		metrics.SubscriptionsDenied.Inc()
		h.log.Warn("subscription denied",
			zap.String("topic", req.topicName), zap.String("user", req.client.userID))
		req.client.sendFrame(&ServerFrame{Type: FrameDenied, Topic: req.topicName})
		return
	}

	t, err := topic.Parse(req.topicName)
	if err != nil {
		metrics.SubscriptionsDenied.Inc()
		req.client.sendFrame(&ServerFrame{Type: FrameDenied, Topic: req.topicName})
		return
	}

	h.mu.Lock()
	if !req.client.open {
		h.mu.Unlock()
		return
	}
	if h.topics[req.topicName] == nil {
		h.topics[req.topicName] = make(map[*Client]bool)
	}
	already := h.topics[req.topicName][req.client]
	h.topics[req.topicName][req.client] = true
	req.client.subs[req.topicName] = true

	var joined *event.MemberPayload
	var snapshot *event.Envelope
	if t.Kind == topic.Presence && verified.Presence != nil {
		if h.presence[req.topicName] == nil {
			h.presence[req.topicName] = make(map[string]*presenceEntry)
		}
		entry, ok := h.presence[req.topicName][verified.UserID]
		if !ok {
			entry = &presenceEntry{info: *verified.Presence, joinedAt: time.Now().UTC()}
			h.presence[req.topicName][verified.UserID] = entry
			joined = &event.MemberPayload{
				UserID:   verified.Presence.ID,
				SpaceID:  t.EntityID,
				Name:     verified.Presence.Name,
				Avatar:   verified.Presence.Avatar,
				Role:     verified.Presence.Role,
				JoinedAt: entry.joinedAt.Format(time.RFC3339Nano),
			}
		}
		// A duplicate subscribe frame on the same connection must not
		// inflate the connection count, or the entry never drains on
		// disconnect.
		if !already {
			entry.conns++
		}
		snapshot = h.snapshotLocked(req.topicName, t.EntityID)
	}
	h.mu.Unlock()

	metrics.SubscriptionsGranted.Inc()
	req.client.sendFrame(&ServerFrame{Type: FrameSubscribed, Topic: req.topicName})
	h.log.Info("subscription granted",
		zap.String("topic", req.topicName), zap.String("user", req.client.userID),
		zap.Bool("resubscribe", already))

	if snapshot != nil {
		req.client.sendFrame(&ServerFrame{Type: FrameEnvelope, Topic: req.topicName, Envelope: snapshot})
	}
	if joined != nil {
		if err := h.publisher.Publish(ctx, event.NewParticipantJoined(*joined)); err != nil {
			h.log.Error("failed to publish participant.joined",
				zap.String("topic", req.topicName), zap.String("user", req.client.userID), zap.Error(err))
		}
	}
}

// snapshotLocked builds the full current roster for a presence topic. Caller
// holds h.mu.
func (h *Hub) snapshotLocked(topicName, spaceID string) *event.Envelope {
	members := make([]event.MemberPayload, 0, len(h.presence[topicName]))
	for userID, entry := range h.presence[topicName] {
		members = append(members, event.MemberPayload{
			UserID:   userID,
			SpaceID:  spaceID,
			Name:     entry.info.Name,
			Avatar:   entry.info.Avatar,
			Role:     entry.info.Role,
			JoinedAt: entry.joinedAt.Format(time.RFC3339Nano),
		})
	}
	return event.NewRosterSnapshot(event.SnapshotPayload{SpaceID: spaceID, Members: members})
}

// handleUnsubscribe removes the client from the topic. Envelopes already in
// flight for the topic may still reach the client; receivers treat that as a
// race, not an error.
func (h *Hub) handleUnsubscribe(ctx context.Context, req unsubscribeRequest, ack bool) {
	t, err := topic.Parse(req.topicName)
	if err != nil {
		return
	}

	h.mu.Lock()
	if clients, ok := h.topics[req.topicName]; ok {
		delete(clients, req.client)
		if len(clients) == 0 {
			delete(h.topics, req.topicName)
		}
	}
	delete(req.client.subs, req.topicName)

	var left *event.MemberPayload
	if t.Kind == topic.Presence {
		if entry, ok := h.presence[req.topicName][req.client.userID]; ok {
			entry.conns--
			if entry.conns <= 0 {
				delete(h.presence[req.topicName], req.client.userID)
				if len(h.presence[req.topicName]) == 0 {
					delete(h.presence, req.topicName)
				}
				left = &event.MemberPayload{
					UserID:  req.client.userID,
					SpaceID: t.EntityID,
					Role:    entry.info.Role,
				}
			}
		}
	}
	h.mu.Unlock()

	if ack {
		req.client.sendFrame(&ServerFrame{Type: FrameUnsubscribed, Topic: req.topicName})
	}
	if left != nil {
		if err := h.publisher.Publish(ctx, event.NewParticipantLeft(*left, time.Now().UTC())); err != nil {
			h.log.Error("failed to publish participant.left",
				zap.String("topic", req.topicName), zap.String("user", req.client.userID), zap.Error(err))
		}
	}
}

// handlePublish accepts an envelope from a connected client. Clients may
// only publish onto topics they are subscribed to, and the actor is always
// the connection's own identity.
func (h *Hub) handlePublish(ctx context.Context, req publishRequest) {
	env := req.envelope
	if env == nil || env.Validate() != nil {
		metrics.EnvelopesDropped.WithLabelValues("invalid").Inc()
		h.log.Warn("dropping invalid client envelope", zap.String("user", req.client.userID))
		return
	}

	h.mu.RLock()
	allowed := true
	for _, name := range env.Topics {
		if !req.client.subs[name] {
			allowed = false
			break
		}
	}
	h.mu.RUnlock()

	if !allowed {
		metrics.EnvelopesDropped.WithLabelValues("unauthorized").Inc()
		h.log.Warn("dropping client envelope for unsubscribed topic",
			zap.String("user", req.client.userID), zap.String("event", env.Event))
		req.client.sendFrame(&ServerFrame{Type: FrameDenied, Topic: env.Topics[0]})
		return
	}

	env.ActorID = req.client.userID
	if err := h.publisher.Publish(ctx, env); err != nil {
		h.log.Error("failed to publish client envelope",
			zap.String("user", req.client.userID), zap.String("event", env.Event), zap.Error(err))
	}
}

// broadcast delivers one envelope copy to every client subscribed to the
// delivery's topic. A client whose send buffer is full is evicted rather
// than allowed to stall the loop.
func (h *Hub) broadcast(ctx context.Context, delivery redisbus.Delivery) {
	frame := &ServerFrame{Type: FrameEnvelope, Topic: delivery.Topic, Envelope: delivery.Envelope}
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal delivery frame", zap.Error(err))
		return
	}

	var departed []event.MemberPayload

	h.mu.Lock()
	if clients, ok := h.topics[delivery.Topic]; ok {
		for client := range clients {
			select {
			case client.send <- payload:
				metrics.EnvelopesDelivered.Inc()
			default:
				metrics.EnvelopesDropped.WithLabelValues("slow_client").Inc()
				h.log.Warn("client send buffer full, evicting",
					zap.String("user", client.userID), zap.String("conn", client.connID))
				departed = append(departed, h.evictLocked(client)...)
			}
		}
	}
	h.mu.Unlock()

	for _, member := range departed {
		if err := h.publisher.Publish(ctx, event.NewParticipantLeft(member, time.Now().UTC())); err != nil {
			h.log.Error("failed to publish participant.left after eviction",
				zap.String("user", member.UserID), zap.Error(err))
		}
	}
}

// evictLocked tears down a stalled client and returns the presence
// departures the eviction caused. Caller holds h.mu.
func (h *Hub) evictLocked(client *Client) []event.MemberPayload {
	if !client.open {
		return nil
	}
	client.open = false

	var departed []event.MemberPayload
	for name := range client.subs {
		if clients, ok := h.topics[name]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topics, name)
			}
		}
		t, err := topic.Parse(name)
		if err != nil || t.Kind != topic.Presence {
			continue
		}
		if entry, ok := h.presence[name][client.userID]; ok {
			entry.conns--
			if entry.conns <= 0 {
				delete(h.presence[name], client.userID)
				if len(h.presence[name]) == 0 {
					delete(h.presence, name)
				}
				departed = append(departed, event.MemberPayload{
					UserID:  client.userID,
					SpaceID: t.EntityID,
					Role:    entry.info.Role,
				})
			}
		}
	}
	client.subs = make(map[string]bool)
	close(client.send)
	metrics.ConnectedClients.Dec()
	return departed
}

// TopicUsers returns the user ids currently subscribed to a topic.
func (h *Hub) TopicUsers(topicName string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := []string{}
	for client := range h.topics[topicName] {
		users = append(users, client.userID)
	}
	return users
}
