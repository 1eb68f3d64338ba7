package notify

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spacerelay/internal/event"
)

// Category buckets notifications for independent querying: unread counts
// and mark-read operate per category without scanning the others.
type Category string

const (
	CategoryMessage  Category = "message"
	CategoryFollower Category = "follower"
	CategorySpace    Category = "space"
	CategoryCall     Category = "call"
	CategoryActivity Category = "activity"
	CategoryGeneric  Category = "generic"
)

// Notification is a client-local projection built from envelopes. It is not
// a source of truth and is safe to discard and rebuild from a backlog
// query.
type Notification struct {
	ID        string
	Category  Category
	Event     string
	Title     string
	SpaceID   string
	ActorID   string
	CreatedAt time.Time
	IsRead    bool
}

// Router classifies inbound envelopes into notifications. Two suppression
// rules apply: envelopes emitted before the session started never resurface
// as new (reconnect backlog replay), and the current identity's own actions
// never notify it.
type Router struct {
	selfID       string
	sessionStart time.Time
	byCategory   map[Category][]*Notification
	unread       map[Category]int
	seen         map[string]struct{}
	log          *zap.Logger
}

func NewRouter(selfID string, sessionStart time.Time, log *zap.Logger) *Router {
	return &Router{
		selfID:       selfID,
		sessionStart: sessionStart,
		byCategory:   make(map[Category][]*Notification),
		unread:       make(map[Category]int),
		seen:         make(map[string]struct{}),
		log:          log,
	}
}

// Classify maps an event name to its notification category. The second
// return is false for events that never produce notifications.
func Classify(eventName string) (Category, bool) {
	switch eventName {
	case event.MessageSent:
		return CategoryMessage, true
	case event.NewFollower:
		return CategoryFollower, true
	case event.ParticipantJoined, event.ParticipantLeft, event.ParticipantRole,
		event.SpaceUpdated, event.MagicTriggered,
		event.PollCreated, event.PollUpdated, event.PollDeleted:
		return CategorySpace, true
	case event.CallStarted, event.CallEnded:
		return CategoryCall, true
	case event.NewComment, event.NewReaction, event.CommentReaction,
		event.PostUpdated, event.PostDeleted:
		return CategoryActivity, true
	case event.RosterSnapshot, event.WebRTCSignal, event.CallAccepted:
		// Plumbing, never user-facing.
		return "", false
	default:
		return CategoryGeneric, true
	}
}

// Apply consumes one envelope, producing at most one notification.
func (r *Router) Apply(env *event.Envelope) {
	category, ok := Classify(env.Event)
	if !ok {
		return
	}
	if env.EmittedAt.Before(r.sessionStart) {
		r.log.Debug("suppressing pre-session envelope",
			zap.String("event", env.Event), zap.Time("emittedAt", env.EmittedAt))
		return
	}
	if env.ActorID != "" && env.ActorID == r.selfID {
		return
	}
	if env.DedupKey != "" {
		if _, dup := r.seen[env.DedupKey]; dup {
			return
		}
		r.seen[env.DedupKey] = struct{}{}
	}

	n := &Notification{
		ID:        uuid.NewString(),
		Category:  category,
		Event:     env.Event,
		Title:     title(category, env.Event),
		SpaceID:   spaceOf(env),
		ActorID:   env.ActorID,
		CreatedAt: env.EmittedAt,
	}
	r.byCategory[category] = append(r.byCategory[category], n)
	r.unread[category]++
}

func title(category Category, eventName string) string {
	switch category {
	case CategoryMessage:
		return "New message"
	case CategoryFollower:
		return "New follower"
	case CategoryCall:
		if eventName == event.CallStarted {
			return "Incoming call"
		}
		return "Call ended"
	case CategorySpace:
		return "Space activity"
	case CategoryActivity:
		return "New activity"
	default:
		return "Notification"
	}
}

// spaceOf pulls a space id out of the envelope topics when present.
func spaceOf(env *event.Envelope) string {
	for _, name := range env.Topics {
		if len(name) > 6 && name[:6] == "space." {
			return name[6:]
		}
	}
	return ""
}

// Unread returns the unread count for one category.
func (r *Router) Unread(category Category) int {
	return r.unread[category]
}

// Notifications returns the notifications of one category, oldest first.
func (r *Router) Notifications(category Category) []Notification {
	list := r.byCategory[category]
	out := make([]Notification, len(list))
	for i, n := range list {
		out[i] = *n
	}
	return out
}

// MarkRead marks a single notification read.
func (r *Router) MarkRead(category Category, id string) {
	for _, n := range r.byCategory[category] {
		if n.ID == id && !n.IsRead {
			n.IsRead = true
			r.unread[category]--
			return
		}
	}
}

// MarkAllRead marks every notification in a category read.
func (r *Router) MarkAllRead(category Category) {
	for _, n := range r.byCategory[category] {
		n.IsRead = true
	}
	r.unread[category] = 0
}
