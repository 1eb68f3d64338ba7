package event

// Canonical event names. The dispatcher routes on these; an envelope
// carrying a name outside this set is dropped by the receiver.
const (
	MessageSent       = "message.sent"
	ParticipantJoined = "participant.joined"
	ParticipantLeft   = "participant.left"
	ParticipantRole   = "participant.role-changed"
	RosterSnapshot    = "roster.snapshot"
	CallStarted       = "call.started"
	CallAccepted      = "call.accepted"
	CallEnded         = "call.ended"
	WebRTCSignal      = "webrtc.signal"
	MagicTriggered    = "magic.triggered"
	SpaceUpdated      = "space.updated"
	PollCreated       = "poll.created"
	PollUpdated       = "poll.updated"
	PollDeleted       = "poll.deleted"
	NewComment        = "new-comment"
	NewReaction       = "new-reaction"
	CommentReaction   = "comment-reaction"
	PostUpdated       = "post-updated"
	PostDeleted       = "post-deleted"
	NewFollower       = "new-follower"
)

// MessagePayload carries a chat message sent into a space.
type MessagePayload struct {
	MessageID string `json:"messageId"`
	SpaceID   string `json:"spaceId"`
	AuthorID  string `json:"authorId"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	SentAt    string `json:"sentAt,omitempty"`
}

// MemberPayload describes one participant on a presence topic.
type MemberPayload struct {
	UserID   string `json:"userId"`
	SpaceID  string `json:"spaceId"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role,omitempty"`
	JoinedAt string `json:"joinedAt,omitempty"`
}

// SnapshotPayload is the full current roster of a presence topic, sent to a
// subscriber when its subscription is established.
type SnapshotPayload struct {
	SpaceID string          `json:"spaceId"`
	Members []MemberPayload `json:"members"`
}

// CallPayload carries call lifecycle transitions.
type CallPayload struct {
	CallID       string   `json:"callId"`
	SpaceID      string   `json:"spaceId"`
	InitiatorID  string   `json:"initiatorId"`
	CallType     string   `json:"callType"` // "audio" or "video"
	Participants []string `json:"participants,omitempty"`
	Duration     int64    `json:"durationSeconds,omitempty"`
}

// SignalPayload is a point-to-point WebRTC signaling message. The relay
// routes it by ToUserID and never interprets SignalData.
type SignalPayload struct {
	CallID     string `json:"callId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	SignalType string `json:"signalType"` // offer, answer, candidate
	SignalData string `json:"signalData,omitempty"`
}

// MagicPayload carries a "magic" interaction fired inside a space.
type MagicPayload struct {
	MagicID  string `json:"magicId"`
	SpaceID  string `json:"spaceId"`
	UserID   string `json:"userId"`
	Effect   string `json:"effect"`
	TargetID string `json:"targetId,omitempty"`
}

// SpacePayload carries space metadata updates.
type SpacePayload struct {
	SpaceID string `json:"spaceId"`
	Name    string `json:"name,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// PollPayload carries poll lifecycle events within a space.
type PollPayload struct {
	PollID   string         `json:"pollId"`
	SpaceID  string         `json:"spaceId"`
	Question string         `json:"question,omitempty"`
	Options  map[string]int `json:"options,omitempty"`
}

// CommentPayload carries comment creation on posts.
type CommentPayload struct {
	CommentID string `json:"commentId"`
	PostID    string `json:"postId"`
	AuthorID  string `json:"authorId"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
}

// ReactionPayload carries reactions on posts or comments.
type ReactionPayload struct {
	ReactionID string `json:"reactionId"`
	TargetID   string `json:"targetId"` // post or comment id
	UserID     string `json:"userId"`
	Emoji      string `json:"emoji"`
}

// PostPayload carries post updates and deletes.
type PostPayload struct {
	PostID   string `json:"postId"`
	AuthorID string `json:"authorId"`
	Title    string `json:"title,omitempty"`
}

// FollowerPayload announces a new follower to the followed user.
type FollowerPayload struct {
	FollowerID   string `json:"followerId"`
	FollowerName string `json:"followerName,omitempty"`
	FollowedID   string `json:"followedId"`
}
