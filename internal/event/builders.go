package event

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"spacerelay/internal/topic"
)

// Builders wrap domain changes into envelopes. Dedup keys are derived from
// the originating entity's identity plus the event kind, so duplicate
// delivery across topics collapses to one occurrence at the receiver.

func build(topics []string, name, dedupKey, actorID string, payload any) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payload structs are plain data; marshal cannot fail for them.
		panic(err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Topics:    topics,
		Event:     name,
		Payload:   raw,
		DedupKey:  dedupKey,
		EmittedAt: time.Now().UTC(),
		ActorID:   actorID,
	}
}

func NewMessageSent(p MessagePayload) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, MessageSent,
		"message:"+p.MessageID, p.AuthorID, p)
}

func NewParticipantJoined(p MemberPayload) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, ParticipantJoined,
		"participant:"+p.SpaceID+":"+p.UserID+":joined:"+p.JoinedAt, p.UserID, p)
}

func NewParticipantLeft(p MemberPayload, leftAt time.Time) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, ParticipantLeft,
		"participant:"+p.SpaceID+":"+p.UserID+":left:"+leftAt.UTC().Format(time.RFC3339Nano), p.UserID, p)
}

func NewParticipantRole(p MemberPayload) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, ParticipantRole,
		"participant:"+p.SpaceID+":"+p.UserID+":role:"+p.Role, "", p)
}

// NewRosterSnapshot is addressed to a single fresh subscriber; the unique
// dedup key keeps repeated subscribes from being collapsed.
func NewRosterSnapshot(p SnapshotPayload) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, RosterSnapshot,
		"roster:"+p.SpaceID+":"+uuid.NewString(), "", p)
}

// Call lifecycle envelopes are dual-delivered: the space topic notifies
// active viewers, each participant's private topic wakes up participants not
// currently viewing the space.
func callTopics(p CallPayload) []string {
	topics := []string{topic.Space(p.SpaceID)}
	for _, userID := range p.Participants {
		topics = append(topics, topic.User(userID))
	}
	return topics
}

func NewCallStarted(p CallPayload) *Envelope {
	return build(callTopics(p), CallStarted, "call:"+p.CallID+":started", p.InitiatorID, p)
}

func NewCallAccepted(p CallPayload, userID string) *Envelope {
	return build(callTopics(p), CallAccepted, "call:"+p.CallID+":accepted", userID, p)
}

func NewCallEnded(p CallPayload, endedBy string) *Envelope {
	return build(callTopics(p), CallEnded, "call:"+p.CallID+":ended", endedBy, p)
}

// NewSignal addresses the full signal to the recipient's private topic only.
func NewSignal(p SignalPayload, seq uint64) *Envelope {
	key := signalKey(p, seq)
	return build([]string{topic.User(p.ToUserID)}, WebRTCSignal, key, p.FromUserID, p)
}

// NewSignalDiagnostic is the space-topic copy of a signal: same header,
// SignalData stripped, so peers can observe signaling progress without
// seeing SDP contents.
func NewSignalDiagnostic(p SignalPayload, spaceID string, seq uint64) *Envelope {
	p.SignalData = ""
	return build([]string{topic.Space(spaceID)}, WebRTCSignal,
		signalKey(p, seq)+":diag", p.FromUserID, p)
}

func signalKey(p SignalPayload, seq uint64) string {
	return "signal:" + p.CallID + ":" + p.FromUserID + ":" + p.SignalType + ":" + strconv.FormatUint(seq, 10)
}

func NewMagicTriggered(p MagicPayload) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, MagicTriggered,
		"magic:"+p.MagicID, p.UserID, p)
}

func NewSpaceUpdated(p SpacePayload, actorID string, version string) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, SpaceUpdated,
		"space:"+p.SpaceID+":updated:"+version, actorID, p)
}

func NewPollCreated(p PollPayload, actorID string) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, PollCreated, "poll:"+p.PollID+":created", actorID, p)
}

func NewPollUpdated(p PollPayload, actorID string, version string) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, PollUpdated, "poll:"+p.PollID+":updated:"+version, actorID, p)
}

func NewPollDeleted(p PollPayload, actorID string) *Envelope {
	return build([]string{topic.Space(p.SpaceID)}, PollDeleted, "poll:"+p.PollID+":deleted", actorID, p)
}

// NewComment fans out on the post topic and the global posts feed.
func NewCommentCreated(p CommentPayload) *Envelope {
	return build([]string{topic.Post(p.PostID), topic.GlobalPosts}, NewComment,
		"comment:"+p.CommentID, p.AuthorID, p)
}

// NewReactionCreated fans out on the post topic and the post owner's private
// topic; the shared dedup key makes the receiver treat both copies as one.
func NewReactionCreated(p ReactionPayload, postID, ownerID string) *Envelope {
	return build([]string{topic.Post(postID), topic.User(ownerID)}, NewReaction,
		"reaction:"+p.ReactionID, p.UserID, p)
}

func NewCommentReaction(p ReactionPayload, postID, commentAuthorID string) *Envelope {
	return build([]string{topic.Post(postID), topic.User(commentAuthorID)}, CommentReaction,
		"reaction:"+p.ReactionID, p.UserID, p)
}

func NewPostUpdated(p PostPayload, version string) *Envelope {
	return build([]string{topic.Post(p.PostID), topic.GlobalPosts}, PostUpdated,
		"post:"+p.PostID+":updated:"+version, p.AuthorID, p)
}

func NewPostDeleted(p PostPayload) *Envelope {
	return build([]string{topic.Post(p.PostID), topic.GlobalPosts}, PostDeleted,
		"post:"+p.PostID+":deleted", p.AuthorID, p)
}

func NewFollowerAdded(p FollowerPayload) *Envelope {
	return build([]string{topic.User(p.FollowedID)}, NewFollower,
		"follower:"+p.FollowedID+":"+p.FollowerID, p.FollowerID, p)
}
