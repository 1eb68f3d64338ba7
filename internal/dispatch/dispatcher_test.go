package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"spacerelay/internal/event"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *CommentStore, *ReactionStore) {
	d := New(zaptest.NewLogger(t))
	comments := NewCommentStore()
	reactions := NewReactionStore()
	RegisterDefaults(d, comments, reactions)
	return d, comments, reactions
}

func TestApplyIsIdempotent(t *testing.T) {
	d, comments, _ := newTestDispatcher(t)
	env := event.NewCommentCreated(event.CommentPayload{
		CommentID: "c1", PostID: "p1", AuthorID: "u1", Body: "hello",
	})

	d.Apply(env)
	d.Apply(env)
	d.Apply(env)

	assert.Len(t, comments.Comments("p1"), 1)
}

func TestDuplicateAcrossTopicsCollapses(t *testing.T) {
	// The same reaction delivered on post.5 and on the owner's private
	// topic arrives as two envelopes sharing a dedup key; the count must
	// increase exactly once.
	d, _, reactions := newTestDispatcher(t)
	p := event.ReactionPayload{ReactionID: "r100", TargetID: "p5", UserID: "u1", Emoji: "❤️"}

	first := event.NewReactionCreated(p, "p5", "owner")
	second := event.NewReactionCreated(p, "p5", "owner")
	require.NotEqual(t, first.ID, second.ID)

	d.Apply(first)
	d.Apply(second)

	assert.Equal(t, 1, reactions.Count("p5", "❤️"))
}

func TestSingleReactionPerUser(t *testing.T) {
	d, _, reactions := newTestDispatcher(t)

	d.Apply(event.NewReactionCreated(event.ReactionPayload{
		ReactionID: "r1", TargetID: "p5", UserID: "u1", Emoji: "❤️",
	}, "p5", "owner"))
	d.Apply(event.NewReactionCreated(event.ReactionPayload{
		ReactionID: "r2", TargetID: "p5", UserID: "u1", Emoji: "🔥",
	}, "p5", "owner"))

	// The second reaction replaces the first and the counts rebalance.
	assert.Equal(t, 0, reactions.Count("p5", "❤️"))
	assert.Equal(t, 1, reactions.Count("p5", "🔥"))

	r, ok := reactions.UserReaction("p5", "u1")
	require.True(t, ok)
	assert.Equal(t, "r2", r.ID)
}

func TestReactionsFromDifferentUsersCoexist(t *testing.T) {
	d, _, reactions := newTestDispatcher(t)

	d.Apply(event.NewReactionCreated(event.ReactionPayload{
		ReactionID: "r1", TargetID: "p5", UserID: "u1", Emoji: "❤️",
	}, "p5", "owner"))
	d.Apply(event.NewReactionCreated(event.ReactionPayload{
		ReactionID: "r2", TargetID: "p5", UserID: "u2", Emoji: "❤️",
	}, "p5", "owner"))

	assert.Equal(t, 2, reactions.Count("p5", "❤️"))
}

func TestDeleteTolerant(t *testing.T) {
	_, comments, reactions := newTestDispatcher(t)

	// Removing something already gone is success, not error.
	comments.ApplyDeleted("missing", "p1")
	reactions.ApplyDeleted("missing")

	comments.ApplyCreated(event.CommentPayload{CommentID: "c1", PostID: "p1"})
	comments.ApplyDeleted("c1", "p1")
	comments.ApplyDeleted("c1", "p1")
	assert.Empty(t, comments.Comments("p1"))
}

func TestPostDeletedDropsComments(t *testing.T) {
	d, comments, _ := newTestDispatcher(t)

	d.Apply(event.NewCommentCreated(event.CommentPayload{CommentID: "c1", PostID: "p1"}))
	d.Apply(event.NewCommentCreated(event.CommentPayload{CommentID: "c2", PostID: "p1"}))
	d.Apply(event.NewPostDeleted(event.PostPayload{PostID: "p1", AuthorID: "u9"}))

	assert.Empty(t, comments.Comments("p1"))
}

func TestMalformedAndUnknownEnvelopesAreDropped(t *testing.T) {
	d, comments, _ := newTestDispatcher(t)

	known := event.NewCommentCreated(event.CommentPayload{CommentID: "c1", PostID: "p1"})

	noKey := *known
	noKey.DedupKey = ""
	d.Apply(&noKey)

	unknown := *known
	unknown.Event = "something.else"
	unknown.DedupKey = "other-key"
	d.Apply(&unknown)

	// One bad envelope never blocks the ones behind it.
	d.Apply(known)
	assert.Len(t, comments.Comments("p1"), 1)
}
