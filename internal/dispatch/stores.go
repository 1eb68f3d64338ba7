package dispatch

import (
	"spacerelay/internal/event"
)

// Comment is the dispatcher's local view of a comment.
type Comment struct {
	ID       string
	PostID   string
	AuthorID string
	Author   string
	Body     string
}

// CommentStore is a local, idempotent projection of comment envelopes.
type CommentStore struct {
	byPost map[string][]Comment
	index  map[string]bool // comment id -> present
}

func NewCommentStore() *CommentStore {
	return &CommentStore{
		byPost: make(map[string][]Comment),
		index:  make(map[string]bool),
	}
}

// ApplyCreated appends the comment unless one with the same id already
// exists, in which case it is a no-op.
func (s *CommentStore) ApplyCreated(p event.CommentPayload) {
	if s.index[p.CommentID] {
		return
	}
	s.index[p.CommentID] = true
	s.byPost[p.PostID] = append(s.byPost[p.PostID], Comment{
		ID:       p.CommentID,
		PostID:   p.PostID,
		AuthorID: p.AuthorID,
		Author:   p.Author,
		Body:     p.Body,
	})
}

// ApplyDeleted removes by id; "already removed" is success, not error.
func (s *CommentStore) ApplyDeleted(commentID, postID string) {
	if !s.index[commentID] {
		return
	}
	delete(s.index, commentID)
	comments := s.byPost[postID]
	for i, c := range comments {
		if c.ID == commentID {
			s.byPost[postID] = append(comments[:i], comments[i+1:]...)
			break
		}
	}
}

// Comments returns the comments for a post in arrival order.
func (s *CommentStore) Comments(postID string) []Comment {
	return s.byPost[postID]
}

// DropPost discards every comment for a deleted post.
func (s *CommentStore) DropPost(postID string) {
	for _, c := range s.byPost[postID] {
		delete(s.index, c.ID)
	}
	delete(s.byPost, postID)
}

// Reaction is the dispatcher's local view of a reaction.
type Reaction struct {
	ID       string
	TargetID string
	UserID   string
	Emoji    string
}

// ReactionStore maintains reactions per target with per-emoji aggregate
// counts, enforcing one reaction per user per target: a new reaction from a
// user replaces their previous one and rebalances the counts.
type ReactionStore struct {
	byID   map[string]Reaction
	byUser map[string]map[string]string // targetID -> userID -> reactionID
	counts map[string]map[string]int    // targetID -> emoji -> count
}

func NewReactionStore() *ReactionStore {
	return &ReactionStore{
		byID:   make(map[string]Reaction),
		byUser: make(map[string]map[string]string),
		counts: make(map[string]map[string]int),
	}
}

// ApplyCreated records a reaction. Same-id duplicates are no-ops.
func (s *ReactionStore) ApplyCreated(p event.ReactionPayload) {
	if _, exists := s.byID[p.ReactionID]; exists {
		return
	}

	if s.byUser[p.TargetID] == nil {
		s.byUser[p.TargetID] = make(map[string]string)
	}
	if prevID, had := s.byUser[p.TargetID][p.UserID]; had {
		s.remove(prevID)
	}

	s.byID[p.ReactionID] = Reaction{
		ID:       p.ReactionID,
		TargetID: p.TargetID,
		UserID:   p.UserID,
		Emoji:    p.Emoji,
	}
	s.byUser[p.TargetID][p.UserID] = p.ReactionID
	if s.counts[p.TargetID] == nil {
		s.counts[p.TargetID] = make(map[string]int)
	}
	s.counts[p.TargetID][p.Emoji]++
}

// ApplyDeleted removes a reaction; absence is success.
func (s *ReactionStore) ApplyDeleted(reactionID string) {
	s.remove(reactionID)
}

func (s *ReactionStore) remove(reactionID string) {
	r, ok := s.byID[reactionID]
	if !ok {
		return
	}
	delete(s.byID, reactionID)
	if users := s.byUser[r.TargetID]; users != nil && users[r.UserID] == reactionID {
		delete(users, r.UserID)
	}
	if counts := s.counts[r.TargetID]; counts != nil {
		counts[r.Emoji]--
		if counts[r.Emoji] <= 0 {
			delete(counts, r.Emoji)
		}
	}
}

// Count returns the aggregate count for an emoji on a target.
func (s *ReactionStore) Count(targetID, emoji string) int {
	return s.counts[targetID][emoji]
}

// UserReaction returns the user's current reaction on a target, if any.
func (s *ReactionStore) UserReaction(targetID, userID string) (Reaction, bool) {
	id, ok := s.byUser[targetID][userID]
	if !ok {
		return Reaction{}, false
	}
	r, ok := s.byID[id]
	return r, ok
}

// RegisterDefaults wires the comment and reaction stores into a dispatcher.
func RegisterDefaults(d *Dispatcher, comments *CommentStore, reactions *ReactionStore) {
	d.On(event.NewComment, func(env *event.Envelope) error {
		p, err := event.Decode[event.CommentPayload](env)
		if err != nil {
			return err
		}
		comments.ApplyCreated(p)
		return nil
	})
	reactionHandler := func(env *event.Envelope) error {
		p, err := event.Decode[event.ReactionPayload](env)
		if err != nil {
			return err
		}
		reactions.ApplyCreated(p)
		return nil
	}
	d.On(event.NewReaction, reactionHandler)
	d.On(event.CommentReaction, reactionHandler)
	d.On(event.PostDeleted, func(env *event.Envelope) error {
		// Post deletion only tears down per-post projections here; the
		// post list itself is owned by the excluded view layer.
		p, err := event.Decode[event.PostPayload](env)
		if err != nil {
			return err
		}
		comments.DropPost(p.PostID)
		return nil
	})
}
