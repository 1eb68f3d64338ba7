package topic

import (
	"errors"
	"strings"
)

// Kind determines the authorization semantics of a topic. The kind is fixed
// by the topic's name prefix; a client cannot request different semantics
// for an existing name.
type Kind int

const (
	// Public topics require no authorization.
	Public Kind = iota
	// Private topics are bound to a single identity.
	Private
	// Presence topics are identity-bound and broadcast their own
	// subscriber roster to all subscribers.
	Presence
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Private:
		return "private"
	case Presence:
		return "presence"
	default:
		return "unknown"
	}
}

// GlobalPosts carries post lifecycle fan-out that is not scoped to a single post.
const GlobalPosts = "posts.global"

var ErrInvalidName = errors.New("invalid topic name")

// Topic is a parsed, validated topic name.
type Topic struct {
	Name     string
	Kind     Kind
	EntityID string
}

// Parse validates a topic name and derives its kind from the name prefix.
func Parse(name string) (Topic, error) {
	if name == GlobalPosts {
		return Topic{Name: name, Kind: Public}, nil
	}

	prefix, id, ok := strings.Cut(name, ".")
	if !ok || id == "" || strings.Contains(id, ".") {
		return Topic{}, ErrInvalidName
	}

	switch prefix {
	case "space":
		return Topic{Name: name, Kind: Presence, EntityID: id}, nil
	case "user":
		return Topic{Name: name, Kind: Private, EntityID: id}, nil
	case "post":
		return Topic{Name: name, Kind: Public, EntityID: id}, nil
	default:
		return Topic{}, ErrInvalidName
	}
}

// Space returns the presence topic name for a collaboration space.
func Space(spaceID string) string { return "space." + spaceID }

// User returns the private topic name for a user's personal notifications.
func User(userID string) string { return "user." + userID }

// Post returns the public topic name for a post's comment/reaction fan-out.
func Post(postID string) string { return "post." + postID }

// Channel maps a topic name to the redis channel it is published on.
func Channel(name string) string { return "topic:" + name }

// ChannelPattern matches every topic channel, for relay-side pattern subscriptions.
const ChannelPattern = "topic:*"

// FromChannel recovers the topic name from a redis channel name.
func FromChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, "topic:")
}
