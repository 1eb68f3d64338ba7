package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"spacerelay/internal/topic"
)

// ErrDenied is the uniform authorization failure. It deliberately does not
// distinguish "entity does not exist" from "not authorized": a denial must
// not leak whether the space exists.
var ErrDenied = errors.New("subscription denied")

// PresenceInfo is the public payload attached to a presence grant. It
// becomes visible to every other subscriber of the topic, so it carries
// nothing beyond what peers may see.
type PresenceInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Grant is the authorizer's positive answer: a signed token binding
// (identity, connection, topic), plus the presence payload for presence
// topics.
type Grant struct {
	Token    string        `json:"grant"`
	Topic    string        `json:"topic"`
	Presence *PresenceInfo `json:"presence,omitempty"`
}

type grantClaims struct {
	jwt.RegisteredClaims
	ConnectionID string        `json:"conn"`
	Topic        string        `json:"topic"`
	Presence     *PresenceInfo `json:"presence,omitempty"`
}

// Authorizer decides, per connection and per requested topic, whether an
// identity may subscribe.
type Authorizer struct {
	secret   []byte
	members  MembershipStore
	grantTTL time.Duration
	log      *zap.Logger
}

func NewAuthorizer(secret []byte, members MembershipStore, grantTTL time.Duration, log *zap.Logger) *Authorizer {
	return &Authorizer{secret: secret, members: members, grantTTL: grantTTL, log: log}
}

// Authorize returns a signed grant or ErrDenied. Private topics require an
// exact user-id match; presence topics re-derive the caller's role from the
// live participant record.
func (a *Authorizer) Authorize(ctx context.Context, ident Identity, connID, topicName string) (Grant, error) {
	t, err := topic.Parse(topicName)
	if err != nil {
		a.log.Warn("authorize: bad topic name", zap.String("topic", topicName), zap.String("user", ident.UserID))
		return Grant{}, ErrDenied
	}

	var presence *PresenceInfo
	switch t.Kind {
	case topic.Public:
		// No identity binding needed beyond the connection itself.
	case topic.Private:
		if t.EntityID != ident.UserID {
			a.log.Warn("authorize: private topic mismatch",
				zap.String("topic", topicName), zap.String("user", ident.UserID))
			return Grant{}, ErrDenied
		}
	case topic.Presence:
		role, err := a.members.Role(ctx, t.EntityID, ident.UserID)
		if err != nil {
			if !errors.Is(err, ErrNotMember) {
				a.log.Error("authorize: membership lookup failed",
					zap.String("topic", topicName), zap.String("user", ident.UserID), zap.Error(err))
			}
			return Grant{}, ErrDenied
		}
		presence = &PresenceInfo{
			ID:     ident.UserID,
			Name:   ident.Name,
			Avatar: ident.Avatar,
			Role:   role,
		}
	}

	now := time.Now()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.grantTTL)),
		},
		ConnectionID: connID,
		Topic:        topicName,
		Presence:     presence,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		a.log.Error("authorize: grant signing failed", zap.Error(err))
		return Grant{}, ErrDenied
	}

	return Grant{Token: token, Topic: topicName, Presence: presence}, nil
}

// VerifiedGrant is the hub-side view of a grant that passed verification.
type VerifiedGrant struct {
	UserID   string
	Topic    string
	Presence *PresenceInfo
}

// VerifyGrant checks a grant token's signature, expiry, and its binding to
// the connection and topic it is being used for.
func VerifyGrant(secret []byte, tokenString, connID, topicName string) (VerifiedGrant, error) {
	token, err := jwt.ParseWithClaims(tokenString, &grantClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return VerifiedGrant{}, ErrDenied
	}

	claims, ok := token.Claims.(*grantClaims)
	if !ok || !token.Valid {
		return VerifiedGrant{}, ErrDenied
	}
	if claims.ConnectionID != connID || claims.Topic != topicName {
		return VerifiedGrant{}, ErrDenied
	}

	return VerifiedGrant{
		UserID:   claims.Subject,
		Topic:    claims.Topic,
		Presence: claims.Presence,
	}, nil
}
