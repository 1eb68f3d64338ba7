package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var secret = []byte("test-secret")

func newTestAuthorizer(t *testing.T) (*Authorizer, *MemoryMembershipStore) {
	members := NewMemoryMembershipStore()
	a := NewAuthorizer(secret, members, time.Minute, zaptest.NewLogger(t))
	return a, members
}

func TestAuthorizePublicTopic(t *testing.T) {
	a, _ := newTestAuthorizer(t)
	ident := Identity{UserID: "u1", Name: "Ada"}

	grant, err := a.Authorize(context.Background(), ident, "conn-1", "post.5")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.Nil(t, grant.Presence)
}

func TestAuthorizePrivateTopic(t *testing.T) {
	a, _ := newTestAuthorizer(t)

	t.Run("own topic granted", func(t *testing.T) {
		_, err := a.Authorize(context.Background(), Identity{UserID: "u1"}, "conn-1", "user.u1")
		assert.NoError(t, err)
	})

	t.Run("someone else's topic denied", func(t *testing.T) {
		_, err := a.Authorize(context.Background(), Identity{UserID: "u1"}, "conn-1", "user.u2")
		assert.ErrorIs(t, err, ErrDenied)
	})
}

func TestAuthorizePresenceTopic(t *testing.T) {
	a, members := newTestAuthorizer(t)
	members.SetRole("42", "u1", "host")
	ident := Identity{UserID: "u1", Name: "Ada", Avatar: "a.png"}

	grant, err := a.Authorize(context.Background(), ident, "conn-1", "space.42")
	require.NoError(t, err)
	require.NotNil(t, grant.Presence)
	assert.Equal(t, "u1", grant.Presence.ID)
	assert.Equal(t, "Ada", grant.Presence.Name)
	assert.Equal(t, "host", grant.Presence.Role)
}

func TestDenialIsUniform(t *testing.T) {
	a, members := newTestAuthorizer(t)
	members.SetRole("42", "u2", "member")

	// Not a member of an existing space vs. a space that does not exist:
	// identical failures, so denials leak no existence information.
	_, errExisting := a.Authorize(context.Background(), Identity{UserID: "u1"}, "c", "space.42")
	_, errMissing := a.Authorize(context.Background(), Identity{UserID: "u1"}, "c", "space.999")
	_, errBadName := a.Authorize(context.Background(), Identity{UserID: "u1"}, "c", "nonsense")

	assert.ErrorIs(t, errExisting, ErrDenied)
	assert.ErrorIs(t, errMissing, ErrDenied)
	assert.ErrorIs(t, errBadName, ErrDenied)
	assert.Equal(t, errExisting.Error(), errMissing.Error())
}

func TestVerifyGrantBinding(t *testing.T) {
	a, members := newTestAuthorizer(t)
	members.SetRole("42", "u1", "member")
	ident := Identity{UserID: "u1", Name: "Ada"}

	grant, err := a.Authorize(context.Background(), ident, "conn-1", "space.42")
	require.NoError(t, err)

	t.Run("matching binding verifies", func(t *testing.T) {
		verified, err := VerifyGrant(secret, grant.Token, "conn-1", "space.42")
		require.NoError(t, err)
		assert.Equal(t, "u1", verified.UserID)
		require.NotNil(t, verified.Presence)
		assert.Equal(t, "member", verified.Presence.Role)
	})

	t.Run("wrong connection rejected", func(t *testing.T) {
		_, err := VerifyGrant(secret, grant.Token, "conn-2", "space.42")
		assert.ErrorIs(t, err, ErrDenied)
	})

	t.Run("wrong topic rejected", func(t *testing.T) {
		_, err := VerifyGrant(secret, grant.Token, "conn-1", "space.43")
		assert.ErrorIs(t, err, ErrDenied)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		_, err := VerifyGrant([]byte("other"), grant.Token, "conn-1", "space.42")
		assert.ErrorIs(t, err, ErrDenied)
	})
}

func TestIdentityTokenRoundTrip(t *testing.T) {
	ident := Identity{UserID: "u1", Name: "Ada", Avatar: "a.png"}
	token, err := SignIdentity(secret, ident, time.Minute)
	require.NoError(t, err)

	back, err := ValidateToken(secret, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, ident, back)

	_, err = ValidateToken(secret, "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := SignIdentity(secret, ident, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
