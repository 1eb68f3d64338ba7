package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/go-redis/redis/v8"
)

// ErrNotMember is returned by a MembershipStore when the user has no live
// participant record for the space.
var ErrNotMember = errors.New("not a member")

// MembershipStore answers the only question the authorizer asks: what role,
// if any, does this user currently hold in this space. Authorization is
// re-derived from this record on every request; client-supplied roles are
// never trusted.
type MembershipStore interface {
	Role(ctx context.Context, spaceID, userID string) (string, error)
}

// RedisMembershipStore reads participant roles from the hash the space
// service maintains at members:{spaceID}.
type RedisMembershipStore struct {
	rdb *redis.Client
}

func NewRedisMembershipStore(rdb *redis.Client) *RedisMembershipStore {
	return &RedisMembershipStore{rdb: rdb}
}

func membersKey(spaceID string) string { return "members:" + spaceID }

func (s *RedisMembershipStore) Role(ctx context.Context, spaceID, userID string) (string, error) {
	role, err := s.rdb.HGet(ctx, membersKey(spaceID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotMember
	}
	if err != nil {
		return "", err
	}
	return role, nil
}

// SetRole records a participant role. Exposed for the control-plane join
// path and for tests.
func (s *RedisMembershipStore) SetRole(ctx context.Context, spaceID, userID, role string) error {
	return s.rdb.HSet(ctx, membersKey(spaceID), userID, role).Err()
}

// RemoveMember drops a participant record on explicit leave.
func (s *RedisMembershipStore) RemoveMember(ctx context.Context, spaceID, userID string) error {
	return s.rdb.HDel(ctx, membersKey(spaceID), userID).Err()
}

// MemoryMembershipStore is the in-process implementation used in tests.
type MemoryMembershipStore struct {
	mu    sync.RWMutex
	roles map[string]map[string]string // spaceID -> userID -> role
}

func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{roles: make(map[string]map[string]string)}
}

func (s *MemoryMembershipStore) Role(_ context.Context, spaceID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[spaceID][userID]
	if !ok {
		return "", ErrNotMember
	}
	return role, nil
}

func (s *MemoryMembershipStore) SetRole(spaceID, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[spaceID] == nil {
		s.roles[spaceID] = make(map[string]string)
	}
	s.roles[spaceID][userID] = role
}
