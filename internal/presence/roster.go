package presence

import (
	"time"

	"go.uber.org/zap"

	"spacerelay/internal/event"
)

// Member is one participant record in the roster cache. Departed members
// are retained with LeftAt set rather than deleted, so transient
// disconnects stay distinguishable from explicit leaves.
type Member struct {
	UserID   string
	SpaceID  string
	Name     string
	Avatar   string
	Role     string
	JoinedAt time.Time
	LeftAt   *time.Time
}

// SpaceRoster is the authoritative-cache roster for one space. It is driven
// by the transport's serialized dispatch goroutine, so it needs no locking.
//
// Until the subscription's roster snapshot arrives, incremental join/leave
// events are buffered; the snapshot then fully replaces the local roster
// and the buffer is replayed in arrival order, so no update is lost to the
// subscribe race.
type SpaceRoster struct {
	spaceID   string
	members   map[string]*Member
	baselined bool
	buffer    []*event.Envelope
	now       func() time.Time
	log       *zap.Logger
}

func NewSpaceRoster(spaceID string, log *zap.Logger) *SpaceRoster {
	return &SpaceRoster{
		spaceID: spaceID,
		members: make(map[string]*Member),
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// Apply consumes one presence-topic envelope for this roster's space.
func (r *SpaceRoster) Apply(env *event.Envelope) error {
	if env.Event == event.RosterSnapshot {
		return r.applySnapshot(env)
	}

	if !r.baselined {
		r.buffer = append(r.buffer, env)
		return nil
	}
	return r.applyIncremental(env)
}

func (r *SpaceRoster) applySnapshot(env *event.Envelope) error {
	p, err := event.Decode[event.SnapshotPayload](env)
	if err != nil {
		return err
	}

	// The snapshot is the baseline: it fully replaces the roster.
	r.members = make(map[string]*Member, len(p.Members))
	for _, m := range p.Members {
		r.members[m.UserID] = memberFromPayload(m, r.now())
	}
	r.baselined = true

	// Replay events that arrived before the baseline, in order.
	buffered := r.buffer
	r.buffer = nil
	for _, e := range buffered {
		if err := r.applyIncremental(e); err != nil {
			r.log.Warn("dropping buffered presence event",
				zap.String("event", e.Event), zap.Error(err))
		}
	}
	return nil
}

func (r *SpaceRoster) applyIncremental(env *event.Envelope) error {
	p, err := event.Decode[event.MemberPayload](env)
	if err != nil {
		return err
	}

	switch env.Event {
	case event.ParticipantJoined:
		if m, ok := r.members[p.UserID]; ok {
			// Rejoin clears the departure and refreshes the join time.
			m.LeftAt = nil
			m.JoinedAt = parseJoinedAt(p.JoinedAt, r.now())
			if p.Role != "" {
				m.Role = p.Role
			}
			return nil
		}
		r.members[p.UserID] = memberFromPayload(p, r.now())

	case event.ParticipantLeft:
		m, ok := r.members[p.UserID]
		if !ok {
			// Leave for an unknown member: tolerated, nothing to record.
			return nil
		}
		if m.LeftAt == nil {
			leftAt := r.now()
			m.LeftAt = &leftAt
		}

	case event.ParticipantRole:
		if m, ok := r.members[p.UserID]; ok {
			m.Role = p.Role
		}
	}
	return nil
}

func memberFromPayload(p event.MemberPayload, fallback time.Time) *Member {
	return &Member{
		UserID:   p.UserID,
		SpaceID:  p.SpaceID,
		Name:     p.Name,
		Avatar:   p.Avatar,
		Role:     p.Role,
		JoinedAt: parseJoinedAt(p.JoinedAt, fallback),
	}
}

func parseJoinedAt(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallback
	}
	return t
}

// Active returns the members currently present.
func (r *SpaceRoster) Active() []Member {
	active := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.LeftAt == nil {
			active = append(active, *m)
		}
	}
	return active
}

// ActiveIDs returns the user ids currently present.
func (r *SpaceRoster) ActiveIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, m := range r.members {
		if m.LeftAt == nil {
			ids[m.UserID] = true
		}
	}
	return ids
}

// All returns every member ever seen, departed ones included.
func (r *SpaceRoster) All() []Member {
	all := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		all = append(all, *m)
	}
	return all
}

// Baselined reports whether the snapshot baseline has been established.
func (r *SpaceRoster) Baselined() bool { return r.baselined }
