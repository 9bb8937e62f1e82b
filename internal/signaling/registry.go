package signaling

import (
	"errors"

	"github.com/google/uuid"

	"telemed-backend/internal/domain"
)

// ErrBackpressure is returned by a transport whose outbound queue is full
var ErrBackpressure = errors.New("signaling: outbound queue full")

// Transport is the connection a session writes to. Send must not block.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Session is one live connection of an identity. An identity may hold
// several sessions at once; each stays addressable until it disconnects.
type Session struct {
	ID        uuid.UUID
	Identity  domain.Identity
	transport Transport

	// owned by the hub loop
	callID uuid.UUID
}

// CallID returns the room the session last joined, or uuid.Nil
func (s *Session) CallID() uuid.UUID {
	return s.callID
}

type room struct {
	callID      uuid.UUID
	initiatorID uuid.UUID
	members     map[uuid.UUID]*Session // identity -> session
}

func (r *room) others(s *Session) []*Session {
	out := make([]*Session, 0, len(r.members))
	for id, member := range r.members {
		if id != s.Identity.ID {
			out = append(out, member)
		}
	}
	return out
}

func (r *room) isMember(s *Session) bool {
	return r.members[s.Identity.ID] == s
}

// registry is the presence state. It is only touched from the hub loop.
type registry struct {
	sessions map[uuid.UUID]map[*Session]struct{}
	groups   map[domain.Role]map[*Session]struct{}
	rooms    map[uuid.UUID]*room
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[uuid.UUID]map[*Session]struct{}),
		groups:   make(map[domain.Role]map[*Session]struct{}),
		rooms:    make(map[uuid.UUID]*room),
	}
}

func (r *registry) register(s *Session) {
	set, ok := r.sessions[s.Identity.ID]
	if !ok {
		set = make(map[*Session]struct{})
		r.sessions[s.Identity.ID] = set
	}
	set[s] = struct{}{}

	if s.Identity.Role == domain.RoleDoctor {
		r.joinGroup(s.Identity.Role, s)
	}
}

// unregister drops s and reports whether its identity has no sessions left
func (r *registry) unregister(s *Session) bool {
	for _, group := range r.groups {
		delete(group, s)
	}
	set, ok := r.sessions[s.Identity.ID]
	if !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sessions, s.Identity.ID)
		return true
	}
	return false
}

func (r *registry) joinGroup(role domain.Role, s *Session) {
	group, ok := r.groups[role]
	if !ok {
		group = make(map[*Session]struct{})
		r.groups[role] = group
	}
	group[s] = struct{}{}
}

func (r *registry) group(role domain.Role) []*Session {
	out := make([]*Session, 0, len(r.groups[role]))
	for s := range r.groups[role] {
		out = append(out, s)
	}
	return out
}

func (r *registry) all() []*Session {
	var out []*Session
	for _, set := range r.sessions {
		for s := range set {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) sessionCount() int {
	n := 0
	for _, set := range r.sessions {
		n += len(set)
	}
	return n
}

// joinRoom makes s the member for its identity, replacing a stale session of
// the same identity. It returns the replaced session, if any.
func (r *registry) joinRoom(call *domain.Call, s *Session) *Session {
	rm, ok := r.rooms[call.CallID]
	if !ok {
		rm = &room{
			callID:      call.CallID,
			initiatorID: call.OperatorID,
			members:     make(map[uuid.UUID]*Session, 2),
		}
		r.rooms[call.CallID] = rm
	}

	stale := rm.members[s.Identity.ID]
	if stale == s {
		stale = nil
	} else if stale != nil {
		stale.callID = uuid.Nil
	}
	rm.members[s.Identity.ID] = s
	s.callID = call.CallID
	return stale
}

// leaveRoom removes s from its room and returns the room when s was a member
func (r *registry) leaveRoom(s *Session) *room {
	callID := s.callID
	s.callID = uuid.Nil

	rm, ok := r.rooms[callID]
	if !ok || !rm.isMember(s) {
		return nil
	}
	delete(rm.members, s.Identity.ID)
	if len(rm.members) == 0 {
		delete(r.rooms, callID)
	}
	return rm
}

// destroyRoom removes the room and detaches its members
func (r *registry) destroyRoom(callID uuid.UUID) []*Session {
	rm, ok := r.rooms[callID]
	if !ok {
		return nil
	}
	delete(r.rooms, callID)

	members := make([]*Session, 0, len(rm.members))
	for _, s := range rm.members {
		if s.callID == callID {
			s.callID = uuid.Nil
		}
		members = append(members, s)
	}
	return members
}

func (r *registry) onlineCounts() map[domain.Role]int {
	counts := make(map[domain.Role]int)
	for _, set := range r.sessions {
		for s := range set {
			counts[s.Identity.Role]++
			break
		}
	}
	return counts
}
