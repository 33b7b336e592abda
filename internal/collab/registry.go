package collab

// Registry maps room keys to the sessions subscribed to them. It holds no
// locks: only the hub loop touches it.
type Registry struct {
	rooms     map[string]map[*Session]struct{}
	bySession map[*Session]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]map[*Session]struct{}),
		bySession: make(map[*Session]map[string]struct{}),
	}
}

// Join adds s to room and reports whether it was newly added.
func (r *Registry) Join(s *Session, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		r.rooms[room] = members
	}
	if _, already := members[s]; already {
		return false
	}
	members[s] = struct{}{}

	joined, ok := r.bySession[s]
	if !ok {
		joined = make(map[string]struct{})
		r.bySession[s] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes s from room and reports whether it was a member.
func (r *Registry) Leave(s *Session, room string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[s]; !member {
		return false
	}
	delete(members, s)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if joined := r.bySession[s]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.bySession, s)
		}
	}
	return true
}

func (r *Registry) IsMember(s *Session, room string) bool {
	_, ok := r.rooms[room][s]
	return ok
}

// MembersOf snapshots the room, leaving out exclude when it is non-nil.
func (r *Registry) MembersOf(room string, exclude *Session) []*Session {
	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for s := range members {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// DropSession removes s from every room and returns the rooms it was in.
func (r *Registry) DropSession(s *Session) []string {
	joined := r.bySession[s]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
		if members := r.rooms[room]; members != nil {
			delete(members, s)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.bySession, s)
	return rooms
}

func (r *Registry) RoomCount() int { return len(r.rooms) }
