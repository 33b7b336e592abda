package collab

import (
	"encoding/json"
	"time"
)

// PresenceState is the latest ephemeral signal from one session in one room.
type PresenceState struct {
	Typing    bool
	Cursor    json.RawMessage
	UpdatedAt time.Time
}

// Presence holds typing and cursor state per room and session. Like the
// registry it is owned by the hub loop.
type Presence struct {
	rooms map[string]map[*Session]*PresenceState
}

func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]map[*Session]*PresenceState)}
}

func (p *Presence) state(room string, s *Session) *PresenceState {
	sessions, ok := p.rooms[room]
	if !ok {
		sessions = make(map[*Session]*PresenceState)
		p.rooms[room] = sessions
	}
	st, ok := sessions[s]
	if !ok {
		st = &PresenceState{}
		sessions[s] = st
	}
	return st
}

func (p *Presence) SetTyping(room string, s *Session, typing bool, at time.Time) {
	st := p.state(room, s)
	st.Typing = typing
	st.UpdatedAt = at
}

func (p *Presence) SetCursor(room string, s *Session, cursor json.RawMessage, at time.Time) {
	st := p.state(room, s)
	st.Cursor = cursor
	st.UpdatedAt = at
}

func (p *Presence) Get(room string, s *Session) (PresenceState, bool) {
	st, ok := p.rooms[room][s]
	if !ok {
		return PresenceState{}, false
	}
	return *st, true
}

// Clear forgets s in one room, used on an explicit leave.
func (p *Presence) Clear(room string, s *Session) {
	sessions := p.rooms[room]
	if sessions == nil {
		return
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(p.rooms, room)
	}
}

// Drop forgets s everywhere. No stop-typing event is emitted; peers rely on
// the accompanying user-left-page.
func (p *Presence) Drop(s *Session) {
	for room, sessions := range p.rooms {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(p.rooms, room)
		}
	}
}
