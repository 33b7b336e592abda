// Package collab relays live edits between sessions viewing the same page.
//
// Writes are persisted over REST before a client emits the matching event, so
// the hub is a fan-out notifier: it validates membership, stamps the sender's
// identity, and delivers to every other member of the room at most once.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrHubStopped is returned by calls made after Run has returned.
var ErrHubStopped = errors.New("collab hub stopped")

// Gate decides whether a user may subscribe to a room. It runs on the
// caller's goroutine, never on the hub loop.
type Gate interface {
	CanJoinPage(ctx context.Context, userID, pageID string) (bool, error)
	CanJoinWorkspace(ctx context.Context, userID, workspaceID string) (bool, error)
}

// Publisher mirrors local broadcasts to other nodes. Publish must not block.
type Publisher interface {
	Publish(msg RemoteMessage)
}

// RemoteMessage is a broadcast crossing node boundaries.
type RemoteMessage struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

type Stats struct {
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
}

// Participant is one user currently joined to a page.
type Participant struct {
	User   Identity        `json:"user"`
	Typing bool            `json:"typing"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// job is one unit of loop work. Client events and server emits share a
// queue so they are processed in the order they were submitted.
type job struct {
	session *Session
	env     Envelope
	room    string
	frame   []byte
}

type participantsQuery struct {
	room  string
	reply chan []Participant
}

type Hub struct {
	registry *Registry
	presence *Presence
	sessions map[*Session]struct{}
	evicted  []*Session

	register   chan *Session
	unregister chan *Session
	queue      chan job
	remote     chan RemoteMessage
	stats      chan chan Stats
	roster     chan participantsQuery
	done       chan struct{}

	node      string
	publisher Publisher
	gate      Gate
	logger    *zap.Logger
	now       func() time.Time
}

type HubOption func(*Hub)

func WithNode(node string) HubOption { return func(h *Hub) { h.node = node } }

func WithPublisher(p Publisher) HubOption { return func(h *Hub) { h.publisher = p } }

func WithGate(g Gate) HubOption { return func(h *Hub) { h.gate = g } }

func WithClock(now func() time.Time) HubOption { return func(h *Hub) { h.now = now } }

func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		registry:   NewRegistry(),
		presence:   NewPresence(),
		sessions:   make(map[*Session]struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		queue:      make(chan job, 512),
		remote:     make(chan RemoteMessage, 256),
		stats:      make(chan chan Stats),
		roster:     make(chan participantsQuery),
		done:       make(chan struct{}),
		logger:     logger.Named("collab"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Node() string { return h.node }

// Run is the single dispatch loop. Every registry and presence mutation
// happens here, one handler at a time.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for s := range h.sessions {
			s.closed = true
			close(s.send)
		}
		h.sessions = nil
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.drop(s, "disconnect")
		case j := <-h.queue:
			if j.session != nil {
				h.handleEvent(j.session, j.env)
			} else {
				h.fanOut(j.room, nil, j.frame, true)
			}
		case msg := <-h.remote:
			h.fanOutRemote(msg)
		case reply := <-h.stats:
			reply <- Stats{Sessions: len(h.sessions), Rooms: h.registry.RoomCount()}
		case q := <-h.roster:
			q.reply <- h.participants(q.room)
		}
		h.flushEvictions()
	}
}

// Register admits a session and subscribes it to its own user room.
func (h *Hub) Register(s *Session) error {
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister drops a session as if its transport disconnected.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Dispatch parses one inbound frame and queues it for the loop. Malformed
// frames and refused joins are logged and dropped without a reply.
func (h *Hub) Dispatch(ctx context.Context, s *Session, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		h.logger.Warn("dropping malformed frame", zap.String("session", s.handle), zap.Int("bytes", len(raw)))
		return
	}
	if !h.admit(ctx, s, env) {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.queue <- job{session: s, env: env}:
	case <-h.done:
	case <-ctx.Done():
	}
}

func (h *Hub) admit(ctx context.Context, s *Session, env Envelope) bool {
	if h.gate == nil {
		return true
	}
	var (
		ok  bool
		err error
		id  string
	)
	switch env.Event {
	case EventJoinPage:
		if id, err = decodeID(env.Data, "pageId"); err != nil {
			return true // the loop logs it as malformed
		}
		ok, err = h.gate.CanJoinPage(ctx, s.identity.ID, id)
	case EventJoinWorkspace:
		if id, err = decodeID(env.Data, "workspaceId"); err != nil {
			return true
		}
		ok, err = h.gate.CanJoinWorkspace(ctx, s.identity.ID, id)
	default:
		return true
	}
	if err != nil {
		h.logger.Error("join check failed", zap.String("event", env.Event), zap.String("target", id), zap.Error(err))
		return false
	}
	if !ok {
		h.logger.Warn("join refused", zap.String("event", env.Event), zap.String("target", id), zap.String("user", s.identity.ID))
	}
	return ok
}

// EmitToRoom sends a server-originated event to every member of room.
func (h *Hub) EmitToRoom(room, event string, data any) error {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.queue <- job{room: room, frame: frame}:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) EmitToUser(userID, event string, data any) error {
	return h.EmitToRoom(UserRoom(userID), event, data)
}

// DeliverRemote hands a broadcast from another node to local members.
func (h *Hub) DeliverRemote(msg RemoteMessage) {
	if msg.Node == h.node {
		return
	}
	select {
	case h.remote <- msg:
	case <-h.done:
	}
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
	case <-h.done:
		return Stats{}, ErrHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Participants lists the users joined to a page on this node, one entry per user.
func (h *Hub) Participants(ctx context.Context, pageID string) ([]Participant, error) {
	q := participantsQuery{room: PageRoom(pageID), reply: make(chan []Participant, 1)}
	select {
	case h.roster <- q:
	case <-h.done:
		return nil, ErrHubStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case list := <-q.reply:
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) participants(room string) []Participant {
	byUser := make(map[string]int)
	var out []Participant
	for _, s := range h.registry.MembersOf(room, nil) {
		st, _ := h.presence.Get(room, s)
		if i, seen := byUser[s.identity.ID]; seen {
			out[i].Typing = out[i].Typing || st.Typing
			if st.Cursor != nil {
				out[i].Cursor = st.Cursor
			}
			continue
		}
		byUser[s.identity.ID] = len(out)
		out = append(out, Participant{User: s.identity, Typing: st.Typing, Cursor: st.Cursor})
	}
	return out
}

func (h *Hub) handleRegister(s *Session) {
	if s.closed {
		return
	}
	h.sessions[s] = struct{}{}
	h.registry.Join(s, UserRoom(s.identity.ID))
	h.logger.Debug("session registered", zap.String("session", s.handle), zap.String("user", s.identity.ID))
}

// drop tears a session down: registry, presence, then user-left-page to the
// page it was last on. It is idempotent.
func (h *Hub) drop(s *Session, reason string) {
	if s.closed {
		return
	}
	if _, ok := h.sessions[s]; !ok {
		s.closed = true
		close(s.send)
		return
	}
	lastPage := s.page
	h.registry.DropSession(s)
	h.presence.Drop(s)
	delete(h.sessions, s)
	s.closed = true
	s.page, s.workspace = "", ""
	close(s.send)

	h.logger.Debug("session dropped", zap.String("session", s.handle), zap.String("reason", reason))
	if lastPage != "" {
		h.emitFrom(lastPage, s, EventUserLeftPage, PresencePayload{User: s.identity, Timestamp: h.stamp()})
	}
}

func (h *Hub) flushEvictions() {
	for len(h.evicted) > 0 {
		s := h.evicted[0]
		h.evicted = h.evicted[1:]
		h.logger.Warn("evicting slow session", zap.String("session", s.handle), zap.String("user", s.identity.ID))
		h.drop(s, "slow consumer")
	}
}

func (h *Hub) stamp() time.Time {
	return h.now().UTC()
}

// emitFrom encodes and fans out an event that originated from sender.
func (h *Hub) emitFrom(room string, sender *Session, event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.fanOut(room, sender, frame, true)
}

func (h *Hub) fanOut(room string, exclude *Session, frame []byte, mirror bool) {
	for _, member := range h.registry.MembersOf(room, exclude) {
		h.deliver(member, frame)
	}
	if mirror && h.publisher != nil {
		msg := RemoteMessage{Node: h.node, Room: room, Event: frame}
		if exclude != nil {
			msg.Exclude = exclude.handle
		}
		h.publisher.Publish(msg)
	}
}

func (h *Hub) fanOutRemote(msg RemoteMessage) {
	for _, member := range h.registry.MembersOf(msg.Room, nil) {
		if member.handle == msg.Exclude {
			continue
		}
		h.deliver(member, msg.Event)
	}
}

func (h *Hub) deliver(s *Session, frame []byte) {
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		h.evicted = append(h.evicted, s)
	}
}
