package collab

import (
	"encoding/json"

	"go.uber.org/zap"
)

func (h *Hub) handleEvent(s *Session, env Envelope) {
	if s.closed {
		return
	}
	if _, ok := h.sessions[s]; !ok {
		h.logger.Warn("event from unregistered session", zap.String("session", s.handle), zap.String("event", env.Event))
		return
	}

	var err error
	switch env.Event {
	case EventJoinPage:
		err = h.joinPage(s, env.Data)
	case EventLeavePage:
		err = h.leavePage(s, env.Data)
	case EventJoinWorkspace:
		err = h.joinWorkspace(s, env.Data)
	case EventLeaveWorkspace:
		err = h.leaveWorkspace(s, env.Data)
	case EventBlockUpdate:
		err = h.blockUpdate(s, env.Data)
	case EventBlockCreate:
		err = h.blockCreate(s, env.Data)
	case EventBlockDelete:
		err = h.blockDelete(s, env.Data)
	case EventBlockReorder:
		err = h.blockReorder(s, env.Data)
	case EventCommentAdd:
		err = h.commentAdd(s, env.Data)
	case EventCommentUpdate:
		err = h.commentUpdate(s, env.Data)
	case EventCommentDelete:
		err = h.commentDelete(s, env.Data)
	case EventCommentResolve:
		err = h.commentResolve(s, env.Data)
	case EventCursorMove:
		err = h.cursorMove(s, env.Data)
	case EventTypingStart:
		err = h.typing(s, env.Data, true)
	case EventTypingStop:
		err = h.typing(s, env.Data, false)
	default:
		h.logger.Warn("dropping unknown event", zap.String("session", s.handle), zap.String("event", env.Event))
		return
	}

	if err != nil {
		h.logger.Warn("dropping event",
			zap.String("session", s.handle),
			zap.String("user", s.identity.ID),
			zap.String("event", env.Event),
			zap.Error(err),
		)
	}
}

type notMemberError struct{ room string }

func (e notMemberError) Error() string { return "sender is not a member of " + e.room }

// pageRoomOf decodes the payload and checks the sender has joined its page.
func (h *Hub) pageRoomOf(s *Session, data json.RawMessage, dst any, pageID func() string) (string, error) {
	if err := json.Unmarshal(data, dst); err != nil {
		return "", errMalformed
	}
	id := pageID()
	if id == "" {
		return "", errMalformed
	}
	room := PageRoom(id)
	if !h.registry.IsMember(s, room) {
		return "", notMemberError{room: room}
	}
	return room, nil
}

func (h *Hub) joinPage(s *Session, data json.RawMessage) error {
	pageID, err := decodeID(data, "pageId")
	if err != nil {
		return err
	}
	room := PageRoom(pageID)
	if s.page == room {
		return nil
	}
	if s.page != "" {
		h.leavePageRoom(s)
	}
	h.registry.Join(s, room)
	s.page = room
	h.emitFrom(room, s, EventUserJoinedPage, PresencePayload{User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) leavePage(s *Session, data json.RawMessage) error {
	pageID, err := decodeID(data, "pageId")
	if err != nil {
		return err
	}
	if s.page != PageRoom(pageID) {
		return nil
	}
	h.leavePageRoom(s)
	return nil
}

func (h *Hub) leavePageRoom(s *Session) {
	room := s.page
	h.registry.Leave(s, room)
	h.presence.Clear(room, s)
	s.page = ""
	h.emitFrom(room, s, EventUserLeftPage, PresencePayload{User: s.identity, Timestamp: h.stamp()})
}

func (h *Hub) joinWorkspace(s *Session, data json.RawMessage) error {
	workspaceID, err := decodeID(data, "workspaceId")
	if err != nil {
		return err
	}
	room := WorkspaceRoom(workspaceID)
	if s.workspace != "" && s.workspace != room {
		h.registry.Leave(s, s.workspace)
	}
	h.registry.Join(s, room)
	s.workspace = room
	return nil
}

func (h *Hub) leaveWorkspace(s *Session, data json.RawMessage) error {
	workspaceID, err := decodeID(data, "workspaceId")
	if err != nil {
		return err
	}
	if room := WorkspaceRoom(workspaceID); s.workspace == room {
		h.registry.Leave(s, room)
		s.workspace = ""
	}
	return nil
}

func (h *Hub) blockUpdate(s *Session, data json.RawMessage) error {
	var in blockUpdateIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if in.BlockID == "" {
		return errMalformed
	}
	h.emitFrom(room, s, EventBlockUpdated, BlockUpdatedPayload{
		BlockID:   in.BlockID,
		Content:   in.Content,
		Type:      in.Type,
		User:      s.identity,
		Cursor:    in.Cursor,
		Timestamp: h.stamp(),
	})
	return nil
}

func (h *Hub) blockCreate(s *Session, data json.RawMessage) error {
	var in blockCreateIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if !present(in.BlockData) {
		return errMalformed
	}
	h.emitFrom(room, s, EventBlockCreated, BlockCreatedPayload{BlockData: in.BlockData, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) blockDelete(s *Session, data json.RawMessage) error {
	var in blockDeleteIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if in.BlockID == "" {
		return errMalformed
	}
	h.emitFrom(room, s, EventBlockDeleted, BlockDeletedPayload{BlockID: in.BlockID, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) blockReorder(s *Session, data json.RawMessage) error {
	var in blockReorderIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if !isArray(in.Blocks) {
		return errMalformed
	}
	h.emitFrom(room, s, EventBlocksReordered, BlocksReorderedPayload{Blocks: in.Blocks, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) commentAdd(s *Session, data json.RawMessage) error {
	var in commentAddIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if !present(in.CommentData) {
		return errMalformed
	}
	h.emitFrom(room, s, EventCommentAdded, CommentAddedPayload{CommentData: in.CommentData, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) commentUpdate(s *Session, data json.RawMessage) error {
	var in commentUpdateIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if in.CommentID == "" {
		return errMalformed
	}
	h.emitFrom(room, s, EventCommentUpdated, CommentUpdatedPayload{CommentID: in.CommentID, Content: in.Content, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) commentDelete(s *Session, data json.RawMessage) error {
	var in commentDeleteIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if in.CommentID == "" {
		return errMalformed
	}
	h.emitFrom(room, s, EventCommentDeleted, CommentDeletedPayload{CommentID: in.CommentID, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) commentResolve(s *Session, data json.RawMessage) error {
	var in commentResolveIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	if in.CommentID == "" {
		return errMalformed
	}
	h.emitFrom(room, s, EventCommentResolved, CommentResolvedPayload{CommentID: in.CommentID, Resolved: in.Resolved, User: s.identity, Timestamp: h.stamp()})
	return nil
}

func (h *Hub) cursorMove(s *Session, data json.RawMessage) error {
	var in cursorMoveIn
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	now := h.stamp()
	h.presence.SetCursor(room, s, in.Cursor, now)
	h.emitFrom(room, s, EventCursorMoved, CursorPayload{User: s.identity, Cursor: in.Cursor, Timestamp: now})
	return nil
}

func (h *Hub) typing(s *Session, data json.RawMessage, isTyping bool) error {
	var in pageScoped
	room, err := h.pageRoomOf(s, data, &in, func() string { return in.PageID })
	if err != nil {
		return err
	}
	now := h.stamp()
	h.presence.SetTyping(room, s, isTyping, now)
	h.emitFrom(room, s, EventUserTyping, TypingPayload{User: s.identity, IsTyping: isTyping, Timestamp: now})
	return nil
}
