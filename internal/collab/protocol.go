package collab

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Client to server events.
const (
	EventJoinPage       = "join-page"
	EventLeavePage      = "leave-page"
	EventJoinWorkspace  = "join-workspace"
	EventLeaveWorkspace = "leave-workspace"
	EventBlockUpdate    = "block-update"
	EventBlockCreate    = "block-create"
	EventBlockDelete    = "block-delete"
	EventBlockReorder   = "block-reorder"
	EventCommentAdd     = "comment-add"
	EventCommentUpdate  = "comment-update"
	EventCommentDelete  = "comment-delete"
	EventCommentResolve = "comment-resolve"
	EventCursorMove     = "cursor-move"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
)

// Server to client events.
const (
	EventUserJoinedPage        = "user-joined-page"
	EventUserLeftPage          = "user-left-page"
	EventBlockUpdated          = "block-updated"
	EventBlockCreated          = "block-created"
	EventBlockDeleted          = "block-deleted"
	EventBlocksReordered       = "blocks-reordered"
	EventCommentAdded          = "comment-added"
	EventCommentUpdated        = "comment-updated"
	EventCommentDeleted        = "comment-deleted"
	EventCommentResolved       = "comment-resolved"
	EventUserTyping            = "user-typing"
	EventCursorMoved           = "cursor-moved"
	EventNotification          = "notification"
	EventWorkspaceNotification = "workspace-notification"
	EventPageNotification      = "page-notification"
)

func PageRoom(pageID string) string           { return "page:" + pageID }
func WorkspaceRoom(workspaceID string) string { return "workspace:" + workspaceID }
func UserRoom(userID string) string           { return "user:" + userID }

// Identity is the public face of an authenticated user. It is resolved once
// at handshake and attached to every event the session originates.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Envelope is one frame on the wire in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var errMalformed = errors.New("malformed event")

// DecodeEnvelope parses a frame; an empty event name is malformed.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errMalformed
	}
	if strings.TrimSpace(env.Event) == "" {
		return Envelope{}, errMalformed
	}
	return env, nil
}

// EncodeFrame builds the wire form of a server event.
func EncodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, data})
}

// decodeID accepts either a bare JSON string or an object with the given key,
// so join-page works with "p1" as well as {"pageId":"p1"}.
func decodeID(data json.RawMessage, key string) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
		return "", errMalformed
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", errMalformed
	}
	if err := json.Unmarshal(obj[key], &id); err != nil || strings.TrimSpace(id) == "" {
		return "", errMalformed
	}
	return strings.TrimSpace(id), nil
}

func present(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

func isArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[")
}

// Inbound payloads.

type pageScoped struct {
	PageID string `json:"pageId"`
}

type blockUpdateIn struct {
	PageID  string          `json:"pageId"`
	BlockID string          `json:"blockId"`
	Content json.RawMessage `json:"content"`
	Type    string          `json:"type"`
	Cursor  json.RawMessage `json:"cursor"`
}

type blockCreateIn struct {
	PageID    string          `json:"pageId"`
	BlockData json.RawMessage `json:"blockData"`
}

type blockDeleteIn struct {
	PageID  string `json:"pageId"`
	BlockID string `json:"blockId"`
}

type blockReorderIn struct {
	PageID string          `json:"pageId"`
	Blocks json.RawMessage `json:"blocks"`
}

type commentAddIn struct {
	PageID      string          `json:"pageId"`
	CommentData json.RawMessage `json:"commentData"`
}

type commentUpdateIn struct {
	PageID    string `json:"pageId"`
	CommentID string `json:"commentId"`
	Content   string `json:"content"`
}

type commentDeleteIn struct {
	PageID    string `json:"pageId"`
	CommentID string `json:"commentId"`
}

type commentResolveIn struct {
	PageID    string `json:"pageId"`
	CommentID string `json:"commentId"`
	Resolved  bool   `json:"resolved"`
}

type cursorMoveIn struct {
	PageID string          `json:"pageId"`
	Cursor json.RawMessage `json:"cursor"`
}

// Outbound payloads. Exported so clients in this module decode the same shapes.

type PresencePayload struct {
	User      Identity  `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type BlockUpdatedPayload struct {
	BlockID   string          `json:"blockId"`
	Content   json.RawMessage `json:"content,omitempty"`
	Type      string          `json:"type,omitempty"`
	User      Identity        `json:"user"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type BlockCreatedPayload struct {
	BlockData json.RawMessage `json:"blockData"`
	User      Identity        `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
}

type BlockDeletedPayload struct {
	BlockID   string    `json:"blockId"`
	User      Identity  `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type BlocksReorderedPayload struct {
	Blocks    json.RawMessage `json:"blocks"`
	User      Identity        `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
}

type CommentAddedPayload struct {
	CommentData json.RawMessage `json:"commentData"`
	User        Identity        `json:"user"`
	Timestamp   time.Time       `json:"timestamp"`
}

type CommentUpdatedPayload struct {
	CommentID string    `json:"commentId"`
	Content   string    `json:"content"`
	User      Identity  `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type CommentDeletedPayload struct {
	CommentID string    `json:"commentId"`
	User      Identity  `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type CommentResolvedPayload struct {
	CommentID string    `json:"commentId"`
	Resolved  bool      `json:"resolved"`
	User      Identity  `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingPayload struct {
	User      Identity  `json:"user"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

type CursorPayload struct {
	User      Identity        `json:"user"`
	Cursor    json.RawMessage `json:"cursor"`
	Timestamp time.Time       `json:"timestamp"`
}
