package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	FullName     string
	Avatar       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	ID        string
	Name      string
	OwnerID   string
	Role      string // caller's membership role, filled by ListWorkspacesForUser
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WorkspaceMember struct {
	WorkspaceID string
	User        User
	Role        string
	JoinedAt    time.Time
}

type Page struct {
	ID           string
	WorkspaceID  string
	OwnerID      string
	Title        string
	PublicAccess string
	Tags         []string // filled by callers that need it, see PageTags
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type PageInvite struct {
	PageID    string
	User      User
	Role      string
	InvitedAt time.Time
}

// PageAccess is everything needed to resolve one user's role on one page.
type PageAccess struct {
	Page        Page
	InvitedRole string
}

// BlockTypes lists the accepted block types in display order.
var BlockTypes = []string{
	"text", "heading1", "heading2", "heading3", "image", "list", "code",
	"quote", "divider", "table", "embed", "file", "checkbox",
}

func ValidBlockType(blockType string) bool {
	for _, candidate := range BlockTypes {
		if candidate == blockType {
			return true
		}
	}
	return false
}

type Block struct {
	ID             string
	PageID         string
	ParentID       *string
	Type           string
	Content        json.RawMessage
	Metadata       json.RawMessage
	Order          int
	CreatedBy      string // empty once the author's account is deleted
	LastModifiedBy string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BlockPatch carries the optional fields of a block update. Nil means unchanged.
type BlockPatch struct {
	Type     *string
	Content  json.RawMessage
	Metadata json.RawMessage
	Order    *int
}

// BlockPosition is one entry of a reorder batch.
type BlockPosition struct {
	ID       string
	Order    int
	ParentID *string
}

type Comment struct {
	ID         string
	PageID     string
	BlockID    *string
	ParentID   *string
	Author     User
	Content    string
	Mentions   []User
	Resolved   bool
	ResolvedBy *string
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	SenderID    string
	Type        string
	Title       string
	Message     string
	Data        json.RawMessage
	IsRead      bool
	ReadAt      *time.Time
	IsEmailSent bool
	CreatedAt   time.Time
}

// Removed lists the rows a cascading delete took with it, so derived state
// such as the search index can be cleaned up.
type Removed struct {
	PageIDs    []string
	BlockIDs   []string
	CommentIDs []string
}

// NotificationPrefs toggles one delivery channel per notification kind.
type NotificationPrefs struct {
	PageInvites      bool `json:"pageInvites"`
	CommentMentions  bool `json:"commentMentions"`
	CommentReplies   bool `json:"commentReplies"`
	WorkspaceInvites bool `json:"workspaceInvites"`
}

// Allows reports whether the channel is open for a notification type. Unknown
// types are always delivered.
func (p NotificationPrefs) Allows(kind string) bool {
	switch kind {
	case "page_invite":
		return p.PageInvites
	case "comment_mention":
		return p.CommentMentions
	case "comment_reply":
		return p.CommentReplies
	case "workspace_invite":
		return p.WorkspaceInvites
	}
	return true
}

type NotificationSettings struct {
	Email NotificationPrefs `json:"email"`
	Push  NotificationPrefs `json:"push"`
}

// DefaultNotificationSettings opts every kind into both channels.
func DefaultNotificationSettings() NotificationSettings {
	all := NotificationPrefs{PageInvites: true, CommentMentions: true, CommentReplies: true, WorkspaceInvites: true}
	return NotificationSettings{Email: all, Push: all}
}
