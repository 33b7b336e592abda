package app

import (
	"encoding/json"
	"time"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

type userView struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Avatar    string    `json:"avatar"`
	CreatedAt time.Time `json:"createdAt"`
}

// publicUser omits the email address; it is what other users get to see.
type publicUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullName,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type workspaceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type memberView struct {
	User     publicUser `json:"user"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
}

type pageView struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspaceId"`
	OwnerID      string    `json:"ownerId"`
	Title        string    `json:"title"`
	PublicAccess string    `json:"publicAccess"`
	Tags         []string  `json:"tags"`
	Role         rbac.Role `json:"role,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type inviteView struct {
	User      publicUser `json:"user"`
	Role      string     `json:"role"`
	InvitedAt time.Time  `json:"invitedAt"`
}

type blockView struct {
	ID             string          `json:"id"`
	PageID         string          `json:"pageId"`
	ParentID       *string         `json:"parentId"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Order          int             `json:"order"`
	CreatedBy      string          `json:"createdBy"`
	LastModifiedBy string          `json:"lastModifiedBy"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type commentView struct {
	ID         string       `json:"id"`
	PageID     string       `json:"pageId"`
	BlockID    *string      `json:"blockId"`
	ParentID   *string      `json:"parentId"`
	Author     publicUser   `json:"author"`
	Content    string       `json:"content"`
	Mentions   []publicUser `json:"mentions"`
	Resolved   bool         `json:"resolved"`
	ResolvedBy *string      `json:"resolvedBy"`
	ResolvedAt *time.Time   `json:"resolvedAt"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

type notificationView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	IsRead      bool            `json:"isRead"`
	ReadAt      *time.Time      `json:"readAt"`
	IsEmailSent bool            `json:"isEmailSent"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func toUserView(u store.User) userView {
	return userView{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FullName:  u.FullName,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
	}
}

func toPublicUser(u store.User) publicUser {
	return publicUser{ID: u.ID, Username: u.Username, FullName: u.FullName, Avatar: u.Avatar}
}

func toWorkspaceView(w store.Workspace) workspaceView {
	return workspaceView{
		ID:        w.ID,
		Name:      w.Name,
		OwnerID:   w.OwnerID,
		Role:      w.Role,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func toPageView(p store.Page, role rbac.Role) pageView {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	return pageView{
		ID:           p.ID,
		WorkspaceID:  p.WorkspaceID,
		OwnerID:      p.OwnerID,
		Title:        p.Title,
		PublicAccess: p.PublicAccess,
		Tags:         tags,
		Role:         role,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func toBlockView(b store.Block) blockView {
	content := b.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	return blockView{
		ID:             b.ID,
		PageID:         b.PageID,
		ParentID:       b.ParentID,
		Type:           b.Type,
		Content:        content,
		Metadata:       b.Metadata,
		Order:          b.Order,
		CreatedBy:      b.CreatedBy,
		LastModifiedBy: b.LastModifiedBy,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func toBlockViews(blocks []store.Block) []blockView {
	views := make([]blockView, 0, len(blocks))
	for _, b := range blocks {
		views = append(views, toBlockView(b))
	}
	return views
}

func toCommentView(c store.Comment) commentView {
	mentions := make([]publicUser, 0, len(c.Mentions))
	for _, u := range c.Mentions {
		mentions = append(mentions, toPublicUser(u))
	}
	return commentView{
		ID:         c.ID,
		PageID:     c.PageID,
		BlockID:    c.BlockID,
		ParentID:   c.ParentID,
		Author:     toPublicUser(c.Author),
		Content:    c.Content,
		Mentions:   mentions,
		Resolved:   c.Resolved,
		ResolvedBy: c.ResolvedBy,
		ResolvedAt: c.ResolvedAt,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func toNotificationView(n store.Notification) notificationView {
	return notificationView{
		ID:          n.ID,
		Type:        n.Type,
		Title:       n.Title,
		Message:     n.Message,
		Data:        n.Data,
		SenderID:    n.SenderID,
		IsRead:      n.IsRead,
		ReadAt:      n.ReadAt,
		IsEmailSent: n.IsEmailSent,
		CreatedAt:   n.CreatedAt,
	}
}
