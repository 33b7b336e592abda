package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/collab"
	"folio/api/internal/email"
	"folio/api/internal/notify"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

const (
	maxTitleLen    = 255
	defaultTitle   = "Untitled"
	accessNone     = "none"
	accessReadOnly = "read-only"
)

// roomNotice is the body of workspace-notification and page-notification.
type roomNotice struct {
	Type      string          `json:"type"`
	PageID    string          `json:"pageId"`
	Page      *pageView       `json:"page,omitempty"`
	User      collab.Identity `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Service) ListWorkspaces(ctx context.Context, userID string) ([]workspaceView, error) {
	workspaces, err := s.store.ListWorkspacesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]workspaceView, 0, len(workspaces))
	for _, w := range workspaces {
		views = append(views, toWorkspaceView(w))
	}
	return views, nil
}

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string) (workspaceView, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxTitleLen {
		return workspaceView{}, invalidInput("name must be 1 to 255 characters")
	}
	workspace := store.Workspace{ID: util.NewID("ws"), Name: name, OwnerID: session.UserID}
	if err := s.store.CreateWorkspace(ctx, workspace); err != nil {
		return workspaceView{}, err
	}
	created, err := s.store.GetWorkspace(ctx, workspace.ID)
	if err != nil {
		return workspaceView{}, err
	}
	created.Role = string(rbac.RoleEditor)
	return toWorkspaceView(created), nil
}

type WorkspaceDetail struct {
	Workspace workspaceView `json:"workspace"`
	Members   []memberView  `json:"members"`
}

func (s *Service) GetWorkspace(ctx context.Context, userID, workspaceID string) (WorkspaceDetail, error) {
	workspace, role, err := s.workspaceMembership(ctx, workspaceID, userID)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	members, err := s.store.ListWorkspaceMembers(ctx, workspaceID)
	if err != nil {
		return WorkspaceDetail{}, err
	}
	workspace.Role = role
	detail := WorkspaceDetail{Workspace: toWorkspaceView(workspace), Members: make([]memberView, 0, len(members))}
	for _, m := range members {
		detail.Members = append(detail.Members, memberView{User: toPublicUser(m.User), Role: m.Role, JoinedAt: m.JoinedAt})
	}
	return detail, nil
}

func (s *Service) UpdateWorkspace(ctx context.Context, userID, workspaceID, name string) (workspaceView, error) {
	if _, err := s.workspaceOwned(ctx, workspaceID, userID); err != nil {
		return workspaceView{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxTitleLen {
		return workspaceView{}, invalidInput("name must be 1 to 255 characters")
	}
	if err := s.store.UpdateWorkspace(ctx, workspaceID, name); err != nil {
		return workspaceView{}, err
	}
	updated, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return workspaceView{}, err
	}
	return toWorkspaceView(updated), nil
}

// DeleteWorkspace removes the workspace with all of its pages.
func (s *Service) DeleteWorkspace(ctx context.Context, userID, workspaceID string) error {
	if _, err := s.workspaceOwned(ctx, workspaceID, userID); err != nil {
		return err
	}
	pages, err := s.store.ListPages(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	for _, p := range pages {
		s.forgetPage(ctx, p.ID)
	}
	return nil
}

func (s *Service) AddWorkspaceMember(ctx context.Context, session Session, workspaceID string, input InviteInput) (memberView, error) {
	workspace, err := s.workspaceOwned(ctx, workspaceID, session.UserID)
	if err != nil {
		return memberView{}, err
	}
	if input.Role == "" {
		input.Role = string(rbac.RoleEditor)
	}
	if !rbac.Invitable(input.Role) {
		return memberView{}, invalidInput("role must be editor or viewer")
	}
	target, err := s.lookupInvitee(ctx, input.UserID, input.Email)
	if err != nil {
		return memberView{}, err
	}
	if target.ID == workspace.OwnerID {
		return memberView{}, invalidInput("the owner is already a member")
	}
	if err := s.store.UpsertWorkspaceMember(ctx, workspaceID, target.ID, input.Role); err != nil {
		return memberView{}, err
	}
	s.invalidate("search", func() error { return s.cache.InvalidateSearch(ctx, target.ID) })

	s.notify(ctx, notify.Notice{
		Kind:      email.KindWorkspaceInvite,
		Recipient: target,
		Sender:    s.userOrStub(ctx, session),
		Title:     "Added to a workspace",
		Message:   session.Username + " added you to " + workspace.Name,
		PageTitle: workspace.Name,
		Role:      input.Role,
		Link:      "/workspaces/" + workspaceID,
		Data:      map[string]any{"workspaceId": workspaceID, "role": input.Role},
	})
	return memberView{User: toPublicUser(target), Role: input.Role, JoinedAt: s.now().UTC()}, nil
}

func (s *Service) ListPages(ctx context.Context, userID, workspaceID string) ([]pageView, error) {
	if _, _, err := s.workspaceMembership(ctx, workspaceID, userID); err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, pages); err != nil {
		return nil, err
	}
	views := make([]pageView, 0, len(pages))
	for _, p := range pages {
		var role rbac.Role
		if p.OwnerID == userID {
			role = rbac.RoleOwner
		}
		views = append(views, toPageView(p, role))
	}
	return views, nil
}

func (s *Service) CreatePage(ctx context.Context, session Session, workspaceID, title string) (pageView, error) {
	_, role, err := s.workspaceMembership(ctx, workspaceID, session.UserID)
	if err != nil {
		return pageView{}, err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionWrite) {
		return pageView{}, forbidden("Viewers cannot create pages")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	if len(title) > maxTitleLen {
		return pageView{}, invalidInput("title must be at most 255 characters")
	}

	page, err := s.store.CreatePage(ctx, store.Page{
		ID:          util.NewID("pg"),
		WorkspaceID: workspaceID,
		OwnerID:     session.UserID,
		Title:       title,
	})
	if err != nil {
		return pageView{}, err
	}
	s.indexPage(page)

	view := toPageView(page, rbac.RoleOwner)
	s.emit(collab.WorkspaceRoom(workspaceID), collab.EventWorkspaceNotification, roomNotice{
		Type:      "page-created",
		PageID:    page.ID,
		Page:      &view,
		User:      session.Identity(),
		Timestamp: s.now().UTC(),
	})
	return view, nil
}

type PageDetail struct {
	Page    pageView     `json:"page"`
	Invites []inviteView `json:"invites,omitempty"`
}

// GetPage returns the page; its invite list is only shown to the owner.
func (s *Service) GetPage(ctx context.Context, userID, pageID string) (PageDetail, error) {
	page, role, err := s.authorizePage(ctx, pageID, userID, rbac.ActionRead)
	if err != nil {
		return PageDetail{}, err
	}
	page, err = s.tagged(ctx, page)
	if err != nil {
		return PageDetail{}, err
	}
	detail := PageDetail{Page: toPageView(page, role)}
	if rbac.Can(role, rbac.ActionManage) {
		invites, err := s.store.ListPageInvites(ctx, pageID)
		if err != nil {
			return PageDetail{}, err
		}
		detail.Invites = make([]inviteView, 0, len(invites))
		for _, inv := range invites {
			detail.Invites = append(detail.Invites, inviteView{User: toPublicUser(inv.User), Role: inv.Role, InvitedAt: inv.InvitedAt})
		}
	}
	return detail, nil
}

type PageInput struct {
	Title        *string `json:"title"`
	PublicAccess *string `json:"publicAccess"`
}

// UpdatePage renames (editors) or changes sharing (owner only).
func (s *Service) UpdatePage(ctx context.Context, session Session, pageID string, input PageInput) (pageView, error) {
	action := rbac.ActionWrite
	if input.PublicAccess != nil {
		action = rbac.ActionManage
		if *input.PublicAccess != accessNone && *input.PublicAccess != accessReadOnly {
			return pageView{}, invalidInput("publicAccess must be none or read-only")
		}
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			title = defaultTitle
		}
		if len(title) > maxTitleLen {
			return pageView{}, invalidInput("title must be at most 255 characters")
		}
		input.Title = &title
	}
	before, role, err := s.authorizePage(ctx, pageID, session.UserID, action)
	if err != nil {
		return pageView{}, err
	}

	page, err := s.store.UpdatePage(ctx, pageID, input.Title, input.PublicAccess)
	if err != nil {
		return pageView{}, err
	}
	if page, err = s.tagged(ctx, page); err != nil {
		return pageView{}, err
	}
	s.indexPage(page)
	if page.PublicAccess != before.PublicAccess {
		s.invalidate("page", func() error { return s.cache.InvalidatePage(ctx, pageID) })
	}

	view := toPageView(page, role)
	s.emit(collab.PageRoom(pageID), collab.EventPageNotification, roomNotice{
		Type:      "page-updated",
		PageID:    pageID,
		Page:      &view,
		User:      session.Identity(),
		Timestamp: s.now().UTC(),
	})
	return view, nil
}

func (s *Service) DeletePage(ctx context.Context, session Session, pageID string) error {
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionManage)
	if err != nil {
		return err
	}
	if err := s.store.DeletePage(ctx, pageID); err != nil {
		return err
	}
	s.forgetPage(ctx, pageID)
	s.emit(collab.WorkspaceRoom(page.WorkspaceID), collab.EventWorkspaceNotification, roomNotice{
		Type:      "page-deleted",
		PageID:    pageID,
		User:      session.Identity(),
		Timestamp: s.now().UTC(),
	})
	return nil
}

// Participants lists who is on the page right now, with their typing and
// cursor state.
func (s *Service) Participants(ctx context.Context, userID, pageID string) ([]collab.Participant, error) {
	if _, _, err := s.authorizePage(ctx, pageID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.hub == nil {
		return []collab.Participant{}, nil
	}
	participants, err := s.hub.Participants(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		participants = []collab.Participant{}
	}
	return participants, nil
}

type InviteInput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

func (s *Service) InviteToPage(ctx context.Context, session Session, pageID string, input InviteInput) (inviteView, error) {
	if !rbac.Invitable(input.Role) {
		return inviteView{}, invalidInput("role must be editor or viewer")
	}
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionManage)
	if err != nil {
		return inviteView{}, err
	}
	target, err := s.lookupInvitee(ctx, input.UserID, input.Email)
	if err != nil {
		return inviteView{}, err
	}
	if target.ID == page.OwnerID {
		return inviteView{}, invalidInput("the owner already has access")
	}
	if err := s.store.UpsertPageInvite(ctx, pageID, target.ID, input.Role); err != nil {
		return inviteView{}, err
	}
	s.invalidate("page", func() error { return s.cache.InvalidatePage(ctx, pageID) })
	s.invalidate("search", func() error { return s.cache.InvalidateSearch(ctx, target.ID) })

	s.notify(ctx, notify.Notice{
		Kind:      email.KindPageInvite,
		Recipient: target,
		Sender:    s.userOrStub(ctx, session),
		Title:     "Page shared with you",
		Message:   session.Username + " shared " + page.Title + " with you",
		PageTitle: page.Title,
		Role:      input.Role,
		Link:      "/pages/" + pageID,
		Data:      map[string]any{"pageId": pageID, "workspaceId": page.WorkspaceID, "role": input.Role},
	})
	s.emit(collab.PageRoom(pageID), collab.EventPageNotification, roomNotice{
		Type:      "sharing-updated",
		PageID:    pageID,
		User:      session.Identity(),
		Timestamp: s.now().UTC(),
	})
	return inviteView{User: toPublicUser(target), Role: input.Role, InvitedAt: s.now().UTC()}, nil
}

func (s *Service) RemovePageInvite(ctx context.Context, session Session, pageID, userID string) error {
	if _, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}
	removed, err := s.store.RemovePageInvite(ctx, pageID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFound("invite")
	}
	s.invalidate("page", func() error { return s.cache.InvalidatePage(ctx, pageID) })
	s.invalidate("search", func() error { return s.cache.InvalidateSearch(ctx, userID) })
	s.emit(collab.PageRoom(pageID), collab.EventPageNotification, roomNotice{
		Type:      "sharing-updated",
		PageID:    pageID,
		User:      session.Identity(),
		Timestamp: s.now().UTC(),
	})
	return nil
}

func (s *Service) workspaceMembership(ctx context.Context, workspaceID, userID string) (store.Workspace, string, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return store.Workspace{}, "", err
	}
	role, err := s.store.WorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return store.Workspace{}, "", err
	}
	if role == "" {
		return store.Workspace{}, "", forbidden("You are not a member of this workspace")
	}
	return workspace, role, nil
}

func (s *Service) workspaceOwned(ctx context.Context, workspaceID, userID string) (store.Workspace, error) {
	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	if workspace.OwnerID != userID {
		return store.Workspace{}, forbidden("Only the workspace owner can do that")
	}
	return workspace, nil
}

func (s *Service) lookupInvitee(ctx context.Context, userID, emailAddr string) (store.User, error) {
	var (
		user store.User
		err  error
	)
	switch {
	case strings.TrimSpace(userID) != "":
		user, err = s.store.GetUserByID(ctx, strings.TrimSpace(userID))
	case strings.TrimSpace(emailAddr) != "":
		user, err = s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(emailAddr)))
	default:
		return store.User{}, invalidInput("userId or email is required")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, domainError(http.StatusNotFound, "user_not_found", "No user with that id or email", nil)
	}
	return user, err
}

// userOrStub loads the acting user for notification templates, falling back
// to what the token carries.
func (s *Service) userOrStub(ctx context.Context, session Session) store.User {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return store.User{ID: session.UserID, Username: session.Username, Avatar: session.Avatar}
	}
	return user
}

func (s *Service) indexPage(page store.Page) {
	if s.search == nil {
		return
	}
	s.search.IndexPage(search.PageRecord{ID: page.ID, Title: page.Title, PageID: page.ID, WorkspaceID: page.WorkspaceID, Tags: page.Tags})
}

type PublicPage struct {
	Page   pageView    `json:"page"`
	Owner  publicUser  `json:"owner"`
	Blocks []blockView `json:"blocks"`
}

// PublicPage serves a read-only shared page without a session.
func (s *Service) PublicPage(ctx context.Context, pageID string) (PublicPage, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return PublicPage{}, notFound("Page")
	}
	if err != nil {
		return PublicPage{}, err
	}
	if page.PublicAccess != accessReadOnly {
		return PublicPage{}, domainError(http.StatusForbidden, "page_not_public", "This page is not shared publicly", nil)
	}
	if page, err = s.tagged(ctx, page); err != nil {
		return PublicPage{}, err
	}
	blocks, err := s.store.ListBlocks(ctx, pageID)
	if err != nil {
		return PublicPage{}, err
	}
	owner, err := s.store.GetUserByID(ctx, page.OwnerID)
	if err != nil {
		return PublicPage{}, err
	}
	return PublicPage{
		Page:   toPageView(page, rbac.RoleViewer),
		Owner:  toPublicUser(owner),
		Blocks: toBlockViews(blocks),
	}, nil
}

// attachTags fills Tags on every page in place.
func (s *Service) attachTags(ctx context.Context, pages []store.Page) error {
	if len(pages) == 0 {
		return nil
	}
	ids := make([]string, len(pages))
	for i, page := range pages {
		ids[i] = page.ID
	}
	tags, err := s.store.PageTags(ctx, ids)
	if err != nil {
		return err
	}
	for i := range pages {
		pages[i].Tags = tags[pages[i].ID]
	}
	return nil
}

func (s *Service) tagged(ctx context.Context, page store.Page) (store.Page, error) {
	pages := []store.Page{page}
	if err := s.attachTags(ctx, pages); err != nil {
		return store.Page{}, err
	}
	return pages[0], nil
}

// forgetPage drops a deleted page from the cache, and the page with its
// blocks and comments from the search index.
func (s *Service) forgetPage(ctx context.Context, pageID string) {
	s.invalidate("page", func() error { return s.cache.InvalidatePage(ctx, pageID) })
	if s.search != nil {
		s.search.DeletePage(pageID)
	}
}
