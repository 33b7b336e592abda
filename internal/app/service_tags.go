package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

const maxTagLen = 50

type TagList struct {
	Tags []string `json:"tags"`
}

func normalizeTag(raw string) (string, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" {
		return "", invalidInput("tag must not be empty")
	}
	if len([]rune(tag)) > maxTagLen {
		return "", invalidInput("tag must be at most 50 characters")
	}
	if strings.ContainsAny(tag, ",/") {
		return "", invalidInput("tag must not contain commas or slashes")
	}
	return tag, nil
}

// AddPageTag tags the page; owners and editors only.
func (s *Service) AddPageTag(ctx context.Context, session Session, pageID, raw string) (TagList, error) {
	tag, err := normalizeTag(raw)
	if err != nil {
		return TagList{}, err
	}
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return TagList{}, err
	}
	err = s.store.AddPageTag(ctx, pageID, tag)
	if errors.Is(err, store.ErrConflict) {
		return TagList{}, domainError(http.StatusConflict, "tag_exists", "The page already has this tag", nil)
	}
	if err != nil {
		return TagList{}, err
	}
	return s.afterTagWrite(ctx, page)
}

func (s *Service) RemovePageTag(ctx context.Context, session Session, pageID, raw string) (TagList, error) {
	tag := strings.ToLower(strings.TrimSpace(raw))
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return TagList{}, err
	}
	removed, err := s.store.RemovePageTag(ctx, pageID, tag)
	if err != nil {
		return TagList{}, err
	}
	if !removed {
		return TagList{}, domainError(http.StatusNotFound, "tag_not_found", "The page does not have this tag", nil)
	}
	return s.afterTagWrite(ctx, page)
}

func (s *Service) afterTagWrite(ctx context.Context, page store.Page) (TagList, error) {
	page, err := s.tagged(ctx, page)
	if err != nil {
		return TagList{}, err
	}
	s.touch(ctx, page.ID)
	s.indexPage(page)
	tags := page.Tags
	if tags == nil {
		tags = []string{}
	}
	return TagList{Tags: tags}, nil
}

// ToggleFavorite stars or unstars a readable page for the caller.
func (s *Service) ToggleFavorite(ctx context.Context, userID, pageID string) (bool, error) {
	if strings.TrimSpace(pageID) == "" {
		return false, invalidInput("pageId is required")
	}
	if _, _, err := s.authorizePage(ctx, pageID, userID, rbac.ActionRead); err != nil {
		return false, err
	}
	return s.store.ToggleFavorite(ctx, userID, pageID)
}

// ListFavorites returns the caller's starred pages they can still read.
func (s *Service) ListFavorites(ctx context.Context, userID string) ([]pageView, error) {
	favorites, err := s.store.ListFavoritePages(ctx, userID)
	if err != nil {
		return nil, err
	}
	pages := make([]store.Page, 0, len(favorites))
	roles := make([]rbac.Role, 0, len(favorites))
	for _, fav := range favorites {
		role := rbac.Resolve(rbac.PageAccess{
			IsOwner:      fav.Page.OwnerID == userID,
			InvitedRole:  fav.InvitedRole,
			PublicAccess: fav.Page.PublicAccess,
		})
		if role == rbac.RoleNone {
			continue
		}
		pages = append(pages, fav.Page)
		roles = append(roles, role)
	}
	if err := s.attachTags(ctx, pages); err != nil {
		return nil, err
	}
	views := make([]pageView, 0, len(pages))
	for i, page := range pages {
		views = append(views, toPageView(page, roles[i]))
	}
	return views, nil
}
