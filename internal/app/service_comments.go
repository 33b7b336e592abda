package app

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"folio/api/internal/cache"
	"folio/api/internal/email"
	"folio/api/internal/notify"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

const (
	maxCommentLen = 10000
	excerptLen    = 140
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

type CommentInput struct {
	Content  string  `json:"content"`
	BlockID  *string `json:"blockId"`
	ParentID *string `json:"parentId"`
}

func (s *Service) ListComments(ctx context.Context, userID, pageID, blockID string) ([]commentView, error) {
	if _, _, err := s.authorizePage(ctx, pageID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	key := cache.CommentsKey(pageID, blockID, userID)
	var cached []commentView
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	var filter *string
	if blockID != "" {
		filter = &blockID
	}
	comments, err := s.store.ListComments(ctx, pageID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]commentView, 0, len(comments))
	for _, c := range comments {
		views = append(views, toCommentView(c))
	}
	s.cache.Set(ctx, key, views, s.cfg.CommentCacheTTL)
	return views, nil
}

// CreateComment stores the comment, then notifies mentioned users and the
// author of the parent comment.
func (s *Service) CreateComment(ctx context.Context, session Session, pageID string, input CommentInput) (commentView, error) {
	content, err := commentContent(input.Content)
	if err != nil {
		return commentView{}, err
	}
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionComment)
	if err != nil {
		return commentView{}, err
	}

	var parent store.Comment
	if input.ParentID != nil {
		parent, err = s.store.GetComment(ctx, *input.ParentID)
		if errors.Is(err, sql.ErrNoRows) {
			return commentView{}, invalidInput("parent comment not found")
		}
		if err != nil {
			return commentView{}, err
		}
		if parent.PageID != pageID {
			return commentView{}, invalidInput("parent comment belongs to another page")
		}
	}
	if input.BlockID != nil {
		if err := s.checkParent(ctx, pageID, *input.BlockID); err != nil {
			return commentView{}, invalidInput("block not found on this page")
		}
	}

	mentioned, err := s.resolveMentions(ctx, content)
	if err != nil {
		return commentView{}, err
	}
	comment, err := s.store.CreateComment(ctx, store.Comment{
		ID:       util.NewID("cmt"),
		PageID:   pageID,
		BlockID:  input.BlockID,
		ParentID: input.ParentID,
		Author:   store.User{ID: session.UserID},
		Content:  content,
	}, userIDs(mentioned))
	if err != nil {
		return commentView{}, err
	}
	s.afterCommentWrite(ctx, page, comment)

	sender := s.userOrStub(ctx, session)
	notified := map[string]bool{session.UserID: true}
	for _, user := range mentioned {
		if notified[user.ID] {
			continue
		}
		notified[user.ID] = true
		s.notify(ctx, notify.Notice{
			Kind:      email.KindCommentMention,
			Recipient: user,
			Sender:    sender,
			Title:     "You were mentioned",
			Message:   session.Username + " mentioned you on " + page.Title,
			PageTitle: page.Title,
			Excerpt:   excerpt(content),
			Link:      "/pages/" + pageID + "?comment=" + comment.ID,
			Data:      map[string]any{"pageId": pageID, "commentId": comment.ID},
		})
	}
	if input.ParentID != nil && !notified[parent.Author.ID] {
		s.notify(ctx, notify.Notice{
			Kind:      email.KindCommentReply,
			Recipient: parent.Author,
			Sender:    sender,
			Title:     "New reply",
			Message:   session.Username + " replied to your comment on " + page.Title,
			PageTitle: page.Title,
			Excerpt:   excerpt(content),
			Link:      "/pages/" + pageID + "?comment=" + comment.ID,
			Data:      map[string]any{"pageId": pageID, "commentId": comment.ID, "parentId": parent.ID},
		})
	}
	return toCommentView(comment), nil
}

// UpdateComment is limited to the author. Mentions are derived again but not
// re-notified.
func (s *Service) UpdateComment(ctx context.Context, session Session, commentID, content string) (commentView, error) {
	content, err := commentContent(content)
	if err != nil {
		return commentView{}, err
	}
	current, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return commentView{}, err
	}
	page, _, err := s.authorizePage(ctx, current.PageID, session.UserID, rbac.ActionComment)
	if err != nil {
		return commentView{}, err
	}
	if current.Author.ID != session.UserID {
		return commentView{}, forbidden("Only the author can edit a comment")
	}
	mentioned, err := s.resolveMentions(ctx, content)
	if err != nil {
		return commentView{}, err
	}
	comment, err := s.store.UpdateComment(ctx, commentID, content, userIDs(mentioned))
	if err != nil {
		return commentView{}, err
	}
	s.afterCommentWrite(ctx, page, comment)
	return toCommentView(comment), nil
}

// DeleteComment is allowed for the author and the page owner. Replies go with it.
func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	current, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	_, role, err := s.authorizePage(ctx, current.PageID, session.UserID, rbac.ActionComment)
	if err != nil {
		return err
	}
	if current.Author.ID != session.UserID && role != rbac.RoleOwner {
		return forbidden("Only the author or the page owner can delete a comment")
	}
	removed, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		return err
	}
	s.invalidate("comments", func() error { return s.cache.InvalidateComments(ctx, current.PageID) })
	if s.search != nil {
		s.search.DeleteComments(removed.CommentIDs)
	}
	return nil
}

func (s *Service) ResolveComment(ctx context.Context, session Session, commentID string, resolved bool) (commentView, error) {
	current, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return commentView{}, err
	}
	_, role, err := s.authorizePage(ctx, current.PageID, session.UserID, rbac.ActionComment)
	if err != nil {
		return commentView{}, err
	}
	if current.Author.ID != session.UserID && role != rbac.RoleOwner {
		return commentView{}, forbidden("Only the author or the page owner can resolve a comment")
	}
	comment, err := s.store.SetCommentResolved(ctx, commentID, resolved, session.UserID)
	if err != nil {
		return commentView{}, err
	}
	s.invalidate("comments", func() error { return s.cache.InvalidateComments(ctx, current.PageID) })
	return toCommentView(comment), nil
}

// resolveMentions maps @username tokens to existing users. Unknown names are
// plain text.
func (s *Service) resolveMentions(ctx context.Context, content string) ([]store.User, error) {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return s.store.ListUsersByUsernames(ctx, names)
}

func (s *Service) afterCommentWrite(ctx context.Context, page store.Page, comment store.Comment) {
	s.invalidate("comments", func() error { return s.cache.InvalidateComments(ctx, page.ID) })
	if s.search == nil {
		return
	}
	record := search.CommentRecord{
		ID:          comment.ID,
		Content:     comment.Content,
		PageID:      page.ID,
		WorkspaceID: page.WorkspaceID,
	}
	if comment.BlockID != nil {
		record.BlockID = *comment.BlockID
	}
	s.search.IndexComment(record)
}

func commentContent(raw string) (string, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", invalidInput("content is required")
	}
	if len(content) > maxCommentLen {
		return "", invalidInput("content must be at most 10000 characters")
	}
	return content, nil
}

func userIDs(users []store.User) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptLen {
		return content
	}
	return string(runes[:excerptLen-1]) + "…"
}
