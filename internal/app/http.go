package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/session"
	"folio/api/internal/store"
	"folio/api/internal/util"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	socket     http.Handler
	logger     *zap.Logger
}

// NewHTTPServer builds the REST router. socket, when set, serves the
// collaboration WebSocket at /ws.
func NewHTTPServer(service *Service, corsOrigin string, socket http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, socket: socket, logger: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	api := s.withMiddleware(http.HandlerFunc(s.handle))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The upgrade needs the raw writer, so /ws skips the JSON middleware.
		if r.URL.Path == "/ws" && s.socket != nil {
			s.socket.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := s.service.Ready(ctx)
		status := http.StatusOK
		if !report.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body RegisterInput
		if !s.decode(w, r, &body) {
			return
		}
		session, user, err := s.service.Register(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse(session, user))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		session, user, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse(session, user))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  session.Token,
			"refreshToken": session.RefreshToken,
			"expiresAt":    session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		current := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				current = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), current, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/public/pages/") {
		pageID := strings.TrimPrefix(r.URL.Path, "/api/public/pages/")
		if pageID == "" || strings.Contains(pageID, "/") {
			writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
			return
		}
		page, err := s.service.PublicPage(r.Context(), pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	current, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}

	switch parts[1] {
	case "auth":
		s.handleAccount(w, r, current, parts[2:])
	case "workspaces":
		s.handleWorkspaces(w, r, current, parts[2:])
	case "pages":
		s.handlePages(w, r, current, parts[2:])
	case "blocks":
		s.handleBlocks(w, r, current, parts[2:])
	case "comments":
		s.handleComments(w, r, current, parts[2:])
	case "notifications":
		s.handleNotifications(w, r, current, parts[2:])
	case "search":
		s.handleSearch(w, r, current, parts[2:])
	case "favorites":
		s.handleFavorites(w, r, current, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleAccount(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	switch {
	case len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodGet:
		user, err := s.service.Me(r.Context(), current.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": toUserView(user)})

	case len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodPut:
		var body ProfileInput
		if !s.decode(w, r, &body) {
			return
		}
		user, err := s.service.UpdateProfile(r.Context(), current.UserID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": toUserView(user)})

	case len(parts) == 1 && parts[0] == "password" && r.Method == http.MethodPut:
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		if err := s.service.ChangePassword(r.Context(), current.UserID, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 1 && parts[0] == "account" && r.Method == http.MethodDelete:
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		if err := s.service.DeleteAccount(r.Context(), current, body.RefreshToken); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleWorkspaces(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	ctx := r.Context()
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListWorkspaces(ctx, current.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"workspaces": items})
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
			}
			if !s.decode(w, r, &body) {
				return
			}
			workspace, err := s.service.CreateWorkspace(ctx, current, body.Name)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"workspace": workspace})
		default:
			methodNotAllowed(w)
		}
		return
	}

	workspaceID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		detail, err := s.service.GetWorkspace(ctx, current.UserID, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Name string `json:"name"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		workspace, err := s.service.UpdateWorkspace(ctx, current.UserID, workspaceID, body.Name)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workspace": workspace})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteWorkspace(ctx, current.UserID, workspaceID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "members" && r.Method == http.MethodPost:
		var body InviteInput
		if !s.decode(w, r, &body) {
			return
		}
		member, err := s.service.AddWorkspaceMember(ctx, current, workspaceID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"member": member})

	case len(parts) == 2 && parts[1] == "pages" && r.Method == http.MethodGet:
		pages, err := s.service.ListPages(ctx, current.UserID, workspaceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})

	case len(parts) == 2 && parts[1] == "pages" && r.Method == http.MethodPost:
		var body struct {
			Title string `json:"title"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		page, err := s.service.CreatePage(ctx, current, workspaceID, body.Title)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"page": page})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	ctx := r.Context()
	pageID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			detail, err := s.service.GetPage(ctx, current.UserID, pageID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, detail)
		case http.MethodPut:
			var body PageInput
			if !s.decode(w, r, &body) {
				return
			}
			page, err := s.service.UpdatePage(ctx, current, pageID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"page": page})
		case http.MethodDelete:
			if err := s.service.DeletePage(ctx, current, pageID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			methodNotAllowed(w)
		}
		return
	}

	switch {
	case parts[1] == "blocks" && len(parts) == 2 && r.Method == http.MethodGet:
		blocks, err := s.service.ListBlocks(ctx, current.UserID, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})

	case parts[1] == "blocks" && len(parts) == 2 && r.Method == http.MethodPost:
		var body BlockInput
		if !s.decode(w, r, &body) {
			return
		}
		block, err := s.service.CreateBlock(ctx, current, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"block": block})

	case parts[1] == "blocks" && len(parts) == 3 && parts[2] == "reorder" && r.Method == http.MethodPut:
		var body struct {
			Blocks []PositionInput `json:"blocks"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		blocks, err := s.service.ReorderBlocks(ctx, current, pageID, body.Blocks)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})

	case parts[1] == "comments" && len(parts) == 2 && r.Method == http.MethodGet:
		blockID := strings.TrimSpace(r.URL.Query().Get("blockId"))
		comments, err := s.service.ListComments(ctx, current.UserID, pageID, blockID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comments": comments})

	case parts[1] == "comments" && len(parts) == 2 && r.Method == http.MethodPost:
		var body CommentInput
		if !s.decode(w, r, &body) {
			return
		}
		comment, err := s.service.CreateComment(ctx, current, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})

	case parts[1] == "invites" && len(parts) == 2 && r.Method == http.MethodPost:
		var body InviteInput
		if !s.decode(w, r, &body) {
			return
		}
		invite, err := s.service.InviteToPage(ctx, current, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invite": invite})

	case parts[1] == "invites" && len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.service.RemovePageInvite(ctx, current, pageID, parts[2]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case parts[1] == "tags" && len(parts) == 2 && r.Method == http.MethodPost:
		var body struct {
			Tag string `json:"tag"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		tags, err := s.service.AddPageTag(ctx, current, pageID, body.Tag)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tags)

	case parts[1] == "tags" && len(parts) == 3 && r.Method == http.MethodDelete:
		tags, err := s.service.RemovePageTag(ctx, current, pageID, parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tags)

	case parts[1] == "participants" && len(parts) == 2 && r.Method == http.MethodGet:
		participants, err := s.service.Participants(ctx, current.UserID, pageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participants": participants})

	case parts[1] == "uploads" && len(parts) == 2 && r.Method == http.MethodPost:
		var body UploadInput
		if !s.decode(w, r, &body) {
			return
		}
		upload, err := s.service.PresignUpload(ctx, current, pageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, upload)

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleBlocks(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	if len(parts) != 1 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	blockID := parts[0]
	switch r.Method {
	case http.MethodPut:
		var body BlockUpdateInput
		if !s.decode(w, r, &body) {
			return
		}
		block, err := s.service.UpdateBlock(r.Context(), current, blockID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"block": block})
	case http.MethodDelete:
		if err := s.service.DeleteBlock(r.Context(), current, blockID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	ctx := r.Context()
	commentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body struct {
			Content string `json:"content"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		comment, err := s.service.UpdateComment(ctx, current, commentID, body.Content)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comment})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteComment(ctx, current, commentID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPut:
		body := struct {
			Resolved *bool `json:"resolved"`
		}{}
		if !s.decode(w, r, &body) {
			return
		}
		resolved := true
		if body.Resolved != nil {
			resolved = *body.Resolved
		}
		comment, err := s.service.ResolveComment(ctx, current, commentID, resolved)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": comment})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		query := r.URL.Query()
		unreadOnly := query.Get("unread") == "true"
		limit, err := queryInt(query.Get("limit"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer", nil)
			return
		}
		list, err := s.service.ListNotifications(ctx, current.UserID, unreadOnly, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	case len(parts) == 1 && parts[0] == "settings" && r.Method == http.MethodGet:
		settings, err := s.service.NotificationSettings(ctx, current.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})

	case len(parts) == 1 && parts[0] == "settings" && r.Method == http.MethodPut:
		var body struct {
			Settings json.RawMessage `json:"settings"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		settings, err := s.service.UpdateNotificationSettings(ctx, current.UserID, body.Settings)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"settings": settings})

	case len(parts) == 1 && parts[0] == "unread-count" && r.Method == http.MethodGet:
		count, err := s.service.UnreadNotificationCount(ctx, current.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})

	case len(parts) == 1 && parts[0] == "mark-read" && r.Method == http.MethodPut:
		var body struct {
			IDs []string `json:"ids"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		updated, err := s.service.MarkNotificationsRead(ctx, current.UserID, body.IDs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteNotification(ctx, current.UserID, parts[0]); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
	}
}

func (s *HTTPServer) handleFavorites(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		pages, err := s.service.ListFavorites(r.Context(), current.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
	case http.MethodPost:
		var body struct {
			PageID string `json:"pageId"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		favorite, err := s.service.ToggleFavorite(r.Context(), current.UserID, strings.TrimSpace(body.PageID))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"isFavorite": favorite})
	default:
		methodNotAllowed(w)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, current Session, parts []string) {
	query := r.URL.Query()
	if len(parts) == 1 && parts[0] == "suggestions" && r.Method == http.MethodGet {
		suggestions, err := s.service.Suggest(r.Context(), current.UserID, query.Get("q"), strings.TrimSpace(query.Get("type")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
		return
	}
	if len(parts) != 0 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "Not found", nil)
		return
	}
	limit, err := queryInt(query.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer", nil)
		return
	}
	offset, err := queryInt(query.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "offset must be an integer", nil)
		return
	}
	response, err := s.service.Search(r.Context(), current.UserID, SearchInput{
		Query:       query.Get("q"),
		Type:        query.Get("type"),
		WorkspaceID: strings.TrimSpace(query.Get("workspaceId")),
		Tags:        splitTags(query.Get("tags")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// splitTags reads the comma separated tags query parameter.
func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
		return Session{}, false
	}
	current, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
			return Session{}, false
		}
		s.logger.Error("session lookup failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "Session lookup failed", nil)
		return Session{}, false
	}
	return current, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), nil)
		return false
	}
	return true
}

// fail writes the mapped error. Unexpected errors are logged; domain errors
// are the caller's problem and are not.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && code == "server_error" {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewHandle()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func sessionResponse(session Session, user store.User) map[string]any {
	return map[string]any{
		"user":         toUserView(user),
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "validation_error", strings.TrimPrefix(err.Error(), authpw.ErrInvalidInput.Error()+": "), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "email_taken", "Email already registered", nil
	case errors.Is(err, authpw.ErrUsernameTaken):
		return http.StatusConflict, "username_taken", "Username already taken", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials", "Invalid email or password", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "Conflicting update", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "not_found", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "server_error", "Server error", nil
}
