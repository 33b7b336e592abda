package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/authpw"
	"folio/api/internal/cache"
	"folio/api/internal/collab"
	"folio/api/internal/config"
	"folio/api/internal/media"
	"folio/api/internal/notify"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/store"
	"folio/api/internal/util"

	"go.uber.org/zap"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Avatar       string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Identity() collab.Identity {
	return collab.Identity{ID: s.UserID, Username: s.Username, Avatar: s.Avatar}
}

type dataStore interface {
	Ping(context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListUsersByUsernames(context.Context, []string) ([]store.User, error)
	UpdateUserProfile(context.Context, string, string, string) error
	UpdateUserPassword(context.Context, string, string) error
	DeleteUser(context.Context, string) (store.Removed, error)
	NotificationSettings(context.Context, string) (store.NotificationSettings, error)
	UpdateNotificationSettings(context.Context, string, store.NotificationSettings) error
	SuggestUsers(context.Context, string, int) ([]store.User, error)

	CreateWorkspace(context.Context, store.Workspace) error
	GetWorkspace(context.Context, string) (store.Workspace, error)
	ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error)
	UpdateWorkspace(context.Context, string, string) error
	DeleteWorkspace(context.Context, string) error
	WorkspaceRole(context.Context, string, string) (string, error)
	UpsertWorkspaceMember(context.Context, string, string, string) error
	ListWorkspaceMembers(context.Context, string) ([]store.WorkspaceMember, error)

	CreatePage(context.Context, store.Page) (store.Page, error)
	GetPage(context.Context, string) (store.Page, error)
	ListPages(context.Context, string, string) ([]store.Page, error)
	UpdatePage(context.Context, string, *string, *string) (store.Page, error)
	DeletePage(context.Context, string) error
	TouchPage(context.Context, string) error
	PageAccessFor(context.Context, string, string) (store.PageAccess, error)
	AccessiblePageIDs(context.Context, string, string) ([]string, error)
	UpsertPageInvite(context.Context, string, string, string) error
	RemovePageInvite(context.Context, string, string) (bool, error)
	ListPageInvites(context.Context, string) ([]store.PageInvite, error)
	ToggleFavorite(context.Context, string, string) (bool, error)
	ListFavoritePages(context.Context, string) ([]store.PageAccess, error)
	AddPageTag(context.Context, string, string) error
	RemovePageTag(context.Context, string, string) (bool, error)
	PageTags(context.Context, []string) (map[string][]string, error)
	SuggestPages(context.Context, string, string, int) ([]store.Page, error)

	ListBlocks(context.Context, string) ([]store.Block, error)
	GetBlock(context.Context, string) (store.Block, error)
	CreateBlock(context.Context, store.Block, *int) (store.Block, error)
	UpdateBlock(context.Context, string, store.BlockPatch, string) (store.Block, error)
	DeleteBlock(context.Context, string) (store.Removed, error)
	ReorderBlocks(context.Context, string, []store.BlockPosition, string) ([]store.Block, error)

	ListComments(context.Context, string, *string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	CreateComment(context.Context, store.Comment, []string) (store.Comment, error)
	UpdateComment(context.Context, string, string, []string) (store.Comment, error)
	DeleteComment(context.Context, string) (store.Removed, error)
	SetCommentResolved(context.Context, string, bool, string) (store.Comment, error)

	ListNotifications(context.Context, string, bool, int) ([]store.Notification, error)
	UnreadNotificationCount(context.Context, string) (int, error)
	MarkNotificationsRead(context.Context, string, []string) (int64, error)
	DeleteNotification(context.Context, string, string) error

	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// tokenStore holds refresh sessions and the access token blocklist. Redis
// serves it when configured, the database otherwise.
type tokenStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	Healthy() bool
	IndexPage(search.PageRecord)
	IndexBlock(search.BlockRecord)
	IndexComment(search.CommentRecord)
	DeletePage(string)
	DeleteBlocks([]string)
	DeleteComments([]string)
}

// broadcaster pushes server-originated events into the collaboration rooms.
type broadcaster interface {
	EmitToRoom(room, event string, data any) error
	Stats(ctx context.Context) (collab.Stats, error)
	Participants(ctx context.Context, pageID string) ([]collab.Participant, error)
}

type notifier interface {
	Dispatch(ctx context.Context, n notify.Notice) (store.Notification, error)
}

type uploader interface {
	PresignUpload(ctx context.Context, pageID, filename string) (media.Upload, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a Service is built from. Only Store is
// required; the rest degrade to disabled features when nil.
type Deps struct {
	Store    dataStore
	Tokens   tokenStore
	Cache    *cache.Cache
	Search   searchIndex
	Hub      broadcaster
	Notifier notifier
	Uploads  uploader
	Redis    pinger
	Logger   *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	tokens    tokenStore
	passwords *authpw.Service
	cache     *cache.Cache
	search    searchIndex
	hub       broadcaster
	notifier  notifier
	uploads   uploader
	redis     pinger
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = deps.Store
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		tokens:    tokens,
		passwords: authpw.NewService(deps.Store),
		cache:     deps.Cache,
		search:    deps.Search,
		hub:       deps.Hub,
		notifier:  deps.Notifier,
		uploads:   deps.Uploads,
		redis:     deps.Redis,
		logger:    logger.Named("app"),
		now:       time.Now,
	}
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
}

// Register creates the account, its personal workspace and a first session.
func (s *Service) Register(ctx context.Context, input RegisterInput) (Session, store.User, error) {
	user, err := s.passwords.Register(ctx, authpw.RegisterRequest{
		Username: input.Username,
		Email:    input.Email,
		Password: input.Password,
		FullName: input.FullName,
	})
	if err != nil {
		return Session{}, store.User{}, err
	}

	workspace := store.Workspace{
		ID:      util.NewID("ws"),
		Name:    user.Username + "'s workspace",
		OwnerID: user.ID,
	}
	if err := s.store.CreateWorkspace(ctx, workspace); err != nil {
		return Session{}, store.User{}, fmt.Errorf("create personal workspace: %w", err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return session, user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, store.User, error) {
	user, err := s.passwords.Login(ctx, email, password)
	if err != nil {
		return Session{}, store.User{}, err
	}
	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, store.User{}, err
	}
	return session, user, nil
}

// Refresh rotates a refresh token. The presented token is spent either way.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, errUnauthorized
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.tokens.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, sql.ErrNoRows) {
		return Session{}, errUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.tokens.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.tokens.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Avatar:       user.Avatar,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token and rejects blocklisted ones.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.tokens.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Username:  claims.Username,
		Avatar:    claims.Avatar,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.tokens.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.tokens.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	return nil
}

// AuthenticateSocket resolves a WebSocket handshake credential.
func (s *Service) AuthenticateSocket(ctx context.Context, token string) (collab.Identity, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return collab.Identity{}, err
	}
	return session.Identity(), nil
}

// CanJoinPage admits sessions that may read the page. Unknown pages are a
// refusal, not an error.
func (s *Service) CanJoinPage(ctx context.Context, userID, pageID string) (bool, error) {
	_, role, err := s.pageRole(ctx, pageID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.Can(role, rbac.ActionRead), nil
}

func (s *Service) CanJoinWorkspace(ctx context.Context, userID, workspaceID string) (bool, error) {
	role, err := s.store.WorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		return false, err
	}
	return role != "", nil
}

func (s *Service) Me(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

type ProfileInput struct {
	FullName *string `json:"fullName"`
	Avatar   *string `json:"avatar"`
}

func (s *Service) UpdateProfile(ctx context.Context, userID string, input ProfileInput) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return store.User{}, err
	}
	if input.FullName != nil {
		user.FullName = strings.TrimSpace(*input.FullName)
	}
	if input.Avatar != nil {
		user.Avatar = strings.TrimSpace(*input.Avatar)
	}
	if len(user.FullName) > 100 {
		return store.User{}, invalidInput("fullName must be at most 100 characters")
	}
	if err := s.store.UpdateUserProfile(ctx, userID, user.FullName, user.Avatar); err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	return s.passwords.ChangePassword(ctx, userID, current, next)
}

// DeleteAccount removes the caller with everything they own and ends the
// presented session.
func (s *Service) DeleteAccount(ctx context.Context, session Session, refreshToken string) error {
	removed, err := s.store.DeleteUser(ctx, session.UserID)
	if err != nil {
		return err
	}
	for _, pageID := range removed.PageIDs {
		s.forgetPage(ctx, pageID)
	}
	if s.search != nil {
		s.search.DeleteComments(removed.CommentIDs)
	}
	if err := s.Logout(ctx, session, refreshToken); err != nil {
		return err
	}
	s.logger.Info("account deleted", zap.String("user_id", session.UserID), zap.Int("pages", len(removed.PageIDs)))
	return nil
}

// pageRole loads the page together with the caller's resolved role on it.
func (s *Service) pageRole(ctx context.Context, pageID, userID string) (store.Page, rbac.Role, error) {
	access, err := s.store.PageAccessFor(ctx, pageID, userID)
	if err != nil {
		return store.Page{}, rbac.RoleNone, err
	}
	role := rbac.Resolve(rbac.PageAccess{
		IsOwner:      access.Page.OwnerID == userID,
		InvitedRole:  access.InvitedRole,
		PublicAccess: access.Page.PublicAccess,
	})
	return access.Page, role, nil
}

func (s *Service) authorizePage(ctx context.Context, pageID, userID string, action rbac.Action) (store.Page, rbac.Role, error) {
	page, role, err := s.pageRole(ctx, pageID, userID)
	if err != nil {
		return store.Page{}, rbac.RoleNone, err
	}
	if role == rbac.RoleNone {
		return store.Page{}, rbac.RoleNone, forbidden("You do not have access to this page")
	}
	if !rbac.Can(role, action) {
		return store.Page{}, role, forbidden(fmt.Sprintf("Your role on this page cannot %s", action))
	}
	return page, role, nil
}

func (s *Service) emit(room, event string, data any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.EmitToRoom(room, event, data); err != nil {
		s.logger.Warn("room emit failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, n notify.Notice) {
	if s.notifier == nil || n.Recipient.ID == "" || n.Recipient.ID == n.Sender.ID {
		return
	}
	if _, err := s.notifier.Dispatch(ctx, n); err != nil {
		s.logger.Warn("notification dispatch failed",
			zap.String("kind", string(n.Kind)),
			zap.String("recipient", n.Recipient.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) invalidate(what string, fn func() error) {
	if err := fn(); err != nil {
		s.logger.Warn("cache invalidation failed", zap.String("scope", what), zap.Error(err))
	}
}

// ReadyReport is the body of the readiness endpoint.
type ReadyReport struct {
	Ready  bool                  `json:"ok"`
	Status string                `json:"status"`
	Checks map[string]ReadyCheck `json:"checks"`
	Hub    *collab.Stats         `json:"hub,omitempty"`
}

type ReadyCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready checks the database and Redis. Search reports its engine but never
// fails readiness, since the database fallback keeps it serving.
func (s *Service) Ready(ctx context.Context) ReadyReport {
	report := ReadyReport{Ready: true, Status: "ready", Checks: map[string]ReadyCheck{}}
	check := func(name string, err error) {
		if err != nil {
			report.Ready = false
			report.Status = "not_ready"
			report.Checks[name] = ReadyCheck{Status: "error", Error: err.Error()}
			return
		}
		report.Checks[name] = ReadyCheck{Status: "ok"}
	}

	check("database", s.store.Ping(ctx))
	if s.redis != nil {
		check("redis", s.redis.Ping(ctx))
	}
	if s.search != nil {
		engine := "postgres"
		if s.search.Healthy() {
			engine = "meilisearch"
		}
		report.Checks["search"] = ReadyCheck{Status: engine}
	}
	if s.hub != nil {
		if stats, err := s.hub.Stats(ctx); err == nil {
			report.Hub = &stats
		} else {
			check("hub", err)
		}
	}
	return report
}
