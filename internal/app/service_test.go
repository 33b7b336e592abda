package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/api/internal/auth"
	"folio/api/internal/cache"
	"folio/api/internal/collab"
	"folio/api/internal/config"
	"folio/api/internal/email"
	"folio/api/internal/notify"
	"folio/api/internal/search"
	"folio/api/internal/session"
	"folio/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeStore embeds dataStore so tests only spell out the calls they expect;
// anything else panics on the nil interface.
type fakeStore struct {
	dataStore

	pingFn                  func(context.Context) error
	createUserFn            func(context.Context, store.User) error
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	getUserByUsernameFn     func(context.Context, string) (store.User, error)
	listUsersByUsernamesFn  func(context.Context, []string) ([]store.User, error)
	createWorkspaceFn       func(context.Context, store.Workspace) error
	getWorkspaceFn          func(context.Context, string) (store.Workspace, error)
	workspaceRoleFn         func(context.Context, string, string) (string, error)
	createPageFn            func(context.Context, store.Page) (store.Page, error)
	updatePageFn            func(context.Context, string, *string, *string) (store.Page, error)
	pageAccessForFn         func(context.Context, string, string) (store.PageAccess, error)
	accessiblePageIDsFn     func(context.Context, string, string) ([]string, error)
	listBlocksFn            func(context.Context, string) ([]store.Block, error)
	getBlockFn              func(context.Context, string) (store.Block, error)
	createBlockFn           func(context.Context, store.Block, *int) (store.Block, error)
	updateBlockFn           func(context.Context, string, store.BlockPatch, string) (store.Block, error)
	reorderBlocksFn         func(context.Context, string, []store.BlockPosition, string) ([]store.Block, error)
	getCommentFn            func(context.Context, string) (store.Comment, error)
	createCommentFn         func(context.Context, store.Comment, []string) (store.Comment, error)
	deleteBlockFn           func(context.Context, string) (store.Removed, error)
	deleteCommentFn         func(context.Context, string) (store.Removed, error)
	deleteUserFn            func(context.Context, string) (store.Removed, error)
	getPageFn               func(context.Context, string) (store.Page, error)
	toggleFavoriteFn        func(context.Context, string, string) (bool, error)
	listFavoritePagesFn     func(context.Context, string) ([]store.PageAccess, error)
	suggestPagesFn          func(context.Context, string, string, int) ([]store.Page, error)
	suggestUsersFn          func(context.Context, string, int) ([]store.User, error)
	listNotificationsFn     func(context.Context, string, bool, int) ([]store.Notification, error)

	unreadNotificationCount int

	mu       sync.Mutex
	touched  []string
	tags     map[string][]string
	settings *store.NotificationSettings
	revoked  []string
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Username: "user_" + id}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if f.getUserByUsernameFn != nil {
		return f.getUserByUsernameFn(ctx, username)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ListUsersByUsernames(ctx context.Context, names []string) ([]store.User, error) {
	if f.listUsersByUsernamesFn != nil {
		return f.listUsersByUsernamesFn(ctx, names)
	}
	return nil, nil
}
func (f *fakeStore) CreateWorkspace(ctx context.Context, ws store.Workspace) error {
	if f.createWorkspaceFn != nil {
		return f.createWorkspaceFn(ctx, ws)
	}
	return nil
}
func (f *fakeStore) GetWorkspace(ctx context.Context, id string) (store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, id)
	}
	return store.Workspace{}, sql.ErrNoRows
}
func (f *fakeStore) WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	if f.workspaceRoleFn != nil {
		return f.workspaceRoleFn(ctx, workspaceID, userID)
	}
	return "", nil
}
func (f *fakeStore) CreatePage(ctx context.Context, page store.Page) (store.Page, error) {
	if f.createPageFn != nil {
		return f.createPageFn(ctx, page)
	}
	page.PublicAccess = accessNone
	return page, nil
}
func (f *fakeStore) UpdatePage(ctx context.Context, pageID string, title, publicAccess *string) (store.Page, error) {
	if f.updatePageFn != nil {
		return f.updatePageFn(ctx, pageID, title, publicAccess)
	}
	return store.Page{ID: pageID}, nil
}
func (f *fakeStore) TouchPage(_ context.Context, pageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, pageID)
	return nil
}
func (f *fakeStore) PageAccessFor(ctx context.Context, pageID, userID string) (store.PageAccess, error) {
	if f.pageAccessForFn != nil {
		return f.pageAccessForFn(ctx, pageID, userID)
	}
	return store.PageAccess{}, sql.ErrNoRows
}
func (f *fakeStore) AccessiblePageIDs(ctx context.Context, userID, workspaceID string) ([]string, error) {
	if f.accessiblePageIDsFn != nil {
		return f.accessiblePageIDsFn(ctx, userID, workspaceID)
	}
	return nil, nil
}
func (f *fakeStore) ListBlocks(ctx context.Context, pageID string) ([]store.Block, error) {
	if f.listBlocksFn != nil {
		return f.listBlocksFn(ctx, pageID)
	}
	return nil, nil
}
func (f *fakeStore) GetBlock(ctx context.Context, id string) (store.Block, error) {
	if f.getBlockFn != nil {
		return f.getBlockFn(ctx, id)
	}
	return store.Block{}, sql.ErrNoRows
}
func (f *fakeStore) CreateBlock(ctx context.Context, block store.Block, order *int) (store.Block, error) {
	if f.createBlockFn != nil {
		return f.createBlockFn(ctx, block, order)
	}
	return block, nil
}
func (f *fakeStore) UpdateBlock(ctx context.Context, id string, patch store.BlockPatch, by string) (store.Block, error) {
	if f.updateBlockFn != nil {
		return f.updateBlockFn(ctx, id, patch, by)
	}
	return store.Block{ID: id}, nil
}
func (f *fakeStore) ReorderBlocks(ctx context.Context, pageID string, positions []store.BlockPosition, by string) ([]store.Block, error) {
	if f.reorderBlocksFn != nil {
		return f.reorderBlocksFn(ctx, pageID, positions, by)
	}
	return nil, nil
}
func (f *fakeStore) GetComment(ctx context.Context, id string) (store.Comment, error) {
	if f.getCommentFn != nil {
		return f.getCommentFn(ctx, id)
	}
	return store.Comment{}, sql.ErrNoRows
}
func (f *fakeStore) CreateComment(ctx context.Context, c store.Comment, mentionIDs []string) (store.Comment, error) {
	if f.createCommentFn != nil {
		return f.createCommentFn(ctx, c, mentionIDs)
	}
	return c, nil
}
func (f *fakeStore) DeleteBlock(ctx context.Context, id string) (store.Removed, error) {
	if f.deleteBlockFn != nil {
		return f.deleteBlockFn(ctx, id)
	}
	return store.Removed{BlockIDs: []string{id}}, nil
}
func (f *fakeStore) DeleteComment(ctx context.Context, id string) (store.Removed, error) {
	if f.deleteCommentFn != nil {
		return f.deleteCommentFn(ctx, id)
	}
	return store.Removed{CommentIDs: []string{id}}, nil
}
func (f *fakeStore) DeleteUser(ctx context.Context, id string) (store.Removed, error) {
	if f.deleteUserFn != nil {
		return f.deleteUserFn(ctx, id)
	}
	return store.Removed{}, nil
}
func (f *fakeStore) GetPage(ctx context.Context, id string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, id)
	}
	return store.Page{}, sql.ErrNoRows
}
func (f *fakeStore) ToggleFavorite(ctx context.Context, userID, pageID string) (bool, error) {
	if f.toggleFavoriteFn != nil {
		return f.toggleFavoriteFn(ctx, userID, pageID)
	}
	return true, nil
}
func (f *fakeStore) ListFavoritePages(ctx context.Context, userID string) ([]store.PageAccess, error) {
	if f.listFavoritePagesFn != nil {
		return f.listFavoritePagesFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) SuggestPages(ctx context.Context, userID, text string, limit int) ([]store.Page, error) {
	if f.suggestPagesFn != nil {
		return f.suggestPagesFn(ctx, userID, text, limit)
	}
	return nil, nil
}
func (f *fakeStore) SuggestUsers(ctx context.Context, prefix string, limit int) ([]store.User, error) {
	if f.suggestUsersFn != nil {
		return f.suggestUsersFn(ctx, prefix, limit)
	}
	return nil, nil
}

// Tags and notification settings are kept in memory on the fake.
func (f *fakeStore) AddPageTag(_ context.Context, pageID, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.tags[pageID] {
		if existing == tag {
			return store.ErrConflict
		}
	}
	if f.tags == nil {
		f.tags = map[string][]string{}
	}
	f.tags[pageID] = append(f.tags[pageID], tag)
	sort.Strings(f.tags[pageID])
	return nil
}
func (f *fakeStore) RemovePageTag(_ context.Context, pageID, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.tags[pageID] {
		if existing == tag {
			f.tags[pageID] = append(f.tags[pageID][:i], f.tags[pageID][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStore) PageTags(_ context.Context, pageIDs []string) (map[string][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string][]string{}
	for _, id := range pageIDs {
		if tags := f.tags[id]; len(tags) > 0 {
			out[id] = append([]string(nil), tags...)
		}
	}
	return out, nil
}
func (f *fakeStore) NotificationSettings(context.Context, string) (store.NotificationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		return store.DefaultNotificationSettings(), nil
	}
	return *f.settings, nil
}
func (f *fakeStore) UpdateNotificationSettings(_ context.Context, _ string, settings store.NotificationSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = &settings
	return nil
}
func (f *fakeStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]store.Notification, error) {
	if f.listNotificationsFn != nil {
		return f.listNotificationsFn(ctx, userID, unreadOnly, limit)
	}
	return nil, nil
}
func (f *fakeStore) UnreadNotificationCount(context.Context, string) (int, error) {
	return f.unreadNotificationCount, nil
}

// The database token methods are only reached when no Redis store is wired.
func (f *fakeStore) SaveRefreshSession(context.Context, string, string, time.Time) error { return nil }
func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }
func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, jti)
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.revoked {
		if id == jti {
			return true, nil
		}
	}
	return false, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (f *fakeNotifier) Dispatch(_ context.Context, n notify.Notice) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return store.Notification{ID: "ntf_1", RecipientID: n.Recipient.ID}, nil
}

type emitted struct {
	room  string
	event string
	data  any
}

type fakeHub struct {
	mu     sync.Mutex
	emits  []emitted
	stats  collab.Stats
	roster []collab.Participant
}

func (f *fakeHub) EmitToRoom(room, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{room: room, event: event, data: data})
	return nil
}
func (f *fakeHub) Stats(context.Context) (collab.Stats, error) { return f.stats, nil }
func (f *fakeHub) Participants(context.Context, string) ([]collab.Participant, error) {
	return f.roster, nil
}

type fakeSearch struct {
	mu              sync.Mutex
	queries         []search.Query
	pages           []search.PageRecord
	blocks          []search.BlockRecord
	deletedPages    []string
	deletedBlocks   []string
	deletedComments []string
	healthy         bool
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{Type: search.ResultPage, ID: q.PageIDs[0], PageID: q.PageIDs[0]}}, Total: 1, Query: q.Text}
}
func (f *fakeSearch) Healthy() bool { return f.healthy }
func (f *fakeSearch) IndexPage(p search.PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, p)
}
func (f *fakeSearch) IndexBlock(b search.BlockRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
}
func (f *fakeSearch) IndexComment(search.CommentRecord) {}
func (f *fakeSearch) DeletePage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPages = append(f.deletedPages, id)
}
func (f *fakeSearch) DeleteBlocks(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBlocks = append(f.deletedBlocks, ids...)
}
func (f *fakeSearch) DeleteComments(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedComments = append(f.deletedComments, ids...)
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "test-secret",
		AccessTTL:       time.Hour,
		RefreshTTL:      24 * time.Hour,
		BlockCacheTTL:   time.Minute,
		CommentCacheTTL: time.Minute,
		SearchCacheTTL:  time.Minute,
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), Deps{Store: fs})
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// pageOwnedBy serves PageAccessFor for one page with a fixed owner, invite map and sharing.
func pageOwnedBy(pageID, ownerID string, invites map[string]string, publicAccess string) func(context.Context, string, string) (store.PageAccess, error) {
	return func(_ context.Context, id, userID string) (store.PageAccess, error) {
		if id != pageID {
			return store.PageAccess{}, sql.ErrNoRows
		}
		return store.PageAccess{
			Page:        store.Page{ID: pageID, WorkspaceID: "ws_1", OwnerID: ownerID, Title: "Roadmap", PublicAccess: publicAccess},
			InvitedRole: invites[userID],
		}, nil
	}
}

func statusOf(err error) int {
	status, _, _, _ := mapError(err)
	return status
}

func TestRegisterCreatesPersonalWorkspace(t *testing.T) {
	var created store.User
	var workspace store.Workspace
	fs := &fakeStore{
		createUserFn: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
		createWorkspaceFn: func(_ context.Context, ws store.Workspace) error {
			workspace = ws
			return nil
		},
	}
	svc := newTestService(fs)

	sess, user, err := svc.Register(context.Background(), RegisterInput{
		Username: "ada",
		Email:    "  Ada@Example.com ",
		Password: "secret1",
		FullName: "Ada Lovelace",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if created.Email != "ada@example.com" {
		t.Fatalf("expected lowercased email, got %q", created.Email)
	}
	if workspace.OwnerID != user.ID || workspace.Name != "ada's workspace" {
		t.Fatalf("unexpected personal workspace %+v", workspace)
	}
	claims, err := auth.ParseToken([]byte("test-secret"), sess.Token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if claims.Sub != user.ID || claims.Username != "ada" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if sess.RefreshToken == "" {
		t.Fatal("expected a refresh token")
	}
}

func TestRegisterRejectsTakenEmail(t *testing.T) {
	fs := &fakeStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: "usr_1"}, nil
		},
	}
	_, _, err := newTestService(fs).Register(context.Background(), RegisterInput{
		Username: "ada", Email: "ada@example.com", Password: "secret1",
	})
	if status := statusOf(err); status != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", status, err)
	}
}

func TestRefreshRotatesAndLogoutRevokes(t *testing.T) {
	client, _ := newRedisClient(t)
	fs := &fakeStore{}
	svc := New(testConfig(), Deps{Store: fs, Tokens: session.NewRedisStoreWithClient(client, fs)})
	ctx := context.Background()

	first, err := svc.issueSession(ctx, store.User{ID: "usr_1", Username: "ada"})
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if _, err := svc.Refresh(ctx, first.RefreshToken); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("spent refresh token should be rejected with 401, got %v", err)
	}

	if _, err := svc.SessionFromToken(ctx, second.Token); err != nil {
		t.Fatalf("fresh access token rejected: %v", err)
	}
	if err := svc.Logout(ctx, second, second.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, second.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected blocklisted token to be invalid, got %v", err)
	}
	if _, err := svc.AuthenticateSocket(ctx, second.Token); err == nil {
		t.Fatal("socket handshake accepted a blocklisted token")
	}
	if _, err := svc.Refresh(ctx, second.RefreshToken); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("logged out refresh token should be rejected, got %v", err)
	}
}

func TestCanJoinPage(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: func(ctx context.Context, pageID, userID string) (store.PageAccess, error) {
			switch pageID {
			case "pg_private":
				return pageOwnedBy("pg_private", "usr_owner", map[string]string{"usr_viewer": "viewer"}, accessNone)(ctx, pageID, userID)
			case "pg_public":
				return pageOwnedBy("pg_public", "usr_owner", nil, accessReadOnly)(ctx, pageID, userID)
			case "pg_broken":
				return store.PageAccess{}, errors.New("connection reset")
			}
			return store.PageAccess{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)

	tests := []struct {
		name    string
		userID  string
		pageID  string
		want    bool
		wantErr bool
	}{
		{name: "owner", userID: "usr_owner", pageID: "pg_private", want: true},
		{name: "invited viewer", userID: "usr_viewer", pageID: "pg_private", want: true},
		{name: "stranger", userID: "usr_other", pageID: "pg_private", want: false},
		{name: "public page", userID: "usr_other", pageID: "pg_public", want: true},
		{name: "unknown page", userID: "usr_owner", pageID: "pg_missing", want: false},
		{name: "store failure", userID: "usr_owner", pageID: "pg_broken", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.CanJoinPage(context.Background(), tt.userID, tt.pageID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanJoinPage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("CanJoinPage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanJoinWorkspaceRequiresMembership(t *testing.T) {
	fs := &fakeStore{
		workspaceRoleFn: func(_ context.Context, _, userID string) (string, error) {
			if userID == "usr_member" {
				return "viewer", nil
			}
			return "", nil
		},
	}
	svc := newTestService(fs)
	if ok, _ := svc.CanJoinWorkspace(context.Background(), "usr_member", "ws_1"); !ok {
		t.Fatal("member should be admitted")
	}
	if ok, _ := svc.CanJoinWorkspace(context.Background(), "usr_other", "ws_1"); ok {
		t.Fatal("non-member should be refused")
	}
}

func TestCreateBlockValidation(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", map[string]string{"usr_viewer": "viewer"}, accessNone),
		getBlockFn: func(_ context.Context, id string) (store.Block, error) {
			if id == "blk_other" {
				return store.Block{ID: id, PageID: "pg_2"}, nil
			}
			return store.Block{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)
	owner := Session{UserID: "usr_1", Username: "ada"}
	foreign := "blk_other"
	negative := -1

	tests := []struct {
		name    string
		session Session
		input   BlockInput
		status  int
	}{
		{name: "unknown type", session: owner, input: BlockInput{Type: "video"}, status: http.StatusUnprocessableEntity},
		{name: "negative order", session: owner, input: BlockInput{Type: "text", Order: &negative}, status: http.StatusUnprocessableEntity},
		{name: "bad content", session: owner, input: BlockInput{Type: "text", Content: json.RawMessage(`{"text":`)}, status: http.StatusUnprocessableEntity},
		{name: "parent on another page", session: owner, input: BlockInput{Type: "text", ParentID: &foreign}, status: http.StatusUnprocessableEntity},
		{name: "viewer cannot write", session: Session{UserID: "usr_viewer"}, input: BlockInput{Type: "text"}, status: http.StatusForbidden},
		{name: "stranger", session: Session{UserID: "usr_x"}, input: BlockInput{Type: "text"}, status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBlock(context.Background(), tt.session, "pg_1", tt.input)
			if got := statusOf(err); got != tt.status {
				t.Fatalf("expected %d, got %d (%v)", tt.status, got, err)
			}
		})
	}
}

func TestCreateBlockIndexesAndTouchesPage(t *testing.T) {
	var order *int
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", nil, accessNone),
		createBlockFn: func(_ context.Context, block store.Block, o *int) (store.Block, error) {
			order = o
			block.Order = 0
			return block, nil
		},
	}
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: fs, Search: index})

	view, err := svc.CreateBlock(context.Background(), Session{UserID: "usr_1"}, "pg_1", BlockInput{
		Type:    "heading1",
		Content: json.RawMessage(`{"text":"Launch plan"}`),
	})
	if err != nil {
		t.Fatalf("CreateBlock() error = %v", err)
	}
	if order != nil {
		t.Fatalf("omitted order should reach the store as nil, got %d", *order)
	}
	if view.CreatedBy != "usr_1" || view.Type != "heading1" {
		t.Fatalf("unexpected block %+v", view)
	}
	if len(fs.touched) != 1 || fs.touched[0] != "pg_1" {
		t.Fatalf("expected the page to be touched, got %v", fs.touched)
	}
	if len(index.blocks) != 1 || index.blocks[0].Text != "Launch plan" || index.blocks[0].WorkspaceID != "ws_1" {
		t.Fatalf("unexpected index records %+v", index.blocks)
	}
}

func TestListBlocksIsCachedUntilAWrite(t *testing.T) {
	client, _ := newRedisClient(t)
	calls := 0
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", nil, accessNone),
		listBlocksFn: func(context.Context, string) ([]store.Block, error) {
			calls++
			return []store.Block{{ID: "blk_1", PageID: "pg_1", Type: "text", Content: json.RawMessage(`{"text":"hi"}`)}}, nil
		},
		updateBlockFn: func(_ context.Context, id string, _ store.BlockPatch, by string) (store.Block, error) {
			return store.Block{ID: id, PageID: "pg_1", Type: "text", LastModifiedBy: by}, nil
		},
		getBlockFn: func(_ context.Context, id string) (store.Block, error) {
			return store.Block{ID: id, PageID: "pg_1", Type: "text"}, nil
		},
	}
	svc := New(testConfig(), Deps{Store: fs, Cache: cache.New(client, nil)})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		blocks, err := svc.ListBlocks(ctx, "usr_1", "pg_1")
		if err != nil {
			t.Fatalf("ListBlocks() error = %v", err)
		}
		if len(blocks) != 1 || string(blocks[0].Content) != `{"text":"hi"}` {
			t.Fatalf("unexpected blocks %+v", blocks)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one store read, got %d", calls)
	}

	if _, err := svc.UpdateBlock(ctx, Session{UserID: "usr_1"}, "blk_1", BlockUpdateInput{Content: json.RawMessage(`{"text":"bye"}`)}); err != nil {
		t.Fatalf("UpdateBlock() error = %v", err)
	}
	if _, err := svc.ListBlocks(ctx, "usr_1", "pg_1"); err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("write should invalidate the cache, got %d reads", calls)
	}
}

func TestReorderBlocksValidatesBatch(t *testing.T) {
	parent := "blk_1"
	stored := 0
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", nil, accessNone),
		listBlocksFn: func(context.Context, string) ([]store.Block, error) {
			// blk_2 sits under blk_1; blk_3 is a top-level sibling
			return []store.Block{
				{ID: "blk_1", PageID: "pg_1"},
				{ID: "blk_2", PageID: "pg_1", ParentID: &parent},
				{ID: "blk_3", PageID: "pg_1", Order: 1},
			}, nil
		},
		reorderBlocksFn: func(context.Context, string, []store.BlockPosition, string) ([]store.Block, error) {
			stored++
			return nil, store.ErrConflict
		},
	}
	svc := newTestService(fs)
	owner := Session{UserID: "usr_1"}
	self := "blk_1"
	two := "blk_2"
	three := "blk_3"
	elsewhere := "blk_9"

	tests := []struct {
		name      string
		positions []PositionInput
		status    int
		reaches   bool
	}{
		{name: "empty", positions: nil, status: http.StatusUnprocessableEntity},
		{name: "duplicate", positions: []PositionInput{{ID: "blk_1"}, {ID: "blk_1", Order: 1}}, status: http.StatusUnprocessableEntity},
		{name: "own parent", positions: []PositionInput{{ID: "blk_1", ParentID: &self}}, status: http.StatusUnprocessableEntity},
		{name: "two node cycle", positions: []PositionInput{{ID: "blk_1", ParentID: &three}, {ID: "blk_3", ParentID: &self}}, status: http.StatusUnprocessableEntity},
		{name: "under own descendant", positions: []PositionInput{{ID: "blk_1", ParentID: &two}}, status: http.StatusUnprocessableEntity},
		{name: "block from another page", positions: []PositionInput{{ID: "blk_9"}}, status: http.StatusUnprocessableEntity},
		{name: "parent from another page", positions: []PositionInput{{ID: "blk_3", ParentID: &elsewhere}}, status: http.StatusUnprocessableEntity},
		{name: "sibling collision", positions: []PositionInput{{ID: "blk_1"}, {ID: "blk_3"}}, status: http.StatusConflict, reaches: true},
		{name: "swap parent and child", positions: []PositionInput{{ID: "blk_2"}, {ID: "blk_1", ParentID: &two}}, status: http.StatusConflict, reaches: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored = 0
			_, err := svc.ReorderBlocks(context.Background(), owner, "pg_1", tt.positions)
			if got := statusOf(err); got != tt.status {
				t.Fatalf("expected %d, got %d (%v)", tt.status, got, err)
			}
			if reached := stored > 0; reached != tt.reaches {
				t.Fatalf("store reached = %v, want %v", reached, tt.reaches)
			}
		})
	}
}

func TestReorderBlocksMapsStoreCycle(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", nil, accessNone),
		listBlocksFn: func(context.Context, string) ([]store.Block, error) {
			return []store.Block{{ID: "blk_1", PageID: "pg_1"}}, nil
		},
		reorderBlocksFn: func(context.Context, string, []store.BlockPosition, string) ([]store.Block, error) {
			return nil, store.ErrCycle
		},
	}
	_, err := newTestService(fs).ReorderBlocks(context.Background(), Session{UserID: "usr_1"}, "pg_1", []PositionInput{{ID: "blk_1"}})
	if got := statusOf(err); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a cycle caught at commit, got %d (%v)", got, err)
	}
}

func TestDeleteBlockDropsSubtreeFromSearch(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_1", nil, accessNone),
		getBlockFn: func(_ context.Context, id string) (store.Block, error) {
			return store.Block{ID: id, PageID: "pg_1"}, nil
		},
		deleteBlockFn: func(context.Context, string) (store.Removed, error) {
			return store.Removed{BlockIDs: []string{"blk_parent", "blk_child"}, CommentIDs: []string{"cmt_child", "cmt_reply"}}, nil
		},
	}
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: fs, Search: index})

	if err := svc.DeleteBlock(context.Background(), Session{UserID: "usr_1"}, "blk_parent"); err != nil {
		t.Fatalf("DeleteBlock() error = %v", err)
	}
	if got := strings.Join(index.deletedBlocks, ","); got != "blk_parent,blk_child" {
		t.Fatalf("blocks dropped from search = %s", got)
	}
	if got := strings.Join(index.deletedComments, ","); got != "cmt_child,cmt_reply" {
		t.Fatalf("comments dropped from search = %s", got)
	}
}

func TestCreateCommentNotifiesMentionsAndParentAuthor(t *testing.T) {
	users := map[string]store.User{
		"bob":   {ID: "usr_bob", Username: "bob", Email: "bob@example.com"},
		"carol": {ID: "usr_carol", Username: "carol"},
		"ada":   {ID: "usr_ada", Username: "ada"},
	}
	var gotMentions []string
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_ada", map[string]string{"usr_bob": "editor"}, accessNone),
		listUsersByUsernamesFn: func(_ context.Context, names []string) ([]store.User, error) {
			var out []store.User
			for _, name := range names {
				if u, ok := users[name]; ok {
					out = append(out, u)
				}
			}
			return out, nil
		},
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, PageID: "pg_1", Author: store.User{ID: "usr_dave", Username: "dave"}}, nil
		},
		createCommentFn: func(_ context.Context, c store.Comment, mentionIDs []string) (store.Comment, error) {
			gotMentions = mentionIDs
			return c, nil
		},
	}
	notifier := &fakeNotifier{}
	svc := New(testConfig(), Deps{Store: fs, Notifier: notifier})
	parent := "cmt_parent"

	_, err := svc.CreateComment(context.Background(), Session{UserID: "usr_ada", Username: "ada"}, "pg_1", CommentInput{
		Content:  "@bob @bob and @carol, see @ghost. cc @ada",
		ParentID: &parent,
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if len(gotMentions) != 3 {
		t.Fatalf("expected bob, carol and ada as mentions, got %v", gotMentions)
	}

	kinds := map[string]email.Kind{}
	for _, n := range notifier.notices {
		if _, dup := kinds[n.Recipient.ID]; dup {
			t.Fatalf("recipient %s notified twice", n.Recipient.ID)
		}
		kinds[n.Recipient.ID] = n.Kind
	}
	want := map[string]email.Kind{
		"usr_bob":   email.KindCommentMention,
		"usr_carol": email.KindCommentMention,
		"usr_dave":  email.KindCommentReply,
	}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for id, kind := range want {
		if kinds[id] != kind {
			t.Fatalf("recipient %s: expected %s, got %s", id, kind, kinds[id])
		}
	}
}

func TestReplyToMentionedAuthorIsOneNotification(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_ada", nil, accessReadOnly),
		listUsersByUsernamesFn: func(context.Context, []string) ([]store.User, error) {
			return []store.User{{ID: "usr_dave", Username: "dave"}}, nil
		},
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, PageID: "pg_1", Author: store.User{ID: "usr_dave"}}, nil
		},
	}
	notifier := &fakeNotifier{}
	svc := New(testConfig(), Deps{Store: fs, Notifier: notifier})
	parent := "cmt_parent"

	// A public page lets any signed-in reader comment.
	if _, err := svc.CreateComment(context.Background(), Session{UserID: "usr_eve", Username: "eve"}, "pg_1", CommentInput{
		Content: "agreed @dave", ParentID: &parent,
	}); err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if len(notifier.notices) != 1 || notifier.notices[0].Kind != email.KindCommentMention {
		t.Fatalf("expected a single mention, got %+v", notifier.notices)
	}
}

func TestCommentParentMustShareThePage(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_ada", nil, accessNone),
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, PageID: "pg_2"}, nil
		},
	}
	parent := "cmt_elsewhere"
	_, err := newTestService(fs).CreateComment(context.Background(), Session{UserID: "usr_ada"}, "pg_1", CommentInput{Content: "hi", ParentID: &parent})
	if got := statusOf(err); got != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (%v)", got, err)
	}
}

func TestDeleteCommentAuthorOrOwner(t *testing.T) {
	deleted := 0
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_owner", map[string]string{"usr_author": "viewer", "usr_other": "editor"}, accessNone),
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, PageID: "pg_1", Author: store.User{ID: "usr_author"}}, nil
		},
		deleteCommentFn: func(_ context.Context, id string) (store.Removed, error) {
			deleted++
			return store.Removed{CommentIDs: []string{id}}, nil
		},
	}
	svc := newTestService(fs)

	for _, userID := range []string{"usr_author", "usr_owner"} {
		if err := svc.DeleteComment(context.Background(), Session{UserID: userID}, "cmt_1"); err != nil {
			t.Fatalf("%s: DeleteComment() error = %v", userID, err)
		}
	}
	err := svc.DeleteComment(context.Background(), Session{UserID: "usr_other"}, "cmt_1")
	if got := statusOf(err); got != http.StatusForbidden {
		t.Fatalf("expected 403 for an editor who is not the author, got %d", got)
	}
	if deleted != 2 {
		t.Fatalf("expected two deletes, got %d", deleted)
	}
}

func TestDeleteCommentDropsRepliesFromSearch(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_owner", nil, accessNone),
		getCommentFn: func(_ context.Context, id string) (store.Comment, error) {
			return store.Comment{ID: id, PageID: "pg_1", Author: store.User{ID: "usr_owner"}}, nil
		},
		deleteCommentFn: func(_ context.Context, id string) (store.Removed, error) {
			return store.Removed{CommentIDs: []string{id, "cmt_reply_1", "cmt_reply_2"}}, nil
		},
	}
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: fs, Search: index})

	if err := svc.DeleteComment(context.Background(), Session{UserID: "usr_owner"}, "cmt_root"); err != nil {
		t.Fatalf("DeleteComment() error = %v", err)
	}
	if got := strings.Join(index.deletedComments, ","); got != "cmt_root,cmt_reply_1,cmt_reply_2" {
		t.Fatalf("comments dropped from search = %s", got)
	}
}

func TestCreatePageAnnouncesToWorkspace(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, OwnerID: "usr_1"}, nil
		},
		workspaceRoleFn: func(context.Context, string, string) (string, error) { return "editor", nil },
	}
	hub := &fakeHub{}
	svc := New(testConfig(), Deps{Store: fs, Hub: hub})

	page, err := svc.CreatePage(context.Background(), Session{UserID: "usr_1", Username: "ada"}, "ws_1", "   ")
	if err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	if page.Title != defaultTitle {
		t.Fatalf("expected default title, got %q", page.Title)
	}
	if len(hub.emits) != 1 {
		t.Fatalf("expected one emit, got %d", len(hub.emits))
	}
	got := hub.emits[0]
	notice, ok := got.data.(roomNotice)
	if got.room != "workspace:ws_1" || got.event != collab.EventWorkspaceNotification || !ok || notice.Type != "page-created" || notice.PageID != page.ID {
		t.Fatalf("unexpected emit %+v", got)
	}
}

func TestCreatePageRequiresEditorMembership(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(_ context.Context, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, OwnerID: "usr_owner"}, nil
		},
		workspaceRoleFn: func(_ context.Context, _, userID string) (string, error) {
			if userID == "usr_viewer" {
				return "viewer", nil
			}
			return "", nil
		},
	}
	svc := newTestService(fs)
	for _, userID := range []string{"usr_viewer", "usr_stranger"} {
		_, err := svc.CreatePage(context.Background(), Session{UserID: userID}, "ws_1", "Notes")
		if got := statusOf(err); got != http.StatusForbidden {
			t.Fatalf("%s: expected 403, got %d", userID, got)
		}
	}
}

func TestUpdatePageSharingIsOwnerOnly(t *testing.T) {
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_owner", map[string]string{"usr_editor": "editor"}, accessNone),
		updatePageFn: func(_ context.Context, id string, title, public *string) (store.Page, error) {
			page := store.Page{ID: id, WorkspaceID: "ws_1", OwnerID: "usr_owner", Title: "Roadmap", PublicAccess: accessNone}
			if title != nil {
				page.Title = *title
			}
			if public != nil {
				page.PublicAccess = *public
			}
			return page, nil
		},
	}
	hub := &fakeHub{}
	svc := New(testConfig(), Deps{Store: fs, Hub: hub})
	ctx := context.Background()
	title := "Q3 roadmap"
	public := accessReadOnly
	bogus := "everyone"

	if _, err := svc.UpdatePage(ctx, Session{UserID: "usr_editor"}, "pg_1", PageInput{Title: &title}); err != nil {
		t.Fatalf("editor rename failed: %v", err)
	}
	if _, err := svc.UpdatePage(ctx, Session{UserID: "usr_editor"}, "pg_1", PageInput{PublicAccess: &public}); statusOf(err) != http.StatusForbidden {
		t.Fatalf("editor should not change sharing, got %v", err)
	}
	if _, err := svc.UpdatePage(ctx, Session{UserID: "usr_owner"}, "pg_1", PageInput{PublicAccess: &bogus}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation error, got %v", err)
	}
	view, err := svc.UpdatePage(ctx, Session{UserID: "usr_owner"}, "pg_1", PageInput{PublicAccess: &public})
	if err != nil || view.PublicAccess != accessReadOnly {
		t.Fatalf("owner sharing change failed: %+v %v", view, err)
	}
	if len(hub.emits) != 2 || hub.emits[1].room != "page:pg_1" || hub.emits[1].event != collab.EventPageNotification {
		t.Fatalf("unexpected emits %+v", hub.emits)
	}
}

func TestInviteToPageNotifiesInvitee(t *testing.T) {
	invitee := store.User{ID: "usr_bob", Username: "bob", Email: "bob@example.com"}
	fs := &fakeStore{
		pageAccessForFn: pageOwnedBy("pg_1", "usr_ada", nil, accessNone),
		getUserByEmailFn: func(_ context.Context, addr string) (store.User, error) {
			if addr == "bob@example.com" {
				return invitee, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	fs.dataStore = inviteRecorder{}
	notifier := &fakeNotifier{}
	svc := New(testConfig(), Deps{Store: fs, Notifier: notifier})
	ctx := context.Background()
	ada := Session{UserID: "usr_ada", Username: "ada"}

	if _, err := svc.InviteToPage(ctx, ada, "pg_1", InviteInput{Email: "Bob@Example.com", Role: "owner"}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("owner role must not be invitable, got %v", err)
	}
	if _, err := svc.InviteToPage(ctx, ada, "pg_1", InviteInput{Email: "nobody@example.com", Role: "viewer"}); statusOf(err) != http.StatusNotFound {
		t.Fatalf("unknown invitee should be 404, got %v", err)
	}
	invite, err := svc.InviteToPage(ctx, ada, "pg_1", InviteInput{Email: "Bob@Example.com", Role: "editor"})
	if err != nil {
		t.Fatalf("InviteToPage() error = %v", err)
	}
	if invite.User.ID != "usr_bob" || invite.Role != "editor" {
		t.Fatalf("unexpected invite %+v", invite)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("expected one notice, got %d", len(notifier.notices))
	}
	n := notifier.notices[0]
	if n.Kind != email.KindPageInvite || n.Recipient.ID != "usr_bob" || n.PageTitle != "Roadmap" || n.Link != "/pages/pg_1" {
		t.Fatalf("unexpected notice %+v", n)
	}
}

// inviteRecorder backs the invite upsert that TestInviteToPageNotifiesInvitee reaches.
type inviteRecorder struct{ dataStore }

func (inviteRecorder) UpsertPageInvite(context.Context, string, string, string) error { return nil }

func TestSearchRestrictsToAccessiblePages(t *testing.T) {
	client, _ := newRedisClient(t)
	fs := &fakeStore{
		accessiblePageIDsFn: func(_ context.Context, userID, _ string) ([]string, error) {
			if userID == "usr_lonely" {
				return nil, nil
			}
			return []string{"pg_1", "pg_2"}, nil
		},
	}
	index := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: fs, Search: index, Cache: cache.New(client, nil)})
	ctx := context.Background()

	if _, err := svc.Search(ctx, "usr_1", SearchInput{Query: " a "}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("one-character query should be rejected, got %v", err)
	}
	if _, err := svc.Search(ctx, "usr_1", SearchInput{Query: "plan", Type: "videos"}); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("unknown type should be rejected, got %v", err)
	}

	for i := 0; i < 2; i++ {
		resp, err := svc.Search(ctx, "usr_1", SearchInput{Query: "plan", Type: "pages", Limit: 500})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if resp.Total != 1 {
			t.Fatalf("unexpected response %+v", resp)
		}
	}
	if len(index.queries) != 1 {
		t.Fatalf("second search should come from the cache, engine saw %d queries", len(index.queries))
	}
	q := index.queries[0]
	if len(q.PageIDs) != 2 || q.FilterType != search.ResultPage || q.Limit != maxSearchLimit {
		t.Fatalf("unexpected query %+v", q)
	}

	resp, err := svc.Search(ctx, "usr_lonely", SearchInput{Query: "plan"})
	if err != nil || len(resp.Results) != 0 {
		t.Fatalf("user without pages should get no results: %+v %v", resp, err)
	}
	if len(index.queries) != 1 {
		t.Fatal("engine should not be queried without accessible pages")
	}
}

func TestPresignUploadDisabled(t *testing.T) {
	_, err := newTestService(&fakeStore{}).PresignUpload(context.Background(), Session{UserID: "usr_1"}, "pg_1", UploadInput{Filename: "a.png"})
	status, code, _, _ := mapError(err)
	if status != http.StatusServiceUnavailable || code != "uploads_disabled" {
		t.Fatalf("expected 503 uploads_disabled, got %d %s", status, code)
	}
}

func TestBlockText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "empty", content: ``, want: ""},
		{name: "plain string", content: `"hello"`, want: "hello"},
		{name: "text field", content: `{"text":"Launch plan","level":1}`, want: "Launch plan"},
		{name: "list items", content: `{"items":["milk","eggs"]}`, want: "milk eggs"},
		{name: "ignores urls", content: `{"url":"https://x/y.png","caption":"Diagram"}`, want: "Diagram"},
		{name: "invalid", content: `{`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := blockText(json.RawMessage(tt.content)); got != tt.want {
				t.Fatalf("blockText() = %q, want %q", got, tt.want)
			}
		})
	}
}
