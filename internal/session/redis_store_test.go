package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"folio/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

type fakeUsers map[string]store.User

func (f fakeUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	user, ok := f[id]
	if !ok {
		return store.User{}, errors.New("no such user")
	}
	return user, nil
}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	users := fakeUsers{
		"user-1": {ID: "user-1", Username: "ada"},
		"user-2": {ID: "user-2", Username: "grace"},
	}
	rs, err := NewRedisStore("redis://"+s.Addr(), users)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	return rs, s
}

func TestNewRedisStore(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if err := rs.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url", nil); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", "user-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	user, err := rs.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if user.ID != "user-1" || user.Username != "ada" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	if err := rs.SaveRefreshSession(ctx, "hash-1", "user-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := rs.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	rs, _ := setupTestRedis(t)
	if _, err := rs.LookupRefreshSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeRefreshSessionIsolatesOtherTokens(t *testing.T) {
	rs, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := rs.SaveRefreshSession(ctx, "hash-1", "user-1", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := rs.SaveRefreshSession(ctx, "hash-2", "user-2", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	if err := rs.RevokeRefreshSession(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}

	if _, err := rs.LookupRefreshSession(ctx, "hash-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected revoked token to be gone, got %v", err)
	}
	user, err := rs.LookupRefreshSession(ctx, "hash-2")
	if err != nil {
		t.Fatalf("LookupRefreshSession() error = %v", err)
	}
	if user.ID != "user-2" {
		t.Fatalf("expected user-2, got %s", user.ID)
	}

	if err := rs.RevokeRefreshSession(ctx, "never-saved"); err != nil {
		t.Fatalf("revoking unknown token should be a no-op, got %v", err)
	}
}

func TestAccessTokenBlocklist(t *testing.T) {
	rs, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := rs.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked() error = %v", err)
	}
	if revoked {
		t.Fatal("fresh token reported revoked")
	}

	if err := rs.RevokeAccessToken(ctx, "jti-1", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	revoked, err = rs.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked() error = %v", err)
	}
	if !revoked {
		t.Fatal("expected token to be revoked")
	}

	s.FastForward(11 * time.Minute)
	revoked, _ = rs.IsAccessTokenRevoked(ctx, "jti-1")
	if revoked {
		t.Fatal("blocklist entry should expire with the token")
	}
}

func TestRevokeAlreadyExpiredAccessTokenIsNoop(t *testing.T) {
	rs, s := setupTestRedis(t)
	if err := rs.RevokeAccessToken(context.Background(), "jti-old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	if s.Exists("blocklist:jti-old") {
		t.Fatal("expired token should not be blocklisted")
	}
}
