package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

func (s *PostgresStore) NotificationSettings(ctx context.Context, userID string) (NotificationSettings, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT notification_settings FROM users WHERE id=$1`, userID).Scan(&raw)
	if err != nil {
		return NotificationSettings{}, err
	}
	return decodeNotificationSettings(raw)
}

func (s *PostgresStore) UpdateNotificationSettings(ctx context.Context, userID string, settings NotificationSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode notification settings: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET notification_settings=$2, updated_at=NOW() WHERE id=$1
	`, userID, string(raw))
	if err != nil {
		return fmt.Errorf("update notification settings: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// decodeNotificationSettings lays the stored document over the defaults, so
// kinds missing from it stay enabled.
func decodeNotificationSettings(raw []byte) (NotificationSettings, error) {
	settings := DefaultNotificationSettings()
	if len(raw) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return NotificationSettings{}, fmt.Errorf("decode notification settings: %w", err)
	}
	return settings, nil
}

// DeleteUser removes the account. Owned workspaces and pages go with it through
// the foreign keys; blocks the user wrote on other pages keep a null author.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) (Removed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Removed{}, fmt.Errorf("begin account tx: %w", err)
	}
	defer tx.Rollback()

	removed, err := collectRemoved(ctx, tx, `
		WITH RECURSIVE doomed AS (
			SELECT p.id FROM pages p
			WHERE p.owner_id = $1
				OR p.workspace_id IN (SELECT w.id FROM workspaces w WHERE w.owner_id = $1)
		),
		thread AS (
			SELECT c.id FROM comments c
			WHERE c.author_id = $1 AND c.page_id NOT IN (SELECT id FROM doomed)
			UNION
			SELECT c.id FROM comments c JOIN thread t ON c.parent_id = t.id
		)
		SELECT 'page', id FROM doomed
		UNION ALL
		SELECT 'comment', id FROM thread
	`, userID)
	if err != nil {
		return Removed{}, fmt.Errorf("collect account rows: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return Removed{}, translate("delete user", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Removed{}, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return Removed{}, translate("commit account delete", err)
	}
	return removed, nil
}

// ToggleFavorite flips the page in the user's favorites and reports the new state.
func (s *PostgresStore) ToggleFavorite(ctx context.Context, userID, pageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM page_favorites WHERE user_id=$1 AND page_id=$2`, userID, pageID)
	if err != nil {
		return false, fmt.Errorf("remove favorite: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO page_favorites (user_id, page_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, userID, pageID); err != nil {
		return false, translate("add favorite", err)
	}
	return true, nil
}

// ListFavoritePages returns the user's favorites newest first, with the
// invite role needed to re-check access.
func (s *PostgresStore) ListFavoritePages(ctx context.Context, userID string) ([]PageAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.workspace_id, p.owner_id, p.title, p.public_access, p.created_at, p.updated_at, pi.role
		FROM page_favorites f
		JOIN pages p ON p.id = f.page_id
		LEFT JOIN page_invites pi ON pi.page_id = p.id AND pi.user_id = $1
		WHERE f.user_id = $1
		ORDER BY f.created_at DESC, p.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var favorites []PageAccess
	for rows.Next() {
		var access PageAccess
		var invited sql.NullString
		if err := rows.Scan(&access.Page.ID, &access.Page.WorkspaceID, &access.Page.OwnerID, &access.Page.Title,
			&access.Page.PublicAccess, &access.Page.CreatedAt, &access.Page.UpdatedAt, &invited); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		access.InvitedRole = invited.String
		favorites = append(favorites, access)
	}
	return favorites, rows.Err()
}

// AddPageTag attaches a normalized tag. A tag already on the page is ErrConflict.
func (s *PostgresStore) AddPageTag(ctx context.Context, pageID, tag string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO page_tags (page_id, tag) VALUES ($1, $2)`, pageID, tag); err != nil {
		return translate("add page tag", err)
	}
	return nil
}

func (s *PostgresStore) RemovePageTag(ctx context.Context, pageID, tag string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM page_tags WHERE page_id=$1 AND tag=$2`, pageID, tag)
	if err != nil {
		return false, fmt.Errorf("remove page tag: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// PageTags maps each page to its sorted tags. Untagged pages are absent.
func (s *PostgresStore) PageTags(ctx context.Context, pageIDs []string) (map[string][]string, error) {
	tags := make(map[string][]string)
	if len(pageIDs) == 0 {
		return tags, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, tag FROM page_tags WHERE page_id = ANY($1) ORDER BY page_id, tag
	`, pageIDs)
	if err != nil {
		return nil, fmt.Errorf("page tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pageID, tag string
		if err := rows.Scan(&pageID, &tag); err != nil {
			return nil, fmt.Errorf("scan page tag: %w", err)
		}
		tags[pageID] = append(tags[pageID], tag)
	}
	return tags, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SuggestPages returns accessible pages whose title contains text.
func (s *PostgresStore) SuggestPages(ctx context.Context, userID, text string, limit int) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages p
		WHERE p.title ILIKE '%' || $2 || '%'
			AND (
				p.owner_id = $1
				OR EXISTS (SELECT 1 FROM page_invites pi WHERE pi.page_id = p.id AND pi.user_id = $1)
				OR (p.public_access = 'read-only' AND EXISTS (
					SELECT 1 FROM workspace_members wm WHERE wm.workspace_id = p.workspace_id AND wm.user_id = $1
				))
			)
		ORDER BY p.updated_at DESC
		LIMIT $3
	`, userID, likeEscaper.Replace(text), limit)
	if err != nil {
		return nil, fmt.Errorf("suggest pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

// SuggestUsers returns users whose username starts with prefix.
func (s *PostgresStore) SuggestUsers(ctx context.Context, prefix string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE username ILIKE $1 || '%' ORDER BY username LIMIT $2
	`, likeEscaper.Replace(prefix), limit)
	if err != nil {
		return nil, fmt.Errorf("suggest users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
