package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) CreateWorkspace(ctx context.Context, workspace Workspace) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin workspace tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, owner_id) VALUES ($1, $2, $3)
	`, workspace.ID, workspace.Name, workspace.OwnerID); err != nil {
		return translate("insert workspace", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role) VALUES ($1, $2, 'editor')
	`, workspace.ID, workspace.OwnerID); err != nil {
		return translate("insert owner membership", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at FROM workspaces WHERE id=$1
	`, workspaceID).Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt, &ws.UpdatedAt)
	return ws, err
}

func (s *PostgresStore) ListWorkspacesForUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.owner_id, wm.role, w.created_at, w.updated_at
		FROM workspaces w
		JOIN workspace_members wm ON wm.workspace_id = w.id
		WHERE wm.user_id = $1
		ORDER BY w.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var items []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.Role, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, ws)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, workspaceID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE workspaces SET name=$2, updated_at=NOW() WHERE id=$1`, workspaceID, name)
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// WorkspaceRole returns the member role, or "" when the user is not a member.
func (s *PostgresStore) WorkspaceRole(ctx context.Context, workspaceID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM workspace_members WHERE workspace_id=$1 AND user_id=$2
	`, workspaceID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read workspace role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertWorkspaceMember(ctx context.Context, workspaceID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (workspace_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, workspaceID, userID, role)
	if err != nil {
		return translate("upsert workspace member", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.full_name, u.avatar, wm.role, wm.joined_at
		FROM workspace_members wm
		JOIN users u ON u.id = wm.user_id
		WHERE wm.workspace_id = $1
		ORDER BY wm.joined_at
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace members: %w", err)
	}
	defer rows.Close()

	var members []WorkspaceMember
	for rows.Next() {
		member := WorkspaceMember{WorkspaceID: workspaceID}
		if err := rows.Scan(&member.User.ID, &member.User.Username, &member.User.Email, &member.User.FullName, &member.User.Avatar, &member.Role, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan workspace member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

const pageColumns = `id, workspace_id, owner_id, title, public_access, created_at, updated_at`

func scanPage(row rowScanner) (Page, error) {
	var page Page
	err := row.Scan(&page.ID, &page.WorkspaceID, &page.OwnerID, &page.Title, &page.PublicAccess, &page.CreatedAt, &page.UpdatedAt)
	return page, err
}

func (s *PostgresStore) CreatePage(ctx context.Context, page Page) (Page, error) {
	created, err := scanPage(s.db.QueryRowContext(ctx, `
		INSERT INTO pages (id, workspace_id, owner_id, title)
		VALUES ($1, $2, $3, $4)
		RETURNING `+pageColumns, page.ID, page.WorkspaceID, page.OwnerID, page.Title))
	if err != nil {
		return Page{}, translate("insert page", err)
	}
	return created, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	return scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID))
}

// ListPages returns the workspace pages the user owns, is invited to, or can read publicly.
func (s *PostgresStore) ListPages(ctx context.Context, workspaceID, userID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.workspace_id, p.owner_id, p.title, p.public_access, p.created_at, p.updated_at
		FROM pages p
		WHERE p.workspace_id = $1
			AND (
				p.owner_id = $2
				OR p.public_access = 'read-only'
				OR EXISTS (SELECT 1 FROM page_invites pi WHERE pi.page_id = p.id AND pi.user_id = $2)
			)
		ORDER BY p.updated_at DESC
	`, workspaceID, userID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
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

// UpdatePage applies the non-nil fields and returns the stored page.
func (s *PostgresStore) UpdatePage(ctx context.Context, pageID string, title, publicAccess *string) (Page, error) {
	return scanPage(s.db.QueryRowContext(ctx, `
		UPDATE pages
		SET title = COALESCE($2, title),
			public_access = COALESCE($3, public_access),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+pageColumns, pageID, nullable(title), nullable(publicAccess)))
}

func (s *PostgresStore) DeletePage(ctx context.Context, pageID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) TouchPage(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET updated_at=NOW() WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("touch page: %w", err)
	}
	return nil
}

func (s *PostgresStore) PageAccessFor(ctx context.Context, pageID, userID string) (PageAccess, error) {
	var access PageAccess
	var invited sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT p.id, p.workspace_id, p.owner_id, p.title, p.public_access, p.created_at, p.updated_at, pi.role
		FROM pages p
		LEFT JOIN page_invites pi ON pi.page_id = p.id AND pi.user_id = $2
		WHERE p.id = $1
	`, pageID, userID).Scan(
		&access.Page.ID, &access.Page.WorkspaceID, &access.Page.OwnerID, &access.Page.Title,
		&access.Page.PublicAccess, &access.Page.CreatedAt, &access.Page.UpdatedAt, &invited,
	)
	if err != nil {
		return PageAccess{}, err
	}
	access.InvitedRole = invited.String
	return access, nil
}

func (s *PostgresStore) UpsertPageInvite(ctx context.Context, pageID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO page_invites (page_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (page_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, pageID, userID, role)
	if err != nil {
		return translate("upsert page invite", err)
	}
	return nil
}

func (s *PostgresStore) RemovePageInvite(ctx context.Context, pageID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM page_invites WHERE page_id=$1 AND user_id=$2`, pageID, userID)
	if err != nil {
		return false, fmt.Errorf("remove page invite: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListPageInvites(ctx context.Context, pageID string) ([]PageInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.email, u.full_name, u.avatar, pi.role, pi.invited_at
		FROM page_invites pi
		JOIN users u ON u.id = pi.user_id
		WHERE pi.page_id = $1
		ORDER BY pi.invited_at
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page invites: %w", err)
	}
	defer rows.Close()

	var invites []PageInvite
	for rows.Next() {
		invite := PageInvite{PageID: pageID}
		if err := rows.Scan(&invite.User.ID, &invite.User.Username, &invite.User.Email, &invite.User.FullName, &invite.User.Avatar, &invite.Role, &invite.InvitedAt); err != nil {
			return nil, fmt.Errorf("scan page invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

// AccessiblePageIDs lists pages the user owns or is invited to, plus public
// pages of workspaces they belong to. An empty workspaceID spans all workspaces.
func (s *PostgresStore) AccessiblePageIDs(ctx context.Context, userID, workspaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id
		FROM pages p
		WHERE ($2 = '' OR p.workspace_id = $2)
			AND (
				p.owner_id = $1
				OR EXISTS (SELECT 1 FROM page_invites pi WHERE pi.page_id = p.id AND pi.user_id = $1)
				OR (p.public_access = 'read-only' AND EXISTS (
					SELECT 1 FROM workspace_members wm WHERE wm.workspace_id = p.workspace_id AND wm.user_id = $1
				))
			)
	`, userID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("accessible pages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan page id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
