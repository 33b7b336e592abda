package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const commentSelect = `
	SELECT c.id, c.page_id, c.block_id, c.parent_id, c.content, c.resolved, c.resolved_by, c.resolved_at,
		c.created_at, c.updated_at, u.id, u.username, u.email, u.full_name, u.avatar
	FROM comments c
	JOIN users u ON u.id = c.author_id`

func scanComment(row rowScanner) (Comment, error) {
	var comment Comment
	var blockID, parentID, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&comment.ID, &comment.PageID, &blockID, &parentID, &comment.Content, &comment.Resolved,
		&resolvedBy, &resolvedAt, &comment.CreatedAt, &comment.UpdatedAt,
		&comment.Author.ID, &comment.Author.Username, &comment.Author.Email, &comment.Author.FullName, &comment.Author.Avatar)
	if err != nil {
		return Comment{}, err
	}
	comment.BlockID = stringPtr(blockID)
	comment.ParentID = stringPtr(parentID)
	comment.ResolvedBy = stringPtr(resolvedBy)
	comment.ResolvedAt = timePtr(resolvedAt)
	return comment, nil
}

// ListComments returns a page's comments oldest first, optionally narrowed to one block.
func (s *PostgresStore) ListComments(ctx context.Context, pageID string, blockID *string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, commentSelect+`
		WHERE c.page_id = $1 AND ($2::text IS NULL OR c.block_id = $2)
		ORDER BY c.created_at, c.id
	`, pageID, nullable(blockID))
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachMentions(ctx, comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, commentSelect+` WHERE c.id = $1`, commentID))
	if err != nil {
		return Comment{}, err
	}
	items := []Comment{comment}
	if err := s.attachMentions(ctx, items); err != nil {
		return Comment{}, err
	}
	return items[0], nil
}

func (s *PostgresStore) attachMentions(ctx context.Context, comments []Comment) error {
	if len(comments) == 0 {
		return nil
	}
	ids := make([]string, 0, len(comments))
	index := make(map[string]int, len(comments))
	for i, comment := range comments {
		ids = append(ids, comment.ID)
		index[comment.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.comment_id, u.id, u.username, u.email, u.full_name, u.avatar
		FROM comment_mentions cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.comment_id = ANY($1)
		ORDER BY u.username
	`, ids)
	if err != nil {
		return fmt.Errorf("list comment mentions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var commentID string
		var user User
		if err := rows.Scan(&commentID, &user.ID, &user.Username, &user.Email, &user.FullName, &user.Avatar); err != nil {
			return fmt.Errorf("scan comment mention: %w", err)
		}
		i := index[commentID]
		comments[i].Mentions = append(comments[i].Mentions, user)
	}
	return rows.Err()
}

// CreateComment stores the comment and its mention set in one transaction.
// A parent on another page fails the composite foreign key and surfaces as not found.
func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment, mentionIDs []string) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin comment tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, page_id, block_id, parent_id, author_id, content)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, comment.ID, comment.PageID, nullable(comment.BlockID), nullable(comment.ParentID), comment.Author.ID, comment.Content); err != nil {
		return Comment{}, translate("insert comment", err)
	}
	if err := replaceMentions(ctx, tx, comment.ID, mentionIDs); err != nil {
		return Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit comment: %w", err)
	}
	return s.GetComment(ctx, comment.ID)
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID, content string, mentionIDs []string) (Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Comment{}, fmt.Errorf("begin comment tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1`, commentID, content)
	if err != nil {
		return Comment{}, fmt.Errorf("update comment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Comment{}, sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comment_mentions WHERE comment_id=$1`, commentID); err != nil {
		return Comment{}, fmt.Errorf("clear comment mentions: %w", err)
	}
	if err := replaceMentions(ctx, tx, commentID, mentionIDs); err != nil {
		return Comment{}, err
	}
	if err := tx.Commit(); err != nil {
		return Comment{}, fmt.Errorf("commit comment: %w", err)
	}
	return s.GetComment(ctx, commentID)
}

// DeleteComment removes the comment and its replies, and lists every comment
// the cascade removed.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (Removed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Removed{}, fmt.Errorf("begin comment tx: %w", err)
	}
	defer tx.Rollback()

	removed, err := collectRemoved(ctx, tx, `
		WITH RECURSIVE thread AS (
			SELECT id FROM comments WHERE id = $1
			UNION ALL
			SELECT c.id FROM comments c JOIN thread t ON c.parent_id = t.id
		)
		SELECT 'comment', id FROM thread
	`, commentID)
	if err != nil {
		return Removed{}, fmt.Errorf("collect comment thread: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return Removed{}, fmt.Errorf("delete comment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Removed{}, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return Removed{}, translate("commit comment delete", err)
	}
	return removed, nil
}

func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool, resolvedBy string) (Comment, error) {
	var by sql.NullString
	var at sql.NullTime
	if resolved {
		by = sql.NullString{String: resolvedBy, Valid: true}
		at = sql.NullTime{Time: time.Now(), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved=$2, resolved_by=$3, resolved_at=$4, updated_at=NOW() WHERE id=$1
	`, commentID, resolved, by, at)
	if err != nil {
		return Comment{}, fmt.Errorf("resolve comment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Comment{}, sql.ErrNoRows
	}
	return s.GetComment(ctx, commentID)
}

func replaceMentions(ctx context.Context, tx *sql.Tx, commentID string, mentionIDs []string) error {
	for _, userID := range mentionIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO comment_mentions (comment_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, commentID, userID); err != nil {
			return translate("insert comment mention", err)
		}
	}
	return nil
}
