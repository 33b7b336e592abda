package store

import (
	"context"
	"database/sql"
	"fmt"
)

const blockColumns = `id, page_id, parent_id, type, content, metadata, sort_order, created_by, last_modified_by, created_at, updated_at`

func scanBlock(row rowScanner) (Block, error) {
	var block Block
	var parentID, createdBy, modifiedBy sql.NullString
	var content, metadata []byte
	err := row.Scan(&block.ID, &block.PageID, &parentID, &block.Type, &content, &metadata, &block.Order,
		&createdBy, &modifiedBy, &block.CreatedAt, &block.UpdatedAt)
	if err != nil {
		return Block{}, err
	}
	block.ParentID = stringPtr(parentID)
	block.CreatedBy = createdBy.String
	block.LastModifiedBy = modifiedBy.String
	block.Content = content
	block.Metadata = metadata
	return block, nil
}

// ListBlocks returns a page's blocks, top-level first, siblings by order.
func (s *PostgresStore) ListBlocks(ctx context.Context, pageID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE page_id = $1
		ORDER BY parent_id NULLS FIRST, sort_order, created_at
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := []Block{}
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, rows.Err()
}

func (s *PostgresStore) GetBlock(ctx context.Context, blockID string) (Block, error) {
	return scanBlock(s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=$1`, blockID))
}

// CreateBlock inserts a block. A nil Order appends after the last sibling; an
// explicit order shifts the siblings at or after it down by one.
func (s *PostgresStore) CreateBlock(ctx context.Context, block Block, order *int) (Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin block tx: %w", err)
	}
	defer tx.Rollback()

	parent := nullable(block.ParentID)
	if order == nil {
		var next int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sort_order) + 1, 0)
			FROM blocks
			WHERE page_id = $1 AND parent_id IS NOT DISTINCT FROM $2
		`, block.PageID, parent).Scan(&next); err != nil {
			return Block{}, fmt.Errorf("next block order: %w", err)
		}
		block.Order = next
	} else {
		block.Order = *order
		if err := shiftSiblings(ctx, tx, block.PageID, parent, block.Order, ""); err != nil {
			return Block{}, err
		}
	}

	created, err := scanBlock(tx.QueryRowContext(ctx, `
		INSERT INTO blocks (id, page_id, parent_id, type, content, metadata, sort_order, created_by, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+blockColumns,
		block.ID, block.PageID, parent, block.Type, jsonOrEmpty(block.Content), jsonOrEmpty(block.Metadata), block.Order, block.CreatedBy))
	if err != nil {
		return Block{}, translate("insert block", err)
	}
	if err := tx.Commit(); err != nil {
		return Block{}, translate("commit block", err)
	}
	return created, nil
}

// UpdateBlock applies patch in place. Moving a block to a taken order shifts
// the siblings at or after it.
func (s *PostgresStore) UpdateBlock(ctx context.Context, blockID string, patch BlockPatch, modifiedBy string) (Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("begin block tx: %w", err)
	}
	defer tx.Rollback()

	current, err := scanBlock(tx.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=$1 FOR UPDATE`, blockID))
	if err != nil {
		return Block{}, err
	}

	if patch.Order != nil && *patch.Order != current.Order {
		if err := shiftSiblings(ctx, tx, current.PageID, nullable(current.ParentID), *patch.Order, current.ID); err != nil {
			return Block{}, err
		}
	}

	var order sql.NullInt64
	if patch.Order != nil {
		order = sql.NullInt64{Int64: int64(*patch.Order), Valid: true}
	}
	updated, err := scanBlock(tx.QueryRowContext(ctx, `
		UPDATE blocks
		SET type = COALESCE($2, type),
			content = COALESCE($3::jsonb, content),
			metadata = COALESCE($4::jsonb, metadata),
			sort_order = COALESCE($5, sort_order),
			last_modified_by = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+blockColumns,
		blockID, nullable(patch.Type), jsonOrNull(patch.Content), jsonOrNull(patch.Metadata), order, modifiedBy))
	if err != nil {
		return Block{}, translate("update block", err)
	}
	if err := tx.Commit(); err != nil {
		return Block{}, translate("commit block", err)
	}
	return updated, nil
}

// DeleteBlock removes the block and, through the parent foreign key, its whole
// subtree. The result lists every block and comment the cascade removed.
func (s *PostgresStore) DeleteBlock(ctx context.Context, blockID string) (Removed, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Removed{}, fmt.Errorf("begin block tx: %w", err)
	}
	defer tx.Rollback()

	removed, err := collectRemoved(ctx, tx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM blocks WHERE id = $1
			UNION ALL
			SELECT b.id FROM blocks b JOIN subtree t ON b.parent_id = t.id
		),
		thread AS (
			SELECT c.id FROM comments c WHERE c.block_id IN (SELECT id FROM subtree)
			UNION
			SELECT c.id FROM comments c JOIN thread t ON c.parent_id = t.id
		)
		SELECT 'block', id FROM subtree
		UNION ALL
		SELECT 'comment', id FROM thread
	`, blockID)
	if err != nil {
		return Removed{}, fmt.Errorf("collect block subtree: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE id=$1`, blockID)
	if err != nil {
		return Removed{}, fmt.Errorf("delete block: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Removed{}, sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return Removed{}, translate("commit block delete", err)
	}
	return removed, nil
}

// collectRemoved reads (kind, id) rows into a Removed.
func collectRemoved(ctx context.Context, tx *sql.Tx, query string, args ...any) (Removed, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return Removed{}, err
	}
	defer rows.Close()

	var removed Removed
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return Removed{}, err
		}
		switch kind {
		case "page":
			removed.PageIDs = append(removed.PageIDs, id)
		case "block":
			removed.BlockIDs = append(removed.BlockIDs, id)
		case "comment":
			removed.CommentIDs = append(removed.CommentIDs, id)
		}
	}
	return removed, rows.Err()
}

// ReorderBlocks applies a batch of positions in one transaction. Sibling order
// uniqueness is a deferred constraint, so intermediate collisions are allowed
// and only the committed state is checked.
func (s *PostgresStore) ReorderBlocks(ctx context.Context, pageID string, positions []BlockPosition, modifiedBy string) ([]Block, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reorder tx: %w", err)
	}
	defer tx.Rollback()

	for _, position := range positions {
		result, err := tx.ExecContext(ctx, `
			UPDATE blocks
			SET sort_order = $3, parent_id = $4, last_modified_by = $5, updated_at = NOW()
			WHERE id = $1 AND page_id = $2
		`, position.ID, pageID, position.Order, nullable(position.ParentID), modifiedBy)
		if err != nil {
			return nil, translate("reorder block "+position.ID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("reorder block %s: %w", position.ID, sql.ErrNoRows)
		}
	}

	// A block moved beneath its own descendant detaches that loop from the
	// page roots, so the walk from the roots comes up short.
	var reachable, total int
	if err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE walk AS (
			SELECT id FROM blocks WHERE page_id = $1 AND parent_id IS NULL
			UNION ALL
			SELECT b.id FROM blocks b JOIN walk w ON b.parent_id = w.id WHERE b.page_id = $1
		)
		SELECT (SELECT COUNT(*) FROM walk), (SELECT COUNT(*) FROM blocks WHERE page_id = $1)
	`, pageID).Scan(&reachable, &total); err != nil {
		return nil, fmt.Errorf("check block hierarchy: %w", err)
	}
	if reachable != total {
		return nil, ErrCycle
	}
	if err := tx.Commit(); err != nil {
		return nil, translate("commit reorder", err)
	}
	return s.ListBlocks(ctx, pageID)
}

func shiftSiblings(ctx context.Context, tx *sql.Tx, pageID string, parent sql.NullString, from int, exceptID string) error {
	var taken bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM blocks
			WHERE page_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND sort_order = $3 AND id <> $4
		)
	`, pageID, parent, from, exceptID).Scan(&taken); err != nil {
		return fmt.Errorf("check sibling order: %w", err)
	}
	if !taken {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE blocks
		SET sort_order = sort_order + 1
		WHERE page_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND sort_order >= $3 AND id <> $4
	`, pageID, parent, from, exceptID); err != nil {
		return fmt.Errorf("shift siblings: %w", err)
	}
	return nil
}

func jsonOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func jsonOrNull(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
