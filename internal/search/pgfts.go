package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over pages, blocks and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.PageIDs) == 0 {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.PageIDs}
	scope := "pg.id = ANY($2)"
	if q.FilterWorkspaceID != "" {
		scope += " AND pg.workspace_id = $3"
		args = append(args, q.FilterWorkspaceID)
	}
	pageScope := scope
	if len(q.Tags) > 0 {
		args = append(args, q.Tags)
		pageScope += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM page_tags t WHERE t.page_id = pg.id AND t.tag = ANY($%d))", len(args))
	}
	// a tag filter only matches pages
	others := len(q.Tags) == 0

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'page'::text AS type, pg.id, pg.title, ''::text AS snippet,
				pg.id AS page_id, pg.workspace_id, ''::text AS block_id,
				ts_rank(pg.fts, %[1]s) AS rank
			FROM pages pg
			WHERE pg.fts @@ %[1]s AND %[2]s`, tsQuery, pageScope))
	}
	if others && (q.FilterType == "" || q.FilterType == ResultBlock) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'block'::text AS type, b.id, b.type AS title,
				ts_headline('simple', b.search_text, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.page_id, pg.workspace_id, b.id AS block_id,
				ts_rank(b.fts, %[1]s) AS rank
			FROM blocks b
			JOIN pages pg ON pg.id = b.page_id
			WHERE b.fts @@ %[1]s AND %[2]s`, tsQuery, scope))
	}
	if others && (q.FilterType == "" || q.FilterType == ResultComment) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, ''::text AS title,
				ts_headline('simple', c.content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.page_id, pg.workspace_id, coalesce(c.block_id, '') AS block_id,
				ts_rank(c.fts, %[1]s) AS rank
			FROM comments c
			JOIN pages pg ON pg.id = c.page_id
			WHERE c.fts @@ %[1]s AND %[2]s`, tsQuery, scope))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, page_id, workspace_id, block_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PageID, &r.WorkspaceID, &r.BlockID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PageRecord, []BlockRecord, []CommentRecord, error) {
	pageRows, err := p.db.QueryContext(ctx, `
		SELECT pg.id, pg.title, pg.workspace_id,
			COALESCE((SELECT json_agg(t.tag ORDER BY t.tag) FROM page_tags t WHERE t.page_id = pg.id), '[]'::json)
		FROM pages pg
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load pages: %w", err)
	}
	defer pageRows.Close()

	pages := make([]PageRecord, 0)
	for pageRows.Next() {
		var r PageRecord
		var tags []byte
		if err := pageRows.Scan(&r.ID, &r.Title, &r.WorkspaceID, &tags); err != nil {
			return nil, nil, nil, fmt.Errorf("scan page: %w", err)
		}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, nil, nil, fmt.Errorf("decode page tags: %w", err)
		}
		r.PageID = r.ID
		pages = append(pages, r)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate pages: %w", err)
	}

	blockRows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.type, b.search_text, b.page_id, pg.workspace_id
		FROM blocks b
		JOIN pages pg ON pg.id = b.page_id
		WHERE b.search_text <> ''
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load blocks: %w", err)
	}
	defer blockRows.Close()

	blocks := make([]BlockRecord, 0)
	for blockRows.Next() {
		var r BlockRecord
		if err := blockRows.Scan(&r.ID, &r.Type, &r.Text, &r.PageID, &r.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, r)
	}
	if err := blockRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate blocks: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.content, coalesce(c.block_id, ''), c.page_id, pg.workspace_id
		FROM comments c
		JOIN pages pg ON pg.id = c.page_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var r CommentRecord
		if err := commentRows.Scan(&r.ID, &r.Content, &r.BlockID, &r.PageID, &r.WorkspaceID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, r)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return pages, blocks, comments, nil
}
