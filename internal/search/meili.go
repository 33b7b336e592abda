package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxPages    = "folio_pages"
	idxBlocks   = "folio_blocks"
	idxComments = "folio_comments"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An unreachable
// server leaves the client unhealthy; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.Named("meili"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{uid: idxPages, filterable: []string{"pageId", "workspaceId", "tags"}, searchable: []string{"title", "tags"}},
		{uid: idxBlocks, filterable: []string{"pageId", "workspaceId", "type"}, searchable: []string{"text"}},
		{uid: idxComments, filterable: []string{"pageId", "workspaceId", "blockId"}, searchable: []string{"content"}},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", zap.String("index", idx.uid), zap.Error(err))
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", idx.uid), zap.Error(err))
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the three indexes (or one, when filtered) in a single
// multi-search and merges the hits.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if len(q.PageIDs) == 0 {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	filters := []string{pageFilter(q.PageIDs)}
	if q.FilterWorkspaceID != "" {
		filters = append(filters, fmt.Sprintf("workspaceId = %q", q.FilterWorkspaceID))
	}
	pageFilters := filters
	if len(q.Tags) > 0 {
		pageFilters = append(append([]string{}, filters...), "tags IN "+quotedList(q.Tags))
	}

	var queries []*meili.SearchRequest
	for _, ti := range []struct {
		uid  string
		rtyp ResultType
	}{
		{idxPages, ResultPage},
		{idxBlocks, ResultBlock},
		{idxComments, ResultComment},
	} {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		filter := filters
		if ti.rtyp == ResultPage {
			filter = pageFilters
		} else if len(q.Tags) > 0 {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                filter,
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		})
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}
	return results, total, nil
}

func pageFilter(ids []string) string {
	return "pageId IN " + quotedList(ids)
}

func quotedList(values []string) string {
	quoted := make([]string, len(values))
	for i, value := range values {
		quoted[i] = fmt.Sprintf("%q", value)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxPages:
		return ResultPage
	case idxBlocks:
		return ResultBlock
	case idxComments:
		return ResultComment
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:        rtyp,
		ID:          decodeString(hit, "id"),
		PageID:      decodeString(hit, "pageId"),
		WorkspaceID: decodeString(hit, "workspaceId"),
	}

	switch rtyp {
	case ResultPage:
		r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
	case ResultBlock:
		r.Title = decodeString(hit, "type")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
		r.BlockID = r.ID
	case ResultComment:
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "content"), decodeString(hit, "content"))
		r.BlockID = decodeString(hit, "blockId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexPage(p PageRecord) error {
	_, err := m.client.Index(idxPages).AddDocuments([]PageRecord{p}, nil)
	return err
}

func (m *Meili) IndexBlock(b BlockRecord) error {
	_, err := m.client.Index(idxBlocks).AddDocuments([]BlockRecord{b}, nil)
	return err
}

func (m *Meili) IndexComment(c CommentRecord) error {
	_, err := m.client.Index(idxComments).AddDocuments([]CommentRecord{c}, nil)
	return err
}

func (m *Meili) deleteFrom(uid string, ids []string) error {
	_, err := m.client.Index(uid).DeleteDocuments(ids, nil)
	return err
}

// purgePage drops a page and everything indexed under it.
func (m *Meili) purgePage(pageID string) error {
	if err := m.deleteFrom(idxPages, []string{pageID}); err != nil {
		return err
	}
	filter := fmt.Sprintf("pageId = %q", pageID)
	for _, uid := range []string{idxBlocks, idxComments} {
		if _, err := m.client.Index(uid).DeleteDocumentsByFilter(filter, nil); err != nil {
			return fmt.Errorf("purge %s: %w", uid, err)
		}
	}
	return nil
}

// IndexAll bulk-indexes records, skipping empty sets.
func (m *Meili) IndexAll(pages []PageRecord, blocks []BlockRecord, comments []CommentRecord) error {
	if len(pages) > 0 {
		if _, err := m.client.Index(idxPages).AddDocuments(pages, nil); err != nil {
			return fmt.Errorf("index pages: %w", err)
		}
	}
	if len(blocks) > 0 {
		if _, err := m.client.Index(idxBlocks).AddDocuments(blocks, nil); err != nil {
			return fmt.Errorf("index blocks: %w", err)
		}
	}
	if len(comments) > 0 {
		if _, err := m.client.Index(idxComments).AddDocuments(comments, nil); err != nil {
			return fmt.Errorf("index comments: %w", err)
		}
	}
	return nil
}
