package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili  *Meili
	pgfts  Searcher
	loader recordLoader
	logger *zap.Logger
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]PageRecord, []BlockRecord, []CommentRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{meili: meili, logger: logger.Named("search")}
	if pgfts != nil {
		s.pgfts = pgfts
		s.loader = pgfts
	}
	return s
}

// Healthy reports whether the primary engine is up. The fallback keeps
// search available either way.
func (s *Service) Healthy() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) fire(kind, id string, fn func() error) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn("index update failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		}
	}()
}

// IndexPage indexes a page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(p PageRecord) {
	s.fire("page", p.ID, func() error { return s.meili.IndexPage(p) })
}

// IndexBlock indexes a block (fire-and-forget to Meilisearch).
func (s *Service) IndexBlock(b BlockRecord) {
	s.fire("block", b.ID, func() error { return s.meili.IndexBlock(b) })
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c CommentRecord) {
	s.fire("comment", c.ID, func() error { return s.meili.IndexComment(c) })
}

// DeletePage removes the page with its blocks and comments.
func (s *Service) DeletePage(id string) {
	s.fire("page", id, func() error { return s.meili.purgePage(id) })
}

func (s *Service) DeleteBlocks(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.fire("block", ids[0], func() error { return s.meili.deleteFrom(idxBlocks, ids) })
}

func (s *Service) DeleteComments(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.fire("comment", ids[0], func() error { return s.meili.deleteFrom(idxComments, ids) })
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	pages, blocks, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.meili.IndexAll(pages, blocks, comments); err != nil {
		s.logger.Error("reindex failed", zap.Error(err))
		return
	}
	s.logger.Info("reindexed from postgres",
		zap.Int("pages", len(pages)), zap.Int("blocks", len(blocks)), zap.Int("comments", len(comments)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
