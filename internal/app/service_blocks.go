package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"folio/api/internal/cache"
	"folio/api/internal/media"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"

	"go.uber.org/zap"
)

type BlockInput struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	ParentID *string         `json:"parentId"`
	Order    *int            `json:"order"`
	Metadata json.RawMessage `json:"metadata"`
}

type BlockUpdateInput struct {
	Type     *string         `json:"type"`
	Content  json.RawMessage `json:"content"`
	Order    *int            `json:"order"`
	Metadata json.RawMessage `json:"metadata"`
}

type PositionInput struct {
	ID       string  `json:"id"`
	Order    int     `json:"order"`
	ParentID *string `json:"parentId"`
}

// ListBlocks returns the page's blocks ordered by parent then order.
func (s *Service) ListBlocks(ctx context.Context, userID, pageID string) ([]blockView, error) {
	if _, _, err := s.authorizePage(ctx, pageID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	key := cache.BlocksKey(pageID, userID)
	var cached []blockView
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	blocks, err := s.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, err
	}
	views := toBlockViews(blocks)
	s.cache.Set(ctx, key, views, s.cfg.BlockCacheTTL)
	return views, nil
}

func (s *Service) CreateBlock(ctx context.Context, session Session, pageID string, input BlockInput) (blockView, error) {
	if !store.ValidBlockType(input.Type) {
		return blockView{}, invalidInput(fmt.Sprintf("type must be one of %s", strings.Join(store.BlockTypes, ", ")))
	}
	if input.Order != nil && *input.Order < 0 {
		return blockView{}, invalidInput("order must not be negative")
	}
	if err := validJSON("content", input.Content); err != nil {
		return blockView{}, err
	}
	if err := validJSON("metadata", input.Metadata); err != nil {
		return blockView{}, err
	}
	page, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return blockView{}, err
	}
	if input.ParentID != nil {
		if err := s.checkParent(ctx, pageID, *input.ParentID); err != nil {
			return blockView{}, err
		}
	}

	block, err := s.store.CreateBlock(ctx, store.Block{
		ID:        util.NewID("blk"),
		PageID:    pageID,
		ParentID:  input.ParentID,
		Type:      input.Type,
		Content:   input.Content,
		Metadata:  input.Metadata,
		CreatedBy: session.UserID,
	}, input.Order)
	if err != nil {
		return blockView{}, err
	}
	s.afterBlockWrite(ctx, page, block)
	return toBlockView(block), nil
}

// UpdateBlock applies a last-writer-wins patch.
func (s *Service) UpdateBlock(ctx context.Context, session Session, blockID string, input BlockUpdateInput) (blockView, error) {
	if input.Type != nil && !store.ValidBlockType(*input.Type) {
		return blockView{}, invalidInput(fmt.Sprintf("type must be one of %s", strings.Join(store.BlockTypes, ", ")))
	}
	if input.Order != nil && *input.Order < 0 {
		return blockView{}, invalidInput("order must not be negative")
	}
	if err := validJSON("content", input.Content); err != nil {
		return blockView{}, err
	}
	if err := validJSON("metadata", input.Metadata); err != nil {
		return blockView{}, err
	}
	current, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return blockView{}, err
	}
	page, _, err := s.authorizePage(ctx, current.PageID, session.UserID, rbac.ActionWrite)
	if err != nil {
		return blockView{}, err
	}

	block, err := s.store.UpdateBlock(ctx, blockID, store.BlockPatch{
		Type:     input.Type,
		Content:  input.Content,
		Metadata: input.Metadata,
		Order:    input.Order,
	}, session.UserID)
	if err != nil {
		return blockView{}, err
	}
	s.afterBlockWrite(ctx, page, block)
	return toBlockView(block), nil
}

// DeleteBlock removes the block and its descendants.
func (s *Service) DeleteBlock(ctx context.Context, session Session, blockID string) error {
	block, err := s.store.GetBlock(ctx, blockID)
	if err != nil {
		return err
	}
	if _, _, err := s.authorizePage(ctx, block.PageID, session.UserID, rbac.ActionWrite); err != nil {
		return err
	}
	removed, err := s.store.DeleteBlock(ctx, blockID)
	if err != nil {
		return err
	}
	s.touch(ctx, block.PageID)
	s.invalidate("page", func() error { return s.cache.InvalidatePage(ctx, block.PageID) })
	if s.search != nil {
		s.search.DeleteBlocks(removed.BlockIDs)
		s.search.DeleteComments(removed.CommentIDs)
	}
	return nil
}

// checkHierarchy applies the batch to the page's current parent links and
// rejects ids from other pages and any move that closes a loop.
func checkHierarchy(current []store.Block, batch []store.BlockPosition) error {
	parents := make(map[string]string, len(current))
	for _, block := range current {
		parent := ""
		if block.ParentID != nil {
			parent = *block.ParentID
		}
		parents[block.ID] = parent
	}
	for _, p := range batch {
		if _, ok := parents[p.ID]; !ok {
			return invalidInput("block " + p.ID + " is not on this page")
		}
		if p.ParentID != nil {
			if _, ok := parents[*p.ParentID]; !ok {
				return invalidInput("parent " + *p.ParentID + " is not on this page")
			}
		}
	}
	for _, p := range batch {
		parents[p.ID] = ""
		if p.ParentID != nil {
			parents[p.ID] = *p.ParentID
		}
	}
	for _, p := range batch {
		visited := map[string]struct{}{p.ID: {}}
		for ancestor := parents[p.ID]; ancestor != ""; ancestor = parents[ancestor] {
			if _, loop := visited[ancestor]; loop {
				return invalidInput("moving block " + p.ID + " would make it its own ancestor")
			}
			visited[ancestor] = struct{}{}
		}
	}
	return nil
}

// ReorderBlocks applies the whole batch atomically and returns the new tree.
func (s *Service) ReorderBlocks(ctx context.Context, session Session, pageID string, positions []PositionInput) ([]blockView, error) {
	if len(positions) == 0 {
		return nil, invalidInput("blocks must not be empty")
	}
	seen := make(map[string]struct{}, len(positions))
	batch := make([]store.BlockPosition, 0, len(positions))
	for _, p := range positions {
		if strings.TrimSpace(p.ID) == "" {
			return nil, invalidInput("every block needs an id")
		}
		if p.Order < 0 {
			return nil, invalidInput("order must not be negative")
		}
		if p.ParentID != nil && *p.ParentID == p.ID {
			return nil, invalidInput("a block cannot be its own parent")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, invalidInput("block " + p.ID + " appears twice")
		}
		seen[p.ID] = struct{}{}
		batch = append(batch, store.BlockPosition{ID: p.ID, Order: p.Order, ParentID: p.ParentID})
	}
	if _, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	current, err := s.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if err := checkHierarchy(current, batch); err != nil {
		return nil, err
	}

	blocks, err := s.store.ReorderBlocks(ctx, pageID, batch, session.UserID)
	if errors.Is(err, store.ErrConflict) {
		return nil, domainError(http.StatusConflict, "order_conflict", "Two sibling blocks would share an order", nil)
	}
	if errors.Is(err, store.ErrCycle) {
		return nil, invalidInput("the reorder would place a block beneath its own descendant")
	}
	if err != nil {
		return nil, err
	}
	s.touch(ctx, pageID)
	s.invalidate("blocks", func() error { return s.cache.InvalidateBlocks(ctx, pageID) })
	return toBlockViews(blocks), nil
}

type UploadInput struct {
	Filename string `json:"filename"`
}

// PresignUpload hands out a direct-to-storage PUT URL for an image or file block.
func (s *Service) PresignUpload(ctx context.Context, session Session, pageID string, input UploadInput) (media.Upload, error) {
	if s.uploads == nil {
		return media.Upload{}, domainError(http.StatusServiceUnavailable, "uploads_disabled", "Object storage is not configured", nil)
	}
	if _, _, err := s.authorizePage(ctx, pageID, session.UserID, rbac.ActionWrite); err != nil {
		return media.Upload{}, err
	}
	upload, err := s.uploads.PresignUpload(ctx, pageID, input.Filename)
	if errors.Is(err, media.ErrInvalidFilename) {
		return media.Upload{}, invalidInput("filename is not valid")
	}
	return upload, err
}

func (s *Service) checkParent(ctx context.Context, pageID, parentID string) error {
	parent, err := s.store.GetBlock(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return invalidInput("parent block not found")
	}
	if err != nil {
		return err
	}
	if parent.PageID != pageID {
		return invalidInput("parent block belongs to another page")
	}
	return nil
}

func (s *Service) afterBlockWrite(ctx context.Context, page store.Page, block store.Block) {
	s.touch(ctx, page.ID)
	s.invalidate("blocks", func() error { return s.cache.InvalidateBlocks(ctx, page.ID) })
	if s.search != nil {
		s.search.IndexBlock(search.BlockRecord{
			ID:          block.ID,
			Type:        block.Type,
			Text:        blockText(block.Content),
			PageID:      page.ID,
			WorkspaceID: page.WorkspaceID,
		})
	}
}

func (s *Service) touch(ctx context.Context, pageID string) {
	if err := s.store.TouchPage(ctx, pageID); err != nil {
		s.logger.Warn("touch page failed", zap.String("page_id", pageID), zap.Error(err))
	}
}

func validJSON(field string, raw json.RawMessage) error {
	if len(raw) == 0 || json.Valid(raw) {
		return nil
	}
	return invalidInput(field + " must be valid JSON")
}

// blockText flattens every string in a block's content for indexing.
func blockText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var decoded any
	if err := json.Unmarshal(content, &decoded); err != nil {
		return ""
	}
	var parts []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				parts = append(parts, t)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case map[string]any:
			for _, key := range []string{"text", "title", "caption", "language", "code", "items", "rows"} {
				if item, ok := t[key]; ok {
					walk(item)
				}
			}
		}
	}
	walk(decoded)
	return strings.Join(parts, " ")
}
