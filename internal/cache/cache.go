// Package cache is a Redis read-through cache for page block trees, comment
// trees and search results. A nil *Cache is valid and caches nothing.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatch = 200

type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Cache {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, logger: logger.Named("cache")}
}

func BlocksKey(pageID, userID string) string {
	return "blocks:" + pageID + ":" + userID
}

// CommentsKey scopes a comment listing; an empty blockID means the whole page.
func CommentsKey(pageID, blockID, userID string) string {
	if blockID == "" {
		blockID = "all"
	}
	return "comments:" + pageID + ":" + blockID + ":" + userID
}

// SearchKey hashes every input that changes a search response. Tags are
// expected in canonical order.
func SearchKey(userID, query, kind, workspaceID string, limit, offset int, tags ...string) string {
	h := sha1.New()
	parts := append([]string{query, kind, workspaceID, strconv.Itoa(limit), strconv.Itoa(offset)}, tags...)
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "search:" + userID + ":" + hex.EncodeToString(h.Sum(nil))
}

// Get decodes the cached value into dst. Misses and Redis failures both report
// false; failures are logged so callers can fall through to the database.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	if c == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		_ = c.client.Del(ctx, key).Err()
		return false
	}
	return true
}

func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) InvalidateBlocks(ctx context.Context, pageID string) error {
	return c.deleteMatching(ctx, "blocks:"+pageID+":*")
}

func (c *Cache) InvalidateComments(ctx context.Context, pageID string) error {
	return c.deleteMatching(ctx, "comments:"+pageID+":*")
}

// InvalidatePage drops every cached tree for the page, used when sharing
// changes alter who may read it.
func (c *Cache) InvalidatePage(ctx context.Context, pageID string) error {
	if err := c.InvalidateBlocks(ctx, pageID); err != nil {
		return err
	}
	return c.InvalidateComments(ctx, pageID)
}

func (c *Cache) InvalidateSearch(ctx context.Context, userID string) error {
	return c.deleteMatching(ctx, "search:"+userID+":*")
}

func (c *Cache) deleteMatching(ctx context.Context, pattern string) error {
	if c == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", pattern, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
