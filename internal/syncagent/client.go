package syncagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Block mirrors the block objects served by the REST API.
type Block struct {
	ID             string          `json:"id"`
	PageID         string          `json:"pageId"`
	ParentID       *string         `json:"parentId"`
	Type           string          `json:"type"`
	Content        json.RawMessage `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Order          int             `json:"order"`
	LastModifiedBy string          `json:"lastModifiedBy,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type NewBlock struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	ParentID *string         `json:"parentId,omitempty"`
	Order    *int            `json:"order,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type BlockPatch struct {
	Type    string          `json:"type,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type Position struct {
	ID       string  `json:"id"`
	Order    int     `json:"order"`
	ParentID *string `json:"parentId"`
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client calls the block endpoints with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), token: token, http: httpClient}
}

func (c *Client) ListBlocks(ctx context.Context, pageID string) ([]Block, error) {
	var out struct {
		Blocks []Block `json:"blocks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/pages/"+url.PathEscape(pageID)+"/blocks", nil, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

func (c *Client) CreateBlock(ctx context.Context, pageID string, block NewBlock) (Block, error) {
	var out struct {
		Block Block `json:"block"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/pages/"+url.PathEscape(pageID)+"/blocks", block, &out); err != nil {
		return Block{}, err
	}
	return out.Block, nil
}

func (c *Client) UpdateBlock(ctx context.Context, blockID string, patch BlockPatch) (Block, error) {
	var out struct {
		Block Block `json:"block"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/blocks/"+url.PathEscape(blockID), patch, &out); err != nil {
		return Block{}, err
	}
	return out.Block, nil
}

func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	return c.do(ctx, http.MethodDelete, "/api/blocks/"+url.PathEscape(blockID), nil, nil)
}

func (c *Client) ReorderBlocks(ctx context.Context, pageID string, positions []Position) ([]Block, error) {
	var out struct {
		Blocks []Block `json:"blocks"`
	}
	body := map[string]any{"blocks": positions}
	if err := c.do(ctx, http.MethodPut, "/api/pages/"+url.PathEscape(pageID)+"/blocks/reorder", body, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
