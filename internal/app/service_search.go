package app

import (
	"context"
	"sort"
	"strings"

	"folio/api/internal/cache"
	"folio/api/internal/search"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
	minQueryLen        = 2
	maxSearchTags      = 10
	suggestionLimit    = 5
)

type SearchInput struct {
	Query       string
	Type        string
	WorkspaceID string
	Tags        []string
	Limit       int
	Offset      int
}

// Search runs a full-text query over the pages the caller can read.
func (s *Service) Search(ctx context.Context, userID string, input SearchInput) (search.Response, error) {
	text := strings.TrimSpace(input.Query)
	if len([]rune(text)) < minQueryLen {
		return search.Response{}, invalidInput("q must be at least 2 characters")
	}
	kind, ok := search.ParseType(strings.TrimSpace(input.Type))
	if !ok {
		return search.Response{}, invalidInput("type must be pages, blocks or comments")
	}
	limit := input.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if input.Offset < 0 {
		return search.Response{}, invalidInput("offset must not be negative")
	}
	tags := normalizeTags(input.Tags)
	if len(tags) > maxSearchTags {
		return search.Response{}, invalidInput("at most 10 tags can be combined")
	}
	if len(tags) > 0 {
		if kind != "" && kind != search.ResultPage {
			return search.Response{}, invalidInput("the tags filter only applies to pages")
		}
		kind = search.ResultPage
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	key := cache.SearchKey(userID, text, string(kind), input.WorkspaceID, limit, input.Offset, tags...)
	var cached search.Response
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}

	pageIDs, err := s.store.AccessiblePageIDs(ctx, userID, input.WorkspaceID)
	if err != nil {
		return search.Response{}, err
	}
	if len(pageIDs) == 0 {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	response := s.search.Search(search.Query{
		Text:              text,
		FilterType:        kind,
		FilterWorkspaceID: input.WorkspaceID,
		PageIDs:           pageIDs,
		Tags:              tags,
		Limit:             limit,
		Offset:            input.Offset,
	})
	s.cache.Set(ctx, key, response, s.cfg.SearchCacheTTL)
	return response, nil
}

// normalizeTags lowercases, drops blanks and duplicates, and sorts.
func normalizeTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	tags := make([]string, 0, len(raw))
	for _, tag := range raw {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

type Suggestion struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value"`
}

// Suggest completes a partial query: page titles the caller can read, or
// usernames for mentions.
func (s *Service) Suggest(ctx context.Context, userID, text, kind string) ([]Suggestion, error) {
	text = strings.TrimSpace(text)
	suggestions := []Suggestion{}
	switch kind {
	case "", "pages":
		if text == "" {
			return suggestions, nil
		}
		pages, err := s.store.SuggestPages(ctx, userID, text, suggestionLimit)
		if err != nil {
			return nil, err
		}
		for _, page := range pages {
			suggestions = append(suggestions, Suggestion{Type: "page", Title: page.Title, Value: page.ID})
		}
	case "users":
		if text == "" {
			return suggestions, nil
		}
		users, err := s.store.SuggestUsers(ctx, text, suggestionLimit)
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			title := user.FullName
			if title == "" {
				title = user.Username
			}
			suggestions = append(suggestions, Suggestion{Type: "user", Title: title, Value: user.Username})
		}
	default:
		return nil, invalidInput("type must be pages or users")
	}
	return suggestions, nil
}
