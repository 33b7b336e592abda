package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPage    ResultType = "page"
	ResultBlock   ResultType = "block"
	ResultComment ResultType = "comment"
)

// ParseType maps the plural form used by the HTTP query string.
func ParseType(raw string) (ResultType, bool) {
	switch raw {
	case "":
		return "", true
	case "pages", "page":
		return ResultPage, true
	case "blocks", "block":
		return ResultBlock, true
	case "comments", "comment":
		return ResultComment, true
	}
	return "", false
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	PageID      string     `json:"pageId"`
	WorkspaceID string     `json:"workspaceId"`
	BlockID     string     `json:"blockId,omitempty"`
}

// Query describes a search request. PageIDs is the set of pages the caller
// may read; hits outside it are never returned.
type Query struct {
	Text              string
	FilterType        ResultType // empty = all types
	FilterWorkspaceID string
	PageIDs           []string
	Tags              []string // non-empty narrows the search to pages carrying any of them
	Limit             int
	Offset            int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for a page.
type PageRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	PageID      string   `json:"pageId"`
	WorkspaceID string   `json:"workspaceId"`
	Tags        []string `json:"tags"`
}

// BlockRecord is the data we index for a block.
type BlockRecord struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	PageID      string `json:"pageId"`
	WorkspaceID string `json:"workspaceId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	BlockID     string `json:"blockId"`
	PageID      string `json:"pageId"`
	WorkspaceID string `json:"workspaceId"`
}
