package retrieval

import "context"

// Block is one retrieved content block.
type Block struct {
	VirtualRecordID string            `json:"virtualRecordId"`
	BlockIndex      int               `json:"blockIndex"`
	Content         string            `json:"content"`
	BlockType       string            `json:"blockType"` // "text" or "table"
	Metadata        map[string]string `json:"metadata,omitempty"`
	// TableRows is populated when BlockType is "table".
	TableRows [][]string `json:"tableRows,omitempty"`
	Score     float64    `json:"score,omitempty"`
	// BlockNumber is the citation identity assigned during numbering.
	BlockNumber string `json:"blockNumber,omitempty"`
}

// SearchQuery is one filtered-search call.
type SearchQuery struct {
	Queries      []string
	OrgID        string
	UserID       string
	Limit        int
	FilterGroups []string
}

// SearchService performs permission-filtered block search.
type SearchService interface {
	Search(ctx context.Context, query SearchQuery) ([]Block, error)
}

// Reranker reorders blocks by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, blocks []Block) ([]Block, error)
}
