package search

import "context"

// Result is a single story hit returned to the caller.
type Result struct {
	StoryID  string `json:"storyId"`
	Title    string `json:"title"`
	Genre    string `json:"genre"`
	AuthorID string `json:"authorId"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Genre  string // empty = all genres
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over stories.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// StoryRecord is what gets indexed for a story: its metadata plus the
// content of its canonical revision.
type StoryRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Genre      string `json:"genre"`
	AuthorID   string `json:"authorId"`
	RevisionID string `json:"revisionId"`
	Content    string `json:"content"`
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
