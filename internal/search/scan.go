package search

import (
	"context"
	"fmt"
	"strings"
)

// Scan is a Searcher that matches story records in memory. It backs search
// when the workflow runs on the in-memory store.
type Scan struct {
	load func(ctx context.Context) ([]StoryRecord, error)
}

func NewScan(load func(ctx context.Context) ([]StoryRecord, error)) *Scan {
	return &Scan{load: load}
}

func (s *Scan) Healthy() bool {
	return true
}

func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}
	records, err := s.load(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan load: %w", err)
	}

	matches := make([]Result, 0)
	for _, record := range records {
		if q.Genre != "" && record.Genre != q.Genre {
			continue
		}
		haystack := strings.ToLower(record.Title + " " + record.Genre + " " + record.Content)
		if !containsAll(haystack, terms) {
			continue
		}
		matches = append(matches, Result{
			StoryID:  record.ID,
			Title:    record.Title,
			Genre:    record.Genre,
			AuthorID: record.AuthorID,
			Snippet:  snippet(record.Content, 160),
		})
	}

	total := len(matches)
	start := normalizeOffset(q.Offset)
	if start > total {
		start = total
	}
	end := start + normalizeLimit(q.Limit)
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func containsAll(haystack string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func snippet(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max]) + "…"
}
