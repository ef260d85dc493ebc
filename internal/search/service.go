package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to a
// local Searcher (Postgres FTS or an in-memory scan).
type Service struct {
	meili    *Meili
	fallback Searcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; fallback may be nil, in which case unindexed searches are empty.
func NewService(meili *Meili, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: logger.With().Str("component", "search").Logger()}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexStory pushes a story to Meilisearch without blocking the caller.
func (s *Service) IndexStory(record StoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStory(record); err != nil {
			s.log.Warn().Err(err).Str("story_id", record.ID).Msg("index story")
		}
	}()
}

// DeleteStory removes a story from Meilisearch without blocking the caller.
func (s *Service) DeleteStory(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStory(id); err != nil {
			s.log.Warn().Err(err).Str("story_id", id).Msg("delete story from index")
		}
	}()
}

// ReindexAll pushes every record to Meilisearch. Called at startup.
func (s *Service) ReindexAll(records []StoryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexStories(records); err != nil {
		s.log.Warn().Err(err).Int("records", len(records)).Msg("reindex stories")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
