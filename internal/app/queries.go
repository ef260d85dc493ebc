package app

import (
	"context"
	"sort"
	"strings"

	"storyline/api/internal/search"
	"storyline/api/internal/store"
)

// StoryView returns the story with its canonical content. The story row and
// its pointer always come from the store; only the revision body is read
// through the cache.
func (s *Service) StoryView(ctx context.Context, storyID string) (store.StoryView, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return store.StoryView{}, s.fail("story view", err)
	}
	view := store.StoryView{Story: story}
	if !story.HasCanonical() {
		return view, nil
	}
	canonical, err := s.cachedRevision(ctx, story.CurrentRevisionID)
	if err != nil {
		return store.StoryView{}, s.fail("story view", err)
	}
	view.Canonical = canonical
	return view, nil
}

// cachedRevision reads a revision through the cache when one is configured.
// Cache failures fall back to the store.
func (s *Service) cachedRevision(ctx context.Context, revisionID string) (store.Revision, error) {
	if s.cache == nil {
		return s.store.GetRevision(ctx, revisionID)
	}
	revision, ok, err := s.cache.GetRevision(ctx, revisionID)
	if err != nil {
		s.log.Warn().Err(err).Str("revision_id", revisionID).Msg("read revision cache")
	}
	s.metrics.RecordCacheLookup(ok)
	if ok {
		return revision, nil
	}

	revision, err = s.store.GetRevision(ctx, revisionID)
	if err != nil {
		return store.Revision{}, err
	}
	if err := s.cache.PutRevision(ctx, revision); err != nil {
		s.log.Warn().Err(err).Str("revision_id", revisionID).Msg("write revision cache")
	}
	return revision, nil
}

// DistinctGenres returns the non-empty genres across stories, sorted and
// compared case-insensitively. The first spelling seen wins.
func DistinctGenres(stories []store.Story) []string {
	seen := make(map[string]struct{}, len(stories))
	genres := make([]string, 0)
	for _, story := range stories {
		genre := strings.TrimSpace(story.Genre)
		if genre == "" {
			continue
		}
		key := strings.ToLower(genre)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		genres = append(genres, genre)
	}
	sort.Slice(genres, func(i, j int) bool {
		return strings.ToLower(genres[i]) < strings.ToLower(genres[j])
	})
	return genres
}

// ListGenres returns the distinct genres of every story, or of authorID's
// stories when authorID is set.
func (s *Service) ListGenres(ctx context.Context, authorID string) ([]string, error) {
	var (
		stories []store.Story
		err     error
	)
	if authorID != "" {
		stories, err = s.ListStoriesByAuthor(ctx, authorID)
		if err != nil {
			return nil, err
		}
	} else {
		stories, err = s.store.ListStories(ctx)
		if err != nil {
			return nil, s.fail("list genres", err)
		}
	}
	return DistinctGenres(stories), nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	if s.index == nil || q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.index.Search(ctx, q)
}

// StoryRecords loads every story with its canonical content. It feeds the
// in-memory search fallback and bulk reindexing.
func (s *Service) StoryRecords(ctx context.Context) ([]search.StoryRecord, error) {
	stories, err := s.store.ListStories(ctx)
	if err != nil {
		return nil, s.fail("story records", err)
	}
	records := make([]search.StoryRecord, 0, len(stories))
	for _, story := range stories {
		if !story.HasCanonical() {
			continue
		}
		canonical, err := s.store.GetRevision(ctx, story.CurrentRevisionID)
		if err != nil {
			// deleted between the listing and this read
			if isNotFound(err) {
				continue
			}
			return nil, s.fail("story records", err)
		}
		records = append(records, storyRecord(story, canonical))
	}
	return records, nil
}
