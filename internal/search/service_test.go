package search

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureRecords() []StoryRecord {
	return []StoryRecord{
		{ID: "story_1", Title: "The Dragon Road", Genre: "fantasy", AuthorID: "usr_1", Content: "A dragon guarded the northern pass."},
		{ID: "story_2", Title: "Orbit", Genre: "scifi", AuthorID: "usr_2", Content: "The station drifted past the moon."},
		{ID: "story_3", Title: "Ash", Genre: "fantasy", AuthorID: "usr_2", Content: "Nothing but ash where the dragon slept."},
	}
}

func staticLoader(records []StoryRecord) func(context.Context) ([]StoryRecord, error) {
	return func(context.Context) ([]StoryRecord, error) { return records, nil }
}

func TestScanMatchesAllTerms(t *testing.T) {
	scan := NewScan(staticLoader(fixtureRecords()))

	results, total, err := scan.Search(context.Background(), Query{Text: "Dragon"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, results, 2)
	assert.Equal(t, "story_1", results[0].StoryID)

	results, total, err = scan.Search(context.Background(), Query{Text: "dragon ash"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "story_3", results[0].StoryID)
}

func TestScanFiltersGenreAndPages(t *testing.T) {
	scan := NewScan(staticLoader(fixtureRecords()))

	results, total, err := scan.Search(context.Background(), Query{Text: "the", Genre: "scifi"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "story_2", results[0].StoryID)

	results, total, err = scan.Search(context.Background(), Query{Text: "the", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, results, 1)
	assert.Equal(t, "story_2", results[0].StoryID)

	results, _, err = scan.Search(context.Background(), Query{Text: "the", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestScanBlankQuery(t *testing.T) {
	scan := NewScan(func(context.Context) ([]StoryRecord, error) {
		t.Fatal("loader must not be called for blank queries")
		return nil, nil
	})
	results, total, err := scan.Search(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, results)
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := NewService(nil, NewScan(staticLoader(fixtureRecords())), zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "station"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "station", resp.Query)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Orbit", resp.Results[0].Title)
}

func TestServiceSwallowsFallbackErrors(t *testing.T) {
	svc := NewService(nil, NewScan(func(context.Context) ([]StoryRecord, error) {
		return nil, errors.New("boom")
	}), zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
	assert.Zero(t, resp.Total)
}

func TestServiceWithoutAnySearcher(t *testing.T) {
	svc := NewService(nil, nil, zerolog.Nop())
	resp := svc.Search(context.Background(), Query{Text: "x"})
	assert.NotNil(t, resp.Results)

	// indexing is a no-op without meilisearch
	svc.IndexStory(StoryRecord{ID: "story_1"})
	svc.DeleteStory("story_1")
	svc.ReindexAll(fixtureRecords())
}

func TestSnippetTruncatesOnRunes(t *testing.T) {
	assert.Equal(t, "héllo", snippet("héllo", 10))
	assert.Equal(t, "hé…", snippet("héllo", 2))
}
