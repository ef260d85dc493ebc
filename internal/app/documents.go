package app

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"storyline/api/internal/metrics"
	"storyline/api/internal/rbac"
	"storyline/api/internal/store"
	"storyline/api/internal/util"
)

const (
	maxTitleLength = 200
	maxGenreLength = 50
)

type CreateStoryInput struct {
	Title   string `json:"title"`
	Genre   string `json:"genre"`
	Content string `json:"content"`
}

func (in CreateStoryInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Title, validation.Required, validation.Length(1, maxTitleLength)),
		validation.Field(&in.Genre, validation.Length(0, maxGenreLength)),
		validation.Field(&in.Content, validation.Required),
	)
}

type RevisionInput struct {
	Content     string `json:"content"`
	OpenRequest bool   `json:"openRequest"`
}

func (in RevisionInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Content, validation.Required),
	)
}

// CreateStory stores the story and its first revision as one unit; the first
// revision is canonical from the start.
func (s *Service) CreateStory(ctx context.Context, actorID string, input CreateStoryInput) (store.Story, error) {
	input.Title = s.sanitizer.Sanitize(input.Title)
	input.Genre = s.sanitizer.Sanitize(input.Genre)
	input.Content = s.sanitizer.Sanitize(input.Content)
	if err := input.Validate(); err != nil {
		return store.Story{}, s.fail("create story", validationError(err))
	}

	now := s.timestamp()
	storyID := util.NewID("story")
	first := store.Revision{
		ID:        util.NewID("rev"),
		StoryID:   storyID,
		AuthorID:  actorID,
		Content:   input.Content,
		CreatedAt: now,
	}
	story := store.Story{
		ID:                storyID,
		Title:             input.Title,
		Genre:             input.Genre,
		AuthorID:          actorID,
		CurrentRevisionID: first.ID,
		CreatedAt:         now,
	}
	if err := s.store.CreateStory(ctx, story, first); err != nil {
		return store.Story{}, s.fail("create story", err)
	}

	s.metrics.RecordTransition(metrics.TransitionStoryCreated)
	s.log.Info().Str("story_id", story.ID).Str("author_id", actorID).Msg("story created")
	s.reindex(story, first)
	return story, nil
}

// AddRevision appends a revision without touching the canonical pointer.
func (s *Service) AddRevision(ctx context.Context, actorID, storyID, content string) (store.Revision, error) {
	revision, _, err := s.SubmitRevision(ctx, actorID, storyID, RevisionInput{Content: content})
	return revision, err
}

// SubmitRevision appends a revision and, when input.OpenRequest is set, opens
// a merge request for it. Both are written together or not at all.
func (s *Service) SubmitRevision(ctx context.Context, actorID, storyID string, input RevisionInput) (store.Revision, *store.MergeRequest, error) {
	input.Content = s.sanitizer.Sanitize(input.Content)
	if err := input.Validate(); err != nil {
		return store.Revision{}, nil, s.fail("submit revision", validationError(err))
	}
	action := rbac.ActionRevise
	if input.OpenRequest {
		action = rbac.ActionRequestMerge
	}
	if _, err := s.authorize(ctx, actorID, storyID, action); err != nil {
		return store.Revision{}, nil, s.fail("submit revision", err)
	}

	now := s.timestamp()
	revision := store.Revision{
		ID:        util.NewID("rev"),
		StoryID:   storyID,
		AuthorID:  actorID,
		Content:   input.Content,
		CreatedAt: now,
	}
	var request *store.MergeRequest
	if input.OpenRequest {
		request = &store.MergeRequest{
			ID:          util.NewID("mr"),
			StoryID:     storyID,
			RevisionID:  revision.ID,
			RequestorID: actorID,
			Status:      store.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	if err := s.store.InsertRevision(ctx, revision, request); err != nil {
		return store.Revision{}, nil, s.fail("submit revision", err)
	}

	s.metrics.RecordTransition(metrics.TransitionRevisionAdded)
	event := s.log.Info().Str("story_id", storyID).Str("revision_id", revision.ID).Str("author_id", actorID)
	if request != nil {
		s.metrics.RecordTransition(metrics.TransitionRequestOpened)
		event = event.Str("merge_request_id", request.ID)
	}
	event.Msg("revision submitted")
	return revision, request, nil
}

// authorize loads the story and checks what actorID may do to it.
func (s *Service) authorize(ctx context.Context, actorID, storyID string, action rbac.Action) (store.Story, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return store.Story{}, err
	}
	if !rbac.Can(rbac.RelationTo(story.AuthorID, actorID), action) {
		return store.Story{}, forbidden(fmt.Sprintf("Only the story owner may %s", describeAction(action)))
	}
	return story, nil
}

func describeAction(action rbac.Action) string {
	switch action {
	case rbac.ActionPromote:
		return "promote revisions"
	case rbac.ActionDelete:
		return "delete the story"
	case rbac.ActionResolveMerge:
		return "resolve merge requests"
	default:
		return string(action)
	}
}

// PromoteRevision makes revisionID canonical. Only the owner may do this
// directly; everyone else goes through a merge request.
func (s *Service) PromoteRevision(ctx context.Context, actorID, storyID, revisionID string) (store.Story, error) {
	if _, err := s.authorize(ctx, actorID, storyID, rbac.ActionPromote); err != nil {
		return store.Story{}, s.fail("promote revision", err)
	}
	story, err := s.store.PromoteRevision(ctx, storyID, revisionID)
	if err != nil {
		return store.Story{}, s.fail("promote revision", err)
	}

	s.metrics.RecordTransition(metrics.TransitionRevisionPromoted)
	s.log.Info().Str("story_id", storyID).Str("revision_id", revisionID).Msg("revision promoted")
	s.afterCanonicalChange(ctx, story)
	return story, nil
}

// afterCanonicalChange refreshes the search index with the new canonical
// content.
func (s *Service) afterCanonicalChange(ctx context.Context, story store.Story) {
	if s.index == nil {
		return
	}
	canonical, err := s.cachedRevision(ctx, story.CurrentRevisionID)
	if err != nil {
		s.log.Warn().Err(err).Str("story_id", story.ID).Msg("load canonical revision for index")
		return
	}
	s.reindex(story, canonical)
}

// DeleteStory removes the story and, in the same unit, every revision, merge
// request and decision that references it.
func (s *Service) DeleteStory(ctx context.Context, actorID, storyID string) (store.StoryDeletion, error) {
	if _, err := s.authorize(ctx, actorID, storyID, rbac.ActionDelete); err != nil {
		return store.StoryDeletion{}, s.fail("delete story", err)
	}
	deletion, err := s.store.DeleteStory(ctx, storyID)
	if err != nil {
		return store.StoryDeletion{}, s.fail("delete story", err)
	}

	s.metrics.RecordTransition(metrics.TransitionStoryDeleted)
	s.log.Info().
		Str("story_id", storyID).
		Int("revisions", deletion.Revisions).
		Int("merge_requests", deletion.MergeRequests).
		Int("decisions", deletion.Decisions).
		Msg("story deleted")
	if s.index != nil {
		s.index.DeleteStory(storyID)
	}
	return deletion, nil
}

func (s *Service) GetStory(ctx context.Context, storyID string) (store.Story, error) {
	story, err := s.store.GetStory(ctx, storyID)
	if err != nil {
		return store.Story{}, s.fail("get story", err)
	}
	return story, nil
}

func (s *Service) GetRevision(ctx context.Context, storyID, revisionID string) (store.Revision, error) {
	revision, err := s.store.GetRevision(ctx, revisionID)
	if err == nil && revision.StoryID != storyID {
		err = fmt.Errorf("revision %s on story %s: %w", revisionID, storyID, store.ErrNotFound)
	}
	if err != nil {
		return store.Revision{}, s.fail("get revision", err)
	}
	return revision, nil
}

// ListRevisions returns the story's revisions, newest first.
func (s *Service) ListRevisions(ctx context.Context, storyID string) ([]store.Revision, error) {
	revisions, err := s.store.ListRevisions(ctx, storyID)
	if err != nil {
		return nil, s.fail("list revisions", err)
	}
	return revisions, nil
}

func (s *Service) ListStoriesByAuthor(ctx context.Context, authorID string) ([]store.Story, error) {
	if _, err := s.store.GetPrincipal(ctx, authorID); err != nil {
		return nil, s.fail("list stories", err)
	}
	stories, err := s.store.ListStoriesByAuthor(ctx, authorID)
	if err != nil {
		return nil, s.fail("list stories", err)
	}
	return stories, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || KindOf(err) == KindNotFound
}
