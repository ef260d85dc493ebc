package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workflowStore interface {
	Ping(ctx context.Context) error
	CreatePrincipal(ctx context.Context, principal Principal) error
	GetPrincipal(ctx context.Context, principalID string) (Principal, error)
	GetPrincipalByName(ctx context.Context, name string) (Principal, error)
	CreateStory(ctx context.Context, story Story, first Revision) error
	GetStory(ctx context.Context, storyID string) (Story, error)
	ListStories(ctx context.Context) ([]Story, error)
	ListStoriesByAuthor(ctx context.Context, authorID string) ([]Story, error)
	InsertRevision(ctx context.Context, revision Revision, request *MergeRequest) error
	GetRevision(ctx context.Context, revisionID string) (Revision, error)
	ListRevisions(ctx context.Context, storyID string) ([]Revision, error)
	PromoteRevision(ctx context.Context, storyID, revisionID string) (Story, error)
	DeleteStory(ctx context.Context, storyID string) (StoryDeletion, error)
	OpenMergeRequest(ctx context.Context, request MergeRequest) error
	GetMergeRequest(ctx context.Context, requestID string) (MergeRequest, error)
	ListMergeRequestsByStory(ctx context.Context, storyID string) ([]MergeRequest, error)
	ListPendingForOwner(ctx context.Context, ownerID string) ([]MergeRequest, error)
	ResolveMergeRequest(ctx context.Context, requestID, resolverID string, decision Decision, entry DecisionLogEntry) (Resolution, error)
	ListDecisions(ctx context.Context, storyID string) ([]DecisionLogEntry, error)
}

var (
	_ workflowStore = (*MemoryStore)(nil)
	_ workflowStore = (*PostgresStore)(nil)
)

// fixtureTime is truncated so values survive a TIMESTAMPTZ round trip.
var fixtureTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedPrincipal(t *testing.T, s workflowStore, id, name string) Principal {
	t.Helper()
	principal := Principal{ID: id, Name: name, PasswordHash: "hash", CreatedAt: fixtureTime}
	require.NoError(t, s.CreatePrincipal(context.Background(), principal))
	return principal
}

func seedStory(t *testing.T, s workflowStore, id, authorID string, offset time.Duration) Story {
	t.Helper()
	first := Revision{ID: id + "_r1", StoryID: id, AuthorID: authorID, Content: "Once upon a time", CreatedAt: fixtureTime.Add(offset)}
	story := Story{ID: id, Title: "Title " + id, Genre: "fantasy", AuthorID: authorID, CurrentRevisionID: first.ID, CreatedAt: fixtureTime.Add(offset)}
	require.NoError(t, s.CreateStory(context.Background(), story, first))
	return story
}

func seedRevision(t *testing.T, s workflowStore, id, storyID, authorID string, request *MergeRequest) Revision {
	t.Helper()
	revision := Revision{ID: id, StoryID: storyID, AuthorID: authorID, Content: "draft " + id, CreatedAt: fixtureTime}
	require.NoError(t, s.InsertRevision(context.Background(), revision, request))
	return revision
}

func pendingRequest(id, storyID, revisionID, requestorID string) MergeRequest {
	return MergeRequest{
		ID:          id,
		StoryID:     storyID,
		RevisionID:  revisionID,
		RequestorID: requestorID,
		Status:      StatusPending,
		CreatedAt:   fixtureTime,
		UpdatedAt:   fixtureTime,
	}
}

func decisionEntry(id string) DecisionLogEntry {
	return DecisionLogEntry{ID: id, DecidedAt: fixtureTime.Add(time.Hour)}
}

// runWorkflowContract exercises behaviour every store backend must share.
// newStore must return an empty store.
func runWorkflowContract(t *testing.T, newStore func(t *testing.T) workflowStore) {
	ctx := context.Background()

	t.Run("principal names are unique", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")

		err := s.CreatePrincipal(ctx, Principal{ID: "p_other", Name: "alice", PasswordHash: "x", CreatedAt: fixtureTime})
		require.ErrorIs(t, err, ErrConflict)

		byName, err := s.GetPrincipalByName(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "p_alice", byName.ID)

		_, err = s.GetPrincipal(ctx, "p_missing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create story makes first revision canonical", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		story := seedStory(t, s, "story_a", "p_alice", 0)

		got, err := s.GetStory(ctx, story.ID)
		require.NoError(t, err)
		assert.Equal(t, "story_a_r1", got.CurrentRevisionID)
		assert.True(t, got.HasCanonical())

		revisions, err := s.ListRevisions(ctx, story.ID)
		require.NoError(t, err)
		require.Len(t, revisions, 1)
		assert.Equal(t, "Once upon a time", revisions[0].Content)
	})

	t.Run("create story rejects a non canonical first revision", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		first := Revision{ID: "r1", StoryID: "story_a", AuthorID: "p_alice", Content: "x", CreatedAt: fixtureTime}
		story := Story{ID: "story_a", Title: "t", AuthorID: "p_alice", CurrentRevisionID: "r_other", CreatedAt: fixtureTime}
		require.ErrorIs(t, s.CreateStory(ctx, story, first), ErrInvariant)
	})

	t.Run("create story requires a known author", func(t *testing.T) {
		s := newStore(t)
		first := Revision{ID: "r1", StoryID: "story_a", AuthorID: "p_ghost", Content: "x", CreatedAt: fixtureTime}
		story := Story{ID: "story_a", Title: "t", AuthorID: "p_ghost", CurrentRevisionID: "r1", CreatedAt: fixtureTime}
		require.ErrorIs(t, s.CreateStory(ctx, story, first), ErrNotFound)
	})

	t.Run("stories list newest first and filter by author", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_old", "p_alice", 0)
		seedStory(t, s, "story_new", "p_alice", time.Minute)
		seedStory(t, s, "story_bob", "p_bobby", 2*time.Minute)

		all, err := s.ListStories(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "story_bob", all[0].ID)

		mine, err := s.ListStoriesByAuthor(ctx, "p_alice")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "story_new", mine[0].ID)
		assert.Equal(t, "story_old", mine[1].ID)

		none, err := s.ListStoriesByAuthor(ctx, "p_nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("revision does not move canonical pointer", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedRevision(t, s, "r2", "story_a", "p_bobby", nil)

		story, err := s.GetStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Equal(t, "story_a_r1", story.CurrentRevisionID)

		revisions, err := s.ListRevisions(ctx, "story_a")
		require.NoError(t, err)
		require.Len(t, revisions, 2)
		assert.Equal(t, "r2", revisions[0].ID)
	})

	t.Run("revision with request opens it atomically", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		got, err := s.GetMergeRequest(ctx, "mr_1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)

		pending, err := s.ListPendingForOwner(ctx, "p_alice")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "mr_1", pending[0].ID)

		mismatched := pendingRequest("mr_2", "story_a", "r_other", "p_bobby")
		revision := Revision{ID: "r3", StoryID: "story_a", AuthorID: "p_bobby", Content: "x", CreatedAt: fixtureTime}
		require.ErrorIs(t, s.InsertRevision(ctx, revision, &mismatched), ErrInvariant)
		_, err = s.GetRevision(ctx, "r3")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("revision on unknown story", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		revision := Revision{ID: "r9", StoryID: "story_missing", AuthorID: "p_alice", Content: "x", CreatedAt: fixtureTime}
		require.ErrorIs(t, s.InsertRevision(ctx, revision, nil), ErrNotFound)
	})

	t.Run("only one pending request per revision", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedRevision(t, s, "r2", "story_a", "p_bobby", nil)

		require.NoError(t, s.OpenMergeRequest(ctx, pendingRequest("mr_1", "story_a", "r2", "p_bobby")))
		err := s.OpenMergeRequest(ctx, pendingRequest("mr_2", "story_a", "r2", "p_alice"))
		require.ErrorIs(t, err, ErrConflict)
	})

	t.Run("open request validates story and revision pairing", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedStory(t, s, "story_b", "p_alice", time.Minute)

		err := s.OpenMergeRequest(ctx, pendingRequest("mr_1", "story_a", "story_b_r1", "p_alice"))
		require.ErrorIs(t, err, ErrNotFound)
		err = s.OpenMergeRequest(ctx, pendingRequest("mr_2", "story_missing", "story_a_r1", "p_alice"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent opens admit exactly one", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedRevision(t, s, "r2", "story_a", "p_bobby", nil)

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.OpenMergeRequest(ctx, pendingRequest(fmt.Sprintf("mr_%d", i), "story_a", "r2", "p_bobby"))
			}(i)
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, succeeded)

		requests, err := s.ListMergeRequestsByStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Len(t, requests, 1)
	})

	t.Run("accept promotes purges and logs", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		resolution, err := s.ResolveMergeRequest(ctx, "mr_1", "p_alice", DecisionAccept, decisionEntry("dec_1"))
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, resolution.Request.Status)
		assert.Equal(t, "r2", resolution.Story.CurrentRevisionID)
		assert.Equal(t, "p_bobby", resolution.Decision.RequestorID)
		assert.Equal(t, "p_alice", resolution.Decision.ResolverID)

		story, err := s.GetStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Equal(t, "r2", story.CurrentRevisionID)

		_, err = s.GetMergeRequest(ctx, "mr_1")
		require.ErrorIs(t, err, ErrNotFound)

		decisions, err := s.ListDecisions(ctx, "story_a")
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, StatusAccepted, decisions[0].Outcome)
		assert.Equal(t, "mr_1", decisions[0].RequestID)

		// the revision can be proposed again once the first request is gone
		require.NoError(t, s.OpenMergeRequest(ctx, pendingRequest("mr_2", "story_a", "r2", "p_bobby")))
	})

	t.Run("deny keeps canonical pointer", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		resolution, err := s.ResolveMergeRequest(ctx, "mr_1", "p_alice", DecisionDeny, decisionEntry("dec_1"))
		require.NoError(t, err)
		assert.Equal(t, StatusDenied, resolution.Request.Status)
		assert.Equal(t, "story_a_r1", resolution.Story.CurrentRevisionID)

		pending, err := s.ListPendingForOwner(ctx, "p_alice")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("resolve twice reports not found", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		_, err := s.ResolveMergeRequest(ctx, "mr_1", "p_alice", DecisionDeny, decisionEntry("dec_1"))
		require.NoError(t, err)
		_, err = s.ResolveMergeRequest(ctx, "mr_1", "p_alice", DecisionAccept, decisionEntry("dec_2"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("only the owner resolves", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		_, err := s.ResolveMergeRequest(ctx, "mr_1", "p_bobby", DecisionAccept, decisionEntry("dec_1"))
		require.ErrorIs(t, err, ErrForbidden)

		got, err := s.GetMergeRequest(ctx, "mr_1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		story, err := s.GetStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Equal(t, "story_a_r1", story.CurrentRevisionID)
	})

	t.Run("concurrent resolves apply once", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		request := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &request)

		const workers = 6
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				decision := DecisionAccept
				if i%2 == 1 {
					decision = DecisionDeny
				}
				_, err := s.ResolveMergeRequest(ctx, "mr_1", "p_alice", decision, decisionEntry(fmt.Sprintf("dec_%d", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)

		succeeded := 0
		for err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ErrNotFound)
		}
		assert.Equal(t, 1, succeeded)

		decisions, err := s.ListDecisions(ctx, "story_a")
		require.NoError(t, err)
		assert.Len(t, decisions, 1)
	})

	t.Run("concurrent accepts of different requests leave the last one canonical", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)

		const workers = 6
		revisions := make(map[string]bool, workers)
		for i := 0; i < workers; i++ {
			revisionID := fmt.Sprintf("r%d", i+2)
			request := pendingRequest(fmt.Sprintf("mr_%d", i), "story_a", revisionID, "p_bobby")
			seedRevision(t, s, revisionID, "story_a", "p_bobby", &request)
			revisions[revisionID] = true
		}

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.ResolveMergeRequest(ctx, fmt.Sprintf("mr_%d", i), "p_alice", DecisionAccept, decisionEntry(fmt.Sprintf("dec_%d", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		decisions, err := s.ListDecisions(ctx, "story_a")
		require.NoError(t, err)
		require.Len(t, decisions, workers)
		seen := make(map[string]bool, workers)
		for _, decision := range decisions {
			assert.Equal(t, StatusAccepted, decision.Outcome)
			assert.True(t, revisions[decision.RevisionID], "unexpected revision %s", decision.RevisionID)
			seen[decision.RevisionID] = true
		}
		assert.Len(t, seen, workers)

		story, err := s.GetStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Equal(t, decisions[0].RevisionID, story.CurrentRevisionID, "newest decision must be canonical")

		pending, err := s.ListPendingForOwner(ctx, "p_alice")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("promote checks revision ownership", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedStory(t, s, "story_b", "p_alice", time.Minute)
		seedRevision(t, s, "r2", "story_a", "p_alice", nil)

		_, err := s.PromoteRevision(ctx, "story_a", "story_b_r1")
		require.ErrorIs(t, err, ErrInvariant)
		_, err = s.PromoteRevision(ctx, "story_a", "r_missing")
		require.ErrorIs(t, err, ErrNotFound)

		story, err := s.PromoteRevision(ctx, "story_a", "r2")
		require.NoError(t, err)
		assert.Equal(t, "r2", story.CurrentRevisionID)
	})

	t.Run("delete cascades to every dependent row", func(t *testing.T) {
		s := newStore(t)
		seedPrincipal(t, s, "p_alice", "alice")
		seedPrincipal(t, s, "p_bobby", "bobby")
		seedStory(t, s, "story_a", "p_alice", 0)
		seedStory(t, s, "story_b", "p_alice", time.Minute)
		first := pendingRequest("mr_1", "story_a", "r2", "p_bobby")
		seedRevision(t, s, "r2", "story_a", "p_bobby", &first)
		second := pendingRequest("mr_2", "story_a", "r3", "p_bobby")
		seedRevision(t, s, "r3", "story_a", "p_bobby", &second)
		_, err := s.ResolveMergeRequest(ctx, "mr_1", "p_alice", DecisionAccept, decisionEntry("dec_1"))
		require.NoError(t, err)

		deletion, err := s.DeleteStory(ctx, "story_a")
		require.NoError(t, err)
		assert.Equal(t, StoryDeletion{StoryID: "story_a", Revisions: 3, MergeRequests: 1, Decisions: 1}, deletion)

		_, err = s.GetStory(ctx, "story_a")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRevision(ctx, "r3")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMergeRequest(ctx, "mr_2")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.ListDecisions(ctx, "story_a")
		require.ErrorIs(t, err, ErrNotFound)

		pending, err := s.ListPendingForOwner(ctx, "p_alice")
		require.NoError(t, err)
		assert.Empty(t, pending)

		_, err = s.GetStory(ctx, "story_b")
		require.NoError(t, err)

		_, err = s.DeleteStory(ctx, "story_a")
		require.ErrorIs(t, err, ErrNotFound)
	})
}
