package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps the whole workflow state in process. Each story has its own
// mutex that scopes a logical transaction (canonical pointer plus live merge
// requests); mu guards the maps so readers only ever observe whole units.
type MemoryStore struct {
	mu         sync.RWMutex
	principals map[string]Principal
	byName     map[string]string
	stories    map[string]Story
	revisions  map[string]Revision
	// revision ids per story in insertion order
	storyRevisions map[string][]string
	requests       map[string]MergeRequest
	// pending request id per revision id
	pendingByRevision map[string]string
	decisions         map[string][]DecisionLogEntry

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// resolveReadHook runs after ResolveMergeRequest has read the request and
	// before it takes the story lock. Tests use it to order a racing delete.
	resolveReadHook func(MergeRequest)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:        make(map[string]Principal),
		byName:            make(map[string]string),
		stories:           make(map[string]Story),
		revisions:         make(map[string]Revision),
		storyRevisions:    make(map[string][]string),
		requests:          make(map[string]MergeRequest),
		pendingByRevision: make(map[string]string),
		decisions:         make(map[string][]DecisionLogEntry),
		locks:             make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) storyLock(storyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[storyID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[storyID] = lock
	}
	return lock
}

// dropStoryLock forgets a deleted story's mutex. Callers hold that mutex and
// mu; goroutines already waiting on it find the story gone once they get it.
func (s *MemoryStore) dropStoryLock(storyID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.locks, storyID)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreatePrincipal(_ context.Context, principal Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[principal.Name]; taken {
		return fmt.Errorf("principal name %q: %w", principal.Name, ErrConflict)
	}
	if _, exists := s.principals[principal.ID]; exists {
		return fmt.Errorf("principal %s: %w", principal.ID, ErrConflict)
	}
	s.principals[principal.ID] = principal
	s.byName[principal.Name] = principal.ID
	return nil
}

func (s *MemoryStore) GetPrincipal(_ context.Context, principalID string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	principal, ok := s.principals[principalID]
	if !ok {
		return Principal{}, fmt.Errorf("principal %s: %w", principalID, ErrNotFound)
	}
	return principal, nil
}

func (s *MemoryStore) GetPrincipalByName(_ context.Context, name string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return Principal{}, fmt.Errorf("principal name %q: %w", name, ErrNotFound)
	}
	return s.principals[id], nil
}

func (s *MemoryStore) CreateStory(_ context.Context, story Story, first Revision) error {
	if first.StoryID != story.ID || story.CurrentRevisionID != first.ID {
		return fmt.Errorf("create story %s: first revision must be canonical: %w", story.ID, ErrInvariant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[story.AuthorID]; !ok {
		return fmt.Errorf("story author %s: %w", story.AuthorID, ErrNotFound)
	}
	if _, exists := s.stories[story.ID]; exists {
		return fmt.Errorf("story %s: %w", story.ID, ErrConflict)
	}
	s.stories[story.ID] = story
	s.revisions[first.ID] = first
	s.storyRevisions[story.ID] = []string{first.ID}
	return nil
}

func (s *MemoryStore) GetStory(_ context.Context, storyID string) (Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	story, ok := s.stories[storyID]
	if !ok {
		return Story{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	return story, nil
}

func (s *MemoryStore) ListStories(context.Context) ([]Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Story, 0, len(s.stories))
	for _, story := range s.stories {
		items = append(items, story)
	}
	sortStoriesNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) ListStoriesByAuthor(_ context.Context, authorID string) ([]Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Story, 0)
	for _, story := range s.stories {
		if story.AuthorID == authorID {
			items = append(items, story)
		}
	}
	sortStoriesNewestFirst(items)
	return items, nil
}

func sortStoriesNewestFirst(items []Story) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

// InsertRevision appends a revision and, when request is non-nil, opens a
// pending merge request for it in the same unit.
func (s *MemoryStore) InsertRevision(_ context.Context, revision Revision, request *MergeRequest) error {
	lock := s.storyLock(revision.StoryID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[revision.StoryID]; !ok {
		return fmt.Errorf("story %s: %w", revision.StoryID, ErrNotFound)
	}
	if _, ok := s.principals[revision.AuthorID]; !ok {
		return fmt.Errorf("revision author %s: %w", revision.AuthorID, ErrNotFound)
	}
	if _, exists := s.revisions[revision.ID]; exists {
		return fmt.Errorf("revision %s: %w", revision.ID, ErrConflict)
	}
	if request != nil {
		if request.RevisionID != revision.ID || request.StoryID != revision.StoryID {
			return fmt.Errorf("merge request %s does not target revision %s: %w", request.ID, revision.ID, ErrInvariant)
		}
		if _, exists := s.requests[request.ID]; exists {
			return fmt.Errorf("merge request %s: %w", request.ID, ErrConflict)
		}
	}

	s.revisions[revision.ID] = revision
	s.storyRevisions[revision.StoryID] = append(s.storyRevisions[revision.StoryID], revision.ID)
	if request != nil {
		s.requests[request.ID] = *request
		s.pendingByRevision[request.RevisionID] = request.ID
	}
	return nil
}

func (s *MemoryStore) GetRevision(_ context.Context, revisionID string) (Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revision, ok := s.revisions[revisionID]
	if !ok {
		return Revision{}, fmt.Errorf("revision %s: %w", revisionID, ErrNotFound)
	}
	return revision, nil
}

func (s *MemoryStore) ListRevisions(_ context.Context, storyID string) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.stories[storyID]; !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	ids := s.storyRevisions[storyID]
	items := make([]Revision, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		items = append(items, s.revisions[ids[i]])
	}
	return items, nil
}

func (s *MemoryStore) PromoteRevision(_ context.Context, storyID, revisionID string) (Story, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoteLocked(storyID, revisionID)
}

// promoteLocked requires both the story lock and mu.
func (s *MemoryStore) promoteLocked(storyID, revisionID string) (Story, error) {
	story, ok := s.stories[storyID]
	if !ok {
		return Story{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	revision, ok := s.revisions[revisionID]
	if !ok {
		return Story{}, fmt.Errorf("revision %s: %w", revisionID, ErrNotFound)
	}
	if revision.StoryID != storyID {
		return Story{}, fmt.Errorf("revision %s belongs to story %s, not %s: %w", revisionID, revision.StoryID, storyID, ErrInvariant)
	}
	story.CurrentRevisionID = revisionID
	s.stories[storyID] = story
	return story, nil
}

// DeleteStory removes the story together with every revision, merge request
// and decision that references it.
func (s *MemoryStore) DeleteStory(_ context.Context, storyID string) (StoryDeletion, error) {
	lock := s.storyLock(storyID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[storyID]; !ok {
		return StoryDeletion{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}

	deletion := StoryDeletion{StoryID: storyID}
	for id, request := range s.requests {
		if request.StoryID != storyID {
			continue
		}
		delete(s.requests, id)
		if s.pendingByRevision[request.RevisionID] == id {
			delete(s.pendingByRevision, request.RevisionID)
		}
		deletion.MergeRequests++
	}
	for _, revisionID := range s.storyRevisions[storyID] {
		delete(s.revisions, revisionID)
		deletion.Revisions++
	}
	deletion.Decisions = len(s.decisions[storyID])
	delete(s.decisions, storyID)
	delete(s.storyRevisions, storyID)
	delete(s.stories, storyID)
	s.dropStoryLock(storyID)
	return deletion, nil
}

func (s *MemoryStore) OpenMergeRequest(_ context.Context, request MergeRequest) error {
	lock := s.storyLock(request.StoryID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[request.StoryID]; !ok {
		return fmt.Errorf("story %s: %w", request.StoryID, ErrNotFound)
	}
	revision, ok := s.revisions[request.RevisionID]
	if !ok || revision.StoryID != request.StoryID {
		return fmt.Errorf("revision %s on story %s: %w", request.RevisionID, request.StoryID, ErrNotFound)
	}
	if _, ok := s.principals[request.RequestorID]; !ok {
		return fmt.Errorf("requestor %s: %w", request.RequestorID, ErrNotFound)
	}
	if existing, pending := s.pendingByRevision[request.RevisionID]; pending {
		return fmt.Errorf("revision %s already has pending merge request %s: %w", request.RevisionID, existing, ErrConflict)
	}
	if _, exists := s.requests[request.ID]; exists {
		return fmt.Errorf("merge request %s: %w", request.ID, ErrConflict)
	}
	s.requests[request.ID] = request
	s.pendingByRevision[request.RevisionID] = request.ID
	return nil
}

func (s *MemoryStore) GetMergeRequest(_ context.Context, requestID string) (MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[requestID]
	if !ok {
		return MergeRequest{}, fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
	}
	return request, nil
}

func (s *MemoryStore) ListMergeRequestsByStory(_ context.Context, storyID string) ([]MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.stories[storyID]; !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	items := make([]MergeRequest, 0)
	for _, request := range s.requests {
		if request.StoryID == storyID {
			items = append(items, request)
		}
	}
	sortRequestsOldestFirst(items)
	return items, nil
}

func (s *MemoryStore) ListPendingForOwner(_ context.Context, ownerID string) ([]MergeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]MergeRequest, 0)
	for _, request := range s.requests {
		if request.Status != StatusPending {
			continue
		}
		story, ok := s.stories[request.StoryID]
		if !ok || story.AuthorID != ownerID {
			continue
		}
		items = append(items, request)
	}
	sortRequestsOldestFirst(items)
	return items, nil
}

func sortRequestsOldestFirst(items []MergeRequest) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

// ResolveMergeRequest applies the owner's decision. Accept advances the
// canonical pointer; both outcomes purge the live request and append a
// decision log entry. The request's story lock is held throughout.
func (s *MemoryStore) ResolveMergeRequest(_ context.Context, requestID, resolverID string, decision Decision, entry DecisionLogEntry) (Resolution, error) {
	s.mu.RLock()
	request, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return Resolution{}, fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
	}
	if s.resolveReadHook != nil {
		s.resolveReadHook(request)
	}

	lock := s.storyLock(request.StoryID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[request.StoryID]
	if !ok {
		s.dropStoryLock(request.StoryID)
		return Resolution{}, fmt.Errorf("story %s deleted while resolving merge request %s: %w", request.StoryID, requestID, ErrConflict)
	}
	// re-read under the story lock; a concurrent resolver may have purged it
	request, ok = s.requests[requestID]
	if !ok {
		return Resolution{}, fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
	}
	if story.AuthorID != resolverID {
		return Resolution{}, fmt.Errorf("principal %s does not own story %s: %w", resolverID, story.ID, ErrForbidden)
	}
	if decision == DecisionAccept {
		promoted, err := s.promoteLocked(request.StoryID, request.RevisionID)
		if err != nil {
			return Resolution{}, err
		}
		story = promoted
	}

	request.Status = decision.Outcome()
	request.UpdatedAt = entry.DecidedAt
	delete(s.requests, requestID)
	if s.pendingByRevision[request.RevisionID] == requestID {
		delete(s.pendingByRevision, request.RevisionID)
	}

	entry.StoryID = request.StoryID
	entry.RequestID = request.ID
	entry.RevisionID = request.RevisionID
	entry.RequestorID = request.RequestorID
	entry.ResolverID = resolverID
	entry.Outcome = request.Status
	s.decisions[request.StoryID] = append(s.decisions[request.StoryID], entry)

	return Resolution{Request: request, Decision: entry, Story: story}, nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, storyID string) ([]DecisionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.stories[storyID]; !ok {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	entries := s.decisions[storyID]
	items := make([]DecisionLogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		items = append(items, entries[i])
	}
	return items, nil
}
