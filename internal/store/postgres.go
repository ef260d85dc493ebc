package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction and commits only if fn succeeds.
func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("commit: %v: %w", err, ErrInvariant)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const storyColumns = `id, title, genre, author_id, COALESCE(current_revision_id, ''), created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStory(row rowScanner) (Story, error) {
	var item Story
	err := row.Scan(&item.ID, &item.Title, &item.Genre, &item.AuthorID, &item.CurrentRevisionID, &item.CreatedAt)
	return item, err
}

// lockStory takes the row lock that serializes every mutation of a story.
func lockStory(ctx context.Context, tx *sql.Tx, storyID string) (Story, error) {
	story, err := scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=$1 FOR UPDATE`, storyID))
	if errors.Is(err, sql.ErrNoRows) {
		return Story{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return Story{}, fmt.Errorf("lock story: %w", err)
	}
	return story, nil
}

func (s *PostgresStore) CreatePrincipal(ctx context.Context, principal Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, name, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, principal.ID, principal.Name, principal.PasswordHash, principal.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("principal name %q: %w", principal.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert principal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, principalID string) (Principal, error) {
	var item Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, created_at FROM principals WHERE id=$1
	`, principalID).Scan(&item.ID, &item.Name, &item.PasswordHash, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, fmt.Errorf("principal %s: %w", principalID, ErrNotFound)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("get principal: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetPrincipalByName(ctx context.Context, name string) (Principal, error) {
	var item Principal
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, created_at FROM principals WHERE name=$1
	`, name).Scan(&item.ID, &item.Name, &item.PasswordHash, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, fmt.Errorf("principal name %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("get principal by name: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, story Story, first Revision) error {
	if first.StoryID != story.ID || story.CurrentRevisionID != first.ID {
		return fmt.Errorf("create story %s: first revision must be canonical: %w", story.ID, ErrInvariant)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stories (id, title, genre, author_id, current_revision_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, story.ID, story.Title, story.Genre, story.AuthorID, story.CurrentRevisionID, story.CreatedAt)
		if isForeignKeyViolation(err) {
			return fmt.Errorf("story author %s: %w", story.AuthorID, ErrNotFound)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("story %s: %w", story.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("insert story: %w", err)
		}
		return insertRevision(ctx, tx, first)
	})
}

func insertRevision(ctx context.Context, tx *sql.Tx, revision Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, story_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, revision.ID, revision.StoryID, revision.AuthorID, revision.Content, revision.CreatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("revision author %s: %w", revision.AuthorID, ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("revision %s: %w", revision.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (Story, error) {
	story, err := scanStory(s.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=$1`, storyID))
	if errors.Is(err, sql.ErrNoRows) {
		return Story{}, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return Story{}, fmt.Errorf("get story: %w", err)
	}
	return story, nil
}

func (s *PostgresStore) ListStories(ctx context.Context) ([]Story, error) {
	return s.queryStories(ctx, `SELECT `+storyColumns+` FROM stories ORDER BY created_at DESC, id DESC`)
}

func (s *PostgresStore) ListStoriesByAuthor(ctx context.Context, authorID string) ([]Story, error) {
	return s.queryStories(ctx, `SELECT `+storyColumns+` FROM stories WHERE author_id=$1 ORDER BY created_at DESC, id DESC`, authorID)
}

func (s *PostgresStore) queryStories(ctx context.Context, query string, args ...any) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	items := make([]Story, 0)
	for rows.Next() {
		item, err := scanStory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertRevision(ctx context.Context, revision Revision, request *MergeRequest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockStory(ctx, tx, revision.StoryID); err != nil {
			return err
		}
		if err := insertRevision(ctx, tx, revision); err != nil {
			return err
		}
		if request == nil {
			return nil
		}
		if request.RevisionID != revision.ID || request.StoryID != revision.StoryID {
			return fmt.Errorf("merge request %s does not target revision %s: %w", request.ID, revision.ID, ErrInvariant)
		}
		return insertMergeRequest(ctx, tx, *request)
	})
}

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (Revision, error) {
	var item Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT id, story_id, author_id, content, created_at FROM revisions WHERE id=$1
	`, revisionID).Scan(&item.ID, &item.StoryID, &item.AuthorID, &item.Content, &item.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, fmt.Errorf("revision %s: %w", revisionID, ErrNotFound)
	}
	if err != nil {
		return Revision{}, fmt.Errorf("get revision: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, storyID string) ([]Revision, error) {
	if _, err := s.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, author_id, content, created_at
		FROM revisions
		WHERE story_id=$1
		ORDER BY seq DESC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		var item Revision
		if err := rows.Scan(&item.ID, &item.StoryID, &item.AuthorID, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PromoteRevision(ctx context.Context, storyID, revisionID string) (Story, error) {
	var promoted Story
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		story, err := lockStory(ctx, tx, storyID)
		if err != nil {
			return err
		}
		promoted, err = promoteLocked(ctx, tx, story, revisionID)
		return err
	})
	if err != nil {
		return Story{}, err
	}
	return promoted, nil
}

// promoteLocked requires the story row lock held by tx.
func promoteLocked(ctx context.Context, tx *sql.Tx, story Story, revisionID string) (Story, error) {
	var owningStoryID string
	err := tx.QueryRowContext(ctx, `SELECT story_id FROM revisions WHERE id=$1`, revisionID).Scan(&owningStoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return Story{}, fmt.Errorf("revision %s: %w", revisionID, ErrNotFound)
	}
	if err != nil {
		return Story{}, fmt.Errorf("read revision owner: %w", err)
	}
	if owningStoryID != story.ID {
		return Story{}, fmt.Errorf("revision %s belongs to story %s, not %s: %w", revisionID, owningStoryID, story.ID, ErrInvariant)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE stories SET current_revision_id=$2 WHERE id=$1`, story.ID, revisionID); err != nil {
		return Story{}, fmt.Errorf("update canonical revision: %w", err)
	}
	story.CurrentRevisionID = revisionID
	return story, nil
}

// DeleteStory removes the story together with every revision, merge request
// and decision that references it, in one transaction.
func (s *PostgresStore) DeleteStory(ctx context.Context, storyID string) (StoryDeletion, error) {
	deletion := StoryDeletion{StoryID: storyID}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockStory(ctx, tx, storyID); err != nil {
			return err
		}
		steps := []struct {
			query   string
			counter *int
		}{
			{`DELETE FROM merge_requests WHERE story_id=$1`, &deletion.MergeRequests},
			{`DELETE FROM decisions WHERE story_id=$1`, &deletion.Decisions},
			{`DELETE FROM revisions WHERE story_id=$1`, &deletion.Revisions},
		}
		for _, step := range steps {
			result, err := tx.ExecContext(ctx, step.query, storyID)
			if err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("cascade delete rows: %w", err)
			}
			*step.counter = int(affected)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stories WHERE id=$1`, storyID); err != nil {
			return fmt.Errorf("delete story: %w", err)
		}
		return nil
	})
	if err != nil {
		return StoryDeletion{}, err
	}
	return deletion, nil
}

func (s *PostgresStore) OpenMergeRequest(ctx context.Context, request MergeRequest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockStory(ctx, tx, request.StoryID); err != nil {
			return err
		}
		var owningStoryID string
		err := tx.QueryRowContext(ctx, `SELECT story_id FROM revisions WHERE id=$1`, request.RevisionID).Scan(&owningStoryID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owningStoryID != request.StoryID) {
			return fmt.Errorf("revision %s on story %s: %w", request.RevisionID, request.StoryID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read revision: %w", err)
		}
		var existing string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM merge_requests WHERE revision_id=$1 AND status='PENDING'
		`, request.RevisionID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("revision %s already has pending merge request %s: %w", request.RevisionID, existing, ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check pending merge request: %w", err)
		}
		return insertMergeRequest(ctx, tx, request)
	})
}

func insertMergeRequest(ctx context.Context, tx *sql.Tx, request MergeRequest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO merge_requests (id, story_id, revision_id, requestor_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, request.ID, request.StoryID, request.RevisionID, request.RequestorID, string(request.Status), request.CreatedAt, request.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("revision %s already has a pending merge request: %w", request.RevisionID, ErrConflict)
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("merge request references: %w", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert merge request: %w", err)
	}
	return nil
}

const mergeRequestColumns = `id, story_id, revision_id, requestor_id, status, created_at, updated_at`

func scanMergeRequest(row rowScanner) (MergeRequest, error) {
	var item MergeRequest
	var status string
	err := row.Scan(&item.ID, &item.StoryID, &item.RevisionID, &item.RequestorID, &status, &item.CreatedAt, &item.UpdatedAt)
	item.Status = MergeRequestStatus(status)
	return item, err
}

func (s *PostgresStore) GetMergeRequest(ctx context.Context, requestID string) (MergeRequest, error) {
	item, err := scanMergeRequest(s.db.QueryRowContext(ctx, `SELECT `+mergeRequestColumns+` FROM merge_requests WHERE id=$1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return MergeRequest{}, fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return MergeRequest{}, fmt.Errorf("get merge request: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListMergeRequestsByStory(ctx context.Context, storyID string) ([]MergeRequest, error) {
	if _, err := s.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	return s.queryMergeRequests(ctx, `
		SELECT `+mergeRequestColumns+`
		FROM merge_requests
		WHERE story_id=$1
		ORDER BY created_at ASC, id ASC
	`, storyID)
}

func (s *PostgresStore) ListPendingForOwner(ctx context.Context, ownerID string) ([]MergeRequest, error) {
	return s.queryMergeRequests(ctx, `
		SELECT mr.id, mr.story_id, mr.revision_id, mr.requestor_id, mr.status, mr.created_at, mr.updated_at
		FROM merge_requests mr
		JOIN stories s ON s.id = mr.story_id
		WHERE s.author_id=$1 AND mr.status='PENDING'
		ORDER BY mr.created_at ASC, mr.id ASC
	`, ownerID)
}

func (s *PostgresStore) queryMergeRequests(ctx context.Context, query string, args ...any) ([]MergeRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge requests: %w", err)
	}
	defer rows.Close()

	items := make([]MergeRequest, 0)
	for rows.Next() {
		item, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan merge request: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge requests: %w", err)
	}
	return items, nil
}

// ResolveMergeRequest locks the request's story, re-reads the request under
// that lock, applies the decision and purges the request. The decision log
// entry is written in the same transaction.
func (s *PostgresStore) ResolveMergeRequest(ctx context.Context, requestID, resolverID string, decision Decision, entry DecisionLogEntry) (Resolution, error) {
	var storyID string
	err := s.db.QueryRowContext(ctx, `SELECT story_id FROM merge_requests WHERE id=$1`, requestID).Scan(&storyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("read merge request: %w", err)
	}

	var resolution Resolution
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		story, err := lockStory(ctx, tx, storyID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("story %s deleted while resolving merge request %s: %w", storyID, requestID, ErrConflict)
		}
		if err != nil {
			return err
		}
		request, err := scanMergeRequest(tx.QueryRowContext(ctx, `SELECT `+mergeRequestColumns+` FROM merge_requests WHERE id=$1 FOR UPDATE`, requestID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("merge request %s: %w", requestID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock merge request: %w", err)
		}
		if story.AuthorID != resolverID {
			return fmt.Errorf("principal %s does not own story %s: %w", resolverID, story.ID, ErrForbidden)
		}
		if decision == DecisionAccept {
			story, err = promoteLocked(ctx, tx, story, request.RevisionID)
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM merge_requests WHERE id=$1`, requestID); err != nil {
			return fmt.Errorf("purge merge request: %w", err)
		}

		request.Status = decision.Outcome()
		request.UpdatedAt = entry.DecidedAt
		entry.StoryID = request.StoryID
		entry.RequestID = request.ID
		entry.RevisionID = request.RevisionID
		entry.RequestorID = request.RequestorID
		entry.ResolverID = resolverID
		entry.Outcome = request.Status
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO decisions (id, story_id, request_id, revision_id, requestor_id, resolver_id, outcome, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.ID, entry.StoryID, entry.RequestID, entry.RevisionID, entry.RequestorID, entry.ResolverID, string(entry.Outcome), entry.DecidedAt); err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		resolution = Resolution{Request: request, Decision: entry, Story: story}
		return nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return resolution, nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, storyID string) ([]DecisionLogEntry, error) {
	if _, err := s.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, request_id, revision_id, requestor_id, resolver_id, outcome, decided_at
		FROM decisions
		WHERE story_id=$1
		ORDER BY seq DESC
	`, storyID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]DecisionLogEntry, 0)
	for rows.Next() {
		var item DecisionLogEntry
		var outcome string
		if err := rows.Scan(&item.ID, &item.StoryID, &item.RequestID, &item.RevisionID, &item.RequestorID, &item.ResolverID, &outcome, &item.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Outcome = MergeRequestStatus(outcome)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}
