package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over story
// titles, genres and canonical revision content.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const (
	storyVector   = "to_tsvector('english', s.title || ' ' || s.genre)"
	contentVector = "to_tsvector('english', r.content)"
)

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	where := fmt.Sprintf("(%s @@ plainto_tsquery('english', $1) OR %s @@ plainto_tsquery('english', $1))", storyVector, contentVector)
	args := []any{q.Text}
	if q.Genre != "" {
		where += " AND s.genre = $2"
		args = append(args, q.Genre)
	}
	from := `FROM stories s JOIN revisions r ON r.id = s.current_revision_id WHERE ` + where

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) `+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.title, s.genre, s.author_id,
			ts_headline('english', r.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		%s
		ORDER BY ts_rank(%s, plainto_tsquery('english', $1)) + ts_rank(%s, plainto_tsquery('english', $1)) DESC, s.id
		LIMIT %d OFFSET %d`,
		from, storyVector, contentVector, normalizeLimit(q.Limit), normalizeOffset(q.Offset))

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.StoryID, &r.Title, &r.Genre, &r.AuthorID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every story with its canonical content for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]StoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.genre, s.author_id, r.id, r.content
		FROM stories s
		JOIN revisions r ON r.id = s.current_revision_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load stories: %w", err)
	}
	defer rows.Close()

	records := make([]StoryRecord, 0)
	for rows.Next() {
		var record StoryRecord
		if err := rows.Scan(&record.ID, &record.Title, &record.Genre, &record.AuthorID, &record.RevisionID, &record.Content); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stories: %w", err)
	}
	return records, nil
}
