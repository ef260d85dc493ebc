package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"storyline/api/internal/authpw"
	"storyline/api/internal/config"
	"storyline/api/internal/metrics"
	"storyline/api/internal/search"
	"storyline/api/internal/store"
)

// Store is the persistence the service needs; MemoryStore and PostgresStore both satisfy it.
type Store interface {
	Ping(context.Context) error
	CreatePrincipal(context.Context, store.Principal) error
	GetPrincipal(context.Context, string) (store.Principal, error)
	GetPrincipalByName(context.Context, string) (store.Principal, error)
	CreateStory(context.Context, store.Story, store.Revision) error
	GetStory(context.Context, string) (store.Story, error)
	ListStories(context.Context) ([]store.Story, error)
	ListStoriesByAuthor(context.Context, string) ([]store.Story, error)
	InsertRevision(context.Context, store.Revision, *store.MergeRequest) error
	GetRevision(context.Context, string) (store.Revision, error)
	ListRevisions(context.Context, string) ([]store.Revision, error)
	PromoteRevision(context.Context, string, string) (store.Story, error)
	DeleteStory(context.Context, string) (store.StoryDeletion, error)
	OpenMergeRequest(context.Context, store.MergeRequest) error
	GetMergeRequest(context.Context, string) (store.MergeRequest, error)
	ListMergeRequestsByStory(context.Context, string) ([]store.MergeRequest, error)
	ListPendingForOwner(context.Context, string) ([]store.MergeRequest, error)
	ResolveMergeRequest(context.Context, string, string, store.Decision, store.DecisionLogEntry) (store.Resolution, error)
	ListDecisions(context.Context, string) ([]store.DecisionLogEntry, error)
}

// revisionCache holds revision content by revision id. Revisions are
// immutable, so nothing is ever invalidated.
type revisionCache interface {
	GetRevision(context.Context, string) (store.Revision, bool, error)
	PutRevision(context.Context, store.Revision) error
}

type storyIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexStory(search.StoryRecord)
	DeleteStory(string)
}

// Sanitizer cleans user-supplied text before it is validated and stored.
type Sanitizer interface {
	Sanitize(string) string
}

type SanitizerFunc func(string) string

func (f SanitizerFunc) Sanitize(value string) string { return f(value) }

// TrimSanitizer only strips surrounding whitespace.
var TrimSanitizer Sanitizer = SanitizerFunc(strings.TrimSpace)

type Service struct {
	cfg       config.Config
	store     Store
	passwords *authpw.Service
	cache     revisionCache
	index     storyIndex
	metrics   *metrics.Metrics
	log       zerolog.Logger
	sanitizer Sanitizer
	now       func() time.Time
}

type Option func(*Service)

func WithCache(cache revisionCache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithIndex(index storyIndex) Option {
	return func(s *Service) { s.index = index }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.log = logger }
}

func WithSanitizer(sanitizer Sanitizer) Option {
	return func(s *Service) { s.sanitizer = sanitizer }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPasswordCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func WithPasswordCost(cost int) Option {
	return func(s *Service) { s.passwords = authpw.NewService(s.store, cost) }
}

func New(cfg config.Config, dataStore Store, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		passwords: authpw.NewService(dataStore, 0),
		log:       zerolog.Nop(),
		sanitizer: TrimSanitizer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// timestamp is truncated to what Postgres stores.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// fail classifies err, counts it and logs store failures. Every exported
// operation returns its errors through here.
func (s *Service) fail(op string, err error) error {
	classified := classify(err)
	if classified == nil {
		return nil
	}
	kind := KindOf(classified)
	s.metrics.RecordError(string(kind))
	if kind == KindStore || kind == KindInvariant {
		s.log.Error().Err(err).Str("op", op).Str("kind", string(kind)).Msg("operation failed")
	} else {
		s.log.Debug().Err(err).Str("op", op).Str("kind", string(kind)).Msg("operation rejected")
	}
	return classified
}

func (s *Service) reindex(story store.Story, canonical store.Revision) {
	if s.index == nil {
		return
	}
	s.index.IndexStory(storyRecord(story, canonical))
}

func storyRecord(story store.Story, canonical store.Revision) search.StoryRecord {
	return search.StoryRecord{
		ID:         story.ID,
		Title:      story.Title,
		Genre:      story.Genre,
		AuthorID:   story.AuthorID,
		RevisionID: canonical.ID,
		Content:    canonical.Content,
	}
}
