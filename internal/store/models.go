package store

import "time"

type Principal struct {
	ID           string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

type Story struct {
	ID                string
	Title             string
	Genre             string
	AuthorID          string
	CurrentRevisionID string
	CreatedAt         time.Time
}

// HasCanonical reports whether the story's canonical pointer is set.
func (s Story) HasCanonical() bool {
	return s.CurrentRevisionID != ""
}

type Revision struct {
	ID        string
	StoryID   string
	AuthorID  string
	Content   string
	CreatedAt time.Time
}

type MergeRequestStatus string

const (
	StatusPending  MergeRequestStatus = "PENDING"
	StatusAccepted MergeRequestStatus = "ACCEPTED"
	StatusDenied   MergeRequestStatus = "DENIED"
)

type MergeRequest struct {
	ID          string
	StoryID     string
	RevisionID  string
	RequestorID string
	Status      MergeRequestStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionDeny   Decision = "DENY"
)

// Outcome is the terminal status a decision moves a request into.
func (d Decision) Outcome() MergeRequestStatus {
	if d == DecisionAccept {
		return StatusAccepted
	}
	return StatusDenied
}

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionDeny
}

// DecisionLogEntry is the audit record written when a merge request is resolved.
// The live request row is purged in the same transaction.
type DecisionLogEntry struct {
	ID          string
	StoryID     string
	RequestID   string
	RevisionID  string
	RequestorID string
	ResolverID  string
	Outcome     MergeRequestStatus
	DecidedAt   time.Time
}

// Resolution is what ResolveMergeRequest hands back to the ledger.
type Resolution struct {
	Request  MergeRequest
	Decision DecisionLogEntry
	Story    Story
}

// StoryDeletion counts the rows removed by a cascading story delete.
type StoryDeletion struct {
	StoryID       string
	Revisions     int
	MergeRequests int
	Decisions     int
}

// StoryView is a story together with the content of its canonical revision.
type StoryView struct {
	Story     Story
	Canonical Revision
}
