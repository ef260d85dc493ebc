package app

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"storyline/api/internal/metrics"
	"storyline/api/internal/rbac"
	"storyline/api/internal/store"
	"storyline/api/internal/util"
)

type OpenRequestInput struct {
	RevisionID string `json:"revisionId"`
}

func (in OpenRequestInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.RevisionID, validation.Required),
	)
}

// ParseDecision accepts "accept" or "deny" in any case.
func ParseDecision(value string) (store.Decision, error) {
	decision := store.Decision(strings.ToUpper(strings.TrimSpace(value)))
	if !decision.Valid() {
		return "", validationError(fmt.Errorf("decision must be accept or deny, got %q", value))
	}
	return decision, nil
}

// OpenRequest asks the owner to make revisionID canonical. Any principal may
// open a request; at most one may be pending per revision.
func (s *Service) OpenRequest(ctx context.Context, requestorID, storyID string, input OpenRequestInput) (store.MergeRequest, error) {
	input.RevisionID = strings.TrimSpace(input.RevisionID)
	if err := input.Validate(); err != nil {
		return store.MergeRequest{}, s.fail("open request", validationError(err))
	}
	if _, err := s.authorize(ctx, requestorID, storyID, rbac.ActionRequestMerge); err != nil {
		return store.MergeRequest{}, s.fail("open request", err)
	}

	now := s.timestamp()
	request := store.MergeRequest{
		ID:          util.NewID("mr"),
		StoryID:     storyID,
		RevisionID:  input.RevisionID,
		RequestorID: requestorID,
		Status:      store.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.OpenMergeRequest(ctx, request); err != nil {
		return store.MergeRequest{}, s.fail("open request", err)
	}

	s.metrics.RecordTransition(metrics.TransitionRequestOpened)
	s.log.Info().
		Str("merge_request_id", request.ID).
		Str("story_id", storyID).
		Str("revision_id", request.RevisionID).
		Str("requestor_id", requestorID).
		Msg("merge request opened")
	return request, nil
}

// ListPendingForOwner returns the pending requests on stories ownerID owns,
// oldest first. Only these requests are resolvable by ownerID.
func (s *Service) ListPendingForOwner(ctx context.Context, ownerID string) ([]store.MergeRequest, error) {
	if _, err := s.store.GetPrincipal(ctx, ownerID); err != nil {
		return nil, s.fail("list pending", err)
	}
	requests, err := s.store.ListPendingForOwner(ctx, ownerID)
	if err != nil {
		return nil, s.fail("list pending", err)
	}
	return requests, nil
}

func (s *Service) ListRequestsForStory(ctx context.Context, storyID string) ([]store.MergeRequest, error) {
	requests, err := s.store.ListMergeRequestsByStory(ctx, storyID)
	if err != nil {
		return nil, s.fail("list requests", err)
	}
	return requests, nil
}

// Resolve applies the owner's decision. Accept promotes the revision and
// purges the request in one unit; Deny only purges. A request that was already
// resolved is reported as not found.
func (s *Service) Resolve(ctx context.Context, requestID, resolverID string, decision store.Decision) (store.Resolution, error) {
	if !decision.Valid() {
		return store.Resolution{}, s.fail("resolve", validationError(fmt.Errorf("decision must be accept or deny, got %q", decision)))
	}

	request, err := s.store.GetMergeRequest(ctx, requestID)
	if err != nil {
		return store.Resolution{}, s.fail("resolve", err)
	}
	// Early rejection for non-owners; the store repeats the check under lock.
	if _, err := s.authorize(ctx, resolverID, request.StoryID, rbac.ActionResolveMerge); err != nil && !isNotFound(err) {
		return store.Resolution{}, s.fail("resolve", err)
	}

	resolution, err := s.store.ResolveMergeRequest(ctx, requestID, resolverID, decision, store.DecisionLogEntry{
		ID:        util.NewID("dec"),
		DecidedAt: s.timestamp(),
	})
	if err != nil {
		return store.Resolution{}, s.fail("resolve", err)
	}

	transition := metrics.TransitionRequestDenied
	if decision == store.DecisionAccept {
		transition = metrics.TransitionRequestAccepted
		s.afterCanonicalChange(ctx, resolution.Story)
	}
	s.metrics.RecordTransition(transition)
	s.log.Info().
		Str("merge_request_id", requestID).
		Str("story_id", resolution.Request.StoryID).
		Str("revision_id", resolution.Request.RevisionID).
		Str("resolver_id", resolverID).
		Str("outcome", string(resolution.Request.Status)).
		Msg("merge request resolved")
	return resolution, nil
}

// ListDecisions returns the story's decision log, newest first.
func (s *Service) ListDecisions(ctx context.Context, storyID string) ([]store.DecisionLogEntry, error) {
	decisions, err := s.store.ListDecisions(ctx, storyID)
	if err != nil {
		return nil, s.fail("list decisions", err)
	}
	return decisions, nil
}
