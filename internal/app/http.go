package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"storyline/api/internal/auth"
	"storyline/api/internal/search"
	"storyline/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: service.log}
}

func (s *HTTPServer) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: strings.Split(s.corsOrigin, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	return s.withMiddleware(corsHandler.Handler(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if m := s.service.Metrics(); m != nil {
			m.Handler().ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/principals" {
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		principal, err := s.service.Register(r.Context(), body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, principalJSON(principal))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Name, body.Password)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":       session.Token,
			"principalId": session.PrincipalID,
			"name":        session.Name,
			"expiresAt":   session.ExpiresAt.UTC(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "principalId": session.PrincipalID, "name": session.Name})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "principals":
		s.handlePrincipals(w, r, parts)
	case "stories":
		s.handleStories(w, r, session, parts)
	case "merge-requests":
		s.handleMergeRequests(w, r, session, parts)
	case "genres":
		s.handleGenres(w, r, parts)
	case "search":
		s.handleSearch(w, r, parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handlePrincipals(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(parts) == 2 {
		name := r.URL.Query().Get("name")
		if strings.TrimSpace(name) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name query parameter is required", nil)
			return
		}
		principal, err := s.service.FindByName(r.Context(), name)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if principal == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, principalJSON(*principal))
		return
	}

	if len(parts) == 3 {
		principal, err := s.service.GetPrincipal(r.Context(), parts[2])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, principalJSON(principal))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStories(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			authorID := r.URL.Query().Get("author")
			if authorID == "" {
				authorID = session.PrincipalID
			}
			stories, err := s.service.ListStoriesByAuthor(r.Context(), authorID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(stories))
			for _, story := range stories {
				items = append(items, storyJSON(story))
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items, "genres": DistinctGenres(stories)})
		case http.MethodPost:
			var body CreateStoryInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			story, err := s.service.CreateStory(r.Context(), session.PrincipalID, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, storyJSON(story))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	storyID := parts[2]
	if len(parts) == 3 {
		switch r.Method {
		case http.MethodGet:
			view, err := s.service.StoryView(r.Context(), storyID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, storyViewJSON(view))
		case http.MethodDelete:
			deletion, err := s.service.DeleteStory(r.Context(), session.PrincipalID, storyID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"ok":                   true,
				"storyId":              deletion.StoryID,
				"deletedRevisions":     deletion.Revisions,
				"deletedMergeRequests": deletion.MergeRequests,
				"deletedDecisions":     deletion.Decisions,
			})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch parts[3] {
	case "revisions":
		s.handleRevisions(w, r, session, storyID, parts)
	case "merge-requests":
		s.handleStoryMergeRequests(w, r, session, storyID, parts)
	case "decisions":
		if len(parts) != 4 || r.Method != http.MethodGet {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		decisions, err := s.service.ListDecisions(r.Context(), storyID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(decisions))
		for _, decision := range decisions {
			items = append(items, decisionJSON(decision))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRevisions(w http.ResponseWriter, r *http.Request, session Session, storyID string, parts []string) {
	if len(parts) == 4 {
		switch r.Method {
		case http.MethodGet:
			revisions, err := s.service.ListRevisions(r.Context(), storyID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			items := make([]map[string]any, 0, len(revisions))
			for _, revision := range revisions {
				items = append(items, revisionJSON(revision))
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var body RevisionInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			revision, request, err := s.service.SubmitRevision(r.Context(), session.PrincipalID, storyID, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			payload := map[string]any{"revision": revisionJSON(revision), "mergeRequest": nil}
			if request != nil {
				payload["mergeRequest"] = mergeRequestJSON(*request)
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	revisionID := parts[4]
	if len(parts) == 5 && r.Method == http.MethodGet {
		revision, err := s.service.GetRevision(r.Context(), storyID, revisionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, revisionJSON(revision))
		return
	}

	if len(parts) == 6 && parts[5] == "promote" && r.Method == http.MethodPost {
		story, err := s.service.PromoteRevision(r.Context(), session.PrincipalID, storyID, revisionID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, storyJSON(story))
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStoryMergeRequests(w http.ResponseWriter, r *http.Request, session Session, storyID string, parts []string) {
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch r.Method {
	case http.MethodGet:
		requests, err := s.service.ListRequestsForStory(r.Context(), storyID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": mergeRequestsJSON(requests)})
	case http.MethodPost:
		var body OpenRequestInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		request, err := s.service.OpenRequest(r.Context(), session.PrincipalID, storyID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, mergeRequestJSON(request))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleMergeRequests(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 3 && parts[2] == "pending" && r.Method == http.MethodGet {
		requests, err := s.service.ListPendingForOwner(r.Context(), session.PrincipalID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": mergeRequestsJSON(requests)})
		return
	}

	if len(parts) == 4 && r.Method == http.MethodPost {
		decision, err := ParseDecision(parts[3])
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		resolution, err := s.service.Resolve(r.Context(), parts[2], session.PrincipalID, decision)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"mergeRequest": mergeRequestJSON(resolution.Request),
			"decision":     decisionJSON(resolution.Decision),
			"story":        storyJSON(resolution.Story),
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleGenres(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	genres, err := s.service.ListGenres(r.Context(), r.URL.Query().Get("author"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": genres})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 2 || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	response := s.service.Search(r.Context(), search.Query{
		Text:   query.Get("q"),
		Genre:  query.Get("genre"),
		Limit:  limit,
		Offset: offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		s.log.Error().Err(err).Msg("session lookup failed")
		writeError(w, http.StatusServiceUnavailable, "STORE_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		duration := time.Since(started)
		s.service.metrics.RecordHTTPRequest(r.Method, writer.status, duration)
		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Dur("duration", duration).
			Msg("http request")
	})
}

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(classify(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func principalJSON(principal store.Principal) map[string]any {
	return map[string]any{
		"id":        principal.ID,
		"name":      principal.Name,
		"createdAt": principal.CreatedAt,
	}
}

func storyJSON(story store.Story) map[string]any {
	var current any
	if story.HasCanonical() {
		current = story.CurrentRevisionID
	}
	return map[string]any{
		"id":                story.ID,
		"title":             story.Title,
		"genre":             story.Genre,
		"authorId":          story.AuthorID,
		"currentRevisionId": current,
		"createdAt":         story.CreatedAt,
	}
}

func storyViewJSON(view store.StoryView) map[string]any {
	payload := storyJSON(view.Story)
	payload["content"] = view.Canonical.Content
	payload["canonicalRevision"] = nil
	if view.Story.HasCanonical() {
		payload["canonicalRevision"] = revisionJSON(view.Canonical)
	}
	return payload
}

func revisionJSON(revision store.Revision) map[string]any {
	return map[string]any{
		"id":        revision.ID,
		"storyId":   revision.StoryID,
		"authorId":  revision.AuthorID,
		"content":   revision.Content,
		"createdAt": revision.CreatedAt,
	}
}

func mergeRequestJSON(request store.MergeRequest) map[string]any {
	return map[string]any{
		"id":          request.ID,
		"storyId":     request.StoryID,
		"revisionId":  request.RevisionID,
		"requestorId": request.RequestorID,
		"status":      request.Status,
		"createdAt":   request.CreatedAt,
		"updatedAt":   request.UpdatedAt,
	}
}

func mergeRequestsJSON(requests []store.MergeRequest) []map[string]any {
	items := make([]map[string]any, 0, len(requests))
	for _, request := range requests {
		items = append(items, mergeRequestJSON(request))
	}
	return items
}

func decisionJSON(entry store.DecisionLogEntry) map[string]any {
	return map[string]any{
		"id":          entry.ID,
		"storyId":     entry.StoryID,
		"requestId":   entry.RequestID,
		"revisionId":  entry.RevisionID,
		"requestorId": entry.RequestorID,
		"resolverId":  entry.ResolverID,
		"outcome":     entry.Outcome,
		"decidedAt":   entry.DecidedAt,
	}
}
