package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"storyline/api/internal/auth"
	"storyline/api/internal/authpw"
	"storyline/api/internal/metrics"
	"storyline/api/internal/store"
	"storyline/api/internal/util"
)

const (
	minNameLength = 4
	maxNameLength = 20
)

type RegisterInput struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (in RegisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(minNameLength, maxNameLength)),
		validation.Field(&in.Password, validation.Required, validation.Length(authpw.MinPasswordLength, 0)),
	)
}

// Session is what a bearer token resolves to.
type Session struct {
	Token       string
	PrincipalID string
	Name        string
	ExpiresAt   time.Time
}

func (s *Service) Register(ctx context.Context, input RegisterInput) (store.Principal, error) {
	input.Name = s.sanitizer.Sanitize(input.Name)
	if err := input.Validate(); err != nil {
		return store.Principal{}, s.fail("register", validationError(err))
	}

	principal, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Name: input.Name, Password: input.Password})
	switch {
	case errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrPasswordTooLong):
		return store.Principal{}, s.fail("register", validationError(err))
	case errors.Is(err, store.ErrConflict):
		return store.Principal{}, s.fail("register", &DomainError{
			Kind: KindConflict, Status: http.StatusConflict, Code: "NAME_TAKEN", Message: "Name is already registered", Err: err,
		})
	case err != nil:
		return store.Principal{}, s.fail("register", err)
	}

	s.metrics.RecordTransition(metrics.TransitionPrincipalCreated)
	s.log.Info().Str("principal_id", principal.ID).Str("name", principal.Name).Msg("principal registered")
	return principal, nil
}

func (s *Service) GetPrincipal(ctx context.Context, principalID string) (store.Principal, error) {
	principal, err := s.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return store.Principal{}, s.fail("get principal", err)
	}
	return principal, nil
}

// FindByName returns nil without error when no principal has that name.
func (s *Service) FindByName(ctx context.Context, name string) (*store.Principal, error) {
	principal, err := s.store.GetPrincipalByName(ctx, s.sanitizer.Sanitize(name))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail("find principal", err)
	}
	return &principal, nil
}

func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	principal, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Name: s.sanitizer.Sanitize(name), Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, s.fail("login", &DomainError{
			Kind: KindAuthorization, Status: http.StatusUnauthorized, Code: "INVALID_CREDENTIALS", Message: "Invalid name or password", Err: err,
		})
	}
	if err != nil {
		return Session{}, s.fail("login", err)
	}
	return s.issueSession(principal)
}

func (s *Service) issueSession(principal store.Principal) (Session, error) {
	issued := s.now()
	expiresAt := issued.Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(principal.ID, principal.Name, util.NewID("jti"), issued, expiresAt))
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, PrincipalID: principal.ID, Name: principal.Name, ExpiresAt: expiresAt}, nil
}

// SessionFromToken verifies the token and that its principal still exists.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token, s.now())
	if err != nil {
		return Session{}, err
	}
	principal, err := s.store.GetPrincipal(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:       token,
		PrincipalID: principal.ID,
		Name:        principal.Name,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
