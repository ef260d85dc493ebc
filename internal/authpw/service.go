// Package authpw provides name/password registration and sign-in for principals.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storyline/api/internal/store"
	"storyline/api/internal/util"
)

const (
	MinPasswordLength = 8
	// bcrypt ignores input beyond this many bytes
	MaxPasswordBytes = 72
)

var (
	ErrInvalidCredentials = errors.New("invalid name or password")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong    = fmt.Errorf("password must be at most %d bytes", MaxPasswordBytes)
)

// PrincipalStore is the slice of the store this package needs.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, principal store.Principal) error
	GetPrincipalByName(ctx context.Context, name string) (store.Principal, error)
}

type Service struct {
	store PrincipalStore
	cost  int
	now   func() time.Time
}

// NewService creates the service. A cost of zero means bcrypt.DefaultCost.
func NewService(principals PrincipalStore, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: principals, cost: cost, now: time.Now}
}

type SignUpRequest struct {
	Name     string
	Password string
}

// SignUp hashes the password and stores a new principal. The caller validates
// the name; a taken name surfaces as store.ErrConflict.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Principal, error) {
	if len(req.Password) < MinPasswordLength {
		return store.Principal{}, ErrWeakPassword
	}
	if len(req.Password) > MaxPasswordBytes {
		return store.Principal{}, ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.Principal{}, fmt.Errorf("hash password: %w", err)
	}

	principal := store.Principal{
		ID:           util.NewID("usr"),
		Name:         req.Name,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreatePrincipal(ctx, principal); err != nil {
		return store.Principal{}, fmt.Errorf("create principal: %w", err)
	}
	return principal, nil
}

type SignInRequest struct {
	Name     string
	Password string
}

// SignIn returns ErrInvalidCredentials for an unknown name or a wrong
// password so callers cannot tell the two apart.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Principal, error) {
	if req.Name == "" || req.Password == "" {
		return store.Principal{}, ErrInvalidCredentials
	}
	principal, err := s.store.GetPrincipalByName(ctx, req.Name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.Principal{}, fmt.Errorf("lookup principal: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(req.Password)); err != nil {
		return store.Principal{}, ErrInvalidCredentials
	}
	return principal, nil
}
