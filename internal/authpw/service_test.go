package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"storyline/api/internal/store"
)

type mockPrincipalStore struct {
	byName    map[string]store.Principal
	lookupErr error
}

func newMockPrincipalStore() *mockPrincipalStore {
	return &mockPrincipalStore{byName: make(map[string]store.Principal)}
}

func (m *mockPrincipalStore) CreatePrincipal(_ context.Context, principal store.Principal) error {
	if _, ok := m.byName[principal.Name]; ok {
		return fmt.Errorf("principal name %q: %w", principal.Name, store.ErrConflict)
	}
	m.byName[principal.Name] = principal
	return nil
}

func (m *mockPrincipalStore) GetPrincipalByName(_ context.Context, name string) (store.Principal, error) {
	if m.lookupErr != nil {
		return store.Principal{}, m.lookupErr
	}
	principal, ok := m.byName[name]
	if !ok {
		return store.Principal{}, store.ErrNotFound
	}
	return principal, nil
}

func TestSignUpHashesPassword(t *testing.T) {
	principals := newMockPrincipalStore()
	svc := NewService(principals, bcrypt.MinCost)

	principal, err := svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: "correct horse"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(principal.ID, "usr_"))
	assert.NotEqual(t, "correct horse", principal.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte("correct horse")))
	assert.Equal(t, principal, principals.byName["avery"])
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newMockPrincipalStore(), bcrypt.MinCost)
	_, err := svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: "short"})
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: strings.Repeat("x", MaxPasswordBytes+1)})
	require.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestSignUpDuplicateNameIsConflict(t *testing.T) {
	svc := NewService(newMockPrincipalStore(), bcrypt.MinCost)
	_, err := svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: "password1"})
	require.NoError(t, err)
	_, err = svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: "password2"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestSignIn(t *testing.T) {
	svc := NewService(newMockPrincipalStore(), bcrypt.MinCost)
	created, err := svc.SignUp(context.Background(), SignUpRequest{Name: "avery", Password: "password1"})
	require.NoError(t, err)

	principal, err := svc.SignIn(context.Background(), SignInRequest{Name: "avery", Password: "password1"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, principal.ID)

	cases := []SignInRequest{
		{Name: "avery", Password: "wrong-password"},
		{Name: "nobody", Password: "password1"},
		{Name: "", Password: "password1"},
		{Name: "avery", Password: ""},
	}
	for _, req := range cases {
		_, err := svc.SignIn(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidCredentials, "request %+v", req)
	}
}

func TestSignInSurfacesStoreFailures(t *testing.T) {
	principals := newMockPrincipalStore()
	principals.lookupErr = errors.New("connection reset")
	svc := NewService(principals, bcrypt.MinCost)

	_, err := svc.SignIn(context.Background(), SignInRequest{Name: "avery", Password: "password1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}
