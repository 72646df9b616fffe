// Package authpw provides email/password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"policydesk/api/internal/store"
	"policydesk/api/internal/util"
)

var (
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	InsertOrganization(ctx context.Context, org store.Organization) error
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters. OrganizationName starts a new
// organization with the caller as its admin; OrganizationID joins an
// existing one as a viewer.
type SignUpRequest struct {
	Email            string
	Password         string
	DisplayName      string
	OrganizationName string
	OrganizationID   string
}

// SignUp creates a new user account and, when needed, its organization.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" || strings.TrimSpace(req.DisplayName) == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	orgID := req.OrganizationID
	role := "viewer"
	if orgID == "" {
		orgName := strings.TrimSpace(req.OrganizationName)
		if orgName == "" {
			return store.User{}, errors.New("organization name or id is required")
		}
		orgID = util.NewID("org")
		if err := s.store.InsertOrganization(ctx, store.Organization{ID: orgID, Name: orgName}); err != nil {
			return store.User{}, err
		}
		role = "admin"
	}

	user := store.User{
		ID:             util.NewID("usr"),
		OrganizationID: orgID,
		Email:          email,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		PasswordHash:   string(hash),
		Role:           role,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

// SignIn verifies credentials and returns the user record.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a comparison so missing users cost the same as bad passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
