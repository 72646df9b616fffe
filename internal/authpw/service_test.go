package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"policydesk/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
	orgs  []store.Organization
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]store.User)}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func (f *fakeUserStore) InsertOrganization(_ context.Context, org store.Organization) error {
	f.orgs = append(f.orgs, org)
	return nil
}

func TestSignUpCreatesOrganizationAdmin(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:            "Dana@Example.com",
		Password:         "hunter2hunter2",
		DisplayName:      "Dana",
		OrganizationName: "Acme",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != "admin" {
		t.Errorf("role = %q, want admin for a new organization", user.Role)
	}
	if user.Email != "dana@example.com" {
		t.Errorf("email should be lowercased, got %q", user.Email)
	}
	if len(fs.orgs) != 1 || fs.orgs[0].Name != "Acme" {
		t.Errorf("expected one organization named Acme, got %+v", fs.orgs)
	}
	if user.OrganizationID != fs.orgs[0].ID {
		t.Errorf("user org %q does not match created org %q", user.OrganizationID, fs.orgs[0].ID)
	}
	if user.PasswordHash == "" || user.PasswordHash == "hunter2hunter2" {
		t.Errorf("password must be stored hashed")
	}
}

func TestSignUpJoinsExistingOrganizationAsViewer(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:          "new@example.com",
		Password:       "hunter2hunter2",
		DisplayName:    "Newcomer",
		OrganizationID: "org-1",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != "viewer" {
		t.Errorf("role = %q, want viewer when joining", user.Role)
	}
	if len(fs.orgs) != 0 {
		t.Errorf("joining must not create an organization")
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := NewService(newFakeUserStore())

	cases := []SignUpRequest{
		{Password: "hunter2hunter2", DisplayName: "Dana", OrganizationName: "Acme"},
		{Email: "d@example.com", Password: "short", DisplayName: "Dana", OrganizationName: "Acme"},
		{Email: "d@example.com", Password: "hunter2hunter2", OrganizationName: "Acme"},
		{Email: "d@example.com", Password: "hunter2hunter2", DisplayName: "Dana"},
	}
	for i, req := range cases {
		if _, err := svc.SignUp(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	fs := newFakeUserStore()
	fs.users["dana@example.com"] = store.User{ID: "usr-1", Email: "dana@example.com"}
	svc := NewService(fs)

	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:            "dana@example.com",
		Password:         "hunter2hunter2",
		DisplayName:      "Dana",
		OrganizationName: "Acme",
	})
	if !errors.Is(err, ErrEmailExists) {
		t.Fatalf("got %v, want ErrEmailExists", err)
	}
}

func TestSignInRoundTrip(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	if _, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:            "dana@example.com",
		Password:         "hunter2hunter2",
		DisplayName:      "Dana",
		OrganizationName: "Acme",
	}); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	user, err := svc.SignIn(context.Background(), "dana@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if user.Email != "dana@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}

	if _, err := svc.SignIn(context.Background(), "dana@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.SignIn(context.Background(), "ghost@example.com", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials for unknown user", err)
	}
}
