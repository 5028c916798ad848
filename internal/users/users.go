// Package users is the user directory: who exists and in which role.
package users

import (
	"context"
	"strings"
	"time"

	"github.com/mbd888/swapdesk/internal/apperr"
	"github.com/mbd888/swapdesk/internal/idgen"
	"github.com/mbd888/swapdesk/internal/validation"
)

var (
	ErrUserNotFound  = apperr.New(apperr.KindNotFound, "user_not_found", "user not found")
	ErrUsernameTaken = apperr.New(apperr.KindConflict, "username_taken", "username already taken")
	ErrInvalidRole   = apperr.New(apperr.KindValidation, "invalid_role", "role must be user, operator or admin")
)

// Role is a user's privilege class.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleOperator || r == RoleAdmin
}

// IsStaff is true for operators and admins.
func (r Role) IsStaff() bool {
	return r == RoleOperator || r == RoleAdmin
}

// User is a directory entry.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context, limit int) ([]*User, error)
}

// CreateRequest contains the parameters for adding a user.
type CreateRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// Service manages the directory.
type Service struct {
	store Store
}

// NewService creates a user directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create validates and stores a new user. Usernames are case-insensitive.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*User, error) {
	req.Username = strings.ToLower(validation.SanitizeString(req.Username))
	req.Email = validation.SanitizeString(req.Email)
	if req.Role == "" {
		req.Role = RoleUser
	}

	if err := validation.Validate(
		validation.Required("username", req.Username),
		validation.MaxLength("username", req.Username, 64),
		validation.MaxLength("email", req.Email, 254),
	).Err(); err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, ErrInvalidRole
	}

	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Username:  req.Username,
		Email:     req.Email,
		Role:      req.Role,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get returns a user by id, or ErrUserNotFound.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// GetByUsername returns a user by username, or ErrUserNotFound.
func (s *Service) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.store.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
}

// List returns up to limit users, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

// EnsureUser returns the user with username, creating it with role when
// absent. Used to seed the bootstrap admin at startup.
func (s *Service) EnsureUser(ctx context.Context, username string, role Role) (*User, error) {
	u, err := s.GetByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if err != ErrUserNotFound {
		return nil, err
	}
	return s.Create(ctx, CreateRequest{Username: username, Role: role})
}
