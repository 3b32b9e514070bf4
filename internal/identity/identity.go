// Package identity resolves platform users for display in operator views.
//
// Authentication and session management live upstream; this package only
// maps user ids to their display profile.
package identity

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("user not found")

// Role represents a platform role.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// User is a platform user profile.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Directory resolves user profiles by id.
type Directory interface {
	Get(ctx context.Context, id string) (*User, error)
}

// Store persists user profiles.
type Store interface {
	Directory
	Create(ctx context.Context, u *User) error
}
