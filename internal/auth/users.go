package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials covers both unknown users and wrong passwords,
	// so responses do not leak which of the two failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned by directories for unknown users.
	ErrUserNotFound = errors.New("auth: user not found")
)

// User is an authenticated principal. AdminID names the practice account
// whose lexicon and configuration apply; for practice owners it equals ID.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	AdminID      string `json:"admin_id"`
}

// UserDirectory resolves users by email. Implemented by the postgres store.
type UserDirectory interface {
	UserByEmail(ctx context.Context, email string) (*User, error)
}

// Authenticator verifies login credentials against a directory.
type Authenticator struct {
	users UserDirectory
}

// NewAuthenticator creates an Authenticator backed by users.
func NewAuthenticator(users UserDirectory) *Authenticator {
	return &Authenticator{users: users}
}

// Login verifies email and password, returning the user on success. All
// failures map to ErrInvalidCredentials except directory infrastructure
// errors, which pass through wrapped.
func (a *Authenticator) Login(ctx context.Context, email, password string) (*User, error) {
	user, err := a.users.UserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
