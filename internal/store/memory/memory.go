// Package memory provides an in-process document store and user
// directory. It backs development and test deployments that run without
// Postgres; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandemdental/dentascribe/internal/auth"
	"github.com/tandemdental/dentascribe/internal/lexicon"
)

var (
	_ lexicon.DocumentStore = (*Store)(nil)
	_ auth.UserDirectory    = (*Store)(nil)
)

// Store keeps documents and users in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	docs  map[string][]byte
	users map[string]*auth.User
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		docs:  make(map[string][]byte),
		users: make(map[string]*auth.User),
	}
}

func docKey(adminID, docType string) string { return adminID + "/" + docType }

// Load returns the stored document or lexicon.ErrNotFound.
func (s *Store) Load(_ context.Context, adminID, docType string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.docs[docKey(adminID, docType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", lexicon.ErrNotFound, adminID, docType)
	}
	return append([]byte(nil), payload...), nil
}

// Save stores a copy of payload under (adminID, docType).
func (s *Store) Save(_ context.Context, adminID, docType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey(adminID, docType)] = append([]byte(nil), payload...)
	return nil
}

// UserByEmail looks up a seeded user.
func (s *Store) UserByEmail(_ context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// SeedUser registers a user. The password is hashed before storage; an
// existing user with the same email is replaced.
func (s *Store) SeedUser(id, email, password, role string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = &auth.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		AdminID:      id,
	}
	return nil
}
