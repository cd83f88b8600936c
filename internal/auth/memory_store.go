package auth

import (
	"context"
	"sync"

	apperrors "kortex-backend/internal/errors"
)

// MemoryCredentialStore is the in-process credential store used by tests and
// local development.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*Credentials
}

// NewMemoryCredentialStore creates an empty store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[string]*Credentials)}
}

// Get returns a copy of the stored credentials.
func (s *MemoryCredentialStore) Get(ctx context.Context, instance, principal string) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[instance+"|"+principal]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "auth.store.Get", "no credentials").
			WithResource(instance + "/" + principal)
	}
	cp := *c
	return &cp, nil
}

// Save stores a copy of creds.
func (s *MemoryCredentialStore) Save(ctx context.Context, creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *creds
	s.creds[creds.Instance+"|"+creds.Principal] = &cp
	return nil
}
