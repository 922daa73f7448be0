package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultStateTTL bounds how long a user may take at the provider's consent page.
const DefaultStateTTL = 10 * time.Minute

// PendingLogin is an outstanding authorization request keyed by its state.
type PendingLogin struct {
	State     string
	Provider  ProviderName
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StateStore holds anti-forgery state between StartOAuth and the callback.
// Consume must remove the entry so every state is single-use.
type StateStore interface {
	Save(ctx context.Context, p PendingLogin) error
	Consume(ctx context.Context, state string) (PendingLogin, bool, error)
}

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu      sync.Mutex
	pending map[string]PendingLogin
}

// NewMemoryStateStore constructs an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{pending: make(map[string]PendingLogin)}
}

// Save records p, dropping any entries that have already expired.
func (s *MemoryStateStore) Save(_ context.Context, p PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.pending {
		if !p.CreatedAt.Before(v.ExpiresAt) {
			delete(s.pending, k)
		}
	}
	s.pending[p.State] = p
	return nil
}

// Consume removes and returns the entry for state.
func (s *MemoryStateStore) Consume(_ context.Context, state string) (PendingLogin, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if ok {
		delete(s.pending, state)
	}
	return p, ok, nil
}

func newState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
