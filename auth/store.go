package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LinkedIdentity ties a provider account to a local user.
type LinkedIdentity struct {
	Provider   ProviderName
	ProviderID string
	LinkedAt   time.Time
}

// User is a local account. PasswordHash is empty for accounts created
// through a provider.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Identities   []LinkedIdentity
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasPassword reports whether the account can log in with a password.
func (u User) HasPassword() bool { return u.PasswordHash != "" }

// UserStore persists accounts. Lookups that match nothing return ErrNotFound;
// writes that violate email or (provider, provider id) uniqueness return
// ErrDuplicate.
type UserStore interface {
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByProviderIdentity(ctx context.Context, provider ProviderName, providerID string) (User, error)
	CreateLocal(ctx context.Context, email, passwordHash string) (User, error)
	CreateFromProvider(ctx context.Context, provider ProviderName, providerID, email string) (User, error)
	LinkProvider(ctx context.Context, userID string, provider ProviderName, providerID string) error
}

type identityKey struct {
	provider   ProviderName
	providerID string
}

// MemoryStore is a process-local UserStore for dev mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User
	byEmail    map[string]string
	byIdentity map[identityKey]string
	now        func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		byEmail:    make(map[string]string),
		byIdentity: make(map[identityKey]string),
		now:        time.Now,
	}
}

// FindByID returns the user with id.
func (s *MemoryStore) FindByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

// FindByEmail returns the user registered under email.
func (s *MemoryStore) FindByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

// FindByProviderIdentity returns the user linked to the provider account.
func (s *MemoryStore) FindByProviderIdentity(_ context.Context, provider ProviderName, providerID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdentity[identityKey{provider, providerID}]
	if !ok {
		return User{}, ErrNotFound
	}
	return cloneUser(s.users[id]), nil
}

// CreateLocal inserts a password account.
func (s *MemoryStore) CreateLocal(_ context.Context, email, passwordHash string) (User, error) {
	email = normalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return User{}, fmt.Errorf("email %s: %w", email, ErrDuplicate)
	}
	now := s.now()
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	s.byEmail[email] = u.ID
	return cloneUser(u), nil
}

// CreateFromProvider inserts an account with no password, linked to the
// provider identity. An empty email is allowed.
func (s *MemoryStore) CreateFromProvider(_ context.Context, provider ProviderName, providerID, email string) (User, error) {
	email = normalizeEmail(email)
	key := identityKey{provider, providerID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIdentity[key]; ok {
		return User{}, fmt.Errorf("identity %s/%s: %w", provider, providerID, ErrDuplicate)
	}
	if email != "" {
		if _, ok := s.byEmail[email]; ok {
			return User{}, fmt.Errorf("email %s: %w", email, ErrDuplicate)
		}
	}
	now := s.now()
	u := User{
		ID:         uuid.NewString(),
		Email:      email,
		Identities: []LinkedIdentity{{Provider: provider, ProviderID: providerID, LinkedAt: now}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.users[u.ID] = u
	s.byIdentity[key] = u.ID
	if email != "" {
		s.byEmail[email] = u.ID
	}
	return cloneUser(u), nil
}

// LinkProvider attaches a provider identity to an existing user. Linking an
// identity already attached to the same user is a no-op.
func (s *MemoryStore) LinkProvider(_ context.Context, userID string, provider ProviderName, providerID string) error {
	key := identityKey{provider, providerID}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if owner, ok := s.byIdentity[key]; ok {
		if owner == userID {
			return nil
		}
		return fmt.Errorf("identity %s/%s: %w", provider, providerID, ErrDuplicate)
	}
	now := s.now()
	u.Identities = append(cloneUser(u).Identities, LinkedIdentity{Provider: provider, ProviderID: providerID, LinkedAt: now})
	u.UpdatedAt = now
	s.users[userID] = u
	s.byIdentity[key] = userID
	return nil
}

func cloneUser(u User) User {
	if u.Identities != nil {
		u.Identities = append([]LinkedIdentity(nil), u.Identities...)
	}
	return u
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
