package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RevocationStore records revoked token IDs until the token would have
// expired anyway. Implementations must be safe for concurrent use.
type RevocationStore interface {
	Revoke(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string, now time.Time) (bool, error)
}

// MemoryRevocationStore keeps revoked JTIs in process memory. Entries are
// dropped lazily on lookup and in bulk by Sweep.
type MemoryRevocationStore struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevocationStore constructs an empty store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]time.Time)}
}

// Revoke stores jti until the given deadline. Re-revoking extends to the
// later of the two deadlines.
func (s *MemoryRevocationStore) Revoke(_ context.Context, jti string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.revoked[jti]; ok && prev.After(until) {
		return nil
	}
	s.revoked[jti] = until
	return nil
}

// IsRevoked reports whether jti is still on the list at now.
func (s *MemoryRevocationStore) IsRevoked(_ context.Context, jti string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.revoked[jti]
	if !ok {
		return false, nil
	}
	if !now.Before(until) {
		delete(s.revoked, jti)
		return false, nil
	}
	return true, nil
}

// Sweep removes every entry whose token has expired and returns how many
// were dropped.
func (s *MemoryRevocationStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for jti, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, jti)
			removed++
		}
	}
	return removed
}

// Len returns the number of retained entries.
func (s *MemoryRevocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revoked)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (s *MemoryRevocationStore) StartSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := s.Sweep(now); n > 0 {
					logger.Debug("revocation sweep", "removed", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
