package auth

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable time source for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTokens(t *testing.T, opts ...TokenOption) *TokenService {
	t.Helper()
	ts, err := NewTokenService(testSecret, testLogger(), opts...)
	require.NoError(t, err)
	return ts
}

func newTestService(t *testing.T, providers map[ProviderName]Provider, opts ...TokenOption) (*Service, *MemoryStore, *TokenService) {
	t.Helper()
	store := NewMemoryStore()
	tokens := newTestTokens(t, opts...)
	svc, err := NewService(store, NewHasher(bcrypt.MinCost), tokens, providers, testLogger())
	require.NoError(t, err)
	return svc, store, tokens
}
