package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, WithClock(clock.Now))
	ctx := context.Background()

	tok, err := ts.Issue(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tok.Subject)
	assert.NotEmpty(t, tok.ID)
	assert.Equal(t, clock.Now(), tok.IssuedAt)
	assert.Equal(t, clock.Now().Add(DefaultTokenTTL), tok.ExpiresAt)

	sub, err := ts.Validate(ctx, tok.Encoded)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
}

func TestIssueUniqueIDs(t *testing.T) {
	ts := newTestTokens(t)
	a, err := ts.Issue(context.Background(), "u")
	require.NoError(t, err)
	b, err := ts.Issue(context.Background(), "u")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIssueRequiresSubject(t *testing.T) {
	_, err := newTestTokens(t).Issue(context.Background(), "")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestValidateExpiresAtBoundary(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, WithClock(clock.Now), WithTokenTTL(time.Hour))
	ctx := context.Background()

	tok, err := ts.Issue(ctx, "user-1")
	require.NoError(t, err)

	clock.Advance(time.Hour - time.Second)
	_, err = ts.Validate(ctx, tok.Encoded)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = ts.Validate(ctx, tok.Encoded)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateRejectsTampering(t *testing.T) {
	ts := newTestTokens(t)
	tok, err := ts.Issue(context.Background(), "user-1")
	require.NoError(t, err)

	parts := strings.Split(tok.Encoded, ".")
	require.Len(t, parts, 3)
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	_, err = ts.Validate(context.Background(), tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ts.Validate(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	other, err := NewTokenService([]byte("ffffffffffffffffffffffffffffffff"), testLogger())
	require.NoError(t, err)
	tok, err := other.Issue(context.Background(), "user-1")
	require.NoError(t, err)

	_, err = newTestTokens(t).Validate(context.Background(), tok.Encoded)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	claims := TokenClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    DefaultIssuer,
		Subject:   "user-1",
		ID:        "jti",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = newTestTokens(t).Validate(context.Background(), encoded)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestTamperedExpiredTokenReportsSignature(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, WithClock(clock.Now), WithTokenTTL(time.Minute))
	tok, err := ts.Issue(context.Background(), "user-1")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	_, err = ts.Validate(context.Background(), tok.Encoded+"x")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRevokeThenValidate(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryRevocationStore()
	ts := newTestTokens(t, WithClock(clock.Now), WithRevocationStore(store))
	ctx := context.Background()

	tok, err := ts.Issue(ctx, "user-1")
	require.NoError(t, err)
	require.NoError(t, ts.Revoke(ctx, tok.Encoded))

	_, err = ts.Validate(ctx, tok.Encoded)
	assert.ErrorIs(t, err, ErrRevoked)

	// Revoking twice is harmless.
	require.NoError(t, ts.Revoke(ctx, tok.Encoded))
	assert.Equal(t, 1, store.Len())

	// After expiry the token reports Expired and the entry can be dropped.
	clock.Advance(DefaultTokenTTL)
	_, err = ts.Validate(ctx, tok.Encoded)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
}

func TestRevokeRejectsForgery(t *testing.T) {
	err := newTestTokens(t).Revoke(context.Background(), "a.b.c")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryRevocationStore()
	ts := newTestTokens(t, WithClock(clock.Now), WithRevocationStore(store), WithTokenTTL(time.Minute))
	tok, err := ts.Issue(context.Background(), "user-1")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, ts.Revoke(context.Background(), tok.Encoded))
	assert.Equal(t, 0, store.Len())
}

func TestRefreshIssuesNewToken(t *testing.T) {
	clock := newFakeClock()
	ts := newTestTokens(t, WithClock(clock.Now))
	ctx := context.Background()

	tok, err := ts.Issue(ctx, "user-1")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	next, err := ts.Refresh(ctx, tok.Encoded)
	require.NoError(t, err)
	assert.Equal(t, "user-1", next.Subject)
	assert.NotEqual(t, tok.ID, next.ID)
	assert.True(t, next.ExpiresAt.After(tok.ExpiresAt))

	require.NoError(t, ts.Revoke(ctx, tok.Encoded))
	_, err = ts.Refresh(ctx, tok.Encoded)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService([]byte("short"), testLogger())
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestTokenExpiresIn(t *testing.T) {
	now := time.Now()
	tok := Token{ExpiresAt: now.Add(90 * time.Second)}
	assert.Equal(t, int64(90), tok.ExpiresIn(now))
	assert.Equal(t, int64(0), tok.ExpiresIn(now.Add(time.Hour)))
}
