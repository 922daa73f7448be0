package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is the lifetime of every issued bearer token.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultIssuer is written to the iss claim and required on validation.
	DefaultIssuer = "identd"
	// MinSecretBytes is the shortest accepted HS256 signing secret.
	MinSecretBytes = 32
)

// TokenClaims is the claim set carried by every bearer token.
type TokenClaims struct {
	jwt.RegisteredClaims
}

// Token is an issued bearer token together with its decoded claims.
type Token struct {
	Encoded   string
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the remaining lifetime relative to now, rounded to seconds.
func (t Token) ExpiresIn(now time.Time) int64 {
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d.Round(time.Second).Seconds())
}

// TokenService signs, validates and revokes HS256 bearer tokens.
type TokenService struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	now     func() time.Time
	revoked RevocationStore
	logger  *slog.Logger
}

// TokenOption customizes a TokenService.
type TokenOption func(*TokenService)

// WithTokenTTL overrides DefaultTokenTTL.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.ttl = ttl
		}
	}
}

// WithClock injects the time source used for iat, exp and validation.
func WithClock(now func() time.Time) TokenOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) TokenOption {
	return func(ts *TokenService) {
		if issuer != "" {
			ts.issuer = issuer
		}
	}
}

// WithRevocationStore replaces the default in-memory revocation list.
func WithRevocationStore(store RevocationStore) TokenOption {
	return func(ts *TokenService) {
		if store != nil {
			ts.revoked = store
		}
	}
}

// NewTokenService constructs a TokenService signing with secret.
func NewTokenService(secret []byte, logger *slog.Logger, opts ...TokenOption) (*TokenService, error) {
	if len(secret) < MinSecretBytes {
		return nil, &ConfigError{Reason: fmt.Sprintf("token signing secret must be at least %d bytes", MinSecretBytes)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ts := &TokenService{
		secret:  append([]byte(nil), secret...),
		ttl:     DefaultTokenTTL,
		issuer:  DefaultIssuer,
		now:     time.Now,
		revoked: NewMemoryRevocationStore(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts, nil
}

// TTL returns the configured token lifetime.
func (ts *TokenService) TTL() time.Duration { return ts.ttl }

// Now returns the service clock's current time.
func (ts *TokenService) Now() time.Time { return ts.now() }

// Issue signs a fresh token for subject.
func (ts *TokenService) Issue(_ context.Context, subject string) (Token, error) {
	if subject == "" {
		return Token{}, &ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	now := ts.now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
			ID:        uuid.NewString(),
		},
	}
	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenFromClaims(encoded, &claims), nil
}

// Validate checks signature, expiry and revocation, in that order, and
// returns the token's subject.
func (ts *TokenService) Validate(ctx context.Context, encoded string) (string, error) {
	claims, err := ts.ValidateClaims(ctx, encoded)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ValidateClaims is Validate returning the full claim set.
func (ts *TokenService) ValidateClaims(ctx context.Context, encoded string) (*TokenClaims, error) {
	claims, err := ts.parse(encoded, true)
	if err != nil {
		return nil, err
	}
	revoked, err := ts.revoked.IsRevoked(ctx, claims.ID, ts.now())
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Revoke adds the token's jti to the revocation list until the token's own
// expiry. The signature must be valid; expiry is not checked.
func (ts *TokenService) Revoke(ctx context.Context, encoded string) error {
	claims, err := ts.parse(encoded, false)
	if err != nil {
		return err
	}
	exp := claims.ExpiresAt.Time
	if !ts.now().Before(exp) {
		ts.logger.Debug("revoke skipped for expired token", "jti", claims.ID)
		return nil
	}
	if err := ts.revoked.Revoke(ctx, claims.ID, exp); err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	ts.logger.Info("token revoked", "jti", claims.ID, "sub", claims.Subject)
	return nil
}

// Refresh validates encoded and issues a new token for the same subject.
// The old token stays valid until it expires or is revoked.
func (ts *TokenService) Refresh(ctx context.Context, encoded string) (Token, error) {
	subject, err := ts.Validate(ctx, encoded)
	if err != nil {
		return Token{}, err
	}
	return ts.Issue(ctx, subject)
}

func (ts *TokenService) parse(encoded string, checkExpiry bool) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ts.now),
	}
	if !checkExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	parser := jwt.NewParser(opts...)

	claims := &TokenClaims{}
	_, err := parser.ParseWithClaims(encoded, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		if checkExpiry && errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.Issuer != ts.issuer || claims.Subject == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing or unexpected claims", ErrInvalidSignature)
	}
	// A token is dead from its exp instant onward.
	if checkExpiry && !ts.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrExpired
	}
	return claims, nil
}

func tokenFromClaims(encoded string, claims *TokenClaims) Token {
	tok := Token{
		Encoded: encoded,
		Subject: claims.Subject,
		ID:      claims.ID,
	}
	if claims.IssuedAt != nil {
		tok.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok
}
