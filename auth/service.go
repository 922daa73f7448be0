package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"
)

// Service is the public face of the identity engine: local registration and
// login, the OAuth flow, and token lifecycle.
type Service struct {
	store     UserStore
	hasher    *Hasher
	tokens    *TokenService
	providers map[ProviderName]Provider
	linker    *Linker
	states    StateStore
	stateTTL  time.Duration
	logger    *slog.Logger

	// dummyHash is compared against on unknown emails so a failed login
	// costs the same whether or not the account exists.
	dummyHash string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithStateStore replaces the in-memory OAuth state store.
func WithStateStore(s StateStore) ServiceOption {
	return func(svc *Service) {
		if s != nil {
			svc.states = s
		}
	}
}

// WithStateTTL overrides DefaultStateTTL.
func WithStateTTL(d time.Duration) ServiceOption {
	return func(svc *Service) {
		if d > 0 {
			svc.stateTTL = d
		}
	}
}

// NewService wires the engine's components together.
func NewService(store UserStore, hasher *Hasher, tokens *TokenService, providers map[ProviderName]Provider, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if store == nil || hasher == nil || tokens == nil {
		return nil, errors.New("auth service requires a store, hasher and token service")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := hasher.Hash("identd-timing-equalizer")
	if err != nil {
		return nil, err
	}
	svc := &Service{
		store:     store,
		hasher:    hasher,
		tokens:    tokens,
		providers: providers,
		linker:    NewLinker(store, tokens, logger),
		states:    NewMemoryStateStore(),
		stateTTL:  DefaultStateTTL,
		logger:    logger,
		dummyHash: dummy,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Tokens exposes the token service for introspection.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Providers lists the enabled providers.
func (s *Service) Providers() []ProviderName {
	out := make([]ProviderName, 0, len(s.providers))
	for _, name := range KnownProviders {
		if _, ok := s.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Register creates a password account and returns a token for it.
func (s *Service) Register(ctx context.Context, email, password string) (Token, error) {
	email, err := validateEmail(email)
	if err != nil {
		return Token{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return Token{}, err
	}

	user, err := s.store.CreateLocal(ctx, email, hash)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return Token{}, &ConflictError{Email: email}
		}
		return Token{}, fmt.Errorf("create account: %w", err)
	}
	s.logger.Info("account registered", "user_id", user.ID)
	return s.tokens.Issue(ctx, user.ID)
}

// Login checks a password and returns a token. Every failure mode that
// depends on the stored account reports ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Token{}, ErrInvalidCredentials
	}

	user, err := s.store.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		_, _ = s.hasher.Verify(password, s.dummyHash)
		return Token{}, ErrInvalidCredentials
	case err != nil:
		return Token{}, fmt.Errorf("lookup account: %w", err)
	}

	hash := user.PasswordHash
	if !user.HasPassword() {
		hash = s.dummyHash
	}
	ok, err := s.hasher.Verify(password, hash)
	if err != nil {
		s.logger.Error("password verify failed", "user_id", user.ID, "error", err)
		return Token{}, ErrInvalidCredentials
	}
	if !ok || !user.HasPassword() {
		s.logger.Info("login rejected", "user_id", user.ID)
		return Token{}, ErrInvalidCredentials
	}
	return s.tokens.Issue(ctx, user.ID)
}

// Logout revokes token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Refresh exchanges a valid token for a new one.
func (s *Service) Refresh(ctx context.Context, token string) (Token, error) {
	return s.tokens.Refresh(ctx, token)
}

// Authenticate validates token and loads its user.
func (s *Service) Authenticate(ctx context.Context, token string) (User, error) {
	subject, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return User{}, err
	}
	user, err := s.store.FindByID(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, fmt.Errorf("%w: unknown subject", ErrInvalidSignature)
		}
		return User{}, fmt.Errorf("load account: %w", err)
	}
	return user, nil
}

// StartOAuth records a fresh state for provider and returns the URL the
// user agent should be sent to.
func (s *Service) StartOAuth(ctx context.Context, provider string) (string, error) {
	p, err := s.provider(provider)
	if err != nil {
		return "", err
	}
	state, err := newState()
	if err != nil {
		return "", err
	}
	now := s.tokens.Now()
	pending := PendingLogin{
		State:     state,
		Provider:  p.Name(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.stateTTL),
	}
	if err := s.states.Save(ctx, pending); err != nil {
		return "", fmt.Errorf("save oauth state: %w", err)
	}
	return p.AuthCodeURL(state), nil
}

// HandleOAuthCallback completes the flow started by StartOAuth: it checks
// state, exchanges code, fetches the identity and links it to an account.
func (s *Service) HandleOAuthCallback(ctx context.Context, provider, code, state string) (LinkResult, error) {
	p, err := s.provider(provider)
	if err != nil {
		return LinkResult{}, err
	}
	if state == "" {
		return LinkResult{}, &ValidationError{Field: "state", Reason: "missing"}
	}
	pending, ok, err := s.states.Consume(ctx, state)
	if err != nil {
		return LinkResult{}, fmt.Errorf("load oauth state: %w", err)
	}
	if !ok || !s.tokens.Now().Before(pending.ExpiresAt) {
		return LinkResult{}, &ValidationError{Field: "state", Reason: "unknown or expired"}
	}
	if pending.Provider != p.Name() {
		return LinkResult{}, &ValidationError{Field: "state", Reason: "issued for a different provider"}
	}
	if code == "" {
		return LinkResult{}, &ValidationError{Field: "code", Reason: "missing"}
	}

	tok, err := p.Exchange(ctx, code)
	if err != nil {
		return LinkResult{}, err
	}
	id, err := p.FetchIdentity(ctx, tok)
	if err != nil {
		return LinkResult{}, err
	}
	return s.linker.Link(ctx, id)
}

func (s *Service) provider(raw string) (Provider, error) {
	name, err := ParseProviderName(raw)
	if err != nil {
		return nil, err
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", ErrUnknownProvider, name)
	}
	return p, nil
}

func validateEmail(raw string) (string, error) {
	email := normalizeEmail(raw)
	if email == "" {
		return "", &ValidationError{Field: "email", Reason: "must not be empty"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Reason: "must be a bare address like user@example.com"}
	}
	return email, nil
}
