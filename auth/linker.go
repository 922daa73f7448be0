package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// LinkOutcome says how a provider identity was resolved to an account.
type LinkOutcome int

const (
	LinkedExisting LinkOutcome = iota + 1
	CreatedNew
)

func (o LinkOutcome) String() string {
	switch o {
	case LinkedExisting:
		return "linked_existing"
	case CreatedNew:
		return "created_new"
	default:
		return "unknown"
	}
}

// LinkResult is the outcome of a successful callback.
type LinkResult struct {
	User    User
	Outcome LinkOutcome
	Token   Token
}

// Linker resolves provider identities to local accounts and issues tokens.
// The (provider, subject) pair is the de-duplication key, so replaying the
// same identity always lands on the same account.
type Linker struct {
	store  UserStore
	tokens *TokenService
	logger *slog.Logger
}

// NewLinker constructs a Linker.
func NewLinker(store UserStore, tokens *TokenService, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: store, tokens: tokens, logger: logger}
}

// Link finds, links or creates the account for id and issues a token for
// it. No token is issued when any store step fails.
func (l *Linker) Link(ctx context.Context, id Identity) (LinkResult, error) {
	user, outcome, err := l.resolve(ctx, id)
	if err != nil {
		l.logger.Error("account link failed", "provider", string(id.Provider), "error", err)
		return LinkResult{}, err
	}

	tok, err := l.tokens.Issue(ctx, user.ID)
	if err != nil {
		return LinkResult{}, fmt.Errorf("issue token: %w", err)
	}
	l.logger.Info("oauth login", "provider", string(id.Provider), "user_id", user.ID, "outcome", outcome.String())
	return LinkResult{User: user, Outcome: outcome, Token: tok}, nil
}

func (l *Linker) resolve(ctx context.Context, id Identity) (User, LinkOutcome, error) {
	linkErr := func(step string, err error) error {
		return &AccountLinkError{Provider: id.Provider, Step: step, Err: err}
	}

	user, err := l.store.FindByProviderIdentity(ctx, id.Provider, id.Subject)
	switch {
	case err == nil:
		return user, LinkedExisting, nil
	case !errors.Is(err, ErrNotFound):
		return User{}, 0, linkErr("lookup identity", err)
	}

	email := normalizeEmail(id.Email)
	if email != "" {
		existing, err := l.store.FindByEmail(ctx, email)
		switch {
		case err == nil:
			if !id.EmailVerified {
				return User{}, 0, linkErr("match email", ErrEmailNotVerified)
			}
			return l.attach(ctx, existing, id, linkErr)
		case !errors.Is(err, ErrNotFound):
			return User{}, 0, linkErr("lookup email", err)
		}
	}

	created, err := l.store.CreateFromProvider(ctx, id.Provider, id.Subject, email)
	switch {
	case err == nil:
		return created, CreatedNew, nil
	case errors.Is(err, ErrDuplicate):
		// A concurrent callback or registration got there first.
		return l.reread(ctx, id, linkErr)
	default:
		return User{}, 0, linkErr("create account", err)
	}
}

func (l *Linker) attach(ctx context.Context, user User, id Identity, linkErr func(string, error) error) (User, LinkOutcome, error) {
	err := l.store.LinkProvider(ctx, user.ID, id.Provider, id.Subject)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		return l.reread(ctx, id, linkErr)
	default:
		return User{}, 0, linkErr("link identity", err)
	}

	linked, err := l.store.FindByID(ctx, user.ID)
	if err != nil {
		return User{}, 0, linkErr("reload account", err)
	}
	return linked, LinkedExisting, nil
}

// reread resolves a lost insert race. If the identity is now linked the
// winner's account is used; otherwise the clash was on email alone.
func (l *Linker) reread(ctx context.Context, id Identity, linkErr func(string, error) error) (User, LinkOutcome, error) {
	user, err := l.store.FindByProviderIdentity(ctx, id.Provider, id.Subject)
	if err == nil {
		return user, LinkedExisting, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, 0, linkErr("reread identity", err)
	}
	if id.Email == "" || !id.EmailVerified {
		return User{}, 0, linkErr("create account", ErrEmailNotVerified)
	}
	existing, err := l.store.FindByEmail(ctx, id.Email)
	if err != nil {
		return User{}, 0, linkErr("reread email", err)
	}
	if err := l.store.LinkProvider(ctx, existing.ID, id.Provider, id.Subject); err != nil && !errors.Is(err, ErrDuplicate) {
		return User{}, 0, linkErr("link identity", err)
	}
	user, err = l.store.FindByProviderIdentity(ctx, id.Provider, id.Subject)
	if err != nil {
		return User{}, 0, linkErr("reread identity", err)
	}
	return user, LinkedExisting, nil
}
