package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the token service and the auth service.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidSignature   = errors.New("token signature invalid")
	ErrExpired            = errors.New("token expired")
	ErrRevoked            = errors.New("token revoked")
	ErrUnknownProvider    = errors.New("unknown oauth provider")
	ErrEmailNotVerified   = errors.New("provider email not verified")
)

// Store sentinels. UserStore implementations must return these (possibly
// wrapped) so the linker can tell a lost race from a real failure.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// ConfigError reports an invalid or incomplete startup configuration.
type ConfigError struct {
	Provider ProviderName
	Missing  []string
	Reason   string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Provider != "" {
		fmt.Fprintf(&b, ": provider %s", e.Provider)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		b.WriteString(": missing ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	return b.String()
}

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when registering an email that already has an account.
type ConflictError struct {
	Email string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("account already exists for %s", e.Email)
}

func (e *ConflictError) Unwrap() error { return ErrDuplicate }

// OAuthExchangeError wraps a failed authorization-code exchange.
type OAuthExchangeError struct {
	Provider ProviderName
	Err      error
}

func (e *OAuthExchangeError) Error() string {
	return fmt.Sprintf("oauth %s: code exchange failed: %v", e.Provider, e.Err)
}

func (e *OAuthExchangeError) Unwrap() error { return e.Err }

// OAuthIdentityError wraps a failed or unusable identity fetch.
type OAuthIdentityError struct {
	Provider ProviderName
	Err      error
}

func (e *OAuthIdentityError) Error() string {
	return fmt.Sprintf("oauth %s: identity fetch failed: %v", e.Provider, e.Err)
}

func (e *OAuthIdentityError) Unwrap() error { return e.Err }

// AccountLinkError wraps a store failure while resolving a provider identity
// to a local account.
type AccountLinkError struct {
	Provider ProviderName
	Step     string
	Err      error
}

func (e *AccountLinkError) Error() string {
	return fmt.Sprintf("link %s account: %s: %v", e.Provider, e.Step, e.Err)
}

func (e *AccountLinkError) Unwrap() error { return e.Err }
