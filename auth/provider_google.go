package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

var googleSpec = providerSpec{
	name:       ProviderGoogle,
	endpoint:   endpoints.Google,
	apiBaseURL: "https://www.googleapis.com",
	scopes:     []string{oidc.ScopeOpenID, "email", "profile"},
	identity:   googleIdentity,
}

func newGoogleVerifier(clientID string, client *http.Client) *oidc.IDTokenVerifier {
	keys := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), client), googleJWKSURL)
	return oidc.NewVerifier(googleIssuer, keys, &oidc.Config{ClientID: clientID})
}

type googleIDClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

// googleIdentity prefers the signed ID token returned with the access token
// and falls back to the userinfo endpoint when none was issued.
func googleIdentity(ctx context.Context, p *oauthProvider, tok *oauth2.Token) (Identity, error) {
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" && p.verifier != nil {
		idToken, err := p.verifier.Verify(ctx, raw)
		if err != nil {
			return Identity{}, fmt.Errorf("verify id_token: %w", err)
		}
		var claims googleIDClaims
		if err := idToken.Claims(&claims); err != nil {
			return Identity{}, fmt.Errorf("decode id_token claims: %w", err)
		}
		return Identity{
			Subject:       claims.Subject,
			Email:         claims.Email,
			EmailVerified: claims.EmailVerified,
			Name:          claims.Name,
		}, nil
	}

	var info googleUserInfo
	if err := p.getJSON(ctx, "/oauth2/v2/userinfo", tok, nil, &info); err != nil {
		return Identity{}, err
	}
	return Identity{
		Subject:       info.ID,
		Email:         info.Email,
		EmailVerified: info.VerifiedEmail,
		Name:          info.Name,
	}, nil
}
