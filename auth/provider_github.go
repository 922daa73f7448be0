package auth

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

var githubSpec = providerSpec{
	name:       ProviderGitHub,
	endpoint:   endpoints.GitHub,
	apiBaseURL: "https://api.github.com",
	scopes:     []string{"read:user", "user:email"},
	identity:   githubIdentity,
}

var githubHeaders = map[string]string{
	"Accept":               "application/vnd.github+json",
	"X-GitHub-Api-Version": "2022-11-28",
	"User-Agent":           "identd",
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// githubIdentity reads the profile and then the address list, since the
// profile email is optional and carries no verification flag.
func githubIdentity(ctx context.Context, p *oauthProvider, tok *oauth2.Token) (Identity, error) {
	var user githubUser
	if err := p.getJSON(ctx, "/user", tok, githubHeaders, &user); err != nil {
		return Identity{}, err
	}

	id := Identity{Name: user.Name, Email: user.Email}
	if user.ID != 0 {
		id.Subject = strconv.FormatInt(user.ID, 10)
	}
	if id.Name == "" {
		id.Name = user.Login
	}

	var emails []githubEmail
	if err := p.getJSON(ctx, "/user/emails", tok, githubHeaders, &emails); err != nil {
		// The profile is still usable; the email just cannot be trusted for linking.
		p.logger.Warn("github email lookup failed", "error", err)
		id.EmailVerified = false
		return id, nil
	}
	id.Email, id.EmailVerified = pickGitHubEmail(user.Email, emails)
	return id, nil
}

// pickGitHubEmail prefers the profile email when GitHub reports it verified,
// then the primary verified address.
func pickGitHubEmail(profile string, emails []githubEmail) (string, bool) {
	for _, e := range emails {
		if profile != "" && e.Verified && strings.EqualFold(e.Email, profile) {
			return e.Email, true
		}
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, true
		}
	}
	return profile, false
}
