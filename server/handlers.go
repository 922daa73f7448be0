package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"identd/auth"
)

const maxRequestBodyBytes = 1 << 20

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type oauthLoginResponse struct {
	tokenResponse
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Created  bool   `json:"created"`
}

type identityView struct {
	Provider string    `json:"provider"`
	LinkedAt time.Time `json:"linked_at"`
}

type userView struct {
	ID          string         `json:"id"`
	Email       string         `json:"email,omitempty"`
	HasPassword bool           `json:"has_password"`
	Identities  []identityView `json:"identities"`
	CreatedAt   time.Time      `json:"created_at"`
}

type introspectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	JTI       string `json:"jti,omitempty"`
}

func (a *App) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	tok, err := a.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	setLogUser(r, tok.Subject)
	writeJSONStatus(w, http.StatusCreated, a.tokenBody(tok))
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}
	tok, err := a.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	setLogUser(r, tok.Subject)
	writeJSON(w, a.tokenBody(tok))
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	if err := a.Auth.Logout(r.Context(), token); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, map[string]string{"message": "logged out"})
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	tok, err := a.Auth.Refresh(r.Context(), token)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	setLogUser(r, tok.Subject)
	writeJSON(w, a.tokenBody(tok))
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	user, err := a.Auth.Authenticate(r.Context(), token)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	setLogUser(r, user.ID)

	view := userView{
		ID:          user.ID,
		Email:       user.Email,
		HasPassword: user.HasPassword(),
		Identities:  make([]identityView, 0, len(user.Identities)),
		CreatedAt:   user.CreatedAt,
	}
	for _, li := range user.Identities {
		view.Identities = append(view.Identities, identityView{Provider: string(li.Provider), LinkedAt: li.LinkedAt})
	}
	writeJSON(w, view)
}

// handleIntrospect reports whether a token is currently valid. Invalid,
// expired and revoked tokens all answer {"active": false}.
func (a *App) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	token := strings.TrimSpace(r.PostForm.Get("token"))
	if token == "" {
		token = extractBearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	claims, err := a.Auth.Tokens().ValidateClaims(r.Context(), token)
	if err != nil {
		if isTokenError(err) {
			writeJSON(w, introspectionResponse{Active: false})
			return
		}
		a.writeAuthError(w, r, err)
		return
	}
	resp := introspectionResponse{
		Active:  true,
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		JTI:     claims.ID,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	writeJSON(w, resp)
}

func (a *App) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	setLogProvider(r, provider)

	redirect, err := a.Auth.StartOAuth(r.Context(), provider)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	setLogProvider(r, provider)
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = errCode
		}
		a.Logger.Info("provider returned error", "provider", provider, "error", errCode)
		writeError(w, http.StatusBadRequest, errCode, "oauth error: "+desc)
		return
	}

	res, err := a.Auth.HandleOAuthCallback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	setLogUser(r, res.User.ID)
	writeJSON(w, oauthLoginResponse{
		tokenResponse: a.tokenBody(res.Token),
		UserID:        res.User.ID,
		Provider:      provider,
		Created:       res.Outcome == auth.CreatedNew,
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"providers": a.Auth.Providers(),
	})
}

func (a *App) tokenBody(tok auth.Token) tokenResponse {
	return tokenResponse{
		AccessToken: tok.Encoded,
		TokenType:   "bearer",
		ExpiresIn:   tok.ExpiresIn(a.Auth.Tokens().Now()),
	}
}

// writeAuthError maps engine errors onto HTTP statuses. Internal failures
// are logged and answered with a generic message.
func (a *App) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *auth.ValidationError
		conflictErr   *auth.ConflictError
		exchangeErr   *auth.OAuthExchangeError
		identityErr   *auth.OAuthIdentityError
		linkErr       *auth.AccountLinkError
	)
	reqID := RequestIDFromContext(r.Context())

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "invalid_request", validationErr.Error())
	case errors.As(err, &conflictErr):
		writeError(w, http.StatusConflict, "conflict", "an account with this email already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case isTokenError(err):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", tokenErrorDescription(err))
	case errors.Is(err, auth.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "unknown_provider", "oauth provider is not supported or not configured")
	case errors.As(err, &exchangeErr), errors.As(err, &identityErr):
		a.Logger.Warn("oauth provider call failed", "error", err, "request_id", reqID)
		writeError(w, http.StatusBadGateway, "provider_error", "the identity provider could not complete the login")
	case errors.As(err, &linkErr):
		a.Logger.Error("account link failed", "provider", string(linkErr.Provider), "step", linkErr.Step, "error", err, "request_id", reqID)
		writeError(w, http.StatusInternalServerError, "account_link_failed", "the account could not be linked")
	default:
		a.Logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", reqID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func isTokenError(err error) bool {
	return errors.Is(err, auth.ErrInvalidSignature) || errors.Is(err, auth.ErrExpired) || errors.Is(err, auth.ErrRevoked)
}

func tokenErrorDescription(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpired):
		return "token has expired"
	case errors.Is(err, auth.ErrRevoked):
		return "token has been revoked"
	default:
		return "token is invalid"
	}
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_request", "body must be application/json")
		return req, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return req, false
	}
	var missing []string
	if strings.TrimSpace(req.Email) == "" {
		missing = append(missing, "email")
	}
	if req.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
		return req, false
	}
	return req, true
}

// requireBearer writes a 401 when the request carries no bearer token.
func requireBearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return "", false
	}
	return token, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSONStatus(w, status, map[string]string{"error": code, "error_description": desc})
}
