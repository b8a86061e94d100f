package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/agentserver/sandboxd/internal/sandboxerr"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	oauth2github "golang.org/x/oauth2/github"
)

// Provider abstracts an OAuth2/OIDC identity provider used as an
// additional way to resolve a user identity on top of local
// username/password registration.
type Provider interface {
	Name() string
	OAuth2Config() *oauth2.Config
	GetIdentity(ctx context.Context, token *oauth2.Token) (subject, email, displayName string, err error)
}

// OIDCManager orchestrates OAuth2/OIDC login flows against the Identity Store.
type OIDCManager struct {
	providers map[string]Provider
	baseURL   string
	store     *Store
}

// NewOIDCManager creates a login manager bound to an Identity Store. baseURL
// is the externally visible redirect base, e.g. "https://sandboxd.example.com".
func NewOIDCManager(baseURL string, store *Store) *OIDCManager {
	return &OIDCManager{
		providers: make(map[string]Provider),
		baseURL:   strings.TrimRight(baseURL, "/"),
		store:     store,
	}
}

// RegisterProvider adds a provider to the login flow.
func (m *OIDCManager) RegisterProvider(p Provider) { m.providers[p.Name()] = p }

// ProviderNames lists the registered provider names.
func (m *OIDCManager) ProviderNames() []string {
	names := make([]string, 0, len(m.providers))
	for n := range m.providers {
		names = append(names, n)
	}
	return names
}

const (
	stateCookieName = "sandboxd-oauth-state"
	stateCookieTTL  = 10 * time.Minute
)

// HandleLogin redirects the caller to the provider's authorization endpoint.
func (m *OIDCManager) HandleLogin(w http.ResponseWriter, r *http.Request, providerName string) {
	p, ok := m.providers[providerName]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	stateBytes := make([]byte, 16)
	rand.Read(stateBytes)
	state := hex.EncodeToString(stateBytes)

	http.SetCookie(w, &http.Cookie{
		Name: stateCookieName, Value: state, Path: "/",
		HttpOnly: true, SameSite: http.SameSiteLaxMode, MaxAge: int(stateCookieTTL.Seconds()),
	})
	http.Redirect(w, r, p.OAuth2Config().AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the login flow: verifies state, exchanges the
// code, resolves or creates a local user, and issues a session token.
func (m *OIDCManager) HandleCallback(w http.ResponseWriter, r *http.Request, providerName string) (token string, err error) {
	p, ok := m.providers[providerName]
	if !ok {
		return "", fmt.Errorf("unknown provider %q: %w", providerName, sandboxerr.ErrInvalidArgument)
	}

	stateCookie, cookieErr := r.Cookie(stateCookieName)
	if cookieErr != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		return "", fmt.Errorf("invalid oauth state: %w", sandboxerr.ErrInvalidArgument)
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		return "", fmt.Errorf("provider %s returned error %q", providerName, errParam)
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		return "", fmt.Errorf("missing authorization code: %w", sandboxerr.ErrInvalidArgument)
	}

	oauthToken, err := p.OAuth2Config().Exchange(r.Context(), code)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}

	subject, email, displayName, err := p.GetIdentity(r.Context(), oauthToken)
	if err != nil {
		return "", fmt.Errorf("get identity: %w", err)
	}

	userID, err := m.resolveUser(providerName, subject, email, displayName)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}

	sessionToken, err := m.store.IssueToken(userID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return sessionToken, nil
}

func (m *OIDCManager) resolveUser(provider, subject, email, displayName string) (string, error) {
	database := m.store.DB()

	oi, err := database.GetOIDCIdentity(provider, subject)
	if err != nil {
		return "", fmt.Errorf("lookup oidc identity: %w", err)
	}
	if oi != nil {
		return oi.UserID, nil
	}

	if email != "" {
		if user, err := database.GetUserByEmail(email); err != nil {
			return "", fmt.Errorf("lookup user by email: %w", err)
		} else if user != nil {
			if err := database.CreateOIDCIdentity(provider, subject, user.ID, &email); err != nil {
				return "", fmt.Errorf("link oidc identity: %w", err)
			}
			return user.ID, nil
		}
	}

	userID := uuid.New().String()
	username := sanitizeUsername(displayName, userID)
	var emailPtr, namePtr *string
	if email != "" {
		emailPtr = &email
	}
	if displayName != "" {
		namePtr = &displayName
	}
	apiKey, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := database.CreateUserWithEmail(userID, username, namePtr, emailPtr, apiKey); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	if err := database.CreateOIDCIdentity(provider, subject, userID, emailPtr); err != nil {
		return "", fmt.Errorf("create oidc identity: %w", err)
	}
	log.Info().Str("provider", provider).Str("user_id", userID).Msg("created user from oidc identity")
	return userID, nil
}

func sanitizeUsername(displayName, fallbackID string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "user-" + fallbackID[:8]
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "user-" + fallbackID[:8]
	}
	return b.String()
}

// GitHubProvider authenticates against GitHub's OAuth2 endpoint.
type GitHubProvider struct {
	clientID, clientSecret, redirectURL string
}

func NewGitHubProvider(clientID, clientSecret, redirectURL string) *GitHubProvider {
	return &GitHubProvider{clientID, clientSecret, redirectURL}
}

func (g *GitHubProvider) Name() string { return "github" }

func (g *GitHubProvider) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: g.clientID, ClientSecret: g.clientSecret,
		Endpoint: oauth2github.Endpoint, RedirectURL: g.redirectURL,
		Scopes: []string{"user:email"},
	}
}

type githubUser struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (g *GitHubProvider) GetIdentity(ctx context.Context, token *oauth2.Token) (string, string, string, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))

	resp, err := client.Get("https://api.github.com/user")
	if err != nil {
		return "", "", "", fmt.Errorf("github user api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("github user api status: %d", resp.StatusCode)
	}
	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", "", "", fmt.Errorf("decode github user: %w", err)
	}

	displayName := user.Name
	if displayName == "" {
		displayName = user.Login
	}
	email := user.Email
	if email == "" {
		email = g.fetchPrimaryEmail(ctx, client)
	}
	return fmt.Sprintf("%d", user.ID), email, displayName, nil
}

func (g *GitHubProvider) fetchPrimaryEmail(ctx context.Context, client *http.Client) string {
	resp, err := client.Get("https://api.github.com/user/emails")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var emails []githubEmail
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return ""
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

// GenericOIDCProvider authenticates against any OIDC-discoverable issuer.
type GenericOIDCProvider struct {
	name                                string
	clientID, clientSecret, redirectURL string
	provider                            *gooidc.Provider
	verifier                            *gooidc.IDTokenVerifier
}

func NewGenericOIDCProvider(ctx context.Context, name, issuerURL, clientID, clientSecret, redirectURL string) (*GenericOIDCProvider, error) {
	provider, err := gooidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuerURL, err)
	}
	verifier := provider.Verifier(&gooidc.Config{ClientID: clientID})
	return &GenericOIDCProvider{
		name: name, clientID: clientID, clientSecret: clientSecret, redirectURL: redirectURL,
		provider: provider, verifier: verifier,
	}, nil
}

func (p *GenericOIDCProvider) Name() string { return p.name }

func (p *GenericOIDCProvider) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: p.clientID, ClientSecret: p.clientSecret,
		Endpoint: p.provider.Endpoint(), RedirectURL: p.redirectURL,
		Scopes: []string{gooidc.ScopeOpenID, "profile", "email"},
	}
}

func (p *GenericOIDCProvider) GetIdentity(ctx context.Context, token *oauth2.Token) (string, string, string, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", "", "", fmt.Errorf("no id_token in oauth2 response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", "", "", fmt.Errorf("verify id_token: %w", err)
	}
	var claims struct {
		Subject string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return "", "", "", fmt.Errorf("decode claims: %w", err)
	}
	return claims.Subject, claims.Email, claims.Name, nil
}
