package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// httpClient is a shared HTTP client with timeout for OAuth requests.
var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// DeviceAuthConfig configures the OAuth2 device authorization flow.
type DeviceAuthConfig struct {
	// ClientID for the OAuth application
	ClientID string `toml:"client_id"`

	// DeviceAuthURL is the device authorization endpoint
	DeviceAuthURL string `toml:"device_auth_url"`

	// TokenURL is the token endpoint
	TokenURL string `toml:"token_url"`

	// Scopes to request
	Scopes []string `toml:"scopes"`

	// PollInterval is used when the server does not send one. Polling is
	// in whole seconds. Default: 5s.
	PollInterval time.Duration `toml:"-"`

	// Timeout for the entire flow (default 5 minutes)
	Timeout time.Duration `toml:"-"`
}

func (c DeviceAuthConfig) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: c.ClientID,
		Scopes:   c.Scopes,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: c.DeviceAuthURL,
			TokenURL:      c.TokenURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}

// DeviceFlowCallbacks allows customization of user interaction.
type DeviceFlowCallbacks struct {
	// OnUserCode is called when the user code is available.
	// Implementations should display the verification URL and code to the user.
	OnUserCode func(verificationURI, userCode string)

	// OnSuccess is called when authentication succeeds (optional).
	OnSuccess func()
}

// DeviceFlowProvider is a Provider that obtains tokens through the OAuth2
// device authorization flow and keeps them in a FileStore keyed by server URL.
type DeviceFlowProvider struct {
	Config    DeviceAuthConfig
	Store     *FileStore
	Callbacks *DeviceFlowCallbacks

	mu     sync.Mutex
	tokens map[string]*Tokens
	key    string
}

// NewDeviceFlowProvider creates a provider for the server at serverURL.
func NewDeviceFlowProvider(serverURL string, cfg DeviceAuthConfig, store *FileStore, callbacks *DeviceFlowCallbacks) *DeviceFlowProvider {
	return &DeviceFlowProvider{
		Config:    cfg,
		Store:     store,
		Callbacks: callbacks,
		tokens:    make(map[string]*Tokens),
		key:       serverURL,
	}
}

// Tokens returns cached tokens, falling back to the store.
func (p *DeviceFlowProvider) Tokens(ctx context.Context) (*Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tokens[p.key]; ok {
		return t, nil
	}
	if p.Store == nil {
		return nil, nil
	}
	t, err := p.Store.Load(p.key)
	if err != nil {
		return nil, err
	}
	if t != nil {
		p.tokens[p.key] = t
	}
	return t, nil
}

// Authorize refreshes the held tokens when possible and otherwise runs the
// device flow. The resource metadata URL is not consulted: the endpoints
// come from Config.
func (p *DeviceFlowProvider) Authorize(ctx context.Context, serverURL, resourceMetadataURL *url.URL) (Result, error) {
	current, err := p.Tokens(ctx)
	if err != nil {
		return "", err
	}

	var next *Tokens
	if current != nil && current.RefreshToken != "" {
		// A failed refresh falls back to the device flow.
		next, _ = RefreshToken(ctx, p.Config, current)
	}
	if next == nil {
		next, err = DeviceAuth(ctx, p.Config, p.Callbacks)
		if err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	p.tokens[p.key] = next
	p.mu.Unlock()

	if p.Store != nil {
		if err := p.Store.Save(p.key, next); err != nil {
			return "", fmt.Errorf("save tokens: %w", err)
		}
	}
	return Authorized, nil
}

// DeviceAuth performs the OAuth2 device authorization flow.
func DeviceAuth(ctx context.Context, cfg DeviceAuthConfig, callbacks *DeviceFlowCallbacks) (*Tokens, error) {
	if callbacks == nil {
		callbacks = &DeviceFlowCallbacks{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	oc := cfg.oauthConfig()
	da, err := oc.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}
	if da.Interval == 0 && cfg.PollInterval > 0 {
		da.Interval = max(int64(cfg.PollInterval/time.Second), 1)
	}

	if callbacks.OnUserCode != nil {
		callbacks.OnUserCode(da.VerificationURI, da.UserCode)
	}

	tok, err := oc.DeviceAccessToken(ctx, da)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("authentication timed out")
		}
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	if callbacks.OnSuccess != nil {
		callbacks.OnSuccess()
	}
	return tokensFromOAuth2(tok, cfg.ClientID, cfg.Scopes), nil
}

// RefreshToken exchanges a refresh token for a new token set.
func RefreshToken(ctx context.Context, cfg DeviceAuthConfig, token *Tokens) (*Tokens, error) {
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	// Without an access token the source always goes to the token endpoint.
	src := cfg.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: token.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	next := tokensFromOAuth2(tok, cfg.ClientID, token.Scopes)
	// Keep old refresh token if new one not provided
	if next.RefreshToken == "" {
		next.RefreshToken = token.RefreshToken
	}
	return next, nil
}

func tokensFromOAuth2(tok *oauth2.Token, clientID string, scopes []string) *Tokens {
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ClientID:     clientID,
		ExpiresAt:    tok.Expiry,
		Scopes:       scopes,
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		t.Scopes = strings.Fields(scope)
	}
	return t
}
